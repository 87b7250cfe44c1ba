package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auction-realtime/internal/config"
	"auction-realtime/internal/devserver"
	"auction-realtime/internal/domain"
	"auction-realtime/internal/infrastructure/leader"
	"auction-realtime/internal/infrastructure/mysql"
	"auction-realtime/internal/infrastructure/redis"
	"auction-realtime/internal/infrastructure/websocket"
	"auction-realtime/pkg/logger"

	redisClient "github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func main() {
	_ = godotenv.Load()

	flags := config.NewFlagSet("auction-devserver")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}

	log := logger.NewWithLevel(cfg.Log.Level).With("instance_id", cfg.Instance.ID)
	log.Info("Starting auction dev server", "storage", cfg.Server.Storage, "redis", cfg.Redis.Enabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	var (
		auctionRepo domain.AuctionRepository
		bidRepo     domain.BidRepository
	)
	switch cfg.Server.Storage {
	case config.StorageMySQL:
		db, err := mysql.Open(ctx, cfg.MySQL.DSN, cfg.MySQL.MaxOpenConns, cfg.MySQL.MaxIdleConns, cfg.MySQL.ConnMaxLifetime)
		if err != nil {
			log.Fatal("Failed to connect to MySQL", "error", err)
		}
		defer db.Close()
		if err := mysql.Migrate(ctx, db); err != nil {
			log.Fatal("Failed to migrate MySQL schema", "error", err)
		}
		auctionRepo = mysql.NewMySQLAuctionRepository(db)
		bidRepo = mysql.NewMySQLBidRepository(db)
		log.Info("Connected to MySQL")
	default:
		store := devserver.NewMemoryStore()
		auctionRepo, bidRepo = store, store
	}

	hub := websocket.NewConnectionManager(log.With("component", "hub"))
	notifier := websocket.NewWebSocketNotifier(hub)

	var (
		rdb       *redisClient.Client
		sequencer devserver.Sequencer   = devserver.NewMemorySequencer()
		eventPub  domain.FramePublisher = notifier
		election  domain.LeaderElection
	)
	if cfg.Redis.Enabled {
		rdb = redisClient.NewClient(&redisClient.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Fatal("Failed to connect to Redis", "error", err)
		}
		defer rdb.Close()
		log.Info("Connected to Redis", "address", cfg.Redis.Address)

		// Every instance publishes to Redis and delivers what it hears back
		// to its own connections.
		sequencer = redis.NewRedisSequencer(rdb)
		eventPub = redis.NewEventPublisher(rdb, cfg.Redis.Channel)
		election = leader.NewRedisLeaderElection(rdb, "", cfg.Leader.TTL, log.With("component", "leader"))

		subscriber := redis.NewRedisEventSubscriber(rdb, cfg.Redis.Channel, log.With("component", "fanout"))
		go func() {
			if err := subscriber.Subscribe(ctx, notifier.Deliver); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Fan-out subscriber stopped", "error", err)
			}
		}()
	}

	rules := devserver.NewBiddingRuleDao(rdb)
	if err := rules.LoadRules(ctx); err != nil {
		log.Fatal("Failed to load bidding rules", "error", err)
	}

	manager := devserver.NewAuctionManager(auctionRepo, bidRepo, sequencer, rules, eventPub,
		devserver.ManagerConfig{ExtensionWindow: cfg.Server.ExtensionWindow}, nil, log.With("component", "manager"))
	if err := manager.Restore(ctx); err != nil {
		log.Fatal("Failed to restore auctions", "error", err)
	}

	var simulator *devserver.Simulator
	if cfg.Simulator.Enabled {
		simulator = devserver.NewSimulator(manager, cfg.Simulator.Bidders, election, cfg.Instance.ID,
			log.With("component", "simulator"))
	}
	scheduler := devserver.NewCronScheduler(devserver.SchedulerConfig{
		LifecycleSchedule: cfg.Simulator.LifecycleSchedule,
		BidSchedule:       cfg.Simulator.BidSchedule,
		DropSchedule:      cfg.Simulator.DropSchedule,
	}, manager, simulator, hub, log.With("component", "scheduler"))
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start scheduler", "error", err)
	}

	server := devserver.NewServer(manager, hub, log)
	go func() {
		if err := server.Start(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)); err != nil {
			log.Fatal("Server failed to start", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down auction dev server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := scheduler.Stop(); err != nil {
		log.Error("Failed to stop scheduler", "error", err)
	}
	if election != nil {
		if err := election.ReleaseLeadership(shutdownCtx, cfg.Instance.ID); err != nil {
			log.Error("Failed to release leadership", "error", err)
		}
	}
	hub.DropAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	cancel()

	log.Info("Auction dev server stopped")
}
