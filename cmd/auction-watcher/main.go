package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auction-realtime/internal/api/handlers"
	"auction-realtime/internal/api/middleware"
	"auction-realtime/internal/config"
	"auction-realtime/internal/domain"
	"auction-realtime/internal/infrastructure/httpapi"
	"auction-realtime/internal/infrastructure/mysql"
	"auction-realtime/internal/infrastructure/natsrelay"
	"auction-realtime/internal/infrastructure/redis"
	"auction-realtime/internal/infrastructure/websocket"
	"auction-realtime/internal/services"
	"auction-realtime/pkg/logger"

	redisClient "github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const priceTTL = 24 * time.Hour

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	flags := config.NewFlagSet("auction-watcher")
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

	log := logger.NewWithLevel(cfg.Log.Level)
	log.Info("Starting auction watcher", "config", cfg.GetConfigString())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := httpapi.NewClient(cfg.AuctionAPI.BaseURL, cfg.AuctionAPI.Timeout, log.With("component", "api"))

	var history domain.BidHistorySource = api
	var db *sql.DB
	if cfg.History.Source == config.HistoryFromMySQL {
		db, err = mysql.Open(ctx, cfg.MySQL.DSN, cfg.MySQL.MaxOpenConns, cfg.MySQL.MaxIdleConns, cfg.MySQL.ConnMaxLifetime)
		if err != nil {
			log.Fatal("Failed to connect to MySQL", "error", err)
		}
		defer db.Close()
		history = mysql.NewMySQLBidRepository(db)
		log.Info("Reconciling from MySQL bid history")
	}

	dialer := websocket.NewDialer(websocket.DialerConfig{
		URL:              cfg.Transport.URL,
		WriteTimeout:     cfg.Transport.WriteTimeout,
		PingTimeout:      cfg.Transport.PingTimeout,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
	}, log.With("component", "transport"))

	session := services.NewSession(sessionConfig(cfg), services.SessionDeps{
		Dialer:  dialer,
		History: history,
		Logger:  log,
	})

	for _, kind := range domain.EventKinds {
		if _, err := session.On(kind, logEvent(log)); err != nil {
			log.Fatal("Failed to subscribe", "kind", kind, "error", err)
		}
	}

	var rdb *redisClient.Client
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
	}

	var natsPub *natsrelay.Publisher
	if cfg.NATS.Enabled {
		natsCfg := natsrelay.DefaultPublisherConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		natsPub, err = natsrelay.NewPublisher(natsCfg, log.With("component", "nats"))
		if err != nil {
			log.Fatal("Failed to connect to NATS", "error", err)
		}
		defer natsPub.Close()
		log.Info("Connected to NATS", "url", cfg.NATS.URL)
	}

	var statusOpts []handlers.StatusOption
	if relay := buildRelay(cfg, rdb, natsPub, log); relay != nil {
		if err := relay.Attach(session.Bus()); err != nil {
			log.Fatal("Failed to attach relay", "error", err)
		}
		go relay.Run(ctx)
		statusOpts = append(statusOpts, handlers.WithRelayStats(relay.Stats))
	}
	if rdb != nil {
		statusOpts = append(statusOpts, handlers.WithPriceCache(redis.NewRedisPriceCache(rdb, priceTTL)))
	}

	var statusServer *http.Server
	if cfg.Status.Enabled {
		statusServer = newStatusServer(cfg, session, log, statusOpts...)
		go func() {
			log.Info("Starting status API", "address", statusServer.Addr)
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Status API failed", "error", err)
			}
		}()
	}

	if err := session.Connect(ctx); err != nil {
		log.Fatal("Failed to connect", "url", cfg.Transport.URL, "error", err)
	}

	for _, auctionID := range cfg.Watch.Auctions {
		go watch(ctx, session, api, auctionID, log)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down auction watcher...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if statusServer != nil {
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Status API forced to shutdown", "error", err)
		}
	}
	if err := session.Close(); err != nil {
		log.Error("Failed to close session", "error", err)
	}
	cancel()

	log.Info("Auction watcher stopped")
}

func sessionConfig(cfg *config.Config) services.SessionConfig {
	return services.SessionConfig{
		Supervisor: services.SupervisorConfig{
			ReconnectEnabled:     cfg.Reconnection.Enabled,
			ReconnectDelay:       cfg.Reconnection.Delay,
			ReconnectMaxDelay:    cfg.Reconnection.MaxDelay,
			MaxReconnectAttempts: cfg.Reconnection.MaxAttempts,
			ConnectTimeout:       cfg.Transport.HandshakeTimeout,
		},
		Reconciler: services.ReconcilerConfig{
			WindowSize:    cfg.DeliveryWindowSize,
			PullTimeout:   cfg.Reconciliation.Timeout,
			SuspectWindow: cfg.Reconciliation.SuspectWindow,
		},
		JoinAckTimeout: cfg.JoinAckTimeout,
	}
}

func buildRelay(cfg *config.Config, rdb *redisClient.Client, natsPub *natsrelay.Publisher, log logger.Logger) *services.Relay {
	var sinks []domain.FramePublisher
	var prices domain.PriceCache
	if rdb != nil {
		sinks = append(sinks, redis.NewEventPublisher(rdb, cfg.Redis.Channel))
		prices = redis.NewRedisPriceCache(rdb, priceTTL)
	}
	if natsPub != nil {
		sinks = append(sinks, natsPub)
	}
	if len(sinks) == 0 && prices == nil {
		return nil
	}
	return services.NewRelay(services.RelayConfig{}, sinks, prices, log.With("component", "relay"))
}

func newStatusServer(cfg *config.Config, session *services.Session, log logger.Logger, opts ...handlers.StatusOption) *http.Server {
	router := mux.NewRouter()
	router.Use(middleware.RequestLogging(log.With("component", "status")))
	handlers.NewStatusHandler(session, log, opts...).Register(router)

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Status.Host, cfg.Status.Port),
		Handler:           middleware.CORS(router),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// watch logs the auction's current state and joins its room.
func watch(ctx context.Context, session *services.Session, api domain.AuctionAPI, auctionID string, log logger.Logger) {
	if auction, err := api.GetAuction(ctx, auctionID); err != nil {
		log.Warn("Failed to fetch auction", "auction_id", auctionID, "error", err)
	} else {
		log.Info("Watching auction",
			"auction_id", auction.ID,
			"title", auction.Title,
			"status", auction.Status,
			"current_price", auction.CurrentPrice)
	}

	if err := session.Join(ctx, auctionID); err != nil {
		// Membership is kept; the join is retried on the next reconnect.
		log.Warn("Join not acknowledged", "auction_id", auctionID, "error", err)
		return
	}
	log.Info("Joined auction room", "auction_id", auctionID)
}

func logEvent(log logger.Logger) func(domain.Event) error {
	return func(ev domain.Event) error {
		switch p := ev.Payload.(type) {
		case domain.BidEvent:
			log.Info("Bid placed",
				"auction_id", p.AuctionID,
				"bid_id", p.BidID,
				"amount", p.Amount,
				"bidder_id", p.BidderID,
				"server_timestamp", p.ServerTimestamp,
				"recovered", p.Recovered,
				"possibly_gapped", p.PossiblyGapped)
		case domain.AuctionUpdate:
			log.Info("Auction updated",
				"auction_id", p.AuctionID,
				"status", p.Status,
				"current_price", p.CurrentPrice,
				"reason", p.Reason)
		case domain.StateChange:
			log.Info("Connection state", "from", p.From, "to", p.To, "error", p.Err)
		default:
			log.Info("Event", "kind", ev.Kind, "payload", p)
		}
		return nil
	}
}
