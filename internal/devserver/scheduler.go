package devserver

import (
	"context"
	"fmt"

	"auction-realtime/pkg/logger"

	"github.com/robfig/cron/v3"
)

// Dropper closes every live push connection.
type Dropper interface {
	DropAll() int
}

type SchedulerConfig struct {
	LifecycleSchedule string
	BidSchedule       string // Empty disables the simulator
	DropSchedule      string // Empty disables fault injection
}

// CronScheduler runs the dev server's periodic jobs: the lifecycle sweep,
// the bid simulator and connection drops.
type CronScheduler struct {
	cron      *cron.Cron
	cfg       SchedulerConfig
	manager   *AuctionManager
	simulator *Simulator
	dropper   Dropper
	log       logger.Logger
}

// NewCronScheduler accepts a nil simulator or dropper when those jobs are
// not wanted.
func NewCronScheduler(cfg SchedulerConfig, manager *AuctionManager, simulator *Simulator, dropper Dropper,
	log logger.Logger) *CronScheduler {
	return &CronScheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		cfg:       cfg,
		manager:   manager,
		simulator: simulator,
		dropper:   dropper,
		log:       log,
	}
}

func (s *CronScheduler) Start(ctx context.Context) error {
	s.log.Info("Starting dev server scheduler",
		"lifecycle", s.cfg.LifecycleSchedule,
		"bids", s.cfg.BidSchedule,
		"drops", s.cfg.DropSchedule)

	if s.cfg.LifecycleSchedule != "" {
		if _, err := s.cron.AddFunc(s.cfg.LifecycleSchedule, func() { s.sweep(ctx) }); err != nil {
			return fmt.Errorf("lifecycle schedule: %w", err)
		}
	}

	if s.cfg.BidSchedule != "" && s.simulator != nil {
		if _, err := s.cron.AddFunc(s.cfg.BidSchedule, func() { s.simulator.Tick(ctx) }); err != nil {
			return fmt.Errorf("bid schedule: %w", err)
		}
	}

	if s.cfg.DropSchedule != "" && s.dropper != nil {
		if _, err := s.cron.AddFunc(s.cfg.DropSchedule, s.drop); err != nil {
			return fmt.Errorf("drop schedule: %w", err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop waits for running jobs to finish.
func (s *CronScheduler) Stop() error {
	s.log.Info("Stopping dev server scheduler")
	<-s.cron.Stop().Done()
	return nil
}

func (s *CronScheduler) sweep(ctx context.Context) {
	changed, err := s.manager.Sweep(ctx)
	if err != nil {
		s.log.Error("Lifecycle sweep failed", "error", err)
		return
	}
	if changed > 0 {
		s.log.Info("Lifecycle sweep", "changed", changed)
	}
}

func (s *CronScheduler) drop() {
	n := s.dropper.DropAll()
	s.log.Info("Injected connection drop", "connections", n)
}
