package devserver

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/pkg/logger"
)

// Simulator places bids on active auctions so clients have traffic to watch.
// When a leader election is configured only the leader bids.
type Simulator struct {
	manager    *AuctionManager
	bidders    []string
	leader     domain.LeaderElection
	instanceID string
	log        logger.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulator(manager *AuctionManager, bidders []string, leader domain.LeaderElection, instanceID string, log logger.Logger) *Simulator {
	if len(bidders) == 0 {
		bidders = []string{"sim-bidder"}
	}
	return &Simulator{
		manager:    manager,
		bidders:    bidders,
		leader:     leader,
		instanceID: instanceID,
		log:        log,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Tick places at most one bid per active auction and returns how many were
// accepted.
func (s *Simulator) Tick(ctx context.Context) int {
	if !s.isLeader(ctx) {
		return 0
	}

	auctions, err := s.manager.ActiveAuctions(ctx)
	if err != nil {
		s.log.Error("Failed to list active auctions", "error", err)
		return 0
	}

	placed := 0
	for _, a := range auctions {
		bidder, amount := s.pick(a)
		if _, err := s.manager.PlaceBid(ctx, a.ID, bidder, amount); err != nil {
			if errors.Is(err, domain.ErrBidRejected) {
				// Lost a race with a real bidder.
				s.log.Debug("Simulated bid rejected", "auction_id", a.ID, "error", err)
				continue
			}
			s.log.Error("Simulated bid failed", "auction_id", a.ID, "error", err)
			continue
		}
		placed++
	}
	return placed
}

func (s *Simulator) pick(a *domain.Auction) (string, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bidder := s.bidders[s.rnd.Intn(len(s.bidders))]
	amount := s.manager.MinimumBid(a)
	if amount <= 0 {
		amount = s.manager.rules.GetIncrementRule(0)
	}
	// Occasionally overbid by an extra increment or two.
	amount += float64(s.rnd.Intn(3)) * s.manager.rules.GetIncrementRule(amount)
	return bidder, amount
}

func (s *Simulator) isLeader(ctx context.Context) bool {
	if s.leader == nil {
		return true
	}
	leader, err := s.leader.IsLeader(ctx, s.instanceID)
	if err != nil {
		s.log.Error("Failed to check leadership", "error", err)
		return false
	}
	if leader {
		return true
	}
	became, err := s.leader.BecomeLeader(ctx, s.instanceID)
	if err != nil {
		s.log.Error("Failed to attempt leadership", "error", err)
		return false
	}
	if became {
		s.log.Info("Became simulator leader", "instance_id", s.instanceID)
	}
	return became
}
