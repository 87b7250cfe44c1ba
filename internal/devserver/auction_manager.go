package devserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/pkg/logger"
	"auction-realtime/pkg/utils"

	"github.com/jonboulle/clockwork"
)

var ErrInvalidRequest = errors.New("invalid request")

// Sequencer extends domain.Sequencer with the bookkeeping the manager needs
// when auctions are loaded or deleted.
type Sequencer interface {
	domain.Sequencer
	Seed(ctx context.Context, auctionID string, last int64) error
	Forget(ctx context.Context, auctionID string) error
}

type ManagerConfig struct {
	// ExtensionWindow pushes the end of an auction out when a bid lands this
	// close to it. Zero disables extension.
	ExtensionWindow time.Duration
	DefaultDuration time.Duration
}

type CreateAuctionRequest struct {
	ID            string    `json:"id,omitempty"`
	Title         string    `json:"title"`
	StartingPrice float64   `json:"starting_price"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
}

// AuctionManager owns auction state on the dev server and publishes every
// change as a wire frame.
type AuctionManager struct {
	auctionRepo domain.AuctionRepository
	bidRepo     domain.BidRepository
	sequencer   Sequencer
	rules       *BiddingRuleDao
	eventPub    domain.FramePublisher
	cfg         ManagerConfig
	clock       clockwork.Clock
	log         logger.Logger

	// Bids and lifecycle transitions are serialized so price and timestamp
	// updates never interleave.
	mu sync.Mutex
}

func NewAuctionManager(
	auctionRepo domain.AuctionRepository,
	bidRepo domain.BidRepository,
	sequencer Sequencer,
	rules *BiddingRuleDao,
	eventPub domain.FramePublisher,
	cfg ManagerConfig,
	clock clockwork.Clock,
	log logger.Logger,
) *AuctionManager {
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = time.Hour
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AuctionManager{
		auctionRepo: auctionRepo,
		bidRepo:     bidRepo,
		sequencer:   sequencer,
		rules:       rules,
		eventPub:    eventPub,
		cfg:         cfg,
		clock:       clock,
		log:         log,
	}
}

// Restore seeds the sequencer from stored auctions so timestamps keep
// increasing across restarts.
func (am *AuctionManager) Restore(ctx context.Context) error {
	auctions, err := am.auctionRepo.ListAuctions(ctx)
	if err != nil {
		return err
	}
	for _, a := range auctions {
		if err := am.sequencer.Seed(ctx, a.ID, a.LastTimestamp); err != nil {
			return fmt.Errorf("seed %s: %w", a.ID, err)
		}
	}
	am.log.Info("Restored auctions", "count", len(auctions))
	return nil
}

func (am *AuctionManager) CreateAuction(ctx context.Context, req CreateAuctionRequest) (*domain.Auction, error) {
	now := am.clock.Now()
	if req.StartingPrice < 0 {
		return nil, fmt.Errorf("%w: starting price must not be negative", ErrInvalidRequest)
	}
	if req.StartTime.IsZero() {
		req.StartTime = now
	}
	if req.EndTime.IsZero() {
		req.EndTime = req.StartTime.Add(am.cfg.DefaultDuration)
	}
	if !req.EndTime.After(req.StartTime) {
		return nil, fmt.Errorf("%w: end time must be after start time", ErrInvalidRequest)
	}
	if req.ID == "" {
		req.ID = utils.GenerateID("auction")
	}

	auction := &domain.Auction{
		ID:            req.ID,
		Title:         req.Title,
		Status:        domain.AuctionPending,
		StartingPrice: req.StartingPrice,
		CurrentPrice:  req.StartingPrice,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if !req.StartTime.After(now) {
		auction.Status = domain.AuctionActive
	}

	if err := am.auctionRepo.CreateAuction(ctx, auction); err != nil {
		return nil, err
	}

	am.log.Info("Auction created", "auction_id", auction.ID, "status", auction.Status)
	am.publish(ctx, "", domain.FrameAuctionCreated, auction)
	return auction, nil
}

func (am *AuctionManager) GetAuction(ctx context.Context, auctionID string) (*domain.Auction, error) {
	return am.auctionRepo.GetAuction(ctx, auctionID)
}

func (am *AuctionManager) ListAuctions(ctx context.Context) ([]*domain.Auction, error) {
	return am.auctionRepo.ListAuctions(ctx)
}

func (am *AuctionManager) BidHistory(ctx context.Context, auctionID string) ([]domain.BidEvent, error) {
	if _, err := am.auctionRepo.GetAuction(ctx, auctionID); err != nil {
		return nil, err
	}
	return am.bidRepo.BidHistory(ctx, auctionID)
}

func (am *AuctionManager) DeleteAuction(ctx context.Context, auctionID string) error {
	am.mu.Lock()
	defer am.mu.Unlock()

	if err := am.auctionRepo.DeleteAuction(ctx, auctionID); err != nil {
		return err
	}
	if err := am.sequencer.Forget(ctx, auctionID); err != nil {
		am.log.Warn("Failed to reset sequence", "auction_id", auctionID, "error", err)
	}

	am.log.Info("Auction deleted", "auction_id", auctionID)
	am.publish(ctx, "", domain.FrameAuctionDeleted, domain.RoomPayload{AuctionID: auctionID})
	return nil
}

// PlaceBid validates and records a bid, then pushes it to the auction room.
// Rejections wrap domain.ErrBidRejected.
func (am *AuctionManager) PlaceBid(ctx context.Context, auctionID, bidderID string, amount float64) (*domain.BidEvent, error) {
	if bidderID == "" {
		return nil, fmt.Errorf("%w: bidder_id is required", ErrInvalidRequest)
	}

	am.mu.Lock()
	defer am.mu.Unlock()

	auction, err := am.auctionRepo.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if auction.Status != domain.AuctionActive {
		return nil, fmt.Errorf("%w: auction %s is %s", domain.ErrBidRejected, auctionID, auction.Status)
	}

	minimum := am.MinimumBid(auction)
	if amount <= 0 || amount < minimum {
		return nil, fmt.Errorf("%w: minimum bid is %.2f", domain.ErrBidRejected, minimum)
	}

	ts, err := am.sequencer.Next(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("next server timestamp: %w", err)
	}

	bid := &domain.BidEvent{
		AuctionID:       auctionID,
		BidID:           utils.GenerateID("bid"),
		Amount:          amount,
		BidderID:        bidderID,
		ServerTimestamp: ts,
		CurrentPrice:    amount,
	}
	if err := am.bidRepo.SaveBid(ctx, bid); err != nil {
		return nil, err
	}

	now := am.clock.Now()
	auction.CurrentPrice = amount
	auction.LastTimestamp = ts
	auction.UpdatedAt = now
	extended := am.extendLocked(auction, now)
	if err := am.auctionRepo.UpdateAuction(ctx, auction); err != nil {
		return nil, err
	}

	am.log.Info("Bid placed", "auction_id", auctionID, "bid_id", bid.BidID, "amount", amount, "server_timestamp", ts)
	am.publish(ctx, auctionID, domain.FrameBidPlaced, bid)
	if extended {
		am.publish(ctx, "", domain.FrameAuctionUpdated, auction)
	}
	return bid, nil
}

func (am *AuctionManager) extendLocked(auction *domain.Auction, now time.Time) bool {
	if am.cfg.ExtensionWindow <= 0 {
		return false
	}
	timeUntilEnd := auction.EndTime.Sub(now)
	if timeUntilEnd > am.cfg.ExtensionWindow || timeUntilEnd <= 0 {
		return false
	}
	auction.EndTime = now.Add(am.cfg.ExtensionWindow)
	am.log.Info("Auction extended", "auction_id", auction.ID, "new_end_time", auction.EndTime)
	return true
}

// Sweep moves auctions through pending -> active -> ended based on their
// start and end times and returns how many changed.
func (am *AuctionManager) Sweep(ctx context.Context) (int, error) {
	am.mu.Lock()
	defer am.mu.Unlock()

	auctions, err := am.auctionRepo.ListAuctions(ctx)
	if err != nil {
		return 0, err
	}

	now := am.clock.Now()
	changed := 0
	for _, a := range auctions {
		next := a.Status
		switch a.Status {
		case domain.AuctionPending:
			if !a.StartTime.After(now) {
				next = domain.AuctionActive
			}
			if !a.EndTime.After(now) {
				next = domain.AuctionEnded
			}
		case domain.AuctionActive:
			if !a.EndTime.After(now) {
				next = domain.AuctionEnded
			}
		}
		if next == a.Status {
			continue
		}

		am.log.Info("Auction status changed", "auction_id", a.ID, "from", a.Status, "to", next)
		a.Status = next
		a.UpdatedAt = now
		if err := am.auctionRepo.UpdateAuction(ctx, a); err != nil {
			am.log.Error("Failed to update auction status", "auction_id", a.ID, "error", err)
			continue
		}
		changed++
		am.publish(ctx, "", domain.FrameAuctionUpdated, a)
	}
	return changed, nil
}

// ActiveAuctions lists auctions currently accepting bids.
func (am *AuctionManager) ActiveAuctions(ctx context.Context) ([]*domain.Auction, error) {
	auctions, err := am.auctionRepo.ListAuctions(ctx)
	if err != nil {
		return nil, err
	}
	active := auctions[:0]
	for _, a := range auctions {
		if a.Status == domain.AuctionActive {
			active = append(active, a)
		}
	}
	return active, nil
}

// MinimumBid is the starting price until the first bid, then the current
// price plus the tiered increment.
func (am *AuctionManager) MinimumBid(auction *domain.Auction) float64 {
	if auction.LastTimestamp == 0 {
		return auction.StartingPrice
	}
	return am.rules.GetMinimumBid(auction.CurrentPrice)
}

func (am *AuctionManager) publish(ctx context.Context, auctionID string, event domain.FrameType, data interface{}) {
	frame, err := domain.EncodeFrame(event, data)
	if err != nil {
		am.log.Error("Failed to encode frame", "event", event, "error", err)
		return
	}
	if err := am.eventPub.PublishFrame(ctx, auctionID, frame); err != nil {
		am.log.Error("Failed to publish frame", "event", event, "auction_id", auctionID, "error", err)
	}
}
