package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/internal/eventbus"
	"auction-realtime/pkg/logger"
)

type RelayConfig struct {
	QueueSize      int
	PublishTimeout time.Duration
}

type RelayStats struct {
	Relayed int64 `json:"relayed"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

type outbound struct {
	auctionID string
	frame     []byte
	price     *domain.AuctionPrice
}

// Relay re-encodes delivered bus events as wire frames and forwards them to
// external brokers. Publishing happens on a worker goroutine so a slow broker
// never holds up bus emission; when the queue is full the frame is dropped
// and counted.
type Relay struct {
	cfg    RelayConfig
	sinks  []domain.FramePublisher
	prices domain.PriceCache
	log    logger.Logger

	queue chan outbound
	subs  []*eventbus.Subscription
	mu    sync.Mutex

	relayed atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewRelay accepts a nil prices cache when no cache is configured.
func NewRelay(cfg RelayConfig, sinks []domain.FramePublisher, prices domain.PriceCache, log logger.Logger) *Relay {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Relay{
		cfg:    cfg,
		sinks:  sinks,
		prices: prices,
		log:    log,
		queue:  make(chan outbound, cfg.QueueSize),
	}
}

// Attach subscribes to every auction event kind on bus.
func (r *Relay) Attach(bus *eventbus.Bus) error {
	kinds := []domain.EventKind{
		domain.EventAuctionCreated,
		domain.EventAuctionUpdated,
		domain.EventAuctionDeleted,
		domain.EventBidPlaced,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, kind := range kinds {
		sub, err := bus.On(kind, r.enqueue)
		if err != nil {
			return err
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Relay) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Relay) enqueue(event domain.Event) error {
	out, err := encodeEvent(event)
	if err != nil {
		return err
	}

	select {
	case r.queue <- out:
		return nil
	default:
		r.dropped.Add(1)
		return fmt.Errorf("relay queue full, dropped %s for auction %s", event.Kind, out.auctionID)
	}
}

// Run publishes queued frames until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-r.queue:
			r.publish(ctx, out)
		}
	}
}

func (r *Relay) publish(ctx context.Context, out outbound) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	ok := true
	for _, sink := range r.sinks {
		if err := sink.PublishFrame(ctx, out.auctionID, out.frame); err != nil {
			ok = false
			r.log.Error("Failed to relay frame", "auction_id", out.auctionID, "error", err)
		}
	}
	if out.price != nil && r.prices != nil {
		if err := r.prices.SetPrice(ctx, *out.price); err != nil {
			ok = false
			r.log.Error("Failed to cache price", "auction_id", out.auctionID, "error", err)
		}
	}

	if ok {
		r.relayed.Add(1)
	} else {
		r.failed.Add(1)
	}
}

func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Relayed: r.relayed.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
	}
}

func encodeEvent(event domain.Event) (outbound, error) {
	var (
		out       outbound
		frameType domain.FrameType
		data      interface{}
	)

	switch p := event.Payload.(type) {
	case domain.BidEvent:
		frameType, data = domain.FrameBidPlaced, p
		out.auctionID = p.AuctionID
		out.price = &domain.AuctionPrice{
			AuctionID:       p.AuctionID,
			CurrentPrice:    p.CurrentPrice,
			ServerTimestamp: p.ServerTimestamp,
			UpdatedAt:       time.Now(),
		}
	case domain.AuctionUpdate:
		// Relayed in the wire shape so subscribers can decode it like a
		// pushed frame. The update reason is not carried.
		frameType = domain.FrameAuctionUpdated
		data = &domain.Auction{
			ID:            p.AuctionID,
			Status:        p.Status,
			CurrentPrice:  p.CurrentPrice,
			LastTimestamp: p.ServerTimestamp,
		}
		out.auctionID = p.AuctionID
		out.price = &domain.AuctionPrice{
			AuctionID:       p.AuctionID,
			CurrentPrice:    p.CurrentPrice,
			ServerTimestamp: p.ServerTimestamp,
			UpdatedAt:       time.Now(),
		}
	case domain.AuctionDeleted:
		frameType, data = domain.FrameAuctionDeleted, domain.RoomPayload{AuctionID: p.AuctionID}
		out.auctionID = p.AuctionID
	case *domain.Auction:
		frameType, data = domain.FrameAuctionCreated, p
		out.auctionID = p.ID
	default:
		return outbound{}, fmt.Errorf("relay: unexpected %s payload %T", event.Kind, event.Payload)
	}

	frame, err := domain.EncodeFrame(frameType, data)
	if err != nil {
		return outbound{}, err
	}
	out.frame = frame
	return out, nil
}
