package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/pkg/logger"

	"github.com/jonboulle/clockwork"
)

type ReconcilerConfig struct {
	WindowSize    int           // Bid ids remembered per auction
	PullTimeout   time.Duration // Deadline for one reconciling pull
	SuspectWindow time.Duration // How long gap detection stays armed after a reconnect; 0 = until the next pull
}

type ReconcilerStats struct {
	Accepted     int64 `json:"accepted"`
	Duplicates   int64 `json:"duplicates"`
	Gaps         int64 `json:"gaps"`
	Pulls        int64 `json:"pulls"`
	PullFailures int64 `json:"pull_failures"`
	Corrections  int64 `json:"corrections"`
}

// pendingPull is an outstanding reconciliation for one auction. Live events
// for that auction are buffered until it resolves.
type pendingPull struct {
	cancel   context.CancelFunc
	buffered []domain.BidEvent
}

func (p *pendingPull) holds(bidID string) bool {
	for _, ev := range p.buffered {
		if ev.BidID == bidID {
			return true
		}
	}
	return false
}

// Reconciler turns the push stream, which may repeat or skip bids across a
// reconnect, into a duplicate-free and gap-free bidPlaced stream.
type Reconciler struct {
	cfg     ReconcilerConfig
	history domain.BidHistorySource
	bus     domain.Publisher
	clock   clockwork.Clock
	log     logger.Logger

	// emitMu orders decisions and their emissions. Forget only takes mu, so
	// a bus handler may leave a room while an emission is in progress.
	emitMu sync.Mutex

	mu      sync.Mutex
	windows map[string]*DeliveryWindow
	pulls   map[string]*pendingPull
	closed  bool

	accepted     atomic.Int64
	duplicates   atomic.Int64
	gaps         atomic.Int64
	pullCount    atomic.Int64
	pullFailures atomic.Int64
	corrections  atomic.Int64
}

func NewReconciler(cfg ReconcilerConfig, history domain.BidHistorySource, bus domain.Publisher, clock clockwork.Clock, log logger.Logger) *Reconciler {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reconciler{
		cfg:     cfg,
		history: history,
		bus:     bus,
		clock:   clock,
		log:     log,
		windows: make(map[string]*DeliveryWindow),
		pulls:   make(map[string]*pendingPull),
	}
}

// HandleBid processes one pushed bid.
func (r *Reconciler) HandleBid(ev domain.BidEvent) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	w, ok := r.windows[ev.AuctionID]
	if !ok {
		w = NewDeliveryWindow(r.cfg.WindowSize)
		r.windows[ev.AuctionID] = w
	}

	if p := r.pulls[ev.AuctionID]; p != nil {
		if w.Seen(ev.BidID) || p.holds(ev.BidID) {
			r.mu.Unlock()
			r.duplicates.Add(1)
			return
		}
		p.buffered = append(p.buffered, ev)
		r.mu.Unlock()
		return
	}

	if w.Seen(ev.BidID) {
		r.mu.Unlock()
		r.duplicates.Add(1)
		r.log.Debug("Dropping duplicate bid", "auction_id", ev.AuctionID, "bid_id", ev.BidID)
		return
	}

	if w.SuspectAt(r.clock.Now()) && w.IsGap(ev.ServerTimestamp) {
		r.startPullLocked(ev, w.LastSeenTimestamp)
		r.mu.Unlock()
		return
	}

	r.acceptLocked(w, ev)
	r.mu.Unlock()

	r.bus.Emit(domain.EventBidPlaced, ev)
}

// startPullLocked buffers ev and fetches the bid history in the background.
// Must hold r.mu.
func (r *Reconciler) startPullLocked(ev domain.BidEvent, lastSeen int64) {
	var ctx context.Context
	var cancel context.CancelFunc
	if r.cfg.PullTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), r.cfg.PullTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	p := &pendingPull{
		cancel:   cancel,
		buffered: []domain.BidEvent{ev},
	}
	r.pulls[ev.AuctionID] = p
	r.gaps.Add(1)
	r.pullCount.Add(1)

	r.log.Warn("Sequence gap after reconnect, pulling bid history",
		"auction_id", ev.AuctionID,
		"last_seen", lastSeen,
		"received", ev.ServerTimestamp,
	)

	go func() {
		defer cancel()
		bids, err := r.history.BidHistory(ctx, ev.AuctionID)
		if err == nil {
			err = ctx.Err()
		}
		r.complete(ev.AuctionID, p, bids, err)
	}()
}

// complete applies a pull result and flushes the buffered events.
func (r *Reconciler) complete(auctionID string, p *pendingPull, bids []domain.BidEvent, err error) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	if r.pulls[auctionID] != p {
		// Forgotten or closed while the pull was in flight.
		r.mu.Unlock()
		return
	}
	delete(r.pulls, auctionID)
	w := r.windows[auctionID]
	w.Suspect = false

	var out []domain.Event
	if err != nil {
		out = r.fallbackLocked(auctionID, w, p, err)
	} else {
		out = r.mergeLocked(auctionID, w, p, bids)
	}
	r.mu.Unlock()

	for _, event := range out {
		r.mu.Lock()
		current := r.windows[auctionID]
		r.mu.Unlock()
		if current != w {
			return
		}
		r.bus.Emit(event.Kind, event.Payload)
	}
}

// mergeLocked rebuilds the window from the pulled history. Pulled bids newer
// than the last delivered one are emitted as recovered; buffered live bids
// not covered by the pull follow in server timestamp order.
func (r *Reconciler) mergeLocked(auctionID string, w *DeliveryWindow, p *pendingPull, bids []domain.BidEvent) []domain.Event {
	sort.SliceStable(bids, func(i, j int) bool {
		return bids[i].ServerTimestamp < bids[j].ServerTimestamp
	})
	prevTS, prevPrice := w.LastSeenTimestamp, w.LastPrice

	var out []domain.Event

	// The pulled price at the last delivered timestamp is authoritative.
	for i := len(bids) - 1; i >= 0; i-- {
		b := bids[i]
		if b.ServerTimestamp > prevTS {
			continue
		}
		if b.ServerTimestamp == prevTS && b.CurrentPrice != prevPrice {
			r.corrections.Add(1)
			w.LastPrice = b.CurrentPrice
			out = append(out, domain.Event{
				Kind: domain.EventAuctionUpdated,
				Payload: domain.AuctionUpdate{
					AuctionID:       auctionID,
					Status:          domain.AuctionActive,
					CurrentPrice:    b.CurrentPrice,
					ServerTimestamp: prevTS,
					Reason:          domain.UpdateFromReconciliation,
				},
			})
			r.log.Warn("Correcting delivered price from bid history",
				"auction_id", auctionID,
				"delivered", prevPrice,
				"authoritative", b.CurrentPrice,
			)
		}
		break
	}

	candidates := make([]domain.BidEvent, 0, len(bids)+len(p.buffered))
	picked := make(map[string]bool, cap(candidates))
	for _, b := range bids {
		if b.AuctionID == "" {
			b.AuctionID = auctionID
		}
		if b.ServerTimestamp > prevTS && !w.Seen(b.BidID) && !picked[b.BidID] {
			b.Recovered = true
			candidates = append(candidates, b)
			picked[b.BidID] = true
		}
	}
	for _, ev := range p.buffered {
		if w.Seen(ev.BidID) || picked[ev.BidID] {
			r.duplicates.Add(1)
			continue
		}
		candidates = append(candidates, ev)
		picked[ev.BidID] = true
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ServerTimestamp < candidates[j].ServerTimestamp
	})

	// Older history the client never saw is remembered, not delivered.
	for _, b := range bids {
		if b.ServerTimestamp <= prevTS {
			w.Remember(b.BidID)
		}
	}
	for _, ev := range candidates {
		r.acceptLocked(w, ev)
		out = append(out, domain.Event{Kind: domain.EventBidPlaced, Payload: ev})
	}

	r.log.Info("Reconciled bid history",
		"auction_id", auctionID,
		"pulled", len(bids),
		"buffered", len(p.buffered),
		"delivered", len(candidates),
	)
	return out
}

// fallbackLocked accepts the buffered events after a failed pull. The first
// one is flagged so consumers know earlier bids may be missing.
func (r *Reconciler) fallbackLocked(auctionID string, w *DeliveryWindow, p *pendingPull, cause error) []domain.Event {
	r.pullFailures.Add(1)
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = fmt.Errorf("%w: %v", domain.ErrTimeout, cause)
	}
	err := fmt.Errorf("%w for auction %s: %w", domain.ErrReconciliationFailure, auctionID, cause)
	r.log.Error("Accepting events with a possible gap", "auction_id", auctionID, "error", err)

	buffered := append([]domain.BidEvent(nil), p.buffered...)
	sort.SliceStable(buffered, func(i, j int) bool {
		return buffered[i].ServerTimestamp < buffered[j].ServerTimestamp
	})

	out := make([]domain.Event, 0, len(buffered))
	for _, ev := range buffered {
		if w.Seen(ev.BidID) {
			r.duplicates.Add(1)
			continue
		}
		if len(out) == 0 {
			ev.PossiblyGapped = true
		}
		r.acceptLocked(w, ev)
		out = append(out, domain.Event{Kind: domain.EventBidPlaced, Payload: ev})
	}
	return out
}

func (r *Reconciler) acceptLocked(w *DeliveryWindow, ev domain.BidEvent) {
	w.Remember(ev.BidID)
	w.Observe(ev.ServerTimestamp, ev.CurrentPrice)
	r.accepted.Add(1)
}

// MarkResumed arms gap detection for every tracked auction. Called when the
// connection goes from Reconnecting to Connected.
func (r *Reconciler) MarkResumed() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deadline time.Time
	if r.cfg.SuspectWindow > 0 {
		deadline = r.clock.Now().Add(r.cfg.SuspectWindow)
	}
	for _, w := range r.windows {
		w.Arm(deadline)
	}
	if len(r.windows) > 0 {
		r.log.Debug("Gap detection armed", "auctions", len(r.windows), "until", deadline)
	}
}

// Forget drops all state for auctionID: its window, any outstanding pull and
// the events buffered behind it.
func (r *Reconciler) Forget(auctionID string) {
	r.mu.Lock()
	p := r.pulls[auctionID]
	delete(r.pulls, auctionID)
	_, tracked := r.windows[auctionID]
	delete(r.windows, auctionID)
	r.mu.Unlock()

	if p != nil {
		p.cancel()
		r.log.Info("Cancelled reconciliation", "auction_id", auctionID, "discarded", len(p.buffered))
	} else if tracked {
		r.log.Debug("Dropped delivery window", "auction_id", auctionID)
	}
}

// Window returns a copy of the delivery window for auctionID.
func (r *Reconciler) Window(auctionID string) (WindowSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[auctionID]
	if !ok {
		return WindowSnapshot{}, false
	}
	snap := w.snapshot(auctionID)
	_, snap.Reconciling = r.pulls[auctionID]
	return snap, true
}

func (r *Reconciler) Stats() ReconcilerStats {
	return ReconcilerStats{
		Accepted:     r.accepted.Load(),
		Duplicates:   r.duplicates.Load(),
		Gaps:         r.gaps.Load(),
		Pulls:        r.pullCount.Load(),
		PullFailures: r.pullFailures.Load(),
		Corrections:  r.corrections.Load(),
	}
}

// Close cancels outstanding pulls and drops every window. Later bids are
// ignored.
func (r *Reconciler) Close() {
	r.mu.Lock()
	pulls := r.pulls
	r.pulls = make(map[string]*pendingPull)
	r.windows = make(map[string]*DeliveryWindow)
	r.closed = true
	r.mu.Unlock()

	for _, p := range pulls {
		p.cancel()
	}
}
