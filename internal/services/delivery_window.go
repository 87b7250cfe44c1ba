package services

import (
	"time"
)

// DeliveryWindow is the per-auction bookkeeping used for duplicate and gap
// detection. seen holds at most size bid ids; the oldest is evicted first.
type DeliveryWindow struct {
	size  int
	ring  []string
	next  int
	count int
	seen  map[string]struct{}

	LastSeenTimestamp int64
	LastPrice         float64

	// Set after a reconnect until a reconciling pull completes or
	// SuspectUntil passes (zero means no expiry).
	Suspect      bool
	SuspectUntil time.Time
}

func NewDeliveryWindow(size int) *DeliveryWindow {
	if size < 1 {
		size = 1
	}
	return &DeliveryWindow{
		size: size,
		ring: make([]string, size),
		seen: make(map[string]struct{}, size),
	}
}

func (w *DeliveryWindow) Seen(bidID string) bool {
	_, ok := w.seen[bidID]
	return ok
}

// Remember records bidID, evicting the oldest id when full.
func (w *DeliveryWindow) Remember(bidID string) {
	if w.Seen(bidID) {
		return
	}
	if w.count == w.size {
		delete(w.seen, w.ring[w.next])
	} else {
		w.count++
	}
	w.ring[w.next] = bidID
	w.next = (w.next + 1) % w.size
	w.seen[bidID] = struct{}{}
}

// Observe advances the ordering marker if ts is newer.
func (w *DeliveryWindow) Observe(ts int64, price float64) {
	if ts > w.LastSeenTimestamp {
		w.LastSeenTimestamp = ts
		w.LastPrice = price
	}
}

// IsGap reports whether ts skips past the immediate successor of the last
// seen timestamp. The first event of a window is never a gap.
func (w *DeliveryWindow) IsGap(ts int64) bool {
	return w.LastSeenTimestamp > 0 && ts > w.LastSeenTimestamp+1
}

func (w *DeliveryWindow) Len() int {
	return w.count
}

// IDs returns the remembered bid ids, oldest first.
func (w *DeliveryWindow) IDs() []string {
	ids := make([]string, 0, w.count)
	start := (w.next - w.count + w.size) % w.size
	for i := 0; i < w.count; i++ {
		ids = append(ids, w.ring[(start+i)%w.size])
	}
	return ids
}

// Arm marks the window as suspect until deadline (zero for no expiry).
func (w *DeliveryWindow) Arm(deadline time.Time) {
	w.Suspect = true
	w.SuspectUntil = deadline
}

// SuspectAt reports whether gap detection is armed at now, disarming it once
// the deadline has passed.
func (w *DeliveryWindow) SuspectAt(now time.Time) bool {
	if !w.Suspect {
		return false
	}
	if !w.SuspectUntil.IsZero() && !now.Before(w.SuspectUntil) {
		w.Suspect = false
		return false
	}
	return true
}

// WindowSnapshot is a read-only copy of a DeliveryWindow.
type WindowSnapshot struct {
	AuctionID         string   `json:"auction_id"`
	LastSeenTimestamp int64    `json:"last_seen_timestamp"`
	LastPrice         float64  `json:"last_price"`
	SeenBidIDs        []string `json:"seen_bid_ids"`
	Suspect           bool     `json:"suspect"`
	Reconciling       bool     `json:"reconciling"`
}

func (w *DeliveryWindow) snapshot(auctionID string) WindowSnapshot {
	return WindowSnapshot{
		AuctionID:         auctionID,
		LastSeenTimestamp: w.LastSeenTimestamp,
		LastPrice:         w.LastPrice,
		SeenBidIDs:        w.IDs(),
		Suspect:           w.Suspect,
	}
}
