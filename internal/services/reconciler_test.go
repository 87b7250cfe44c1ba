package services

import (
	"errors"
	"testing"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/pkg/logger"

	"github.com/jonboulle/clockwork"
)

func newTestReconciler(history domain.BidHistorySource, clock clockwork.Clock) (*Reconciler, *recordingBus) {
	bus := &recordingBus{}
	cfg := ReconcilerConfig{
		WindowSize:    16,
		PullTimeout:   time.Second,
		SuspectWindow: 10 * time.Second,
	}
	return NewReconciler(cfg, history, bus, clock, logger.NewNop()), bus
}

func bidIDs(bids []domain.BidEvent) []string {
	ids := make([]string, len(bids))
	for i, b := range bids {
		ids[i] = b.BidID
	}
	return ids
}

func TestReconciler_DropsRetransmittedBid(t *testing.T) {
	r, bus := newTestReconciler(newFakeHistory(), clockwork.NewFakeClock())

	b1 := bid("A1", "b1", 1, 100)
	r.HandleBid(b1)
	r.HandleBid(b1)

	got := bus.bids()
	if len(got) != 1 || got[0].Amount != 100 {
		t.Fatalf("emitted %+v, want exactly one bid of 100", got)
	}
	if s := r.Stats(); s.Duplicates != 1 || s.Accepted != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestReconciler_ArbitraryDuplication(t *testing.T) {
	r, bus := newTestReconciler(newFakeHistory(), clockwork.NewFakeClock())

	stream := []domain.BidEvent{
		bid("A1", "b1", 1, 10), bid("A1", "b2", 2, 20), bid("A1", "b1", 1, 10),
		bid("A2", "b1", 1, 5), bid("A1", "b3", 3, 30), bid("A1", "b2", 2, 20),
		bid("A1", "b3", 3, 30), bid("A2", "b1", 1, 5),
	}
	for _, ev := range stream {
		r.HandleBid(ev)
	}

	seen := make(map[string]int)
	for _, b := range bus.bids() {
		seen[b.AuctionID+"/"+b.BidID]++
	}
	want := []string{"A1/b1", "A1/b2", "A1/b3", "A2/b1"}
	if len(seen) != len(want) {
		t.Fatalf("distinct emissions = %v", seen)
	}
	for _, k := range want {
		if seen[k] != 1 {
			t.Errorf("%s emitted %d times", k, seen[k])
		}
	}
}

func TestReconciler_OutOfOrderNovelBidAccepted(t *testing.T) {
	r, bus := newTestReconciler(newFakeHistory(), clockwork.NewFakeClock())

	r.HandleBid(bid("A1", "b2", 2, 20))
	r.HandleBid(bid("A1", "b1", 1, 10))

	if got := bidIDs(bus.bids()); len(got) != 2 {
		t.Fatalf("emitted %v", got)
	}
	w, _ := r.Window("A1")
	if w.LastSeenTimestamp != 2 || w.LastPrice != 20 {
		t.Errorf("window = %+v", w)
	}
}

func TestReconciler_NoPullWithoutReconnect(t *testing.T) {
	history := newFakeHistory()
	r, bus := newTestReconciler(history, clockwork.NewFakeClock())

	for _, ev := range []domain.BidEvent{bid("A1", "b1", 1, 10), bid("A1", "b2", 2, 20), bid("A1", "b5", 5, 50)} {
		r.HandleBid(ev)
	}

	if got := bidIDs(bus.bids()); len(got) != 3 {
		t.Fatalf("emitted %v", got)
	}
	if history.callCount() != 0 {
		t.Errorf("pulls = %d, want 0", history.callCount())
	}
}

func TestReconciler_GapAfterReconnectPullsOnce(t *testing.T) {
	history := newFakeHistory(
		bid("A1", "b1", 1, 100),
		bid("A1", "b2", 2, 115), // authoritative price differs from what was pushed
		bid("A1", "b3", 3, 120),
		bid("A1", "b4", 4, 130),
		bid("A1", "b5", 5, 140),
	)
	history.block = true
	r, bus := newTestReconciler(history, clockwork.NewFakeClock())

	r.HandleBid(bid("A1", "b1", 1, 100))
	r.HandleBid(bid("A1", "b2", 2, 110))
	r.MarkResumed()
	r.HandleBid(bid("A1", "b5", 5, 140))

	// Arrivals during the pull are buffered, duplicates included.
	r.HandleBid(bid("A1", "b5", 5, 140))
	r.HandleBid(bid("A1", "b6", 6, 150))
	if w, _ := r.Window("A1"); !w.Reconciling {
		t.Fatal("expected an outstanding pull")
	}
	if n := len(bus.bids()); n != 2 {
		t.Fatalf("emitted %d bids before the pull resolved", n)
	}

	close(history.release)
	waitFor(t, "reconciled stream", func() bool { return len(bus.bids()) == 6 })

	if history.callCount() != 1 {
		t.Errorf("pulls = %d, want 1", history.callCount())
	}

	events := bus.all()
	correction, ok := events[2].Payload.(domain.AuctionUpdate)
	if events[2].Kind != domain.EventAuctionUpdated || !ok {
		t.Fatalf("event 2 = %+v, want a price correction", events[2])
	}
	if correction.CurrentPrice != 115 || correction.Reason != domain.UpdateFromReconciliation {
		t.Errorf("correction = %+v", correction)
	}

	bids := bus.bids()
	wantIDs := []string{"b1", "b2", "b3", "b4", "b5", "b6"}
	for i, id := range wantIDs {
		if bids[i].BidID != id {
			t.Fatalf("emitted %v, want %v", bidIDs(bids), wantIDs)
		}
	}
	for _, b := range bids[2:5] {
		if !b.Recovered {
			t.Errorf("%s should be marked recovered", b.BidID)
		}
	}
	if bids[5].Recovered {
		t.Error("live bid buffered during the pull marked recovered")
	}

	w, _ := r.Window("A1")
	if w.LastSeenTimestamp != 6 || w.LastPrice != 150 || w.Suspect || w.Reconciling {
		t.Errorf("window = %+v", w)
	}

	// Suspicion is cleared: a later jump is accepted without another pull.
	r.HandleBid(bid("A1", "b9", 9, 190))
	if history.callCount() != 1 {
		t.Errorf("pulls = %d after reconciliation, want 1", history.callCount())
	}
	if s := r.Stats(); s.Gaps != 1 || s.Pulls != 1 || s.Corrections != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestReconciler_FinalPriceIsAuthoritative(t *testing.T) {
	history := newFakeHistory(
		bid("A1", "b1", 1, 100),
		bid("A1", "b2", 2, 110),
		bid("A1", "b3", 3, 125),
		bid("A1", "b4", 4, 135),
		bid("A1", "b5", 5, 160),
	)
	r, bus := newTestReconciler(history, clockwork.NewFakeClock())

	r.HandleBid(bid("A1", "b1", 1, 100))
	r.HandleBid(bid("A1", "b2", 2, 110))
	r.MarkResumed()
	// The pushed copy carries a stale current price.
	r.HandleBid(bid("A1", "b5", 5, 110))

	waitFor(t, "reconciled stream", func() bool { return len(bus.bids()) == 5 })

	bids := bus.bids()
	last := bids[len(bids)-1]
	if last.BidID != "b5" || last.CurrentPrice != 160 {
		t.Errorf("last emitted = %+v, want b5 at 160", last)
	}
	if history.callCount() != 1 {
		t.Errorf("pulls = %d, want 1", history.callCount())
	}
}

func TestReconciler_PullFailureFlagsGap(t *testing.T) {
	history := newFakeHistory()
	history.err = errBoom
	r, bus := newTestReconciler(history, clockwork.NewFakeClock())

	r.HandleBid(bid("A1", "b1", 1, 10))
	r.MarkResumed()
	r.HandleBid(bid("A1", "b4", 4, 40))

	waitFor(t, "fallback emission", func() bool { return len(bus.bids()) == 2 })

	got := bus.bids()[1]
	if got.BidID != "b4" || !got.PossiblyGapped {
		t.Errorf("fallback event = %+v", got)
	}
	if s := r.Stats(); s.PullFailures != 1 {
		t.Errorf("stats = %+v", s)
	}
	if w, _ := r.Window("A1"); w.Suspect {
		t.Error("suspicion should clear after a failed pull")
	}
}

func TestReconciler_PullTimeout(t *testing.T) {
	history := newFakeHistory()
	history.block = true
	bus := &recordingBus{}
	cfg := ReconcilerConfig{WindowSize: 8, PullTimeout: 20 * time.Millisecond}
	r := NewReconciler(cfg, history, bus, clockwork.NewFakeClock(), logger.NewNop())

	r.HandleBid(bid("A1", "b1", 1, 10))
	r.MarkResumed()
	r.HandleBid(bid("A1", "b3", 3, 30))

	select {
	case err := <-history.done:
		if !errors.Is(err, errDeadline) {
			t.Errorf("pull ended with %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pull never timed out")
	}

	waitFor(t, "fallback emission", func() bool { return len(bus.bids()) == 2 })
	if !bus.bids()[1].PossiblyGapped {
		t.Error("event accepted after timeout should be flagged")
	}
}

func TestReconciler_ForgetCancelsPull(t *testing.T) {
	history := newFakeHistory(bid("A1", "b2", 2, 20), bid("A1", "b3", 3, 30))
	history.block = true
	r, bus := newTestReconciler(history, clockwork.NewFakeClock())

	r.HandleBid(bid("A1", "b1", 1, 10))
	r.MarkResumed()
	r.HandleBid(bid("A1", "b3", 3, 30))
	r.HandleBid(bid("A1", "b4", 4, 40))

	r.Forget("A1")

	select {
	case err := <-history.done:
		if !errors.Is(err, errCanceled) {
			t.Errorf("pull ended with %v, want cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pull not cancelled")
	}

	time.Sleep(20 * time.Millisecond)
	if got := bidIDs(bus.bids()); len(got) != 1 {
		t.Errorf("emitted %v after Forget", got)
	}
	if _, ok := r.Window("A1"); ok {
		t.Error("window survived Forget")
	}
}

func TestReconciler_RejoinRebuildsWindow(t *testing.T) {
	r, bus := newTestReconciler(newFakeHistory(), clockwork.NewFakeClock())

	r.HandleBid(bid("A1", "b1", 1, 100))
	r.Forget("A1")
	r.HandleBid(bid("A1", "b1", 1, 100))

	if got := bidIDs(bus.bids()); len(got) != 2 {
		t.Errorf("emitted %v, want b1 twice across the leave", got)
	}
}

func TestReconciler_SuspectWindowExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	history := newFakeHistory()
	r, bus := newTestReconciler(history, clock)

	r.HandleBid(bid("A1", "b1", 1, 10))
	r.MarkResumed()
	if w, _ := r.Window("A1"); !w.Suspect {
		t.Fatal("window not armed")
	}

	clock.Advance(11 * time.Second)
	r.HandleBid(bid("A1", "b5", 5, 50))

	if history.callCount() != 0 {
		t.Errorf("pulls = %d after the suspect window, want 0", history.callCount())
	}
	if got := bus.bids(); len(got) != 2 || got[1].PossiblyGapped {
		t.Errorf("emitted %+v", got)
	}
}

func TestReconciler_FirstEventAfterResumeIsNotAGap(t *testing.T) {
	history := newFakeHistory()
	r, bus := newTestReconciler(history, clockwork.NewFakeClock())

	r.MarkResumed()
	r.HandleBid(bid("A1", "b7", 7, 70))

	if len(bus.bids()) != 1 || history.callCount() != 0 {
		t.Errorf("bids=%d pulls=%d", len(bus.bids()), history.callCount())
	}
}

func TestReconciler_Close(t *testing.T) {
	history := newFakeHistory()
	history.block = true
	r, bus := newTestReconciler(history, clockwork.NewFakeClock())

	r.HandleBid(bid("A1", "b1", 1, 10))
	r.MarkResumed()
	r.HandleBid(bid("A1", "b5", 5, 50))
	r.Close()

	<-history.done
	r.HandleBid(bid("A1", "b6", 6, 60))

	time.Sleep(20 * time.Millisecond)
	if got := bidIDs(bus.bids()); len(got) != 1 {
		t.Errorf("emitted %v after Close", got)
	}
}
