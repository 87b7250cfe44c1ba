package services

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/pkg/logger"

	"github.com/jonboulle/clockwork"
)

type sessionHarness struct {
	session *Session
	dialer  *fakeDialer
	history *fakeHistory
	clock   *clockwork.FakeClock

	mu     sync.Mutex
	events []domain.Event
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		dialer:  newFakeDialer(),
		history: newFakeHistory(),
		clock:   clockwork.NewFakeClock(),
	}
	cfg := SessionConfig{
		Supervisor:     testSupervisorConfig(),
		Reconciler:     ReconcilerConfig{WindowSize: 32, PullTimeout: time.Second, SuspectWindow: time.Minute},
		JoinAckTimeout: time.Second,
	}
	h.session = NewSession(cfg, SessionDeps{
		Dialer:  h.dialer,
		History: h.history,
		Logger:  logger.NewNop(),
		Clock:   h.clock,
	})

	for _, kind := range domain.EventKinds {
		if _, err := h.session.On(kind, h.record); err != nil {
			t.Fatalf("On(%s): %v", kind, err)
		}
	}
	t.Cleanup(func() { h.session.Close() })
	return h
}

func (h *sessionHarness) record(e domain.Event) error {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
	return nil
}

func (h *sessionHarness) kinds(kind domain.EventKind) []domain.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Event
	for _, e := range h.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (h *sessionHarness) states() []domain.ConnectionState {
	var out []domain.ConnectionState
	for _, e := range h.kinds(domain.EventConnectionStateChanged) {
		out = append(out, e.Payload.(domain.StateChange).To)
	}
	return out
}

// connectAndJoin connects and joins auctionID, answering the join on conn.
func (h *sessionHarness) connectAndJoin(t *testing.T, auctionID string) *fakeConn {
	t.Helper()
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	conn := h.dialer.nextConn(t)

	errs := make(chan error, 1)
	go func() { errs <- h.session.Join(context.Background(), auctionID) }()
	conn.expectSent(t, domain.FrameJoinAuction, auctionID)
	conn.push(roomFrame(domain.FrameJoinedAuction, auctionID))
	if err := <-errs; err != nil {
		t.Fatalf("Join: %v", err)
	}
	return conn
}

func TestSession_RetransmittedBidEmittedOnce(t *testing.T) {
	h := newSessionHarness(t)
	conn := h.connectAndJoin(t, "A1")

	frame := `{"event":"bid_placed","data":{"auction_id":"A1","bid_id":"b1","amount":100,"bidder_id":"u1","server_timestamp":1}}`
	conn.push(frame)
	conn.push(frame)
	conn.push(roomFrame(domain.FrameJoinedAuction, "A1")) // marker

	waitFor(t, "frames processed", func() bool { return h.session.Stats().Supervisor.FramesReceived == 4 })

	bids := h.kinds(domain.EventBidPlaced)
	if len(bids) != 1 {
		t.Fatalf("bidPlaced emitted %d times, want 1", len(bids))
	}
	if b := bids[0].Payload.(domain.BidEvent); b.Amount != 100 || b.BidID != "b1" {
		t.Errorf("payload = %+v", b)
	}
}

func TestSession_ReplaysJoinsAfterReconnect(t *testing.T) {
	h := newSessionHarness(t)
	conn := h.connectAndJoin(t, "A1")

	errs := make(chan error, 1)
	go func() { errs <- h.session.Join(context.Background(), "A2") }()
	conn.expectSent(t, domain.FrameJoinAuction, "A2")
	conn.push(roomFrame(domain.FrameJoinedAuction, "A2"))
	if err := <-errs; err != nil {
		t.Fatal(err)
	}

	conn.fail(errors.New("network blip"))
	advanceBackoff(t, h.clock)

	next := h.dialer.nextConn(t)
	next.expectSent(t, domain.FrameJoinAuction, "A1")
	next.expectSent(t, domain.FrameJoinAuction, "A2")

	waitFor(t, "resumed state", func() bool { return len(h.states()) == 4 })
	want := []domain.ConnectionState{
		domain.StateConnecting, domain.StateConnected, domain.StateReconnecting, domain.StateConnected,
	}
	if got := h.states(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if got := h.session.CurrentRooms(); !reflect.DeepEqual(got, []string{"A1", "A2"}) {
		t.Errorf("CurrentRooms() = %v", got)
	}
}

func TestSession_GapAfterReconnectIsReconciled(t *testing.T) {
	h := newSessionHarness(t)
	h.history.bids = []domain.BidEvent{
		bid("A1", "b1", 1, 100), bid("A1", "b2", 2, 110), bid("A1", "b3", 3, 120),
		bid("A1", "b4", 4, 130), bid("A1", "b5", 5, 140),
	}
	conn := h.connectAndJoin(t, "A1")

	conn.push(bidFrame(t, bid("A1", "b1", 1, 100)))
	conn.push(bidFrame(t, bid("A1", "b2", 2, 110)))
	waitFor(t, "live bids", func() bool { return len(h.kinds(domain.EventBidPlaced)) == 2 })

	conn.fail(errors.New("network blip"))
	advanceBackoff(t, h.clock)
	next := h.dialer.nextConn(t)
	next.expectSent(t, domain.FrameJoinAuction, "A1")
	next.push(roomFrame(domain.FrameJoinedAuction, "A1"))

	next.push(bidFrame(t, bid("A1", "b5", 5, 140)))
	waitFor(t, "reconciled bids", func() bool { return len(h.kinds(domain.EventBidPlaced)) == 5 })

	if h.history.callCount() != 1 {
		t.Errorf("pulls = %d, want 1", h.history.callCount())
	}
	bids := h.kinds(domain.EventBidPlaced)
	last := bids[len(bids)-1].Payload.(domain.BidEvent)
	if last.BidID != "b5" || last.CurrentPrice != 140 {
		t.Errorf("last bid = %+v", last)
	}
}

func TestSession_IgnoresBidsForOtherAuctions(t *testing.T) {
	h := newSessionHarness(t)
	conn := h.connectAndJoin(t, "A1")

	conn.push(bidFrame(t, bid("B9", "x1", 1, 10)))
	conn.push(bidFrame(t, bid("A1", "b1", 1, 10)))
	waitFor(t, "A1 bid", func() bool { return len(h.kinds(domain.EventBidPlaced)) == 1 })

	if _, ok := h.session.Window("B9"); ok {
		t.Error("window created for an auction not joined")
	}
}

func TestSession_AuctionFrames(t *testing.T) {
	h := newSessionHarness(t)
	conn := h.connectAndJoin(t, "A1")

	conn.push(`{"event":"auction_created","data":{"id":"A7","status":"pending","starting_price":50}}`)
	conn.push(`{"event":"auction_updated","data":{"id":"A7","status":"active","current_price":60,"last_timestamp":3}}`)
	conn.push(`{"event":"auction_deleted","data":{"auction_id":"A1"}}`)

	waitFor(t, "deleted", func() bool { return len(h.kinds(domain.EventAuctionDeleted)) == 1 })

	created := h.kinds(domain.EventAuctionCreated)
	if len(created) != 1 || created[0].Payload.(*domain.Auction).ID != "A7" {
		t.Errorf("created = %+v", created)
	}
	updated := h.kinds(domain.EventAuctionUpdated)
	if len(updated) != 1 {
		t.Fatalf("updated = %+v", updated)
	}
	if u := updated[0].Payload.(domain.AuctionUpdate); u.CurrentPrice != 60 || u.Status != domain.AuctionActive || u.Reason != domain.UpdateFromServer {
		t.Errorf("update = %+v", u)
	}

	conn.expectSent(t, domain.FrameLeaveAuction, "A1")
	if rooms := h.session.CurrentRooms(); len(rooms) != 0 {
		t.Errorf("deleted auction still joined: %v", rooms)
	}
}

func TestSession_HandlerJoinsCreatedAuction(t *testing.T) {
	h := newSessionHarness(t)
	conn := h.connectAndJoin(t, "A1")

	joined := make(chan error, 1)
	_, err := h.session.On(domain.EventAuctionCreated, func(e domain.Event) error {
		id := e.Payload.(*domain.Auction).ID
		go func() { joined <- h.session.Join(context.Background(), id) }()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	conn.push(`{"event":"auction_created","data":{"id":"A7","status":"pending","starting_price":50}}`)
	conn.expectSent(t, domain.FrameJoinAuction, "A7")
	conn.push(roomFrame(domain.FrameJoinedAuction, "A7"))

	select {
	case err := <-joined:
		if err != nil {
			t.Fatalf("Join from handler: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Join from handler never acknowledged")
	}
	if got := h.session.CurrentRooms(); !reflect.DeepEqual(got, []string{"A1", "A7"}) {
		t.Errorf("CurrentRooms() = %v", got)
	}
}

func TestSession_FailingHandlerIsIsolated(t *testing.T) {
	h := newSessionHarness(t)
	if _, err := h.session.On(domain.EventBidPlaced, func(domain.Event) error { panic("ui bug") }); err != nil {
		t.Fatal(err)
	}
	var after atomic.Int32
	if _, err := h.session.On(domain.EventBidPlaced, func(domain.Event) error { after.Add(1); return nil }); err != nil {
		t.Fatal(err)
	}

	conn := h.connectAndJoin(t, "A1")
	conn.push(bidFrame(t, bid("A1", "b1", 1, 10)))
	waitFor(t, "bid", func() bool { return len(h.kinds(domain.EventBidPlaced)) == 1 })
	waitFor(t, "failure counted", func() bool { return h.session.Stats().BusFailures == 1 })
	waitFor(t, "later handler", func() bool { return after.Load() == 1 })

	if h.session.State() != domain.StateConnected {
		t.Errorf("State() = %s", h.session.State())
	}
}

func TestSession_Close(t *testing.T) {
	h := newSessionHarness(t)
	conn := h.connectAndJoin(t, "A1")

	if err := h.session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !conn.isClosed() {
		t.Error("transport left open")
	}
	if err := h.session.Join(context.Background(), "A2"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("Join after Close = %v", err)
	}
	if err := h.session.Connect(context.Background()); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("Connect after Close = %v", err)
	}
	if _, err := h.session.On(domain.EventBidPlaced, h.record); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("On after Close = %v", err)
	}
	if err := h.session.Close(); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("second Close = %v", err)
	}
	if h.session.Bus().Count(domain.EventBidPlaced) != 0 {
		t.Error("subscriptions survived Close")
	}
}
