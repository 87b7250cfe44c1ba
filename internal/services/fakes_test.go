package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"auction-realtime/internal/domain"
)

// fakeConn is an in-memory transport connection.
type fakeConn struct {
	msgs chan domain.RawFrame
	errs chan error
	sent chan []byte

	mu     sync.Mutex
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs: make(chan domain.RawFrame, 64),
		errs: make(chan error, 1),
		sent: make(chan []byte, 64),
	}
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrNotConnected
	}
	c.sent <- data
	return nil
}

func (c *fakeConn) Messages() <-chan domain.RawFrame { return c.msgs }
func (c *fakeConn) Errors() <-chan error             { return c.errs }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) push(raw string) {
	c.msgs <- domain.RawFrame{Data: []byte(raw), ReceivedAt: time.Now()}
}

func (c *fakeConn) fail(err error) {
	c.errs <- err
}

// expectSent waits for the next outbound frame and checks its event and room.
func (c *fakeConn) expectSent(t *testing.T, event domain.FrameType, auctionID string) {
	t.Helper()
	select {
	case data := <-c.sent:
		frame, err := domain.DecodeFrame(data)
		if err != nil {
			t.Fatalf("decode sent frame: %v", err)
		}
		room, _ := frame.Room()
		if frame.Event != event || room != auctionID {
			t.Fatalf("sent %s %s, want %s %s", frame.Event, room, event, auctionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s %s", event, auctionID)
	}
}

// fakeDialer hands out fakeConns. Each Dial consumes the next scripted
// error; once the script is empty every Dial succeeds, or fails when failAll
// is set. prefill, when set, loads each conn before Dial returns it.
type fakeDialer struct {
	mu      sync.Mutex
	script  []error
	failAll error
	gate    chan struct{}
	prefill func(*fakeConn)
	conns   []*fakeConn
	dials   int
	dialed  chan *fakeConn
}

func newFakeDialer(script ...error) *fakeDialer {
	return &fakeDialer{
		script: script,
		dialed: make(chan *fakeConn, 16),
	}
}

func (d *fakeDialer) Dial(ctx context.Context) (domain.Conn, error) {
	d.mu.Lock()
	d.dials++
	gate := d.gate
	var err error
	if len(d.script) > 0 {
		err, d.script = d.script[0], d.script[1:]
	} else if d.failAll != nil {
		err = d.failAll
	}
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	conn := newFakeConn()
	if d.prefill != nil {
		d.prefill(conn)
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	d.dialed <- conn
	return conn, nil
}

func (d *fakeDialer) setFailAll(err error) {
	d.mu.Lock()
	d.failAll = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.dialed:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

// fakeHistory serves reconciling pulls. When block is set, BidHistory waits
// for release or for its context to end.
type fakeHistory struct {
	mu      sync.Mutex
	bids    []domain.BidEvent
	err     error
	block   bool
	release chan struct{}
	calls   int
	done    chan error
}

func newFakeHistory(bids ...domain.BidEvent) *fakeHistory {
	return &fakeHistory{
		bids:    bids,
		release: make(chan struct{}),
		done:    make(chan error, 8),
	}
}

func (h *fakeHistory) BidHistory(ctx context.Context, auctionID string) ([]domain.BidEvent, error) {
	h.mu.Lock()
	h.calls++
	block, bids, err := h.block, append([]domain.BidEvent(nil), h.bids...), h.err
	h.mu.Unlock()

	if block {
		select {
		case <-h.release:
		case <-ctx.Done():
			h.done <- ctx.Err()
			return nil, ctx.Err()
		}
	}
	h.done <- err
	return bids, err
}

func (h *fakeHistory) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// recordingBus captures emissions in order.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Emit(kind domain.EventKind, payload interface{}) {
	b.mu.Lock()
	b.events = append(b.events, domain.Event{Kind: kind, Payload: payload})
	b.mu.Unlock()
}

func (b *recordingBus) bids() []domain.BidEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BidEvent
	for _, e := range b.events {
		if e.Kind == domain.EventBidPlaced {
			out = append(out, e.Payload.(domain.BidEvent))
		}
	}
	return out
}

func (b *recordingBus) all() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Event(nil), b.events...)
}

func bid(auctionID, bidID string, ts int64, price float64) domain.BidEvent {
	return domain.BidEvent{
		AuctionID:       auctionID,
		BidID:           bidID,
		Amount:          price,
		BidderID:        "bidder-1",
		ServerTimestamp: ts,
		CurrentPrice:    price,
	}
}

func bidFrame(t *testing.T, b domain.BidEvent) string {
	t.Helper()
	data, err := domain.EncodeFrame(domain.FrameBidPlaced, b)
	if err != nil {
		t.Fatalf("encode bid frame: %v", err)
	}
	return string(data)
}

func roomFrame(event domain.FrameType, auctionID string) string {
	return string(domain.RoomFrame(event, auctionID))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")

var (
	errDeadline = context.DeadlineExceeded
	errCanceled = context.Canceled
)
