package services

import (
	"context"
	"sync/atomic"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/internal/eventbus"
	"auction-realtime/pkg/logger"
	"auction-realtime/pkg/utils"

	"github.com/jonboulle/clockwork"
)

type SessionConfig struct {
	Supervisor     SupervisorConfig
	Reconciler     ReconcilerConfig
	JoinAckTimeout time.Duration
}

type SessionDeps struct {
	Dialer  domain.Dialer
	History domain.BidHistorySource
	Logger  logger.Logger
	Clock   clockwork.Clock // Defaults to the real clock
}

type SessionStats struct {
	ID          string          `json:"id"`
	State       string          `json:"state"`
	Rooms       []string        `json:"rooms"`
	Supervisor  SupervisorStats `json:"supervisor"`
	Reconciler  ReconcilerStats `json:"reconciler"`
	Emitted     int64           `json:"emitted"`
	BusFailures int64           `json:"bus_failures"`
}

// Session is the owned handle for one client's realtime channel. It is
// created at login and closed at logout; nothing in it is process global.
type Session struct {
	id  string
	log logger.Logger

	bus        *eventbus.Bus
	supervisor *Supervisor
	rooms      *RoomManager
	reconciler *Reconciler

	closed atomic.Bool
}

func NewSession(cfg SessionConfig, deps SessionDeps) *Session {
	id := utils.GenerateID("session")
	log := deps.Logger.With("session_id", id)
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	bus := eventbus.New(log.With("component", "eventbus"))
	supervisor := NewSupervisor(cfg.Supervisor, deps.Dialer, clock, log.With("component", "supervisor"))
	rooms := NewRoomManager(supervisor, cfg.JoinAckTimeout, clock, log.With("component", "rooms"))
	reconciler := NewReconciler(cfg.Reconciler, deps.History, bus, clock, log.With("component", "reconciler"))

	s := &Session{
		id:         id,
		log:        log,
		bus:        bus,
		supervisor: supervisor,
		rooms:      rooms,
		reconciler: reconciler,
	}

	rooms.OnLeave(reconciler.Forget)
	supervisor.OnFrame(s.handleFrame)
	supervisor.OnStateChange(s.handleStateChange)
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Bus exposes the local event bus for consumers that need more than On.
func (s *Session) Bus() *eventbus.Bus {
	return s.bus
}

// On subscribes handler to kind. Handlers run on the connection's read
// goroutine, so a handler must not block on the channel itself: call Join
// from a separate goroutine, since its acknowledgment arrives on that same
// goroutine.
func (s *Session) On(kind domain.EventKind, handler eventbus.Handler) (*eventbus.Subscription, error) {
	if s.closed.Load() {
		return nil, domain.ErrSessionClosed
	}
	return s.bus.On(kind, handler)
}

func (s *Session) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return domain.ErrSessionClosed
	}
	return s.supervisor.Connect(ctx)
}

func (s *Session) Disconnect() {
	s.supervisor.Disconnect()
}

// Join waits for the server to acknowledge the room. The membership is kept
// even when the wait fails; use Leave to drop it. Called synchronously from
// a bus handler it always times out.
func (s *Session) Join(ctx context.Context, auctionID string) error {
	if s.closed.Load() {
		return domain.ErrSessionClosed
	}
	return s.rooms.Join(ctx, auctionID)
}

func (s *Session) Leave(auctionID string) error {
	if s.closed.Load() {
		return domain.ErrSessionClosed
	}
	return s.rooms.Leave(auctionID)
}

func (s *Session) CurrentRooms() []string {
	return s.rooms.CurrentRooms()
}

func (s *Session) State() domain.ConnectionState {
	return s.supervisor.State()
}

// Window returns the delivery window of a joined auction.
func (s *Session) Window(auctionID string) (WindowSnapshot, bool) {
	return s.reconciler.Window(auctionID)
}

func (s *Session) Stats() SessionStats {
	sup := s.supervisor.Stats()
	return SessionStats{
		ID:          s.id,
		State:       sup.State.String(),
		Rooms:       s.rooms.CurrentRooms(),
		Supervisor:  sup,
		Reconciler:  s.reconciler.Stats(),
		Emitted:     s.bus.Emitted(),
		BusFailures: s.bus.Failures(),
	}
}

// Close disconnects, cancels every reconciliation and releases all bus
// subscriptions. Later calls return domain.ErrSessionClosed.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return domain.ErrSessionClosed
	}
	s.supervisor.Disconnect()
	s.reconciler.Close()
	s.rooms.Reset()
	s.bus.Clear()
	s.log.Info("Session closed")
	return nil
}

func (s *Session) handleStateChange(change domain.StateChange) {
	if change.Resumed() {
		s.reconciler.MarkResumed()
	}
	s.rooms.HandleStateChange(change)

	s.log.Info("Connection state changed", "from", change.From, "to", change.To, "error", change.Err)
	s.bus.Emit(domain.EventConnectionStateChanged, change)
}

func (s *Session) handleFrame(frame domain.InboundFrame) {
	switch frame.Type {
	case domain.FrameJoinedAuction:
		s.rooms.Acknowledge(frame.AuctionID)

	case domain.FrameBidPlaced:
		if !s.rooms.Has(frame.AuctionID) {
			s.log.Debug("Ignoring bid for auction not joined", "auction_id", frame.AuctionID, "bid_id", frame.Bid.BidID)
			return
		}
		s.reconciler.HandleBid(*frame.Bid)

	case domain.FrameAuctionCreated:
		s.bus.Emit(domain.EventAuctionCreated, frame.Auction)

	case domain.FrameAuctionUpdated:
		a := frame.Auction
		s.bus.Emit(domain.EventAuctionUpdated, domain.AuctionUpdate{
			AuctionID:       a.ID,
			Status:          a.Status,
			CurrentPrice:    a.CurrentPrice,
			ServerTimestamp: a.LastTimestamp,
			Reason:          domain.UpdateFromServer,
		})

	case domain.FrameAuctionDeleted:
		s.bus.Emit(domain.EventAuctionDeleted, domain.AuctionDeleted{AuctionID: frame.AuctionID})
		if s.rooms.Has(frame.AuctionID) {
			if err := s.rooms.Leave(frame.AuctionID); err != nil {
				s.log.Warn("Failed to leave deleted auction", "auction_id", frame.AuctionID, "error", err)
			}
		}

	case domain.FrameError:
		s.log.Warn("Server reported an error", "code", frame.Error.Code, "message", frame.Error.Message)
	}
}
