package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/pkg/logger"

	"github.com/jonboulle/clockwork"
)

// CommandSender is the part of the connection supervisor the room manager
// needs.
type CommandSender interface {
	Send(data []byte) error
	State() domain.ConnectionState
}

// room is one entry of the membership set. ack is closed when the server
// confirms membership on the current connection; left is closed by Leave.
type room struct {
	acked bool
	ack   chan struct{}
	left  chan struct{}
}

func newRoom() *room {
	return &room{
		ack:  make(chan struct{}),
		left: make(chan struct{}),
	}
}

// RoomManager tracks the auctions the client wants live updates for and
// re-asserts that membership on every fresh connection.
type RoomManager struct {
	sender     CommandSender
	ackTimeout time.Duration
	onLeave    func(auctionID string)
	clock      clockwork.Clock
	log        logger.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

func NewRoomManager(sender CommandSender, ackTimeout time.Duration, clock clockwork.Clock, log logger.Logger) *RoomManager {
	return &RoomManager{
		sender:     sender,
		ackTimeout: ackTimeout,
		onLeave:    func(string) {},
		clock:      clock,
		log:        log,
		rooms:      make(map[string]*room),
	}
}

// OnLeave sets the hook run after an auction leaves the membership set.
func (m *RoomManager) OnLeave(hook func(auctionID string)) {
	m.onLeave = hook
}

// Join adds auctionID to the membership set and waits for the server to
// acknowledge it. Joining an auction that is already a member sends nothing
// and waits on the same acknowledgment.
//
// On timeout the auction stays a member and will be re-joined on the next
// connection; the returned error matches domain.ErrJoinTimeout.
func (m *RoomManager) Join(ctx context.Context, auctionID string) error {
	if auctionID == "" {
		return errors.New("empty auction id")
	}

	m.mu.Lock()
	r, exists := m.rooms[auctionID]
	if !exists {
		r = newRoom()
		m.rooms[auctionID] = r
	}
	if r.acked {
		m.mu.Unlock()
		return nil
	}
	ack, left := r.ack, r.left
	m.mu.Unlock()

	if !exists {
		m.sendRoomCommand(domain.FrameJoinAuction, auctionID)
	}

	timer := m.clock.NewTimer(m.ackTimeout)
	defer timer.Stop()

	select {
	case <-ack:
		return nil
	case <-left:
		return fmt.Errorf("join %s: %w", auctionID, domain.ErrJoinCancelled)
	case <-timer.Chan():
		m.log.Warn("Join acknowledgment timed out", "auction_id", auctionID, "timeout", m.ackTimeout)
		return fmt.Errorf("join %s: %w", auctionID, domain.ErrJoinTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave removes auctionID from the membership set, cancels any join still
// waiting for it and tells the server when connected.
func (m *RoomManager) Leave(auctionID string) error {
	m.mu.Lock()
	r, exists := m.rooms[auctionID]
	if exists {
		delete(m.rooms, auctionID)
		close(r.left)
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}

	m.onLeave(auctionID)
	m.log.Info("Left auction room", "auction_id", auctionID)

	if m.sender.State() != domain.StateConnected {
		return nil
	}
	if err := m.sender.Send(domain.RoomFrame(domain.FrameLeaveAuction, auctionID)); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		return fmt.Errorf("send leave_auction %s: %w", auctionID, err)
	}
	return nil
}

// Acknowledge records a joined_auction frame from the server.
func (m *RoomManager) Acknowledge(auctionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.rooms[auctionID]
	if !exists {
		m.log.Debug("Ignoring join acknowledgment for non-member", "auction_id", auctionID)
		return
	}
	if r.acked {
		return
	}
	r.acked = true
	close(r.ack)
}

// HandleStateChange re-sends join_auction for every member on each
// transition into Connected.
func (m *RoomManager) HandleStateChange(change domain.StateChange) {
	if change.To != domain.StateConnected {
		return
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.rooms))
	for id, r := range m.rooms {
		// Membership must be confirmed again on the new connection.
		if r.acked {
			r.acked = false
			r.ack = make(chan struct{})
		}
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	if len(ids) > 0 {
		m.log.Info("Replaying room membership", "rooms", len(ids), "resumed", change.Resumed())
	}
	for _, id := range ids {
		m.sendRoomCommand(domain.FrameJoinAuction, id)
	}
}

// CurrentRooms returns the membership set, sorted.
func (m *RoomManager) CurrentRooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *RoomManager) Has(auctionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[auctionID]
	return ok
}

// IsAcknowledged reports whether the server confirmed auctionID on the
// current connection.
func (m *RoomManager) IsAcknowledged(auctionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[auctionID]
	return ok && r.acked
}

// Reset drops every membership without telling the server. Used on session close.
func (m *RoomManager) Reset() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*room)
	m.mu.Unlock()

	for id, r := range rooms {
		close(r.left)
		m.onLeave(id)
	}
}

func (m *RoomManager) sendRoomCommand(event domain.FrameType, auctionID string) {
	if m.sender.State() != domain.StateConnected {
		// Replayed by HandleStateChange once connected.
		m.log.Debug("Deferring room command until connected", "event", event, "auction_id", auctionID)
		return
	}
	if err := m.sender.Send(domain.RoomFrame(event, auctionID)); err != nil {
		m.log.Warn("Failed to send room command", "event", event, "auction_id", auctionID, "error", err)
	}
}
