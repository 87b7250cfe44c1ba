package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/pkg/logger"

	"github.com/jonboulle/clockwork"
)

type SupervisorConfig struct {
	ReconnectEnabled     bool
	ReconnectDelay       time.Duration // Wait before the first reconnect attempt
	ReconnectMaxDelay    time.Duration // Cap for the doubling backoff
	MaxReconnectAttempts int
	ConnectTimeout       time.Duration // Per dial attempt; 0 means no extra deadline
}

type StateListener func(change domain.StateChange)

type InboundHandler func(frame domain.InboundFrame)

type SupervisorStats struct {
	State             domain.ConnectionState `json:"state"`
	FramesReceived    int64                  `json:"frames_received"`
	MalformedFrames   int64                  `json:"malformed_frames"`
	ReconnectAttempts int64                  `json:"reconnect_attempts"`
	Reconnects        int64                  `json:"reconnects"`
}

// attempt lets concurrent Connect callers share one in-flight dial or
// reconnect cycle.
type attempt struct {
	done chan struct{}
	err  error
}

func newAttempt() *attempt {
	return &attempt{done: make(chan struct{})}
}

func (a *attempt) finish(err error) {
	a.err = err
	close(a.done)
}

// Supervisor owns the single transport connection. It is the only component
// that opens or closes it, and the only source of connection state.
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connected
//	                     |                          |
//	                     +-> Disconnected <---------+ (budget exhausted)
type Supervisor struct {
	cfg    SupervisorConfig
	dialer domain.Dialer
	clock  clockwork.Clock
	log    logger.Logger

	mu       sync.Mutex
	state    domain.ConnectionState
	conn     domain.Conn
	inflight *attempt
	gen      uint64 // bumped by every Connect from Disconnected and every Disconnect
	cancel   context.CancelFunc

	// Ordered state notification. pending is drained by whichever goroutine
	// holds draining.
	pending  []domain.StateChange
	draining bool

	listeners []StateListener
	onFrame   InboundHandler

	framesReceived    atomic.Int64
	malformedFrames   atomic.Int64
	reconnectAttempts atomic.Int64
	reconnects        atomic.Int64
}

func NewSupervisor(cfg SupervisorConfig, dialer domain.Dialer, clock clockwork.Clock, log logger.Logger) *Supervisor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Supervisor{
		cfg:     cfg,
		dialer:  dialer,
		clock:   clock,
		log:     log,
		state:   domain.StateDisconnected,
		onFrame: func(domain.InboundFrame) {},
	}
}

// OnStateChange registers a listener. Listeners run in registration order,
// once per transition, in transition order. Register before Connect.
func (s *Supervisor) OnStateChange(listener StateListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
}

// OnFrame sets the handler for validated inbound frames. Register before Connect.
func (s *Supervisor) OnFrame(handler InboundHandler) {
	s.mu.Lock()
	s.onFrame = handler
	s.mu.Unlock()
}

func (s *Supervisor) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Stats() SupervisorStats {
	return SupervisorStats{
		State:             s.State(),
		FramesReceived:    s.framesReceived.Load(),
		MalformedFrames:   s.malformedFrames.Load(),
		ReconnectAttempts: s.reconnectAttempts.Load(),
		Reconnects:        s.reconnects.Load(),
	}
}

// Connect opens the transport. While a connection is established or being
// established it joins that instead of opening a second one. A failed first
// connect returns an error matching domain.ErrTransportUnavailable and leaves
// the supervisor Disconnected.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case domain.StateConnected:
		s.mu.Unlock()
		return nil
	case domain.StateConnecting, domain.StateReconnecting:
		a := s.inflight
		s.mu.Unlock()
		return s.await(ctx, a)
	}

	s.gen++
	gen := s.gen
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	a := newAttempt()
	s.inflight = a
	s.setStateLocked(domain.StateConnecting, nil)
	s.mu.Unlock()
	s.flush()

	conn, err := s.dial(ctx)

	s.mu.Lock()
	if gen != s.gen {
		// Disconnect won the race; it already finished the attempt.
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return domain.ErrNotConnected
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
		s.inflight = nil
		s.cancel = nil
		cancel()
		s.setStateLocked(domain.StateDisconnected, err)
		s.mu.Unlock()
		s.flush()
		a.finish(err)
		s.log.Warn("Connect failed", "error", err)
		return err
	}

	s.conn = conn
	s.inflight = nil
	s.setStateLocked(domain.StateConnected, nil)
	go s.readLoop(loopCtx, gen, conn)
	s.mu.Unlock()
	s.flush()
	a.finish(nil)
	s.log.Info("Transport connected")
	return nil
}

// Disconnect tears down the transport and stops any reconnect cycle. It is
// safe to call in any state and more than once.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	conn := s.conn
	s.conn = nil
	a := s.inflight
	s.inflight = nil
	changed := s.setStateLocked(domain.StateDisconnected, nil)
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Debug("Transport close failed", "error", err)
		}
	}
	if a != nil {
		a.finish(domain.ErrNotConnected)
	}
	s.flush()
	if changed {
		s.log.Info("Transport disconnected")
	}
}

// Send writes one frame on the current connection.
func (s *Supervisor) Send(data []byte) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()

	if state != domain.StateConnected || conn == nil {
		return domain.ErrNotConnected
	}
	return conn.Send(data)
}

func (s *Supervisor) await(ctx context.Context, a *attempt) error {
	if a == nil {
		return domain.ErrNotConnected
	}
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) dial(ctx context.Context) (domain.Conn, error) {
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	return s.dialer.Dial(ctx)
}

// readLoop forwards frames from one connection until it fails or the
// generation is cancelled.
func (s *Supervisor) readLoop(ctx context.Context, gen uint64, conn domain.Conn) {
	for {
		select {
		case <-ctx.Done():
			return

		case err := <-conn.Errors():
			s.drainPending(ctx, conn)
			s.handleTransportFailure(ctx, gen, conn, err)
			return

		case msg, ok := <-conn.Messages():
			if !ok {
				s.handleTransportFailure(ctx, gen, conn, io.EOF)
				return
			}
			s.dispatch(msg)
		}
	}
}

// drainPending dispatches frames the transport queued before it reported
// the error. The transport posts its error only after its last frame.
func (s *Supervisor) drainPending(ctx context.Context, conn domain.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case msg, ok := <-conn.Messages():
			if !ok {
				return
			}
			s.dispatch(msg)
		default:
			return
		}
	}
}

func (s *Supervisor) dispatch(msg domain.RawFrame) {
	s.framesReceived.Add(1)

	frame, err := domain.DecodeInbound(msg.Data)
	if err != nil {
		s.malformedFrames.Add(1)
		s.log.Warn("Dropping malformed frame", "error", err, "size", len(msg.Data))
		return
	}

	s.mu.Lock()
	handler := s.onFrame
	s.mu.Unlock()
	handler(frame)
}

func (s *Supervisor) handleTransportFailure(ctx context.Context, gen uint64, conn domain.Conn, cause error) {
	s.mu.Lock()
	if gen != s.gen || s.conn != conn || s.state != domain.StateConnected {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	conn.Close()

	if !s.cfg.ReconnectEnabled || s.cfg.MaxReconnectAttempts <= 0 {
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.setStateLocked(domain.StateDisconnected, cause)
		s.mu.Unlock()
		s.flush()
		s.log.Warn("Transport lost, reconnection disabled", "error", cause)
		return
	}

	a := newAttempt()
	s.inflight = a
	s.setStateLocked(domain.StateReconnecting, cause)
	s.mu.Unlock()
	s.flush()

	s.log.Warn("Transport lost, reconnecting", "error", cause, "max_attempts", s.cfg.MaxReconnectAttempts)
	s.reconnect(ctx, gen, a)
}

// reconnect retries with capped exponential backoff. Exhausting the budget
// is a terminal transition to Disconnected; nothing retries after that until
// a caller invokes Connect again.
func (s *Supervisor) reconnect(ctx context.Context, gen uint64, a *attempt) {
	delay := s.cfg.ReconnectDelay
	var lastErr error

	for n := 1; n <= s.cfg.MaxReconnectAttempts; n++ {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}

		s.reconnectAttempts.Add(1)
		s.log.Info("Attempting reconnection", "attempt", n, "max_attempts", s.cfg.MaxReconnectAttempts)

		conn, err := s.dial(ctx)
		if err != nil {
			lastErr = err
			s.log.Warn("Reconnection failed", "attempt", n, "error", err)
			delay = nextDelay(delay, s.cfg.ReconnectMaxDelay)
			continue
		}

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.inflight = nil
		s.setStateLocked(domain.StateConnected, nil)
		go s.readLoop(ctx, gen, conn)
		s.mu.Unlock()

		s.reconnects.Add(1)
		s.flush()
		a.finish(nil)
		s.log.Info("Reconnected", "attempt", n)
		return
	}

	exhausted := fmt.Errorf("%w after %d attempts", domain.ErrReconnectExhausted, s.cfg.MaxReconnectAttempts)
	if lastErr != nil {
		exhausted = fmt.Errorf("%w: %v", exhausted, lastErr)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.inflight = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.setStateLocked(domain.StateDisconnected, exhausted)
	s.mu.Unlock()
	s.flush()
	a.finish(exhausted)
	s.log.Error("Giving up on reconnection", "error", exhausted)
}

func nextDelay(delay, max time.Duration) time.Duration {
	if delay <= 0 {
		return max
	}
	delay *= 2
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

// setStateLocked records a transition for flush. Must hold s.mu.
func (s *Supervisor) setStateLocked(to domain.ConnectionState, cause error) bool {
	if s.state == to {
		return false
	}
	s.pending = append(s.pending, domain.StateChange{
		From: s.state,
		To:   to,
		Err:  cause,
		At:   s.clock.Now(),
	})
	s.state = to
	return true
}

// flush delivers queued transitions. Only one goroutine drains at a time, so
// listeners observe transitions in order; a listener that triggers another
// transition has it appended and delivered by the same drain.
func (s *Supervisor) flush() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true

	for len(s.pending) > 0 {
		change := s.pending[0]
		s.pending = s.pending[1:]
		listeners := s.listeners
		s.mu.Unlock()

		for _, l := range listeners {
			l(change)
		}

		s.mu.Lock()
	}

	s.draining = false
	s.mu.Unlock()
}

// IsTerminal reports whether err came from an exhausted reconnect budget.
func IsTerminal(err error) bool {
	return errors.Is(err, domain.ErrReconnectExhausted)
}
