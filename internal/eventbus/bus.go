// Package eventbus is the in-process publish/subscribe hub between the
// realtime core and UI-facing consumers.
//
// Emit is synchronous: every handler registered for the kind has returned
// (or failed) before Emit returns. Handlers run in registration order. A
// handler error or panic is reported to the failure sink and never reaches
// the emitter or stops the remaining handlers.
package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"auction-realtime/internal/domain"
	"auction-realtime/pkg/logger"

	"github.com/google/uuid"
)

type Handler func(event domain.Event) error

// FailureSink receives handler failures. The default sink logs them.
type FailureSink func(kind domain.EventKind, sub *Subscription, err error)

// Subscription is the handle returned by On. The owner must release it with
// Unsubscribe (or Bus.Off) when done.
type Subscription struct {
	id      string
	kind    domain.EventKind
	handler Handler
	bus     *Bus
	active  atomic.Bool
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Kind() domain.EventKind {
	return s.kind
}

// Unsubscribe is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.Off(s)
}

type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.EventKind][]*Subscription
	sink     FailureSink
	log      logger.Logger
	failures atomic.Int64
	emitted  atomic.Int64
}

type Option func(*Bus)

func WithFailureSink(sink FailureSink) Option {
	return func(b *Bus) {
		b.sink = sink
	}
}

func New(log logger.Logger, opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[domain.EventKind][]*Subscription, len(domain.EventKinds)),
		log:      log,
	}
	for _, kind := range domain.EventKinds {
		b.handlers[kind] = nil
	}
	b.sink = b.logFailure
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers handler for kind. Kinds outside the closed set are rejected.
func (b *Bus) On(kind domain.EventKind, handler Handler) (*Subscription, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEventKind, kind)
	}
	if handler == nil {
		return nil, fmt.Errorf("nil handler for %s", kind)
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		kind:    kind,
		handler: handler,
		bus:     b,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], sub)
	b.mu.Unlock()

	return sub, nil
}

// Off releases a subscription. Unknown or already released handles are ignored.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil || !sub.active.CompareAndSwap(true, false) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[sub.kind]
	for i, s := range subs {
		if s == sub {
			// Copy so in-flight emissions keep their snapshot intact.
			next := make([]*Subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.handlers[sub.kind] = next
			return
		}
	}
}

// Emit delivers payload to every handler of kind. Unknown kinds are a no-op.
func (b *Bus) Emit(kind domain.EventKind, payload interface{}) {
	b.mu.RLock()
	subs, ok := b.handlers[kind]
	b.mu.RUnlock()
	if !ok {
		b.log.Debug("Dropping event of unregistered kind", "kind", kind)
		return
	}

	b.emitted.Add(1)
	event := domain.Event{Kind: kind, Payload: payload}
	for _, sub := range subs {
		// Released during this emission.
		if !sub.active.Load() {
			continue
		}
		if err := invoke(sub, event); err != nil {
			b.failures.Add(1)
			b.sink(kind, sub, err)
		}
	}
}

func invoke(sub *Subscription, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(event)
}

func (b *Bus) logFailure(kind domain.EventKind, sub *Subscription, err error) {
	b.log.Error("Event handler failed", "kind", kind, "subscription", sub.id, "error", err)
}

// Count returns the number of live subscriptions for kind.
func (b *Bus) Count(kind domain.EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}

func (b *Bus) Failures() int64 {
	return b.failures.Load()
}

func (b *Bus) Emitted() int64 {
	return b.emitted.Load()
}

// Clear releases every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for kind, subs := range b.handlers {
		for _, s := range subs {
			s.active.Store(false)
		}
		b.handlers[kind] = nil
	}
}
