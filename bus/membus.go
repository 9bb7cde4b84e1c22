package bus

import (
	"context"
	"sync"

	"github.com/arbor-labs/arborflow/engine"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer per subscriber
	// (default 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory EventBus. Subscriptions unregister themselves
// when closed, so a long-lived bus does not accumulate dead entries as
// runs come and go.
type MemBus struct {
	mu      sync.RWMutex
	nextID  uint64
	byRun   map[string]map[uint64]*memSub
	global  map[uint64]*memSub
	bufSize int
	closed  bool
}

// NewMemBus creates an in-memory event bus.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		byRun:   make(map[string]map[uint64]*memSub),
		global:  make(map[uint64]*memSub),
		bufSize: bufSize,
	}
}

// Publish delivers an event to the run's subscribers and to every
// global subscriber. Events published to a closed bus are dropped.
func (b *MemBus) Publish(event engine.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.byRun[event.RunID] {
		sub.send(event)
	}
	for _, sub := range b.global {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for a single run.
func (b *MemBus) Subscribe(ctx context.Context, runID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSub()
	if b.closed {
		return sub
	}
	set := b.byRun[runID]
	if set == nil {
		set = make(map[uint64]*memSub)
		b.byRun[runID] = set
	}
	set[sub.id] = sub
	sub.detach = func() { b.dropRunSub(runID, sub.id) }
	sub.arm(ctx)
	return sub
}

// SubscribeAll registers a subscriber for every run.
func (b *MemBus) SubscribeAll(ctx context.Context) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSub()
	if b.closed {
		return sub
	}
	b.global[sub.id] = sub
	sub.detach = func() { b.dropGlobalSub(sub.id) }
	sub.arm(ctx)
	return sub
}

// Close shuts down the bus and every open subscription.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, set := range b.byRun {
		for _, sub := range set {
			sub.shut()
		}
	}
	for _, sub := range b.global {
		sub.shut()
	}
	b.byRun = make(map[string]map[uint64]*memSub)
	b.global = make(map[uint64]*memSub)
	return nil
}

// newSub allocates a subscription. Caller holds b.mu. When the bus is
// already closed the subscription comes back pre-closed.
func (b *MemBus) newSub() *memSub {
	b.nextID++
	sub := &memSub{
		id: b.nextID,
		ch: make(chan engine.Event, b.bufSize),
	}
	if b.closed {
		sub.shut()
	}
	return sub
}

func (b *MemBus) dropRunSub(runID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.byRun[runID]
	delete(set, id)
	if len(set) == 0 {
		delete(b.byRun, runID)
	}
}

func (b *MemBus) dropGlobalSub(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.global, id)
}

// memSub is an in-memory subscription.
type memSub struct {
	id     uint64
	ch     chan engine.Event
	detach func()
	stop   func() bool

	mu     sync.Mutex
	closed bool
}

// arm schedules the subscription to close itself when ctx is done.
func (s *memSub) arm(ctx context.Context) {
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
}

// Events returns the subscription's event channel.
func (s *memSub) Events() <-chan engine.Event {
	return s.ch
}

// Close unsubscribes from the bus and closes the event channel.
func (s *memSub) Close() error {
	if s.detach != nil {
		s.detach()
	}
	if s.stop != nil {
		s.stop()
	}
	s.shut()
	return nil
}

// shut closes the channel, guarded against double-close. Lock order is
// always bus before subscription, so callers holding the bus lock may
// call shut but never the reverse.
func (s *memSub) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event, dropping it when the channel is full or the
// subscription has closed.
func (s *memSub) send(event engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
var _ engine.EventPublisher = (*MemBus)(nil)
