package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kivo360/omoios/internal/logging"
)

// DefaultReplaySize is the number of recent events kept for late subscribers.
const DefaultReplaySize = 256

// Bus broadcasts events to every subscriber in publish order.
// Publish never blocks: a subscriber whose buffer is full misses the event
// and the drop is counted.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscription

	ring     []Event
	ringNext int
	ringFull bool

	dropped atomic.Uint64
	onDrop  func(Event)
	logger  *logging.DebugLogger
	limiter *logging.RateLimited
	now     func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithReplaySize sets the size of the replay ring.
func WithReplaySize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ring = make([]Event, n)
		}
	}
}

// WithDropHook registers a callback invoked for every dropped delivery.
func WithDropHook(fn func(Event)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// WithLogger sets the debug logger.
func WithLogger(l *logging.DebugLogger) Option {
	return func(b *Bus) { b.logger = l.With("events") }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[uint64]*Subscription),
		ring:    make([]Event, DefaultReplaySize),
		limiter: logging.NewRateLimited(10),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish assigns the next sequence number and fans the event out.
// It returns the event as delivered.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	if e.At.IsZero() {
		e.At = b.now().UTC()
	}

	b.ring[b.ringNext] = e
	b.ringNext = (b.ringNext + 1) % len(b.ring)
	if b.ringNext == 0 {
		b.ringFull = true
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
			sub.dropped.Add(1)
			b.limiter.Log(b.logger, "drop", "WARNING: subscriber %d full, dropped event seq=%d type=%s", sub.id, e.Seq, e.Type)
			if b.onDrop != nil {
				b.onDrop(e)
			}
		}
	}

	return e
}

// Subscribe registers a subscriber with the given channel buffer.
// Only events published after Subscribe returns are delivered; use Recent
// for history.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:  b.nextID,
		ch:  make(chan Event, buffer),
		bus: b,
	}
	sub.C = sub.ch
	b.subs[sub.id] = sub
	return sub
}

// Recent returns up to n of the most recent events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.ringNext
	if b.ringFull {
		size = len(b.ring)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Event, 0, n)
	start := b.ringNext - n
	if start < 0 {
		start += len(b.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

// Seq returns the sequence number of the last published event.
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// DroppedCount returns the total number of dropped deliveries.
func (b *Bus) DroppedCount() uint64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	// C receives events in publish order. It is closed by Close.
	C <-chan Event

	id      uint64
	ch      chan Event
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s.id]; ok {
			delete(s.bus.subs, s.id)
			close(s.ch)
		}
	})
}
