package event

import (
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 256

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full loses its oldest buffered event, which is counted on
// the subscription. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription is one subscriber's view of the Bus. Events arrive on C until
// Close is called.
type Subscription struct {
	bus       *Bus
	sessionID string
	ch        chan Event

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// Subscribe registers a subscriber. sessionID filters events to one session;
// pass "" to receive events for all sessions. buffer <= 0 selects the
// default buffer size.
func (b *Bus) Subscribe(sessionID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	s := &Subscription{
		bus:       b,
		sessionID: sessionID,
		ch:        make(chan Event, buffer),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers ev to every matching subscriber. It stamps ev.Time if
// unset and never blocks.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.sessionID != "" && s.sessionID != ev.SessionID {
			continue
		}
		s.deliver(ev)
	}
}

// C returns the channel events arrive on. The channel is closed when the
// subscription is closed.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber has lost to a full buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver enqueues ev, evicting the oldest buffered event when full. The
// per-subscription mutex keeps eviction and delivery atomic across
// concurrent publishers and excludes sends on a closed channel.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}
