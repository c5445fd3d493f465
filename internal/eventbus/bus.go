package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels; slow subscribers drop events.
//   - Queue subscribers never drop; their backlog grows until drained.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe receives every event whose Type starts with one of prefixes
	// (all events when no prefix is given).
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
	// SubscribeQueue is Subscribe without loss: matching events are appended
	// to an unbounded queue. Use it only for consumers that must see every
	// event, and keep up with Take.
	SubscribeQueue(prefixes ...string) *Queue
	// Dropped counts events that could not be delivered to a full subscriber.
	Dropped() uint64
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}, queues: map[uint64]*Queue{}}
}

type subscriber struct {
	ch       chan Event
	prefixes []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	queues  map[uint64]*Queue
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe (write lock) never
	// closes a channel mid-send. Sends never block.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	for _, q := range b.queues {
		if q.wants(e.Type) {
			q.push(e)
		}
	}
}

func (b *memBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), prefixes: append([]string(nil), prefixes...)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

func (b *memBus) SubscribeQueue(prefixes ...string) *Queue {
	q := &Queue{
		subscriber: subscriber{prefixes: append([]string(nil), prefixes...)},
		ready:      make(chan struct{}, 1),
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.queues[id] = q
	b.mu.Unlock()

	q.unsubscribe = func() {
		b.mu.Lock()
		delete(b.queues, id)
		b.mu.Unlock()
	}
	return q
}

// Queue is a lossless subscription. Ready fires after events were queued;
// Take hands over everything queued so far, oldest first.
type Queue struct {
	subscriber

	mu     sync.Mutex
	events []Event
	ready  chan struct{}

	once        sync.Once
	unsubscribe func()
}

func (q *Queue) push(e Event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) Ready() <-chan struct{} { return q.ready }

func (q *Queue) Take() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// Len reports the current backlog.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close unsubscribes. Events already queued stay available to Take.
func (q *Queue) Close() { q.once.Do(q.unsubscribe) }
