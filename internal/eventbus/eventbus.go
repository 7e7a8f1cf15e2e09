// Package eventbus implements the broker's in-process publish/subscribe
// fan-out (§4.7): a bounded per-subscriber delivery queue that never
// blocks the publisher, and a monotonic sequence counter that lets a
// subscriber detect gaps after a dropped event. Every subscriber
// receives every published event: there are no per-kind topics, and
// events are not routed by channel membership. Grounded on the
// teacher's websocket client registry (bounded send channel,
// drop-on-full, snapshot-before-send) and its subscription dispatcher,
// generalized from a session-keyed notifier into a single fan-out bus.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the default bound on a subscriber's delivery
// queue (§4.7: "bounded... default 1024").
const DefaultQueueSize = 1024

// Event is one broker event. Seq is stamped per-subscriber at delivery
// time (not globally), so two subscribers may see the same event under
// different seq numbers; GapSince marks that one or more events were
// dropped for this subscriber before this one, and holds the seq of the
// first dropped event.
type Event struct {
	Seq        uint64
	Kind       string
	EntityType string
	EntityID   string
	ChannelID  string
	Payload    any
	Timestamp  time.Time
	GapSince   uint64 // nonzero: one or more events were dropped before this seq
}

// Subscriber is a single subscription's delivery queue.
type Subscriber struct {
	id         uint64
	ch         chan Event
	seq        atomic.Uint64
	pendingGap atomic.Uint64
	closed     atomic.Bool
}

// Events returns the channel to receive events from. The channel is
// closed when the subscriber unsubscribes.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Bus fans events out to every live subscriber without ever blocking
// the publisher: a full subscriber queue drops the event and records a
// gap, delivered as the next successful event's GapSince field.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber
	nextID      atomic.Uint64
	queueSize   int
}

// New creates a Bus with the given per-subscriber queue bound. A
// non-positive size falls back to DefaultQueueSize.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{subscribers: make(map[uint64]*Subscriber), queueSize: queueSize}
}

// Subscribe registers a new subscriber and returns it along with an
// unsubscribe function. Callers that need a snapshot-then-stream
// protocol (§4.7) should take their snapshot after Subscribe returns
// but before reading from Events(), so no event published during the
// snapshot read is missed.
func (b *Bus) Subscribe() (*Subscriber, func()) {
	id := b.nextID.Add(1)
	sub := &Subscriber{id: id, ch: make(chan Event, b.queueSize)}

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
	return sub, unsubscribe
}

// Publish fans ev out to every current subscriber. Never blocks: a
// subscriber whose queue is full has the event dropped and a gap
// recorded for it instead.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *Subscriber, ev Event) {
	if sub.closed.Load() {
		return
	}
	out := ev
	out.Seq = sub.seq.Add(1)
	gap := sub.pendingGap.Swap(0)
	out.GapSince = gap

	select {
	case sub.ch <- out:
	default:
		// Queue full: drop the event, remember where the gap began for
		// the next successful delivery instead of blocking the publisher.
		if gap == 0 {
			gap = out.Seq
		}
		sub.pendingGap.CompareAndSwap(0, gap)
	}
}

// SubscriberCount reports how many subscribers are currently attached,
// for diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
