package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/ccdpreview/internal/debug"
)

// DefaultQueueSize is the per-subscriber queue bound when none is given.
const DefaultQueueSize = 64

// ErrClosed is returned by Next once the subscription or the bus is closed.
var ErrClosed = errors.New("events: subscription closed")

// Bus fans out events to subscribers.
//
// Publish, Subscribe and Unsubscribe are serialized by one lock, so every
// subscriber present at publication sees events in publication order and a
// subscriber never sees an event published before it joined or after it
// left. Each subscriber has its own bounded queue: when it is full the
// oldest queued event for that subscriber is dropped and a warning is
// logged. Publish never waits for a consumer.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*Subscription
	queueSize int
	seq       uint64
	closed    bool
}

// NewBus creates a bus with the given per-subscriber queue bound.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[string]*Subscription),
		queueSize: queueSize,
	}
}

// Subscribe registers a new subscriber. Returns ErrClosed after Close.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &Subscription{
		ID:       uuid.NewString(),
		JoinedAt: time.Now(),
		bus:      b,
		limit:    b.queueSize,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.subs[s.ID] = s
	debug.Verbose("events: subscriber %s joined (%d total)", s.ID, len(b.subs))
	return s, nil
}

// Unsubscribe removes s and discards its pending events. Idempotent.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.ID]; !ok {
		return
	}
	delete(b.subs, s.ID)
	s.shut()
	debug.Verbose("events: subscriber %s left (%d total)", s.ID, len(b.subs))
}

// Publish stamps e with the next sequence number and the current time and
// queues it for every current subscriber. It returns the stamped event.
// Events published after Close are discarded.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return e
	}
	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	for _, s := range b.subs {
		if dropped, ok := s.enqueue(e); ok {
			debug.Warn("events: subscriber %s is too slow, dropped event #%d", s.ID, dropped.Seq)
		}
	}
	debug.Live("events: published #%d %s to %d subscribers", e.Seq, e.Type(), len(b.subs))
	return e
}

// Notify publishes a notification.
func (b *Bus) Notify(level, title, message string) Event {
	return b.Publish(NewNotification(level, title, message))
}

// Close ends every subscription. Further Subscribe calls fail and
// further Publish calls are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.shut()
		delete(b.subs, id)
	}
}

// SubscriberStats are the counters of one subscriber.
type SubscriberStats struct {
	ID        string    `json:"id"`
	JoinedAt  time.Time `json:"joined_at"`
	Queued    int       `json:"queued"`
	Delivered uint64    `json:"delivered"`
	Dropped   uint64    `json:"dropped"`
}

// Stats is a snapshot of the bus counters.
type Stats struct {
	Published   uint64            `json:"published"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// Stats returns the bus counters, subscribers ordered by join time.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{Published: b.seq, Subscribers: make([]SubscriberStats, 0, len(b.subs))}
	for _, s := range b.subs {
		st.Subscribers = append(st.Subscribers, s.stats())
	}
	sort.Slice(st.Subscribers, func(i, j int) bool {
		return st.Subscribers[i].JoinedAt.Before(st.Subscribers[j].JoinedAt)
	})
	return st
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	ID       string
	JoinedAt time.Time

	bus    *Bus
	limit  int
	notify chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	queue     []Event
	closed    bool
	delivered uint64
	dropped   uint64
}

// enqueue appends e, dropping the oldest queued event when full.
func (s *Subscription) enqueue(e Event) (dropped Event, didDrop bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Event{}, false
	}
	if len(s.queue) >= s.limit {
		dropped, didDrop = s.queue[0], true
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped, didDrop
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

// Next blocks until an event is available, the subscription is closed
// (ErrClosed) or ctx ends (ctx.Err()).
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrClosed
		}
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.delivered++
			s.mu.Unlock()
			return e, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s)
}

func (s *Subscription) stats() SubscriberStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriberStats{
		ID:        s.ID,
		JoinedAt:  s.JoinedAt,
		Queued:    len(s.queue),
		Delivered: s.delivered,
		Dropped:   s.dropped,
	}
}
