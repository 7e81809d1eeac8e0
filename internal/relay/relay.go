package relay

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"portal/internal/metrics"
)

const (
	// dropLogEvery throttles the slow-subscriber warning
	dropLogEvery = 10
)

var ErrClosed = errors.New("relay closed")

// Filter decides whether a subscriber wants an event. A nil Filter accepts all.
type Filter func(Event) bool

// Subscription is one listener's view of the relay. Events arrive on C until
// Close is called or the relay shuts down, after which C is closed.
type Subscription struct {
	ID     string
	C      <-chan Event
	ch     chan Event
	filter Filter
	relay  *Relay
	once   sync.Once

	// Dropped counts events lost because the buffer was full
	Dropped atomic.Int64
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.relay.unsubscribe(s)
}

// Relay is the in-process broadcast bus shared by every mounted view. It
// keeps no history: an event reaches only the subscriptions present when it
// is published, and publishing never blocks on a slow subscriber.
type Relay struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	closed bool
}

func New(buffer int) *Relay {
	if buffer <= 0 {
		buffer = 1
	}
	return &Relay{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
	}
}

func (r *Relay) Subscribe(filter Filter) (*Subscription, error) {
	ch := make(chan Event, r.buffer)
	sub := &Subscription{
		ID:     uuid.NewString(),
		C:      ch,
		ch:     ch,
		filter: filter,
		relay:  r,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.subs[sub.ID] = sub
	metrics.RelaySubscribers.Inc()

	slog.Debug("subscriber added", "component", "relay", "subscription", sub.ID)
	return sub, nil
}

// Publish delivers e to every interested subscriber except the one whose ID
// equals e.Origin. It returns the number of subscriptions that received it.
func (r *Relay) Publish(e Event) (int, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0, ErrClosed
	}

	metrics.RelayPublished.WithLabelValues(string(e.Entity)).Inc()

	delivered := 0
	for id, sub := range r.subs {
		if e.Origin != "" && id == e.Origin {
			continue
		}
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		if r.sendLocked(sub, e) {
			delivered++
		}
	}
	return delivered, nil
}

// Caller must hold at least a read lock on r.mu.
func (r *Relay) sendLocked(sub *Subscription, e Event) bool {
	select {
	case sub.ch <- e:
		return true
	default:
		dropped := sub.Dropped.Add(1)
		metrics.RelayDropped.Inc()
		if dropped%dropLogEvery == 1 {
			slog.Warn("dropped event for slow subscriber", "component", "relay", "subscription", sub.ID, "dropped", dropped)
		}
		return false
	}
}

func (r *Relay) unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[sub.ID]; !ok {
		return
	}
	delete(r.subs, sub.ID)
	metrics.RelaySubscribers.Dec()
	sub.once.Do(func() { close(sub.ch) })
}

func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Close shuts the relay down and closes every subscription channel.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, sub := range r.subs {
		delete(r.subs, id)
		metrics.RelaySubscribers.Dec()
		sub.once.Do(func() { close(sub.ch) })
	}
	slog.Info("shutdown complete", "component", "relay")
}
