package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dialvox/dialvox/pkg/speech"
)

// NotificationKind discriminates the two delivery streams a registry carries.
type NotificationKind int

const (
	// KindLifecycle marks a bridge state transition.
	KindLifecycle NotificationKind = iota

	// KindSpeech marks a backend event forwarded verbatim.
	KindSpeech
)

// Notification is one unit of delivery to a subscriber. Lifecycle
// notifications carry State (and Degraded on the terminal one); speech
// notifications carry Event.
type Notification struct {
	Kind   NotificationKind
	CallID string
	State  State
	Event  speech.Event

	// Degraded is set on the terminal lifecycle notification when the
	// speech channel was lost before the call ended.
	Degraded bool

	Time time.Time
}

// subscriber is one registered delivery channel plus its drop counter.
type subscriber struct {
	ch    chan Notification
	drops atomic.Uint64
}

// Registry fans bridge notifications out to external subscribers. Delivery
// is at-most-once per notification per subscriber and fully decoupled from
// the relay path: each subscriber has a bounded buffer that drops its oldest
// entry on overflow, so a slow consumer can never stall the call's audio.
//
// Zero subscribers is a valid state. Safe for concurrent use.
type Registry struct {
	callID string
	depth  int

	mu     sync.Mutex
	subs   map[uuid.UUID]*subscriber
	closed bool
}

func newRegistry(callID string, depth int) *Registry {
	return &Registry{
		callID: callID,
		depth:  depth,
		subs:   make(map[uuid.UUID]*subscriber),
	}
}

// Subscribe registers a new listener and returns its registration ID and
// delivery channel. The channel is closed when the bridge reaches Closed or
// the listener unsubscribes. Subscribing to an already-closed registry
// returns a closed channel.
func (r *Registry) Subscribe() (uuid.UUID, <-chan Notification) {
	id := uuid.New()
	ch := make(chan Notification, r.depth)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(ch)
		return id, ch
	}
	r.subs[id] = &subscriber{ch: ch}
	return id, ch
}

// Unsubscribe removes a registration and closes its delivery channel.
// Unknown IDs are a no-op.
func (r *Registry) Unsubscribe(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	close(s.ch)
}

// Drops returns how many notifications the given subscriber has lost to
// overflow. Returns 0 for unknown IDs.
func (r *Registry) Drops(id uuid.UUID) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[id]; ok {
		return s.drops.Load()
	}
	return 0
}

// publish delivers n to every current subscriber without blocking. A full
// subscriber buffer sheds its oldest entry first; if the consumer races the
// eviction, the new notification is dropped and counted instead. Publishing
// to a closed registry is a no-op.
func (r *Registry) publish(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, s := range r.subs {
		select {
		case s.ch <- n:
			continue
		default:
		}
		select {
		case <-s.ch:
			s.drops.Add(1)
		default:
		}
		select {
		case s.ch <- n:
		default:
			s.drops.Add(1)
		}
	}
}

// close seals the registry and closes every subscriber channel. Further
// publishes are no-ops, so no notification can follow the terminal one.
// Returns the total notifications dropped across all subscribers.
func (r *Registry) close() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	r.closed = true
	var dropped uint64
	for id, s := range r.subs {
		dropped += s.drops.Load()
		delete(r.subs, id)
		close(s.ch)
	}
	return dropped
}
