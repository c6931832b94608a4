package registry

import (
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/hzwatch/internal/change"
	"github.com/dgnsrekt/hzwatch/internal/metrics"
	"github.com/dgnsrekt/hzwatch/internal/scope"
)

// Subscriber is one local consumer of a watch identity.
type Subscriber struct {
	Identity scope.Identity
	// Index is 1-based and unique within Identity. It is never reused.
	Index int
	Owner string
	Sink  change.Subscriber

	removed atomic.Bool
}

// Active reports whether the subscriber is still registered. Dispatch checks
// it before every event so nothing is delivered after removal.
func (s *Subscriber) Active() bool {
	return !s.removed.Load()
}

// Subscribers maps watch identities to their ordered subscribers.
type Subscribers struct {
	mu      sync.RWMutex
	lists   map[scope.Identity][]*Subscriber
	next    map[scope.Identity]int
	metrics *metrics.Metrics
}

func NewSubscribers(m *metrics.Metrics) *Subscribers {
	return &Subscribers{
		lists:   make(map[scope.Identity][]*Subscriber),
		next:    make(map[scope.Identity]int),
		metrics: m,
	}
}

// Add appends sink to the subscribers of identity.
func (r *Subscribers) Add(identity scope.Identity, sink change.Subscriber, owner string) *Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next[identity]++
	sub := &Subscriber{
		Identity: identity,
		Index:    r.next[identity],
		Owner:    owner,
		Sink:     sink,
	}
	r.lists[identity] = append(r.lists[identity], sub)
	r.metrics.SubscriberAdded()
	return sub
}

// List returns the subscribers of identity in index order. The slice is a
// copy; later Add or Remove calls do not affect it.
func (r *Subscribers) List(identity scope.Identity) []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.lists[identity]
	out := make([]*Subscriber, len(list))
	copy(out, list)
	return out
}

// Remove unregisters the subscriber with the given index and returns how
// many subscribers remain for identity.
func (r *Subscribers) Remove(identity scope.Identity, index int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.lists[identity]
	for i, sub := range list {
		if sub.Index != index {
			continue
		}
		sub.removed.Store(true)

		rest := make([]*Subscriber, 0, len(list)-1)
		rest = append(rest, list[:i]...)
		rest = append(rest, list[i+1:]...)
		if len(rest) == 0 {
			delete(r.lists, identity)
		} else {
			r.lists[identity] = rest
		}
		r.metrics.SubscriberRemoved()
		return len(rest), nil
	}
	return len(list), ErrUnknownSubscriber
}

// RemoveAll unregisters every subscriber of identity.
func (r *Subscribers) RemoveAll(identity scope.Identity) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.lists[identity]
	for _, sub := range list {
		sub.removed.Store(true)
		r.metrics.SubscriberRemoved()
	}
	delete(r.lists, identity)
	return len(list)
}

// Count returns the number of subscribers of identity.
func (r *Subscribers) Count(identity scope.Identity) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lists[identity])
}

// Identities returns every identity with at least one subscriber.
func (r *Subscribers) Identities() []scope.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]scope.Identity, 0, len(r.lists))
	for id := range r.lists {
		out = append(out, id)
	}
	return out
}
