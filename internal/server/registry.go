package server

import (
	"context"
	"slices"
	"sync"

	"cans/internal/codec"
	"cans/internal/domain"
)

// Peer is a live, authenticated connection as the router and broker see it.
type Peer interface {
	Identity() domain.UserID
	// Send writes env without waiting for an acknowledgement.
	Send(ctx context.Context, env domain.Envelope) error
	// Deliver writes env and waits for the recipient's ack.
	Deliver(ctx context.Context, env domain.Envelope) error
	Close(code int, reason string)
	Done() <-chan struct{}
}

// EventType says what happened to a registry entry.
type EventType int

const (
	EventRegistered EventType = iota + 1
	EventEvicted
	EventUnregistered
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventEvicted:
		return "evicted"
	case EventUnregistered:
		return "unregistered"
	}
	return "unknown"
}

// Event is published to registry subscribers.
type Event struct {
	Type EventType
	User domain.UserID
	Peer Peer
}

// Registry maps each identity to its single live connection.
type Registry struct {
	conns sync.Map // domain.UserID -> Peer

	mu   sync.RWMutex
	subs []func(Event)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Subscribe adds fn to the listeners. Events are published synchronously on
// the goroutine that changed the registry, in subscription order.
func (r *Registry) Subscribe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

func (r *Registry) publish(ev Event) {
	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Register makes p the live connection for id. Any prior connection is closed
// with CloseEvicted and Register reports true.
func (r *Registry) Register(id domain.UserID, p Peer) bool {
	prev, loaded := r.conns.Swap(id, p)
	evicted := loaded && prev.(Peer) != p
	if evicted {
		old := prev.(Peer)
		old.Close(codec.CloseEvicted, "replaced by a newer connection")
		r.publish(Event{Type: EventEvicted, User: id, Peer: old})
	}
	r.publish(Event{Type: EventRegistered, User: id, Peer: p})
	return evicted
}

// Unregister removes p if it is still the live connection for id. An evicted
// connection unregistering is a no-op.
func (r *Registry) Unregister(id domain.UserID, p Peer) bool {
	if !r.conns.CompareAndDelete(id, p) {
		return false
	}
	r.publish(Event{Type: EventUnregistered, User: id, Peer: p})
	return true
}

// Lookup returns the live connection for id.
func (r *Registry) Lookup(id domain.UserID) (Peer, bool) {
	v, ok := r.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(Peer), true
}

// Online lists connected identities, sorted.
func (r *Registry) Online() []domain.UserID {
	var out []domain.UserID
	r.conns.Range(func(k, _ any) bool {
		out = append(out, k.(domain.UserID))
		return true
	})
	slices.Sort(out)
	return out
}
