// Package presence tracks which identities are reachable right now and through which connections.
package presence

import (
	"chat-relay/internal/event"
	"chat-relay/internal/metrics"
	"sync"
)

// Conn is a single live, addressable connection belonging to one identity
type Conn interface {
	// ID is unique among all live connections
	ID() string
	// Push hands e to the connection for delivery.
	// A nil error means the event was accepted, not that the client received it.
	Push(e event.Event) error
}

// Registry maps identities to their live connections.
// The lock is held only for the map access itself.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]map[string]Conn // identity -> connection id -> connection
	total   int
	metrics *metrics.Metrics
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]map[string]Conn),
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Register adds c to the connections of identity, registering the same connection twice is a no-op
func (r *Registry) Register(identity string, c Conn) {
	r.mu.Lock()
	set, ok := r.conns[identity]
	if !ok {
		set = make(map[string]Conn)
		r.conns[identity] = set
	}
	if _, dup := set[c.ID()]; !dup {
		set[c.ID()] = c
		r.total++
	}
	online, total := len(r.conns), r.total
	r.mu.Unlock()

	r.metrics.SetPresence(online, total)
}

// Deregister removes c from the connections of identity and forgets identity once it has none left.
// Unknown identities and connections are ignored.
func (r *Registry) Deregister(identity string, c Conn) {
	r.mu.Lock()
	set, ok := r.conns[identity]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, found := set[c.ID()]; found {
		delete(set, c.ID())
		r.total--
	}
	if len(set) == 0 {
		delete(r.conns, identity)
	}
	online, total := len(r.conns), r.total
	r.mu.Unlock()

	r.metrics.SetPresence(online, total)
}

// IsReachable reports whether identity has at least one registered connection at call time
func (r *Registry) IsReachable(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns[identity]) > 0
}

// HandlesFor returns a snapshot of the connections of identity
func (r *Registry) HandlesFor(identity string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[identity]
	if len(set) == 0 {
		return nil
	}

	result := make([]Conn, 0, len(set))
	for _, c := range set {
		result = append(result, c)
	}
	return result
}

// Online returns the number of reachable identities
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// Connections returns the number of registered connections across all identities
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.total
}
