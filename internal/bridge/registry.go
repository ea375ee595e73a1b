package bridge

import "sync"

// Registry maps connection ids to their active bridges. An entry exists
// exactly while its bridge is between open and torn down; inbound client
// messages are routed through Get, and a missing entry means the
// connection must be rejected.
type Registry struct {
	mu      sync.RWMutex
	bridges map[string]*Bridge
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bridges: make(map[string]*Bridge)}
}

// Put registers a bridge under the given connection id. It reports false
// when an entry already exists so at most one bridge runs per connection.
func (r *Registry) Put(connectionID string, b *Bridge) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bridges[connectionID]; exists {
		return false
	}
	r.bridges[connectionID] = b
	return true
}

// Get returns the bridge for a connection id, or nil when none is
// registered.
func (r *Registry) Get(connectionID string) *Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bridges[connectionID]
}

// Remove drops the entry for a connection id and returns the removed
// bridge. Removing an absent id is a no-op returning nil, so concurrent
// teardown paths cannot double-remove.
func (r *Registry) Remove(connectionID string) *Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bridges[connectionID]
	delete(r.bridges, connectionID)
	return b
}

// Count returns the number of registered bridges.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bridges)
}

// CloseAll closes every registered bridge and waits for each to finish
// tearing down. Used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	bridges := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		bridges = append(bridges, b)
	}
	r.mu.RUnlock()

	for _, b := range bridges {
		b.Close()
		<-b.Done()
	}
}
