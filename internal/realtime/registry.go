package realtime

import (
	"sort"
	"sync"
)

// Registry maps a user identifier to the set of live connection identifiers for that user.
// Entries are created lazily and kept when their set becomes empty.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]map[string]struct{}
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{connections: make(map[string]map[string]struct{})}
}

// Add records connectionID for userID and reports whether it was not already present.
func (r *Registry) Add(userID, connectionID string) bool {
	if userID == "" || connectionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.connections[userID]
	if !ok {
		set = make(map[string]struct{})
		r.connections[userID] = set
	}
	if _, exists := set[connectionID]; exists {
		return false
	}
	set[connectionID] = struct{}{}
	return true
}

// Remove drops connectionID from userID and reports whether it existed.
func (r *Registry) Remove(userID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.connections[userID]
	if !ok {
		return false
	}
	if _, exists := set[connectionID]; !exists {
		return false
	}
	delete(set, connectionID)
	return true
}

// List returns a sorted copy of the connection identifiers registered for userID.
func (r *Registry) List(userID string) []string {
	r.mu.RLock()
	set := r.connections[userID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of connections registered for userID.
func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections[userID])
}

// Users returns the number of user entries, including entries whose set is empty.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}
