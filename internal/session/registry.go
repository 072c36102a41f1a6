package session

import (
	"sort"
	"sync"
	"time"
)

// Registry tracks the single live Session per node key in a map guarded by
// a read-write mutex.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint32]*Session)}
}

// GetOrCreate returns the existing session for nodeKey, creating one on
// channel if none exists yet.
func (r *Registry) GetOrCreate(nodeKey uint32, channel byte) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[nodeKey]; ok {
		return s
	}
	s := New(nodeKey, channel)
	r.sessions[nodeKey] = s
	return s
}

// Get returns the session for nodeKey, if any.
func (r *Registry) Get(nodeKey uint32) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[nodeKey]
	return s, ok
}

// Remove drops the session for nodeKey, e.g. on logout or timeout.
func (r *Registry) Remove(nodeKey uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, nodeKey)
}

// ListActive returns all sessions, sorted by node key, for the sysop
// "who's on" listing.
func (r *Registry) ListActive() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeKey < out[j].NodeKey })
	return out
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// PruneIdle removes and returns every session idle longer than timeout, so
// the caller can log the disconnect and free any per-node resources.
func (r *Registry) PruneIdle(timeout time.Duration) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pruned []*Session
	for key, s := range r.sessions {
		if s.Idle(timeout) {
			pruned = append(pruned, s)
			delete(r.sessions, key)
		}
	}
	return pruned
}
