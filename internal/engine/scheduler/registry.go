package scheduler

import (
	"sync"

	"github.com/vietddude/campaigner/internal/engine/queue"
)

// Registry tracks the live queue manager per campaign id. It is owned by
// the scheduler instance and injected where needed; there is no global
// registry.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*queue.Manager
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*queue.Manager)}
}

// Add registers a manager. Returns false when the campaign already has
// a live manager.
func (r *Registry) Add(id string, m *queue.Manager) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.managers[id]; exists {
		return false
	}
	r.managers[id] = m
	return true
}

// Get returns the live manager for a campaign, or nil.
func (r *Registry) Get(id string) *queue.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.managers[id]
}

// Remove deregisters a campaign's manager.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, id)
}

// Len returns the number of live managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// Each calls fn for every live manager. The snapshot is taken under the
// lock; fn runs outside it.
func (r *Registry) Each(fn func(id string, m *queue.Manager)) {
	r.mu.Lock()
	snapshot := make(map[string]*queue.Manager, len(r.managers))
	for id, m := range r.managers {
		snapshot[id] = m
	}
	r.mu.Unlock()

	for id, m := range snapshot {
		fn(id, m)
	}
}
