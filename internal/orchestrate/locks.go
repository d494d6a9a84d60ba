package orchestrate

import "sync"

// =============================================================================
// Deployment Lock Registry
// =============================================================================

// lockRegistry serializes orchestration operations per product deployment.
// Acquire never blocks; a busy deployment rejects the second operation.
type lockRegistry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{held: make(map[string]struct{})}
}

// acquire takes the lock for a deployment id, reporting false if it is
// already held.
func (r *lockRegistry) acquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.held[id]; busy {
		return false
	}
	r.held[id] = struct{}{}
	return true
}

// release frees the lock for a deployment id.
func (r *lockRegistry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, id)
}
