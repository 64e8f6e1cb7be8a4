package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/blacktop/companion/pkg/future"
)

// Registry tracks live continuations by identity. It is a lookup
// structure, not an owner: whoever started an operation owns it, and an
// entry disappears on its own once the continuation's completion future
// resolves.
type Registry struct {
	mu       sync.Mutex
	draining bool
	entries  map[uuid.UUID]*future.Continuation
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uuid.UUID]*future.Continuation)}
}

// Add registers cont under a fresh identity, removed automatically when
// its completion future reaches any terminal state. Once the registry is
// draining, new continuations are cancelled immediately instead of
// registered, so nothing slips past a shutdown's cancellation sweep.
func (r *Registry) Add(cont *future.Continuation) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		cont.Cancel()
		return id
	}
	r.entries[id] = cont
	r.mu.Unlock()
	cont.Completed().OnResolved(func(future.Status, future.Void, error) {
		r.mu.Lock()
		delete(r.entries, id)
		r.mu.Unlock()
	})
	return id
}

// Drain stops accepting new entries; see Add.
func (r *Registry) Drain() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
}

// Get looks an entry up by identity.
func (r *Registry) Get(id uuid.UUID) (*future.Continuation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cont, ok := r.entries[id]
	return cont, ok
}

// Snapshot returns the live continuations with their identities.
func (r *Registry) Snapshot() map[uuid.UUID]*future.Continuation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]*future.Continuation, len(r.entries))
	for id, cont := range r.entries {
		out[id] = cont
	}
	return out
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
