package supervisor

import (
	"context"
	"sync"
)

// Registry owns the per-call watch handles. At most one entry exists per
// call identifier, with explicit start/stop instead of ad-hoc map mutation
// from multiple call sites. Stopping an entry cancels the context its loops
// run under, which halts the classification watch and the dispatcher at
// their next select.
type Registry struct {
	mu      sync.Mutex
	entries map[string]context.CancelFunc
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]context.CancelFunc)}
}

// Start creates the per-call context. Returns ok=false without creating
// anything when an entry is already live for the call.
func (r *Registry) Start(parent context.Context, callID string) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, live := r.entries[callID]; live {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	r.entries[callID] = cancel
	return ctx, true
}

// Stop cancels and removes the entry for a call. Returns false when no
// entry was live.
func (r *Registry) Stop(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancel, live := r.entries[callID]
	if !live {
		return false
	}
	cancel()
	delete(r.entries, callID)
	return true
}

// Active reports whether a watch is live for the call.
func (r *Registry) Active(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, live := r.entries[callID]
	return live
}

// StopAll cancels every entry. Used during shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for callID, cancel := range r.entries {
		cancel()
		delete(r.entries, callID)
	}
}
