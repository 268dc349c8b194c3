package engine

import (
	"fmt"
	"sync"
)

// Registry holds one Engine per workspace for the life of the process.
// Engines are created on first use and evicted on workspace switch or
// logout, which closes their store.
type Registry struct {
	mu      sync.Mutex
	engines map[string]*Engine
	factory func(workspaceID string) (*Engine, error)
}

// NewRegistry creates a Registry. The factory builds an engine for a
// workspace the first time it is requested.
func NewRegistry(factory func(workspaceID string) (*Engine, error)) *Registry {
	return &Registry{
		engines: make(map[string]*Engine),
		factory: factory,
	}
}

// Get returns the workspace's engine, creating it on first use.
func (r *Registry) Get(workspaceID string) (*Engine, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if eng, ok := r.engines[workspaceID]; ok {
		return eng, nil
	}
	eng, err := r.factory(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine for workspace %s: %w", workspaceID, err)
	}
	r.engines[workspaceID] = eng
	return eng, nil
}

// Evict tears down the workspace's engine, closing its store. Evicting a
// workspace with no engine is a no-op.
func (r *Registry) Evict(workspaceID string) error {
	r.mu.Lock()
	eng, ok := r.engines[workspaceID]
	delete(r.engines, workspaceID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return eng.store.Close()
}

// EvictAll tears down every engine. Used on logout and shutdown.
func (r *Registry) EvictAll() error {
	r.mu.Lock()
	engines := r.engines
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()

	var firstErr error
	for id, eng := range engines {
		if err := eng.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close store for workspace %s: %w", id, err)
		}
	}
	return firstErr
}

// Workspaces returns the ids of the currently live engines.
func (r *Registry) Workspaces() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	return ids
}
