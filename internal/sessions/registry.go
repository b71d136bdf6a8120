package sessions

import (
	"context"
	"path/filepath"
	"sync"
)

// Registry hands out one guarded transcript manager per session key. All
// managers share the same guard options and live under
// <stateDir>/feishu/sessions/.
type Registry struct {
	dir  string
	opts GuardOptions

	mu     sync.Mutex
	guards map[string]*Guard
}

// NewRegistry creates a registry rooted at stateDir.
func NewRegistry(stateDir string, opts GuardOptions) *Registry {
	return &Registry{
		dir:    filepath.Join(stateDir, "feishu", "sessions"),
		opts:   opts,
		guards: map[string]*Guard{},
	}
}

// Manager returns the guarded transcript for sessionKey, creating it on
// first use.
func (r *Registry) Manager(sessionKey string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guards[sessionKey]; ok {
		return g
	}
	g := NewGuard(NewFileManager(r.dir, sessionKey, r.opts.Logger), r.opts)
	r.guards[sessionKey] = g
	return g
}

// FlushAll pairs every outstanding tool call across all sessions.
// Intended for shutdown; the first error is returned after attempting
// every guard.
func (r *Registry) FlushAll(ctx context.Context) error {
	r.mu.Lock()
	guards := make([]*Guard, 0, len(r.guards))
	for _, g := range r.guards {
		guards = append(guards, g)
	}
	r.mu.Unlock()

	var firstErr error
	for _, g := range guards {
		if err := g.FlushPendingToolResults(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
