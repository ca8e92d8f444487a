// Package health aggregates liveness checks for the subsystems behind the
// /healthz endpoint.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of one subsystem check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker inspects one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand. Registering a name
// twice replaces the earlier checker.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Checker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Checker)}
}

// Register adds or replaces the checker for name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = check
}

// CheckAll runs every checker in registration order and reports whether all
// of them passed. Checkers run outside the registry lock, so a slow check
// does not block Register.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	checks := make([]Checker, 0, len(names))
	for _, name := range names {
		checks = append(checks, r.byName[name])
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(checks))
	for i, check := range checks {
		st := check(ctx)
		if st.Name == "" {
			st.Name = names[i]
		}
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
