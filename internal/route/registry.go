// ABOUTME: Concurrent route registry keyed by backend and dispatch key
// ABOUTME: Readers get immutable snapshots via atomic pointer swap, writers serialize

package route

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry maps registered routes to their owning backends. All mutation
// happens through ReplaceBackend and RemoveBackend, which install a fresh
// immutable snapshot; readers never observe a torn state and never block
// writers beyond the pointer swap.
type Registry struct {
	logger *slog.Logger

	// mu serializes writers only. Readers go through snap.
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// snapshot is an immutable view of the registered route set. A snapshot is
// never mutated after it is installed.
type snapshot struct {
	byKey     map[Key]Route
	byBackend map[string][]Route
}

// NewRegistry creates an empty route registry.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{logger: logger}
	r.snap.Store(&snapshot{
		byKey:     map[Key]Route{},
		byBackend: map[string][]Route{},
	})
	return r
}

// ReplaceBackend atomically replaces the given backend's entire route set.
// Routes owned by other backends are untouched. Passing an empty slice
// registers the backend with zero routes, which is valid.
func (r *Registry) ReplaceBackend(backendID string, routes []Route) error {
	for _, rt := range routes {
		if rt.BackendID != backendID {
			return fmt.Errorf("route %s %s is owned by %q, not %q", rt.Method, rt.Path, rt.BackendID, backendID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	next := cur.cloneWithout(backendID)

	owned := make([]Route, 0, len(routes))
	for _, rt := range routes {
		key := rt.Key()
		if existing, ok := next.byKey[key]; ok {
			return fmt.Errorf("route %s %s collides with backend %q", rt.Method, rt.Path, existing.BackendID)
		}
		next.byKey[key] = rt
		owned = append(owned, rt)
	}
	next.byBackend[backendID] = owned

	r.snap.Store(next)
	r.logger.Info("=== ROUTES REGISTERED ===",
		"backend_id", backendID,
		"route_count", len(owned),
		"total_routes", len(next.byKey),
	)
	return nil
}

// RemoveBackend atomically deregisters all routes owned by the backend.
// Removing an unknown backend is a no-op.
func (r *Registry) RemoveBackend(backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.byBackend[backendID]; !ok {
		return
	}

	next := cur.cloneWithout(backendID)
	r.snap.Store(next)
	r.logger.Info("=== ROUTES DEREGISTERED ===",
		"backend_id", backendID,
		"total_routes", len(next.byKey),
	)
}

// Lookup returns the route registered for the given method and path.
func (r *Registry) Lookup(method, path string) (Route, bool) {
	rt, ok := r.snap.Load().byKey[Key{Method: method, Path: path}]
	return rt, ok
}

// BackendRoutes returns the routes owned by one backend, or nil if the
// backend has never registered.
func (r *Registry) BackendRoutes(backendID string) []Route {
	routes := r.snap.Load().byBackend[backendID]
	out := make([]Route, len(routes))
	copy(out, routes)
	return out
}

// Routes returns every registered route sorted by path then method, for
// catalog rendering.
func (r *Registry) Routes() []Route {
	snap := r.snap.Load()
	out := make([]Route, 0, len(snap.byKey))
	for _, rt := range snap.byKey {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// Len returns the number of registered routes.
func (r *Registry) Len() int {
	return len(r.snap.Load().byKey)
}

// cloneWithout copies the snapshot, dropping every route owned by backendID.
func (s *snapshot) cloneWithout(backendID string) *snapshot {
	next := &snapshot{
		byKey:     make(map[Key]Route, len(s.byKey)),
		byBackend: make(map[string][]Route, len(s.byBackend)),
	}
	for key, rt := range s.byKey {
		if rt.BackendID != backendID {
			next.byKey[key] = rt
		}
	}
	for id, routes := range s.byBackend {
		if id != backendID {
			next.byBackend[id] = routes
		}
	}
	return next
}
