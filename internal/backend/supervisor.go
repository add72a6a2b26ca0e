// ABOUTME: Supervisor owning the set of backend sessions
// ABOUTME: Single writer to the route registry, applies session state changes

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/fold-bridge/internal/config"
	"github.com/2389/fold-bridge/internal/route"
)

// SupervisorConfig carries the supervisor's dependencies.
type SupervisorConfig struct {
	Registry *route.Registry
	Settings Settings
	Logger   *slog.Logger
}

// Supervisor owns the configured set of backends. It drives each session's
// lifecycle and is the only component that writes to the route registry:
// sessions report capability changes to the supervisor, which translates
// and applies them. Per-session reports arrive in completion order from the
// session's own run loop, so one backend's transitions are never reordered.
type Supervisor struct {
	registry *route.Registry
	settings Settings
	logger   *slog.Logger

	mu       sync.Mutex
	runCtx   context.Context
	sessions map[string]*sessionHandle
}

// sessionHandle pairs a session with its lifecycle controls.
type sessionHandle struct {
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// BackendStatus is one backend's operational state, for the health surface.
type BackendStatus struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	State  State  `json:"state"`
	Routes int    `json:"routes"`
}

// NewSupervisor creates a supervisor with no backends. Call Start before
// adding any.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		registry: cfg.Registry,
		settings: cfg.Settings,
		logger:   cfg.Logger.With("component", "supervisor"),
		sessions: make(map[string]*sessionHandle),
	}
}

// Start launches a session per configured backend. ctx bounds the lifetime
// of every session, including ones added later.
func (s *Supervisor) Start(ctx context.Context, backends []config.BackendConfig) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	for _, b := range backends {
		if err := s.AddBackend(b); err != nil {
			return err
		}
	}
	return nil
}

// AddBackend starts a session for a new backend identity. Re-adding an
// existing identity first removes the old session and purges its routes, so
// stale routes never survive a capability change.
func (s *Supervisor) AddBackend(spec config.BackendConfig) error {
	s.mu.Lock()
	if s.runCtx == nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor not started")
	}
	if _, exists := s.sessions[spec.ID]; exists {
		s.mu.Unlock()
		if err := s.RemoveBackend(spec.ID); err != nil {
			return err
		}
		s.mu.Lock()
		// The lock was dropped for the removal; a concurrent AddBackend for
		// the same identity may have won the race in between. Overwriting
		// its entry here would leak a running session.
		if _, exists := s.sessions[spec.ID]; exists {
			s.mu.Unlock()
			return fmt.Errorf("backend %s was re-added concurrently", spec.ID)
		}
	}

	sess := NewSession(SessionConfig{
		Backend:  spec,
		Settings: s.settings,
		Logger:   s.logger.With("component", "session"),
		OnOperations: func(ops []route.Operation) {
			s.applyOperations(spec.ID, ops)
		},
		OnOffline: func() {
			s.registry.RemoveBackend(spec.ID)
		},
	})

	sessCtx, cancel := context.WithCancel(s.runCtx)
	handle := &sessionHandle{
		session: sess,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.sessions[spec.ID] = handle
	s.mu.Unlock()

	go func() {
		defer close(handle.done)
		sess.Run(sessCtx)
	}()

	s.logger.Info("backend added", "backend_id", spec.ID, "url", spec.URL)
	return nil
}

// RemoveBackend stops a backend's session and deregisters its routes.
func (s *Supervisor) RemoveBackend(backendID string) error {
	s.mu.Lock()
	handle, ok := s.sessions[backendID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: backend %s is not configured", ErrUnknownRoute, backendID)
	}
	delete(s.sessions, backendID)
	s.mu.Unlock()

	handle.cancel()
	<-handle.done
	s.registry.RemoveBackend(backendID)
	s.logger.Info("backend removed", "backend_id", backendID)
	return nil
}

// Invoke routes one invocation to the owning session.
func (s *Supervisor) Invoke(ctx context.Context, backendID, operation string, args map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	handle, ok := s.sessions[backendID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend %s operation %s: backend no longer configured",
			ErrBackendUnavailable, backendID, operation)
	}
	return handle.session.Invoke(ctx, operation, args)
}

// Statuses returns every backend's operational state, sorted by ID.
func (s *Supervisor) Statuses() []BackendStatus {
	s.mu.Lock()
	handles := make([]*sessionHandle, 0, len(s.sessions))
	for _, h := range s.sessions {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	out := make([]BackendStatus, 0, len(handles))
	for _, h := range handles {
		out = append(out, BackendStatus{
			ID:     h.session.ID(),
			URL:    h.session.cfg.Backend.URL,
			State:  h.session.State(),
			Routes: len(s.registry.BackendRoutes(h.session.ID())),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every session and waits for them to exit.
func (s *Supervisor) Close() {
	s.mu.Lock()
	handles := make([]*sessionHandle, 0, len(s.sessions))
	for id, h := range s.sessions {
		handles = append(handles, h)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}

// applyOperations translates a session's fresh capability set and swaps it
// into the registry. A descriptor that fails translation is dropped with a
// warning rather than failing the whole set; a fully malformed set degrades
// to zero routes, which is valid.
func (s *Supervisor) applyOperations(backendID string, ops []route.Operation) {
	routes := make([]route.Route, 0, len(ops))
	for _, op := range ops {
		rt, err := route.Translate(backendID, op)
		if err != nil {
			s.logger.Warn("dropping untranslatable operation",
				"backend_id", backendID,
				"operation", op.Name,
				"error", err,
			)
			continue
		}
		routes = append(routes, rt)
	}
	if err := s.registry.ReplaceBackend(backendID, routes); err != nil {
		s.logger.Error("applying discovered routes failed", "backend_id", backendID, "error", err)
	}
}
