// ABOUTME: Backend session owning one connection to one backend process
// ABOUTME: Drives the connect/discover/ready/degraded/reconnect state machine

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/semaphore"

	"github.com/2389/fold-bridge/internal/config"
	"github.com/2389/fold-bridge/internal/route"
)

// State is a backend session's lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateDiscovering  State = "discovering"
	StateReady        State = "ready"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
)

const (
	// connectTimeout bounds one connect-plus-handshake attempt.
	connectTimeout = 10 * time.Second

	// discoveryTimeout bounds one tools/list exchange.
	discoveryTimeout = 15 * time.Second

	// maxProbeFailures is how many consecutive failed recovery probes a
	// degraded session tolerates before escalating to a full reconnect.
	maxProbeFailures = 3

	// maxResponseSize caps HTTP response bodies from backends.
	maxResponseSize = 16 * 1024 * 1024 // 16 MB

	// retireDrainTimeout bounds how long a replaced connection waits for
	// in-flight invocations before it is closed.
	retireDrainTimeout = time.Minute
)

// SessionConfig carries everything a Session needs to run.
type SessionConfig struct {
	Backend  config.BackendConfig
	Settings Settings
	Logger   *slog.Logger

	// OnOperations is called from the session's run loop whenever a fresh
	// capability set should replace this backend's routes. Calls happen in
	// discovery-completion order, never concurrently.
	OnOperations func(ops []route.Operation)

	// OnOffline is called when this backend's routes must be deregistered.
	OnOffline func()
}

// Settings holds the timing and limit knobs shared by all sessions.
type Settings struct {
	OverloadGrace        time.Duration
	DiscoveryInterval    time.Duration
	ProbeInterval        time.Duration
	ReconnectMinInterval time.Duration
	ReconnectMaxInterval time.Duration
}

// roundTripperFunc is a function adapter for http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Session owns one connection to one backend. It discovers the backend's
// operations, accepts invocation calls while Ready, and reconnects with
// exponential backoff when the backend goes away.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	// slots bounds concurrent invocations toward this backend.
	slots *semaphore.Weighted

	mu            sync.RWMutex
	state         State
	client        *client.Client
	probeFailures int

	// inflight counts invocations dispatched on the current connection. A
	// fresh WaitGroup is installed with each connection so retiring an old
	// one never blocks new invocations.
	inflight *sync.WaitGroup

	// toolsSupported records whether the backend advertised tool capability
	// at handshake; rediscovery is skipped entirely when it did not.
	toolsSupported bool

	// rediscover wakes the run loop when the backend pushes a
	// capabilities-changed notification.
	rediscover chan struct{}

	// degraded wakes the run loop when an invocation sees a transport
	// failure, so probing starts without waiting for the next tick.
	degraded chan struct{}
}

// NewSession creates a session for the given backend. The session does
// nothing until Run is called.
func NewSession(cfg SessionConfig) *Session {
	limit := cfg.Backend.ConcurrencyLimit
	if limit <= 0 {
		limit = config.DefaultConcurrencyLimit
	}
	cfg.Backend.ConcurrencyLimit = limit
	return &Session{
		cfg:        cfg,
		logger:     cfg.Logger.With("backend_id", cfg.Backend.ID),
		slots:      semaphore.NewWeighted(limit),
		state:      StateDisconnected,
		inflight:   &sync.WaitGroup{},
		rediscover: make(chan struct{}, 1),
		degraded:   make(chan struct{}, 1),
	}
}

// ID returns the backend identity this session owns.
func (s *Session) ID() string {
	return s.cfg.Backend.ID
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Run drives the session's state machine until ctx is canceled. Connect
// failures back off exponentially (capped and jittered) instead of failing
// the whole bridge.
func (s *Session) Run(ctx context.Context) {
	defer s.goOffline()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.Settings.ReconnectMinInterval
	bo.MaxInterval = s.cfg.Settings.ReconnectMaxInterval

	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.setState(StateReconnecting)
			wait := bo.NextBackOff()
			s.logger.Warn("backend connect failed, backing off", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		err := s.serve(ctx)
		s.goOffline()
		if ctx.Err() != nil {
			return
		}

		s.setState(StateReconnecting)
		wait := bo.NextBackOff()
		s.logger.Warn("backend connection lost, reconnecting", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connect establishes the backend connection, performs the protocol
// handshake, and runs initial discovery. On success the session is Ready.
func (s *Session) connect(ctx context.Context) error {
	s.setState(StateConnecting)

	// Cap response bodies so a misbehaving backend cannot exhaust memory.
	sizeLimited := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		resp, err := http.DefaultTransport.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		resp.Body = struct {
			io.Reader
			io.Closer
		}{
			Reader: io.LimitReader(resp.Body, maxResponseSize),
			Closer: resp.Body,
		}
		return resp, nil
	})
	httpClient := &http.Client{Transport: sizeLimited, Timeout: 30 * time.Second}
	c, err := client.NewStreamableHttpClient(
		s.cfg.Backend.URL,
		transport.WithHTTPTimeout(30*time.Second),
		transport.WithHTTPBasicClient(httpClient),
	)
	if err != nil {
		return fmt.Errorf("%w: creating client for %s: %v", ErrBackendUnreachable, s.cfg.Backend.URL, err)
	}

	c.OnNotification(func(n mcp.JSONRPCNotification) {
		if n.Method == "notifications/tools/list_changed" {
			select {
			case s.rediscover <- struct{}{}:
			default:
			}
		}
	})

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := c.Start(connectCtx); err != nil {
		_ = c.Close()
		return fmt.Errorf("%w: starting connection to %s: %v", ErrBackendUnreachable, s.cfg.Backend.URL, err)
	}

	s.setState(StateDiscovering)
	result, err := c.Initialize(connectCtx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "fold-bridge",
				Version: "0.1.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("%w: initializing %s: %v", ErrBackendUnreachable, s.cfg.Backend.ID, err)
	}

	toolsSupported := result.Capabilities.Tools != nil
	ops, err := s.discover(ctx, c, toolsSupported)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("%w: discovering %s: %v", ErrBackendUnreachable, s.cfg.Backend.ID, err)
	}

	s.mu.Lock()
	s.client = c
	s.inflight = &sync.WaitGroup{}
	s.toolsSupported = toolsSupported
	s.probeFailures = 0
	s.state = StateReady
	s.mu.Unlock()

	s.logger.Info("=== BACKEND CONNECTED ===",
		"url", s.cfg.Backend.URL,
		"operations", len(ops),
	)
	s.cfg.OnOperations(ops)
	return nil
}

// serve runs the Ready/Degraded loop: periodic rediscovery, push-triggered
// rediscovery, and degraded-mode probing. Returns when the session must
// tear down and reconnect.
func (s *Session) serve(ctx context.Context) error {
	discoveryTick := time.NewTicker(s.cfg.Settings.DiscoveryInterval)
	defer discoveryTick.Stop()
	probeTick := time.NewTicker(s.cfg.Settings.ProbeInterval)
	defer probeTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-discoveryTick.C:
			if s.State() != StateReady {
				continue
			}
			if err := s.refresh(ctx); err != nil {
				s.logger.Warn("periodic rediscovery failed", "error", err)
				s.markDegraded()
			}

		case <-s.rediscover:
			if s.State() != StateReady {
				continue
			}
			s.logger.Info("capabilities-changed notification received")
			if err := s.refresh(ctx); err != nil {
				s.logger.Warn("push-triggered rediscovery failed", "error", err)
				s.markDegraded()
			}

		case <-s.degraded:
			// State already flipped by markDegraded; fall through to the
			// probe ticker for recovery attempts.

		case <-probeTick.C:
			if s.State() != StateDegraded {
				continue
			}
			if err := s.refresh(ctx); err != nil {
				s.mu.Lock()
				s.probeFailures++
				failures := s.probeFailures
				s.mu.Unlock()
				s.logger.Warn("recovery probe failed", "error", err, "consecutive_failures", failures)
				if failures >= maxProbeFailures {
					return fmt.Errorf("%d consecutive probe failures: %w", failures, err)
				}
				continue
			}
			s.mu.Lock()
			s.probeFailures = 0
			s.state = StateReady
			s.mu.Unlock()
			s.logger.Info("backend recovered from degraded state")
		}
	}
}

// refresh re-runs discovery on the existing connection and applies the
// fresh capability set.
func (s *Session) refresh(ctx context.Context) error {
	s.mu.RLock()
	c := s.client
	toolsSupported := s.toolsSupported
	s.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("%w: no active connection", ErrBackendUnavailable)
	}
	// The backend opted out of tools at handshake; its zero routes were
	// registered at connect time and there is nothing to list.
	if !toolsSupported {
		return nil
	}

	ops, err := s.discover(ctx, c, true)
	if err != nil {
		return err
	}
	s.cfg.OnOperations(ops)
	return nil
}

// discover lists the backend's tools and converts them to operation
// descriptors. A backend that advertises no tool capability, or returns an
// empty or partially malformed list, yields a valid zero-or-reduced set
// rather than an error.
func (s *Session) discover(ctx context.Context, c *client.Client, toolsSupported bool) ([]route.Operation, error) {
	if !toolsSupported {
		s.logger.Info("backend does not advertise tool capability, registering zero routes")
		return nil, nil
	}

	listCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	result, err := c.ListTools(listCtx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	ops := make([]route.Operation, 0, len(result.Tools))
	for _, tool := range result.Tools {
		op, err := operationFromTool(tool)
		if err != nil {
			s.logger.Warn("skipping malformed operation descriptor", "operation", tool.Name, "error", err)
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// operationFromTool converts one wire-format tool description into an
// operation descriptor. Schemas are taken from the tool's wire encoding so
// backend-specific constructs survive verbatim.
func operationFromTool(tool mcp.Tool) (route.Operation, error) {
	if tool.Name == "" {
		return route.Operation{}, fmt.Errorf("tool has no name")
	}

	wire, err := json.Marshal(tool)
	if err != nil {
		return route.Operation{}, fmt.Errorf("encoding tool %q: %w", tool.Name, err)
	}
	var parsed struct {
		InputSchema  json.RawMessage `json:"inputSchema"`
		OutputSchema json.RawMessage `json:"outputSchema"`
	}
	if err := json.Unmarshal(wire, &parsed); err != nil {
		return route.Operation{}, fmt.Errorf("decoding tool %q: %w", tool.Name, err)
	}

	readOnly := tool.Annotations.ReadOnlyHint != nil && *tool.Annotations.ReadOnlyHint

	return route.Operation{
		Name:         tool.Name,
		Description:  tool.Description,
		InputSchema:  parsed.InputSchema,
		OutputSchema: parsed.OutputSchema,
		ReadOnly:     readOnly,
	}, nil
}

// Invoke forwards one invocation to the backend. The caller's context
// carries the deadline and cancellation signal; both are enforced here.
// Invocations are bounded by the per-backend concurrency limit: when no
// slot frees up within the overload grace period the call fails with
// ErrBackendOverloaded instead of queueing unboundedly.
func (s *Session) Invoke(ctx context.Context, operation string, args map[string]any) (json.RawMessage, error) {
	s.mu.RLock()
	state := s.state
	c := s.client
	inflight := s.inflight
	inflight.Add(1)
	s.mu.RUnlock()
	defer inflight.Done()

	switch state {
	case StateReady:
		// proceed
	case StateDegraded:
		return nil, fmt.Errorf("%w: backend %s operation %s: backend is degraded",
			ErrBackendUnavailable, s.cfg.Backend.ID, operation)
	default:
		return nil, fmt.Errorf("%w: backend %s operation %s: backend is %s",
			ErrBackendUnavailable, s.cfg.Backend.ID, operation, state)
	}

	grace := s.cfg.Settings.OverloadGrace
	if grace <= 0 {
		grace = config.DefaultOverloadGrace
	}
	slotCtx, cancel := context.WithTimeout(ctx, grace)
	err := s.slots.Acquire(slotCtx, 1)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, s.wrapInvokeError(ctx, ctx.Err(), operation)
		}
		return nil, fmt.Errorf("%w: backend %s operation %s: concurrency limit %d reached",
			ErrBackendOverloaded, s.cfg.Backend.ID, operation, s.cfg.Backend.ConcurrencyLimit)
	}
	defer s.slots.Release(1)

	result, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      operation,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, s.wrapInvokeError(ctx, err, operation)
	}

	if result.IsError {
		msg := "tool execution error"
		if len(result.Content) > 0 {
			if text, ok := mcp.AsTextContent(result.Content[0]); ok && text.Text != "" {
				msg = text.Text
			}
		}
		return nil, &BusinessError{
			Backend:   s.cfg.Backend.ID,
			Operation: operation,
			Message:   msg,
		}
	}

	return resultPayload(result)
}

// wrapInvokeError maps a transport-level invocation failure onto the error
// taxonomy. Connection failures flip the session to Degraded; deadline and
// cancellation outcomes do not, since they say nothing about the backend's
// health.
func (s *Session) wrapInvokeError(ctx context.Context, err error, operation string) error {
	id := s.cfg.Backend.ID

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: backend %s operation %s: %v", ErrInvocationTimeout, id, operation, err)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return fmt.Errorf("backend %s operation %s: %w", id, operation, context.Canceled)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: backend %s operation %s: %v", ErrInvocationTimeout, id, operation, err)
	}

	s.markDegraded()
	return fmt.Errorf("%w: backend %s operation %s: %v", ErrBackendUnavailable, id, operation, err)
}

// resultPayload extracts the canonical JSON response from a tool result.
// Structured content wins; otherwise the first text content is used as-is
// when it is valid JSON, or wrapped in a text field when it is not.
func resultPayload(result *mcp.CallToolResult) (json.RawMessage, error) {
	if result.StructuredContent != nil {
		out, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return nil, fmt.Errorf("encoding structured result: %w", err)
		}
		return out, nil
	}
	for _, content := range result.Content {
		text, ok := mcp.AsTextContent(content)
		if !ok {
			continue
		}
		if json.Valid([]byte(text.Text)) {
			return json.RawMessage(text.Text), nil
		}
		out, err := json.Marshal(map[string]string{"text": text.Text})
		if err != nil {
			return nil, fmt.Errorf("encoding text result: %w", err)
		}
		return out, nil
	}
	return json.RawMessage(`{}`), nil
}

// markDegraded flips a Ready session to Degraded and wakes the run loop to
// start probing. Existing routes stay registered so callers get a clean
// backend-unavailable error instead of a 404.
func (s *Session) markDegraded() {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return
	}
	s.state = StateDegraded
	s.probeFailures = 0
	s.mu.Unlock()

	s.logger.Warn("backend degraded, probing for recovery")
	select {
	case s.degraded <- struct{}{}:
	default:
	}
}

// goOffline deregisters the backend's routes and retires the connection.
// In-flight invocations already dispatched keep running to their own
// deadline; the old connection is closed once they drain.
func (s *Session) goOffline() {
	s.mu.Lock()
	c := s.client
	inflight := s.inflight
	s.client = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.cfg.OnOffline()
	if c != nil {
		s.retire(c, inflight)
	}
}

// retire closes a replaced connection once the invocations dispatched on it
// finish, bounded by retireDrainTimeout. The drain waits on the old
// connection's own in-flight counter, so invocations on a successor
// connection are never held up behind it.
func (s *Session) retire(c *client.Client, inflight *sync.WaitGroup) {
	go func() {
		drained := make(chan struct{})
		go func() {
			inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(retireDrainTimeout):
			s.logger.Warn("closing retired connection with invocations still in flight")
		}
		if err := c.Close(); err != nil {
			s.logger.Debug("closing retired connection", "error", err)
		}
	}()
}

// setState records a state transition.
func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.logger.Debug("session state change", "from", prev, "to", next)
	}
}
