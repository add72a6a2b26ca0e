// ABOUTME: Package documentation for the backend package
// ABOUTME: Covers sessions, the supervisor, and the error taxonomy

// Package backend connects the bridge to its backend processes.
//
// # Overview
//
// Each configured backend gets one Session owning one connection. The
// session discovers the backend's callable operations, accepts invocation
// calls while Ready, and reconnects with capped exponential backoff when
// the backend goes away. The Supervisor owns all sessions and is the single
// writer to the route registry.
//
// # Lifecycle
//
// A session moves through:
//
//	Disconnected -> Connecting -> Discovering -> Ready -> Degraded -> Reconnecting
//
// Degraded means an invocation hit a transport failure: routes stay
// registered (callers get backend-unavailable, not 404) while a background
// probe attempts recovery. Three consecutive probe failures escalate to
// Reconnecting, which deregisters the routes until the backend is Ready
// again.
//
// # Errors
//
// The package defines the bridge-wide error taxonomy as sentinel errors
// plus the typed BusinessError for backend-reported domain failures. Check
// them with errors.Is and errors.As.
package backend
