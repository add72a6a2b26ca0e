// ABOUTME: Package documentation for the gateway package
// ABOUTME: Covers the HTTP surface, dispatch flow, and lifecycle

// Package gateway orchestrates the fold-bridge server components.
//
// # Overview
//
// The gateway owns the route registry, the backend supervisor, and the
// HTTP server. Inbound requests flow through the dispatcher: registry
// match, request-schema validation, invocation via the owning backend
// session, response-schema validation, reply. A single backend failing
// never prevents requests to other backends from being served.
//
// # HTTP API
//
// The server exposes:
//
//	GET  /health                        liveness
//	GET  /ready                         per-backend state
//	GET  /catalog                       aggregated API description
//	ANY  /tools/{backend}/{operation}   one route per registered operation
//
// Error responses are typed JSON bodies carrying a taxonomy code, the
// backend and operation involved, and the request ID.
//
// # Lifecycle
//
// New wires the components, Run starts the supervisor and serves HTTP
// until the context is canceled, and Shutdown drains everything with a
// bounded grace period. Listeners are plain TCP or a Tailscale tsnet node
// depending on configuration.
package gateway
