// ABOUTME: Package documentation for the route package
// ABOUTME: Covers descriptors, translation, and the concurrent registry

// Package route holds the bridge's canonical routing model.
//
// # Overview
//
// Backends describe their callable operations in their own protocol's
// terms. This package turns those descriptions into canonical routes and
// tracks the live route set:
//
//   - Operation: one backend-native operation captured at discovery time
//   - Translate: pure, deterministic Operation -> Route mapping
//   - Registry: the concurrent route table read on every inbound request
//
// # Concurrency
//
// The Registry separates readers from writers. Writers (the backend
// supervisor) build a fresh immutable snapshot under a mutex and install it
// with an atomic pointer swap. Readers (the dispatcher and catalog) load
// the current snapshot without locking, so a backend's route set is always
// observed fully present or fully absent, never partially.
package route
