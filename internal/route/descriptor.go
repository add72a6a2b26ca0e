// ABOUTME: Operation and route descriptor types shared across the bridge
// ABOUTME: Operations come from backend discovery, routes drive dispatch and the catalog

package route

import "encoding/json"

// Operation is a backend-native description of one callable operation,
// captured at discovery time. Schemas are canonical JSON Schema documents.
// An Operation is immutable once built; a backend that changes its
// capabilities produces a fresh set of Operations.
type Operation struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage

	// ReadOnly is the backend's side-effect classification. Operations
	// without a classification are treated as mutating.
	ReadOnly bool
}

// Route is the canonical, protocol-agnostic form of one operation. It is
// derived deterministically from an Operation and drives both HTTP dispatch
// and the published catalog document.
type Route struct {
	BackendID   string
	Operation   string
	Path        string
	Method      string
	Description string

	// RequestSchema validates inbound payloads before any backend call.
	RequestSchema json.RawMessage

	// ResponseSchema validates backend results before they are returned.
	ResponseSchema json.RawMessage

	ReadOnly bool
}

// Key identifies a route for dispatch lookup.
type Key struct {
	Method string
	Path   string
}

// Key returns the dispatch key for this route.
func (r Route) Key() Key {
	return Key{Method: r.Method, Path: r.Path}
}
