// ABOUTME: Error taxonomy for backend invocation and dispatch
// ABOUTME: Sentinel errors checked with errors.Is plus the typed BusinessError

package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnreachable indicates a connection to the backend could not
	// be established at all.
	ErrBackendUnreachable = errors.New("backend unreachable")

	// ErrBackendUnavailable indicates the backend was reachable but a
	// transport failure occurred mid-operation.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendOverloaded indicates the backend's concurrency limit was
	// exceeded and no slot freed up within the grace period.
	ErrBackendOverloaded = errors.New("backend overloaded")

	// ErrUnknownRoute indicates no registered route matched the request.
	ErrUnknownRoute = errors.New("unknown route")

	// ErrValidation indicates the request payload failed the route's
	// request schema.
	ErrValidation = errors.New("request validation failed")

	// ErrSchemaViolation indicates a backend response failed the backend's
	// own declared response schema. Always a backend or translation bug.
	ErrSchemaViolation = errors.New("response schema violation")

	// ErrInvocationTimeout indicates the invocation deadline was exceeded.
	ErrInvocationTimeout = errors.New("invocation timed out")
)

// BusinessError is a backend-reported domain failure. It is passed through
// to the caller with the backend's original message preserved.
type BusinessError struct {
	Backend   string
	Operation string
	Message   string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("backend %s operation %s failed: %s", e.Backend, e.Operation, e.Message)
}
