// ABOUTME: Maps the error taxonomy onto HTTP status codes and typed bodies
// ABOUTME: Every error names the backend and operation involved

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/fold-bridge/internal/backend"
)

// errorBody is the typed error shape returned for every failed request.
type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Backend   string `json:"backend,omitempty"`
	Operation string `json:"operation,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// classifyError maps an error to its taxonomy code and HTTP status.
func classifyError(err error) (code string, status int) {
	var businessErr *backend.BusinessError
	switch {
	case errors.Is(err, backend.ErrUnknownRoute):
		return "unknown_route", http.StatusNotFound
	case errors.Is(err, backend.ErrValidation):
		return "validation_error", http.StatusBadRequest
	case errors.Is(err, backend.ErrBackendOverloaded):
		return "backend_overloaded", http.StatusTooManyRequests
	case errors.Is(err, backend.ErrBackendUnreachable):
		return "backend_unreachable", http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrBackendUnavailable):
		return "backend_unavailable", http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrInvocationTimeout), errors.Is(err, context.DeadlineExceeded):
		return "invocation_timeout", http.StatusGatewayTimeout
	case errors.Is(err, backend.ErrSchemaViolation):
		return "schema_violation", http.StatusBadGateway
	case errors.As(err, &businessErr):
		return "business_error", http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		// The caller went away; the status is moot but 499 matches common
		// reverse-proxy convention.
		return "request_canceled", 499
	default:
		return "internal_error", http.StatusInternalServerError
	}
}

// writeError renders an error as the typed JSON error body.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error, backendID, operation string) {
	code, status := classifyError(err)

	if code == "schema_violation" {
		// A backend violating its own declared schema is a bug, not an
		// operational condition.
		g.logger.Error("response schema violation", "backend_id", backendID, "operation", operation, "error", err)
	} else {
		g.logger.Debug("request failed", "code", code, "backend_id", backendID, "operation", operation, "error", err)
	}

	body := errorBody{
		Code:      code,
		Message:   err.Error(),
		Backend:   backendID,
		Operation: operation,
		RequestID: middleware.GetReqID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
