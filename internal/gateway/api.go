// ABOUTME: HTTP dispatcher matching inbound requests to registered routes
// ABOUTME: Validates payloads both ways and forwards to the owning backend session

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/2389/fold-bridge/internal/backend"
	"github.com/2389/fold-bridge/internal/route"
)

// MaxRequestBodySize limits inbound request bodies to 1MB.
const MaxRequestBodySize = 1 << 20

// invokeTimeoutHeader lets a caller tighten the invocation deadline. The
// value is a Go duration string; it can only shorten the configured
// default, never extend it.
const invokeTimeoutHeader = "Invoke-Timeout"

// Invoker dispatches one invocation to the owning backend session.
// Implemented by backend.Supervisor.
type Invoker interface {
	Invoke(ctx context.Context, backendID, operation string, args map[string]any) (json.RawMessage, error)
}

// invocationIDHeader carries a per-invocation correlation ID back to the
// caller, distinct from the HTTP request ID.
const invocationIDHeader = "Invocation-Id"

// handleInvoke serves one registered route. The flow is: registry match,
// request validation, invocation with a bounded deadline, response
// validation, reply.
func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(invocationIDHeader, uuid.NewString())

	rt, ok := g.registry.Lookup(r.Method, r.URL.Path)
	if !ok {
		g.writeError(w, r, fmt.Errorf("%w: no operation registered at %s %s",
			backend.ErrUnknownRoute, r.Method, r.URL.Path), "", "")
		return
	}

	args, err := decodeArgs(r, rt)
	if err != nil {
		g.writeError(w, r, err, rt.BackendID, rt.Operation)
		return
	}

	if err := validatePayload(rt.RequestSchema, args, rt, backend.ErrValidation); err != nil {
		g.writeError(w, r, err, rt.BackendID, rt.Operation)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.invokeDeadline(r, rt.BackendID))
	defer cancel()

	payload, err := g.invoker.Invoke(ctx, rt.BackendID, rt.Operation, args)
	if err != nil {
		g.writeError(w, r, err, rt.BackendID, rt.Operation)
		return
	}

	var response any
	if err := json.Unmarshal(payload, &response); err != nil {
		g.writeError(w, r, fmt.Errorf("%w: backend %s operation %s returned unparseable payload: %v",
			backend.ErrSchemaViolation, rt.BackendID, rt.Operation, err), rt.BackendID, rt.Operation)
		return
	}
	if err := validatePayload(rt.ResponseSchema, response, rt, backend.ErrSchemaViolation); err != nil {
		g.writeError(w, r, err, rt.BackendID, rt.Operation)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// decodeArgs extracts the invocation arguments from the request. POST
// routes carry a JSON object body; GET routes carry query parameters
// coerced to the types their schema declares.
func decodeArgs(r *http.Request, rt route.Route) (map[string]any, error) {
	if r.Method == http.MethodGet {
		return queryArgs(r, rt)
	}

	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, MaxRequestBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading request body: %v", backend.ErrValidation, err)
	}
	if len(body) == 0 {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, fmt.Errorf("%w: request body is not a JSON object: %v", backend.ErrValidation, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// queryArgs converts query parameters to typed arguments using the route's
// request schema. Parameters the schema does not type stay strings.
func queryArgs(r *http.Request, rt route.Route) (map[string]any, error) {
	types := propertyTypes(rt.RequestSchema)

	args := make(map[string]any)
	for name, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		raw := values[0]
		switch types[name] {
		case "integer":
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: field %s: %q is not an integer", backend.ErrValidation, name, raw)
			}
			args[name] = n
		case "number":
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: field %s: %q is not a number", backend.ErrValidation, name, raw)
			}
			args[name] = f
		case "boolean":
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: field %s: %q is not a boolean", backend.ErrValidation, name, raw)
			}
			args[name] = b
		default:
			args[name] = raw
		}
	}
	return args, nil
}

// propertyTypes reads the declared type of each top-level property from a
// request schema. Opaque properties without a type yield no entry.
func propertyTypes(schema json.RawMessage) map[string]string {
	var parsed struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return nil
	}
	types := make(map[string]string, len(parsed.Properties))
	for name, prop := range parsed.Properties {
		types[name] = prop.Type
	}
	return types
}

// validatePayload checks a payload against a JSON Schema and wraps the
// first violation in the given sentinel, naming the offending field.
func validatePayload(schema json.RawMessage, payload any, rt route.Route, sentinel error) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewGoLoader(payload),
	)
	if err != nil {
		return fmt.Errorf("%w: backend %s operation %s: evaluating schema: %v",
			sentinel, rt.BackendID, rt.Operation, err)
	}
	if result.Valid() {
		return nil
	}

	violation := result.Errors()[0]
	return fmt.Errorf("%w: backend %s operation %s: field %s: %s",
		sentinel, rt.BackendID, rt.Operation, violation.Field(), violation.Description())
}

// invokeDeadline derives the invocation deadline: the backend's configured
// timeout (or the global default), tightened by any caller-supplied hint.
func (g *Gateway) invokeDeadline(r *http.Request, backendID string) time.Duration {
	timeout := g.config.Invoke.DefaultTimeout
	for _, b := range g.config.Backends {
		if b.ID == backendID && b.Timeout > 0 {
			timeout = b.Timeout
			break
		}
	}

	if hint := r.Header.Get(invokeTimeoutHeader); hint != "" {
		if d, err := time.ParseDuration(hint); err == nil && d > 0 && d < timeout {
			timeout = d
		}
	}
	return timeout
}
