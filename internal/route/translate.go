// ABOUTME: Pure translation from backend operation descriptors to canonical routes
// ABOUTME: Deterministic and idempotent so registry swap-on-rediscovery stays safe

package route

import (
	"encoding/json"
	"fmt"
	"strings"
)

// emptyObjectSchema is the permissive schema used when a backend declares no
// schema at all. It accepts any object, so validation never rejects payloads
// the backend itself would accept.
const emptyObjectSchema = `{"type":"object"}`

// Translate converts one Operation into its canonical Route.
//
// The path is derived deterministically from the backend identifier and the
// operation name, so two backends exposing the same operation name never
// collide and the operation name itself is never rewritten. Read-only
// operations with no required input fields become GET routes; everything
// else is POST.
//
// Translation is idempotent: the same Operation always yields a
// byte-identical Route, because schemas are canonicalized with sorted keys.
func Translate(backendID string, op Operation) (Route, error) {
	if backendID == "" {
		return Route{}, fmt.Errorf("backend id is empty")
	}
	if strings.Contains(backendID, "/") {
		return Route{}, fmt.Errorf("backend id %q contains a path separator", backendID)
	}
	if op.Name == "" {
		return Route{}, fmt.Errorf("operation name is empty for backend %q", backendID)
	}
	if strings.Contains(op.Name, "/") {
		return Route{}, fmt.Errorf("operation name %q contains a path separator", op.Name)
	}

	reqSchema, required, err := canonicalizeSchema(op.InputSchema)
	if err != nil {
		return Route{}, fmt.Errorf("canonicalizing input schema for %s/%s: %w", backendID, op.Name, err)
	}
	respSchema, _, err := canonicalizeSchema(op.OutputSchema)
	if err != nil {
		return Route{}, fmt.Errorf("canonicalizing output schema for %s/%s: %w", backendID, op.Name, err)
	}

	method := "POST"
	if op.ReadOnly && len(required) == 0 {
		method = "GET"
	}

	return Route{
		BackendID:      backendID,
		Operation:      op.Name,
		Path:           "/tools/" + backendID + "/" + op.Name,
		Method:         method,
		Description:    op.Description,
		RequestSchema:  reqSchema,
		ResponseSchema: respSchema,
		ReadOnly:       op.ReadOnly,
	}, nil
}

// canonicalizeSchema re-encodes a JSON Schema document with sorted object
// keys and returns the schema's required field names. Unknown or
// backend-specific schema constructs pass through untouched, including
// free-form fields with no type; their descriptions survive verbatim so a
// caller still has guidance even without strict validation.
func canonicalizeSchema(raw json.RawMessage) (json.RawMessage, []string, error) {
	if len(raw) == 0 {
		return json.RawMessage(emptyObjectSchema), nil, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing schema: %w", err)
	}
	if doc == nil {
		return json.RawMessage(emptyObjectSchema), nil, nil
	}

	// encoding/json writes map keys in sorted order, which is what makes
	// re-translation byte-identical.
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding schema: %w", err)
	}

	var required []string
	if reqList, ok := doc["required"].([]any); ok {
		for _, v := range reqList {
			if name, ok := v.(string); ok {
				required = append(required, name)
			}
		}
	}

	return out, required, nil
}
