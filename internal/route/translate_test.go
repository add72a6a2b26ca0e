// ABOUTME: Tests for operation-to-route translation
// ABOUTME: Covers determinism, method selection, namespacing, and opaque field handling

package route

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestTranslateIdempotent(t *testing.T) {
	op := Operation{
		Name:        "search",
		Description: "Full-text search",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"}},"required":["query"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"results":{"type":"array","items":{"type":"string"}}}}`),
	}

	first, err := Translate("crm", op)
	if err != nil {
		t.Fatalf("first translation failed: %v", err)
	}
	second, err := Translate("crm", op)
	if err != nil {
		t.Fatalf("second translation failed: %v", err)
	}

	if !bytes.Equal(first.RequestSchema, second.RequestSchema) {
		t.Errorf("request schemas differ:\n%s\n%s", first.RequestSchema, second.RequestSchema)
	}
	if !bytes.Equal(first.ResponseSchema, second.ResponseSchema) {
		t.Errorf("response schemas differ:\n%s\n%s", first.ResponseSchema, second.ResponseSchema)
	}
	if first.Path != second.Path || first.Method != second.Method {
		t.Errorf("routes differ: %+v vs %+v", first, second)
	}
}

func TestTranslateMethodSelection(t *testing.T) {
	tests := []struct {
		name       string
		op         Operation
		wantMethod string
	}{
		{
			name:       "mutating operation",
			op:         Operation{Name: "create_ticket", InputSchema: json.RawMessage(`{"type":"object"}`)},
			wantMethod: "POST",
		},
		{
			name: "read-only without required fields",
			op: Operation{
				Name:        "list_tickets",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"limit":{"type":"integer"}}}`),
				ReadOnly:    true,
			},
			wantMethod: "GET",
		},
		{
			name: "read-only with required fields",
			op: Operation{
				Name:        "get_ticket",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
				ReadOnly:    true,
			},
			wantMethod: "POST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, err := Translate("desk", tt.op)
			if err != nil {
				t.Fatalf("Translate failed: %v", err)
			}
			if rt.Method != tt.wantMethod {
				t.Errorf("method = %q, want %q", rt.Method, tt.wantMethod)
			}
		})
	}
}

func TestTranslateNamespacesCollidingNames(t *testing.T) {
	op := Operation{Name: "search", InputSchema: json.RawMessage(`{"type":"object"}`)}

	crm, err := Translate("crm", op)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	wiki, err := Translate("wiki", op)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}

	if crm.Path == wiki.Path {
		t.Errorf("paths collide: %q", crm.Path)
	}
	if crm.Operation != "search" || wiki.Operation != "search" {
		t.Errorf("operation names were rewritten: %q, %q", crm.Operation, wiki.Operation)
	}
}

func TestTranslatePreservesOpaqueFields(t *testing.T) {
	op := Operation{
		Name: "run_query",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"params":{"description":"free-form query parameters, passed through unchanged"}}}`),
	}

	rt, err := Translate("db", op)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}

	if !strings.Contains(string(rt.RequestSchema), "free-form query parameters, passed through unchanged") {
		t.Errorf("opaque field description was not preserved: %s", rt.RequestSchema)
	}
}

func TestTranslateDefaultsEmptySchemas(t *testing.T) {
	rt, err := Translate("fs", Operation{Name: "stat"})
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(rt.RequestSchema, &schema); err != nil {
		t.Fatalf("request schema is not valid JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("default request schema = %s, want object schema", rt.RequestSchema)
	}
}

func TestTranslateRejectsInvalidNames(t *testing.T) {
	tests := []struct {
		name      string
		backendID string
		opName    string
	}{
		{"empty backend id", "", "search"},
		{"backend id with slash", "crm/v2", "search"},
		{"empty operation name", "crm", ""},
		{"operation name with slash", "crm", "a/b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Translate(tt.backendID, Operation{Name: tt.opName})
			if err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
