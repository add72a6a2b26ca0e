// ABOUTME: Synthetic MCP backends for tests, served over streamable HTTP
// ABOUTME: Supports call counting and runtime tool-set swaps for drift tests

// Package mcptest provides synthetic backend servers for exercising the
// bridge in tests. Backends are real MCP servers speaking streamable HTTP
// on an httptest listener, so tests cover the same protocol path as
// production.
package mcptest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Tool defines one operation a synthetic backend exposes.
type Tool struct {
	Name        string
	Description string

	// InputSchema is a raw JSON Schema document. Empty means an open
	// object schema.
	InputSchema json.RawMessage

	// ReadOnly marks the operation side-effect-free.
	ReadOnly bool

	// Handler produces the structured result. Returning an error turns
	// into a backend-reported business failure, not a transport error.
	Handler func(ctx context.Context, args map[string]any) (map[string]any, error)
}

// Backend is one synthetic backend server.
type Backend struct {
	tb         testing.TB
	mcpServer  *server.MCPServer
	httpServer *httptest.Server

	mu           sync.Mutex
	calls        map[string]int
	listRequests int
	toolNames    []string
}

// NewBackend starts a synthetic backend exposing the given tools. Close it
// with Close when the test is done.
func NewBackend(tb testing.TB, name string, tools ...Tool) *Backend {
	tb.Helper()

	mcpServer := server.NewMCPServer(
		name,
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	b := &Backend{
		tb:        tb,
		mcpServer: mcpServer,
		calls:     make(map[string]int),
	}
	b.register(tools)
	b.serve()
	return b
}

// NewBackendWithoutTools starts a backend that never advertises the tools
// capability. Sessions connecting to it get zero routes and must not issue
// any tools/list calls.
func NewBackendWithoutTools(tb testing.TB, name string) *Backend {
	tb.Helper()

	b := &Backend{
		tb:        tb,
		mcpServer: server.NewMCPServer(name, "1.0.0"),
		calls:     make(map[string]int),
	}
	b.serve()
	return b
}

// serve exposes the MCP server over streamable HTTP, counting tools/list
// requests on the way through.
func (b *Backend) serve() {
	streamableServer := server.NewStreamableHTTPServer(
		b.mcpServer,
		server.WithEndpointPath("/mcp"),
	)
	b.httpServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			body, err := io.ReadAll(r.Body)
			if err == nil {
				if bytes.Contains(body, []byte(`"tools/list"`)) {
					b.mu.Lock()
					b.listRequests++
					b.mu.Unlock()
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
		}
		streamableServer.ServeHTTP(w, r)
	}))
}

// ToolListRequests returns how many tools/list calls the backend has seen.
func (b *Backend) ToolListRequests() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listRequests
}

// URL returns the backend's MCP endpoint.
func (b *Backend) URL() string {
	return b.httpServer.URL + "/mcp"
}

// Close shuts the backend down. Subsequent calls against it fail at the
// transport level, which is how tests simulate a backend going away.
func (b *Backend) Close() {
	b.httpServer.Close()
}

// Calls returns how many times the named tool has been invoked.
func (b *Backend) Calls(tool string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[tool]
}

// SetTools replaces the backend's entire tool set, simulating capability
// drift. The next discovery pass observes the new set.
func (b *Backend) SetTools(tools ...Tool) {
	b.mu.Lock()
	old := b.toolNames
	b.toolNames = nil
	b.mu.Unlock()

	if len(old) > 0 {
		b.mcpServer.DeleteTools(old...)
	}
	b.register(tools)
}

func (b *Backend) register(tools []Tool) {
	for i := range tools {
		tool := tools[i] // capture loop variable for closure

		def := mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
		}
		if len(tool.InputSchema) > 0 {
			def.RawInputSchema = tool.InputSchema
		} else {
			def.InputSchema = mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]any{},
			}
		}
		if tool.ReadOnly {
			def.Annotations = mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}
		}

		b.mcpServer.AddTool(def, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			b.mu.Lock()
			b.calls[tool.Name]++
			b.mu.Unlock()

			args, ok := req.Params.Arguments.(map[string]any)
			if !ok {
				args = make(map[string]any)
			}

			result, err := tool.Handler(ctx, args)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultStructuredOnly(result), nil
		})

		b.mu.Lock()
		b.toolNames = append(b.toolNames, tool.Name)
		b.mu.Unlock()
	}
}

func boolPtr(v bool) *bool {
	return &v
}
