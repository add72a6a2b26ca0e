// ABOUTME: End-to-end tests for the bridge HTTP surface
// ABOUTME: Real synthetic backends behind a real dispatcher, registry, and supervisor

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fold-bridge/internal/config"
	"github.com/2389/fold-bridge/internal/mcptest"
)

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"text": {"type": "string"}},
	"required": ["text"]
}`)

func echoTool() mcptest.Tool {
	return mcptest.Tool{
		Name:        "echo",
		Description: "Returns the input text",
		InputSchema: echoSchema,
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"text": args["text"]}, nil
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(backends ...config.BackendConfig) *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Backends: backends,
		Invoke: config.InvokeConfig{
			DefaultTimeout: 5 * time.Second,
			OverloadGrace:  50 * time.Millisecond,
		},
		Discovery: config.DiscoveryConfig{
			Interval:      100 * time.Millisecond,
			ProbeInterval: 50 * time.Millisecond,
		},
		Reconnect: config.ReconnectConfig{
			MinInterval: 20 * time.Millisecond,
			MaxInterval: 200 * time.Millisecond,
		},
	}
}

// newTestGateway wires a gateway with its supervisor running and serves its
// handler on an httptest listener.
func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server) {
	t.Helper()

	g, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, g.supervisor.Start(ctx, cfg.Backends))
	t.Cleanup(func() {
		cancel()
		g.supervisor.Close()
	})

	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return g, srv
}

func waitForCatalogRoute(t *testing.T, srv *httptest.Server, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		doc := fetchCatalog(t, srv)
		for _, rt := range doc.Routes {
			if rt.Path == path {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "route %s never appeared in catalog", path)
}

func fetchCatalog(t *testing.T, srv *httptest.Server) catalogDocument {
	t.Helper()
	resp, err := http.Get(srv.URL + "/catalog")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc catalogDocument
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	return doc
}

func postJSON(t *testing.T, url string, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeErrorBody(t *testing.T, data []byte) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(data, &body))
	return body
}

func TestEchoRoundTrip(t *testing.T) {
	be := mcptest.NewBackend(t, "alpha", echoTool())
	defer be.Close()

	_, srv := newTestGateway(t, testConfig(config.BackendConfig{
		ID: "alpha", URL: be.URL(), ConcurrencyLimit: 4,
	}))
	waitForCatalogRoute(t, srv, "/tools/alpha/echo")

	resp, data := postJSON(t, srv.URL+"/tools/alpha/echo", `{"text":"ping"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"text":"ping"}`, string(data))

	doc := fetchCatalog(t, srv)
	require.Len(t, doc.Routes, 1)
	rt := doc.Routes[0]
	assert.Equal(t, "/tools/alpha/echo", rt.Path)
	assert.Equal(t, http.MethodPost, rt.Method)
	assert.Equal(t, "alpha", rt.Backend)
	assert.Equal(t, "echo", rt.Operation)
	assert.Contains(t, string(rt.RequestSchema), `"text"`)
	assert.Equal(t, "fold-bridge", doc.Service)
}

func TestValidationRejectsBeforeDispatch(t *testing.T) {
	be := mcptest.NewBackend(t, "alpha", echoTool())
	defer be.Close()

	_, srv := newTestGateway(t, testConfig(config.BackendConfig{
		ID: "alpha", URL: be.URL(), ConcurrencyLimit: 4,
	}))
	waitForCatalogRoute(t, srv, "/tools/alpha/echo")

	resp, data := postJSON(t, srv.URL+"/tools/alpha/echo", `{"text":123}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeErrorBody(t, data)
	assert.Equal(t, "validation_error", body.Code)
	assert.Equal(t, "alpha", body.Backend)
	assert.Equal(t, "echo", body.Operation)
	assert.Contains(t, body.Message, "text")
	assert.NotEmpty(t, body.RequestID)

	// The invalid request must never reach the backend.
	assert.Equal(t, 0, be.Calls("echo"))
}

func TestUnknownRoute(t *testing.T) {
	be := mcptest.NewBackend(t, "alpha", echoTool())
	defer be.Close()

	_, srv := newTestGateway(t, testConfig(config.BackendConfig{
		ID: "alpha", URL: be.URL(), ConcurrencyLimit: 4,
	}))
	waitForCatalogRoute(t, srv, "/tools/alpha/echo")

	resp, data := postJSON(t, srv.URL+"/tools/ghost/none", `{}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_route", decodeErrorBody(t, data).Code)

	// The path exists but the method does not match the registered route.
	getResp, err := http.Get(srv.URL + "/tools/alpha/echo")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestMalformedBodyRejected(t *testing.T) {
	be := mcptest.NewBackend(t, "alpha", echoTool())
	defer be.Close()

	_, srv := newTestGateway(t, testConfig(config.BackendConfig{
		ID: "alpha", URL: be.URL(), ConcurrencyLimit: 4,
	}))
	waitForCatalogRoute(t, srv, "/tools/alpha/echo")

	resp, data := postJSON(t, srv.URL+"/tools/alpha/echo", `not json`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", decodeErrorBody(t, data).Code)
	assert.Equal(t, 0, be.Calls("echo"))
}

func TestGetRouteCoercesQueryArguments(t *testing.T) {
	be := mcptest.NewBackend(t, "alpha", mcptest.Tool{
		Name:     "lookup",
		ReadOnly: true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"id":      {"type": "integer"},
				"verbose": {"type": "boolean"}
			}
		}`),
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"id": args["id"], "verbose": args["verbose"]}, nil
		},
	})
	defer be.Close()

	_, srv := newTestGateway(t, testConfig(config.BackendConfig{
		ID: "alpha", URL: be.URL(), ConcurrencyLimit: 4,
	}))
	waitForCatalogRoute(t, srv, "/tools/alpha/lookup")

	doc := fetchCatalog(t, srv)
	require.Len(t, doc.Routes, 1)
	require.Equal(t, http.MethodGet, doc.Routes[0].Method)
	assert.True(t, doc.Routes[0].ReadOnly)

	resp, err := http.Get(srv.URL + "/tools/alpha/lookup?id=42&verbose=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.EqualValues(t, 42, out["id"])
	assert.Equal(t, true, out["verbose"])

	badResp, err := http.Get(srv.URL + "/tools/alpha/lookup?id=forty-two")
	require.NoError(t, err)
	defer badResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)
}

func TestBusinessErrorSurfaced(t *testing.T) {
	be := mcptest.NewBackend(t, "alpha", mcptest.Tool{
		Name: "fail",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, assert.AnError
		},
	})
	defer be.Close()

	_, srv := newTestGateway(t, testConfig(config.BackendConfig{
		ID: "alpha", URL: be.URL(), ConcurrencyLimit: 4,
	}))
	waitForCatalogRoute(t, srv, "/tools/alpha/fail")

	resp, data := postJSON(t, srv.URL+"/tools/alpha/fail", `{}`)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	body := decodeErrorBody(t, data)
	assert.Equal(t, "business_error", body.Code)
	assert.Equal(t, "alpha", body.Backend)
	assert.Equal(t, "fail", body.Operation)
}

func TestBackpressureReturnsOverloaded(t *testing.T) {
	release := make(chan struct{})
	be := mcptest.NewBackend(t, "alpha", mcptest.Tool{
		Name: "slow",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return map[string]any{"done": true}, nil
		},
	})
	defer be.Close()

	_, srv := newTestGateway(t, testConfig(config.BackendConfig{
		ID: "alpha", URL: be.URL(), ConcurrencyLimit: 1,
	}))
	waitForCatalogRoute(t, srv, "/tools/alpha/slow")

	type result struct {
		status int
		code   string
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := http.Post(srv.URL+"/tools/alpha/slow", "application/json", bytes.NewBufferString(`{}`))
			if err != nil {
				results <- result{}
				return
			}
			defer resp.Body.Close()
			var code string
			if resp.StatusCode != http.StatusOK {
				var body errorBody
				_ = json.NewDecoder(resp.Body).Decode(&body)
				code = body.Code
			}
			results <- result{status: resp.StatusCode, code: code}
		}()
	}

	var rejected result
	select {
	case rejected = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("no request failed fast under concurrency pressure")
	}
	assert.Equal(t, http.StatusTooManyRequests, rejected.status)
	assert.Equal(t, "backend_overloaded", rejected.code)

	close(release)
	accepted := <-results
	assert.Equal(t, http.StatusOK, accepted.status)
}

func TestFaultIsolationAcrossBackends(t *testing.T) {
	healthy := mcptest.NewBackend(t, "healthy", echoTool())
	defer healthy.Close()
	doomed := mcptest.NewBackend(t, "doomed", echoTool())

	_, srv := newTestGateway(t, testConfig(
		config.BackendConfig{ID: "healthy", URL: healthy.URL(), ConcurrencyLimit: 4},
		config.BackendConfig{ID: "doomed", URL: doomed.URL(), ConcurrencyLimit: 4},
	))
	waitForCatalogRoute(t, srv, "/tools/healthy/echo")
	waitForCatalogRoute(t, srv, "/tools/doomed/echo")

	doomed.Close()

	// The failed backend's routes eventually vanish from the catalog.
	require.Eventually(t, func() bool {
		for _, rt := range fetchCatalog(t, srv).Routes {
			if rt.Backend == "doomed" {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	// Requests to the healthy backend keep succeeding.
	resp, data := postJSON(t, srv.URL+"/tools/healthy/echo", `{"text":"still here"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"text":"still here"}`, string(data))

	resp2, data2 := postJSON(t, srv.URL+"/tools/doomed/echo", `{"text":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
	assert.Equal(t, "unknown_route", decodeErrorBody(t, data2).Code)
}

func TestCatalogTracksCapabilityDrift(t *testing.T) {
	makeTool := func(name string) mcptest.Tool {
		return mcptest.Tool{
			Name: name,
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return map[string]any{"ok": true}, nil
			},
		}
	}

	be := mcptest.NewBackend(t, "alpha", makeTool("a"), makeTool("b"))
	defer be.Close()

	_, srv := newTestGateway(t, testConfig(config.BackendConfig{
		ID: "alpha", URL: be.URL(), ConcurrencyLimit: 4,
	}))
	waitForCatalogRoute(t, srv, "/tools/alpha/a")
	waitForCatalogRoute(t, srv, "/tools/alpha/b")

	be.SetTools(makeTool("b"), makeTool("c"))

	// Every catalog observation during the swap must list the surviving
	// operation; the catalog is rendered fresh per request.
	deadline := time.Now().Add(5 * time.Second)
	for {
		doc := fetchCatalog(t, srv)
		var hasA, hasB, hasC bool
		for _, rt := range doc.Routes {
			switch rt.Operation {
			case "a":
				hasA = true
			case "b":
				hasB = true
			case "c":
				hasC = true
			}
		}
		require.True(t, hasB, "surviving operation missing from catalog during swap")
		if !hasA && hasC {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("catalog never converged: a=%v c=%v", hasA, hasC)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	_, srv := newTestGateway(t, testConfig())

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// No backends configured counts as ready.
	readyResp, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer readyResp.Body.Close()
	assert.Equal(t, http.StatusOK, readyResp.StatusCode)

	var ready readyResponse
	require.NoError(t, json.NewDecoder(readyResp.Body).Decode(&ready))
	assert.True(t, ready.Ready)
	assert.Empty(t, ready.Backends)
}

func TestClientDisconnectCancelsInvocation(t *testing.T) {
	started := make(chan struct{})
	canceled := make(chan struct{})
	be := mcptest.NewBackend(t, "alpha", mcptest.Tool{
		Name: "wait",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			close(started)
			select {
			case <-ctx.Done():
				close(canceled)
			case <-time.After(10 * time.Second):
			}
			return map[string]any{}, nil
		},
	})
	defer be.Close()

	_, srv := newTestGateway(t, testConfig(config.BackendConfig{
		ID: "alpha", URL: be.URL(), ConcurrencyLimit: 4,
	}))
	waitForCatalogRoute(t, srv, "/tools/alpha/wait")

	reqCtx, cancelReq := context.WithCancel(context.Background())
	defer cancelReq()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		srv.URL+"/tools/alpha/wait", bytes.NewBufferString(`{}`))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if resp != nil {
			resp.Body.Close()
		}
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("invocation never reached the backend")
	}

	// Dropping the inbound connection must abandon the backend call, not
	// leave it running to its own deadline.
	cancelReq()

	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("backend handler never observed the cancellation")
	}
	require.Error(t, <-errCh)
}

func TestReadyReportsUnreachableBackends(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(config.BackendConfig{
		ID: "ghost", URL: "http://127.0.0.1:1/mcp", ConcurrencyLimit: 4,
	}))

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/ready")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			return false
		}
		var ready readyResponse
		if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
			return false
		}
		return !ready.Ready && len(ready.Backends) == 1 && ready.Backends[0].ID == "ghost"
	}, 5*time.Second, 20*time.Millisecond)
}
