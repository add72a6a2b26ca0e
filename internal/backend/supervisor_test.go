// ABOUTME: Tests for the supervisor's registry writes and session lifecycle
// ABOUTME: Covers fault isolation and wholesale capability swaps

package backend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fold-bridge/internal/config"
	"github.com/2389/fold-bridge/internal/mcptest"
	"github.com/2389/fold-bridge/internal/route"
)

func startSupervisor(t *testing.T, backends ...config.BackendConfig) (*Supervisor, *route.Registry) {
	t.Helper()

	registry := route.NewRegistry(testLogger())
	sup := NewSupervisor(SupervisorConfig{
		Registry: registry,
		Settings: testSettings(),
		Logger:   testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sup.Start(ctx, backends))
	t.Cleanup(func() {
		cancel()
		sup.Close()
	})
	return sup, registry
}

func backendSpec(id, url string) config.BackendConfig {
	return config.BackendConfig{ID: id, URL: url, ConcurrencyLimit: 4}
}

func waitForRoute(t *testing.T, registry *route.Registry, method, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := registry.Lookup(method, path)
		return ok
	}, 5*time.Second, 10*time.Millisecond, "route %s %s never registered", method, path)
}

func TestSupervisorRegistersDiscoveredRoutes(t *testing.T) {
	be := mcptest.NewBackend(t, "alpha", echoTool())
	defer be.Close()

	sup, registry := startSupervisor(t, backendSpec("alpha", be.URL()))

	waitForRoute(t, registry, "POST", "/tools/alpha/echo")

	statuses := sup.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "alpha", statuses[0].ID)
	assert.Equal(t, StateReady, statuses[0].State)
	assert.Equal(t, 1, statuses[0].Routes)
}

func TestSupervisorInvoke(t *testing.T) {
	be := mcptest.NewBackend(t, "alpha", echoTool())
	defer be.Close()

	sup, registry := startSupervisor(t, backendSpec("alpha", be.URL()))
	waitForRoute(t, registry, "POST", "/tools/alpha/echo")

	payload, err := sup.Invoke(context.Background(), "alpha", "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(payload))
}

func TestSupervisorInvokeUnconfiguredBackend(t *testing.T) {
	sup, _ := startSupervisor(t)

	_, err := sup.Invoke(context.Background(), "ghost", "echo", map[string]any{})
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestSupervisorRemoveBackendPurgesRoutes(t *testing.T) {
	be := mcptest.NewBackend(t, "alpha", echoTool())
	defer be.Close()

	sup, registry := startSupervisor(t, backendSpec("alpha", be.URL()))
	waitForRoute(t, registry, "POST", "/tools/alpha/echo")

	require.NoError(t, sup.RemoveBackend("alpha"))

	_, ok := registry.Lookup("POST", "/tools/alpha/echo")
	assert.False(t, ok, "removed backend's routes must be deregistered")
	assert.Empty(t, sup.Statuses())

	require.Error(t, sup.RemoveBackend("alpha"))
}

func TestSupervisorFaultIsolation(t *testing.T) {
	healthy := mcptest.NewBackend(t, "healthy", echoTool())
	defer healthy.Close()
	doomed := mcptest.NewBackend(t, "doomed", echoTool())

	_, registry := startSupervisor(t,
		backendSpec("healthy", healthy.URL()),
		backendSpec("doomed", doomed.URL()),
	)
	waitForRoute(t, registry, "POST", "/tools/healthy/echo")
	waitForRoute(t, registry, "POST", "/tools/doomed/echo")

	doomed.Close()

	// The failed backend's routes eventually disappear.
	require.Eventually(t, func() bool {
		_, ok := registry.Lookup("POST", "/tools/doomed/echo")
		return !ok
	}, 10*time.Second, 10*time.Millisecond)

	// The healthy backend is untouched throughout.
	rt, ok := registry.Lookup("POST", "/tools/healthy/echo")
	require.True(t, ok)
	assert.Equal(t, "healthy", rt.BackendID)
}

func TestSupervisorCapabilitySwapHasNoWindow(t *testing.T) {
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

	_, registry := startSupervisor(t, backendSpec("alpha", be.URL()))
	waitForRoute(t, registry, "POST", "/tools/alpha/a")
	waitForRoute(t, registry, "POST", "/tools/alpha/b")

	be.SetTools(makeTool("b"), makeTool("c"))

	// Poll until the new set lands; the surviving route must be resolvable
	// at every observation in between.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, okB := registry.Lookup("POST", "/tools/alpha/b")
		require.True(t, okB, "surviving route vanished during the swap")

		_, okA := registry.Lookup("POST", "/tools/alpha/a")
		_, okC := registry.Lookup("POST", "/tools/alpha/c")
		if !okA && okC {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("capability swap never completed: a=%v c=%v", okA, okC)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSupervisorReAddReplacesSession(t *testing.T) {
	first := mcptest.NewBackend(t, "alpha", echoTool())
	defer first.Close()

	sup, registry := startSupervisor(t, backendSpec("alpha", first.URL()))
	waitForRoute(t, registry, "POST", "/tools/alpha/echo")

	second := mcptest.NewBackend(t, "alpha", mcptest.Tool{
		Name: "shout",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	})
	defer second.Close()

	require.NoError(t, sup.AddBackend(backendSpec("alpha", second.URL())))
	waitForRoute(t, registry, "POST", "/tools/alpha/shout")

	require.Eventually(t, func() bool {
		_, ok := registry.Lookup("POST", "/tools/alpha/echo")
		return !ok
	}, 5*time.Second, 10*time.Millisecond, "old session's routes survived re-add")
}

func TestSupervisorConcurrentReAddKeepsOneSession(t *testing.T) {
	be := mcptest.NewBackend(t, "alpha", echoTool())
	defer be.Close()

	sup, registry := startSupervisor(t, backendSpec("alpha", be.URL()))
	waitForRoute(t, registry, "POST", "/tools/alpha/echo")

	// Hammer re-adds of the same identity from two goroutines. Losing the
	// race is allowed to fail; it must never leave two sessions running.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = sup.AddBackend(backendSpec("alpha", be.URL()))
			}
		}()
	}
	wg.Wait()

	require.Len(t, sup.Statuses(), 1)

	// Removing that one session must leave no orphan still writing routes
	// under the same identity.
	require.NoError(t, sup.RemoveBackend("alpha"))
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.Empty(t, registry.BackendRoutes("alpha"),
			"an orphaned session re-registered routes after removal")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSupervisorAddBeforeStart(t *testing.T) {
	sup := NewSupervisor(SupervisorConfig{
		Registry: route.NewRegistry(testLogger()),
		Settings: testSettings(),
		Logger:   testLogger(),
	})
	require.Error(t, sup.AddBackend(backendSpec("alpha", "http://127.0.0.1:1/mcp")))
}

func TestSupervisorDropsUntranslatableOperations(t *testing.T) {
	be := mcptest.NewBackend(t, "alpha",
		echoTool(),
		mcptest.Tool{
			Name: "bad/name",
			Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return map[string]any{}, nil
			},
		},
	)
	defer be.Close()

	_, registry := startSupervisor(t, backendSpec("alpha", be.URL()))
	waitForRoute(t, registry, "POST", "/tools/alpha/echo")

	routes := registry.BackendRoutes("alpha")
	require.Len(t, routes, 1, "the slash-named operation must be dropped, not registered")
	assert.Equal(t, "echo", routes[0].Operation)
}
