// ABOUTME: Capability publisher rendering the live route set as one document
// ABOUTME: Also serves the health and readiness endpoints

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/2389/fold-bridge/internal/backend"
)

// catalogDocument is the aggregated API description. It is rendered from
// the registry's current snapshot on every request, never cached, so
// registry changes are visible immediately. This document is the sole
// mechanism by which an external caller learns what is callable.
type catalogDocument struct {
	Service     string         `json:"service"`
	GeneratedAt time.Time      `json:"generated_at"`
	Routes      []catalogRoute `json:"routes"`
}

// catalogRoute describes one registered route.
type catalogRoute struct {
	Path           string          `json:"path"`
	Method         string          `json:"method"`
	Backend        string          `json:"backend"`
	Operation      string          `json:"operation"`
	Description    string          `json:"description,omitempty"`
	ReadOnly       bool            `json:"read_only"`
	RequestSchema  json.RawMessage `json:"request_schema"`
	ResponseSchema json.RawMessage `json:"response_schema"`
}

// handleCatalog serves GET /catalog.
func (g *Gateway) handleCatalog(w http.ResponseWriter, r *http.Request) {
	routes := g.registry.Routes()

	doc := catalogDocument{
		Service:     "fold-bridge",
		GeneratedAt: time.Now().UTC(),
		Routes:      make([]catalogRoute, 0, len(routes)),
	}
	for _, rt := range routes {
		doc.Routes = append(doc.Routes, catalogRoute{
			Path:           rt.Path,
			Method:         rt.Method,
			Backend:        rt.BackendID,
			Operation:      rt.Operation,
			Description:    rt.Description,
			ReadOnly:       rt.ReadOnly,
			RequestSchema:  rt.RequestSchema,
			ResponseSchema: rt.ResponseSchema,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(doc)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readyResponse carries per-backend state for operational visibility.
type readyResponse struct {
	Ready    bool                    `json:"ready"`
	Backends []backend.BackendStatus `json:"backends"`
}

// handleReady returns per-backend state. The bridge reports ready when at
// least one configured backend is serving routes, or when none are
// configured at all.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	statuses := g.supervisor.Statuses()

	ready := len(statuses) == 0
	for _, st := range statuses {
		if st.State == backend.StateReady || st.State == backend.StateDegraded {
			ready = true
			break
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResponse{Ready: ready, Backends: statuses})
}
