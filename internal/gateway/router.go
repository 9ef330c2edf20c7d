// ABOUTME: HTTP route table for the runtime: protocol endpoints, probes, metrics and the admin API
// ABOUTME: Admin routes sit behind bearer authentication and the admin scope

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/auth"
)

const readyTimeout = 2 * time.Second

// registerRoutes mounts every HTTP endpoint on mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	g.a2a.Register(mux)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{
			Registry: g.registry,
		}))
	}

	admin := http.NewServeMux()
	admin.HandleFunc("GET /api/agents", g.handleListAgents)
	admin.HandleFunc("GET /api/agents/{name}", g.handleGetAgent)
	admin.HandleFunc("GET /api/agents/{name}/card", g.handleGetCard)
	admin.HandleFunc("POST /api/agents/{name}/start", g.handleAgentAction(actionStart))
	admin.HandleFunc("POST /api/agents/{name}/stop", g.handleAgentAction(actionStop))
	admin.HandleFunc("POST /api/agents/{name}/restart", g.handleAgentAction(actionRestart))
	admin.HandleFunc("PUT /api/agents/{name}/desired", g.handleSetDesired)
	admin.HandleFunc("POST /api/reconcile", g.handleReconcile)
	admin.HandleFunc("GET /api/contexts/{id}/tasks", g.handleListContextTasks)
	admin.HandleFunc("DELETE /api/contexts/{id}", g.handleDeleteContext)
	admin.HandleFunc("DELETE /api/tasks/{id}", g.handleDeleteTask)

	mux.Handle("/api/", auth.Middleware(g.validator)(auth.RequireScope(auth.ScopeAdmin)(admin)))
}

// handleHealth is the liveness probe.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK")) //nolint:errcheck
}

// ReadyResponse is the body of the readiness probe.
type ReadyResponse struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime"`
	Agents   map[string]string `json:"agents"`
	NotReady []string          `json:"notReady,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// handleReady reports ready when the store answers and every enabled,
// non-quarantined agent is running.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	resp := ReadyResponse{
		Status: "ready",
		Uptime: time.Since(g.startedAt).Round(time.Second).String(),
		Agents: make(map[string]string),
	}
	status := http.StatusOK

	if _, err := g.store.ListAgentDesired(ctx); err != nil {
		resp.Status = "not ready"
		resp.Error = "store unavailable: " + err.Error()
		status = http.StatusServiceUnavailable
	}

	for _, st := range g.orch.StatusAll() {
		resp.Agents[st.Name] = string(st.State)
		if st.Desired && !st.Quarantined && st.State != agent.StateRunning {
			resp.NotReady = append(resp.NotReady, st.Name)
		}
	}
	if len(resp.NotReady) > 0 {
		resp.Status = "not ready"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}
