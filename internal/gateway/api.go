// ABOUTME: Admin HTTP API for inspecting and controlling agents and pruning stored tasks
// ABOUTME: Handlers translate orchestrator and store errors into HTTP status codes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/store"
)

// adminActionTimeout bounds start, stop and restart requests.
const adminActionTimeout = 2 * time.Minute

// AgentResponse is the admin view of one agent.
type AgentResponse struct {
	agent.Status
	Divergence int `json:"divergence"`
}

// ListAgentsResponse is the response for GET /api/agents.
type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
}

// SetDesiredRequest is the body of PUT /api/agents/{name}/desired.
type SetDesiredRequest struct {
	Enabled *bool `json:"enabled"`
}

// ReconcileResult is one entry of the POST /api/reconcile response.
type ReconcileResult struct {
	Agent      string `json:"agent"`
	Action     string `json:"action,omitempty"`
	Skipped    string `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
	Divergence int    `json:"divergence"`
}

// ContextTasksResponse is the response for GET /api/contexts/{id}/tasks.
type ContextTasksResponse struct {
	Context *store.Context `json:"context"`
	Tasks   []*store.Task  `json:"tasks"`
}

type agentAction string

const (
	actionStart   agentAction = "start"
	actionStop    agentAction = "stop"
	actionRestart agentAction = "restart"
)

func (g *Gateway) agentResponse(st agent.Status) AgentResponse {
	return AgentResponse{Status: st, Divergence: g.reconciler.Divergence(st.Name)}
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	statuses := g.orch.StatusAll()
	resp := ListAgentsResponse{Agents: make([]AgentResponse, 0, len(statuses))}
	for _, st := range statuses {
		resp.Agents = append(resp.Agents, g.agentResponse(st))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleGetAgent handles GET /api/agents/{name}.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	st, err := g.orch.Status(r.PathValue("name"))
	if err != nil {
		g.sendAgentError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, g.agentResponse(st))
}

// handleGetCard handles GET /api/agents/{name}/card. The agent must be running.
func (g *Gateway) handleGetCard(w http.ResponseWriter, r *http.Request) {
	card, err := g.orch.Card(r.Context(), r.PathValue("name"))
	if err != nil {
		g.sendAgentError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, card)
}

// handleAgentAction returns a handler for an explicit lifecycle operation.
// Operator starts bypass quarantine; the response carries the resulting status.
func (g *Gateway) handleAgentAction(action agentAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		ctx, cancel := context.WithTimeout(r.Context(), adminActionTimeout)
		defer cancel()

		var err error
		switch action {
		case actionStart:
			err = g.orch.Start(ctx, name)
		case actionStop:
			err = g.orch.Stop(ctx, name)
		case actionRestart:
			err = g.orch.Restart(ctx, name)
		}
		if err != nil {
			g.logger.Warn("admin agent action failed", "agent", name, "action", action, "error", err)
			g.sendAgentError(w, err)
			return
		}
		g.logger.Info("admin agent action", "agent", name, "action", action)

		st, err := g.orch.Status(name)
		if err != nil {
			g.sendAgentError(w, err)
			return
		}
		g.sendJSON(w, http.StatusOK, g.agentResponse(st))
	}
}

// handleSetDesired handles PUT /api/agents/{name}/desired and wakes the
// reconciler so the change takes effect without waiting for the schedule.
func (g *Gateway) handleSetDesired(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req SetDesiredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Enabled == nil {
		g.sendJSONError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := g.orch.SetDesired(r.Context(), name, *req.Enabled); err != nil {
		g.sendAgentError(w, err)
		return
	}
	g.reconciler.Trigger()
	g.logger.Info("agent desired state changed", "agent", name, "enabled", *req.Enabled)

	st, err := g.orch.Status(name)
	if err != nil {
		g.sendAgentError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, g.agentResponse(st))
}

// handleReconcile handles POST /api/reconcile by running one pass inline.
func (g *Gateway) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminActionTimeout)
	defer cancel()

	results := g.reconciler.Reconcile(ctx)
	resp := make([]ReconcileResult, 0, len(results))
	for _, res := range results {
		out := ReconcileResult{
			Agent:      res.Agent,
			Action:     res.Action,
			Skipped:    res.Skipped,
			Divergence: res.Divergence,
		}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		resp = append(resp, out)
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"results": resp})
}

// handleListContextTasks handles GET /api/contexts/{id}/tasks.
func (g *Gateway) handleListContextTasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := g.store.GetContext(r.Context(), id)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	tasks, err := g.store.ListTasksByContext(r.Context(), id)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	g.sendJSON(w, http.StatusOK, ContextTasksResponse{Context: c, Tasks: tasks})
}

// handleDeleteTask handles DELETE /api/tasks/{id}. Tasks still being worked
// on must be cancelled first.
func (g *Gateway) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := g.store.GetTask(r.Context(), id)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	if !t.Status.State.Final() {
		g.sendJSONError(w, http.StatusConflict, "task is "+t.Status.State.String()+"; cancel it first")
		return
	}
	if err := g.store.DeleteTask(r.Context(), id); err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.logger.Info("task deleted", "task_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteContext handles DELETE /api/contexts/{id}, removing the
// context and all of its tasks.
func (g *Gateway) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tasks, err := g.store.ListTasksByContext(r.Context(), id)
	if err != nil {
		g.sendStoreError(w, err)
		return
	}
	for _, t := range tasks {
		if !t.Status.State.Final() {
			g.sendJSONError(w, http.StatusConflict, "context has active task "+t.ID)
			return
		}
	}
	if err := g.store.DeleteContext(r.Context(), id); err != nil {
		g.sendStoreError(w, err)
		return
	}
	g.logger.Info("context deleted", "context_id", id, "tasks", len(tasks))
	w.WriteHeader(http.StatusNoContent)
}

// agentErrorStatus maps orchestrator errors onto HTTP status codes.
func agentErrorStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrQuarantined), errors.Is(err, agent.ErrRestartCeiling):
		return http.StatusConflict
	case errors.Is(err, agent.ErrAgentUnavailable), errors.Is(err, agent.ErrStartTimeout),
		errors.Is(err, agent.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) sendAgentError(w http.ResponseWriter, err error) {
	g.sendJSONError(w, agentErrorStatus(err), err.Error())
}

func (g *Gateway) sendStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, store.ErrContextNotFound):
		g.sendJSONError(w, http.StatusNotFound, "context not found")
	default:
		g.logger.Error("admin store operation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
