// ABOUTME: Operator-side calls against a running coven-runtime: A2A methods and the admin API
// ABOUTME: Backs the send, agents, start, stop, restart and health CLI commands

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/coven-runtime/internal/protocol"
	"github.com/2389/coven-runtime/internal/store"
)

// AgentInfo is the admin API view of a managed agent.
type AgentInfo struct {
	Name                string     `json:"name"`
	State               string     `json:"state"`
	Desired             bool       `json:"desired"`
	Port                int        `json:"port,omitempty"`
	PID                 int        `json:"pid,omitempty"`
	Healthy             bool       `json:"healthy"`
	LastHealthCheck     *time.Time `json:"lastHealthCheck,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	RestartCount        int        `json:"restartCount"`
	LastError           string     `json:"lastError,omitempty"`
	Quarantined         bool       `json:"quarantined"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	Divergence          int        `json:"divergence"`
}

// ReconcileResult reports what one reconcile pass did for an agent.
type ReconcileResult struct {
	Agent      string `json:"agent"`
	Action     string `json:"action,omitempty"`
	Skipped    string `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
	Divergence int    `json:"divergence"`
}

// Readiness is the body of the runtime's readiness probe.
type Readiness struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime"`
	Agents   map[string]string `json:"agents"`
	NotReady []string          `json:"notReady,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func agentPath(agent string) string {
	return "/a2a/" + url.PathEscape(agent)
}

// SendMessage calls message/send on agent and returns the resulting task.
func (c *Client) SendMessage(ctx context.Context, agent string, params protocol.MessageSendParams) (*store.Task, error) {
	var t store.Task
	if err := c.Call(ctx, agentPath(agent), protocol.MethodSend, params, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// StreamMessage calls message/stream on agent. fn receives the SSE event
// name and the JSON-RPC response carried in the frame.
func (c *Client) StreamMessage(ctx context.Context, agent string, params protocol.MessageSendParams, fn func(event string, data []byte) error) error {
	return c.Stream(ctx, agentPath(agent), protocol.MethodStream, params, fn)
}

// GetTask calls tasks/get.
func (c *Client) GetTask(ctx context.Context, agent, taskID string) (*store.Task, error) {
	var t store.Task
	if err := c.Call(ctx, agentPath(agent), protocol.MethodGetTask, protocol.TaskQueryParams{ID: taskID}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask calls tasks/cancel.
func (c *Client) CancelTask(ctx context.Context, agent, taskID string) (*store.Task, error) {
	var t store.Task
	if err := c.Call(ctx, agentPath(agent), protocol.MethodCancelTask, protocol.TaskIDParams{ID: taskID}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListAgents returns every managed agent.
func (c *Client) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	var out struct {
		Agents []AgentInfo `json:"agents"`
	}
	if err := c.getJSON(ctx, "/api/agents", &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// AgentAction posts start, stop or restart for the named agent.
func (c *Client) AgentAction(ctx context.Context, name, action string) (*AgentInfo, error) {
	switch action {
	case "start", "stop", "restart":
	default:
		return nil, fmt.Errorf("unknown agent action %q", action)
	}
	var out AgentInfo
	path := "/api/agents/" + url.PathEscape(name) + "/" + action
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetDesired records whether the named agent should run.
func (c *Client) SetDesired(ctx context.Context, name string, enabled bool) error {
	path := "/api/agents/" + url.PathEscape(name) + "/desired"
	return c.doJSON(ctx, http.MethodPut, path, map[string]bool{"enabled": enabled}, nil)
}

// Reconcile runs a reconcile pass on the runtime and returns its results.
func (c *Client) Reconcile(ctx context.Context) ([]ReconcileResult, error) {
	var out struct {
		Results []ReconcileResult `json:"results"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/reconcile", nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// ListContextTasks returns the tasks stored under a context.
func (c *Client) ListContextTasks(ctx context.Context, contextID string) ([]*store.Task, error) {
	var out struct {
		Tasks []*store.Task `json:"tasks"`
	}
	if err := c.getJSON(ctx, "/api/contexts/"+url.PathEscape(contextID)+"/tasks", &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// DeleteTask removes a finished or paused task.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(taskID), nil, nil)
}

// DeleteContext removes a context and its tasks.
func (c *Client) DeleteContext(ctx context.Context, contextID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/contexts/"+url.PathEscape(contextID), nil, nil)
}

// Ready fetches the readiness probe. A not-ready runtime answers 503 with
// a body, so the body is returned alongside the error.
func (c *Client) Ready(ctx context.Context) (*Readiness, error) {
	var out Readiness
	err := c.getJSON(ctx, "/health/ready", &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		if jerr := json.Unmarshal([]byte(apiErr.Body), &out); jerr == nil && out.Status != "" {
			return &out, err
		}
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks the runtime's liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: HTTP %d", resp.StatusCode)
	}
	return nil
}
