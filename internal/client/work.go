// ABOUTME: Agent executor that forwards a task's work to a managed agent over the work protocol
// ABOUTME: Decodes the agent's SSE stream into protocol.WorkEvent callbacks

package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/2389/coven-runtime/internal/protocol"
)

// Work posts req to the agent and delivers each decoded event to fn until
// the stream ends, fn returns an error, or ctx is cancelled.
func (c *Client) Work(ctx context.Context, req protocol.WorkRequest, fn func(protocol.WorkEvent) error) error {
	return c.Stream(ctx, "/", protocol.MethodStream, req, func(event string, data []byte) error {
		ev, known, err := protocol.DecodeWorkEvent(event, data)
		if err != nil {
			return fmt.Errorf("decoding %s event: %w", event, err)
		}
		if !known {
			c.logger.Debug("ignoring unknown agent event", "event", event)
			return nil
		}
		return fn(ev)
	})
}

// Executor runs work against agents reachable over HTTP.
type Executor struct {
	http   *http.Client
	logger *slog.Logger
}

// NewExecutor creates an executor. Pass nil for the default HTTP client.
func NewExecutor(h *http.Client, logger *slog.Logger) *Executor {
	if h == nil {
		h = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{http: h, logger: logger}
}

// Execute forwards req to the agent at endpoint.
func (e *Executor) Execute(ctx context.Context, endpoint string, req protocol.WorkRequest, fn func(protocol.WorkEvent) error) error {
	c := New(endpoint, WithHTTPClient(e.http), WithLogger(e.logger))
	return c.Work(ctx, req, fn)
}
