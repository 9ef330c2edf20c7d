// ABOUTME: SSE transport for message/stream and tasks/resubscribe
// ABOUTME: Writes the task snapshot first, then forwards stream updates until a final one

package a2a

import (
	"context"
	"net/http"

	"github.com/2389/coven-runtime/internal/jsonrpc"
	"github.com/2389/coven-runtime/internal/protocol"
	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/stream"
)

// session is an open subscription plus the snapshot written ahead of the
// updates. start, when set, launches the task's work once the snapshot is out.
type session struct {
	sub      *stream.Subscriber
	snapshot *store.Task
	start    func()
}

func (s *Server) serveStream(ctx context.Context, w http.ResponseWriter, c *call, fn streamFunc) {
	method, id := c.req.Method, c.req.ID
	logger := s.logger.With("agent", c.agent, "method", method)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, err := fn(ctx, c)
	if err != nil {
		rpcErr := toRPCError(err)
		if rpcErr.Code == jsonrpc.InternalError {
			logger.Error("stream setup failed", "error", err)
		}
		s.reply(w, method, id, nil, rpcErr)
		return
	}
	taskID := sess.snapshot.ID
	defer s.streams.Unsubscribe(taskID, sess.sub.ID())

	s.metrics.IncRPC(method, codeLabel(nil))
	if !stream.PrepareSSE(w) {
		logger.Warn("response writer cannot stream")
	}
	if err := stream.WriteSSE(w, protocol.UpdateTask, jsonrpc.NewResponse(id, sess.snapshot)); err != nil {
		if sess.start != nil {
			sess.start()
		}
		return
	}

	switch {
	case sess.start != nil:
		sess.start()
	case sess.snapshot.Status.State.Final():
		return
	}

	logger.Debug("stream open", "task_id", taskID)
	for {
		select {
		case <-ctx.Done():
			logger.Debug("stream client gone", "task_id", taskID)
			return
		case u, ok := <-sess.sub.C():
			if !ok {
				if err := sess.sub.Err(); err != nil {
					logger.Warn("stream subscriber dropped", "task_id", taskID, "error", err)
					stream.WriteSSE(w, "error", jsonrpc.NewErrorResponse(id, &jsonrpc.RPCError{ //nolint:errcheck
						Code:    jsonrpc.InternalError,
						Message: "Stream interrupted",
						Data:    err.Error(),
					}))
				}
				return
			}
			if err := stream.WriteSSE(w, u.Kind, jsonrpc.NewResponse(id, u.Data)); err != nil {
				return
			}
			if u.Final {
				logger.Debug("stream closed on final update", "task_id", taskID)
				return
			}
		}
	}
}
