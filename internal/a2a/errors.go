// ABOUTME: A2A application error codes and classification of internal errors into JSON-RPC errors
// ABOUTME: Sentinels from agent, store, task and auth map to stable codes at the protocol boundary

package a2a

import (
	"context"
	"errors"
	"strconv"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/auth"
	"github.com/2389/coven-runtime/internal/jsonrpc"
	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/task"
)

// Application error codes.
const (
	CodeTaskNotFound      = -32001
	CodeInvalidTransition = -32002
	CodeAgentUnavailable  = -32010
	CodeContextNotFound   = -32011
	CodeUnauthorized      = -32012
	CodeForbidden         = -32013
	CodeRateLimited       = -32014
)

var (
	errTaskNotFound    = errors.New("task not found")
	errContextMismatch = errors.New("task does not belong to context")
)

func invalidParams(msg string) *jsonrpc.RPCError {
	return jsonrpc.NewError(jsonrpc.InvalidParams, msg)
}

// toRPCError classifies err. Unknown errors become InternalError without
// leaking their text.
func toRPCError(err error) *jsonrpc.RPCError {
	var rpcErr *jsonrpc.RPCError
	var transErr *task.TransitionError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.As(err, &transErr):
		return &jsonrpc.RPCError{
			Code:    CodeInvalidTransition,
			Message: "Invalid task state transition",
			Data:    map[string]string{"state": string(transErr.From), "event": string(transErr.Event)},
		}
	case errors.Is(err, errTaskNotFound), errors.Is(err, store.ErrNotFound):
		return jsonrpc.NewError(CodeTaskNotFound, "Task not found")
	case errors.Is(err, store.ErrContextNotFound), errors.Is(err, errContextMismatch):
		return jsonrpc.NewError(CodeContextNotFound, "Context not found")
	case errors.Is(err, agent.ErrAgentNotFound):
		return &jsonrpc.RPCError{Code: CodeAgentUnavailable, Message: "Agent unavailable", Data: "unknown agent"}
	case errors.Is(err, agent.ErrAgentUnavailable), errors.Is(err, agent.ErrQuarantined):
		return &jsonrpc.RPCError{Code: CodeAgentUnavailable, Message: "Agent unavailable", Data: err.Error()}
	case errors.Is(err, auth.ErrInvalidCredential), errors.Is(err, auth.ErrExpiredCredential), errors.Is(err, auth.ErrMissingCredential):
		return &jsonrpc.RPCError{Code: CodeUnauthorized, Message: "Unauthorized", Data: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &jsonrpc.RPCError{Code: jsonrpc.InternalError, Message: "Internal error", Data: "deadline exceeded"}
	}
	return jsonrpc.NewError(jsonrpc.InternalError, "Internal error")
}

// codeLabel is the metrics label for a response.
func codeLabel(err *jsonrpc.RPCError) string {
	if err == nil {
		return "ok"
	}
	return strconv.Itoa(err.Code)
}
