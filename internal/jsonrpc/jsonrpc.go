// ABOUTME: JSON-RPC 2.0 envelope types shared by the A2A server and the agent client
// ABOUTME: Parsing distinguishes unparsable bodies (-32700) from malformed envelopes (-32600)

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
)

// JSON-RPC 2.0 specification: https://www.jsonrpc.org/specification

// Version is the only protocol version accepted.
const Version = "2.0"

// Standard JSON-RPC error codes
const (
	ParseError     = -32700 // Invalid JSON was received
	InvalidRequest = -32600 // The JSON sent is not a valid Request object
	MethodNotFound = -32601 // The method does not exist / is not available
	InvalidParams  = -32602 // Invalid method parameter(s)
	InternalError  = -32603 // Internal JSON-RPC error
)

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"` // String, number, or null
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RawResponse is a response whose result is decoded lazily.
type RawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("JSON-RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// NewError builds an RPCError.
func NewError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// IDGenerator generates unique request IDs
type IDGenerator struct {
	counter atomic.Int64
}

// Next generates the next request ID
func (g *IDGenerator) Next() string {
	return fmt.Sprintf("%d", g.counter.Add(1))
}

// NewRequest creates a JSON-RPC request with params encoded as JSON.
func NewRequest(id any, method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		raw = b
	}
	return &Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewResponse creates a successful JSON-RPC response
func NewResponse(id any, result any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Result:  result,
	}
}

// NewErrorResponse creates a JSON-RPC error response
func NewErrorResponse(id any, err *RPCError) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   err,
	}
}

// ParseRequest decodes and validates a request envelope. The returned
// request is non-nil whenever the body was valid JSON, so the caller can
// echo its id in the error response.
func ParseRequest(data []byte) (*Request, *RPCError) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		var syntaxErr *json.SyntaxError
		if len(bytes.TrimSpace(data)) == 0 || errors.As(err, &syntaxErr) {
			return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
		}
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request", Data: err.Error()}
	}

	if req.JSONRPC != Version {
		return &req, &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("Invalid JSON-RPC version: %q", req.JSONRPC)}
	}
	if req.Method == "" {
		return &req, &RPCError{Code: InvalidRequest, Message: "Missing method"}
	}
	if len(req.Params) > 0 {
		trimmed := bytes.TrimSpace(req.Params)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return &req, &RPCError{Code: InvalidParams, Message: "params must be an object"}
		}
	}
	return &req, nil
}

// DecodeParams unmarshals request params into v, reporting InvalidParams on failure.
func (r *Request) DecodeParams(v any) *RPCError {
	if len(r.Params) == 0 {
		return &RPCError{Code: InvalidParams, Message: "missing params"}
	}
	dec := json.NewDecoder(bytes.NewReader(r.Params))
	if err := dec.Decode(v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "invalid params", Data: err.Error()}
	}
	return nil
}

// IsNotification checks if a request is a notification (no ID)
func (r *Request) IsNotification() bool {
	return r.ID == nil
}
