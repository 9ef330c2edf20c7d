// ABOUTME: Tests for the JSON-RPC client, SSE reader, card fetch and work protocol
// ABOUTME: Uses httptest servers standing in for agents and the runtime

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runtime/internal/jsonrpc"
	"github.com/2389/coven-runtime/internal/protocol"
	"github.com/2389/coven-runtime/internal/store"
)

func TestReadSSE(t *testing.T) {
	input := ": comment\n" +
		"event: step\n" +
		"data: {\"a\":1}\n\n" +
		"data: line1\n" +
		"data: line2\n\n" +
		"event: empty\n\n" +
		"event: tail\ndata: x"

	type frame struct{ event, data string }
	var got []frame
	err := ReadSSE(strings.NewReader(input), func(event string, data []byte) error {
		got = append(got, frame{event, string(data)})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []frame{
		{"step", `{"a":1}`},
		{"message", "line1\nline2"},
		{"tail", "x"},
	}, got)
}

func TestReadSSE_StopEarly(t *testing.T) {
	input := "data: 1\n\ndata: 2\n\ndata: 3\n\n"
	count := 0
	err := ReadSSE(strings.NewReader(input), func(string, []byte) error {
		count++
		if count == 2 {
			return io.EOF
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	boom := errors.New("boom")
	err = ReadSSE(strings.NewReader(input), func(string, []byte) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestFetchCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case protocol.DefaultCardPath:
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(protocol.Card{Name: "echo", Version: "1.0"}) //nolint:errcheck
		case "/nameless":
			w.Write([]byte(`{"version":"1"}`)) //nolint:errcheck
		case "/garbage":
			w.Write([]byte(`not json`)) //nolint:errcheck
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("secret"))

	card, err := c.FetchCard(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, "echo", card.Name)

	for _, path := range []string{"nameless", "/garbage", "/missing"} {
		_, err := c.FetchCard(t.Context(), path)
		assert.ErrorIs(t, err, ErrInvalidCard, path)
	}
}

func rpcHandler(t *testing.T, fn func(req *jsonrpc.Request) *jsonrpc.Response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req, rpcErr := jsonrpc.ParseRequest(body)
		require.Nil(t, rpcErr)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fn(req)) //nolint:errcheck
	}
}

func TestCall(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req *jsonrpc.Request) *jsonrpc.Response {
		switch req.Method {
		case protocol.MethodGetTask:
			var p protocol.TaskQueryParams
			require.Nil(t, req.DecodeParams(&p))
			return jsonrpc.NewResponse(req.ID, store.Task{ID: p.ID, Kind: "task"})
		default:
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.MethodNotFound, "method not found"))
		}
	}))
	defer srv.Close()

	c := New(srv.URL)

	got, err := c.GetTask(t.Context(), "echo", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", got.ID)

	err = c.Call(t.Context(), "/", "nope", nil, nil)
	var rpcErr *jsonrpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.MethodNotFound, rpcErr.Code)
}

func TestCall_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL).Call(t.Context(), "/", "x", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func writeFrame(w http.ResponseWriter, event string, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.(http.Flusher).Flush()
}

func TestWork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		body, _ := io.ReadAll(r.Body)
		req, rpcErr := jsonrpc.ParseRequest(body)
		require.Nil(t, rpcErr)
		assert.Equal(t, protocol.MethodStream, req.Method)

		var wr protocol.WorkRequest
		require.Nil(t, req.DecodeParams(&wr))
		assert.Equal(t, "task-1", wr.TaskID)

		w.Header().Set("Content-Type", "text/event-stream")
		writeFrame(w, protocol.WorkStep, protocol.StepReport{ID: "s1", Name: "think", Status: store.StepRunning})
		writeFrame(w, "mystery", map[string]any{})
		writeFrame(w, protocol.WorkToolResult, map[string]any{"tool": "search", "payload": map[string]any{"results": []string{"a"}}})
		writeFrame(w, protocol.WorkMessage, store.NewMessage("m1", store.RoleAgent, store.TextPart("hi "+wr.Message.Text())))
		writeFrame(w, protocol.WorkDone, protocol.FinishReport{})
	}))
	defer srv.Close()

	exec := NewExecutor(nil, nil)
	var types []string
	var reply string
	err := exec.Execute(t.Context(), srv.URL, protocol.WorkRequest{
		TaskID:    "task-1",
		ContextID: "ctx-1",
		Message:   store.NewMessage("u1", store.RoleUser, store.TextPart("there")),
	}, func(ev protocol.WorkEvent) error {
		types = append(types, ev.Type)
		if ev.Message != nil {
			reply = ev.Message.Text()
		}
		if ev.ToolResult != nil {
			assert.JSONEq(t, `{"results":["a"]}`, string(ev.ToolResult.Payload))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.WorkStep, protocol.WorkToolResult, protocol.WorkMessage, protocol.WorkDone}, types)
	assert.Equal(t, "hi there", reply)
}

func TestWork_ErrorAnswer(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req *jsonrpc.Request) *jsonrpc.Response {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.InternalError, "agent exploded"))
	}))
	defer srv.Close()

	err := New(srv.URL).Work(t.Context(), protocol.WorkRequest{TaskID: "t"}, func(protocol.WorkEvent) error {
		t.Fatal("no events expected")
		return nil
	})
	var rpcErr *jsonrpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "agent exploded", rpcErr.Message)
}

func TestAdminCalls(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/agents", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"agents": []AgentInfo{{Name: "echo", State: "running", Port: 9001}}}) //nolint:errcheck
	})
	mux.HandleFunc("POST /api/agents/{name}/{action}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "echo" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"agent not found"}`)) //nolint:errcheck
			return
		}
		json.NewEncoder(w).Encode(AgentInfo{Name: "echo", State: r.PathValue("action")}) //nolint:errcheck
	})
	mux.HandleFunc("PUT /api/agents/{name}/desired", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]bool
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.False(t, body["enabled"])
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/reconcile", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{"agent":"echo","action":"start","divergence":0}]}`)) //nolint:errcheck
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready","agents":{"echo":"failed"},"notReady":["echo"]}`)) //nolint:errcheck
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	ctx := t.Context()

	agents, err := c.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, 9001, agents[0].Port)

	info, err := c.AgentAction(ctx, "echo", "restart")
	require.NoError(t, err)
	assert.Equal(t, "restart", info.State)

	_, err = c.AgentAction(ctx, "ghost", "start")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "agent not found", apiErr.Message)

	_, err = c.AgentAction(ctx, "echo", "explode")
	assert.Error(t, err)

	require.NoError(t, c.SetDesired(ctx, "echo", false))
	require.NoError(t, c.Health(ctx))

	results, err := c.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "start", results[0].Action)

	ready, err := c.Ready(ctx)
	assert.Error(t, err)
	require.NotNil(t, ready)
	assert.Equal(t, []string{"echo"}, ready.NotReady)
	assert.Equal(t, "failed", ready.Agents["echo"])
}
