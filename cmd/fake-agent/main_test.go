// ABOUTME: Tests the fake agent against the runtime's own work-protocol client
// ABOUTME: Covers card discovery and the complete, input-required and failure scripts

package main

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runtime/internal/client"
	"github.com/2389/coven-runtime/internal/protocol"
	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/task"
)

func newAgentServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer((&agent{name: "Echo Agent"}).handler())
	t.Cleanup(srv.Close)
	return srv
}

func runWork(t *testing.T, srv *httptest.Server, text string) []protocol.WorkEvent {
	t.Helper()
	var got []protocol.WorkEvent
	err := client.NewExecutor(nil, nil).Execute(t.Context(), srv.URL, protocol.WorkRequest{
		TaskID:  "t1",
		Message: store.NewMessage("m1", store.RoleUser, store.TextPart(text)),
	}, func(ev protocol.WorkEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	return got
}

func types(evs []protocol.WorkEvent) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestCard(t *testing.T) {
	srv := newAgentServer(t)
	card, err := client.New(srv.URL).FetchCard(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, "Echo Agent", card.Name)
	assert.True(t, card.Capabilities.Streaming)
}

func TestWork_Completes(t *testing.T) {
	evs := runWork(t, newAgentServer(t), "hello there")

	assert.Equal(t, []string{
		protocol.WorkStep, protocol.WorkStep, protocol.WorkToolResult, protocol.WorkStep,
		protocol.WorkStep, protocol.WorkMessage, protocol.WorkDone,
	}, types(evs))
	assert.JSONEq(t,
		`[{"position":1,"word":"hello","length":5},{"position":2,"word":"there","length":5}]`,
		string(evs[2].ToolResult.Payload))
	assert.Equal(t, "Echo: hello there", evs[6].Finish.Message)
}

func TestWork_AsksForInput(t *testing.T) {
	evs := runWork(t, newAgentServer(t), "ask: which city?")

	last := evs[len(evs)-1]
	require.Equal(t, protocol.WorkStatus, last.Type)
	assert.Equal(t, task.StateInputRequired, last.Status.State)
	assert.Equal(t, "which city?", last.Status.Message)
}

func TestWork_Fails(t *testing.T) {
	evs := runWork(t, newAgentServer(t), "fail")

	assert.Equal(t, []string{protocol.WorkStep, protocol.WorkStep, protocol.WorkError}, types(evs))
	assert.Equal(t, store.StepFailed, evs[1].Step.Status)
}
