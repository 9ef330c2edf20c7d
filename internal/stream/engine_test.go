// ABOUTME: Tests for the stream engine and SSE framing
// ABOUTME: Covers routing by task, ordering, final marking, overflow and resubscription

package stream

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runtime/internal/events"
	"github.com/2389/coven-runtime/internal/protocol"
	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/task"
)

func statusEvent(taskID string, state task.State) events.Event {
	return events.Event{
		Type:      events.TaskStatusChanged,
		Agent:     "echo",
		TaskID:    taskID,
		ContextID: "ctx-1",
		Status:    &store.TaskStatus{State: state, Timestamp: time.Now()},
	}
}

func startEngine(t *testing.T, bus *events.Bus, buffer int) *Engine {
	t.Helper()
	e := NewEngine(bus, buffer, nil, nil)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx) //nolint:errcheck
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		e.Close()
	})
	require.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, 5*time.Millisecond)
	return e
}

func recv(t *testing.T, sub *Subscriber) Update {
	t.Helper()
	select {
	case u, ok := <-sub.C():
		require.True(t, ok, "subscriber closed: %v", sub.Err())
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func TestEngine_RoutesByTaskInOrder(t *testing.T) {
	bus := events.NewBus(64, nil)
	defer bus.Close()
	e := startEngine(t, bus, 16)

	a, err := e.Subscribe(t.Context(), "task-a")
	require.NoError(t, err)
	b, err := e.Subscribe(t.Context(), "task-b")
	require.NoError(t, err)

	bus.Publish(statusEvent("task-a", task.StateSubmitted))
	bus.Publish(statusEvent("task-b", task.StateWorking))
	bus.Publish(events.Event{
		Type:   events.StepUpdated,
		Agent:  "echo",
		TaskID: "task-a",
		Step:   &store.ExecutionStep{ID: "s1", TaskID: "task-a", Sequence: 1, Name: "lookup", Status: store.StepRunning},
	})
	bus.Publish(events.Event{
		Type:     events.ArtifactCreated,
		Agent:    "echo",
		TaskID:   "task-a",
		Artifact: &store.Artifact{ID: "art-1", Parts: []store.Part{store.TextPart("hi")}},
	})
	bus.Publish(statusEvent("task-a", task.StateCompleted))

	kinds := []string{}
	for range 4 {
		kinds = append(kinds, recv(t, a).Kind)
	}
	assert.Equal(t, []string{protocol.UpdateStatus, protocol.UpdateStep, protocol.UpdateArtifact, protocol.UpdateStatus}, kinds)

	u := recv(t, b)
	assert.Equal(t, "task-b", u.TaskID)
	assert.False(t, u.Final)
	select {
	case extra := <-b.C():
		t.Fatalf("task-b received a foreign update: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestToUpdate_FinalStates(t *testing.T) {
	cases := map[task.State]bool{
		task.StateSubmitted:     false,
		task.StateWorking:       false,
		task.StateInputRequired: true,
		task.StateAuthRequired:  true,
		task.StateCompleted:     true,
		task.StateFailed:        true,
		task.StateCanceled:      true,
	}
	for state, final := range cases {
		u, ok := ToUpdate(statusEvent("t", state))
		require.True(t, ok)
		assert.Equal(t, final, u.Final, state)
		ev := u.Data.(protocol.TaskStatusUpdateEvent)
		assert.Equal(t, final, ev.Final)
		assert.Equal(t, protocol.UpdateStatus, ev.Kind)
	}

	_, ok := ToUpdate(events.Event{Type: events.ProcessStarted, Agent: "echo"})
	assert.False(t, ok)
	_, ok = ToUpdate(events.Event{Type: events.ArtifactCreated, TaskID: "t"})
	assert.False(t, ok, "artifact event without artifact is ignored")
}

func TestEngine_SlowSubscriberDisconnected(t *testing.T) {
	e := NewEngine(events.NewBus(4, nil), 2, nil, nil)

	slow, err := e.Subscribe(t.Context(), "t")
	require.NoError(t, err)
	fast, err := e.Subscribe(t.Context(), "t")
	require.NoError(t, err)

	drained := make(chan int)
	go func() {
		n := 0
		for range fast.C() {
			n++
			if n == 5 {
				break
			}
		}
		drained <- n
	}()

	for range 5 {
		e.Dispatch(statusEvent("t", task.StateWorking))
		time.Sleep(5 * time.Millisecond)
	}

	for range slow.C() {
	}
	assert.ErrorIs(t, slow.Err(), ErrSlowSubscriber)
	assert.Equal(t, 5, <-drained)
	assert.Equal(t, 1, e.Len("t"))
}

func TestEngine_ContextCancelRemoves(t *testing.T) {
	e := NewEngine(events.NewBus(4, nil), 4, nil, nil)

	ctx, cancel := context.WithCancel(t.Context())
	sub, err := e.Subscribe(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, e.Len("t"))

	cancel()
	require.Eventually(t, func() bool { return e.Len("t") == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.NoError(t, sub.Err())

	e.Close()
	_, err = e.Subscribe(t.Context(), "t")
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngine_ResubscribesAfterBusDrop(t *testing.T) {
	bus := events.NewBus(1, nil)
	defer bus.Close()
	e := startEngine(t, bus, 16)

	sub, err := e.Subscribe(t.Context(), "t")
	require.NoError(t, err)

	// Flood the bus faster than one buffered slot allows; the engine is
	// dropped at least once and must come back.
	for range 200 {
		bus.Publish(statusEvent("other", task.StateWorking))
	}
	require.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		bus.Publish(statusEvent("t", task.StateCompleted))
		select {
		case u := <-sub.C():
			return u.Final
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSSE(&buf, protocol.UpdateStatus, map[string]any{"final": true}))
	assert.Equal(t, "event: status-update\ndata: {\"final\":true}\n\n", buf.String())
}
