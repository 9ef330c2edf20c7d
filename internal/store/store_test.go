// ABOUTME: Contract tests run against both SQLiteStore and MockStore
// ABOUTME: Covers context/task CRUD, history ordering, artifacts, cascades, steps, push configs, desired state

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runtime/internal/task"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func seedTask(t *testing.T, s Store, contextID, taskID string) *Task {
	t.Helper()
	ctx := context.Background()
	_, err := s.EnsureContext(ctx, contextID, "echo")
	require.NoError(t, err)

	tk := &Task{
		ID:        taskID,
		ContextID: contextID,
		AgentName: "echo",
		Status:    TaskStatus{State: task.StateSubmitted},
		Metadata:  map[string]any{"agent": "echo"},
	}
	require.NoError(t, s.CreateTask(ctx, tk))
	return tk
}

func TestStore_ContextLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetContext(ctx, "ctx-1")
		assert.ErrorIs(t, err, ErrContextNotFound)

		c, err := s.EnsureContext(ctx, "ctx-1", "echo")
		require.NoError(t, err)
		assert.Equal(t, "echo", c.AgentName)

		again, err := s.EnsureContext(ctx, "ctx-1", "other")
		require.NoError(t, err)
		assert.Equal(t, "echo", again.AgentName, "existing context keeps its agent")

		require.NoError(t, s.DeleteContext(ctx, "ctx-1"))
		assert.ErrorIs(t, s.DeleteContext(ctx, "ctx-1"), ErrContextNotFound)
	})
}

func TestStore_CreateTaskRequiresContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		err := s.CreateTask(context.Background(), &Task{
			ID:        "t1",
			ContextID: "missing",
			Status:    TaskStatus{State: task.StateSubmitted},
		})
		assert.ErrorIs(t, err, ErrContextNotFound)
	})
}

func TestStore_TaskStateAndHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedTask(t, s, "ctx-1", "t1")

		require.NoError(t, s.AppendMessage(ctx, "t1", NewMessage("m1", RoleUser, TextPart("hello"))))
		require.NoError(t, s.AppendMessage(ctx, "t1", NewMessage("m2", RoleAgent, TextPart("hi"))))

		status := TaskStatus{
			State:   task.StateInputRequired,
			Message: NewMessage("m3", RoleAgent, TextPart("which file?")),
		}
		require.NoError(t, s.UpdateTaskState(ctx, "t1", status))

		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "task", got.Kind)
		assert.Equal(t, task.StateInputRequired, got.Status.State)
		require.NotNil(t, got.Status.Message)
		assert.Equal(t, "which file?", got.Status.Message.Text())
		require.Len(t, got.History, 2)
		assert.Equal(t, "m1", got.History[0].MessageID)
		assert.Equal(t, RoleAgent, got.History[1].Role)
		assert.Equal(t, "ctx-1", got.History[1].ContextID)
		assert.Equal(t, "echo", got.Metadata["agent"])

		assert.ErrorIs(t, s.UpdateTaskState(ctx, "nope", status), ErrNotFound)
		assert.ErrorIs(t, s.AppendMessage(ctx, "nope", NewMessage("m9", RoleUser)), ErrNotFound)
		_, err = s.GetTask(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_CreateTaskWithHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.EnsureContext(ctx, "ctx-1", "echo")
		require.NoError(t, err)

		for _, id := range []string{"t1", "t2"} {
			require.NoError(t, s.CreateTask(ctx, &Task{
				ID:        id,
				ContextID: "ctx-1",
				AgentName: "echo",
				Status:    TaskStatus{State: task.StateSubmitted},
				History:   []Message{*NewMessage("m1", RoleUser, TextPart("hello"))},
			}))
		}

		for _, id := range []string{"t1", "t2"} {
			got, err := s.GetTask(ctx, id)
			require.NoError(t, err)
			require.Len(t, got.History, 1)
			assert.Equal(t, "m1", got.History[0].MessageID)
			assert.Equal(t, id, got.History[0].TaskID)
		}

		// The same client message id may recur within one task too.
		require.NoError(t, s.AppendMessage(ctx, "t1", NewMessage("m1", RoleUser, TextPart("again"))))
		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, got.History, 2)
	})
}

func TestStore_ListTasksByContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedTask(t, s, "ctx-1", "t1")
		time.Sleep(2 * time.Millisecond)
		seedTask(t, s, "ctx-1", "t2")
		seedTask(t, s, "ctx-2", "t3")

		tasks, err := s.ListTasksByContext(ctx, "ctx-1")
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "t1", tasks[0].ID)
		assert.Equal(t, "t2", tasks[1].ID)
	})
}

func TestStore_ArtifactsRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedTask(t, s, "ctx-1", "t1")

		a := &Artifact{
			ID:     "a1",
			TaskID: "t1",
			Name:   "search results",
			Type:   "table",
			Parts: []Part{
				{Kind: PartData, Data: map[string]any{"title": "one"}},
				{Kind: PartText, Text: "two"},
			},
			Metadata: map[string]any{"tool": "search"},
		}
		require.NoError(t, s.CreateArtifact(ctx, a))

		parts, err := s.GetArtifactParts(ctx, "a1")
		require.NoError(t, err)
		require.Len(t, parts, 2)
		assert.Equal(t, "one", parts[0].Data["title"])
		assert.Equal(t, "two", parts[1].Text)

		list, err := s.ListArtifactsByTask(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "table", list[0].Type)
		assert.Equal(t, "search", list[0].Metadata["tool"])
		assert.Len(t, list[0].Parts, 2)

		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, got.Artifacts, 1)
	})
}

func TestStore_EmptyArtifactRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seedTask(t, s, "ctx-1", "t1")
		err := s.CreateArtifact(context.Background(), &Artifact{ID: "a1", TaskID: "t1"})
		assert.ErrorIs(t, err, ErrEmptyArtifact)
	})
}

func TestStore_DeleteTaskCascadesArtifacts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedTask(t, s, "ctx-1", "t1")
		require.NoError(t, s.CreateArtifact(ctx, &Artifact{
			ID: "a1", TaskID: "t1", Type: "text", Parts: []Part{TextPart("x")},
		}))
		require.NoError(t, s.SaveStep(ctx, &ExecutionStep{
			ID: "s1", TaskID: "t1", Sequence: 1, Name: "plan", Status: StepRunning, StartedAt: time.Now(),
		}))
		require.NoError(t, s.SetPushConfig(ctx, &PushConfig{TaskID: "t1", URL: "https://hook.example"}))

		require.NoError(t, s.DeleteTask(ctx, "t1"))

		artifacts, err := s.ListArtifactsByTask(ctx, "t1")
		require.NoError(t, err)
		assert.Empty(t, artifacts)

		_, err = s.GetArtifactParts(ctx, "a1")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.GetPushConfig(ctx, "t1")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.DeleteTask(ctx, "t1"), ErrNotFound)
	})
}

func TestStore_DeleteContextCascadesTasks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedTask(t, s, "ctx-1", "t1")
		require.NoError(t, s.CreateArtifact(ctx, &Artifact{
			ID: "a1", TaskID: "t1", Type: "text", Parts: []Part{TextPart("x")},
		}))

		require.NoError(t, s.DeleteContext(ctx, "ctx-1"))

		_, err := s.GetTask(ctx, "t1")
		assert.ErrorIs(t, err, ErrNotFound)
		artifacts, err := s.ListArtifactsByTask(ctx, "t1")
		require.NoError(t, err)
		assert.Empty(t, artifacts)
	})
}

func TestStore_StepsUpsertInOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedTask(t, s, "ctx-1", "t1")
		start := time.Now()

		require.NoError(t, s.SaveStep(ctx, &ExecutionStep{ID: "s2", TaskID: "t1", Sequence: 2, Name: "run", Status: StepRunning, StartedAt: start}))
		require.NoError(t, s.SaveStep(ctx, &ExecutionStep{ID: "s1", TaskID: "t1", Sequence: 1, Name: "plan", Status: StepRunning, StartedAt: start}))

		end := start.Add(time.Second)
		require.NoError(t, s.SaveStep(ctx, &ExecutionStep{ID: "s1", TaskID: "t1", Sequence: 1, Name: "plan", Status: StepCompleted, StartedAt: start, EndedAt: &end}))

		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, "s1", got.Steps[0].ID)
		assert.Equal(t, StepCompleted, got.Steps[0].Status)
		require.NotNil(t, got.Steps[0].EndedAt)
		assert.Equal(t, StepRunning, got.Steps[1].Status)

		err = s.SaveStep(ctx, &ExecutionStep{ID: "s9", TaskID: "missing", Sequence: 1, Name: "x", Status: StepRunning, StartedAt: start})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_PushConfig(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedTask(t, s, "ctx-1", "t1")

		_, err := s.GetPushConfig(ctx, "t1")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.SetPushConfig(ctx, &PushConfig{TaskID: "t1", URL: "https://a", Token: "tok", AuthSchemes: []string{"Bearer"}}))
		require.NoError(t, s.SetPushConfig(ctx, &PushConfig{TaskID: "t1", URL: "https://b", AuthSchemes: []string{"Bearer"}}))

		cfg, err := s.GetPushConfig(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "https://b", cfg.URL)
		assert.Empty(t, cfg.Token)
		assert.Equal(t, []string{"Bearer"}, cfg.AuthSchemes)

		assert.ErrorIs(t, s.SetPushConfig(ctx, &PushConfig{TaskID: "missing", URL: "https://a"}), ErrNotFound)
	})
}

func TestStore_AgentDesired(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SetAgentDesired(ctx, "zeta", true))
		require.NoError(t, s.SetAgentDesired(ctx, "alpha", true))
		require.NoError(t, s.SetAgentDesired(ctx, "zeta", false))

		list, err := s.ListAgentDesired(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "alpha", list[0].Name)
		assert.True(t, list[0].Enabled)
		assert.Equal(t, "zeta", list[1].Name)
		assert.False(t, list[1].Enabled)
	})
}
