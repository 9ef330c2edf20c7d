// ABOUTME: Task creation, resumption and serialized state transitions for the A2A server
// ABOUTME: Every mutation of a task runs under its per-task lock and publishes task-status-changed

package a2a

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-runtime/internal/auth"
	"github.com/2389/coven-runtime/internal/events"
	"github.com/2389/coven-runtime/internal/jsonrpc"
	"github.com/2389/coven-runtime/internal/protocol"
	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/task"
)

// validateSend checks message/send and message/stream params before any
// mutation.
func validateSend(p *protocol.MessageSendParams) *jsonrpc.RPCError {
	m := p.Message
	switch {
	case m == nil:
		return invalidParams("message is required")
	case m.MessageID == "":
		return invalidParams("message.messageId is required")
	case m.Role != store.RoleUser:
		return invalidParams(`message.role must be "user"`)
	case len(m.Parts) == 0:
		return invalidParams("message.parts must not be empty")
	}
	for i, part := range m.Parts {
		if err := validatePart(part); err != "" {
			return invalidParams(fmt.Sprintf("message.parts[%d]: %s", i, err))
		}
	}
	if m.Kind == "" {
		m.Kind = "message"
	}
	return nil
}

func validatePart(p store.Part) string {
	switch p.Kind {
	case store.PartText:
		if p.Text == "" {
			return "text part requires text"
		}
	case store.PartData:
		if p.Data == nil {
			return "data part requires data"
		}
	case store.PartFile:
		if p.File == nil || (p.File.Bytes == "" && p.File.URI == "") {
			return "file part requires bytes or uri"
		}
	default:
		return fmt.Sprintf("unknown part kind %q", p.Kind)
	}
	return ""
}

func dedupeKey(agentName, messageID string) string {
	return agentName + "/" + messageID
}

// submit resolves the agent and creates or resumes the task a message
// addresses. dup reports a repeated messageId, in which case the existing
// task is returned untouched and no work must be started.
func (s *Server) submit(ctx context.Context, agentName string, p *protocol.MessageSendParams) (t *store.Task, dup bool, err error) {
	key := dedupeKey(agentName, p.Message.MessageID)
	if existing, ok := s.dedupe.Lookup(key); ok {
		t, err := s.loadTask(ctx, agentName, existing)
		return t, true, err
	}

	if err := s.orch.EnsureRunning(ctx, agentName, s.opts.AgentWaitTimeout); err != nil {
		return nil, false, err
	}

	if p.Message.TaskID != "" {
		return s.resume(ctx, agentName, key, p.Message)
	}
	return s.create(ctx, agentName, key, p)
}

func (s *Server) create(ctx context.Context, agentName, key string, p *protocol.MessageSendParams) (*store.Task, bool, error) {
	id := uuid.NewString()
	unlock := s.locks.Lock(id)
	if prev, dup := s.dedupe.Claim(key, id); dup {
		unlock()
		t, err := s.loadTask(ctx, agentName, prev)
		return t, true, err
	}
	defer unlock()

	t, err := s.createLocked(ctx, agentName, id, p)
	if err != nil {
		s.dedupe.Forget(key)
		return nil, false, err
	}
	return t, false, nil
}

func (s *Server) createLocked(ctx context.Context, agentName, id string, p *protocol.MessageSendParams) (*store.Task, error) {
	msg := p.Message
	contextID := msg.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}
	c, err := s.store.EnsureContext(ctx, contextID, agentName)
	if err != nil {
		return nil, fmt.Errorf("ensuring context: %w", err)
	}
	if c.AgentName != agentName {
		return nil, fmt.Errorf("context %s belongs to %s: %w", contextID, c.AgentName, errContextMismatch)
	}

	now := time.Now().UTC()
	metadata := map[string]any{}
	maps.Copy(metadata, p.Metadata)
	metadata["agent"] = agentName
	metadata["createdAt"] = now.Format(time.RFC3339Nano)
	if id := auth.FromContext(ctx); id != nil {
		metadata["subject"] = id.Subject
	}

	msg.TaskID, msg.ContextID = id, contextID
	t := &store.Task{
		Kind:      "task",
		ID:        id,
		ContextID: contextID,
		AgentName: agentName,
		Status:    store.TaskStatus{State: task.StateSubmitted, Timestamp: now},
		History:   []store.Message{*msg},
		Metadata:  metadata,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	s.logger.Info("task created", "task_id", id, "context_id", contextID, "agent", agentName)
	return s.store.GetTask(ctx, id)
}

// resume continues a task paused in input-required or auth-required.
func (s *Server) resume(ctx context.Context, agentName, key string, msg *store.Message) (*store.Task, bool, error) {
	unlock := s.locks.Lock(msg.TaskID)
	if prev, dup := s.dedupe.Claim(key, msg.TaskID); dup {
		unlock()
		t, err := s.loadTask(ctx, agentName, prev)
		return t, true, err
	}
	defer unlock()

	t, err := s.resumeLocked(ctx, agentName, msg)
	if err != nil {
		s.dedupe.Forget(key)
		return nil, false, err
	}
	return t, false, nil
}

func (s *Server) resumeLocked(ctx context.Context, agentName string, msg *store.Message) (*store.Task, error) {
	t, err := s.getOwned(ctx, agentName, msg.TaskID)
	if err != nil {
		return nil, err
	}
	if msg.ContextID != "" && msg.ContextID != t.ContextID {
		return nil, fmt.Errorf("task %s is in context %s, not %s: %w", t.ID, t.ContextID, msg.ContextID, errContextMismatch)
	}
	if _, err := s.store.GetContext(ctx, t.ContextID); err != nil {
		return nil, err
	}
	if !t.Status.State.Paused() {
		return nil, &task.TransitionError{From: t.Status.State, Event: task.EventResume}
	}

	msg.ContextID = t.ContextID
	if err := s.store.AppendMessage(ctx, t.ID, msg); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}
	if _, err := s.applyLocked(ctx, t.ID, task.EventResume, nil); err != nil {
		return nil, err
	}
	s.logger.Info("task resumed", "task_id", t.ID, "agent", agentName)
	return s.store.GetTask(ctx, t.ID)
}

// getOwned loads a task and hides tasks of other agents.
func (s *Server) getOwned(ctx context.Context, agentName, taskID string) (*store.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", taskID, errTaskNotFound)
	}
	if err != nil {
		return nil, err
	}
	if t.AgentName != "" && t.AgentName != agentName {
		return nil, fmt.Errorf("%s: %w", taskID, errTaskNotFound)
	}
	return t, nil
}

// loadTask reads a task after any in-flight mutation of it has finished.
func (s *Server) loadTask(ctx context.Context, agentName, taskID string) (*store.Task, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()
	return s.getOwned(ctx, agentName, taskID)
}

// apply moves a task through ev under its lock.
func (s *Server) apply(ctx context.Context, taskID string, ev task.Event, msg *store.Message) (store.TaskStatus, error) {
	unlock := s.locks.Lock(taskID)
	defer unlock()
	return s.applyLocked(ctx, taskID, ev, msg)
}

// applyLocked persists the transition, records msg in the history and
// publishes the new status. Rejected transitions change nothing. Writes
// survive cancellation of ctx so a cancelled run can still record its end.
func (s *Server) applyLocked(ctx context.Context, taskID string, ev task.Event, msg *store.Message) (store.TaskStatus, error) {
	pctx := context.WithoutCancel(ctx)

	t, err := s.store.GetTask(pctx, taskID)
	if err != nil {
		return store.TaskStatus{}, err
	}
	next, err := task.Transition(t.Status.State, ev)
	if err != nil {
		s.logger.Warn("rejected task transition",
			"task_id", taskID,
			"state", t.Status.State,
			"event", ev,
		)
		return t.Status, err
	}

	status := store.TaskStatus{State: next, Message: msg, Timestamp: time.Now().UTC()}
	if msg != nil {
		msg.TaskID, msg.ContextID = taskID, t.ContextID
		if err := s.store.AppendMessage(pctx, taskID, msg); err != nil {
			return t.Status, fmt.Errorf("recording message: %w", err)
		}
	}
	if err := s.store.UpdateTaskState(pctx, taskID, status); err != nil {
		return t.Status, fmt.Errorf("updating task state: %w", err)
	}

	s.logger.Debug("task transition", "task_id", taskID, "from", t.Status.State, "event", ev, "to", next)
	s.bus.Publish(events.Event{
		Type:      events.TaskStatusChanged,
		Agent:     t.AgentName,
		TaskID:    taskID,
		ContextID: t.ContextID,
		Status:    &status,
	})
	return status, nil
}

// agentMessage builds an agent-authored message for status text.
func agentMessage(text string) *store.Message {
	if text == "" {
		return nil
	}
	return store.NewMessage(uuid.NewString(), store.RoleAgent, store.TextPart(text))
}

// trimHistory keeps the last n messages when n is set.
func trimHistory(t *store.Task, n *int) *store.Task {
	if n == nil || *n < 0 || len(t.History) <= *n {
		return t
	}
	t.History = t.History[len(t.History)-*n:]
	return t
}
