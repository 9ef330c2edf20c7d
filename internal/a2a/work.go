// ABOUTME: Background execution of a task's work against its agent
// ABOUTME: Translates agent work events into steps, artifacts, history and state transitions

package a2a

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-runtime/internal/artifact"
	"github.com/2389/coven-runtime/internal/events"
	"github.com/2389/coven-runtime/internal/protocol"
	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/task"
)

// errWorkFinished ends the agent stream once the task left working.
var errWorkFinished = errors.New("work finished")

// startWork runs the task's work on the server context so it outlives the
// request that started it. Cancel stops it through cancelWork.
func (s *Server) startWork(t *store.Task) *run {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.WorkTimeout)
	r := &run{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if prev, ok := s.running[t.ID]; ok {
		prev.cancel()
	}
	s.running[t.ID] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(r.done)
		defer cancel()
		defer func() {
			s.mu.Lock()
			if s.running[t.ID] == r {
				delete(s.running, t.ID)
			}
			s.mu.Unlock()
		}()
		s.execute(ctx, t)
	}()
	return r
}

// cancelWork signals the task's running work, if any, to stop.
func (s *Server) cancelWork(taskID string) bool {
	s.mu.Lock()
	r, ok := s.running[taskID]
	s.mu.Unlock()
	if ok {
		r.cancel()
	}
	return ok
}

// Running returns the number of tasks with work in flight.
func (s *Server) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Server) execute(ctx context.Context, t *store.Task) {
	logger := s.logger.With("task_id", t.ID, "agent", t.AgentName)

	if t.Status.State == task.StateSubmitted {
		if _, err := s.apply(ctx, t.ID, task.EventStart, nil); err != nil {
			logger.Warn("task could not start", "error", err)
			return
		}
	}

	endpoint, err := s.orch.Endpoint(t.AgentName)
	if err != nil {
		s.failTask(ctx, logger, t.ID, "agent unavailable: "+err.Error())
		return
	}

	req := protocol.WorkRequest{TaskID: t.ID, ContextID: t.ContextID}
	if n := len(t.History); n > 0 {
		last := t.History[n-1]
		req.Message = &last
		req.History = t.History[:n-1]
	}

	w := &worker{s: s, task: t, logger: logger, steps: make(map[string]*store.ExecutionStep), seq: len(t.Steps)}
	started := time.Now()
	err = s.exec.Execute(ctx, endpoint, req, func(ev protocol.WorkEvent) error {
		return w.handle(ctx, ev)
	})

	switch {
	case w.finished:
		logger.Info("work finished", "duration", time.Since(started))
	case errors.Is(ctx.Err(), context.Canceled) && s.ctx.Err() == nil:
		logger.Info("work cancelled", "duration", time.Since(started))
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		s.failTask(ctx, logger, t.ID, "work timed out")
	case s.ctx.Err() != nil:
		s.failTask(ctx, logger, t.ID, "runtime shutting down")
	case err != nil:
		s.failTask(ctx, logger, t.ID, err.Error())
	default:
		s.failTask(ctx, logger, t.ID, "agent ended work without a result")
	}
}

func (s *Server) failTask(ctx context.Context, logger *slog.Logger, taskID, reason string) {
	logger.Warn("task failed", "reason", reason)
	if _, err := s.apply(ctx, taskID, task.EventFail, agentMessage(reason)); err != nil && !errors.Is(err, task.ErrInvalidTransition) {
		logger.Error("recording task failure", "error", err)
	}
}

// worker handles the events of one work run.
type worker struct {
	s        *Server
	task     *store.Task
	logger   *slog.Logger
	steps    map[string]*store.ExecutionStep
	seq      int
	finished bool
}

func (w *worker) handle(ctx context.Context, ev protocol.WorkEvent) error {
	switch ev.Type {
	case protocol.WorkStep:
		return w.step(ctx, ev.Step)
	case protocol.WorkToolResult:
		return w.toolResult(ctx, ev.ToolResult)
	case protocol.WorkMessage:
		return w.message(ctx, ev.Message)
	case protocol.WorkStatus:
		return w.status(ctx, ev.Status)
	case protocol.WorkDone:
		return w.finish(ctx, task.EventComplete, task.StateCompleted, ev.Finish)
	case protocol.WorkError:
		return w.finish(ctx, task.EventFail, task.StateFailed, ev.Finish)
	}
	return nil
}

func (w *worker) step(ctx context.Context, r *protocol.StepReport) error {
	now := time.Now().UTC()
	step, ok := w.steps[r.ID]
	if !ok || r.ID == "" {
		w.seq++
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		step = &store.ExecutionStep{ID: id, TaskID: w.task.ID, Sequence: w.seq, Name: r.Name, StartedAt: now}
		w.steps[id] = step
	}
	step.Status = r.Status
	if step.Status == "" {
		step.Status = store.StepRunning
	}
	step.Error = r.Error
	if step.Status != store.StepRunning {
		step.EndedAt = &now
	}

	if err := w.s.store.SaveStep(context.WithoutCancel(ctx), step); err != nil {
		return err
	}
	snapshot := *step
	w.s.bus.Publish(events.Event{
		Type:      events.StepUpdated,
		Agent:     w.task.AgentName,
		TaskID:    w.task.ID,
		ContextID: w.task.ContextID,
		Step:      &snapshot,
	})
	return nil
}

func (w *worker) toolResult(ctx context.Context, r *protocol.ToolResultReport) error {
	res, err := artifact.Decode(r.Tool, r.Name, r.Payload)
	if err != nil {
		w.logger.Warn("discarding undecodable tool result", "tool", r.Tool, "error", err)
		return nil
	}
	res.TaskID, res.ContextID = w.task.ID, w.task.ContextID

	a := w.s.builder.Build(res)
	if a == nil {
		w.logger.Debug("tool result produced no artifact", "tool", r.Tool)
		return nil
	}
	if err := w.s.store.CreateArtifact(context.WithoutCancel(ctx), a); err != nil {
		return err
	}
	w.s.metrics.IncArtifact(a.Type)
	w.logger.Debug("artifact created", "artifact_id", a.ID, "type", a.Type, "parts", len(a.Parts))
	w.s.bus.Publish(events.Event{
		Type:      events.ArtifactCreated,
		Agent:     w.task.AgentName,
		TaskID:    w.task.ID,
		ContextID: w.task.ContextID,
		Artifact:  a,
	})
	return nil
}

func (w *worker) message(ctx context.Context, m *store.Message) error {
	if m == nil || len(m.Parts) == 0 {
		return nil
	}
	if m.MessageID == "" {
		m.MessageID = uuid.NewString()
	}
	m.Kind = "message"
	m.Role = store.RoleAgent
	m.TaskID, m.ContextID = w.task.ID, w.task.ContextID
	return w.s.store.AppendMessage(context.WithoutCancel(ctx), w.task.ID, m)
}

func (w *worker) status(ctx context.Context, r *protocol.StatusReport) error {
	ev, ok := task.EventFor(r.State)
	if !ok {
		w.logger.Warn("ignoring status report", "state", r.State)
		return nil
	}
	if cur, err := w.s.apply(ctx, w.task.ID, ev, agentMessage(r.Message)); err != nil {
		return w.rejected(cur.State, r.State, err)
	}
	if r.State.Final() {
		w.finished = true
		return errWorkFinished
	}
	return nil
}

func (w *worker) finish(ctx context.Context, ev task.Event, target task.State, r *protocol.FinishReport) error {
	var msg *store.Message
	if r != nil {
		msg = agentMessage(r.Message)
	}
	if cur, err := w.s.apply(ctx, w.task.ID, ev, msg); err != nil {
		return w.rejected(cur.State, target, err)
	}
	w.finished = true
	return errWorkFinished
}

// rejected classifies a refused transition. A task that already ended
// (cancelled while the agent was still reporting) stops the run quietly. A
// report of the state the task is already in changes nothing. Anything else
// is returned so the run fails the task.
func (w *worker) rejected(cur, target task.State, err error) error {
	switch {
	case !errors.Is(err, task.ErrInvalidTransition):
		return err
	case cur.Terminal():
		w.finished = true
		return err
	case cur == target:
		return nil
	}
	w.logger.Warn("agent reported an impossible transition", "state", cur, "target", target)
	return err
}
