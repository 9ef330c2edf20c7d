// ABOUTME: Fans task events from the bus out to per-task stream subscribers
// ABOUTME: Non-blocking delivery; a subscriber whose queue is full is disconnected

package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-runtime/internal/events"
	"github.com/2389/coven-runtime/internal/metrics"
	"github.com/2389/coven-runtime/internal/protocol"
)

// DefaultBufferSize is the queue length of each subscriber.
const DefaultBufferSize = 64

var (
	// ErrSlowSubscriber is recorded on a subscriber dropped for overflow.
	ErrSlowSubscriber = errors.New("stream subscriber queue overflow")

	// ErrEngineClosed is recorded on subscribers closed by Close.
	ErrEngineClosed = errors.New("stream engine closed")
)

// Update is one serialized stream message. Kind doubles as the SSE event
// name; Data is the JSON-RPC result payload.
type Update struct {
	Kind   string
	TaskID string
	Final  bool
	Data   any
}

// Subscriber receives the updates of one task.
type Subscriber struct {
	id     string
	taskID string
	ch     chan Update

	mu  sync.Mutex
	err error
}

// ID returns the subscriber id.
func (s *Subscriber) ID() string { return s.id }

// C returns the update channel. It is closed when the subscriber is removed.
func (s *Subscriber) C() <-chan Update { return s.ch }

// Err reports why the channel was closed; nil for a normal unsubscribe.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Engine routes task events to subscribers keyed by task id.
type Engine struct {
	bus     *events.Bus
	buffer  int
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[string]*Subscriber // taskID -> subID -> sub
	closed bool
}

// NewEngine creates an engine reading from bus. Call Run to start routing.
func NewEngine(bus *events.Bus, bufferSize int, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		bus:     bus,
		buffer:  bufferSize,
		metrics: m,
		logger:  logger.With("component", "stream"),
		subs:    make(map[string]map[string]*Subscriber),
	}
}

// Run consumes task events until ctx ends. If the bus disconnects the
// engine it resubscribes.
func (e *Engine) Run(ctx context.Context) error {
	for {
		sub, err := e.bus.Subscribe(ctx, events.TaskEvents)
		if err != nil {
			return err
		}
		e.logger.Debug("stream engine subscribed to bus", "sub_id", sub.ID())

		for ev := range sub.C() {
			e.Dispatch(ev)
		}

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(sub.Err(), events.ErrBusClosed) {
			return sub.Err()
		}
		e.logger.Warn("stream engine disconnected from bus, resubscribing", "error", sub.Err())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Subscribe attaches a subscriber to taskID. It is removed when ctx ends.
func (e *Engine) Subscribe(ctx context.Context, taskID string) (*Subscriber, error) {
	sub := &Subscriber{
		id:     uuid.New().String(),
		taskID: taskID,
		ch:     make(chan Update, e.buffer),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if _, ok := e.subs[taskID]; !ok {
		e.subs[taskID] = make(map[string]*Subscriber)
	}
	e.subs[taskID][sub.id] = sub
	e.mu.Unlock()

	e.metrics.AddStreamSubscribers(1)
	e.logger.Debug("subscriber added", "task_id", taskID, "sub_id", sub.id)

	go func() {
		<-ctx.Done()
		e.remove(taskID, sub.id, nil)
	}()
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel.
func (e *Engine) Unsubscribe(taskID, subID string) {
	e.remove(taskID, subID, nil)
}

func (e *Engine) remove(taskID, subID string, reason error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs, ok := e.subs[taskID]
	if !ok {
		return
	}
	sub, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(e.subs, taskID)
	}
	sub.close(reason)
	e.metrics.AddStreamSubscribers(-1)

	e.logger.Debug("subscriber removed", "task_id", taskID, "sub_id", subID, "reason", reason)
}

func (s *Subscriber) close(reason error) {
	s.mu.Lock()
	s.err = reason
	s.mu.Unlock()
	close(s.ch)
}

// Dispatch delivers ev to the subscribers of its task.
func (e *Engine) Dispatch(ev events.Event) {
	u, ok := ToUpdate(ev)
	if !ok {
		return
	}
	e.Publish(u)
}

// Publish delivers u to the subscribers of u.TaskID without blocking.
func (e *Engine) Publish(u Update) {
	var overflow []string

	e.mu.RLock()
	for id, sub := range e.subs[u.TaskID] {
		select {
		case sub.ch <- u:
		default:
			overflow = append(overflow, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range overflow {
		e.logger.Warn("disconnecting slow stream subscriber", "task_id", u.TaskID, "sub_id", id, "kind", u.Kind)
		e.metrics.IncDroppedSubscriber("stream")
		e.remove(u.TaskID, id, ErrSlowSubscriber)
	}
}

// Len returns the number of subscribers attached to taskID.
func (e *Engine) Len(taskID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs[taskID])
}

// Close disconnects every subscriber.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for taskID, subs := range e.subs {
		for id, sub := range subs {
			sub.close(ErrEngineClosed)
			delete(subs, id)
			e.metrics.AddStreamSubscribers(-1)
		}
		delete(e.subs, taskID)
	}
	e.logger.Debug("stream engine closed")
}

// ToUpdate serializes a task event. Status updates for terminal or paused
// states are final.
func ToUpdate(ev events.Event) (Update, bool) {
	switch ev.Type {
	case events.TaskStatusChanged:
		if ev.Status == nil {
			return Update{}, false
		}
		final := ev.Status.State.Final()
		return Update{
			Kind:   protocol.UpdateStatus,
			TaskID: ev.TaskID,
			Final:  final,
			Data: protocol.TaskStatusUpdateEvent{
				Kind:      protocol.UpdateStatus,
				TaskID:    ev.TaskID,
				ContextID: ev.ContextID,
				Status:    *ev.Status,
				Final:     final,
			},
		}, true
	case events.ArtifactCreated:
		if ev.Artifact == nil {
			return Update{}, false
		}
		return Update{
			Kind:   protocol.UpdateArtifact,
			TaskID: ev.TaskID,
			Data: protocol.TaskArtifactUpdateEvent{
				Kind:      protocol.UpdateArtifact,
				TaskID:    ev.TaskID,
				ContextID: ev.ContextID,
				Artifact:  *ev.Artifact,
				LastChunk: true,
			},
		}, true
	case events.StepUpdated:
		if ev.Step == nil {
			return Update{}, false
		}
		return Update{
			Kind:   protocol.UpdateStep,
			TaskID: ev.TaskID,
			Data: protocol.StepUpdateEvent{
				Kind:      protocol.UpdateStep,
				TaskID:    ev.TaskID,
				ContextID: ev.ContextID,
				Step:      *ev.Step,
			},
		}, true
	}
	return Update{}, false
}
