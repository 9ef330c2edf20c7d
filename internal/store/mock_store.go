// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while honoring the same cascade and not-found rules

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	contexts    map[string]*Context
	tasks       map[string]*Task           // keyed by task ID, without history/artifacts/steps
	taskOrder   []string                   // creation order of task IDs
	messages    map[string][]Message       // keyed by task ID
	artifacts   map[string][]*Artifact     // keyed by task ID
	artifactIdx map[string]*Artifact       // keyed by artifact ID
	steps       map[string][]ExecutionStep // keyed by task ID
	push        map[string]*PushConfig     // keyed by task ID
	desired     map[string]AgentDesired
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		contexts:    make(map[string]*Context),
		tasks:       make(map[string]*Task),
		messages:    make(map[string][]Message),
		artifacts:   make(map[string][]*Artifact),
		artifactIdx: make(map[string]*Artifact),
		steps:       make(map[string][]ExecutionStep),
		push:        make(map[string]*PushConfig),
		desired:     make(map[string]AgentDesired),
	}
}

// EnsureContext returns the context, creating it when missing.
func (m *MockStore) EnsureContext(ctx context.Context, id, agentName string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	c, ok := m.contexts[id]
	if !ok {
		c = &Context{ID: id, AgentName: agentName, CreatedAt: now}
		m.contexts[id] = c
	}
	c.UpdatedAt = now
	cp := *c
	return &cp, nil
}

// GetContext retrieves a context by ID.
func (m *MockStore) GetContext(ctx context.Context, id string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contexts[id]
	if !ok {
		return nil, ErrContextNotFound
	}
	cp := *c
	return &cp, nil
}

// DeleteContext removes a context and its tasks.
func (m *MockStore) DeleteContext(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contexts[id]; !ok {
		return ErrContextNotFound
	}
	delete(m.contexts, id)
	for _, taskID := range append([]string(nil), m.taskOrder...) {
		if t, ok := m.tasks[taskID]; ok && t.ContextID == id {
			m.deleteTaskLocked(taskID)
		}
	}
	return nil
}

// CreateTask stores a new task.
func (m *MockStore) CreateTask(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contexts[t.ContextID]; !ok {
		return ErrContextNotFound
	}

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status.Timestamp.IsZero() {
		t.Status.Timestamp = now
	}

	cp := *t
	cp.Kind = "task"
	cp.History, cp.Artifacts, cp.Steps = nil, nil, nil
	cp.Metadata = copyMap(t.Metadata)
	m.tasks[t.ID] = &cp
	m.taskOrder = append(m.taskOrder, t.ID)
	for _, msg := range t.History {
		msg.Kind = "message"
		msg.TaskID, msg.ContextID = t.ID, t.ContextID
		msg.Parts = append([]Part(nil), msg.Parts...)
		m.messages[t.ID] = append(m.messages[t.ID], msg)
	}
	return nil
}

// UpdateTaskState overwrites the task's status.
func (m *MockStore) UpdateTaskState(ctx context.Context, id string, status TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return nil
}

// GetTask retrieves a task with history, artifacts and steps.
func (m *MockStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	cp.Metadata = copyMap(t.Metadata)
	cp.History = append([]Message(nil), m.messages[id]...)
	for _, a := range m.artifacts[id] {
		cp.Artifacts = append(cp.Artifacts, *a)
	}
	cp.Steps = append([]ExecutionStep(nil), m.steps[id]...)
	return &cp, nil
}

// ListTasksByContext returns the tasks of a context in creation order.
func (m *MockStore) ListTasksByContext(ctx context.Context, contextID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, id := range m.taskOrder {
		t, ok := m.tasks[id]
		if !ok || t.ContextID != contextID {
			continue
		}
		cp := *t
		cp.Metadata = copyMap(t.Metadata)
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteTask removes a task and everything attached to it.
func (m *MockStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	m.deleteTaskLocked(id)
	return nil
}

func (m *MockStore) deleteTaskLocked(id string) {
	delete(m.tasks, id)
	for _, a := range m.artifacts[id] {
		delete(m.artifactIdx, a.ID)
	}
	delete(m.artifacts, id)
	delete(m.messages, id)
	delete(m.steps, id)
	delete(m.push, id)
	for i, tid := range m.taskOrder {
		if tid == id {
			m.taskOrder = append(m.taskOrder[:i], m.taskOrder[i+1:]...)
			break
		}
	}
}

// AppendMessage adds a message to a task's history.
func (m *MockStore) AppendMessage(ctx context.Context, taskID string, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	cp := *msg
	cp.Kind = "message"
	cp.TaskID = taskID
	cp.ContextID = t.ContextID
	cp.Parts = append([]Part(nil), msg.Parts...)
	m.messages[taskID] = append(m.messages[taskID], cp)
	return nil
}

// CreateArtifact stores an artifact.
func (m *MockStore) CreateArtifact(ctx context.Context, a *Artifact) error {
	if len(a.Parts) == 0 {
		return ErrEmptyArtifact
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[a.TaskID]; !ok {
		return ErrNotFound
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	cp.Parts = append([]Part(nil), a.Parts...)
	cp.Metadata = copyMap(a.Metadata)
	m.artifacts[a.TaskID] = append(m.artifacts[a.TaskID], &cp)
	m.artifactIdx[a.ID] = &cp
	return nil
}

// GetArtifactParts returns an artifact's parts.
func (m *MockStore) GetArtifactParts(ctx context.Context, artifactID string) ([]Part, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.artifactIdx[artifactID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Part{}, a.Parts...), nil
}

// ListArtifactsByTask returns a task's artifacts.
func (m *MockStore) ListArtifactsByTask(ctx context.Context, taskID string) ([]*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Artifact{}
	for _, a := range m.artifacts[taskID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// SaveStep inserts or updates a step.
func (m *MockStore) SaveStep(ctx context.Context, step *ExecutionStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[step.TaskID]; !ok {
		return ErrNotFound
	}
	steps := m.steps[step.TaskID]
	for i := range steps {
		if steps[i].ID == step.ID {
			steps[i].Status = step.Status
			steps[i].EndedAt = step.EndedAt
			steps[i].Error = step.Error
			return nil
		}
	}
	steps = append(steps, *step)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Sequence < steps[j].Sequence })
	m.steps[step.TaskID] = steps
	return nil
}

// SetPushConfig stores a push config.
func (m *MockStore) SetPushConfig(ctx context.Context, cfg *PushConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[cfg.TaskID]; !ok {
		return ErrNotFound
	}
	cp := *cfg
	cp.AuthSchemes = append([]string(nil), cfg.AuthSchemes...)
	m.push[cfg.TaskID] = &cp
	return nil
}

// GetPushConfig retrieves a push config.
func (m *MockStore) GetPushConfig(ctx context.Context, taskID string) (*PushConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.push[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

// SetAgentDesired records an agent's desired state.
func (m *MockStore) SetAgentDesired(ctx context.Context, name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.desired[name] = AgentDesired{Name: name, Enabled: enabled, UpdatedAt: time.Now()}
	return nil
}

// ListAgentDesired lists desired states ordered by name.
func (m *MockStore) ListAgentDesired(ctx context.Context) ([]AgentDesired, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentDesired, 0, len(m.desired))
	for _, d := range m.desired {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Compile-time check that MockStore implements Store
var _ Store = (*MockStore)(nil)
