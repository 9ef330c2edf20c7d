// ABOUTME: Store interface and data types for coven-runtime persistence
// ABOUTME: Defines Context, Task, Message, Part, Artifact, ExecutionStep, PushConfig and agent desired state

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-runtime/internal/task"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrContextNotFound is returned when a context id does not resolve
var ErrContextNotFound = errors.New("context not found")

// ErrEmptyArtifact is returned when an artifact without parts is offered for storage
var ErrEmptyArtifact = errors.New("artifact has no parts")

// Context groups the tasks of one conversation with an agent.
type Context struct {
	ID        string    `json:"id"`
	AgentName string    `json:"agentName"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// PartKind discriminates message and artifact parts.
type PartKind string

const (
	PartText PartKind = "text"
	PartData PartKind = "data"
	PartFile PartKind = "file"
)

// FileContent carries a file either inline (base64) or by reference.
type FileContent struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// Part is one typed content unit of a message or artifact.
type Part struct {
	Kind     PartKind       `json:"kind"`
	Text     string         `json:"text,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	File     *FileContent   `json:"file,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message is one entry of a task's history.
type Message struct {
	Kind      string `json:"kind"`
	MessageID string `json:"messageId"`
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts"`
	TaskID    string `json:"taskId,omitempty"`
	ContextID string `json:"contextId,omitempty"`
}

// TaskStatus is the current state of a task plus an optional status message.
type TaskStatus struct {
	State     task.State `json:"state"`
	Message   *Message   `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Task is a unit of work executed by an agent within a context.
type Task struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	ContextID string          `json:"contextId"`
	AgentName string          `json:"-"`
	Status    TaskStatus      `json:"status"`
	History   []Message       `json:"history,omitempty"`
	Artifacts []Artifact      `json:"artifacts,omitempty"`
	Steps     []ExecutionStep `json:"steps,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"-"`
	UpdatedAt time.Time       `json:"-"`
}

// Artifact is a persisted output of a task built from a tool result.
type Artifact struct {
	ID        string         `json:"artifactId"`
	TaskID    string         `json:"-"`
	Name      string         `json:"name,omitempty"`
	Type      string         `json:"-"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"-"`
}

// StepStatus is the progress of an execution step.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// ExecutionStep records one unit of progress reported while a task runs.
type ExecutionStep struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"taskId"`
	Sequence  int        `json:"sequence"`
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// PushConfig is a stored push notification target for a task.
type PushConfig struct {
	TaskID      string   `json:"taskId"`
	URL         string   `json:"url"`
	Token       string   `json:"token,omitempty"`
	AuthSchemes []string `json:"authSchemes,omitempty"`
}

// AgentDesired is the operator's desired state for an agent.
type AgentDesired struct {
	Name      string
	Enabled   bool
	UpdatedAt time.Time
}

// Store defines the persistence operations the runtime relies on.
type Store interface {
	// Contexts
	EnsureContext(ctx context.Context, id, agentName string) (*Context, error)
	GetContext(ctx context.Context, id string) (*Context, error)
	DeleteContext(ctx context.Context, id string) error

	// Tasks
	CreateTask(ctx context.Context, t *Task) error
	UpdateTaskState(ctx context.Context, id string, status TaskStatus) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasksByContext(ctx context.Context, contextID string) ([]*Task, error)
	DeleteTask(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, taskID string, msg *Message) error

	// Artifacts
	CreateArtifact(ctx context.Context, a *Artifact) error
	GetArtifactParts(ctx context.Context, artifactID string) ([]Part, error)
	ListArtifactsByTask(ctx context.Context, taskID string) ([]*Artifact, error)

	// Execution steps
	SaveStep(ctx context.Context, step *ExecutionStep) error

	// Push notification configs
	SetPushConfig(ctx context.Context, cfg *PushConfig) error
	GetPushConfig(ctx context.Context, taskID string) (*PushConfig, error)

	// Agent desired state
	SetAgentDesired(ctx context.Context, name string, enabled bool) error
	ListAgentDesired(ctx context.Context) ([]AgentDesired, error)

	Close() error
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// NewMessage builds a message with the "message" kind set.
func NewMessage(id string, role Role, parts ...Part) *Message {
	return &Message{Kind: "message", MessageID: id, Role: role, Parts: parts}
}

// Text concatenates the text parts of the message.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}
