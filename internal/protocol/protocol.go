// ABOUTME: A2A wire types: agent card, method names, request params and stream update events
// ABOUTME: Shared by the protocol server, the stream engine and the agent/runtime clients

package protocol

import (
	"github.com/2389/coven-runtime/internal/store"
)

// DefaultCardPath is where agents publish their card.
const DefaultCardPath = "/.well-known/agent.json"

// A2A JSON-RPC methods.
const (
	MethodSend          = "message/send"
	MethodStream        = "message/stream"
	MethodGetTask       = "tasks/get"
	MethodCancelTask    = "tasks/cancel"
	MethodResubscribe   = "tasks/resubscribe"
	MethodSetPushConfig = "tasks/pushNotificationConfig/set"
	MethodGetPushConfig = "tasks/pushNotificationConfig/get"
)

// Skill is one capability advertised by an agent.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Capabilities advertises optional protocol features.
type Capabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
}

// Card is the discovery document an agent serves.
type Card struct {
	Name                string       `json:"name"`
	Description         string       `json:"description,omitempty"`
	Version             string       `json:"version,omitempty"`
	URL                 string       `json:"url,omitempty"`
	ProtocolVersion     string       `json:"protocolVersion,omitempty"`
	Skills              []Skill      `json:"skills"`
	Capabilities        Capabilities `json:"capabilities"`
	DefaultInputModes   []string     `json:"defaultInputModes,omitempty"`
	DefaultOutputModes  []string     `json:"defaultOutputModes,omitempty"`
	SupportedTransports []string     `json:"supportedTransports,omitempty"`
}

// SendConfiguration tunes message/send.
type SendConfiguration struct {
	Blocking      *bool `json:"blocking,omitempty"`
	HistoryLength *int  `json:"historyLength,omitempty"`
}

// MessageSendParams are the params of message/send and message/stream.
// The message's contextId selects the conversation; its taskId resumes a
// paused task.
type MessageSendParams struct {
	Message       *store.Message     `json:"message"`
	Configuration *SendConfiguration `json:"configuration,omitempty"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
}

// TaskQueryParams are the params of tasks/get.
type TaskQueryParams struct {
	ID            string `json:"id"`
	HistoryLength *int   `json:"historyLength,omitempty"`
}

// TaskIDParams are the params of tasks/cancel, tasks/resubscribe and
// tasks/pushNotificationConfig/get.
type TaskIDParams struct {
	ID string `json:"id"`
}

// PushAuthentication lists the schemes a push receiver accepts.
type PushAuthentication struct {
	Schemes []string `json:"schemes"`
}

// PushNotificationConfig is the target of push notifications.
type PushNotificationConfig struct {
	URL            string              `json:"url"`
	Token          string              `json:"token,omitempty"`
	Authentication *PushAuthentication `json:"authentication,omitempty"`
}

// TaskPushConfig binds a push config to a task.
type TaskPushConfig struct {
	TaskID                 string                 `json:"taskId"`
	PushNotificationConfig PushNotificationConfig `json:"pushNotificationConfig"`
}

// Stream update kinds, also used as SSE event names.
const (
	UpdateTask     = "task"
	UpdateStatus   = "status-update"
	UpdateArtifact = "artifact-update"
	UpdateStep     = "step"
)

// TaskStatusUpdateEvent reports a task state change.
type TaskStatusUpdateEvent struct {
	Kind      string           `json:"kind"`
	TaskID    string           `json:"taskId"`
	ContextID string           `json:"contextId"`
	Status    store.TaskStatus `json:"status"`
	Final     bool             `json:"final"`
}

// TaskArtifactUpdateEvent delivers a persisted artifact.
type TaskArtifactUpdateEvent struct {
	Kind      string         `json:"kind"`
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Artifact  store.Artifact `json:"artifact"`
	LastChunk bool           `json:"lastChunk"`
}

// StepUpdateEvent reports execution step progress.
type StepUpdateEvent struct {
	Kind      string              `json:"kind"`
	TaskID    string              `json:"taskId"`
	ContextID string              `json:"contextId"`
	Step      store.ExecutionStep `json:"step"`
}
