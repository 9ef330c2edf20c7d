// ABOUTME: AgentEvent variants published on the bus by the orchestrator and protocol server
// ABOUTME: Events are ephemeral; durable state lives in the store

package events

import (
	"time"

	"github.com/2389/coven-runtime/internal/store"
)

// Type names an event variant.
type Type string

const (
	ProcessStarted    Type = "process-started"
	ProcessStopped    Type = "process-stopped"
	HealthChanged     Type = "health-changed"
	TaskStatusChanged Type = "task-status-changed"
	ArtifactCreated   Type = "artifact-created"
	StepUpdated       Type = "step-updated"
)

// IsTask reports whether the variant concerns a task rather than a process.
func (t Type) IsTask() bool {
	return t == TaskStatusChanged || t == ArtifactCreated || t == StepUpdated
}

// Event is one bus message. Agent is always set; the remaining fields
// depend on Type.
type Event struct {
	Type  Type
	Agent string
	Time  time.Time

	// process-started, process-stopped
	Port   int
	PID    int
	Reason string

	// health-changed
	Healthy bool

	// task variants
	TaskID    string
	ContextID string
	Status    *store.TaskStatus
	Artifact  *store.Artifact
	Step      *store.ExecutionStep
}

// Filter selects the events a subscriber receives. A nil Filter accepts all.
type Filter func(Event) bool

// Types returns a Filter accepting only the listed variants.
func Types(types ...Type) Filter {
	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// TaskEvents accepts task-status-changed, artifact-created and step-updated.
func TaskEvents(e Event) bool { return e.Type.IsTask() }
