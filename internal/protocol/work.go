// ABOUTME: Runtime-to-agent work protocol: one message/stream request answered by an SSE event stream
// ABOUTME: Agents report steps, tool results, messages, status requests, and finish with done or error

package protocol

import (
	"encoding/json"

	"github.com/2389/coven-runtime/internal/store"
	"github.com/2389/coven-runtime/internal/task"
)

// WorkRequest is the params object the runtime posts to an agent.
type WorkRequest struct {
	Message   *store.Message  `json:"message"`
	History   []store.Message `json:"history,omitempty"`
	TaskID    string          `json:"taskId"`
	ContextID string          `json:"contextId"`
}

// Work event names on the agent's SSE stream.
const (
	WorkStep       = "step"
	WorkToolResult = "tool_result"
	WorkMessage    = "message"
	WorkStatus     = "status"
	WorkDone       = "done"
	WorkError      = "error"
)

// StepReport is the payload of a step event.
type StepReport struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Status store.StepStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
}

// ToolResultReport is the payload of a tool_result event. Payload is the
// tool's raw JSON output.
type ToolResultReport struct {
	Tool    string          `json:"tool"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// StatusReport asks the runtime to move the task to State, typically
// input-required or auth-required.
type StatusReport struct {
	State   task.State `json:"state"`
	Message string     `json:"message,omitempty"`
}

// FinishReport is the payload of done and error events.
type FinishReport struct {
	Message string `json:"message,omitempty"`
}

// WorkEvent is one decoded event from an agent. Exactly one payload field
// is set, matching Type.
type WorkEvent struct {
	Type       string
	Step       *StepReport
	ToolResult *ToolResultReport
	Message    *store.Message
	Status     *StatusReport
	Finish     *FinishReport
}

// DecodeWorkEvent decodes the data of an SSE frame named event. Unknown
// event names return ok=false.
func DecodeWorkEvent(event string, data []byte) (WorkEvent, bool, error) {
	ev := WorkEvent{Type: event}
	var target any
	switch event {
	case WorkStep:
		ev.Step = &StepReport{}
		target = ev.Step
	case WorkToolResult:
		ev.ToolResult = &ToolResultReport{}
		target = ev.ToolResult
	case WorkMessage:
		ev.Message = &store.Message{}
		target = ev.Message
	case WorkStatus:
		ev.Status = &StatusReport{}
		target = ev.Status
	case WorkDone, WorkError:
		ev.Finish = &FinishReport{}
		target = ev.Finish
	default:
		return ev, false, nil
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, target); err != nil {
			return ev, true, err
		}
	}
	return ev, true, nil
}
