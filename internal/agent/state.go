// ABOUTME: Agent process lifecycle states and the central transition table
// ABOUTME: Every orchestrator state change goes through CanTransition

package agent

// State is the actual lifecycle state of a managed agent process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

// AllStates lists every state, in lifecycle order.
var AllStates = []State{StateStopped, StateStarting, StateRunning, StateStopping, StateFailed}

var lifecycle = map[State][]State{
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range lifecycle[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Live reports whether a process exists or is being brought up.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning
}

func stateNames() []string {
	out := make([]string, len(AllStates))
	for i, s := range AllStates {
		out[i] = string(s)
	}
	return out
}
