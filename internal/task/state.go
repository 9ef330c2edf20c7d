// ABOUTME: Pure task lifecycle state machine with an explicit transition table
// ABOUTME: Transition(state, event) returns the next state or ErrInvalidTransition, never clamps

package task

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an event is not allowed in the current state.
var ErrInvalidTransition = errors.New("invalid task transition")

// State is the lifecycle state of a task.
type State string

const (
	StateSubmitted     State = "submitted"
	StateWorking       State = "working"
	StateInputRequired State = "input-required"
	StateAuthRequired  State = "auth-required"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCanceled      State = "canceled"
)

// Event drives a state change.
type Event string

const (
	EventStart        Event = "start"
	EventRequireInput Event = "require-input"
	EventRequireAuth  Event = "require-auth"
	EventResume       Event = "resume"
	EventComplete     Event = "complete"
	EventFail         Event = "fail"
	EventCancel       Event = "cancel"
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid task transition: %s on %q", e.From, e.Event)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// transitions maps (from, event) to the resulting state. Cancel is handled
// separately since it applies to every non-terminal state.
var transitions = map[State]map[Event]State{
	StateSubmitted: {
		EventStart: StateWorking,
		EventFail:  StateFailed,
	},
	StateWorking: {
		EventRequireInput: StateInputRequired,
		EventRequireAuth:  StateAuthRequired,
		EventComplete:     StateCompleted,
		EventFail:         StateFailed,
	},
	StateInputRequired: {
		EventResume: StateWorking,
		EventFail:   StateFailed,
	},
	StateAuthRequired: {
		EventResume: StateWorking,
		EventFail:   StateFailed,
	},
}

// Transition returns the state reached by applying event to from.
func Transition(from State, event Event) (State, error) {
	if !from.Valid() {
		return from, &TransitionError{From: from, Event: event}
	}
	if from.Terminal() {
		return from, &TransitionError{From: from, Event: event}
	}
	if event == EventCancel {
		return StateCanceled, nil
	}
	next, ok := transitions[from][event]
	if !ok {
		return from, &TransitionError{From: from, Event: event}
	}
	return next, nil
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Paused reports whether the task waits for a client response.
func (s State) Paused() bool {
	return s == StateInputRequired || s == StateAuthRequired
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateSubmitted, StateWorking, StateInputRequired, StateAuthRequired,
		StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Final reports whether a stream observing this state should end.
func (s State) Final() bool {
	return s.Terminal() || s.Paused()
}

func (s State) String() string { return string(s) }

// EventFor returns the event that moves a working task into the given
// agent-requested state, for mapping agent status reports.
func EventFor(target State) (Event, bool) {
	switch target {
	case StateInputRequired:
		return EventRequireInput, true
	case StateAuthRequired:
		return EventRequireAuth, true
	case StateCompleted:
		return EventComplete, true
	case StateFailed:
		return EventFail, true
	case StateCanceled:
		return EventCancel, true
	case StateWorking:
		return EventResume, true
	}
	return "", false
}
