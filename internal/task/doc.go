// Package task holds the transport-independent task lifecycle.
//
// # States
//
//	submitted -> working -> {input-required, auth-required} -> working -> {completed, failed, canceled}
//
// Transition is a pure function over an explicit table. Every caller goes
// through it; a pair missing from the table yields a *TransitionError that
// matches ErrInvalidTransition. Terminal states (completed, failed, canceled)
// reject every event.
//
// # Serialization
//
// Locks provides one mutex per task id. The protocol server holds the lock
// while it reads the current state, applies Transition and persists the
// result, so a concurrent cancel and complete cannot both succeed.
package task
