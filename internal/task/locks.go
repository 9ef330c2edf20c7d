// ABOUTME: Keyed mutexes that serialize all mutations of a single task
// ABOUTME: Entries are reference counted and removed when no holder remains

package task

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Locks hands out one mutex per task id so at most one transition is in
// flight for a task.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{entries: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for taskID and returns its release function.
func (l *Locks) Lock(taskID string) func() {
	l.mu.Lock()
	e, ok := l.entries[taskID]
	if !ok {
		e = &lockEntry{}
		l.entries[taskID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, taskID)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of task ids currently held or awaited.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
