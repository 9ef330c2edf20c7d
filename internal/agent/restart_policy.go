// ABOUTME: Rolling-window restart accounting per agent
// ABOUTME: Hitting the ceiling within the window quarantines the agent until a manual start

package agent

import (
	"sync"
	"time"
)

// RestartPolicy tracks restart history per agent.
type RestartPolicy struct {
	Ceiling int
	Window  time.Duration

	history map[string][]time.Time
	mu      sync.Mutex
	now     func() time.Time
}

// NewRestartPolicy creates a policy allowing ceiling restarts per window.
func NewRestartPolicy(ceiling int, window time.Duration) *RestartPolicy {
	return &RestartPolicy{
		Ceiling: ceiling,
		Window:  window,
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Record registers a restart of name and reports whether the ceiling is now
// exceeded. Ceiling restarts fit in one window.
func (p *RestartPolicy) Record(name string) (count int, exceeded bool) {
	count = p.add(name)
	return count, count > p.Ceiling
}

// RecordFailure registers a failed start of name and reports whether the
// ceiling has been reached: Ceiling consecutive failures in one window
// quarantine the agent.
func (p *RestartPolicy) RecordFailure(name string) (count int, reached bool) {
	count = p.add(name)
	return count, count >= p.Ceiling
}

func (p *RestartPolicy) add(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.prune(name, now)
	p.history[name] = append(p.history[name], now)
	return len(p.history[name])
}

// Count returns the restarts of name inside the current window.
func (p *RestartPolicy) Count(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prune(name, p.now())
	return len(p.history[name])
}

// Reset clears name's history.
func (p *RestartPolicy) Reset(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.history, name)
}

func (p *RestartPolicy) prune(name string, now time.Time) {
	cutoff := now.Add(-p.Window)
	entries := p.history[name]
	pruned := entries[:0]
	for _, t := range entries {
		if !t.Before(cutoff) {
			pruned = append(pruned, t)
		}
	}
	p.history[name] = pruned
}
