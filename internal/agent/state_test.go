package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	allowed := map[State][]State{
		StateStopped:  {StateStarting},
		StateFailed:   {StateStarting},
		StateStarting: {StateRunning, StateFailed},
		StateRunning:  {StateStopping, StateFailed},
		StateStopping: {StateStopped, StateFailed},
	}
	for _, from := range AllStates {
		for _, to := range AllStates {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestRestartPolicy_Window(t *testing.T) {
	p := NewRestartPolicy(2, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	_, exceeded := p.Record("a")
	assert.False(t, exceeded)
	_, exceeded = p.Record("a")
	assert.False(t, exceeded)
	count, exceeded := p.Record("a")
	assert.True(t, exceeded)
	assert.Equal(t, 3, count)

	// Other agents are tracked separately.
	_, exceeded = p.Record("b")
	assert.False(t, exceeded)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 0, p.Count("a"))
	_, exceeded = p.Record("a")
	assert.False(t, exceeded)

	p.Reset("a")
	assert.Equal(t, 0, p.Count("a"))
}

func TestRestartPolicy_FailuresReachCeiling(t *testing.T) {
	p := NewRestartPolicy(2, time.Minute)

	_, reached := p.RecordFailure("a")
	assert.False(t, reached)
	count, reached := p.RecordFailure("a")
	assert.True(t, reached)
	assert.Equal(t, 2, count)
}
