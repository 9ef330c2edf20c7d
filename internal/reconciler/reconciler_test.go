// ABOUTME: Tests for the reconciler against a fake orchestrator
// ABOUTME: Covers idempotence, divergence accounting, single-flight and event-driven passes

package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/events"
	"github.com/2389/coven-runtime/internal/metrics"
)

type fakeOrchestrator struct {
	mu       sync.Mutex
	agents   map[string]agent.Status
	calls    []string
	startErr map[string]error
	block    chan struct{}
	starts   atomic.Int32
}

func newFake(statuses ...agent.Status) *fakeOrchestrator {
	f := &fakeOrchestrator{agents: map[string]agent.Status{}, startErr: map[string]error{}}
	for _, s := range statuses {
		f.agents[s.Name] = s
	}
	return f
}

func (f *fakeOrchestrator) StatusAll() []agent.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.Status, 0, len(f.agents))
	for _, s := range f.agents {
		out = append(out, s)
	}
	return out
}

func (f *fakeOrchestrator) AutoStart(ctx context.Context, name string) error {
	f.starts.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start:"+name)
	if err := f.startErr[name]; err != nil {
		return err
	}
	s := f.agents[name]
	s.State = agent.StateRunning
	f.agents[name] = s
	return nil
}

func (f *fakeOrchestrator) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop:"+name)
	s := f.agents[name]
	s.State = agent.StateStopped
	f.agents[name] = s
	return nil
}

func (f *fakeOrchestrator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newReconciler(t *testing.T, orch Orchestrator, bus *events.Bus, m *metrics.Metrics, opts Options) *Reconciler {
	t.Helper()
	r, err := New(orch, bus, m, opts, nil)
	require.NoError(t, err)
	return r
}

func TestReconcile_ConvergesThenIdle(t *testing.T) {
	f := newFake(
		agent.Status{Name: "want-up", Desired: true, State: agent.StateStopped},
		agent.Status{Name: "want-down", Desired: false, State: agent.StateRunning},
		agent.Status{Name: "happy", Desired: true, State: agent.StateRunning},
		agent.Status{Name: "crashed", Desired: true, State: agent.StateFailed},
		agent.Status{Name: "jailed", Desired: true, State: agent.StateFailed, Quarantined: true},
		agent.Status{Name: "booting", Desired: false, State: agent.StateStarting},
		agent.Status{Name: "idle", Desired: false, State: agent.StateStopped},
		agent.Status{Name: "dead-off", Desired: false, State: agent.StateFailed},
	)
	r := newReconciler(t, f, nil, nil, Options{})

	results := r.Reconcile(t.Context())
	assert.ElementsMatch(t, []string{"start:want-up", "stop:want-down", "start:crashed"}, f.Calls())

	byName := map[string]Result{}
	for _, res := range results {
		byName[res.Agent] = res
	}
	assert.Equal(t, SkipQuarantined, byName["jailed"].Skipped)
	assert.Equal(t, SkipInTransition, byName["booting"].Skipped)
	assert.Equal(t, ActionStop, byName["want-down"].Action)

	// A second pass with no desired-state change issues no calls.
	r.Reconcile(t.Context())
	assert.Len(t, f.Calls(), 3)
}

func TestReconcile_DivergenceCountedNotEscalated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)

	f := newFake(
		agent.Status{Name: "broken", Desired: true, State: agent.StateFailed},
		agent.Status{Name: "fine", Desired: true, State: agent.StateStopped},
	)
	f.startErr["broken"] = errors.New("binary missing")
	r := newReconciler(t, f, nil, m, Options{DivergenceCeiling: 2})

	for range 3 {
		r.Reconcile(t.Context())
	}

	assert.Equal(t, 3, r.Divergence("broken"))
	assert.Equal(t, 0, r.Divergence("fine"))
	assert.Contains(t, f.Calls(), "start:fine", "one agent's failure does not block the others")

	gauge, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range gauge {
		if mf.GetName() == "coven_runtime_reconcile_divergence" {
			for _, metric := range mf.GetMetric() {
				if metric.GetLabel()[0].GetValue() == "broken" {
					assert.Equal(t, float64(3), metric.GetGauge().GetValue())
					found = true
				}
			}
		}
	}
	assert.True(t, found)

	// Recovery resets the counter.
	delete(f.startErr, "broken")
	r.Reconcile(t.Context())
	assert.Equal(t, 0, r.Divergence("broken"))
}

func TestReconcile_SingleFlightPerAgent(t *testing.T) {
	f := newFake(agent.Status{Name: "slow", Desired: true, State: agent.StateStopped})
	f.block = make(chan struct{})
	r := newReconciler(t, f, nil, nil, Options{})

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Reconcile(t.Context())
		}()
	}

	require.Eventually(t, func() bool { return f.starts.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(f.block)
	wg.Wait()

	assert.Equal(t, []string{"start:slow"}, f.Calls())
}

func TestRun_TriggersAndEvents(t *testing.T) {
	bus := events.NewBus(16, nil)
	defer bus.Close()

	f := newFake(agent.Status{Name: "a", Desired: true, State: agent.StateRunning})
	r := newReconciler(t, f, bus, nil, Options{Schedule: "@every 1h", Debounce: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.Calls())

	// The agent crashes; the event drives a pass that restarts it.
	f.mu.Lock()
	f.agents["a"] = agent.Status{Name: "a", Desired: true, State: agent.StateFailed}
	f.mu.Unlock()
	bus.Publish(events.Event{Type: events.ProcessStopped, Agent: "a", Reason: agent.ReasonExited})

	require.Eventually(t, func() bool { return len(f.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// Desired state flips off; an explicit trigger stops it.
	f.mu.Lock()
	s := f.agents["a"]
	s.Desired = false
	f.agents["a"] = s
	f.mu.Unlock()
	r.Trigger()

	require.Eventually(t, func() bool { return len(f.Calls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"start:a", "stop:a"}, f.Calls())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(newFake(), nil, nil, Options{Schedule: "every tuesday"}, nil)
	assert.Error(t, err)
}
