// ABOUTME: Drives actual agent state toward desired state on a cron schedule and on demand
// ABOUTME: Per-agent single-flight, concurrent across agents, divergence counted and exported but never escalated

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/events"
	"github.com/2389/coven-runtime/internal/metrics"
)

// Actions taken for an agent during a pass.
const (
	ActionNone  = "none"
	ActionStart = "start"
	ActionStop  = "stop"
)

// Skip reasons reported when an agent is left alone.
const (
	SkipQuarantined  = "quarantined"
	SkipInTransition = "in-transition"
)

// Orchestrator is the lifecycle surface the reconciler drives.
type Orchestrator interface {
	StatusAll() []agent.Status
	AutoStart(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
}

// Options configures scheduling and divergence reporting.
type Options struct {
	Schedule          string        // cron spec, default "@every 30s"
	DivergenceCeiling int           // consecutive failures before warning, default 3
	ActionTimeout     time.Duration // bound on one start or stop, default 60s
	Debounce          time.Duration // coalescing window for event triggers, default 500ms
}

func (o Options) withDefaults() Options {
	if o.Schedule == "" {
		o.Schedule = "@every 30s"
	}
	if o.DivergenceCeiling <= 0 {
		o.DivergenceCeiling = 3
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 60 * time.Second
	}
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	return o
}

// Result reports what a pass did for one agent.
type Result struct {
	Agent      string
	Action     string
	Skipped    string
	Err        error
	Divergence int
}

// Reconciler converges agents to their desired state.
type Reconciler struct {
	orch    Orchestrator
	bus     *events.Bus
	metrics *metrics.Metrics
	opts    Options
	logger  *slog.Logger

	cron    *cron.Cron
	flight  singleflight.Group
	trigger chan struct{}

	divergence map[string]int
	mu         sync.Mutex
}

// New creates a reconciler. The schedule is validated here.
func New(orch Orchestrator, bus *events.Bus, m *metrics.Metrics, opts Options, logger *slog.Logger) (*Reconciler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		orch:       orch,
		bus:        bus,
		metrics:    m,
		opts:       opts.withDefaults(),
		logger:     logger.With("component", "reconciler"),
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		trigger:    make(chan struct{}, 1),
		divergence: make(map[string]int),
	}
	if _, err := r.cron.AddFunc(r.opts.Schedule, r.Trigger); err != nil {
		return nil, fmt.Errorf("reconciler schedule %q: %w", r.opts.Schedule, err)
	}
	return r, nil
}

// Trigger requests a pass as soon as the run loop is free. Requests made
// while one is pending are coalesced.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run performs an initial pass, then reconciles on schedule, on Trigger and
// after process-stopped or health-changed events until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	sub, err := r.subscribe(ctx)
	if err != nil {
		return err
	}

	r.cron.Start()
	defer func() {
		<-r.cron.Stop().Done()
		r.logger.Info("reconciler stopped")
	}()
	r.logger.Info("reconciler started", "schedule", r.opts.Schedule)

	r.Reconcile(ctx)

	var pending <-chan time.Time
	for {
		var evCh <-chan events.Event
		if sub != nil {
			evCh = sub.C()
		}

		select {
		case <-ctx.Done():
			return nil

		case <-r.trigger:
			r.Reconcile(ctx)

		case ev, ok := <-evCh:
			if !ok {
				r.logger.Warn("event subscription dropped, resubscribing", "error", sub.Err())
				sub, err = r.subscribe(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					r.logger.Error("resubscribe failed; relying on schedule", "error", err)
					sub = nil
				}
				continue
			}
			r.logger.Debug("lifecycle event", "type", ev.Type, "agent", ev.Agent)
			if pending == nil {
				pending = time.After(r.opts.Debounce)
			}

		case <-pending:
			pending = nil
			r.Reconcile(ctx)
		}
	}
}

func (r *Reconciler) subscribe(ctx context.Context) (*events.Subscription, error) {
	if r.bus == nil {
		return nil, nil
	}
	return r.bus.Subscribe(ctx, events.Types(events.ProcessStopped, events.HealthChanged))
}

// Reconcile runs one pass over every agent concurrently and returns the
// per-agent results in name order.
func (r *Reconciler) Reconcile(ctx context.Context) []Result {
	statuses := r.orch.StatusAll()
	results := make([]Result, len(statuses))

	var g errgroup.Group
	for i, st := range statuses {
		g.Go(func() error {
			v, _, _ := r.flight.Do(st.Name, func() (any, error) {
				return r.reconcileOne(ctx, st), nil
			})
			results[i] = v.(Result)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	acted := 0
	for _, res := range results {
		if res.Action != ActionNone {
			acted++
		}
	}
	if acted > 0 {
		r.logger.Info("reconcile pass complete", "agents", len(results), "actions", acted)
	}
	return results
}

func plan(st agent.Status) (action, skipped string) {
	switch {
	case st.State == agent.StateStarting || st.State == agent.StateStopping:
		return ActionNone, SkipInTransition
	case st.Desired && st.State != agent.StateRunning:
		if st.Quarantined {
			return ActionNone, SkipQuarantined
		}
		return ActionStart, ""
	case !st.Desired && st.State == agent.StateRunning:
		return ActionStop, ""
	}
	return ActionNone, ""
}

func (r *Reconciler) reconcileOne(ctx context.Context, st agent.Status) Result {
	res := Result{Agent: st.Name}
	res.Action, res.Skipped = plan(st)

	switch {
	case res.Skipped == SkipQuarantined:
		r.logger.Info("skipping quarantined agent", "agent", st.Name)
		return res
	case res.Action == ActionNone:
		return res
	}

	actx, cancel := context.WithTimeout(ctx, r.opts.ActionTimeout)
	defer cancel()

	r.logger.Info("reconciling agent", "agent", st.Name, "action", res.Action, "state", st.State, "desired", st.Desired)
	switch res.Action {
	case ActionStart:
		res.Err = r.orch.AutoStart(actx, st.Name)
	case ActionStop:
		res.Err = r.orch.Stop(actx, st.Name)
	}

	outcome := "ok"
	if res.Err != nil {
		outcome = "error"
		if errors.Is(res.Err, agent.ErrQuarantined) {
			outcome = "quarantined"
		}
	}
	r.metrics.IncReconcileAction(res.Action, outcome)
	res.Divergence = r.recordOutcome(st.Name, res.Action, res.Err)
	return res
}

// recordOutcome updates the divergence counter and returns its new value.
func (r *Reconciler) recordOutcome(name, action string, err error) int {
	r.mu.Lock()
	if err == nil {
		r.divergence[name] = 0
	} else {
		r.divergence[name]++
	}
	n := r.divergence[name]
	r.mu.Unlock()

	r.metrics.SetDivergence(name, n)
	switch {
	case err == nil:
	case n > r.opts.DivergenceCeiling:
		r.logger.Warn("agent diverges from desired state", "agent", name, "action", action, "consecutive_failures", n, "error", err)
	default:
		r.logger.Info("reconcile action failed", "agent", name, "action", action, "consecutive_failures", n, "error", err)
	}
	return n
}

// Divergence returns the consecutive failed actions for name.
func (r *Reconciler) Divergence(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.divergence[name]
}
