// ABOUTME: Orchestrator owning every managed agent process: start, stop, restart and status
// ABOUTME: Allocates ports, spawns through the supervisor, gates running on health and publishes lifecycle events

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-runtime/internal/events"
	"github.com/2389/coven-runtime/internal/health"
	"github.com/2389/coven-runtime/internal/metrics"
	"github.com/2389/coven-runtime/internal/ports"
	"github.com/2389/coven-runtime/internal/process"
	"github.com/2389/coven-runtime/internal/protocol"
	"github.com/2389/coven-runtime/internal/store"
)

var (
	// ErrAgentNotFound indicates the agent is not configured.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentUnavailable indicates the agent could not be brought to running.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrQuarantined is returned by automatic starts of a quarantined agent.
	ErrQuarantined = errors.New("agent quarantined")

	// ErrRestartCeiling is returned when a restart exceeds the restart ceiling.
	ErrRestartCeiling = errors.New("restart ceiling exceeded")

	// ErrStartTimeout indicates the agent never passed a health probe.
	ErrStartTimeout = errors.New("agent did not become healthy")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("orchestrator shut down")
)

// Stop reasons carried on process-stopped events.
const (
	ReasonStopped     = "stopped"
	ReasonExited      = "exited"
	ReasonUnhealthy   = "unhealthy"
	ReasonRestart     = "restart"
	ReasonQuarantined = "quarantined"
)

// Spec is the static definition of a managed agent.
type Spec struct {
	Name     string
	Command  string
	Args     []string // "{port}" is replaced with the assigned port
	Env      map[string]string
	Dir      string
	Port     int // preferred port, 0 for any
	CardPath string
	Enabled  bool
}

// Supervisor spawns and terminates agent processes.
type Supervisor interface {
	Spawn(ctx context.Context, spec process.Spec) (*process.Handle, error)
	Terminate(ctx context.Context, h *process.Handle, grace time.Duration) (process.ExitStatus, error)
	KillStale(name string, grace time.Duration) (bool, error)
}

// Prober checks whether an agent answers on its endpoint.
type Prober interface {
	Probe(ctx context.Context, endpoint, cardPath string) health.Result
	WaitHealthy(ctx context.Context, endpoint, cardPath string, maxWait time.Duration) (health.Result, error)
}

// Options tunes lifecycle timing and the restart policy.
type Options struct {
	Host             string
	StartupTimeout   time.Duration
	StopTimeout      time.Duration
	HealthInterval   time.Duration
	FailureThreshold int
	AutoRestart      bool
	RestartCeiling   int
	RestartWindow    time.Duration
	CardCacheSize    int
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 30 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.RestartCeiling <= 0 {
		o.RestartCeiling = 5
	}
	if o.RestartWindow <= 0 {
		o.RestartWindow = 10 * time.Minute
	}
	if o.CardCacheSize <= 0 {
		o.CardCacheSize = 128
	}
	return o
}

// Params holds the orchestrator's collaborators.
type Params struct {
	Specs      []Spec
	Options    Options
	Supervisor Supervisor
	Prober     Prober
	Ports      *ports.Allocator
	Bus        *events.Bus
	Store      store.Store // optional; persists desired state
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// AgentProcess is the orchestrator's record of one agent. Fields are
// guarded by Orchestrator.mu; lifecycle operations are serialized by op.
type AgentProcess struct {
	spec    Spec
	desired bool
	state   State
	changed chan struct{}
	op      chan struct{}

	gen       uint64
	handle    *process.Handle
	port      int
	healthy   bool
	lastCheck time.Time
	failures  int
	restarts  int
	lastErr   string

	quarantined bool
	startedAt   time.Time
	stopMonitor context.CancelFunc
}

// Status is a read-only snapshot of an agent.
type Status struct {
	Name                string     `json:"name"`
	State               State      `json:"state"`
	Desired             bool       `json:"desired"`
	Port                int        `json:"port,omitempty"`
	PID                 int        `json:"pid,omitempty"`
	Healthy             bool       `json:"healthy"`
	LastHealthCheck     *time.Time `json:"lastHealthCheck,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	RestartCount        int        `json:"restartCount"`
	LastError           string     `json:"lastError,omitempty"`
	Quarantined         bool       `json:"quarantined"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
}

// Orchestrator supervises the configured agents.
type Orchestrator struct {
	agents map[string]*AgentProcess
	closed bool
	mu     sync.RWMutex

	sup     Supervisor
	prober  Prober
	ports   *ports.Allocator
	bus     *events.Bus
	store   store.Store
	metrics *metrics.Metrics
	policy  *RestartPolicy
	cards   *lru.Cache[string, *protocol.Card]
	opts    Options

	cardFetch singleflight.Group
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator with every agent stopped.
func NewOrchestrator(p Params) (*Orchestrator, error) {
	if p.Supervisor == nil || p.Prober == nil || p.Ports == nil {
		return nil, errors.New("orchestrator: supervisor, prober and ports are required")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := p.Options.withDefaults()

	cards, err := lru.New[string, *protocol.Card](opts.CardCacheSize)
	if err != nil {
		return nil, fmt.Errorf("card cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		agents:  make(map[string]*AgentProcess, len(p.Specs)),
		sup:     p.Supervisor,
		prober:  p.Prober,
		ports:   p.Ports,
		bus:     p.Bus,
		store:   p.Store,
		metrics: p.Metrics,
		policy:  NewRestartPolicy(opts.RestartCeiling, opts.RestartWindow),
		cards:   cards,
		opts:    opts,
		logger:  logger.With("component", "orchestrator"),
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, spec := range p.Specs {
		if spec.Name == "" || spec.Command == "" {
			cancel()
			return nil, fmt.Errorf("agent %q: name and command are required", spec.Name)
		}
		if _, dup := o.agents[spec.Name]; dup {
			cancel()
			return nil, fmt.Errorf("agent %q defined twice", spec.Name)
		}
		o.agents[spec.Name] = &AgentProcess{
			spec:    spec,
			desired: spec.Enabled,
			state:   StateStopped,
			changed: make(chan struct{}),
			op:      make(chan struct{}, 1),
		}
		o.metrics.SetAgentState(spec.Name, string(StateStopped), stateNames())
	}
	return o, nil
}

// Load applies desired state persisted in the store over the configured
// defaults.
func (o *Orchestrator) Load(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	saved, err := o.store.ListAgentDesired(ctx)
	if err != nil {
		return fmt.Errorf("loading desired state: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, d := range saved {
		ap, ok := o.agents[d.Name]
		if !ok {
			o.logger.Warn("desired state recorded for unconfigured agent", "agent", d.Name)
			continue
		}
		ap.desired = d.Enabled
	}
	return nil
}

// Names returns the configured agent names, sorted.
func (o *Orchestrator) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Sorted(maps.Keys(o.agents))
}

func (o *Orchestrator) lookup(name string) (*AgentProcess, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return nil, ErrClosed
	}
	ap, ok := o.agents[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrAgentNotFound)
	}
	return ap, nil
}

// acquire takes ap's lifecycle slot.
func (o *Orchestrator) acquire(ctx context.Context, ap *AgentProcess) (func(), error) {
	select {
	case ap.op <- struct{}{}:
		return func() { <-ap.op }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// setState must be called with o.mu held.
func (o *Orchestrator) setState(ap *AgentProcess, next State) {
	if !ap.state.CanTransition(next) {
		o.logger.Error("invalid agent state transition", "agent", ap.spec.Name, "from", ap.state, "to", next)
		return
	}
	o.logger.Debug("agent state", "agent", ap.spec.Name, "from", ap.state, "to", next)
	ap.state = next
	close(ap.changed)
	ap.changed = make(chan struct{})
	o.metrics.SetAgentState(ap.spec.Name, string(next), stateNames())
}

// clearProcess must be called with o.mu held and only after the process
// has been reaped.
func (o *Orchestrator) clearProcess(ap *AgentProcess) {
	o.ports.Release(ap.spec.Name)
	ap.handle = nil
	ap.port = 0
	ap.healthy = false
	if ap.stopMonitor != nil {
		ap.stopMonitor()
		ap.stopMonitor = nil
	}
}

func (o *Orchestrator) publish(ev events.Event) {
	if o.bus == nil {
		return
	}
	ev.Time = time.Now()
	o.bus.Publish(ev)
}

func (o *Orchestrator) endpointFor(port int) string {
	return "http://" + net.JoinHostPort(o.opts.Host, strconv.Itoa(port))
}

type startMode int

const (
	startManual startMode = iota
	startAuto
	startRestart
)

// Start brings the agent to running. It is a no-op when the agent is
// already starting or running, and clears any quarantine.
func (o *Orchestrator) Start(ctx context.Context, name string) error {
	return o.start(ctx, name, startManual)
}

// AutoStart is Start for automatic callers; it refuses quarantined agents.
func (o *Orchestrator) AutoStart(ctx context.Context, name string) error {
	return o.start(ctx, name, startAuto)
}

func (o *Orchestrator) start(ctx context.Context, name string, mode startMode) error {
	ap, err := o.lookup(name)
	if err != nil {
		return err
	}
	release, err := o.acquire(ctx, ap)
	if err != nil {
		return err
	}
	defer release()
	return o.startLocked(ctx, ap, mode)
}

func (o *Orchestrator) startLocked(ctx context.Context, ap *AgentProcess, mode startMode) error {
	name := ap.spec.Name

	o.mu.Lock()
	if ap.state.Live() {
		o.mu.Unlock()
		return nil
	}
	if ap.quarantined {
		if mode != startManual {
			o.mu.Unlock()
			return fmt.Errorf("%q: %w", name, ErrQuarantined)
		}
		ap.quarantined = false
		o.policy.Reset(name)
		o.logger.Info("quarantine cleared by manual start", "agent", name)
	}
	o.setState(ap, StateStarting)
	ap.gen++
	gen := ap.gen
	ap.lastErr = ""
	o.mu.Unlock()

	h, port, err := o.spawn(ctx, ap.spec)
	if err != nil {
		o.mu.Lock()
		ap.lastErr = err.Error()
		o.setState(ap, StateFailed)
		quarantined := false
		if !errors.Is(err, ports.ErrNoFreePort) && ctx.Err() == nil {
			quarantined = o.recordStartFailureLocked(ap, mode)
		}
		o.mu.Unlock()
		o.logger.Error("failed to spawn agent", "agent", name, "error", err)
		if quarantined {
			return fmt.Errorf("starting %q: %w (%w)", name, err, ErrQuarantined)
		}
		return fmt.Errorf("starting %q: %w", name, err)
	}

	o.mu.Lock()
	ap.handle = h
	ap.port = port
	o.mu.Unlock()
	go o.watchExit(ap, gen, h)

	endpoint := o.endpointFor(port)
	o.logger.Info("agent spawned, waiting for health", "agent", name, "pid", h.PID, "port", port)

	probeCtx, cancel := context.WithTimeout(ctx, o.opts.StartupTimeout)
	defer cancel()
	go func() {
		select {
		case <-h.Done():
			cancel()
		case <-probeCtx.Done():
		}
	}()

	res, err := o.prober.WaitHealthy(probeCtx, endpoint, ap.spec.CardPath, o.opts.StartupTimeout)
	if err != nil {
		var reason error
		switch {
		case h.Exited():
			reason = fmt.Errorf("%w: process %s during startup", ErrStartTimeout, h.Exit())
		case ctx.Err() != nil:
			reason = ctx.Err()
		default:
			reason = fmt.Errorf("%w within %s: %v", ErrStartTimeout, o.opts.StartupTimeout, err)
		}
		return o.abortStart(ap, gen, h, mode, reason)
	}

	o.mu.Lock()
	if h.Exited() {
		o.mu.Unlock()
		return o.abortStart(ap, gen, h, mode, fmt.Errorf("%w: process %s during startup", ErrStartTimeout, h.Exit()))
	}
	o.setState(ap, StateRunning)
	ap.healthy = true
	ap.lastCheck = res.At
	ap.failures = 0
	ap.startedAt = time.Now()
	if res.Card != nil {
		o.cards.Add(name, res.Card)
	}
	if !o.closed {
		monitorCtx, stop := context.WithCancel(o.ctx)
		ap.stopMonitor = stop
		o.wg.Add(1)
		go o.monitor(monitorCtx, ap, gen, endpoint)
	}
	o.mu.Unlock()

	o.logger.Info("agent running", "agent", name, "pid", h.PID, "port", port)
	o.publish(events.Event{Type: events.ProcessStarted, Agent: name, Port: port, PID: h.PID})
	return nil
}

func (o *Orchestrator) spawn(ctx context.Context, spec Spec) (*process.Handle, int, error) {
	if killed, err := o.sup.KillStale(spec.Name, o.opts.StopTimeout); err != nil {
		o.logger.Warn("checking for stale process failed", "agent", spec.Name, "error", err)
	} else if killed {
		o.logger.Info("terminated stale process before start", "agent", spec.Name)
	}

	port, err := o.ports.Reserve(spec.Name, spec.Port)
	if err != nil {
		return nil, 0, err
	}

	p := strconv.Itoa(port)
	env := []string{"PORT=" + p, "A2A_PORT=" + p, "A2A_URL=" + o.endpointFor(port)}
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, k+"="+spec.Env[k])
	}
	args := make([]string, len(spec.Args))
	for i, a := range spec.Args {
		args[i] = strings.ReplaceAll(a, "{port}", p)
	}

	h, err := o.sup.Spawn(ctx, process.Spec{
		Name:    spec.Name,
		Command: spec.Command,
		Args:    args,
		Env:     env,
		Dir:     spec.Dir,
	})
	if err != nil {
		o.ports.Release(spec.Name)
		return nil, 0, err
	}
	return h, port, nil
}

// abortStart tears down a process that never became healthy.
func (o *Orchestrator) abortStart(ap *AgentProcess, gen uint64, h *process.Handle, mode startMode, reason error) error {
	name := ap.spec.Name
	termCtx, cancel := context.WithTimeout(context.Background(), o.opts.StopTimeout+5*time.Second)
	defer cancel()
	if _, err := o.sup.Terminate(termCtx, h, o.opts.StopTimeout); err != nil {
		o.logger.Error("terminating unhealthy agent failed", "agent", name, "error", err)
	}

	o.mu.Lock()
	if ap.gen == gen && h.Exited() {
		o.clearProcess(ap)
	}
	ap.healthy = false
	ap.lastErr = reason.Error()
	o.setState(ap, StateFailed)
	// A caller that gave up is not the agent's failure.
	quarantined := false
	if !errors.Is(reason, context.Canceled) && !errors.Is(reason, context.DeadlineExceeded) {
		quarantined = o.recordStartFailureLocked(ap, mode)
	}
	o.mu.Unlock()

	o.logger.Error("agent failed to start", "agent", name, "error", reason)
	o.publish(events.Event{Type: events.HealthChanged, Agent: name, Healthy: false, Reason: reason.Error()})
	if quarantined {
		return fmt.Errorf("starting %q: %w (%w)", name, reason, ErrQuarantined)
	}
	return fmt.Errorf("starting %q: %w", name, reason)
}

// recordStartFailureLocked counts a failed start against the ceiling and
// quarantines the agent once it is reached. Starts inside Restart were
// already counted. Requires o.mu.
func (o *Orchestrator) recordStartFailureLocked(ap *AgentProcess, mode startMode) bool {
	if mode == startRestart {
		return false
	}
	count, reached := o.policy.RecordFailure(ap.spec.Name)
	if !reached {
		return false
	}
	ap.quarantined = true
	o.logger.Warn("agent quarantined after repeated start failures", "agent", ap.spec.Name, "failures", count)
	return true
}

// watchExit handles the reap of a process spawned as generation gen.
func (o *Orchestrator) watchExit(ap *AgentProcess, gen uint64, h *process.Handle) {
	<-h.Done()
	status := h.Exit()

	o.mu.Lock()
	if ap.gen != gen || ap.handle != h {
		o.mu.Unlock()
		return
	}
	switch ap.state {
	case StateRunning:
	case StateFailed:
		// A failed stop left the process unconfirmed; its reap frees the port.
		o.clearProcess(ap)
		o.mu.Unlock()
		return
	default:
		o.mu.Unlock()
		return
	}

	name := ap.spec.Name
	port := ap.port
	o.setState(ap, StateFailed)
	o.clearProcess(ap)
	ap.lastErr = "exited: " + status.String()
	desired := ap.desired
	o.mu.Unlock()

	o.logger.Warn("agent exited unexpectedly", "agent", name, "pid", h.PID, "status", status.String())
	o.publish(events.Event{Type: events.ProcessStopped, Agent: name, Port: port, PID: h.PID, Reason: ReasonExited})
	if desired {
		o.autoRestart(name)
	}
}

// autoRestart restarts name in the background when enabled.
func (o *Orchestrator) autoRestart(name string) {
	if !o.opts.AutoRestart {
		return
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		if err := o.Restart(o.ctx, name); err != nil {
			o.logger.Error("automatic restart failed", "agent", name, "error", err)
		}
	}()
}

// Stop terminates a running agent: SIGTERM, bounded wait, then SIGKILL. The
// port is released after the process is reaped.
func (o *Orchestrator) Stop(ctx context.Context, name string) error {
	ap, err := o.lookup(name)
	if err != nil {
		return err
	}
	release, err := o.acquire(ctx, ap)
	if err != nil {
		return err
	}
	defer release()
	return o.terminate(ctx, ap, StateStopped, ReasonStopped)
}

// terminate moves a running agent through stopping to final. Callers hold
// the lifecycle slot.
func (o *Orchestrator) terminate(ctx context.Context, ap *AgentProcess, final State, reason string) error {
	name := ap.spec.Name

	o.mu.Lock()
	if ap.state != StateRunning {
		o.mu.Unlock()
		return nil
	}
	o.setState(ap, StateStopping)
	if ap.stopMonitor != nil {
		ap.stopMonitor()
		ap.stopMonitor = nil
	}
	h, port := ap.handle, ap.port
	o.mu.Unlock()

	o.logger.Info("stopping agent", "agent", name, "pid", h.PID, "reason", reason)
	status, err := o.sup.Terminate(ctx, h, o.opts.StopTimeout)

	o.mu.Lock()
	if err != nil {
		ap.lastErr = fmt.Sprintf("stop: %v", err)
		o.setState(ap, StateFailed)
		o.mu.Unlock()
		return fmt.Errorf("stopping %q: %w", name, err)
	}
	o.clearProcess(ap)
	if final == StateFailed {
		ap.lastErr = reason
	}
	o.setState(ap, final)
	o.mu.Unlock()

	o.logger.Info("agent stopped", "agent", name, "status", status.String())
	o.publish(events.Event{Type: events.ProcessStopped, Agent: name, Port: port, PID: h.PID, Reason: reason})
	return nil
}

// Restart stops and starts the agent, counting the restart against the
// ceiling. Exceeding the ceiling stops the agent and quarantines it.
func (o *Orchestrator) Restart(ctx context.Context, name string) error {
	ap, err := o.lookup(name)
	if err != nil {
		return err
	}
	release, err := o.acquire(ctx, ap)
	if err != nil {
		return err
	}
	defer release()

	o.mu.RLock()
	quarantined := ap.quarantined
	o.mu.RUnlock()
	if quarantined {
		return fmt.Errorf("restarting %q: %w", name, ErrQuarantined)
	}

	count, exceeded := o.policy.Record(name)
	if exceeded {
		msg := fmt.Sprintf("restart ceiling exceeded: %d restarts within %s", count, o.opts.RestartWindow)
		o.mu.Lock()
		ap.quarantined = true
		ap.lastErr = msg
		o.mu.Unlock()

		if err := o.terminate(ctx, ap, StateFailed, msg); err != nil {
			o.logger.Error("stopping quarantined agent failed", "agent", name, "error", err)
		}
		o.logger.Warn("agent quarantined", "agent", name, "restarts", count, "window", o.opts.RestartWindow)
		o.publish(events.Event{Type: events.HealthChanged, Agent: name, Healthy: false, Reason: ReasonQuarantined})
		return fmt.Errorf("restarting %q: %w", name, ErrRestartCeiling)
	}

	if err := o.terminate(ctx, ap, StateStopped, ReasonRestart); err != nil {
		return err
	}

	o.mu.Lock()
	ap.restarts++
	o.mu.Unlock()
	o.metrics.IncRestart(name)

	return o.startLocked(ctx, ap, startRestart)
}

// EnsureRunning returns once the agent is running, starting it if needed.
// Failures are reported as ErrAgentUnavailable.
func (o *Orchestrator) EnsureRunning(ctx context.Context, name string, timeout time.Duration) error {
	ap, err := o.lookup(name)
	if err != nil {
		return err
	}

	o.mu.RLock()
	state, desired := ap.state, ap.desired
	o.mu.RUnlock()
	if state == StateRunning {
		return nil
	}
	if !desired {
		return fmt.Errorf("%w: %q is disabled", ErrAgentUnavailable, name)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := o.start(ctx, name, startAuto); err != nil {
		return fmt.Errorf("%w: %w", ErrAgentUnavailable, err)
	}
	return o.waitRunning(ctx, ap)
}

func (o *Orchestrator) waitRunning(ctx context.Context, ap *AgentProcess) error {
	for {
		o.mu.RLock()
		state, changed, lastErr := ap.state, ap.changed, ap.lastErr
		o.mu.RUnlock()

		switch state {
		case StateRunning:
			return nil
		case StateFailed, StateStopped:
			return fmt.Errorf("%w: %q is %s: %s", ErrAgentUnavailable, ap.spec.Name, state, lastErr)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrAgentUnavailable, ctx.Err())
		}
	}
}

func (o *Orchestrator) snapshot(ap *AgentProcess) Status {
	s := Status{
		Name:                ap.spec.Name,
		State:               ap.state,
		Desired:             ap.desired,
		Port:                ap.port,
		Healthy:             ap.healthy,
		ConsecutiveFailures: ap.failures,
		RestartCount:        ap.restarts,
		LastError:           ap.lastErr,
		Quarantined:         ap.quarantined,
	}
	if ap.handle != nil {
		s.PID = ap.handle.PID
	}
	if !ap.lastCheck.IsZero() {
		t := ap.lastCheck
		s.LastHealthCheck = &t
	}
	if ap.state == StateRunning {
		t := ap.startedAt
		s.StartedAt = &t
	}
	return s
}

// Status returns a snapshot of the named agent.
func (o *Orchestrator) Status(name string) (Status, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ap, ok := o.agents[name]
	if !ok {
		return Status{}, fmt.Errorf("%q: %w", name, ErrAgentNotFound)
	}
	return o.snapshot(ap), nil
}

// StatusAll returns snapshots of every agent, sorted by name.
func (o *Orchestrator) StatusAll() []Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Status, 0, len(o.agents))
	for _, name := range slices.Sorted(maps.Keys(o.agents)) {
		out = append(out, o.snapshot(o.agents[name]))
	}
	return out
}

// Endpoint returns the base URL of a running agent.
func (o *Orchestrator) Endpoint(name string) (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ap, ok := o.agents[name]
	if !ok {
		return "", fmt.Errorf("%q: %w", name, ErrAgentNotFound)
	}
	if ap.state != StateRunning {
		return "", fmt.Errorf("%w: %q is %s", ErrAgentUnavailable, name, ap.state)
	}
	return o.endpointFor(ap.port), nil
}

// Card returns a running agent's card, from cache when possible.
func (o *Orchestrator) Card(ctx context.Context, name string) (*protocol.Card, error) {
	endpoint, err := o.Endpoint(name)
	if err != nil {
		return nil, err
	}
	if card, ok := o.cards.Get(name); ok {
		return card, nil
	}
	o.mu.RLock()
	cardPath := o.agents[name].spec.CardPath
	o.mu.RUnlock()

	// Concurrent misses share one fetch, which outlives any single caller.
	v, err, _ := o.cardFetch.Do(name+"@"+endpoint, func() (any, error) {
		res := o.prober.Probe(context.WithoutCancel(ctx), endpoint, cardPath)
		if !res.Healthy {
			return nil, fmt.Errorf("%w: fetching card: %v", ErrAgentUnavailable, res.Err)
		}
		o.cards.Add(name, res.Card)
		return res.Card, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*protocol.Card), nil
}

// SetDesired records whether the agent should run. The reconciler acts on
// the change.
func (o *Orchestrator) SetDesired(ctx context.Context, name string, enabled bool) error {
	ap, err := o.lookup(name)
	if err != nil {
		return err
	}
	if o.store != nil {
		if err := o.store.SetAgentDesired(ctx, name, enabled); err != nil {
			return fmt.Errorf("persisting desired state: %w", err)
		}
	}
	o.mu.Lock()
	ap.desired = enabled
	o.mu.Unlock()
	o.logger.Info("desired state changed", "agent", name, "enabled", enabled)
	return nil
}

// Shutdown stops every agent concurrently and waits for background work.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	names := slices.Sorted(maps.Keys(o.agents))
	o.mu.Unlock()
	o.cancel()

	var g errgroup.Group
	for _, name := range names {
		ap := o.agents[name]
		g.Go(func() error {
			release, err := o.acquire(ctx, ap)
			if err != nil {
				return fmt.Errorf("stopping %q: %w", name, err)
			}
			defer release()
			return o.terminate(ctx, ap, StateStopped, ReasonStopped)
		})
	}
	err := g.Wait()
	o.wg.Wait()
	o.logger.Info("orchestrator shut down", "agents", len(names))
	return err
}
