// ABOUTME: Prometheus collectors for agent lifecycle, reconciliation, protocol and streaming activity
// ABOUTME: All recording methods are nil-safe so components can run without metrics

package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coven_runtime"

// Metrics exposes the runtime's Prometheus collectors.
type Metrics struct {
	agentState         *prometheus.GaugeVec
	restarts           *prometheus.CounterVec
	healthFailures     *prometheus.CounterVec
	reconcileDivergent *prometheus.GaugeVec
	reconcileActions   *prometheus.CounterVec
	rpcRequests        *prometheus.CounterVec
	streamSubscribers  prometheus.Gauge
	droppedSubscribers *prometheus.CounterVec
	artifacts          *prometheus.CounterVec
}

// MustNew constructs a Metrics instance and registers it with reg. A nil
// registerer uses prometheus.DefaultRegisterer. Registration conflicts with an
// identical collector reuse the existing one; anything else panics.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		agentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_state",
			Help:      "1 for the current lifecycle state of each managed agent, 0 otherwise.",
		}, []string{"agent", "state"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_restarts_total",
			Help:      "Restarts performed per agent.",
		}, []string{"agent"}),
		healthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_health_failures_total",
			Help:      "Failed health probes per agent.",
		}, []string{"agent"}),
		reconcileDivergent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_divergence",
			Help:      "Consecutive failed reconcile actions per agent.",
		}, []string{"agent"}),
		reconcileActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_actions_total",
			Help:      "Reconcile actions issued, by action and outcome.",
		}, []string{"action", "outcome"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests handled, by method and result code.",
		}, []string{"method", "code"}),
		streamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Stream subscribers currently attached to tasks.",
		}),
		droppedSubscribers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers disconnected because their queue was full.",
		}, []string{"source"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_total",
			Help:      "Artifacts persisted, by type tag.",
		}, []string{"type"}),
	}

	m.agentState = register(reg, m.agentState)
	m.restarts = register(reg, m.restarts)
	m.healthFailures = register(reg, m.healthFailures)
	m.reconcileDivergent = register(reg, m.reconcileDivergent)
	m.reconcileActions = register(reg, m.reconcileActions)
	m.rpcRequests = register(reg, m.rpcRequests)
	m.streamSubscribers = register(reg, m.streamSubscribers)
	m.droppedSubscribers = register(reg, m.droppedSubscribers)
	m.artifacts = register(reg, m.artifacts)

	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// SetAgentState marks state as the current lifecycle state of agent.
func (m *Metrics) SetAgentState(agent string, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.agentState.WithLabelValues(agent, s).Set(v)
	}
}

// IncRestart counts a restart of agent.
func (m *Metrics) IncRestart(agent string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(agent).Inc()
}

// IncHealthFailure counts a failed health probe.
func (m *Metrics) IncHealthFailure(agent string) {
	if m == nil {
		return
	}
	m.healthFailures.WithLabelValues(agent).Inc()
}

// SetDivergence exports the current divergence counter of agent.
func (m *Metrics) SetDivergence(agent string, n int) {
	if m == nil {
		return
	}
	m.reconcileDivergent.WithLabelValues(agent).Set(float64(n))
}

// IncReconcileAction counts a reconcile action and its outcome.
func (m *Metrics) IncReconcileAction(action, outcome string) {
	if m == nil {
		return
	}
	m.reconcileActions.WithLabelValues(action, outcome).Inc()
}

// IncRPC counts a handled JSON-RPC request.
func (m *Metrics) IncRPC(method, code string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, code).Inc()
}

// AddStreamSubscribers adjusts the attached stream subscriber gauge.
func (m *Metrics) AddStreamSubscribers(delta int) {
	if m == nil {
		return
	}
	m.streamSubscribers.Add(float64(delta))
}

// IncDroppedSubscriber counts a subscriber disconnected for falling behind.
func (m *Metrics) IncDroppedSubscriber(source string) {
	if m == nil {
		return
	}
	m.droppedSubscribers.WithLabelValues(source).Inc()
}

// IncArtifact counts a persisted artifact.
func (m *Metrics) IncArtifact(typeTag string) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(typeTag).Inc()
}
