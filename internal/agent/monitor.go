// ABOUTME: Per-agent health monitor goroutine with its own ticker
// ABOUTME: Consecutive probe failures past the threshold fail the agent and trigger an automatic restart

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/coven-runtime/internal/events"
)

func (o *Orchestrator) monitor(ctx context.Context, ap *AgentProcess, gen uint64, endpoint string) {
	defer o.wg.Done()

	name := ap.spec.Name
	ticker := time.NewTicker(o.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res := o.prober.Probe(ctx, endpoint, ap.spec.CardPath)
		if ctx.Err() != nil {
			return
		}

		o.mu.Lock()
		if ap.gen != gen || ap.state != StateRunning {
			o.mu.Unlock()
			return
		}
		flipped := ap.healthy != res.Healthy
		ap.healthy = res.Healthy
		ap.lastCheck = res.At
		if res.Healthy {
			ap.failures = 0
			if res.Card != nil {
				o.cards.Add(name, res.Card)
			}
		} else {
			ap.failures++
			o.metrics.IncHealthFailure(name)
		}
		failures := ap.failures
		o.mu.Unlock()

		if flipped {
			ev := events.Event{Type: events.HealthChanged, Agent: name, Healthy: res.Healthy}
			if res.Err != nil {
				ev.Reason = res.Err.Error()
			}
			o.logger.Info("agent health changed", "agent", name, "healthy", res.Healthy, "error", res.Err)
			o.publish(ev)
		}

		if !res.Healthy && failures >= o.opts.FailureThreshold {
			o.failUnhealthy(ap, gen, fmt.Errorf("health check failed %d times: %w", failures, res.Err))
			return
		}
	}
}

// failUnhealthy declares a running agent failed, terminates it and applies
// the auto-restart rule.
func (o *Orchestrator) failUnhealthy(ap *AgentProcess, gen uint64, reason error) {
	name := ap.spec.Name
	release, err := o.acquire(o.ctx, ap)
	if err != nil {
		return
	}

	o.mu.Lock()
	if ap.gen != gen || ap.state != StateRunning {
		o.mu.Unlock()
		release()
		return
	}
	o.setState(ap, StateFailed)
	ap.lastErr = reason.Error()
	if ap.stopMonitor != nil {
		ap.stopMonitor()
		ap.stopMonitor = nil
	}
	h, port, desired := ap.handle, ap.port, ap.desired
	o.mu.Unlock()

	o.logger.Error("agent failed health checks", "agent", name, "error", reason)

	termCtx, cancel := context.WithTimeout(context.Background(), o.opts.StopTimeout+5*time.Second)
	_, err = o.sup.Terminate(termCtx, h, o.opts.StopTimeout)
	cancel()
	if err != nil {
		o.logger.Error("terminating unhealthy agent failed", "agent", name, "error", err)
	}

	o.mu.Lock()
	if ap.gen == gen && ap.handle == h && h.Exited() {
		o.clearProcess(ap)
	}
	o.mu.Unlock()
	release()

	o.publish(events.Event{Type: events.ProcessStopped, Agent: name, Port: port, PID: h.PID, Reason: ReasonUnhealthy})
	if desired {
		o.autoRestart(name)
	}
}
