// ABOUTME: Keeps the gRPC health service in step with agent lifecycle events from the bus
// ABOUTME: Each process or health event re-reads the agent's status from the orchestrator

package gateway

import (
	"context"
	"errors"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/events"
)

var lifecycleEvents = events.Types(events.ProcessStarted, events.ProcessStopped, events.HealthChanged)

// watchHealth mirrors agent state into the health service until ctx ends.
func (g *Gateway) watchHealth(ctx context.Context) error {
	for {
		sub, err := g.bus.Subscribe(ctx, lifecycleEvents)
		if err != nil {
			return err
		}
		g.syncAllHealth()

		for ev := range sub.C() {
			g.syncHealth(ev.Agent)
		}

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(sub.Err(), events.ErrBusClosed) {
			return nil
		}
		g.logger.Warn("health watcher disconnected from bus, resubscribing", "error", sub.Err())
	}
}

func (g *Gateway) syncAllHealth() {
	for _, st := range g.orch.StatusAll() {
		g.healthServer.SetServingStatus(st.Name, servingStatus(st.State == agent.StateRunning))
	}
}

func (g *Gateway) syncHealth(name string) {
	st, err := g.orch.Status(name)
	if err != nil {
		return
	}
	running := st.State == agent.StateRunning
	g.healthServer.SetServingStatus(name, servingStatus(running))
	g.logger.Debug("agent health status", "agent", name, "state", st.State, "serving", running)
}
