// Package agent supervises managed agent processes.
//
// # Overview
//
// The Orchestrator owns one AgentProcess per configured agent and is the
// only writer of lifecycle state. Other components read Status snapshots.
//
//	orch, err := agent.NewOrchestrator(agent.Params{
//	    Specs:      specs,
//	    Supervisor: process.NewManager(pidDir, logDir, logger),
//	    Prober:     health.NewProber(timeout, "", health.DefaultBackoff),
//	    Ports:      allocator,
//	    Bus:        bus,
//	})
//
// # Lifecycle
//
//	stopped -> starting -> running -> stopping -> stopped
//	starting -> failed, running -> failed, stopping -> failed
//	failed -> starting
//
// Start reserves a port, spawns the process with PORT and A2A_PORT set and
// "{port}" substituted in its arguments, and waits for the first healthy
// probe. A process that never becomes healthy is terminated and its port
// released once it has been reaped.
//
// # Supervision
//
// Each running agent has its own health monitor. Consecutive failures past
// the threshold fail the agent; an unexpected exit does the same. With
// AutoRestart enabled both paths call Restart, which counts against a
// rolling-window ceiling. Exceeding the ceiling quarantines the agent:
// AutoStart refuses it until an operator calls Start.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Lifecycle operations on one
// agent are serialized; operations on different agents run in parallel.
package agent
