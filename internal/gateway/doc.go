// Package gateway assembles the coven-runtime server.
//
// # Overview
//
// The Gateway owns every long-lived component: the task store, the event
// bus, the agent orchestrator, the reconciler, the SSE stream engine, the
// A2A protocol server, and the HTTP and gRPC servers that expose them.
// New builds the production wiring from a config.Config; NewWithDeps lets
// tests substitute the store, process supervisor, health prober and agent
// executor.
//
// # HTTP Endpoints
//
//   - POST /a2a/{agent} - JSON-RPC 2.0 protocol endpoint (SSE for streaming methods)
//   - GET /a2a/{agent}/.well-known/agent.json - agent card
//   - GET /health - liveness
//   - GET /health/ready - store reachable and every enabled agent running
//   - GET /metrics - Prometheus exposition, when enabled
//
// Admin API, requiring the admin scope when authentication is configured:
//
//   - GET /api/agents, GET /api/agents/{name}, GET /api/agents/{name}/card
//   - POST /api/agents/{name}/start|stop|restart
//   - PUT /api/agents/{name}/desired  {"enabled": true}
//   - POST /api/reconcile
//   - GET /api/contexts/{id}/tasks
//   - DELETE /api/contexts/{id}, DELETE /api/tasks/{id}
//
// # gRPC
//
// The gRPC listener serves grpc.health.v1.Health. The empty service name
// reports the runtime itself; each agent name reports SERVING while that
// agent is running. The status follows ProcessStarted, ProcessStopped and
// HealthChanged events from the bus.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is cancelled
//
// On the way out Run stops the servers, fails in-flight tasks, stops the
// background loops, terminates every agent process and closes the store.
//
// # Key Files
//
//   - gateway.go: construction, listeners, Run/Shutdown, Tailscale
//   - router.go: route table and probes
//   - api.go: admin handlers
//   - grpc.go: gRPC health server
//   - events.go: bus to health-service bridge
package gateway
