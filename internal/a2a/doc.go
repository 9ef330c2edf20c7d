// ABOUTME: Package a2a serves the Agent-to-Agent protocol on behalf of managed agents
// ABOUTME: See Server for the endpoint layout and method table

// Package a2a implements the runtime's protocol server. Each managed agent
// is reachable at POST /a2a/{agent} as a JSON-RPC 2.0 endpoint. Tasks are
// created, resumed and cancelled here; their work is forwarded to the agent
// process through an Executor and the resulting steps, artifacts and status
// changes are persisted and published on the event bus, from which
// streaming clients are fed over SSE.
package a2a
