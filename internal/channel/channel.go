// Package channel defines the bus channel naming scheme shared by the
// orchestrator and workers. Request channels are per agent type and
// shared by all replicas; response, stream, and cancel channels are
// scoped to one session.
package channel

import "fmt"

// Health is the shared control channel workers announce liveness on.
const Health = "agent:health"

// Request returns the request channel for an agent type.
func Request(agent string) string {
	return fmt.Sprintf("agent:%s:request", agent)
}

// Response returns the session-scoped response channel for an agent.
func Response(agent, sessionID string) string {
	return fmt.Sprintf("agent:%s:response:%s", agent, sessionID)
}

// ResponsePattern matches the response channels of an agent across all
// sessions. Used by observability tooling, not the fan-in loop.
func ResponsePattern(agent string) string {
	return fmt.Sprintf("agent:%s:response:*", agent)
}

// Stream returns the session-scoped channel live progress and
// lifecycle events are published on.
func Stream(sessionID string) string {
	return fmt.Sprintf("stream:%s", sessionID)
}

// Cancel returns the session-scoped control channel cancel signals
// arrive on.
func Cancel(sessionID string) string {
	return fmt.Sprintf("cancel:%s", sessionID)
}
