// Package events carries the subject names published on the event bus by
// the task store, registry, and conflict coordinator.
package events

// Subjects published by the task store for the subscription contract
// (issue mutation, ready-set change, activity append).
const (
	IssuesChanged = "issues-changed"
	ReadyChanged  = "ready-changed"
	Activity      = "activity"
)

// Subjects published by the agent registry and lifecycle coordinator.
const (
	AgentRegistered   = "agent.registered"
	AgentHeartbeat    = "agent.heartbeat"
	AgentStateChanged = "agent.state_changed"
	AgentRemoved      = "agent.removed"
)

// Subjects published by the conflict coordinator.
const (
	ConflictOpened   = "conflict.opened"
	ConflictResolved = "conflict.resolved"
)
