// Package supervisor declares the contract the orchestration nucleus
// expects from whatever spawns and kills agent processes. The nucleus
// never launches a process itself; it calls out to an implementation of
// Supervisor, which may be a sibling service, a container runtime shim, or
// (in tests) an in-memory fake.
package supervisor

import (
	"context"
	"time"
)

// KickoffContext carries role-specific context into a freshly spawned
// agent: a steering message for a worker, a recovery reason for a
// finisher, ignored by an issuer.
type KickoffContext struct {
	Message string
	Extra   map[string]interface{}
}

// ExitInfo is reported once a spawned agent terminates.
type ExitInfo struct {
	AgentID   string
	ExitCode  int
	Signal    string
	ExitedAt  time.Time
	OOMKilled bool
}

// Supervisor is the process-lifecycle boundary consumed by the lifecycle
// coordinator. Implementations own the actual spawn mechanism (container,
// subprocess, remote RPC); the nucleus only ever sees agent ids.
type Supervisor interface {
	// Spawn starts a new agent of the given role bound to taskID and
	// returns its agent id once launch has been accepted (not necessarily
	// once the agent is ready to run).
	Spawn(ctx context.Context, role, taskID string, kickoff KickoffContext) (agentID string, err error)

	// Kill signals an existing agent to stop. signal is advisory
	// ("TERM"/"KILL"); implementations may escalate on their own schedule.
	Kill(ctx context.Context, agentID, signal string) error

	// OnExit blocks until the agent has reported a terminal status, or ctx
	// is canceled.
	OnExit(ctx context.Context, agentID string) (ExitInfo, error)
}
