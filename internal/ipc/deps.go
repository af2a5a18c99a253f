package ipc

import (
	"context"
	"sync"
	"time"

	"github.com/omscore/oms/internal/common/config"
	"github.com/omscore/oms/internal/common/logger"
	"github.com/omscore/oms/internal/conflict"
	"github.com/omscore/oms/internal/lifecycle"
	"github.com/omscore/oms/internal/registry"
	"github.com/omscore/oms/internal/scheduler"
	"github.com/omscore/oms/internal/supervisor"
	"github.com/omscore/oms/internal/taskstore"
	"github.com/omscore/oms/internal/toolsurface"
	"github.com/omscore/oms/internal/verifier"
)

// Deps is the set of collaborators every verb handler is given. It is
// built once at startup and shared across all connections; nothing in it
// is connection-scoped.
type Deps struct {
	Store      *taskstore.Store
	Scheduler  *scheduler.Scheduler
	Registry   *registry.Registry
	Lifecycle  *lifecycle.Coordinator
	Conflict   *conflict.Coordinator
	Tools      *toolsurface.Registry
	Supervisor supervisor.Supervisor
	Config     *config.Config
	Log        *logger.Logger

	verifiersMu sync.Mutex
	verifiers   map[string]*verifier.Verifier

	pendingKickoffMu sync.Mutex
	pendingKickoff   map[string]string // taskID -> queued steering message for next worker spawn
}

// NewDeps constructs a Deps with its internal maps initialized.
func NewDeps(
	store *taskstore.Store,
	sched *scheduler.Scheduler,
	reg *registry.Registry,
	lc *lifecycle.Coordinator,
	cc *conflict.Coordinator,
	tools *toolsurface.Registry,
	sup supervisor.Supervisor,
	cfg *config.Config,
	log *logger.Logger,
) *Deps {
	return &Deps{
		Store: store, Scheduler: sched, Registry: reg, Lifecycle: lc, Conflict: cc,
		Tools: tools, Supervisor: sup, Config: cfg, Log: log,
		verifiers:      make(map[string]*verifier.Verifier),
		pendingKickoff: make(map[string]string),
	}
}

// VerifierFor returns (creating on first use) the completion verifier for
// agentID, rooted at workDir.
func (d *Deps) VerifierFor(ctx context.Context, agentID, workDir string) (*verifier.Verifier, error) {
	d.verifiersMu.Lock()
	defer d.verifiersMu.Unlock()

	if v, ok := d.verifiers[agentID]; ok {
		return v, nil
	}
	v, err := verifier.New(ctx, workDir)
	if err != nil {
		return nil, err
	}
	d.verifiers[agentID] = v
	return v, nil
}

// DropVerifier discards a finished agent's verifier state.
func (d *Deps) DropVerifier(agentID string) {
	d.verifiersMu.Lock()
	delete(d.verifiers, agentID)
	d.verifiersMu.Unlock()
}

// SetPendingKickoff queues a steering message for the next worker spawned
// on taskID, for interrupt_agent's deferred-delivery contract.
func (d *Deps) SetPendingKickoff(taskID, message string) {
	d.pendingKickoffMu.Lock()
	d.pendingKickoff[taskID] = message
	d.pendingKickoffMu.Unlock()
}

// PopPendingKickoff returns and clears any queued message for taskID.
func (d *Deps) PopPendingKickoff(taskID string) string {
	d.pendingKickoffMu.Lock()
	defer d.pendingKickoffMu.Unlock()
	msg := d.pendingKickoff[taskID]
	delete(d.pendingKickoff, taskID)
	return msg
}

// waitForAgentBound and complainBound expose the configured long-poll
// bounds with sane fallbacks when Config is nil (unit tests).
func (d *Deps) waitForAgentBound() time.Duration {
	if d.Config == nil {
		return 10 * time.Minute
	}
	return d.Config.IPC.WaitForAgentDuration()
}

func (d *Deps) complainBound() time.Duration {
	if d.Config == nil {
		return 5 * time.Minute
	}
	return d.Config.IPC.ComplainDuration()
}
