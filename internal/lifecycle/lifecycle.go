// Package lifecycle owns the pipeline state machine for a task: the
// sequence of roles that take custody of it from creation through
// worker-completion to close. Stage is volatile orchestrator state, not
// persisted on the issue itself and not rebuilt on restart: after a
// restart every task reads as StageCreated until it is advanced again.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/omscore/oms/internal/common/logger"
	"github.com/omscore/oms/internal/registry"
	"github.com/omscore/oms/internal/supervisor"
	"github.com/omscore/oms/internal/taskstore"
)

// Stage is a node in the pipeline state machine.
type Stage string

const (
	StageCreated         Stage = "created"
	StageIssuerRunning   Stage = "issuer_running"
	StageWorkerRunning   Stage = "worker_running"
	StageFinisherRunning Stage = "finisher_running"
	StageDeferred        Stage = "deferred"
	StageDone            Stage = "done"
)

var (
	ErrInvalidAction = errors.New("invalid lifecycle action for current stage")
	ErrInvalidTarget = errors.New("advance target not permitted for role")
	ErrNoRunningRole = errors.New("no running agent of that role for task")
)

// allowedAdvanceTargets restricts which roles a given role may hand a task
// to via action=advance.
var allowedAdvanceTargets = map[registry.Kind][]registry.Kind{
	registry.KindWorker:     {registry.KindDesigner, registry.KindFastWorker},
	registry.KindDesigner:   {registry.KindWorker},
	registry.KindFastWorker: {registry.KindWorker},
}

func targetAllowed(role registry.Kind, target registry.Kind) bool {
	for _, t := range allowedAdvanceTargets[role] {
		if t == target {
			return true
		}
	}
	return false
}

// Coordinator drives task stage transitions and the spawn/kill calls that
// accompany them.
type Coordinator struct {
	mu     sync.Mutex
	stages map[string]Stage

	store *taskstore.Store
	reg   *registry.Registry
	sup   supervisor.Supervisor
	log   *logger.Logger
}

// New constructs a Coordinator. Every task starts in StageCreated until
// observed otherwise.
func New(store *taskstore.Store, reg *registry.Registry, sup supervisor.Supervisor, log *logger.Logger) *Coordinator {
	return &Coordinator{
		stages: make(map[string]Stage),
		store:  store,
		reg:    reg,
		sup:    sup,
		log:    log,
	}
}

// Stage returns a task's current pipeline stage, defaulting to
// StageCreated if never observed.
func (c *Coordinator) Stage(taskID string) Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stages[taskID]; ok {
		return s
	}
	return StageCreated
}

func (c *Coordinator) setStage(taskID string, s Stage) {
	c.mu.Lock()
	c.stages[taskID] = s
	c.mu.Unlock()
}

// AdvanceLifecycle applies a role's signal to a task's pipeline stage. The
// store records the transition as a comment so the trace survives
// restarts even though the stage map itself does not. That comment
// publishes issues-changed only; AdvanceLifecycle does not run the
// scheduler or start an admission round.
func (c *Coordinator) AdvanceLifecycle(ctx context.Context, taskID string, role registry.Kind, action, target, actor string) (Stage, error) {
	current := c.Stage(taskID)
	next, err := c.transition(current, role, action, target)
	if err != nil {
		return current, err
	}

	c.setStage(taskID, next)

	note := fmt.Sprintf("lifecycle: %s -> %s (%s/%s)", current, next, role, action)
	if target != "" {
		note += " target=" + target
	}
	if _, err := c.store.Comment(ctx, taskID, actorOrSystem(actor), note); err != nil {
		c.log.Debug("lifecycle: failed to record transition comment", zap.String("task_id", taskID), zap.Error(err))
	}

	return next, nil
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}

func (c *Coordinator) transition(current Stage, role registry.Kind, action, target string) (Stage, error) {
	switch current {
	case StageCreated, StageIssuerRunning:
		switch action {
		case "start":
			return StageWorkerRunning, nil
		case "skip":
			return StageFinisherRunning, nil
		case "defer":
			return StageDeferred, nil
		}
	case StageWorkerRunning:
		switch action {
		case "done", "escalate":
			return StageFinisherRunning, nil
		case "advance":
			if target == "" {
				return current, fmt.Errorf("%w: target required", ErrInvalidTarget)
			}
			if !targetAllowed(role, registry.Kind(target)) {
				return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTarget, role, target)
			}
			return StageWorkerRunning, nil
		}
	case StageDeferred:
		switch action {
		case "start":
			return StageWorkerRunning, nil
		}
	case StageFinisherRunning:
		switch action {
		case "close":
			return StageDone, nil
		case "reopen":
			return StageWorkerRunning, nil
		}
	}
	return current, fmt.Errorf("%w: stage=%s action=%s", ErrInvalidAction, current, action)
}

// ReplaceAgent stops any running agent of role bound to taskID (if one
// exists) and spawns a fresh one with kickoff, regardless of whether a
// prior one was found; the call is idempotent.
func (c *Coordinator) ReplaceAgent(ctx context.Context, role registry.Kind, taskID string, kickoff supervisor.KickoffContext) (string, error) {
	for _, entry := range c.reg.GetActiveByTask(taskID) {
		if entry.Kind != role {
			continue
		}
		if err := c.stopAndAwait(ctx, entry.ID); err != nil {
			c.log.Debug("replace_agent: stop of prior agent failed", zap.String("agent_id", entry.ID), zap.Error(err))
		}
		break
	}

	agentID, err := c.sup.Spawn(ctx, string(role), taskID, kickoff)
	if err != nil {
		return "", fmt.Errorf("spawn %s for task %s: %w", role, taskID, err)
	}
	c.reg.Register(registry.RegisterInfo{
		ID:     agentID,
		Kind:   role,
		TaskID: taskID,
		Status: registry.StatusSpawning,
	})
	return agentID, nil
}

// StopAgentsForTask signals every active agent bound to taskID, finisher
// excluded by default, and optionally awaits each one's terminal
// transition before returning.
func (c *Coordinator) StopAgentsForTask(ctx context.Context, taskID string, includeFinisher, waitForCompletion bool) (int, error) {
	snapshot := c.reg.GetActiveByTask(taskID)

	var targets []*registry.Entry
	for _, entry := range snapshot {
		if entry.Kind == registry.KindFinisher && !includeFinisher {
			continue
		}
		targets = append(targets, entry)
	}

	for _, entry := range targets {
		if err := c.sup.Kill(ctx, entry.ID, "TERM"); err != nil {
			c.log.Debug("stop_agents_for_task: kill failed", zap.String("agent_id", entry.ID), zap.Error(err))
		}
	}

	if !waitForCompletion {
		return len(targets), nil
	}

	for _, entry := range targets {
		if _, err := c.sup.OnExit(ctx, entry.ID); err != nil {
			c.log.Debug("stop_agents_for_task: wait for exit failed", zap.String("agent_id", entry.ID), zap.Error(err))
		}
		c.reg.Remove(entry.ID)
	}
	return len(targets), nil
}

func (c *Coordinator) stopAndAwait(ctx context.Context, agentID string) error {
	if err := c.sup.Kill(ctx, agentID, "TERM"); err != nil {
		return err
	}
	if _, err := c.sup.OnExit(ctx, agentID); err != nil {
		return err
	}
	c.reg.Remove(agentID)
	return nil
}
