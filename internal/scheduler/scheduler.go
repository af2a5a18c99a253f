// Package scheduler decides which ready tasks may be claimed next: it
// joins the task store's ready set against the agent registry's active
// holders and the in-progress label set, so it never hands out a task that
// is already running or that would contend for an exclusive label.
package scheduler

import (
	"context"
	"errors"
	"sort"

	"github.com/omscore/oms/internal/common/logger"
	"github.com/omscore/oms/internal/registry"
	"github.com/omscore/oms/internal/taskstore"
	"go.uber.org/zap"
)

// Scheduler has no goroutine of its own; every method is a point-in-time
// query or mutation against the store and registry it was built with.
type Scheduler struct {
	store *taskstore.Store
	reg   *registry.Registry
	log   *logger.Logger
}

// New constructs a Scheduler over a task store and an agent registry.
func New(store *taskstore.Store, reg *registry.Registry, log *logger.Logger) *Scheduler {
	return &Scheduler{store: store, reg: reg, log: log}
}

// GetNextTasks returns up to n ready tasks that are not already held by an
// active agent, not blocked by a non-closed dependency, and do not share a
// label with any in-progress task. Survivors are sorted by (priority asc,
// id natural).
func (s *Scheduler) GetNextTasks(ctx context.Context, n int) ([]*taskstore.Issue, error) {
	ready, err := s.store.Ready(ctx)
	if err != nil {
		return nil, err
	}

	held := s.heldTaskIDs()

	inProgress, err := s.store.List(ctx, taskstore.ListFlags{Status: taskstore.StatusInProgress})
	if err != nil {
		return nil, err
	}
	conflictLabels := labelSet(inProgress)

	var survivors []*taskstore.Issue
	for _, issue := range ready {
		if held[issue.ID] {
			continue
		}
		blocked, err := s.isBlocked(ctx, issue)
		if err != nil {
			return nil, err
		}
		if blocked {
			continue
		}
		if sharesLabel(issue.Labels, conflictLabels) {
			continue
		}
		survivors = append(survivors, issue)
	}

	sort.Slice(survivors, func(i, j int) bool {
		if survivors[i].Priority != survivors[j].Priority {
			return survivors[i].Priority < survivors[j].Priority
		}
		return survivors[i].ID < survivors[j].ID
	})

	if n > 0 && len(survivors) > n {
		survivors = survivors[:n]
	}
	return survivors, nil
}

// GetInProgressTasksWithoutAgent lists in_progress tasks with no active
// registry holder, sorted by priority.
func (s *Scheduler) GetInProgressTasksWithoutAgent(ctx context.Context, n int) ([]*taskstore.Issue, error) {
	inProgress, err := s.store.List(ctx, taskstore.ListFlags{Status: taskstore.StatusInProgress})
	if err != nil {
		return nil, err
	}
	held := s.heldTaskIDs()

	var out []*taskstore.Issue
	for _, issue := range inProgress {
		if !held[issue.ID] {
			out = append(out, issue)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// TryClaim attempts to move a task to in_progress atomically. A race lost
// against another claimant resolves to (false, nil); any other failure
// propagates.
func (s *Scheduler) TryClaim(ctx context.Context, taskID string) (bool, error) {
	_, err := s.store.Update(ctx, taskID, taskstore.UpdatePatch{Claim: true})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, taskstore.ErrAlreadyClaimed) {
		return false, nil
	}
	return false, err
}

// FindTasksUnblockedBy rescans every non-closed task and returns those
// whose only blocking dependency was closedTaskID, for firing an admission
// round right after a closure.
func (s *Scheduler) FindTasksUnblockedBy(ctx context.Context, closedTaskID string) ([]*taskstore.Issue, error) {
	all, err := s.store.List(ctx, taskstore.ListFlags{All: false})
	if err != nil {
		return nil, err
	}

	var out []*taskstore.Issue
	for _, issue := range all {
		dependedOnClosed := false
		stillBlocked := false
		for _, dep := range issue.Dependencies {
			if !dep.Type.IsBlocking() {
				continue
			}
			if dep.DependsOnID == closedTaskID {
				dependedOnClosed = true
				continue
			}
			if dep.Status != taskstore.StatusClosed {
				stillBlocked = true
			}
		}
		if dependedOnClosed && !stillBlocked {
			out = append(out, issue)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// heldTaskIDs is the set of task ids currently bound to an active registry
// entry.
func (s *Scheduler) heldTaskIDs() map[string]bool {
	held := make(map[string]bool)
	for _, entry := range s.reg.GetActive() {
		if entry.TaskID != "" {
			held[entry.TaskID] = true
		}
	}
	return held
}

// isBlocked resolves a task's blocking dependencies, preferring inline
// records and falling back to a full fetch when only a count is cached.
func (s *Scheduler) isBlocked(ctx context.Context, issue *taskstore.Issue) (bool, error) {
	deps := issue.Dependencies
	if len(deps) == 0 && len(issue.DependsOn) > 0 {
		full, err := s.store.Show(ctx, issue.ID)
		if err != nil {
			s.log.Debug("scheduler: resolving dependencies for blocked check failed",
				zap.String("issue_id", issue.ID), zap.Error(err))
			return true, nil
		}
		deps = full.Dependencies
	}
	for _, dep := range deps {
		if dep.Type.IsBlocking() && dep.Status != taskstore.StatusClosed {
			return true, nil
		}
	}
	return false, nil
}

func labelSet(issues []*taskstore.Issue) map[string]bool {
	set := make(map[string]bool)
	for _, issue := range issues {
		for _, l := range issue.Labels {
			set[l] = true
		}
	}
	return set
}

func sharesLabel(labels []string, set map[string]bool) bool {
	for _, l := range labels {
		if set[l] {
			return true
		}
	}
	return false
}
