package taskstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// CreateAgent inserts a new agent-typed issue bound to taskID.
func (s *Store) CreateAgent(ctx context.Context, title, taskID string, opts CreateOptions) (*Issue, error) {
	opts.Type = TypeAgent
	v, err := s.queue.submit(ctx, func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		issue, err := s.insertIssueLocked(title, "", opts)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		issue.AgentLog = &AgentLog{CurrentTaskID: taskID, UpdatedAt: now}
		if err := s.writeIssueFile(issue); err != nil {
			return nil, err
		}
		if err := s.flushIndexAndActivityLocked(); err != nil {
			return nil, err
		}
		return issue.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	s.publishIssuesChanged(ctx)
	return v.(*Issue), nil
}

// SetAgentState transitions an agent issue's agent_state and bumps its
// last_activity.
func (s *Store) SetAgentState(ctx context.Context, agentID, state string) (*Issue, error) {
	v, err := s.queue.submit(ctx, func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		issue, ok := s.issues[agentID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
		}
		if !ValidStatusesFor(TypeAgent)[state] {
			return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, state)
		}

		now := time.Now().UTC()
		issue.AgentState = state
		issue.LastActivity = &now
		issue.UpdatedAt = now
		if IsTerminal(state) {
			issue.Status = StatusClosed
		}

		if err := s.writeIssueFile(issue); err != nil {
			return nil, err
		}
		s.appendActivityLocked(ActivityAgentState, agentID, "", map[string]interface{}{"state": state})
		if err := s.flushIndexAndActivityLocked(); err != nil {
			return nil, err
		}
		return issue.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	s.publishIssuesChanged(ctx)
	return v.(*Issue), nil
}

// Heartbeat bumps an agent issue's last_activity. Persistence is deferred
// and coalesced rather than flushed immediately.
func (s *Store) Heartbeat(ctx context.Context, agentID string) error {
	_, err := s.queue.submit(ctx, func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		issue, ok := s.issues[agentID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
		}
		now := time.Now().UTC()
		issue.LastActivity = &now
		if issue.AgentLog != nil {
			issue.AgentLog.UpdatedAt = now
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	s.scheduleDeferredFlush()
	return nil
}

// SetSlot binds a named slot on an agent issue to a task id.
func (s *Store) SetSlot(ctx context.Context, agentID, slot, taskID string) (*Issue, error) {
	v, err := s.queue.submit(ctx, func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		issue, ok := s.issues[agentID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
		}
		if issue.SlotBindings == nil {
			issue.SlotBindings = make(map[string]string)
		}
		issue.SlotBindings[slot] = taskID
		issue.UpdatedAt = time.Now().UTC()

		if err := s.writeIssueFile(issue); err != nil {
			return nil, err
		}
		s.appendActivityLocked(ActivitySlotSet, agentID, "", map[string]interface{}{"slot": slot, "task_id": taskID})
		if err := s.flushIndexAndActivityLocked(); err != nil {
			return nil, err
		}
		return issue.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	s.publishIssuesChanged(ctx)
	return v.(*Issue), nil
}

// ClearSlot removes a slot binding from an agent issue.
func (s *Store) ClearSlot(ctx context.Context, agentID, slot string) (*Issue, error) {
	v, err := s.queue.submit(ctx, func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		issue, ok := s.issues[agentID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
		}
		delete(issue.SlotBindings, slot)
		issue.UpdatedAt = time.Now().UTC()

		if err := s.writeIssueFile(issue); err != nil {
			return nil, err
		}
		s.appendActivityLocked(ActivitySlotClear, agentID, "", map[string]interface{}{"slot": slot})
		if err := s.flushIndexAndActivityLocked(); err != nil {
			return nil, err
		}
		return issue.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	s.publishIssuesChanged(ctx)
	return v.(*Issue), nil
}

// RecordAgentEvent appends a best-effort activity entry describing an
// out-of-band agent event (the registry keeps the live ring buffer; this
// is the durable trace of it).
func (s *Store) RecordAgentEvent(ctx context.Context, agentID string, data map[string]interface{}) {
	_, err := s.queue.submit(ctx, func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.appendActivityLocked(ActivityAgentState, agentID, "", data)
		return nil, nil
	})
	if err != nil {
		s.log.Debug("record agent event failed", zap.Error(err))
	}
	s.scheduleDeferredFlush()
}

// RecordAgentUsage folds usage into an agent issue's totals and re-derives
// the bound task's aggregate by scanning every agent log bound to it.
// Persistence is deferred like Heartbeat.
func (s *Store) RecordAgentUsage(ctx context.Context, agentID string, usage UsageTotals) error {
	_, err := s.queue.submit(ctx, func() (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		issue, ok := s.issues[agentID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
		}
		if issue.AgentLog == nil {
			issue.AgentLog = &AgentLog{}
		}
		issue.AgentLog.Usage.Add(usage)
		issue.AgentLog.UpdatedAt = time.Now().UTC()

		taskID := issue.AgentLog.CurrentTaskID
		if taskID == "" {
			return nil, nil
		}
		s.recomputeTaskUsageLocked(taskID)
		return nil, nil
	})
	if err != nil {
		return err
	}
	s.scheduleDeferredFlush()
	return nil
}

// recomputeTaskUsageLocked aggregates usage across every agent log bound
// to taskID onto that task's UsageTotals. Caller must hold s.mu.
func (s *Store) recomputeTaskUsageLocked(taskID string) {
	task, ok := s.issues[taskID]
	if !ok {
		return
	}
	total := UsageTotals{}
	for _, issue := range s.issues {
		if issue.AgentLog != nil && issue.AgentLog.CurrentTaskID == taskID {
			total.Add(issue.AgentLog.Usage)
		}
	}
	task.UsageTotals = &total
}

// compactStaleAgents demotes agent issues whose heartbeat predates the
// configured TTL to "dead", and evicts the oldest terminal agent records
// beyond the configured cap. Runs lazily on every deferred flush.
func (s *Store) compactStaleAgents() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := s.cfg.AgentTTL()
	now := time.Now().UTC()

	var terminal []*Issue
	for _, issue := range s.issues {
		if issue.Type != TypeAgent {
			continue
		}
		if !IsTerminal(issue.AgentState) && issue.LastActivity != nil && now.Sub(*issue.LastActivity) > ttl {
			issue.AgentState = StatusDead
			issue.UpdatedAt = now
			_ = s.writeIssueFile(issue)
		}
		if IsTerminal(issue.AgentState) {
			terminal = append(terminal, issue)
		}
	}

	capN := s.cfg.AgentRecordCap
	if capN <= 0 || len(terminal) <= capN {
		return
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].UpdatedAt.Before(terminal[j].UpdatedAt) })
	excess := terminal[:len(terminal)-capN]
	for _, issue := range excess {
		delete(s.issues, issue.ID)
		_ = s.removeIssueFile(issue.ID)
	}
	_ = s.flushIndexAndActivityLocked()
}
