package taskstore

import (
	"context"
	"fmt"
	"time"
)

// CreateOptions carries the optional fields accepted by Create.
type CreateOptions struct {
	Name               string
	Type               IssueType
	Priority           int
	Labels             []string
	Assignee           string
	Scope              Scope
	AcceptanceCriteria string
	DependsOn          []string
	References         []string
}

// Create inserts a new issue. Creation is atomic: if any dependency fails
// to resolve, no issue is created.
func (s *Store) Create(ctx context.Context, title, description string, opts CreateOptions) (*Issue, error) {
	v, err := s.queue.submit(ctx, func() (interface{}, error) {
		return s.createLocked(ctx, title, description, opts)
	})
	if err != nil {
		return nil, err
	}
	s.publishIssuesChanged(ctx)
	s.publishReadyChanged(ctx)
	return v.(*Issue), nil
}

func (s *Store) createLocked(ctx context.Context, title, description string, opts CreateOptions) (*Issue, error) {
	if isBlank(title) {
		return nil, ErrEmptyTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	issue, err := s.insertIssueLocked(title, description, opts)
	if err != nil {
		return nil, err
	}
	if err := s.flushIndexAndActivityLocked(); err != nil {
		return nil, err
	}
	return issue.Clone(), nil
}

// buildIssueLocked validates and constructs a new Issue without inserting
// it into the store. Caller must hold s.mu.
func (s *Store) buildIssueLocked(title, description string, opts CreateOptions) (*Issue, error) {
	issueType := opts.Type
	if issueType == "" {
		issueType = TypeTask
	}

	labels := dedupeOrdered(opts.Labels)
	if issueType == TypeAgent {
		labels = appendUnique(labels, "gt:agent")
	}

	dependsOn := dedupeOrdered(opts.DependsOn)
	for _, depID := range dependsOn {
		if _, ok := s.issues[depID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrDependencyMissing, depID)
		}
	}

	id := generateID(issueType, opts.Name, title, func(candidate string) bool {
		_, exists := s.issues[candidate]
		return exists
	})

	now := time.Now().UTC()
	issue := &Issue{
		ID:                 id,
		Title:              title,
		Description:        description,
		AcceptanceCriteria: opts.AcceptanceCriteria,
		Status:             StatusOpen,
		Priority:           clampPriority(opts.Priority),
		Type:               issueType,
		Labels:             labels,
		Assignee:           opts.Assignee,
		Scope:              opts.Scope,
		CreatedAt:          now,
		UpdatedAt:          now,
		DependsOn:          dependsOn,
		References:         dedupeOrdered(opts.References),
	}
	if issueType == TypeAgent {
		issue.AgentState = StatusSpawning
		issue.LastActivity = &now
	}

	for _, depID := range dependsOn {
		issue.Dependencies = append(issue.Dependencies, DependencyRecord{
			DependsOnID: depID,
			Type:        DepBlocks,
			Status:      s.issues[depID].Status,
			UpdatedAt:   now,
		})
	}

	return issue, nil
}

// Show materializes the dependency list by joining cached records with the
// current status of each dependency, and returns a deep clone.
func (s *Store) Show(ctx context.Context, id string) (*Issue, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	issue, ok := s.issues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	out := issue.Clone()
	for i := range out.Dependencies {
		depID := out.Dependencies[i].DependsOnID
		if dep, ok := s.issues[depID]; ok {
			out.Dependencies[i].Status = dep.Status
		}
	}
	return out, nil
}

// UpdatePatch is the set of fields Update may change. A nil pointer field
// means "leave as-is"; Labels is applied only when LabelsSet is true, and
// then replaces the labels wholesale (an empty Labels clears them).
type UpdatePatch struct {
	Claim       bool
	Status      *string
	Priority    *int
	Labels      []string
	LabelsSet   bool
	Assignee    *string
	Scope       *Scope
	Title       *string
	Description *string
	Actor       string
}

func (s *Store) Update(ctx context.Context, id string, patch UpdatePatch) (*Issue, error) {
	v, err := s.queue.submit(ctx, func() (interface{}, error) {
		return s.updateLocked(ctx, id, patch)
	})
	if err != nil {
		return nil, err
	}
	s.publishIssuesChanged(ctx)
	s.publishReadyChanged(ctx)
	return v.(*Issue), nil
}

func (s *Store) updateLocked(ctx context.Context, id string, patch UpdatePatch) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if issue.Status == StatusClosed {
		return nil, ErrClosedIssue
	}

	validStatuses := ValidStatusesFor(issue.Type)

	if patch.Claim {
		if issue.Status != StatusOpen {
			return nil, ErrAlreadyClaimed
		}
		issue.Status = StatusInProgress
		if patch.Actor != "" {
			issue.Assignee = patch.Actor
		}
	}

	if patch.Status != nil {
		if !validStatuses[*patch.Status] {
			return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, *patch.Status)
		}
		issue.Status = *patch.Status
	}
	if patch.Priority != nil {
		issue.Priority = clampPriority(*patch.Priority)
	}
	if patch.LabelsSet {
		issue.Labels = dedupeOrdered(patch.Labels)
	}
	if patch.Assignee != nil {
		issue.Assignee = *patch.Assignee
	}
	if patch.Scope != nil {
		if !validScope(*patch.Scope) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidScope, *patch.Scope)
		}
		issue.Scope = *patch.Scope
	}
	if patch.Title != nil {
		if isBlank(*patch.Title) {
			return nil, ErrEmptyTitle
		}
		issue.Title = *patch.Title
	}
	if patch.Description != nil {
		issue.Description = *patch.Description
	}

	issue.UpdatedAt = time.Now().UTC()

	if err := s.writeIssueFile(issue); err != nil {
		return nil, err
	}
	s.appendActivityLocked(ActivityUpdate, id, patch.Actor, nil)
	if err := s.flushIndexAndActivityLocked(); err != nil {
		return nil, err
	}

	return issue.Clone(), nil
}

// Close terminates an issue and cascades the closure to every other
// issue's cached dependency record referencing it.
func (s *Store) Close(ctx context.Context, id, reason string) (*Issue, error) {
	v, err := s.queue.submit(ctx, func() (interface{}, error) {
		return s.closeLocked(ctx, id, reason)
	})
	if err != nil {
		return nil, err
	}
	s.publishIssuesChanged(ctx)
	s.publishReadyChanged(ctx)
	return v.(*Issue), nil
}

func (s *Store) closeLocked(ctx context.Context, id, reason string) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if issue.Status == StatusClosed {
		return nil, ErrClosedIssue
	}

	now := time.Now().UTC()
	issue.Status = StatusClosed
	issue.ClosedAt = &now
	issue.UpdatedAt = now
	issue.CloseReason = reason

	if reason != "" {
		issue.Comments = append(issue.Comments, Comment{
			ID:        s.nextCommentID,
			IssueID:   id,
			Author:    "system",
			Text:      "[closed] " + reason,
			CreatedAt: now,
		})
		s.nextCommentID++
	}

	if err := s.writeIssueFile(issue); err != nil {
		return nil, err
	}

	touched := []*Issue{issue}
	for _, other := range s.issues {
		if other.ID == id {
			continue
		}
		changed := false
		for i := range other.Dependencies {
			if other.Dependencies[i].DependsOnID == id {
				other.Dependencies[i].Status = StatusClosed
				other.Dependencies[i].UpdatedAt = now
				changed = true
			}
		}
		if changed {
			other.UpdatedAt = now
			if err := s.writeIssueFile(other); err != nil {
				return nil, err
			}
			touched = append(touched, other)
		}
	}

	s.appendActivityLocked(ActivityClose, id, "", map[string]interface{}{"reason": reason})
	if err := s.flushIndexAndActivityLocked(); err != nil {
		return nil, err
	}
	_ = touched

	return issue.Clone(), nil
}

// Comment appends an append-only note to an open issue.
func (s *Store) Comment(ctx context.Context, id, author, text string) (Comment, error) {
	v, err := s.queue.submit(ctx, func() (interface{}, error) {
		return s.commentLocked(id, author, text)
	})
	if err != nil {
		return Comment{}, err
	}
	s.publishIssuesChanged(ctx)
	return v.(Comment), nil
}

func (s *Store) commentLocked(id, author, text string) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return Comment{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if issue.Status == StatusClosed {
		return Comment{}, ErrClosedIssue
	}

	now := time.Now().UTC()
	c := Comment{
		ID:        s.nextCommentID,
		IssueID:   id,
		Author:    author,
		Text:      text,
		CreatedAt: now,
	}
	s.nextCommentID++
	issue.Comments = append(issue.Comments, c)
	issue.UpdatedAt = now

	if err := s.writeIssueFile(issue); err != nil {
		return Comment{}, err
	}
	s.appendActivityLocked(ActivityCommentAdd, id, author, map[string]interface{}{"comment_id": c.ID})
	if err := s.flushIndexAndActivityLocked(); err != nil {
		return Comment{}, err
	}

	return c, nil
}

// DepAdd records a dependency edge. Self-dependencies are forbidden;
// repeat calls are idempotent.
func (s *Store) DepAdd(ctx context.Context, id, dependsOnID string) (*Issue, error) {
	v, err := s.queue.submit(ctx, func() (interface{}, error) {
		return s.depAddLocked(id, dependsOnID)
	})
	if err != nil {
		return nil, err
	}
	s.publishIssuesChanged(ctx)
	s.publishReadyChanged(ctx)
	return v.(*Issue), nil
}

func (s *Store) depAddLocked(id, dependsOnID string) (*Issue, error) {
	if id == dependsOnID {
		return nil, ErrSelfDependency
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	issue, ok := s.issues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if issue.Status == StatusClosed {
		return nil, ErrClosedIssue
	}
	dep, ok := s.issues[dependsOnID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDependencyMissing, dependsOnID)
	}

	for _, d := range issue.Dependencies {
		if d.DependsOnID == dependsOnID {
			return issue.Clone(), nil
		}
	}

	now := time.Now().UTC()
	issue.Dependencies = append(issue.Dependencies, DependencyRecord{
		DependsOnID: dependsOnID,
		Type:        DepBlocks,
		Status:      dep.Status,
		UpdatedAt:   now,
	})
	issue.DependsOn = appendUnique(issue.DependsOn, dependsOnID)
	issue.UpdatedAt = now

	if err := s.writeIssueFile(issue); err != nil {
		return nil, err
	}
	s.appendActivityLocked(ActivityDepAdd, id, "", map[string]interface{}{"depends_on_id": dependsOnID})
	if err := s.flushIndexAndActivityLocked(); err != nil {
		return nil, err
	}

	return issue.Clone(), nil
}

// Delete removes an issue, its agent-log binding, and purges it from every
// dependent's cached list.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.queue.submit(ctx, func() (interface{}, error) {
		return nil, s.deleteLocked(id)
	})
	if err != nil {
		return err
	}
	s.publishIssuesChanged(ctx)
	s.publishReadyChanged(ctx)
	return nil
}

func (s *Store) deleteLocked(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.issues[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(s.issues, id)
	if err := s.removeIssueFile(id); err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, other := range s.issues {
		kept := other.Dependencies[:0]
		changed := false
		for _, d := range other.Dependencies {
			if d.DependsOnID == id {
				changed = true
				continue
			}
			kept = append(kept, d)
		}
		if changed {
			other.Dependencies = kept
			other.DependsOn = removeString(other.DependsOn, id)
			other.UpdatedAt = now
			if err := s.writeIssueFile(other); err != nil {
				return err
			}
		}
	}

	s.appendActivityLocked(ActivityDelete, id, "", nil)
	return s.flushIndexAndActivityLocked()
}

// appendActivityLocked appends an activity event, trimming from the head
// once the cap is exceeded. Caller must hold s.mu.
func (s *Store) appendActivityLocked(t ActivityType, issueID, actor string, data map[string]interface{}) ActivityEvent {
	ev := ActivityEvent{
		ID:        s.nextActivityID,
		IssueID:   issueID,
		Type:      t,
		Actor:     actor,
		CreatedAt: time.Now().UTC(),
		Data:      data,
	}
	s.nextActivityID++
	s.activityLog = append(s.activityLog, ev)

	capN := s.cfg.ActivityCap
	if capN > 0 && len(s.activityLog) > capN {
		s.activityLog = s.activityLog[len(s.activityLog)-capN:]
	}
	return ev
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 4 {
		return 4
	}
	return p
}

func validScope(sc Scope) bool {
	switch sc {
	case "", ScopeTiny, ScopeSmall, ScopeMedium, ScopeLarge, ScopeXLarge:
		return true
	default:
		return false
	}
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}

func dedupeOrdered(in []string) []string {
	if in == nil {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func appendUnique(in []string, v string) []string {
	for _, existing := range in {
		if existing == v {
			return in
		}
	}
	return append(in, v)
}

func removeString(in []string, v string) []string {
	out := in[:0]
	for _, existing := range in {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}
