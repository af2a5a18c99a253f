package taskstore

import (
	"context"
	"sort"
	"strings"
)

// Ready returns open task-typed issues, sorted by (priority asc, id
// natural). It ignores type/status filters by design: it is the
// scheduler's admission source, not a general list query.
func (s *Store) Ready(ctx context.Context) ([]*Issue, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Issue
	for _, issue := range s.issues {
		if issue.Type == TypeTask && issue.Status == StatusOpen {
			out = append(out, issue.Clone())
		}
	}
	sortByPriorityThenID(out)
	return out, nil
}

// ListFlags controls List's filtering.
type ListFlags struct {
	All    bool
	Status string
	Type   string
	Limit  int
}

// List returns issues honoring the given flags. Default excludes closed.
func (s *Store) List(ctx context.Context, flags ListFlags) ([]*Issue, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Issue
	for _, issue := range s.issues {
		if !flags.All && issue.Status == StatusClosed {
			continue
		}
		if flags.Status != "" && issue.Status != flags.Status {
			continue
		}
		if flags.Type != "" && string(issue.Type) != flags.Type {
			continue
		}
		out = append(out, issue.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if flags.Limit > 0 && len(out) > flags.Limit {
		out = out[:flags.Limit]
	}
	return out, nil
}

// SearchOptions controls Search.
type SearchOptions struct {
	Status         string // open|closed|all
	Limit          int
	IncludeComments bool
}

// Search performs a case-insensitive substring match over id, title,
// description, acceptance criteria, and optionally comments.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]*Issue, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Issue
	for _, issue := range s.issues {
		if !matchesSearchStatus(issue, opts.Status) {
			continue
		}
		if !matchesSearchText(issue, needle, opts.IncludeComments) {
			continue
		}
		out = append(out, issue.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func matchesSearchStatus(issue *Issue, status string) bool {
	switch status {
	case "", "all":
		return true
	case "open":
		return issue.Status != StatusClosed
	case "closed":
		return issue.Status == StatusClosed
	default:
		return issue.Status == status
	}
}

func matchesSearchText(issue *Issue, needle string, includeComments bool) bool {
	if needle == "" {
		return true
	}
	fields := []string{issue.ID, issue.Title, issue.Description, issue.AcceptanceCriteria}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	if includeComments {
		for _, c := range issue.Comments {
			if strings.Contains(strings.ToLower(c.Text), needle) {
				return true
			}
		}
	}
	return false
}

// Query implements the mini-DSL: `field=value` tokens for status, type/
// issue_type, assignee, id, priority are exact filters; any residual token
// is treated as free text and substring-matched like Search.
func (s *Store) Query(ctx context.Context, expr string) ([]*Issue, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	filters := map[string]string{}
	var freeText []string
	for _, tok := range strings.Fields(expr) {
		if k, v, ok := strings.Cut(tok, "="); ok && k != "" {
			filters[normalizeQueryKey(k)] = v
			continue
		}
		freeText = append(freeText, tok)
	}
	needle := strings.ToLower(strings.Join(freeText, " "))

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Issue
	for _, issue := range s.issues {
		if v, ok := filters["status"]; ok && issue.Status != v {
			continue
		}
		if v, ok := filters["type"]; ok && string(issue.Type) != v {
			continue
		}
		if v, ok := filters["assignee"]; ok && issue.Assignee != v {
			continue
		}
		if v, ok := filters["id"]; ok && issue.ID != v {
			continue
		}
		if v, ok := filters["priority"]; ok && fmtInt(issue.Priority) != v {
			continue
		}
		if !matchesSearchText(issue, needle, false) {
			continue
		}
		out = append(out, issue.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func normalizeQueryKey(k string) string {
	if k == "issue_type" {
		return "type"
	}
	return k
}

func fmtInt(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// DepDirection selects which edges DepTree follows.
type DepDirection string

const (
	DepDown DepDirection = "down"
	DepUp   DepDirection = "up"
	DepBoth DepDirection = "both"
)

// DepTreeOptions controls DepTree.
type DepTreeOptions struct {
	Direction DepDirection
	MaxDepth  int
	Status    string
}

// DepNode is one entry in a dependency tree traversal.
type DepNode struct {
	ID       string     `json:"id"`
	Status   string     `json:"status"`
	Depth    int        `json:"depth"`
	Children []*DepNode `json:"children,omitempty"`
}

// DepTree performs a cycle-safe traversal of the dependency graph rooted
// at id. down follows DependsOn edges (what id depends on); up follows
// dependents (what depends on id); both returns a composite of both.
func (s *Store) DepTree(ctx context.Context, id string, opts DepTreeOptions) (*DepNode, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 20
	}
	direction := opts.Direction
	if direction == "" {
		direction = DepDown
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.issues[id]; !ok {
		return nil, ErrNotFound
	}

	dependents := s.invertDependenciesLocked()

	switch direction {
	case DepUp:
		return s.buildDepNodeLocked(id, 0, maxDepth, opts.Status, map[string]bool{}, dependents, true), nil
	case DepBoth:
		down := s.buildDepNodeLocked(id, 0, maxDepth, opts.Status, map[string]bool{}, dependents, false)
		up := s.buildDepNodeLocked(id, 0, maxDepth, opts.Status, map[string]bool{}, dependents, true)
		down.Children = append(down.Children, up.Children...)
		return down, nil
	default:
		return s.buildDepNodeLocked(id, 0, maxDepth, opts.Status, map[string]bool{}, dependents, false), nil
	}
}

func (s *Store) invertDependenciesLocked() map[string][]string {
	inv := make(map[string][]string)
	for _, issue := range s.issues {
		for _, d := range issue.Dependencies {
			inv[d.DependsOnID] = append(inv[d.DependsOnID], issue.ID)
		}
	}
	return inv
}

func (s *Store) buildDepNodeLocked(id string, depth, maxDepth int, statusFilter string, seen map[string]bool, dependents map[string][]string, up bool) *DepNode {
	issue := s.issues[id]
	node := &DepNode{ID: id, Depth: depth}
	if issue != nil {
		node.Status = issue.Status
	}
	if seen[id] || depth >= maxDepth || issue == nil {
		return node
	}
	seen[id] = true
	defer delete(seen, id)

	var next []string
	if up {
		next = dependents[id]
	} else {
		for _, d := range issue.Dependencies {
			next = append(next, d.DependsOnID)
		}
	}

	for _, childID := range next {
		child := s.issues[childID]
		if child == nil {
			continue
		}
		if statusFilter != "" && child.Status != statusFilter {
			continue
		}
		node.Children = append(node.Children, s.buildDepNodeLocked(childID, depth+1, maxDepth, statusFilter, seen, dependents, up))
	}
	return node
}

// Activity returns the newest-first activity log, capped at limit (or a
// default if limit <= 0).
func (s *Store) Activity(ctx context.Context, limit int) ([]ActivityEvent, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.activityLog)
	if limit > n {
		limit = n
	}
	out := make([]ActivityEvent, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.activityLog[n-1-i]
	}
	return out, nil
}

func sortByPriorityThenID(issues []*Issue) {
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Priority != issues[j].Priority {
			return issues[i].Priority < issues[j].Priority
		}
		return issues[i].ID < issues[j].ID
	})
}
