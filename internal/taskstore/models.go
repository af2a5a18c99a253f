// Package taskstore is the durable, single source of truth for issues,
// dependencies, comments, and activity. See the store's doc comment on
// Store for the on-disk layout and concurrency contract.
package taskstore

import "time"

// IssueType enumerates the schedulable and administrative shapes an issue
// can take.
type IssueType string

const (
	TypeTask          IssueType = "task"
	TypeBug           IssueType = "bug"
	TypeFeature       IssueType = "feature"
	TypeEpic          IssueType = "epic"
	TypeGroup         IssueType = "group"
	TypeNoop          IssueType = "noop"
	TypeChore         IssueType = "chore"
	TypeAgent         IssueType = "agent"
	TypeRole          IssueType = "role"
	TypeRig           IssueType = "rig"
	TypeConvoy        IssueType = "convoy"
	TypeEvent         IssueType = "event"
	TypeSlot          IssueType = "slot"
	TypeMergeRequest  IssueType = "merge-request"
	TypeMolecule      IssueType = "molecule"
	TypeGate          IssueType = "gate"
)

// Scope is a rough sizing estimate for a task-typed issue.
type Scope string

const (
	ScopeTiny   Scope = "tiny"
	ScopeSmall  Scope = "small"
	ScopeMedium Scope = "medium"
	ScopeLarge  Scope = "large"
	ScopeXLarge Scope = "xlarge"
)

// Task issue states.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusDeferred   = "deferred"
	StatusClosed     = "closed"
)

// Agent issue states, superset of the task states.
const (
	StatusSpawning = "spawning"
	StatusWorking  = "working"
	StatusStuck    = "stuck"
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusAborted  = "aborted"
	StatusStopped  = "stopped"
	StatusDead     = "dead"
)

// taskStatuses and agentStatuses are the valid-status sets per issue type.
var taskStatuses = map[string]bool{
	StatusOpen:       true,
	StatusInProgress: true,
	StatusBlocked:    true,
	StatusDeferred:   true,
	StatusClosed:     true,
}

var agentStatuses = map[string]bool{
	StatusSpawning:   true,
	StatusOpen:       true,
	StatusInProgress: true,
	StatusWorking:    true,
	StatusStuck:      true,
	StatusDone:       true,
	StatusFailed:     true,
	StatusAborted:    true,
	StatusStopped:    true,
	StatusDead:       true,
	StatusClosed:     true,
}

// terminalStatuses are the agent states the registry and store treat as
// no-longer-active.
var terminalStatuses = map[string]bool{
	StatusDone:    true,
	StatusFailed:  true,
	StatusAborted: true,
	StatusStopped: true,
	StatusDead:    true,
	StatusClosed:  true,
}

// ValidStatusesFor returns the valid-status set for an issue type.
func ValidStatusesFor(t IssueType) map[string]bool {
	if t == TypeAgent {
		return agentStatuses
	}
	return taskStatuses
}

// IsTerminal reports whether status is a terminal agent/issue state.
func IsTerminal(status string) bool {
	return terminalStatuses[status]
}

// DependencyType classifies the semantics of a dependency edge.
type DependencyType string

const (
	DepBlocks      DependencyType = "blocks"
	DepParentChild DependencyType = "parent-child"
	DepRelated     DependencyType = "related"
)

// IsBlocking reports whether a dependency of this type gates scheduling.
func (d DependencyType) IsBlocking() bool {
	return d == "" || d == DepBlocks || d == DepParentChild
}

// DependencyRecord is the cached view of one dependency edge, stored on the
// dependent issue and re-stamped when the depended-on issue closes.
type DependencyRecord struct {
	DependsOnID string         `json:"depends_on_id"`
	Type        DependencyType `json:"type,omitempty"`
	Status      string         `json:"status"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Comment is an append-only note on an issue.
type Comment struct {
	ID        int64     `json:"id"`
	IssueID   string    `json:"issue_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ActivityType enumerates the kinds of activity events the store emits.
type ActivityType string

const (
	ActivityCreate      ActivityType = "create"
	ActivityUpdate      ActivityType = "update"
	ActivityClose       ActivityType = "close"
	ActivityCommentAdd  ActivityType = "comment_add"
	ActivityDepAdd      ActivityType = "dep_add"
	ActivityLabelAdd    ActivityType = "label_add"
	ActivityAgentState  ActivityType = "agent_state"
	ActivitySlotSet     ActivityType = "slot_set"
	ActivitySlotClear   ActivityType = "slot_clear"
	ActivityDelete      ActivityType = "delete"
	ActivityCreateBatch ActivityType = "create_batch"
)

// ActivityEvent is an immutable record appended to the activity log.
type ActivityEvent struct {
	ID        int64                  `json:"id"`
	IssueID   string                 `json:"issue_id,omitempty"`
	Type      ActivityType           `json:"type"`
	Actor     string                 `json:"actor,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// UsageTotals aggregates token/cost usage for an agent or task.
type UsageTotals struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add folds another usage sample into the receiver.
func (u *UsageTotals) Add(other UsageTotals) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD += other.CostUSD
}

// AgentLog is the transient binding + usage record embedded in an
// agent-typed issue's JSON file under the "__agent_log" key. Message bodies
// are intentionally never persisted here (see spec §4.2 / §9).
type AgentLog struct {
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
	Usage         UsageTotals `json:"usage"`
}

// Issue is the durable unit of work tracked by the store.
type Issue struct {
	ID                 string             `json:"id"`
	Title               string             `json:"title"`
	Description         string             `json:"description,omitempty"`
	AcceptanceCriteria  string             `json:"acceptance_criteria,omitempty"`
	Status              string             `json:"status"`
	Priority            int                `json:"priority"`
	Type                IssueType          `json:"issue_type"`
	Labels              []string           `json:"labels,omitempty"`
	Assignee            string             `json:"assignee,omitempty"`
	Scope               Scope              `json:"scope,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
	ClosedAt            *time.Time         `json:"closed_at,omitempty"`
	CloseReason         string             `json:"close_reason,omitempty"`
	Comments            []Comment          `json:"comments,omitempty"`
	Dependencies        []DependencyRecord `json:"dependencies,omitempty"`
	DependsOn           []string           `json:"depends_on,omitempty"`
	References          []string           `json:"references,omitempty"`

	// Agent-typed issues only.
	AgentState   string            `json:"agent_state,omitempty"`
	LastActivity *time.Time        `json:"last_activity,omitempty"`
	SlotBindings map[string]string `json:"slot_bindings,omitempty"`
	UsageTotals  *UsageTotals      `json:"usage_totals,omitempty"`

	AgentLog *AgentLog `json:"__agent_log,omitempty"`
}

// Clone returns a deep copy of the issue, suitable for handing to callers
// that must not observe further in-memory mutation.
func (i *Issue) Clone() *Issue {
	if i == nil {
		return nil
	}
	out := *i
	out.Labels = append([]string(nil), i.Labels...)
	out.References = append([]string(nil), i.References...)
	out.DependsOn = append([]string(nil), i.DependsOn...)
	out.Comments = append([]Comment(nil), i.Comments...)
	out.Dependencies = append([]DependencyRecord(nil), i.Dependencies...)
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		out.ClosedAt = &t
	}
	if i.LastActivity != nil {
		t := *i.LastActivity
		out.LastActivity = &t
	}
	if i.SlotBindings != nil {
		out.SlotBindings = make(map[string]string, len(i.SlotBindings))
		for k, v := range i.SlotBindings {
			out.SlotBindings[k] = v
		}
	}
	if i.UsageTotals != nil {
		u := *i.UsageTotals
		out.UsageTotals = &u
	}
	if i.AgentLog != nil {
		a := *i.AgentLog
		out.AgentLog = &a
	}
	return &out
}

// IndexEntry is the denormalized row kept in _index.json for fast listing
// without reading every per-issue file.
type IndexEntry struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Priority  int       `json:"priority"`
	Title     string    `json:"title"`
	IssueType IssueType `json:"issue_type"`
	Labels    []string  `json:"labels,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Assignee  string    `json:"assignee,omitempty"`
}

func indexEntryFor(i *Issue) IndexEntry {
	return IndexEntry{
		ID:        i.ID,
		Status:    i.Status,
		Priority:  i.Priority,
		Title:     i.Title,
		IssueType: i.Type,
		Labels:    append([]string(nil), i.Labels...),
		UpdatedAt: i.UpdatedAt,
		Assignee:  i.Assignee,
	}
}
