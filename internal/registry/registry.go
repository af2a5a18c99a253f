package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omscore/oms/internal/common/logger"
)

const defaultMaxEvents = 200

// Registry is the live, in-memory map of agent processes. It owns no
// durable state; the task store is the system of record for everything
// that must survive a restart.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	byTask    map[string]map[string]bool // taskID -> set of entry ids
	maxEvents int
	log       *logger.Logger

	listenersMu sync.RWMutex
	listeners   []func(agentID string, ev Event)
}

// New constructs an empty Registry.
func New(maxEvents int, log *logger.Logger) *Registry {
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	return &Registry{
		entries:   make(map[string]*Entry),
		byTask:    make(map[string]map[string]bool),
		maxEvents: maxEvents,
		log:       log,
	}
}

// Subscribe registers a listener invoked whenever PushEvent fires. A
// listener panic is recovered and logged, so the remaining listeners are
// still invoked.
func (r *Registry) Subscribe(fn func(agentID string, ev Event)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Register upserts an agent record. If info carries an explicit event
// buffer it is merged onto the existing one (for reconnecting agents);
// a task-id transition re-indexes the by-task set.
func (r *Registry) Register(info RegisterInfo) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, had := r.entries[info.ID]

	entry := &Entry{
		ID:           info.ID,
		Kind:         info.Kind,
		TaskID:       info.TaskID,
		AgentIssueID: info.AgentIssueID,
		Status:       info.Status,
		Model:        info.Model,
		Thinking:     info.Thinking,
		SessionID:    info.SessionID,
		Handle:       info.Handle,
		SpawnedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
	}
	if had {
		entry.SpawnedAt = existing.SpawnedAt
		entry.Events = existing.Events
		if entry.Status == "" {
			entry.Status = existing.Status
		}
		if entry.Handle == nil {
			entry.Handle = existing.Handle
		}
		r.unindexTaskLocked(existing.TaskID, existing.ID)
	}
	if len(info.Events) > 0 {
		entry.Events = append(entry.Events, info.Events...)
		entry.Events = capEvents(entry.Events, r.maxEvents)
	}
	if entry.Status == "" {
		entry.Status = StatusSpawning
	}

	r.entries[entry.ID] = entry
	r.indexTaskLocked(entry.TaskID, entry.ID)

	return entry.clone()
}

// Remove deletes an agent record entirely.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return
	}
	r.unindexTaskLocked(entry.TaskID, id)
	delete(r.entries, id)
}

// Get returns a clone of the entry with the given id, or nil.
func (r *Registry) Get(id string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.clone()
	}
	return nil
}

// GetByTask returns every entry bound to taskID, in id order.
func (r *Registry) GetByTask(taskID string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for id := range r.byTask[taskID] {
		out = append(out, r.entries[id].clone())
	}
	sortEntries(out)
	return out
}

// GetActiveByTask returns active (non-terminal) entries bound to taskID.
func (r *Registry) GetActiveByTask(taskID string) []*Entry {
	var out []*Entry
	for _, e := range r.GetByTask(taskID) {
		if IsActive(e.Status) {
			out = append(out, e)
		}
	}
	return out
}

// GetByKind returns every entry of the given kind.
func (r *Registry) GetByKind(kind Kind) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.entries {
		if e.Kind == kind {
			out = append(out, e.clone())
		}
	}
	sortEntries(out)
	return out
}

// GetActive returns every non-terminal entry.
func (r *Registry) GetActive() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.entries {
		if IsActive(e.Status) {
			out = append(out, e.clone())
		}
	}
	sortEntries(out)
	return out
}

// PushEvent appends an event to an agent's rolling buffer, truncating from
// the head past maxEvents (or the registry default), and bumps
// last-activity to the max of its current value and the event timestamp.
// Listener invocations never propagate a failure back to the caller.
func (r *Registry) PushEvent(id string, ev Event) {
	max := r.maxEvents

	r.mu.Lock()
	entry, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	entry.Events = capEvents(append(entry.Events, ev), max)
	if ev.Timestamp.After(entry.LastActivity) {
		entry.LastActivity = ev.Timestamp
	}
	r.mu.Unlock()

	r.notifyListeners(id, ev)
}

func (r *Registry) notifyListeners(id string, ev Event) {
	r.listenersMu.RLock()
	listeners := append([]func(string, Event){}, r.listeners...)
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		r.safeInvoke(fn, id, ev)
	}
}

func (r *Registry) safeInvoke(fn func(string, Event), id string, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("registry listener panicked", zap.Any("recover", rec))
		}
	}()
	fn(id, ev)
}

// maxReadMessageHistory bounds ReadMessageHistory's limit parameter.
const maxReadMessageHistory = 200

// ReadMessageHistory looks up the agent by local id or linked agent-issue
// id, and asks its RPC handle for recent messages. Absent handle (crashed
// child) returns an empty, successful result rather than an error, per the
// deferred open question on this contract.
func (r *Registry) ReadMessageHistory(agentIDOrIssueID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > maxReadMessageHistory {
		limit = maxReadMessageHistory
	}

	entry := r.Get(agentIDOrIssueID)
	if entry == nil {
		entry = r.findByAgentIssueID(agentIDOrIssueID)
	}
	if entry == nil || entry.Handle == nil {
		return nil, nil
	}
	return entry.Handle.RecentMessages(limit)
}

func (r *Registry) findByAgentIssueID(agentIssueID string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.AgentIssueID == agentIssueID {
			return e.clone()
		}
	}
	return nil
}

func (r *Registry) indexTaskLocked(taskID, id string) {
	if taskID == "" {
		return
	}
	set, ok := r.byTask[taskID]
	if !ok {
		set = make(map[string]bool)
		r.byTask[taskID] = set
	}
	set[id] = true
}

func (r *Registry) unindexTaskLocked(taskID, id string) {
	if taskID == "" {
		return
	}
	if set, ok := r.byTask[taskID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byTask, taskID)
		}
	}
}

func capEvents(events []Event, max int) []Event {
	if max > 0 && len(events) > max {
		return events[len(events)-max:]
	}
	return events
}

func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
