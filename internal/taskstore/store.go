package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/omscore/oms/internal/common/config"
	"github.com/omscore/oms/internal/common/logger"
	"github.com/omscore/oms/internal/events"
	"github.com/omscore/oms/internal/events/bus"
)

const (
	tasksSubdir     = "tasks"
	indexFileName   = "_index.json"
	activityFile    = "_activity.json"
	legacyFileName  = "tasks.json"
	legacyMigrated  = "tasks.json.migrated"
	tmpFilePattern  = ".tmp-%d-%d%s"
)

// Store is the durable, single source of truth for issues, dependencies,
// comments, and activity. All mutating operations are serialized through a
// single mutation queue; readers that need a consistent view call
// ensureLoaded (the "ready" load-or-reuse promise) and then take mu for a
// snapshot read.
//
// On-disk layout under sessionDir:
//
//	tasks/<id>.json   one pretty-printed, newline-terminated document per issue
//	_index.json        id -> IndexEntry, for listing without a full disk scan
//	_activity.json      append-only activity event array, capped
//	tasks.json          legacy monolith; migrated on startup to tasks.json.migrated
type Store struct {
	sessionDir string
	cfg        config.TaskStoreConfig
	log        *logger.Logger
	bus        bus.EventBus

	mu             sync.RWMutex
	issues         map[string]*Issue
	activityLog    []ActivityEvent
	nextActivityID int64
	nextCommentID  int64

	queue *mutationQueue

	loadGroup singleflight.Group
	loadedMu  sync.Mutex
	loaded    bool
	loadErr   error

	flushMu      sync.Mutex
	flushTimer   *time.Timer
	flushPending bool
	closed       bool
}

// New constructs a Store rooted at cfg.SessionDir. Disk state is not read
// until the first call that needs it (ensureLoaded).
func New(cfg config.TaskStoreConfig, log *logger.Logger, eventBus bus.EventBus) *Store {
	return &Store{
		sessionDir: cfg.SessionDir,
		cfg:        cfg,
		log:        log,
		bus:        eventBus,
		issues:     make(map[string]*Issue),
		queue:      newMutationQueue(),
	}
}

// Shutdown drains the mutation queue and flushes any pending deferred
// writes.
func (s *Store) Shutdown() error {
	s.flushMu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	pending := s.flushPending
	s.flushPending = false
	s.closed = true
	s.flushMu.Unlock()

	if pending {
		if err := s.flushAll(); err != nil {
			s.log.Warn("final flush failed", zap.Error(err))
		}
	}
	s.queue.close()
	return nil
}

func (s *Store) tasksDir() string {
	return filepath.Join(s.sessionDir, tasksSubdir)
}

// ensureLoaded is the "ready()" load-or-reuse promise from the concurrency
// model: concurrent cold-start callers collapse into a single disk load via
// singleflight, and the result is cached for the store's lifetime.
func (s *Store) ensureLoaded(ctx context.Context) error {
	s.loadedMu.Lock()
	if s.loaded {
		err := s.loadErr
		s.loadedMu.Unlock()
		return err
	}
	s.loadedMu.Unlock()

	_, err, _ := s.loadGroup.Do("load", func() (interface{}, error) {
		loadErr := s.loadFromDisk()
		s.loadedMu.Lock()
		s.loaded = true
		s.loadErr = loadErr
		s.loadedMu.Unlock()
		return nil, loadErr
	})
	return err
}

func (s *Store) loadFromDisk() error {
	if err := os.MkdirAll(s.tasksDir(), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	if err := s.migrateLegacyIfPresent(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.tasksDir(), e.Name()))
		if err != nil {
			s.log.Warn("skipping unreadable issue file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		var issue Issue
		if err := json.Unmarshal(data, &issue); err != nil {
			s.log.Warn("skipping unparsable issue file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		s.issues[issue.ID] = &issue
	}

	s.loadActivity()
	s.recomputeCounters()
	return nil
}

// loadActivity reads _activity.json, rebuilding from scratch (empty) on any
// parse failure rather than refusing to start.
func (s *Store) loadActivity() {
	path := filepath.Join(s.sessionDir, activityFile)
	data, err := os.ReadFile(path)
	if err != nil {
		s.activityLog = nil
		return
	}
	var events []ActivityEvent
	if err := json.Unmarshal(data, &events); err != nil {
		s.log.Warn("activity log unparsable, rebuilding empty", zap.Error(err))
		s.activityLog = nil
		return
	}
	s.activityLog = events
}

func (s *Store) recomputeCounters() {
	var maxActivity, maxComment int64
	for _, ev := range s.activityLog {
		if ev.ID > maxActivity {
			maxActivity = ev.ID
		}
	}
	for _, issue := range s.issues {
		for _, c := range issue.Comments {
			if c.ID > maxComment {
				maxComment = c.ID
			}
		}
	}
	s.nextActivityID = maxActivity + 1
	s.nextCommentID = maxComment + 1
}

// migrateLegacyIfPresent atomically splits a legacy monolithic tasks.json
// into per-issue files, then renames it to tasks.json.migrated so the
// migration runs exactly once.
func (s *Store) migrateLegacyIfPresent() error {
	legacyPath := filepath.Join(s.sessionDir, legacyFileName)
	data, err := os.ReadFile(legacyPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	var legacy struct {
		Issues   []Issue         `json:"issues"`
		Activity []ActivityEvent `json:"activity"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		s.log.Warn("legacy tasks.json unparsable, leaving in place", zap.Error(err))
		return nil
	}

	for i := range legacy.Issues {
		issue := &legacy.Issues[i]
		if err := s.writeIssueFile(issue); err != nil {
			return err
		}
	}
	if err := s.writeActivityFile(legacy.Activity); err != nil {
		return err
	}
	if err := s.writeIndexFile(legacy.Issues); err != nil {
		return err
	}

	migratedPath := filepath.Join(s.sessionDir, legacyMigrated)
	return os.Rename(legacyPath, migratedPath)
}

func (s *Store) writeIndexFile(issues []Issue) error {
	idx := make(map[string]IndexEntry, len(issues))
	for i := range issues {
		idx[issues[i].ID] = indexEntryFor(&issues[i])
	}
	return s.atomicWriteJSON(filepath.Join(s.sessionDir, indexFileName), idx)
}

func (s *Store) writeActivityFile(activity []ActivityEvent) error {
	if activity == nil {
		activity = []ActivityEvent{}
	}
	return s.atomicWriteJSON(filepath.Join(s.sessionDir, activityFile), activity)
}

func (s *Store) writeIssueFile(issue *Issue) error {
	return s.atomicWriteJSON(filepath.Join(s.tasksDir(), issue.ID+".json"), issue)
}

func (s *Store) removeIssueFile(id string) error {
	err := os.Remove(filepath.Join(s.tasksDir(), id+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

// atomicWriteJSON pretty-prints v with 2-space indentation, a trailing
// newline, and replaces the target path via temp-file + rename so readers
// never observe a partial write.
func (s *Store) atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(tmpFilePattern, os.Getpid(), time.Now().UnixNano(), filepath.Ext(path)))

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

// flushIndexAndActivityLocked persists _index.json and _activity.json from
// the in-memory state. Caller must hold s.mu (at least for read).
func (s *Store) flushIndexAndActivityLocked() error {
	issues := make([]Issue, 0, len(s.issues))
	for _, issue := range s.issues {
		issues = append(issues, *issue)
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].ID < issues[j].ID })
	if err := s.writeIndexFile(issues); err != nil {
		return err
	}
	return s.writeActivityFile(s.activityLog)
}

// flushAll persists every issue file plus the index and activity log. Used
// on deferred-flush drain and on shutdown.
func (s *Store) flushAll() error {
	s.mu.RLock()
	issues := make([]*Issue, 0, len(s.issues))
	for _, issue := range s.issues {
		issues = append(issues, issue)
	}
	defer s.mu.RUnlock()

	for _, issue := range issues {
		if err := s.writeIssueFile(issue); err != nil {
			return err
		}
	}
	return s.flushIndexAndActivityLocked()
}

// scheduleDeferredFlush coalesces heartbeat/usage writes behind a short
// timer rather than hitting disk on every tick.
func (s *Store) scheduleDeferredFlush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if s.closed {
		return
	}
	s.flushPending = true
	if s.flushTimer != nil {
		return
	}
	s.flushTimer = time.AfterFunc(s.cfg.FlushDebounce(), func() {
		s.flushMu.Lock()
		s.flushTimer = nil
		pending := s.flushPending
		s.flushPending = false
		s.flushMu.Unlock()

		if !pending {
			return
		}
		if err := s.flushAll(); err != nil {
			s.log.Warn("deferred flush failed", zap.Error(err))
			return
		}
		s.compactStaleAgents()
	})
}

// Snapshot returns a deep copy of every issue, sorted by id.
func (s *Store) Snapshot(ctx context.Context) ([]*Issue, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Issue, 0, len(s.issues))
	for _, issue := range s.issues {
		out = append(out, issue.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Stats reports issue counts by status and type plus the activity-log
// length. The /metrics endpoint does not include it.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByType     map[string]int `json:"by_type"`
	ActivityN  int            `json:"activity_events"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return Stats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		ByStatus:  make(map[string]int),
		ByType:    make(map[string]int),
		ActivityN: len(s.activityLog),
	}
	for _, issue := range s.issues {
		stats.Total++
		stats.ByStatus[issue.Status]++
		stats.ByType[string(issue.Type)]++
	}
	return stats, nil
}

// publish fans out a subscription-contract event; bus failures are logged,
// never surfaced to the mutation that triggered them.
func (s *Store) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(subject, "taskstore", data)
	if err := s.bus.Publish(ctx, subject, ev); err != nil {
		s.log.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (s *Store) publishIssuesChanged(ctx context.Context) {
	s.publish(ctx, events.IssuesChanged, nil)
}

func (s *Store) publishReadyChanged(ctx context.Context) {
	s.publish(ctx, events.ReadyChanged, nil)
}

func (s *Store) publishActivity(ctx context.Context, ev ActivityEvent) {
	s.publish(ctx, events.Activity, map[string]interface{}{"event": ev})
}
