package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omscore/oms/internal/common/config"
	"github.com/omscore/oms/internal/common/logger"
	"github.com/omscore/oms/internal/registry"
	"github.com/omscore/oms/internal/taskstore"
)

func newTestScheduler(t *testing.T) (*Scheduler, *taskstore.Store, *registry.Registry) {
	t.Helper()
	cfg := config.TaskStoreConfig{
		SessionDir:      t.TempDir(),
		ActivityCap:     1000,
		AgentRecordCap:  100,
		AgentTTLSeconds: 180,
		FlushDebounceMS: 50,
	}
	log := logger.Default()
	store := taskstore.New(cfg, log, nil)
	t.Cleanup(func() { _ = store.Shutdown() })
	reg := registry.New(200, log)
	return New(store, reg, log), store, reg
}

func TestGetNextTasks_ExcludesHeldTasks(t *testing.T) {
	ctx := context.Background()
	sched, store, reg := newTestScheduler(t)

	t1, err := store.Create(ctx, "t1", "", taskstore.CreateOptions{})
	require.NoError(t, err)
	_, err = store.Create(ctx, "t2", "", taskstore.CreateOptions{})
	require.NoError(t, err)

	reg.Register(registry.RegisterInfo{ID: "agent-1", Kind: registry.KindWorker, TaskID: t1.ID, Status: registry.StatusWorking})

	next, err := sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "t2", next[0].Title)
}

func TestGetNextTasks_BlockedByOpenDependency(t *testing.T) {
	ctx := context.Background()
	sched, store, _ := newTestScheduler(t)

	blocker, err := store.Create(ctx, "blocker", "", taskstore.CreateOptions{})
	require.NoError(t, err)
	_, err = store.Create(ctx, "dependent", "", taskstore.CreateOptions{DependsOn: []string{blocker.ID}})
	require.NoError(t, err)

	next, err := sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "blocker", next[0].Title)
}

// TestGetNextTasks_LabelConflict mirrors scenario D: two ready tasks share
// a label, one is already in_progress, so the scheduler yields nothing.
func TestGetNextTasks_LabelConflict(t *testing.T) {
	ctx := context.Background()
	sched, store, _ := newTestScheduler(t)

	t1, err := store.Create(ctx, "T1", "", taskstore.CreateOptions{Labels: []string{"module:ipc"}, Priority: 1})
	require.NoError(t, err)
	_, err = store.Create(ctx, "T2", "", taskstore.CreateOptions{Labels: []string{"module:ipc"}, Priority: 2})
	require.NoError(t, err)

	ok, err := sched.TryClaim(ctx, t1.ID)
	require.NoError(t, err)
	require.True(t, ok)

	next, err := sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestGetNextTasks_SortedByPriorityThenID(t *testing.T) {
	ctx := context.Background()
	sched, store, _ := newTestScheduler(t)

	_, err := store.Create(ctx, "zzz", "", taskstore.CreateOptions{Priority: 2})
	require.NoError(t, err)
	_, err = store.Create(ctx, "aaa", "", taskstore.CreateOptions{Priority: 2})
	require.NoError(t, err)
	_, err = store.Create(ctx, "priority zero", "", taskstore.CreateOptions{Priority: 0})
	require.NoError(t, err)

	next, err := sched.GetNextTasks(ctx, 5)
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, "priority zero", next[0].Title)
}

// TestTryClaim_ConcurrentRaceYieldsExactlyOneWinner asserts that concurrent
// claims on the same task never both succeed.
func TestTryClaim_ConcurrentRaceYieldsExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	sched, store, _ := newTestScheduler(t)

	issue, err := store.Create(ctx, "contested", "", taskstore.CreateOptions{})
	require.NoError(t, err)

	const attempts = 8
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			ok, err := sched.TryClaim(ctx, issue.ID)
			require.NoError(t, err)
			results <- ok
		}()
	}

	wins := 0
	for i := 0; i < attempts; i++ {
		if <-results {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestFindTasksUnblockedBy_OnlyFullyUnblockedSurvive(t *testing.T) {
	ctx := context.Background()
	sched, store, _ := newTestScheduler(t)

	a, err := store.Create(ctx, "a", "", taskstore.CreateOptions{})
	require.NoError(t, err)
	b, err := store.Create(ctx, "b", "", taskstore.CreateOptions{})
	require.NoError(t, err)
	onlyA, err := store.Create(ctx, "only depends on a", "", taskstore.CreateOptions{DependsOn: []string{a.ID}})
	require.NoError(t, err)
	aAndB, err := store.Create(ctx, "depends on a and b", "", taskstore.CreateOptions{DependsOn: []string{a.ID, b.ID}})
	require.NoError(t, err)

	_, err = store.Close(ctx, a.ID, "done")
	require.NoError(t, err)

	unblocked, err := sched.FindTasksUnblockedBy(ctx, a.ID)
	require.NoError(t, err)

	var ids []string
	for _, issue := range unblocked {
		ids = append(ids, issue.ID)
	}
	assert.Contains(t, ids, onlyA.ID)
	assert.NotContains(t, ids, aAndB.ID)
}

func TestGetInProgressTasksWithoutAgent(t *testing.T) {
	ctx := context.Background()
	sched, store, reg := newTestScheduler(t)

	issue, err := store.Create(ctx, "held", "", taskstore.CreateOptions{})
	require.NoError(t, err)
	orphan, err := store.Create(ctx, "orphan", "", taskstore.CreateOptions{})
	require.NoError(t, err)

	ok, err := sched.TryClaim(ctx, issue.ID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = sched.TryClaim(ctx, orphan.ID)
	require.NoError(t, err)
	require.True(t, ok)

	reg.Register(registry.RegisterInfo{ID: "agent-held", Kind: registry.KindWorker, TaskID: issue.ID, Status: registry.StatusWorking})

	withoutAgent, err := sched.GetInProgressTasksWithoutAgent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, withoutAgent, 1)
	assert.Equal(t, orphan.ID, withoutAgent[0].ID)
}
