package taskstore

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omscore/oms/internal/common/config"
	"github.com/omscore/oms/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.TaskStoreConfig{
		SessionDir:      t.TempDir(),
		ActivityCap:     1000,
		AgentRecordCap:  100,
		AgentTTLSeconds: 180,
		FlushDebounceMS: 50,
	}
	s := New(cfg, logger.Default(), nil)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestCreate_AtomicWithMissingDependency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, "depends on ghost", "", CreateOptions{DependsOn: []string{"does-not-exist"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyMissing)

	all, err := s.List(ctx, ListFlags{All: true})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateBatch_CycleFailsAndLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateBatch(ctx, []BatchInput{
		{Key: "A", Title: "A", DependsOn: []string{"B"}},
		{Key: "B", Title: "B", DependsOn: []string{"C"}},
		{Key: "C", Title: "C", DependsOn: []string{"A"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular")

	all, err := s.List(ctx, ListFlags{All: true})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateBatch_TopologicalOrderAndKeyMap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res, err := s.CreateBatch(ctx, []BatchInput{
		{Key: "parent", Title: "parent task"},
		{Key: "child", Title: "child task", DependsOn: []string{"parent"}},
	})
	require.NoError(t, err)
	require.Len(t, res.Issues, 2)
	require.Contains(t, res.KeyMap, "parent")
	require.Contains(t, res.KeyMap, "child")

	child, err := s.Show(ctx, res.KeyMap["child"])
	require.NoError(t, err)
	require.Len(t, child.Dependencies, 1)
	assert.Equal(t, res.KeyMap["parent"], child.Dependencies[0].DependsOnID)
}

func TestClose_PropagatesToDependents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	blocker, err := s.Create(ctx, "blocker", "", CreateOptions{})
	require.NoError(t, err)
	dependent, err := s.Create(ctx, "dependent", "", CreateOptions{DependsOn: []string{blocker.ID}})
	require.NoError(t, err)

	_, err = s.Close(ctx, blocker.ID, "done")
	require.NoError(t, err)

	reloaded, err := s.Show(ctx, dependent.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Dependencies, 1)
	assert.Equal(t, StatusClosed, reloaded.Dependencies[0].Status)
	assert.Equal(t, reloaded.UpdatedAt, reloaded.Dependencies[0].UpdatedAt)
}

func TestClose_SurvivesReload(t *testing.T) {
	ctx := context.Background()
	cfg := config.TaskStoreConfig{SessionDir: t.TempDir(), ActivityCap: 1000, AgentRecordCap: 100, AgentTTLSeconds: 180, FlushDebounceMS: 50}
	s1 := New(cfg, logger.Default(), nil)

	blocker, err := s1.Create(ctx, "blocker", "", CreateOptions{})
	require.NoError(t, err)
	dependent, err := s1.Create(ctx, "dependent", "", CreateOptions{DependsOn: []string{blocker.ID}})
	require.NoError(t, err)
	_, err = s1.Close(ctx, blocker.ID, "done")
	require.NoError(t, err)
	require.NoError(t, s1.Shutdown())

	s2 := New(cfg, logger.Default(), nil)
	reloaded, err := s2.Show(ctx, dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, reloaded.Dependencies[0].Status)
	_ = s2.Shutdown()
}

func TestUpdate_RejectsClosedIssue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	issue, err := s.Create(ctx, "a task", "", CreateOptions{})
	require.NoError(t, err)
	_, err = s.Close(ctx, issue.ID, "")
	require.NoError(t, err)

	status := StatusInProgress
	_, err = s.Update(ctx, issue.ID, UpdatePatch{Status: &status})
	assert.ErrorIs(t, err, ErrClosedIssue)
}

func TestDelete_PurgesFromDependents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	blocker, err := s.Create(ctx, "blocker", "", CreateOptions{})
	require.NoError(t, err)
	dependent, err := s.Create(ctx, "dependent", "", CreateOptions{DependsOn: []string{blocker.ID}})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, blocker.ID))

	reloaded, err := s.Show(ctx, dependent.ID)
	require.NoError(t, err)
	assert.Empty(t, reloaded.Dependencies)
}

func TestSlugID_MatchesSpecScenarioF(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	issue1, err := s.Create(ctx, "Fix TypeScript build errors in test files", "", CreateOptions{Name: "   "})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^fix-typescript-b-[0-9a-f]{4}$`), issue1.ID)

	issue2, err := s.Create(ctx, "###", "", CreateOptions{Name: "@@@"})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^task-\d+-[0-9a-f]{6}$`), issue2.ID)
}

func TestDepAdd_RejectsSelfDependency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	issue, err := s.Create(ctx, "solo", "", CreateOptions{})
	require.NoError(t, err)

	_, err = s.DepAdd(ctx, issue.ID, issue.ID)
	assert.ErrorIs(t, err, ErrSelfDependency)
}

func TestDepTree_CycleSafe(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.Create(ctx, "a", "", CreateOptions{})
	require.NoError(t, err)
	b, err := s.Create(ctx, "b", "", CreateOptions{DependsOn: []string{a.ID}})
	require.NoError(t, err)
	_, err = s.DepAdd(ctx, a.ID, b.ID)
	require.NoError(t, err)

	tree, err := s.DepTree(ctx, a.ID, DepTreeOptions{Direction: DepDown, MaxDepth: 5})
	require.NoError(t, err)
	assert.Equal(t, a.ID, tree.ID)
}

func TestReady_SortedByPriorityThenID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Create(ctx, "zzz", "", CreateOptions{Priority: 1})
	require.NoError(t, err)
	_, err = s.Create(ctx, "aaa", "", CreateOptions{Priority: 1})
	require.NoError(t, err)
	_, err = s.Create(ctx, "low priority", "", CreateOptions{Priority: 0})
	require.NoError(t, err)

	ready, err := s.Ready(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, 0, ready[0].Priority)
}
