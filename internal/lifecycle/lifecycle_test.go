package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omscore/oms/internal/common/config"
	"github.com/omscore/oms/internal/common/logger"
	"github.com/omscore/oms/internal/registry"
	"github.com/omscore/oms/internal/supervisor"
	"github.com/omscore/oms/internal/taskstore"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *taskstore.Store, *registry.Registry, *supervisor.Fake) {
	t.Helper()
	cfg := config.TaskStoreConfig{
		SessionDir: t.TempDir(), ActivityCap: 1000, AgentRecordCap: 100, AgentTTLSeconds: 180, FlushDebounceMS: 50,
	}
	log := logger.Default()
	store := taskstore.New(cfg, log, nil)
	t.Cleanup(func() { _ = store.Shutdown() })
	reg := registry.New(200, log)
	sup := supervisor.NewFake()
	return New(store, reg, sup, log), store, reg, sup
}

func TestAdvanceLifecycle_HappyPath(t *testing.T) {
	ctx := context.Background()
	c, store, _, _ := newTestCoordinator(t)

	task, err := store.Create(ctx, "t1", "", taskstore.CreateOptions{})
	require.NoError(t, err)

	stage, err := c.AdvanceLifecycle(ctx, task.ID, registry.KindIssuer, "start", "", "")
	require.NoError(t, err)
	assert.Equal(t, StageWorkerRunning, stage)

	stage, err = c.AdvanceLifecycle(ctx, task.ID, registry.KindWorker, "done", "", "")
	require.NoError(t, err)
	assert.Equal(t, StageFinisherRunning, stage)

	stage, err = c.AdvanceLifecycle(ctx, task.ID, registry.KindFinisher, "close", "", "")
	require.NoError(t, err)
	assert.Equal(t, StageDone, stage)
}

func TestAdvanceLifecycle_InvalidActionForStage(t *testing.T) {
	ctx := context.Background()
	c, store, _, _ := newTestCoordinator(t)

	task, err := store.Create(ctx, "t1", "", taskstore.CreateOptions{})
	require.NoError(t, err)

	_, err = c.AdvanceLifecycle(ctx, task.ID, registry.KindFinisher, "close", "", "")
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestAdvanceLifecycle_AdvanceRejectsDisallowedTarget(t *testing.T) {
	ctx := context.Background()
	c, store, _, _ := newTestCoordinator(t)

	task, err := store.Create(ctx, "t1", "", taskstore.CreateOptions{})
	require.NoError(t, err)
	_, err = c.AdvanceLifecycle(ctx, task.ID, registry.KindIssuer, "start", "", "")
	require.NoError(t, err)

	_, err = c.AdvanceLifecycle(ctx, task.ID, registry.KindWorker, "advance", "finisher", "")
	assert.ErrorIs(t, err, ErrInvalidTarget)

	stage, err := c.AdvanceLifecycle(ctx, task.ID, registry.KindWorker, "advance", "designer", "")
	require.NoError(t, err)
	assert.Equal(t, StageWorkerRunning, stage)
}

func TestReplaceAgent_IdempotentWhenNoneRunning(t *testing.T) {
	ctx := context.Background()
	c, store, reg, sup := newTestCoordinator(t)

	task, err := store.Create(ctx, "t1", "", taskstore.CreateOptions{})
	require.NoError(t, err)

	agentID, err := c.ReplaceAgent(ctx, registry.KindWorker, task.ID, supervisor.KickoffContext{Message: "go"})
	require.NoError(t, err)
	assert.NotEmpty(t, agentID)
	require.Len(t, sup.Spawned(), 1)

	entry := reg.Get(agentID)
	require.NotNil(t, entry)
	assert.Equal(t, registry.KindWorker, entry.Kind)
}

func TestReplaceAgent_StopsExistingFirst(t *testing.T) {
	ctx := context.Background()
	c, store, reg, sup := newTestCoordinator(t)

	task, err := store.Create(ctx, "t1", "", taskstore.CreateOptions{})
	require.NoError(t, err)

	first, err := c.ReplaceAgent(ctx, registry.KindWorker, task.ID, supervisor.KickoffContext{})
	require.NoError(t, err)

	second, err := c.ReplaceAgent(ctx, registry.KindWorker, task.ID, supervisor.KickoffContext{Message: "retry"})
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Nil(t, reg.Get(first))
	assert.NotNil(t, reg.Get(second))
	require.Len(t, sup.Spawned(), 2)
}

func TestStopAgentsForTask_ExcludesFinisherByDefault(t *testing.T) {
	ctx := context.Background()
	c, store, reg, _ := newTestCoordinator(t)

	task, err := store.Create(ctx, "t1", "", taskstore.CreateOptions{})
	require.NoError(t, err)

	reg.Register(registry.RegisterInfo{ID: "w1", Kind: registry.KindWorker, TaskID: task.ID, Status: registry.StatusWorking})
	reg.Register(registry.RegisterInfo{ID: "f1", Kind: registry.KindFinisher, TaskID: task.ID, Status: registry.StatusWorking})

	n, err := c.StopAgentsForTask(ctx, task.ID, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
