package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omscore/oms/internal/common/config"
	"github.com/omscore/oms/internal/common/logger"
	"github.com/omscore/oms/internal/conflict"
	"github.com/omscore/oms/internal/lifecycle"
	"github.com/omscore/oms/internal/registry"
	"github.com/omscore/oms/internal/scheduler"
	"github.com/omscore/oms/internal/supervisor"
	"github.com/omscore/oms/internal/taskstore"
	"github.com/omscore/oms/internal/toolsurface"
)

func newTestRouter(t *testing.T) (*Router, *Deps, *taskstore.Store) {
	t.Helper()
	log := logger.Default()
	store := taskstore.New(config.TaskStoreConfig{
		SessionDir:      t.TempDir(),
		ActivityCap:     1000,
		AgentRecordCap:  100,
		AgentTTLSeconds: 180,
		FlushDebounceMS: 10,
	}, log, nil)
	t.Cleanup(func() { _ = store.Shutdown() })

	reg := registry.New(200, log)
	sup := supervisor.NewFake()
	sched := scheduler.New(store, reg, log)
	lc := lifecycle.New(store, reg, sup, log)
	cc := conflict.New(sup, log)
	tools, err := toolsurface.Load("")
	require.NoError(t, err)

	deps := NewDeps(store, sched, reg, lc, cc, tools, sup, nil, log)

	socket := filepath.Join(t.TempDir(), "oms.sock")
	router := New(socket, deps)
	require.NoError(t, router.Start(context.Background()))
	t.Cleanup(func() { _ = router.Stop() })

	return router, deps, store
}

func sendRequest(t *testing.T, socket string, req map[string]interface{}) map[string]interface{} {
	t.Helper()
	conn, err := net.DialTimeout("unix", socket, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	body, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(body, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	var resp map[string]interface{}
	// Tolerate the bare "ok" literal allowance.
	trimmed := line[:len(line)-1]
	if trimmed == "ok" {
		return map[string]interface{}{"ok": true}
	}
	require.NoError(t, json.Unmarshal([]byte(trimmed), &resp))
	return resp
}

func TestRouter_UnknownVerbRepliesError(t *testing.T) {
	router, _, _ := newTestRouter(t)
	resp := sendRequest(t, router.socketPath, map[string]interface{}{"type": "nonsense_verb", "ts": 1})
	assert.Equal(t, false, resp["ok"])
	assert.Contains(t, resp["error"], "unknown type")
}

func TestRouter_TasksRequestCreateAndShow(t *testing.T) {
	router, _, _ := newTestRouter(t)

	createResp := sendRequest(t, router.socketPath, map[string]interface{}{
		"type":   "tasks_request",
		"action": "create",
		"role":   "finisher",
		"params": map[string]interface{}{"title": "wire the router"},
		"ts":     1,
	})
	require.Equal(t, true, createResp["ok"])
	data := createResp["data"].(map[string]interface{})
	id := data["id"].(string)
	assert.NotEmpty(t, id)

	showResp := sendRequest(t, router.socketPath, map[string]interface{}{
		"type":   "tasks_request",
		"action": "show",
		"role":   "worker",
		"params": map[string]interface{}{"id": id},
		"ts":     2,
	})
	require.Equal(t, true, showResp["ok"])
	shown := showResp["data"].(map[string]interface{})
	assert.Equal(t, "wire the router", shown["title"])
}

func TestRouter_TasksRequestRejectsDisallowedAction(t *testing.T) {
	router, _, _ := newTestRouter(t)

	resp := sendRequest(t, router.socketPath, map[string]interface{}{
		"type":   "tasks_request",
		"action": "close",
		"role":   "worker",
		"params": map[string]interface{}{"id": "nonexistent"},
		"ts":     1,
	})
	assert.Equal(t, false, resp["ok"])
	assert.Contains(t, resp["error"], "not permitted")
}

func TestRouter_TasksRequestDeleteRemovesIssue(t *testing.T) {
	router, _, store := newTestRouter(t)
	issue, err := store.Create(context.Background(), "cancel me", "", taskstore.CreateOptions{})
	require.NoError(t, err)

	resp := sendRequest(t, router.socketPath, map[string]interface{}{
		"type":   "tasks_request",
		"action": "delete",
		"role":   "finisher",
		"params": map[string]interface{}{"id": issue.ID},
		"ts":     1,
	})
	require.Equal(t, true, resp["ok"])
	assert.Equal(t, "deleted "+issue.ID, resp["summary"])
	_, err = store.Show(context.Background(), issue.ID)
	assert.ErrorIs(t, err, taskstore.ErrNotFound)
}

func TestRouter_AdvanceLifecycleHappyPath(t *testing.T) {
	router, _, store := newTestRouter(t)
	issue, err := store.Create(context.Background(), "do a thing", "", taskstore.CreateOptions{})
	require.NoError(t, err)

	resp := sendRequest(t, router.socketPath, map[string]interface{}{
		"type":   "advance_lifecycle",
		"taskId": issue.ID,
		"role":   "issuer",
		"action": "start",
		"ts":     1,
	})
	require.Equal(t, true, resp["ok"])
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "worker_running", data["stage"])
}

func TestRouter_ComplainFirstClaimantProceedsImmediately(t *testing.T) {
	router, _, _ := newTestRouter(t)

	resp := sendRequest(t, router.socketPath, map[string]interface{}{
		"type":                "complain",
		"files":               []string{"src/foo.ts"},
		"reason":              "overlapping edit",
		"complainantAgentId":  "agent-1",
		"complainantTaskId":   "task-1",
		"ts":                  1,
	})
	require.Equal(t, true, resp["ok"])
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "proceed", data["verdict"])
}

func TestRouter_ListActiveAgentsEmpty(t *testing.T) {
	router, _, _ := newTestRouter(t)
	resp := sendRequest(t, router.socketPath, map[string]interface{}{"type": "list_active_agents", "ts": 1})
	require.Equal(t, true, resp["ok"])
}

func TestRouter_MalformedJSONDisconnectsWithoutCrashing(t *testing.T) {
	router, _, _ := newTestRouter(t)

	conn, err := net.DialTimeout("unix", router.socketPath, time.Second)
	require.NoError(t, err)
	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)
	conn.Close()

	// A follow-up connection must still be served fine.
	resp := sendRequest(t, router.socketPath, map[string]interface{}{"type": "list_active_agents", "ts": 1})
	assert.Equal(t, true, resp["ok"])
}
