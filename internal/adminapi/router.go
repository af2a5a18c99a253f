// Package adminapi exposes a Gin HTTP surface for operators: liveness,
// lightweight process metrics, and a read-only snapshot of task store
// state. It never mutates anything; all writes go through the IPC
// socket, which is the only path agents and tooling use.
package adminapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/omscore/oms/internal/common/logger"
	"github.com/omscore/oms/internal/conflict"
	"github.com/omscore/oms/internal/registry"
	"github.com/omscore/oms/internal/taskstore"
)

// Handler serves the admin endpoints.
type Handler struct {
	store    *taskstore.Store
	reg      *registry.Registry
	conflict *conflict.Coordinator
	log      *logger.Logger
	started  int64 // unix seconds, set at construction
}

// New builds a Handler bound to the shared orchestrator state.
func New(store *taskstore.Store, reg *registry.Registry, cc *conflict.Coordinator, startedAt int64, log *logger.Logger) *Handler {
	return &Handler{
		store:    store,
		reg:      reg,
		conflict: cc,
		log:      log.WithFields(zap.String("component", "adminapi")),
		started:  startedAt,
	}
}

// SetupRoutes registers the admin endpoints on router.
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Healthz)
	router.GET("/metrics", h.Metrics)
	router.GET("/snapshot/tasks", h.SnapshotTasks)
}

// Healthz reports process liveness.
// GET /healthz
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Metrics reports lightweight counters: active agent count by kind,
// contested-file count, and process start time in unix seconds. Not a Prometheus exposition
// format, just a JSON summary for the operator dashboard.
// GET /metrics
func (h *Handler) Metrics(c *gin.Context) {
	active := h.reg.GetActive()
	byKind := make(map[string]int)
	for _, e := range active {
		byKind[string(e.Kind)]++
	}

	c.JSON(http.StatusOK, gin.H{
		"activeAgents":    len(active),
		"activeByKind":    byKind,
		"contestedFiles":  len(h.conflict.Contested()),
		"startedAtUnix":   h.started,
	})
}

// SnapshotTasks returns every non-closed issue, for dashboards that poll
// rather than subscribe over the websocket bridge.
// GET /snapshot/tasks
func (h *Handler) SnapshotTasks(c *gin.Context) {
	issues, err := h.store.List(c.Request.Context(), taskstore.ListFlags{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": issues, "count": len(issues)})
}
