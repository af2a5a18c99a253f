package registry

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/omscore/oms/internal/common/logger"
	"github.com/omscore/oms/internal/taskstore"
)

// Heartbeater ticks on a fixed interval and pokes the task store's
// last-activity timestamp for every active agent with a linked agent
// issue. Overlapping ticks are skipped rather than queued; Stop drains
// whichever tick is currently in flight.
type Heartbeater struct {
	reg      *Registry
	store    *taskstore.Store
	interval time.Duration
	log      *logger.Logger

	ticker   *time.Ticker
	stopCh   chan struct{}
	doneCh   chan struct{}
	inFlight int32
}

// NewHeartbeater constructs a stopped Heartbeater; call Start to begin
// ticking.
func NewHeartbeater(reg *Registry, store *taskstore.Store, interval time.Duration, log *logger.Logger) *Heartbeater {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Heartbeater{
		reg:      reg,
		store:    store,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start spawns the tick loop. Calling Start twice is not supported.
func (h *Heartbeater) Start(ctx context.Context) {
	h.ticker = time.NewTicker(h.interval)
	go h.run(ctx)
}

func (h *Heartbeater) run(ctx context.Context) {
	defer close(h.doneCh)
	for {
		select {
		case <-ctx.Done():
			h.ticker.Stop()
			return
		case <-h.stopCh:
			h.ticker.Stop()
			return
		case <-h.ticker.C:
			h.tick(ctx)
		}
	}
}

// tick skips entirely if the previous tick hasn't finished yet.
func (h *Heartbeater) tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&h.inFlight, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&h.inFlight, 0)

	for _, entry := range h.reg.GetActive() {
		if entry.AgentIssueID == "" {
			continue
		}
		if err := h.store.Heartbeat(ctx, entry.AgentIssueID); err != nil {
			h.log.Debug("heartbeat failed", zap.String("agent_id", entry.ID), zap.Error(err))
		}
	}
}

// Stop signals the loop to exit and blocks until any in-flight tick has
// finished.
func (h *Heartbeater) Stop() {
	close(h.stopCh)
	<-h.doneCh
}
