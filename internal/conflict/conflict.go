// Package conflict mediates contested-file disputes between agents
// working the same checkout. A complaint pauses the complainant until a
// short-lived resolver agent renders a verdict, or the file's current
// holder revokes their claim.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/omscore/oms/internal/common/logger"
	"github.com/omscore/oms/internal/supervisor"
)

// Verdict is the resolver's answer to a complaint.
type Verdict string

const (
	VerdictProceed  Verdict = "proceed"
	VerdictWait     Verdict = "wait"
	VerdictEscalate Verdict = "escalate"
)

var (
	ErrNoFiles      = errors.New("complain requires at least one file")
	ErrPathEscapes  = errors.New("path escapes repo root")
	ErrNotContested = errors.New("file is not currently contested")
)

// Contest is one file's active claim.
type Contest struct {
	File          string
	HolderAgentID string
	HolderTaskID  string
	Reason        string
	OpenedAt      time.Time
}

type waiter struct {
	agentID string
	ch      chan Verdict
}

// ComplainRequest is the normalized input to Complain.
type ComplainRequest struct {
	Files               []string
	Reason              string
	ComplainantAgentID  string
	ComplainantTaskID   string
}

// ComplainResult is what the IPC verb hands back to the caller.
type ComplainResult struct {
	Verdict Verdict
	TimedOut bool
}

// Coordinator holds the contested-file table and in-flight waiters.
type Coordinator struct {
	mu        sync.Mutex
	contested map[string]*Contest
	waiters   map[string][]*waiter

	sup supervisor.Supervisor
	log *logger.Logger
}

// New constructs an empty Coordinator.
func New(sup supervisor.Supervisor, log *logger.Logger) *Coordinator {
	return &Coordinator{
		contested: make(map[string]*Contest),
		waiters:   make(map[string][]*waiter),
		sup:       sup,
		log:       log,
	}
}

// NormalizePaths drops leading "./", rejects paths that escape the repo
// root, and deduplicates while preserving first-seen order.
func NormalizePaths(paths []string) ([]string, error) {
	seen := make(map[string]bool, len(paths))
	var out []string
	for _, p := range paths {
		clean := filepath.Clean(strings.TrimPrefix(p, "./"))
		if clean == ".." || strings.HasPrefix(clean, "../") || filepath.IsAbs(clean) {
			return nil, fmt.Errorf("%w: %s", ErrPathEscapes, p)
		}
		if seen[clean] {
			continue
		}
		seen[clean] = true
		out = append(out, clean)
	}
	return out, nil
}

// Complain claims every file in the request for the complainant. Files
// with no current holder are claimed immediately (verdict proceed). Files
// held by a different agent queue the complainant as a waiter and spawn a
// resolver agent; the call blocks on the first contested file's verdict
// channel until the resolver answers, the holder revokes, or ctx is
// canceled (in which case TimedOut is set and Verdict is "wait").
func (c *Coordinator) Complain(ctx context.Context, req ComplainRequest) (ComplainResult, error) {
	files, err := NormalizePaths(req.Files)
	if err != nil {
		return ComplainResult{}, err
	}
	if len(files) == 0 {
		return ComplainResult{}, ErrNoFiles
	}

	now := time.Now().UTC()
	var blockedOn *waiter
	var blockedFile string

	c.mu.Lock()
	for _, f := range files {
		existing, contested := c.contested[f]
		if contested && existing.HolderAgentID != req.ComplainantAgentID {
			if blockedOn == nil {
				w := &waiter{agentID: req.ComplainantAgentID, ch: make(chan Verdict, 1)}
				c.waiters[f] = append(c.waiters[f], w)
				blockedOn = w
				blockedFile = f
			}
			continue
		}
		c.contested[f] = &Contest{
			File:          f,
			HolderAgentID: req.ComplainantAgentID,
			HolderTaskID:  req.ComplainantTaskID,
			Reason:        req.Reason,
			OpenedAt:      now,
		}
	}
	c.mu.Unlock()

	if blockedOn == nil {
		return ComplainResult{Verdict: VerdictProceed}, nil
	}

	holderTaskID := c.holderTaskID(blockedFile)
	if _, err := c.sup.Spawn(ctx, "resolver", holderTaskID, supervisor.KickoffContext{
		Message: req.Reason,
		Extra: map[string]interface{}{
			"file":            blockedFile,
			"complainant":     req.ComplainantAgentID,
			"complainant_tid": req.ComplainantTaskID,
		},
	}); err != nil {
		c.log.Debug("conflict: resolver spawn failed", zap.String("file", blockedFile), zap.Error(err))
	}

	select {
	case v := <-blockedOn.ch:
		return ComplainResult{Verdict: v}, nil
	case <-ctx.Done():
		return ComplainResult{Verdict: VerdictWait, TimedOut: true}, nil
	}
}

func (c *Coordinator) holderTaskID(file string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ct, ok := c.contested[file]; ok {
		return ct.HolderTaskID
	}
	return ""
}

// Resolve delivers a resolver's verdict to every waiter currently queued
// on file. It does not itself release the file's claim; proceed leaves
// the original holder in place; callers that want to hand the file off
// should also call RevokeComplaint for the prior holder.
func (c *Coordinator) Resolve(file string, verdict Verdict) error {
	file = filepath.Clean(strings.TrimPrefix(file, "./"))

	c.mu.Lock()
	waiters := c.waiters[file]
	delete(c.waiters, file)
	c.mu.Unlock()

	if len(waiters) == 0 {
		return fmt.Errorf("%w: %s", ErrNotContested, file)
	}
	for _, w := range waiters {
		w.ch <- verdict
	}
	return nil
}

// RevokeComplaint drops every contest held by agentID (or only the named
// files, if given) and releases each queued waiter with VerdictProceed so
// paused peers can continue.
func (c *Coordinator) RevokeComplaint(agentID string, files []string) (int, error) {
	normalized := files
	var err error
	if len(files) > 0 {
		normalized, err = NormalizePaths(files)
		if err != nil {
			return 0, err
		}
	}

	c.mu.Lock()
	var toRelease []string
	if len(normalized) > 0 {
		for _, f := range normalized {
			if ct, ok := c.contested[f]; ok && ct.HolderAgentID == agentID {
				toRelease = append(toRelease, f)
			}
		}
	} else {
		for f, ct := range c.contested {
			if ct.HolderAgentID == agentID {
				toRelease = append(toRelease, f)
			}
		}
	}

	var released []*waiter
	for _, f := range toRelease {
		delete(c.contested, f)
		released = append(released, c.waiters[f]...)
		delete(c.waiters, f)
	}
	c.mu.Unlock()

	for _, w := range released {
		w.ch <- VerdictProceed
	}
	return len(toRelease), nil
}

// Contested returns a snapshot of every currently held file, for
// diagnostics/admin surfaces.
func (c *Coordinator) Contested() []Contest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Contest, 0, len(c.contested))
	for _, ct := range c.contested {
		out = append(out, *ct)
	}
	return out
}
