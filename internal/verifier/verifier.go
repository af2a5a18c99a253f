// Package verifier runs as a per-agent pre-comment hook: it refuses to let
// a worker claim completion in a tasks.comment_add call unless the claim
// is backed by an actual, substantive file change.
package verifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

const previewLimit = 8

// Verifier tracks one worker's session: its starting git state, every
// edit/write tool call it has made, and the fingerprint baseline those
// calls extend.
type Verifier struct {
	workDir  string
	statusFn StatusFunc

	mu           sync.Mutex
	baseline     map[string]Fingerprint
	writeIntents map[string]bool
}

// New captures the baseline: every path git status reports plus its
// fingerprint. A clean checkout yields an empty baseline.
func New(ctx context.Context, workDir string) (*Verifier, error) {
	return newWithStatusFn(ctx, workDir, runGitStatus)
}

func newWithStatusFn(ctx context.Context, workDir string, statusFn StatusFunc) (*Verifier, error) {
	v := &Verifier{
		workDir:      workDir,
		statusFn:     statusFn,
		baseline:     make(map[string]Fingerprint),
		writeIntents: make(map[string]bool),
	}

	entries, err := statusFn(ctx, workDir)
	if err != nil {
		return nil, fmt.Errorf("verifier: baseline git status: %w", err)
	}
	for _, e := range entries {
		v.baseline[e.Path] = fingerprint(workDir, e.Path)
	}
	return v, nil
}

// RecordWriteIntent is called on every edit/write tool call. It adds path
// to the write-intent set and, the first time path is seen, snapshots its
// pre-edit fingerprint into the baseline.
func (v *Verifier) RecordWriteIntent(path string) {
	path = strings.TrimPrefix(path, "./")

	v.mu.Lock()
	defer v.mu.Unlock()
	v.writeIntents[path] = true
	if _, ok := v.baseline[path]; !ok {
		v.baseline[path] = fingerprint(v.workDir, path)
	}
}

// WriteIntentCount returns how many distinct paths have received an
// edit/write tool call so far.
func (v *Verifier) WriteIntentCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.writeIntents)
}

// VerifyResult is the hook's verdict on a tasks.comment_add call.
type VerifyResult struct {
	Class            CommentClass
	Admitted         bool
	Reason           string
	ClaimedPaths     []string
	SubstantivePaths []string
	StatusErr        error
}

// CheckComment classifies text and, for implementation claims, verifies at
// least one claimed path carries a substantive change versus baseline.
func (v *Verifier) CheckComment(ctx context.Context, text string) VerifyResult {
	class := Classify(text)
	if class != ClassImplementation {
		return VerifyResult{Class: class, Admitted: true}
	}

	claimed := ExtractCandidatePaths(text)

	entries, statusErr := v.statusFn(ctx, v.workDir)
	changed := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Dirty() {
			changed[e.Path] = true
		}
	}

	v.mu.Lock()
	baselineSnapshot := make(map[string]Fingerprint, len(v.baseline))
	for k, f := range v.baseline {
		baselineSnapshot[k] = f
	}
	writeIntentN := len(v.writeIntents)
	v.mu.Unlock()

	var substantive []string
	var preview []string
	for _, path := range claimed {
		if !changed[path] {
			if prior, ok := baselineSnapshot[path]; ok {
				now := fingerprint(v.workDir, path)
				if now == prior {
					continue
				}
			} else {
				continue
			}
		}
		content, err := readFile(v.workDir, path)
		if err != nil {
			continue
		}
		if !isSubstantive(content) {
			continue
		}
		substantive = append(substantive, path)
		if len(preview) < previewLimit {
			preview = append(preview, path)
		}
	}

	if len(substantive) > 0 {
		return VerifyResult{
			Class:            class,
			Admitted:         true,
			ClaimedPaths:     claimed,
			SubstantivePaths: substantive,
		}
	}

	reason := fmt.Sprintf(
		"no substantive file changes were verified: claimed_paths=%s, edit_write_calls=%d, observed_changes=%s",
		strings.Join(claimed, ","), writeIntentN, strings.Join(preview, ","),
	)
	if statusErr != nil {
		reason += fmt.Sprintf(", git status error: %v", statusErr)
	}

	return VerifyResult{
		Class:        class,
		Admitted:     false,
		Reason:       reason,
		ClaimedPaths: claimed,
		StatusErr:    statusErr,
	}
}
