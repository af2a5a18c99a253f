package taskstore

import "errors"

// Sentinel errors. Callers classify failures with errors.Is against these
// rather than string-matching; the scheduler's TryClaim detects a lost
// claim race with errors.Is(err, ErrAlreadyClaimed).
var (
	ErrNotFound          = errors.New("issue not found")
	ErrDependencyMissing = errors.New("dependency not found")
	ErrSelfDependency    = errors.New("self-dependency is forbidden")
	ErrClosedIssue       = errors.New("cannot-update-closed")
	ErrInvalidStatus     = errors.New("invalid status for issue type")
	ErrInvalidScope      = errors.New("invalid scope")
	ErrEmptyTitle        = errors.New("title must be non-empty")
	ErrAlreadyClaimed    = errors.New("already claimed")
	ErrCycle             = errors.New("circular dependency detected")
	ErrDuplicateKey      = errors.New("duplicate batch key")
	ErrEmptyBatch        = errors.New("batch must contain at least one issue")
	ErrUnknownRole       = errors.New("unknown role")
	ErrStoreIO           = errors.New("store-io")
)
