package verifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emptyStatus(context.Context, string) ([]StatusEntry, error) {
	return nil, nil
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassNoChangesNeeded, Classify("Already complete, no changes needed here."))
	assert.Equal(t, ClassImplementation, Classify("Implemented fix in src/foo.ts; verified."))
	assert.Equal(t, ClassNonCompletion, Classify("Still investigating the root cause."))
}

func TestExtractCandidatePaths(t *testing.T) {
	paths := ExtractCandidatePaths("Updated `src/foo.ts` and touched internal/bar.go as well.")
	assert.Contains(t, paths, "src/foo.ts")
	assert.Contains(t, paths, "internal/bar.go")
}

// TestCheckComment_RejectsClaimWithNoObservedChanges mirrors scenario C.
func TestCheckComment_RejectsClaimWithNoObservedChanges(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	v, err := newWithStatusFn(ctx, dir, emptyStatus)
	require.NoError(t, err)

	res := v.CheckComment(ctx, "Implemented fix in src/foo.ts; verified.")
	assert.False(t, res.Admitted)
	assert.Contains(t, res.Reason, "no substantive file changes were verified")
	assert.Contains(t, res.Reason, "claimed_paths=src/foo.ts")
	assert.Contains(t, res.Reason, "edit_write_calls=0")
}

func TestCheckComment_AdmitsSubstantiveChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	v, err := newWithStatusFn(ctx, dir, emptyStatus)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	v.RecordWriteIntent("src/foo.ts")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src/foo.ts"), []byte("export function fix() { return 1 + 1; }\n"), 0o644))

	statusWithChange := func(context.Context, string) ([]StatusEntry, error) {
		return []StatusEntry{{Path: "src/foo.ts", IndexStatus: ' ', WorkTreeStatus: 'M'}}, nil
	}
	v.statusFn = statusWithChange

	res := v.CheckComment(ctx, "Implemented fix in src/foo.ts; verified.")
	assert.True(t, res.Admitted)
	assert.Contains(t, res.SubstantivePaths, "src/foo.ts")
}

func TestCheckComment_RejectsTrivialOnlyChange(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	v, err := newWithStatusFn(ctx, dir, emptyStatus)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo.ts"), []byte("// just a comment\nimport x from \"y\"\n"), 0o644))
	v.RecordWriteIntent("foo.ts")

	statusWithChange := func(context.Context, string) ([]StatusEntry, error) {
		return []StatusEntry{{Path: "foo.ts", IndexStatus: ' ', WorkTreeStatus: 'M'}}, nil
	}
	v.statusFn = statusWithChange

	res := v.CheckComment(ctx, "Implemented the change in foo.ts; verified and done.")
	assert.False(t, res.Admitted)
}

func TestCheckComment_NoChangesNeededPassesThrough(t *testing.T) {
	ctx := context.Background()
	v, err := newWithStatusFn(ctx, t.TempDir(), emptyStatus)
	require.NoError(t, err)

	res := v.CheckComment(ctx, "Already complete, no changes needed.")
	assert.True(t, res.Admitted)
	assert.Equal(t, ClassNoChangesNeeded, res.Class)
}
