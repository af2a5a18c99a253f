package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omscore/oms/internal/common/logger"
	"github.com/omscore/oms/internal/supervisor"
)

func TestNormalizePaths_DedupesAndStripsDotSlash(t *testing.T) {
	out, err := NormalizePaths([]string{"./src/foo.ts", "src/foo.ts", "src/bar.ts"})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/foo.ts", "src/bar.ts"}, out)
}

func TestNormalizePaths_RejectsEscapingPath(t *testing.T) {
	_, err := NormalizePaths([]string{"../outside.ts"})
	assert.ErrorIs(t, err, ErrPathEscapes)
}

func TestComplain_FirstClaimantProceedsImmediately(t *testing.T) {
	ctx := context.Background()
	c := New(supervisor.NewFake(), logger.Default())

	res, err := c.Complain(ctx, ComplainRequest{
		Files: []string{"src/foo.ts"}, ComplainantAgentID: "a1", ComplainantTaskID: "t1",
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictProceed, res.Verdict)
	assert.False(t, res.TimedOut)
}

func TestComplain_SecondClaimantBlocksUntilResolved(t *testing.T) {
	c := New(supervisor.NewFake(), logger.Default())
	ctx := context.Background()

	_, err := c.Complain(ctx, ComplainRequest{Files: []string{"src/foo.ts"}, ComplainantAgentID: "a1", ComplainantTaskID: "t1"})
	require.NoError(t, err)

	resultCh := make(chan ComplainResult, 1)
	go func() {
		res, err := c.Complain(ctx, ComplainRequest{Files: []string{"src/foo.ts"}, ComplainantAgentID: "a2", ComplainantTaskID: "t2"})
		require.NoError(t, err)
		resultCh <- res
	}()

	// Give the second complaint time to register as a waiter.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Resolve("src/foo.ts", VerdictEscalate))

	select {
	case res := <-resultCh:
		assert.Equal(t, VerdictEscalate, res.Verdict)
	case <-time.After(time.Second):
		t.Fatal("complain did not unblock after resolve")
	}
}

func TestRevokeComplaint_ReleasesWaitersWithProceed(t *testing.T) {
	c := New(supervisor.NewFake(), logger.Default())
	ctx := context.Background()

	_, err := c.Complain(ctx, ComplainRequest{Files: []string{"src/foo.ts"}, ComplainantAgentID: "a1", ComplainantTaskID: "t1"})
	require.NoError(t, err)

	resultCh := make(chan ComplainResult, 1)
	go func() {
		res, err := c.Complain(ctx, ComplainRequest{Files: []string{"src/foo.ts"}, ComplainantAgentID: "a2", ComplainantTaskID: "t2"})
		require.NoError(t, err)
		resultCh <- res
	}()

	time.Sleep(20 * time.Millisecond)
	n, err := c.RevokeComplaint("a1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case res := <-resultCh:
		assert.Equal(t, VerdictProceed, res.Verdict)
	case <-time.After(time.Second):
		t.Fatal("complain did not unblock after revoke")
	}

	assert.Empty(t, c.Contested())
}

func TestComplain_TimesOutOnContextCancel(t *testing.T) {
	c := New(supervisor.NewFake(), logger.Default())
	ctx := context.Background()

	_, err := c.Complain(ctx, ComplainRequest{Files: []string{"src/foo.ts"}, ComplainantAgentID: "a1", ComplainantTaskID: "t1"})
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()

	res, err := c.Complain(shortCtx, ComplainRequest{Files: []string{"src/foo.ts"}, ComplainantAgentID: "a2", ComplainantTaskID: "t2"})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, VerdictWait, res.Verdict)
}
