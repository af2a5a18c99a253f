package toolsurface

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Default(t *testing.T) {
	reg, err := Load("")
	require.NoError(t, err)

	assert.True(t, reg.AllowsAction("worker", "show"))
	assert.False(t, reg.AllowsAction("worker", "close"))
	assert.False(t, reg.AllowsAction("worker", "update"))
	assert.True(t, reg.AllowsAction("finisher", "update"))
	assert.True(t, reg.AllowsAction("singularity", "close"))
	assert.False(t, reg.AllowsAction("steering", "comment_add"))
}

func TestBlockedReason_GitWriteVerbsBlockedForWorker(t *testing.T) {
	assert.NotEmpty(t, BlockedReason("worker", "git commit -am wip"))
	assert.NotEmpty(t, BlockedReason("worker", "GIT PUSH origin main"))
	assert.Empty(t, BlockedReason("worker", "git status"))
	assert.Empty(t, BlockedReason("worker", "git diff"))
}

func TestBlockedReason_SingularityBypasses(t *testing.T) {
	assert.Empty(t, BlockedReason("singularity", "git commit -am wip"))
}

func TestBlockedReason_TrackerBackdoor(t *testing.T) {
	assert.NotEmpty(t, BlockedReason("worker", "cat .tasks/events.jsonl"))
	assert.NotEmpty(t, BlockedReason("worker", "cat session/_index.json"))
	assert.Empty(t, BlockedReason("worker", "cat README.md"))
}
