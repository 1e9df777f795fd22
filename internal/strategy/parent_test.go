package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
)

func TestParentStrategy_FanOut(t *testing.T) {
	current, snaps := fanOutTopology()
	all := append([]*subvolume.Subvolume{}, current)
	all = append(all, snaps...)

	env, tr := newTestEnv(t, all)

	strat := &parentStrategy{}
	require.NoError(t, strat.Run(context.Background(), env, all))

	// (OGen, ID) ascending: current, snap1, snap2, snap3, snap4.
	assert.Equal(t, []string{"current", "snap1", "snap2", "snap3", "snap4"}, sendOrder(tr))

	byPath := indexByPath(all)
	assert.Equal(t, "", parentOf(tr, env.Stage, byPath, 0))
	for i, name := range []string{"snap1", "snap2", "snap3", "snap4"} {
		assert.Equal(t, "current", parentOf(tr, env.Stage, byPath, i+1), name)
	}
}
