package strategy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChronologicalStrategy_LinearChain(t *testing.T) {
	all := linearChainSharedOrigin() // A root, children B<C<D by ogen
	env, tr := newTestEnv(t, all)

	strat := &chronologicalStrategy{}
	require.NoError(t, strat.Run(context.Background(), env, all))

	// Children ascending: B, C, D; A itself sent last.
	assert.Equal(t, []string{"B", "C", "D", "A"}, sendOrder(tr))

	byPath := indexByPath(all)
	// B is the first (oldest) child: no incoming parent, no previously
	// sent sibling -> no flags.
	assert.Equal(t, "", parentOf(tr, env.Stage, byPath, 0))
	// C's previous sibling is B.
	assert.Equal(t, "B", parentOf(tr, env.Stage, byPath, 1))
	// D's previous sibling is C.
	assert.Equal(t, "C", parentOf(tr, env.Stage, byPath, 2))
	// A, the root, appears as a snapshot of D -- its last child sent --
	// inverting the original parent-of relation, per spec.md.
	assert.Equal(t, "D", parentOf(tr, env.Stage, byPath, 3))
}

// TestChronologicalStrategy_IgnoreErrorsSkipsFailedChild fails C's transfer:
// D must fall back to B -- the last child actually sent -- as its incoming
// parent, and A (sent last) uses D, the last child actually sent, once D
// itself is threaded back up.
func TestChronologicalStrategy_IgnoreErrorsSkipsFailedChild(t *testing.T) {
	all := linearChainSharedOrigin() // A root, children B<C<D by ogen
	c := all[2]
	env, tr := newIgnoreErrorsEnv(t, all, map[string]bool{filepath.Join("/src", c.Path): true})

	strat := &chronologicalStrategy{}
	require.NoError(t, strat.Run(context.Background(), env, all))

	assert.Equal(t, []string{"B", "C", "D", "A"}, sendOrder(&tr.recordingTransport))

	byPath := indexByPath(all)
	assert.Equal(t, "", parentOf(&tr.recordingTransport, env.Stage, byPath, 0))  // B: no flags
	assert.Equal(t, "B", parentOf(&tr.recordingTransport, env.Stage, byPath, 1)) // C: attempted with B as parent, then fails
	assert.Equal(t, "B", parentOf(&tr.recordingTransport, env.Stage, byPath, 2)) // D falls back to B, not the failed C
	assert.Equal(t, "D", parentOf(&tr.recordingTransport, env.Stage, byPath, 3)) // A uses D, the actually-sent last child
}
