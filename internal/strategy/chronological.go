package strategy

import (
	"context"

	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
)

// chronologicalStrategy shares SNAPSHOT's root-then-depth-first shape but
// visits each node's children first (oldest sibling first) and sends the
// node itself only after its subtree is done, using the parent passed
// down by its own enclosing call together with the last child it sent.
// The root of a lineage therefore appears on the target as a read-write
// snapshot of its newest child (the last one sent), inverting the original parent-of
// relation -- an intentional, observable side effect.
type chronologicalStrategy struct{}

func (c *chronologicalStrategy) Name() Kind { return Chronological }

func (c *chronologicalStrategy) Run(ctx context.Context, env *Env, subvols []*subvolume.Subvolume) error {
	for _, root := range env.Graph.Roots() {
		if _, err := c.visit(ctx, env, root, nil); err != nil {
			return err
		}
	}
	return nil
}

// visit sends node after recursing into its children, and returns node
// itself -- only if node actually landed in the staging area -- so the
// caller can use it as the next sibling's incoming parent.
func (c *chronologicalStrategy) visit(ctx context.Context, env *Env, node *subvolume.Subvolume, incomingParent *subvolume.Subvolume) (*subvolume.Subvolume, error) {
	var prevChild *subvolume.Subvolume
	for _, child := range childrenByOGenIDAsc(env.Graph, node) {
		sentChild, err := c.visit(ctx, env, child, prevChild)
		if err != nil {
			return nil, err
		}
		if sentChild != nil {
			prevChild = sentChild
		}
	}

	var best *subvolume.Subvolume
	var cloneSources []*subvolume.Subvolume
	reason := "no flags"
	switch {
	case incomingParent != nil:
		best = incomingParent
		cloneSources = []*subvolume.Subvolume{incomingParent}
		if prevChild != nil {
			cloneSources = append(cloneSources, prevChild)
		}
		reason = "incoming parent"
	case prevChild != nil:
		best = prevChild
		cloneSources = []*subvolume.Subvolume{prevChild}
		reason = "last child sent"
	}

	sent, err := send(ctx, env, node, best, cloneSources, reason)
	if err != nil {
		return nil, err
	}
	if !sent {
		return nil, nil
	}
	return node, nil
}
