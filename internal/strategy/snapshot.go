package strategy

import (
	"context"

	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
)

// snapshotStrategy sends roots first, then walks depth-first: within a
// fan-out of snapshots of a single origin, each child is sent using the
// previously-sent sibling (or the parent node itself, for the first
// child) as both parent and sole clone source, newest sibling first --
// adjacent-in-generation snapshots share the most extents.
type snapshotStrategy struct{}

func (sn *snapshotStrategy) Name() Kind { return Snapshot }

func (sn *snapshotStrategy) Run(ctx context.Context, env *Env, subvols []*subvolume.Subvolume) error {
	for _, root := range env.Graph.Roots() {
		if _, err := sn.visit(ctx, env, root, nil); err != nil {
			return err
		}
	}
	return nil
}

// visit sends node and recurses into its children, reporting whether node
// itself actually landed in the staging area so the caller only threads a
// truly-sent node through as the next sibling's parent/clone source.
func (sn *snapshotStrategy) visit(ctx context.Context, env *Env, node *subvolume.Subvolume, sendParent *subvolume.Subvolume) (bool, error) {
	var cloneSources []*subvolume.Subvolume
	if sendParent != nil {
		cloneSources = []*subvolume.Subvolume{sendParent}
	}
	reason := "root"
	if sendParent != nil {
		reason = "previous sibling or parent"
	}
	sent, err := send(ctx, env, node, sendParent, cloneSources, reason)
	if err != nil {
		return false, err
	}

	prev := sendParent
	if sent {
		prev = node
	}
	for _, child := range childrenByOGenIDDesc(env.Graph, node) {
		childSent, err := sn.visit(ctx, env, child, prev)
		if err != nil {
			return sent, err
		}
		if childSent {
			prev = child
		}
	}
	return sent, nil
}
