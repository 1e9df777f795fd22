package strategy

import (
	"context"

	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
)

// parentStrategy sends each subvolume in (OGen, ID) order using its
// direct UUID-origin as the send parent and every present ancestor as a
// clone source, preserving the UUID-parent lineage on the target.
type parentStrategy struct{}

func (p *parentStrategy) Name() Kind { return Parent }

func (p *parentStrategy) Run(ctx context.Context, env *Env, subvols []*subvolume.Subvolume) error {
	for _, s := range byOGenIDAsc(subvols) {
		ancestors := env.Graph.Parents(s)
		var best *subvolume.Subvolume
		if len(ancestors) > 0 {
			best = ancestors[0]
		}
		if _, err := send(ctx, env, s, best, ancestors, "direct origin"); err != nil {
			return err
		}
	}
	return nil
}
