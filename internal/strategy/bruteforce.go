package strategy

import (
	"context"

	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
)

// bruteforceStrategy orders and parents like PARENT, but widens the
// clone-source set to every lineage-connected subvolume older than s
// (get_relatives), maximizing extent reuse at the cost of a larger
// send-side working set.
type bruteforceStrategy struct{}

func (b *bruteforceStrategy) Name() Kind { return Bruteforce }

func (b *bruteforceStrategy) Run(ctx context.Context, env *Env, subvols []*subvolume.Subvolume) error {
	for _, s := range byOGenIDAsc(subvols) {
		ancestors := env.Graph.Parents(s)
		var best *subvolume.Subvolume
		if len(ancestors) > 0 {
			best = ancestors[0]
		}

		var cloneSources []*subvolume.Subvolume
		for _, rel := range env.Graph.Relatives(s) {
			if rel.OGen < s.OGen {
				cloneSources = append(cloneSources, rel)
			}
		}

		if _, err := send(ctx, env, s, best, cloneSources, "relatives older than s"); err != nil {
			return err
		}
	}
	return nil
}
