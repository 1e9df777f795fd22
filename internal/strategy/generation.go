package strategy

import (
	"context"

	"github.com/google/uuid"

	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
)

// generationStrategy orders subvolumes by (Gen, ID) ascending and, for
// each, runs select_best_ancestor against the set of subvolumes already
// sent ("done", kept in descending (Gen, ID) order -- most recently sent
// first). Rule 1 exploits a static child as an exact snapshot of s at a
// later point; rules 7-11 degrade toward the closest-in-creation-time
// relative when no exact match exists.
type generationStrategy struct {
	done []*subvolume.Subvolume // descending (Gen, ID); new entries prepended
}

func (g *generationStrategy) Name() Kind { return Generation }

func (g *generationStrategy) Run(ctx context.Context, env *Env, subvols []*subvolume.Subvolume) error {
	for _, s := range byGenIDAsc(subvols) {
		best, cloneSources, reason := g.selectBestAncestor(env, s)
		sent, err := send(ctx, env, s, best, cloneSources, reason)
		if err != nil {
			return err
		}
		if !sent {
			continue
		}
		// Processing s in ascending (Gen, ID) order means each newly
		// done entry has the highest (Gen, ID) seen so far; prepending
		// keeps `done` in descending order without a full re-sort.
		g.done = append([]*subvolume.Subvolume{s}, g.done...)
	}
	return nil
}

// selectBestAncestor implements spec.md's GENERATION rule set, evaluated
// in order; the first rule that fires determines best and reason.
func (g *generationStrategy) selectBestAncestor(env *Env, s *subvolume.Subvolume) (best *subvolume.Subvolume, cloneSources []*subvolume.Subvolume, reason string) {
	doneSet := make(map[uuid.UUID]bool, len(g.done))
	for _, d := range g.done {
		doneSet[d.UUID] = true
	}

	var children []*subvolume.Subvolume
	for _, d := range g.done { // already in descending (Gen, ID) order
		if d.ParentUUID == s.UUID {
			children = append(children, d)
		}
	}

	var ancestorsChain []*subvolume.Subvolume
	for _, a := range env.Graph.Parents(s) {
		if doneSet[a.UUID] {
			ancestorsChain = append(ancestorsChain, a)
		}
	}
	var mom, ancestor *subvolume.Subvolume
	if len(ancestorsChain) > 0 {
		mom = ancestorsChain[0]
		ancestor = ancestorsChain[len(ancestorsChain)-1]
	}

	var siblings []*subvolume.Subvolume
	for _, d := range g.done {
		if d.UUID != s.UUID && d.ParentUUID == s.ParentUUID {
			siblings = append(siblings, d)
		}
	}
	var brothers, sisters []*subvolume.Subvolume
	for _, sib := range siblings {
		if sib.OGen < s.OGen {
			brothers = append(brothers, sib)
		} else {
			sisters = append(sisters, sib)
		}
	}

	var clone []*subvolume.Subvolume
	seen := map[uuid.UUID]bool{}
	add := func(x *subvolume.Subvolume) {
		if x == nil || seen[x.UUID] {
			return
		}
		seen[x.UUID] = true
		clone = append(clone, x)
	}

	// Rule 1 / 2.
	var staticChild *subvolume.Subvolume
	for _, c := range children {
		if c.Static() {
			staticChild = c
			break
		}
	}
	if staticChild != nil {
		add(staticChild)
		for _, c := range children {
			if c.OGen > staticChild.OGen {
				add(c)
			}
		}
		return staticChild, clone, "static child"
	}
	if len(children) > 0 {
		for _, c := range children {
			add(c)
		}
	}

	// Rule 3. The full present-ancestor chain is added (not only its
	// farthest member) so a nearer ancestor ("mom") remains reachable as
	// a clone source even when the chain has more than one live hop --
	// see DESIGN.md.
	if len(ancestorsChain) > 0 {
		for _, a := range ancestorsChain {
			add(a)
		}
		if ancestor.UUID == mom.UUID {
			return mom, clone, "mom"
		}
	}

	// Rule 4.
	if len(siblings) == 0 && len(ancestorsChain) == 0 {
		return nil, clone, "orphan"
	}

	// Rule 5.
	if len(siblings) == 0 && ancestor != nil {
		return ancestor, clone, "ancestor"
	}

	youngestStaticBrother := extremal(brothers, func(b *subvolume.Subvolume) bool { return b.Static() }, true)
	youngestBrother := extremal(brothers, func(b *subvolume.Subvolume) bool { return b.Gen < s.OGen }, true)
	youngestBrotherOGen := extremal(brothers, func(*subvolume.Subvolume) bool { return true }, true)
	oldestStaticSister := extremal(sisters, func(si *subvolume.Subvolume) bool { return si.Static() }, false)
	oldestSister := extremal(sisters, func(*subvolume.Subvolume) bool { return true }, false)
	oldestSisterGen := extremalByGen(sisters, false)

	// Rule 6.
	for _, cand := range []*subvolume.Subvolume{
		youngestStaticBrother, youngestBrother, youngestBrotherOGen,
		oldestStaticSister, oldestSister, oldestSisterGen,
	} {
		add(cand)
	}

	// Rule 7.
	if youngestStaticBrother != nil {
		return youngestStaticBrother, clone, "static brother"
	}
	// Rule 8.
	if oldestStaticSister != nil {
		return oldestStaticSister, clone, "static sister"
	}
	// Rule 9.
	if youngestBrother != nil {
		return youngestBrother, clone, "youngest brother"
	}
	// Rule 10.
	if ancestor != nil && ancestor.Static() {
		return ancestor, clone, "static ancestor"
	}
	// Rule 11.
	candidates := []*subvolume.Subvolume{ancestor, youngestBrotherOGen, oldestSister, oldestSisterGen}
	var nicest *subvolume.Subvolume
	var nicestDiff int64
	for _, c := range candidates {
		if c == nil {
			continue
		}
		diff := c.OGen - s.OGen
		if diff < 0 {
			diff = -diff
		}
		if nicest == nil || diff < nicestDiff {
			nicest, nicestDiff = c, diff
		}
	}
	if nicest != nil {
		return nicest, clone, "nicest relative"
	}

	// Rule 12.
	if len(siblings) > 0 {
		return nil, clone, "no nice relatives"
	}
	return nil, clone, "orphan"
}

// extremal returns the element of in matching pred with the maximum
// (youngest=true) or minimum (youngest=false) OGen, or nil if none match.
func extremal(in []*subvolume.Subvolume, pred func(*subvolume.Subvolume) bool, youngest bool) *subvolume.Subvolume {
	var best *subvolume.Subvolume
	for _, x := range in {
		if !pred(x) {
			continue
		}
		if best == nil || (youngest && x.OGen > best.OGen) || (!youngest && x.OGen < best.OGen) {
			best = x
		}
	}
	return best
}

// extremalByGen returns the element of in with the maximum (youngest=true)
// or minimum (youngest=false) Gen, or nil if in is empty.
func extremalByGen(in []*subvolume.Subvolume, youngest bool) *subvolume.Subvolume {
	var best *subvolume.Subvolume
	for _, x := range in {
		if best == nil || (youngest && x.Gen > best.Gen) || (!youngest && x.Gen < best.Gen) {
			best = x
		}
	}
	return best
}
