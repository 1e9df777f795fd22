// Package strategy implements the five interchangeable cloning planners
// (PARENT, BRUTEFORCE, SNAPSHOT, CHRONOLOGICAL, GENERATION). Each decides,
// per source subvolume, which already-transferred subvolume to use as the
// send parent and which to pass as clone sources, then drives the flat
// staging area to perform the actual transfer.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/btrfsclone/internal/graph"
	"github.com/deploymenttheory/btrfsclone/internal/staging"
	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
	"github.com/deploymenttheory/btrfsclone/internal/transport"
)

// Kind names one of the five strategies, matching the CLI's --strategy
// values.
type Kind string

const (
	Parent        Kind = "parent"
	Bruteforce    Kind = "bruteforce"
	Snapshot      Kind = "snapshot"
	Chronological Kind = "chronological"
	Generation    Kind = "generation"
)

// Env bundles what every strategy needs to plan and execute transfers.
// Every strategy sends through the flat staging area, including PARENT
// and BRUTEFORCE -- see DESIGN.md's resolution of spec.md's open question
// about PARENT's destination routing.
type Env struct {
	Graph       *graph.Graph
	SourceMount string
	Stage       *staging.Area
	// IgnoreErrors makes send skip a subvolume whose transfer fails
	// instead of aborting the strategy, per spec.md §7's --ignore-errors.
	IgnoreErrors bool
}

// Strategy orders the enumerated subvolume set and, for each element,
// selects a parent and clone-source set before handing the transfer to
// the flat staging area.
type Strategy interface {
	Name() Kind
	Run(ctx context.Context, env *Env, subvols []*subvolume.Subvolume) error
}

// New returns the Strategy implementation for the named kind.
func New(kind Kind) (Strategy, error) {
	switch kind {
	case Parent:
		return &parentStrategy{}, nil
	case Bruteforce:
		return &bruteforceStrategy{}, nil
	case Snapshot:
		return &snapshotStrategy{}, nil
	case Chronological:
		return &chronologicalStrategy{}, nil
	case Generation:
		return &generationStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", kind)
	}
}

// send resolves best/cloneSources to staging-area paths via build_flags,
// logs the decision at debug level, and hands the transfer to the flat
// staging area. It reports whether s actually landed in the staging area:
// callers that accumulate sent state ("done" sets, the previous-sibling
// or incoming-parent threaded through a recursive walk) must only record
// s once sent is true, never merely because err is nil.
//
// When env.IgnoreErrors is set, a transport.TransportError (the sender or
// receiver child process exiting non-zero) is logged as a warning and
// reported as sent=false, err=nil, so the caller's loop or recursion
// moves on to the remaining subvolumes instead of aborting. Any other
// failure -- staging couldn't create the bucket, or couldn't flip the
// received subvolume read-write -- is not a transport error and always
// propagates, matching spec.md's "sender or receiver exited non-zero" as
// the only case --ignore-errors covers.
func send(ctx context.Context, env *Env, s *subvolume.Subvolume, best *subvolume.Subvolume, cloneSources []*subvolume.Subvolume, reason string) (sent bool, err error) {
	parentPath, sourcePaths := buildFlags(env.Stage, cloneSources, best)
	if best != nil {
		logrus.Debugf("strategy: %s -> parent %s (%s)", s, best.DebugString(), reason)
	} else {
		logrus.Debugf("strategy: %s -> no parent (%s)", s, reason)
	}
	srcPath := filepath.Join(env.SourceMount, s.Path)
	if err := env.Stage.Send(ctx, s, srcPath, parentPath, sourcePaths); err != nil {
		var transportErr *transport.TransportError
		if env.IgnoreErrors && errors.As(err, &transportErr) {
			logrus.Warnf("strategy: %s: transfer failed, skipping (--ignore-errors): %v", s, err)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// buildFlags emits a clone-source reference for every element of
// cloneSources (de-duplicated; absent entries dropped) and a parent
// reference for best if non-null.
func buildFlags(stage *staging.Area, cloneSources []*subvolume.Subvolume, best *subvolume.Subvolume) (parentPath string, sourcePaths []string) {
	seen := make(map[string]bool, len(cloneSources))
	for _, cs := range cloneSources {
		if cs == nil {
			continue
		}
		p := stage.PathFor(cs)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		sourcePaths = append(sourcePaths, p)
	}
	if best != nil {
		parentPath = stage.PathFor(best)
	}
	return parentPath, sourcePaths
}

// byOGenIDAsc orders subvolumes by (OGen, ID) ascending, the order shared
// by PARENT and BRUTEFORCE.
func byOGenIDAsc(subvols []*subvolume.Subvolume) []*subvolume.Subvolume {
	out := append([]*subvolume.Subvolume(nil), subvols...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OGen != out[j].OGen {
			return out[i].OGen < out[j].OGen
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// byGenIDAsc orders subvolumes by (Gen, ID) ascending, GENERATION's outer
// order.
func byGenIDAsc(subvols []*subvolume.Subvolume) []*subvolume.Subvolume {
	out := append([]*subvolume.Subvolume(nil), subvols...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Gen != out[j].Gen {
			return out[i].Gen < out[j].Gen
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// childrenByOGenIDDesc returns a node's graph children sorted by
// (OGen, ID) descending -- newest first -- used by SNAPSHOT.
func childrenByOGenIDDesc(g *graph.Graph, node *subvolume.Subvolume) []*subvolume.Subvolume {
	out := append([]*subvolume.Subvolume(nil), g.ChildrenOf(node)...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OGen != out[j].OGen {
			return out[i].OGen > out[j].OGen
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// childrenByOGenIDAsc returns a node's graph children sorted by
// (OGen, ID) ascending -- oldest first -- used by CHRONOLOGICAL.
func childrenByOGenIDAsc(g *graph.Graph, node *subvolume.Subvolume) []*subvolume.Subvolume {
	out := append([]*subvolume.Subvolume(nil), g.ChildrenOf(node)...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OGen != out[j].OGen {
			return out[i].OGen < out[j].OGen
		}
		return out[i].ID < out[j].ID
	})
	return out
}
