// Package roguard implements the Read-Only Guard: scoped acquisition
// that forces every source subvolume read-only for the duration of
// cloning, with guaranteed release on all exit paths.
package roguard

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/btrfsclone/internal/fsutil"
	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
)

// Guard owns the source-wide read-only state for the duration of a
// clone. Subvolumes that were originally read-only are never modified.
type Guard struct {
	mount    string
	subvols  []*subvolume.Subvolume
	props    fsutil.PropertySetter
	acquired []*subvolume.Subvolume // those this guard actually flipped, in acquisition order
}

// New returns a Guard over the given source mount and enumerated set.
func New(mount string, subvols []*subvolume.Subvolume, props fsutil.PropertySetter) *Guard {
	return &Guard{mount: mount, subvols: subvols, props: props}
}

// Acquire sets every subvolume whose RO is false to read-only on SOURCE.
// If any underlying operation fails, Acquire propagates the error; the
// caller should still call Release to unwind whatever was already
// flipped.
func (g *Guard) Acquire(ctx context.Context) error {
	for _, s := range g.subvols {
		if s.RO {
			continue
		}
		path := filepath.Join(g.mount, s.Path)
		if err := g.props.SetReadOnly(ctx, path, true); err != nil {
			return fmt.Errorf("read-only guard: acquiring %s: %w", s, err)
		}
		g.acquired = append(g.acquired, s)
	}
	return nil
}

// Release reverts, in reverse acquisition order, every subvolume this
// guard flipped back to read-write. Errors are aggregated and returned
// but never stop the release of the remaining subvolumes.
func (g *Guard) Release(ctx context.Context) error {
	var errs []error
	for i := len(g.acquired) - 1; i >= 0; i-- {
		s := g.acquired[i]
		path := filepath.Join(g.mount, s.Path)
		if err := g.props.SetReadOnly(ctx, path, false); err != nil {
			logrus.Warnf("read-only guard: restoring %s: %v", s, err)
			errs = append(errs, fmt.Errorf("restoring %s: %w", s, err))
		}
	}
	return errors.Join(errs...)
}
