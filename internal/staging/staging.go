// Package staging implements the Flat Staging Area: a temporary
// directory under TARGET into which subvolumes are received in an order
// independent of their identifier-tree position, reassembled into the
// source's tree-by-identifier on Commit.
package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/btrfsclone/internal/fsutil"
	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
	"github.com/deploymenttheory/btrfsclone/internal/transport"
)

// CommitError reports a non-fatal failure while reassembling the tree:
// a source bucket vanished before it could be moved, or the move itself
// failed. Other subvolumes still get a chance to commit.
type CommitError struct {
	SubvolumeID int
	Err         error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("staging commit: subvolume %d: %v", e.SubvolumeID, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Area is a fresh directory under TARGET whose name is either
// user-supplied (--snap-base) or a random 12-character token.
type Area struct {
	Base      string // base/<id> buckets live here
	TargetDir string // final tree-by-id destination root
	DryRun    bool

	transport transport.Transport
	props     fsutil.PropertySetter
	subvols   []*subvolume.Subvolume // full enumerated set, for commit ordering
}

// NewArea creates (or reuses, for idempotent resume) the staging root
// under targetDir. If name is empty a random 12-character token is used,
// matching the source tool's randstr().
func NewArea(targetDir, name string, subvols []*subvolume.Subvolume, t transport.Transport, props fsutil.PropertySetter) (*Area, error) {
	if name == "" {
		full := uuid.NewString()
		name = full[len(full)-12:]
	}
	base := filepath.Join(targetDir, name)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging area %s: %w", base, err)
	}
	return &Area{Base: base, TargetDir: targetDir, transport: t, props: props, subvols: subvols}, nil
}

func (a *Area) bucket(s *subvolume.Subvolume) string {
	return filepath.Join(a.Base, fmt.Sprintf("%d", s.ID))
}

// PathFor returns the current staging-area location of an
// already-transferred subvolume, for use as a parent or clone-source
// reference by a later send in the same run (final tree positions don't
// exist until Commit).
func (a *Area) PathFor(s *subvolume.Subvolume) string {
	return filepath.Join(a.bucket(s), filepath.Base(s.Path))
}

// Send ensures bucket base/<id> exists and receives into it. If the
// bucket's subvolume already exists (a prior run got this far before
// failing), Send is a no-op, supporting dry-run and resume-after-error.
func (a *Area) Send(ctx context.Context, s *subvolume.Subvolume, sourcePath string, parent string, cloneSources []string) error {
	bucket := a.bucket(s)
	dest := filepath.Join(bucket, filepath.Base(s.Path))
	if a.DryRun {
		logrus.Debugf("dry-run: would receive %s into %s", sourcePath, bucket)
		return nil
	}
	if _, err := os.Stat(dest); err == nil {
		logrus.Debugf("staging: %s already received, skipping", dest)
		return nil
	}
	if err := os.MkdirAll(bucket, 0o755); err != nil {
		return fmt.Errorf("creating bucket %s: %w", bucket, err)
	}

	req := transport.Request{
		SourcePath:   sourcePath,
		TargetDir:    bucket,
		Parent:       parent,
		CloneSources: cloneSources,
		LogName:      transport.LogNameFor(s),
	}
	if err := a.transport.SendRecv(ctx, req); err != nil {
		return err
	}

	if !s.RO {
		if err := a.props.SetReadOnly(ctx, dest, false); err != nil {
			return fmt.Errorf("flipping %s read-write after receive: %w", dest, err)
		}
	}
	return nil
}

// Commit reassembles the tree-by-identifier on TARGET and is invoked
// once, on clean shutdown. It sorts the enumerated set by (ParentID, ID)
// ascending, moves each subvolume whose parent is already placed (or is
// the top-of-filesystem), and reports the rest as stranded without
// aborting.
//
// It returns the list of stranded subvolume IDs and an aggregated error
// for any bucket that vanished mid-commit or failed to move (errors.Join,
// never nil-but-empty).
func (a *Area) Commit(ctx context.Context) (stranded []int, err error) {
	if a.DryRun {
		logrus.Infof("dry-run: would commit %d subvolume(s) from %s into %s", len(a.subvols), a.Base, a.TargetDir)
		return nil, nil
	}

	ordered := append([]*subvolume.Subvolume(nil), a.subvols...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ParentID != ordered[j].ParentID {
			return ordered[i].ParentID < ordered[j].ParentID
		}
		return ordered[i].ID < ordered[j].ID
	})

	done := make(map[int]bool)
	var errs []error

	for _, s := range ordered {
		if s.ParentID != subvolume.TopLevelID && !done[s.ParentID] {
			stranded = append(stranded, s.ID)
			logrus.Warnf("staging: subvolume %d (%s) stranded: parent %d not placed", s.ID, s.Path, s.ParentID)
			continue
		}

		bucket := a.bucket(s)
		cur := filepath.Join(bucket, filepath.Base(s.Path))
		goal := filepath.Join(a.TargetDir, s.Path)

		if _, statErr := os.Stat(cur); statErr != nil {
			errs = append(errs, &CommitError{SubvolumeID: s.ID, Err: fmt.Errorf("bucket contents missing: %w", statErr)})
			continue
		}
		if _, statErr := os.Stat(goal); statErr == nil {
			// Destination already exists: success no-op (idempotent
			// resume), still mark done so descendants can place.
			done[s.ID] = true
			continue
		}

		if err := a.moveOne(ctx, s, cur, goal); err != nil {
			errs = append(errs, &CommitError{SubvolumeID: s.ID, Err: err})
			continue
		}
		done[s.ID] = true

		if rmErr := os.Remove(bucket); rmErr != nil {
			logrus.Warnf("staging: removing empty bucket %s: %v", bucket, rmErr)
		}
	}

	if rmErr := os.RemoveAll(a.Base); rmErr != nil {
		logrus.Warnf("staging: removing staging root %s: %v", a.Base, rmErr)
	}

	return stranded, errors.Join(errs...)
}

// moveOne performs the read-write/move/read-only dance for a single
// subvolume, guaranteeing the read-write window is closed on every exit
// path including failure of the move itself.
func (a *Area) moveOne(ctx context.Context, s *subvolume.Subvolume, cur, goal string) (err error) {
	if err := os.MkdirAll(filepath.Dir(goal), 0o755); err != nil {
		return fmt.Errorf("creating parent dir for %s: %w", goal, err)
	}

	if s.RO {
		if rwErr := a.props.SetReadOnly(ctx, cur, false); rwErr != nil {
			return fmt.Errorf("flipping %s read-write before move: %w", cur, rwErr)
		}
		defer func() {
			// Restore ro on whichever path now holds the subvolume:
			// goal on success, cur if the move itself failed.
			path := goal
			if err != nil {
				path = cur
			}
			if roErr := a.props.SetReadOnly(ctx, path, true); roErr != nil {
				logrus.Warnf("staging: restoring ro on %s: %v", path, roErr)
			}
		}()
	}

	if err = a.props.Move(ctx, cur, goal); err != nil {
		return err
	}
	return nil
}
