// Package bootstrap implements the Root Snapshot Bootstrap: the FS
// forbids sending the top-of-filesystem directly, so the bootstrap
// snapshots it, transfers the snapshot, and either promotes its contents
// to the target root or keeps it as a named subvolume.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/btrfsclone/internal/fsutil"
	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
	"github.com/deploymenttheory/btrfsclone/internal/transport"
)

// Result reports the outcome of bootstrapping the root.
type Result struct {
	// Promoted is true when toplevel-promote ran and emptied the
	// received snapshot into the target root.
	Promoted bool
	// BaseDir is the directory subsequent strategies should treat as
	// the target root: the target mount itself when Promoted, or the
	// still-named received snapshot otherwise.
	BaseDir string
	// SnapshotName is the random name given to the bootstrap snapshot,
	// reported to the user when not promoted.
	SnapshotName string
}

// Snapshotter creates and removes read-only snapshots of the
// top-of-filesystem on SOURCE.
type Snapshotter interface {
	Snapshot(ctx context.Context, srcMount, name string) (path string, err error)
	Delete(ctx context.Context, path string) error
}

// CommandSnapshotter shells out to the FS utility binary.
type CommandSnapshotter struct {
	Runner subvolume.Runner
	DryRun bool
}

// Snapshot creates a read-only snapshot of srcMount. Under DryRun it logs
// the invocation it would have made and returns the path it would have
// created without touching the filesystem.
func (c *CommandSnapshotter) Snapshot(ctx context.Context, srcMount, name string) (string, error) {
	dest := filepath.Join(srcMount, name)
	logrus.Debugf("executing command: subvolume snapshot -r %s %s", srcMount, dest)
	if c.DryRun {
		return dest, nil
	}
	if _, err := c.Runner.Output(ctx, "subvolume", "snapshot", "-r", srcMount, dest); err != nil {
		return "", fmt.Errorf("snapshotting top-of-filesystem: %w", err)
	}
	return dest, nil
}

func (c *CommandSnapshotter) Delete(ctx context.Context, path string) error {
	logrus.Debugf("executing command: subvolume delete %s", path)
	if c.DryRun {
		return nil
	}
	if _, err := c.Runner.Output(ctx, "subvolume", "delete", path); err != nil {
		return fmt.Errorf("deleting bootstrap snapshot %s: %w", path, err)
	}
	return nil
}

// Options configure a bootstrap run.
type Options struct {
	SourceMount string
	TargetMount string
	Promote     bool // toplevel-promote; default true at the CLI layer
	DryRun      bool
}

// Run executes the five (or six, when disabled) bootstrap steps and
// returns a registered cleanup alongside the Result. The caller must
// invoke cleanup() on every exit path; it deletes the bootstrap snapshot
// on SOURCE and is idempotent.
func Run(ctx context.Context, opts Options, snap Snapshotter, t transport.Transport, props fsutil.PropertySetter) (*Result, func(), error) {
	name := uuid.NewString()[:12]

	snapPath, err := snap.Snapshot(ctx, opts.SourceMount, name)
	if err != nil {
		return nil, func() {}, err
	}
	cleanup := func() {
		if err := snap.Delete(ctx, snapPath); err != nil {
			logrus.Warnf("bootstrap: deleting source snapshot %s: %v", snapPath, err)
		}
	}

	req := transport.Request{
		SourcePath: snapPath,
		TargetDir:  opts.TargetMount,
		LogName:    "toplevel-" + name,
	}
	if err := t.SendRecv(ctx, req); err != nil {
		return nil, cleanup, err
	}

	received := filepath.Join(opts.TargetMount, name)
	if err := props.SetReadOnly(ctx, received, false); err != nil {
		return nil, cleanup, fmt.Errorf("flipping bootstrap snapshot read-write: %w", err)
	}

	if !opts.Promote {
		logrus.Infof("bootstrap: kept as named subvolume %q (toplevel-promote disabled)", name)
		return &Result{Promoted: false, BaseDir: received, SnapshotName: name}, cleanup, nil
	}

	if opts.DryRun {
		logrus.Infof("dry-run: would promote entries of %q into %s", name, opts.TargetMount)
		return &Result{Promoted: true, BaseDir: opts.TargetMount, SnapshotName: name}, cleanup, nil
	}

	if err := promote(received, opts.TargetMount); err != nil {
		return nil, cleanup, fmt.Errorf("promoting bootstrap snapshot: %w", err)
	}
	if err := os.Remove(received); err != nil {
		logrus.Warnf("bootstrap: removing emptied snapshot %s: %v", received, err)
	}
	return &Result{Promoted: true, BaseDir: opts.TargetMount, SnapshotName: name}, cleanup, nil
}

// promote renames every entry of received whose device matches received's
// own device into root, skipping anything on a different device (i.e.
// nested mounts).
func promote(received, root string) error {
	rootStat, err := os.Stat(received)
	if err != nil {
		return fmt.Errorf("stat %s: %w", received, err)
	}
	rootDev := deviceOf(rootStat)

	entries, err := os.ReadDir(received)
	if err != nil {
		return fmt.Errorf("reading %s: %w", received, err)
	}
	for _, entry := range entries {
		entryPath := filepath.Join(received, entry.Name())
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", entryPath, err)
		}
		if deviceOf(info) != rootDev {
			logrus.Debugf("bootstrap: skipping %s, nested mount (different device)", entryPath)
			continue
		}
		dest := filepath.Join(root, entry.Name())
		if err := os.Rename(entryPath, dest); err != nil {
			return fmt.Errorf("promoting %s to %s: %w", entryPath, dest, err)
		}
	}
	return nil
}

func deviceOf(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Dev)
	}
	return 0
}
