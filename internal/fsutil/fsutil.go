// Package fsutil wraps the small set of FS utility invocations shared by
// the read-only guard, the flat staging area, and the bootstrap: toggling
// the "ro" property on a subvolume and moving a subvolume across
// directories with the FS's subvolume-preserving rename, rather than a
// deep copy.
package fsutil

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
)

// PropertySetter sets and moves subvolumes on the filesystem. Production
// code uses CommandPropertySetter; tests substitute an in-memory fake.
type PropertySetter interface {
	SetReadOnly(ctx context.Context, path string, ro bool) error
	Move(ctx context.Context, from, to string) error
}

// CommandPropertySetter shells out to the FS utility binary.
type CommandPropertySetter struct {
	Runner subvolume.Runner
	DryRun bool
}

// NewCommandPropertySetter builds a CommandPropertySetter over the given
// command runner.
func NewCommandPropertySetter(r subvolume.Runner) *CommandPropertySetter {
	return &CommandPropertySetter{Runner: r}
}

// SetReadOnly sets or clears the "ro" property on the subvolume at path
// ("btrfs property set -ts <path> ro <true|false>"). Under DryRun it logs
// the invocation it would have made and returns without touching the
// filesystem.
func (c *CommandPropertySetter) SetReadOnly(ctx context.Context, path string, ro bool) error {
	val := "false"
	if ro {
		val = "true"
	}
	logrus.Debugf("executing command: property set -ts %s ro %s", path, val)
	if c.DryRun {
		return nil
	}
	if _, err := c.Runner.Output(ctx, "property", "set", "-ts", path, "ro", val); err != nil {
		return fmt.Errorf("setting ro=%s on %s: %w", val, path, err)
	}
	return nil
}

// Move performs a subvolume-preserving rename from "from" to "to". Btrfs
// honors rename(2) across subvolumes of the same filesystem without
// copying extents, so a plain os.Rename is the correct primitive here --
// the staging area and destination tree are guaranteed (by construction)
// to live under the same target mount. Under DryRun it logs the rename it
// would have made and returns without touching the filesystem.
func (c *CommandPropertySetter) Move(ctx context.Context, from, to string) error {
	logrus.Debugf("executing command: mv %s %s", from, to)
	if c.DryRun {
		return nil
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("moving %s to %s: %w", from, to, err)
	}
	return nil
}
