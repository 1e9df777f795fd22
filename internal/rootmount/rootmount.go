// Package rootmount implements the Root-mount provider external
// interface: given a user-supplied mount point, it locates the
// underlying FS's UUID and mounts the top-of-filesystem (subvolid=5)
// under a fresh temporary directory, registering teardown. It also
// implements the FS-UUID preflight check carried over from
// original_source/btrfs-clone.py.
package rootmount

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
)

var fsShowUUID = regexp.MustCompile(`uuid:\s*([-a-f0-9]+)`)

// Mounted describes a temporary root mount. The teardown that unmounts
// and removes it is returned separately by Provider.Mount.
type Mounted struct {
	FSUUID string
	Path   string
}

// Provider mounts the unnameable top-of-filesystem subvolume of a given
// mount point under a process-private temporary directory. The mount
// namespace is expected to already be unshared by the caller (the
// orchestrator, via Unshare) so these mounts are invisible outside this
// process.
type Provider struct {
	Runner subvolume.Runner
}

// NewProvider returns a Provider over the given command runner.
func NewProvider(r subvolume.Runner) *Provider {
	return &Provider{Runner: r}
}

// Unshare puts the calling process into a new mount namespace so that
// the temporary root mounts created below are process-private and don't
// leak into the caller's namespace. It must be called once, before any
// mounting, and is a no-op re-entry point when --no-unshare was passed
// (the orchestrator skips calling it in that case).
func Unshare() error {
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("unsharing mount namespace: %w", err)
	}
	// Make the new namespace's root mount private so our mounts/unmounts
	// don't propagate back to the parent namespace.
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("making mount namespace private: %w", err)
	}
	return nil
}

// FSUUID returns the UUID of the filesystem containing mnt, parsed from
// "btrfs filesystem show"'s first line, matching the original tool's
// mount_root_subvol regex.
func (p *Provider) FSUUID(ctx context.Context, mnt string) (string, error) {
	out, err := p.Runner.Output(ctx, "filesystem", "show", mnt)
	if err != nil {
		return "", fmt.Errorf("showing filesystem for %s: %w", mnt, err)
	}
	m := fsShowUUID.FindSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("could not find filesystem UUID in output for %s", mnt)
	}
	return string(m[1]), nil
}

// Mount produces (fs_uuid, top_mount_path) for the filesystem containing
// mnt: it resolves the FS UUID, creates a fresh temporary directory, and
// mounts subvolid=5 of that filesystem there.
func (p *Provider) Mount(ctx context.Context, mnt string) (*Mounted, func(), error) {
	fsUUID, err := p.FSUUID(ctx, mnt)
	if err != nil {
		return nil, func() {}, err
	}

	td, err := os.MkdirTemp("", "btrfsclone-root-")
	if err != nil {
		return nil, func() {}, fmt.Errorf("creating temporary mount point: %w", err)
	}

	// mount(2) has no notion of "UUID=..." source syntax -- that
	// resolution is done by the mount(8) CLI via libblkid, so we shell
	// out to it the same way the original tool's mount_root_subvol does
	// ("mount -o subvolid=5 UUID=<uuid> <tmpdir>") rather than calling
	// unix.Mount directly with an unresolved source string.
	mountArgs := []string{"-o", "subvolid=5", "UUID=" + fsUUID, td}
	logrus.Debugf("executing command: mount %s", strings.Join(mountArgs, " "))
	if out, err := exec.CommandContext(ctx, "mount", mountArgs...).CombinedOutput(); err != nil {
		os.Remove(td)
		return nil, func() {}, fmt.Errorf("mounting top-of-filesystem for %s: %w (%s)", mnt, err, strings.TrimSpace(string(out)))
	}

	cleanup := func() {
		if err := unix.Unmount(td, unix.MNT_DETACH); err != nil {
			logrus.Warnf("rootmount: unmounting %s: %v", td, err)
			return
		}
		if err := os.Remove(td); err != nil {
			logrus.Warnf("rootmount: removing %s: %v", td, err)
		}
	}

	return &Mounted{FSUUID: fsUUID, Path: td}, cleanup, nil
}
