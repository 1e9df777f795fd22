// Package orchestrator wires the Root Snapshot Bootstrap, Read-Only
// Guard, Strategy Engine, Flat Staging Area, and Transport together,
// handles failure policy, and guarantees teardown ordering.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/btrfsclone/internal/bootstrap"
	"github.com/deploymenttheory/btrfsclone/internal/fsutil"
	"github.com/deploymenttheory/btrfsclone/internal/graph"
	"github.com/deploymenttheory/btrfsclone/internal/roguard"
	"github.com/deploymenttheory/btrfsclone/internal/rootmount"
	"github.com/deploymenttheory/btrfsclone/internal/staging"
	"github.com/deploymenttheory/btrfsclone/internal/strategy"
	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
	"github.com/deploymenttheory/btrfsclone/internal/transport"
)

// PreflightConflictError reports a same-FS-UUID or non-empty-target
// conflict; fatal unless --force.
type PreflightConflictError struct {
	Reason string
}

func (e *PreflightConflictError) Error() string { return "preflight conflict: " + e.Reason }

// Options configures one clone run, collecting the CLI surface of
// spec.md §6.
type Options struct {
	SourceMount string
	TargetMount string
	Strategy    strategy.Kind

	ToplevelPromote bool
	Force           bool
	DryRun          bool
	IgnoreErrors    bool
	SnapBase        string
	Verbose         int
	NoUnshare       bool
	LogCompressLvl  int
	Btrfs           string

	ForceAbort time.Duration // the --force 10-second abort window
}

// Orchestrator runs one clone end-to-end.
type Orchestrator struct {
	Opts    Options
	Runner  subvolume.Runner
	Sizer   func(ctx context.Context, path string) (int64, error) // best-effort disk-usage reporter
	isatty  func(fd uintptr) bool
	sleeper func(d time.Duration)
}

// New builds an Orchestrator from CLI-derived Options.
func New(opts Options) *Orchestrator {
	if opts.ForceAbort == 0 {
		opts.ForceAbort = 10 * time.Second
	}
	return &Orchestrator{
		Opts:    opts,
		Runner:  subvolume.NewExecRunner(opts.Btrfs),
		isatty:  func(fd uintptr) bool { return isatty.IsTerminal(fd) },
		sleeper: time.Sleep,
	}
}

// Run bootstraps the root, enumerates source subvolumes, engages the
// read-only guard, runs the chosen strategy, commits the staging area,
// and tears everything down in reverse acquisition order regardless of
// outcome.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.Opts.NoUnshare {
		if err := rootmount.Unshare(); err != nil {
			return err
		}
	}

	provider := rootmount.NewProvider(o.Runner)
	srcRoot, srcCleanup, err := provider.Mount(ctx, o.Opts.SourceMount)
	if err != nil {
		return fmt.Errorf("mounting source root: %w", err)
	}
	defer srcCleanup()

	tgtRoot, tgtCleanup, err := provider.Mount(ctx, o.Opts.TargetMount)
	if err != nil {
		return fmt.Errorf("mounting target root: %w", err)
	}
	defer tgtCleanup()

	if err := o.preflight(ctx, srcRoot, tgtRoot); err != nil {
		return err
	}

	props := fsutil.NewCommandPropertySetter(o.Runner)
	props.DryRun = o.Opts.DryRun
	t := o.newTransport()

	bootResult, bootCleanup, err := bootstrap.Run(ctx, bootstrap.Options{
		SourceMount: srcRoot.Path,
		TargetMount: tgtRoot.Path,
		Promote:     o.Opts.ToplevelPromote,
		DryRun:      o.Opts.DryRun,
	}, &bootstrap.CommandSnapshotter{Runner: o.Runner, DryRun: o.Opts.DryRun}, t, props)
	if err != nil {
		return fmt.Errorf("bootstrapping root snapshot: %w", err)
	}
	defer bootCleanup()
	if bootResult != nil && !bootResult.Promoted {
		logrus.Infof("root snapshot kept as %q on target (use --toplevel to keep this behavior)", bootResult.SnapshotName)
	}

	subvols, err := subvolume.Enumerate(ctx, o.Runner, srcRoot.Path)
	if err != nil {
		return fmt.Errorf("enumerating source subvolumes: %w", err)
	}
	g := graph.New(subvols)

	guard := roguard.New(srcRoot.Path, subvols, props)
	if err := guard.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := guard.Release(ctx); err != nil {
			logrus.Warnf("read-only guard release: %v", err)
		}
	}()

	area, err := staging.NewArea(bootResult.BaseDir, o.Opts.SnapBase, subvols, t, props)
	if err != nil {
		return err
	}
	area.DryRun = o.Opts.DryRun

	strat, err := strategy.New(o.Opts.Strategy)
	if err != nil {
		return err
	}
	env := &strategy.Env{Graph: g, SourceMount: srcRoot.Path, Stage: area, IgnoreErrors: o.Opts.IgnoreErrors}

	if err := strat.Run(ctx, env, subvols); err != nil {
		return fmt.Errorf("running strategy %s: %w", strat.Name(), err)
	}

	stranded, commitErr := area.Commit(ctx)
	if len(stranded) > 0 {
		logrus.Warnf("staging commit: %d subvolume(s) stranded (parent never placed): %v", len(stranded), stranded)
	}
	if commitErr != nil {
		logrus.Warnf("staging commit: %v", commitErr)
	}

	o.summarize(ctx, subvols, tgtRoot.Path)
	return commitErr
}

func (o *Orchestrator) newTransport() transport.Transport {
	et := transport.NewExecTransport(o.Opts.Btrfs)
	et.Verbose = o.Opts.Verbose
	et.DryRun = o.Opts.DryRun
	et.LogCompressLvl = o.Opts.LogCompressLvl
	et.WriteLogsToDisk = o.Opts.Verbose > 0
	return et
}

// preflight rejects an identical source/target filesystem or a non-empty
// target root, per spec.md §7, unless --force is set; with --force it
// waits for the configurable abort window before proceeding.
func (o *Orchestrator) preflight(ctx context.Context, src, tgt *rootmount.Mounted) error {
	var reasons []string
	if src.FSUUID == tgt.FSUUID {
		reasons = append(reasons, fmt.Sprintf("source and target are the same filesystem (UUID %s)", src.FSUUID))
	}
	entries, err := os.ReadDir(tgt.Path)
	if err != nil {
		return fmt.Errorf("reading target root %s: %w", tgt.Path, err)
	}
	if len(entries) > 0 {
		reasons = append(reasons, fmt.Sprintf("target %s is not empty (%d entries)", o.Opts.TargetMount, len(entries)))
	}
	if len(reasons) == 0 {
		return nil
	}
	if !o.Opts.Force {
		return &PreflightConflictError{Reason: fmt.Sprintf("%v (rerun with --force to override)", reasons)}
	}

	logrus.Warnf("preflight conflict overridden by --force: %v", reasons)
	if o.isatty(os.Stdout.Fd()) {
		for remaining := o.Opts.ForceAbort; remaining > 0; remaining -= time.Second {
			fmt.Fprintf(os.Stdout, "\rproceeding in %d...  (ctrl-C to abort)", int(remaining/time.Second))
			o.sleeper(time.Second)
		}
		fmt.Fprintln(os.Stdout)
	} else {
		o.sleeper(o.Opts.ForceAbort)
	}
	return nil
}

// summarize logs a best-effort byte-count total for the subvolumes this
// run placed on target, formatted with docker/go-units the way lima
// formats transfer sizes. Failure to compute disk usage is non-fatal.
func (o *Orchestrator) summarize(ctx context.Context, subvols []*subvolume.Subvolume, targetRoot string) {
	sizer := o.Sizer
	if sizer == nil {
		sizer = diskUsage(o.Runner)
	}
	var total int64
	for _, s := range subvols {
		n, err := sizer(ctx, targetRoot+"/"+s.Path)
		if err != nil {
			continue
		}
		total += n
	}
	if total > 0 {
		logrus.Infof("clone complete: %s across %d subvolume(s)", units.HumanSize(float64(total)), len(subvols))
	} else {
		logrus.Infof("clone complete: %d subvolume(s)", len(subvols))
	}
}

func diskUsage(r subvolume.Runner) func(ctx context.Context, path string) (int64, error) {
	return func(ctx context.Context, path string) (int64, error) {
		out, err := r.Output(ctx, "filesystem", "du", "-s", path)
		if err != nil {
			return 0, err
		}
		return parseDU(out)
	}
}

func parseDU(out []byte) (int64, error) {
	var total int64
	if _, err := fmt.Sscanf(string(out), "%d", &total); err != nil {
		return 0, err
	}
	return total, nil
}
