// Command btrfsclone replicates a btrfs filesystem from one mounted
// instance to another by orchestrating btrfs's native snapshot send and
// receive primitives, choosing a cloning strategy that decides per
// subvolume which already-transferred subvolume to use as a send parent
// and which to pass as clone sources.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/btrfsclone/internal/btrfslog"
	"github.com/deploymenttheory/btrfsclone/internal/cloneconfig"
	"github.com/deploymenttheory/btrfsclone/internal/orchestrator"
	"github.com/deploymenttheory/btrfsclone/internal/strategy"
)

var (
	flagStrategy       string
	flagToplevel       bool
	flagForce          bool
	flagDryRun         bool
	flagIgnoreErrors   bool
	flagSnapBase       string
	flagVerbose        int
	flagNoUnshare      bool
	flagLogCompressLvl int
	flagBtrfsBin       string
)

var rootCmd = &cobra.Command{
	Use:   "btrfsclone <source_mount> <target_mount>",
	Short: "Clone a btrfs filesystem's subvolumes onto another btrfs filesystem",
	Long: `btrfsclone replicates every subvolume of a mounted btrfs filesystem onto
another mounted btrfs filesystem using btrfs send/receive, choosing a
send-parent and clone-source set per subvolume according to the selected
strategy so the target shares extents with the source instead of
duplicating them.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClone(cmd.Context(), args[0], args[1])
	},
	SilenceUsage: true,
}

func init() {
	cfg, err := cloneconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: loading config: %v\n", err)
		cfg = &cloneconfig.Config{
			Strategy: "generation", ToplevelPromote: true,
			LogCompressLevel: 6, ForceAbortSeconds: 10,
		}
	}

	rootCmd.Flags().StringVar(&flagStrategy, "strategy", cfg.Strategy,
		"cloning strategy: parent, snapshot, chronological, generation, bruteforce")
	rootCmd.Flags().BoolVar(&flagToplevel, "toplevel", !cfg.ToplevelPromote,
		"disable top-of-filesystem promotion, keeping the bootstrap snapshot intact")
	rootCmd.Flags().BoolVar(&flagForce, "force", false,
		"allow identical-UUID or non-empty target, after a 10-second abort window")
	rootCmd.Flags().BoolVar(&flagDryRun, "dry-run", false,
		"print planned external invocations without executing them")
	rootCmd.Flags().BoolVar(&flagIgnoreErrors, "ignore-errors", cfg.IgnoreErrors,
		"downgrade transport failures to a warning and continue")
	rootCmd.Flags().StringVar(&flagSnapBase, "snap-base", "",
		"fixed name for the staging directory (otherwise random)")
	rootCmd.Flags().CountVarP(&flagVerbose, "verbose", "v", "increase verbosity (repeatable)")
	rootCmd.Flags().BoolVar(&flagNoUnshare, "no-unshare", false,
		"internal re-entry flag after mount-namespace unsharing")
	rootCmd.Flags().IntVar(&flagLogCompressLvl, "log-compresslevel", cfg.LogCompressLevel,
		"gzip compression level for saved send/receive logs")
	rootCmd.Flags().StringVar(&flagBtrfsBin, "btrfs-bin", "",
		"path to the btrfs utility binary (defaults to $BTRFS or \"btrfs\")")
}

func runClone(ctx context.Context, sourceMount, targetMount string) error {
	btrfslog.SetVerbosity(flagVerbose)

	if flagBtrfsBin == "" {
		flagBtrfsBin = os.Getenv("BTRFS")
	}

	opts := orchestrator.Options{
		SourceMount:     sourceMount,
		TargetMount:     targetMount,
		Strategy:        strategy.Kind(flagStrategy),
		ToplevelPromote: !flagToplevel,
		Force:           flagForce,
		DryRun:          flagDryRun,
		IgnoreErrors:    flagIgnoreErrors,
		SnapBase:        flagSnapBase,
		Verbose:         flagVerbose,
		NoUnshare:       flagNoUnshare,
		LogCompressLvl:  flagLogCompressLvl,
		Btrfs:           flagBtrfsBin,
		ForceAbort:      10 * time.Second,
	}

	return orchestrator.New(opts).Run(ctx)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
