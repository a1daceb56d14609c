package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/syncabletree"
	"pkt.systems/syncabletree/internal/loggingutil"
)

func newWatchCommand(baseLogger pslog.Logger) *cobra.Command {
	var localRoot string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep importing files as they appear in the remote store",
		Long: `watch runs an import, then repeats it whenever the remote changes.
Disk stores are followed through filesystem notifications; other stores,
or disk stores where notifications are unavailable, are polled.`,
		Args: cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()
			bindImportFlags(flags)
			bindFlag(flags, "interval")
			bindFlag(flags, "debounce")
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			remote, logger, err := openRemote(baseLogger)
			if err != nil {
				return err
			}
			watchLogger := loggingutil.WithSubsystem(logger, "cli.watch")
			ctx := cmd.Context()
			rec, target, err := remote.OpenReconciler(ctx)
			if err != nil {
				return err
			}
			defer target.Backend.Close()

			root := strings.TrimSpace(localRoot)
			if root == "" {
				root = remote.Config().WorkTree
			}
			run := func(ctx context.Context) error {
				candidates, err := rec.Scan(ctx)
				if err != nil {
					return err
				}
				if len(candidates) == 0 {
					return nil
				}
				imported, err := rec.Import(ctx, candidates, root)
				if len(imported) > 0 {
					watchLogger.Info("imported files", "count", len(imported), "pending", len(candidates)-len(imported))
				}
				return err
			}
			watchLogger.Info("watching remote", "store", remote.Config().Store, "uuid", target.UUID)
			return rec.Watch(ctx, remote.WatchConfig(), run)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&localRoot, "local-root", "", "directory receiving imported files (defaults to --work-tree)")
	flags.Duration("interval", syncabletree.DefaultWatchInterval, "polling interval when filesystem notifications are unavailable")
	flags.Duration("debounce", syncabletree.DefaultWatchDebounce, "quiet period after a change before importing")
	addImportFlags(flags)
	return cmd
}
