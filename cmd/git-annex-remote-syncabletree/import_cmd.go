package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"pkt.systems/pslog"

	"pkt.systems/syncabletree"
	"pkt.systems/syncabletree/internal/loggingutil"
)

// bindImportFlags binds the import tuning flags of the running subcommand.
// import and watch share the names, so binding happens per invocation.
func bindImportFlags(flags *pflag.FlagSet) {
	bindFlag(flags, "no-commit")
	bindFlag(flags, "commit-message")
}

func addImportFlags(flags *pflag.FlagSet) {
	flags.Bool("no-commit", false, "register imported files without committing")
	flags.String("commit-message", syncabletree.DefaultCommitMessage, "commit message for imports (%d expands to the file count)")
}

func newImportCommand(baseLogger pslog.Logger) *cobra.Command {
	var dryRun bool
	var localRoot string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import files placed into the remote store by other tools",
		Long: `import lists remote objects whose readable path is not recorded in the
annexmap, downloads them into the work tree, registers them with
git-annex and commits the result.`,
		Args: cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			bindImportFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			remote, logger, err := openRemote(baseLogger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rec, target, err := remote.OpenReconciler(ctx)
			if err != nil {
				return err
			}
			defer target.Backend.Close()

			candidates, err := rec.Scan(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dryRun {
				for _, c := range candidates {
					fmt.Fprintf(out, "would import: %s\n", c)
				}
				return nil
			}
			root := strings.TrimSpace(localRoot)
			if root == "" {
				root = remote.Config().WorkTree
			}
			imported, err := rec.Import(ctx, candidates, root)
			for _, path := range imported {
				fmt.Fprintf(out, "imported: %s\n", path)
			}
			if err != nil {
				return err
			}
			loggingutil.WithSubsystem(logger, "cli.import").Debug("import finished", "candidates", len(candidates), "imported", len(imported))
			return nil
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&dryRun, "dry-run", false, "list what would be imported without fetching anything")
	flags.StringVar(&localRoot, "local-root", "", "directory receiving imported files (defaults to --work-tree)")
	addImportFlags(flags)
	return cmd
}
