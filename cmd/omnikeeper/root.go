package main

import (
	"github.com/spf13/cobra"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "omnikeeper",
		Short: "Administer a layered configuration management database",
		Long: `omnikeeper stores configuration items as facts in layers and merges
them on read. Storage, archive store and logging are configured through
OMNIKEEPER_* environment variables.`,
		SilenceUsage: true,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if !a.dumpMetrics {
				return nil
			}
			return a.writeMetrics(cmd.ErrOrStderr())
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.user, "user", "cli", "username recorded on changesets")
	flags.StringVar(&a.origin, "origin", string(domain.DataOriginManual), "data origin recorded on changesets")
	flags.BoolVar(&a.trace, "trace", false, "write JSON trace spans to stderr")
	flags.BoolVar(&a.dumpMetrics, "metrics", false, "print operation metrics to stderr on exit")

	root.AddCommand(
		newLayersCmd(a),
		newPredicatesCmd(a),
		newCICmd(a),
		newAttributesCmd(a),
		newRelationsCmd(a),
		newMergeCmd(a),
		newTraitsCmd(a),
		newValidateCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newArchivesCmd(a),
		newChangesetsCmd(a),
		newPluginsCmd(a),
	)
	return root
}
