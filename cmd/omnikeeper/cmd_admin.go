package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

func newChangesetsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changesets",
		Short: "Inspect and clean up changesets",
	}

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a changeset and its fact counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid changeset id %q: %w", args[0], err)
			}
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			cs, err := svc.GetChangeset(cmd.Context(), id)
			if err != nil {
				return err
			}
			stats, err := svc.GetChangesetStatistics(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"changeset": cs, "statistics": stats})
		},
	}

	var (
		layers []string
		cis    []string
		since  time.Duration
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent changesets, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			ls := domain.LayerSet{}
			if len(layers) > 0 {
				if ls, err = svc.BuildLayerSet(cmd.Context(), layers...); err != nil {
					return err
				}
			}
			sel := domain.AllCIIDs()
			if len(cis) > 0 {
				ids, err := parseCIIDs(cis)
				if err != nil {
					return err
				}
				sel = domain.SpecificCIIDs(ids...)
			}
			to := time.Now().UTC()
			changesets, err := svc.GetChangesetsInTimespan(cmd.Context(), to.Add(-since), to, ls, sel, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, changesets)
		},
	}
	list.Flags().StringSliceVar(&layers, "layers", nil, "only changesets of these layers")
	list.Flags().StringSliceVar(&cis, "ci", nil, "only changesets touching these CIs")
	list.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of changesets, 0 for all")

	var olderThan time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete changesets that carry no facts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			n, err := svc.DeleteEmptyChangesets(cmd.Context(), time.Now().UTC().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d empty changesets\n", n)
			return nil
		},
	}
	cleanup.Flags().DurationVar(&olderThan, "older-than", 0, "only delete changesets older than this")

	cmd.AddCommand(show, list, cleanup)
	return cmd
}

func newPluginsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			return printJSON(cmd, svc.RegisteredPlugins())
		},
	}
}
