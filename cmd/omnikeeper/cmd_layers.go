package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

func newLayersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layers",
		Short: "Manage layers",
	}
	cmd.AddCommand(newLayersListCmd(a), newLayersCreateCmd(a), newLayersStateCmd(a), newStatsCmd(a))
	return cmd
}

func newLayersListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List layers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			layers, err := svc.ListLayers(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, layers)
		},
	}
}

func newLayersCreateCmd(a *app) *cobra.Command {
	var description string
	var color uint32
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			layer, res, err := svc.CreateLayer(cmd.Context(), domain.Layer{ID: args[0], Description: description, Color: color})
			if err != nil {
				return err
			}
			report(cmd, res)
			return printJSON(cmd, layer)
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "layer description")
	cmd.Flags().Uint32Var(&color, "color", 0, "display color as 0xRRGGBB")
	return cmd
}

func newLayersStateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-state <id> <state>",
		Short: "Change the state of a layer (active, deprecated, inactive, marked_for_deletion)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := domain.AnchorState(args[1])
			if !state.Valid() {
				return fmt.Errorf("unknown layer state %q", args[1])
			}
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			layer, res, err := svc.UpdateLayer(cmd.Context(), args[0], func(l *domain.Layer) error {
				l.State = state
				return nil
			})
			if err != nil {
				return err
			}
			report(cmd, res)
			return printJSON(cmd, layer)
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "stats <id>",
		Short: "Show fact counts of a layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			threshold, err := parseAt(at)
			if err != nil {
				return err
			}
			stats, err := svc.GetLayerStatistics(cmd.Context(), args[0], threshold)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 time to count at (default latest)")
	return cmd
}

func newPredicatesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predicates",
		Short: "Manage relation predicates",
	}
	var wordingFrom, wordingTo string
	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a predicate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			p, res, err := svc.CreatePredicate(cmd.Context(), domain.Predicate{ID: args[0], WordingFrom: wordingFrom, WordingTo: wordingTo})
			if err != nil {
				return err
			}
			report(cmd, res)
			return printJSON(cmd, p)
		},
	}
	create.Flags().StringVar(&wordingFrom, "wording-from", "", "wording seen from the source CI")
	create.Flags().StringVar(&wordingTo, "wording-to", "", "wording seen from the target CI")
	list := &cobra.Command{
		Use:   "list",
		Short: "List predicates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			preds, err := svc.ListPredicates(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, preds)
		},
	}
	cmd.AddCommand(create, list)
	return cmd
}
