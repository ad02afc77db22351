package main

import (
	"github.com/spf13/cobra"

	"github.com/max-bytes/omnikeeper-sub003/internal/core"
	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

func newCICmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ci",
		Short: "Manage configuration item identities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create [ciid]",
		Short: "Register a CI, generating an id when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			id := domain.NewCIID()
			if len(args) == 1 {
				if id, err = domain.ParseCIID(args[0]); err != nil {
					return err
				}
			}
			created, res, err := svc.CreateCI(cmd.Context(), id)
			if err != nil {
				return err
			}
			report(cmd, res)
			return printJSON(cmd, map[string]string{"ci_id": created.String()})
		},
	})
	return cmd
}

func newAttributesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attributes",
		Short: "Write attribute facts",
	}
	var (
		valueType string
		isArray   bool
		readFrom  []string
	)
	set := &cobra.Command{
		Use:   "set <layer> <ciid> <name> <value>...",
		Short: "Insert an attribute value into a layer",
		Long: `Insert an attribute value into a layer. Several values form an array
value and imply --array. With --skip-if-merged the write is dropped when the
given layers already provide the same value.`,
		Args: cobra.MinimumNArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ciid, err := domain.ParseCIID(args[1])
			if err != nil {
				return err
			}
			value, err := domain.ParseValue(domain.ValueType(valueType), isArray || len(args) > 4, args[3:])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			other := core.ForceWrite()
			if len(readFrom) > 0 {
				layers, err := svc.BuildLayerSet(cmd.Context(), readFrom...)
				if err != nil {
					return err
				}
				other = core.TakeIntoAccount(layers)
			}
			out, res, err := svc.InsertAttribute(cmd.Context(), a.actor(), args[0], ciid, args[2], value, other)
			if err != nil {
				return err
			}
			report(cmd, res)
			return printJSON(cmd, out)
		},
	}
	set.Flags().StringVar(&valueType, "type", string(domain.ValueTypeText), "value type")
	set.Flags().BoolVar(&isArray, "array", false, "store a single element as an array")
	set.Flags().StringSliceVar(&readFrom, "skip-if-merged", nil, "layer set whose merged value makes the write redundant")

	remove := &cobra.Command{
		Use:   "remove <layer> <ciid> <name>",
		Short: "Remove an attribute from a layer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ciid, err := domain.ParseCIID(args[1])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			out, res, err := svc.RemoveAttribute(cmd.Context(), a.actor(), args[0], ciid, args[2])
			if err != nil {
				return err
			}
			report(cmd, res)
			return printJSON(cmd, out)
		},
	}
	cmd.AddCommand(set, remove)
	return cmd
}

func newRelationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relations",
		Short: "Write and read relation facts",
	}
	var mask bool
	add := &cobra.Command{
		Use:   "add <layer> <from> <to> <predicate>",
		Short: "Insert a relation, or a mask with --mask",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseCIIDs(args[1:3])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			out, res, err := svc.InsertRelation(cmd.Context(), a.actor(), args[0], ids[0], ids[1], args[3], mask)
			if err != nil {
				return err
			}
			report(cmd, res)
			return printJSON(cmd, out)
		},
	}
	add.Flags().BoolVar(&mask, "mask", false, "hide the relation in lower layers")

	var maskBelow []string
	remove := &cobra.Command{
		Use:   "remove <layer> <from> <to> <predicate>",
		Short: "Remove a relation from a layer",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseCIIDs(args[1:3])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			removal := core.ApplyNoMask()
			if len(maskBelow) > 0 {
				layers, err := svc.BuildLayerSet(cmd.Context(), maskBelow...)
				if err != nil {
					return err
				}
				removal = core.ApplyMaskIfNecessary(layers)
			}
			out, res, err := svc.RemoveRelation(cmd.Context(), a.actor(), args[0], ids[0], ids[1], args[3], removal)
			if err != nil {
				return err
			}
			report(cmd, res)
			return printJSON(cmd, out)
		},
	}
	remove.Flags().StringSliceVar(&maskBelow, "mask-below", nil, "layer set whose lower layers stay hidden by a mask")

	var (
		lf           layerFlags
		from, to     []string
		predicates   []string
		includeMasks bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List merged relations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			layers, at, err := lf.resolve(cmd.Context(), svc)
			if err != nil {
				return err
			}
			sel := domain.AllRelations()
			switch {
			case len(from) > 0:
				ids, err := parseCIIDs(from)
				if err != nil {
					return err
				}
				sel = domain.RelationsFrom(ids...)
			case len(to) > 0:
				ids, err := parseCIIDs(to)
				if err != nil {
					return err
				}
				sel = domain.RelationsTo(ids...)
			case len(predicates) > 0:
				sel = domain.RelationsWithPredicate(predicates...)
			}
			masks := core.ApplyMasks()
			if includeMasks {
				masks = core.IncludeMasks()
			}
			rels, err := svc.GetMergedRelations(cmd.Context(), sel, layers, at, masks)
			if err != nil {
				return err
			}
			return printJSON(cmd, rels)
		},
	}
	lf.bind(list)
	list.Flags().StringSliceVar(&from, "from", nil, "only relations leaving these CIs")
	list.Flags().StringSliceVar(&to, "to", nil, "only relations entering these CIs")
	list.Flags().StringSliceVar(&predicates, "predicate", nil, "only relations with these predicates")
	list.Flags().BoolVar(&includeMasks, "include-masks", false, "return masks alongside relations")
	list.MarkFlagsMutuallyExclusive("from", "to", "predicate")

	cmd.AddCommand(add, remove, list)
	return cmd
}
