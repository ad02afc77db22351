package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/max-bytes/omnikeeper-sub003/internal/core"
	"github.com/max-bytes/omnikeeper-sub003/internal/traitfile"
	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

func newMergeCmd(a *app) *cobra.Command {
	var (
		lf    layerFlags
		attrs []string
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "merge [ciid]...",
		Short: "Show CIs merged across a layer set",
		Long: `Show CIs merged across a layer set. For every attribute name the value of
the highest-precedence layer wins. Without ids, --all merges every CI.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("give at least one ciid or --all")
			}
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			layers, at, err := lf.resolve(cmd.Context(), svc)
			if err != nil {
				return err
			}
			if len(args) == 1 && len(attrs) == 0 {
				id, err := domain.ParseCIID(args[0])
				if err != nil {
					return err
				}
				ci, err := svc.GetMergedCI(cmd.Context(), id, layers, at)
				if err != nil {
					return err
				}
				return printJSON(cmd, ci)
			}
			cis := domain.AllCIIDs()
			if len(args) > 0 {
				ids, err := parseCIIDs(args)
				if err != nil {
					return err
				}
				cis = domain.SpecificCIIDs(ids...)
			}
			sel := domain.AllAttributes()
			if len(attrs) > 0 {
				sel = domain.NamedAttributes(attrs...)
			}
			merged, err := svc.GetMergedCIs(cmd.Context(), cis, sel, layers, at)
			if err != nil {
				return err
			}
			return printJSON(cmd, merged)
		},
	}
	lf.bind(cmd)
	cmd.Flags().StringSliceVar(&attrs, "attributes", nil, "only merge these attribute names")
	cmd.Flags().BoolVar(&all, "all", false, "merge every CI")
	return cmd
}

func newTraitsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "traits",
		Short: "Manage traits and query trait fulfilment",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List active traits, flattened",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			traits, err := svc.ActiveTraits(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, traits)
		},
	}

	load := &cobra.Command{
		Use:   "load <file>",
		Short: "Store the data traits of a YAML trait file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			traits, err := traitfile.Load(args[0])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			n, err := traitfile.Apply(cmd.Context(), svc, traits)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d traits\n", n)
			return nil
		},
	}

	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the stored data traits as a YAML trait file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			traits, err := svc.DataTraits(cmd.Context())
			if err != nil {
				return err
			}
			out, err := traitfile.Marshal(traits)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a data trait",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			res, err := svc.DeleteTrait(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			report(cmd, res)
			return nil
		},
	}

	var effFlags layerFlags
	effective := &cobra.Command{
		Use:   "effective <ciid>",
		Short: "Show the traits a CI fulfils",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseCIID(args[0])
			if err != nil {
				return err
			}
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			layers, at, err := effFlags.resolve(cmd.Context(), svc)
			if err != nil {
				return err
			}
			ets, err := svc.GetEffectiveTraits(cmd.Context(), id, layers, at)
			if err != nil {
				return err
			}
			return printJSON(cmd, ets)
		},
	}
	effFlags.bind(effective)

	var withFlags layerFlags
	with := &cobra.Command{
		Use:   "cis <trait>",
		Short: "List the merged CIs fulfilling a trait",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			layers, at, err := withFlags.resolve(cmd.Context(), svc)
			if err != nil {
				return err
			}
			cis, err := svc.GetCIsWithTrait(cmd.Context(), args[0], domain.AllCIIDs(), layers, at)
			if err != nil {
				return err
			}
			return printJSON(cmd, cis)
		},
	}
	withFlags.bind(with)

	cmd.AddCommand(list, load, dump, del, effective, with)
	return cmd
}

func newValidateCmd(a *app) *cobra.Command {
	var (
		lf      layerFlags
		traitID string
		file    string
	)
	cmd := &cobra.Command{
		Use:   "validate [ciid]",
		Short: "Check a CI against a trait's template, or a trait file against the active traits",
		Long: `With a ciid, validate the merged CI against the required attributes and
relations of --trait. With --file, check that the trait file parses and that
its traits flatten together with the active traits, without storing anything.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			if file != "" {
				return checkTraitFile(cmd, svc, file)
			}
			if len(args) != 1 || traitID == "" {
				return fmt.Errorf("validate needs a ciid and --trait, or --file")
			}
			id, err := domain.ParseCIID(args[0])
			if err != nil {
				return err
			}
			tmpl, err := traitTemplate(cmd, svc, traitID)
			if err != nil {
				return err
			}
			layers, at, err := lf.resolve(cmd.Context(), svc)
			if err != nil {
				return err
			}
			errs, err := svc.ValidateCI(cmd.Context(), id, layers, at, tmpl)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, errs); err != nil {
				return err
			}
			if !errs.IsEmpty() {
				return fmt.Errorf("ci %s violates trait %s: %d errors", id, traitID, errs.Count())
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&lf.layers, "layers", nil, "layer set in precedence order, last wins")
	cmd.Flags().StringVar(&lf.at, "at", "", "RFC 3339 time to read at (default latest)")
	cmd.Flags().StringVar(&traitID, "trait", "", "trait whose required slots form the template")
	cmd.Flags().StringVar(&file, "file", "", "trait file to check")
	return cmd
}

// traitTemplate turns the required slots of an active trait into a template.
func traitTemplate(cmd *cobra.Command, svc *core.Service, id string) (domain.Template, error) {
	traits, err := svc.ActiveTraits(cmd.Context())
	if err != nil {
		return domain.Template{}, err
	}
	for _, t := range traits {
		if t.ID != id {
			continue
		}
		var tmpl domain.Template
		for _, a := range t.RequiredAttributes {
			tmpl.AttributeTemplates = append(tmpl.AttributeTemplates, a.Template)
		}
		for _, r := range t.RequiredRelations {
			tmpl.RelationTemplates = append(tmpl.RelationTemplates, r.Template)
		}
		return tmpl, nil
	}
	return domain.Template{}, fmt.Errorf("trait %s is not active", id)
}

func checkTraitFile(cmd *cobra.Command, svc *core.Service, path string) error {
	traits, err := traitfile.Load(path)
	if err != nil {
		return err
	}
	if err := svc.CheckTraits(cmd.Context(), traits); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d traits ok\n", path, len(traits))
	return nil
}
