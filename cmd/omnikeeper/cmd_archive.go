package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/max-bytes/omnikeeper-sub003/internal/adapters/layerexport"
	"github.com/max-bytes/omnikeeper-sub003/internal/core"
)

const exportPollInterval = 20 * time.Millisecond

func newExportCmd(a *app) *cobra.Command {
	var (
		cis     []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "export <layer>",
		Short: "Archive the latest content of a layer into the blob store",
		Long: `Archive the latest content of a layer into the blob store. With --ci only
the given CIs are exported; relations are kept when both ends are selected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseCIIDs(cis)
			if err != nil {
				return err
			}
			exporter, err := a.exporter(cmd)
			if err != nil {
				return err
			}
			worker := layerexport.NewWorker(exporter,
				layerexport.WithWorkerAudit(auditLog{logger: a.logger}),
				layerexport.WithWorkerLogger(a.logger),
				layerexport.WithQueueSize(1))
			worker.Start()
			defer func() { _ = worker.Stop(context.Background()) }()

			queued, err := worker.EnqueueExport(cmd.Context(), layerexport.ExportInput{LayerID: args[0], CIIDs: ids, RequestedBy: a.user})
			if err != nil {
				return err
			}
			rec, err := waitForExport(cmd.Context(), worker, queued.ID, timeout)
			if err != nil {
				return err
			}
			if rec.Status == layerexport.ExportStatusFailed {
				return fmt.Errorf("export %s: %s", args[0], rec.Error)
			}
			return printJSON(cmd, rec.Artifact)
		},
	}
	cmd.Flags().StringSliceVar(&cis, "ci", nil, "only export these CIs")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up waiting after this long")
	return cmd
}

func waitForExport(ctx context.Context, w *layerexport.Worker, id string, timeout time.Duration) (layerexport.ExportRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(exportPollInterval)
	defer ticker.Stop()
	for {
		rec, ok := w.GetExport(id)
		if !ok {
			return rec, fmt.Errorf("export %s vanished", id)
		}
		if rec.Status == layerexport.ExportStatusSucceeded || rec.Status == layerexport.ExportStatusFailed {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, errors.Join(fmt.Errorf("export %s still %s", id, rec.Status), ctx.Err())
		case <-ticker.C:
		}
	}
}

func newImportCmd(a *app) *cobra.Command {
	var layer string
	cmd := &cobra.Command{
		Use:   "import <key>",
		Short: "Load a layer archive into an empty layer",
		Long: `Load a layer archive into an empty layer. The archive goes back to the
layer it was exported from unless --layer names another one. All facts are
written in a single changeset.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			store, err := a.blobStore(cmd)
			if err != nil {
				return err
			}
			actor := a.actor()
			if !cmd.Flags().Changed("origin") {
				actor.Origin = ""
			}
			res, err := layerexport.NewImporter(svc, store).ImportLayer(cmd.Context(), actor, args[0], layer)
			if err != nil {
				return err
			}
			report(cmd, res.Result)
			return printJSON(cmd, importSummary(res))
		},
	}
	cmd.Flags().StringVar(&layer, "layer", "", "target layer (default the archived layer)")
	return cmd
}

func importSummary(res layerexport.ImportResult) map[string]any {
	counts := func(b core.BulkResult) map[string]int {
		return map[string]int{"inserted": b.Inserted, "removed": b.Removed, "unchanged": b.Unchanged}
	}
	return map[string]any{
		"key":          res.Key,
		"source_layer": res.SourceLayerID,
		"layer":        res.LayerID,
		"attributes":   counts(res.Attributes),
		"relations":    counts(res.Relations),
	}
}

func newArchivesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "archives [layer]",
		Short: "List stored layer archives",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, err := a.exporter(cmd)
			if err != nil {
				return err
			}
			layer := ""
			if len(args) == 1 {
				layer = args[0]
			}
			infos, err := exporter.ListArchives(cmd.Context(), layer)
			if err != nil {
				return err
			}
			return printJSON(cmd, infos)
		},
	}
}
