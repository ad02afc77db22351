package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/max-bytes/omnikeeper-sub003/internal/adapters/layerexport"
	"github.com/max-bytes/omnikeeper-sub003/internal/blob"
	"github.com/max-bytes/omnikeeper-sub003/internal/config"
	"github.com/max-bytes/omnikeeper-sub003/internal/core"
	"github.com/max-bytes/omnikeeper-sub003/internal/logging"
	"github.com/max-bytes/omnikeeper-sub003/internal/traitfile"
	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
	"github.com/max-bytes/omnikeeper-sub003/plugins/infra"
)

// app holds the process wiring. It is opened lazily by the first command
// that needs the service, so help output never touches storage.
type app struct {
	// env replaces the process environment when set.
	env map[string]string

	cfg      config.Config
	logger   *slog.Logger
	svc      *core.Service
	blobs    blob.Store
	registry *prometheus.Registry
	closers  []func() error

	user        string
	origin      string
	trace       bool
	dumpMetrics bool
}

func (a *app) loadConfig() (config.Config, error) {
	if a.env != nil {
		return config.LoadFrom(a.env)
	}
	return config.Load()
}

// service opens the app on first use and returns the CMDB service.
func (a *app) service(cmd *cobra.Command) (*core.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	ctx := cmd.Context()
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	a.logger = logging.NewWithWriter(cfg.Log, cmd.ErrOrStderr()).With(logging.Scope("omnikeeper"))

	store, err := core.OpenPersistentStoreWithConfig(cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.registry = prometheus.NewRegistry()
	opts := []core.ServiceOption{
		core.WithLogger(a.logger),
		core.WithAuditRecorder(auditLog{logger: a.logger.With(logging.Scope("audit"))}),
		core.WithMetricsRecorder(core.NewPrometheusMetricsRecorder(a.registry, cfg.Metrics.Namespace)),
		core.WithMergeFanout(cfg.Engine.MergeFanout),
	}
	if cfg.Engine.CacheSize > 0 {
		cache, err := core.NewMergedCache(cfg.Engine.CacheSize)
		if err != nil {
			return nil, err
		}
		opts = append(opts, core.WithCache(cache))
	}
	if a.trace {
		opts = append(opts, core.WithTracer(core.NewJSONTracer(cmd.ErrOrStderr())))
	}
	svc := core.NewService(store, opts...)

	if _, err := svc.InstallPlugin(infra.New(cfg.InfraLayers...)); err != nil {
		return nil, fmt.Errorf("install infra plugin: %w", err)
	}
	if cfg.TraitsFile != "" {
		traits, err := traitfile.Load(cfg.TraitsFile)
		if err != nil {
			return nil, err
		}
		if _, err := traitfile.Apply(ctx, svc, traits); err != nil {
			return nil, err
		}
		a.logger.Debug("trait file applied", "path", cfg.TraitsFile, "traits", len(traits))
	}
	a.svc = svc
	return svc, nil
}

// blobStore opens the archive store on first use.
func (a *app) blobStore(cmd *cobra.Command) (blob.Store, error) {
	if a.blobs != nil {
		return a.blobs, nil
	}
	if _, err := a.service(cmd); err != nil {
		return nil, err
	}
	store, err := blob.Open(cmd.Context(), a.cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open %s blob store: %w", a.cfg.Blob.Driver, err)
	}
	a.blobs = store
	return store, nil
}

func (a *app) exporter(cmd *cobra.Command) (*layerexport.Exporter, error) {
	svc, err := a.service(cmd)
	if err != nil {
		return nil, err
	}
	store, err := a.blobStore(cmd)
	if err != nil {
		return nil, err
	}
	return layerexport.NewExporter(svc, store, a.cfg.Blob.ExportPrefix), nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) actor() core.Actor {
	return core.Actor{
		User:   domain.User{Username: a.user},
		Origin: domain.DataOrigin(a.origin),
	}
}

func (a *app) writeMetrics(w io.Writer) error {
	if a.registry == nil {
		return nil
	}
	families, err := a.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// report prints non-blocking violations a write produced.
func report(cmd *cobra.Command, res core.Result) {
	for _, v := range res.Violations {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s (%s %s)\n", v.Severity, v.Message, v.Entity, v.EntityID)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type auditLog struct {
	logger *slog.Logger
}

func (l auditLog) Record(ctx context.Context, e core.AuditEntry) {
	attrs := []any{
		"operation", e.Operation,
		"entity", e.Entity,
		"action", e.Action,
		"entity_id", e.EntityID,
		"duration", e.Duration,
	}
	if e.Status == core.AuditStatusError {
		l.logger.WarnContext(ctx, "operation failed", append(attrs, "error", e.Error)...)
		return
	}
	l.logger.DebugContext(ctx, "operation", attrs...)
}

// layerFlags are shared by commands reading merged state.
type layerFlags struct {
	layers []string
	at     string
}

func (f *layerFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.layers, "layers", nil, "layer set in precedence order, last wins")
	cmd.Flags().StringVar(&f.at, "at", "", "RFC 3339 time to read at (default latest)")
	_ = cmd.MarkFlagRequired("layers")
}

func (f *layerFlags) resolve(ctx context.Context, svc *core.Service) (domain.LayerSet, domain.TimeThreshold, error) {
	at, err := parseAt(f.at)
	if err != nil {
		return domain.LayerSet{}, at, err
	}
	layers, err := svc.BuildLayerSet(ctx, f.layers...)
	return layers, at, err
}

func parseAt(s string) (domain.TimeThreshold, error) {
	if strings.TrimSpace(s) == "" {
		return domain.LatestTime(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return domain.TimeThreshold{}, fmt.Errorf("invalid --at: %w", err)
	}
	return domain.AtTime(t), nil
}

func parseCIIDs(raw []string) ([]domain.CIID, error) {
	out := make([]domain.CIID, 0, len(raw))
	for _, s := range raw {
		id, err := domain.ParseCIID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
