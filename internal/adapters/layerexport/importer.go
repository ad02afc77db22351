package layerexport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/max-bytes/omnikeeper-sub003/internal/blob"
	"github.com/max-bytes/omnikeeper-sub003/internal/core"
	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// ErrLayerNotEmpty rejects imports into a layer that already holds data.
var ErrLayerNotEmpty = errors.New("target layer is not empty")

// maxArchiveBytes bounds how much of a blob is read into memory.
const maxArchiveBytes = 512 << 20

// LayerWriter replaces the content of a layer.
type LayerWriter interface {
	GetLayerStatistics(ctx context.Context, layerID string, at domain.TimeThreshold) (domain.LayerStatistics, error)
	ReplaceLayer(ctx context.Context, actor core.Actor, attributes core.BulkAttributeData, relations core.BulkRelationData) (core.BulkResult, core.BulkResult, core.Result, error)
}

// ImportResult summarises one import.
type ImportResult struct {
	Key           string
	SourceLayerID string
	LayerID       string
	Attributes    core.BulkResult
	Relations     core.BulkResult
	Result        core.Result
}

// Importer loads layer archives from a blob store.
type Importer struct {
	layers LayerWriter
	store  blob.Store
}

// NewImporter builds an importer.
func NewImporter(layers LayerWriter, store blob.Store) *Importer {
	return &Importer{layers: layers, store: store}
}

// ImportLayer reads the archive at key and writes it into overwriteLayerID,
// or into the layer it was exported from when overwriteLayerID is empty.
// The target layer must exist and be empty. All facts land in a single
// changeset; an actor without origin is recorded as inbound ingest.
func (i *Importer) ImportLayer(ctx context.Context, actor core.Actor, key, overwriteLayerID string) (ImportResult, error) {
	archive, err := i.load(ctx, key)
	if err != nil {
		return ImportResult{}, err
	}
	target := archive.LayerID
	if overwriteLayerID != "" {
		target = overwriteLayerID
	}
	stats, err := i.layers.GetLayerStatistics(ctx, target, domain.LatestTime())
	if err != nil {
		return ImportResult{}, fmt.Errorf("import %s into %s: %w", key, target, err)
	}
	if stats.NumActiveAttributes > 0 || stats.NumActiveRelations > 0 {
		return ImportResult{}, fmt.Errorf("import %s into %s: %w (%d attributes, %d relations)",
			key, target, ErrLayerNotEmpty, stats.NumActiveAttributes, stats.NumActiveRelations)
	}
	if actor.Origin == "" {
		actor.Origin = domain.DataOriginInboundIngest
	}
	attrs, rels := archive.Fragments(target)
	a, r, res, err := i.layers.ReplaceLayer(ctx, actor, attrs, rels)
	out := ImportResult{Key: key, SourceLayerID: archive.LayerID, LayerID: target, Attributes: a, Relations: r, Result: res}
	if err != nil {
		return out, fmt.Errorf("import %s into %s: %w", key, target, err)
	}
	return out, nil
}

func (i *Importer) load(ctx context.Context, key string) (Archive, error) {
	if i.store == nil {
		return Archive{}, fmt.Errorf("import %s: blob store not configured", key)
	}
	_, rc, err := i.store.Get(ctx, key)
	if err != nil {
		return Archive{}, fmt.Errorf("read archive %s: %w", key, err)
	}
	defer rc.Close()
	payload, err := io.ReadAll(io.LimitReader(rc, maxArchiveBytes+1))
	if err != nil {
		return Archive{}, fmt.Errorf("read archive %s: %w", key, err)
	}
	if len(payload) > maxArchiveBytes {
		return Archive{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidArchive, key, maxArchiveBytes)
	}
	archive, err := Decode(payload)
	if err != nil {
		return Archive{}, fmt.Errorf("%s: %w", key, err)
	}
	return archive, nil
}
