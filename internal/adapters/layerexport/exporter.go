package layerexport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/max-bytes/omnikeeper-sub003/internal/blob"
	"github.com/max-bytes/omnikeeper-sub003/internal/core"
	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// DefaultPrefix is the blob key prefix archives are written under.
const DefaultPrefix = "exports"

// LayerReader reads the raw content of a layer.
type LayerReader interface {
	GetLayerData(ctx context.Context, layerID string, cis domain.CIIDSelection, at domain.TimeThreshold) (core.LayerData, error)
}

// Artifact describes a stored layer archive.
type Artifact struct {
	Key        string    `json:"key"`
	LayerID    string    `json:"layer_id"`
	Attributes int       `json:"attributes"`
	Relations  int       `json:"relations"`
	SizeBytes  int64     `json:"size_bytes"`
	ETag       string    `json:"etag,omitempty"`
	URL        string    `json:"url,omitempty"`
	ExportedAt time.Time `json:"exported_at"`
}

// Exporter writes layer archives into a blob store.
type Exporter struct {
	layers LayerReader
	store  blob.Store
	prefix string
}

// NewExporter builds an exporter writing below prefix; an empty prefix uses
// DefaultPrefix.
func NewExporter(layers LayerReader, store blob.Store, prefix string) *Exporter {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Exporter{layers: layers, store: store, prefix: prefix}
}

// Prefix returns the key prefix archives are written under.
func (e *Exporter) Prefix() string { return e.prefix }

// ExportLayer archives the latest content of layerID restricted to cis.
// Relations are exported only when both of their CIs are selected.
func (e *Exporter) ExportLayer(ctx context.Context, layerID string, cis domain.CIIDSelection) (Artifact, error) {
	if e.store == nil {
		return Artifact{}, fmt.Errorf("export layer %s: blob store not configured", layerID)
	}
	data, err := e.layers.GetLayerData(ctx, layerID, cis, domain.LatestTime())
	if err != nil {
		return Artifact{}, fmt.Errorf("export layer %s: %w", layerID, err)
	}
	archive := NewArchive(data)
	var buf bytes.Buffer
	if err := Encode(&buf, archive); err != nil {
		return Artifact{}, fmt.Errorf("export layer %s: %w", layerID, err)
	}

	key := path.Join(e.prefix, ArchiveName(layerID, archive.ExportedAt))
	info, err := e.store.Put(ctx, key, bytes.NewReader(buf.Bytes()), blob.PutOptions{
		ContentType: ContentType,
		Metadata: map[string]string{
			"layer":      layerID,
			"attributes": strconv.Itoa(len(archive.Attributes)),
			"relations":  strconv.Itoa(len(archive.Relations)),
		},
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("store archive %s: %w", key, err)
	}
	artifact := Artifact{
		Key:        key,
		LayerID:    layerID,
		Attributes: len(archive.Attributes),
		Relations:  len(archive.Relations),
		SizeBytes:  info.Size,
		ETag:       info.ETag,
		ExportedAt: archive.ExportedAt,
	}
	url, err := e.store.PresignURL(ctx, key, blob.SignedURLOptions{})
	switch {
	case err == nil:
		artifact.URL = url
	case !errors.Is(err, blob.ErrUnsupported):
		return artifact, fmt.Errorf("presign %s: %w", key, err)
	}
	return artifact, nil
}

// ListArchives returns the archives stored under the exporter's prefix,
// optionally restricted to one layer.
func (e *Exporter) ListArchives(ctx context.Context, layerID string) ([]blob.Info, error) {
	prefix := e.prefix + "/"
	if layerID != "" {
		prefix += layerID + "-"
	}
	infos, err := e.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := infos[:0]
	for _, info := range infos {
		if path.Ext(info.Key) == FileExtension {
			out = append(out, info)
		}
	}
	return out, nil
}
