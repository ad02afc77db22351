// Package layerexport writes the content of a layer into a portable archive
// held in a blob store and reads such archives back into a layer.
//
// An archive is a zip file named "<layer>-<yyyyMMddHHmmss>.okl1" with a
// single data.json entry. Only what identifies the data survives a round
// trip: CI ids, attribute names and values, relation ends, predicates and
// mask flags. Fact ids, changesets, timestamps and users are assigned anew
// on import.
package layerexport

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/max-bytes/omnikeeper-sub003/internal/core"
	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

const (
	// FileExtension is the suffix of every layer archive.
	FileExtension = ".okl1"
	// DataEntry names the JSON document inside the archive.
	DataEntry = "data.json"
	// ContentType is stored with archives in the blob store.
	ContentType = "application/zip"

	keyTimeLayout = "20060102150405"
)

// ErrInvalidArchive reports an archive that is not a readable layer export.
var ErrInvalidArchive = errors.New("invalid layer archive")

// ArchivedAttribute is one attribute in an archive.
type ArchivedAttribute struct {
	CIID  domain.CIID           `json:"ciid"`
	Name  string                `json:"name"`
	Value domain.AttributeValue `json:"value"`
}

// ArchivedRelation is one relation in an archive.
type ArchivedRelation struct {
	FromCIID    domain.CIID `json:"fromCIID"`
	ToCIID      domain.CIID `json:"toCIID"`
	PredicateID string      `json:"predicateID"`
	Mask        bool        `json:"mask"`
}

// Archive is the data.json document.
type Archive struct {
	LayerID    string              `json:"layerID"`
	ExportedAt time.Time           `json:"exportedAt"`
	Attributes []ArchivedAttribute `json:"attributes"`
	Relations  []ArchivedRelation  `json:"relations"`
}

// NewArchive converts raw layer data into its archived form.
func NewArchive(data core.LayerData) Archive {
	out := Archive{
		LayerID:    data.LayerID,
		ExportedAt: data.AtTime.UTC(),
		Attributes: make([]ArchivedAttribute, 0, len(data.Attributes)),
		Relations:  make([]ArchivedRelation, 0, len(data.Relations)),
	}
	for _, a := range data.Attributes {
		out.Attributes = append(out.Attributes, ArchivedAttribute{CIID: a.CIID, Name: a.Name, Value: a.Value})
	}
	for _, r := range data.Relations {
		out.Relations = append(out.Relations, ArchivedRelation{FromCIID: r.FromCIID, ToCIID: r.ToCIID, PredicateID: r.PredicateID, Mask: r.Mask})
	}
	return out
}

// ArchiveName returns the file name an export of layerID taken at t gets.
func ArchiveName(layerID string, t time.Time) string {
	return fmt.Sprintf("%s-%s%s", layerID, t.UTC().Format(keyTimeLayout), FileExtension)
}

// Encode writes the zip archive for a.
func Encode(w io.Writer, a Archive) error {
	zw := zip.NewWriter(w)
	entry, err := zw.CreateHeader(&zip.FileHeader{Name: DataEntry, Method: zip.Deflate, Modified: a.ExportedAt})
	if err != nil {
		return fmt.Errorf("create %s: %w", DataEntry, err)
	}
	enc := json.NewEncoder(entry)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("encode %s: %w", DataEntry, err)
	}
	return zw.Close()
}

// Decode reads an archive produced by Encode.
func Decode(payload []byte) (Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return Archive{}, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	f, err := zr.Open(DataEntry)
	if err != nil {
		return Archive{}, fmt.Errorf("%w: no %s inside archive", ErrInvalidArchive, DataEntry)
	}
	defer f.Close()
	var a Archive
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return Archive{}, fmt.Errorf("%w: %s: %v", ErrInvalidArchive, DataEntry, err)
	}
	if err := domain.ValidateLayerID(a.LayerID); err != nil {
		return Archive{}, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	return a, nil
}

// Fragments converts the archive into bulk replacement data for layerID.
func (a Archive) Fragments(layerID string) (core.BulkAttributeData, core.BulkRelationData) {
	attrs := make([]core.BulkAttributeFragment, 0, len(a.Attributes))
	for _, at := range a.Attributes {
		attrs = append(attrs, core.BulkAttributeFragment{CIID: at.CIID, Name: at.Name, Value: at.Value})
	}
	rels := make([]core.BulkRelationFragment, 0, len(a.Relations))
	for _, r := range a.Relations {
		rels = append(rels, core.BulkRelationFragment{From: r.FromCIID, To: r.ToCIID, PredicateID: r.PredicateID, Mask: r.Mask})
	}
	return core.BulkScopeLayer(layerID, attrs...), core.BulkScopeRelationLayer(layerID, rels...)
}
