package core

import (
	"sort"
	"time"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// BuildLayerSet resolves layer ids into a LayerSet in the given precedence
// order. Every id must name an existing layer.
func BuildLayerSet(view TransactionView, ids ...string) (domain.LayerSet, error) {
	for _, id := range ids {
		if err := domain.ValidateLayerID(id); err != nil {
			return domain.LayerSet{}, err
		}
		if _, ok := view.FindLayer(id); !ok {
			return domain.LayerSet{}, domain.UnknownLayerError{Layer: id}
		}
	}
	return domain.NewLayerSet(ids...), nil
}

// requireLayers fails when any layer of the set is not defined in view.
func requireLayers(view TransactionView, layers domain.LayerSet) error {
	for _, id := range layers.LayerIDs() {
		if _, ok := view.FindLayer(id); !ok {
			return domain.UnknownLayerError{Layer: id}
		}
	}
	return nil
}

// requireLayer returns the layer with the given id.
func requireLayer(view TransactionView, id string) (domain.Layer, error) {
	layer, ok := view.FindLayer(id)
	if !ok {
		return domain.Layer{}, domain.UnknownLayerError{Layer: id}
	}
	return layer, nil
}

// LayerData is what one layer itself holds at a point in time: its present
// attribute facts and relation facts, masks included. Nothing is merged.
type LayerData struct {
	LayerID    string
	AtTime     time.Time
	Attributes []domain.CIAttribute
	Relations  []domain.Relation
}

// GetLayerData reads the raw content of a layer. Relations are kept only
// when both ends are in cis.
func GetLayerData(view TransactionView, layerID string, cis domain.CIIDSelection, at time.Time) (LayerData, error) {
	if _, err := requireLayer(view, layerID); err != nil {
		return LayerData{}, err
	}
	out := LayerData{LayerID: layerID, AtTime: at}
	out.Attributes = view.LatestAttributes(layerID, cis, domain.AllAttributes(), at)
	sort.Slice(out.Attributes, func(i, j int) bool {
		a, b := out.Attributes[i], out.Attributes[j]
		if a.CIID != b.CIID {
			return a.CIID.String() < b.CIID.String()
		}
		return a.Name < b.Name
	})
	for _, r := range view.LatestRelations(layerID, domain.AllRelations(), at) {
		if cis.Contains(r.FromCIID) && cis.Contains(r.ToCIID) {
			out.Relations = append(out.Relations, r)
		}
	}
	sort.Slice(out.Relations, func(i, j int) bool {
		return out.Relations[i].Key().String() < out.Relations[j].Key().String()
	})
	return out, nil
}
