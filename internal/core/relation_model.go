package core

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// RelationModel merges relation facts across the layers of a LayerSet.
type RelationModel struct {
	clock  Clock
	fanout int
}

// NewRelationModel builds a model reading at most fanout layers concurrently.
func NewRelationModel(clock Clock, fanout int) *RelationModel {
	if clock == nil {
		clock = defaultServiceOptions().clock
	}
	if fanout < 1 {
		fanout = defaultMergeFanout
	}
	return &RelationModel{clock: clock, fanout: fanout}
}

func (m *RelationModel) merge(ctx context.Context, view TransactionView, sel domain.RelationSelection, layers domain.LayerSet, t time.Time, masks MaskHandlingForRetrieval) ([]domain.MergedRelation, error) {
	layerIDs := layers.LayerIDs()
	if len(layerIDs) == 0 {
		return nil, ctx.Err()
	}
	perLayer, err := fetchPerLayer(ctx, m.fanout, layerIDs, func(layerID string) []domain.Relation {
		return view.LatestRelations(layerID, sel, t)
	})
	if err != nil {
		return nil, err
	}
	if masks == nil {
		masks = ApplyMasks()
	}
	return foldRelations(layerIDs, perLayer, masks.IncludeMasked()), nil
}

// foldRelations folds per-layer facts in LayerSet order. Mask facts take part
// in the fold and the stack like any other fact; a masked winner is dropped
// unless includeMasked is set.
func foldRelations(layerIDs []string, perLayer [][]domain.Relation, includeMasked bool) []domain.MergedRelation {
	byKey := make(map[domain.RelationKey]domain.MergedRelation)
	for i, facts := range perLayer {
		for _, fact := range facts {
			merged := byKey[fact.Key()]
			merged.Relation = fact
			merged.LayerStackIDs = append(merged.LayerStackIDs, layerIDs[i])
			byKey[fact.Key()] = merged
		}
	}
	out := make([]domain.MergedRelation, 0, len(byKey))
	for _, merged := range byKey {
		if merged.Relation.Mask && !includeMasked {
			continue
		}
		out = append(out, merged)
	}
	sort.Slice(out, func(i, j int) bool { return relationKeyLess(out[i].Relation.Key(), out[j].Relation.Key()) })
	return out
}

func relationKeyLess(a, b domain.RelationKey) bool {
	if c := bytes.Compare(a.FromCIID[:], b.FromCIID[:]); c != 0 {
		return c < 0
	}
	if c := bytes.Compare(a.ToCIID[:], b.ToCIID[:]); c != 0 {
		return c < 0
	}
	return a.PredicateID < b.PredicateID
}

// GetMergedRelations returns the merged relations matching sel, ordered by
// (from, to, predicate).
func (m *RelationModel) GetMergedRelations(ctx context.Context, view TransactionView, sel domain.RelationSelection, layers domain.LayerSet, at domain.TimeThreshold, masks MaskHandlingForRetrieval) ([]domain.MergedRelation, error) {
	return m.merge(ctx, view, sel, layers, at.Resolve(m.clock.Now()), masks)
}

// GetMergedRelation returns one merged relation. The bool is false when the
// relation is absent or masked.
func (m *RelationModel) GetMergedRelation(ctx context.Context, view TransactionView, key domain.RelationKey, layers domain.LayerSet, at domain.TimeThreshold) (domain.MergedRelation, bool, error) {
	merged, err := m.GetMergedRelations(ctx, view, domain.RelationsFrom(key.FromCIID), layers, at, ApplyMasks())
	if err != nil {
		return domain.MergedRelation{}, false, err
	}
	for _, r := range merged {
		if r.Relation.Key() == key {
			return r, true, nil
		}
	}
	return domain.MergedRelation{}, false, nil
}

// GetMergedRelationsForCI returns the merged relations touching ciid in the
// given direction, oriented relative to ciid.
func (m *RelationModel) GetMergedRelationsForCI(ctx context.Context, view TransactionView, ciid CIID, direction domain.Direction, layers domain.LayerSet, at domain.TimeThreshold, masks MaskHandlingForRetrieval) ([]domain.DirectedRelation, error) {
	var sel domain.RelationSelection
	switch direction {
	case domain.DirectionForward:
		sel = domain.RelationsFrom(ciid)
	case domain.DirectionBackward:
		sel = domain.RelationsTo(ciid)
	default:
		sel = domain.RelationsFromOrTo(ciid)
	}
	merged, err := m.GetMergedRelations(ctx, view, sel, layers, at, masks)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DirectedRelation, 0, len(merged))
	for _, r := range merged {
		if d, ok := r.Orient(ciid); ok {
			out = append(out, d)
		}
	}
	return out, nil
}
