package core

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// AttributeModel merges attribute facts across the layers of a LayerSet.
type AttributeModel struct {
	clock  Clock
	fanout int
}

// NewAttributeModel builds a model reading at most fanout layers concurrently.
func NewAttributeModel(clock Clock, fanout int) *AttributeModel {
	if clock == nil {
		clock = defaultServiceOptions().clock
	}
	if fanout < 1 {
		fanout = defaultMergeFanout
	}
	return &AttributeModel{clock: clock, fanout: fanout}
}

// fetchPerLayer runs fetch once per layer, bounded by fanout, and returns the
// results indexed like layerIDs.
func fetchPerLayer[T any](ctx context.Context, fanout int, layerIDs []string, fetch func(layerID string) []T) ([][]T, error) {
	out := make([][]T, len(layerIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanout)
	for i, id := range layerIDs {
		i, id := i, id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = fetch(id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *AttributeModel) resolve(at domain.TimeThreshold) time.Time {
	return at.Resolve(m.clock.Now())
}

// fetch loads the latest surviving facts of every layer at one resolved time.
func (m *AttributeModel) fetch(ctx context.Context, view TransactionView, cis domain.CIIDSelection, attrs domain.AttributeSelection, layerIDs []string, t time.Time) ([][]domain.CIAttribute, error) {
	if cis.IsEmpty() || attrs.IsEmpty() || len(layerIDs) == 0 {
		return nil, ctx.Err()
	}
	return fetchPerLayer(ctx, m.fanout, layerIDs, func(layerID string) []domain.CIAttribute {
		return view.LatestAttributes(layerID, cis, attrs, t)
	})
}

// foldAttributes folds per-layer facts in LayerSet order. A later layer
// replaces the winner outright; every contributing layer joins the stack.
func foldAttributes(layerIDs []string, perLayer [][]domain.CIAttribute) map[CIID]map[string]domain.MergedCIAttribute {
	out := make(map[CIID]map[string]domain.MergedCIAttribute)
	for i, facts := range perLayer {
		for _, fact := range facts {
			byName, ok := out[fact.CIID]
			if !ok {
				byName = make(map[string]domain.MergedCIAttribute)
				out[fact.CIID] = byName
			}
			merged := byName[fact.Name]
			merged.Attribute = fact
			merged.LayerStackIDs = append(merged.LayerStackIDs, layerIDs[i])
			byName[fact.Name] = merged
		}
	}
	return out
}

// GetMergedAttributes returns the merged attributes of the selected CIs keyed
// by CI and attribute name. CIs without any attribute are absent.
func (m *AttributeModel) GetMergedAttributes(ctx context.Context, view TransactionView, cis domain.CIIDSelection, attrs domain.AttributeSelection, layers domain.LayerSet, at domain.TimeThreshold) (map[CIID]map[string]domain.MergedCIAttribute, error) {
	layerIDs := layers.LayerIDs()
	perLayer, err := m.fetch(ctx, view, cis, attrs, layerIDs, m.resolve(at))
	if err != nil {
		return nil, err
	}
	return foldAttributes(layerIDs, perLayer), nil
}

// GetMergedAttribute returns one merged attribute. The bool is false when no
// layer holds the attribute.
func (m *AttributeModel) GetMergedAttribute(ctx context.Context, view TransactionView, name string, ciid CIID, layers domain.LayerSet, at domain.TimeThreshold) (domain.MergedCIAttribute, bool, error) {
	merged, err := m.GetMergedAttributes(ctx, view, domain.SpecificCIIDs(ciid), domain.NamedAttributes(name), layers, at)
	if err != nil {
		return domain.MergedCIAttribute{}, false, err
	}
	attr, ok := merged[ciid][name]
	return attr, ok, nil
}

// FindMergedAttributesByName merges the attributes whose name matches the
// regular expression.
func (m *AttributeModel) FindMergedAttributesByName(ctx context.Context, view TransactionView, pattern string, cis domain.CIIDSelection, layers domain.LayerSet, at domain.TimeThreshold) (map[CIID]map[string]domain.MergedCIAttribute, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: name pattern %q: %v", domain.ErrInvalidAttribute, pattern, err)
	}
	layerIDs := layers.LayerIDs()
	perLayer, err := m.fetch(ctx, view, cis, domain.AllAttributes(), layerIDs, m.resolve(at))
	if err != nil {
		return nil, err
	}
	for i, facts := range perLayer {
		kept := facts[:0:0]
		for _, f := range facts {
			if re.MatchString(f.Name) {
				kept = append(kept, f)
			}
		}
		perLayer[i] = kept
	}
	return foldAttributes(layerIDs, perLayer), nil
}

// FindMergedAttributesByFullName merges one attribute name across the selected CIs.
func (m *AttributeModel) FindMergedAttributesByFullName(ctx context.Context, view TransactionView, name string, cis domain.CIIDSelection, layers domain.LayerSet, at domain.TimeThreshold) (map[CIID]domain.MergedCIAttribute, error) {
	merged, err := m.GetMergedAttributes(ctx, view, cis, domain.NamedAttributes(name), layers, at)
	if err != nil {
		return nil, err
	}
	out := make(map[CIID]domain.MergedCIAttribute, len(merged))
	for id, byName := range merged {
		out[id] = byName[name]
	}
	return out, nil
}

// GetCIIDsWithAttributes returns the sorted ids of selected CIs holding at
// least one attribute in any of the layers.
func (m *AttributeModel) GetCIIDsWithAttributes(ctx context.Context, view TransactionView, cis domain.CIIDSelection, layerIDs []string, at domain.TimeThreshold) ([]CIID, error) {
	perLayer, err := m.fetch(ctx, view, cis, domain.AllAttributes(), layerIDs, m.resolve(at))
	if err != nil {
		return nil, err
	}
	seen := map[CIID]struct{}{}
	for _, facts := range perLayer {
		for _, f := range facts {
			seen[f.CIID] = struct{}{}
		}
	}
	out := make([]CIID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	domain.SortCIIDs(out)
	return out, nil
}

// GetMergedCIs assembles merged CIs sorted by id. With includeEmptyCIs every
// existing selected CI is returned, even without attributes.
func (m *AttributeModel) GetMergedCIs(ctx context.Context, view TransactionView, cis domain.CIIDSelection, attrs domain.AttributeSelection, includeEmptyCIs bool, layers domain.LayerSet, at domain.TimeThreshold) ([]domain.MergedCI, error) {
	merged, err := m.GetMergedAttributes(ctx, view, cis, attrs, layers, at)
	if err != nil {
		return nil, err
	}
	ids := make([]CIID, 0, len(merged))
	if includeEmptyCIs {
		ids = selectedCIIDs(view, cis)
	} else {
		for id := range merged {
			ids = append(ids, id)
		}
		domain.SortCIIDs(ids)
	}
	out := make([]domain.MergedCI, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.NewMergedCI(id, layers, at, merged[id]))
	}
	return out, nil
}

// GetMergedCIsBatch merges the given CIs with one result per id, in input
// order. A CI that does not exist fails alone; the rest of the batch is
// still returned.
func (m *AttributeModel) GetMergedCIsBatch(ctx context.Context, view TransactionView, ids []CIID, attrs domain.AttributeSelection, layers domain.LayerSet, at domain.TimeThreshold) ([]domain.ItemResult[domain.MergedCI], error) {
	merged, err := m.GetMergedAttributes(ctx, view, domain.SpecificCIIDs(ids...), attrs, layers, at)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ItemResult[domain.MergedCI], 0, len(ids))
	for _, id := range ids {
		item := domain.ItemResult[domain.MergedCI]{ID: id}
		if !view.CIExists(id) {
			item.Err = domain.NotFoundError{Entity: domain.EntityCI, ID: id.String()}
		} else {
			item.Value = domain.NewMergedCI(id, layers, at, merged[id])
		}
		out = append(out, item)
	}
	return out, nil
}

// selectedCIIDs returns the existing CIs matched by the selection, sorted.
func selectedCIIDs(view TransactionView, cis domain.CIIDSelection) []CIID {
	if ids, ok := cis.SpecificIDs(); ok {
		out := ids[:0]
		for _, id := range ids {
			if view.CIExists(id) {
				out = append(out, id)
			}
		}
		return out
	}
	var out []CIID
	for _, id := range view.ListCIIDs() {
		if cis.Contains(id) {
			out = append(out, id)
		}
	}
	domain.SortCIIDs(out)
	return out
}
