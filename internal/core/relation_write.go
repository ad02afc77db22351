package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

func relationTimestamp(r domain.Relation) time.Time { return r.Timestamp }

func validateRelationWrite(tx Transaction, key domain.RelationKey, layerID string) error {
	if key.FromCIID == key.ToCIID {
		return fmt.Errorf("%w: from and to ci are both %s", domain.ErrInvalidRelation, key.FromCIID)
	}
	if err := domain.ValidatePredicateID(key.PredicateID); err != nil {
		return err
	}
	if _, ok := tx.FindPredicate(key.PredicateID); !ok {
		return domain.NotFoundError{Entity: domain.EntityPredicate, ID: key.PredicateID}
	}
	_, err := requireLayer(tx, layerID)
	return err
}

func appendRelationFact(tx Transaction, proxy *ChangesetProxy, key domain.RelationKey, layerID string, mask bool, state domain.RelationState) (domain.Relation, error) {
	cs, err := proxy.GetChangeset(tx, layerID)
	if err != nil {
		return domain.Relation{}, err
	}
	return tx.AppendRelation(domain.Relation{
		FromCIID:    key.FromCIID,
		ToCIID:      key.ToCIID,
		PredicateID: key.PredicateID,
		LayerID:     layerID,
		ChangesetID: cs.ID,
		State:       state,
		Mask:        mask,
		Timestamp:   proxy.Timestamp(),
	})
}

func insertRelationFact(tx Transaction, proxy *ChangesetProxy, key domain.RelationKey, layerID string, mask bool) (domain.Relation, bool, error) {
	current, exists := latestFact(tx.RelationHistory(layerID, key), relationTimestamp, proxy.Timestamp())
	present := exists && !current.Removed()
	if present && current.Mask == mask {
		return current, false, nil
	}
	if err := ensureCI(tx, key.FromCIID); err != nil {
		return domain.Relation{}, false, err
	}
	if err := ensureCI(tx, key.ToCIID); err != nil {
		return domain.Relation{}, false, err
	}
	state := domain.RelationStateNew
	if present {
		state = domain.RelationStateRenewed
	}
	written, err := appendRelationFact(tx, proxy, key, layerID, mask, state)
	if err != nil {
		return domain.Relation{}, false, err
	}
	return written, true, nil
}

// InsertRelation writes a relation, or a mask when mask is set, into layerID.
// Writing what the layer already holds is a no-op.
func (m *RelationModel) InsertRelation(ctx context.Context, tx Transaction, from, to CIID, predicateID string, mask bool, layerID string, proxy *ChangesetProxy) (domain.Relation, bool, error) {
	key := domain.RelationKey{FromCIID: from, ToCIID: to, PredicateID: predicateID}
	if err := validateRelationWrite(tx, key, layerID); err != nil {
		return domain.Relation{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Relation{}, false, err
	}
	return insertRelationFact(tx, proxy, key, layerID, mask)
}

// RemoveRelation removes a relation from layerID. When the removal policy
// names lower layers that still hold the relation, a mask is written instead
// so the relation stays hidden.
func (m *RelationModel) RemoveRelation(ctx context.Context, tx Transaction, from, to CIID, predicateID, layerID string, proxy *ChangesetProxy, removal MaskHandlingForRemoval) (domain.Relation, bool, error) {
	key := domain.RelationKey{FromCIID: from, ToCIID: to, PredicateID: predicateID}
	if _, err := requireLayer(tx, layerID); err != nil {
		return domain.Relation{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return domain.Relation{}, false, err
	}
	if removal == nil {
		removal = ApplyNoMask()
	}
	if maskLayers := removal.MaskLayers(layerID); !maskLayers.IsEmpty() {
		_, below, err := m.GetMergedRelation(ctx, tx, key, maskLayers, proxy.TimeThreshold())
		if err != nil {
			return domain.Relation{}, false, err
		}
		if below {
			return insertRelationFact(tx, proxy, key, layerID, true)
		}
	}
	current, exists := latestFact(tx.RelationHistory(layerID, key), relationTimestamp, proxy.Timestamp())
	if !exists {
		return domain.Relation{}, false, fmt.Errorf("%w: %s -%s-> %s in layer %s", domain.ErrRelationNotFound, from, predicateID, to, layerID)
	}
	if current.Removed() {
		return current, false, nil
	}
	removed, err := appendRelationFact(tx, proxy, key, layerID, false, domain.RelationStateRemoved)
	if err != nil {
		return domain.Relation{}, false, err
	}
	return removed, true, nil
}

// BulkRelationFragment is one desired relation of a bulk replacement.
type BulkRelationFragment struct {
	From        CIID
	To          CIID
	PredicateID string
	Mask        bool
}

// Key returns the merge identity of the fragment.
func (f BulkRelationFragment) Key() domain.RelationKey {
	return domain.RelationKey{FromCIID: f.From, ToCIID: f.To, PredicateID: f.PredicateID}
}

// BulkRelationData describes the relations a layer should hold within a scope
// after a bulk replacement.
type BulkRelationData struct {
	LayerID   string
	Fragments []BulkRelationFragment
	// Removals lists relations removed explicitly; only tuple scopes use it.
	Removals []domain.RelationKey

	sel   domain.RelationSelection
	match func(domain.RelationKey) bool
	tuple bool
}

// InScope reports whether the relation is governed by the replacement.
func (d BulkRelationData) InScope(key domain.RelationKey) bool {
	if d.tuple {
		return false
	}
	return d.match == nil || d.match(key)
}

// BulkScopeRelationLayer replaces every relation of the layer.
func BulkScopeRelationLayer(layerID string, fragments ...BulkRelationFragment) BulkRelationData {
	return BulkRelationData{LayerID: layerID, Fragments: fragments, sel: domain.AllRelations()}
}

// BulkScopeRelationCI replaces every relation of the layer touching ciid.
func BulkScopeRelationCI(layerID string, ciid CIID, fragments ...BulkRelationFragment) BulkRelationData {
	return BulkRelationData{
		LayerID:   layerID,
		Fragments: fragments,
		sel:       domain.RelationsFromOrTo(ciid),
		match:     func(k domain.RelationKey) bool { return k.FromCIID == ciid || k.ToCIID == ciid },
	}
}

// BulkScopeRelationPredicate replaces the relations of the layer using one of the predicates.
func BulkScopeRelationPredicate(layerID string, predicateIDs []string, fragments ...BulkRelationFragment) BulkRelationData {
	set := make(map[string]struct{}, len(predicateIDs))
	for _, p := range predicateIDs {
		set[p] = struct{}{}
	}
	return BulkRelationData{
		LayerID:   layerID,
		Fragments: fragments,
		sel:       domain.RelationsWithPredicate(predicateIDs...),
		match: func(k domain.RelationKey) bool {
			_, ok := set[k.PredicateID]
			return ok
		},
	}
}

// BulkScopeRelationTuples writes the fragments and removes the listed
// relations; nothing else in the layer is touched.
func BulkScopeRelationTuples(layerID string, fragments []BulkRelationFragment, removals []domain.RelationKey) BulkRelationData {
	return BulkRelationData{LayerID: layerID, Fragments: fragments, Removals: removals, tuple: true}
}

// BulkReplaceRelations makes the layer hold exactly the fragments within the
// data's scope.
func (m *RelationModel) BulkReplaceRelations(ctx context.Context, tx Transaction, data BulkRelationData, proxy *ChangesetProxy) (BulkResult, error) {
	if _, err := requireLayer(tx, data.LayerID); err != nil {
		return BulkResult{}, err
	}
	desired := make(map[domain.RelationKey]bool, len(data.Fragments))
	for _, f := range data.Fragments {
		key := f.Key()
		if err := validateRelationWrite(tx, key, data.LayerID); err != nil {
			return BulkResult{}, err
		}
		if !data.tuple && !data.InScope(key) {
			return BulkResult{}, fmt.Errorf("%w: fragment %s -%s-> %s is outside the bulk scope", domain.ErrInvalidRelation, f.From, f.PredicateID, f.To)
		}
		if _, dup := desired[key]; dup {
			return BulkResult{}, fmt.Errorf("%w: duplicate fragment %s -%s-> %s", domain.ErrInvalidRelation, f.From, f.PredicateID, f.To)
		}
		desired[key] = f.Mask
	}
	if err := ctx.Err(); err != nil {
		return BulkResult{}, err
	}

	t := proxy.Timestamp()
	existing := make(map[domain.RelationKey]domain.Relation)
	if data.tuple {
		for _, key := range data.Removals {
			if r, ok := latestFact(tx.RelationHistory(data.LayerID, key), relationTimestamp, t); ok && !r.Removed() {
				existing[key] = r
			}
		}
	} else {
		for _, r := range tx.LatestRelations(data.LayerID, data.sel, t) {
			if data.InScope(r.Key()) {
				existing[r.Key()] = r
			}
		}
	}

	var res BulkResult
	var removals []domain.RelationKey
	if data.tuple {
		removals = data.Removals
	} else {
		removals = sortedRelationKeys(existing)
	}
	for _, key := range removals {
		if _, keep := desired[key]; keep {
			continue
		}
		if _, ok := existing[key]; !ok {
			continue
		}
		if _, err := appendRelationFact(tx, proxy, key, data.LayerID, false, domain.RelationStateRemoved); err != nil {
			return res, err
		}
		delete(existing, key)
		res.Removed++
	}
	for _, key := range sortedRelationKeys(desired) {
		_, written, err := insertRelationFact(tx, proxy, key, data.LayerID, desired[key])
		if err != nil {
			return res, err
		}
		if written {
			res.Inserted++
		} else {
			res.Unchanged++
		}
	}
	return res, nil
}

func sortedRelationKeys[V any](m map[domain.RelationKey]V) []domain.RelationKey {
	keys := make([]domain.RelationKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return relationKeyLess(keys[i], keys[j]) })
	return keys
}
