package core

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// latestFact returns the last fact of history written at or before t.
func latestFact[T any](history []T, timestamp func(T) time.Time, t time.Time) (T, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if !timestamp(history[i]).After(t) {
			return history[i], true
		}
	}
	var zero T
	return zero, false
}

func attributeTimestamp(a domain.CIAttribute) time.Time { return a.Timestamp }

func validateAttributeWrite(name string, value domain.AttributeValue) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty attribute name", domain.ErrInvalidAttribute)
	}
	if value.IsZero() || !value.Type.Valid() {
		return fmt.Errorf("%w: attribute %q has no valid value", domain.ErrInvalidAttribute, name)
	}
	return nil
}

func ensureCI(tx Transaction, ciid CIID) error {
	if tx.CIExists(ciid) {
		return nil
	}
	return tx.CreateCI(ciid)
}

func appendAttributeFact(tx Transaction, proxy *ChangesetProxy, ciid CIID, name, layerID string, value domain.AttributeValue, state domain.AttributeState) (domain.CIAttribute, error) {
	cs, err := proxy.GetChangeset(tx, layerID)
	if err != nil {
		return domain.CIAttribute{}, err
	}
	return tx.AppendAttribute(domain.CIAttribute{
		CIID:        ciid,
		Name:        name,
		Value:       value,
		LayerID:     layerID,
		ChangesetID: cs.ID,
		State:       state,
		Timestamp:   proxy.Timestamp(),
	})
}

// InsertAttribute writes value for (ciid, name) into layerID. Writing the
// value the layer already holds is a no-op and reports changed=false. With
// TakeIntoAccount, a value already provided by the other read layers is not
// written, and the write layer's own differing copy is removed.
func (m *AttributeModel) InsertAttribute(ctx context.Context, tx Transaction, name string, value domain.AttributeValue, ciid CIID, layerID string, proxy *ChangesetProxy, other OtherLayersValueHandling) (domain.CIAttribute, bool, error) {
	if err := validateAttributeWrite(name, value); err != nil {
		return domain.CIAttribute{}, false, err
	}
	if _, err := requireLayer(tx, layerID); err != nil {
		return domain.CIAttribute{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return domain.CIAttribute{}, false, err
	}
	if err := ensureCI(tx, ciid); err != nil {
		return domain.CIAttribute{}, false, err
	}
	t := proxy.Timestamp()
	current, exists := latestFact(tx.AttributeHistory(layerID, ciid, name), attributeTimestamp, t)
	present := exists && !current.Removed()

	if other == nil {
		other = ForceWrite()
	}
	if others := other.OtherLayers(layerID); !others.IsEmpty() {
		below, found, err := m.GetMergedAttribute(ctx, tx, name, ciid, others, proxy.TimeThreshold())
		if err != nil {
			return domain.CIAttribute{}, false, err
		}
		if found && below.Attribute.Value.Equal(value) {
			if !present {
				return domain.CIAttribute{}, false, nil
			}
			removed, err := appendAttributeFact(tx, proxy, ciid, name, layerID, current.Value, domain.AttributeStateRemoved)
			return removed, err == nil, err
		}
	}

	if present && current.Value.Equal(value) {
		return current, false, nil
	}
	state := domain.AttributeStateNew
	if present {
		state = domain.AttributeStateChanged
	}
	written, err := appendAttributeFact(tx, proxy, ciid, name, layerID, value, state)
	if err != nil {
		return domain.CIAttribute{}, false, err
	}
	return written, true, nil
}

// RemoveAttribute writes a removal for (ciid, name) into layerID. Removing an
// attribute the layer never held is an error; removing an already removed
// attribute is a no-op.
func (m *AttributeModel) RemoveAttribute(ctx context.Context, tx Transaction, name string, ciid CIID, layerID string, proxy *ChangesetProxy) (domain.CIAttribute, bool, error) {
	if _, err := requireLayer(tx, layerID); err != nil {
		return domain.CIAttribute{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return domain.CIAttribute{}, false, err
	}
	current, exists := latestFact(tx.AttributeHistory(layerID, ciid, name), attributeTimestamp, proxy.Timestamp())
	if !exists {
		return domain.CIAttribute{}, false, fmt.Errorf("%w: %q of ci %s in layer %s", domain.ErrAttributeNotFound, name, ciid, layerID)
	}
	if current.Removed() {
		return current, false, nil
	}
	removed, err := appendAttributeFact(tx, proxy, ciid, name, layerID, current.Value, domain.AttributeStateRemoved)
	if err != nil {
		return domain.CIAttribute{}, false, err
	}
	return removed, true, nil
}

// BulkAttributeFragment is one desired attribute of a bulk replacement.
type BulkAttributeFragment struct {
	CIID  CIID
	Name  string
	Value domain.AttributeValue
}

// BulkAttributeData describes the attributes a layer should hold within a scope
// after a bulk replacement. Facts in scope that are missing from Fragments are removed.
type BulkAttributeData struct {
	LayerID   string
	Fragments []BulkAttributeFragment

	cis     domain.CIIDSelection
	attrs   domain.AttributeSelection
	matches func(ciid CIID, name string) bool
}

// InScope reports whether (ciid, name) is governed by the replacement.
func (d BulkAttributeData) InScope(ciid CIID, name string) bool {
	if !d.cis.Contains(ciid) || !d.attrs.Contains(name) {
		return false
	}
	return d.matches == nil || d.matches(ciid, name)
}

// BulkScopeLayer replaces every attribute of the layer.
func BulkScopeLayer(layerID string, fragments ...BulkAttributeFragment) BulkAttributeData {
	return BulkAttributeData{LayerID: layerID, Fragments: fragments, cis: domain.AllCIIDs(), attrs: domain.AllAttributes()}
}

// BulkScopeCI replaces every attribute of one CI in the layer.
func BulkScopeCI(layerID string, ciid CIID, fragments ...BulkAttributeFragment) BulkAttributeData {
	return BulkAttributeData{LayerID: layerID, Fragments: fragments, cis: domain.SpecificCIIDs(ciid), attrs: domain.AllAttributes()}
}

// BulkScopeLayerNamePrefix replaces the attributes of the layer whose name starts with prefix.
func BulkScopeLayerNamePrefix(layerID, prefix string, fragments ...BulkAttributeFragment) BulkAttributeData {
	return BulkAttributeData{
		LayerID:   layerID,
		Fragments: fragments,
		cis:       domain.AllCIIDs(),
		attrs:     domain.AllAttributes(),
		matches:   func(_ CIID, name string) bool { return strings.HasPrefix(name, prefix) },
	}
}

// BulkScopeCIAndAttributes replaces the selected attributes of the selected CIs.
func BulkScopeCIAndAttributes(layerID string, cis domain.CIIDSelection, attrs domain.AttributeSelection, fragments ...BulkAttributeFragment) BulkAttributeData {
	return BulkAttributeData{LayerID: layerID, Fragments: fragments, cis: cis, attrs: attrs}
}

// BulkResult counts the outcome of a bulk replacement.
type BulkResult struct {
	Inserted  int
	Removed   int
	Unchanged int
}

// Changed reports whether any fact was written.
func (r BulkResult) Changed() bool { return r.Inserted > 0 || r.Removed > 0 }

// BulkReplaceAttributes makes the layer hold exactly the fragments within the
// data's scope. The layer's changeset is only created when a fact is written.
func (m *AttributeModel) BulkReplaceAttributes(ctx context.Context, tx Transaction, data BulkAttributeData, proxy *ChangesetProxy) (BulkResult, error) {
	if _, err := requireLayer(tx, data.LayerID); err != nil {
		return BulkResult{}, err
	}
	desired := make(map[domain.AttributeKey]domain.AttributeValue, len(data.Fragments))
	for _, f := range data.Fragments {
		if err := validateAttributeWrite(f.Name, f.Value); err != nil {
			return BulkResult{}, err
		}
		if !data.InScope(f.CIID, f.Name) {
			return BulkResult{}, fmt.Errorf("%w: fragment %q of ci %s is outside the bulk scope", domain.ErrInvalidAttribute, f.Name, f.CIID)
		}
		key := domain.AttributeKey{CIID: f.CIID, Name: f.Name}
		if _, dup := desired[key]; dup {
			return BulkResult{}, fmt.Errorf("%w: duplicate fragment %q of ci %s", domain.ErrInvalidAttribute, f.Name, f.CIID)
		}
		desired[key] = f.Value
	}
	if err := ctx.Err(); err != nil {
		return BulkResult{}, err
	}

	existing := make(map[domain.AttributeKey]domain.CIAttribute)
	for _, a := range tx.LatestAttributes(data.LayerID, data.cis, data.attrs, proxy.Timestamp()) {
		if data.InScope(a.CIID, a.Name) {
			existing[a.Key()] = a
		}
	}

	var res BulkResult
	for _, key := range sortedAttributeKeys(existing) {
		if _, keep := desired[key]; keep {
			continue
		}
		if _, err := appendAttributeFact(tx, proxy, key.CIID, key.Name, data.LayerID, existing[key].Value, domain.AttributeStateRemoved); err != nil {
			return res, err
		}
		res.Removed++
	}
	for _, key := range sortedAttributeKeys(desired) {
		value := desired[key]
		current, present := existing[key]
		if present && current.Value.Equal(value) {
			res.Unchanged++
			continue
		}
		if err := ensureCI(tx, key.CIID); err != nil {
			return res, err
		}
		state := domain.AttributeStateNew
		if present {
			state = domain.AttributeStateChanged
		}
		if _, err := appendAttributeFact(tx, proxy, key.CIID, key.Name, data.LayerID, value, state); err != nil {
			return res, err
		}
		res.Inserted++
	}
	return res, nil
}

func sortedAttributeKeys[V any](m map[domain.AttributeKey]V) []domain.AttributeKey {
	keys := make([]domain.AttributeKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := bytes.Compare(keys[i].CIID[:], keys[j].CIID[:]); c != 0 {
			return c < 0
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}
