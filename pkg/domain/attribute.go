package domain

import (
	"time"

	"github.com/google/uuid"
)

// NameAttribute holds the display name of a CI.
const NameAttribute = "__name"

// AttributeState marks how a fact relates to its predecessor in the same layer.
type AttributeState string

// Attribute fact states.
const (
	AttributeStateNew     AttributeState = "new"
	AttributeStateChanged AttributeState = "changed"
	AttributeStateRenewed AttributeState = "renewed"
	AttributeStateRemoved AttributeState = "removed"
)

// CIAttribute is one immutable attribute fact written into one layer.
type CIAttribute struct {
	ID          uuid.UUID      `json:"id"`
	CIID        CIID           `json:"ci_id"`
	Name        string         `json:"name"`
	Value       AttributeValue `json:"value"`
	LayerID     string         `json:"layer_id"`
	ChangesetID uuid.UUID      `json:"changeset_id"`
	State       AttributeState `json:"state"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Removed reports whether the fact is a removal marker.
func (a CIAttribute) Removed() bool { return a.State == AttributeStateRemoved }

// Key returns the information hash of the fact.
func (a CIAttribute) Key() AttributeKey { return AttributeKey{CIID: a.CIID, Name: a.Name} }

// AttributeKey is the merge identity of an attribute: one current value per
// (CI, name) and layer.
type AttributeKey struct {
	CIID CIID
	Name string
}

// MergedCIAttribute is the winning attribute of a merge together with every
// layer that held a version of it, in LayerSet order.
type MergedCIAttribute struct {
	Attribute     CIAttribute `json:"attribute"`
	LayerStackIDs []string    `json:"layer_stack_ids"`
}

// WinningLayer returns the layer that provided the merged value.
func (m MergedCIAttribute) WinningLayer() string { return m.Attribute.LayerID }

// MergedCI is the effective view of one CI in a LayerSet at a time threshold.
type MergedCI struct {
	ID         CIID                         `json:"id"`
	Name       *string                      `json:"name,omitempty"`
	Layers     LayerSet                     `json:"layers"`
	AtTime     TimeThreshold                `json:"-"`
	Attributes map[string]MergedCIAttribute `json:"attributes"`
}

// NewMergedCI assembles a MergedCI and derives its name from NameAttribute.
func NewMergedCI(id CIID, layers LayerSet, at TimeThreshold, attributes map[string]MergedCIAttribute) MergedCI {
	if attributes == nil {
		attributes = map[string]MergedCIAttribute{}
	}
	ci := MergedCI{ID: id, Layers: layers, AtTime: at, Attributes: attributes}
	if a, ok := attributes[NameAttribute]; ok {
		if name, ok := a.Attribute.Value.Text(); ok {
			ci.Name = &name
		}
	}
	return ci
}
