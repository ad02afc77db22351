package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// AnchorState describes the lifecycle of layers and predicates.
type AnchorState string

// Anchor states.
const (
	AnchorStateActive            AnchorState = "active"
	AnchorStateDeprecated        AnchorState = "deprecated"
	AnchorStateInactive          AnchorState = "inactive"
	AnchorStateMarkedForDeletion AnchorState = "marked_for_deletion"
)

// Valid reports whether s is a known anchor state.
func (s AnchorState) Valid() bool {
	switch s {
	case AnchorStateActive, AnchorStateDeprecated, AnchorStateInactive, AnchorStateMarkedForDeletion:
		return true
	}
	return false
}

// Layer is a named container of facts. Its precedence is not a property of the
// layer; it is defined by the position of the layer in a LayerSet.
type Layer struct {
	ID                   string      `json:"id"`
	Description          string      `json:"description,omitempty"`
	Color                uint32      `json:"color"`
	State                AnchorState `json:"state"`
	ComputeLayerBrain    *string     `json:"compute_layer_brain,omitempty"`
	OnlineInboundAdapter *string     `json:"online_inbound_adapter,omitempty"`
	Generators           []string    `json:"generators,omitempty"`
}

// Writable reports whether new facts may be written into the layer.
func (l Layer) Writable() bool {
	return l.State == AnchorStateActive || l.State == AnchorStateDeprecated
}

// LayerSet is an ordered, deduplicated list of layer ids. A fact in a layer at
// a higher index overrides the same fact in a layer at a lower index.
// Equality and hashing are order-sensitive.
type LayerSet struct {
	ids []string
}

// layerHashSeparator cannot occur inside a valid layer id.
const layerHashSeparator = ","

// NewLayerSet builds a LayerSet from ids in precedence order (last wins).
// Duplicates keep their first position.
func NewLayerSet(ids ...string) LayerSet {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return LayerSet{ids: out}
}

// LayerIDs returns a copy of the ordered layer ids.
func (ls LayerSet) LayerIDs() []string {
	out := make([]string, len(ls.ids))
	copy(out, ls.ids)
	return out
}

// Len returns the number of layers.
func (ls LayerSet) Len() int { return len(ls.ids) }

// IsEmpty reports whether the set has no layers.
func (ls LayerSet) IsEmpty() bool { return len(ls.ids) == 0 }

// Order returns the precedence index of layerID, or -1 if it is not part of the set.
func (ls LayerSet) Order(layerID string) int {
	for i, id := range ls.ids {
		if id == layerID {
			return i
		}
	}
	return -1
}

// Contains reports whether layerID is part of the set.
func (ls LayerSet) Contains(layerID string) bool { return ls.Order(layerID) >= 0 }

// Equal compares two layer sets including their order.
func (ls LayerSet) Equal(other LayerSet) bool {
	if len(ls.ids) != len(other.ids) {
		return false
	}
	for i := range ls.ids {
		if ls.ids[i] != other.ids[i] {
			return false
		}
	}
	return true
}

// Below returns the layers with lower precedence than layerID, in set order.
func (ls LayerSet) Below(layerID string) LayerSet {
	idx := ls.Order(layerID)
	if idx <= 0 {
		return LayerSet{}
	}
	return NewLayerSet(ls.ids[:idx]...)
}

// LayerHash returns a stable cache key over the ordered contents.
func (ls LayerSet) LayerHash() string {
	sum := sha256.Sum256([]byte(strings.Join(ls.ids, layerHashSeparator)))
	return hex.EncodeToString(sum[:])
}

func (ls LayerSet) String() string {
	return "[" + strings.Join(ls.ids, layerHashSeparator) + "]"
}

// MarshalJSON encodes the set as its ordered id array.
func (ls LayerSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(ls.LayerIDs())
}

// UnmarshalJSON decodes an ordered id array.
func (ls *LayerSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*ls = NewLayerSet(ids...)
	return nil
}
