package domain

import (
	"time"

	"github.com/google/uuid"
)

// RelationState marks how a relation fact relates to its predecessor in the same layer.
type RelationState string

// Relation fact states.
const (
	RelationStateNew     RelationState = "new"
	RelationStateRenewed RelationState = "renewed"
	RelationStateRemoved RelationState = "removed"
)

// Relation is one immutable relation fact written into one layer. A fact with
// Mask set hides the relation of lower layers instead of contributing one.
type Relation struct {
	ID          uuid.UUID     `json:"id"`
	FromCIID    CIID          `json:"from_ci_id"`
	ToCIID      CIID          `json:"to_ci_id"`
	PredicateID string        `json:"predicate_id"`
	LayerID     string        `json:"layer_id"`
	ChangesetID uuid.UUID     `json:"changeset_id"`
	State       RelationState `json:"state"`
	Mask        bool          `json:"mask"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Removed reports whether the fact is a removal marker.
func (r Relation) Removed() bool { return r.State == RelationStateRemoved }

// Key returns the information hash of the fact.
func (r Relation) Key() RelationKey {
	return RelationKey{FromCIID: r.FromCIID, ToCIID: r.ToCIID, PredicateID: r.PredicateID}
}

// String renders the key as "from -predicate-> to".
func (k RelationKey) String() string {
	return k.FromCIID.String() + " -" + k.PredicateID + "-> " + k.ToCIID.String()
}

// RelationKey is the merge identity of a relation.
type RelationKey struct {
	FromCIID    CIID
	ToCIID      CIID
	PredicateID string
}

// MergedRelation is the winning relation of a merge together with every layer
// that held a version of it, in LayerSet order.
type MergedRelation struct {
	Relation      Relation `json:"relation"`
	LayerStackIDs []string `json:"layer_stack_ids"`
}

// Direction describes a relation relative to a base CI.
type Direction string

// Relation directions.
const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
	DirectionBoth     Direction = "both"
)

// DirectedRelation is a merged relation seen from a base CI.
type DirectedRelation struct {
	MergedRelation
	Direction Direction `json:"direction"`
	OtherCIID CIID      `json:"other_ci_id"`
}

// Orient returns the relation as seen from base. The second result is false
// when base is neither end of the relation.
func (m MergedRelation) Orient(base CIID) (DirectedRelation, bool) {
	switch base {
	case m.Relation.FromCIID:
		return DirectedRelation{MergedRelation: m, Direction: DirectionForward, OtherCIID: m.Relation.ToCIID}, true
	case m.Relation.ToCIID:
		return DirectedRelation{MergedRelation: m, Direction: DirectionBackward, OtherCIID: m.Relation.FromCIID}, true
	}
	return DirectedRelation{}, false
}
