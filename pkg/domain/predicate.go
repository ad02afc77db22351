package domain

// Predicate is a named relationship type.
type Predicate struct {
	ID          string               `json:"id"`
	WordingFrom string               `json:"wording_from"`
	WordingTo   string               `json:"wording_to"`
	State       AnchorState          `json:"state"`
	Constraints PredicateConstraints `json:"constraints"`
}

// PredicateConstraints lists the traits the ends of a relation are expected to fulfill.
type PredicateConstraints struct {
	PreferredTraitsFrom []string `json:"preferred_traits_from,omitempty"`
	PreferredTraitsTo   []string `json:"preferred_traits_to,omitempty"`
}

// Usable reports whether new relations may use the predicate.
func (p Predicate) Usable() bool {
	return p.State == AnchorStateActive || p.State == AnchorStateDeprecated
}
