package domain

import "fmt"

// TraitOriginType tells who defined a trait.
type TraitOriginType string

// Trait origins.
const (
	TraitOriginCore   TraitOriginType = "core"
	TraitOriginPlugin TraitOriginType = "plugin"
	TraitOriginData   TraitOriginType = "data"
)

// TraitOrigin records the definer of a trait; Info names the plugin for plugin traits.
type TraitOrigin struct {
	Type TraitOriginType `json:"type" yaml:"type"`
	Info string          `json:"info,omitempty" yaml:"info,omitempty"`
}

// TraitAttribute binds an attribute template to a named trait slot.
type TraitAttribute struct {
	Identifier string              `json:"identifier" yaml:"identifier"`
	Template   CIAttributeTemplate `json:"template" yaml:"template"`
}

// TraitRelation binds a relation template to a named trait slot.
type TraitRelation struct {
	Identifier string           `json:"identifier" yaml:"identifier"`
	Template   RelationTemplate `json:"template" yaml:"template"`
}

// RecursiveTrait is a trait definition as authored: its own slots plus the ids
// of the traits it inherits from.
type RecursiveTrait struct {
	ID                 string           `json:"id" yaml:"id"`
	Origin             TraitOrigin      `json:"origin" yaml:"origin"`
	RequiredAttributes []TraitAttribute `json:"required_attributes,omitempty" yaml:"required_attributes,omitempty"`
	OptionalAttributes []TraitAttribute `json:"optional_attributes,omitempty" yaml:"optional_attributes,omitempty"`
	RequiredRelations  []TraitRelation  `json:"required_relations,omitempty" yaml:"required_relations,omitempty"`
	OptionalRelations  []TraitRelation  `json:"optional_relations,omitempty" yaml:"optional_relations,omitempty"`
	RequiredTraits     []string         `json:"required_traits,omitempty" yaml:"required_traits,omitempty"`
}

// GenericTrait is a flattened trait: the union of its own slots and those of
// every ancestor.
type GenericTrait struct {
	ID                 string           `json:"id"`
	Origin             TraitOrigin      `json:"origin"`
	RequiredAttributes []TraitAttribute `json:"required_attributes"`
	OptionalAttributes []TraitAttribute `json:"optional_attributes"`
	RequiredRelations  []TraitRelation  `json:"required_relations"`
	OptionalRelations  []TraitRelation  `json:"optional_relations"`
	AncestorTraits     []string         `json:"ancestor_traits,omitempty"`
}

// RequiredAttributeNames returns the distinct attribute names every
// fulfilling CI must carry, in slot order. Slots with different identifiers
// may bind the same attribute.
func (t GenericTrait) RequiredAttributeNames() []string {
	seen := make(map[string]struct{}, len(t.RequiredAttributes))
	out := make([]string, 0, len(t.RequiredAttributes))
	for _, a := range t.RequiredAttributes {
		if _, dup := seen[a.Template.Name]; dup {
			continue
		}
		seen[a.Template.Name] = struct{}{}
		out = append(out, a.Template.Name)
	}
	return out
}

// AttributeSelection returns the projection of attribute names referenced by the trait.
func (t GenericTrait) AttributeSelection() AttributeSelection {
	names := t.RequiredAttributeNames()
	for _, a := range t.OptionalAttributes {
		names = append(names, a.Template.Name)
	}
	return NamedAttributes(names...)
}

// PredicateIDs returns every predicate referenced by the trait's relation slots.
func (t GenericTrait) PredicateIDs() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, group := range [][]TraitRelation{t.RequiredRelations, t.OptionalRelations} {
		for _, r := range group {
			if _, ok := seen[r.Template.PredicateID]; ok {
				continue
			}
			seen[r.Template.PredicateID] = struct{}{}
			out = append(out, r.Template.PredicateID)
		}
	}
	return out
}

// EffectiveTrait binds one merged CI to the slots of one trait.
type EffectiveTrait struct {
	CIID                   CIID                         `json:"ci_id"`
	TraitID                string                       `json:"trait_id"`
	TraitAttributes        map[string]MergedCIAttribute `json:"trait_attributes"`
	OutgoingTraitRelations map[string][]MergedRelation  `json:"outgoing_trait_relations"`
	IncomingTraitRelations map[string][]MergedRelation  `json:"incoming_trait_relations"`
}

// TraitBuilder assembles a RecursiveTrait from declarative calls and
// validates it on Build.
type TraitBuilder struct {
	trait RecursiveTrait
}

// NewTraitBuilder starts a definition for id. Traits default to data origin.
func NewTraitBuilder(id string) *TraitBuilder {
	return &TraitBuilder{trait: RecursiveTrait{ID: id, Origin: TraitOrigin{Type: TraitOriginData}}}
}

// Origin sets the trait origin.
func (b *TraitBuilder) Origin(origin TraitOrigin) *TraitBuilder {
	b.trait.Origin = origin
	return b
}

// Require adds a required attribute slot.
func (b *TraitBuilder) Require(identifier string, tmpl CIAttributeTemplate) *TraitBuilder {
	b.trait.RequiredAttributes = append(b.trait.RequiredAttributes, TraitAttribute{Identifier: identifier, Template: tmpl})
	return b
}

// Optional adds an optional attribute slot.
func (b *TraitBuilder) Optional(identifier string, tmpl CIAttributeTemplate) *TraitBuilder {
	b.trait.OptionalAttributes = append(b.trait.OptionalAttributes, TraitAttribute{Identifier: identifier, Template: tmpl})
	return b
}

// RequireRelation adds a required relation slot.
func (b *TraitBuilder) RequireRelation(identifier string, tmpl RelationTemplate) *TraitBuilder {
	b.trait.RequiredRelations = append(b.trait.RequiredRelations, TraitRelation{Identifier: identifier, Template: tmpl})
	return b
}

// OptionalRelation adds an optional relation slot.
func (b *TraitBuilder) OptionalRelation(identifier string, tmpl RelationTemplate) *TraitBuilder {
	b.trait.OptionalRelations = append(b.trait.OptionalRelations, TraitRelation{Identifier: identifier, Template: tmpl})
	return b
}

// Inherit adds ancestor traits.
func (b *TraitBuilder) Inherit(ids ...string) *TraitBuilder {
	b.trait.RequiredTraits = append(b.trait.RequiredTraits, ids...)
	return b
}

// Build validates and returns the definition.
func (b *TraitBuilder) Build() (RecursiveTrait, error) {
	if err := ValidateRecursiveTrait(b.trait); err != nil {
		return RecursiveTrait{}, err
	}
	return b.trait, nil
}

// MustBuild is Build for static definitions; it panics on invalid input.
func (b *TraitBuilder) MustBuild() RecursiveTrait {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}

// ValidateRecursiveTrait checks ids, slot identifiers and templates of a trait
// in isolation. Ancestor resolution is checked during flattening.
func ValidateRecursiveTrait(t RecursiveTrait) error {
	if err := ValidateTraitID(t.ID); err != nil {
		return InvalidTraitError{Trait: t.ID, Reason: err.Error()}
	}
	seen := map[string]struct{}{}
	claim := func(kind, identifier string) error {
		if identifier == "" {
			return InvalidTraitError{Trait: t.ID, Reason: fmt.Sprintf("empty %s identifier", kind)}
		}
		key := kind + ":" + identifier
		if _, dup := seen[key]; dup {
			return InvalidTraitError{Trait: t.ID, Reason: fmt.Sprintf("duplicate %s identifier %q", kind, identifier)}
		}
		seen[key] = struct{}{}
		return nil
	}
	for _, group := range [][]TraitAttribute{t.RequiredAttributes, t.OptionalAttributes} {
		for _, a := range group {
			if err := claim("attribute", a.Identifier); err != nil {
				return err
			}
			if a.Template.Name == "" {
				return InvalidTraitError{Trait: t.ID, Reason: fmt.Sprintf("attribute slot %q has no attribute name", a.Identifier)}
			}
			if a.Template.Type != nil && !a.Template.Type.Valid() {
				return InvalidTraitError{Trait: t.ID, Reason: fmt.Sprintf("attribute slot %q has unknown type %q", a.Identifier, *a.Template.Type)}
			}
		}
	}
	for _, group := range [][]TraitRelation{t.RequiredRelations, t.OptionalRelations} {
		for _, r := range group {
			if err := claim("relation", r.Identifier); err != nil {
				return err
			}
			if err := ValidatePredicateID(r.Template.PredicateID); err != nil {
				return InvalidTraitError{Trait: t.ID, Reason: err.Error()}
			}
		}
	}
	for _, parent := range t.RequiredTraits {
		if parent == t.ID {
			return TraitCycleError{Path: []string{t.ID, t.ID}}
		}
	}
	return nil
}
