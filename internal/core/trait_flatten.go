package core

import (
	"fmt"
	"reflect"
	"slices"
	"sort"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// FlattenRecursiveTraits resolves the ancestry of every trait. It fails on
// the first invalid definition, unknown ancestor or cycle.
func FlattenRecursiveTraits(traits []domain.RecursiveTrait) (map[string]domain.GenericTrait, error) {
	lookup := make(map[string]domain.RecursiveTrait, len(traits))
	for _, t := range traits {
		if _, dup := lookup[t.ID]; dup {
			return nil, domain.InvalidTraitError{Trait: t.ID, Reason: "defined more than once"}
		}
		lookup[t.ID] = t
	}
	f := newFlattener(lookup)
	ids := make([]string, 0, len(lookup))
	for id := range lookup {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make(map[string]domain.GenericTrait, len(ids))
	for _, id := range ids {
		g, err := f.flatten(id, nil)
		if err != nil {
			return nil, err
		}
		out[id] = g
	}
	return out, nil
}

// FlattenSingleRecursiveTrait resolves the ancestry of t, looking ancestors up
// in lookup.
func FlattenSingleRecursiveTrait(t domain.RecursiveTrait, lookup map[string]domain.RecursiveTrait) (domain.GenericTrait, error) {
	all := make(map[string]domain.RecursiveTrait, len(lookup)+1)
	for id, rt := range lookup {
		all[id] = rt
	}
	all[t.ID] = t
	return newFlattener(all).flatten(t.ID, nil)
}

type flattener struct {
	lookup map[string]domain.RecursiveTrait
	done   map[string]domain.GenericTrait
}

func newFlattener(lookup map[string]domain.RecursiveTrait) *flattener {
	return &flattener{lookup: lookup, done: make(map[string]domain.GenericTrait)}
}

// flatten walks the required traits depth first. path holds the traits
// currently being resolved; meeting one of them again is a cycle.
func (f *flattener) flatten(id string, path []string) (domain.GenericTrait, error) {
	if g, ok := f.done[id]; ok {
		return g, nil
	}
	if i := slices.Index(path, id); i >= 0 {
		cycle := append(slices.Clone(path[i:]), id)
		return domain.GenericTrait{}, domain.TraitCycleError{Path: cycle}
	}
	t, ok := f.lookup[id]
	if !ok {
		referrer := ""
		if len(path) > 0 {
			referrer = path[len(path)-1]
		}
		return domain.GenericTrait{}, domain.UnknownTraitError{Trait: id, Referrer: referrer}
	}
	if err := domain.ValidateRecursiveTrait(t); err != nil {
		return domain.GenericTrait{}, err
	}
	path = append(path, id)

	attrs := newSlotUnion[domain.CIAttributeTemplate](id, "attribute")
	rels := newSlotUnion[domain.RelationTemplate](id, "relation")
	for _, a := range t.RequiredAttributes {
		if err := attrs.add(a.Identifier, a.Template, true); err != nil {
			return domain.GenericTrait{}, err
		}
	}
	for _, a := range t.OptionalAttributes {
		if err := attrs.add(a.Identifier, a.Template, false); err != nil {
			return domain.GenericTrait{}, err
		}
	}
	for _, r := range t.RequiredRelations {
		if err := rels.add(r.Identifier, r.Template, true); err != nil {
			return domain.GenericTrait{}, err
		}
	}
	for _, r := range t.OptionalRelations {
		if err := rels.add(r.Identifier, r.Template, false); err != nil {
			return domain.GenericTrait{}, err
		}
	}

	var ancestors []string
	seen := map[string]struct{}{id: {}}
	addAncestor := func(a string) {
		if _, ok := seen[a]; ok {
			return
		}
		seen[a] = struct{}{}
		ancestors = append(ancestors, a)
	}
	for _, parentID := range t.RequiredTraits {
		parent, err := f.flatten(parentID, path)
		if err != nil {
			return domain.GenericTrait{}, err
		}
		addAncestor(parentID)
		for _, a := range parent.AncestorTraits {
			addAncestor(a)
		}
		for _, a := range parent.RequiredAttributes {
			if err := attrs.add(a.Identifier, a.Template, true); err != nil {
				return domain.GenericTrait{}, err
			}
		}
		for _, a := range parent.OptionalAttributes {
			if err := attrs.add(a.Identifier, a.Template, false); err != nil {
				return domain.GenericTrait{}, err
			}
		}
		for _, r := range parent.RequiredRelations {
			if err := rels.add(r.Identifier, r.Template, true); err != nil {
				return domain.GenericTrait{}, err
			}
		}
		for _, r := range parent.OptionalRelations {
			if err := rels.add(r.Identifier, r.Template, false); err != nil {
				return domain.GenericTrait{}, err
			}
		}
	}

	g := domain.GenericTrait{ID: t.ID, Origin: t.Origin, AncestorTraits: ancestors}
	for _, s := range attrs.slots {
		ta := domain.TraitAttribute{Identifier: s.identifier, Template: s.template}
		if s.required {
			g.RequiredAttributes = append(g.RequiredAttributes, ta)
		} else {
			g.OptionalAttributes = append(g.OptionalAttributes, ta)
		}
	}
	for _, s := range rels.slots {
		tr := domain.TraitRelation{Identifier: s.identifier, Template: s.template}
		if s.required {
			g.RequiredRelations = append(g.RequiredRelations, tr)
		} else {
			g.OptionalRelations = append(g.OptionalRelations, tr)
		}
	}
	f.done[id] = g
	return g, nil
}

type slot[T any] struct {
	identifier string
	template   T
	required   bool
}

// slotUnion collects slots by identifier in first-seen order. A slot seen
// again must carry the same template; it becomes required if any occurrence is.
type slotUnion[T any] struct {
	trait string
	kind  string
	index map[string]int
	slots []slot[T]
}

func newSlotUnion[T any](trait, kind string) *slotUnion[T] {
	return &slotUnion[T]{trait: trait, kind: kind, index: make(map[string]int)}
}

func (u *slotUnion[T]) add(identifier string, template T, required bool) error {
	if i, ok := u.index[identifier]; ok {
		if !reflect.DeepEqual(u.slots[i].template, template) {
			return domain.InvalidTraitError{Trait: u.trait, Reason: fmt.Sprintf("%s slot %q is inherited with conflicting templates", u.kind, identifier)}
		}
		u.slots[i].required = u.slots[i].required || required
		return nil
	}
	u.index[identifier] = len(u.slots)
	u.slots = append(u.slots, slot[T]{identifier: identifier, template: template, required: required})
	return nil
}
