package domain

import "sort"

type selectionKind int

const (
	selectAll selectionKind = iota
	selectSpecific
	selectAllExcept
	selectNone
)

// CIIDSelection selects a set of CIs: all, a specific list, all except a list, or none.
type CIIDSelection struct {
	kind selectionKind
	ids  map[CIID]struct{}
}

// AllCIIDs selects every CI.
func AllCIIDs() CIIDSelection { return CIIDSelection{kind: selectAll} }

// SpecificCIIDs selects exactly the given CIs.
func SpecificCIIDs(ids ...CIID) CIIDSelection {
	return CIIDSelection{kind: selectSpecific, ids: idSet(ids)}
}

// AllCIIDsExcept selects every CI but the given ones.
func AllCIIDsExcept(ids ...CIID) CIIDSelection {
	if len(ids) == 0 {
		return AllCIIDs()
	}
	return CIIDSelection{kind: selectAllExcept, ids: idSet(ids)}
}

// NoCIIDs selects nothing.
func NoCIIDs() CIIDSelection { return CIIDSelection{kind: selectNone} }

// IsAll reports whether the selection covers every CI.
func (s CIIDSelection) IsAll() bool { return s.kind == selectAll }

// IsEmpty reports whether the selection cannot match any CI.
func (s CIIDSelection) IsEmpty() bool {
	return s.kind == selectNone || (s.kind == selectSpecific && len(s.ids) == 0)
}

// Contains reports whether id is selected.
func (s CIIDSelection) Contains(id CIID) bool {
	switch s.kind {
	case selectAll:
		return true
	case selectSpecific:
		_, ok := s.ids[id]
		return ok
	case selectAllExcept:
		_, ok := s.ids[id]
		return !ok
	}
	return false
}

// SpecificIDs returns the sorted ids of a specific selection and true, or nil
// and false for the other kinds.
func (s CIIDSelection) SpecificIDs() ([]CIID, bool) {
	if s.kind != selectSpecific {
		return nil, false
	}
	out := make([]CIID, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	SortCIIDs(out)
	return out, true
}

// Intersect returns the CIs selected by both s and other.
func (s CIIDSelection) Intersect(other CIIDSelection) CIIDSelection {
	switch {
	case s.kind == selectNone || other.kind == selectNone:
		return NoCIIDs()
	case s.kind == selectAll:
		return other
	case other.kind == selectAll:
		return s
	case s.kind == selectSpecific:
		var out []CIID
		for id := range s.ids {
			if other.Contains(id) {
				out = append(out, id)
			}
		}
		return SpecificCIIDs(out...)
	case other.kind == selectSpecific:
		return other.Intersect(s)
	}
	// both all-except
	var union []CIID
	for id := range s.ids {
		union = append(union, id)
	}
	for id := range other.ids {
		union = append(union, id)
	}
	return AllCIIDsExcept(union...)
}

func idSet(ids []CIID) map[CIID]struct{} {
	out := make(map[CIID]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// AttributeSelection restricts which attribute names are loaded.
type AttributeSelection struct {
	kind  selectionKind
	names map[string]struct{}
}

// AllAttributes selects every attribute.
func AllAttributes() AttributeSelection { return AttributeSelection{kind: selectAll} }

// NoAttributes selects no attribute.
func NoAttributes() AttributeSelection { return AttributeSelection{kind: selectNone} }

// NamedAttributes selects attributes by exact name.
func NamedAttributes(names ...string) AttributeSelection {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return AttributeSelection{kind: selectSpecific, names: set}
}

// Contains reports whether name is selected.
func (s AttributeSelection) Contains(name string) bool {
	switch s.kind {
	case selectAll:
		return true
	case selectSpecific:
		_, ok := s.names[name]
		return ok
	}
	return false
}

// IsEmpty reports whether no attribute can match.
func (s AttributeSelection) IsEmpty() bool {
	return s.kind == selectNone || (s.kind == selectSpecific && len(s.names) == 0)
}

// Names returns the sorted names of a named selection.
func (s AttributeSelection) Names() []string {
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Union combines two selections.
func (s AttributeSelection) Union(other AttributeSelection) AttributeSelection {
	switch {
	case s.kind == selectAll || other.kind == selectAll:
		return AllAttributes()
	case s.kind == selectNone:
		return other
	case other.kind == selectNone:
		return s
	}
	return NamedAttributes(append(s.Names(), other.Names()...)...)
}

type relationSelectionKind int

const (
	relationsAll relationSelectionKind = iota
	relationsFrom
	relationsTo
	relationsFromOrTo
	relationsWithPredicate
)

// RelationSelection restricts which relations are loaded.
type RelationSelection struct {
	kind       relationSelectionKind
	ciids      map[CIID]struct{}
	predicates map[string]struct{}
}

// AllRelations selects every relation.
func AllRelations() RelationSelection { return RelationSelection{kind: relationsAll} }

// RelationsFrom selects relations whose from-CI is one of ids.
func RelationsFrom(ids ...CIID) RelationSelection {
	return RelationSelection{kind: relationsFrom, ciids: idSet(ids)}
}

// RelationsTo selects relations whose to-CI is one of ids.
func RelationsTo(ids ...CIID) RelationSelection {
	return RelationSelection{kind: relationsTo, ciids: idSet(ids)}
}

// RelationsFromOrTo selects relations touching any of ids on either end.
func RelationsFromOrTo(ids ...CIID) RelationSelection {
	return RelationSelection{kind: relationsFromOrTo, ciids: idSet(ids)}
}

// RelationsWithPredicate selects relations using one of the predicates.
func RelationsWithPredicate(predicateIDs ...string) RelationSelection {
	set := make(map[string]struct{}, len(predicateIDs))
	for _, p := range predicateIDs {
		set[p] = struct{}{}
	}
	return RelationSelection{kind: relationsWithPredicate, predicates: set}
}

// Matches reports whether r falls into the selection.
func (s RelationSelection) Matches(r Relation) bool {
	switch s.kind {
	case relationsAll:
		return true
	case relationsFrom:
		_, ok := s.ciids[r.FromCIID]
		return ok
	case relationsTo:
		_, ok := s.ciids[r.ToCIID]
		return ok
	case relationsFromOrTo:
		_, from := s.ciids[r.FromCIID]
		_, to := s.ciids[r.ToCIID]
		return from || to
	case relationsWithPredicate:
		_, ok := s.predicates[r.PredicateID]
		return ok
	}
	return false
}
