package memory

import (
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// memoryState holds every record of the store. Fact histories are append-only
// and kept oldest first per layer and information hash.
type memoryState struct {
	layers     map[string]Layer
	predicates map[string]Predicate
	cis        map[CIID]struct{}
	changesets map[uuid.UUID]Changeset
	attributes map[string]map[domain.AttributeKey][]CIAttribute
	relations  map[string]map[domain.RelationKey][]Relation
	traits     map[string]RecursiveTrait
}

// Snapshot captures a point-in-time clone of the store state. Each field is
// persisted as one bucket by the durable backends.
type Snapshot struct {
	Layers     map[string]Layer          `json:"layers"`
	Predicates map[string]Predicate      `json:"predicates"`
	CIs        []CIID                    `json:"cis"`
	Changesets map[uuid.UUID]Changeset   `json:"changesets"`
	Attributes []CIAttribute             `json:"attributes"`
	Relations  []Relation                `json:"relations"`
	Traits     map[string]RecursiveTrait `json:"traits"`
}

func newMemoryState() memoryState {
	return memoryState{
		layers:     make(map[string]Layer),
		predicates: make(map[string]Predicate),
		cis:        make(map[CIID]struct{}),
		changesets: make(map[uuid.UUID]Changeset),
		attributes: make(map[string]map[domain.AttributeKey][]CIAttribute),
		relations:  make(map[string]map[domain.RelationKey][]Relation),
		traits:     make(map[string]RecursiveTrait),
	}
}

// clone copies the maps of the state. Fact histories are clipped so an append
// inside a transaction always reallocates instead of writing into storage
// still referenced by the committed state.
func (s memoryState) clone() memoryState {
	out := newMemoryState()
	for k, v := range s.layers {
		out.layers[k] = cloneLayer(v)
	}
	for k, v := range s.predicates {
		out.predicates[k] = clonePredicate(v)
	}
	for k := range s.cis {
		out.cis[k] = struct{}{}
	}
	for k, v := range s.changesets {
		out.changesets[k] = v
	}
	for layerID, byKey := range s.attributes {
		cp := make(map[domain.AttributeKey][]CIAttribute, len(byKey))
		for k, history := range byKey {
			cp[k] = slices.Clip(history)
		}
		out.attributes[layerID] = cp
	}
	for layerID, byKey := range s.relations {
		cp := make(map[domain.RelationKey][]Relation, len(byKey))
		for k, history := range byKey {
			cp[k] = slices.Clip(history)
		}
		out.relations[layerID] = cp
	}
	for k, v := range s.traits {
		out.traits[k] = cloneTrait(v)
	}
	return out
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Layers:     make(map[string]Layer, len(state.layers)),
		Predicates: make(map[string]Predicate, len(state.predicates)),
		CIs:        make([]CIID, 0, len(state.cis)),
		Changesets: make(map[uuid.UUID]Changeset, len(state.changesets)),
		Traits:     make(map[string]RecursiveTrait, len(state.traits)),
	}
	for k, v := range state.layers {
		s.Layers[k] = cloneLayer(v)
	}
	for k, v := range state.predicates {
		s.Predicates[k] = clonePredicate(v)
	}
	for id := range state.cis {
		s.CIs = append(s.CIs, id)
	}
	domain.SortCIIDs(s.CIs)
	for k, v := range state.changesets {
		s.Changesets[k] = v
	}
	// histories are emitted whole and in append order so a round trip keeps them intact
	for _, layerID := range sortedKeys(state.attributes) {
		byKey := state.attributes[layerID]
		keys := make([]domain.AttributeKey, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].CIID != keys[j].CIID {
				return keys[i].CIID.String() < keys[j].CIID.String()
			}
			return keys[i].Name < keys[j].Name
		})
		for _, k := range keys {
			s.Attributes = append(s.Attributes, byKey[k]...)
		}
	}
	for _, layerID := range sortedKeys(state.relations) {
		byKey := state.relations[layerID]
		keys := make([]domain.RelationKey, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return relationKeyLess(keys[i], keys[j]) })
		for _, k := range keys {
			s.Relations = append(s.Relations, byKey[k]...)
		}
	}
	for k, v := range state.traits {
		s.Traits[k] = cloneTrait(v)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Layers {
		state.layers[k] = cloneLayer(v)
	}
	for k, v := range s.Predicates {
		state.predicates[k] = clonePredicate(v)
	}
	for _, id := range s.CIs {
		state.cis[id] = struct{}{}
	}
	for k, v := range s.Changesets {
		state.changesets[k] = v
	}
	for _, a := range s.Attributes {
		state.appendAttribute(a)
	}
	for _, r := range s.Relations {
		state.appendRelation(r)
	}
	for k, v := range s.Traits {
		state.traits[k] = cloneTrait(v)
	}
	return state
}

// normalizeSnapshot fills in records implied by the facts of older snapshots:
// CIs referenced by facts and default layer states.
func normalizeSnapshot(snapshot Snapshot) Snapshot {
	known := make(map[CIID]struct{}, len(snapshot.CIs))
	for _, id := range snapshot.CIs {
		known[id] = struct{}{}
	}
	add := func(id CIID) {
		if _, ok := known[id]; ok {
			return
		}
		known[id] = struct{}{}
		snapshot.CIs = append(snapshot.CIs, id)
	}
	for _, a := range snapshot.Attributes {
		add(a.CIID)
	}
	for _, r := range snapshot.Relations {
		add(r.FromCIID)
		add(r.ToCIID)
	}
	for id, l := range snapshot.Layers {
		if !l.State.Valid() {
			l.State = domain.AnchorStateActive
			snapshot.Layers[id] = l
		}
	}
	for id, p := range snapshot.Predicates {
		if !p.State.Valid() {
			p.State = domain.AnchorStateActive
			snapshot.Predicates[id] = p
		}
	}
	return snapshot
}

func (s *memoryState) appendAttribute(a CIAttribute) {
	byKey, ok := s.attributes[a.LayerID]
	if !ok {
		byKey = make(map[domain.AttributeKey][]CIAttribute)
		s.attributes[a.LayerID] = byKey
	}
	byKey[a.Key()] = append(byKey[a.Key()], a)
}

func (s *memoryState) appendRelation(r Relation) {
	byKey, ok := s.relations[r.LayerID]
	if !ok {
		byKey = make(map[domain.RelationKey][]Relation)
		s.relations[r.LayerID] = byKey
	}
	byKey[r.Key()] = append(byKey[r.Key()], r)
}

func cloneLayer(l Layer) Layer {
	cp := l
	if l.ComputeLayerBrain != nil {
		v := *l.ComputeLayerBrain
		cp.ComputeLayerBrain = &v
	}
	if l.OnlineInboundAdapter != nil {
		v := *l.OnlineInboundAdapter
		cp.OnlineInboundAdapter = &v
	}
	cp.Generators = slices.Clone(l.Generators)
	return cp
}

func clonePredicate(p Predicate) Predicate {
	cp := p
	cp.Constraints.PreferredTraitsFrom = slices.Clone(p.Constraints.PreferredTraitsFrom)
	cp.Constraints.PreferredTraitsTo = slices.Clone(p.Constraints.PreferredTraitsTo)
	return cp
}

func cloneTrait(t RecursiveTrait) RecursiveTrait {
	cp := t
	cp.RequiredAttributes = slices.Clone(t.RequiredAttributes)
	cp.OptionalAttributes = slices.Clone(t.OptionalAttributes)
	cp.RequiredRelations = slices.Clone(t.RequiredRelations)
	cp.OptionalRelations = slices.Clone(t.OptionalRelations)
	cp.RequiredTraits = slices.Clone(t.RequiredTraits)
	return cp
}

func relationKeyLess(a, b domain.RelationKey) bool {
	if a.FromCIID != b.FromCIID {
		return a.FromCIID.String() < b.FromCIID.String()
	}
	if a.ToCIID != b.ToCIID {
		return a.ToCIID.String() < b.ToCIID.String()
	}
	return a.PredicateID < b.PredicateID
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
