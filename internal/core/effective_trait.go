package core

import (
	"context"
	"sort"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// TraitHintChecker reports whether the CI at the other end of a relation
// fulfills a hinted trait. A nil checker accepts every CI.
type TraitHintChecker func(ciid CIID, traitID string) bool

// CalculateEffectiveTraitForCI binds a merged CI and its relations to the
// slots of trait. The bool is false when a required attribute or relation is
// missing or fails its template; that is a normal negative result.
func CalculateEffectiveTraitForCI(ci domain.MergedCI, relations []domain.MergedRelation, trait domain.GenericTrait, hints TraitHintChecker) (domain.EffectiveTrait, bool) {
	et := domain.EffectiveTrait{
		CIID:                   ci.ID,
		TraitID:                trait.ID,
		TraitAttributes:        make(map[string]domain.MergedCIAttribute),
		OutgoingTraitRelations: make(map[string][]domain.MergedRelation),
		IncomingTraitRelations: make(map[string][]domain.MergedRelation),
	}
	for _, ta := range trait.RequiredAttributes {
		attr, ok := ci.Attributes[ta.Template.Name]
		if !ok || len(CalculateTemplateErrorsAttribute(&attr, ta.Template)) > 0 {
			return domain.EffectiveTrait{}, false
		}
		et.TraitAttributes[ta.Identifier] = attr
	}
	for _, tr := range trait.RequiredRelations {
		found, errs := CalculateTemplateErrorsRelation(ci.ID, hintedRelations(ci.ID, relations, tr.Template, hints), tr.Template)
		if len(errs) > 0 {
			return domain.EffectiveTrait{}, false
		}
		bindRelations(&et, tr, found)
	}
	for _, ta := range trait.OptionalAttributes {
		attr, ok := ci.Attributes[ta.Template.Name]
		if ok && len(CalculateTemplateErrorsAttribute(&attr, ta.Template)) == 0 {
			et.TraitAttributes[ta.Identifier] = attr
		}
	}
	for _, tr := range trait.OptionalRelations {
		found := matchingRelations(ci.ID, hintedRelations(ci.ID, relations, tr.Template, hints), tr.Template)
		if len(found) > 0 {
			bindRelations(&et, tr, found)
		}
	}
	return et, true
}

func bindRelations(et *domain.EffectiveTrait, tr domain.TraitRelation, found []domain.MergedRelation) {
	if tr.Template.DirectionForward {
		et.OutgoingTraitRelations[tr.Identifier] = found
	} else {
		et.IncomingTraitRelations[tr.Identifier] = found
	}
}

// hintedRelations keeps the relations whose other end fulfills one of the
// template's trait hints.
func hintedRelations(base CIID, relations []domain.MergedRelation, tmpl domain.RelationTemplate, hints TraitHintChecker) []domain.MergedRelation {
	if len(tmpl.TraitHints) == 0 || hints == nil {
		return relations
	}
	var out []domain.MergedRelation
	for _, r := range relations {
		d, ok := r.Orient(base)
		if !ok {
			continue
		}
		for _, hint := range tmpl.TraitHints {
			if hints(d.OtherCIID, hint) {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// EffectiveTraitModel evaluates traits against merged CIs.
type EffectiveTraitModel struct {
	attributes *AttributeModel
	relations  *RelationModel
	traits     *TraitsProvider
}

// NewEffectiveTraitModel wires the merge models and the trait provider.
func NewEffectiveTraitModel(attributes *AttributeModel, relations *RelationModel, traits *TraitsProvider) *EffectiveTraitModel {
	return &EffectiveTraitModel{attributes: attributes, relations: relations, traits: traits}
}

// traitInput is the merged state of a group of CIs projected onto the
// attributes and predicates a set of traits references.
type traitInput struct {
	attributes map[CIID]map[string]domain.MergedCIAttribute
	relations  map[CIID][]domain.MergedRelation
}

func (in traitInput) ci(id CIID, layers domain.LayerSet, at domain.TimeThreshold) domain.MergedCI {
	return domain.NewMergedCI(id, layers, at, in.attributes[id])
}

func projection(traits []domain.GenericTrait) (domain.AttributeSelection, []string) {
	attrs := domain.NoAttributes()
	seen := map[string]struct{}{}
	var predicates []string
	for _, t := range traits {
		attrs = attrs.Union(t.AttributeSelection())
		for _, p := range t.PredicateIDs() {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				predicates = append(predicates, p)
			}
		}
	}
	sort.Strings(predicates)
	return attrs, predicates
}

func (m *EffectiveTraitModel) load(ctx context.Context, view TransactionView, cis domain.CIIDSelection, traits []domain.GenericTrait, layers domain.LayerSet, at domain.TimeThreshold) (traitInput, error) {
	attrSel, predicates := projection(traits)
	// pin latest so attributes and relations are read at the same instant
	at = at.Pin(m.attributes.clock.Now())
	in := traitInput{relations: make(map[CIID][]domain.MergedRelation)}
	var err error
	if !attrSel.IsEmpty() {
		in.attributes, err = m.attributes.GetMergedAttributes(ctx, view, cis, attrSel, layers, at)
		if err != nil {
			return traitInput{}, err
		}
	}
	if len(predicates) == 0 || cis.IsEmpty() {
		return in, nil
	}
	sel := domain.RelationsWithPredicate(predicates...)
	if ids, ok := cis.SpecificIDs(); ok {
		sel = domain.RelationsFromOrTo(ids...)
	}
	merged, err := m.relations.GetMergedRelations(ctx, view, sel, layers, at, ApplyMasks())
	if err != nil {
		return traitInput{}, err
	}
	wanted := make(map[string]struct{}, len(predicates))
	for _, p := range predicates {
		wanted[p] = struct{}{}
	}
	for _, r := range merged {
		if _, ok := wanted[r.Relation.PredicateID]; !ok {
			continue
		}
		if cis.Contains(r.Relation.FromCIID) {
			in.relations[r.Relation.FromCIID] = append(in.relations[r.Relation.FromCIID], r)
		}
		if cis.Contains(r.Relation.ToCIID) {
			in.relations[r.Relation.ToCIID] = append(in.relations[r.Relation.ToCIID], r)
		}
	}
	return in, nil
}

// hintChecker evaluates hinted traits on the other end of relations. Hints of
// hinted traits are not followed further, which bounds the evaluation.
func (m *EffectiveTraitModel) hintChecker(ctx context.Context, view TransactionView, active map[string]domain.GenericTrait, layers domain.LayerSet, at domain.TimeThreshold) TraitHintChecker {
	type key struct {
		ciid  CIID
		trait string
	}
	memo := map[key]bool{}
	return func(ciid CIID, traitID string) bool {
		k := key{ciid, traitID}
		if v, ok := memo[k]; ok {
			return v
		}
		trait, ok := active[traitID]
		if !ok {
			memo[k] = false
			return false
		}
		in, err := m.load(ctx, view, domain.SpecificCIIDs(ciid), []domain.GenericTrait{trait}, layers, at)
		if err != nil {
			memo[k] = false
			return false
		}
		_, has := CalculateEffectiveTraitForCI(in.ci(ciid, layers, at), in.relations[ciid], trait, nil)
		memo[k] = has
		return has
	}
}

func sortedTraits(active map[string]domain.GenericTrait) []domain.GenericTrait {
	out := make([]domain.GenericTrait, 0, len(active))
	for _, t := range active {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CalculateEffectiveTraitSetForCI returns every active trait the CI fulfills, sorted by trait id.
func (m *EffectiveTraitModel) CalculateEffectiveTraitSetForCI(ctx context.Context, view TransactionView, ciid CIID, layers domain.LayerSet, at domain.TimeThreshold) ([]domain.EffectiveTrait, error) {
	items, err := m.CalculateEffectiveTraitSetForCIs(ctx, view, []CIID{ciid}, layers, at)
	if err != nil {
		return nil, err
	}
	return items[0].Value, items[0].Err
}

// CalculateEffectiveTraitSetForCIs evaluates every active trait for each CI.
// Flattening and data loading are shared across the batch; a CI that does
// not exist fails alone. Stored values are decoded when a durable store
// loads its snapshot, so a malformed value fails the store open and never
// reaches a batch. Errors returned here (trait set, view reads) are shared by
// every CI and fail the whole call.
func (m *EffectiveTraitModel) CalculateEffectiveTraitSetForCIs(ctx context.Context, view TransactionView, ids []CIID, layers domain.LayerSet, at domain.TimeThreshold) ([]domain.ItemResult[[]domain.EffectiveTrait], error) {
	active, err := m.traits.ActiveTraits(view)
	if err != nil {
		return nil, err
	}
	at = at.Pin(m.attributes.clock.Now())
	traits := sortedTraits(active)
	in, err := m.load(ctx, view, domain.SpecificCIIDs(ids...), traits, layers, at)
	if err != nil {
		return nil, err
	}
	hints := m.hintChecker(ctx, view, active, layers, at)
	out := make([]domain.ItemResult[[]domain.EffectiveTrait], 0, len(ids))
	for _, id := range ids {
		item := domain.ItemResult[[]domain.EffectiveTrait]{ID: id}
		if !view.CIExists(id) {
			item.Err = domain.NotFoundError{Entity: domain.EntityCI, ID: id.String()}
			out = append(out, item)
			continue
		}
		ci := in.ci(id, layers, at)
		item.Value = []domain.EffectiveTrait{}
		for _, t := range traits {
			if et, ok := CalculateEffectiveTraitForCI(ci, in.relations[id], t, hints); ok {
				item.Value = append(item.Value, et)
			}
		}
		out = append(out, item)
	}
	return out, nil
}

// CalculateEffectiveTraitsForTrait returns the effective trait of every
// selected CI fulfilling traitID, sorted by CI id. Only CIs carrying all
// required attribute names are evaluated, and only the attributes and
// predicates the trait references are loaded.
func (m *EffectiveTraitModel) CalculateEffectiveTraitsForTrait(ctx context.Context, view TransactionView, traitID string, cis domain.CIIDSelection, layers domain.LayerSet, at domain.TimeThreshold) ([]domain.EffectiveTrait, error) {
	active, err := m.traits.ActiveTraits(view)
	if err != nil {
		return nil, err
	}
	trait, ok := active[traitID]
	if !ok {
		return nil, domain.UnknownTraitError{Trait: traitID}
	}
	at = at.Pin(m.attributes.clock.Now())
	candidates, err := m.precursors(ctx, view, trait, cis, layers, at)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []domain.EffectiveTrait{}, nil
	}
	in, err := m.load(ctx, view, domain.SpecificCIIDs(candidates...), []domain.GenericTrait{trait}, layers, at)
	if err != nil {
		return nil, err
	}
	hints := m.hintChecker(ctx, view, active, layers, at)
	out := []domain.EffectiveTrait{}
	for _, id := range candidates {
		if et, ok := CalculateEffectiveTraitForCI(in.ci(id, layers, at), in.relations[id], trait, hints); ok {
			out = append(out, et)
		}
	}
	return out, nil
}

// precursors narrows the selection to the CIs holding every required
// attribute name of trait. Without required attributes every selected CI is
// a candidate.
func (m *EffectiveTraitModel) precursors(ctx context.Context, view TransactionView, trait domain.GenericTrait, cis domain.CIIDSelection, layers domain.LayerSet, at domain.TimeThreshold) ([]CIID, error) {
	required := trait.RequiredAttributeNames()
	if len(required) == 0 {
		return selectedCIIDs(view, cis), nil
	}
	names := domain.NamedAttributes(required...)
	merged, err := m.attributes.GetMergedAttributes(ctx, view, cis, names, layers, at)
	if err != nil {
		return nil, err
	}
	want := len(names.Names())
	var out []CIID
	for id, byName := range merged {
		if len(byName) == want {
			out = append(out, id)
		}
	}
	domain.SortCIIDs(out)
	return out, nil
}

// GetMergedCIsWithTrait returns the merged CIs fulfilling traitID with all
// of their attributes.
func (m *EffectiveTraitModel) GetMergedCIsWithTrait(ctx context.Context, view TransactionView, traitID string, cis domain.CIIDSelection, layers domain.LayerSet, at domain.TimeThreshold) ([]domain.MergedCI, error) {
	at = at.Pin(m.attributes.clock.Now())
	ets, err := m.CalculateEffectiveTraitsForTrait(ctx, view, traitID, cis, layers, at)
	if err != nil {
		return nil, err
	}
	ids := make([]CIID, 0, len(ets))
	for _, et := range ets {
		ids = append(ids, et.CIID)
	}
	if len(ids) == 0 {
		return []domain.MergedCI{}, nil
	}
	return m.attributes.GetMergedCIs(ctx, view, domain.SpecificCIIDs(ids...), domain.AllAttributes(), true, layers, at)
}

// DoesCIHaveTrait reports whether the CI fulfills traitID.
func (m *EffectiveTraitModel) DoesCIHaveTrait(ctx context.Context, view TransactionView, ciid CIID, traitID string, layers domain.LayerSet, at domain.TimeThreshold) (bool, error) {
	ets, err := m.CalculateEffectiveTraitsForTrait(ctx, view, traitID, domain.SpecificCIIDs(ciid), layers, at)
	if err != nil {
		return false, err
	}
	return len(ets) > 0, nil
}
