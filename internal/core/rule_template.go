package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// TemplateBinding attaches a template to the CIs it applies to.
type TemplateBinding = domain.TemplateBinding

// NewTemplateRule returns a rule validating every CI touched by a transaction
// against the bindings. Violations are warnings and never block a commit.
// A binding naming a layer that does not exist yet is skipped.
func NewTemplateRule(name string, clock Clock, bindings ...TemplateBinding) domain.Rule {
	if name == "" {
		name = "template"
	}
	return templateRule{
		name:       name,
		attributes: NewAttributeModel(clock, defaultMergeFanout),
		relations:  NewRelationModel(clock, defaultMergeFanout),
		bindings:   append([]TemplateBinding(nil), bindings...),
	}
}

type templateRule struct {
	name       string
	attributes *AttributeModel
	relations  *RelationModel
	bindings   []TemplateBinding
}

func (r templateRule) Name() string { return r.name }

// touched returns the CIs written by changes and a threshold that sees every
// one of the written facts.
func touched(changes []domain.Change) ([]CIID, domain.TimeThreshold) {
	seen := make(map[CIID]struct{})
	var latest time.Time
	note := func(id CIID, ts time.Time) {
		seen[id] = struct{}{}
		if ts.After(latest) {
			latest = ts
		}
	}
	for _, change := range changes {
		switch fact := change.After.(type) {
		case domain.CIAttribute:
			note(fact.CIID, fact.Timestamp)
		case domain.Relation:
			note(fact.FromCIID, fact.Timestamp)
			note(fact.ToCIID, fact.Timestamp)
		}
	}
	ids := make([]CIID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	domain.SortCIIDs(ids)
	if latest.IsZero() {
		return ids, domain.LatestTime()
	}
	return ids, domain.AtTime(latest)
}

func (r templateRule) Evaluate(ctx context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	ids, at := touched(changes)
	if len(ids) == 0 {
		return res, nil
	}
	for _, b := range r.bindings {
		if requireLayers(view, b.Layers) != nil {
			// inactive until every layer of the binding exists
			continue
		}
		cis, err := r.attributes.GetMergedCIs(ctx, view, domain.SpecificCIIDs(ids...), domain.AllAttributes(), true, b.Layers, at)
		if err != nil {
			return domain.Result{}, err
		}
		for _, ci := range cis {
			if b.Applies != nil && !b.Applies(ci) {
				continue
			}
			relations, err := r.relations.GetMergedRelations(ctx, view, domain.RelationsFromOrTo(ci.ID), b.Layers, at, ApplyMasks())
			if err != nil {
				return domain.Result{}, err
			}
			errs := CalculateTemplateErrors(ci, relations, b.Template)
			if errs.IsEmpty() {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.name,
				Severity: domain.SeverityWarn,
				Message:  fmt.Sprintf("ci %s violates template %s: %s", ci.ID, b.Name, summarizeTemplateErrors(errs)),
				Entity:   domain.EntityCI,
				EntityID: ci.ID.String(),
			})
		}
	}
	return res, nil
}

func summarizeTemplateErrors(errs domain.TemplateErrorsCI) string {
	var parts []string
	for _, name := range sortedKeys(errs.AttributeErrors) {
		for _, e := range errs.AttributeErrors[name] {
			parts = append(parts, name+": "+e.Message)
		}
	}
	for _, key := range sortedKeys(errs.RelationErrors) {
		for _, e := range errs.RelationErrors[key] {
			parts = append(parts, key+": "+e.Message)
		}
	}
	return strings.Join(parts, "; ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
