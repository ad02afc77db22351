package core

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// CalculateTemplateErrorsAttribute checks one merged attribute against a
// template. A nil attribute is reported as missing.
func CalculateTemplateErrorsAttribute(attr *domain.MergedCIAttribute, tmpl domain.CIAttributeTemplate) []domain.TemplateError {
	if attr == nil {
		return []domain.TemplateError{domain.MissingAttributeError(tmpl.Name, tmpl.Type)}
	}
	value := attr.Attribute.Value
	var errs []domain.TemplateError
	if tmpl.Type != nil && value.Type != *tmpl.Type {
		errs = append(errs, domain.WrongTypeError([]domain.ValueType{*tmpl.Type}, value.Type))
	}
	if tmpl.IsArray != nil && value.IsArray != *tmpl.IsArray {
		errs = append(errs, domain.WrongMultiplicityError(*tmpl.IsArray))
	}
	for _, c := range tmpl.Constraints {
		errs = append(errs, checkConstraint(c, value)...)
	}
	return errs
}

func checkConstraint(c domain.ValueConstraint, value domain.AttributeValue) []domain.TemplateError {
	switch c.Kind {
	case domain.ConstraintTextLength:
		if !value.Type.IsText() {
			return []domain.TemplateError{domain.WrongTypeError([]domain.ValueType{domain.ValueTypeText, domain.ValueTypeMultilineText}, value.Type)}
		}
		var errs []domain.TemplateError
		for _, text := range value.Texts() {
			n := utf8.RuneCountInString(text)
			switch {
			case c.Max != nil && n > *c.Max:
				errs = append(errs, domain.GenericTemplateError("Text too long!"))
			case c.Min != nil && n < *c.Min:
				errs = append(errs, domain.GenericTemplateError("Text too short!"))
			}
		}
		return errs
	case domain.ConstraintArrayLength:
		if !value.IsArray {
			return []domain.TemplateError{domain.GenericTemplateError("array length constraint on scalar value!")}
		}
		n := value.Len()
		switch {
		case c.Max != nil && n > *c.Max:
			return []domain.TemplateError{domain.GenericTemplateError("Array too long!")}
		case c.Min != nil && n < *c.Min:
			return []domain.TemplateError{domain.GenericTemplateError("Array too short!")}
		}
		return nil
	case domain.ConstraintTextRegex:
		if !value.Type.IsText() {
			return []domain.TemplateError{domain.WrongTypeError([]domain.ValueType{domain.ValueTypeText, domain.ValueTypeMultilineText}, value.Type)}
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return []domain.TemplateError{domain.GenericTemplateError("invalid regex %q: %v", c.Pattern, err)}
		}
		var errs []domain.TemplateError
		for _, text := range value.Texts() {
			if !re.MatchString(text) {
				errs = append(errs, domain.GenericTemplateError("Regex %s did not match text %s", c.Pattern, text))
			}
		}
		return errs
	}
	return []domain.TemplateError{domain.GenericTemplateError("unknown constraint kind %q", c.Kind)}
}

// matchingRelations returns the relations of base that use the template's
// predicate in the template's direction.
func matchingRelations(base CIID, relations []domain.MergedRelation, tmpl domain.RelationTemplate) []domain.MergedRelation {
	var out []domain.MergedRelation
	for _, r := range relations {
		if r.Relation.PredicateID != tmpl.PredicateID {
			continue
		}
		if (tmpl.DirectionForward && r.Relation.FromCIID == base) || (!tmpl.DirectionForward && r.Relation.ToCIID == base) {
			out = append(out, r)
		}
	}
	return out
}

// CalculateTemplateErrorsRelation checks the relations of base against a
// relation template and returns the matching relations alongside the
// errors. Without an explicit minimum at least one relation is required.
func CalculateTemplateErrorsRelation(base CIID, relations []domain.MergedRelation, tmpl domain.RelationTemplate) ([]domain.MergedRelation, []domain.TemplateError) {
	found := matchingRelations(base, relations, tmpl)
	minimum := 1
	if tmpl.MinCardinality != nil {
		minimum = *tmpl.MinCardinality
	}
	var errs []domain.TemplateError
	if len(found) < minimum {
		errs = append(errs, domain.GenericTemplateError("too few relations (%d, minimum %d)", len(found), minimum))
	}
	if tmpl.MaxCardinality != nil && len(found) > *tmpl.MaxCardinality {
		errs = append(errs, domain.GenericTemplateError("too many relations (%d, maximum %d)", len(found), *tmpl.MaxCardinality))
	}
	return found, errs
}

// CalculateTemplateErrors validates a merged CI and its relations against a
// template. Violations are returned as data.
func CalculateTemplateErrors(ci domain.MergedCI, relations []domain.MergedRelation, tmpl domain.Template) domain.TemplateErrorsCI {
	out := domain.TemplateErrorsCI{CIID: ci.ID}
	for _, at := range tmpl.AttributeTemplates {
		var attr *domain.MergedCIAttribute
		if a, ok := ci.Attributes[at.Name]; ok {
			attr = &a
		}
		if errs := CalculateTemplateErrorsAttribute(attr, at); len(errs) > 0 {
			if out.AttributeErrors == nil {
				out.AttributeErrors = make(map[string][]domain.TemplateError)
			}
			out.AttributeErrors[at.Name] = append(out.AttributeErrors[at.Name], errs...)
		}
	}
	for _, rt := range tmpl.RelationTemplates {
		if _, errs := CalculateTemplateErrorsRelation(ci.ID, relations, rt); len(errs) > 0 {
			if out.RelationErrors == nil {
				out.RelationErrors = make(map[string][]domain.TemplateError)
			}
			key := fmt.Sprintf("%s (%s)", rt.PredicateID, rt.Direction())
			out.RelationErrors[key] = append(out.RelationErrors[key], errs...)
		}
	}
	return out
}
