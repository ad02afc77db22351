package domain

import (
	"fmt"
	"strings"
)

// CIAttributeTemplate describes the expected shape of one attribute.
// Nil fields are not checked.
type CIAttributeTemplate struct {
	Name        string            `json:"name" yaml:"name"`
	Type        *ValueType        `json:"type,omitempty" yaml:"type,omitempty"`
	IsArray     *bool             `json:"is_array,omitempty" yaml:"is_array,omitempty"`
	IsID        *bool             `json:"is_id,omitempty" yaml:"is_id,omitempty"`
	Constraints []ValueConstraint `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// AttributeTemplate is a shorthand constructor for typed templates.
func AttributeTemplate(name string, t ValueType, isArray bool, constraints ...ValueConstraint) CIAttributeTemplate {
	return CIAttributeTemplate{Name: name, Type: &t, IsArray: &isArray, Constraints: constraints}
}

// ConstraintKind tags the variant of a ValueConstraint.
type ConstraintKind string

// Supported value constraints.
const (
	ConstraintTextLength  ConstraintKind = "text_length"
	ConstraintArrayLength ConstraintKind = "array_length"
	ConstraintTextRegex   ConstraintKind = "text_regex"
)

// ValueConstraint restricts the value of an attribute. Min/Max apply to the
// length kinds, Pattern to the regex kind.
type ValueConstraint struct {
	Kind    ConstraintKind `json:"kind" yaml:"kind"`
	Min     *int           `json:"min,omitempty" yaml:"min,omitempty"`
	Max     *int           `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern string         `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// TextLength constrains the length of every text element.
func TextLength(min, max *int) ValueConstraint {
	return ValueConstraint{Kind: ConstraintTextLength, Min: min, Max: max}
}

// ArrayLength constrains the number of elements of an array value.
func ArrayLength(min, max *int) ValueConstraint {
	return ValueConstraint{Kind: ConstraintArrayLength, Min: min, Max: max}
}

// TextRegex requires every text element to match pattern.
func TextRegex(pattern string) ValueConstraint {
	return ValueConstraint{Kind: ConstraintTextRegex, Pattern: pattern}
}

// IntPtr is a helper for optional bounds.
func IntPtr(v int) *int { return &v }

// RelationTemplate describes a relation a CI is expected to have.
type RelationTemplate struct {
	PredicateID      string   `json:"predicate_id" yaml:"predicate_id"`
	DirectionForward bool     `json:"direction_forward" yaml:"direction_forward"`
	MinCardinality   *int     `json:"min_cardinality,omitempty" yaml:"min_cardinality,omitempty"`
	MaxCardinality   *int     `json:"max_cardinality,omitempty" yaml:"max_cardinality,omitempty"`
	TraitHints       []string `json:"trait_hints,omitempty" yaml:"trait_hints,omitempty"`
}

// Direction returns the relation direction the template refers to.
func (t RelationTemplate) Direction() Direction {
	if t.DirectionForward {
		return DirectionForward
	}
	return DirectionBackward
}

// Template groups attribute and relation templates for validation.
type Template struct {
	AttributeTemplates []CIAttributeTemplate `json:"attribute_templates"`
	RelationTemplates  []RelationTemplate    `json:"relation_templates"`
}

// TemplateErrorKind classifies a template violation.
type TemplateErrorKind string

// Template error kinds.
const (
	TemplateErrorMissing           TemplateErrorKind = "missing"
	TemplateErrorWrongType         TemplateErrorKind = "wrong_type"
	TemplateErrorWrongMultiplicity TemplateErrorKind = "wrong_multiplicity"
	TemplateErrorGeneric           TemplateErrorKind = "generic"
)

// TemplateError is one violation of a template.
type TemplateError struct {
	Kind    TemplateErrorKind `json:"kind"`
	Message string            `json:"message"`
}

func (e TemplateError) String() string { return e.Message }

// MissingAttributeError builds the error for an absent attribute.
func MissingAttributeError(name string, t *ValueType) TemplateError {
	typeName := "any"
	if t != nil {
		typeName = string(*t)
	}
	return TemplateError{Kind: TemplateErrorMissing, Message: fmt.Sprintf("attribute %q of type %q is missing!", name, typeName)}
}

// WrongTypeError builds the error for an attribute of the wrong type.
func WrongTypeError(want []ValueType, got ValueType) TemplateError {
	names := make([]string, len(want))
	for i, w := range want {
		names[i] = string(w)
	}
	return TemplateError{Kind: TemplateErrorWrongType, Message: fmt.Sprintf("attribute must be (one) of type %q, is type %q!", strings.Join(names, ", "), got)}
}

// WrongMultiplicityError builds the error for scalar/array mismatches.
func WrongMultiplicityError(wantArray bool) TemplateError {
	if wantArray {
		return TemplateError{Kind: TemplateErrorWrongMultiplicity, Message: "attribute must be array, is scalar!"}
	}
	return TemplateError{Kind: TemplateErrorWrongMultiplicity, Message: "attribute must be scalar, is array!"}
}

// GenericTemplateError builds a free-form error.
func GenericTemplateError(format string, args ...any) TemplateError {
	return TemplateError{Kind: TemplateErrorGeneric, Message: fmt.Sprintf(format, args...)}
}

// TemplateErrorsCI is the structured validation report of one CI. It is a
// return value, never raised as a Go error.
type TemplateErrorsCI struct {
	CIID            CIID                       `json:"ci_id"`
	AttributeErrors map[string][]TemplateError `json:"attribute_errors,omitempty"`
	RelationErrors  map[string][]TemplateError `json:"relation_errors,omitempty"`
}

// IsEmpty reports whether the CI passed validation.
func (t TemplateErrorsCI) IsEmpty() bool {
	return len(t.AttributeErrors) == 0 && len(t.RelationErrors) == 0
}

// Count returns the total number of errors.
func (t TemplateErrorsCI) Count() int {
	n := 0
	for _, errs := range t.AttributeErrors {
		n += len(errs)
	}
	for _, errs := range t.RelationErrors {
		n += len(errs)
	}
	return n
}

// TemplateBinding attaches a template to the CIs it applies to when merged
// across Layers. A nil Applies matches every CI.
type TemplateBinding struct {
	Name     string
	Layers   LayerSet
	Applies  func(MergedCI) bool
	Template Template
}
