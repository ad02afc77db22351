// Package pluginapi provides a stable surface for plugin authors by re-exporting
// selected domain concepts and rule evaluation primitives.
package pluginapi

import "github.com/max-bytes/omnikeeper-sub003/pkg/domain"

// Rule evaluation and result aliases.
type (
	// Rule is an alias of domain.Rule representing a validation hook.
	Rule = domain.Rule
	// RuleView is an alias of domain.RuleView providing a read-only view to rules.
	RuleView = domain.RuleView
	// Change is an alias of domain.Change describing a mutation considered by rules.
	Change = domain.Change
	// Result is an alias of domain.Result aggregating rule violations.
	Result = domain.Result
	// Violation is an alias of domain.Violation detailing a single rule outcome.
	Violation = domain.Violation
	Severity  = domain.Severity
)

// Trait and template aliases.
type (
	RecursiveTrait      = domain.RecursiveTrait
	TraitBuilder        = domain.TraitBuilder
	CIAttributeTemplate = domain.CIAttributeTemplate
	RelationTemplate    = domain.RelationTemplate
	ValueConstraint     = domain.ValueConstraint
	ValueType           = domain.ValueType
	Template            = domain.Template
	TemplateBinding     = domain.TemplateBinding
	LayerSet            = domain.LayerSet
	// MergedCI is the view a TemplateBinding's Applies predicate receives.
	MergedCI          = domain.MergedCI
	MergedCIAttribute = domain.MergedCIAttribute
	// CIAttribute is the After payload of attribute changes.
	CIAttribute    = domain.CIAttribute
	AttributeValue = domain.AttributeValue
	CIID           = domain.CIID
)

// Severity level aliases.
const (
	SeverityBlock = domain.SeverityBlock // Block execution
	SeverityWarn  = domain.SeverityWarn  // Warn but continue
	SeverityLog   = domain.SeverityLog   // Log only
)

// Change action aliases.
const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)

// Entity type aliases.
const (
	EntityLayer     = domain.EntityLayer
	EntityPredicate = domain.EntityPredicate
	EntityChangeset = domain.EntityChangeset
	EntityAttribute = domain.EntityAttribute
	EntityRelation  = domain.EntityRelation
	EntityTrait     = domain.EntityTrait
)

// Value type aliases.
const (
	ValueTypeText          = domain.ValueTypeText
	ValueTypeMultilineText = domain.ValueTypeMultilineText
	ValueTypeInteger       = domain.ValueTypeInteger
	ValueTypeDouble        = domain.ValueTypeDouble
	ValueTypeBoolean       = domain.ValueTypeBoolean
	ValueTypeJSON          = domain.ValueTypeJSON
	ValueTypeGUID          = domain.ValueTypeGUID
	ValueTypeTimestamp     = domain.ValueTypeTimestamp
)

// NewTraitBuilder starts a trait definition. See domain.NewTraitBuilder.
func NewTraitBuilder(id string) *TraitBuilder { return domain.NewTraitBuilder(id) }

// AttributeTemplate builds a typed attribute template.
func AttributeTemplate(name string, t ValueType, isArray bool, constraints ...ValueConstraint) CIAttributeTemplate {
	return domain.AttributeTemplate(name, t, isArray, constraints...)
}

// TextValue builds a single-line text value.
func TextValue(v string) AttributeValue { return domain.TextValue(v) }

// NewLayerSet returns an ordered layer set; later layers override earlier ones.
func NewLayerSet(ids ...string) LayerSet { return domain.NewLayerSet(ids...) }

// TextLength constrains the length of text values.
func TextLength(min, max *int) ValueConstraint { return domain.TextLength(min, max) }

// TextRegex constrains text values to a pattern.
func TextRegex(pattern string) ValueConstraint { return domain.TextRegex(pattern) }

// IntPtr returns a pointer to v, for cardinalities and length bounds.
func IntPtr(v int) *int { return domain.IntPtr(v) }

// NewViolation builds a violation attributed to rule.
func NewViolation(rule string, severity Severity, message string, entity domain.EntityType, entityID string) Violation {
	return Violation{Rule: rule, Severity: severity, Message: message, Entity: entity, EntityID: entityID}
}
