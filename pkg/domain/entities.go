// Package domain defines the configuration items, layers, facts, traits and
// rule evaluation primitives shared by the merge engine and its stores.
package domain

// EntityType identifies the type of record stored in the fact store.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityCI identifies a configuration item.
	EntityCI EntityType = "ci"
	// EntityLayer identifies a layer record.
	EntityLayer EntityType = "layer"
	// EntityPredicate identifies a relation predicate.
	EntityPredicate EntityType = "predicate"
	// EntityChangeset identifies a changeset record.
	EntityChangeset EntityType = "changeset"
	// EntityAttribute identifies an attribute fact.
	EntityAttribute EntityType = "attribute"
	// EntityRelation identifies a relation fact.
	EntityRelation EntityType = "relation"
	// EntityTrait identifies a stored trait definition.
	EntityTrait EntityType = "trait"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported mutations captured in the audit trail.
const (
	// ActionCreate indicates an entity or fact was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated or a fact superseded.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}

// ItemResult carries the outcome of one item of a batch operation so a single
// failing item does not abort the rest of the batch.
type ItemResult[T any] struct {
	ID    CIID
	Value T
	Err   error
}

// OK reports whether the item was evaluated without error.
func (r ItemResult[T]) OK() bool { return r.Err == nil }
