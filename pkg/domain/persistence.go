package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TransactionView provides read-only access to a consistent snapshot of the
// fact store. All merge and trait calculations read through a view.
type TransactionView interface {
	FindLayer(id string) (Layer, bool)
	ListLayers() []Layer
	FindPredicate(id string) (Predicate, bool)
	ListPredicates() []Predicate
	FindChangeset(id uuid.UUID) (Changeset, bool)
	// ListChangesets returns the changesets of the given layers written in
	// [from, to], newest first. An empty layer list matches every layer.
	ListChangesets(layerIDs []string, from, to time.Time) []Changeset
	CIExists(id CIID) bool
	ListCIIDs() []CIID
	ListRecursiveTraits() []RecursiveTrait

	// LatestAttributes returns, per (CI, name), the latest fact of the layer
	// written at or before at. Keys whose latest fact is a removal are omitted.
	LatestAttributes(layerID string, cis CIIDSelection, attrs AttributeSelection, at time.Time) []CIAttribute
	// LatestRelations returns, per (from, to, predicate), the latest fact of
	// the layer written at or before at. Removals are omitted; masks are kept.
	LatestRelations(layerID string, sel RelationSelection, at time.Time) []Relation
	// AttributeHistory returns every fact of one (CI, name) in the layer, oldest first.
	AttributeHistory(layerID string, ciid CIID, name string) []CIAttribute
	// RelationHistory returns every fact of one relation key in the layer, oldest first.
	RelationHistory(layerID string, key RelationKey) []Relation
	AttributesOfChangeset(id uuid.UUID) []CIAttribute
	RelationsOfChangeset(id uuid.UUID) []Relation
	CountFacts(layerID string) FactCounts
}

// Transaction exposes the mutations a persistence implementation must support
// within an atomic scope. Facts are append-only.
type Transaction interface {
	TransactionView
	Snapshot() TransactionView
	CreateLayer(Layer) (Layer, error)
	UpdateLayer(id string, mutator func(*Layer) error) (Layer, error)
	CreatePredicate(Predicate) (Predicate, error)
	UpdatePredicate(id string, mutator func(*Predicate) error) (Predicate, error)
	CreateCI(id CIID) error
	CreateChangeset(Changeset) (Changeset, error)
	AppendAttribute(CIAttribute) (CIAttribute, error)
	AppendRelation(Relation) (Relation, error)
	PutRecursiveTrait(RecursiveTrait) (RecursiveTrait, error)
	DeleteRecursiveTrait(id string) error
	// DeleteEmptyChangesets removes changesets older than the cut-off that
	// carry no facts and returns how many were removed.
	DeleteEmptyChangesets(olderThan time.Time) int
}

// PersistentStore is a minimal abstraction over durable backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
