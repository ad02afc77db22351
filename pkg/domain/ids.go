package domain

import (
	"regexp"
	"sort"

	"github.com/google/uuid"
)

// CIID identifies a configuration item. A CI has no inherent data; all of its
// attributes and relations are contributed by layers.
type CIID = uuid.UUID

// NewCIID returns a fresh random CI identifier.
func NewCIID() CIID { return uuid.New() }

// ParseCIID parses the canonical string form of a CI identifier.
func ParseCIID(s string) (CIID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, InvalidIDError{Kind: "ci", ID: s}
	}
	return id, nil
}

var (
	layerIDPattern     = regexp.MustCompile(`^[a-z0-9_.]+$`)
	predicateIDPattern = regexp.MustCompile(`^[a-z0-9_.]+$`)
	traitIDPattern     = regexp.MustCompile(`^[a-z0-9_.]+$`)
)

// ValidateLayerID checks the syntax of a layer identifier.
func ValidateLayerID(id string) error {
	if !layerIDPattern.MatchString(id) {
		return InvalidIDError{Kind: "layer", ID: id}
	}
	return nil
}

// ValidatePredicateID checks the syntax of a predicate identifier.
func ValidatePredicateID(id string) error {
	if !predicateIDPattern.MatchString(id) {
		return InvalidIDError{Kind: "predicate", ID: id}
	}
	return nil
}

// ValidateTraitID checks the syntax of a trait identifier.
func ValidateTraitID(id string) error {
	if !traitIDPattern.MatchString(id) {
		return InvalidIDError{Kind: "trait", ID: id}
	}
	return nil
}

// SortCIIDs orders ids by their string form, giving deterministic output.
func SortCIIDs(ids []CIID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
