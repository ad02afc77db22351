package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConfiguration classifies errors caused by invalid configuration (layer
// names, trait definitions, identifiers). They are raised before any data is
// read and are never retried.
var ErrConfiguration = errors.New("configuration error")

// Write validation errors.
var (
	ErrAttributeNotFound = errors.New("attribute not found")
	ErrRelationNotFound  = errors.New("relation not found")
	ErrInvalidRelation   = errors.New("invalid relation")
	ErrInvalidAttribute  = errors.New("invalid attribute")
)

// UnknownLayerError is returned when a layer name cannot be resolved.
type UnknownLayerError struct {
	Layer string
}

func (e UnknownLayerError) Error() string { return fmt.Sprintf("unknown layer %q", e.Layer) }

// Is classifies the error as a configuration error.
func (e UnknownLayerError) Is(target error) bool { return target == ErrConfiguration }

// TraitCycleError reports a cycle in the required-traits graph.
type TraitCycleError struct {
	Path []string
}

func (e TraitCycleError) Error() string {
	return fmt.Sprintf("cyclic trait ancestry: %s", strings.Join(e.Path, " -> "))
}

// Is classifies the error as a configuration error.
func (e TraitCycleError) Is(target error) bool { return target == ErrConfiguration }

// UnknownTraitError is returned when a trait references an ancestor that is not defined.
type UnknownTraitError struct {
	Trait    string
	Referrer string
}

func (e UnknownTraitError) Error() string {
	if e.Referrer == "" {
		return fmt.Sprintf("unknown trait %q", e.Trait)
	}
	return fmt.Sprintf("trait %q requires unknown trait %q", e.Referrer, e.Trait)
}

// Is classifies the error as a configuration error.
func (e UnknownTraitError) Is(target error) bool { return target == ErrConfiguration }

// InvalidTraitError reports a malformed trait definition.
type InvalidTraitError struct {
	Trait  string
	Reason string
}

func (e InvalidTraitError) Error() string {
	return fmt.Sprintf("invalid trait %q: %s", e.Trait, e.Reason)
}

// Is classifies the error as a configuration error.
func (e InvalidTraitError) Is(target error) bool { return target == ErrConfiguration }

// InvalidIDError reports an identifier that does not match its syntax.
type InvalidIDError struct {
	Kind string
	ID   string
}

func (e InvalidIDError) Error() string { return fmt.Sprintf("invalid %s id %q", e.Kind, e.ID) }

// Is classifies the error as a configuration error.
func (e InvalidIDError) Is(target error) bool { return target == ErrConfiguration }

// NotFoundError is returned when a referenced record must exist but does not.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Entity, e.ID) }

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool { return errors.Is(err, ErrConfiguration) }
