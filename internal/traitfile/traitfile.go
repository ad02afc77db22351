// Package traitfile loads data trait definitions from YAML documents.
//
// A document holds a single "traits" list whose entries use the field names
// of domain.RecursiveTrait:
//
//	traits:
//	  - id: host
//	    required_attributes:
//	      - identifier: hostname
//	        template: {name: hostname, type: text}
//	    required_traits: [named]
//
// Unknown fields are rejected so typos do not silently drop constraints.
package traitfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/max-bytes/omnikeeper-sub003/internal/core"
	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// Document is the top-level shape of a trait file.
type Document struct {
	Traits []domain.RecursiveTrait `yaml:"traits"`
}

// TraitWriter stores data traits.
type TraitWriter interface {
	PutTrait(ctx context.Context, trait domain.RecursiveTrait) (domain.RecursiveTrait, core.Result, error)
}

// Parse decodes and validates a trait document. Every trait is validated in
// isolation; ancestor resolution happens when the traits are stored.
func Parse(r io.Reader) ([]domain.RecursiveTrait, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode trait file: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Traits))
	for i := range doc.Traits {
		t := &doc.Traits[i]
		t.Origin = domain.TraitOrigin{Type: domain.TraitOriginData}
		if err := domain.ValidateRecursiveTrait(*t); err != nil {
			return nil, fmt.Errorf("trait #%d: %w", i+1, err)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, fmt.Errorf("trait %s defined twice", t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return doc.Traits, nil
}

// Load reads and parses the trait file at path.
func Load(path string) ([]domain.RecursiveTrait, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("read trait file: %w", err)
	}
	traits, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return traits, nil
}

// Apply stores traits so that every trait follows the traits of the same
// file it requires. Traits already known to the writer may be required in
// any order. It returns the number of traits written before the first
// failure.
func Apply(ctx context.Context, w TraitWriter, traits []domain.RecursiveTrait) (int, error) {
	for i, t := range dependencyOrder(traits) {
		if _, _, err := w.PutTrait(ctx, t); err != nil {
			return i, fmt.Errorf("store trait %s: %w", t.ID, err)
		}
	}
	return len(traits), nil
}

// dependencyOrder sorts traits so in-file ancestors come first, keeping file
// order otherwise. Traits on a cycle keep their position and fail on write.
func dependencyOrder(traits []domain.RecursiveTrait) []domain.RecursiveTrait {
	index := make(map[string]int, len(traits))
	for i, t := range traits {
		index[t.ID] = i
	}
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(traits))
	out := make([]domain.RecursiveTrait, 0, len(traits))
	var visit func(i int)
	visit = func(i int) {
		if state[i] != unvisited {
			return
		}
		state[i] = visiting
		for _, parent := range traits[i].RequiredTraits {
			if j, ok := index[parent]; ok {
				visit(j)
			}
		}
		state[i] = done
		out = append(out, traits[i])
	}
	for i := range traits {
		visit(i)
	}
	return out
}

// Marshal renders traits as a trait document. Origins are dropped since a
// file only ever carries data traits.
func Marshal(traits []domain.RecursiveTrait) ([]byte, error) {
	doc := Document{Traits: make([]domain.RecursiveTrait, len(traits))}
	for i, t := range traits {
		t.Origin = domain.TraitOrigin{}
		doc.Traits[i] = t
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode trait file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode trait file: %w", err)
	}
	return buf.Bytes(), nil
}
