package traitfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/max-bytes/omnikeeper-sub003/internal/core"
	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

const sample = `
traits:
  - id: linux_host
    required_attributes:
      - identifier: kernel
        template:
          name: kernel
          type: text
    required_traits: [host]
  - id: host
    required_attributes:
      - identifier: hostname
        template:
          name: hostname
          type: text
          constraints:
            - kind: text_length
              min: 1
              max: 253
    optional_attributes:
      - identifier: ips
        template: {name: ip_addresses, type: text, is_array: true}
    optional_relations:
      - identifier: runs_on
        template:
          predicate_id: runs_on
          direction_forward: true
          max_cardinality: 1
`

func TestParse(t *testing.T) {
	traits, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, traits, 2)

	host := traits[1]
	assert.Equal(t, "host", host.ID)
	assert.Equal(t, domain.TraitOriginData, host.Origin.Type)
	require.Len(t, host.RequiredAttributes, 1)
	tmpl := host.RequiredAttributes[0].Template
	require.NotNil(t, tmpl.Type)
	assert.Equal(t, domain.ValueTypeText, *tmpl.Type)
	require.Len(t, tmpl.Constraints, 1)
	assert.Equal(t, domain.ConstraintTextLength, tmpl.Constraints[0].Kind)
	assert.Equal(t, 253, *tmpl.Constraints[0].Max)
	assert.True(t, *host.OptionalAttributes[0].Template.IsArray)
	assert.Equal(t, 1, *host.OptionalRelations[0].Template.MaxCardinality)
	assert.Equal(t, []string{"host"}, traits[0].RequiredTraits)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown field": "traits:\n  - id: host\n    required_attrs: []\n",
		"invalid id":    "traits:\n  - id: Host-Name\n",
		"duplicate":     "traits:\n  - id: host\n  - id: host\n",
		"bad type":      "traits:\n  - id: host\n    required_attributes:\n      - identifier: x\n        template: {name: x, type: blob}\n",
		"not yaml":      "traits: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}

	traits, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, traits)
}

func TestLoadAndApply(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "traits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	traits, err := Load(path)
	require.NoError(t, err)

	svc := core.NewInMemoryService(core.NewDefaultRulesEngine())
	n, err := Apply(ctx, svc, traits)
	require.NoError(t, err, "linux_host must be stored after host")
	assert.Equal(t, 2, n)

	active, err := svc.ActiveTraits(ctx)
	require.NoError(t, err)
	ids := map[string]domain.GenericTrait{}
	for _, g := range active {
		ids[g.ID] = g
	}
	require.Contains(t, ids, "linux_host")
	assert.Contains(t, ids["linux_host"].AncestorTraits, "host")
	assert.ElementsMatch(t, []string{"hostname", "kernel"}, ids["linux_host"].RequiredAttributeNames())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	svc := core.NewInMemoryService(core.NewDefaultRulesEngine())
	traits := []domain.RecursiveTrait{
		domain.NewTraitBuilder("service").MustBuild(),
		domain.NewTraitBuilder(core.NamedTraitID).MustBuild(),
		domain.NewTraitBuilder("other").MustBuild(),
	}
	n, err := Apply(ctx, svc, traits)
	require.Error(t, err, "core trait ids are reserved")
	assert.Equal(t, 1, n)
}

func TestMarshalRoundTrip(t *testing.T) {
	traits, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	out, err := Marshal(traits)
	require.NoError(t, err)
	again, err := Parse(strings.NewReader(string(out)))
	require.NoError(t, err)
	assert.Equal(t, traits, again)
}

func TestDependencyOrderKeepsCyclesInPlace(t *testing.T) {
	a := domain.RecursiveTrait{ID: "a", RequiredTraits: []string{"b"}}
	b := domain.RecursiveTrait{ID: "b", RequiredTraits: []string{"a"}}
	c := domain.RecursiveTrait{ID: "c"}
	got := dependencyOrder([]domain.RecursiveTrait{c, a, b})
	ids := make([]string, len(got))
	for i, t := range got {
		ids[i] = t.ID
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
}
