package pluginapi

import (
	"testing"

	"github.com/max-bytes/omnikeeper-sub003/testutil"
)

type recordingRegistry struct {
	traits []RecursiveTrait
	rules  []Rule
}

func (r *recordingRegistry) RegisterTrait(t RecursiveTrait) error {
	r.traits = append(r.traits, t)
	return nil
}

func (r *recordingRegistry) RegisterTemplate(TemplateBinding) error { return nil }

func (r *recordingRegistry) RegisterRule(rule Rule) { r.rules = append(r.rules, rule) }

type minimalPlugin struct{}

func (minimalPlugin) Name() string    { return "minimal" }
func (minimalPlugin) Version() string { return Version }

func (minimalPlugin) Register(reg Registry) error {
	return reg.RegisterTrait(NewTraitBuilder("service").
		Require("port", AttributeTemplate("port", ValueTypeInteger, false)).
		MustBuild())
}

func TestPluginRegistersThroughFacade(t *testing.T) {
	var p Plugin = minimalPlugin{}
	reg := &recordingRegistry{}
	if err := p.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(reg.traits) != 1 || reg.traits[0].ID != "service" {
		t.Fatalf("unexpected traits %+v", reg.traits)
	}
	if p.Version() != "v1" {
		t.Fatalf("unexpected version %s", p.Version())
	}
}

func TestNewViolation(t *testing.T) {
	v := NewViolation("r", SeverityBlock, "msg", EntityRelation, "id")
	res := Result{Violations: []Violation{v}}
	if !res.HasBlocking() || v.Rule != "r" || v.EntityID != "id" {
		t.Fatalf("unexpected violation %+v", v)
	}
}

// The facade may only depend on the domain package and the standard library.
func TestFacadeImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".",
		testutil.AnyOf(testutil.InternalImportForbidden, testutil.ThirdPartyImportForbidden(testutil.Module+"/pkg/domain")),
		"the plugin facade re-exports the domain model only")
}
