package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
	"github.com/max-bytes/omnikeeper-sub003/pkg/pluginapi"
)

type stubPlugin struct {
	name      string
	traits    []domain.RecursiveTrait
	rules     []Rule
	templates []TemplateBinding
	err       error
}

func (p stubPlugin) Name() string    { return p.name }
func (p stubPlugin) Version() string { return "1.0.0" }

func (p stubPlugin) Register(registry pluginapi.Registry) error {
	if p.err != nil {
		return p.err
	}
	for _, t := range p.traits {
		if err := registry.RegisterTrait(t); err != nil {
			return err
		}
	}
	for _, r := range p.rules {
		registry.RegisterRule(r)
	}
	for _, b := range p.templates {
		if err := registry.RegisterTemplate(b); err != nil {
			return err
		}
	}
	return nil
}

type storeWithoutEngine struct {
	PersistentStore
}

func TestServiceInstallPlugin(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	plugin := stubPlugin{
		name:   "network",
		traits: []domain.RecursiveTrait{nicTrait()},
		templates: []TemplateBinding{{
			Name:   "host_needs_hostname",
			Layers: domain.NewLayerSet("base"),
			Applies: func(ci domain.MergedCI) bool {
				_, ok := ci.Attributes["os"]
				return ok
			},
			Template: domain.Template{AttributeTemplates: []domain.CIAttributeTemplate{domain.AttributeTemplate("hostname", domain.ValueTypeText, false)}},
		}},
	}

	meta, err := svc.InstallPlugin(plugin)
	if err != nil {
		t.Fatalf("install plugin: %v", err)
	}
	if strings.Join(meta.Traits, ",") != "nic" || strings.Join(meta.Rules, ",") != "network_templates" || strings.Join(meta.Templates, ",") != "host_needs_hostname" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if _, err := svc.InstallPlugin(plugin); err == nil {
		t.Fatalf("expected duplicate plugin install to fail")
	}
	if got := svc.RegisteredPlugins(); len(got) != 1 || got[0].Version != "1.0.0" {
		t.Fatalf("unexpected registered plugins %+v", got)
	}

	active, err := svc.ActiveTraits(ctx)
	if err != nil {
		t.Fatalf("active traits: %v", err)
	}
	var nic domain.GenericTrait
	for _, tr := range active {
		if tr.ID == "nic" {
			nic = tr
		}
	}
	if nic.Origin.Type != domain.TraitOriginPlugin || nic.Origin.Info != "network" {
		t.Fatalf("expected plugin origin, got %+v", nic.Origin)
	}
	if _, _, err := svc.PutTrait(ctx, nicTrait()); err == nil {
		t.Fatalf("expected plugin trait id to be reserved")
	}

	_, res, err := svc.InsertAttribute(ctx, testActor, "base", domain.NewCIID(), "os", domain.TextValue("linux"), ForceWrite())
	if err != nil {
		t.Fatalf("template warnings must not block: %v", err)
	}
	if len(res.Violations) != 1 || res.Violations[0].Rule != "network_templates" || res.Violations[0].Severity != domain.SeverityWarn {
		t.Fatalf("expected one template warning, got %+v", res.Violations)
	}
}

func TestServiceInstallPluginFailures(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.InstallPlugin(nil); err == nil {
		t.Fatalf("expected nil plugin to fail")
	}
	boom := errors.New("boom")
	if _, err := svc.InstallPlugin(stubPlugin{name: "broken", err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected register error, got %v", err)
	}
	if _, err := svc.InstallPlugin(stubPlugin{name: "core_clash", traits: []domain.RecursiveTrait{domain.NewTraitBuilder(NamedTraitID).MustBuild()}}); err == nil {
		t.Fatalf("expected core trait clash to fail")
	}
	if _, err := svc.InstallPlugin(stubPlugin{name: "first", traits: []domain.RecursiveTrait{nicTrait()}}); err != nil {
		t.Fatalf("install first: %v", err)
	}
	if _, err := svc.InstallPlugin(stubPlugin{name: "second", traits: []domain.RecursiveTrait{nicTrait()}}); err == nil {
		t.Fatalf("expected trait clash between plugins to fail")
	}
	if got := svc.RegisteredPlugins(); len(got) != 1 || got[0].Name != "first" {
		t.Fatalf("failed installs must not register: %+v", got)
	}

	bare := NewService(storeWithoutEngine{svc.Store()})
	_, err := bare.InstallPlugin(stubPlugin{name: "rules", rules: []Rule{NewLayerStateRule()}})
	if !errors.Is(err, ErrNoRulesEngine) {
		t.Fatalf("expected ErrNoRulesEngine, got %v", err)
	}
	if _, err := bare.InstallPlugin(stubPlugin{name: "traits_only", traits: []domain.RecursiveTrait{hostTrait()}}); err != nil {
		t.Fatalf("trait-only plugin needs no rules engine: %v", err)
	}
}

func TestServiceInstallPluginRejectsUnresolvableTraits(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	orphan := stubPlugin{
		name: "storage",
		traits: []domain.RecursiveTrait{
			domain.NewTraitBuilder("disk").MustBuild(),
			domain.NewTraitBuilder("volume").Inherit("missing").MustBuild(),
		},
		rules: []Rule{NewLayerStateRule()},
	}
	_, err := svc.InstallPlugin(orphan)
	var unknown domain.UnknownTraitError
	if !errors.As(err, &unknown) || unknown.Trait != "missing" {
		t.Fatalf("expected unknown trait error, got %v", err)
	}
	if got := svc.RegisteredPlugins(); len(got) != 0 {
		t.Fatalf("rejected plugin must not register: %+v", got)
	}
	if _, _, err := svc.PutTrait(ctx, domain.NewTraitBuilder("disk").MustBuild()); err != nil {
		t.Fatalf("ids of a rejected plugin stay free: %v", err)
	}
	if _, err := svc.ActiveTraits(ctx); err != nil {
		t.Fatalf("trait reads must keep working: %v", err)
	}

	// a inherits the data trait b, then a second plugin redefines b on top of a.
	if _, _, err := svc.PutTrait(ctx, domain.NewTraitBuilder("b").MustBuild()); err != nil {
		t.Fatalf("put data trait: %v", err)
	}
	if _, err := svc.InstallPlugin(stubPlugin{name: "alpha", traits: []domain.RecursiveTrait{domain.NewTraitBuilder("a").Inherit("b").MustBuild()}}); err != nil {
		t.Fatalf("install alpha: %v", err)
	}
	_, err = svc.InstallPlugin(stubPlugin{name: "beta", traits: []domain.RecursiveTrait{domain.NewTraitBuilder("b").Inherit("a").MustBuild()}})
	var cycle domain.TraitCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected trait cycle error, got %v", err)
	}
	if got := svc.RegisteredPlugins(); len(got) != 1 || got[0].Name != "alpha" {
		t.Fatalf("unexpected registered plugins %+v", got)
	}
	active, err := svc.ActiveTraits(ctx)
	if err != nil {
		t.Fatalf("trait reads must keep working after a rejected cycle: %v", err)
	}
	for _, tr := range active {
		if tr.ID == "b" && tr.Origin.Type != domain.TraitOriginData {
			t.Fatalf("b must stay a data trait, got %+v", tr.Origin)
		}
	}
}

func TestPluginRegistryValidation(t *testing.T) {
	registry := NewPluginRegistry()
	if err := registry.RegisterTrait(domain.RecursiveTrait{ID: "Bad Id"}); err == nil {
		t.Fatalf("expected invalid trait id to fail")
	}
	if err := registry.RegisterTrait(nicTrait()); err != nil {
		t.Fatalf("register trait: %v", err)
	}
	if err := registry.RegisterTrait(nicTrait()); err == nil {
		t.Fatalf("expected duplicate trait to fail")
	}
	if err := registry.RegisterTemplate(TemplateBinding{Layers: domain.NewLayerSet("base")}); err == nil {
		t.Fatalf("expected unnamed binding to fail")
	}
	if err := registry.RegisterTemplate(TemplateBinding{Name: "x"}); err == nil {
		t.Fatalf("expected binding without layers to fail")
	}
	registry.RegisterRule(nil)
	if len(registry.Rules()) != 0 {
		t.Fatalf("nil rules are ignored")
	}
}
