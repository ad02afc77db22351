package core

import (
	"fmt"
	"sort"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
	"github.com/max-bytes/omnikeeper-sub003/pkg/pluginapi"
)

// Plugin describes an extension that contributes traits, rules and templates.
type Plugin = pluginapi.Plugin

var _ pluginapi.Registry = (*PluginRegistry)(nil)

// PluginRegistry accumulates plugin contributions during registration.
type PluginRegistry struct {
	rules     []Rule
	traits    map[string]domain.RecursiveTrait
	templates map[string]TemplateBinding
}

// NewPluginRegistry constructs a plugin registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		traits:    make(map[string]domain.RecursiveTrait),
		templates: make(map[string]TemplateBinding),
	}
}

// RegisterRule adds an in-transaction rule contributed by the plugin.
func (r *PluginRegistry) RegisterRule(rule Rule) {
	if rule == nil {
		return
	}
	r.rules = append(r.rules, rule)
}

// RegisterTrait stores a trait definition contributed by the plugin.
func (r *PluginRegistry) RegisterTrait(t domain.RecursiveTrait) error {
	if err := domain.ValidateRecursiveTrait(t); err != nil {
		return err
	}
	if _, exists := r.traits[t.ID]; exists {
		return fmt.Errorf("trait %s already registered", t.ID)
	}
	r.traits[t.ID] = t
	return nil
}

// RegisterTemplate stores a template binding validated after every write.
func (r *PluginRegistry) RegisterTemplate(binding TemplateBinding) error {
	if binding.Name == "" {
		return fmt.Errorf("template binding name required")
	}
	if binding.Layers.IsEmpty() {
		return fmt.Errorf("template binding %s: layer set required", binding.Name)
	}
	if _, exists := r.templates[binding.Name]; exists {
		return fmt.Errorf("template binding %s already registered", binding.Name)
	}
	r.templates[binding.Name] = binding
	return nil
}

// Rules returns a copy of registered rules.
func (r *PluginRegistry) Rules() []Rule {
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Traits returns registered traits ordered by id.
func (r *PluginRegistry) Traits() []domain.RecursiveTrait {
	out := make([]domain.RecursiveTrait, 0, len(r.traits))
	for _, t := range r.traits {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Templates returns registered template bindings ordered by name.
func (r *PluginRegistry) Templates() []TemplateBinding {
	out := make([]TemplateBinding, 0, len(r.templates))
	for _, b := range r.templates {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PluginMetadata stores metadata describing an installed plugin.
type PluginMetadata struct {
	Name      string
	Version   string
	Traits    []string
	Rules     []string
	Templates []string
}
