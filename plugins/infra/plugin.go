// Package infra is a reference plugin describing hosts and their network
// interfaces.
package infra

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/max-bytes/omnikeeper-sub003/pkg/pluginapi"
)

const (
	HostTraitID             = "host"
	NetworkInterfaceTraitID = "network_interface"
	// AttachedToPredicate links a network interface to its host.
	AttachedToPredicate = "attached_to"

	hostnameRuleName = "infra_hostname_format"
)

var (
	hostnamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	macPattern      = `^([0-9a-f]{2}:){5}[0-9a-f]{2}$`
)

// Plugin contributes host and network interface traits, a template that
// expects every host to name its operating system and a rule warning about
// malformed hostnames.
type Plugin struct {
	layers []string
}

// New constructs the plugin. The host template merges across layers in
// precedence order, last wins; without layers no template is registered.
func New(layers ...string) Plugin {
	return Plugin{layers: append([]string(nil), layers...)}
}

// Name returns the plugin identifier.
func (Plugin) Name() string { return "infra" }

// Version returns the plugin semantic version.
func (Plugin) Version() string { return "0.2.0" }

// Register wires traits, the host template and the hostname rule.
func (p Plugin) Register(registry pluginapi.Registry) error {
	for _, t := range Traits() {
		if err := registry.RegisterTrait(t); err != nil {
			return fmt.Errorf("infra: %w", err)
		}
	}
	if len(p.layers) > 0 {
		if err := registry.RegisterTemplate(HostTemplate(p.layers...)); err != nil {
			return fmt.Errorf("infra: %w", err)
		}
	}
	registry.RegisterRule(hostnameRule{})
	return nil
}

// Traits returns the trait definitions of the plugin.
func Traits() []pluginapi.RecursiveTrait {
	host := pluginapi.NewTraitBuilder(HostTraitID).
		Require("hostname", pluginapi.AttributeTemplate("hostname", pluginapi.ValueTypeText, false,
			pluginapi.TextLength(pluginapi.IntPtr(1), pluginapi.IntPtr(253)))).
		Optional("os", pluginapi.AttributeTemplate("os", pluginapi.ValueTypeText, false)).
		Optional("ip_addresses", pluginapi.AttributeTemplate("ip_addresses", pluginapi.ValueTypeText, true)).
		OptionalRelation("interfaces", pluginapi.RelationTemplate{
			PredicateID:      AttachedToPredicate,
			DirectionForward: false,
			TraitHints:       []string{NetworkInterfaceTraitID},
		}).
		MustBuild()
	nic := pluginapi.NewTraitBuilder(NetworkInterfaceTraitID).
		Require("mac", pluginapi.AttributeTemplate("mac", pluginapi.ValueTypeText, false, pluginapi.TextRegex(macPattern))).
		Optional("speed_mbit", pluginapi.AttributeTemplate("speed_mbit", pluginapi.ValueTypeInteger, false)).
		RequireRelation("host", pluginapi.RelationTemplate{
			PredicateID:      AttachedToPredicate,
			DirectionForward: true,
			MinCardinality:   pluginapi.IntPtr(1),
			MaxCardinality:   pluginapi.IntPtr(1),
			TraitHints:       []string{HostTraitID},
		}).
		MustBuild()
	return []pluginapi.RecursiveTrait{host, nic}
}

// HostTemplate binds the host template to every CI carrying a hostname.
func HostTemplate(layers ...string) pluginapi.TemplateBinding {
	return pluginapi.TemplateBinding{
		Name:   "infra_host",
		Layers: pluginapi.NewLayerSet(layers...),
		Applies: func(ci pluginapi.MergedCI) bool {
			_, ok := ci.Attributes["hostname"]
			return ok
		},
		Template: pluginapi.Template{
			AttributeTemplates: []pluginapi.CIAttributeTemplate{
				pluginapi.AttributeTemplate("os", pluginapi.ValueTypeText, false),
			},
		},
	}
}

type hostnameRule struct{}

func (hostnameRule) Name() string { return hostnameRuleName }

func (hostnameRule) Evaluate(_ context.Context, _ pluginapi.RuleView, changes []pluginapi.Change) (pluginapi.Result, error) {
	var result pluginapi.Result
	for _, change := range changes {
		if change.Entity != pluginapi.EntityAttribute {
			continue
		}
		attr, ok := change.After.(pluginapi.CIAttribute)
		if !ok || attr.Name != "hostname" || attr.Removed() {
			continue
		}
		name, ok := attr.Value.Text()
		if !ok || hostnamePattern.MatchString(strings.TrimSuffix(name, ".")) {
			continue
		}
		result.Violations = append(result.Violations, pluginapi.NewViolation(
			hostnameRuleName,
			pluginapi.SeverityWarn,
			fmt.Sprintf("hostname %q is not a valid DNS name", name),
			pluginapi.EntityAttribute,
			attr.CIID.String(),
		))
	}
	return result, nil
}
