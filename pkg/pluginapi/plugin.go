package pluginapi

// Registry receives the contributions of a plugin while it is installed.
type Registry interface {
	RegisterTrait(trait RecursiveTrait) error
	RegisterTemplate(binding TemplateBinding) error
	RegisterRule(rule Rule)
}

// Plugin contributes traits, template bindings and rules to a CMDB service.
// Name must be unique per service; it also becomes the origin of the
// plugin's traits.
type Plugin interface {
	Name() string
	Version() string
	Register(Registry) error
}

const Version = "v1"
