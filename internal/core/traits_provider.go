package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// NamedTraitID identifies the core trait fulfilled by every CI with a name.
const NamedTraitID = "named"

// CoreTraits returns the traits built into the engine.
func CoreTraits() []domain.RecursiveTrait {
	return []domain.RecursiveTrait{
		domain.NewTraitBuilder(NamedTraitID).
			Origin(domain.TraitOrigin{Type: domain.TraitOriginCore}).
			Require("name", domain.AttributeTemplate(domain.NameAttribute, domain.ValueTypeText, false)).
			MustBuild(),
	}
}

// TraitsProvider combines core, plugin and data traits into the active
// flattened trait set. Core traits shadow plugin traits, which shadow data
// traits of the same id. The flattened set is recomputed only when the
// combined definitions change.
type TraitsProvider struct {
	mu      sync.Mutex
	core    []domain.RecursiveTrait
	plugin  map[string]domain.RecursiveTrait
	version string
	active  map[string]domain.GenericTrait
	changed []func()
}

// NewTraitsProvider builds a provider holding the core traits.
func NewTraitsProvider() *TraitsProvider {
	return &TraitsProvider{core: CoreTraits(), plugin: make(map[string]domain.RecursiveTrait)}
}

// RegisterPluginTraits adds the traits contributed by the named plugin. The
// batch is flattened together with the definitions visible through view and
// is committed only if the combined set resolves; on any error no trait of the
// batch is registered.
func (p *TraitsProvider) RegisterPluginTraits(view TransactionView, pluginName string, traits ...domain.RecursiveTrait) error {
	staged := make(map[string]domain.RecursiveTrait, len(traits))
	for _, t := range traits {
		t.Origin = domain.TraitOrigin{Type: domain.TraitOriginPlugin, Info: pluginName}
		if err := domain.ValidateRecursiveTrait(t); err != nil {
			return err
		}
		if _, dup := staged[t.ID]; dup {
			return domain.InvalidTraitError{Trait: t.ID, Reason: "registered twice by plugin " + pluginName}
		}
		staged[t.ID] = t
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range staged {
		if p.isCore(id) {
			return domain.InvalidTraitError{Trait: id, Reason: "shadows a core trait"}
		}
		if existing, ok := p.plugin[id]; ok {
			return domain.InvalidTraitError{Trait: id, Reason: fmt.Sprintf("already registered by plugin %s", existing.Origin.Info)}
		}
	}
	if len(staged) == 0 {
		return nil
	}

	byID := make(map[string]domain.RecursiveTrait)
	for _, t := range p.definitions(view) {
		byID[t.ID] = t
	}
	for id, t := range staged {
		byID[id] = t
	}
	defs := make([]domain.RecursiveTrait, 0, len(byID))
	for _, t := range byID {
		defs = append(defs, t)
	}
	if _, err := FlattenRecursiveTraits(defs); err != nil {
		return fmt.Errorf("plugin %s: %w", pluginName, err)
	}
	for id, t := range staged {
		p.plugin[id] = t
	}
	return nil
}

// IsReserved reports whether id belongs to a core or plugin trait.
func (p *TraitsProvider) IsReserved(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isCore(id) {
		return true
	}
	_, ok := p.plugin[id]
	return ok
}

func (p *TraitsProvider) isCore(id string) bool {
	for _, t := range p.core {
		if t.ID == id {
			return true
		}
	}
	return false
}

// OnChange registers fn to run whenever the active trait set changes.
func (p *TraitsProvider) OnChange(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changed = append(p.changed, fn)
}

// Definitions returns the combined recursive traits visible through view, sorted by id.
func (p *TraitsProvider) Definitions(view TransactionView) []domain.RecursiveTrait {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.definitions(view)
}

func (p *TraitsProvider) definitions(view TransactionView) []domain.RecursiveTrait {
	byID := make(map[string]domain.RecursiveTrait)
	for _, t := range view.ListRecursiveTraits() {
		byID[t.ID] = t
	}
	for id, t := range p.plugin {
		byID[id] = t
	}
	for _, t := range p.core {
		byID[t.ID] = t
	}
	out := make([]domain.RecursiveTrait, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveTraits returns the flattened trait set visible through view.
func (p *TraitsProvider) ActiveTraits(view TransactionView) (map[string]domain.GenericTrait, error) {
	p.mu.Lock()
	defs := p.definitions(view)
	version, err := fingerprint(defs)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if version == p.version && p.active != nil {
		active := p.active
		p.mu.Unlock()
		return active, nil
	}
	active, err := FlattenRecursiveTraits(defs)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	first := p.version == ""
	p.version, p.active = version, active
	hooks := append([]func(){}, p.changed...)
	p.mu.Unlock()

	if !first {
		for _, fn := range hooks {
			fn()
		}
	}
	return active, nil
}

// ActiveTrait returns one flattened trait.
func (p *TraitsProvider) ActiveTrait(view TransactionView, id string) (domain.GenericTrait, error) {
	active, err := p.ActiveTraits(view)
	if err != nil {
		return domain.GenericTrait{}, err
	}
	t, ok := active[id]
	if !ok {
		return domain.GenericTrait{}, domain.UnknownTraitError{Trait: id}
	}
	return t, nil
}

// Version identifies the trait set last flattened.
func (p *TraitsProvider) Version() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

func fingerprint(defs []domain.RecursiveTrait) (string, error) {
	data, err := json.Marshal(defs)
	if err != nil {
		return "", fmt.Errorf("fingerprint traits: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
