package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// Actor identifies who performs a write and where the data comes from.
type Actor struct {
	User   domain.User
	Origin domain.DataOrigin
}

// WriteOutcome reports the fact written by a single write operation.
// Changed is false when the write was a no-op.
type WriteOutcome[T any] struct {
	Fact       T
	Changed    bool
	Changesets []domain.Changeset
}

type engineProvider interface {
	RulesEngine() *RulesEngine
}

// Service exposes the merge engine over a persistent store. Every operation
// is traced, measured and logged; mutating operations are audited.
type Service struct {
	store      PersistentStore
	attributes *AttributeModel
	relations  *RelationModel
	traits     *TraitsProvider
	effective  *EffectiveTraitModel
	changesets ChangesetModel
	stats      LayerStatisticsModel

	logger  Logger
	clock   Clock
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	cache   *MergedCache

	mu      sync.RWMutex
	plugins map[string]PluginMetadata
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...ServiceOption) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	attributes := NewAttributeModel(o.clock, o.fanout)
	relations := NewRelationModel(o.clock, o.fanout)
	traits := NewTraitsProvider()
	s := &Service{
		store:      store,
		attributes: attributes,
		relations:  relations,
		traits:     traits,
		effective:  NewEffectiveTraitModel(attributes, relations, traits),
		logger:     o.logger,
		clock:      o.clock,
		audit:      o.audit,
		metrics:    o.metrics,
		tracer:     o.tracer,
		cache:      o.cache,
		plugins:    make(map[string]PluginMetadata),
	}
	traits.OnChange(func() {
		s.logger.Info("active trait set changed", "version", traits.Version())
		s.cache.Purge()
	})
	return s
}

// NewInMemoryService creates a service and in-memory store with the given rules engine.
func NewInMemoryService(engine *RulesEngine, opts ...ServiceOption) *Service {
	return NewService(NewMemoryStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// Traits returns the provider of the active trait set.
func (s *Service) Traits() *TraitsProvider {
	return s.traits
}

// run executes fn as one observed operation. fn returns the id of the
// entity it acted on, used for audit entries.
func run[T any](ctx context.Context, s *Service, op string, fn func(context.Context) (T, string, error)) (T, error) {
	ctx, span := s.tracer.Start(ctx, op)
	start := time.Now()
	out, entityID, err := fn(ctx)
	duration := time.Since(start)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	if err != nil {
		s.logger.Error("operation failed", "operation", op, "entity_id", entityID, "duration", duration, "error", err)
		s.recordAuditError(ctx, op, entityID, duration, err)
		return out, err
	}
	s.logger.Debug("operation completed", "operation", op, "entity_id", entityID, "duration", duration)
	s.recordAuditSuccess(ctx, op, entityID, duration)
	return out, nil
}

type auditTarget struct {
	entity domain.EntityType
	action domain.Action
}

// auditedOperations lists the mutating operations and what they act on.
var auditedOperations = map[string]auditTarget{
	"create_layer":            {domain.EntityLayer, domain.ActionCreate},
	"update_layer":            {domain.EntityLayer, domain.ActionUpdate},
	"create_predicate":        {domain.EntityPredicate, domain.ActionCreate},
	"update_predicate":        {domain.EntityPredicate, domain.ActionUpdate},
	"create_ci":               {domain.EntityCI, domain.ActionCreate},
	"insert_attribute":        {domain.EntityAttribute, domain.ActionCreate},
	"remove_attribute":        {domain.EntityAttribute, domain.ActionDelete},
	"bulk_replace_attributes": {domain.EntityAttribute, domain.ActionUpdate},
	"insert_relation":         {domain.EntityRelation, domain.ActionCreate},
	"remove_relation":         {domain.EntityRelation, domain.ActionDelete},
	"bulk_replace_relations":  {domain.EntityRelation, domain.ActionUpdate},
	"replace_layer":           {domain.EntityLayer, domain.ActionUpdate},
	"put_trait":               {domain.EntityTrait, domain.ActionUpdate},
	"delete_trait":            {domain.EntityTrait, domain.ActionDelete},
	"delete_empty_changesets": {domain.EntityChangeset, domain.ActionDelete},
}

func (s *Service) recordAuditSuccess(ctx context.Context, op, entityID string, duration time.Duration) {
	s.recordAudit(ctx, op, entityID, duration, nil)
}

func (s *Service) recordAuditError(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	s.recordAudit(ctx, op, entityID, duration, err)
}

func (s *Service) recordAudit(ctx context.Context, op, entityID string, duration time.Duration, err error) {
	target, ok := auditedOperations[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Entity:    target.entity,
		Action:    target.action,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

// write runs fn in a transaction with a fresh changeset proxy. Cached merge
// results are dropped once the transaction commits.
func (s *Service) write(ctx context.Context, actor Actor, fn func(tx Transaction, proxy *ChangesetProxy) error) (*ChangesetProxy, Result, error) {
	proxy := NewChangesetProxy(actor.User, actor.Origin, s.clock.Now())
	res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		return fn(tx, proxy)
	})
	s.logViolations(res)
	if err != nil {
		return proxy, res, err
	}
	s.cache.Purge()
	return proxy, res, nil
}

func (s *Service) logViolations(res Result) {
	for _, v := range res.Violations {
		s.logger.Warn("rule violation", "rule", v.Rule, "severity", v.Severity, "entity", v.Entity, "entity_id", v.EntityID, "message", v.Message)
	}
}

func (s *Service) view(ctx context.Context, fn func(TransactionView) error) error {
	return s.store.View(ctx, fn)
}

type written[T any] struct {
	outcome WriteOutcome[T]
	result  Result
}

// CreateLayer persists a new layer. An empty state defaults to active.
func (s *Service) CreateLayer(ctx context.Context, layer domain.Layer) (domain.Layer, Result, error) {
	out, err := run(ctx, s, "create_layer", func(ctx context.Context) (written[domain.Layer], string, error) {
		if err := domain.ValidateLayerID(layer.ID); err != nil {
			return written[domain.Layer]{}, layer.ID, err
		}
		if layer.State == "" {
			layer.State = domain.AnchorStateActive
		}
		if !layer.State.Valid() {
			return written[domain.Layer]{}, layer.ID, fmt.Errorf("layer %s: invalid state %q", layer.ID, layer.State)
		}
		var created domain.Layer
		_, res, err := s.write(ctx, Actor{}, func(tx Transaction, _ *ChangesetProxy) error {
			var err error
			created, err = tx.CreateLayer(layer)
			return err
		})
		return written[domain.Layer]{outcome: WriteOutcome[domain.Layer]{Fact: created, Changed: err == nil}, result: res}, layer.ID, err
	})
	return out.outcome.Fact, out.result, err
}

// UpdateLayer mutates a layer using the provided mutator.
func (s *Service) UpdateLayer(ctx context.Context, id string, mutator func(*domain.Layer) error) (domain.Layer, Result, error) {
	out, err := run(ctx, s, "update_layer", func(ctx context.Context) (written[domain.Layer], string, error) {
		var updated domain.Layer
		_, res, err := s.write(ctx, Actor{}, func(tx Transaction, _ *ChangesetProxy) error {
			var err error
			updated, err = tx.UpdateLayer(id, func(l *domain.Layer) error {
				if err := mutator(l); err != nil {
					return err
				}
				if !l.State.Valid() {
					return fmt.Errorf("layer %s: invalid state %q", id, l.State)
				}
				return nil
			})
			return err
		})
		return written[domain.Layer]{outcome: WriteOutcome[domain.Layer]{Fact: updated, Changed: err == nil}, result: res}, id, err
	})
	return out.outcome.Fact, out.result, err
}

// ListLayers returns every layer sorted by id.
func (s *Service) ListLayers(ctx context.Context) ([]domain.Layer, error) {
	return run(ctx, s, "list_layers", func(ctx context.Context) ([]domain.Layer, string, error) {
		var layers []domain.Layer
		err := s.view(ctx, func(view TransactionView) error {
			layers = view.ListLayers()
			return nil
		})
		sort.Slice(layers, func(i, j int) bool { return layers[i].ID < layers[j].ID })
		return layers, "", err
	})
}

// BuildLayerSet resolves layer ids into a LayerSet, last id winning.
func (s *Service) BuildLayerSet(ctx context.Context, ids ...string) (domain.LayerSet, error) {
	return run(ctx, s, "build_layer_set", func(ctx context.Context) (domain.LayerSet, string, error) {
		var layers domain.LayerSet
		err := s.view(ctx, func(view TransactionView) error {
			var err error
			layers, err = BuildLayerSet(view, ids...)
			return err
		})
		return layers, "", err
	})
}

// CreatePredicate persists a new predicate. An empty state defaults to active.
func (s *Service) CreatePredicate(ctx context.Context, predicate domain.Predicate) (domain.Predicate, Result, error) {
	out, err := run(ctx, s, "create_predicate", func(ctx context.Context) (written[domain.Predicate], string, error) {
		if err := domain.ValidatePredicateID(predicate.ID); err != nil {
			return written[domain.Predicate]{}, predicate.ID, err
		}
		if predicate.State == "" {
			predicate.State = domain.AnchorStateActive
		}
		var created domain.Predicate
		_, res, err := s.write(ctx, Actor{}, func(tx Transaction, _ *ChangesetProxy) error {
			var err error
			created, err = tx.CreatePredicate(predicate)
			return err
		})
		return written[domain.Predicate]{outcome: WriteOutcome[domain.Predicate]{Fact: created, Changed: err == nil}, result: res}, predicate.ID, err
	})
	return out.outcome.Fact, out.result, err
}

// UpdatePredicate mutates a predicate using the provided mutator.
func (s *Service) UpdatePredicate(ctx context.Context, id string, mutator func(*domain.Predicate) error) (domain.Predicate, Result, error) {
	out, err := run(ctx, s, "update_predicate", func(ctx context.Context) (written[domain.Predicate], string, error) {
		var updated domain.Predicate
		_, res, err := s.write(ctx, Actor{}, func(tx Transaction, _ *ChangesetProxy) error {
			var err error
			updated, err = tx.UpdatePredicate(id, mutator)
			return err
		})
		return written[domain.Predicate]{outcome: WriteOutcome[domain.Predicate]{Fact: updated, Changed: err == nil}, result: res}, id, err
	})
	return out.outcome.Fact, out.result, err
}

// ListPredicates returns every predicate sorted by id.
func (s *Service) ListPredicates(ctx context.Context) ([]domain.Predicate, error) {
	return run(ctx, s, "list_predicates", func(ctx context.Context) ([]domain.Predicate, string, error) {
		var predicates []domain.Predicate
		err := s.view(ctx, func(view TransactionView) error {
			predicates = view.ListPredicates()
			return nil
		})
		sort.Slice(predicates, func(i, j int) bool { return predicates[i].ID < predicates[j].ID })
		return predicates, "", err
	})
}

// CreateCI registers a CI identity. A zero id is replaced by a fresh one.
func (s *Service) CreateCI(ctx context.Context, id CIID) (CIID, Result, error) {
	if id == uuid.Nil {
		id = domain.NewCIID()
	}
	out, err := run(ctx, s, "create_ci", func(ctx context.Context) (written[CIID], string, error) {
		_, res, err := s.write(ctx, Actor{}, func(tx Transaction, _ *ChangesetProxy) error {
			return tx.CreateCI(id)
		})
		return written[CIID]{outcome: WriteOutcome[CIID]{Fact: id, Changed: err == nil}, result: res}, id.String(), err
	})
	return out.outcome.Fact, out.result, err
}

// InsertAttribute writes one attribute value into a layer.
func (s *Service) InsertAttribute(ctx context.Context, actor Actor, layerID string, ciid CIID, name string, value domain.AttributeValue, other OtherLayersValueHandling) (WriteOutcome[domain.CIAttribute], Result, error) {
	out, err := run(ctx, s, "insert_attribute", func(ctx context.Context) (written[domain.CIAttribute], string, error) {
		var w written[domain.CIAttribute]
		proxy, res, err := s.write(ctx, actor, func(tx Transaction, proxy *ChangesetProxy) error {
			var err error
			w.outcome.Fact, w.outcome.Changed, err = s.attributes.InsertAttribute(ctx, tx, name, value, ciid, layerID, proxy, other)
			return err
		})
		w.outcome.Changesets, w.result = proxy.Changesets(), res
		return w, ciid.String(), err
	})
	return out.outcome, out.result, err
}

// RemoveAttribute removes one attribute from a layer.
func (s *Service) RemoveAttribute(ctx context.Context, actor Actor, layerID string, ciid CIID, name string) (WriteOutcome[domain.CIAttribute], Result, error) {
	out, err := run(ctx, s, "remove_attribute", func(ctx context.Context) (written[domain.CIAttribute], string, error) {
		var w written[domain.CIAttribute]
		proxy, res, err := s.write(ctx, actor, func(tx Transaction, proxy *ChangesetProxy) error {
			var err error
			w.outcome.Fact, w.outcome.Changed, err = s.attributes.RemoveAttribute(ctx, tx, name, ciid, layerID, proxy)
			return err
		})
		w.outcome.Changesets, w.result = proxy.Changesets(), res
		return w, ciid.String(), err
	})
	return out.outcome, out.result, err
}

// BulkReplaceAttributes replaces the attributes in the data's scope.
func (s *Service) BulkReplaceAttributes(ctx context.Context, actor Actor, data BulkAttributeData) (BulkResult, Result, error) {
	type bulk struct {
		counts BulkResult
		result Result
	}
	out, err := run(ctx, s, "bulk_replace_attributes", func(ctx context.Context) (bulk, string, error) {
		var b bulk
		_, res, err := s.write(ctx, actor, func(tx Transaction, proxy *ChangesetProxy) error {
			var err error
			b.counts, err = s.attributes.BulkReplaceAttributes(ctx, tx, data, proxy)
			return err
		})
		b.result = res
		return b, data.LayerID, err
	})
	return out.counts, out.result, err
}

// InsertRelation writes one relation, or a mask when mask is set, into a layer.
func (s *Service) InsertRelation(ctx context.Context, actor Actor, layerID string, from, to CIID, predicateID string, mask bool) (WriteOutcome[domain.Relation], Result, error) {
	key := domain.RelationKey{FromCIID: from, ToCIID: to, PredicateID: predicateID}
	out, err := run(ctx, s, "insert_relation", func(ctx context.Context) (written[domain.Relation], string, error) {
		var w written[domain.Relation]
		proxy, res, err := s.write(ctx, actor, func(tx Transaction, proxy *ChangesetProxy) error {
			var err error
			w.outcome.Fact, w.outcome.Changed, err = s.relations.InsertRelation(ctx, tx, from, to, predicateID, mask, layerID, proxy)
			return err
		})
		w.outcome.Changesets, w.result = proxy.Changesets(), res
		return w, key.String(), err
	})
	return out.outcome, out.result, err
}

// RemoveRelation removes one relation from a layer under the removal policy.
func (s *Service) RemoveRelation(ctx context.Context, actor Actor, layerID string, from, to CIID, predicateID string, removal MaskHandlingForRemoval) (WriteOutcome[domain.Relation], Result, error) {
	key := domain.RelationKey{FromCIID: from, ToCIID: to, PredicateID: predicateID}
	out, err := run(ctx, s, "remove_relation", func(ctx context.Context) (written[domain.Relation], string, error) {
		var w written[domain.Relation]
		proxy, res, err := s.write(ctx, actor, func(tx Transaction, proxy *ChangesetProxy) error {
			var err error
			w.outcome.Fact, w.outcome.Changed, err = s.relations.RemoveRelation(ctx, tx, from, to, predicateID, layerID, proxy, removal)
			return err
		})
		w.outcome.Changesets, w.result = proxy.Changesets(), res
		return w, key.String(), err
	})
	return out.outcome, out.result, err
}

// BulkReplaceRelations replaces the relations in the data's scope.
func (s *Service) BulkReplaceRelations(ctx context.Context, actor Actor, data BulkRelationData) (BulkResult, Result, error) {
	type bulk struct {
		counts BulkResult
		result Result
	}
	out, err := run(ctx, s, "bulk_replace_relations", func(ctx context.Context) (bulk, string, error) {
		var b bulk
		_, res, err := s.write(ctx, actor, func(tx Transaction, proxy *ChangesetProxy) error {
			var err error
			b.counts, err = s.relations.BulkReplaceRelations(ctx, tx, data, proxy)
			return err
		})
		b.result = res
		return b, data.LayerID, err
	})
	return out.counts, out.result, err
}

// ReplaceLayer replaces the attributes and relations of a layer in one
// transaction, so both share one changeset.
func (s *Service) ReplaceLayer(ctx context.Context, actor Actor, attributes BulkAttributeData, relations BulkRelationData) (BulkResult, BulkResult, Result, error) {
	type replaced struct {
		attributes BulkResult
		relations  BulkResult
		result     Result
	}
	out, err := run(ctx, s, "replace_layer", func(ctx context.Context) (replaced, string, error) {
		var r replaced
		if attributes.LayerID != relations.LayerID {
			return r, attributes.LayerID, fmt.Errorf("replace layer: attribute layer %s differs from relation layer %s", attributes.LayerID, relations.LayerID)
		}
		_, res, err := s.write(ctx, actor, func(tx Transaction, proxy *ChangesetProxy) error {
			var err error
			if r.attributes, err = s.attributes.BulkReplaceAttributes(ctx, tx, attributes, proxy); err != nil {
				return err
			}
			r.relations, err = s.relations.BulkReplaceRelations(ctx, tx, relations, proxy)
			return err
		})
		r.result = res
		return r, attributes.LayerID, err
	})
	return out.attributes, out.relations, out.result, err
}

// GetMergedCI returns one merged CI with all of its attributes.
func (s *Service) GetMergedCI(ctx context.Context, ciid CIID, layers domain.LayerSet, at domain.TimeThreshold) (domain.MergedCI, error) {
	return run(ctx, s, "get_merged_ci", func(ctx context.Context) (domain.MergedCI, string, error) {
		if ci, ok := s.cache.MergedCI(ciid, layers, at); ok {
			return ci, ciid.String(), nil
		}
		var ci domain.MergedCI
		err := s.view(ctx, func(view TransactionView) error {
			if err := requireLayers(view, layers); err != nil {
				return err
			}
			if !view.CIExists(ciid) {
				return domain.NotFoundError{Entity: domain.EntityCI, ID: ciid.String()}
			}
			cis, err := s.attributes.GetMergedCIs(ctx, view, domain.SpecificCIIDs(ciid), domain.AllAttributes(), true, layers, at)
			if err != nil {
				return err
			}
			ci = cis[0]
			return nil
		})
		if err == nil {
			s.cache.StoreMergedCI(ci)
		}
		return ci, ciid.String(), err
	})
}

// GetMergedCIs returns every selected CI merged, including CIs without
// attributes in the layer set.
func (s *Service) GetMergedCIs(ctx context.Context, cis domain.CIIDSelection, attrs domain.AttributeSelection, layers domain.LayerSet, at domain.TimeThreshold) ([]domain.MergedCI, error) {
	return run(ctx, s, "get_merged_cis", func(ctx context.Context) ([]domain.MergedCI, string, error) {
		var out []domain.MergedCI
		err := s.view(ctx, func(view TransactionView) error {
			if err := requireLayers(view, layers); err != nil {
				return err
			}
			var err error
			out, err = s.attributes.GetMergedCIs(ctx, view, cis, attrs, true, layers, at)
			return err
		})
		return out, "", err
	})
}

// GetMergedRelations returns the merged relations matching sel.
func (s *Service) GetMergedRelations(ctx context.Context, sel domain.RelationSelection, layers domain.LayerSet, at domain.TimeThreshold, masks MaskHandlingForRetrieval) ([]domain.MergedRelation, error) {
	return run(ctx, s, "get_merged_relations", func(ctx context.Context) ([]domain.MergedRelation, string, error) {
		var out []domain.MergedRelation
		err := s.view(ctx, func(view TransactionView) error {
			if err := requireLayers(view, layers); err != nil {
				return err
			}
			var err error
			out, err = s.relations.GetMergedRelations(ctx, view, sel, layers, at, masks)
			return err
		})
		return out, "", err
	})
}

// GetEffectiveTraits returns every active trait the CI fulfills.
func (s *Service) GetEffectiveTraits(ctx context.Context, ciid CIID, layers domain.LayerSet, at domain.TimeThreshold) ([]domain.EffectiveTrait, error) {
	return run(ctx, s, "get_effective_traits", func(ctx context.Context) ([]domain.EffectiveTrait, string, error) {
		var ets []domain.EffectiveTrait
		err := s.view(ctx, func(view TransactionView) error {
			if err := requireLayers(view, layers); err != nil {
				return err
			}
			// resolve the trait set first so a change purges stale entries
			if _, err := s.traits.ActiveTraits(view); err != nil {
				return err
			}
			if cached, ok := s.cache.EffectiveTraits(ciid, layers, at); ok {
				ets = cached
				return nil
			}
			var err error
			ets, err = s.effective.CalculateEffectiveTraitSetForCI(ctx, view, ciid, layers, at)
			if err == nil {
				s.cache.StoreEffectiveTraits(ciid, layers, at, ets)
			}
			return err
		})
		return ets, ciid.String(), err
	})
}

// GetEffectiveTraitsBatch evaluates the active traits for each CI. A failing
// CI is reported in its item without failing the batch.
func (s *Service) GetEffectiveTraitsBatch(ctx context.Context, ids []CIID, layers domain.LayerSet, at domain.TimeThreshold) ([]domain.ItemResult[[]domain.EffectiveTrait], error) {
	return run(ctx, s, "get_effective_traits_batch", func(ctx context.Context) ([]domain.ItemResult[[]domain.EffectiveTrait], string, error) {
		var out []domain.ItemResult[[]domain.EffectiveTrait]
		err := s.view(ctx, func(view TransactionView) error {
			if err := requireLayers(view, layers); err != nil {
				return err
			}
			var err error
			out, err = s.effective.CalculateEffectiveTraitSetForCIs(ctx, view, ids, layers, at)
			return err
		})
		return out, "", err
	})
}

// GetCIsWithTrait returns the merged CIs fulfilling traitID.
func (s *Service) GetCIsWithTrait(ctx context.Context, traitID string, cis domain.CIIDSelection, layers domain.LayerSet, at domain.TimeThreshold) ([]domain.MergedCI, error) {
	return run(ctx, s, "get_cis_with_trait", func(ctx context.Context) ([]domain.MergedCI, string, error) {
		var out []domain.MergedCI
		err := s.view(ctx, func(view TransactionView) error {
			if err := requireLayers(view, layers); err != nil {
				return err
			}
			var err error
			out, err = s.effective.GetMergedCIsWithTrait(ctx, view, traitID, cis, layers, at)
			return err
		})
		return out, traitID, err
	})
}

// ValidateCI checks a merged CI and its relations against a template.
func (s *Service) ValidateCI(ctx context.Context, ciid CIID, layers domain.LayerSet, at domain.TimeThreshold, tmpl domain.Template) (domain.TemplateErrorsCI, error) {
	return run(ctx, s, "validate_ci", func(ctx context.Context) (domain.TemplateErrorsCI, string, error) {
		var out domain.TemplateErrorsCI
		err := s.view(ctx, func(view TransactionView) error {
			if err := requireLayers(view, layers); err != nil {
				return err
			}
			if !view.CIExists(ciid) {
				return domain.NotFoundError{Entity: domain.EntityCI, ID: ciid.String()}
			}
			pinned := at.Pin(s.clock.Now())
			cis, err := s.attributes.GetMergedCIs(ctx, view, domain.SpecificCIIDs(ciid), domain.AllAttributes(), true, layers, pinned)
			if err != nil {
				return err
			}
			relations, err := s.relations.GetMergedRelations(ctx, view, domain.RelationsFromOrTo(ciid), layers, pinned, ApplyMasks())
			if err != nil {
				return err
			}
			out = CalculateTemplateErrors(cis[0], relations, tmpl)
			return nil
		})
		return out, ciid.String(), err
	})
}

// GetChangeset returns one changeset.
func (s *Service) GetChangeset(ctx context.Context, id uuid.UUID) (domain.Changeset, error) {
	return run(ctx, s, "get_changeset", func(ctx context.Context) (domain.Changeset, string, error) {
		var cs domain.Changeset
		err := s.view(ctx, func(view TransactionView) error {
			var ok bool
			if cs, ok = s.changesets.GetChangeset(view, id); !ok {
				return domain.NotFoundError{Entity: domain.EntityChangeset, ID: id.String()}
			}
			return nil
		})
		return cs, id.String(), err
	})
}

// GetChangesetsInTimespan returns the changesets of layers written in
// [from, to] that touch the selected CIs, newest first.
func (s *Service) GetChangesetsInTimespan(ctx context.Context, from, to time.Time, layers domain.LayerSet, cis domain.CIIDSelection, limit int) ([]domain.Changeset, error) {
	return run(ctx, s, "get_changesets_in_timespan", func(ctx context.Context) ([]domain.Changeset, string, error) {
		var out []domain.Changeset
		err := s.view(ctx, func(view TransactionView) error {
			if err := requireLayers(view, layers); err != nil {
				return err
			}
			out = s.changesets.GetChangesetsInTimespan(view, from, to, layers, cis, limit)
			return nil
		})
		return out, "", err
	})
}

// GetChangesetStatistics counts the facts written under a changeset.
func (s *Service) GetChangesetStatistics(ctx context.Context, id uuid.UUID) (domain.ChangesetStatistics, error) {
	return run(ctx, s, "get_changeset_statistics", func(ctx context.Context) (domain.ChangesetStatistics, string, error) {
		var out domain.ChangesetStatistics
		err := s.view(ctx, func(view TransactionView) error {
			var err error
			out, err = s.changesets.GetChangesetStatistics(view, id)
			return err
		})
		return out, id.String(), err
	})
}

// DeleteEmptyChangesets drops changesets older than the cut-off that carry no facts.
func (s *Service) DeleteEmptyChangesets(ctx context.Context, olderThan time.Time) (int, error) {
	return run(ctx, s, "delete_empty_changesets", func(ctx context.Context) (int, string, error) {
		var n int
		_, _, err := s.write(ctx, Actor{}, func(tx Transaction, _ *ChangesetProxy) error {
			n = s.changesets.DeleteEmptyChangesets(tx, olderThan)
			return nil
		})
		return n, "", err
	})
}

// GetLayerStatistics summarizes a layer at the threshold.
func (s *Service) GetLayerStatistics(ctx context.Context, layerID string, at domain.TimeThreshold) (domain.LayerStatistics, error) {
	return run(ctx, s, "get_layer_statistics", func(ctx context.Context) (domain.LayerStatistics, string, error) {
		var out domain.LayerStatistics
		err := s.view(ctx, func(view TransactionView) error {
			var err error
			out, err = s.stats.GetLayerStatistics(ctx, view, layerID, at.Resolve(s.clock.Now()))
			return err
		})
		return out, layerID, err
	})
}

// GetLayerData returns the facts one layer holds, without merging.
func (s *Service) GetLayerData(ctx context.Context, layerID string, cis domain.CIIDSelection, at domain.TimeThreshold) (LayerData, error) {
	return run(ctx, s, "get_layer_data", func(ctx context.Context) (LayerData, string, error) {
		var out LayerData
		err := s.view(ctx, func(view TransactionView) error {
			var err error
			out, err = GetLayerData(view, layerID, cis, at.Resolve(s.clock.Now()))
			return err
		})
		return out, layerID, err
	})
}

// PutTrait stores a data trait. Core and plugin trait ids are reserved, and
// a definition that breaks flattening of the trait set is rejected.
func (s *Service) PutTrait(ctx context.Context, trait domain.RecursiveTrait) (domain.RecursiveTrait, Result, error) {
	out, err := run(ctx, s, "put_trait", func(ctx context.Context) (written[domain.RecursiveTrait], string, error) {
		var w written[domain.RecursiveTrait]
		if s.traits.IsReserved(trait.ID) {
			return w, trait.ID, domain.InvalidTraitError{Trait: trait.ID, Reason: "id is reserved by a core or plugin trait"}
		}
		trait.Origin = domain.TraitOrigin{Type: domain.TraitOriginData}
		if err := domain.ValidateRecursiveTrait(trait); err != nil {
			return w, trait.ID, err
		}
		_, res, err := s.write(ctx, Actor{}, func(tx Transaction, _ *ChangesetProxy) error {
			stored, err := tx.PutRecursiveTrait(trait)
			if err != nil {
				return err
			}
			if _, err := FlattenRecursiveTraits(s.traits.Definitions(tx)); err != nil {
				return err
			}
			w.outcome = WriteOutcome[domain.RecursiveTrait]{Fact: stored, Changed: true}
			return nil
		})
		w.result = res
		return w, trait.ID, err
	})
	return out.outcome.Fact, out.result, err
}

// DeleteTrait removes a data trait. Traits still required by another trait
// cannot be deleted.
func (s *Service) DeleteTrait(ctx context.Context, id string) (Result, error) {
	out, err := run(ctx, s, "delete_trait", func(ctx context.Context) (Result, string, error) {
		if s.traits.IsReserved(id) {
			return Result{}, id, domain.InvalidTraitError{Trait: id, Reason: "core and plugin traits cannot be deleted"}
		}
		_, res, err := s.write(ctx, Actor{}, func(tx Transaction, _ *ChangesetProxy) error {
			if err := tx.DeleteRecursiveTrait(id); err != nil {
				return err
			}
			_, err := FlattenRecursiveTraits(s.traits.Definitions(tx))
			return err
		})
		return res, id, err
	})
	return out, err
}

// ActiveTraits returns the flattened active trait set sorted by id.
func (s *Service) ActiveTraits(ctx context.Context) ([]domain.GenericTrait, error) {
	return run(ctx, s, "active_traits", func(ctx context.Context) ([]domain.GenericTrait, string, error) {
		var out []domain.GenericTrait
		err := s.view(ctx, func(view TransactionView) error {
			active, err := s.traits.ActiveTraits(view)
			if err != nil {
				return err
			}
			out = sortedTraits(active)
			return nil
		})
		return out, "", err
	})
}

// DataTraits returns the stored data traits, sorted by id.
func (s *Service) DataTraits(ctx context.Context) ([]domain.RecursiveTrait, error) {
	return run(ctx, s, "data_traits", func(ctx context.Context) ([]domain.RecursiveTrait, string, error) {
		var out []domain.RecursiveTrait
		err := s.view(ctx, func(view TransactionView) error {
			out = view.ListRecursiveTraits()
			return nil
		})
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, "", err
	})
}

// CheckTraits reports whether storing traits as data traits would keep the
// active trait set consistent. Nothing is written.
func (s *Service) CheckTraits(ctx context.Context, traits []domain.RecursiveTrait) error {
	_, err := run(ctx, s, "check_traits", func(ctx context.Context) (struct{}, string, error) {
		return struct{}{}, "", s.view(ctx, func(view TransactionView) error {
			byID := make(map[string]domain.RecursiveTrait)
			for _, t := range s.traits.Definitions(view) {
				byID[t.ID] = t
			}
			for _, t := range traits {
				if s.traits.IsReserved(t.ID) {
					return domain.InvalidTraitError{Trait: t.ID, Reason: "id is reserved by a core or plugin trait"}
				}
				t.Origin = domain.TraitOrigin{Type: domain.TraitOriginData}
				if err := domain.ValidateRecursiveTrait(t); err != nil {
					return err
				}
				byID[t.ID] = t
			}
			all := make([]domain.RecursiveTrait, 0, len(byID))
			for _, t := range byID {
				all = append(all, t)
			}
			_, err := FlattenRecursiveTraits(all)
			return err
		})
	})
	return err
}

// ErrNoRulesEngine is returned when a plugin contributes rules but the store
// does not expose its rules engine.
var ErrNoRulesEngine = errors.New("store does not expose a rules engine")

// InstallPlugin registers a plugin, wiring its traits, rules and templates
// into the service.
func (s *Service) InstallPlugin(plugin Plugin) (PluginMetadata, error) {
	if plugin == nil {
		return PluginMetadata{}, fmt.Errorf("plugin cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plugins == nil {
		s.plugins = make(map[string]PluginMetadata)
	}
	if _, ok := s.plugins[plugin.Name()]; ok {
		return PluginMetadata{}, fmt.Errorf("plugin %s already registered", plugin.Name())
	}

	registry := NewPluginRegistry()
	if err := plugin.Register(registry); err != nil {
		return PluginMetadata{}, err
	}

	rules := registry.Rules()
	templates := registry.Templates()
	if len(templates) > 0 {
		rules = append(rules, NewTemplateRule(plugin.Name()+"_templates", s.clock, templates...))
	}
	var engine *RulesEngine
	if len(rules) > 0 {
		provider, ok := s.store.(engineProvider)
		if !ok || provider.RulesEngine() == nil {
			return PluginMetadata{}, fmt.Errorf("plugin %s: %w", plugin.Name(), ErrNoRulesEngine)
		}
		engine = provider.RulesEngine()
	}

	traits := registry.Traits()
	for _, t := range traits {
		if s.traits.IsReserved(t.ID) {
			return PluginMetadata{}, fmt.Errorf("plugin %s: %w", plugin.Name(), domain.InvalidTraitError{Trait: t.ID, Reason: "already registered"})
		}
	}
	err := s.view(context.Background(), func(view TransactionView) error {
		return s.traits.RegisterPluginTraits(view, plugin.Name(), traits...)
	})
	if err != nil {
		return PluginMetadata{}, err
	}
	meta := PluginMetadata{Name: plugin.Name(), Version: plugin.Version()}
	for _, t := range traits {
		meta.Traits = append(meta.Traits, t.ID)
	}
	for _, rule := range rules {
		engine.Register(rule)
		meta.Rules = append(meta.Rules, rule.Name())
	}
	for _, b := range templates {
		meta.Templates = append(meta.Templates, b.Name)
	}
	s.cache.Purge()
	s.plugins[plugin.Name()] = meta
	s.logger.Info("plugin installed", "plugin", meta.Name, "version", meta.Version, "traits", len(meta.Traits), "rules", len(meta.Rules))
	return meta, nil
}

// RegisteredPlugins returns metadata describing installed plugins, sorted by name.
func (s *Service) RegisteredPlugins() []PluginMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PluginMetadata, 0, len(s.plugins))
	for _, meta := range s.plugins {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
