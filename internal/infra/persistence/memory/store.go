// Package memory provides an in-memory implementation of the versioned fact
// store used for tests, ephemeral environments and as the transactional core
// of the durable backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.Transaction     = (*transaction)(nil)
	_ domain.TransactionView = transactionView{}
)

type (
	// Layer aliases domain.Layer.
	Layer = domain.Layer
	// Predicate aliases domain.Predicate.
	Predicate = domain.Predicate
	// CIID aliases domain.CIID.
	CIID = domain.CIID
	// Changeset aliases domain.Changeset.
	Changeset = domain.Changeset
	// CIAttribute aliases domain.CIAttribute.
	CIAttribute = domain.CIAttribute
	// Relation aliases domain.Relation.
	Relation = domain.Relation
	// RecursiveTrait aliases domain.RecursiveTrait.
	RecursiveTrait = domain.RecursiveTrait
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// Store provides an in-memory transactional fact store.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc replaces the clock used to stamp facts written without a timestamp.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = func() time.Time { return time.Now().UTC() }
	}
	s.nowFn = fn
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(normalizeSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine for integration points like plugins.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// RunInTransaction executes fn within a transactional copy of the store state.
// The copy replaces the committed state only when fn succeeds and no rule
// reports a blocking violation.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	tx.transactionView = transactionView{state: &tx.state}

	if err := fn(tx); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil && len(tx.changes) > 0 {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	view := newTransactionView(&snapshot)
	return fn(view)
}

// transaction represents a mutation set applied to a copy of the store state.
type transaction struct {
	transactionView
	state   memoryState
	changes []Change
	now     time.Time
}

// helper to record and append change entries.
func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// CreateLayer stores a new layer.
func (tx *transaction) CreateLayer(l Layer) (Layer, error) {
	if err := domain.ValidateLayerID(l.ID); err != nil {
		return Layer{}, err
	}
	if _, exists := tx.state.layers[l.ID]; exists {
		return Layer{}, fmt.Errorf("layer %q already exists", l.ID)
	}
	if l.State == "" {
		l.State = domain.AnchorStateActive
	}
	if !l.State.Valid() {
		return Layer{}, fmt.Errorf("layer %q: invalid state %q", l.ID, l.State)
	}
	tx.state.layers[l.ID] = cloneLayer(l)
	tx.recordChange(Change{Entity: domain.EntityLayer, Action: domain.ActionCreate, After: cloneLayer(l)})
	return cloneLayer(l), nil
}

// UpdateLayer mutates a layer using the provided mutator function.
func (tx *transaction) UpdateLayer(id string, mutator func(*Layer) error) (Layer, error) {
	current, ok := tx.state.layers[id]
	if !ok {
		return Layer{}, domain.NotFoundError{Entity: domain.EntityLayer, ID: id}
	}
	before := cloneLayer(current)
	if err := mutator(&current); err != nil {
		return Layer{}, err
	}
	current.ID = id
	if !current.State.Valid() {
		return Layer{}, fmt.Errorf("layer %q: invalid state %q", id, current.State)
	}
	tx.state.layers[id] = cloneLayer(current)
	tx.recordChange(Change{Entity: domain.EntityLayer, Action: domain.ActionUpdate, Before: before, After: cloneLayer(current)})
	return cloneLayer(current), nil
}

// CreatePredicate stores a new predicate.
func (tx *transaction) CreatePredicate(p Predicate) (Predicate, error) {
	if err := domain.ValidatePredicateID(p.ID); err != nil {
		return Predicate{}, err
	}
	if _, exists := tx.state.predicates[p.ID]; exists {
		return Predicate{}, fmt.Errorf("predicate %q already exists", p.ID)
	}
	if p.State == "" {
		p.State = domain.AnchorStateActive
	}
	tx.state.predicates[p.ID] = clonePredicate(p)
	tx.recordChange(Change{Entity: domain.EntityPredicate, Action: domain.ActionCreate, After: clonePredicate(p)})
	return clonePredicate(p), nil
}

// UpdatePredicate mutates an existing predicate.
func (tx *transaction) UpdatePredicate(id string, mutator func(*Predicate) error) (Predicate, error) {
	current, ok := tx.state.predicates[id]
	if !ok {
		return Predicate{}, domain.NotFoundError{Entity: domain.EntityPredicate, ID: id}
	}
	before := clonePredicate(current)
	if err := mutator(&current); err != nil {
		return Predicate{}, err
	}
	current.ID = id
	tx.state.predicates[id] = clonePredicate(current)
	tx.recordChange(Change{Entity: domain.EntityPredicate, Action: domain.ActionUpdate, Before: before, After: clonePredicate(current)})
	return clonePredicate(current), nil
}

// CreateCI registers a CI identity. Creating an existing CI is a no-op.
func (tx *transaction) CreateCI(id CIID) error {
	if id == uuid.Nil {
		return domain.InvalidIDError{Kind: "ci", ID: id.String()}
	}
	if _, exists := tx.state.cis[id]; exists {
		return nil
	}
	tx.state.cis[id] = struct{}{}
	tx.recordChange(Change{Entity: domain.EntityCI, Action: domain.ActionCreate, After: id})
	return nil
}

// CreateChangeset stores a new changeset. Its layer must exist.
func (tx *transaction) CreateChangeset(cs Changeset) (Changeset, error) {
	if cs.ID == uuid.Nil {
		cs.ID = uuid.New()
	}
	if _, exists := tx.state.changesets[cs.ID]; exists {
		return Changeset{}, fmt.Errorf("changeset %s already exists", cs.ID)
	}
	if _, ok := tx.state.layers[cs.LayerID]; !ok {
		return Changeset{}, domain.NotFoundError{Entity: domain.EntityLayer, ID: cs.LayerID}
	}
	if cs.Timestamp.IsZero() {
		cs.Timestamp = tx.now
	}
	if cs.Origin == "" {
		cs.Origin = domain.DataOriginManual
	}
	tx.state.changesets[cs.ID] = cs
	tx.recordChange(Change{Entity: domain.EntityChangeset, Action: domain.ActionCreate, After: cs})
	return cs, nil
}

// AppendAttribute appends an attribute fact to the history of its layer.
func (tx *transaction) AppendAttribute(a CIAttribute) (CIAttribute, error) {
	cs, err := tx.checkFact(a.LayerID, a.ChangesetID, a.CIID)
	if err != nil {
		return CIAttribute{}, fmt.Errorf("append attribute %q: %w", a.Name, err)
	}
	if a.Name == "" {
		return CIAttribute{}, fmt.Errorf("append attribute: %w: empty name", domain.ErrInvalidAttribute)
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = cs.Timestamp
	}
	var before any
	if history := tx.state.attributes[a.LayerID][a.Key()]; len(history) > 0 {
		before = history[len(history)-1]
	}
	tx.state.appendAttribute(a)
	action := domain.ActionCreate
	if before != nil {
		action = domain.ActionUpdate
	}
	tx.recordChange(Change{Entity: domain.EntityAttribute, Action: action, Before: before, After: a})
	return a, nil
}

// AppendRelation appends a relation fact to the history of its layer.
func (tx *transaction) AppendRelation(r Relation) (Relation, error) {
	if r.FromCIID == r.ToCIID {
		return Relation{}, fmt.Errorf("append relation: %w: from and to are the same CI", domain.ErrInvalidRelation)
	}
	if _, ok := tx.state.predicates[r.PredicateID]; !ok {
		return Relation{}, domain.NotFoundError{Entity: domain.EntityPredicate, ID: r.PredicateID}
	}
	cs, err := tx.checkFact(r.LayerID, r.ChangesetID, r.FromCIID)
	if err != nil {
		return Relation{}, fmt.Errorf("append relation: %w", err)
	}
	if _, ok := tx.state.cis[r.ToCIID]; !ok {
		return Relation{}, fmt.Errorf("append relation: %w", domain.NotFoundError{Entity: domain.EntityCI, ID: r.ToCIID.String()})
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = cs.Timestamp
	}
	var before any
	if history := tx.state.relations[r.LayerID][r.Key()]; len(history) > 0 {
		before = history[len(history)-1]
	}
	tx.state.appendRelation(r)
	action := domain.ActionCreate
	if before != nil {
		action = domain.ActionUpdate
	}
	tx.recordChange(Change{Entity: domain.EntityRelation, Action: action, Before: before, After: r})
	return r, nil
}

func (tx *transaction) checkFact(layerID string, changesetID uuid.UUID, ciid CIID) (Changeset, error) {
	if _, ok := tx.state.layers[layerID]; !ok {
		return Changeset{}, domain.NotFoundError{Entity: domain.EntityLayer, ID: layerID}
	}
	cs, ok := tx.state.changesets[changesetID]
	if !ok {
		return Changeset{}, domain.NotFoundError{Entity: domain.EntityChangeset, ID: changesetID.String()}
	}
	if cs.LayerID != layerID {
		return Changeset{}, fmt.Errorf("changeset %s belongs to layer %q, not %q", cs.ID, cs.LayerID, layerID)
	}
	if _, ok := tx.state.cis[ciid]; !ok {
		return Changeset{}, domain.NotFoundError{Entity: domain.EntityCI, ID: ciid.String()}
	}
	return cs, nil
}

// PutRecursiveTrait creates or replaces a stored trait definition.
func (tx *transaction) PutRecursiveTrait(t RecursiveTrait) (RecursiveTrait, error) {
	if err := domain.ValidateRecursiveTrait(t); err != nil {
		return RecursiveTrait{}, err
	}
	t.Origin = domain.TraitOrigin{Type: domain.TraitOriginData}
	before, existed := tx.state.traits[t.ID]
	tx.state.traits[t.ID] = cloneTrait(t)
	if existed {
		tx.recordChange(Change{Entity: domain.EntityTrait, Action: domain.ActionUpdate, Before: before, After: cloneTrait(t)})
	} else {
		tx.recordChange(Change{Entity: domain.EntityTrait, Action: domain.ActionCreate, After: cloneTrait(t)})
	}
	return cloneTrait(t), nil
}

// DeleteRecursiveTrait removes a stored trait definition.
func (tx *transaction) DeleteRecursiveTrait(id string) error {
	current, ok := tx.state.traits[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityTrait, ID: id}
	}
	delete(tx.state.traits, id)
	tx.recordChange(Change{Entity: domain.EntityTrait, Action: domain.ActionDelete, Before: current})
	return nil
}

// DeleteEmptyChangesets removes changesets older than olderThan that carry no facts.
func (tx *transaction) DeleteEmptyChangesets(olderThan time.Time) int {
	used := make(map[uuid.UUID]struct{})
	for _, byKey := range tx.state.attributes {
		for _, history := range byKey {
			for _, a := range history {
				used[a.ChangesetID] = struct{}{}
			}
		}
	}
	for _, byKey := range tx.state.relations {
		for _, history := range byKey {
			for _, r := range history {
				used[r.ChangesetID] = struct{}{}
			}
		}
	}
	deleted := 0
	for id, cs := range tx.state.changesets {
		if _, ok := used[id]; ok || !cs.Timestamp.Before(olderThan) {
			continue
		}
		delete(tx.state.changesets, id)
		tx.recordChange(Change{Entity: domain.EntityChangeset, Action: domain.ActionDelete, Before: cs})
		deleted++
	}
	return deleted
}

// transactionView exposes a read-only snapshot of the state.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// FindLayer returns a layer by id.
func (v transactionView) FindLayer(id string) (Layer, bool) {
	l, ok := v.state.layers[id]
	if !ok {
		return Layer{}, false
	}
	return cloneLayer(l), true
}

// ListLayers returns all layers sorted by id.
func (v transactionView) ListLayers() []Layer {
	out := make([]Layer, 0, len(v.state.layers))
	for _, id := range sortedKeys(v.state.layers) {
		out = append(out, cloneLayer(v.state.layers[id]))
	}
	return out
}

// FindPredicate returns a predicate by id.
func (v transactionView) FindPredicate(id string) (Predicate, bool) {
	p, ok := v.state.predicates[id]
	if !ok {
		return Predicate{}, false
	}
	return clonePredicate(p), true
}

// ListPredicates returns all predicates sorted by id.
func (v transactionView) ListPredicates() []Predicate {
	out := make([]Predicate, 0, len(v.state.predicates))
	for _, id := range sortedKeys(v.state.predicates) {
		out = append(out, clonePredicate(v.state.predicates[id]))
	}
	return out
}

// FindChangeset returns a changeset by id.
func (v transactionView) FindChangeset(id uuid.UUID) (Changeset, bool) {
	cs, ok := v.state.changesets[id]
	return cs, ok
}

// ListChangesets returns the changesets of layerIDs written in [from, to], newest first.
func (v transactionView) ListChangesets(layerIDs []string, from, to time.Time) []Changeset {
	layers := make(map[string]struct{}, len(layerIDs))
	for _, id := range layerIDs {
		layers[id] = struct{}{}
	}
	var out []Changeset
	for _, cs := range v.state.changesets {
		if len(layers) > 0 {
			if _, ok := layers[cs.LayerID]; !ok {
				continue
			}
		}
		if cs.Timestamp.Before(from) || cs.Timestamp.After(to) {
			continue
		}
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// CIExists reports whether the CI identity has been created.
func (v transactionView) CIExists(id CIID) bool {
	_, ok := v.state.cis[id]
	return ok
}

// ListCIIDs returns every CI id in deterministic order.
func (v transactionView) ListCIIDs() []CIID {
	out := make([]CIID, 0, len(v.state.cis))
	for id := range v.state.cis {
		out = append(out, id)
	}
	domain.SortCIIDs(out)
	return out
}

// ListRecursiveTraits returns the stored trait definitions sorted by id.
func (v transactionView) ListRecursiveTraits() []RecursiveTrait {
	out := make([]RecursiveTrait, 0, len(v.state.traits))
	for _, id := range sortedKeys(v.state.traits) {
		out = append(out, cloneTrait(v.state.traits[id]))
	}
	return out
}

// LatestAttributes returns the current attribute facts of a layer as of at.
func (v transactionView) LatestAttributes(layerID string, cis domain.CIIDSelection, attrs domain.AttributeSelection, at time.Time) []CIAttribute {
	if cis.IsEmpty() || attrs.IsEmpty() {
		return nil
	}
	var out []CIAttribute
	for key, history := range v.state.attributes[layerID] {
		if !cis.Contains(key.CIID) || !attrs.Contains(key.Name) {
			continue
		}
		latest, ok := latestAt(history, at, func(a CIAttribute) time.Time { return a.Timestamp })
		if !ok || latest.Removed() {
			continue
		}
		out = append(out, latest)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CIID != out[j].CIID {
			return out[i].CIID.String() < out[j].CIID.String()
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// LatestRelations returns the current relation facts of a layer as of at.
// Mask facts are returned; removals are not.
func (v transactionView) LatestRelations(layerID string, sel domain.RelationSelection, at time.Time) []Relation {
	var out []Relation
	for _, history := range v.state.relations[layerID] {
		if len(history) == 0 || !sel.Matches(history[0]) {
			continue
		}
		latest, ok := latestAt(history, at, func(r Relation) time.Time { return r.Timestamp })
		if !ok || latest.Removed() {
			continue
		}
		out = append(out, latest)
	}
	sort.Slice(out, func(i, j int) bool { return relationKeyLess(out[i].Key(), out[j].Key()) })
	return out
}

// latestAt picks the fact with the greatest timestamp not after at. Among equal
// timestamps the later append wins.
func latestAt[T any](history []T, at time.Time, ts func(T) time.Time) (T, bool) {
	var (
		best  T
		found bool
		bestT time.Time
	)
	for _, fact := range history {
		t := ts(fact)
		if t.After(at) {
			continue
		}
		if !found || !t.Before(bestT) {
			best, bestT, found = fact, t, true
		}
	}
	return best, found
}

// AttributeHistory returns every fact of one attribute in the layer, oldest first.
func (v transactionView) AttributeHistory(layerID string, ciid CIID, name string) []CIAttribute {
	history := v.state.attributes[layerID][domain.AttributeKey{CIID: ciid, Name: name}]
	return append([]CIAttribute(nil), history...)
}

// RelationHistory returns every fact of one relation in the layer, oldest first.
func (v transactionView) RelationHistory(layerID string, key domain.RelationKey) []Relation {
	return append([]Relation(nil), v.state.relations[layerID][key]...)
}

// AttributesOfChangeset returns the attribute facts written under a changeset.
func (v transactionView) AttributesOfChangeset(id uuid.UUID) []CIAttribute {
	cs, ok := v.state.changesets[id]
	if !ok {
		return nil
	}
	var out []CIAttribute
	for _, history := range v.state.attributes[cs.LayerID] {
		for _, a := range history {
			if a.ChangesetID == id {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CIID != out[j].CIID {
			return out[i].CIID.String() < out[j].CIID.String()
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RelationsOfChangeset returns the relation facts written under a changeset.
func (v transactionView) RelationsOfChangeset(id uuid.UUID) []Relation {
	cs, ok := v.state.changesets[id]
	if !ok {
		return nil
	}
	var out []Relation
	for _, history := range v.state.relations[cs.LayerID] {
		for _, r := range history {
			if r.ChangesetID == id {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return relationKeyLess(out[i].Key(), out[j].Key()) })
	return out
}

// CountFacts returns raw fact and changeset counters of a layer.
func (v transactionView) CountFacts(layerID string) domain.FactCounts {
	var counts domain.FactCounts
	for _, history := range v.state.attributes[layerID] {
		counts.AttributeFacts += len(history)
	}
	for _, history := range v.state.relations[layerID] {
		counts.RelationFacts += len(history)
	}
	for _, cs := range v.state.changesets {
		if cs.LayerID == layerID {
			counts.Changesets++
		}
	}
	return counts
}
