package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/max-bytes/omnikeeper-sub003/internal/infra/persistence/memory"
	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

var testEpoch = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// stepClock is a manual clock; tests advance it between writes so facts get
// distinct timestamps.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock { return &stepClock{now: testEpoch} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	clock     *stepClock
	store     *memory.Store
	attrs     *AttributeModel
	rels      *RelationModel
	traits    *TraitsProvider
	effective *EffectiveTraitModel
}

// newFixture builds an in-memory store holding the given layers and the
// predicates runs_on, has_interface and member_of.
func newFixture(t *testing.T, layers ...string) *fixture {
	t.Helper()
	clock := newStepClock()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		clock:  clock,
		store:  memory.NewStore(NewDefaultRulesEngine()),
		attrs:  NewAttributeModel(clock, 2),
		rels:   NewRelationModel(clock, 2),
		traits: NewTraitsProvider(),
	}
	f.effective = NewEffectiveTraitModel(f.attrs, f.rels, f.traits)
	_, err := f.store.RunInTransaction(f.ctx, func(tx Transaction) error {
		for _, id := range layers {
			if _, err := tx.CreateLayer(domain.Layer{ID: id, State: domain.AnchorStateActive}); err != nil {
				return err
			}
		}
		for _, id := range []string{"runs_on", "has_interface", "member_of"} {
			if _, err := tx.CreatePredicate(domain.Predicate{ID: id, WordingFrom: id, WordingTo: id, State: domain.AnchorStateActive}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed fixture: %v", err)
	}
	return f
}

// write runs fn in one transaction with a proxy at the current clock and
// advances the clock by a second afterwards.
func (f *fixture) write(fn func(tx Transaction, proxy *ChangesetProxy) error) *ChangesetProxy {
	f.t.Helper()
	proxy := NewChangesetProxy(domain.User{ID: 1, Username: "tester"}, domain.DataOriginManual, f.clock.Now())
	if _, err := f.store.RunInTransaction(f.ctx, func(tx Transaction) error { return fn(tx, proxy) }); err != nil {
		f.t.Fatalf("write: %v", err)
	}
	f.clock.Advance(time.Second)
	return proxy
}

func (f *fixture) setAttr(layerID string, ciid CIID, name string, value domain.AttributeValue) {
	f.t.Helper()
	f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		_, _, err := f.attrs.InsertAttribute(f.ctx, tx, name, value, ciid, layerID, proxy, ForceWrite())
		return err
	})
}

func (f *fixture) relate(layerID string, from, to CIID, predicateID string, mask bool) {
	f.t.Helper()
	f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		_, _, err := f.rels.InsertRelation(f.ctx, tx, from, to, predicateID, mask, layerID, proxy)
		return err
	})
}

func (f *fixture) read(fn func(view TransactionView)) {
	f.t.Helper()
	if err := f.store.View(f.ctx, func(view TransactionView) error {
		fn(view)
		return nil
	}); err != nil {
		f.t.Fatalf("view: %v", err)
	}
}

func (f *fixture) mergedAttr(ciid CIID, name string, layers domain.LayerSet, at domain.TimeThreshold) (domain.MergedCIAttribute, bool) {
	f.t.Helper()
	var (
		attr domain.MergedCIAttribute
		ok   bool
	)
	f.read(func(view TransactionView) {
		var err error
		attr, ok, err = f.attrs.GetMergedAttribute(f.ctx, view, name, ciid, layers, at)
		if err != nil {
			f.t.Fatalf("merged attribute: %v", err)
		}
	})
	return attr, ok
}

func (f *fixture) mergedRelations(sel domain.RelationSelection, layers domain.LayerSet, masks MaskHandlingForRetrieval) []domain.MergedRelation {
	f.t.Helper()
	var out []domain.MergedRelation
	f.read(func(view TransactionView) {
		var err error
		out, err = f.rels.GetMergedRelations(f.ctx, view, sel, layers, domain.LatestTime(), masks)
		if err != nil {
			f.t.Fatalf("merged relations: %v", err)
		}
	})
	return out
}
