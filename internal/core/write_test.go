package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

func (f *fixture) changesetCount(layerID string) int {
	var n int
	f.read(func(view TransactionView) {
		n = len(view.ListChangesets([]string{layerID}, testEpoch.AddDate(-1, 0, 0), f.clock.Now()))
	})
	return n
}

func TestInsertAttributeEqualValueIsNoop(t *testing.T) {
	f := newFixture(t, "base")
	ci := domain.NewCIID()

	proxy := f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		fact, changed, err := f.attrs.InsertAttribute(f.ctx, tx, "os", domain.TextValue("linux"), ci, "base", proxy, ForceWrite())
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, domain.AttributeStateNew, fact.State)
		return nil
	})
	require.Len(t, proxy.Changesets(), 1)

	proxy = f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		_, changed, err := f.attrs.InsertAttribute(f.ctx, tx, "os", domain.TextValue("linux"), ci, "base", proxy, ForceWrite())
		require.NoError(t, err)
		assert.False(t, changed)
		return nil
	})
	assert.Empty(t, proxy.Changesets(), "no changeset for a no-op write")
	assert.Equal(t, 1, f.changesetCount("base"))

	f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		fact, changed, err := f.attrs.InsertAttribute(f.ctx, tx, "os", domain.TextValue("bsd"), ci, "base", proxy, ForceWrite())
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, domain.AttributeStateChanged, fact.State)
		return nil
	})
	assert.Equal(t, 2, f.changesetCount("base"))
}

func TestInsertAttributeValidation(t *testing.T) {
	f := newFixture(t, "base")
	ci := domain.NewCIID()
	cases := []struct {
		name  string
		attr  string
		value domain.AttributeValue
		layer string
		check func(error) bool
	}{
		{"empty name", " ", domain.TextValue("x"), "base", func(err error) bool { return errors.Is(err, domain.ErrInvalidAttribute) }},
		{"zero value", "os", domain.AttributeValue{}, "base", func(err error) bool { return errors.Is(err, domain.ErrInvalidAttribute) }},
		{"unknown layer", "os", domain.TextValue("x"), "missing", domain.IsConfigurationError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.store.RunInTransaction(f.ctx, func(tx Transaction) error {
				proxy := NewChangesetProxy(domain.User{}, domain.DataOriginManual, f.clock.Now())
				_, _, err := f.attrs.InsertAttribute(f.ctx, tx, tc.attr, tc.value, ci, tc.layer, proxy, ForceWrite())
				return err
			})
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected error %v", err)
		})
	}
}

func TestRemoveAttribute(t *testing.T) {
	f := newFixture(t, "base")
	ci := domain.NewCIID()

	_, err := f.store.RunInTransaction(f.ctx, func(tx Transaction) error {
		proxy := NewChangesetProxy(domain.User{}, domain.DataOriginManual, f.clock.Now())
		_, _, err := f.attrs.RemoveAttribute(f.ctx, tx, "os", ci, "base", proxy)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrAttributeNotFound)

	f.setAttr("base", ci, "os", domain.TextValue("linux"))
	f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		fact, changed, err := f.attrs.RemoveAttribute(f.ctx, tx, "os", ci, "base", proxy)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, fact.Removed())
		return nil
	})
	proxy := f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		_, changed, err := f.attrs.RemoveAttribute(f.ctx, tx, "os", ci, "base", proxy)
		require.NoError(t, err)
		assert.False(t, changed, "removing a removed attribute is a no-op")
		return nil
	})
	assert.Empty(t, proxy.Changesets())
}

func TestInsertAttributeTakeIntoAccount(t *testing.T) {
	f := newFixture(t, "base", "override")
	ci := domain.NewCIID()
	read := domain.NewLayerSet("base", "override")
	f.setAttr("base", ci, "os", domain.TextValue("linux"))

	proxy := f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		_, changed, err := f.attrs.InsertAttribute(f.ctx, tx, "os", domain.TextValue("linux"), ci, "override", proxy, TakeIntoAccount(read))
		require.NoError(t, err)
		assert.False(t, changed, "value already provided by base")
		return nil
	})
	assert.Empty(t, proxy.Changesets())

	f.setAttr("override", ci, "os", domain.TextValue("windows"))
	f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		fact, changed, err := f.attrs.InsertAttribute(f.ctx, tx, "os", domain.TextValue("linux"), ci, "override", proxy, TakeIntoAccount(read))
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, fact.Removed(), "override copy is removed instead of duplicated")
		return nil
	})

	attr, ok := f.mergedAttr(ci, "os", read, domain.LatestTime())
	require.True(t, ok)
	assert.Equal(t, "base", attr.WinningLayer())
	assert.Equal(t, "linux", attr.Attribute.Value.String())
}

func TestMaskPolicies(t *testing.T) {
	read := domain.NewLayerSet("base", "override", "top")
	assert.Equal(t, []string{"base"}, TakeIntoAccount(read).OtherLayers("override").LayerIDs())
	assert.Equal(t, []string{"base", "override", "top"}, TakeIntoAccount(read).OtherLayers("elsewhere").LayerIDs())
	assert.True(t, ForceWrite().OtherLayers("override").IsEmpty())
	assert.Equal(t, []string{"base", "override"}, ApplyMaskIfNecessary(read).MaskLayers("top").LayerIDs())
	assert.True(t, ApplyNoMask().MaskLayers("top").IsEmpty())
	assert.False(t, ApplyMasks().IncludeMasked())
	assert.True(t, IncludeMasks().IncludeMasked())
}

func TestRemoveRelationMaskIfNecessary(t *testing.T) {
	f := newFixture(t, "cmdb", "override")
	vm, host := domain.NewCIID(), domain.NewCIID()
	read := domain.NewLayerSet("cmdb", "override")
	f.relate("cmdb", vm, host, "runs_on", false)
	f.relate("override", vm, host, "runs_on", false)

	f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		fact, changed, err := f.rels.RemoveRelation(f.ctx, tx, vm, host, "runs_on", "override", proxy, ApplyMaskIfNecessary(read))
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, fact.Mask, "cmdb still holds the relation, so a mask is written")
		return nil
	})
	assert.Empty(t, f.mergedRelations(domain.AllRelations(), read, ApplyMasks()))

	f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		fact, changed, err := f.rels.RemoveRelation(f.ctx, tx, vm, host, "runs_on", "override", proxy, ApplyNoMask())
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, fact.Removed())
		return nil
	})
	visible := f.mergedRelations(domain.AllRelations(), read, ApplyMasks())
	require.Len(t, visible, 1)
	assert.Equal(t, "cmdb", visible[0].Relation.LayerID)
}

func TestRelationWriteValidation(t *testing.T) {
	f := newFixture(t, "cmdb")
	a, b := domain.NewCIID(), domain.NewCIID()
	cases := []struct {
		name      string
		from, to  CIID
		predicate string
		layer     string
		check     func(error) bool
	}{
		{"self relation", a, a, "runs_on", "cmdb", func(err error) bool { return errors.Is(err, domain.ErrInvalidRelation) }},
		{"invalid predicate id", a, b, "Runs On", "cmdb", domain.IsConfigurationError},
		{"unknown predicate", a, b, "depends_on", "cmdb", func(err error) bool {
			var nf domain.NotFoundError
			return errors.As(err, &nf) && nf.Entity == domain.EntityPredicate
		}},
		{"unknown layer", a, b, "runs_on", "missing", domain.IsConfigurationError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.store.RunInTransaction(f.ctx, func(tx Transaction) error {
				proxy := NewChangesetProxy(domain.User{}, domain.DataOriginManual, f.clock.Now())
				_, _, err := f.rels.InsertRelation(f.ctx, tx, tc.from, tc.to, tc.predicate, false, tc.layer, proxy)
				return err
			})
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected error %v", err)
		})
	}

	_, err := f.store.RunInTransaction(f.ctx, func(tx Transaction) error {
		proxy := NewChangesetProxy(domain.User{}, domain.DataOriginManual, f.clock.Now())
		_, _, err := f.rels.RemoveRelation(f.ctx, tx, a, b, "runs_on", "cmdb", proxy, ApplyNoMask())
		return err
	})
	assert.ErrorIs(t, err, domain.ErrRelationNotFound)
}

func TestBulkReplaceAttributesScopes(t *testing.T) {
	f := newFixture(t, "import")
	a, b := domain.NewCIID(), domain.NewCIID()
	f.setAttr("import", a, "os", domain.TextValue("linux"))
	f.setAttr("import", a, "hw.cpu", domain.IntegerValue(2))
	f.setAttr("import", b, "hw.cpu", domain.IntegerValue(4))
	layers := domain.NewLayerSet("import")

	f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		res, err := f.attrs.BulkReplaceAttributes(f.ctx, tx, BulkScopeLayerNamePrefix("import", "hw.",
			BulkAttributeFragment{CIID: a, Name: "hw.cpu", Value: domain.IntegerValue(2)},
			BulkAttributeFragment{CIID: a, Name: "hw.ram", Value: domain.IntegerValue(16)},
		), proxy)
		require.NoError(t, err)
		assert.Equal(t, BulkResult{Inserted: 1, Removed: 1, Unchanged: 1}, res)
		return nil
	})
	_, ok := f.mergedAttr(b, "hw.cpu", layers, domain.LatestTime())
	assert.False(t, ok, "b's hw.cpu was in scope and not listed")
	_, ok = f.mergedAttr(a, "os", layers, domain.LatestTime())
	assert.True(t, ok, "os is outside the prefix scope")

	f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		res, err := f.attrs.BulkReplaceAttributes(f.ctx, tx, BulkScopeCI("import", a,
			BulkAttributeFragment{CIID: a, Name: "os", Value: domain.TextValue("linux")},
		), proxy)
		require.NoError(t, err)
		assert.Equal(t, BulkResult{Removed: 2, Unchanged: 1}, res)
		return nil
	})

	proxy := f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		res, err := f.attrs.BulkReplaceAttributes(f.ctx, tx, BulkScopeCIAndAttributes("import", domain.SpecificCIIDs(a), domain.NamedAttributes("os"),
			BulkAttributeFragment{CIID: a, Name: "os", Value: domain.TextValue("linux")},
		), proxy)
		require.NoError(t, err)
		assert.False(t, res.Changed())
		return nil
	})
	assert.Empty(t, proxy.Changesets(), "unchanged bulk writes create no changeset")

	_, err := f.store.RunInTransaction(f.ctx, func(tx Transaction) error {
		proxy := NewChangesetProxy(domain.User{}, domain.DataOriginManual, f.clock.Now())
		_, err := f.attrs.BulkReplaceAttributes(f.ctx, tx, BulkScopeCI("import", a,
			BulkAttributeFragment{CIID: b, Name: "os", Value: domain.TextValue("linux")},
		), proxy)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAttribute, "fragments outside the scope are rejected")

	f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		res, err := f.attrs.BulkReplaceAttributes(f.ctx, tx, BulkScopeLayer("import"), proxy)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Removed)
		return nil
	})
	f.read(func(view TransactionView) {
		merged, err := f.attrs.GetMergedAttributes(f.ctx, view, domain.AllCIIDs(), domain.AllAttributes(), layers, domain.LatestTime())
		require.NoError(t, err)
		assert.Empty(t, merged)
	})
}

func TestBulkReplaceRelationsScopes(t *testing.T) {
	f := newFixture(t, "import")
	vm, host, nic := domain.NewCIID(), domain.NewCIID(), domain.NewCIID()
	f.relate("import", vm, host, "runs_on", false)
	f.relate("import", host, nic, "has_interface", false)
	layers := domain.NewLayerSet("import")

	f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		res, err := f.rels.BulkReplaceRelations(f.ctx, tx, BulkScopeRelationPredicate("import", []string{"runs_on"},
			BulkRelationFragment{From: nic, To: host, PredicateID: "runs_on"},
		), proxy)
		require.NoError(t, err)
		assert.Equal(t, BulkResult{Inserted: 1, Removed: 1}, res)
		return nil
	})
	assert.Len(t, f.mergedRelations(domain.AllRelations(), layers, ApplyMasks()), 2)

	f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		res, err := f.rels.BulkReplaceRelations(f.ctx, tx, BulkScopeRelationTuples("import",
			[]BulkRelationFragment{{From: vm, To: host, PredicateID: "member_of"}},
			[]domain.RelationKey{{FromCIID: host, ToCIID: nic, PredicateID: "has_interface"}},
		), proxy)
		require.NoError(t, err)
		assert.Equal(t, BulkResult{Inserted: 1, Removed: 1}, res)
		return nil
	})
	assert.Len(t, f.mergedRelations(domain.AllRelations(), layers, ApplyMasks()), 2)

	f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		res, err := f.rels.BulkReplaceRelations(f.ctx, tx, BulkScopeRelationCI("import", vm), proxy)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Removed)
		return nil
	})
	remaining := f.mergedRelations(domain.AllRelations(), layers, ApplyMasks())
	require.Len(t, remaining, 1)
	assert.Equal(t, nic, remaining[0].Relation.FromCIID)

	_, err := f.store.RunInTransaction(f.ctx, func(tx Transaction) error {
		proxy := NewChangesetProxy(domain.User{}, domain.DataOriginManual, f.clock.Now())
		_, err := f.rels.BulkReplaceRelations(f.ctx, tx, BulkScopeRelationCI("import", vm,
			BulkRelationFragment{From: host, To: nic, PredicateID: "runs_on"},
		), proxy)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvalidRelation)

	f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		res, err := f.rels.BulkReplaceRelations(f.ctx, tx, BulkScopeRelationLayer("import"), proxy)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Removed)
		return nil
	})
	assert.Empty(t, f.mergedRelations(domain.AllRelations(), layers, ApplyMasks()))
}

func TestChangesetsAndStatistics(t *testing.T) {
	f := newFixture(t, "base", "other")
	a, b := domain.NewCIID(), domain.NewCIID()
	start := f.clock.Now()

	proxy := f.write(func(tx Transaction, proxy *ChangesetProxy) error {
		if _, _, err := f.attrs.InsertAttribute(f.ctx, tx, "os", domain.TextValue("linux"), a, "base", proxy, ForceWrite()); err != nil {
			return err
		}
		if _, _, err := f.attrs.InsertAttribute(f.ctx, tx, "os", domain.TextValue("bsd"), b, "other", proxy, ForceWrite()); err != nil {
			return err
		}
		_, _, err := f.rels.InsertRelation(f.ctx, tx, a, b, "runs_on", false, "base", proxy)
		return err
	})
	changesets := proxy.Changesets()
	require.Len(t, changesets, 2, "one changeset per written layer")
	for _, cs := range changesets {
		assert.True(t, cs.Timestamp.Equal(proxy.Timestamp()))
		assert.Equal(t, domain.DataOriginManual, cs.Origin)
	}
	baseCS := changesets[0]
	require.Equal(t, "base", baseCS.LayerID)

	f.setAttr("base", b, "os", domain.TextValue("linux"))

	var model ChangesetModel
	f.read(func(view TransactionView) {
		stats, err := model.GetChangesetStatistics(view, baseCS.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.NumAttributeChanges)
		assert.Equal(t, 1, stats.NumRelationChanges)

		_, err = model.GetChangesetStatistics(view, domain.NewCIID())
		var nf domain.NotFoundError
		assert.True(t, errors.As(err, &nf))

		touchingA := model.GetChangesetsInTimespan(view, start, f.clock.Now(), domain.NewLayerSet("base"), domain.SpecificCIIDs(a), 0)
		require.Len(t, touchingA, 1)
		assert.Equal(t, baseCS.ID, touchingA[0].ID)

		touchingB := model.GetChangesetsInTimespan(view, start, f.clock.Now(), domain.NewLayerSet("base"), domain.SpecificCIIDs(b), 0)
		require.Len(t, touchingB, 2, "relation and later attribute both touch b")
		assert.True(t, touchingB[0].Timestamp.After(touchingB[1].Timestamp), "newest first")

		limited := model.GetChangesetsInTimespan(view, start, f.clock.Now(), domain.NewLayerSet("base", "other"), domain.AllCIIDs(), 1)
		assert.Len(t, limited, 1)

		merged, ok, err := f.attrs.GetMergedAttribute(f.ctx, view, "os", a, domain.NewLayerSet("base"), domain.LatestTime())
		require.NoError(t, err)
		require.True(t, ok)
		cs, ok := GetMergedAttributeProvenance(view, merged)
		require.True(t, ok)
		assert.Equal(t, baseCS.ID, cs.ID)
		assert.Equal(t, "tester", cs.User.Username)

		layerStats, err := LayerStatisticsModel{}.GetLayerStatistics(f.ctx, view, "base", f.clock.Now())
		require.NoError(t, err)
		assert.Equal(t, 2, layerStats.NumActiveAttributes)
		assert.Equal(t, 1, layerStats.NumActiveRelations)
		assert.Equal(t, 2, layerStats.NumLayerChangesetsHistory)
	})
}
