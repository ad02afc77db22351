package core

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/max-bytes/omnikeeper-sub003/pkg/domain"
)

type captureAuditRecorder struct {
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) has(op string, status AuditStatus, predicate func(AuditEntry) bool) bool {
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			if predicate == nil || predicate(entry) {
				return true
			}
		}
	}
	return false
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type captureTracer struct {
	ended []spanRecord
}

type spanRecord struct {
	op  string
	err error
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	return ctx, &captureSpan{tracer: c, op: op}
}

func (c *captureTracer) has(op string, success bool) bool {
	for _, record := range c.ended {
		if record.op == op && (record.err == nil) == success {
			return true
		}
	}
	return false
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
}

var testActor = Actor{User: domain.User{ID: 7, Username: "importer"}, Origin: domain.DataOriginManual}

// newTestService builds an in-memory service with the layers and predicates
// most tests need and a clock that only moves when told to.
func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *stepClock) {
	t.Helper()
	clock := newStepClock()
	svc := NewInMemoryService(NewDefaultRulesEngine(), append([]ServiceOption{WithClock(clock)}, opts...)...)
	ctx := context.Background()
	for _, id := range []string{"base", "override"} {
		if _, _, err := svc.CreateLayer(ctx, domain.Layer{ID: id}); err != nil {
			t.Fatalf("create layer %s: %v", id, err)
		}
	}
	for _, id := range []string{"runs_on", "has_interface"} {
		if _, _, err := svc.CreatePredicate(ctx, domain.Predicate{ID: id, WordingFrom: id, WordingTo: id}); err != nil {
			t.Fatalf("create predicate %s: %v", id, err)
		}
	}
	return svc, clock
}

func TestServiceObservability(t *testing.T) {
	ctx := context.Background()
	audit := &captureAuditRecorder{}
	metrics := &captureMetricsRecorder{}
	tracer := &captureTracer{}
	svc, _ := newTestService(t, WithAuditRecorder(audit), WithMetricsRecorder(metrics), WithTracer(tracer))

	if !audit.has("create_layer", AuditStatusSuccess, func(e AuditEntry) bool { return e.EntityID == "base" && e.Entity == domain.EntityLayer }) {
		t.Fatalf("expected audit entry for create_layer")
	}

	ci := domain.NewCIID()
	out, _, err := svc.InsertAttribute(ctx, testActor, "base", ci, "os", domain.TextValue("linux"), ForceWrite())
	if err != nil {
		t.Fatalf("insert attribute: %v", err)
	}
	if !out.Changed || len(out.Changesets) != 1 {
		t.Fatalf("expected one changeset for a changed write, got %+v", out)
	}
	if out.Changesets[0].User.Username != "importer" {
		t.Fatalf("changeset user not propagated: %+v", out.Changesets[0].User)
	}
	if !audit.has("insert_attribute", AuditStatusSuccess, func(e AuditEntry) bool { return e.EntityID == ci.String() }) {
		t.Fatalf("expected audit entry for insert_attribute")
	}

	if _, _, err := svc.RemoveAttribute(ctx, testActor, "base", ci, "missing"); !errors.Is(err, domain.ErrAttributeNotFound) {
		t.Fatalf("expected attribute not found, got %v", err)
	}
	if !audit.has("remove_attribute", AuditStatusError, func(e AuditEntry) bool { return e.Error != "" }) {
		t.Fatalf("expected audit error entry for remove_attribute")
	}
	if !metrics.has("remove_attribute", false) {
		t.Fatalf("expected failed metrics entry for remove_attribute")
	}
	if !tracer.has("remove_attribute", false) {
		t.Fatalf("expected failed span for remove_attribute")
	}

	if _, err := svc.GetMergedCI(ctx, ci, domain.NewLayerSet("base"), domain.LatestTime()); err != nil {
		t.Fatalf("get merged ci: %v", err)
	}
	if !metrics.has("get_merged_ci", true) || !tracer.has("get_merged_ci", true) {
		t.Fatalf("expected reads to be measured and traced")
	}
	for _, e := range audit.entries {
		if e.Operation == "get_merged_ci" {
			t.Fatalf("reads must not be audited: %+v", e)
		}
	}
}

func TestServiceLogsViolationsAndFailures(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc, _ := newTestService(t, WithLogger(logger))

	if _, _, err := svc.UpdateLayer(ctx, "base", func(l *domain.Layer) error {
		l.State = domain.AnchorStateInactive
		return nil
	}); err != nil {
		t.Fatalf("update layer: %v", err)
	}
	_, res, err := svc.InsertAttribute(ctx, testActor, "base", domain.NewCIID(), "os", domain.TextValue("linux"), ForceWrite())
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if !res.HasBlocking() {
		t.Fatalf("expected blocking result, got %+v", res)
	}
	logs := buf.String()
	for _, want := range []string{"rule violation", "rule=layer_state", "operation failed", "operation=insert_attribute", "operation completed"} {
		if !strings.Contains(logs, want) {
			t.Fatalf("expected %q in logs:\n%s", want, logs)
		}
	}
}

func TestServiceCacheIsPurgedOnWrite(t *testing.T) {
	ctx := context.Background()
	cache, err := NewMergedCache(16)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	svc, clock := newTestService(t, WithCache(cache))
	ci := domain.NewCIID()
	layers := domain.NewLayerSet("base")
	at := domain.AtTime(clock.Now())

	if _, _, err := svc.InsertAttribute(ctx, testActor, "base", ci, "os", domain.TextValue("linux"), ForceWrite()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	merged, err := svc.GetMergedCI(ctx, ci, layers, at)
	if err != nil {
		t.Fatalf("get merged ci: %v", err)
	}
	if got := merged.Attributes["os"].Attribute.Value.String(); got != "linux" {
		t.Fatalf("expected linux, got %s", got)
	}
	if cache.Len() == 0 {
		t.Fatalf("expected merged ci to be cached")
	}

	// same timestamp: the later append wins at the cached threshold
	if _, _, err := svc.InsertAttribute(ctx, testActor, "base", ci, "os", domain.TextValue("bsd"), ForceWrite()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected cache purge after write, %d entries left", cache.Len())
	}
	merged, err = svc.GetMergedCI(ctx, ci, layers, at)
	if err != nil {
		t.Fatalf("get merged ci: %v", err)
	}
	if got := merged.Attributes["os"].Attribute.Value.String(); got != "bsd" {
		t.Fatalf("expected bsd after purge, got %s", got)
	}

	if _, err := svc.GetEffectiveTraits(ctx, ci, layers, at); err != nil {
		t.Fatalf("effective traits: %v", err)
	}
	before := cache.Len()
	if _, _, err := svc.PutTrait(ctx, nicTrait()); err != nil {
		t.Fatalf("put trait: %v", err)
	}
	if _, err := svc.GetEffectiveTraits(ctx, ci, layers, at); err != nil {
		t.Fatalf("effective traits: %v", err)
	}
	if cache.Len() > before {
		t.Fatalf("expected trait change to purge the cache")
	}
}

func TestServiceGetMergedCIErrors(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.GetMergedCI(ctx, domain.NewCIID(), domain.NewLayerSet("base"), domain.LatestTime())
	var nf domain.NotFoundError
	if !errors.As(err, &nf) || nf.Entity != domain.EntityCI {
		t.Fatalf("expected ci not found, got %v", err)
	}
	id, _, err := svc.CreateCI(ctx, domain.CIID{})
	if err != nil {
		t.Fatalf("create ci: %v", err)
	}
	if _, err := svc.GetMergedCI(ctx, id, domain.NewLayerSet("nope"), domain.LatestTime()); !domain.IsConfigurationError(err) {
		t.Fatalf("expected unknown layer error, got %v", err)
	}
	ci, err := svc.GetMergedCI(ctx, id, domain.NewLayerSet("base"), domain.LatestTime())
	if err != nil {
		t.Fatalf("empty ci: %v", err)
	}
	if len(ci.Attributes) != 0 || ci.Name != nil {
		t.Fatalf("expected empty merged ci, got %+v", ci)
	}
	if _, err := svc.BuildLayerSet(ctx, "base", "Bad Layer"); !domain.IsConfigurationError(err) {
		t.Fatalf("expected invalid layer id, got %v", err)
	}
}

func TestServiceTraitLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, _, err := svc.PutTrait(ctx, domain.NewTraitBuilder(NamedTraitID).MustBuild()); err == nil {
		t.Fatalf("expected core trait id to be reserved")
	}
	if _, _, err := svc.PutTrait(ctx, domain.NewTraitBuilder("a").Inherit("b").MustBuild()); !domain.IsConfigurationError(err) {
		t.Fatalf("expected unknown ancestor to be rejected, got %v", err)
	}
	b := domain.NewTraitBuilder("b").Require("id", domain.AttributeTemplate("id", domain.ValueTypeText, false)).MustBuild()
	if _, _, err := svc.PutTrait(ctx, b); err != nil {
		t.Fatalf("put b: %v", err)
	}
	stored, _, err := svc.PutTrait(ctx, domain.NewTraitBuilder("a").Inherit("b").MustBuild())
	if err != nil {
		t.Fatalf("put a: %v", err)
	}
	if stored.Origin.Type != domain.TraitOriginData {
		t.Fatalf("expected data origin, got %+v", stored.Origin)
	}

	cyclic := domain.NewTraitBuilder("b").Inherit("a").MustBuild()
	_, _, err = svc.PutTrait(ctx, cyclic)
	var cycle domain.TraitCycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}

	active, err := svc.ActiveTraits(ctx)
	if err != nil {
		t.Fatalf("active traits: %v", err)
	}
	var ids []string
	for _, tr := range active {
		ids = append(ids, tr.ID)
	}
	if strings.Join(ids, ",") != "a,b,named" {
		t.Fatalf("unexpected active traits %v", ids)
	}

	if _, err := svc.DeleteTrait(ctx, "b"); !domain.IsConfigurationError(err) {
		t.Fatalf("expected deleting a required ancestor to fail, got %v", err)
	}
	if _, err := svc.DeleteTrait(ctx, NamedTraitID); err == nil {
		t.Fatalf("expected core trait deletion to fail")
	}
	if _, err := svc.DeleteTrait(ctx, "a"); err != nil {
		t.Fatalf("delete a: %v", err)
	}
	if _, err := svc.DeleteTrait(ctx, "a"); err == nil {
		t.Fatalf("expected second delete to fail")
	}
}

func TestServiceEffectiveTraits(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	layers := domain.NewLayerSet("base", "override")
	if _, _, err := svc.PutTrait(ctx, hostTrait()); err != nil {
		t.Fatalf("put host: %v", err)
	}

	host, nic, missing := domain.NewCIID(), domain.NewCIID(), domain.NewCIID()
	if _, _, err := svc.InsertAttribute(ctx, testActor, "base", host, "hostname", domain.TextValue("h1"), ForceWrite()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, _, err := svc.InsertAttribute(ctx, testActor, "override", host, domain.NameAttribute, domain.TextValue("Host 1"), ForceWrite()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	clock.Advance(time.Second)
	if _, _, err := svc.InsertRelation(ctx, testActor, "base", host, nic, "has_interface", false); err != nil {
		t.Fatalf("relate: %v", err)
	}
	clock.Advance(time.Second)

	ets, err := svc.GetEffectiveTraits(ctx, host, layers, domain.LatestTime())
	if err != nil {
		t.Fatalf("effective traits: %v", err)
	}
	if got := traitIDs(ets); strings.Join(got, ",") != "host,named" {
		t.Fatalf("unexpected traits %v", got)
	}

	items, err := svc.GetEffectiveTraitsBatch(ctx, []CIID{host, missing}, layers, domain.LatestTime())
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !items[0].OK() || items[1].OK() {
		t.Fatalf("expected only the missing ci to fail: %+v", items)
	}

	cis, err := svc.GetCIsWithTrait(ctx, "host", domain.AllCIIDs(), layers, domain.LatestTime())
	if err != nil {
		t.Fatalf("cis with trait: %v", err)
	}
	if len(cis) != 1 || cis[0].Name == nil || *cis[0].Name != "Host 1" {
		t.Fatalf("unexpected cis %+v", cis)
	}

	if _, _, err := svc.RemoveRelation(ctx, testActor, "base", host, nic, "has_interface", ApplyNoMask()); err != nil {
		t.Fatalf("remove relation: %v", err)
	}
	clock.Advance(time.Second)
	cis, err = svc.GetCIsWithTrait(ctx, "host", domain.AllCIIDs(), layers, domain.LatestTime())
	if err != nil {
		t.Fatalf("cis with trait: %v", err)
	}
	if len(cis) != 0 {
		t.Fatalf("expected host trait to be lost with its interface, got %d", len(cis))
	}
}

func TestServiceValidateCI(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	ci := domain.NewCIID()
	if _, _, err := svc.InsertAttribute(ctx, testActor, "base", ci, "hostname", domain.TextValue("a-very-long-hostname"), ForceWrite()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	clock.Advance(time.Second)
	tmpl := domain.Template{
		AttributeTemplates: []domain.CIAttributeTemplate{
			domain.AttributeTemplate("hostname", domain.ValueTypeText, false, domain.TextLength(nil, domain.IntPtr(8))),
		},
		RelationTemplates: []domain.RelationTemplate{{PredicateID: "runs_on", DirectionForward: true, MinCardinality: domain.IntPtr(0)}},
	}
	report, err := svc.ValidateCI(ctx, ci, domain.NewLayerSet("base"), domain.LatestTime(), tmpl)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if report.Count() != 1 || len(report.AttributeErrors["hostname"]) != 1 {
		t.Fatalf("expected one hostname error, got %+v", report)
	}
	if _, err := svc.ValidateCI(ctx, domain.NewCIID(), domain.NewLayerSet("base"), domain.LatestTime(), tmpl); err == nil {
		t.Fatalf("expected unknown ci to fail")
	}
}

func TestServiceReplaceLayer(t *testing.T) {
	ctx := context.Background()
	audit := &captureAuditRecorder{}
	svc, clock := newTestService(t, WithAuditRecorder(audit))
	vm, host := domain.NewCIID(), domain.NewCIID()
	start := clock.Now()

	attrs, rels, _, err := svc.ReplaceLayer(ctx, testActor,
		BulkScopeLayer("base",
			BulkAttributeFragment{CIID: vm, Name: "os", Value: domain.TextValue("linux")},
			BulkAttributeFragment{CIID: host, Name: "hostname", Value: domain.TextValue("h1")},
		),
		BulkScopeRelationLayer("base", BulkRelationFragment{From: vm, To: host, PredicateID: "runs_on"}),
	)
	if err != nil {
		t.Fatalf("replace layer: %v", err)
	}
	if attrs.Inserted != 2 || rels.Inserted != 1 {
		t.Fatalf("unexpected counts %+v %+v", attrs, rels)
	}
	clock.Advance(time.Second)

	changesets, err := svc.GetChangesetsInTimespan(ctx, start, clock.Now(), domain.NewLayerSet("base"), domain.AllCIIDs(), 0)
	if err != nil {
		t.Fatalf("changesets: %v", err)
	}
	if len(changesets) != 1 {
		t.Fatalf("expected attributes and relations to share one changeset, got %d", len(changesets))
	}
	stats, err := svc.GetChangesetStatistics(ctx, changesets[0].ID)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.NumAttributeChanges != 2 || stats.NumRelationChanges != 1 {
		t.Fatalf("unexpected statistics %+v", stats)
	}
	if _, err := svc.GetChangeset(ctx, changesets[0].ID); err != nil {
		t.Fatalf("get changeset: %v", err)
	}
	layerStats, err := svc.GetLayerStatistics(ctx, "base", domain.LatestTime())
	if err != nil {
		t.Fatalf("layer statistics: %v", err)
	}
	if layerStats.NumActiveAttributes != 2 || layerStats.NumActiveRelations != 1 {
		t.Fatalf("unexpected layer statistics %+v", layerStats)
	}
	if !audit.has("replace_layer", AuditStatusSuccess, func(e AuditEntry) bool { return e.EntityID == "base" }) {
		t.Fatalf("expected audit entry for replace_layer")
	}

	if _, _, _, err := svc.ReplaceLayer(ctx, testActor, BulkScopeLayer("base"), BulkScopeRelationLayer("override")); err == nil {
		t.Fatalf("expected mismatched layers to fail")
	}

	deleted, err := svc.DeleteEmptyChangesets(ctx, clock.Now())
	if err != nil || deleted != 0 {
		t.Fatalf("expected no empty changesets, got %d (%v)", deleted, err)
	}
}

func TestServiceMaskedRelationRead(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	layers := domain.NewLayerSet("base", "override")
	vm, host := domain.NewCIID(), domain.NewCIID()
	if _, _, err := svc.InsertRelation(ctx, testActor, "base", vm, host, "runs_on", false); err != nil {
		t.Fatalf("relate: %v", err)
	}
	clock.Advance(time.Second)
	out, _, err := svc.RemoveRelation(ctx, testActor, "override", vm, host, "runs_on", ApplyMaskIfNecessary(layers))
	if err != nil {
		t.Fatalf("mask: %v", err)
	}
	if !out.Fact.Mask {
		t.Fatalf("expected a mask to be written, got %+v", out.Fact)
	}
	clock.Advance(time.Second)

	visible, err := svc.GetMergedRelations(ctx, domain.AllRelations(), layers, domain.LatestTime(), ApplyMasks())
	if err != nil {
		t.Fatalf("merged relations: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("expected masked relation to be hidden, got %d", len(visible))
	}
	all, err := svc.GetMergedRelations(ctx, domain.AllRelations(), layers, domain.LatestTime(), IncludeMasks())
	if err != nil {
		t.Fatalf("merged relations: %v", err)
	}
	if len(all) != 1 || !all[0].Relation.Mask {
		t.Fatalf("expected the mask with IncludeMasks, got %+v", all)
	}
	if got := strings.Join(all[0].LayerStackIDs, ","); got != "base,override" {
		t.Fatalf("unexpected layer stack %s", got)
	}
}
