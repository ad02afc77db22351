package domain

import (
	"reflect"
	"testing"
	"time"
)

func TestCIIDSelectionKinds(t *testing.T) {
	a, b, c := NewCIID(), NewCIID(), NewCIID()

	if !AllCIIDs().Contains(a) || !AllCIIDs().IsAll() {
		t.Fatalf("all must contain everything")
	}
	if NoCIIDs().Contains(a) || !NoCIIDs().IsEmpty() || !SpecificCIIDs().IsEmpty() {
		t.Fatalf("none must be empty")
	}
	spec := SpecificCIIDs(a, b, a)
	if !spec.Contains(a) || spec.Contains(c) {
		t.Fatalf("unexpected specific membership")
	}
	ids, ok := spec.SpecificIDs()
	want := []CIID{a, b}
	SortCIIDs(want)
	if !ok || !reflect.DeepEqual(ids, want) {
		t.Fatalf("unexpected specific ids %v", ids)
	}
	if _, ok := AllCIIDs().SpecificIDs(); ok {
		t.Fatalf("all is not a specific selection")
	}
	except := AllCIIDsExcept(a)
	if except.Contains(a) || !except.Contains(c) {
		t.Fatalf("unexpected all-except membership")
	}
	if !AllCIIDsExcept().IsAll() {
		t.Fatalf("all-except nothing is all")
	}
}

func TestCIIDSelectionIntersect(t *testing.T) {
	a, b, c := NewCIID(), NewCIID(), NewCIID()

	got := SpecificCIIDs(a, b).Intersect(AllCIIDsExcept(b))
	if !got.Contains(a) || got.Contains(b) || got.Contains(c) {
		t.Fatalf("unexpected specific/except intersection")
	}
	got = AllCIIDsExcept(a).Intersect(SpecificCIIDs(a, c))
	if got.Contains(a) || !got.Contains(c) {
		t.Fatalf("intersection must be symmetric")
	}
	got = AllCIIDsExcept(a).Intersect(AllCIIDsExcept(b))
	if got.Contains(a) || got.Contains(b) || !got.Contains(c) {
		t.Fatalf("unexpected except/except intersection")
	}
	if !AllCIIDs().Intersect(NoCIIDs()).IsEmpty() {
		t.Fatalf("none absorbs")
	}
	if !AllCIIDs().Intersect(SpecificCIIDs(a)).Contains(a) {
		t.Fatalf("all is neutral")
	}
}

func TestAttributeSelection(t *testing.T) {
	named := NamedAttributes("os", "hostname")
	if !named.Contains("os") || named.Contains("ip") {
		t.Fatalf("unexpected named membership")
	}
	if !reflect.DeepEqual(named.Names(), []string{"hostname", "os"}) {
		t.Fatalf("names must be sorted, got %v", named.Names())
	}
	union := named.Union(NamedAttributes("ip"))
	if !union.Contains("ip") || !union.Contains("os") {
		t.Fatalf("unexpected union")
	}
	if !NoAttributes().Union(named).Contains("os") || !named.Union(AllAttributes()).Contains("anything") {
		t.Fatalf("unexpected union with special selections")
	}
	if !NoAttributes().IsEmpty() || !NamedAttributes().IsEmpty() || AllAttributes().IsEmpty() {
		t.Fatalf("unexpected emptiness")
	}
}

func TestRelationSelectionMatches(t *testing.T) {
	a, b, c := NewCIID(), NewCIID(), NewCIID()
	r := Relation{FromCIID: a, ToCIID: b, PredicateID: "runs_on"}
	cases := []struct {
		name string
		sel  RelationSelection
		want bool
	}{
		{"all", AllRelations(), true},
		{"from", RelationsFrom(a), true},
		{"from other", RelationsFrom(b), false},
		{"to", RelationsTo(b), true},
		{"from or to", RelationsFromOrTo(c, b), true},
		{"from or to miss", RelationsFromOrTo(c), false},
		{"predicate", RelationsWithPredicate("runs_on", "x"), true},
		{"predicate miss", RelationsWithPredicate("x"), false},
	}
	for _, tc := range cases {
		if got := tc.sel.Matches(r); got != tc.want {
			t.Fatalf("%s: Matches=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestMergedRelationOrient(t *testing.T) {
	a, b := NewCIID(), NewCIID()
	m := MergedRelation{Relation: Relation{FromCIID: a, ToCIID: b, PredicateID: "runs_on"}}
	fwd, ok := m.Orient(a)
	if !ok || fwd.Direction != DirectionForward || fwd.OtherCIID != b {
		t.Fatalf("unexpected forward orientation %+v", fwd)
	}
	back, ok := m.Orient(b)
	if !ok || back.Direction != DirectionBackward || back.OtherCIID != a {
		t.Fatalf("unexpected backward orientation %+v", back)
	}
	if _, ok := m.Orient(NewCIID()); ok {
		t.Fatalf("unrelated ci must not orient")
	}
	if m.Relation.Key().String() != a.String()+" -runs_on-> "+b.String() {
		t.Fatalf("unexpected key rendering %s", m.Relation.Key())
	}
}

func TestTimeThreshold(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	latest := LatestTime()
	if !latest.IsLatest() || latest.String() != "latest" || !latest.Resolve(now).Equal(now) {
		t.Fatalf("unexpected latest threshold")
	}
	pinned := latest.Pin(now)
	if pinned.IsLatest() || !pinned.Time().Equal(now) || pinned.Time().Location() != time.UTC {
		t.Fatalf("unexpected pinned threshold %s", pinned)
	}
	if again := pinned.Pin(now.Add(time.Hour)); !again.Time().Equal(now) {
		t.Fatalf("pinning a fixed threshold must not move it")
	}
	if (TimeThreshold{}) != LatestTime() {
		t.Fatalf("zero value must be latest")
	}
}
