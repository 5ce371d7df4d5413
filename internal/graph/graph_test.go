package graph

import (
	"errors"
	"reflect"
	"testing"

	"taskflow/internal/domain"
)

func TestAddEdgeRejectsCyclesAndDuplicates(t *testing.T) {
	g := New()
	if err := g.AddEdge("a", "b"); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if err := g.AddEdge("b", "c"); err != nil {
		t.Fatalf("b->c: %v", err)
	}
	if err := g.AddEdge("c", "a"); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("c->a: %v, want ErrCycleDetected", err)
	}
	if err := g.AddEdge("a", "a"); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("self edge: %v, want ErrCycleDetected", err)
	}
	if err := g.AddEdge("a", "b"); !errors.Is(err, ErrDuplicateEdge) {
		t.Fatalf("duplicate: %v, want ErrDuplicateEdge", err)
	}
	// rejected edges leave the graph untouched
	if got := g.Predecessors("a"); len(got) != 0 {
		t.Fatalf("predecessors(a) = %v, want none", got)
	}
}

func TestExpandPattern(t *testing.T) {
	cases := []struct {
		pattern domain.BatchPattern
		ids     []string
		want    [][2]string
	}{
		{domain.PatternLinear, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}}},
		{domain.PatternFanOut, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"a", "c"}}},
		{domain.PatternFanIn, []string{"a", "b", "c"}, [][2]string{{"a", "c"}, {"b", "c"}}},
	}
	for _, tc := range cases {
		got, err := ExpandPattern(tc.pattern, tc.ids)
		if err != nil {
			t.Fatalf("%s: %v", tc.pattern, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s = %v, want %v", tc.pattern, got, tc.want)
		}
	}
	if _, err := ExpandPattern(domain.PatternLinear, []string{"a"}); err == nil {
		t.Fatalf("single task should be rejected")
	}
	if _, err := ExpandPattern(domain.PatternFanIn, []string{"a", "b", "a"}); err == nil {
		t.Fatalf("repeated task should be rejected")
	}
}

func TestAddBatchAtomicity(t *testing.T) {
	g := New()
	if err := g.AddEdge("c", "a"); err != nil {
		t.Fatal(err)
	}
	// a->b succeeds, b->c closes the loop: both must be rolled back
	_, err := g.AddBatch(domain.PatternLinear, []string{"a", "b", "c"})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("batch: %v, want ErrCycleDetected", err)
	}
	want := []domain.DependencyEdge{{FromTaskID: "c", ToTaskID: "a", Type: domain.EdgeTypeBlocks}}
	if got := g.Edges(); !reflect.DeepEqual(got, want) {
		t.Fatalf("edges = %v, want %v", got, want)
	}

	edges, err := g.AddBatch(domain.PatternFanOut, []string{"x", "y", "z"})
	if err != nil || len(edges) != 2 {
		t.Fatalf("fan-out = %v (%v)", edges, err)
	}
}

func TestTransitiveBlockers(t *testing.T) {
	g := New()
	for _, e := range [][2]string{{"a", "b"}, {"b", "d"}, {"c", "d"}} {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatal(err)
		}
	}
	if got := g.TransitiveBlockers("d"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("blockers(d) = %v", got)
	}
	if got := g.TransitiveBlockers("a"); len(got) != 0 {
		t.Fatalf("blockers(a) = %v, want none", got)
	}
	if got := g.TransitiveBlockers("unknown"); got != nil {
		t.Fatalf("blockers(unknown) = %v, want nil", got)
	}
}

func TestIsBlockedAndUnblockedBy(t *testing.T) {
	g := New()
	for _, e := range [][2]string{{"a", "c"}, {"b", "c"}, {"a", "d"}} {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatal(err)
		}
	}
	done := map[string]bool{"a": true}
	doneFn := func(id string) bool { return done[id] }

	if !g.IsBlocked("c", doneFn) {
		t.Fatalf("c should be blocked while b is open")
	}
	if g.IsBlocked("d", doneFn) {
		t.Fatalf("d should be unblocked, a is done")
	}
	// a finishing unblocks d but not c
	if got := g.UnblockedBy("a", doneFn); !reflect.DeepEqual(got, []string{"d"}) {
		t.Fatalf("unblockedBy(a) = %v, want [d]", got)
	}
	done["b"] = true
	if got := g.UnblockedBy("b", doneFn); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("unblockedBy(b) = %v, want [c]", got)
	}
}

func TestRemoveNode(t *testing.T) {
	g := New()
	for _, e := range [][2]string{{"a", "b"}, {"b", "c"}} {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatal(err)
		}
	}
	removed := g.RemoveNode("b")
	if len(removed) != 2 {
		t.Fatalf("removed = %v, want both edges touching b", removed)
	}
	if got := g.Edges(); len(got) != 0 {
		t.Fatalf("edges = %v, want none", got)
	}
	// a -> c is now legal, no stale cycle state
	if err := g.AddEdge("c", "a"); err != nil {
		t.Fatalf("c->a after removal: %v", err)
	}
}

func TestHydrateRejectsCorruptStore(t *testing.T) {
	g := New()
	err := g.Hydrate([]domain.DependencyEdge{
		{FromTaskID: "a", ToTaskID: "b"},
		{FromTaskID: "b", ToTaskID: "a"},
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("hydrate: %v, want ErrCycleDetected", err)
	}
}
