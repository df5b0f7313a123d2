package graph

import (
	"errors"
	"testing"

	"github.com/ckzm/orchard/pkg/models"
)

func resources(ids ...models.ResourceID) []models.Resource {
	rs := make([]models.Resource, len(ids))
	for i, id := range ids {
		rs[i] = models.Resource{ID: id}
	}
	return rs
}

func TestBuildEmptySet(t *testing.T) {
	g := New()
	err := g.Build(nil, nil)

	var gerr *Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if gerr.Kind != KindEmpty {
		t.Errorf("expected kind %s, got %s", KindEmpty, gerr.Kind)
	}
}

func TestBuildDuplicateResource(t *testing.T) {
	g := New()
	err := g.Build(resources("a.go", "a.go"), nil)

	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Kind != KindDuplicate {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestBuildUnknownEdge(t *testing.T) {
	g := New()
	err := g.Build(resources("a.go"), []models.DependencyEdge{{From: "a.go", To: "missing.go"}})

	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Kind != KindUnknownResource {
		t.Fatalf("expected unknown resource error, got %v", err)
	}
}

func TestBuildCycle(t *testing.T) {
	g := New()
	err := g.Build(resources("a.go", "b.go", "c.go"), []models.DependencyEdge{
		{From: "a.go", To: "b.go"},
		{From: "b.go", To: "c.go"},
		{From: "c.go", To: "a.go"},
	})

	var gerr *Error
	if !errors.As(err, &gerr) || gerr.Kind != KindCyclic {
		t.Fatalf("expected cyclic error, got %v", err)
	}
}

func TestBuildValidDAG(t *testing.T) {
	g := New()
	err := g.Build(resources("a.go", "b.go", "c.go"), []models.DependencyEdge{
		{From: "a.go", To: "b.go"},
		{From: "a.go", To: "c.go"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if g.HasCycle() {
		t.Error("DAG should not report a cycle")
	}
	if g.Size() != 3 {
		t.Errorf("expected 3 nodes, got %d", g.Size())
	}

	deps := g.Dependencies("b.go")
	if len(deps) != 1 || deps[0] != "a.go" {
		t.Errorf("expected b.go to depend on a.go, got %v", deps)
	}
}

func TestDeterministicOrderNoEdges(t *testing.T) {
	g := New()
	// Declared out of lexicographic order on purpose.
	if err := g.Build(resources("c", "a", "b"), nil); err != nil {
		t.Fatalf("build: %v", err)
	}

	order, err := g.DeterministicOrder()
	if err != nil {
		t.Fatalf("order: %v", err)
	}

	want := []models.ResourceID{"a", "b", "c"}
	for i, r := range order {
		if r.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], r.ID)
		}
	}
}

func TestDeterministicOrderRespectsDependencies(t *testing.T) {
	g := New()
	// z must come before a despite lexicographic order.
	if err := g.Build(resources("a", "z"), []models.DependencyEdge{{From: "z", To: "a"}}); err != nil {
		t.Fatalf("build: %v", err)
	}

	order, err := g.DeterministicOrder()
	if err != nil {
		t.Fatalf("order: %v", err)
	}

	if order[0].ID != "z" || order[1].ID != "a" {
		t.Errorf("expected [z a], got %v", order)
	}
}

func TestDeterministicOrderGroupsByAffinity(t *testing.T) {
	g := New()
	ids := []models.ResourceID{"pkg/b/y.go", "pkg/a/x.go", "pkg/b/x.go", "pkg/a/y.go"}
	if err := g.Build(resources(ids...), nil); err != nil {
		t.Fatalf("build: %v", err)
	}

	order, err := g.DeterministicOrder()
	if err != nil {
		t.Fatalf("order: %v", err)
	}

	want := []models.ResourceID{"pkg/a/x.go", "pkg/a/y.go", "pkg/b/x.go", "pkg/b/y.go"}
	for i, r := range order {
		if r.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], r.ID)
		}
	}
}

func TestDeterministicOrderStable(t *testing.T) {
	build := func() *ResourceGraph {
		g := New()
		if err := g.Build(resources("m/c.go", "m/a.go", "n/b.go"), []models.DependencyEdge{
			{From: "n/b.go", To: "m/a.go"},
		}); err != nil {
			t.Fatalf("build: %v", err)
		}
		return g
	}

	first, err := build().DeterministicOrder()
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	second, err := build().DeterministicOrder()
	if err != nil {
		t.Fatalf("order: %v", err)
	}

	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("order not stable at %d: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}
