package graph

import "testing"

func TestGraph_AddVertex(t *testing.T) {
	t.Parallel()
	g := New[string]()
	v1 := NewVertex("v1", "unit-1")

	if g.Size() != 0 {
		t.Errorf("New graph does not have 0 vertices, got %d", g.Size())
	}

	g.AddVertex(v1)

	if g.Size() != 1 {
		t.Error("vertex was not correctly added to graph")
	}
}

func TestGraph_GetVertex(t *testing.T) {
	t.Parallel()
	g := New[string]()
	v1 := NewVertex("v1", "unit-1")

	v, ok := g.GetVertex("v1")
	if v != nil {
		t.Errorf("GetVertex should return nil, got %v", v)
	}
	if ok {
		t.Error("GetVertex should return false")
	}

	g.AddVertex(v1)

	v, ok = g.GetVertex("v1")
	if v == nil {
		t.Error("GetVertex should return the vertex, got nil")
	}
	if !ok {
		t.Error("GetVertex should return true")
	}
}

func TestGraph_ContainsVertex(t *testing.T) {
	t.Parallel()
	g := New[string]()
	g.AddVertex(NewVertex("v1", "unit-1"))

	if !g.ContainsVertex("v1") {
		t.Error("v1 is in the graph but ContainsVertex returned false")
	}
	if g.ContainsVertex("v2") {
		t.Error("v2 is not in the graph but ContainsVertex returned true")
	}
}

func TestGraph_AddEdge(t *testing.T) {
	t.Parallel()

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()
		g := New[string]()
		g.AddVertex(NewVertex("v1", "unit-1"))
		g.AddVertex(NewVertex("v2", "unit-2"))

		if err := g.AddEdge("v1", "v2"); err != nil {
			t.Fatalf("AddEdge returned an error: %v", err)
		}

		v1, _ := g.GetVertex("v1")
		v2, _ := g.GetVertex("v2")
		if v1.OutDegree() != 1 {
			t.Errorf("v1 OutDegree = %d, want 1", v1.OutDegree())
		}
		if v2.InDegree() != 1 {
			t.Errorf("v2 InDegree = %d, want 1", v2.InDegree())
		}
	})

	t.Run("parent missing", func(t *testing.T) {
		t.Parallel()
		g := New[string]()
		g.AddVertex(NewVertex("v2", "unit-2"))

		if err := g.AddEdge("v1", "v2"); err == nil {
			t.Error("expected an error, got nil")
		}
	})

	t.Run("child missing", func(t *testing.T) {
		t.Parallel()
		g := New[string]()
		g.AddVertex(NewVertex("v1", "unit-1"))

		if err := g.AddEdge("v1", "v2"); err == nil {
			t.Error("expected an error, got nil")
		}
	})
}

func makeDiamond() *Graph[string] {
	g := New[string]()
	for _, name := range []string{"v1", "v2", "v3", "v4", "v5"} {
		g.AddVertex(NewVertex(name, "unit-"+name))
	}
	// v2 and v3 depend on v1; v4 depends on both v2 and v3; v5 is isolated.
	_ = g.AddEdge("v1", "v2")
	_ = g.AddEdge("v1", "v3")
	_ = g.AddEdge("v2", "v4")
	_ = g.AddEdge("v3", "v4")
	return g
}

func TestGraph_Sort(t *testing.T) {
	t.Parallel()
	g := makeDiamond()

	sorted, err := g.Sort()
	if err != nil {
		t.Fatalf("Sort returned an error: %v", err)
	}
	if len(sorted) != 5 {
		t.Fatalf("Sort returned %d vertices, want 5", len(sorted))
	}

	position := make(map[string]int, len(sorted))
	for i, v := range sorted {
		position[v.Name] = i
	}

	if position["v1"] > position["v2"] || position["v1"] > position["v3"] {
		t.Error("v1 must precede both v2 and v3")
	}
	if position["v2"] > position["v4"] || position["v3"] > position["v4"] {
		t.Error("v2 and v3 must both precede v4")
	}
}

func TestGraph_SortNotADAG(t *testing.T) {
	t.Parallel()
	g := New[string]()
	g.AddVertex(NewVertex("v1", "unit-1"))
	g.AddVertex(NewVertex("v2", "unit-2"))
	g.AddVertex(NewVertex("v3", "unit-3"))

	_ = g.AddEdge("v1", "v2")
	_ = g.AddEdge("v2", "v3")
	_ = g.AddEdge("v3", "v1") // closes the cycle

	if _, err := g.Sort(); err == nil {
		t.Fatal("expected a cycle error, got nil")
	}
}
