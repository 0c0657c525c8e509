package engine

import (
	"strings"
	"testing"
	"time"
)

func unitWithDeps(id, resourceID string, deps ...Dependency) PlanUnit {
	return PlanUnit{
		ID:           id,
		ResourceID:   resourceID,
		Operation:    OperationCreate,
		Status:       UnitStatusPending,
		Dependencies: deps,
		Timeout:      time.Minute,
		MaxRetries:   3,
	}
}

func TestGraphBuilder_EmptyUnits(t *testing.T) {
	graph, err := NewGraphBuilder().Build(nil)
	if err != nil {
		t.Fatalf("expected no error for empty units, got: %v", err)
	}
	if len(graph.Nodes) != 0 || len(graph.Edges) != 0 || graph.Depth != 0 {
		t.Errorf("expected empty graph, got %d nodes, %d edges, depth %d",
			len(graph.Nodes), len(graph.Edges), graph.Depth)
	}
}

func TestGraphBuilder_DiamondLevels(t *testing.T) {
	// net -> {bucket, cluster} -> function
	units := []PlanUnit{
		unitWithDeps("u-net", "net.vpc"),
		unitWithDeps("u-bucket", "bucket.artifacts", Dependency{TargetID: "u-net", Kind: DependencyRequire}),
		unitWithDeps("u-cluster", "cluster.app", Dependency{TargetID: "u-net", Kind: DependencyRequire}),
		unitWithDeps("u-fn", "fn.handler",
			Dependency{TargetID: "u-bucket", Kind: DependencyRequire},
			Dependency{TargetID: "u-cluster", Kind: DependencyRequire}),
	}

	builder := NewGraphBuilder()
	graph, err := builder.Build(units)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if graph.Depth != 3 {
		t.Errorf("expected depth 3, got %d", graph.Depth)
	}
	if len(graph.Roots) != 1 || graph.Roots[0] != "u-net" {
		t.Errorf("expected single root u-net, got %v", graph.Roots)
	}

	wantLevels := map[string]int{
		"u-net":     0,
		"u-bucket":  1,
		"u-cluster": 1,
		"u-fn":      2,
	}
	for id, level := range wantLevels {
		if graph.Nodes[id].Level != level {
			t.Errorf("%s: expected level %d, got %d", id, level, graph.Nodes[id].Level)
		}
	}

	// Levels are stamped back onto the units.
	for i := range units {
		if units[i].Level != wantLevels[units[i].ID] {
			t.Errorf("unit %s: expected stamped level %d, got %d",
				units[i].ID, wantLevels[units[i].ID], units[i].Level)
		}
	}

	if len(graph.Edges) != 4 {
		t.Errorf("expected 4 edges, got %d", len(graph.Edges))
	}
}

func TestGraphBuilder_CycleDetected(t *testing.T) {
	units := []PlanUnit{
		unitWithDeps("u1", "r1", Dependency{TargetID: "u3", Kind: DependencyRequire}),
		unitWithDeps("u2", "r2", Dependency{TargetID: "u1", Kind: DependencyRequire}),
		unitWithDeps("u3", "r3", Dependency{TargetID: "u2", Kind: DependencyRequire}),
	}

	_, err := NewGraphBuilder().Build(units)
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("expected cycle in error, got: %v", err)
	}
	if !IsPermanent(err) {
		t.Errorf("cycle error should be permanent, got: %v", err)
	}
}

func TestGraphBuilder_UnknownDependency(t *testing.T) {
	units := []PlanUnit{
		unitWithDeps("u1", "r1", Dependency{TargetID: "missing", Kind: DependencyRequire}),
	}

	_, err := NewGraphBuilder().Build(units)
	if err == nil {
		t.Fatal("expected error for unknown dependency, got nil")
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Errorf("expected missing target in error, got: %v", err)
	}
}

func TestGraphBuilder_DuplicateID(t *testing.T) {
	units := []PlanUnit{
		unitWithDeps("u1", "r1"),
		unitWithDeps("u1", "r2"),
	}

	_, err := NewGraphBuilder().Build(units)
	if err == nil {
		t.Fatal("expected error for duplicate unit ID, got nil")
	}
}

func TestGraphBuilder_ToDOT(t *testing.T) {
	units := []PlanUnit{
		unitWithDeps("u-net", "net.vpc"),
		unitWithDeps("u-cluster", "cluster.app", Dependency{TargetID: "u-net", Kind: DependencyRequire}),
	}

	builder := NewGraphBuilder()
	if _, err := builder.Build(units); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	dot := builder.ToDOT()
	for _, want := range []string{"digraph plan", "net.vpc", "cluster.app", `"u-net" -> "u-cluster"`} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %q:\n%s", want, dot)
		}
	}
}

func TestGraphBuilder_Validate(t *testing.T) {
	units := []PlanUnit{
		unitWithDeps("u1", "r1"),
		unitWithDeps("u2", "r2", Dependency{TargetID: "u1", Kind: DependencyOrder}),
	}

	builder := NewGraphBuilder()
	graph, err := builder.Build(units)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := builder.Validate(graph); err != nil {
		t.Errorf("expected valid graph, got: %v", err)
	}
}
