package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphBuilder turns plan units into an execution graph. It validates
// dependency edges, rejects cycles, and assigns each unit a level such
// that units on the same level share no ordering constraint and may run
// in parallel.
type GraphBuilder struct {
	units map[string]*PlanUnit

	// dependents maps a unit ID to the IDs that must wait for it.
	dependents map[string][]string

	// blockers maps a unit ID to the IDs it waits for.
	blockers map[string][]string

	inDegree map[string]int
	levels   [][]string
}

// NewGraphBuilder creates an empty graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		units:      make(map[string]*PlanUnit),
		dependents: make(map[string][]string),
		blockers:   make(map[string][]string),
		inDegree:   make(map[string]int),
	}
}

// Build constructs the execution graph for a set of plan units and
// stamps each unit with its computed level.
func (b *GraphBuilder) Build(units []PlanUnit) (*ExecutionGraph, error) {
	if len(units) == 0 {
		return &ExecutionGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
		}, nil
	}

	if err := b.index(units); err != nil {
		return nil, err
	}
	if cycle := b.findCycle(); cycle != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")), nil).
			WithCode(ErrCodeValidation)
	}
	if err := b.assignLevels(); err != nil {
		return nil, err
	}

	return b.assemble(), nil
}

// index registers units and wires the adjacency maps.
func (b *GraphBuilder) index(units []PlanUnit) error {
	for i := range units {
		unit := &units[i]
		if unit.ID == "" {
			return NewPermanentError("plan unit has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, dup := b.units[unit.ID]; dup {
			return NewPermanentError(fmt.Sprintf("duplicate plan unit ID: %s", unit.ID), nil).
				WithCode(ErrCodeValidation)
		}
		b.units[unit.ID] = unit
		b.dependents[unit.ID] = make([]string, 0)
		b.blockers[unit.ID] = make([]string, 0)
		b.inDegree[unit.ID] = 0
	}

	for _, unit := range b.units {
		for _, dep := range unit.Dependencies {
			target := dep.TargetID
			if _, ok := b.units[target]; !ok {
				return NewPermanentError(
					fmt.Sprintf("plan unit %s depends on unknown unit %s", unit.ID, target), nil).
					WithCode(ErrCodeValidation).
					WithResource(unit.ResourceID)
			}
			// The target must finish before this unit starts.
			b.dependents[target] = append(b.dependents[target], unit.ID)
			b.blockers[unit.ID] = append(b.blockers[unit.ID], target)
			b.inDegree[unit.ID]++
		}
	}
	return nil
}

// findCycle runs a DFS over the dependency edges and returns the first
// cycle found as a path, or nil when the graph is acyclic.
func (b *GraphBuilder) findCycle() []string {
	const (
		unseen = iota
		active
		done
	)
	state := make(map[string]int, len(b.units))

	var path []string
	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = active
		path = append(path, id)

		for _, next := range b.dependents[id] {
			switch state[next] {
			case unseen:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			case active:
				for i, seen := range path {
					if seen == next {
						return append(append([]string(nil), path[i:]...), next)
					}
				}
			}
		}

		state[id] = done
		path = path[:len(path)-1]
		return nil
	}

	ids := b.sortedIDs()
	for _, id := range ids {
		if state[id] == unseen {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// assignLevels computes execution levels with Kahn's algorithm. Level 0
// holds units with no blockers; each subsequent level becomes ready once
// the previous one completes.
func (b *GraphBuilder) assignLevels() error {
	remaining := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		remaining[id] = degree
	}

	current := make([]string, 0)
	for _, id := range b.sortedIDs() {
		if remaining[id] == 0 {
			current = append(current, id)
		}
	}
	if len(current) == 0 {
		return NewPermanentError("no root units: every unit has a blocker", nil).
			WithCode(ErrCodeValidation)
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range b.dependents[id] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(b.units) {
		return NewPermanentError("level assignment left units unprocessed", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

// assemble builds the final graph and stamps unit levels.
func (b *GraphBuilder) assemble() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode, len(b.units)),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			b.units[id].Level = level
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        level,
				Dependencies: b.blockers[id],
				Dependents:   b.dependents[id],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	for _, id := range b.sortedIDs() {
		for _, dep := range b.units[id].Dependencies {
			graph.Edges = append(graph.Edges, GraphEdge{
				From: dep.TargetID,
				To:   id,
				Kind: dep.Kind,
			})
		}
	}
	return graph
}

// Levels returns the computed levels; each inner slice may run in parallel.
func (b *GraphBuilder) Levels() [][]string {
	return b.levels
}

// ToDOT renders the graph in Graphviz DOT format, grouping units by level.
func (b *GraphBuilder) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			unit := b.units[id]
			fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id, unit.ResourceID, unit.Operation, operationColor(unit.Operation))
		}
		sb.WriteString("  }\n\n")
	}

	for _, id := range b.sortedIDs() {
		for _, dep := range b.units[id].Dependencies {
			fmt.Fprintf(&sb, "  %q -> %q [%s];\n", dep.TargetID, id, edgeStyle(dep.Kind))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// Validate cross-checks an assembled graph against the indexed units.
func (b *GraphBuilder) Validate(graph *ExecutionGraph) error {
	if len(graph.Nodes) != len(b.units) {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}
	for _, edge := range graph.Edges {
		if _, ok := graph.Nodes[edge.From]; !ok {
			return NewPermanentError(fmt.Sprintf("edge references unknown node %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		if _, ok := graph.Nodes[edge.To]; !ok {
			return NewPermanentError(fmt.Sprintf("edge references unknown node %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}
	for _, root := range graph.Roots {
		if len(graph.Nodes[root].Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has blockers", root), nil).
				WithCode(ErrCodeInternal)
		}
	}
	return nil
}

func (b *GraphBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.units))
	for id := range b.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func operationColor(op OperationType) string {
	switch op {
	case OperationCreate:
		return "lightgreen"
	case OperationUpdate:
		return "lightblue"
	case OperationDelete, OperationRecreate:
		return "lightcoral"
	case OperationNoop:
		return "lightgray"
	default:
		return "white"
	}
}

func edgeStyle(kind DependencyKind) string {
	switch kind {
	case DependencyNotify:
		return "style=dashed, color=blue"
	case DependencyOrder:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}
