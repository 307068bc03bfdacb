// Package buildgraph drives a multi-package build: it arranges each
// package's capsule invocation into a dependency graph, walks it in
// topological waves, and runs every unit whose dependencies have
// already finished, bounded by a configurable concurrency limit.
package buildgraph

import (
	"fmt"

	"github.com/valeryz/capsules/internal/config"
	"github.com/valeryz/capsules/internal/graph"
	"github.com/valeryz/capsules/internal/wrapper"
)

// Unit is one package's capsule invocation within the larger build: a
// node in the graph, carrying the resolved config that wrapper.Engine
// will run and the names of other units it depends on.
type Unit struct {
	// Name uniquely identifies this unit in the build (typically the
	// package's import path or directory).
	Name string
	// Dir is the package directory the unit's command runs from.
	Dir string
	// Dependencies are the Names of other units in this same build
	// that must complete before this one starts.
	Dependencies []string
	// ExternalDeps names dependencies outside this build graph (e.g.
	// third-party modules) as tool tags; recorded on the unit but not
	// waited on, since nothing in this build produces them.
	ExternalDeps []string
	// Config is this unit's fully resolved capsule configuration.
	Config *config.Config
}

// Outcome is what running one Unit produced.
type Outcome struct {
	Unit   string
	Result wrapper.Result
	Err    error
	// Skipped is true when a dependency failed and this unit's
	// command never ran.
	Skipped bool
}

// UnitGraph wraps a graph.Graph[*Unit] built from a flat unit list,
// validating that every declared dependency actually resolves to a
// unit in the same build.
type UnitGraph struct {
	g *graph.Graph[*Unit]
}

// NewUnitGraph builds a UnitGraph from units, wiring an edge from each
// dependency to its dependent.
func NewUnitGraph(units []Unit) (*UnitGraph, error) {
	g := graph.New[*Unit]()
	for i := range units {
		u := &units[i]
		g.AddVertex(graph.NewVertex(u.Name, u))
	}

	for i := range units {
		u := &units[i]
		for _, dep := range u.Dependencies {
			if !g.ContainsVertex(dep) {
				return nil, fmt.Errorf("buildgraph: unit %q depends on %q, which is not in this build", u.Name, dep)
			}
			if err := g.AddEdge(dep, u.Name); err != nil {
				return nil, fmt.Errorf("buildgraph: %w", err)
			}
		}
	}

	return &UnitGraph{g: g}, nil
}

// Size returns the number of units in the graph.
func (ug *UnitGraph) Size() int {
	return ug.g.Size()
}

// waves partitions the graph into successive sets of units that are
// all immediately runnable together: wave 0 is every unit with no
// dependencies, wave 1 is every unit whose dependencies are all in
// wave 0 or earlier, and so on. This is the same Kahn's-algorithm
// traversal graph.Sort performs, but grouped by level instead of
// flattened, so a Driver can run each wave's units concurrently while
// still respecting the edges between waves.
func (ug *UnitGraph) waves() ([][]*Unit, error) {
	sorted, err := ug.g.Sort()
	if err != nil {
		return nil, fmt.Errorf("buildgraph: %w", err)
	}

	depth := make(map[string]int, len(sorted))
	var maxDepth int
	for _, v := range sorted {
		d := 0
		for _, dep := range v.Value.Dependencies {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[v.Name] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	result := make([][]*Unit, maxDepth+1)
	for _, v := range sorted {
		d := depth[v.Name]
		result[d] = append(result[d], v.Value)
	}
	return result, nil
}
