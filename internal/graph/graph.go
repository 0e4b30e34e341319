package graph

import (
	"fmt"
	"sort"
	"strings"
)

// CircularDependencyError is returned when the step graph contains a cycle.
type CircularDependencyError struct {
	Path []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// MissingDependencyError is returned when a step references a dependency
// that does not exist in the graph.
type MissingDependencyError struct {
	Step       string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.Step, e.Dependency)
}

// Graph is a directed acyclic graph of step identifiers. Edges point from a
// step to the steps that depend on it.
type Graph struct {
	nodes map[string]bool
	deps  map[string][]string // step -> its dependencies
}

// New creates an empty step graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]bool),
		deps:  make(map[string][]string),
	}
}

// AddStep registers a step and its dependency list. Adding the same step
// twice replaces its dependencies.
func (g *Graph) AddStep(id string, dependsOn []string) {
	g.nodes[id] = true
	g.deps[id] = append([]string(nil), dependsOn...)
}

// Size returns the number of steps in the graph.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// Dependencies returns the dependency list for a step.
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// Validate checks that every referenced dependency exists and that the graph
// is acyclic. It returns a MissingDependencyError or CircularDependencyError
// describing the first problem found.
func (g *Graph) Validate() error {
	for _, id := range g.sortedNodes() {
		for _, dep := range g.deps[id] {
			if !g.nodes[dep] {
				return &MissingDependencyError{Step: id, Dependency: dep}
			}
		}
	}

	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns the steps in dependency order using Kahn's
// algorithm. Steps with equal depth are ordered lexicographically for
// deterministic execution.
func (g *Graph) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))

	for id := range g.nodes {
		inDegree[id] = 0
	}
	for id, deps := range g.deps {
		for _, dep := range deps {
			if !g.nodes[dep] {
				continue // surfaced by Validate
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var sorted []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		next := dependents[id]
		sort.Strings(next)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
		sort.Strings(queue)
	}

	if len(sorted) != len(g.nodes) {
		var cycle []string
		for _, id := range g.sortedNodes() {
			if inDegree[id] > 0 {
				cycle = append(cycle, id)
			}
		}
		return nil, &CircularDependencyError{Path: cycle}
	}

	return sorted, nil
}

// Waves groups steps into dependency waves: wave 0 contains steps with no
// dependencies, wave N contains steps whose dependencies are all in waves
// < N. All steps in one wave are eligible to run concurrently.
func (g *Graph) Waves() ([][]string, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	depth := make(map[string]int, len(order))
	for _, id := range order {
		d := 0
		for _, dep := range g.deps[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}

	waves := make([][]string, maxDepth+1)
	for _, id := range order {
		waves[depth[id]] = append(waves[depth[id]], id)
	}
	for _, wave := range waves {
		sort.Strings(wave)
	}
	return waves, nil
}

func (g *Graph) sortedNodes() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
