// Package graph provides the dependency graph used to schedule plan steps.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/conductorhq/conductor/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found among steps.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of step dependencies.
// Nodes are steps; an edge from A to B means A must complete before B starts.
// The graph is built once at plan-build time and never restructured afterward;
// only the completed/failed/skipped marks change during execution.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps step ID to the step itself.
	nodes map[string]*models.Step
	// edges maps step ID to the IDs of steps it depends on.
	edges map[string][]string
	// completed, failed, and skipped track settled steps by ID.
	completed map[string]bool
	failed    map[string]bool
	skipped   map[string]bool
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]*models.Step),
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
		skipped:   make(map[string]bool),
	}
}

// Build constructs the graph from a slice of steps. It returns an error if
// a dependency references an unknown step or the edges form a cycle.
func (g *DependencyGraph) Build(steps []*models.Step) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, step := range steps {
		g.nodes[step.ID] = step
		g.edges[step.ID] = nil
	}

	for _, step := range steps {
		for _, depID := range step.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("step %s depends on unknown step %s", step.ID, depID)
			}
			g.edges[step.ID] = append(g.edges[step.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked runs a depth-first search with a recursion stack encoded
// as node colors: 0 unvisited, 1 on the stack, 2 done. A back edge to a
// gray node is a cycle. O(V+E).
func (g *DependencyGraph) hasCycleLocked() bool {
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns step IDs ordered so that every dependency precedes
// the steps that depend on it. Ties are broken by step ordinal so the order
// is stable for result aggregation.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return g.nodes[ids[i]].Ordinal < g.nodes[ids[j]].Ordinal
	})

	visited := make(map[string]bool, len(g.nodes))
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range ids {
		visit(id)
	}
	return result, nil
}

// Ready returns the IDs of steps whose dependencies have all completed and
// which are not themselves settled. Ready steps may execute in parallel.
func (g *DependencyGraph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id := range g.nodes {
		if g.completed[id] || g.failed[id] || g.skipped[id] {
			continue
		}

		allDone := true
		for _, depID := range g.edges[id] {
			if !g.completed[depID] {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, id)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		return g.nodes[ready[i]].Ordinal < g.nodes[ready[j]].Ordinal
	})
	return ready
}

// MarkComplete marks a step as completed, unblocking its dependents.
func (g *DependencyGraph) MarkComplete(stepID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[stepID] = true
}

// MarkFailed marks a step as failed. Dependents stay blocked until they are
// explicitly skipped or the run aborts.
func (g *DependencyGraph) MarkFailed(stepID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failed[stepID] = true
}

// MarkSkipped marks a step as skipped without execution.
func (g *DependencyGraph) MarkSkipped(stepID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.skipped[stepID] = true
}

// Settled returns true when every step has reached a terminal mark.
func (g *DependencyGraph) Settled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.completed)+len(g.failed)+len(g.skipped) == len(g.nodes)
}

// Step returns the step for a given ID, or nil if not found.
func (g *DependencyGraph) Step(stepID string) *models.Step {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[stepID]
}

// Size returns the number of steps in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs of steps the given step depends on.
func (g *DependencyGraph) Dependencies(stepID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[stepID]
}

// Dependents returns the IDs of steps that directly depend on the given step.
func (g *DependencyGraph) Dependents(stepID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsLocked(stepID)
}

func (g *DependencyGraph) dependentsLocked(stepID string) []string {
	var dependents []string
	for id, deps := range g.edges {
		for _, depID := range deps {
			if depID == stepID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// TransitiveDependents returns the IDs of all steps that directly or
// indirectly depend on the given step.
func (g *DependencyGraph) TransitiveDependents(stepID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, dep := range g.dependentsLocked(id) {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(stepID)

	result := make([]string, 0, len(seen))
	for id := range seen {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool {
		return g.nodes[result[i]].Ordinal < g.nodes[result[j]].Ordinal
	})
	return result
}

// CompletedIDs returns the IDs of all steps marked completed.
func (g *DependencyGraph) CompletedIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return keys(g.completed)
}

// FailedIDs returns the IDs of all steps marked failed.
func (g *DependencyGraph) FailedIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return keys(g.failed)
}

// SkippedIDs returns the IDs of all steps marked skipped.
func (g *DependencyGraph) SkippedIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return keys(g.skipped)
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
