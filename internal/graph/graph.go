// Package graph provides the resource-level dependency graph used for
// task decomposition.
package graph

import (
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/ckzm/orchard/pkg/models"
)

// ErrorKind classifies graph construction failures.
type ErrorKind string

const (
	// KindCyclic indicates a circular dependency among resources.
	KindCyclic ErrorKind = "cyclic"
	// KindUnknownResource indicates an edge referencing a resource outside
	// the declared set.
	KindUnknownResource ErrorKind = "unknown_resource"
	// KindEmpty indicates an empty resource set.
	KindEmpty ErrorKind = "empty"
	// KindDuplicate indicates the same resource id declared twice.
	KindDuplicate ErrorKind = "duplicate"
)

// Error is a graph construction error. Tasks failing with a graph error are
// rejected at submission time, before any subtask is created.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("graph error (%s): %s", e.Kind, e.Detail)
}

// ResourceGraph is a directed acyclic graph over a task's resources.
// Edges represent "blocked by" relationships: an edge From -> To means To
// cannot be processed before From.
type ResourceGraph struct {
	mu sync.RWMutex
	// nodes maps resource id to the resource itself.
	nodes map[models.ResourceID]models.Resource
	// deps maps resource id to the ids it depends on.
	deps map[models.ResourceID][]models.ResourceID
	// order preserves declaration order of resources.
	order []models.ResourceID
}

// New creates an empty resource graph.
func New() *ResourceGraph {
	return &ResourceGraph{
		nodes: make(map[models.ResourceID]models.Resource),
		deps:  make(map[models.ResourceID][]models.ResourceID),
	}
}

// Build constructs the graph from a resource set and its dependency edges.
// Returns *Error on an empty set, duplicate ids, edges referencing unknown
// resources, or a dependency cycle.
func (g *ResourceGraph) Build(resources []models.Resource, edges []models.DependencyEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(resources) == 0 {
		return &Error{Kind: KindEmpty, Detail: "resource set is empty"}
	}

	for _, r := range resources {
		if _, exists := g.nodes[r.ID]; exists {
			return &Error{Kind: KindDuplicate, Detail: fmt.Sprintf("resource %s declared twice", r.ID)}
		}
		g.nodes[r.ID] = r
		g.deps[r.ID] = nil
		g.order = append(g.order, r.ID)
	}

	for _, e := range edges {
		if _, ok := g.nodes[e.From]; !ok {
			return &Error{Kind: KindUnknownResource, Detail: fmt.Sprintf("edge references unknown resource %s", e.From)}
		}
		if _, ok := g.nodes[e.To]; !ok {
			return &Error{Kind: KindUnknownResource, Detail: fmt.Sprintf("edge references unknown resource %s", e.To)}
		}
		g.deps[e.To] = append(g.deps[e.To], e.From)
	}

	if g.hasCycleLocked() {
		return &Error{Kind: KindCyclic, Detail: "circular dependency detected"}
	}

	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *ResourceGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked is the internal implementation that assumes the lock is held.
func (g *ResourceGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[models.ResourceID]int, len(g.nodes))

	var visit func(id models.ResourceID) bool
	visit = func(id models.ResourceID) bool {
		colors[id] = 1

		for _, depID := range g.deps[id] {
			switch colors[depID] {
			case 1:
				// Back edge, cycle found.
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

	for _, id := range g.order {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}

	return false
}

// Affinity returns the module/directory affinity key for a resource id.
// Resources sharing a directory group together during chunking.
func Affinity(id models.ResourceID) string {
	return path.Dir(string(id))
}

// DeterministicOrder returns all resources in a topological order that is
// stable for identical input: Kahn's algorithm with the ready set ordered by
// (directory affinity, resource id). Same-directory resources cluster
// together whenever dependencies permit, and the lexicographic tie-break
// makes the output reproducible.
func (g *ResourceGraph) DeterministicOrder() ([]models.Resource, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, &Error{Kind: KindCyclic, Detail: "circular dependency detected"}
	}

	indegree := make(map[models.ResourceID]int, len(g.nodes))
	dependents := make(map[models.ResourceID][]models.ResourceID, len(g.nodes))
	for id, deps := range g.deps {
		indegree[id] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []models.ResourceID
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	result := make([]models.Resource, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			ai, aj := Affinity(ready[i]), Affinity(ready[j])
			if ai != aj {
				return ai < aj
			}
			return ready[i] < ready[j]
		})

		id := ready[0]
		ready = ready[1:]
		result = append(result, g.nodes[id])

		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	return result, nil
}

// Dependencies returns the ids the given resource depends on.
func (g *ResourceGraph) Dependencies(id models.ResourceID) []models.ResourceID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.deps[id]
}

// Size returns the number of resources in the graph.
func (g *ResourceGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
