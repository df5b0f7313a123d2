// Package planner decomposes a submitted task into a dependency-respecting
// set of budget-bounded subtasks.
package planner

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ckzm/orchard/internal/graph"
	"github.com/ckzm/orchard/pkg/models"
)

// Plan is the output of decomposition: a task and its subtask DAG.
// The subtasks' resource subsets partition the task's resource set exactly,
// and their dependency edges are the original resource-level edges projected
// onto subtask membership.
type Plan struct {
	Task     *models.Task
	Subtasks []*models.Subtask
}

// Planner builds plans under a fixed budget.
type Planner struct {
	budget models.Budget
}

// New creates a Planner with the given budget.
func New(budget models.Budget) *Planner {
	return &Planner{budget: budget}
}

// Build decomposes a task into subtasks. Resources are ordered
// deterministically (topological order, affinity-grouped, lexicographic
// tie-break) and chunked into successive slices of at most
// MaxResourcesPerSubtask. A resource whose estimated cost alone exceeds the
// hard threshold becomes an oversized singleton and is never batched with
// others.
//
// Chunks are contiguous slices of one topological order, so every resource
// edge points forward across chunks and the projected subtask graph is
// always acyclic.
func (p *Planner) Build(description string, resources []models.Resource, edges []models.DependencyEdge) (*Plan, error) {
	if err := p.budget.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget: %w", err)
	}

	g := graph.New()
	if err := g.Build(resources, edges); err != nil {
		return nil, err
	}

	order, err := g.DeterministicOrder()
	if err != nil {
		return nil, err
	}

	task := &models.Task{
		ID:          uuid.New().String(),
		Description: description,
		Resources:   resources,
		Edges:       edges,
		Status:      models.TaskPlanned,
		CreatedAt:   time.Now().UTC(),
	}

	type chunk struct {
		resources []models.Resource
		oversized bool
	}

	var chunks []chunk
	var current []models.Resource

	flush := func() {
		if len(current) > 0 {
			chunks = append(chunks, chunk{resources: current})
			current = nil
		}
	}

	for _, r := range order {
		if p.budget.Oversized(r) {
			flush()
			chunks = append(chunks, chunk{resources: []models.Resource{r}, oversized: true})
			continue
		}
		current = append(current, r)
		if len(current) == p.budget.MaxResourcesPerSubtask {
			flush()
		}
	}
	flush()

	// Map each resource to its chunk for edge projection.
	chunkOf := make(map[models.ResourceID]int, len(order))
	for i, c := range chunks {
		for _, r := range c.resources {
			chunkOf[r.ID] = i
		}
	}

	subtasks := make([]*models.Subtask, len(chunks))
	for i, c := range chunks {
		subtasks[i] = &models.Subtask{
			ID:        uuid.New().String(),
			TaskID:    task.ID,
			Resources: c.resources,
			Status:    models.SubtaskReady,
			Oversized: c.oversized,
		}
	}

	// Project resource-level edges onto subtask membership. Chunk indices
	// only ever increase along an edge, so no self or back edges appear.
	seen := make(map[[2]int]bool)
	for _, e := range edges {
		from, to := chunkOf[e.From], chunkOf[e.To]
		if from == to {
			continue
		}
		key := [2]int{from, to}
		if seen[key] {
			continue
		}
		seen[key] = true
		subtasks[to].DependsOn = append(subtasks[to].DependsOn, subtasks[from].ID)
	}

	return &Plan{Task: task, Subtasks: subtasks}, nil
}

// Remainder builds the requeue subtask for a session reset: the not-yet-
// processed suffix of an interrupted subtask becomes a new Ready subtask with
// no outstanding dependencies, since everything it needed has already been
// recorded complete. The completed prefix stays with the original subtask, so
// the parent task's partition invariant is preserved.
func Remainder(st *models.Subtask, processed int, budget models.Budget) *models.Subtask {
	rest := st.Resources[processed:]
	out := &models.Subtask{
		ID:        uuid.New().String(),
		TaskID:    st.TaskID,
		Resources: append([]models.Resource(nil), rest...),
		Status:    models.SubtaskReady,
		Retries:   st.Retries,
	}
	if len(rest) == 1 && budget.Oversized(rest[0]) {
		out.Oversized = true
	}
	return out
}
