// Package aggregate merges completed subtask outputs into a task outcome and
// runs the deployment's verification hooks before a task may complete.
package aggregate

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/ckzm/orchard/internal/verify"
	"github.com/ckzm/orchard/pkg/models"
)

// ConflictError means two subtasks produced differing outputs for the same
// resource. This is fatal for the task and requires manual resolution;
// last-writer-wins is deliberately not an option.
type ConflictError struct {
	Resource models.ResourceID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting outputs for resource %s", e.Resource)
}

// SubtaskOutput is one completed subtask's contribution to the merge.
type SubtaskOutput struct {
	SubtaskID string
	Outputs   map[models.ResourceID][]byte
}

// Outcome is the result of aggregating a task.
type Outcome struct {
	// Status is TaskCompleted when the merge is conflict-free and all hooks
	// pass, TaskFailed otherwise.
	Status models.TaskStatus
	// Outputs is the merged output set keyed by resource id.
	Outputs map[models.ResourceID][]byte
	// FailedHook names the verification hook that rejected the result, if any.
	FailedHook string
	// Diagnostic carries the failing hook's output.
	Diagnostic string
}

// Aggregator merges subtask outputs and runs verification hooks in order.
type Aggregator struct {
	hooks []verify.Hook
}

// New creates an Aggregator with the given ordered hook list.
func New(hooks ...verify.Hook) *Aggregator {
	return &Aggregator{hooks: hooks}
}

// Aggregate merges the outputs of a task's completed subtasks and verifies
// them. The merge is a disjoint union keyed by resource id and is commutative
// over subtask completion order: only the complete set of outputs determines
// the outcome. Differing duplicate outputs fail fast with *ConflictError.
func (a *Aggregator) Aggregate(ctx context.Context, task *models.Task, results []SubtaskOutput) (*Outcome, error) {
	merged := make(map[models.ResourceID][]byte)

	for _, res := range results {
		for id, output := range res.Outputs {
			existing, seen := merged[id]
			if !seen {
				merged[id] = output
				continue
			}
			// Identical duplicates collapse silently; divergence is fatal.
			if !bytes.Equal(existing, output) {
				return nil, &ConflictError{Resource: id}
			}
		}
	}

	for _, r := range task.Resources {
		if _, ok := merged[r.ID]; !ok {
			return nil, fmt.Errorf("no output for resource %s", r.ID)
		}
	}

	ids := make([]models.ResourceID, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, hook := range a.hooks {
		result, err := hook.Run(ctx, ids)
		if err != nil {
			return &Outcome{
				Status:     models.TaskFailed,
				Outputs:    merged,
				FailedHook: hook.Name(),
				Diagnostic: fmt.Sprintf("hook %s could not run: %v", hook.Name(), err),
			}, nil
		}
		if !result.Pass {
			return &Outcome{
				Status:     models.TaskFailed,
				Outputs:    merged,
				FailedHook: hook.Name(),
				Diagnostic: result.Diagnostics,
			}, nil
		}
	}

	return &Outcome{Status: models.TaskCompleted, Outputs: merged}, nil
}
