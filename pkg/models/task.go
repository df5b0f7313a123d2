// Package models defines the core value types shared across the orchestrator.
package models

import "time"

// ResourceID uniquely identifies an addressable unit of work, e.g. a file path.
type ResourceID string

// Resource describes a single addressable unit within a task.
type Resource struct {
	// ID is the unique identifier of the resource.
	ID ResourceID `json:"id"`
	// Cost is the estimated context-unit cost of processing this resource.
	// Zero means "use the configured default estimate".
	Cost int64 `json:"cost,omitempty"`
}

// DependencyEdge declares that To cannot be processed before From.
type DependencyEdge struct {
	From ResourceID `json:"from"`
	To   ResourceID `json:"to"`
}

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskPlanned indicates the task has been decomposed but no subtask has started.
	TaskPlanned TaskStatus = "planned"
	// TaskInProgress indicates at least one subtask has been dispatched.
	TaskInProgress TaskStatus = "in_progress"
	// TaskCompleted indicates all subtasks finished and verification passed.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed indicates the task terminated with an unrecoverable error.
	TaskFailed TaskStatus = "failed"
	// TaskCancelled indicates the task was cancelled by the caller.
	TaskCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPlanned, TaskInProgress, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed from this status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// rank orders task statuses for monotonicity checks. Terminal statuses share
// the highest rank so that a terminal state can never regress or be replaced.
func (s TaskStatus) rank() int {
	switch s {
	case TaskPlanned:
		return 0
	case TaskInProgress:
		return 1
	case TaskCompleted, TaskFailed, TaskCancelled:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next is a legal, monotonic
// step. Task status never regresses, and terminal states are final.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Task represents a submitted work item that has been decomposed into subtasks.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Description is the caller-supplied summary of the work.
	Description string `json:"description"`
	// Resources is the full set of addressable units this task covers.
	Resources []Resource `json:"resources"`
	// Edges are the resource-level dependency constraints.
	Edges []DependencyEdge `json:"edges,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Diagnostic carries the structured failure detail for failed tasks.
	Diagnostic string `json:"diagnostic,omitempty"`
}

// ResourceIDs returns the ids of all resources in the task, in declaration order.
func (t *Task) ResourceIDs() []ResourceID {
	ids := make([]ResourceID, len(t.Resources))
	for i, r := range t.Resources {
		ids[i] = r.ID
	}
	return ids
}
