package models

// SubtaskStatus represents the current state of a subtask.
type SubtaskStatus string

const (
	// SubtaskReady indicates all dependencies are satisfied and the subtask
	// is waiting for a worker slot.
	SubtaskReady SubtaskStatus = "ready"
	// SubtaskDispatched indicates a worker session is processing the subtask.
	SubtaskDispatched SubtaskStatus = "dispatched"
	// SubtaskCompacting indicates the owning session is summarizing its
	// working context after crossing the soft threshold.
	SubtaskCompacting SubtaskStatus = "compacting"
	// SubtaskCompleted indicates every resource in the subset was processed.
	SubtaskCompleted SubtaskStatus = "completed"
	// SubtaskFailed indicates the subtask exhausted its retries or hit a
	// fatal budget error.
	SubtaskFailed SubtaskStatus = "failed"
	// SubtaskCancelled indicates the subtask was cancelled, either directly
	// or because an upstream dependency failed.
	SubtaskCancelled SubtaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s SubtaskStatus) Valid() bool {
	switch s {
	case SubtaskReady, SubtaskDispatched, SubtaskCompacting,
		SubtaskCompleted, SubtaskFailed, SubtaskCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed from this status.
func (s SubtaskStatus) Terminal() bool {
	switch s {
	case SubtaskCompleted, SubtaskFailed, SubtaskCancelled:
		return true
	default:
		return false
	}
}

// Subtask is a budget-bounded partition of a task's resource set.
type Subtask struct {
	// ID is the unique identifier for this subtask.
	ID string `json:"id"`
	// TaskID is the parent task.
	TaskID string `json:"task_id"`
	// Resources is the assigned resource subset, in processing order.
	Resources []Resource `json:"resources"`
	// DependsOn lists subtask IDs that must complete before this subtask.
	DependsOn []string `json:"depends_on,omitempty"`
	// WorkerID is the id of the assigned worker session, empty until dispatched.
	// A session's lifetime may end independently of the subtask (reset path),
	// so this is a weak reference, not ownership.
	WorkerID string `json:"worker_id,omitempty"`
	// Status is the current state of the subtask.
	Status SubtaskStatus `json:"status"`
	// Oversized marks a singleton whose lone resource is estimated to exceed
	// the budget by itself. Oversized subtasks are never batched with others.
	Oversized bool `json:"oversized,omitempty"`
	// Retries counts how many times this subtask has been requeued after a
	// session crash.
	Retries int `json:"retries,omitempty"`
}

// ResourceIDs returns the ids of the assigned resources in processing order.
func (s *Subtask) ResourceIDs() []ResourceID {
	ids := make([]ResourceID, len(s.Resources))
	for i, r := range s.Resources {
		ids[i] = r.ID
	}
	return ids
}
