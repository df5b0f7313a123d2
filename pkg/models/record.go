package models

import "time"

// PlanRecord is one immutable ledger entry describing a single state
// transition. The full sequence for a task is replayable to reconstruct its
// current state.
type PlanRecord struct {
	// TaskID is the task this record belongs to.
	TaskID string `json:"task_id"`
	// SubtaskID is the subtask that transitioned, empty for task-level
	// transitions.
	SubtaskID string `json:"subtask_id,omitempty"`
	// From is the state before the transition. Empty for creation records.
	From string `json:"from,omitempty"`
	// To is the state after the transition.
	To string `json:"to"`
	// WorkerID is the session involved in the transition, if any.
	WorkerID string `json:"worker_id,omitempty"`
	// Resources is the resource subset attached to subtask creation records,
	// so that replay can reconstruct the partition.
	Resources []Resource `json:"resources,omitempty"`
	// DependsOn is the dependency list attached to subtask creation records.
	DependsOn []string `json:"depends_on,omitempty"`
	// Oversized marks a subtask whose lone resource exceeds the hard
	// threshold; attached to creation records.
	Oversized bool `json:"oversized,omitempty"`
	// Retries is the subtask's retry count at the time of the transition.
	Retries int `json:"retries,omitempty"`
	// Detail carries the diagnostic for failure transitions.
	Detail string `json:"detail,omitempty"`
	// Timestamp is when the transition was recorded.
	Timestamp time.Time `json:"timestamp"`
}
