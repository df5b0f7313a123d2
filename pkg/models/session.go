package models

import "time"

// SessionState represents the current state of a worker session.
type SessionState string

const (
	// SessionActive indicates the session is processing resources.
	SessionActive SessionState = "active"
	// SessionCompacting indicates the session is summarizing its context.
	SessionCompacting SessionState = "compacting"
	// SessionReset indicates the session was terminated over budget and its
	// remainder was requeued.
	SessionReset SessionState = "reset"
	// SessionTerminated indicates the session ended with its subtask in a
	// terminal state.
	SessionTerminated SessionState = "terminated"
)

// Valid returns true if the state is a known value.
func (s SessionState) Valid() bool {
	switch s {
	case SessionActive, SessionCompacting, SessionReset, SessionTerminated:
		return true
	default:
		return false
	}
}

// WorkerSession is one worker's execution of a single subtask.
// Consumed units are monotonically non-decreasing for the lifetime of the
// session; a reset creates a new session starting from zero.
type WorkerSession struct {
	// ID is the unique identifier for this session.
	ID string `json:"id"`
	// SubtaskID is the subtask this session is executing.
	SubtaskID string `json:"subtask_id"`
	// ConsumedUnits is the cumulative context consumption of this session.
	ConsumedUnits int64 `json:"consumed_units"`
	// State is the current state of the session.
	State SessionState `json:"state"`
	// StartedAt is when the session was created.
	StartedAt time.Time `json:"started_at"`
	// Deadline is the wall-clock deadline for this session. Exceeding it is
	// handled identically to a hard-threshold crossing.
	Deadline time.Time `json:"deadline"`
}
