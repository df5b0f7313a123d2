package ledger

import (
	"github.com/ckzm/orchard/pkg/models"
)

// TaskState is the state of one task reconstructed from its ledger records.
type TaskState struct {
	// TaskID is the task the records belong to.
	TaskID string
	// Status is the task's last recorded status.
	Status models.TaskStatus
	// Subtasks maps subtask id to its reconstructed state.
	Subtasks map[string]*models.Subtask
	// Order lists subtask ids in creation order.
	Order []string
	// Diagnostic is the detail attached to the task's terminal record, if any.
	Diagnostic string
}

// Subtask returns the reconstructed subtask with the given id, or nil.
func (s *TaskState) Subtask(id string) *models.Subtask {
	return s.Subtasks[id]
}

// Replay reconstructs a task's current state from its record sequence.
// Replay is a pure function of the sequence: replaying the same records from
// an empty state always yields identical output, and terminal states are
// never overwritten by later records.
func Replay(records []models.PlanRecord) *TaskState {
	state := &TaskState{Subtasks: make(map[string]*models.Subtask)}

	for _, rec := range records {
		if state.TaskID == "" {
			state.TaskID = rec.TaskID
		}

		if rec.SubtaskID == "" {
			// Task-level transition.
			next := models.TaskStatus(rec.To)
			if !next.Valid() || state.Status.Terminal() {
				continue
			}
			state.Status = next
			if next.Terminal() && rec.Detail != "" {
				state.Diagnostic = rec.Detail
			}
			continue
		}

		st, exists := state.Subtasks[rec.SubtaskID]
		if !exists {
			// Creation record: From is empty and the resource subset rides
			// along so the partition can be rebuilt.
			st = &models.Subtask{
				ID:        rec.SubtaskID,
				TaskID:    rec.TaskID,
				Resources: append([]models.Resource(nil), rec.Resources...),
				DependsOn: append([]string(nil), rec.DependsOn...),
				Oversized: rec.Oversized,
				Retries:   rec.Retries,
				Status:    models.SubtaskStatus(rec.To),
			}
			state.Subtasks[rec.SubtaskID] = st
			state.Order = append(state.Order, rec.SubtaskID)
			continue
		}

		next := models.SubtaskStatus(rec.To)
		if !next.Valid() || st.Status.Terminal() {
			continue
		}
		st.Status = next
		if rec.WorkerID != "" {
			st.WorkerID = rec.WorkerID
		}
		// Requeue transitions carry the burned retry count.
		if rec.Retries > st.Retries {
			st.Retries = rec.Retries
		}
		// A reset shrinks the original subtask to its processed prefix; the
		// transition record carries the updated subset.
		if rec.Resources != nil {
			st.Resources = append([]models.Resource(nil), rec.Resources...)
		}
	}

	return state
}

// ReplayTask reads and replays all records for one task.
func ReplayTask(l Ledger, taskID string) (*TaskState, error) {
	records, err := l.ReadAll(taskID)
	if err != nil {
		return nil, err
	}
	return Replay(records), nil
}
