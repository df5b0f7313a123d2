package orchestrator

import (
	"sync"

	"github.com/ckzm/orchard/pkg/models"
)

// Scheduler coordinates the dispatch of ready subtasks to available worker
// slots. It respects the budget's concurrency limit, gates subtasks on their
// dependencies, and serializes oversized subtasks against their siblings: an
// oversized subtask runs only when nothing else from its task is dispatched,
// and while it runs no sibling dispatches.
type Scheduler struct {
	// limit is the maximum number of concurrently dispatched subtasks.
	limit int
	// queue holds ready subtasks in arrival order.
	queue []*models.Subtask
	// running maps subtask IDs to their dispatched subtasks.
	running map[string]*models.Subtask
	// completed tracks which subtasks finished successfully, for dependency
	// gating.
	completed map[string]bool
	// perTask counts dispatched subtasks per task.
	perTask map[string]int
	// oversizedTask marks tasks with an oversized subtask currently dispatched.
	oversizedTask map[string]bool
	// mu protects all mutable fields.
	mu sync.Mutex
}

// NewScheduler creates a Scheduler with the given concurrency limit.
func NewScheduler(limit int) *Scheduler {
	return &Scheduler{
		limit:         limit,
		running:       make(map[string]*models.Subtask),
		completed:     make(map[string]bool),
		perTask:       make(map[string]int),
		oversizedTask: make(map[string]bool),
	}
}

// Enqueue adds a ready subtask to the dispatch queue.
func (s *Scheduler) Enqueue(st *models.Subtask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, st)
	debugLog("[scheduler] enqueued subtask %s (task %s), queue length %d", st.ID, st.TaskID, len(s.queue))
}

// Schedule pops the subtasks that can be dispatched right now and marks them
// running. It considers available slots, dependency completion, and oversized
// serialization; subtasks that cannot dispatch yet keep their queue position.
func (s *Scheduler) Schedule() []*models.Subtask {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots := s.limit - len(s.running)
	if slots <= 0 {
		debugLog("[scheduler] no available slots: limit=%d, running=%d", s.limit, len(s.running))
		return nil
	}

	var batch []*models.Subtask
	var rest []*models.Subtask
	for _, st := range s.queue {
		if slots <= 0 || !s.depsMetLocked(st) || !s.exclusiveOKLocked(st) {
			rest = append(rest, st)
			continue
		}
		batch = append(batch, st)
		s.running[st.ID] = st
		s.perTask[st.TaskID]++
		if st.Oversized {
			s.oversizedTask[st.TaskID] = true
		}
		slots--
	}
	s.queue = rest

	if len(batch) > 0 {
		debugLog("[scheduler] dispatching %d subtasks, %d still queued, %d running", len(batch), len(rest), len(s.running))
	}
	return batch
}

// depsMetLocked reports whether every dependency of st has completed.
// Caller must hold s.mu.
func (s *Scheduler) depsMetLocked(st *models.Subtask) bool {
	for _, dep := range st.DependsOn {
		if !s.completed[dep] {
			return false
		}
	}
	return true
}

// exclusiveOKLocked enforces oversized serialization within a task.
// Caller must hold s.mu.
func (s *Scheduler) exclusiveOKLocked(st *models.Subtask) bool {
	if st.Oversized {
		return s.perTask[st.TaskID] == 0
	}
	return !s.oversizedTask[st.TaskID]
}

// OnComplete records that a dispatched subtask finished. Success marks it
// complete for dependency gating; failed subtasks keep their dependents
// blocked until the orchestrator cancels them.
func (s *Scheduler) OnComplete(st *models.Subtask, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.running[st.ID]; !ok {
		debugLog("[scheduler] OnComplete for subtask %s not in running map", st.ID)
		return
	}
	delete(s.running, st.ID)
	s.perTask[st.TaskID]--
	if s.perTask[st.TaskID] <= 0 {
		delete(s.perTask, st.TaskID)
	}
	if st.Oversized {
		delete(s.oversizedTask, st.TaskID)
	}
	if success {
		s.completed[st.ID] = true
	}
	debugLog("[scheduler] subtask %s done (success=%v), %d running", st.ID, success, len(s.running))
}

// MarkCompleted records a subtask as complete without it having been
// dispatched through this scheduler. Used when resuming from the ledger.
func (s *Scheduler) MarkCompleted(subtaskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[subtaskID] = true
}

// Dequeue removes one queued subtask, returning whether it was present.
func (s *Scheduler) Dequeue(subtaskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, st := range s.queue {
		if st.ID == subtaskID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// DropTask removes all queued subtasks of a task and returns them.
// Dispatched subtasks are unaffected; they stop via context cancellation.
func (s *Scheduler) DropTask(taskID string) []*models.Subtask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []*models.Subtask
	var rest []*models.Subtask
	for _, st := range s.queue {
		if st.TaskID == taskID {
			dropped = append(dropped, st)
		} else {
			rest = append(rest, st)
		}
	}
	s.queue = rest
	return dropped
}

// RunningCount returns the number of currently dispatched subtasks.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// QueuedCount returns the number of subtasks waiting for dispatch.
func (s *Scheduler) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
