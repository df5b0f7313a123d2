package orchestrator

import (
	"context"
	"fmt"

	"github.com/ckzm/orchard/internal/ledger"
	"github.com/ckzm/orchard/pkg/models"
)

// Recover resumes every non-terminal task found in the ledger. Completed
// subtask outputs are re-read from the resource provider, ready subtasks are
// requeued, and subtasks that were dispatched when the process died are
// treated like a reset without progress and requeued. Returns the ids of the
// resumed tasks.
func (o *Orchestrator) Recover(ctx context.Context) ([]string, error) {
	ids, err := o.ledger.TaskIDs()
	if err != nil {
		return nil, fmt.Errorf("listing ledger tasks: %w", err)
	}

	var resumed []string
	for _, id := range ids {
		if ctx.Err() != nil {
			return resumed, ctx.Err()
		}
		state, err := ledger.ReplayTask(o.ledger, id)
		if err != nil {
			return resumed, fmt.Errorf("replaying task %s: %w", id, err)
		}
		if state.Status.Terminal() {
			continue
		}

		ok, err := o.resume(ctx, state)
		if err != nil {
			return resumed, err
		}
		if ok {
			resumed = append(resumed, id)
		}
	}
	return resumed, nil
}

// resume rebuilds one task's in-memory state from its replayed ledger state
// and restarts dispatch.
func (o *Orchestrator) resume(ctx context.Context, state *ledger.TaskState) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.tasks[state.TaskID]; exists {
		return false, nil
	}
	if o.fatal != nil {
		return false, o.fatal
	}

	runCtx, cancel := context.WithCancel(o.rootCtx)
	run := &taskRun{
		task: &models.Task{
			ID:     state.TaskID,
			Status: state.Status,
		},
		subtasks: make(map[string]*models.Subtask, len(state.Subtasks)),
		outputs:  make(map[string]map[models.ResourceID][]byte),
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	var failed []string
	for _, sid := range state.Order {
		st := state.Subtasks[sid]
		run.subtasks[sid] = st
		run.order = append(run.order, sid)
		// The task's resource set is the union of its subtasks' subsets.
		run.task.Resources = append(run.task.Resources, st.Resources...)

		switch st.Status {
		case models.SubtaskCompleted:
			o.sched.MarkCompleted(sid)
			outs := make(map[models.ResourceID][]byte, len(st.Resources))
			for _, r := range st.Resources {
				content, err := o.provider.Read(ctx, r.ID)
				if err != nil {
					cancel()
					return false, fmt.Errorf("re-reading output %s for task %s: %w", r.ID, state.TaskID, err)
				}
				outs[r.ID] = content
			}
			run.outputs[sid] = outs

		case models.SubtaskReady:
			o.sched.Enqueue(st)

		case models.SubtaskDispatched, models.SubtaskCompacting:
			// The owning session died with the process; requeue from scratch.
			o.transitionSubtaskLocked(run, st, models.SubtaskReady, "",
				"orphaned session requeued on recovery", nil)
			o.sched.Enqueue(st)

		case models.SubtaskFailed:
			failed = append(failed, sid)
		}
	}

	o.tasks[state.TaskID] = run
	o.logger.Log("[orchestrator] recovered task %s: %d subtasks, status %s",
		state.TaskID, len(run.order), state.Status)

	for _, sid := range failed {
		if run.failure == "" {
			run.failure = fmt.Sprintf("subtask %s failed", sid)
		}
		o.cancelDownstreamLocked(run, sid)
	}

	o.dispatchLocked()
	if o.maybeFinalizeLocked(run) {
		o.sessions.Go(func() error {
			o.finalizeAggregate(run)
			return nil
		})
	}
	return true, nil
}
