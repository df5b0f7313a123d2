package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ckzm/orchard/internal/aggregate"
	"github.com/ckzm/orchard/internal/ledger"
	"github.com/ckzm/orchard/internal/planner"
	"github.com/ckzm/orchard/internal/resource"
	"github.com/ckzm/orchard/internal/verify"
	"github.com/ckzm/orchard/internal/worker"
	"github.com/ckzm/orchard/pkg/models"
)

// Config wires the orchestrator's collaborators.
type Config struct {
	// Budget is the resource-limit configuration. Must validate.
	Budget models.Budget
	// Ledger is the durable transition log. Required.
	Ledger ledger.Ledger
	// Provider reads and writes resource content. Required.
	Provider resource.Provider
	// Processor performs the per-resource work. Required.
	Processor worker.Processor
	// Compactor summarizes session context at the soft threshold. Optional;
	// defaults to the summary compactor.
	Compactor worker.Compactor
	// Hooks are the verification commands run before a task completes.
	Hooks []verify.Hook
	// Logger receives debug output. Optional.
	Logger *DebugLogger
	// EventBuffer sizes the progress event channel. Zero means 64.
	EventBuffer int
}

// PlanReceipt is returned from Submit and identifies the planned work.
type PlanReceipt struct {
	TaskID     string
	SubtaskIDs []string
}

// TaskResult is the final outcome of a task.
type TaskResult struct {
	Status     models.TaskStatus
	Outputs    map[models.ResourceID][]byte
	FailedHook string
	Diagnostic string
}

// taskRun is the orchestrator's in-memory state for one task.
type taskRun struct {
	task     *models.Task
	subtasks map[string]*models.Subtask
	order    []string
	// outputs holds each completed subtask's produced content.
	outputs map[string]map[models.ResourceID][]byte
	// ctx is cancelled by Cancel or orchestrator shutdown; sessions observe
	// it at resource boundaries.
	ctx    context.Context
	cancel context.CancelFunc

	cancelled  bool
	finalizing bool
	failure    string
	done       chan struct{}
	result     *TaskResult
}

// Orchestrator owns the full lifecycle of submitted tasks: planning,
// dispatch, session supervision, and aggregation. Every state transition goes
// through the ledger before taking effect in memory.
type Orchestrator struct {
	budget     models.Budget
	ledger     ledger.Ledger
	provider   resource.Provider
	processor  worker.Processor
	compactor  worker.Compactor
	planner    *planner.Planner
	aggregator *aggregate.Aggregator
	sched      *Scheduler
	emitter    *EventEmitter
	logger     *DebugLogger

	rootCtx    context.Context
	rootCancel context.CancelFunc
	sessions   errgroup.Group

	// mu protects tasks, fatal, and all taskRun mutation.
	mu    sync.Mutex
	tasks map[string]*taskRun
	// fatal is set when a ledger append fails; no further dispatch happens
	// after that, since state could no longer be recovered.
	fatal error
}

// New creates an Orchestrator from the given configuration.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Budget.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget: %w", err)
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("resource provider is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}

	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	logger := cfg.Logger
	if logger == nil {
		logger = NopLogger()
	}
	setPackageLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		budget:     cfg.Budget,
		ledger:     cfg.Ledger,
		provider:   cfg.Provider,
		processor:  cfg.Processor,
		compactor:  cfg.Compactor,
		planner:    planner.New(cfg.Budget),
		aggregator: aggregate.New(cfg.Hooks...),
		sched:      NewScheduler(cfg.Budget.ConcurrencyLimit),
		emitter:    NewEventEmitter(buffer),
		logger:     logger,
		rootCtx:    ctx,
		rootCancel: cancel,
		tasks:      make(map[string]*taskRun),
	}, nil
}

// Events returns the progress event stream.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// Submit plans a task and starts dispatching its subtasks. It returns once
// the plan is durably recorded; execution continues in the background.
func (o *Orchestrator) Submit(description string, resources []models.Resource, edges []models.DependencyEdge) (*PlanReceipt, error) {
	plan, err := o.planner.Build(description, resources, edges)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fatal != nil {
		return nil, o.fatal
	}

	ctx, cancel := context.WithCancel(o.rootCtx)
	run := &taskRun{
		task:     plan.Task,
		subtasks: make(map[string]*models.Subtask, len(plan.Subtasks)),
		outputs:  make(map[string]map[models.ResourceID][]byte),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if err := o.recordLocked(models.PlanRecord{
		TaskID:    plan.Task.ID,
		To:        string(models.TaskPlanned),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		cancel()
		return nil, err
	}

	receipt := &PlanReceipt{TaskID: plan.Task.ID}
	for _, st := range plan.Subtasks {
		if err := o.addSubtaskLocked(run, st); err != nil {
			cancel()
			return nil, err
		}
		receipt.SubtaskIDs = append(receipt.SubtaskIDs, st.ID)
	}

	o.tasks[plan.Task.ID] = run
	o.logger.Log("[orchestrator] submitted task %s with %d subtasks", plan.Task.ID, len(plan.Subtasks))
	o.dispatchLocked()
	return receipt, nil
}

// Cancel stops a task. Queued subtasks are cancelled immediately; dispatched
// sessions observe the cancellation at their next resource boundary and their
// outcomes are discarded. Cancel is fire-and-forget and idempotent:
// cancelling an unknown, finished, or already cancelled task is a no-op.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	run, ok := o.tasks[taskID]
	if !ok {
		o.logger.Log("[orchestrator] cancel for unknown task %s ignored", taskID)
		return nil
	}
	if run.cancelled || run.task.Status.Terminal() {
		return nil
	}

	o.logger.Log("[orchestrator] cancelling task %s", taskID)
	run.cancelled = true
	run.cancel()

	for _, st := range o.sched.DropTask(taskID) {
		o.transitionSubtaskLocked(run, st, models.SubtaskCancelled, "", "task cancelled", nil)
	}
	o.maybeFinalizeLocked(run)
	return nil
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (*TaskResult, error) {
	o.mu.Lock()
	run, ok := o.tasks[taskID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown task %s", taskID)
	}

	select {
	case <-run.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return run.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State replays a task's ledger records into its current state.
func (o *Orchestrator) State(taskID string) (*ledger.TaskState, error) {
	return ledger.ReplayTask(o.ledger, taskID)
}

// Close stops the orchestrator: running sessions are cancelled, their
// outcomes drained, and the event stream closed. The ledger is left open for
// the caller.
func (o *Orchestrator) Close() error {
	o.rootCancel()
	o.sessions.Wait()
	o.emitter.Close()
	return nil
}

// addSubtaskLocked registers a new subtask with its creation record and
// enqueues it. Caller must hold o.mu.
func (o *Orchestrator) addSubtaskLocked(run *taskRun, st *models.Subtask) error {
	if err := o.recordLocked(models.PlanRecord{
		TaskID:    run.task.ID,
		SubtaskID: st.ID,
		To:        string(models.SubtaskReady),
		Resources: st.Resources,
		DependsOn: st.DependsOn,
		Oversized: st.Oversized,
		Retries:   st.Retries,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		return err
	}
	run.subtasks[st.ID] = st
	run.order = append(run.order, st.ID)
	o.sched.Enqueue(st)
	return nil
}

// recordLocked appends one ledger record and emits the matching event.
// An append failure is fatal for dispatch. Caller must hold o.mu.
func (o *Orchestrator) recordLocked(rec models.PlanRecord) error {
	if o.fatal != nil {
		return o.fatal
	}
	if err := o.ledger.Append(rec); err != nil {
		o.fatal = fmt.Errorf("ledger append: %w", err)
		o.logger.Log("[orchestrator] FATAL: %v; dispatch stopped", o.fatal)
		return o.fatal
	}
	o.emitter.Emit(eventFromRecord(rec))
	return nil
}

// transitionTaskLocked moves a task to the next status if the step is legal.
// Caller must hold o.mu.
func (o *Orchestrator) transitionTaskLocked(run *taskRun, to models.TaskStatus, detail string) {
	if !run.task.Status.CanTransition(to) {
		return
	}
	rec := models.PlanRecord{
		TaskID:    run.task.ID,
		From:      string(run.task.Status),
		To:        string(to),
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	o.recordLocked(rec)
	run.task.Status = to
	if to.Terminal() {
		now := rec.Timestamp
		run.task.CompletedAt = &now
		run.task.Diagnostic = detail
	}
}

// transitionSubtaskLocked moves a subtask to the next status. Terminal
// subtasks never transition again. Caller must hold o.mu.
func (o *Orchestrator) transitionSubtaskLocked(run *taskRun, st *models.Subtask, to models.SubtaskStatus, workerID, detail string, resources []models.Resource) {
	if st.Status.Terminal() {
		return
	}
	rec := models.PlanRecord{
		TaskID:    run.task.ID,
		SubtaskID: st.ID,
		From:      string(st.Status),
		To:        string(to),
		WorkerID:  workerID,
		Detail:    detail,
		Resources: resources,
		Retries:   st.Retries,
		Timestamp: time.Now().UTC(),
	}
	o.recordLocked(rec)
	st.Status = to
	if workerID != "" {
		st.WorkerID = workerID
	}
	if to == models.SubtaskFailed && run.failure == "" {
		run.failure = detail
	}
}

// dispatchLocked dispatches as many ready subtasks as slots allow.
// Caller must hold o.mu.
func (o *Orchestrator) dispatchLocked() {
	if o.fatal != nil {
		return
	}
	for _, st := range o.sched.Schedule() {
		run := o.tasks[st.TaskID]
		if run.task.Status == models.TaskPlanned {
			o.transitionTaskLocked(run, models.TaskInProgress, "")
		}

		now := time.Now().UTC()
		ws := &models.WorkerSession{
			ID:        uuid.New().String(),
			SubtaskID: st.ID,
			State:     models.SessionActive,
			StartedAt: now,
			Deadline:  now.Add(o.budget.SessionTimeout),
		}
		o.transitionSubtaskLocked(run, st, models.SubtaskDispatched, ws.ID, "", nil)

		o.sessions.Go(func() error {
			o.runSession(run, st, ws)
			return nil
		})
	}
}

// runSession executes one worker session and feeds its outcome back into the
// scheduler. Runs on its own goroutine.
func (o *Orchestrator) runSession(run *taskRun, st *models.Subtask, ws *models.WorkerSession) {
	sess := worker.NewSession(ws, o.budget, o.provider, o.processor, o.compactor)

	prev := models.SessionState("")
	sess.OnStateChange = func(state models.SessionState) {
		o.mu.Lock()
		switch {
		case state == models.SessionCompacting:
			o.transitionSubtaskLocked(run, st, models.SubtaskCompacting, ws.ID, "", nil)
		case state == models.SessionActive && prev == models.SessionCompacting:
			o.transitionSubtaskLocked(run, st, models.SubtaskDispatched, ws.ID, "", nil)
		}
		prev = state
		o.mu.Unlock()
	}

	out := sess.Run(run.ctx, st)
	o.logger.Log("[orchestrator] session %s for subtask %s ended: kind=%d processed=%d units=%d",
		ws.ID, st.ID, out.Kind, out.Processed, out.Units)
	o.handleOutcome(run, st, ws, out)
}

// handleOutcome applies a session's outcome, refills worker slots, and
// finalizes the task if everything is terminal.
func (o *Orchestrator) handleOutcome(run *taskRun, st *models.Subtask, ws *models.WorkerSession, out worker.Outcome) {
	o.mu.Lock()

	if run.cancelled {
		// The session outlived Cancel. Whatever it produced is discarded:
		// once cancellation is acknowledged, no subtask completes.
		o.transitionSubtaskLocked(run, st, models.SubtaskCancelled, ws.ID, "task cancelled", nil)
		o.sched.OnComplete(st, false)
	} else {
		switch out.Kind {
		case worker.OutcomeCompleted:
			run.outputs[st.ID] = out.Outputs
			o.transitionSubtaskLocked(run, st, models.SubtaskCompleted, ws.ID, "", nil)
			o.sched.OnComplete(st, true)

		case worker.OutcomeReset:
			o.handleResetLocked(run, st, ws, out)

		case worker.OutcomeCrashed:
			o.handleCrashLocked(run, st, ws, out)

		case worker.OutcomeBudgetExceeded:
			o.transitionSubtaskLocked(run, st, models.SubtaskFailed, ws.ID, out.Err.Error(), nil)
			o.sched.OnComplete(st, false)
			o.cancelDownstreamLocked(run, st.ID)

		case worker.OutcomeCancelled:
			o.transitionSubtaskLocked(run, st, models.SubtaskCancelled, ws.ID, "", nil)
			o.sched.OnComplete(st, false)
		}
	}

	o.dispatchLocked()
	needAggregate := o.maybeFinalizeLocked(run)
	o.mu.Unlock()

	if needAggregate {
		o.finalizeAggregate(run)
	}
}

// handleResetLocked handles a session that went over budget. A reset with
// progress shrinks the original subtask to its processed prefix and requeues
// the remainder as a fresh subtask; a reset without progress requeues the
// whole subtask, burning a retry. Caller must hold o.mu.
func (o *Orchestrator) handleResetLocked(run *taskRun, st *models.Subtask, ws *models.WorkerSession, out worker.Outcome) {
	if out.Processed == 0 {
		if st.Retries >= o.budget.RetryLimit {
			o.transitionSubtaskLocked(run, st, models.SubtaskFailed, ws.ID,
				"session reset with no progress; retry limit reached", nil)
			o.sched.OnComplete(st, false)
			o.cancelDownstreamLocked(run, st.ID)
			return
		}
		st.Retries++
		o.sched.OnComplete(st, false)
		o.transitionSubtaskLocked(run, st, models.SubtaskReady, ws.ID, "requeued after reset", nil)
		o.sched.Enqueue(st)
		return
	}

	// The remainder must be built before the original shrinks.
	rem := planner.Remainder(st, out.Processed, o.budget)
	prefix := append([]models.Resource(nil), st.Resources[:out.Processed]...)

	run.outputs[st.ID] = out.Outputs
	st.Resources = prefix
	o.transitionSubtaskLocked(run, st, models.SubtaskCompleted, ws.ID,
		fmt.Sprintf("reset after %d resources; remainder requeued as %s", out.Processed, rem.ID), prefix)
	o.sched.OnComplete(st, true)

	if err := o.addSubtaskLocked(run, rem); err != nil {
		return
	}
	o.logger.Log("[orchestrator] subtask %s split at %d; remainder %s with %d resources",
		st.ID, out.Processed, rem.ID, len(rem.Resources))
}

// handleCrashLocked requeues a crashed subtask until the retry limit, then
// fails it and cancels its dependents. Caller must hold o.mu.
func (o *Orchestrator) handleCrashLocked(run *taskRun, st *models.Subtask, ws *models.WorkerSession, out worker.Outcome) {
	if st.Retries >= o.budget.RetryLimit {
		o.transitionSubtaskLocked(run, st, models.SubtaskFailed, ws.ID,
			fmt.Sprintf("session crashed: %v; retry limit reached", out.Err), nil)
		o.sched.OnComplete(st, false)
		o.cancelDownstreamLocked(run, st.ID)
		return
	}
	st.Retries++
	o.sched.OnComplete(st, false)
	o.transitionSubtaskLocked(run, st, models.SubtaskReady, ws.ID,
		fmt.Sprintf("requeued after crash: %v", out.Err), nil)
	o.sched.Enqueue(st)
}

// cancelDownstreamLocked cancels every subtask transitively depending on the
// failed one. Independent branches keep running. Caller must hold o.mu.
func (o *Orchestrator) cancelDownstreamLocked(run *taskRun, failedID string) {
	dependents := make(map[string][]string)
	for _, id := range run.order {
		for _, dep := range run.subtasks[id].DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := []string{failedID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, id := range dependents[cur] {
			st := run.subtasks[id]
			if st.Status.Terminal() {
				continue
			}
			o.sched.Dequeue(id)
			o.transitionSubtaskLocked(run, st, models.SubtaskCancelled, "",
				fmt.Sprintf("upstream subtask %s failed", failedID), nil)
			queue = append(queue, id)
		}
	}
}

// maybeFinalizeLocked checks whether every subtask of a task is terminal and,
// if so, settles the task. Returns true when the caller must run aggregation
// outside the lock. Caller must hold o.mu.
func (o *Orchestrator) maybeFinalizeLocked(run *taskRun) bool {
	if run.finalizing || run.task.Status.Terminal() {
		return false
	}
	allCompleted := true
	for _, id := range run.order {
		switch run.subtasks[id].Status {
		case models.SubtaskCompleted:
		case models.SubtaskFailed, models.SubtaskCancelled:
			allCompleted = false
		default:
			return false
		}
	}
	run.finalizing = true

	// A cancelled run never aggregates, whatever its subtasks managed to do
	// before the cancellation landed.
	if allCompleted && !run.cancelled {
		return true
	}

	status := models.TaskCancelled
	detail := "task cancelled"
	if !run.cancelled && run.failure != "" {
		status = models.TaskFailed
		detail = run.failure
	}
	o.transitionTaskLocked(run, status, detail)
	run.result = &TaskResult{Status: status, Diagnostic: detail}
	close(run.done)
	return false
}

// finalizeAggregate merges the completed subtask outputs, runs verification
// hooks, and settles the task. Runs without o.mu held since hooks may be
// slow external commands.
func (o *Orchestrator) finalizeAggregate(run *taskRun) {
	o.mu.Lock()
	results := make([]aggregate.SubtaskOutput, 0, len(run.order))
	for _, id := range run.order {
		if outs, ok := run.outputs[id]; ok {
			results = append(results, aggregate.SubtaskOutput{SubtaskID: id, Outputs: outs})
		}
	}
	task := run.task
	o.mu.Unlock()

	outcome, err := o.aggregator.Aggregate(o.rootCtx, task, results)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.transitionTaskLocked(run, models.TaskFailed, err.Error())
		run.result = &TaskResult{Status: models.TaskFailed, Diagnostic: err.Error()}
		close(run.done)
		return
	}

	detail := ""
	if outcome.Status == models.TaskFailed {
		detail = fmt.Sprintf("hook %s failed: %s", outcome.FailedHook, outcome.Diagnostic)
	}
	o.transitionTaskLocked(run, outcome.Status, detail)
	run.result = &TaskResult{
		Status:     outcome.Status,
		Outputs:    outcome.Outputs,
		FailedHook: outcome.FailedHook,
		Diagnostic: detail,
	}
	close(run.done)
}
