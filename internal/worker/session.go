// Package worker executes one subtask per session, keeping context
// consumption inside the configured budget. The actual per-resource work is
// delegated to an external Processor; this package only decides when to
// compact, reset, or stop.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/ckzm/orchard/internal/resource"
	"github.com/ckzm/orchard/pkg/models"
)

// ProcessRequest is the input for one unit of external work.
type ProcessRequest struct {
	// ID is the resource being processed.
	ID models.ResourceID
	// Content is the resource's current content.
	Content []byte
	// Facts are the cross-resource notes accumulated so far, possibly
	// compacted.
	Facts []string
}

// ProcessResult is the output of one unit of external work.
type ProcessResult struct {
	// Output is the produced content for the resource.
	Output []byte
	// Units is the context consumption of processing this resource.
	Units int64
	// Facts are new cross-resource notes to carry forward.
	Facts []string
}

// Processor performs the actual work on a resource. It is supplied
// externally; a deployment typically wires an LLM-backed editor here.
type Processor interface {
	Process(ctx context.Context, req ProcessRequest) (ProcessResult, error)
}

// BudgetExceededError is fatal for a resource's branch: the resource cannot
// fit under the hard threshold even alone, after compaction and reset have
// been exhausted. It surfaces to the operator; there is no automatic retry.
type BudgetExceededError struct {
	Resource models.ResourceID
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("resource %s cannot fit under the hard budget threshold even alone", e.Resource)
}

// OutcomeKind classifies how a session ended.
type OutcomeKind int

const (
	// OutcomeCompleted means every resource in the subset was processed.
	OutcomeCompleted OutcomeKind = iota
	// OutcomeReset means the session went over budget and its unprocessed
	// remainder must be requeued.
	OutcomeReset
	// OutcomeBudgetExceeded means the remainder is a lone resource that can
	// never fit; its branch is failed.
	OutcomeBudgetExceeded
	// OutcomeCancelled means the session observed cancellation at a
	// resource boundary.
	OutcomeCancelled
	// OutcomeCrashed means the processor or provider returned an error
	// mid-subtask.
	OutcomeCrashed
)

// Outcome is the result of running one session.
type Outcome struct {
	Kind OutcomeKind
	// Processed is how many resources were fully processed, in order from
	// the front of the subset.
	Processed int
	// Outputs holds the produced content per fully processed resource.
	Outputs map[models.ResourceID][]byte
	// Units is the session's final cumulative consumption.
	Units int64
	// Err carries the failure detail for crashed or budget-exceeded
	// sessions.
	Err error
}

// Session executes a single subtask. It is created when the scheduler
// dispatches a Ready subtask and terminated when the subtask reaches a
// terminal state or the session resets.
type Session struct {
	ws        *models.WorkerSession
	budget    models.Budget
	provider  resource.Provider
	processor Processor
	compactor Compactor
	monitor   *Monitor

	// OnStateChange, if set, observes session state transitions so the
	// orchestrator can ledger them. Called synchronously from Run.
	OnStateChange func(state models.SessionState)
}

// NewSession creates a session for the given subtask.
func NewSession(ws *models.WorkerSession, budget models.Budget, provider resource.Provider, processor Processor, compactor Compactor) *Session {
	if compactor == nil {
		compactor = SummaryCompactor{}
	}
	return &Session{
		ws:        ws,
		budget:    budget,
		provider:  provider,
		processor: processor,
		compactor: compactor,
		monitor:   NewMonitor(budget),
	}
}

// Worker returns the session's worker record.
func (s *Session) Worker() *models.WorkerSession {
	return s.ws
}

func (s *Session) setState(state models.SessionState) {
	s.ws.State = state
	if s.OnStateChange != nil {
		s.OnStateChange(state)
	}
}

// Run processes the subtask's resources in order. Cancellation and budget
// checks happen only at resource boundaries: a resource mid-processing runs
// to completion.
func (s *Session) Run(ctx context.Context, st *models.Subtask) Outcome {
	s.setState(models.SessionActive)

	outputs := make(map[models.ResourceID][]byte, len(st.Resources))
	var facts []string
	processed := 0

	finish := func(kind OutcomeKind, err error) Outcome {
		if kind == OutcomeReset {
			s.setState(models.SessionReset)
		} else {
			s.setState(models.SessionTerminated)
		}
		s.ws.ConsumedUnits = s.monitor.Consumed()
		return Outcome{
			Kind:      kind,
			Processed: processed,
			Outputs:   outputs,
			Units:     s.monitor.Consumed(),
			Err:       err,
		}
	}

	for _, r := range st.Resources {
		// Resource boundary: cooperative cancellation check.
		if ctx.Err() != nil {
			return finish(OutcomeCancelled, nil)
		}
		// Wall-clock deadline is handled identically to a hard-threshold
		// crossing.
		if !s.ws.Deadline.IsZero() && time.Now().After(s.ws.Deadline) {
			return s.overBudget(st, processed, finish)
		}

		content, err := s.provider.Read(ctx, r.ID)
		if err != nil {
			if ctx.Err() != nil {
				return finish(OutcomeCancelled, nil)
			}
			return finish(OutcomeCrashed, fmt.Errorf("read %s: %w", r.ID, err))
		}

		result, err := s.processor.Process(ctx, ProcessRequest{ID: r.ID, Content: content, Facts: facts})
		if err != nil {
			if ctx.Err() != nil {
				return finish(OutcomeCancelled, nil)
			}
			return finish(OutcomeCrashed, fmt.Errorf("process %s: %w", r.ID, err))
		}

		// The in-flight resource runs to completion: its output is written
		// even when cancellation landed mid-processing.
		if err := s.provider.Write(context.WithoutCancel(ctx), r.ID, result.Output); err != nil {
			return finish(OutcomeCrashed, fmt.Errorf("write %s: %w", r.ID, err))
		}

		outputs[r.ID] = result.Output
		facts = append(facts, result.Facts...)
		processed++
		s.monitor.Consume(result.Units)

		if processed == len(st.Resources) {
			break
		}

		switch s.monitor.Check() {
		case ActionCompact:
			if !s.compact(st, processed, &facts) {
				return s.overBudget(st, processed, finish)
			}
		case ActionReset:
			return s.overBudget(st, processed, finish)
		}
	}

	return finish(OutcomeCompleted, nil)
}

// compact summarizes the accumulated context and resets the counter to the
// post-compaction baseline. Returns false if compaction failed, which is
// handled like a hard-threshold crossing.
func (s *Session) compact(st *models.Subtask, processed int, facts *[]string) bool {
	s.setState(models.SessionCompacting)

	state := CompactionState{
		Processed: st.ResourceIDs()[:processed],
		Facts:     *facts,
	}

	compacted, err := s.compactor.Compact(state)
	if err != nil {
		return false
	}

	*facts = compacted.Facts
	s.monitor.ResetToBaseline()
	s.setState(models.SessionActive)
	return true
}

// overBudget terminates the session over the hard threshold. If the
// remainder is a lone resource that cannot fit even alone, the branch fails
// with BudgetExceededError; otherwise the remainder is handed back for
// requeueing.
func (s *Session) overBudget(st *models.Subtask, processed int, finish func(OutcomeKind, error) Outcome) Outcome {
	remaining := st.Resources[processed:]
	if len(remaining) == 1 && s.budget.Oversized(remaining[0]) {
		return finish(OutcomeBudgetExceeded, &BudgetExceededError{Resource: remaining[0].ID})
	}
	return finish(OutcomeReset, nil)
}
