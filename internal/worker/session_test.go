package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/ckzm/orchard/internal/resource"
	"github.com/ckzm/orchard/pkg/models"
)

// stubProcessor consumes a fixed number of units per resource and echoes the
// content with a marker suffix.
type stubProcessor struct {
	units   map[models.ResourceID]int64
	failOn  models.ResourceID
	facts   map[models.ResourceID][]string
	calls   []models.ResourceID
	perCall func(ctx context.Context, req ProcessRequest)
}

func (p *stubProcessor) Process(ctx context.Context, req ProcessRequest) (ProcessResult, error) {
	p.calls = append(p.calls, req.ID)
	if p.perCall != nil {
		p.perCall(ctx, req)
	}
	if req.ID == p.failOn {
		return ProcessResult{}, errors.New("processor blew up")
	}
	return ProcessResult{
		Output: append(append([]byte(nil), req.Content...), []byte(" [done]")...),
		Units:  p.units[req.ID],
		Facts:  p.facts[req.ID],
	}, nil
}

func testProvider(t *testing.T, ids ...models.ResourceID) *resource.FSProvider {
	t.Helper()
	p := resource.NewFSWithFs(afero.NewMemMapFs())
	for _, id := range ids {
		if err := p.Write(context.Background(), id, []byte(string(id)+" v0")); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	return p
}

func sessionBudget() models.Budget {
	b := models.DefaultBudget()
	b.SoftThreshold = 200
	b.HardThreshold = 240
	b.PostCompactionBaseline = 10
	b.DefaultResourceCost = 50
	return b
}

func subtaskOf(ids ...models.ResourceID) *models.Subtask {
	st := &models.Subtask{ID: "st1", TaskID: "t1", Status: models.SubtaskDispatched}
	for _, id := range ids {
		st.Resources = append(st.Resources, models.Resource{ID: id})
	}
	return st
}

func newTestSession(budget models.Budget, provider *resource.FSProvider, proc Processor) *Session {
	ws := &models.WorkerSession{ID: "w1", SubtaskID: "st1", StartedAt: time.Now()}
	return NewSession(ws, budget, provider, proc, nil)
}

func TestSessionCompletesSubtask(t *testing.T) {
	ids := []models.ResourceID{"a", "b", "c"}
	provider := testProvider(t, ids...)
	proc := &stubProcessor{units: map[models.ResourceID]int64{"a": 10, "b": 10, "c": 10}}

	s := newTestSession(sessionBudget(), provider, proc)
	out := s.Run(context.Background(), subtaskOf(ids...))

	if out.Kind != OutcomeCompleted {
		t.Fatalf("expected completed, got %v (err %v)", out.Kind, out.Err)
	}
	if out.Processed != 3 {
		t.Errorf("expected 3 processed, got %d", out.Processed)
	}
	if out.Units != 30 {
		t.Errorf("expected 30 units, got %d", out.Units)
	}
	if s.Worker().State != models.SessionTerminated {
		t.Errorf("expected terminated session, got %s", s.Worker().State)
	}

	// Outputs are written through the provider as each resource finishes.
	content, err := provider.Read(context.Background(), "b")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(content) != "b v0 [done]" {
		t.Errorf("output not written: %q", content)
	}
}

// A session that resets after fully processing 3 of 7 resources reports a
// 4-resource remainder, with the processed prefix retained.
func TestSessionResetAfterHardThreshold(t *testing.T) {
	ids := []models.ResourceID{"r1", "r2", "r3", "r4", "r5", "r6", "r7"}
	provider := testProvider(t, ids...)
	proc := &stubProcessor{units: map[models.ResourceID]int64{
		"r1": 60, "r2": 60, "r3": 130,
	}}

	s := newTestSession(sessionBudget(), provider, proc)
	st := subtaskOf(ids...)
	out := s.Run(context.Background(), st)

	if out.Kind != OutcomeReset {
		t.Fatalf("expected reset, got %v", out.Kind)
	}
	if out.Processed != 3 {
		t.Errorf("expected 3 processed before reset, got %d", out.Processed)
	}
	if len(out.Outputs) != 3 {
		t.Errorf("expected outputs for the processed prefix, got %d", len(out.Outputs))
	}
	if s.Worker().State != models.SessionReset {
		t.Errorf("expected reset state, got %s", s.Worker().State)
	}

	remainder := st.Resources[out.Processed:]
	if len(remainder) != 4 {
		t.Errorf("expected 4-resource remainder, got %d", len(remainder))
	}
	union := make(map[models.ResourceID]bool)
	for _, r := range st.Resources[:out.Processed] {
		union[r.ID] = true
	}
	for _, r := range remainder {
		if union[r.ID] {
			t.Errorf("resource %s in both prefix and remainder", r.ID)
		}
		union[r.ID] = true
	}
	if len(union) != 7 {
		t.Errorf("prefix+remainder should cover all 7 resources, got %d", len(union))
	}
}

// Crossing the soft threshold triggers compaction and processing continues in
// the same session with the counter at the baseline.
func TestSessionCompactsAtSoftThreshold(t *testing.T) {
	ids := []models.ResourceID{"a", "b", "c", "d"}
	provider := testProvider(t, ids...)
	proc := &stubProcessor{
		units: map[models.ResourceID]int64{"a": 120, "b": 90, "c": 20, "d": 20},
		facts: map[models.ResourceID][]string{
			"a": {"shared helper in a", "shared helper in a"},
			"b": {"b imports a"},
		},
	}

	var states []models.SessionState
	s := newTestSession(sessionBudget(), provider, proc)
	s.OnStateChange = func(state models.SessionState) {
		states = append(states, state)
	}

	out := s.Run(context.Background(), subtaskOf(ids...))

	if out.Kind != OutcomeCompleted {
		t.Fatalf("expected completed, got %v", out.Kind)
	}
	// 120+90 = 210 crosses soft after b; baseline 10 + 20 + 20 = 50 at end.
	if out.Units != 50 {
		t.Errorf("expected 50 units after compaction baseline, got %d", out.Units)
	}

	sawCompacting := false
	for _, st := range states {
		if st == models.SessionCompacting {
			sawCompacting = true
		}
	}
	if !sawCompacting {
		t.Error("expected a compacting state transition")
	}
}

func TestSessionFailedCompactionResets(t *testing.T) {
	ids := []models.ResourceID{"a", "b", "c"}
	provider := testProvider(t, ids...)
	proc := &stubProcessor{units: map[models.ResourceID]int64{"a": 120, "b": 90}}

	ws := &models.WorkerSession{ID: "w1", SubtaskID: "st1", StartedAt: time.Now()}
	s := NewSession(ws, sessionBudget(), provider, proc, failingCompactor{})

	out := s.Run(context.Background(), subtaskOf(ids...))

	if out.Kind != OutcomeReset {
		t.Fatalf("expected reset after failed compaction, got %v", out.Kind)
	}
	if out.Processed != 2 {
		t.Errorf("expected 2 processed, got %d", out.Processed)
	}
}

type failingCompactor struct{}

func (failingCompactor) Compact(CompactionState) (CompactionState, error) {
	return CompactionState{}, errors.New("compaction failed")
}

func TestSessionBudgetExceededForLoneOversizedRemainder(t *testing.T) {
	b := sessionBudget()
	ids := []models.ResourceID{"small", "huge"}
	provider := testProvider(t, ids...)
	proc := &stubProcessor{units: map[models.ResourceID]int64{"small": 250}}

	s := newTestSession(b, provider, proc)
	st := subtaskOf(ids...)
	st.Resources[1].Cost = b.HardThreshold + 1

	out := s.Run(context.Background(), st)

	if out.Kind != OutcomeBudgetExceeded {
		t.Fatalf("expected budget exceeded, got %v", out.Kind)
	}

	var bee *BudgetExceededError
	if !errors.As(out.Err, &bee) {
		t.Fatalf("expected BudgetExceededError, got %v", out.Err)
	}
	if bee.Resource != "huge" {
		t.Errorf("expected resource huge, got %s", bee.Resource)
	}
}

func TestSessionCancelledAtResourceBoundary(t *testing.T) {
	ids := []models.ResourceID{"a", "b", "c"}
	provider := testProvider(t, ids...)

	ctx, cancel := context.WithCancel(context.Background())
	proc := &stubProcessor{units: map[models.ResourceID]int64{"a": 1, "b": 1, "c": 1}}
	proc.perCall = func(_ context.Context, req ProcessRequest) {
		if req.ID == "b" {
			// Cancellation lands mid-processing; b still runs to completion.
			cancel()
		}
	}

	s := newTestSession(sessionBudget(), provider, proc)
	out := s.Run(ctx, subtaskOf(ids...))

	if out.Kind != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %v", out.Kind)
	}
	if out.Processed != 2 {
		t.Errorf("expected in-flight resource to finish before stopping, got %d processed", out.Processed)
	}
	if len(proc.calls) != 2 {
		t.Errorf("expected no work after the cancellation boundary, got calls %v", proc.calls)
	}
}

func TestSessionCrashOnProcessorError(t *testing.T) {
	ids := []models.ResourceID{"a", "b", "c"}
	provider := testProvider(t, ids...)
	proc := &stubProcessor{
		units:  map[models.ResourceID]int64{"a": 1},
		failOn: "b",
	}

	s := newTestSession(sessionBudget(), provider, proc)
	out := s.Run(context.Background(), subtaskOf(ids...))

	if out.Kind != OutcomeCrashed {
		t.Fatalf("expected crashed, got %v", out.Kind)
	}
	if out.Processed != 1 {
		t.Errorf("expected 1 processed before crash, got %d", out.Processed)
	}
	if out.Err == nil {
		t.Error("expected crash error")
	}
}

func TestSessionDeadlineTreatedAsHardThreshold(t *testing.T) {
	ids := []models.ResourceID{"a", "b"}
	provider := testProvider(t, ids...)
	proc := &stubProcessor{units: map[models.ResourceID]int64{}}

	ws := &models.WorkerSession{
		ID:        "w1",
		SubtaskID: "st1",
		StartedAt: time.Now(),
		Deadline:  time.Now().Add(-time.Second),
	}
	s := NewSession(ws, sessionBudget(), provider, proc, nil)

	out := s.Run(context.Background(), subtaskOf(ids...))

	if out.Kind != OutcomeReset {
		t.Fatalf("expected reset on expired deadline, got %v", out.Kind)
	}
	if out.Processed != 0 {
		t.Errorf("expected no resources processed, got %d", out.Processed)
	}
}
