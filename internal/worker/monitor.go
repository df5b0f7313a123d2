package worker

import "github.com/ckzm/orchard/pkg/models"

// Action is the budget decision taken at a resource boundary.
type Action int

const (
	// ActionContinue means consumption is under both thresholds.
	ActionContinue Action = iota
	// ActionCompact means the soft threshold was crossed; the session should
	// summarize its working context before continuing.
	ActionCompact
	// ActionReset means the hard threshold was crossed; the session must
	// terminate and requeue its unprocessed remainder.
	ActionReset
)

// Monitor tracks a single session's cumulative context consumption against
// the budget thresholds. Checks are local to the session; no cross-session
// locking is involved.
type Monitor struct {
	budget   models.Budget
	consumed int64
}

// NewMonitor creates a monitor for one session under the given budget.
func NewMonitor(budget models.Budget) *Monitor {
	return &Monitor{budget: budget}
}

// Consume adds units to the cumulative counter. The counter is monotonically
// non-decreasing between compactions.
func (m *Monitor) Consume(units int64) {
	m.consumed += units
}

// Consumed returns the current cumulative consumption.
func (m *Monitor) Consumed() int64 {
	return m.consumed
}

// Check compares cumulative consumption against the thresholds.
// The hard threshold wins when both are crossed.
func (m *Monitor) Check() Action {
	switch {
	case m.consumed >= m.budget.HardThreshold:
		return ActionReset
	case m.consumed >= m.budget.SoftThreshold:
		return ActionCompact
	default:
		return ActionContinue
	}
}

// ResetToBaseline sets the counter to the post-compaction baseline.
// Called only after a successful compaction.
func (m *Monitor) ResetToBaseline() {
	m.consumed = m.budget.PostCompactionBaseline
}
