// Package ledger provides the append-only durable log of task and subtask
// state transitions. The record sequence for a task is replayable to
// reconstruct its current state after a crash.
package ledger

import (
	"errors"
	"sync"

	"github.com/ckzm/orchard/pkg/models"
)

// ErrClosed is returned by operations on a closed ledger.
var ErrClosed = errors.New("ledger is closed")

// Ledger is the durable append-only store consumed by the orchestrator.
// Implementations must serialize physical writes; callers may append
// concurrently from multiple sessions. Records are never mutated or deleted
// except by explicit archival.
type Ledger interface {
	// Append durably records one state transition.
	Append(rec models.PlanRecord) error
	// ReadAll returns every record for a task in append order.
	ReadAll(taskID string) ([]models.PlanRecord, error)
	// TaskIDs returns the distinct task ids present in the ledger.
	TaskIDs() ([]string, error)
	// Close releases the underlying store.
	Close() error
}

// MemoryLedger is an in-memory Ledger used by tests and throwaway runs.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string][]models.PlanRecord
	order   []string
	closed  bool
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *MemoryLedger {
	return &MemoryLedger{records: make(map[string][]models.PlanRecord)}
}

// Append records one transition.
func (m *MemoryLedger) Append(rec models.PlanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.records[rec.TaskID]; !ok {
		m.order = append(m.order, rec.TaskID)
	}
	m.records[rec.TaskID] = append(m.records[rec.TaskID], rec)
	return nil
}

// ReadAll returns the records for a task in append order.
func (m *MemoryLedger) ReadAll(taskID string) ([]models.PlanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]models.PlanRecord(nil), m.records[taskID]...), nil
}

// TaskIDs returns task ids in first-seen order.
func (m *MemoryLedger) TaskIDs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]string(nil), m.order...), nil
}

// Close marks the ledger closed.
func (m *MemoryLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
