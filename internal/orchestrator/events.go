package orchestrator

import (
	"sync/atomic"
	"time"

	"github.com/ckzm/orchard/pkg/models"
)

// EventType classifies a progress event.
type EventType string

const (
	// EventTaskTransition is emitted when a task changes status.
	EventTaskTransition EventType = "task_transition"
	// EventSubtaskTransition is emitted when a subtask changes status.
	EventSubtaskTransition EventType = "subtask_transition"
)

// Event is one progress notification mirroring a ledger record. Consumers
// (CLI, monitoring) receive these on the emitter's channel; delivery is
// best-effort and never blocks orchestration.
type Event struct {
	Type      EventType
	TaskID    string
	SubtaskID string
	From      string
	To        string
	WorkerID  string
	Detail    string
	Timestamp time.Time
}

// eventFromRecord builds the progress event for a ledger record.
func eventFromRecord(rec models.PlanRecord) Event {
	typ := EventTaskTransition
	if rec.SubtaskID != "" {
		typ = EventSubtaskTransition
	}
	return Event{
		Type:      typ,
		TaskID:    rec.TaskID,
		SubtaskID: rec.SubtaskID,
		From:      rec.From,
		To:        rec.To,
		WorkerID:  rec.WorkerID,
		Detail:    rec.Detail,
		Timestamp: rec.Timestamp,
	}
}

// EventEmitter handles event emission for the orchestrator.
// It provides a simple, thread-safe way to emit events to subscribers.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *EventEmitter) Emit(event Event) {
	select {
	case e.events <- event:
		return
	default:
		// Channel full, try with timeout.
	}

	// Give the receiver a short window to drain before dropping.
	select {
	case e.events <- event:
		return
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			debugLog("[events] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel.
// This should be called when the orchestrator is stopped.
func (e *EventEmitter) Close() {
	close(e.events)
}
