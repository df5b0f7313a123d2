package orchestrator

import (
	"testing"

	"github.com/ckzm/orchard/pkg/models"
)

func readySubtask(id, taskID string, deps ...string) *models.Subtask {
	return &models.Subtask{
		ID:        id,
		TaskID:    taskID,
		Status:    models.SubtaskReady,
		DependsOn: deps,
		Resources: []models.Resource{{ID: models.ResourceID(id + "-r")}},
	}
}

func idsOf(batch []*models.Subtask) []string {
	ids := make([]string, len(batch))
	for i, st := range batch {
		ids[i] = st.ID
	}
	return ids
}

func TestSchedulerRespectsConcurrencyLimit(t *testing.T) {
	s := NewScheduler(2)
	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		s.Enqueue(readySubtask(id, "t1"))
	}

	batch := s.Schedule()
	if len(batch) != 2 {
		t.Fatalf("expected 2 dispatched, got %v", idsOf(batch))
	}
	if s.RunningCount() != 2 || s.QueuedCount() != 2 {
		t.Errorf("expected 2 running / 2 queued, got %d / %d", s.RunningCount(), s.QueuedCount())
	}

	// No slots left.
	if more := s.Schedule(); len(more) != 0 {
		t.Errorf("expected nothing while slots are full, got %v", idsOf(more))
	}

	s.OnComplete(batch[0], true)
	refill := s.Schedule()
	if len(refill) != 1 {
		t.Fatalf("expected 1 dispatched after a slot freed, got %v", idsOf(refill))
	}
	if refill[0].ID != "s3" {
		t.Errorf("expected FIFO order, got %s", refill[0].ID)
	}
}

func TestSchedulerDependencyGating(t *testing.T) {
	s := NewScheduler(4)
	first := readySubtask("s1", "t1")
	second := readySubtask("s2", "t1", "s1")
	s.Enqueue(first)
	s.Enqueue(second)

	batch := s.Schedule()
	if len(batch) != 1 || batch[0].ID != "s1" {
		t.Fatalf("expected only s1 dispatchable, got %v", idsOf(batch))
	}

	s.OnComplete(first, true)
	batch = s.Schedule()
	if len(batch) != 1 || batch[0].ID != "s2" {
		t.Fatalf("expected s2 after s1 completed, got %v", idsOf(batch))
	}
}

func TestSchedulerFailedDependencyBlocksDependents(t *testing.T) {
	s := NewScheduler(4)
	first := readySubtask("s1", "t1")
	second := readySubtask("s2", "t1", "s1")
	s.Enqueue(first)
	s.Enqueue(second)

	s.Schedule()
	s.OnComplete(first, false)

	if batch := s.Schedule(); len(batch) != 0 {
		t.Errorf("dependent of a failed subtask must not dispatch, got %v", idsOf(batch))
	}
}

func TestSchedulerOversizedSerialization(t *testing.T) {
	s := NewScheduler(4)
	normal := readySubtask("n1", "t1")
	s.Enqueue(normal)

	batch := s.Schedule()
	if len(batch) != 1 {
		t.Fatalf("expected n1 dispatched, got %v", idsOf(batch))
	}

	oversized := readySubtask("o1", "t1")
	oversized.Oversized = true
	s.Enqueue(oversized)

	// A sibling is running, so the oversized subtask waits.
	if batch := s.Schedule(); len(batch) != 0 {
		t.Fatalf("oversized must wait for siblings, got %v", idsOf(batch))
	}

	s.OnComplete(normal, true)
	batch = s.Schedule()
	if len(batch) != 1 || batch[0].ID != "o1" {
		t.Fatalf("expected o1 alone, got %v", idsOf(batch))
	}

	// While the oversized subtask runs, siblings wait but other tasks do not.
	s.Enqueue(readySubtask("n2", "t1"))
	other := readySubtask("x1", "t2")
	s.Enqueue(other)

	batch = s.Schedule()
	if len(batch) != 1 || batch[0].ID != "x1" {
		t.Fatalf("expected only the other task's subtask, got %v", idsOf(batch))
	}

	s.OnComplete(oversized, true)
	batch = s.Schedule()
	if len(batch) != 1 || batch[0].ID != "n2" {
		t.Fatalf("expected n2 after oversized finished, got %v", idsOf(batch))
	}
}

func TestSchedulerDropTask(t *testing.T) {
	s := NewScheduler(1)
	s.Enqueue(readySubtask("s1", "t1"))
	s.Enqueue(readySubtask("s2", "t1"))
	s.Enqueue(readySubtask("x1", "t2"))

	s.Schedule() // s1 takes the only slot

	dropped := s.DropTask("t1")
	if len(dropped) != 1 || dropped[0].ID != "s2" {
		t.Fatalf("expected s2 dropped, got %v", idsOf(dropped))
	}
	if s.QueuedCount() != 1 {
		t.Errorf("expected x1 still queued, got %d", s.QueuedCount())
	}
}

func TestSchedulerDequeue(t *testing.T) {
	s := NewScheduler(4)
	s.Enqueue(readySubtask("s1", "t1", "missing"))

	if !s.Dequeue("s1") {
		t.Error("expected s1 to be dequeued")
	}
	if s.Dequeue("s1") {
		t.Error("second dequeue should report absence")
	}
	if batch := s.Schedule(); len(batch) != 0 {
		t.Errorf("dequeued subtask must not dispatch, got %v", idsOf(batch))
	}
}
