package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ckzm/orchard/pkg/models"
)

func openTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSQLiteAppendReadAll(t *testing.T) {
	l := openTestLedger(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	records := []models.PlanRecord{
		{TaskID: "t1", To: string(models.TaskPlanned), Timestamp: now},
		{
			TaskID:    "t1",
			SubtaskID: "s1",
			To:        string(models.SubtaskReady),
			Resources: []models.Resource{{ID: "a.go"}, {ID: "b.go", Cost: 700}},
			DependsOn: []string{"s0"},
			Oversized: true,
			Timestamp: now.Add(time.Millisecond),
		},
		{
			TaskID:    "t1",
			SubtaskID: "s1",
			From:      string(models.SubtaskReady),
			To:        string(models.SubtaskDispatched),
			WorkerID:  "w1",
			Retries:   1,
			Timestamp: now.Add(2 * time.Millisecond),
		},
	}

	for _, rec := range records {
		if err := l.Append(rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := l.ReadAll("t1")
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}

	if got[1].SubtaskID != "s1" {
		t.Errorf("expected subtask s1, got %s", got[1].SubtaskID)
	}
	if len(got[1].Resources) != 2 || got[1].Resources[1].Cost != 700 {
		t.Errorf("resources did not roundtrip: %+v", got[1].Resources)
	}
	if len(got[1].DependsOn) != 1 || got[1].DependsOn[0] != "s0" {
		t.Errorf("depends_on did not roundtrip: %v", got[1].DependsOn)
	}
	if got[2].WorkerID != "w1" {
		t.Errorf("expected worker w1, got %s", got[2].WorkerID)
	}
	if !got[1].Oversized {
		t.Error("oversized flag did not roundtrip")
	}
	if got[2].Retries != 1 {
		t.Errorf("retries did not roundtrip: %d", got[2].Retries)
	}
	if !got[0].Timestamp.Equal(now) {
		t.Errorf("timestamp did not roundtrip: %v vs %v", got[0].Timestamp, now)
	}
}

func TestSQLiteReadAllUnknownTask(t *testing.T) {
	l := openTestLedger(t)

	got, err := l.ReadAll("missing")
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no records, got %d", len(got))
	}
}

func TestSQLiteTaskIDs(t *testing.T) {
	l := openTestLedger(t)

	now := time.Now().UTC()
	for _, id := range []string{"t2", "t1", "t2"} {
		if err := l.Append(models.PlanRecord{TaskID: id, To: string(models.TaskPlanned), Timestamp: now}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	ids, err := l.TaskIDs()
	if err != nil {
		t.Fatalf("task ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != "t2" || ids[1] != "t1" {
		t.Errorf("expected [t2 t1], got %v", ids)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.Append(models.PlanRecord{TaskID: "t1", To: string(models.TaskPlanned), Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.ReadAll("t1")
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 record after reopen, got %d", len(got))
	}
}

func TestSQLitePurgeBefore(t *testing.T) {
	l := openTestLedger(t)

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()

	// Terminal task, old: purged.
	l.Append(models.PlanRecord{TaskID: "done-old", To: string(models.TaskPlanned), Timestamp: old})
	l.Append(models.PlanRecord{TaskID: "done-old", From: string(models.TaskPlanned), To: string(models.TaskCompleted), Timestamp: old})

	// Terminal task, recent: kept.
	l.Append(models.PlanRecord{TaskID: "done-new", To: string(models.TaskCompleted), Timestamp: recent})

	// Non-terminal task, old: kept regardless of age.
	l.Append(models.PlanRecord{TaskID: "live-old", To: string(models.TaskInProgress), Timestamp: old})

	purged, err := l.PurgeBefore(time.Now().UTC().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 task purged, got %d", purged)
	}

	ids, err := l.TaskIDs()
	if err != nil {
		t.Fatalf("task ids: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 tasks remaining, got %v", ids)
	}
	for _, id := range ids {
		if id == "done-old" {
			t.Error("purged task still present")
		}
	}
}

func TestMemoryLedger(t *testing.T) {
	m := NewMemory()

	if err := m.Append(models.PlanRecord{TaskID: "t1", To: string(models.TaskPlanned)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := m.ReadAll("t1")
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Append(models.PlanRecord{TaskID: "t1", To: string(models.TaskInProgress)}); err != ErrClosed {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}
