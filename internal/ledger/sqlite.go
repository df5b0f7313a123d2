package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ckzm/orchard/pkg/models"
)

// SQLiteLedger is the durable Ledger backed by an SQLite database.
type SQLiteLedger struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// DefaultPath returns the default ledger location under the XDG data dir.
func DefaultPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "orchard", "ledger.db")
}

// Open opens an SQLite ledger at the given path, creating parent directories
// and applying migrations. WAL mode is enabled for concurrent reads.
func Open(path string) (*SQLiteLedger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	l := &SQLiteLedger{conn: conn, path: path}
	if err := l.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return l, nil
}

// Path returns the path to the ledger file.
func (l *SQLiteLedger) Path() string {
	return l.path
}

// migrate applies all pending schema migrations.
func (l *SQLiteLedger) migrate() error {
	_, err := l.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := l.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1PlanRecords},
		{2, migrationV2SubtaskFlags},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := l.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1PlanRecords = `
CREATE TABLE IF NOT EXISTS plan_records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	subtask_id TEXT NOT NULL DEFAULT '',
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL,
	worker_id TEXT NOT NULL DEFAULT '',
	resources TEXT,
	depends_on TEXT,
	detail TEXT NOT NULL DEFAULT '',
	timestamp DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_plan_records_task_id ON plan_records(task_id);
`

const migrationV2SubtaskFlags = `
ALTER TABLE plan_records ADD COLUMN oversized INTEGER NOT NULL DEFAULT 0;
ALTER TABLE plan_records ADD COLUMN retries INTEGER NOT NULL DEFAULT 0;
`

// Append durably records one state transition. Records are insert-only; no
// update or delete path exists outside PurgeBefore.
func (l *SQLiteLedger) Append(rec models.PlanRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var resourcesJSON, dependsJSON []byte
	var err error
	if len(rec.Resources) > 0 {
		resourcesJSON, err = json.Marshal(rec.Resources)
		if err != nil {
			return fmt.Errorf("marshal resources: %w", err)
		}
	}
	if len(rec.DependsOn) > 0 {
		dependsJSON, err = json.Marshal(rec.DependsOn)
		if err != nil {
			return fmt.Errorf("marshal depends_on: %w", err)
		}
	}

	_, err = l.conn.Exec(`
		INSERT INTO plan_records
			(task_id, subtask_id, from_state, to_state, worker_id, resources, depends_on, oversized, retries, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.TaskID, rec.SubtaskID, rec.From, rec.To, rec.WorkerID,
		nullableString(resourcesJSON), nullableString(dependsJSON),
		rec.Oversized, rec.Retries,
		rec.Detail, formatTime(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("append plan record: %w", err)
	}

	return nil
}

// ReadAll returns every record for a task in append order.
func (l *SQLiteLedger) ReadAll(taskID string) ([]models.PlanRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.conn.Query(`
		SELECT task_id, subtask_id, from_state, to_state, worker_id, resources, depends_on, oversized, retries, detail, timestamp
		FROM plan_records
		WHERE task_id = ?
		ORDER BY seq ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("read plan records: %w", err)
	}
	defer rows.Close()

	var records []models.PlanRecord
	for rows.Next() {
		var rec models.PlanRecord
		var resourcesJSON, dependsJSON sql.NullString
		var ts string

		if err := rows.Scan(&rec.TaskID, &rec.SubtaskID, &rec.From, &rec.To,
			&rec.WorkerID, &resourcesJSON, &dependsJSON, &rec.Oversized, &rec.Retries,
			&rec.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan plan record: %w", err)
		}

		if resourcesJSON.Valid && resourcesJSON.String != "" {
			if err := json.Unmarshal([]byte(resourcesJSON.String), &rec.Resources); err != nil {
				return nil, fmt.Errorf("unmarshal resources: %w", err)
			}
		}
		if dependsJSON.Valid && dependsJSON.String != "" {
			if err := json.Unmarshal([]byte(dependsJSON.String), &rec.DependsOn); err != nil {
				return nil, fmt.Errorf("unmarshal depends_on: %w", err)
			}
		}

		t, err := parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		rec.Timestamp = t

		records = append(records, rec)
	}

	return records, rows.Err()
}

// TaskIDs returns the distinct task ids in the ledger, ordered by first
// appearance.
func (l *SQLiteLedger) TaskIDs() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.conn.Query(`
		SELECT task_id FROM plan_records GROUP BY task_id ORDER BY MIN(seq) ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// PurgeBefore archives terminal tasks by deleting all records of tasks whose
// last transition is terminal and older than the cutoff. This is the only
// delete path, and it is explicit: live tasks are never touched.
// Returns the number of tasks purged.
func (l *SQLiteLedger) PurgeBefore(cutoff time.Time) (int, error) {
	ids, err := l.TaskIDs()
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, id := range ids {
		records, err := l.ReadAll(id)
		if err != nil {
			return purged, err
		}
		if len(records) == 0 {
			continue
		}

		last := records[len(records)-1]
		if last.SubtaskID != "" {
			continue
		}
		if !models.TaskStatus(last.To).Terminal() || !last.Timestamp.Before(cutoff) {
			continue
		}

		l.mu.Lock()
		_, err = l.conn.Exec("DELETE FROM plan_records WHERE task_id = ?", id)
		l.mu.Unlock()
		if err != nil {
			return purged, fmt.Errorf("purge task %s: %w", id, err)
		}
		purged++
	}

	return purged, nil
}

// Close closes the database connection.
func (l *SQLiteLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.Close()
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

var _ Ledger = (*SQLiteLedger)(nil)
