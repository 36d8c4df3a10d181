package jobs

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/virtforge/virtforge/pkg/types"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS job_history (
    job_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    language TEXT NOT NULL,
    resource_profile TEXT,
    timeout_seconds INTEGER,
    exit_code INTEGER,
    stdout_len INTEGER DEFAULT 0,
    stderr_len INTEGER DEFAULT 0,
    error_message TEXT,
    submitted_at TEXT NOT NULL,
    started_at TEXT,
    completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_job_history_completed ON job_history(completed_at);
`

// History persists terminal job records to SQLite. The in-memory Store
// stays authoritative for live jobs; History only answers "what ran
// here before".
type History struct {
	db *sql.DB
}

// OpenHistory opens (or creates) the job history database under dataDir.
func OpenHistory(dataDir string) (*History, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "jobs.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	return &History{db: db}, nil
}

// Close closes the database connection.
func (h *History) Close() error {
	return h.db.Close()
}

// Record writes one terminal job snapshot. Re-recording the same job id
// overwrites the previous row.
func (h *History) Record(snap types.JobSnapshot) error {
	var exitCode sql.NullInt64
	stdoutLen, stderrLen := 0, 0
	if snap.Result != nil {
		exitCode = sql.NullInt64{Int64: int64(snap.Result.ExitCode), Valid: true}
		stdoutLen = len(snap.Result.Stdout)
		stderrLen = len(snap.Result.Stderr)
	}
	_, err := h.db.Exec(
		`INSERT OR REPLACE INTO job_history
		 (job_id, status, language, resource_profile, timeout_seconds,
		  exit_code, stdout_len, stderr_len, error_message,
		  submitted_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, string(snap.Status), snap.Language, snap.ResourceProfile,
		snap.TimeoutSeconds, exitCode, stdoutLen, stderrLen,
		snap.ErrorMessage, formatTime(snap.SubmittedAt),
		formatTimePtr(snap.StartedAt), formatTimePtr(snap.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to record job: %w", err)
	}
	return nil
}

// HistoryRecord is one persisted job outcome.
type HistoryRecord struct {
	JobID        string
	Status       string
	Language     string
	Profile      string
	ExitCode     sql.NullInt64
	ErrorMessage string
	SubmittedAt  string
	CompletedAt  string
}

// Recent returns up to n most recently completed jobs, newest first.
func (h *History) Recent(n int) ([]HistoryRecord, error) {
	rows, err := h.db.Query(
		`SELECT job_id, status, language, resource_profile, exit_code,
		        COALESCE(error_message, ''), submitted_at, COALESCE(completed_at, '')
		 FROM job_history ORDER BY completed_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []HistoryRecord
	for rows.Next() {
		var r HistoryRecord
		if err := rows.Scan(&r.JobID, &r.Status, &r.Language, &r.Profile,
			&r.ExitCode, &r.ErrorMessage, &r.SubmittedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
