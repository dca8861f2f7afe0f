// internal/store/store.go
// SQLite results store: runs, hosts, open ports and errors

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aspnmy/netrecon/internal/models"
)

// ErrRunNotFound is returned when a run ID is unknown
var ErrRunNotFound = errors.New("run not found")

// Run status values
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

// Store handles persistence of scan results
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath
// PERFORMANCE: Enables WAL mode so `runs` can read while a scan writes
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open results database: %w", err)
	}
	// results arrive from a single writer goroutine
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-10000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close() //nolint:gosec // G104: secondary error, primary error returned
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := createTables(db); err != nil {
		_ = db.Close() //nolint:gosec // G104: secondary error, primary error returned
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// createTables creates the necessary database tables
func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id        TEXT PRIMARY KEY,
		started_at    INTEGER NOT NULL,
		finished_at   INTEGER,
		tool_version  TEXT NOT NULL,
		args_json     TEXT NOT NULL,
		targets_json  TEXT NOT NULL DEFAULT '[]',
		status        TEXT NOT NULL DEFAULT 'running',
		host_count    INTEGER DEFAULT 0,
		error_count   INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS hosts (
		host_id       INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id        TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		target        TEXT NOT NULL,
		address       TEXT NOT NULL,
		scanned       INTEGER NOT NULL DEFAULT 0,
		attempts      INTEGER NOT NULL DEFAULT 0,
		started_ms    INTEGER NOT NULL,
		ended_ms      INTEGER NOT NULL,
		UNIQUE (run_id, target)
	);

	CREATE TABLE IF NOT EXISTS ports (
		port_id       INTEGER PRIMARY KEY AUTOINCREMENT,
		host_id       INTEGER NOT NULL REFERENCES hosts(host_id) ON DELETE CASCADE,
		transport     TEXT NOT NULL CHECK (transport IN ('tcp','udp')),
		port          INTEGER NOT NULL CHECK (port BETWEEN 1 AND 65535),
		state         TEXT NOT NULL CHECK (state IN ('open','closed','filtered','open|filtered')),
		first_seen_ms INTEGER NOT NULL,
		last_seen_ms  INTEGER NOT NULL,
		UNIQUE (host_id, transport, port)
	);

	CREATE TABLE IF NOT EXISTS errors (
		error_id      INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id        TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		scope         TEXT NOT NULL,
		code          TEXT NOT NULL,
		message       TEXT NOT NULL,
		at_ms         INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_hosts_run ON hosts(run_id);
	CREATE INDEX IF NOT EXISTS idx_ports_host ON ports(host_id);
	CREATE INDEX IF NOT EXISTS idx_ports_lookup ON ports(transport, port, state);
	CREATE INDEX IF NOT EXISTS idx_errors_run ON errors(run_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`

	_, err := db.Exec(schema)
	return err
}

// RunMeta describes a run when it begins
type RunMeta struct {
	StartedAt   time.Time
	ToolVersion string
	Args        map[string]any
	Targets     []string
}

// RunInfo represents run metadata
type RunInfo struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time // zero while running
	ToolVersion string
	Args        map[string]any
	Targets     []string
	Status      string
	HostCount   int64
	ErrorCount  int64
}

// BeginRun records a new run and returns its ID
func (s *Store) BeginRun(ctx context.Context, meta RunMeta) (string, error) {
	id := uuid.New().String()

	argsJSON, err := json.Marshal(meta.Args)
	if err != nil {
		return "", fmt.Errorf("failed to encode run args: %w", err)
	}
	targetsJSON, err := json.Marshal(meta.Targets)
	if err != nil {
		return "", fmt.Errorf("failed to encode run targets: %w", err)
	}
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, tool_version, args_json, targets_json, status) VALUES (?, ?, ?, ?, ?, ?)`,
		id, meta.StartedAt.UnixMilli(), meta.ToolVersion, string(argsJSON), string(targetsJSON), StatusRunning,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return id, nil
}

// ReopenRun marks a finished or interrupted run as running again for resume
func (s *Store) ReopenRun(ctx context.Context, runID string) (*RunInfo, error) {
	info, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = NULL WHERE run_id = ?`, StatusRunning, runID,
	); err != nil {
		return nil, fmt.Errorf("failed to reopen run: %w", err)
	}
	info.Status = StatusRunning
	info.FinishedAt = time.Time{}
	return info, nil
}

// RecordHost stores one host's result and its open ports in a transaction
func (s *Store) RecordHost(ctx context.Context, runID string, result *models.ScanResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	address := result.Address
	if address == "" {
		address = result.Target
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO hosts (run_id, target, address, scanned, attempts, started_ms, ended_ms) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, target) DO UPDATE SET address = excluded.address, scanned = excluded.scanned,
		 attempts = excluded.attempts, started_ms = excluded.started_ms, ended_ms = excluded.ended_ms`,
		runID, result.Target, address, result.Scanned, result.Attempts,
		result.StartedAt.UnixMilli(), result.EndedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert host %s: %w", result.Target, err)
	}

	var hostID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT host_id FROM hosts WHERE run_id = ? AND target = ?`, runID, result.Target,
	).Scan(&hostID); err != nil {
		return err
	}

	seen := result.EndedAt.UnixMilli()
	for _, port := range result.Open {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ports (host_id, transport, port, state, first_seen_ms, last_seen_ms) VALUES (?, 'tcp', ?, 'open', ?, ?)
			 ON CONFLICT(host_id, transport, port) DO UPDATE SET state = excluded.state, last_seen_ms = excluded.last_seen_ms`,
			hostID, int(port), seen, seen,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert port %d: %w", port, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET host_count = (SELECT COUNT(1) FROM hosts WHERE run_id = ?) WHERE run_id = ?`, runID, runID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// AddError records a non-fatal error against a run
func (s *Store) AddError(ctx context.Context, runID, scope, code, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO errors (run_id, scope, code, message, at_ms) VALUES (?, ?, ?, ?, ?)`,
		runID, scope, code, message, time.Now().UnixMilli(),
	)
	return err
}

// FinishRun stamps the end of a run with its final status
func (s *Store) FinishRun(ctx context.Context, runID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?,
		 host_count = (SELECT COUNT(1) FROM hosts WHERE run_id = ?),
		 error_count = (SELECT COUNT(1) FROM errors WHERE run_id = ?)
		 WHERE run_id = ?`,
		time.Now().UnixMilli(), status, runID, runID, runID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `run_id, started_at, finished_at, tool_version, args_json, targets_json, status, host_count, error_count`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunInfo, error) {
	var (
		info        RunInfo
		startedMS   int64
		finishedMS  sql.NullInt64
		argsJSON    string
		targetsJSON string
	)
	if err := row.Scan(&info.ID, &startedMS, &finishedMS, &info.ToolVersion, &argsJSON, &targetsJSON,
		&info.Status, &info.HostCount, &info.ErrorCount); err != nil {
		return nil, err
	}

	info.StartedAt = time.UnixMilli(startedMS).UTC()
	if finishedMS.Valid {
		info.FinishedAt = time.UnixMilli(finishedMS.Int64).UTC()
	}
	if err := json.Unmarshal([]byte(argsJSON), &info.Args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run args: %w", err)
	}
	if err := json.Unmarshal([]byte(targetsJSON), &info.Targets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run targets: %w", err)
	}
	return &info, nil
}

// GetRun retrieves run information
func (s *Store) GetRun(ctx context.Context, runID string) (*RunInfo, error) {
	info, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return info, err
}

// ListRuns lists runs newest first, optionally filtered by status
func (s *Store) ListRuns(ctx context.Context, status string) ([]RunInfo, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		info, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *info)
	}
	return runs, rows.Err()
}

// CompletedTargets returns the targets already recorded for a run
func (s *Store) CompletedTargets(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT target FROM hosts WHERE run_id = ? ORDER BY host_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// HostResults loads the stored results of a run in recording order
func (s *Store) HostResults(ctx context.Context, runID string) ([]models.ScanResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT h.host_id, h.target, h.address, h.scanned, h.attempts, h.started_ms, h.ended_ms, p.port
		 FROM hosts h LEFT JOIN ports p ON p.host_id = h.host_id AND p.state = 'open'
		 WHERE h.run_id = ? ORDER BY h.host_id, p.port`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		results []models.ScanResult
		lastID  int64 = -1
	)
	for rows.Next() {
		var (
			id                 int64
			r                  models.ScanResult
			startedMS, endedMS int64
			port               sql.NullInt64
		)
		if err := rows.Scan(&id, &r.Target, &r.Address, &r.Scanned, &r.Attempts, &startedMS, &endedMS, &port); err != nil {
			return nil, err
		}
		if id != lastID {
			r.StartedAt = time.UnixMilli(startedMS).UTC()
			r.EndedAt = time.UnixMilli(endedMS).UTC()
			r.Duration = r.EndedAt.Sub(r.StartedAt)
			r.Open = []uint16{}
			results = append(results, r)
			lastID = id
		}
		if port.Valid {
			cur := &results[len(results)-1]
			cur.Open = append(cur.Open, uint16(port.Int64)) //nolint:gosec // G115: CHECK constraint keeps it in range
		}
	}
	return results, rows.Err()
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
