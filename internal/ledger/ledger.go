// Package ledger is the durable record of collection progress: which
// discovered units have been retrieved, failed, or are still pending.
// It is the source of truth for idempotence and resumability — a job
// re-run against an unchanged archive performs zero retrievals.
//
// Backed by SQLite with WAL mode. Every mutation is an atomic per-key
// read-modify-write; concurrent scheduler workers cannot corrupt or
// lose entries. Storage failures surface as PersistenceError, which is
// fatal to the job: without durable state the at-most-once guarantee
// is gone.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Status is a unit's collection state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is a job-terminal state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusPartial || s == StatusFailed
}

// Entry is one persisted ledger row.
type Entry struct {
	NodeID    string
	UnitUID   string
	Level     string
	Status    Status
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// ConflictError means another worker already holds in_progress for the
// unit, or the unit is already terminal. The caller must back off, not
// retry blindly.
type ConflictError struct {
	NodeID  string
	UnitUID string
	Status  Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unit %s on %s is already %s", e.UnitUID, e.NodeID, e.Status)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// PersistenceError means the ledger storage itself failed. Fatal to the
// job.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Ledger provides atomic per-key progress tracking over SQLite.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens the ledger database at path. Applies WAL mode,
// a busy timeout, and the schema; idempotent across restarts.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "open", Err: err}
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent scheduler workers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &PersistenceError{Op: "open", Err: fmt.Errorf("%s: %w", pragma, err)}
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "open", Err: fmt.Errorf("apply schema: %w", err)}
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Register inserts a discovered unit as pending. Existing entries are
// left untouched, so re-discovering an already-collected unit never
// resets its status.
func (l *Ledger) Register(ctx context.Context, nodeID, unitUID, level string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO units (node_id, unit_uid, level, status, attempts, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?)
		ON CONFLICT(node_id, unit_uid) DO NOTHING
	`, nodeID, unitUID, level, now())
	if err != nil {
		return &PersistenceError{Op: "register", Err: err}
	}
	return nil
}

// Lookup returns the entry for a unit, with ok=false when absent.
func (l *Ledger) Lookup(ctx context.Context, nodeID, unitUID string) (Entry, bool, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT node_id, unit_uid, level, status, attempts, COALESCE(last_error, ''), updated_at
		FROM units WHERE node_id = ? AND unit_uid = ?
	`, nodeID, unitUID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, &PersistenceError{Op: "lookup", Err: err}
	}
	return e, true, nil
}

// RecordAttempt moves a unit to in_progress and increments its attempt
// count. The transition is a single guarded update — a compare-and-swap
// — so exactly one of any set of concurrent callers wins; the rest get
// ConflictError.
func (l *Ledger) RecordAttempt(ctx context.Context, nodeID, unitUID string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE units
		SET status = 'in_progress', attempts = attempts + 1, updated_at = ?
		WHERE node_id = ? AND unit_uid = ? AND status IN ('pending', 'failed', 'partial')
	`, now(), nodeID, unitUID)
	if err != nil {
		return &PersistenceError{Op: "record attempt", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "record attempt", Err: err}
	}
	if n == 1 {
		return nil
	}

	// The guard did not match: either the unit is unknown or another
	// worker holds it.
	e, ok, err := l.Lookup(ctx, nodeID, unitUID)
	if err != nil {
		return err
	}
	if !ok {
		return &PersistenceError{Op: "record attempt", Err: fmt.Errorf("unit %s not registered", unitUID)}
	}
	return &ConflictError{NodeID: nodeID, UnitUID: unitUID, Status: e.Status}
}

// RecordRetry increments the attempt count of a unit the caller already
// holds in_progress. Used by the scheduler between retries of the same
// task: the unit stays in_progress (no other worker may grab it) while
// the attempt count reflects every try.
func (l *Ledger) RecordRetry(ctx context.Context, nodeID, unitUID string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE units SET attempts = attempts + 1, updated_at = ?
		WHERE node_id = ? AND unit_uid = ? AND status = 'in_progress'
	`, now(), nodeID, unitUID)
	if err != nil {
		return &PersistenceError{Op: "record retry", Err: err}
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return &PersistenceError{Op: "record retry", Err: fmt.Errorf("unit %s is not in progress", unitUID)}
	}
	return nil
}

// Outcome is the terminal result recorded for an attempt.
type Outcome struct {
	Status    Status // succeeded, partial, or failed
	LastError string
}

// RecordOutcome writes an attempt's terminal result. Idempotent: calling
// it again with the same outcome changes neither the attempt count nor
// the entry (crash-recovery replay is safe).
func (l *Ledger) RecordOutcome(ctx context.Context, nodeID, unitUID string, out Outcome) error {
	if !out.Status.Terminal() {
		return &PersistenceError{Op: "record outcome", Err: fmt.Errorf("status %q is not terminal", out.Status)}
	}
	var lastErr any
	if out.LastError != "" {
		lastErr = out.LastError
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE units
		SET status = ?, last_error = ?, updated_at = ?
		WHERE node_id = ? AND unit_uid = ?
		  AND NOT (status = ? AND COALESCE(last_error, '') = ?)
	`, string(out.Status), lastErr, now(), nodeID, unitUID, string(out.Status), out.LastError)
	if err != nil {
		return &PersistenceError{Op: "record outcome", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Either already recorded identically (fine) or unknown unit.
		if _, ok, lerr := l.Lookup(ctx, nodeID, unitUID); lerr != nil {
			return lerr
		} else if !ok {
			return &PersistenceError{Op: "record outcome", Err: fmt.Errorf("unit %s not registered", unitUID)}
		}
	}
	return nil
}

// Reset explicitly returns failed units to pending so a follow-up run
// retries them. This is the only sanctioned non-monotonic transition.
func (l *Ledger) Reset(ctx context.Context, nodeID string, unitUIDs []string) (int, error) {
	total := 0
	for _, uid := range unitUIDs {
		res, err := l.db.ExecContext(ctx, `
			UPDATE units SET status = 'pending', last_error = NULL, updated_at = ?
			WHERE node_id = ? AND unit_uid = ? AND status = 'failed'
		`, now(), nodeID, uid)
		if err != nil {
			return total, &PersistenceError{Op: "reset", Err: err}
		}
		if n, _ := res.RowsAffected(); n == 1 {
			total++
		}
	}
	return total, nil
}

// RecoverStale returns in_progress units to pending. Called once at job
// start: an in_progress entry can only mean a previous process died
// mid-attempt, since live attempts never span jobs.
func (l *Ledger) RecoverStale(ctx context.Context, nodeID string) (int, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE units SET status = 'pending', updated_at = ?
		WHERE node_id = ? AND status = 'in_progress'
	`, now(), nodeID)
	if err != nil {
		return 0, &PersistenceError{Op: "recover stale", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListPending returns entries awaiting retrieval, oldest first.
func (l *Ledger) ListPending(ctx context.Context, nodeID string) ([]Entry, error) {
	return l.list(ctx, nodeID, StatusPending)
}

// ListFailed returns terminally failed entries, oldest first. A
// follow-up run targets exactly these.
func (l *Ledger) ListFailed(ctx context.Context, nodeID string) ([]Entry, error) {
	return l.list(ctx, nodeID, StatusFailed)
}

func (l *Ledger) list(ctx context.Context, nodeID string, status Status) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT node_id, unit_uid, level, status, attempts, COALESCE(last_error, ''), updated_at
		FROM units WHERE node_id = ? AND status = ?
		ORDER BY updated_at, unit_uid
	`, nodeID, string(status))
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "list", Err: err}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	return entries, nil
}

// Counts returns per-status entry counts for a node, for job reports.
func (l *Ledger) Counts(ctx context.Context, nodeID string) (map[Status]int, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM units WHERE node_id = ? GROUP BY status
	`, nodeID)
	if err != nil {
		return nil, &PersistenceError{Op: "counts", Err: err}
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, &PersistenceError{Op: "counts", Err: err}
		}
		counts[Status(s)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "counts", Err: err}
	}
	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var status, updatedAt string
	if err := s.Scan(&e.NodeID, &e.UnitUID, &e.Level, &status, &e.Attempts, &e.LastError, &updatedAt); err != nil {
		return Entry{}, err
	}
	e.Status = Status(status)
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	return e, nil
}
