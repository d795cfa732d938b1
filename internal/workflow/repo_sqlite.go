package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLiteRepo implements Repo on a local SQLite file for single-node deployments.
// Timestamps are stored as unix nanoseconds.
type SQLiteRepo struct {
	db   *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflow_steps (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	workflow_id TEXT NOT NULL,
	step_type TEXT NOT NULL,
	step_name TEXT NOT NULL,
	status TEXT NOT NULL,
	input_summary TEXT,
	output_summary TEXT,
	error_message TEXT,
	started_at INTEGER NOT NULL,
	completed_at INTEGER,
	processing_time_ms INTEGER,
	initiator_id TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	related_entity_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_workflow_steps_workflow ON workflow_steps(workflow_id, started_at);
CREATE INDEX IF NOT EXISTS idx_workflow_steps_status ON workflow_steps(status, started_at);
`

// OpenSQLite opens (or creates) the step database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepo, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("ensure sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteRepo{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (r *SQLiteRepo) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Create inserts a new step.
func (r *SQLiteRepo) Create(ctx context.Context, step Step) error {
	const query = `
INSERT INTO workflow_steps (
	id, workflow_id, step_type, step_name, status, input_summary,
	started_at, initiator_id, scope_id, related_entity_id
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	input, err := marshalJSONB(step.InputSummary)
	if err != nil {
		return err
	}
	_, err = r.execWithRetry(ctx, query,
		step.ID,
		step.WorkflowID,
		string(step.StepType),
		step.StepName,
		step.Status,
		string(input),
		step.StartedAt.UnixNano(),
		step.InitiatorID,
		step.ScopeID,
		nullString(step.RelatedEntityID),
	)
	return err
}

// Complete sets the terminal status only while the step is still processing.
func (r *SQLiteRepo) Complete(ctx context.Context, stepID string, completion Completion, completedAt time.Time) error {
	const query = `
UPDATE workflow_steps
SET status = ?, output_summary = ?, error_message = ?, processing_time_ms = ?, completed_at = ?
WHERE id = ? AND status = 'processing'`
	var output sql.NullString
	var errMsg sql.NullString
	if completion.Success {
		payload, err := marshalJSONB(completion.OutputSummary)
		if err != nil {
			return err
		}
		output = sql.NullString{String: string(payload), Valid: true}
	} else {
		errMsg = sql.NullString{String: completion.ErrorMessage, Valid: true}
	}
	res, err := r.execWithRetry(ctx, query,
		completion.status(),
		output,
		errMsg,
		completion.ProcessingTimeMs,
		completedAt.UnixNano(),
		stepID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM workflow_steps WHERE id = ?`, stepID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyCompleted
}

const sqliteStepColumns = `id, workflow_id, step_type, step_name, status, input_summary, output_summary,
       error_message, started_at, completed_at, processing_time_ms, initiator_id, scope_id, related_entity_id`

// Get returns a step by ID.
func (r *SQLiteRepo) Get(ctx context.Context, stepID string) (Step, error) {
	query := `SELECT ` + sqliteStepColumns + ` FROM workflow_steps WHERE id = ?`
	step, err := scanSQLiteStep(r.db.QueryRowContext(ctx, query, stepID))
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, ErrNotFound
	}
	return step, err
}

// ListByWorkflow returns the steps of a workflow by start time.
func (r *SQLiteRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]Step, error) {
	query := `SELECT ` + sqliteStepColumns + `
FROM workflow_steps
WHERE workflow_id = ?
ORDER BY started_at ASC, seq ASC`
	return r.list(ctx, query, workflowID)
}

// ListStale returns processing steps started before cutoff.
func (r *SQLiteRepo) ListStale(ctx context.Context, cutoff time.Time) ([]Step, error) {
	query := `SELECT ` + sqliteStepColumns + `
FROM workflow_steps
WHERE status = 'processing' AND started_at < ?
ORDER BY started_at ASC, seq ASC`
	return r.list(ctx, query, cutoff.UnixNano())
}

func (r *SQLiteRepo) list(ctx context.Context, query string, args ...any) ([]Step, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := make([]Step, 0)
	for rows.Next() {
		step, err := scanSQLiteStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return steps, nil
}

func scanSQLiteStep(row rowScanner) (Step, error) {
	var s Step
	var stepType string
	var input sql.NullString
	var output sql.NullString
	var errorMessage sql.NullString
	var startedAt int64
	var completedAt sql.NullInt64
	var processingTime sql.NullInt64
	var relatedEntityID sql.NullString
	if err := row.Scan(
		&s.ID,
		&s.WorkflowID,
		&stepType,
		&s.StepName,
		&s.Status,
		&input,
		&output,
		&errorMessage,
		&startedAt,
		&completedAt,
		&processingTime,
		&s.InitiatorID,
		&s.ScopeID,
		&relatedEntityID,
	); err != nil {
		return Step{}, err
	}
	s.StepType = StepType(stepType)
	s.StartedAt = time.Unix(0, startedAt).UTC()
	if err := unmarshalSummary(input, &s.InputSummary); err != nil {
		return Step{}, fmt.Errorf("decode input_summary: %w", err)
	}
	if err := unmarshalSummary(output, &s.OutputSummary); err != nil {
		return Step{}, fmt.Errorf("decode output_summary: %w", err)
	}
	if errorMessage.Valid {
		s.ErrorMessage = &errorMessage.String
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		s.CompletedAt = &t
	}
	if processingTime.Valid {
		s.ProcessingTimeMs = &processingTime.Int64
	}
	if relatedEntityID.Valid {
		s.RelatedEntityID = &relatedEntityID.String
	}
	return s, nil
}

func (r *SQLiteRepo) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = r.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

var _ Repo = (*SQLiteRepo)(nil)
