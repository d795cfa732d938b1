package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const pgStepColumns = `id, workflow_id, step_type, step_name, status, input_summary, output_summary,
       error_message, started_at, completed_at, processing_time_ms, initiator_id, scope_id, related_entity_id`

// Create inserts a new step.
func (r *PGRepo) Create(ctx context.Context, step Step) error {
	const query = `
INSERT INTO workflow_steps (
	id, workflow_id, step_type, step_name, status, input_summary,
	started_at, initiator_id, scope_id, related_entity_id
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	input, err := marshalJSONB(step.InputSummary)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, query,
		step.ID,
		step.WorkflowID,
		string(step.StepType),
		step.StepName,
		step.Status,
		input,
		step.StartedAt,
		step.InitiatorID,
		step.ScopeID,
		nullString(step.RelatedEntityID),
	)
	return err
}

// Complete sets the terminal status only while the step is still processing.
func (r *PGRepo) Complete(ctx context.Context, stepID string, completion Completion, completedAt time.Time) error {
	const query = `
UPDATE workflow_steps
SET status = $2,
    output_summary = $3,
    error_message = $4,
    processing_time_ms = $5,
    completed_at = $6
WHERE id = $1 AND status = 'processing'`
	var output []byte
	var errMsg sql.NullString
	if completion.Success {
		payload, err := marshalJSONB(completion.OutputSummary)
		if err != nil {
			return err
		}
		output = payload
	} else {
		errMsg = sql.NullString{String: completion.ErrorMessage, Valid: true}
	}
	res, err := r.DB.ExecContext(ctx, query,
		stepID,
		completion.status(),
		output,
		errMsg,
		completion.ProcessingTimeMs,
		completedAt,
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
	err = r.DB.QueryRowContext(ctx, `SELECT status FROM workflow_steps WHERE id = $1`, stepID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyCompleted
}

// Get returns a step by ID.
func (r *PGRepo) Get(ctx context.Context, stepID string) (Step, error) {
	query := `SELECT ` + pgStepColumns + ` FROM workflow_steps WHERE id = $1`
	step, err := scanPGStep(r.DB.QueryRowContext(ctx, query, stepID))
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, ErrNotFound
	}
	return step, err
}

// ListByWorkflow returns the steps of a workflow by start time.
func (r *PGRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]Step, error) {
	query := `SELECT ` + pgStepColumns + `
FROM workflow_steps
WHERE workflow_id = $1
ORDER BY started_at ASC, seq ASC`
	return r.list(ctx, query, workflowID)
}

// ListStale returns processing steps started before cutoff.
func (r *PGRepo) ListStale(ctx context.Context, cutoff time.Time) ([]Step, error) {
	query := `SELECT ` + pgStepColumns + `
FROM workflow_steps
WHERE status = 'processing' AND started_at < $1
ORDER BY started_at ASC, seq ASC`
	return r.list(ctx, query, cutoff)
}

func (r *PGRepo) list(ctx context.Context, query string, args ...any) ([]Step, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := make([]Step, 0)
	for rows.Next() {
		step, err := scanPGStep(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPGStep(row rowScanner) (Step, error) {
	var s Step
	var stepType string
	var input sql.NullString
	var output sql.NullString
	var errorMessage sql.NullString
	var completedAt sql.NullTime
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
		&s.StartedAt,
		&completedAt,
		&processingTime,
		&s.InitiatorID,
		&s.ScopeID,
		&relatedEntityID,
	); err != nil {
		return Step{}, err
	}
	s.StepType = StepType(stepType)
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
		t := completedAt.Time.UTC()
		s.CompletedAt = &t
	}
	if processingTime.Valid {
		s.ProcessingTimeMs = &processingTime.Int64
	}
	if relatedEntityID.Valid {
		s.RelatedEntityID = &relatedEntityID.String
	}
	s.StartedAt = s.StartedAt.UTC()
	return s, nil
}

func marshalJSONB(value map[string]any) ([]byte, error) {
	if value == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(value)
}

func unmarshalSummary(raw sql.NullString, dest *map[string]any) error {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dest)
}

func nullString(value *string) sql.NullString {
	if value == nil || *value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

var _ Repo = (*PGRepo)(nil)
