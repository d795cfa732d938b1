package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lab-backend/internal/shared/metrics"
	"lab-backend/internal/shared/telemetry"
)

// Recorder owns the lifecycle of step records.
type Recorder struct {
	repo  Repo
	now   func() time.Time
	newID func() string
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderClock overrides the time source.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator overrides step id allocation.
func WithIDGenerator(newID func() string) RecorderOption {
	return func(r *Recorder) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// NewRecorder constructs a Recorder over repo.
func NewRecorder(repo Repo, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		repo:  repo,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start records a new step in processing and returns its id.
// Any failure wraps ErrOrchestration.
func (r *Recorder) Start(ctx context.Context, params StartParams) (string, error) {
	if params.WorkflowID == "" || params.StepType == "" {
		return "", fmt.Errorf("%w: workflow id and step type are required", ErrOrchestration)
	}
	step := Step{
		ID:           r.newID(),
		WorkflowID:   params.WorkflowID,
		StepType:     params.StepType,
		StepName:     params.StepName,
		Status:       StatusProcessing,
		InputSummary: params.InputSummary,
		StartedAt:    r.now(),
		InitiatorID:  params.InitiatorID,
		ScopeID:      params.ScopeID,
	}
	if step.StepName == "" {
		step.StepName = string(params.StepType)
	}
	if params.RelatedEntityID != "" {
		related := params.RelatedEntityID
		step.RelatedEntityID = &related
	}
	if err := r.repo.Create(ctx, step); err != nil {
		telemetry.Error("workflow.step", map[string]any{
			"workflow_id": step.WorkflowID,
			"step_type":   string(step.StepType),
			"error":       sanitizeError(err),
			"event":       "start_failed",
		})
		return "", fmt.Errorf("%w: start %s step: %v", ErrOrchestration, step.StepType, err)
	}

	metrics.IncStepStarted(string(step.StepType))
	telemetry.Info("workflow.step", map[string]any{
		"workflow_id":       step.WorkflowID,
		"step_id":           step.ID,
		"step_type":         string(step.StepType),
		"status":            StatusProcessing,
		"status_transition": "->processing",
	})
	return step.ID, nil
}

// Complete moves a step to completed or failed. A second call for the same
// step returns ErrAlreadyCompleted and leaves the stored outcome untouched.
func (r *Recorder) Complete(ctx context.Context, stepID string, completion Completion) error {
	if completion.ProcessingTimeMs < 0 {
		completion.ProcessingTimeMs = 0
	}
	if !completion.Success {
		completion.ErrorMessage = sanitizeMessage(completion.ErrorMessage)
	}
	err := r.repo.Complete(ctx, stepID, completion, r.now())
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyCompleted), errors.Is(err, ErrNotFound):
		telemetry.Error("workflow.step", map[string]any{
			"step_id": stepID,
			"event":   "complete_rejected",
			"error":   err.Error(),
		})
		return err
	default:
		telemetry.Error("workflow.step", map[string]any{
			"step_id": stepID,
			"event":   "complete_failed",
			"error":   sanitizeError(err),
		})
		return fmt.Errorf("%w: complete step %s: %v", ErrOrchestration, stepID, err)
	}

	status := completion.status()
	fields := map[string]any{
		"step_id":           stepID,
		"status":            status,
		"status_transition": StatusProcessing + "->" + status,
		"duration_ms":       completion.ProcessingTimeMs,
	}
	if !completion.Success {
		fields["error"] = completion.ErrorMessage
	}
	telemetry.Info("workflow.step", fields)
	return nil
}

// Get returns a single step.
func (r *Recorder) Get(ctx context.Context, stepID string) (Step, error) {
	return r.repo.Get(ctx, stepID)
}

// List returns the steps of a workflow ordered by start time.
func (r *Recorder) List(ctx context.Context, workflowID string) ([]Step, error) {
	return r.repo.ListByWorkflow(ctx, workflowID)
}

// Stale returns steps that have been processing for longer than olderThan.
func (r *Recorder) Stale(ctx context.Context, olderThan time.Duration) ([]Step, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleAfter
	}
	return r.repo.ListStale(ctx, r.now().Add(-olderThan))
}
