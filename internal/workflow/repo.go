package workflow

import (
	"context"
	"time"
)

// Repo persists workflow steps.
type Repo interface {
	Create(ctx context.Context, step Step) error
	// Complete moves a processing step to its terminal status. It returns
	// ErrAlreadyCompleted if the step already left processing.
	Complete(ctx context.Context, stepID string, completion Completion, completedAt time.Time) error
	Get(ctx context.Context, stepID string) (Step, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]Step, error)
	// ListStale returns processing steps started before cutoff, oldest first.
	ListStale(ctx context.Context, cutoff time.Time) ([]Step, error)
}
