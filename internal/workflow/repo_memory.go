package workflow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores steps in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu         sync.RWMutex
	byID       map[string]Step
	byWorkflow map[string][]string
	order      []string
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:       make(map[string]Step),
		byWorkflow: make(map[string][]string),
	}
}

// Create stores the step.
func (r *MemoryRepo) Create(ctx context.Context, step Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[step.ID] = cloneStep(step)
	r.byWorkflow[step.WorkflowID] = append(r.byWorkflow[step.WorkflowID], step.ID)
	r.order = append(r.order, step.ID)
	return nil
}

// Complete records the terminal status of a processing step.
func (r *MemoryRepo) Complete(ctx context.Context, stepID string, completion Completion, completedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	step, ok := r.byID[stepID]
	if !ok {
		return ErrNotFound
	}
	if step.Status != StatusProcessing {
		return ErrAlreadyCompleted
	}
	step.Status = completion.status()
	if completion.Success {
		step.OutputSummary = cloneMap(completion.OutputSummary)
	} else {
		msg := completion.ErrorMessage
		step.ErrorMessage = &msg
	}
	ms := completion.ProcessingTimeMs
	step.ProcessingTimeMs = &ms
	done := completedAt
	step.CompletedAt = &done
	r.byID[stepID] = step
	return nil
}

// Get returns a step by ID.
func (r *MemoryRepo) Get(ctx context.Context, stepID string) (Step, error) {
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.byID[stepID]
	if !ok {
		return Step{}, ErrNotFound
	}
	return cloneStep(step), nil
}

// ListByWorkflow returns the steps of a workflow by start time.
func (r *MemoryRepo) ListByWorkflow(ctx context.Context, workflowID string) ([]Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	ids := r.byWorkflow[workflowID]
	steps := make([]Step, 0, len(ids))
	for _, id := range ids {
		steps = append(steps, cloneStep(r.byID[id]))
	}
	r.mu.RUnlock()

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].StartedAt.Before(steps[j].StartedAt)
	})
	return steps, nil
}

// ListStale returns processing steps started before cutoff.
func (r *MemoryRepo) ListStale(ctx context.Context, cutoff time.Time) ([]Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	steps := make([]Step, 0)
	for _, id := range r.order {
		step := r.byID[id]
		if step.Status == StatusProcessing && step.StartedAt.Before(cutoff) {
			steps = append(steps, cloneStep(step))
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].StartedAt.Before(steps[j].StartedAt)
	})
	return steps, nil
}

func cloneStep(step Step) Step {
	step.InputSummary = cloneMap(step.InputSummary)
	step.OutputSummary = cloneMap(step.OutputSummary)
	return step
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ Repo = (*MemoryRepo)(nil)
