package workflow

import "errors"

var (
	ErrNotFound         = errors.New("step not found")
	ErrAlreadyCompleted = errors.New("step already completed")
	// ErrOrchestration marks a failure of the step store itself.
	ErrOrchestration = errors.New("orchestration error")
)

const (
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeStageFailed   = "STAGE_FAILED"
	ErrorCodeOrchestration = "ORCHESTRATION_ERROR"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeQueue         = "QUEUE_ERROR"
	ErrorCodeInternal      = "INTERNAL_ERROR"
)
