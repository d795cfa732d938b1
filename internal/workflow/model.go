package workflow

import "time"

// StepType names a pipeline stage.
type StepType string

const (
	StepTranscription StepType = "transcription"
	StepExtraction    StepType = "extraction"
	StepRendering     StepType = "rendering"
	StepDelivery      StepType = "delivery"
)

// Stages lists the pipeline stages in execution order.
var Stages = []StepType{StepTranscription, StepExtraction, StepRendering, StepDelivery}

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Run groups the steps of one pipeline execution. It is never persisted.
type Run struct {
	ID          string    `json:"workflowId"`
	InitiatorID string    `json:"initiatorId"`
	ScopeID     string    `json:"scopeId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Step is the durable record of one stage attempt.
type Step struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflowId"`
	StepType         StepType       `json:"stepType"`
	StepName         string         `json:"stepName"`
	Status           string         `json:"status"`
	InputSummary     map[string]any `json:"inputSummary,omitempty"`
	OutputSummary    map[string]any `json:"outputSummary,omitempty"`
	ErrorMessage     *string        `json:"errorMessage,omitempty"`
	StartedAt        time.Time      `json:"startedAt"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
	ProcessingTimeMs *int64         `json:"processingTimeMs,omitempty"`
	InitiatorID      string         `json:"initiatorId"`
	ScopeID          string         `json:"scopeId"`
	RelatedEntityID  *string        `json:"relatedEntityId,omitempty"`
}

// Terminal reports whether the step has left processing.
func (s Step) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// StartParams describes a step about to enter processing.
type StartParams struct {
	WorkflowID      string
	StepType        StepType
	StepName        string
	InputSummary    map[string]any
	InitiatorID     string
	ScopeID         string
	RelatedEntityID string
}

// Completion is the terminal outcome of a step.
type Completion struct {
	Success          bool
	OutputSummary    map[string]any
	ErrorMessage     string
	ProcessingTimeMs int64
}

func (c Completion) status() string {
	if c.Success {
		return StatusCompleted
	}
	return StatusFailed
}
