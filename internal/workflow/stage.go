package workflow

import (
	"errors"

	"lab-backend/internal/bulk"
	"lab-backend/internal/meetings"
)

// StageResult is the uniform outcome of one stage. Output is set only on success.
type StageResult[T any] struct {
	StepID           string `json:"stepId,omitempty"`
	Success          bool   `json:"success"`
	Output           *T     `json:"outputData,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
	Err              error  `json:"-"`
}

// Orchestration reports whether the stage failed because the step store failed.
func (r StageResult[T]) Orchestration() bool {
	return errors.Is(r.Err, ErrOrchestration)
}

func (r StageResult[T]) summary(stage StepType) StageSummary {
	return StageSummary{
		Stage:            stage,
		StepID:           r.StepID,
		Success:          r.Success,
		ErrorMessage:     r.ErrorMessage,
		ProcessingTimeMs: r.ProcessingTimeMs,
	}
}

type TranscriptionInput struct {
	Audio           []byte
	ContentType     string
	FileName        string
	RelatedEntityID string
}

type TranscriptionOutput struct {
	Transcript string `json:"transcript"`
}

// ExtractionInput takes the transcript produced by the transcription stage.
type ExtractionInput struct {
	Transcript  string   `json:"transcript"`
	MeetingType string   `json:"meetingType"`
	Title       string   `json:"title"`
	Attendees   []string `json:"attendees"`
}

type ExtractionOutput struct {
	MeetingID   string                `json:"meetingId"`
	Summary     string                `json:"summary,omitempty"`
	ActionItems []meetings.ActionItem `json:"actionItems"`
}

type RenderingInput struct {
	MeetingID string `json:"meetingId"`
	LabName   string `json:"labName"`
}

type RenderingOutput struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// DeliveryInput carries rendered content to recipients. Individually sends one
// message per recipient through the bulk dispatcher.
type DeliveryInput struct {
	Content         RenderingOutput   `json:"content"`
	Recipients      []string          `json:"recipients"`
	Subject         string            `json:"subject,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
	Individually    bool              `json:"individually"`
	RelatedEntityID string            `json:"relatedEntityId,omitempty"`
}

type DeliveryOutput struct {
	MessageIDs []string     `json:"messageIds"`
	Report     *bulk.Report `json:"report,omitempty"`
}

// CompleteInput drives all four stages.
type CompleteInput struct {
	InitiatorID string
	ScopeID     string
	// WorkflowID reuses an id allocated earlier (async runs); empty allocates one.
	WorkflowID string

	Audio        TranscriptionInput
	MeetingType  string
	Title        string
	Attendees    []string
	LabName      string
	Recipients   []string
	Subject      string
	Tags         map[string]string
	Individually bool
}

type StageSummary struct {
	Stage            StepType `json:"stage"`
	StepID           string   `json:"stepId,omitempty"`
	Success          bool     `json:"success"`
	ErrorMessage     string   `json:"errorMessage,omitempty"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
}

// CompleteResult reports how far a run got. Stages holds only the stages that ran.
type CompleteResult struct {
	WorkflowID    string                            `json:"workflowId"`
	Success       bool                              `json:"success"`
	FailedStage   StepType                          `json:"failedStage,omitempty"`
	ErrorMessage  string                            `json:"errorMessage,omitempty"`
	Stages        []StageSummary                    `json:"stages"`
	Transcription *StageResult[TranscriptionOutput] `json:"transcription,omitempty"`
	Extraction    *StageResult[ExtractionOutput]    `json:"extraction,omitempty"`
	Rendering     *StageResult[RenderingOutput]     `json:"rendering,omitempty"`
	Delivery      *StageResult[DeliveryOutput]      `json:"delivery,omitempty"`
	Err           error                             `json:"-"`
}

// Orchestration reports whether the run aborted because the step store failed.
func (r CompleteResult) Orchestration() bool {
	return errors.Is(r.Err, ErrOrchestration)
}
