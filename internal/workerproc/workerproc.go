package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"lab-backend/internal/queue"
	"lab-backend/internal/shared/storage/object"
	"lab-backend/internal/shared/telemetry"
	"lab-backend/internal/transcribe"
	"lab-backend/internal/workflow"
)

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{BodyLen: 0, BodySHA: ""}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode message"
	}
	return "decode message: " + e.Err.Error()
}

// ErrMissingWorkflowID indicates a message missing the workflow id.
type ErrMissingWorkflowID struct {
	Meta      MessageMeta
	RequestID string
}

func (e ErrMissingWorkflowID) Error() string { return "missing workflow id" }

// ErrUnsupportedVersion indicates a message written by a newer producer.
type ErrUnsupportedVersion struct {
	WorkflowID string
	Version    int
}

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported message version %d", e.Version)
}

// ErrMissingAudio indicates the staged audio is gone. Redelivery cannot help.
type ErrMissingAudio struct {
	WorkflowID string
	AudioKey   string
}

func (e ErrMissingAudio) Error() string { return "staged audio not found: " + e.AudioKey }

// ErrProcess indicates processing failed after successful parsing and should
// be retried through redelivery.
type ErrProcess struct {
	WorkflowID string
	RequestID  string
	Err        error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "process workflow"
	}
	return "process workflow: " + e.Err.Error()
}

func (e ErrProcess) Unwrap() error { return e.Err }

// Unrecoverable reports whether a message can never be processed and should be
// removed from the queue.
func Unrecoverable(err error) bool {
	var (
		empty   ErrEmptyBody
		decode  ErrDecode
		missing ErrMissingWorkflowID
		version ErrUnsupportedVersion
		audio   ErrMissingAudio
	)
	return errors.As(err, &empty) ||
		errors.As(err, &decode) ||
		errors.As(err, &missing) ||
		errors.As(err, &version) ||
		errors.As(err, &audio)
}

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (queue.Message, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return queue.Message{}, meta, ErrEmptyBody{Meta: meta}
	}

	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return queue.Message{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	if strings.TrimSpace(msg.WorkflowID) == "" {
		return msg, meta, ErrMissingWorkflowID{Meta: meta, RequestID: msg.RequestID}
	}
	if msg.Version > queue.MessageVersion {
		return msg, meta, ErrUnsupportedVersion{WorkflowID: msg.WorkflowID, Version: msg.Version}
	}
	return msg, meta, nil
}

type parsedMessageKey struct{}

// WithParsedMessage stores a decoded message in the context for reuse.
func WithParsedMessage(ctx context.Context, msg queue.Message) context.Context {
	return context.WithValue(ctx, parsedMessageKey{}, msg)
}

func parsedMessageFromContext(ctx context.Context) (queue.Message, bool) {
	if ctx == nil {
		return queue.Message{}, false
	}
	msg, ok := ctx.Value(parsedMessageKey{}).(queue.Message)
	return msg, ok
}

// Runner executes a complete workflow.
type Runner interface {
	RunComplete(ctx context.Context, in workflow.CompleteInput) workflow.CompleteResult
}

// Processor runs queued workflows against staged audio.
type Processor struct {
	Runner Runner
	Store  object.ObjectStore
}

// Process loads the staged audio and runs every stage under the queued
// workflow id. A run that aborts on a failed stage is final and returns nil;
// only store failures are reported as ErrProcess.
func (p *Processor) Process(ctx context.Context, msg queue.Message) (workflow.CompleteResult, error) {
	job := msg.Job
	audio, err := p.loadAudio(ctx, job.AudioKey)
	if err != nil {
		if errors.Is(err, object.ErrNotFound) {
			return workflow.CompleteResult{}, ErrMissingAudio{WorkflowID: msg.WorkflowID, AudioKey: job.AudioKey}
		}
		return workflow.CompleteResult{}, ErrProcess{WorkflowID: msg.WorkflowID, RequestID: msg.RequestID, Err: err}
	}

	result := p.Runner.RunComplete(ctx, workflow.CompleteInput{
		InitiatorID: job.InitiatorID,
		ScopeID:     job.ScopeID,
		WorkflowID:  msg.WorkflowID,
		Audio: workflow.TranscriptionInput{
			Audio:       audio,
			ContentType: job.ContentType,
			FileName:    job.FileName,
		},
		MeetingType:  job.MeetingType,
		Title:        job.Title,
		Attendees:    job.Attendees,
		LabName:      job.LabName,
		Recipients:   job.Recipients,
		Subject:      job.Subject,
		Tags:         job.Tags,
		Individually: job.Individually,
	})
	if result.Orchestration() {
		// keep the audio so a redelivery can run again
		return result, ErrProcess{WorkflowID: msg.WorkflowID, RequestID: msg.RequestID, Err: result.Err}
	}

	if err := p.Store.Delete(context.WithoutCancel(ctx), job.AudioKey); err != nil && !errors.Is(err, object.ErrNotFound) {
		telemetry.Error("worker.workflow.cleanup_failed", map[string]any{
			"workflow_id": msg.WorkflowID,
			"audio_key":   job.AudioKey,
			"error":       err.Error(),
		})
	}
	return result, nil
}

func (p *Processor) loadAudio(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, object.ErrNotFound
	}
	rc, err := p.Store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, transcribe.MaxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read staged audio: %w", err)
	}
	return data, nil
}

// HandleMessage parses, validates, and processes a message payload.
func HandleMessage(ctx context.Context, p *Processor, body string) error {
	if p == nil || p.Runner == nil || p.Store == nil {
		return errors.New("workflow processor not configured")
	}

	msg, ok := parsedMessageFromContext(ctx)
	if !ok {
		var err error
		msg, _, err = ParseMessage(body)
		if err != nil {
			return err
		}
	}
	if strings.TrimSpace(msg.WorkflowID) == "" {
		return ErrMissingWorkflowID{Meta: ComputeMeta(body), RequestID: msg.RequestID}
	}

	result, err := p.Process(ctx, msg)
	if err != nil {
		return err
	}
	fields := map[string]any{
		"workflow_id": result.WorkflowID,
		"success":     result.Success,
		"stages":      len(result.Stages),
	}
	if msg.RequestID != "" {
		fields["request_id"] = msg.RequestID
	}
	if !result.Success {
		fields["failed_stage"] = string(result.FailedStage)
		fields["error"] = result.ErrorMessage
	}
	telemetry.Info("worker.workflow.finished", fields)
	return nil
}
