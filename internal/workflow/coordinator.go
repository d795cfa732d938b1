package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lab-backend/internal/bulk"
	"lab-backend/internal/emailrender"
	"lab-backend/internal/mailer"
	"lab-backend/internal/meetings"
	"lab-backend/internal/shared/metrics"
	"lab-backend/internal/shared/retry"
	"lab-backend/internal/shared/telemetry"
	"lab-backend/internal/transcribe"
)

const (
	tracerName           = "lab-backend/workflow"
	transcriptPreviewLen = 200
)

// ErrNoRecipients is returned by the delivery stage when there is nobody to send to.
var ErrNoRecipients = errors.New("no recipients")

type Extractor interface {
	Extract(ctx context.Context, req meetings.ExtractRequest) (meetings.ExtractResult, error)
}

type Renderer interface {
	Render(ctx context.Context, meetingID, labName string) (emailrender.Rendered, error)
}

// Providers are the external collaborators invoked by the stages.
type Providers struct {
	Transcriber transcribe.Client
	Extractor   Extractor
	Renderer    Renderer
	Mailer      mailer.Client
}

// Options tune retries, bulk delivery and tracing.
type Options struct {
	Retry  retry.Policy
	Bulk   bulk.Dispatcher
	Tracer trace.Tracer
	Now    func() time.Time
}

// Coordinator runs the four pipeline stages and records each one.
type Coordinator struct {
	recorder  *Recorder
	providers Providers
	retry     retry.Policy
	bulk      bulk.Dispatcher
	tracer    trace.Tracer
	now       func() time.Time
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(recorder *Recorder, providers Providers, opts Options) *Coordinator {
	c := &Coordinator{
		recorder:  recorder,
		providers: providers,
		retry:     opts.Retry,
		bulk:      opts.Bulk,
		tracer:    opts.Tracer,
		now:       opts.Now,
	}
	if c.retry.MaxAttempts == 0 {
		c.retry.MaxAttempts = retry.DefaultMaxAttempts
		if c.retry.BaseDelay == 0 {
			c.retry.BaseDelay = retry.DefaultBaseDelay
		}
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// StartWorkflow allocates a new run id. Nothing is persisted.
func (c *Coordinator) StartWorkflow(initiatorID, scopeID string) Run {
	return Run{
		ID:          uuid.NewString(),
		InitiatorID: initiatorID,
		ScopeID:     scopeID,
		CreatedAt:   c.now().UTC(),
	}
}

// RunTranscription converts audio to a transcript.
func (c *Coordinator) RunTranscription(ctx context.Context, run Run, in TranscriptionInput) StageResult[TranscriptionOutput] {
	params := c.startParams(run, StepTranscription, "Transcribe meeting audio", in.RelatedEntityID, map[string]any{
		"fileName":    in.FileName,
		"contentType": in.ContentType,
		"sizeBytes":   len(in.Audio),
	})
	audio := transcribe.Audio{Data: in.Audio, ContentType: in.ContentType, FileName: in.FileName}
	return runStage(ctx, c, params, nil,
		func(ctx context.Context) (TranscriptionOutput, error) {
			if c.providers.Transcriber == nil {
				return TranscriptionOutput{}, retry.Permanent(errors.New("transcription provider not configured"))
			}
			transcript, err := retry.Do(ctx, c.policy(StepTranscription), func(ctx context.Context) (string, error) {
				return c.providers.Transcriber.Transcribe(ctx, audio)
			})
			return TranscriptionOutput{Transcript: transcript}, err
		},
		func(out TranscriptionOutput) map[string]any {
			return map[string]any{
				"transcriptLength":  len(out.Transcript),
				"transcriptPreview": preview(out.Transcript, transcriptPreviewLen),
			}
		})
}

// RunExtraction extracts a meeting record and its action items from a transcript.
func (c *Coordinator) RunExtraction(ctx context.Context, run Run, in ExtractionInput) StageResult[ExtractionOutput] {
	params := c.startParams(run, StepExtraction, "Extract action items", "", map[string]any{
		"meetingType":      in.MeetingType,
		"title":            in.Title,
		"attendeeCount":    len(in.Attendees),
		"transcriptLength": len(in.Transcript),
	})
	req := meetings.ExtractRequest{
		Transcript:  in.Transcript,
		MeetingType: in.MeetingType,
		Title:       in.Title,
		Attendees:   in.Attendees,
		ScopeID:     run.ScopeID,
		CreatedBy:   run.InitiatorID,
	}
	precheck := func() error {
		if strings.TrimSpace(in.Transcript) == "" {
			return errors.New("transcript is empty")
		}
		return nil
	}
	return runStage(ctx, c, params, precheck,
		func(ctx context.Context) (ExtractionOutput, error) {
			if c.providers.Extractor == nil {
				return ExtractionOutput{}, retry.Permanent(errors.New("extraction provider not configured"))
			}
			res, err := retry.Do(ctx, c.policy(StepExtraction), func(ctx context.Context) (meetings.ExtractResult, error) {
				return c.providers.Extractor.Extract(ctx, req)
			})
			if err != nil {
				return ExtractionOutput{}, err
			}
			return ExtractionOutput{MeetingID: res.MeetingID, Summary: res.Summary, ActionItems: res.ActionItems}, nil
		},
		func(out ExtractionOutput) map[string]any {
			items := make([]string, 0, len(out.ActionItems))
			for _, item := range out.ActionItems {
				items = append(items, item.Description)
			}
			return map[string]any{
				"meetingId":       out.MeetingID,
				"actionItemCount": len(out.ActionItems),
				"actionItems":     items,
			}
		})
}

// RunRendering renders the summary email for a stored meeting.
func (c *Coordinator) RunRendering(ctx context.Context, run Run, in RenderingInput) StageResult[RenderingOutput] {
	params := c.startParams(run, StepRendering, "Render summary email", in.MeetingID, map[string]any{
		"meetingId": in.MeetingID,
		"labName":   in.LabName,
	})
	precheck := func() error {
		if in.MeetingID == "" {
			return errors.New("meeting id is required")
		}
		return nil
	}
	return runStage(ctx, c, params, precheck,
		func(ctx context.Context) (RenderingOutput, error) {
			if c.providers.Renderer == nil {
				return RenderingOutput{}, retry.Permanent(errors.New("rendering provider not configured"))
			}
			rendered, err := retry.Do(ctx, c.policy(StepRendering), func(ctx context.Context) (emailrender.Rendered, error) {
				return c.providers.Renderer.Render(ctx, in.MeetingID, in.LabName)
			})
			if err != nil {
				return RenderingOutput{}, err
			}
			return RenderingOutput{Subject: rendered.Subject, HTML: rendered.HTML, Text: rendered.Text}, nil
		},
		func(out RenderingOutput) map[string]any {
			return map[string]any{
				"subject":    out.Subject,
				"htmlLength": len(out.HTML),
				"textLength": len(out.Text),
			}
		})
}

// RunDelivery sends rendered content to the recipients.
func (c *Coordinator) RunDelivery(ctx context.Context, run Run, in DeliveryInput) StageResult[DeliveryOutput] {
	recipients := normalizeRecipients(in.Recipients)
	subject := in.Subject
	if subject == "" {
		subject = in.Content.Subject
	}
	params := c.startParams(run, StepDelivery, "Deliver summary email", in.RelatedEntityID, map[string]any{
		"recipientCount": len(recipients),
		"subject":        subject,
		"individually":   in.Individually,
		"tags":           in.Tags,
	})
	precheck := func() error {
		if len(recipients) == 0 {
			return ErrNoRecipients
		}
		if strings.TrimSpace(in.Content.HTML) == "" && strings.TrimSpace(in.Content.Text) == "" {
			return errors.New("rendered content is empty")
		}
		return nil
	}
	msg := mailer.Message{
		Subject: subject,
		HTML:    in.Content.HTML,
		Text:    in.Content.Text,
		Tags:    in.Tags,
	}
	return runStage(ctx, c, params, precheck,
		func(ctx context.Context) (DeliveryOutput, error) {
			if c.providers.Mailer == nil {
				return DeliveryOutput{}, retry.Permanent(mailer.ErrNotConfigured)
			}
			if in.Individually {
				return c.deliverIndividually(ctx, msg, recipients)
			}
			msg.To = recipients
			id, err := retry.Do(ctx, c.policy(StepDelivery), func(ctx context.Context) (string, error) {
				return c.providers.Mailer.Send(ctx, msg)
			})
			if err != nil {
				return DeliveryOutput{}, err
			}
			return DeliveryOutput{MessageIDs: []string{id}}, nil
		},
		func(out DeliveryOutput) map[string]any {
			summary := map[string]any{
				"messageIds":     out.MessageIDs,
				"recipientCount": len(recipients),
			}
			if out.Report != nil {
				summary["failedCount"] = len(out.Report.Failed)
				summary["failed"] = out.Report.Failed
			}
			return summary
		})
}

func (c *Coordinator) deliverIndividually(ctx context.Context, msg mailer.Message, recipients []string) (DeliveryOutput, error) {
	targets := make([]bulk.Target, len(recipients))
	for i, addr := range recipients {
		targets[i] = bulk.Target{ID: addr, Address: addr}
	}
	report := bulk.Dispatch(ctx, c.bulk, msg, targets, func(ctx context.Context, m mailer.Message, target bulk.Target) (string, error) {
		m.To = []string{target.Address}
		return retry.Do(ctx, c.policy(StepDelivery), func(ctx context.Context) (string, error) {
			return c.providers.Mailer.Send(ctx, m)
		})
	})
	metrics.AddBulkResults(len(report.Succeeded), len(report.Failed))

	ids := make([]string, 0, len(report.Succeeded))
	for _, s := range report.Succeeded {
		ids = append(ids, s.ArtifactID)
	}
	if len(ids) == 0 {
		first := ""
		if len(report.Failed) > 0 {
			first = report.Failed[0].Error
		}
		return DeliveryOutput{}, fmt.Errorf("delivery failed for all %d recipients: %s", report.Total, first)
	}
	return DeliveryOutput{MessageIDs: ids, Report: &report}, nil
}

// RunComplete runs every stage in order and stops at the first failure.
func (c *Coordinator) RunComplete(ctx context.Context, in CompleteInput) CompleteResult {
	run := c.StartWorkflow(in.InitiatorID, in.ScopeID)
	if in.WorkflowID != "" {
		run.ID = in.WorkflowID
	}
	result := CompleteResult{WorkflowID: run.ID, Stages: make([]StageSummary, 0, len(Stages))}

	transcription := c.RunTranscription(ctx, run, in.Audio)
	result.Transcription = &transcription
	if !result.record(StepTranscription, transcription.summary(StepTranscription), transcription.Err) {
		return result
	}

	extraction := c.RunExtraction(ctx, run, ExtractionInput{
		Transcript:  transcription.Output.Transcript,
		MeetingType: in.MeetingType,
		Title:       in.Title,
		Attendees:   in.Attendees,
	})
	result.Extraction = &extraction
	if !result.record(StepExtraction, extraction.summary(StepExtraction), extraction.Err) {
		return result
	}

	rendering := c.RunRendering(ctx, run, RenderingInput{
		MeetingID: extraction.Output.MeetingID,
		LabName:   in.LabName,
	})
	result.Rendering = &rendering
	if !result.record(StepRendering, rendering.summary(StepRendering), rendering.Err) {
		return result
	}

	delivery := c.RunDelivery(ctx, run, DeliveryInput{
		Content:         *rendering.Output,
		Recipients:      in.Recipients,
		Subject:         in.Subject,
		Tags:            in.Tags,
		Individually:    in.Individually,
		RelatedEntityID: extraction.Output.MeetingID,
	})
	result.Delivery = &delivery
	if !result.record(StepDelivery, delivery.summary(StepDelivery), delivery.Err) {
		return result
	}

	result.Success = true
	telemetry.Info("workflow.run", map[string]any{
		"workflow_id": run.ID,
		"status":      "succeeded",
	})
	return result
}

func (r *CompleteResult) record(stage StepType, summary StageSummary, err error) bool {
	r.Stages = append(r.Stages, summary)
	if summary.Success {
		return true
	}
	r.FailedStage = stage
	r.ErrorMessage = fmt.Sprintf("stage %s failed: %s", stage, summary.ErrorMessage)
	r.Err = err
	telemetry.Error("workflow.run", map[string]any{
		"workflow_id":  r.WorkflowID,
		"status":       "aborted",
		"failed_stage": string(stage),
		"error":        summary.ErrorMessage,
	})
	return false
}

// ListWorkflowSteps returns the recorded steps of a run.
func (c *Coordinator) ListWorkflowSteps(ctx context.Context, workflowID string) ([]Step, error) {
	return c.recorder.List(ctx, workflowID)
}

// StaleSteps returns steps stuck in processing for longer than olderThan.
func (c *Coordinator) StaleSteps(ctx context.Context, olderThan time.Duration) ([]Step, error) {
	return c.recorder.Stale(ctx, olderThan)
}

func (c *Coordinator) startParams(run Run, stage StepType, name, related string, input map[string]any) StartParams {
	return StartParams{
		WorkflowID:      run.ID,
		StepType:        stage,
		StepName:        name,
		InputSummary:    input,
		InitiatorID:     run.InitiatorID,
		ScopeID:         run.ScopeID,
		RelatedEntityID: related,
	}
}

func (c *Coordinator) policy(stage StepType) retry.Policy {
	p := c.retry
	observer := p.OnRetry
	p.OnRetry = func(a retry.Attempt) {
		metrics.IncStepRetry(string(stage))
		telemetry.Info("workflow.retry", map[string]any{
			"step_type": string(stage),
			"attempt":   a.Number,
			"delay_ms":  a.DelayBefore.Milliseconds(),
			"error":     sanitizeError(a.Err),
		})
		if observer != nil {
			observer(a)
		}
	}
	return p
}

// runStage records the step, runs call and records the outcome. It never
// panics and never returns an error past its boundary.
func runStage[T any](ctx context.Context, c *Coordinator, params StartParams, precheck func() error, call func(context.Context) (T, error), summarize func(T) map[string]any) StageResult[T] {
	stage := string(params.StepType)
	ctx, span := c.tracer.Start(ctx, "workflow."+stage, trace.WithAttributes(
		attribute.String("workflow.id", params.WorkflowID),
		attribute.String("workflow.stage", stage),
	))
	defer span.End()

	started := c.now()
	stepID, err := c.recorder.Start(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step start failed")
		metrics.IncStepFailed(stage)
		return StageResult[T]{
			Success:          false,
			ErrorMessage:     sanitizeError(err),
			ProcessingTimeMs: durationMs(started, c.now()),
			Err:              err,
		}
	}
	span.SetAttributes(attribute.String("workflow.step_id", stepID))

	var out T
	if precheck != nil {
		err = precheck()
	}
	if err == nil {
		out, err = safeCall(ctx, call)
	}
	elapsed := durationMs(started, c.now())
	metrics.ObserveStepDurationMs(stage, float64(elapsed))

	completion := Completion{ProcessingTimeMs: elapsed}
	if err == nil {
		completion.Success = true
		completion.OutputSummary = summarize(out)
	} else {
		completion.ErrorMessage = sanitizeError(err)
	}

	// Record the outcome even if the caller's context is already done.
	if cerr := c.recorder.Complete(context.WithoutCancel(ctx), stepID, completion); cerr != nil {
		if !errors.Is(cerr, ErrOrchestration) {
			cerr = fmt.Errorf("%w: %v", ErrOrchestration, cerr)
		}
		span.RecordError(cerr)
		span.SetStatus(codes.Error, "step completion failed")
		metrics.IncStepFailed(stage)
		return StageResult[T]{
			StepID:           stepID,
			Success:          false,
			ErrorMessage:     sanitizeError(cerr),
			ProcessingTimeMs: elapsed,
			Err:              cerr,
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, completion.ErrorMessage)
		metrics.IncStepFailed(stage)
		return StageResult[T]{
			StepID:           stepID,
			Success:          false,
			ErrorMessage:     completion.ErrorMessage,
			ProcessingTimeMs: elapsed,
			Err:              err,
		}
	}
	metrics.IncStepCompleted(stage)
	span.SetStatus(codes.Ok, "")
	return StageResult[T]{
		StepID:           stepID,
		Success:          true,
		Output:           &out,
		ProcessingTimeMs: elapsed,
	}
}

func safeCall[T any](ctx context.Context, call func(context.Context) (T, error)) (out T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			var zero T
			out = zero
			err = fmt.Errorf("provider panic: %v", rec)
		}
	}()
	return call(ctx)
}

func normalizeRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		key := strings.ToLower(r)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

func preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
