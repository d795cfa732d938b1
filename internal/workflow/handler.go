package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"lab-backend/internal/queue"
	"lab-backend/internal/shared/server/middleware"
	"lab-backend/internal/shared/server/respond"
	"lab-backend/internal/shared/storage/object"
	"lab-backend/internal/shared/telemetry"
	"lab-backend/internal/transcribe"
)

const (
	audioField = "audio"
	// multipart framing and text fields on top of the audio payload
	formOverheadBytes = 1 << 20
)

var errAudioTooLarge = errors.New("audio file is too large")

// Handler exposes the coordinator over HTTP.
type Handler struct {
	Coordinator *Coordinator
	// Store and Queue are only needed for async runs.
	Store      object.ObjectStore
	Queue      queue.Client
	StaleAfter time.Duration
	Now        func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(coordinator *Coordinator, store object.ObjectStore, q queue.Client, staleAfter time.Duration) *Handler {
	return &Handler{
		Coordinator: coordinator,
		Store:       store,
		Queue:       q,
		StaleAfter:  staleAfter,
		Now:         time.Now,
	}
}

// RegisterRoutes attaches workflow routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/workflows", h.startWorkflow)
	rg.POST("/workflows/run", h.runComplete)
	rg.GET("/workflows/steps/stale", h.staleSteps)
	rg.POST("/workflows/:id/transcription", h.runTranscription)
	rg.POST("/workflows/:id/analysis", h.runExtraction)
	rg.POST("/workflows/:id/email", h.runRendering)
	rg.POST("/workflows/:id/delivery", h.runDelivery)
	rg.GET("/workflows/:id/steps", h.listSteps)
}

func (h *Handler) startWorkflow(c *gin.Context) {
	run := h.Coordinator.StartWorkflow(middleware.UserIDFromContext(c), middleware.ScopeIDFromContext(c))
	middleware.Annotate(c, run.ID, "")
	respond.Created(c, run)
}

func (h *Handler) runTranscription(c *gin.Context) {
	run, ok := h.runFromPath(c, StepTranscription)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, transcribe.MaxAudioBytes+formOverheadBytes)
	audio, err := readAudio(c)
	if err != nil {
		audioError(c, err)
		return
	}
	audio.RelatedEntityID = strings.TrimSpace(c.PostForm("relatedEntityId"))

	result := h.Coordinator.RunTranscription(c.Request.Context(), run, audio)
	respondStage(c, result.Success, result.Orchestration(), result)
}

func (h *Handler) runExtraction(c *gin.Context) {
	run, ok := h.runFromPath(c, StepExtraction)
	if !ok {
		return
	}
	var in ExtractionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, ErrorCodeValidation, "invalid request body", nil)
		return
	}
	result := h.Coordinator.RunExtraction(c.Request.Context(), run, in)
	respondStage(c, result.Success, result.Orchestration(), result)
}

func (h *Handler) runRendering(c *gin.Context) {
	run, ok := h.runFromPath(c, StepRendering)
	if !ok {
		return
	}
	var in RenderingInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, ErrorCodeValidation, "invalid request body", nil)
		return
	}
	result := h.Coordinator.RunRendering(c.Request.Context(), run, in)
	respondStage(c, result.Success, result.Orchestration(), result)
}

func (h *Handler) runDelivery(c *gin.Context) {
	run, ok := h.runFromPath(c, StepDelivery)
	if !ok {
		return
	}
	var in DeliveryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		respond.Error(c, http.StatusBadRequest, ErrorCodeValidation, "invalid request body", nil)
		return
	}
	result := h.Coordinator.RunDelivery(c.Request.Context(), run, in)
	respondStage(c, result.Success, result.Orchestration(), result)
}

func (h *Handler) runComplete(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, transcribe.MaxAudioBytes+formOverheadBytes)
	audio, err := readAudio(c)
	if err != nil {
		audioError(c, err)
		return
	}

	in := CompleteInput{
		InitiatorID:  middleware.UserIDFromContext(c),
		ScopeID:      middleware.ScopeIDFromContext(c),
		Audio:        audio,
		MeetingType:  strings.TrimSpace(c.PostForm("meetingType")),
		Title:        strings.TrimSpace(c.PostForm("title")),
		Attendees:    splitList(c.PostFormArray("attendees")),
		LabName:      strings.TrimSpace(c.PostForm("labName")),
		Recipients:   splitList(c.PostFormArray("recipients")),
		Subject:      strings.TrimSpace(c.PostForm("subject")),
		Individually: formBool(c.PostForm("individually")),
	}
	tags, err := parseTags(c.PostFormArray("tag"))
	if err != nil {
		respond.Error(c, http.StatusBadRequest, ErrorCodeValidation, err.Error(), []map[string]string{
			{"field": "tag", "issue": "invalid"},
		})
		return
	}
	in.Tags = tags

	if formBool(c.PostForm("async")) {
		h.enqueueRun(c, in)
		return
	}

	result := h.Coordinator.RunComplete(c.Request.Context(), in)
	middleware.Annotate(c, result.WorkflowID, "")
	respondStage(c, result.Success, result.Orchestration(), result)
}

// enqueueRun stages the audio and hands the run to a worker.
func (h *Handler) enqueueRun(c *gin.Context, in CompleteInput) {
	if h.Store == nil || h.Queue == nil {
		respond.Error(c, http.StatusServiceUnavailable, ErrorCodeQueue, "async runs are not configured", nil)
		return
	}
	ctx := c.Request.Context()
	run := h.Coordinator.StartWorkflow(in.InitiatorID, in.ScopeID)
	middleware.Annotate(c, run.ID, "")

	key, _, _, err := h.Store.Save(ctx, in.InitiatorID, in.Audio.FileName, bytes.NewReader(in.Audio.Audio))
	if err != nil {
		telemetry.Error("workflow.enqueue", map[string]any{
			"workflow_id": run.ID,
			"stage":       "store",
			"error":       err.Error(),
		})
		respond.Error(c, http.StatusInternalServerError, ErrorCodeInternal, "failed to store audio", nil)
		return
	}

	msg := queue.Message{
		WorkflowID: run.ID,
		RequestID:  middleware.RequestIDFromContext(c),
		EnqueuedAt: h.now().UTC().Format(time.RFC3339),
		Version:    queue.MessageVersion,
		Job: queue.WorkflowJob{
			InitiatorID:  in.InitiatorID,
			ScopeID:      in.ScopeID,
			AudioKey:     key,
			ContentType:  in.Audio.ContentType,
			FileName:     in.Audio.FileName,
			MeetingType:  in.MeetingType,
			Title:        in.Title,
			Attendees:    in.Attendees,
			LabName:      in.LabName,
			Recipients:   in.Recipients,
			Subject:      in.Subject,
			Tags:         in.Tags,
			Individually: in.Individually,
		},
	}
	if err := h.Queue.Send(ctx, msg); err != nil {
		telemetry.Error("workflow.enqueue", map[string]any{
			"workflow_id": run.ID,
			"stage":       "queue",
			"error":       err.Error(),
		})
		if derr := h.Store.Delete(ctx, key); derr != nil && !errors.Is(derr, object.ErrNotFound) {
			telemetry.Error("workflow.enqueue", map[string]any{
				"workflow_id": run.ID,
				"stage":       "cleanup",
				"error":       derr.Error(),
			})
		}
		respond.Error(c, http.StatusInternalServerError, ErrorCodeQueue, "failed to enqueue workflow", nil)
		return
	}

	telemetry.Info("workflow.enqueue", map[string]any{
		"workflow_id": run.ID,
		"audio_key":   key,
		"recipients":  len(in.Recipients),
	})
	respond.Accepted(c, gin.H{
		"workflowId": run.ID,
		"status":     "queued",
	})
}

func (h *Handler) listSteps(c *gin.Context) {
	workflowID := strings.TrimSpace(c.Param("id"))
	if workflowID == "" {
		respond.Error(c, http.StatusBadRequest, ErrorCodeValidation, "workflow id is required", nil)
		return
	}
	middleware.Annotate(c, workflowID, "")

	steps, err := h.Coordinator.ListWorkflowSteps(c.Request.Context(), workflowID)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, ErrorCodeOrchestration, "failed to list workflow steps", nil)
		return
	}
	respond.OK(c, gin.H{
		"workflowId": workflowID,
		"steps":      steps,
	})
}

func (h *Handler) staleSteps(c *gin.Context) {
	olderThan := h.StaleAfter
	if v := c.Query("olderThan"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			respond.Error(c, http.StatusBadRequest, ErrorCodeValidation, "olderThan must be a positive duration", []map[string]string{
				{"field": "olderThan", "issue": "invalid"},
			})
			return
		}
		olderThan = parsed
	}
	if olderThan <= 0 {
		olderThan = DefaultStaleAfter
	}

	steps, err := h.Coordinator.StaleSteps(c.Request.Context(), olderThan)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, ErrorCodeOrchestration, "failed to list stale steps", nil)
		return
	}
	respond.OK(c, gin.H{
		"olderThan": olderThan.String(),
		"steps":     steps,
	})
}

func (h *Handler) runFromPath(c *gin.Context, stage StepType) (Run, bool) {
	workflowID := strings.TrimSpace(c.Param("id"))
	if workflowID == "" {
		respond.Error(c, http.StatusBadRequest, ErrorCodeValidation, "workflow id is required", nil)
		return Run{}, false
	}
	middleware.Annotate(c, workflowID, string(stage))
	return Run{
		ID:          workflowID,
		InitiatorID: middleware.UserIDFromContext(c),
		ScopeID:     middleware.ScopeIDFromContext(c),
		CreatedAt:   h.now().UTC(),
	}, true
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func readAudio(c *gin.Context) (TranscriptionInput, error) {
	fh, err := c.FormFile(audioField)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return TranscriptionInput{}, errAudioTooLarge
		}
		return TranscriptionInput{}, err
	}
	if fh.Size > transcribe.MaxAudioBytes {
		return TranscriptionInput{}, errAudioTooLarge
	}
	data, err := readPart(fh)
	if err != nil {
		return TranscriptionInput{}, err
	}
	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return TranscriptionInput{
		Audio:       data,
		ContentType: contentType,
		FileName:    fh.Filename,
	}, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, transcribe.MaxAudioBytes+1))
}

func audioError(c *gin.Context, err error) {
	if errors.Is(err, errAudioTooLarge) {
		respond.Error(c, http.StatusRequestEntityTooLarge, ErrorCodeValidation, fmt.Sprintf("audio file exceeds %d bytes", transcribe.MaxAudioBytes), nil)
		return
	}
	respond.Error(c, http.StatusBadRequest, ErrorCodeValidation, "audio file is required", []map[string]string{
		{"field": audioField, "issue": "required"},
	})
}

func respondStage(c *gin.Context, success, orchestration bool, payload any) {
	transition := "processing->completed"
	if !success {
		transition = "processing->failed"
	}
	c.Set(middleware.StatusTransitionKey, transition)
	respond.JSON(c, stageStatus(success, orchestration), payload)
}

func stageStatus(success, orchestration bool) int {
	switch {
	case orchestration:
		return http.StatusInternalServerError
	case !success:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}

// splitList accepts repeated form fields as well as comma separated values.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseTags(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(values))
	for _, v := range values {
		key, value, ok := strings.Cut(v, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("tag %q must be key=value", v)
		}
		tags[key] = strings.TrimSpace(value)
	}
	return tags, nil
}

func formBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}
