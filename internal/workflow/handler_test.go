package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-backend/internal/queue"
	"lab-backend/internal/shared/server/middleware"
	"lab-backend/internal/shared/storage/object/local"
)

func newTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1", middleware.Identity())
	h.RegisterRoutes(api)
	return r
}

type formFields map[string][]string

func multipartRequest(t *testing.T, path, contentType string, audio []byte, fields formFields) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if audio != nil {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", `form-data; name="audio"; filename="meeting.txt"`)
		header.Set("Content-Type", contentType)
		part, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(audio)
		require.NoError(t, err)
	}
	for name, values := range fields {
		for _, v := range values {
			require.NoError(t, writer.WriteField(name, v))
		}
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	withIdentity(req)
	return req
}

func jsonRequest(t *testing.T, method, path string, payload any) *http.Request {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	withIdentity(req)
	return req
}

func withIdentity(req *http.Request) {
	req.Header.Set(middleware.UserIDHeader, "user-1")
	req.Header.Set(middleware.ScopeIDHeader, "lab-1")
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func errorCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body.Error.Code
}

func TestHandlerRunCompleteSync(t *testing.T) {
	repo := NewMemoryRepo()
	m := &recordingMailer{}
	h := NewHandler(newPipeline(t, repo, m), nil, nil, 0)
	r := newTestRouter(h)

	resp := serve(r, multipartRequest(t, "/api/v1/workflows/run", "text/plain", []byte("Alice will finish the report by Friday"), formFields{
		"title":      {"Weekly sync"},
		"labName":    {"Rivera Lab"},
		"attendees":  {"Alice, Bob"},
		"recipients": {"alice@lab.test", "bob@lab.test"},
		"tag":        {"team=rivera"},
	}))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var result struct {
		WorkflowID string         `json:"workflowId"`
		Success    bool           `json:"success"`
		Stages     []StageSummary `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.True(t, result.Success)
	require.Len(t, result.Stages, 4)
	require.Len(t, m.sent, 1)
	assert.Equal(t, map[string]string{"team": "rivera"}, m.sent[0].Tags)

	stepsResp := serve(r, jsonRequest(t, http.MethodGet, "/api/v1/workflows/"+result.WorkflowID+"/steps", nil))
	require.Equal(t, http.StatusOK, stepsResp.Code)
	var listed struct {
		WorkflowID string `json:"workflowId"`
		Steps      []Step `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(stepsResp.Body.Bytes(), &listed))
	require.Len(t, listed.Steps, 4)
	for i, step := range listed.Steps {
		assert.Equal(t, Stages[i], step.StepType)
		assert.Equal(t, StatusCompleted, step.Status)
		assert.Equal(t, "lab-1", step.ScopeID)
	}
}

func TestHandlerRunCompleteStageFailureIs422(t *testing.T) {
	h := NewHandler(newPipeline(t, NewMemoryRepo(), &recordingMailer{}), nil, nil, 0)
	r := newTestRouter(h)

	resp := serve(r, multipartRequest(t, "/api/v1/workflows/run", "text/plain", []byte("Alice will finish the report by Friday"), nil))
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	var result CompleteResult
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.Equal(t, StepDelivery, result.FailedStage)
	assert.Len(t, result.Stages, 4)
}

func TestHandlerStageEndpoints(t *testing.T) {
	h := NewHandler(newPipeline(t, NewMemoryRepo(), &recordingMailer{}), nil, nil, 0)
	r := newTestRouter(h)

	created := serve(r, jsonRequest(t, http.MethodPost, "/api/v1/workflows", nil))
	require.Equal(t, http.StatusCreated, created.Code)
	var run Run
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &run))
	require.NotEmpty(t, run.ID)
	assert.Equal(t, "user-1", run.InitiatorID)
	assert.Equal(t, "lab-1", run.ScopeID)

	base := "/api/v1/workflows/" + run.ID
	transcribed := serve(r, multipartRequest(t, base+"/transcription", "text/plain", []byte("Alice will finish the report by Friday"), nil))
	require.Equal(t, http.StatusOK, transcribed.Code, transcribed.Body.String())
	var tr StageResult[TranscriptionOutput]
	require.NoError(t, json.Unmarshal(transcribed.Body.Bytes(), &tr))
	require.NotNil(t, tr.Output)
	assert.NotEmpty(t, tr.StepID)

	analysed := serve(r, jsonRequest(t, http.MethodPost, base+"/analysis", ExtractionInput{Transcript: tr.Output.Transcript, Title: "Weekly sync"}))
	require.Equal(t, http.StatusOK, analysed.Code, analysed.Body.String())
	var ex StageResult[ExtractionOutput]
	require.NoError(t, json.Unmarshal(analysed.Body.Bytes(), &ex))
	require.NotNil(t, ex.Output)
	require.Len(t, ex.Output.ActionItems, 1)

	rendered := serve(r, jsonRequest(t, http.MethodPost, base+"/email", RenderingInput{MeetingID: ex.Output.MeetingID, LabName: "Rivera Lab"}))
	require.Equal(t, http.StatusOK, rendered.Code, rendered.Body.String())
	var rn StageResult[RenderingOutput]
	require.NoError(t, json.Unmarshal(rendered.Body.Bytes(), &rn))
	require.NotNil(t, rn.Output)

	delivered := serve(r, jsonRequest(t, http.MethodPost, base+"/delivery", DeliveryInput{Content: *rn.Output, Recipients: []string{"alice@lab.test"}}))
	require.Equal(t, http.StatusOK, delivered.Code, delivered.Body.String())

	steps, err := h.Coordinator.ListWorkflowSteps(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 4)
}

func TestHandlerFailedStageIs422(t *testing.T) {
	h := NewHandler(newPipeline(t, NewMemoryRepo(), &recordingMailer{}), nil, nil, 0)
	r := newTestRouter(h)

	resp := serve(r, jsonRequest(t, http.MethodPost, "/api/v1/workflows/wf-1/analysis", ExtractionInput{Transcript: "  "}))
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	var result StageResult[ExtractionOutput]
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.Nil(t, result.Output)
	assert.Equal(t, "transcript is empty", result.ErrorMessage)
	assert.NotEmpty(t, result.StepID)
}

func TestHandlerOrchestrationFailureIs500(t *testing.T) {
	repo := &failingRepo{MemoryRepo: NewMemoryRepo(), createErr: errors.New("connection refused")}
	h := NewHandler(newPipeline(t, repo, &recordingMailer{}), nil, nil, 0)
	r := newTestRouter(h)

	resp := serve(r, jsonRequest(t, http.MethodPost, "/api/v1/workflows/wf-1/email", RenderingInput{MeetingID: "m-1"}))
	require.Equal(t, http.StatusInternalServerError, resp.Code)

	var result StageResult[RenderingOutput]
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "orchestration error")
}

func TestHandlerValidation(t *testing.T) {
	h := NewHandler(newPipeline(t, NewMemoryRepo(), &recordingMailer{}), nil, nil, 0)
	r := newTestRouter(h)

	t.Run("missing audio", func(t *testing.T) {
		resp := serve(r, multipartRequest(t, "/api/v1/workflows/run", "", nil, formFields{"recipients": {"a@lab.test"}}))
		require.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Equal(t, ErrorCodeValidation, errorCode(t, resp))
	})
	t.Run("bad tag", func(t *testing.T) {
		resp := serve(r, multipartRequest(t, "/api/v1/workflows/run", "text/plain", []byte("notes"), formFields{"tag": {"novalue"}}))
		require.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Equal(t, ErrorCodeValidation, errorCode(t, resp))
	})
	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf-1/delivery", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		withIdentity(req)
		resp := serve(r, req)
		require.Equal(t, http.StatusBadRequest, resp.Code)
	})
	t.Run("missing identity", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", nil)
		resp := serve(r, req)
		require.Equal(t, http.StatusUnauthorized, resp.Code)
	})
}

func TestHandlerRunAsyncEnqueues(t *testing.T) {
	store := local.New(t.TempDir())
	q := &queue.MemoryClient{}
	h := NewHandler(newPipeline(t, NewMemoryRepo(), &recordingMailer{}), store, q, 0)
	r := newTestRouter(h)

	resp := serve(r, multipartRequest(t, "/api/v1/workflows/run", "text/plain", []byte("Alice will finish the report by Friday"), formFields{
		"async":        {"true"},
		"recipients":   {"alice@lab.test"},
		"individually": {"true"},
	}))
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	var accepted struct {
		WorkflowID string `json:"workflowId"`
		Status     string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &accepted))
	assert.Equal(t, "queued", accepted.Status)

	msgs := q.Messages()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, accepted.WorkflowID, msg.WorkflowID)
	assert.Equal(t, queue.MessageVersion, msg.Version)
	assert.Equal(t, "user-1", msg.Job.InitiatorID)
	assert.Equal(t, "lab-1", msg.Job.ScopeID)
	assert.True(t, msg.Job.Individually)
	assert.Equal(t, []string{"alice@lab.test"}, msg.Job.Recipients)

	rc, err := store.Open(context.Background(), msg.Job.AudioKey)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "Alice will finish the report by Friday", string(data))

	steps, err := h.Coordinator.ListWorkflowSteps(context.Background(), accepted.WorkflowID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestHandlerRunAsyncQueueFailureRemovesAudio(t *testing.T) {
	dir := t.TempDir()
	q := &queue.MemoryClient{Err: errors.New("queue down")}
	h := NewHandler(newPipeline(t, NewMemoryRepo(), &recordingMailer{}), local.New(dir), q, 0)
	r := newTestRouter(h)

	resp := serve(r, multipartRequest(t, "/api/v1/workflows/run", "text/plain", []byte("notes"), formFields{"async": {"1"}}))
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.Equal(t, ErrorCodeQueue, errorCode(t, resp))

	files := 0
	require.NoError(t, filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files++
		}
		return nil
	}))
	assert.Zero(t, files)
}

func TestHandlerRunAsyncNotConfigured(t *testing.T) {
	h := NewHandler(newPipeline(t, NewMemoryRepo(), &recordingMailer{}), nil, nil, 0)
	r := newTestRouter(h)

	resp := serve(r, multipartRequest(t, "/api/v1/workflows/run", "text/plain", []byte("notes"), formFields{"async": {"true"}}))
	require.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, ErrorCodeQueue, errorCode(t, resp))
}

func TestHandlerStaleSteps(t *testing.T) {
	repo := NewMemoryRepo()
	h := NewHandler(newPipeline(t, repo, &recordingMailer{}), nil, nil, 0)
	r := newTestRouter(h)

	require.NoError(t, repo.Create(context.Background(), Step{
		ID:         "step-stuck",
		WorkflowID: "wf-stuck",
		StepType:   StepTranscription,
		Status:     StatusProcessing,
		StartedAt:  time.Now().UTC().Add(-20 * time.Minute),
	}))

	resp := serve(r, jsonRequest(t, http.MethodGet, "/api/v1/workflows/steps/stale?olderThan=10m", nil))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var body struct {
		OlderThan string `json:"olderThan"`
		Steps     []Step `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Steps, 1)
	assert.Equal(t, "wf-stuck", body.Steps[0].WorkflowID)

	resp = serve(r, jsonRequest(t, http.MethodGet, "/api/v1/workflows/steps/stale", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, DefaultStaleAfter.String(), body.OlderThan)
	assert.Len(t, body.Steps, 1)

	resp = serve(r, jsonRequest(t, http.MethodGet, "/api/v1/workflows/steps/stale?olderThan=1h", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	body.Steps = nil
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Empty(t, body.Steps)

	resp = serve(r, jsonRequest(t, http.MethodGet, "/api/v1/workflows/steps/stale?olderThan=soon", nil))
	require.Equal(t, http.StatusBadRequest, resp.Code)
}
