package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"lab-backend/internal/shared/telemetry"
)

// Context keys read by the request log. The respond package reads the same
// keys when it logs an error body.
const (
	WorkflowIDKey       = "workflowId"
	StepTypeKey         = "stepType"
	StatusTransitionKey = "statusTransition"
)

// Annotate tags the request log with the workflow and stage being served.
// Empty values are left unset.
func Annotate(c *gin.Context, workflowID, stepType string) {
	if workflowID != "" {
		c.Set(WorkflowIDKey, workflowID)
	}
	if stepType != "" {
		c.Set(StepTypeKey, stepType)
	}
}

// Logging emits one request.complete line per request. Server errors log at
// error level and client errors at warn. Paths in quiet are only logged when
// they fail.
func Logging(quiet ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(quiet))
	for _, p := range quiet {
		skip[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		if _, ok := skip[c.FullPath()]; ok && status < http.StatusBadRequest {
			return
		}

		fields := map[string]any{
			"request_id":        RequestIDFromContext(c),
			"method":            c.Request.Method,
			"path":              c.Request.URL.Path,
			"route":             c.FullPath(),
			"status":            status,
			"status_transition": c.GetString(StatusTransitionKey),
			"duration_ms":       float64(time.Since(start).Microseconds()) / 1000.0,
			"user_id":           UserIDFromContext(c),
			"scope_id":          ScopeIDFromContext(c),
			"workflow_id":       c.GetString(WorkflowIDKey),
			"step_type":         c.GetString(StepTypeKey),
			"client_ip":         c.ClientIP(),
			"user_agent":        c.Request.UserAgent(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			telemetry.Error("request.complete", fields)
		case status >= http.StatusBadRequest:
			telemetry.Warn("request.complete", fields)
		default:
			telemetry.Info("request.complete", fields)
		}
	}
}
