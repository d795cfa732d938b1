package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"lab-backend/internal/shared/metrics"
	"lab-backend/internal/shared/server/respond"
	"lab-backend/internal/shared/telemetry"
)

// Recovery turns a handler panic into a 500 with the standard error body.
// Requests whose headers were already written are only logged.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			metrics.IncPanics(route)
			telemetry.Error("http.panic", map[string]any{
				"request_id":  RequestIDFromContext(c),
				"workflow_id": c.GetString(WorkflowIDKey),
				"step_type":   c.GetString(StepTypeKey),
				"route":       route,
				"method":      c.Request.Method,
				"error":       rec,
				"stack":       string(debug.Stack()),
			})
			if c.Writer.Written() {
				c.Abort()
				return
			}
			respond.Error(c, http.StatusInternalServerError, respond.CodeInternal, "unexpected server error", nil)
		}()
		c.Next()
	}
}
