package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"lab-backend/internal/shared/metrics"
)

func TestRecoveryReturnsStandardError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestID(), Recovery())
	router.POST("/api/v1/workflows/:id/analysis", func(c *gin.Context) {
		c.Set("workflowId", c.Param("id"))
		panic("extractor exploded")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf-1/analysis", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"INTERNAL_ERROR"`) {
		t.Fatalf("expected standard error body, got %s", resp.Body.String())
	}
	if !strings.Contains(metrics.Render(), `http_panics_total{route="/api/v1/workflows/:id/analysis"}`) {
		t.Fatalf("expected panic counter")
	}
}
