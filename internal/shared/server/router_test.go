package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"lab-backend/internal/shared/config"
	"lab-backend/internal/shared/ratelimit"
	"lab-backend/internal/shared/server/middleware"
)

type echoHandler struct{}

func (echoHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/echo", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": middleware.UserIDFromContext(c)})
	})
	rg.POST("/workflows/run", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
}

func newTestRouter(cfg config.Config) *gin.Engine {
	return NewRouter(RouterDeps{
		Config:   cfg,
		Limiter:  ratelimit.New(),
		Handlers: []RouteRegistrar{echoHandler{}, nil},
		Health: func(context.Context) (map[string]any, bool) {
			return map[string]any{"ok": true, "env": "test"}, true
		},
	})
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.RateLimitWindow = time.Minute
	return cfg
}

func TestHealthIsPublic(t *testing.T) {
	r := newTestRouter(testConfig())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true || body["env"] != "test" {
		t.Fatalf("unexpected body: %v", body)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestHealthFailureIs503(t *testing.T) {
	r := NewRouter(RouterDeps{
		Config:  testConfig(),
		Limiter: ratelimit.New(),
		Health: func(context.Context) (map[string]any, bool) {
			return map[string]any{"ok": false}, false
		},
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestMetricsIsPublic(t *testing.T) {
	r := newTestRouter(testConfig())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRoutesRequireIdentity(t *testing.T) {
	r := newTestRouter(testConfig())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/echo", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/echo", nil)
	req.Header.Set(middleware.UserIDHeader, "user-1")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"user-1"`) {
		t.Fatalf("expected user id in body, got %s", rec.Body.String())
	}
}

func TestRunGroupHasItsOwnLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRun = 1
	cfg.RateLimitPolling = 100
	r := newTestRouter(cfg)

	send := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set(middleware.UserIDHeader, "user-1")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	if rec := send(http.MethodPost, "/api/v1/workflows/run"); rec.Code != http.StatusOK {
		t.Fatalf("first run: expected 200, got %d", rec.Code)
	}
	rec := send(http.MethodPost, "/api/v1/workflows/run")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second run: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if rec := send(http.MethodGet, "/api/v1/echo"); rec.Code != http.StatusOK {
		t.Fatalf("polling group should be unaffected, got %d", rec.Code)
	}
}

func TestAddr(t *testing.T) {
	cases := map[string]string{"": ":8080", ":9000": ":9000", "3000": ":3000"}
	for in, want := range cases {
		if got := Addr(in); got != want {
			t.Fatalf("Addr(%q) = %q, want %q", in, got, want)
		}
	}
}
