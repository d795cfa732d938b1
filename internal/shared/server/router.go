package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"lab-backend/internal/shared/config"
	"lab-backend/internal/shared/metrics"
	"lab-backend/internal/shared/ratelimit"
	"lab-backend/internal/shared/server/middleware"
	"lab-backend/internal/shared/server/respond"
)

const (
	rateLimitGroupDefault = "DEFAULT"
	rateLimitGroupPolling = "POLLING"
	rateLimitGroupRun     = "RUN"
)

// RouteRegistrar attaches a handler's routes to the API group.
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// RouterDeps carries what NewRouter wires.
type RouterDeps struct {
	Config   config.Config
	Limiter  *ratelimit.Limiter
	Handlers []RouteRegistrar
	Health   func(ctx context.Context) (map[string]any, bool)
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging("/api/v1/health", "/metrics"),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.Identity("/api/v1/health", "/metrics"),
		middleware.RateLimit(middleware.RateLimitConfig{
			DefaultGroup: rateLimitGroupDefault,
			GroupFor:     rateLimitGroupFor,
			Limiter:      deps.Limiter,
			Rules:        rateLimitRules(deps.Config),
		}),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		if deps.Health == nil {
			respond.JSON(c, http.StatusOK, gin.H{"ok": true})
			return
		}
		body, ok := deps.Health(c.Request.Context())
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		respond.JSON(c, status, body)
	})
	for _, h := range deps.Handlers {
		if h != nil {
			h.RegisterRoutes(api)
		}
	}
	return r
}

func rateLimitGroupFor(c *gin.Context) string {
	switch {
	case c.Request.Method == http.MethodGet:
		return rateLimitGroupPolling
	case c.FullPath() == "/api/v1/workflows/run":
		return rateLimitGroupRun
	default:
		return rateLimitGroupDefault
	}
}

func rateLimitRules(cfg config.Config) map[string]middleware.RateLimitRule {
	return map[string]middleware.RateLimitRule{
		rateLimitGroupDefault: {Limit: cfg.RateLimitDefault, Window: cfg.RateLimitWindow},
		rateLimitGroupPolling: {Limit: cfg.RateLimitPolling, Window: cfg.RateLimitWindow},
		rateLimitGroupRun:     {Limit: cfg.RateLimitRun, Window: cfg.RateLimitWindow},
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
