package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"lab-backend/internal/shared/server/respond"
)

const (
	userIDKey  = "userId"
	scopeIDKey = "scopeId"

	// UserIDHeader and ScopeIDHeader are set by the host application after it
	// has authenticated the caller.
	UserIDHeader  = "X-User-Id"
	ScopeIDHeader = "X-Lab-Id"
)

// Identity reads the caller identity forwarded by the host application.
// Requests without a user id are rejected; the lab scope is optional.
func Identity(publicPaths ...string) gin.HandlerFunc {
	public := make(map[string]struct{}, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}
		if _, ok := public[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
		if userID == "" {
			respond.Error(c, http.StatusUnauthorized, respond.CodeUnauthorized, "missing identity", nil)
			return
		}
		c.Set(userIDKey, userID)
		if scopeID := strings.TrimSpace(c.GetHeader(ScopeIDHeader)); scopeID != "" {
			c.Set(scopeIDKey, scopeID)
		}
		c.Next()
	}
}

// UserIDFromContext fetches the user ID set by the identity middleware.
func UserIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	val, _ := c.Get(userIDKey)
	if id, ok := val.(string); ok {
		return id
	}
	return ""
}

// ScopeIDFromContext fetches the lab scope set by the identity middleware.
func ScopeIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	val, _ := c.Get(scopeIDKey)
	if id, ok := val.(string); ok {
		return id
	}
	return ""
}
