// README: Firebase bearer-token auth middleware.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"okada/internal/infra"
)

const (
	ctxUID  = "auth.uid"
	ctxRole = "auth.role"
)

// Role claim values set at onboarding.
const (
	RoleDriver    = "driver"
	RolePassenger = "passenger"
)

// Auth verifies the Authorization bearer token and stores the caller's
// uid and role on the request context. Requests without a valid token
// are rejected before any handler runs.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization must be a bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUID, token.UID)
		c.Set(ctxRole, token.Role())
		c.Next()
	}
}

// CallerUID returns the authenticated user id, empty when unauthenticated.
func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

// CallerRole returns the caller's role claim, defaulting to passenger.
func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}

// RequireRole gates a route group to one role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CallerRole(c) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "wrong role for this endpoint"})
			return
		}
		c.Next()
	}
}
