// README: Firebase auth middleware; puts the caller's uid and role on the gin context.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"marketplace/internal/infra"
)

const (
	ctxUID  = "auth.uid"
	ctxRole = "auth.role"
)

// DefaultRole is assumed for tokens without a role claim.
const DefaultRole = "customer"

// Auth rejects requests without a valid bearer token.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "code": "unauthenticated"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), strings.TrimSpace(raw))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "unauthenticated"})
			return
		}
		role := DefaultRole
		if r, ok := token.Claims["role"].(string); ok && r != "" {
			role = r
		}
		c.Set(ctxUID, token.UID)
		c.Set(ctxRole, role)
		c.Next()
	}
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}
