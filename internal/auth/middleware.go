package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyPrincipal is the key for storing the *Principal in gin context
	ContextKeyPrincipal = "principal"
	// ContextKeyActorID is the key for storing the authenticated user ID
	ContextKeyActorID = "actorId"
)

// BearerToken extracts the token from an "Authorization: Bearer ..." header.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// Middleware verifies the bearer token if present and stores the principal
// in the context. Requests without a valid token pass through unauthenticated;
// use RequireAuth to reject them.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := BearerToken(c.GetHeader("Authorization")); raw != "" {
			if p, err := v.Verify(raw); err == nil {
				c.Set(ContextKeyPrincipal, p)
				c.Set(ContextKeyActorID, p.ID)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a verified principal.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetPrincipal(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects principals whose role is not in roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		for _, r := range roles {
			if p.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Your role may not perform this action.",
		})
	}
}

// GetPrincipal returns the authenticated principal, if any.
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}
