package auth

import (
	"net/http"
	"strings"
	"time"

	"voice-survey-agent/pkg/logger"

	"github.com/gin-gonic/gin"
)

// bearerToken extracts the token from an Authorization header. The scheme is
// case-insensitive.
func bearerToken(header string) (string, bool) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

// RequireAccessToken verifies the bearer token, puts the caller's Identity
// in the request context and tags the request logger with it. Role checks
// belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		log := logger.FromGin(c)
		claims, err := m.Verify(tok, time.Now())
		if err != nil {
			log.Warn("bearer token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		id := Identity{UserID: claims.UserID, Role: claims.Role}
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		logger.SetGin(c, log.With("actor_user_id", id.UserID, "actor_role", id.Role))
		c.Next()
	}
}
