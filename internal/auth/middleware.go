package auth

import (
	"net/http"
	"strings"
	"time"

	"crm-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// accessTokenQuery carries the token on websocket upgrades, where browsers
// cannot set headers.
const accessTokenQuery = "access_token"

// RequireAccessToken verifies an access token and injects the identity into
// the request context. RBAC checks belong to internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c)
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			logger.FromGin(c).Debug("access token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		id := Identity{RepID: claims.RepID, OrganizationID: claims.OrganizationID, Role: claims.Role}
		ctx := WithIdentity(c.Request.Context(), id)
		ctx, _ = logger.Enrich(ctx, "rep_id", id.RepID, "organization_id", id.OrganizationID)
		c.Request = c.Request.WithContext(ctx)

		c.Set("rep_id", id.RepID)
		c.Set("organization_id", id.OrganizationID)
		c.Set("role", id.Role)

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
	if strings.HasPrefix(raw, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
	}
	if raw == "" && c.IsWebsocket() {
		return c.Query(accessTokenQuery)
	}
	return ""
}
