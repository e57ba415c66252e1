package rbac

import (
	"net/http"

	"crm-dialer/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireOrganization enforces the tenancy invariant: the caller's identity
// carries an organization.
func RequireOrganization() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, err := auth.OrganizationID(c.Request.Context())
		if err != nil || org == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// super_admin bypasses the check; organization isolation still comes from
// RequireOrganization earlier in the chain.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsSuperAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
