package main

import (
	"net/http"
	"time"

	"crm-dialer/internal/auth"
	"crm-dialer/internal/feed"
	"crm-dialer/internal/httpapi"
	"crm-dialer/internal/rbac"
	"crm-dialer/internal/telephony"
	"crm-dialer/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, a *app) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), a.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		if err := a.rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	// Provider webhooks (public, signed).
	hooks := r.Group("")
	if a.cfg.Twilio.ValidateHooks {
		hooks.Use(telephony.RequireTwilioSignature(a.cfg.Twilio.AuthToken, a.cfg.App.PublicBaseURL))
	}
	httpapi.Webhooks{Router: a.router, Ingest: a.ingest}.Register(hooks)

	h := httpapi.Handlers{
		Auth:     a.auth,
		Reps:     a.store,
		Sessions: a.sessions,
		Queue:    a.queue,
		Reports:  a.reports,
		Stream:   feed.NewWebSocket(a.feed, a.metrics, !a.cfg.IsProduction()),
	}

	// NOTE: token issuance without credentials; never mounted in production.
	if !a.cfg.IsProduction() {
		r.POST("/v1/auth/login", h.Login)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(a.auth), rbac.RequireOrganization())
	{
		v1.GET("/me", h.Me)
		v1.PUT("/reps/me/presence", h.SetPresence)
		v1.GET("/feed", h.Feed)

		sessions := v1.Group("/sessions")
		{
			sessions.POST("", h.StartSession)
			sessions.DELETE("", h.StopSession)
		}

		queue := v1.Group("/queue")
		{
			queue.GET("", h.ListQueue)
			queue.POST("", h.Enqueue)
			queue.DELETE("/:lead_id", h.Dequeue)
		}

		reports := v1.Group("/reports")
		reports.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAdmin, rbac.RoleRep))
		{
			reports.GET("/dialer", h.DialerReport)
		}

		// ADMIN routes
		// Only owner/admin (and super_admin, via rbac bypass) may act on other reps' work.
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAdmin))
		{
			admin.POST("/leads/:lead_id/kill", h.AdminKillLead)
			admin.POST("/reps/:rep_id/session/stop", h.AdminStopSession)
		}
	}
}
