package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"crm-dialer/internal/audit"
	"crm-dialer/internal/auth"
	"crm-dialer/internal/calls"
	"crm-dialer/internal/feed"
	"crm-dialer/internal/queue"
	"crm-dialer/internal/rbac"
	"crm-dialer/internal/reporting"
	"crm-dialer/internal/session"
	"crm-dialer/internal/store"
	"crm-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RepDirectory is the rep lookup the control API needs.
type RepDirectory interface {
	GetRep(ctx context.Context, orgID, repID string) (calls.Rep, error)
	SetRepPresence(ctx context.Context, orgID, repID string, presence calls.Presence) error
}

// Handlers groups the rep and admin control handlers.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Reps     RepDirectory
	Sessions *session.Manager
	Queue    *queue.Manager
	Reports  *reporting.Service
	Stream   *feed.WebSocket
}

// writeError maps service errors onto HTTP statuses.
func writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, session.ErrUnauthorized), errors.Is(err, queue.ErrUnauthorized):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not part of this organization"})
	case errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrUnavailable):
		logger.FromGin(c).Error(op+" failed", "err", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
	default:
		logger.FromGin(c).Error(op+" failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

func identity(c *gin.Context) (auth.Identity, bool) {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return auth.Identity{}, false
	}
	return id, true
}

func actor(c *gin.Context, id auth.Identity) audit.Actor {
	return audit.Actor{RepID: id.RepID, Role: id.Role, IP: c.ClientIP()}
}

// --- Auth ---

type loginRequest struct {
	RepID          string `json:"rep_id"`
	OrganizationID string `json:"organization_id"`
	Role           string `json:"role"`
}

// Login issues a JWT token pair for a known rep.
//
// NOTE: Development-only endpoint. Credentials are owned by the CRM.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || h.Reps == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.RepID == "" || req.OrganizationID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "rep_id, organization_id, role required"})
		return
	}
	if _, err := h.Reps.GetRep(c.Request.Context(), req.OrganizationID, req.RepID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unknown rep"})
			return
		}
		writeError(c, "rep lookup", err)
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), auth.Identity{RepID: req.RepID, OrganizationID: req.OrganizationID, Role: req.Role})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h Handlers) Me(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	out := gin.H{"rep_id": id.RepID, "organization_id": id.OrganizationID, "role": id.Role}
	if h.Sessions != nil {
		sess, err := h.Sessions.Active(c.Request.Context(), id.OrganizationID, id.RepID)
		switch {
		case err == nil:
			out["session"] = toSession(sess)
		case !errors.Is(err, store.ErrNotFound):
			writeError(c, "session lookup", err)
			return
		}
	}
	c.JSON(http.StatusOK, out)
}

// --- Rep presence ---

type presenceRequest struct {
	Presence string `json:"presence"`
}

func (h Handlers) SetPresence(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	var req presenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	p := calls.Presence(strings.ToLower(strings.TrimSpace(req.Presence)))
	if p != calls.PresenceAvailable && p != calls.PresenceOffline {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "presence must be available or offline"})
		return
	}
	if err := h.Reps.SetRepPresence(c.Request.Context(), id.OrganizationID, id.RepID, p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not part of this organization"})
			return
		}
		writeError(c, "presence update", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": p})
}

// --- Turbo sessions ---

type sessionResponse struct {
	ID             string     `json:"id"`
	RepID          string     `json:"rep_id"`
	OrganizationID string     `json:"organization_id"`
	Status         string     `json:"status"`
	ConferenceName string     `json:"conference_name"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	CallsMade      int        `json:"calls_made"`
	CallsConnected int        `json:"calls_connected"`
}

func toSession(s calls.TurboSession) sessionResponse {
	return sessionResponse{
		ID:             s.ID,
		RepID:          s.RepID,
		OrganizationID: s.OrganizationID,
		Status:         string(s.Status),
		ConferenceName: s.ConferenceName,
		StartedAt:      s.StartedAt,
		EndedAt:        s.EndedAt,
		CallsMade:      s.CallsMade,
		CallsConnected: s.CallsConnected,
	}
}

// StartSession is idempotent: a rep with an active session gets it back.
func (h Handlers) StartSession(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	res, err := h.Sessions.StartSession(c.Request.Context(), id.OrganizationID, id.RepID)
	if err != nil {
		writeError(c, "start session", err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"session_id": res.Session.ID,
		"conference": res.Session.ConferenceName,
		"join":       res.Join,
		"session":    toSession(res.Session),
	})
}

func (h Handlers) StopSession(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	stats, err := h.Sessions.StopSession(c.Request.Context(), id.OrganizationID, id.RepID)
	if err != nil {
		writeError(c, "stop session", err)
		return
	}
	c.JSON(http.StatusOK, statsResponse(stats))
}

func statsResponse(s session.Stats) gin.H {
	return gin.H{
		"session_id":       s.SessionID,
		"calls_made":       s.CallsMade,
		"calls_connected":  s.CallsConnected,
		"cancelled":        s.Cancelled,
		"duration_seconds": int(s.Duration / time.Second),
	}
}

// --- Queue ---

type enqueueRequest struct {
	LeadIDs []string `json:"lead_ids"`
}

type queueItemResponse struct {
	ID                 string     `json:"id"`
	LeadID             string     `json:"lead_id"`
	Status             string     `json:"status"`
	ClaimedBySessionID string     `json:"claimed_by_session_id,omitempty"`
	EnqueuedAt         time.Time  `json:"enqueued_at"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty"`
	Attempts           int        `json:"attempts"`
	FailureReason      string     `json:"failure_reason,omitempty"`
	Annotation         string     `json:"annotation,omitempty"`
}

func (h Handlers) Enqueue(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(req.LeadIDs) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "lead_ids required"})
		return
	}
	n, err := h.Queue.Enqueue(c.Request.Context(), id.OrganizationID, req.LeadIDs)
	if err != nil {
		writeError(c, "enqueue", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enqueued": n})
}

func (h Handlers) Dequeue(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	if err := h.Queue.Dequeue(c.Request.Context(), id.OrganizationID, c.Param("lead_id")); err != nil {
		writeError(c, "dequeue", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListQueue accepts repeated or comma separated ?status= filters.
func (h Handlers) ListQueue(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	var statuses []calls.QueueStatus
	for _, raw := range c.QueryArray("status") {
		for _, s := range strings.Split(raw, ",") {
			st := calls.QueueStatus(strings.TrimSpace(s))
			switch st {
			case "":
				continue
			case calls.QueueQueued, calls.QueueDialing, calls.QueueRinging, calls.QueueCompleted, calls.QueueRemoved:
				statuses = append(statuses, st)
			default:
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(st)})
				return
			}
		}
	}
	items, err := h.Queue.List(c.Request.Context(), id.OrganizationID, statuses)
	if err != nil {
		writeError(c, "list queue", err)
		return
	}
	out := make([]queueItemResponse, 0, len(items))
	for _, it := range items {
		out = append(out, queueItemResponse{
			ID:                 it.ID,
			LeadID:             it.LeadID,
			Status:             string(it.Status),
			ClaimedBySessionID: it.ClaimedBySessionID,
			EnqueuedAt:         it.EnqueuedAt,
			ClaimedAt:          it.ClaimedAt,
			Attempts:           it.Attempts,
			FailureReason:      it.FailureReason,
			Annotation:         it.Annotation,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

// --- Admin ---

// AdminKillLead is the kill switch. RBAC: owner, admin or super_admin.
func (h Handlers) AdminKillLead(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	res, err := h.Queue.Kill(c.Request.Context(), id.OrganizationID, c.Param("lead_id"), actor(c, id))
	if err != nil {
		writeError(c, "kill lead", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": res.Outcome, "queue_item_id": res.QueueItemID})
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

// AdminStopSession ends another rep's session. RBAC: owner, admin or super_admin.
func (h Handlers) AdminStopSession(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	var req terminateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	stats, err := h.Sessions.Terminate(c.Request.Context(), id.OrganizationID, c.Param("rep_id"), actor(c, id), req.Reason)
	if err != nil {
		writeError(c, "terminate session", err)
		return
	}
	c.JSON(http.StatusOK, statsResponse(stats))
}

// --- Reports ---

const defaultReportWindow = 24 * time.Hour

// DialerReport summarizes dialer activity in [from, to). Both bounds are
// RFC3339; the default window is the last 24 hours.
func (h Handlers) DialerReport(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	to := time.Now().UTC()
	from := to.Add(-defaultReportWindow)
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		to = t
		from = to.Add(-defaultReportWindow)
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		from = t
	}
	// Reps only see their own numbers.
	repID := c.Query("rep_id")
	if !rbac.CanManageOrganization(id.Role) {
		if repID != "" && repID != id.RepID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "reps may only report on themselves"})
			return
		}
		repID = id.RepID
	}
	sum, err := h.Reports.DialerSummary(c.Request.Context(), reporting.DialerSummaryRequest{
		OrganizationID: id.OrganizationID,
		Range:          reporting.TimeRange{From: from, To: to},
		RepID:          repID,
	})
	if err != nil {
		writeError(c, "dialer report", err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// --- Feed ---

func (h Handlers) Feed(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	if h.Stream == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "feed not configured"})
		return
	}
	h.Stream.Serve(c.Writer, c.Request, id.OrganizationID)
}
