package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"crm-dialer/internal/audit"
	"crm-dialer/internal/auth"
	"crm-dialer/internal/calls"
	"crm-dialer/internal/config"
	"crm-dialer/internal/dispatch"
	"crm-dialer/internal/ingest"
	"crm-dialer/internal/queue"
	"crm-dialer/internal/rbac"
	"crm-dialer/internal/reporting"
	"crm-dialer/internal/routing"
	"crm-dialer/internal/session"
	"crm-dialer/internal/store"
	"crm-dialer/internal/telephony"
	"crm-dialer/internal/telephony/telephonytest"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	st     *store.MemoryStore
	gw     *telephonytest.Gateway
	audits *audit.MemoryRepo
	auth   *auth.Manager
	engine *gin.Engine
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	st.PutPhoneNumber("org", "+15550000000")
	st.PutRep(calls.Rep{ID: "rep-1", OrganizationID: "org", Extension: "101", ClientIdentity: "rep-1"})
	st.PutRep(calls.Rep{ID: "rep-2", OrganizationID: "org", Extension: "102", ClientIdentity: "rep-2"})
	st.PutRep(calls.Rep{ID: "rep-9", OrganizationID: "other", Extension: "101"})
	for _, id := range []string{"a", "b"} {
		st.PutLead(calls.Lead{ID: id, OrganizationID: "org", Phone: "+1555000" + id})
	}
	st.PutLead(calls.Lead{ID: "x", OrganizationID: "other", Phone: "+15550009"})

	cfg := config.DialerConfig{MaxDialAttempts: 3}.WithDefaults()
	cb := telephony.Callbacks{BaseURL: "https://dialer.test"}
	audits := audit.NewMemoryRepo()
	auditSvc := audit.NewService(audits)
	gw := telephonytest.New()

	q := queue.NewManager(st, auditSvc, nil, nil, cfg)
	d := dispatch.NewDispatcher(dispatch.Deps{Store: st, Queue: q, Gateway: gw, Callbacks: cb, Config: cfg})
	sessions := session.NewManager(session.Deps{Store: st, Queue: q, Gateway: gw, Callbacks: cb, Audit: auditSvc})
	sessions.SetDispatcher(d)
	router := routing.NewRouter(routing.Deps{
		Store:     st,
		Gateway:   gw,
		Callbacks: cb,
		Auditor:   routing.AuditAdapter{Audit: auditSvc},
		Config:    cfg,
	})
	in := ingest.NewIngestor(ingest.Deps{Store: st, Queue: q, Dispatcher: d, Router: router})

	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	require.NoError(t, err)

	h := Handlers{Auth: am, Reps: st, Sessions: sessions, Queue: q, Reports: reporting.NewService(st)}
	r := gin.New()
	Webhooks{Router: router, Ingest: in}.Register(r)
	r.POST("/v1/auth/login", h.Login)

	v1 := r.Group("/v1", auth.RequireAccessToken(am), rbac.RequireOrganization())
	v1.GET("/me", h.Me)
	v1.PUT("/reps/me/presence", h.SetPresence)
	v1.POST("/sessions", h.StartSession)
	v1.DELETE("/sessions", h.StopSession)
	v1.GET("/queue", h.ListQueue)
	v1.POST("/queue", h.Enqueue)
	v1.DELETE("/queue/:lead_id", h.Dequeue)
	v1.GET("/reports/dialer", h.DialerReport)
	admin := v1.Group("/admin", rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleAdmin))
	admin.POST("/leads/:lead_id/kill", h.AdminKillLead)
	admin.POST("/reps/:rep_id/session/stop", h.AdminStopSession)

	return fixture{st: st, gw: gw, audits: audits, auth: am, engine: r}
}

func (f fixture) token(t *testing.T, repID, role string) string {
	t.Helper()
	pair, err := f.auth.IssuePair(time.Now(), auth.Identity{RepID: repID, OrganizationID: "org", Role: role})
	require.NoError(t, err)
	return pair.AccessToken
}

func (f fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f fixture) callback(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestLogin_KnownRepOnly(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/v1/auth/login", "", `{"rep_id":"rep-1","organization_id":"org","role":"rep"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.NotEmpty(t, body["access_token"])

	w = f.do(http.MethodPost, "/v1/auth/login", "", `{"rep_id":"rep-9","organization_id":"org","role":"rep"}`)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodPost, "/v1/auth/login", "", `{"rep_id":"rep-1"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestControlRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/v1/sessions", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessions_StartIsIdempotentAndStopCancels(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "rep-1", rbac.RoleRep)

	w := f.do(http.MethodPost, "/v1/queue", tok, `{"lead_ids":["a"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, decode(t, w)["enqueued"])

	w = f.do(http.MethodPost, "/v1/sessions", tok, "")
	require.Equal(t, http.StatusCreated, w.Code)
	started := decode(t, w)
	sessionID, _ := started["session_id"].(string)
	require.NotEmpty(t, sessionID)
	join, _ := started["join"].(map[string]any)
	require.Contains(t, join["url"], sessionID)
	require.Len(t, f.gw.Placed, 1, "starting with a queued lead dials it")

	w = f.do(http.MethodPost, "/v1/sessions", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, sessionID, decode(t, w)["session_id"])
	require.Len(t, f.gw.Placed, 1)

	w = f.do(http.MethodGet, "/v1/me", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	me, _ := decode(t, w)["session"].(map[string]any)
	require.Equal(t, sessionID, me["id"])

	w = f.do(http.MethodDelete, "/v1/sessions", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	stopped := decode(t, w)
	require.Equal(t, sessionID, stopped["session_id"])
	require.EqualValues(t, 1, stopped["cancelled"])

	items, err := f.st.ListQueueItems(context.Background(), "org", []calls.QueueStatus{calls.QueueQueued})
	require.NoError(t, err)
	require.Len(t, items, 1, "the cancelled lead is back in the queue")
	require.Equal(t, 0, items[0].Attempts)
}

func TestEnqueue_RejectsLeadsOfAnotherOrganization(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "rep-1", rbac.RoleRep)

	w := f.do(http.MethodPost, "/v1/queue", tok, `{"lead_ids":["a","x"]}`)
	require.Equal(t, http.StatusForbidden, w.Code)

	items, err := f.st.ListQueueItems(context.Background(), "org", nil)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestListQueue_FiltersByStatus(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "rep-1", rbac.RoleRep)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/queue", tok, `{"lead_ids":["a","b"]}`).Code)
	require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/v1/queue/b", tok, "").Code)

	w := f.do(http.MethodGet, "/v1/queue?status=queued", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	items, _ := decode(t, w)["items"].([]any)
	require.Len(t, items, 1)
	require.Equal(t, "a", items[0].(map[string]any)["lead_id"])

	w = f.do(http.MethodGet, "/v1/queue?status=queued,removed", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	items, _ = decode(t, w)["items"].([]any)
	require.Len(t, items, 2)

	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/queue?status=bogus", tok, "").Code)
}

func TestSetPresence(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "rep-2", rbac.RoleRep)

	w := f.do(http.MethodPut, "/v1/reps/me/presence", tok, `{"presence":"offline"}`)
	require.Equal(t, http.StatusOK, w.Code)
	rep, err := f.st.GetRep(context.Background(), "org", "rep-2")
	require.NoError(t, err)
	require.Equal(t, calls.PresenceOffline, rep.Presence)

	w = f.do(http.MethodPut, "/v1/reps/me/presence", tok, `{"presence":"away"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminKillLead_RequiresAdminRole(t *testing.T) {
	f := newFixture(t)
	repTok := f.token(t, "rep-1", rbac.RoleRep)
	adminTok := f.token(t, "rep-2", rbac.RoleAdmin)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/queue", repTok, `{"lead_ids":["a"]}`).Code)

	require.Equal(t, http.StatusForbidden, f.do(http.MethodPost, "/v1/admin/leads/a/kill", repTok, "").Code)

	w := f.do(http.MethodPost, "/v1/admin/leads/a/kill", adminTok, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, string(queue.KillDequeued), decode(t, w)["outcome"])

	events := f.audits.OfType(audit.EventLeadKilled)
	require.Len(t, events, 1)
	require.Equal(t, "rep-2", events[0].ActorRepID)
	require.Equal(t, "a", events[0].LeadID)
}

func TestAdminStopSession(t *testing.T) {
	f := newFixture(t)
	repTok := f.token(t, "rep-1", rbac.RoleRep)
	ownerTok := f.token(t, "rep-2", rbac.RoleOwner)

	w := f.do(http.MethodPost, "/v1/sessions", repTok, "")
	require.Equal(t, http.StatusCreated, w.Code)
	sessionID := decode(t, w)["session_id"]

	w = f.do(http.MethodPost, "/v1/admin/reps/rep-1/session/stop", ownerTok, `{"reason":"end of shift"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, sessionID, decode(t, w)["session_id"])

	events := f.audits.OfType(audit.EventSessionTerminated)
	require.Len(t, events, 1)
	require.Equal(t, "end of shift", events[0].Message)

	w = f.do(http.MethodPost, "/v1/admin/reps/rep-9/session/stop", ownerTok, "")
	require.Equal(t, http.StatusForbidden, w.Code, "reps of another organization are out of reach")
}

func TestDialerReport(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "rep-1", rbac.RoleRep)

	w := f.do(http.MethodGet, "/v1/reports/dialer", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "org", decode(t, w)["organization_id"])

	require.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/reports/dialer?from=yesterday", tok, "").Code)
	w = f.do(http.MethodGet, "/v1/reports/dialer?from=2026-03-02T10:00:00Z&to=2026-03-02T09:00:00Z", tok, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDialerReport_RepsSeeOnlyThemselves(t *testing.T) {
	f := newFixture(t)
	repTok := f.token(t, "rep-1", rbac.RoleRep)
	adminTok := f.token(t, "rep-2", rbac.RoleAdmin)

	require.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/v1/reports/dialer?rep_id=rep-2", repTok, "").Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/reports/dialer?rep_id=rep-1", repTok, "").Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/reports/dialer?rep_id=rep-1", adminTok, "").Code)
}

func TestVoiceWebhook_GathersThenRings(t *testing.T) {
	f := newFixture(t)
	form := url.Values{"CallSid": {"CAin"}, "From": {"+15551112222"}, "To": {"+15550000000"}}

	w := f.callback(telephony.PathVoice, form)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "<Gather")

	form.Set("Digits", "102")
	w = f.callback(telephony.PathVoice+"?stage=route", form)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "<Conference")
	require.Len(t, f.gw.Rung, 1)
	require.Equal(t, "rep-2", f.gw.Rung[0].Targets[0].RepID)
}

func TestCallStatusWebhook_AnsweredCompletesLead(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "rep-1", rbac.RoleRep)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/queue", tok, `{"lead_ids":["a"]}`).Code)
	w := f.do(http.MethodPost, "/v1/sessions", tok, "")
	require.Equal(t, http.StatusCreated, w.Code)
	sessionID, _ := decode(t, w)["session_id"].(string)

	active, err := f.st.ListSessionCalls(context.Background(), sessionID, calls.InFlightCallStatuses)
	require.NoError(t, err)
	require.Len(t, active, 1)

	cb := telephony.Callbacks{BaseURL: "https://dialer.test"}
	target, err := url.Parse(cb.OutboundCallStatus(active[0].ID))
	require.NoError(t, err)
	form := url.Values{"CallSid": {active[0].GatewayCallID}, "CallStatus": {"in-progress"}, "SequenceNumber": {"1"}}

	w = f.callback(target.RequestURI(), form)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "<Response>")

	items, err := f.st.ListQueueItems(context.Background(), "org", []calls.QueueStatus{calls.QueueCompleted})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, calls.AnnotationConnected, items[0].Annotation)

	// Redelivery is acknowledged without effect.
	w = f.callback(target.RequestURI(), form)
	require.Equal(t, http.StatusOK, w.Code)
	sess, err := f.st.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, 1, sess.CallsConnected)
}

func TestJoinWebhook(t *testing.T) {
	f := newFixture(t)
	tok := f.token(t, "rep-1", rbac.RoleRep)
	w := f.do(http.MethodPost, "/v1/sessions", tok, "")
	require.Equal(t, http.StatusCreated, w.Code)
	started := decode(t, w)

	w = f.callback(telephony.PathJoin+"?session_id="+started["session_id"].(string), url.Values{"CallSid": {"CAclient"}, "From": {"client:rep-1"}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), started["conference"].(string))

	w = f.callback(telephony.PathJoin, url.Values{"CallSid": {"CAclient"}})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhooks_RejectMalformedCallbacks(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{telephony.PathVoice, telephony.PathCallStatus, telephony.PathConferenceStatus, telephony.PathVoicemail, telephony.PathRecording, telephony.PathTranscription} {
		w := f.callback(path, url.Values{"From": {"+15551112222"}})
		require.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}
