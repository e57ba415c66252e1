package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"crm-dialer/internal/audit"
	"crm-dialer/internal/calls"
	"crm-dialer/internal/config"
	"crm-dialer/internal/queue"
	"crm-dialer/internal/store"
	"crm-dialer/internal/telephony"
	"crm-dialer/internal/telephony/telephonytest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	sessions []string
}

func (d *recordingDispatcher) SessionIdle(_ context.Context, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = append(d.sessions, sessionID)
}

type fixture struct {
	st    *store.MemoryStore
	gw    *telephonytest.Gateway
	q     *queue.Manager
	disp  *recordingDispatcher
	audit *audit.MemoryRepo
	m     *Manager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := store.NewMemoryStore()
	st.PutRep(calls.Rep{ID: "rep-1", OrganizationID: "org", Extension: "101", ClientIdentity: "rep-1"})
	st.PutRep(calls.Rep{ID: "rep-2", OrganizationID: "org", Extension: "102"})
	for _, id := range []string{"a", "b"} {
		st.PutLead(calls.Lead{ID: id, OrganizationID: "org", Phone: "+1555000" + id})
	}
	repo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(repo)
	gw := telephonytest.New()
	q := queue.NewManager(st, auditSvc, nil, nil, config.DialerConfig{})
	disp := &recordingDispatcher{}
	m := NewManager(Deps{
		Store:     st,
		Queue:     q,
		Gateway:   gw,
		Callbacks: telephony.Callbacks{BaseURL: "https://dialer.test"},
		Audit:     auditSvc,
	})
	m.SetDispatcher(disp)
	return fixture{st: st, gw: gw, q: q, disp: disp, audit: repo, m: m}
}

// inFlight claims lead for sess and records a call in status.
func (f fixture) inFlight(t *testing.T, sess calls.TurboSession, lead string, status calls.CallStatus) calls.ActiveCall {
	t.Helper()
	ctx := context.Background()
	_, err := f.q.Enqueue(ctx, "org", []string{lead})
	require.NoError(t, err)
	it, ok, err := f.q.ClaimNext(ctx, "org", sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	c, err := f.st.CreateActiveCall(ctx, calls.ActiveCall{
		OrganizationID: "org",
		LeadID:         lead,
		QueueItemID:    it.ID,
		AssignedTo:     sess.RepID,
		SessionID:      sess.ID,
		ConferenceName: sess.ConferenceName,
		Status:         status,
		StartedAt:      time.Now().UTC(),
		GatewayCallID:  "CA-" + lead,
	})
	require.NoError(t, err)
	return c
}

func TestStartSession_ConcurrentStartsShareOneSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 12
	ids := make(chan string, n)
	var created sync.Map
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.m.StartSession(ctx, "org", "rep-1")
			assert.NoError(t, err)
			if res.Created {
				created.Store(i, true)
			}
			ids <- res.Session.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		require.Equal(t, first, id)
	}
	count := 0
	created.Range(func(_, _ any) bool { count++; return true })
	require.Equal(t, 1, count)
	require.Equal(t, []string{first}, f.disp.sessions, "only the creating start dispatches")
}

func TestStartSession_ReturnsJoinTarget(t *testing.T) {
	f := newFixture(t)
	res, err := f.m.StartSession(context.Background(), "org", "rep-1")
	require.NoError(t, err)

	require.True(t, res.Created)
	require.Equal(t, calls.SessionActive, res.Session.Status)
	require.Contains(t, res.Session.ConferenceName, "turbo-")
	require.Equal(t, "https://dialer.test/webhooks/twilio/join?session_id="+res.Session.ID, res.Join.URL)
	require.Equal(t, "token-rep-1-"+res.Session.ID, res.Join.Token)

	again, err := f.m.StartSession(context.Background(), "org", "rep-1")
	require.NoError(t, err)
	require.False(t, again.Created)
	require.Equal(t, res.Session.ConferenceName, again.Session.ConferenceName)
}

func TestStartSession_UnknownRep(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.StartSession(context.Background(), "other-org", "rep-1")
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.m.StopSession(context.Background(), "org", "ghost")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestStopSession_NoActiveSessionIsNoop(t *testing.T) {
	f := newFixture(t)
	stats, err := f.m.StopSession(context.Background(), "org", "rep-2")
	require.NoError(t, err)
	require.Equal(t, Stats{}, stats)
}

func TestStopSession_CancelsRingingCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.m.StartSession(ctx, "org", "rep-1")
	require.NoError(t, err)
	ringing := f.inFlight(t, res.Session, "a", calls.CallRinging)

	stats, err := f.m.StopSession(ctx, "org", "rep-1")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Cancelled)

	c, err := f.st.GetActiveCall(ctx, ringing.ID)
	require.NoError(t, err)
	require.Equal(t, calls.CallCompleted, c.Status)
	require.Equal(t, calls.EndCancelled, c.EndReason)
	require.Equal(t, []string{"CA-a"}, f.gw.CancelledIDs())

	it, err := f.st.GetQueueItem(ctx, ringing.QueueItemID)
	require.NoError(t, err)
	require.Equal(t, calls.QueueQueued, it.Status, "lead returns to the queue")
	require.Zero(t, it.Attempts)

	_, err = f.m.Active(ctx, "org", "rep-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStopSession_LeavesAnsweredCallAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.m.StartSession(ctx, "org", "rep-1")
	require.NoError(t, err)
	answered := f.inFlight(t, res.Session, "b", calls.CallAnswered)

	stats, err := f.m.StopSession(ctx, "org", "rep-1")
	require.NoError(t, err)
	require.Zero(t, stats.Cancelled)
	require.Equal(t, res.Session.ID, stats.SessionID)

	c, err := f.st.GetActiveCall(ctx, answered.ID)
	require.NoError(t, err)
	require.Equal(t, calls.CallAnswered, c.Status)
	require.Empty(t, f.gw.CancelledIDs())
}

func TestStopSession_CleanupSurvivesGatewayFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.CancelErr = telephony.ErrGatewayUnavailable
	res, err := f.m.StartSession(ctx, "org", "rep-1")
	require.NoError(t, err)
	f.inFlight(t, res.Session, "a", calls.CallDialing)

	stats, err := f.m.StopSession(ctx, "org", "rep-1")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Cancelled)
}

func TestTerminate_Audits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.m.StartSession(ctx, "org", "rep-1")
	require.NoError(t, err)

	_, err = f.m.Terminate(ctx, "org", "rep-1", audit.Actor{RepID: "rep-2", Role: "admin"}, "")
	require.NoError(t, err)

	evs := f.audit.OfType(audit.EventSessionTerminated)
	require.Len(t, evs, 1)
	require.Equal(t, res.Session.ID, evs[0].SessionID)
	require.Equal(t, "rep-2", evs[0].ActorRepID)

	_, err = f.m.Terminate(ctx, "org", "rep-1", audit.Actor{RepID: "rep-2"}, "")
	require.NoError(t, err)
	require.Len(t, f.audit.OfType(audit.EventSessionTerminated), 1, "terminating an idle rep records nothing")
}
