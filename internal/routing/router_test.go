package routing

import (
	"context"
	"slices"
	"testing"
	"time"

	"crm-dialer/internal/audit"
	"crm-dialer/internal/calls"
	"crm-dialer/internal/config"
	"crm-dialer/internal/store"
	"crm-dialer/internal/telephony"
	"crm-dialer/internal/telephony/telephonytest"

	"github.com/stretchr/testify/require"
)

const orgNumber = "+15550000000"

type routerFixture struct {
	st     *store.MemoryStore
	gw     *telephonytest.Gateway
	audit  *audit.MemoryRepo
	cb     telephony.Callbacks
	router *Router
}

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	st := store.NewMemoryStore()
	seedReps(st)
	st.PutPhoneNumber("org", orgNumber)
	repo := audit.NewMemoryRepo()
	gw := telephonytest.New()
	cb := telephony.Callbacks{BaseURL: "https://dialer.test"}
	r := NewRouter(Deps{
		Store:     st,
		Gateway:   gw,
		Callbacks: cb,
		Auditor:   AuditAdapter{Audit: audit.NewService(repo)},
		Config:    config.DialerConfig{HoldMessage: "Please hold.", RingTimeout: 20 * time.Second},
	})
	return routerFixture{st: st, gw: gw, audit: repo, cb: cb, router: r}
}

func verb[T telephony.Verb](doc telephony.CallControl) (T, bool) {
	for _, v := range doc.Verbs {
		if got, ok := v.(T); ok {
			return got, true
		}
	}
	var zero T
	return zero, false
}

func inbound(sid, digits, stage string) telephony.InboundRequest {
	return telephony.InboundRequest{GatewayCallID: sid, From: "+14155550100", To: orgNumber, Digits: digits, Stage: stage}
}

func (f routerFixture) route(t *testing.T, sid, digits string) (telephony.CallControl, calls.CallRecord) {
	t.Helper()
	ctx := context.Background()
	_, err := f.router.HandleInbound(ctx, inbound(sid, "", ""))
	require.NoError(t, err)
	doc, err := f.router.HandleInbound(ctx, inbound(sid, digits, "route"))
	require.NoError(t, err)
	rec, err := f.st.GetCallRecordByGatewayID(ctx, sid)
	require.NoError(t, err)
	return doc, rec
}

func TestRouter_FirstRequestGathersDigits(t *testing.T) {
	f := newRouterFixture(t)

	doc, err := f.router.HandleInbound(context.Background(), inbound("CA1", "", ""))
	require.NoError(t, err)
	g, ok := verb[telephony.GatherDigits](doc)
	require.True(t, ok)
	require.Equal(t, f.cb.InboundRoute(), g.Action)
	_, ok = verb[telephony.Redirect](doc)
	require.True(t, ok, "silence falls through to routing")

	rec, err := f.st.GetCallRecordByGatewayID(context.Background(), "CA1")
	require.NoError(t, err)
	require.Equal(t, calls.InboundReceived, rec.State)
	require.Equal(t, "org", rec.OrganizationID)
}

func TestRouter_UnknownNumberHangsUp(t *testing.T) {
	f := newRouterFixture(t)

	req := inbound("CA1", "", "")
	req.To = "+19999999999"
	doc, err := f.router.HandleInbound(context.Background(), req)
	require.NoError(t, err)
	_, ok := verb[telephony.Hangup](doc)
	require.True(t, ok)
}

func TestRouter_DirectRingsDialedExtension(t *testing.T) {
	f := newRouterFixture(t)

	doc, rec := f.route(t, "CA1", "101")
	require.Equal(t, calls.InboundDirectRing, rec.State)
	require.Equal(t, "rep-1", rec.TargetRepID)
	require.Len(t, rec.RingingLegs, 1)

	require.Len(t, f.gw.Rung, 1)
	require.Equal(t, []telephony.RingTarget{{RepID: "rep-1", Identity: "rep-1"}}, f.gw.Rung[0].Targets)
	require.Equal(t, rec.ConferenceName, f.gw.Rung[0].ConferenceName)

	join, ok := verb[telephony.JoinConference](doc)
	require.True(t, ok)
	require.Equal(t, rec.ConferenceName, join.Name)
	require.True(t, join.EndOnExit)
}

func TestRouter_TurboRepIsProtected(t *testing.T) {
	f := newRouterFixture(t)
	_, _, err := f.st.CreateSession(context.Background(), calls.TurboSession{RepID: "rep-1", OrganizationID: "org", ConferenceName: "turbo-1", StartedAt: time.Now()})
	require.NoError(t, err)

	doc, rec := f.route(t, "CA1", "101")
	require.Equal(t, calls.InboundRingAll, rec.State)
	require.Equal(t, []telephony.RingTarget{{RepID: "rep-2", Identity: "rep-2"}}, f.gw.Rung[0].Targets)

	say, ok := verb[telephony.Say](doc)
	require.True(t, ok)
	require.Equal(t, "Please hold.", say.Text)

	events := f.audit.OfType(audit.EventTurboProtectedFallback)
	require.Len(t, events, 1)
	require.Equal(t, "CA1", events[0].CallID)
}

func TestRouter_VoicemailWhenNobodyIsAvailable(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.SetRepPresence(ctx, "org", "rep-1", calls.PresenceOffline))
	require.NoError(t, f.st.SetRepPresence(ctx, "org", "rep-2", calls.PresenceOffline))

	doc, rec := f.route(t, "CA1", "")
	require.Equal(t, calls.InboundVoicemail, rec.State)
	require.Empty(t, f.gw.Rung)
	rec2, ok := verb[telephony.Record](doc)
	require.True(t, ok)
	require.Equal(t, f.cb.Recording(), rec2.Action)
	require.Equal(t, f.cb.Transcription(), rec2.TranscribeCallback)
}

func TestRouter_VoicemailWhenNoLegCouldBePlaced(t *testing.T) {
	f := newRouterFixture(t)
	f.gw.RingErrs["rep-1"] = telephony.ErrGatewayUnavailable

	_, rec := f.route(t, "CA1", "101")
	require.Equal(t, calls.InboundVoicemail, rec.State)
}

func TestRouter_ReplayedRouteDoesNotRingTwice(t *testing.T) {
	f := newRouterFixture(t)

	_, rec := f.route(t, "CA1", "")
	doc, err := f.router.HandleInbound(context.Background(), inbound("CA1", "", "route"))
	require.NoError(t, err)

	require.Len(t, f.gw.Rung, 1)
	join, ok := verb[telephony.JoinConference](doc)
	require.True(t, ok)
	require.Equal(t, rec.ConferenceName, join.Name)
}

func TestRouter_FirstAnswerBridgesAndCancelsOtherLegs(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, rec := f.route(t, "CA1", "")
	require.Len(t, rec.RingingLegs, 2)
	var winner, loser string
	for leg, rep := range rec.RingingLegs {
		if rep == "rep-2" {
			winner = leg
		} else {
			loser = leg
		}
	}

	applied, err := f.router.LegStatus(ctx, rec, telephony.CallStatusEvent{GatewayCallID: winner, Status: telephony.StatusInProgress})
	require.NoError(t, err)
	require.True(t, applied)

	out, err := f.st.GetCallRecordByGatewayID(ctx, "CA1")
	require.NoError(t, err)
	require.Equal(t, calls.InboundBridged, out.State)
	require.Equal(t, "rep-2", out.AnsweredByRepID)
	require.Empty(t, out.RingingLegs)
	require.Equal(t, []string{loser}, f.gw.CancelledIDs())

	// A late answer from the cancelled leg changes nothing.
	applied, err = f.router.LegStatus(ctx, rec, telephony.CallStatusEvent{GatewayCallID: loser, Status: telephony.StatusInProgress})
	require.NoError(t, err)
	require.False(t, applied)

	applied, err = f.router.CallerStatus(ctx, out, telephony.CallStatusEvent{GatewayCallID: "CA1", Status: telephony.StatusCompleted})
	require.NoError(t, err)
	require.True(t, applied)
	out, err = f.st.GetCallRecordByGatewayID(ctx, "CA1")
	require.NoError(t, err)
	require.Equal(t, calls.InboundCompleted, out.State)
}

func TestRouter_ParticipantJoinBridges(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, rec := f.route(t, "CA1", "101")
	var leg string
	for id := range rec.RingingLegs {
		leg = id
	}

	applied, err := f.router.ConferenceEvent(ctx, rec, telephony.ConferenceEvent{Kind: telephony.ParticipantJoin, ConferenceName: rec.ConferenceName, GatewayCallID: leg})
	require.NoError(t, err)
	require.True(t, applied)

	out, err := f.st.GetCallRecordByGatewayID(ctx, "CA1")
	require.NoError(t, err)
	require.Equal(t, calls.InboundBridged, out.State)
	require.Equal(t, "rep-1", out.AnsweredByRepID)

	applied, err = f.router.ConferenceEvent(ctx, out, telephony.ConferenceEvent{Kind: telephony.ConferenceEnd, ConferenceName: rec.ConferenceName})
	require.NoError(t, err)
	require.True(t, applied)
}

func TestRouter_UnansweredLegsEndInVoicemail(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, rec := f.route(t, "CA1", "")
	legs := make([]string, 0, len(rec.RingingLegs))
	for id := range rec.RingingLegs {
		legs = append(legs, id)
	}

	_, err := f.router.LegStatus(ctx, rec, telephony.CallStatusEvent{GatewayCallID: legs[0], Status: telephony.StatusNoAnswer})
	require.NoError(t, err)
	require.Empty(t, f.gw.RedirectOf("CA1"), "one leg is still ringing")

	_, err = f.router.LegStatus(ctx, rec, telephony.CallStatusEvent{GatewayCallID: legs[1], Status: telephony.StatusBusy})
	require.NoError(t, err)
	require.Equal(t, f.cb.Voicemail(), f.gw.RedirectOf("CA1"))

	doc, err := f.router.HandleVoicemail(ctx, "CA1")
	require.NoError(t, err)
	_, ok := verb[telephony.Record](doc)
	require.True(t, ok)

	doc, err = f.router.RecordVoicemail(ctx, telephony.RecordingEvent{GatewayCallID: "CA1", RecordingURL: "https://api.twilio.test/RE1", DurationSeconds: 12})
	require.NoError(t, err)
	_, ok = verb[telephony.Hangup](doc)
	require.True(t, ok)

	require.NoError(t, f.router.RecordTranscription(ctx, telephony.TranscriptionEvent{GatewayCallID: "CA1", Status: "completed", Text: "call me back"}))

	out, err := f.st.GetCallRecordByGatewayID(ctx, "CA1")
	require.NoError(t, err)
	require.Equal(t, calls.InboundVoicemailRecorded, out.State)
	require.Equal(t, "https://api.twilio.test/RE1", out.VoicemailURL)
	require.Equal(t, "call me back", out.Transcription)
}

// endLegsWhileRinging ends the legs of reps while RingClients is still in
// flight, finding the record by conference the way a tagged leg callback does.
func (f routerFixture) endLegsWhileRinging(t *testing.T, reps ...string) {
	f.gw.OnRing = func(req telephony.RingRequest, legs []telephony.RingLeg) {
		ctx := context.Background()
		rec, err := f.st.FindCallRecordByConference(ctx, req.ConferenceName)
		require.NoError(t, err)
		require.Equal(t, calls.InboundExtensionLookup, rec.State)
		for _, leg := range legs {
			if !slices.Contains(reps, leg.RepID) {
				continue
			}
			applied, err := f.router.LegStatus(ctx, rec, telephony.CallStatusEvent{GatewayCallID: leg.GatewayCallID, Status: telephony.StatusFailed})
			require.NoError(t, err)
			require.True(t, applied)
		}
	}
}

func TestRouter_LegEndedBeforeRecordedGoesToVoicemail(t *testing.T) {
	f := newRouterFixture(t)
	f.endLegsWhileRinging(t, "rep-1")

	doc, rec := f.route(t, "CA1", "101")
	require.Equal(t, calls.InboundVoicemail, rec.State)
	require.Empty(t, rec.RingingLegs)
	_, ok := verb[telephony.Record](doc)
	require.True(t, ok, "caller goes straight to voicemail")
	require.Contains(t, f.gw.Rung[0].StatusCallbackURL, "conference="+rec.ConferenceName)
}

func TestRouter_EarlyEndedLegIsNotRecordedAsRinging(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.endLegsWhileRinging(t, "rep-1")

	doc, rec := f.route(t, "CA1", "")
	require.Equal(t, calls.InboundRingAll, rec.State)
	require.Len(t, rec.RingingLegs, 1)
	require.Len(t, rec.EndedLegs, 1)
	_, ok := verb[telephony.JoinConference](doc)
	require.True(t, ok)

	var leg string
	for id := range rec.RingingLegs {
		leg = id
	}
	_, err := f.router.LegStatus(ctx, rec, telephony.CallStatusEvent{GatewayCallID: leg, Status: telephony.StatusNoAnswer})
	require.NoError(t, err)
	require.Equal(t, f.cb.Voicemail(), f.gw.RedirectOf("CA1"))
}

func TestRouter_FailedTranscriptionIsIgnored(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.route(t, "CA1", "")

	require.NoError(t, f.router.RecordTranscription(ctx, telephony.TranscriptionEvent{GatewayCallID: "CA1", Status: "failed", Text: "garbage"}))
	out, err := f.st.GetCallRecordByGatewayID(ctx, "CA1")
	require.NoError(t, err)
	require.Empty(t, out.Transcription)
}

func TestRouter_CallerHangupWhileRingingAbandons(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	_, rec := f.route(t, "CA1", "")
	applied, err := f.router.CallerStatus(ctx, rec, telephony.CallStatusEvent{GatewayCallID: "CA1", Status: telephony.StatusCompleted})
	require.NoError(t, err)
	require.True(t, applied)

	out, err := f.st.GetCallRecordByGatewayID(ctx, "CA1")
	require.NoError(t, err)
	require.Equal(t, calls.InboundAbandoned, out.State)
	require.ElementsMatch(t, keys(rec.RingingLegs), f.gw.CancelledIDs())
}

func TestRouter_HandleJoin(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	sess, _, err := f.st.CreateSession(ctx, calls.TurboSession{RepID: "rep-1", OrganizationID: "org", ConferenceName: "turbo-abc", StartedAt: time.Now()})
	require.NoError(t, err)

	doc, err := f.router.HandleJoin(ctx, JoinRequest{SessionID: sess.ID, From: "client:rep-1"})
	require.NoError(t, err)
	join, ok := verb[telephony.JoinConference](doc)
	require.True(t, ok)
	require.Equal(t, "turbo-abc", join.Name)
	require.True(t, join.StartOnEnter)

	doc, err = f.router.HandleJoin(ctx, JoinRequest{SessionID: sess.ID, From: "client:rep-2"})
	require.NoError(t, err)
	_, ok = verb[telephony.JoinConference](doc)
	require.False(t, ok, "another rep's client cannot enter")

	_, _, err = f.st.EndSession(ctx, sess.ID, time.Now())
	require.NoError(t, err)
	doc, err = f.router.HandleJoin(ctx, JoinRequest{SessionID: sess.ID, From: "client:rep-1"})
	require.NoError(t, err)
	_, ok = verb[telephony.Hangup](doc)
	require.True(t, ok)

	doc, err = f.router.HandleJoin(ctx, JoinRequest{SessionID: "missing"})
	require.NoError(t, err)
	_, ok = verb[telephony.Hangup](doc)
	require.True(t, ok)
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
