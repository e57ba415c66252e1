package routing

import (
	"context"
	"errors"
	"strings"
	"time"

	"crm-dialer/internal/calls"
	"crm-dialer/internal/config"
	"crm-dialer/internal/feed"
	"crm-dialer/internal/observability"
	"crm-dialer/internal/store"
	"crm-dialer/internal/telephony"
	"crm-dialer/pkg/logger"

	"github.com/google/uuid"
)

// Store is the persistence the router needs.
type Store interface {
	Directory
	ResolveOrganizationByNumber(ctx context.Context, number string) (string, error)
	GetRep(ctx context.Context, orgID, repID string) (calls.Rep, error)
	GetSession(ctx context.Context, id string) (calls.TurboSession, error)
	store.Inbound
}

const (
	promptExtension = "Thanks for calling. Enter the extension of the person you are trying to reach, or stay on the line."
	promptConnect   = "Please hold while we connect your call."
	promptVoicemail = "No one is available to take your call. Please leave a message after the tone."
	promptNoMessage = "We did not receive a message. Goodbye."
	promptThanks    = "Thank you. Your message has been recorded. Goodbye."
	promptNoService = "This number is not in service. Goodbye."
	promptEnded     = "Your dialing session has ended."
)

const (
	digitTimeout     = 5 * time.Second
	maxVoicemailTime = 2 * time.Minute
)

// Router runs the inbound call state machine
// received -> extension_lookup -> direct_ring | ring_all | voicemail -> bridged | voicemail_recorded
// and answers rep join requests for turbo conferences.
type Router struct {
	store     Store
	engine    *Engine
	gateway   telephony.Gateway
	callbacks telephony.Callbacks
	auditor   FallbackAuditor
	feed      feed.Publisher
	metrics   *observability.Metrics
	cfg       config.DialerConfig
	clock     func() time.Time
}

type Deps struct {
	Store     Store
	Gateway   telephony.Gateway
	Callbacks telephony.Callbacks
	Auditor   FallbackAuditor
	Feed      feed.Publisher
	Metrics   *observability.Metrics
	Config    config.DialerConfig
}

func NewRouter(d Deps) *Router {
	cfg := d.Config.WithDefaults()
	return &Router{
		store:     d.Store,
		engine:    NewEngine(d.Store, cfg.HoldMessage),
		gateway:   d.Gateway,
		callbacks: d.Callbacks,
		auditor:   d.Auditor,
		feed:      d.Feed,
		metrics:   d.Metrics,
		cfg:       cfg,
		clock:     time.Now,
	}
}

func (r *Router) now() time.Time { return r.clock().UTC() }

func (r *Router) emit(ctx context.Context, rec calls.CallRecord) {
	feed.Emit(ctx, r.feed, feed.KindInbound, rec.ID, rec.OrganizationID, string(rec.State), rec.UpdatedAt)
}

func (r *Router) hangup(text string) telephony.CallControl {
	return telephony.Control(telephony.Say{Text: text}, telephony.Hangup{})
}

// joinCaller bridges the caller into the call-scoped conference. The caller
// leaving ends it so a rep hanging up never strands anyone.
func (r *Router) joinCaller(conference, announce string) telephony.CallControl {
	doc := telephony.Control()
	if announce != "" {
		doc = doc.Then(telephony.Say{Text: announce})
	}
	return doc.Then(telephony.JoinConference{
		Name:              conference,
		StartOnEnter:      true,
		EndOnExit:         true,
		StatusCallbackURL: r.callbacks.ConferenceStatus(),
	})
}

// HandleInbound answers the voice webhook: the first request collects digits,
// the "route" stage decides and rings.
func (r *Router) HandleInbound(ctx context.Context, req telephony.InboundRequest) (telephony.CallControl, error) {
	ctx, log := logger.Enrich(ctx, "gateway_call_id", req.GatewayCallID)

	rec, err := r.record(ctx, req)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("inbound call to unknown number", "to", req.To)
		return r.hangup(promptNoService), nil
	}
	if err != nil {
		return telephony.CallControl{}, err
	}

	if req.Stage != "route" {
		if rec.State != calls.InboundReceived {
			return r.resume(rec), nil
		}
		return telephony.Control(
			telephony.GatherDigits{
				Prompt:  promptExtension,
				Action:  r.callbacks.InboundRoute(),
				Timeout: digitTimeout,
			},
			// No input falls through to routing without digits.
			telephony.Redirect{URL: r.callbacks.InboundRoute()},
		), nil
	}
	return r.route(ctx, rec, strings.TrimSpace(req.Digits))
}

// record returns the call's record, creating it on first sight.
func (r *Router) record(ctx context.Context, req telephony.InboundRequest) (calls.CallRecord, error) {
	rec, err := r.store.GetCallRecordByGatewayID(ctx, req.GatewayCallID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return calls.CallRecord{}, err
	}
	orgID := req.OrganizationID
	if orgID == "" {
		orgID, err = r.store.ResolveOrganizationByNumber(ctx, req.To)
		if err != nil {
			return calls.CallRecord{}, err
		}
	}
	now := r.now()
	rec, created, err := r.store.CreateCallRecord(ctx, calls.CallRecord{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		GatewayCallID:  req.GatewayCallID,
		From:           req.From,
		To:             req.To,
		State:          calls.InboundReceived,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return calls.CallRecord{}, err
	}
	if created {
		r.emit(ctx, rec)
	}
	return rec, nil
}

// resume answers a repeated webhook for a call that was already routed.
func (r *Router) resume(rec calls.CallRecord) telephony.CallControl {
	switch {
	case rec.State.Ringing() || rec.State == calls.InboundBridged:
		return r.joinCaller(rec.ConferenceName, "")
	case rec.State == calls.InboundVoicemail:
		return telephony.Control(telephony.Redirect{URL: r.callbacks.Voicemail()})
	case rec.State == calls.InboundExtensionLookup:
		return telephony.Control(telephony.Say{Text: promptConnect}, telephony.Redirect{URL: r.callbacks.InboundRoute()})
	default:
		return telephony.Control(telephony.Hangup{})
	}
}

func (r *Router) route(ctx context.Context, rec calls.CallRecord, digits string) (telephony.CallControl, error) {
	log := logger.From(ctx)

	_, applied, err := r.store.UpdateCallRecord(ctx, rec.ID, []calls.InboundState{calls.InboundReceived}, store.CallRecordPatch{
		State: ptr(calls.InboundExtensionLookup),
		At:    r.now(),
	})
	if err != nil {
		return telephony.CallControl{}, err
	}
	if !applied {
		// Another delivery of this request is routing or has routed the call.
		cur, err := r.store.GetCallRecordByGatewayID(ctx, rec.GatewayCallID)
		if err != nil {
			return telephony.CallControl{}, err
		}
		if cur.State == calls.InboundExtensionLookup {
			return telephony.Control(telephony.Say{Text: promptConnect}, telephony.Redirect{URL: r.callbacks.InboundRoute()}), nil
		}
		return r.resume(cur), nil
	}

	d, err := r.engine.Decide(ctx, RouteInput{OrganizationID: rec.OrganizationID, Digits: digits})
	if err != nil {
		return telephony.CallControl{}, err
	}
	if d.Reason == ReasonTurboProtected && r.auditor != nil {
		if err := r.auditor.LogTurboFallback(ctx, rec.OrganizationID, d.TargetRepID, rec.GatewayCallID); err != nil {
			log.Warn("audit turbo fallback failed", "err", err)
		}
	}

	if d.Mode == calls.InboundVoicemail {
		return r.toVoicemail(ctx, rec, d)
	}

	// The conference is stored before any leg rings, so leg callbacks can
	// find the record while the legs are still being placed.
	conference := calls.InboundConferencePrefix + uuid.NewString()
	_, applied, err = r.store.UpdateCallRecord(ctx, rec.ID, []calls.InboundState{calls.InboundExtensionLookup}, store.CallRecordPatch{
		ConferenceName: &conference,
		TargetRepID:    optional(d.TargetRepID),
		At:             r.now(),
	})
	if err != nil {
		return telephony.CallControl{}, err
	}
	if !applied {
		cur, err := r.store.GetCallRecordByGatewayID(ctx, rec.GatewayCallID)
		if err != nil {
			return telephony.CallControl{}, err
		}
		return r.resume(cur), nil
	}

	targets := make([]telephony.RingTarget, 0, len(d.Targets))
	for _, rep := range d.Targets {
		identity := rep.ClientIdentity
		if identity == "" {
			identity = rep.ID
		}
		targets = append(targets, telephony.RingTarget{RepID: rep.ID, Identity: identity})
	}
	legs, err := r.gateway.RingClients(ctx, telephony.RingRequest{
		ConferenceName:    conference,
		From:              rec.From,
		Targets:           targets,
		StatusCallbackURL: r.callbacks.InboundLegStatus(conference),
		RingTimeout:       r.cfg.RingTimeout,
	})
	if err != nil {
		log.Warn("ringing reps failed", "err", err)
	}
	ringing := map[string]string{}
	for _, leg := range legs {
		if leg.Err != nil || leg.GatewayCallID == "" {
			log.Warn("rep leg not placed", "rep_id", leg.RepID, "err", leg.Err)
			continue
		}
		ringing[leg.GatewayCallID] = leg.RepID
	}
	if len(ringing) == 0 {
		d.Mode, d.Reason = calls.InboundVoicemail, ReasonNoLegs
		return r.toVoicemail(ctx, rec, d)
	}

	out, applied, err := r.store.UpdateCallRecord(ctx, rec.ID, []calls.InboundState{calls.InboundExtensionLookup}, store.CallRecordPatch{
		State:   &d.Mode,
		AddLegs: ringing,
		At:      r.now(),
	})
	if err != nil {
		return telephony.CallControl{}, err
	}
	if !applied {
		r.cancelLegs(ctx, ringing, "")
		cur, err := r.store.GetCallRecordByGatewayID(ctx, rec.GatewayCallID)
		if err != nil {
			return telephony.CallControl{}, err
		}
		return r.resume(cur), nil
	}
	r.emit(ctx, out)
	r.metrics.InboundRoute(string(d.Mode))
	if len(out.RingingLegs) == 0 {
		// Every leg ended before it was recorded as ringing.
		log.Info("all rep legs ended while ringing; caller to voicemail", "conference", conference)
		d.Reason = ReasonNoLegs
		return r.toVoicemail(ctx, out, d)
	}
	log.Info("inbound call routed", "mode", d.Mode, "reason", d.Reason, "conference", conference, "legs", len(out.RingingLegs))

	announce := d.Announce
	if announce == "" {
		announce = promptConnect
	}
	return r.joinCaller(conference, announce), nil
}

// toVoicemail moves a call that is being routed, or whose legs all ended
// before they could ring, to voicemail.
func (r *Router) toVoicemail(ctx context.Context, rec calls.CallRecord, d Decision) (telephony.CallControl, error) {
	out, applied, err := r.store.UpdateCallRecord(ctx, rec.ID, []calls.InboundState{
		calls.InboundExtensionLookup, calls.InboundDirectRing, calls.InboundRingAll,
	}, store.CallRecordPatch{
		State:       ptr(calls.InboundVoicemail),
		TargetRepID: optional(d.TargetRepID),
		ClearLegs:   true,
		At:          r.now(),
	})
	if err != nil {
		return telephony.CallControl{}, err
	}
	if applied {
		r.emit(ctx, out)
		r.metrics.InboundRoute(string(calls.InboundVoicemail))
		logger.From(ctx).Info("inbound call to voicemail", "reason", d.Reason)
	}
	return r.voicemailControl(), nil
}

func (r *Router) voicemailControl() telephony.CallControl {
	return telephony.Control(
		telephony.Say{Text: promptVoicemail},
		telephony.Record{
			Action:             r.callbacks.Recording(),
			MaxLength:          maxVoicemailTime,
			TranscribeCallback: r.callbacks.Transcription(),
		},
		telephony.Say{Text: promptNoMessage},
		telephony.Hangup{},
	)
}

// HandleVoicemail serves the caller redirected to voicemail after every rep
// leg ended unanswered.
func (r *Router) HandleVoicemail(ctx context.Context, gatewayCallID string) (telephony.CallControl, error) {
	rec, err := r.store.GetCallRecordByGatewayID(ctx, gatewayCallID)
	if errors.Is(err, store.ErrNotFound) {
		return r.hangup(promptNoService), nil
	}
	if err != nil {
		return telephony.CallControl{}, err
	}
	out, applied, err := r.store.UpdateCallRecord(ctx, rec.ID, []calls.InboundState{
		calls.InboundReceived, calls.InboundExtensionLookup, calls.InboundDirectRing, calls.InboundRingAll,
	}, store.CallRecordPatch{
		State:     ptr(calls.InboundVoicemail),
		ClearLegs: true,
		At:        r.now(),
	})
	if err != nil {
		return telephony.CallControl{}, err
	}
	if applied {
		r.emit(ctx, out)
		r.metrics.InboundRoute(string(calls.InboundVoicemail))
	} else if out.State != calls.InboundVoicemail {
		return r.resume(out), nil
	}
	return r.voicemailControl(), nil
}

// RecordVoicemail stores the recording and ends the call.
func (r *Router) RecordVoicemail(ctx context.Context, ev telephony.RecordingEvent) (telephony.CallControl, error) {
	rec, err := r.store.GetCallRecordByGatewayID(ctx, ev.GatewayCallID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return telephony.Control(telephony.Hangup{}), nil
		}
		return telephony.CallControl{}, err
	}
	if ev.RecordingURL == "" {
		return r.hangup(promptNoMessage), nil
	}
	out, applied, err := r.store.UpdateCallRecord(ctx, rec.ID, []calls.InboundState{calls.InboundVoicemail}, store.CallRecordPatch{
		State:        ptr(calls.InboundVoicemailRecorded),
		VoicemailURL: &ev.RecordingURL,
		At:           r.now(),
	})
	if err != nil {
		return telephony.CallControl{}, err
	}
	if applied {
		r.emit(ctx, out)
		logger.From(ctx).Info("voicemail recorded", "gateway_call_id", ev.GatewayCallID, "duration_seconds", ev.DurationSeconds)
	}
	return r.hangup(promptThanks), nil
}

// RecordTranscription attaches the asynchronous transcription text.
func (r *Router) RecordTranscription(ctx context.Context, ev telephony.TranscriptionEvent) error {
	if ev.Status != "" && ev.Status != "completed" {
		logger.From(ctx).Info("transcription not available", "gateway_call_id", ev.GatewayCallID, "status", ev.Status)
		return nil
	}
	rec, err := r.store.GetCallRecordByGatewayID(ctx, ev.GatewayCallID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, _, err = r.store.UpdateCallRecord(ctx, rec.ID, nil, store.CallRecordPatch{
		Transcription: &ev.Text,
		At:            r.now(),
	})
	return err
}

type JoinRequest struct {
	SessionID     string
	GatewayCallID string
	// From is the client leg's caller, "client:<identity>".
	From string
}

// HandleJoin bridges a rep's client into its own turbo conference.
func (r *Router) HandleJoin(ctx context.Context, req JoinRequest) (telephony.CallControl, error) {
	sess, err := r.store.GetSession(ctx, req.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return r.hangup(promptEnded), nil
	}
	if err != nil {
		return telephony.CallControl{}, err
	}
	if sess.Status != calls.SessionActive {
		return r.hangup(promptEnded), nil
	}
	if identity, ok := strings.CutPrefix(req.From, "client:"); ok {
		rep, err := r.store.GetRep(ctx, sess.OrganizationID, sess.RepID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return telephony.CallControl{}, err
		}
		want := rep.ClientIdentity
		if want == "" {
			want = rep.ID
		}
		if identity != want {
			logger.From(ctx).Warn("join from another client rejected", "session_id", sess.ID, "identity", identity)
			return telephony.Control(telephony.Hangup{}), nil
		}
	}
	logger.From(ctx).Info("rep joining turbo conference", "session_id", sess.ID, "conference", sess.ConferenceName)
	return telephony.Control(telephony.JoinConference{
		Name:              sess.ConferenceName,
		StartOnEnter:      true,
		EndOnExit:         true,
		StatusCallbackURL: r.callbacks.ConferenceStatus(),
	}), nil
}

// LegStatus follows a rep leg rung for an inbound call.
func (r *Router) LegStatus(ctx context.Context, rec calls.CallRecord, ev telephony.CallStatusEvent) (bool, error) {
	switch ev.Status.Class() {
	case telephony.ClassAnswered:
		return r.bridge(ctx, rec, ev.GatewayCallID)
	case telephony.ClassEnded:
		// A leg may end while routing is still placing the others; it is
		// recorded as ended and routing never adds it.
		out, applied, err := r.store.UpdateCallRecord(ctx, rec.ID, []calls.InboundState{
			calls.InboundExtensionLookup, calls.InboundDirectRing, calls.InboundRingAll,
		}, store.CallRecordPatch{
			RemoveLegs: []string{ev.GatewayCallID},
			At:         r.now(),
		})
		if err != nil || !applied {
			return false, err
		}
		if out.State.Ringing() && len(out.RingingLegs) == 0 {
			// Nobody picked up: send the caller to voicemail.
			logger.From(ctx).Info("all rep legs ended; redirecting caller to voicemail", "gateway_call_id", rec.GatewayCallID)
			if err := r.gateway.RedirectCall(ctx, rec.GatewayCallID, r.callbacks.Voicemail()); err != nil {
				logger.From(ctx).Warn("voicemail redirect failed", "err", err)
			}
		}
		return true, nil
	default:
		return false, nil
	}
}

// CallerStatus follows the inbound caller's own leg.
func (r *Router) CallerStatus(ctx context.Context, rec calls.CallRecord, ev telephony.CallStatusEvent) (bool, error) {
	if ev.Status.Class() != telephony.ClassEnded {
		return false, nil
	}
	now := r.now()
	out, applied, err := r.store.UpdateCallRecord(ctx, rec.ID, []calls.InboundState{calls.InboundBridged}, store.CallRecordPatch{
		State: ptr(calls.InboundCompleted),
		At:    now,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		out, applied, err = r.store.UpdateCallRecord(ctx, rec.ID, []calls.InboundState{
			calls.InboundReceived, calls.InboundExtensionLookup, calls.InboundDirectRing, calls.InboundRingAll, calls.InboundVoicemail,
		}, store.CallRecordPatch{
			State:     ptr(calls.InboundAbandoned),
			ClearLegs: true,
			At:        now,
		})
		if err != nil || !applied {
			return false, err
		}
		// out no longer carries the legs; cancel the ones rung before the hangup.
		r.cancelLegs(ctx, rec.RingingLegs, "")
	}
	r.emit(ctx, out)
	return true, nil
}

// ConferenceEvent reacts to participant changes in an inbound conference.
func (r *Router) ConferenceEvent(ctx context.Context, rec calls.CallRecord, ev telephony.ConferenceEvent) (bool, error) {
	switch ev.Kind {
	case telephony.ParticipantJoin:
		if _, isLeg := rec.RingingLegs[ev.GatewayCallID]; !isLeg {
			return false, nil
		}
		return r.bridge(ctx, rec, ev.GatewayCallID)
	case telephony.ConferenceEnd:
		out, applied, err := r.store.UpdateCallRecord(ctx, rec.ID, []calls.InboundState{calls.InboundBridged}, store.CallRecordPatch{
			State: ptr(calls.InboundCompleted),
			At:    r.now(),
		})
		if err != nil || !applied {
			return false, err
		}
		r.emit(ctx, out)
		return true, nil
	default:
		return false, nil
	}
}

// bridge records the first rep leg to connect and cancels the others.
func (r *Router) bridge(ctx context.Context, rec calls.CallRecord, legID string) (bool, error) {
	repID, ok := rec.RingingLegs[legID]
	if !ok {
		return false, nil
	}
	out, applied, err := r.store.UpdateCallRecord(ctx, rec.ID, []calls.InboundState{calls.InboundDirectRing, calls.InboundRingAll}, store.CallRecordPatch{
		State:           ptr(calls.InboundBridged),
		AnsweredByRepID: &repID,
		ClearLegs:       true,
		At:              r.now(),
	})
	if err != nil || !applied {
		return false, err
	}
	r.emit(ctx, out)
	logger.From(ctx).Info("inbound call bridged", "gateway_call_id", rec.GatewayCallID, "rep_id", repID, "conference", rec.ConferenceName)
	r.cancelLegs(ctx, rec.RingingLegs, legID)
	return true, nil
}

func (r *Router) cancelLegs(ctx context.Context, legs map[string]string, keep string) {
	for id := range legs {
		if id == keep {
			continue
		}
		if err := r.gateway.CancelCall(ctx, id); err != nil {
			logger.From(ctx).Debug("cancel rep leg failed", "leg", id, "err", err)
		}
	}
}

func ptr[T any](v T) *T { return &v }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
