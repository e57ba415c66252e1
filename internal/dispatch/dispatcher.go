// Package dispatch matches idle turbo sessions with queued leads and keeps
// in-flight calls honest with a reconciliation sweep.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crm-dialer/internal/calls"
	"crm-dialer/internal/config"
	"crm-dialer/internal/feed"
	"crm-dialer/internal/observability"
	"crm-dialer/internal/queue"
	"crm-dialer/internal/store"
	"crm-dialer/internal/telephony"
	"crm-dialer/pkg/logger"
	"crm-dialer/pkg/utils"

	"github.com/google/uuid"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	GetSession(ctx context.Context, id string) (calls.TurboSession, error)
	IncrementSessionCounters(ctx context.Context, id string, made, connected int) error
	GetLead(ctx context.Context, orgID, leadID string) (calls.Lead, error)
	OrganizationCallerID(ctx context.Context, orgID string) (string, error)
	CreateActiveCall(ctx context.Context, c calls.ActiveCall) (calls.ActiveCall, error)
	UpdateActiveCall(ctx context.Context, id string, from []calls.CallStatus, patch store.ActiveCallPatch) (calls.ActiveCall, bool, error)
	ListSessionCalls(ctx context.Context, sessionID string, statuses []calls.CallStatus) ([]calls.ActiveCall, error)
}

// Queue is the slice of the queue manager the dispatcher drives.
type Queue interface {
	ClaimNext(ctx context.Context, orgID, sessionID string) (calls.QueueItem, bool, error)
	Release(ctx context.Context, itemID string) error
	Requeue(ctx context.Context, itemID, callID string, reason calls.EndReason) (queue.RequeueOutcome, error)
}

// Outcome is what one Dispatch did for its session.
type Outcome string

const (
	OutcomeDialing   Outcome = "dialing"
	OutcomeIdle      Outcome = "idle"
	OutcomeBusy      Outcome = "busy"
	OutcomeInactive  Outcome = "inactive"
	OutcomeThrottled Outcome = "throttled"
	// OutcomeGaveUp means every claim this round failed at the gateway.
	OutcomeGaveUp Outcome = "gave_up"
)

type Dispatcher struct {
	store     Store
	queue     Queue
	gateway   telephony.Gateway
	callbacks telephony.Callbacks
	caps      *utils.PlacementCap
	feed      feed.Publisher
	metrics   *observability.Metrics
	cfg       config.DialerConfig
	clock     func() time.Time
}

type Deps struct {
	Store     Store
	Queue     Queue
	Gateway   telephony.Gateway
	Callbacks telephony.Callbacks
	// Caps enforces the per-organization placement cap; nil disables it.
	Caps    *utils.PlacementCap
	Feed    feed.Publisher
	Metrics *observability.Metrics
	Config  config.DialerConfig
}

func NewDispatcher(d Deps) *Dispatcher {
	return &Dispatcher{
		store:     d.Store,
		queue:     d.Queue,
		gateway:   d.Gateway,
		callbacks: d.Callbacks,
		caps:      d.Caps,
		feed:      d.Feed,
		metrics:   d.Metrics,
		cfg:       d.Config.WithDefaults(),
		clock:     time.Now,
	}
}

func (d *Dispatcher) now() time.Time { return d.clock().UTC() }

// SessionIdle runs Dispatch and logs the result. Failures are left for the
// next trigger or the sweep.
func (d *Dispatcher) SessionIdle(ctx context.Context, sessionID string) {
	out, err := d.Dispatch(ctx, sessionID)
	log := logger.From(ctx).With("session_id", sessionID, "outcome", out)
	if err != nil {
		log.Error("dispatch failed", "err", err)
		return
	}
	log.Debug("dispatch finished")
}

// Dispatch gives an idle session its next call. It is safe to run twice for
// the same session: the per-session call slot admits one in-flight call.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string) (Outcome, error) {
	sess, err := d.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return OutcomeInactive, nil
	}
	if err != nil {
		return "", fmt.Errorf("dispatch: session: %w", err)
	}
	if sess.Status != calls.SessionActive {
		return OutcomeInactive, nil
	}
	inFlight, err := d.store.ListSessionCalls(ctx, sessionID, calls.InFlightCallStatuses)
	if err != nil {
		return "", fmt.Errorf("dispatch: session calls: %w", err)
	}
	if len(inFlight) > 0 {
		return OutcomeBusy, nil
	}
	callerID, err := d.store.OrganizationCallerID(ctx, sess.OrganizationID)
	if err != nil {
		return "", fmt.Errorf("dispatch: caller id: %w", err)
	}

	ctx, _ = logger.Enrich(ctx, "session_id", sess.ID, "rep_id", sess.RepID)
	for i := 0; i < d.cfg.MaxClaimsPerDispatch; i++ {
		it, ok, err := d.queue.ClaimNext(ctx, sess.OrganizationID, sess.ID)
		if err != nil {
			return "", err
		}
		if !ok {
			return OutcomeIdle, nil
		}
		// The claim is committed; finish or compensate even if the caller goes away.
		out, err := d.dial(context.WithoutCancel(ctx), sess, it, callerID)
		if err != nil || out != "" {
			return out, err
		}
	}
	return OutcomeGaveUp, nil
}

var allCallStatuses = []calls.CallStatus{calls.CallDialing, calls.CallRinging, calls.CallAnswered, calls.CallCompleted, calls.CallFailed}

// dial places the call for a claimed item. An empty outcome means the attempt
// failed at the gateway and the caller may claim again.
func (d *Dispatcher) dial(ctx context.Context, sess calls.TurboSession, it calls.QueueItem, callerID string) (Outcome, error) {
	ctx, log := logger.Enrich(ctx, "queue_item_id", it.ID, "lead_id", it.LeadID)

	lead, err := d.store.GetLead(ctx, sess.OrganizationID, it.LeadID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("claimed lead no longer exists")
		if _, err := d.queue.Requeue(ctx, it.ID, "", calls.EndFailed); err != nil {
			return "", err
		}
		return "", nil
	}
	if err != nil {
		return "", d.release(ctx, it, fmt.Errorf("dispatch: lead: %w", err))
	}

	if d.caps != nil {
		acquired, err := d.caps.Acquire(ctx, sess.OrganizationID)
		switch {
		case err != nil:
			log.Warn("placement cap unavailable; dialing uncapped", "err", err)
		case !acquired:
			d.metrics.Dial("throttled")
			log.Info("placement cap saturated")
			return OutcomeThrottled, d.release(ctx, it, nil)
		default:
			defer func() {
				if err := d.caps.Release(ctx, sess.OrganizationID); err != nil {
					log.Warn("placement cap release failed", "err", err)
				}
			}()
		}
	}

	call, err := d.store.CreateActiveCall(ctx, calls.ActiveCall{
		ID:             uuid.NewString(),
		OrganizationID: sess.OrganizationID,
		LeadID:         it.LeadID,
		QueueItemID:    it.ID,
		AssignedTo:     sess.RepID,
		SessionID:      sess.ID,
		ConferenceName: sess.ConferenceName,
		Status:         calls.CallDialing,
		StartedAt:      d.now(),
	})
	if errors.Is(err, store.ErrConflict) {
		log.Info("call slot taken; releasing claim")
		return OutcomeBusy, d.release(ctx, it, nil)
	}
	if err != nil {
		return "", d.release(ctx, it, fmt.Errorf("dispatch: create call: %w", err))
	}
	ctx, log = logger.Enrich(ctx, "active_call_id", call.ID)
	feed.Emit(ctx, d.feed, feed.KindCall, call.ID, call.OrganizationID, string(call.Status), call.StartedAt)

	res, err := d.gateway.PlaceCall(ctx, telephony.PlaceCallRequest{
		OrganizationID: sess.OrganizationID,
		To:             lead.Phone,
		From:           callerID,
		OnAnswer: telephony.Control(telephony.JoinConference{
			Name:              sess.ConferenceName,
			StartOnEnter:      true,
			StatusCallbackURL: d.callbacks.ConferenceStatus(),
		}),
		StatusCallbackURL: d.callbacks.OutboundCallStatus(call.ID),
		RingTimeout:       d.cfg.RingTimeout,
	})
	if err != nil {
		return "", d.failPlacement(ctx, call, err)
	}

	d.metrics.Dial("accepted")
	recorded, _, err := d.store.UpdateActiveCall(ctx, call.ID, allCallStatuses, store.ActiveCallPatch{
		GatewayCallID: &res.GatewayCallID,
	})
	if err != nil {
		log.Error("recording gateway call id failed", "gateway_call_id", res.GatewayCallID, "err", err)
	}
	if err == nil && recorded.Status.Terminal() && recorded.EndReason == calls.EndCancelled {
		// The session stopped while the gateway was placing the call; the
		// cancel found no gateway id to hang up.
		if err := d.gateway.CancelCall(ctx, res.GatewayCallID); err != nil {
			log.Warn("gateway cancel failed", "gateway_call_id", res.GatewayCallID, "err", err)
		}
		log.Info("call cancelled during placement", "gateway_call_id", res.GatewayCallID)
		return OutcomeInactive, nil
	}
	if err := d.store.IncrementSessionCounters(ctx, sess.ID, 1, 0); err != nil {
		log.Warn("session counter update failed", "err", err)
	}
	log.Info("lead dialed", "gateway_call_id", res.GatewayCallID)
	return OutcomeDialing, nil
}

// failPlacement marks a synchronously rejected call failed and applies the
// retry policy to its lead.
func (d *Dispatcher) failPlacement(ctx context.Context, call calls.ActiveCall, cause error) error {
	log := logger.From(ctx)
	reason := calls.EndFailed
	result := "unavailable"
	if errors.Is(cause, telephony.ErrCallRejected) {
		reason = calls.EndRejected
		result = "rejected"
	}
	d.metrics.Dial(result)
	log.Warn("gateway refused call", "err", cause)

	now := d.now()
	failed := calls.CallFailed
	out, applied, err := d.store.UpdateActiveCall(ctx, call.ID, []calls.CallStatus{calls.CallDialing}, store.ActiveCallPatch{
		Status:    &failed,
		EndedAt:   &now,
		EndReason: &reason,
	})
	if err != nil {
		return fmt.Errorf("dispatch: fail call: %w", err)
	}
	if !applied {
		// A callback resolved the call first; it owns the follow-up.
		return nil
	}
	feed.Emit(ctx, d.feed, feed.KindCall, out.ID, out.OrganizationID, string(out.Status), now)
	if _, err := d.queue.Requeue(ctx, call.QueueItemID, call.ID, reason); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) release(ctx context.Context, it calls.QueueItem, cause error) error {
	if err := d.queue.Release(ctx, it.ID); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
