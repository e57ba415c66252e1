// Package ingest turns gateway callbacks into state transitions. It is the
// only writer of ActiveCall state after the dispatcher creates the row.
//
// Transitions are conditional writes, so a replayed or reordered callback
// finds nothing to change. Each callback is also appended to the gateway
// event log after it was applied; a callback that applied nothing and was
// already logged is a duplicate.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crm-dialer/internal/calls"
	"crm-dialer/internal/feed"
	"crm-dialer/internal/observability"
	"crm-dialer/internal/queue"
	"crm-dialer/internal/store"
	"crm-dialer/internal/telephony"
	"crm-dialer/pkg/logger"
)

// Store is the persistence ingest reads and writes.
type Store interface {
	GetActiveCall(ctx context.Context, id string) (calls.ActiveCall, error)
	FindActiveCallByGatewayID(ctx context.Context, gatewayCallID string) (calls.ActiveCall, error)
	UpdateActiveCall(ctx context.Context, id string, from []calls.CallStatus, patch store.ActiveCallPatch) (calls.ActiveCall, bool, error)
	GetSession(ctx context.Context, id string) (calls.TurboSession, error)
	IncrementSessionCounters(ctx context.Context, id string, made, connected int) error
	GetQueueItem(ctx context.Context, id string) (calls.QueueItem, error)
	GetCallRecordByGatewayID(ctx context.Context, gatewayCallID string) (calls.CallRecord, error)
	FindCallRecordByLeg(ctx context.Context, legCallID string) (calls.CallRecord, error)
	FindCallRecordByConference(ctx context.Context, conferenceName string) (calls.CallRecord, error)
	RecordGatewayEvent(ctx context.Context, ev store.GatewayEvent) (bool, error)
}

// Queue is the queue follow-up of a call transition.
type Queue interface {
	MarkRinging(ctx context.Context, itemID string) error
	Complete(ctx context.Context, itemID, annotation string) error
	Requeue(ctx context.Context, itemID, callID string, reason calls.EndReason) (queue.RequeueOutcome, error)
}

// Dispatcher is told when a session's call reached a terminal state.
type Dispatcher interface {
	SessionIdle(ctx context.Context, sessionID string)
}

// InboundRouter owns inbound call records.
type InboundRouter interface {
	LegStatus(ctx context.Context, rec calls.CallRecord, ev telephony.CallStatusEvent) (bool, error)
	CallerStatus(ctx context.Context, rec calls.CallRecord, ev telephony.CallStatusEvent) (bool, error)
	ConferenceEvent(ctx context.Context, rec calls.CallRecord, ev telephony.ConferenceEvent) (bool, error)
}

// Result reports what one callback did.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
	ResultUnknown   Result = "unknown"
	// ResultNoop means a first delivery that found nothing to change, e.g. an
	// event older than one already applied.
	ResultNoop Result = "noop"
)

const (
	kindCallStatus = "call_status"
	kindConference = "conference"
)

type Ingestor struct {
	store      Store
	queue      Queue
	dispatcher Dispatcher
	router     InboundRouter
	feed       feed.Publisher
	metrics    *observability.Metrics
	clock      func() time.Time
}

type Deps struct {
	Store      Store
	Queue      Queue
	Dispatcher Dispatcher
	Router     InboundRouter
	Feed       feed.Publisher
	Metrics    *observability.Metrics
}

func NewIngestor(d Deps) *Ingestor {
	return &Ingestor{
		store:      d.Store,
		queue:      d.Queue,
		dispatcher: d.Dispatcher,
		router:     d.Router,
		feed:       d.Feed,
		metrics:    d.Metrics,
		clock:      time.Now,
	}
}

func (i *Ingestor) now() time.Time { return i.clock().UTC() }

// HandleCallStatus applies a call status callback for a dialer call, an
// inbound caller or a rep leg rung for an inbound call.
func (i *Ingestor) HandleCallStatus(ctx context.Context, ev telephony.CallStatusEvent) (Result, error) {
	ctx, log := logger.Enrich(ctx, "event_id", ev.EventID, "gateway_call_id", ev.GatewayCallID)

	known, applied, err := i.applyStatus(ctx, ev)
	if err != nil {
		return "", err
	}

	first, err := i.store.RecordGatewayEvent(ctx, store.GatewayEvent{
		ID:            ev.EventID,
		Kind:          kindCallStatus,
		GatewayCallID: ev.GatewayCallID,
		Payload:       ev.Raw,
		ReceivedAt:    i.now(),
	})
	if err != nil {
		return "", fmt.Errorf("ingest: record event: %w", err)
	}

	res := classify(applied, first, known, ev.Status.Class() == telephony.ClassIgnored)
	i.metrics.GatewayEvent(kindCallStatus, string(res))
	switch res {
	case ResultDuplicate:
		log.Info("duplicate call status ignored", "status", ev.Status)
	case ResultUnknown:
		log.Warn("call status for unknown call", "status", ev.Status)
	default:
		log.Debug("call status handled", "status", ev.Status, "result", res)
	}
	return res, nil
}

func (i *Ingestor) applyStatus(ctx context.Context, ev telephony.CallStatusEvent) (known, applied bool, err error) {
	if ev.Status.Class() == telephony.ClassIgnored {
		return true, false, nil
	}
	call, ok, err := i.findCall(ctx, ev)
	if err != nil {
		return false, false, err
	}
	if !ok {
		return i.applyInbound(ctx, ev)
	}
	applied, err = i.applyCall(ctx, call, ev)
	return true, applied, err
}

func classify(applied, first, known, ignored bool) Result {
	switch {
	case applied:
		return ResultApplied
	case !first:
		return ResultDuplicate
	case ignored:
		return ResultIgnored
	case !known:
		return ResultUnknown
	default:
		return ResultNoop
	}
}

// findCall resolves the dialer call of ev. The active call id rides on the
// callback URL, so it works even before the gateway id was stored.
func (i *Ingestor) findCall(ctx context.Context, ev telephony.CallStatusEvent) (calls.ActiveCall, bool, error) {
	if ev.ActiveCallID != "" {
		call, err := i.store.GetActiveCall(ctx, ev.ActiveCallID)
		if err == nil {
			return call, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return calls.ActiveCall{}, false, err
		}
	}
	call, err := i.store.FindActiveCallByGatewayID(ctx, ev.GatewayCallID)
	if errors.Is(err, store.ErrNotFound) {
		return calls.ActiveCall{}, false, nil
	}
	if err != nil {
		return calls.ActiveCall{}, false, err
	}
	return call, true, nil
}

func (i *Ingestor) applyInbound(ctx context.Context, ev telephony.CallStatusEvent) (known, applied bool, err error) {
	if i.router == nil {
		return false, false, nil
	}
	rec, err := i.store.FindCallRecordByLeg(ctx, ev.GatewayCallID)
	if err == nil {
		applied, err = i.router.LegStatus(ctx, rec, ev)
		return true, applied, err
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, false, err
	}
	if ev.ConferenceName != "" {
		// A rep leg that ended before routing recorded it.
		rec, err = i.store.FindCallRecordByConference(ctx, ev.ConferenceName)
		if err == nil {
			applied, err = i.router.LegStatus(ctx, rec, ev)
			return true, applied, err
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, false, err
		}
	}
	rec, err = i.store.GetCallRecordByGatewayID(ctx, ev.GatewayCallID)
	if errors.Is(err, store.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	applied, err = i.router.CallerStatus(ctx, rec, ev)
	return true, applied, err
}

func (i *Ingestor) applyCall(ctx context.Context, call calls.ActiveCall, ev telephony.CallStatusEvent) (bool, error) {
	ctx, _ = logger.Enrich(ctx, "active_call_id", call.ID, "session_id", call.SessionID, "lead_id", call.LeadID)
	switch ev.Status.Class() {
	case telephony.ClassRinging:
		return i.ringing(ctx, call, ev)
	case telephony.ClassAnswered:
		return i.answered(ctx, call, ev.Sequence, ev.GatewayCallID)
	case telephony.ClassEnded:
		return i.ended(ctx, call, ev)
	default:
		return false, nil
	}
}

func gatewayID(call calls.ActiveCall, id string) *string {
	if call.GatewayCallID != "" || id == "" {
		return nil
	}
	return &id
}

func (i *Ingestor) emit(ctx context.Context, c calls.ActiveCall, at time.Time) {
	feed.Emit(ctx, i.feed, feed.KindCall, c.ID, c.OrganizationID, string(c.Status), at)
}

func (i *Ingestor) ringing(ctx context.Context, call calls.ActiveCall, ev telephony.CallStatusEvent) (bool, error) {
	ringing := calls.CallRinging
	out, applied, err := i.store.UpdateActiveCall(ctx, call.ID, []calls.CallStatus{calls.CallDialing}, store.ActiveCallPatch{
		Status:        &ringing,
		GatewayCallID: gatewayID(call, ev.GatewayCallID),
		EventSeq:      ev.Sequence,
	})
	if err != nil || !applied {
		return false, err
	}
	i.emit(ctx, out, i.now())
	if err := i.queue.MarkRinging(ctx, call.QueueItemID); err != nil {
		return true, err
	}
	return true, nil
}

func (i *Ingestor) answered(ctx context.Context, call calls.ActiveCall, seq int64, gatewayCallID string) (bool, error) {
	now := i.now()
	answered := calls.CallAnswered
	out, applied, err := i.store.UpdateActiveCall(ctx, call.ID, []calls.CallStatus{calls.CallDialing, calls.CallRinging}, store.ActiveCallPatch{
		Status:        &answered,
		AnsweredAt:    &now,
		GatewayCallID: gatewayID(call, gatewayCallID),
		EventSeq:      seq,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, i.repair(ctx, call.ID)
	}
	i.emit(ctx, out, now)
	logger.From(ctx).Info("lead answered")
	return true, i.connected(ctx, out)
}

// connected closes the queue item of an answered call and counts the connection.
func (i *Ingestor) connected(ctx context.Context, call calls.ActiveCall) error {
	if err := i.queue.Complete(ctx, call.QueueItemID, calls.AnnotationConnected); err != nil {
		return err
	}
	if err := i.store.IncrementSessionCounters(ctx, call.SessionID, 0, 1); err != nil {
		return fmt.Errorf("ingest: session counters: %w", err)
	}
	return nil
}

func endReason(s telephony.CallStatus) calls.EndReason {
	switch s {
	case telephony.StatusNoAnswer:
		return calls.EndNoAnswer
	case telephony.StatusBusy:
		return calls.EndBusy
	case telephony.StatusCanceled:
		return calls.EndCancelled
	default:
		return calls.EndFailed
	}
}

func (i *Ingestor) ended(ctx context.Context, call calls.ActiveCall, ev telephony.CallStatusEvent) (bool, error) {
	now := i.now()
	log := logger.From(ctx)

	completed := calls.CallCompleted
	reason := calls.EndCompleted
	out, applied, err := i.store.UpdateActiveCall(ctx, call.ID, []calls.CallStatus{calls.CallAnswered}, store.ActiveCallPatch{
		Status:    &completed,
		EndedAt:   &now,
		EndReason: &reason,
		EventSeq:  ev.Sequence,
	})
	if err != nil {
		return false, err
	}
	if applied {
		i.emit(ctx, out, now)
		log.Info("call completed")
		i.idle(ctx, out.SessionID)
		return true, nil
	}

	// A completed call with talk time was answered even if the answered
	// callback never arrived.
	if ev.Status == telephony.StatusCompleted && ev.DurationSeconds > 0 {
		out, applied, err = i.store.UpdateActiveCall(ctx, call.ID, []calls.CallStatus{calls.CallDialing, calls.CallRinging}, store.ActiveCallPatch{
			Status:        &completed,
			AnsweredAt:    &now,
			EndedAt:       &now,
			EndReason:     &reason,
			GatewayCallID: gatewayID(call, ev.GatewayCallID),
			EventSeq:      ev.Sequence,
		})
		if err != nil {
			return false, err
		}
		if applied {
			i.emit(ctx, out, now)
			log.Info("call completed without answered callback", "duration_seconds", ev.DurationSeconds)
			if err := i.connected(ctx, out); err != nil {
				return true, err
			}
			i.idle(ctx, out.SessionID)
			return true, nil
		}
	}

	failed := calls.CallFailed
	reason = endReason(ev.Status)
	out, applied, err = i.store.UpdateActiveCall(ctx, call.ID, []calls.CallStatus{calls.CallDialing, calls.CallRinging}, store.ActiveCallPatch{
		Status:        &failed,
		EndedAt:       &now,
		EndReason:     &reason,
		GatewayCallID: gatewayID(call, ev.GatewayCallID),
		EventSeq:      ev.Sequence,
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, i.repair(ctx, call.ID)
	}
	i.emit(ctx, out, now)
	outcome, err := i.queue.Requeue(ctx, out.QueueItemID, out.ID, reason)
	if err != nil {
		return true, err
	}
	log.Info("call failed", "reason", reason, "queue", outcome)
	i.idle(ctx, out.SessionID)
	return true, nil
}

// repair finishes the queue follow-up of a call that already reached its
// state when an earlier delivery stopped halfway. The item must still be
// held by the claim that produced this call.
func (i *Ingestor) repair(ctx context.Context, callID string) error {
	call, err := i.store.GetActiveCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status != calls.CallFailed && call.AnsweredAt == nil {
		return nil
	}
	it, err := i.store.GetQueueItem(ctx, call.QueueItemID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !it.Status.InFlight() || it.ClaimedBySessionID != call.SessionID || it.ClaimedAt == nil || it.ClaimedAt.After(call.StartedAt) {
		return nil
	}
	logger.From(ctx).Info("repairing queue follow-up", "active_call_id", call.ID, "queue_item_id", it.ID)
	if call.Status == calls.CallFailed {
		if _, err := i.queue.Requeue(ctx, it.ID, call.ID, call.EndReason); err != nil {
			return err
		}
	} else if err := i.queue.Complete(ctx, it.ID, calls.AnnotationConnected); err != nil {
		return err
	}
	if call.Status.Terminal() {
		i.idle(ctx, call.SessionID)
	}
	return nil
}

// idle hands the session back to the dispatcher when it is still running.
func (i *Ingestor) idle(ctx context.Context, sessionID string) {
	if i.dispatcher == nil {
		return
	}
	sess, err := i.store.GetSession(ctx, sessionID)
	if err != nil {
		logger.From(ctx).Warn("session lookup after call end failed", "session_id", sessionID, "err", err)
		return
	}
	if sess.Status != calls.SessionActive {
		return
	}
	i.dispatcher.SessionIdle(ctx, sessionID)
}

// HandleConferenceEvent applies a conference status callback. Inbound
// conferences go to the router; in a turbo conference a lead joining is
// proof of answer.
func (i *Ingestor) HandleConferenceEvent(ctx context.Context, ev telephony.ConferenceEvent) (Result, error) {
	ctx, log := logger.Enrich(ctx, "event_id", ev.EventID, "conference", ev.ConferenceName)

	known, applied, err := i.applyConference(ctx, ev)
	if err != nil {
		return "", err
	}
	first, err := i.store.RecordGatewayEvent(ctx, store.GatewayEvent{
		ID:            ev.EventID,
		Kind:          kindConference,
		GatewayCallID: ev.GatewayCallID,
		Payload:       ev.Raw,
		ReceivedAt:    i.now(),
	})
	if err != nil {
		return "", fmt.Errorf("ingest: record event: %w", err)
	}

	res := classify(applied, first, known, false)
	i.metrics.GatewayEvent(kindConference, string(res))
	if res == ResultDuplicate {
		log.Info("duplicate conference event ignored", "kind", ev.Kind)
	} else {
		log.Debug("conference event handled", "kind", ev.Kind, "result", res)
	}
	return res, nil
}

func (i *Ingestor) applyConference(ctx context.Context, ev telephony.ConferenceEvent) (known, applied bool, err error) {
	if i.router != nil {
		rec, err := i.store.FindCallRecordByConference(ctx, ev.ConferenceName)
		if err == nil {
			applied, err = i.router.ConferenceEvent(ctx, rec, ev)
			return true, applied, err
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, false, err
		}
	}
	if !strings.HasPrefix(ev.ConferenceName, calls.TurboConferencePrefix) {
		return false, false, nil
	}
	if ev.Kind != telephony.ParticipantJoin || ev.GatewayCallID == "" {
		return true, false, nil
	}
	call, err := i.store.FindActiveCallByGatewayID(ctx, ev.GatewayCallID)
	if errors.Is(err, store.ErrNotFound) {
		// The rep's own client leg.
		return true, false, nil
	}
	if err != nil {
		return false, false, err
	}
	if call.ConferenceName != ev.ConferenceName {
		logger.From(ctx).Warn("lead joined a foreign conference", "active_call_id", call.ID, "expected", call.ConferenceName)
		return true, false, nil
	}
	ctx, _ = logger.Enrich(ctx, "active_call_id", call.ID, "session_id", call.SessionID, "lead_id", call.LeadID)
	applied, err = i.answered(ctx, call, 0, ev.GatewayCallID)
	return true, applied, err
}
