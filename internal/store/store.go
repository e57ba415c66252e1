// Package store is the single source of truth for the dialer. Every
// cross-request coordination goes through its conditional writes.
package store

import (
	"context"
	"errors"
	"time"

	"crm-dialer/internal/calls"
)

var (
	ErrNotFound    = errors.New("store: not found")
	ErrConflict    = errors.New("store: conflict")
	ErrUnavailable = errors.New("store: unavailable")
)

// Directory resolves the CRM-owned reference data the dialer reads.
type Directory interface {
	GetRep(ctx context.Context, orgID, repID string) (calls.Rep, error)
	FindRepByExtension(ctx context.Context, orgID, extension string) (calls.Rep, error)
	// ListRingableReps returns reps that are available and not in an active turbo session.
	ListRingableReps(ctx context.Context, orgID string) ([]calls.Rep, error)
	SetRepPresence(ctx context.Context, orgID, repID string, p calls.Presence) error
	ResolveOrganizationByNumber(ctx context.Context, number string) (string, error)
	OrganizationCallerID(ctx context.Context, orgID string) (string, error)
	GetLead(ctx context.Context, orgID, leadID string) (calls.Lead, error)
	// FilterLeads returns the subset of leadIDs owned by orgID, in input order.
	FilterLeads(ctx context.Context, orgID string, leadIDs []string) ([]string, error)
}

// Sessions persists turbo sessions.
type Sessions interface {
	// CreateSession inserts s unless the rep already has an active session, in
	// which case that session is returned with created=false. A conference
	// name collision yields ErrConflict.
	CreateSession(ctx context.Context, s calls.TurboSession) (out calls.TurboSession, created bool, err error)
	GetSession(ctx context.Context, id string) (calls.TurboSession, error)
	GetActiveSession(ctx context.Context, orgID, repID string) (calls.TurboSession, error)
	// EndSession moves the session from active to ended. ended=false means it was already ended.
	EndSession(ctx context.Context, id string, at time.Time) (out calls.TurboSession, ended bool, err error)
	ListActiveSessions(ctx context.Context) ([]calls.TurboSession, error)
	ListSessions(ctx context.Context, orgID string, from, to time.Time) ([]calls.TurboSession, error)
	IncrementSessionCounters(ctx context.Context, id string, made, connected int) error
}

// QueueItemPatch is applied by UpdateQueueItem. Nil fields are left alone.
type QueueItemPatch struct {
	Status          *calls.QueueStatus
	ClearClaim      bool
	EnqueuedAt      *time.Time
	AttemptsDelta   int
	FailureReason   *string
	CancelRequested *bool
	Annotation      *string
	At              time.Time
}

// Queue persists queue items.
type Queue interface {
	// InsertQueueItems adds queued items for leads that have no open item and
	// returns only the items it created.
	InsertQueueItems(ctx context.Context, orgID string, leadIDs []string, at time.Time) ([]calls.QueueItem, error)
	// ListQueuedCandidates returns up to limit queued items in FIFO order.
	ListQueuedCandidates(ctx context.Context, orgID string, limit int) ([]calls.QueueItem, error)
	// ClaimQueueItem moves the item from queued to dialing for sessionID.
	// claimed=false means another caller got there first.
	ClaimQueueItem(ctx context.Context, itemID, sessionID string, at time.Time) (claimed bool, err error)
	// UpdateQueueItem applies patch only while the item is in one of from.
	UpdateQueueItem(ctx context.Context, id string, from []calls.QueueStatus, patch QueueItemPatch) (out calls.QueueItem, applied bool, err error)
	GetQueueItem(ctx context.Context, id string) (calls.QueueItem, error)
	FindOpenQueueItem(ctx context.Context, orgID, leadID string) (calls.QueueItem, error)
	ListQueueItems(ctx context.Context, orgID string, statuses []calls.QueueStatus) ([]calls.QueueItem, error)
	CountRemoved(ctx context.Context, orgID string, from, to time.Time) (int, error)
}

// ActiveCallPatch is applied by UpdateActiveCall. Nil fields are left alone.
// A positive EventSeq is only applied when greater than the stored one.
type ActiveCallPatch struct {
	Status        *calls.CallStatus
	GatewayCallID *string
	AnsweredAt    *time.Time
	EndedAt       *time.Time
	EndReason     *calls.EndReason
	EventSeq      int64
}

// ActiveCalls persists outbound call attempts.
type ActiveCalls interface {
	// CreateActiveCall fails with ErrConflict when the lead or the session
	// already has an in-flight call.
	CreateActiveCall(ctx context.Context, c calls.ActiveCall) (calls.ActiveCall, error)
	GetActiveCall(ctx context.Context, id string) (calls.ActiveCall, error)
	FindActiveCallByGatewayID(ctx context.Context, gatewayCallID string) (calls.ActiveCall, error)
	UpdateActiveCall(ctx context.Context, id string, from []calls.CallStatus, patch ActiveCallPatch) (out calls.ActiveCall, applied bool, err error)
	ListSessionCalls(ctx context.Context, sessionID string, statuses []calls.CallStatus) ([]calls.ActiveCall, error)
	// ListStaleCalls returns calls in statuses that started before cutoff.
	ListStaleCalls(ctx context.Context, statuses []calls.CallStatus, cutoff time.Time) ([]calls.ActiveCall, error)
	// ListOrphanedSessionCalls returns non-answered in-flight calls whose session has ended.
	ListOrphanedSessionCalls(ctx context.Context) ([]calls.ActiveCall, error)
	ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]calls.ActiveCall, error)
}

// CallRecordPatch is applied by UpdateCallRecord. Nil fields are left alone.
type CallRecordPatch struct {
	State           *calls.InboundState
	ConferenceName  *string
	TargetRepID     *string
	AnsweredByRepID *string
	// AddLegs skips legs already ended.
	AddLegs map[string]string
	// RemoveLegs drops legs from RingingLegs and records them as ended.
	RemoveLegs    []string
	ClearLegs     bool
	VoicemailURL  *string
	Transcription *string
	At            time.Time
}

// Inbound persists inbound call records.
type Inbound interface {
	// CreateCallRecord is idempotent on GatewayCallID; created=false returns the existing row.
	CreateCallRecord(ctx context.Context, r calls.CallRecord) (out calls.CallRecord, created bool, err error)
	GetCallRecordByGatewayID(ctx context.Context, gatewayCallID string) (calls.CallRecord, error)
	FindCallRecordByConference(ctx context.Context, conferenceName string) (calls.CallRecord, error)
	FindCallRecordByLeg(ctx context.Context, legCallID string) (calls.CallRecord, error)
	UpdateCallRecord(ctx context.Context, id string, from []calls.InboundState, patch CallRecordPatch) (out calls.CallRecord, applied bool, err error)
}

// GatewayEvent is one raw gateway callback.
type GatewayEvent struct {
	ID            string
	Kind          string
	GatewayCallID string
	Payload       string
	ReceivedAt    time.Time
}

// EventLog is the append-only record of gateway callbacks.
type EventLog interface {
	// RecordGatewayEvent returns first=false when the event id was seen before.
	RecordGatewayEvent(ctx context.Context, ev GatewayEvent) (first bool, err error)
}

// Store is everything the dialer persists.
type Store interface {
	Directory
	Sessions
	Queue
	ActiveCalls
	Inbound
	EventLog
	Ping(ctx context.Context) error
}

func containsQueueStatus(set []calls.QueueStatus, s calls.QueueStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsCallStatus(set []calls.CallStatus, s calls.CallStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsInboundState(set []calls.InboundState, s calls.InboundState) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// OpenQueueStatuses hold the one-open-item-per-lead slot.
var OpenQueueStatuses = []calls.QueueStatus{calls.QueueQueued, calls.QueueDialing, calls.QueueRinging}
