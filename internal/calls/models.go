package calls

import "time"

// SessionStatus is the lifecycle state of a rep's turbo session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Conference name prefixes. Names are the prefix plus a uuid and are never reused.
const (
	TurboConferencePrefix   = "turbo-"
	InboundConferencePrefix = "inbound-"
)

// TurboSession is a rep's standing outbound dialing window, tied to one
// conference bridge for its whole life.
type TurboSession struct {
	ID             string
	RepID          string
	OrganizationID string
	Status         SessionStatus
	ConferenceName string
	StartedAt      time.Time
	EndedAt        *time.Time
	CallsMade      int
	CallsConnected int
}

type QueueStatus string

const (
	QueueQueued    QueueStatus = "queued"
	QueueDialing   QueueStatus = "dialing"
	QueueRinging   QueueStatus = "ringing"
	QueueCompleted QueueStatus = "completed"
	QueueRemoved   QueueStatus = "removed"
)

// Terminal reports whether no further transitions are allowed.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueRemoved
}

// InFlight reports whether the item is owned by a session.
func (s QueueStatus) InFlight() bool {
	return s == QueueDialing || s == QueueRinging
}

// QueueItem is a lead waiting for (or in the middle of) an outbound attempt.
type QueueItem struct {
	ID                 string
	Seq                int64 // insertion order; FIFO tie breaker
	LeadID             string
	OrganizationID     string
	Status             QueueStatus
	ClaimedBySessionID string
	EnqueuedAt         time.Time
	ClaimedAt          *time.Time
	Attempts           int
	FailureReason      string
	CancelRequested    bool
	Annotation         string
	UpdatedAt          time.Time
}

const (
	AnnotationCancelled = "cancelled"
	AnnotationConnected = "connected"

	ReasonCouldNotReach = "could not reach"
)

type CallStatus string

const (
	CallDialing   CallStatus = "dialing"
	CallRinging   CallStatus = "ringing"
	CallAnswered  CallStatus = "answered"
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
)

func (s CallStatus) Terminal() bool {
	return s == CallCompleted || s == CallFailed
}

// InFlightCallStatuses are the statuses that hold the per-lead and per-session slot.
var InFlightCallStatuses = []CallStatus{CallDialing, CallRinging, CallAnswered}

// ValidCallTransitions lists the allowed ActiveCall moves.
var ValidCallTransitions = map[CallStatus][]CallStatus{
	CallDialing:   {CallRinging, CallAnswered, CallCompleted, CallFailed},
	CallRinging:   {CallAnswered, CallCompleted, CallFailed},
	CallAnswered:  {CallCompleted},
	CallCompleted: {},
	CallFailed:    {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to CallStatus) bool {
	for _, s := range ValidCallTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// EndReason explains how an ActiveCall reached its terminal state.
type EndReason string

const (
	EndCompleted EndReason = "completed"
	EndNoAnswer  EndReason = "no_answer"
	EndBusy      EndReason = "busy"
	EndFailed    EndReason = "failed"
	EndRejected  EndReason = "rejected"
	EndCancelled EndReason = "cancelled"
	EndOrphaned  EndReason = "orphaned"
)

// ActiveCall bridges one lead to one rep's session conference.
type ActiveCall struct {
	ID             string
	OrganizationID string
	LeadID         string
	QueueItemID    string
	AssignedTo     string // rep id
	SessionID      string
	ConferenceName string
	Status         CallStatus
	StartedAt      time.Time
	AnsweredAt     *time.Time
	EndedAt        *time.Time
	GatewayCallID  string
	EndReason      EndReason
	LastEventSeq   int64
}

// InboundState is the routing state of an inbound call record.
type InboundState string

const (
	InboundReceived          InboundState = "received"
	InboundExtensionLookup   InboundState = "extension_lookup"
	InboundDirectRing        InboundState = "direct_ring"
	InboundRingAll           InboundState = "ring_all"
	InboundVoicemail         InboundState = "voicemail"
	InboundBridged           InboundState = "bridged"
	InboundVoicemailRecorded InboundState = "voicemail_recorded"
	InboundCompleted         InboundState = "completed"
	InboundAbandoned         InboundState = "abandoned"
)

func (s InboundState) Terminal() bool {
	switch s {
	case InboundVoicemailRecorded, InboundCompleted, InboundAbandoned:
		return true
	default:
		return false
	}
}

// Ringing reports whether rep legs may still be ringing.
func (s InboundState) Ringing() bool {
	return s == InboundDirectRing || s == InboundRingAll
}

// CallRecord is the history row of an inbound call.
type CallRecord struct {
	ID              string
	OrganizationID  string
	GatewayCallID   string
	From            string
	To              string
	State           InboundState
	ConferenceName  string
	TargetRepID     string
	AnsweredByRepID string
	// RingingLegs maps rep leg gateway call ids to rep ids.
	RingingLegs map[string]string
	// EndedLegs lists rep legs that ended; they are never added back.
	EndedLegs     []string
	VoicemailURL  string
	Transcription string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Presence string

const (
	PresenceAvailable Presence = "available"
	PresenceOffline   Presence = "offline"
)

// Rep is a sales representative who can dial out or take inbound calls.
type Rep struct {
	ID             string
	OrganizationID string
	DisplayName    string
	Extension      string
	ClientIdentity string
	Presence       Presence
}

// Lead is read-only here; the CRM owns it.
type Lead struct {
	ID             string
	OrganizationID string
	Name           string
	Phone          string
}
