package telephony

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Twilio posts application/x-www-form-urlencoded callbacks. The parsers below
// keep only the fields the dialer reacts to and normalize them into
// provider-agnostic events. Routing and state decisions are not made here.

var ErrMissingCallSid = errors.New("telephony: CallSid is required")

// InboundRequest is one invocation of the inbound voice webhook.
type InboundRequest struct {
	OrganizationID string
	GatewayCallID  string
	From           string
	To             string
	Digits         string
	// Stage is empty on the first request and "route" after digit collection.
	Stage      string
	OccurredAt time.Time
	Raw        string
}

// CallStatus is the provider call status vocabulary.
type CallStatus string

const (
	StatusQueued     CallStatus = "queued"
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in-progress"
	StatusAnswered   CallStatus = "answered"
	StatusCompleted  CallStatus = "completed"
	StatusBusy       CallStatus = "busy"
	StatusNoAnswer   CallStatus = "no-answer"
	StatusFailed     CallStatus = "failed"
	StatusCanceled   CallStatus = "canceled"
)

// EventClass is the logical class of a call status callback.
type EventClass string

const (
	ClassIgnored  EventClass = "ignored"
	ClassRinging  EventClass = "ringing"
	ClassAnswered EventClass = "answered"
	ClassEnded    EventClass = "ended"
)

func (s CallStatus) Class() EventClass {
	switch s {
	case StatusRinging:
		return ClassRinging
	case StatusInProgress, StatusAnswered:
		return ClassAnswered
	case StatusCompleted, StatusBusy, StatusNoAnswer, StatusFailed, StatusCanceled:
		return ClassEnded
	default:
		return ClassIgnored
	}
}

// CallStatusEvent is a normalized call status callback.
type CallStatusEvent struct {
	EventID       string
	GatewayCallID string
	// ActiveCallID is set on outbound dialer calls.
	ActiveCallID string
	// ConferenceName is set on rep legs rung for an inbound call.
	ConferenceName string
	Status         CallStatus
	Sequence       int64
	// DurationSeconds is the billed duration on completed calls.
	DurationSeconds int
	OccurredAt      time.Time
	Raw             string
}

// ConferenceEventKind is the StatusCallbackEvent of a conference callback.
type ConferenceEventKind string

const (
	ConferenceStart  ConferenceEventKind = "conference-start"
	ConferenceEnd    ConferenceEventKind = "conference-end"
	ParticipantJoin  ConferenceEventKind = "participant-join"
	ParticipantLeave ConferenceEventKind = "participant-leave"
)

// ConferenceEvent is a normalized conference status callback.
type ConferenceEvent struct {
	EventID        string
	ConferenceSid  string
	ConferenceName string
	Kind           ConferenceEventKind
	// GatewayCallID is the participant leg for participant events.
	GatewayCallID string
	Sequence      int64
	OccurredAt    time.Time
	Raw           string
}

type RecordingEvent struct {
	GatewayCallID   string
	RecordingSid    string
	RecordingURL    string
	DurationSeconds int
	OccurredAt      time.Time
}

type TranscriptionEvent struct {
	GatewayCallID string
	RecordingSid  string
	Status        string
	Text          string
	OccurredAt    time.Time
}

func parseForm(r *http.Request) error {
	return r.ParseForm()
}

func rawForm(r *http.Request) string {
	flat := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			flat[k] = v[0]
		}
	}
	raw, _ := json.Marshal(flat)
	return string(raw)
}

func formInt(r *http.Request, key string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(r.PostFormValue(key)), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// formTime reads Twilio's RFC1123Z Timestamp field, falling back to now.
func formTime(r *http.Request, now time.Time) time.Time {
	if ts := strings.TrimSpace(r.PostFormValue("Timestamp")); ts != "" {
		if t, err := time.Parse(time.RFC1123Z, ts); err == nil {
			return t.UTC()
		}
	}
	return now.UTC()
}

func normalizePhone(s string) string {
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return strings.TrimSpace(s)
}

// ParseInboundCall reads the voice webhook (first request or digit collection).
func ParseInboundCall(r *http.Request, now time.Time) (InboundRequest, error) {
	if err := parseForm(r); err != nil {
		return InboundRequest{}, err
	}
	in := InboundRequest{
		GatewayCallID: r.PostFormValue("CallSid"),
		From:          normalizePhone(r.PostFormValue("From")),
		To:            normalizePhone(r.PostFormValue("To")),
		Digits:        strings.TrimSpace(r.PostFormValue("Digits")),
		Stage:         r.URL.Query().Get("stage"),
		OccurredAt:    formTime(r, now),
		Raw:           rawForm(r),
	}
	if in.GatewayCallID == "" {
		return InboundRequest{}, ErrMissingCallSid
	}
	return in, nil
}

// ParseCallStatus reads a call status callback. The event id combines the call,
// status and sequence number so redelivery of the same callback dedupes.
func ParseCallStatus(r *http.Request, now time.Time) (CallStatusEvent, error) {
	if err := parseForm(r); err != nil {
		return CallStatusEvent{}, err
	}
	ev := CallStatusEvent{
		GatewayCallID:   r.PostFormValue("CallSid"),
		ActiveCallID:    r.URL.Query().Get("active_call_id"),
		ConferenceName:  r.URL.Query().Get("conference"),
		Status:          CallStatus(strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus")))),
		Sequence:        formInt(r, "SequenceNumber"),
		DurationSeconds: int(formInt(r, "CallDuration")),
		OccurredAt:      formTime(r, now),
		Raw:             rawForm(r),
	}
	if ev.GatewayCallID == "" {
		return CallStatusEvent{}, ErrMissingCallSid
	}
	ev.EventID = ev.GatewayCallID + ":" + string(ev.Status) + ":" + strconv.FormatInt(ev.Sequence, 10)
	return ev, nil
}

// ParseConferenceEvent reads a conference status callback.
func ParseConferenceEvent(r *http.Request, now time.Time) (ConferenceEvent, error) {
	if err := parseForm(r); err != nil {
		return ConferenceEvent{}, err
	}
	ev := ConferenceEvent{
		ConferenceSid:  r.PostFormValue("ConferenceSid"),
		ConferenceName: r.PostFormValue("FriendlyName"),
		Kind:           ConferenceEventKind(r.PostFormValue("StatusCallbackEvent")),
		GatewayCallID:  r.PostFormValue("CallSid"),
		Sequence:       formInt(r, "SequenceNumber"),
		OccurredAt:     formTime(r, now),
		Raw:            rawForm(r),
	}
	if ev.ConferenceName == "" || ev.Kind == "" {
		return ConferenceEvent{}, errors.New("telephony: FriendlyName and StatusCallbackEvent are required")
	}
	ev.EventID = ev.ConferenceName + ":" + string(ev.Kind) + ":" + ev.GatewayCallID + ":" + strconv.FormatInt(ev.Sequence, 10)
	return ev, nil
}

func ParseRecording(r *http.Request, now time.Time) (RecordingEvent, error) {
	if err := parseForm(r); err != nil {
		return RecordingEvent{}, err
	}
	ev := RecordingEvent{
		GatewayCallID:   r.PostFormValue("CallSid"),
		RecordingSid:    r.PostFormValue("RecordingSid"),
		RecordingURL:    r.PostFormValue("RecordingUrl"),
		DurationSeconds: int(formInt(r, "RecordingDuration")),
		OccurredAt:      formTime(r, now),
	}
	if ev.GatewayCallID == "" {
		return RecordingEvent{}, ErrMissingCallSid
	}
	return ev, nil
}

func ParseTranscription(r *http.Request, now time.Time) (TranscriptionEvent, error) {
	if err := parseForm(r); err != nil {
		return TranscriptionEvent{}, err
	}
	ev := TranscriptionEvent{
		GatewayCallID: r.PostFormValue("CallSid"),
		RecordingSid:  r.PostFormValue("RecordingSid"),
		Status:        r.PostFormValue("TranscriptionStatus"),
		Text:          r.PostFormValue("TranscriptionText"),
		OccurredAt:    formTime(r, now),
	}
	if ev.GatewayCallID == "" {
		return TranscriptionEvent{}, ErrMissingCallSid
	}
	return ev, nil
}
