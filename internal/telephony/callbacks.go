package telephony

import (
	"net/url"
	"strings"
)

// Webhook paths served by the API process.
const (
	PathVoice            = "/webhooks/twilio/voice"
	PathJoin             = "/webhooks/twilio/join"
	PathCallStatus       = "/webhooks/twilio/call-status"
	PathConferenceStatus = "/webhooks/twilio/conference-status"
	PathVoicemail        = "/webhooks/twilio/voicemail"
	PathRecording        = "/webhooks/twilio/recording"
	PathTranscription    = "/webhooks/twilio/transcription"
)

// Callbacks builds absolute gateway callback URLs from the public base URL.
type Callbacks struct {
	BaseURL string
}

func (cb Callbacks) url(path string, query url.Values) string {
	u := strings.TrimRight(cb.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// InboundRoute is where digit collection posts the entered extension.
func (cb Callbacks) InboundRoute() string {
	return cb.url(PathVoice, url.Values{"stage": {"route"}})
}

// Join is the target the rep's client dials to enter its own conference.
func (cb Callbacks) Join(sessionID string) string {
	return cb.url(PathJoin, url.Values{"session_id": {sessionID}})
}

// OutboundCallStatus tags a dialer call's status callbacks with its ActiveCall
// id, so events that race the gateway id write still find their call.
func (cb Callbacks) OutboundCallStatus(activeCallID string) string {
	return cb.url(PathCallStatus, url.Values{"active_call_id": {activeCallID}})
}

// InboundLegStatus tags rep legs rung for an inbound call with their
// conference, so a leg that ends before it is recorded still finds its call.
func (cb Callbacks) InboundLegStatus(conferenceName string) string {
	return cb.url(PathCallStatus, url.Values{"conference": {conferenceName}})
}

func (cb Callbacks) ConferenceStatus() string { return cb.url(PathConferenceStatus, nil) }
func (cb Callbacks) Voicemail() string        { return cb.url(PathVoicemail, nil) }
func (cb Callbacks) Recording() string        { return cb.url(PathRecording, nil) }
func (cb Callbacks) Transcription() string    { return cb.url(PathTranscription, nil) }
