package telephony

import (
	"context"
	"errors"
	"time"
)

// Gateway is the provider-agnostic surface the dialer drives.
//
// Every method is fire-and-issue: it returns once the provider accepted the
// request. Outcomes arrive later through the status callbacks.
// No provider SDK calls outside gateway adapters.
type Gateway interface {
	Name() string
	HealthCheck(ctx context.Context) error

	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
	// RingClients rings each target's client into an existing or new conference.
	// Per-leg failures are reported on the returned legs, not as the error.
	RingClients(ctx context.Context, req RingRequest) ([]RingLeg, error)
	// CancelCall cancels a call that has not been answered yet.
	CancelCall(ctx context.Context, gatewayCallID string) error
	// RedirectCall makes a live call fetch new call control from url.
	RedirectCall(ctx context.Context, gatewayCallID, url string) error
	JoinToken(ctx context.Context, req JoinTokenRequest) (string, error)
}

var (
	// ErrCallRejected means the provider refused the request (bad number, account limits).
	ErrCallRejected = errors.New("telephony: call request rejected")
	// ErrGatewayUnavailable means the provider could not be reached or failed internally.
	ErrGatewayUnavailable = errors.New("telephony: gateway unavailable")
)

// PlaceCallRequest asks for one outbound call that runs OnAnswer once picked up.
type PlaceCallRequest struct {
	OrganizationID    string
	To                string
	From              string
	OnAnswer          CallControl
	StatusCallbackURL string
	RingTimeout       time.Duration
}

type PlaceCallResult struct {
	GatewayCallID string
}

// RingTarget is one rep client to ring.
type RingTarget struct {
	RepID    string
	Identity string
}

type RingRequest struct {
	ConferenceName    string
	From              string
	Targets           []RingTarget
	StatusCallbackURL string
	RingTimeout       time.Duration
}

// RingLeg reports the outcome of ringing one target.
type RingLeg struct {
	RepID         string
	GatewayCallID string
	Err           error
}

type JoinTokenRequest struct {
	Identity       string
	SessionID      string
	ConferenceName string
}

// CallControl is a provider-agnostic call-control document: an ordered list
// of verbs the provider executes on a call leg.
type CallControl struct {
	Verbs []Verb
}

// Verb is one instruction in a CallControl document.
type Verb interface {
	verb()
}

type Say struct {
	Text string
}

// GatherDigits collects DTMF and posts them to Action.
type GatherDigits struct {
	Prompt    string
	Action    string
	NumDigits int
	Timeout   time.Duration
}

// JoinConference bridges the leg into a named conference.
type JoinConference struct {
	Name              string
	StartOnEnter      bool
	EndOnExit         bool
	Beep              bool
	StatusCallbackURL string
}

// Record takes a voicemail and asks for asynchronous transcription.
type Record struct {
	Action             string
	MaxLength          time.Duration
	TranscribeCallback string
}

type Redirect struct {
	URL string
}

type Hangup struct{}

func (Say) verb()            {}
func (GatherDigits) verb()   {}
func (JoinConference) verb() {}
func (Record) verb()         {}
func (Redirect) verb()       {}
func (Hangup) verb()         {}

// Then appends verbs and returns the document for chaining.
func (c CallControl) Then(v ...Verb) CallControl {
	c.Verbs = append(c.Verbs, v...)
	return c
}

// Control builds a document from verbs.
func Control(v ...Verb) CallControl {
	return CallControl{Verbs: v}
}
