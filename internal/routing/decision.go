package routing

import "crm-dialer/internal/calls"

// Decision is the provider-agnostic output of the routing engine: who to ring
// and what the caller hears first. Executing it is the Router's job.
type Decision struct {
	Mode        calls.InboundState
	TargetRepID string
	Targets     []calls.Rep
	// Announce is played to the caller before bridging, if set.
	Announce string
	// Reason is for logs and metrics only.
	Reason string
}

const (
	ReasonExtension        = "extension"
	ReasonTurboProtected   = "turbo_protected"
	ReasonUnknownExtension = "unknown_extension"
	ReasonRepUnavailable   = "rep_unavailable"
	ReasonNoDigits         = "no_digits"
	ReasonNoReps           = "no_reps"
	ReasonNoLegs           = "no_legs"
)
