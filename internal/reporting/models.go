package reporting

import (
	"time"

	"crm-dialer/internal/calls"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// DialerSummaryRequest asks for outbound dialer activity in [From, To).
// Organization isolation: OrganizationID is required.
type DialerSummaryRequest struct {
	OrganizationID string    `json:"organization_id"`
	Range          TimeRange `json:"range"`
	// RepID narrows the summary to one rep when set.
	RepID string `json:"rep_id,omitempty"`
}

type DialerSummary struct {
	OrganizationID string    `json:"organization_id"`
	Range          TimeRange `json:"range"`

	Sessions       int `json:"sessions"`
	ActiveSessions int `json:"active_sessions"`

	CallsMade      int `json:"calls_made"`
	CallsConnected int `json:"calls_connected"`
	CallsFailed    int `json:"calls_failed"`
	CallsCancelled int `json:"calls_cancelled"`
	CallsInFlight  int `json:"calls_in_flight"`

	// FailuresByReason counts failed calls per end reason.
	FailuresByReason map[calls.EndReason]int `json:"failures_by_reason"`

	// LeadsRemoved counts leads that exhausted their dial attempts.
	LeadsRemoved int `json:"leads_removed"`

	TalkSeconds        int     `json:"talk_seconds"`
	AverageTalkSeconds int     `json:"average_talk_seconds"`
	ConnectionRate     float64 `json:"connection_rate"`

	Reps []RepSummary `json:"reps"`
}

type RepSummary struct {
	RepID          string  `json:"rep_id"`
	Sessions       int     `json:"sessions"`
	CallsMade      int     `json:"calls_made"`
	CallsConnected int     `json:"calls_connected"`
	ConnectionRate float64 `json:"connection_rate"`
}
