package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Events are never updated or deleted. organization_id is required for
// tenancy isolation. Actor and ip capture are best-effort.
type Event struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`

	Type EventType `json:"type" db:"type"`

	// ActorRepID is empty for system actors such as the reconciler.
	ActorRepID string `json:"actor_rep_id,omitempty" db:"actor_rep_id"`
	ActorRole  string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress  string `json:"ip_address,omitempty" db:"ip_address"`

	SessionID string `json:"session_id,omitempty" db:"session_id"`
	LeadID    string `json:"lead_id,omitempty" db:"lead_id"`
	CallID    string `json:"call_id,omitempty" db:"call_id"`

	Message  string `json:"message,omitempty" db:"message"`
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventSessionTerminated      EventType = "session_terminated"
	EventLeadKilled             EventType = "lead_killed"
	EventLeadExhausted          EventType = "lead_exhausted"
	EventTurboProtectedFallback EventType = "turbo_protected_fallback"
)
