package audit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events. Append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal audit information. Callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.OrganizationID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.Metadata == "" {
		e.Metadata = "{}"
	}
	return s.repo.Append(ctx, e)
}

// Actor identifies who triggered an audited action.
type Actor struct {
	RepID string
	Role  string
	IP    string
}

// LogSessionTerminated records an administrative stop of another rep's session.
func (s *Service) LogSessionTerminated(ctx context.Context, orgID, sessionID string, actor Actor, reason string) error {
	return s.Append(ctx, Event{
		OrganizationID: orgID,
		Type:           EventSessionTerminated,
		ActorRepID:     actor.RepID,
		ActorRole:      actor.Role,
		IPAddress:      actor.IP,
		SessionID:      sessionID,
		Message:        reason,
	})
}

// LogLeadKilled records the admin kill switch for a lead.
func (s *Service) LogLeadKilled(ctx context.Context, orgID, leadID string, actor Actor, outcome string) error {
	return s.Append(ctx, Event{
		OrganizationID: orgID,
		Type:           EventLeadKilled,
		ActorRepID:     actor.RepID,
		ActorRole:      actor.Role,
		IPAddress:      actor.IP,
		LeadID:         leadID,
		Message:        outcome,
	})
}

// LogLeadExhausted records a lead removed after its last failed dial.
func (s *Service) LogLeadExhausted(ctx context.Context, orgID, leadID, callID string, attempts int) error {
	return s.Append(ctx, Event{
		OrganizationID: orgID,
		Type:           EventLeadExhausted,
		LeadID:         leadID,
		CallID:         callID,
		Message:        "retry limit reached",
		Metadata:       `{"attempts":` + strconv.Itoa(attempts) + `}`,
	})
}

// LogTurboFallback records an inbound call that skipped a rep in turbo mode.
func (s *Service) LogTurboFallback(ctx context.Context, orgID, repID, gatewayCallID string) error {
	return s.Append(ctx, Event{
		OrganizationID: orgID,
		Type:           EventTurboProtectedFallback,
		ActorRepID:     repID,
		CallID:         gatewayCallID,
		Message:        "extension owner in turbo session; routed to ring_all",
	})
}
