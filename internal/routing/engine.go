package routing

import (
	"context"
	"errors"
	"fmt"

	"crm-dialer/internal/calls"
	"crm-dialer/internal/store"
)

// Directory is what the engine reads to decide.
type Directory interface {
	FindRepByExtension(ctx context.Context, orgID, extension string) (calls.Rep, error)
	GetActiveSession(ctx context.Context, orgID, repID string) (calls.TurboSession, error)
	ListRingableReps(ctx context.Context, orgID string) ([]calls.Rep, error)
}

// Engine decides how an inbound call is routed. Decide has no side effects.
//
// Priority:
//  1. dialed extension of an available rep: direct_ring
//  2. extension of a rep in a turbo session: ring_all with a hold message
//  3. no or unknown extension: ring_all
//  4. nobody ringable: voicemail
type Engine struct {
	dir         Directory
	holdMessage string
}

func NewEngine(dir Directory, holdMessage string) *Engine {
	return &Engine{dir: dir, holdMessage: holdMessage}
}

type RouteInput struct {
	OrganizationID string
	Digits         string
}

func (e *Engine) Decide(ctx context.Context, in RouteInput) (Decision, error) {
	if in.OrganizationID == "" {
		return Decision{}, errors.New("routing: organization_id required")
	}

	reason := ReasonNoDigits
	announce := ""
	if in.Digits != "" {
		rep, err := e.dir.FindRepByExtension(ctx, in.OrganizationID, in.Digits)
		switch {
		case errors.Is(err, store.ErrNotFound):
			reason = ReasonUnknownExtension
		case err != nil:
			return Decision{}, fmt.Errorf("routing: extension lookup: %w", err)
		default:
			_, err := e.dir.GetActiveSession(ctx, in.OrganizationID, rep.ID)
			switch {
			case err == nil:
				// Turbo reps are protected from inbound interruption.
				reason = ReasonTurboProtected
				announce = e.holdMessage
			case !errors.Is(err, store.ErrNotFound):
				return Decision{}, fmt.Errorf("routing: session lookup: %w", err)
			case rep.Presence != calls.PresenceAvailable:
				reason = ReasonRepUnavailable
			default:
				return Decision{
					Mode:        calls.InboundDirectRing,
					TargetRepID: rep.ID,
					Targets:     []calls.Rep{rep},
					Reason:      ReasonExtension,
				}, nil
			}
			return e.ringAll(ctx, in.OrganizationID, rep.ID, reason, announce)
		}
	}
	return e.ringAll(ctx, in.OrganizationID, "", reason, announce)
}

func (e *Engine) ringAll(ctx context.Context, orgID, targetRepID, reason, announce string) (Decision, error) {
	reps, err := e.dir.ListRingableReps(ctx, orgID)
	if err != nil {
		return Decision{}, fmt.Errorf("routing: ringable reps: %w", err)
	}
	if len(reps) == 0 {
		return Decision{Mode: calls.InboundVoicemail, TargetRepID: targetRepID, Reason: ReasonNoReps}, nil
	}
	return Decision{
		Mode:        calls.InboundRingAll,
		TargetRepID: targetRepID,
		Targets:     reps,
		Announce:    announce,
		Reason:      reason,
	}, nil
}
