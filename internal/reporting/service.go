package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"crm-dialer/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting. Implementations must
// filter by organization.
type Repository interface {
	ListSessions(ctx context.Context, orgID string, from, to time.Time) ([]calls.TurboSession, error)
	ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]calls.ActiveCall, error)
	CountRemoved(ctx context.Context, orgID string, from, to time.Time) (int, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// DialerSummary aggregates sessions and outbound calls started in the range.
func (s *Service) DialerSummary(ctx context.Context, req DialerSummaryRequest) (DialerSummary, error) {
	if req.OrganizationID == "" {
		return DialerSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return DialerSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return DialerSummary{}, errors.New("reporting: repository not configured")
	}

	sessions, err := s.repo.ListSessions(ctx, req.OrganizationID, req.Range.From, req.Range.To)
	if err != nil {
		return DialerSummary{}, fmt.Errorf("reporting: sessions: %w", err)
	}
	rows, err := s.repo.ListCalls(ctx, req.OrganizationID, req.Range.From, req.Range.To)
	if err != nil {
		return DialerSummary{}, fmt.Errorf("reporting: calls: %w", err)
	}

	out := DialerSummary{
		OrganizationID:   req.OrganizationID,
		Range:            req.Range,
		FailuresByReason: map[calls.EndReason]int{},
	}
	reps := map[string]*RepSummary{}
	rep := func(id string) *RepSummary {
		r, ok := reps[id]
		if !ok {
			r = &RepSummary{RepID: id}
			reps[id] = r
		}
		return r
	}

	for _, sess := range sessions {
		if req.RepID != "" && sess.RepID != req.RepID {
			continue
		}
		out.Sessions++
		if sess.Status == calls.SessionActive {
			out.ActiveSessions++
		}
		rep(sess.RepID).Sessions++
	}

	connectedTalk := 0
	for _, c := range rows {
		if req.RepID != "" && c.AssignedTo != req.RepID {
			continue
		}
		out.CallsMade++
		r := rep(c.AssignedTo)
		r.CallsMade++

		if c.AnsweredAt != nil {
			out.CallsConnected++
			r.CallsConnected++
			if c.EndedAt != nil {
				out.TalkSeconds += int(c.EndedAt.Sub(*c.AnsweredAt) / time.Second)
				connectedTalk++
			}
		}
		switch {
		case c.Status == calls.CallFailed:
			out.CallsFailed++
			out.FailuresByReason[c.EndReason]++
		case c.EndReason == calls.EndCancelled:
			out.CallsCancelled++
		case !c.Status.Terminal():
			out.CallsInFlight++
		}
	}

	// Removal is a queue fact, not a per-rep one.
	if req.RepID == "" {
		out.LeadsRemoved, err = s.repo.CountRemoved(ctx, req.OrganizationID, req.Range.From, req.Range.To)
		if err != nil {
			return DialerSummary{}, fmt.Errorf("reporting: removed leads: %w", err)
		}
	}

	if out.CallsMade > 0 {
		out.ConnectionRate = float64(out.CallsConnected) / float64(out.CallsMade)
	}
	if connectedTalk > 0 {
		out.AverageTalkSeconds = out.TalkSeconds / connectedTalk
	}

	out.Reps = make([]RepSummary, 0, len(reps))
	for _, r := range reps {
		if r.CallsMade > 0 {
			r.ConnectionRate = float64(r.CallsConnected) / float64(r.CallsMade)
		}
		out.Reps = append(out.Reps, *r)
	}
	sort.Slice(out.Reps, func(i, j int) bool { return out.Reps[i].RepID < out.Reps[j].RepID })
	return out, nil
}
