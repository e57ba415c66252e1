// Package session owns TurboSession: a rep's outbound dialing window and the
// conference bridge dedicated to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crm-dialer/internal/audit"
	"crm-dialer/internal/calls"
	"crm-dialer/internal/feed"
	"crm-dialer/internal/observability"
	"crm-dialer/internal/store"
	"crm-dialer/internal/telephony"
	"crm-dialer/pkg/logger"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

var ErrUnauthorized = errors.New("session: rep not in organization")

// Store is the persistence the session manager needs.
type Store interface {
	GetRep(ctx context.Context, orgID, repID string) (calls.Rep, error)
	store.Sessions
	ListSessionCalls(ctx context.Context, sessionID string, statuses []calls.CallStatus) ([]calls.ActiveCall, error)
	UpdateActiveCall(ctx context.Context, id string, from []calls.CallStatus, patch store.ActiveCallPatch) (calls.ActiveCall, bool, error)
}

// Releaser hands a claimed queue item back to the queue.
type Releaser interface {
	Release(ctx context.Context, itemID string) error
}

// Dispatcher is told when a session has room for its next call.
type Dispatcher interface {
	SessionIdle(ctx context.Context, sessionID string)
}

type Manager struct {
	store      Store
	queue      Releaser
	gateway    telephony.Gateway
	callbacks  telephony.Callbacks
	dispatcher Dispatcher
	audit      *audit.Service
	feed       feed.Publisher
	metrics    *observability.Metrics
	clock      func() time.Time
	retryWait  time.Duration
}

type Deps struct {
	Store     Store
	Queue     Releaser
	Gateway   telephony.Gateway
	Callbacks telephony.Callbacks
	Audit     *audit.Service
	Feed      feed.Publisher
	Metrics   *observability.Metrics
}

func NewManager(d Deps) *Manager {
	return &Manager{
		store:     d.Store,
		queue:     d.Queue,
		gateway:   d.Gateway,
		callbacks: d.Callbacks,
		audit:     d.Audit,
		feed:      d.Feed,
		metrics:   d.Metrics,
		clock:     time.Now,
		retryWait: 20 * time.Millisecond,
	}
}

// SetDispatcher completes the wiring; the dispatcher itself depends on sessions.
func (m *Manager) SetDispatcher(d Dispatcher) { m.dispatcher = d }

func (m *Manager) now() time.Time { return m.clock().UTC() }

// JoinTarget is what the rep's client needs to bridge into its conference.
type JoinTarget struct {
	URL      string `json:"url"`
	Token    string `json:"token,omitempty"`
	Identity string `json:"identity"`
}

type StartResult struct {
	Session calls.TurboSession
	Created bool
	Join    JoinTarget
}

// StartSession returns the rep's active session, creating it when there is none.
func (m *Manager) StartSession(ctx context.Context, orgID, repID string) (StartResult, error) {
	rep, err := m.store.GetRep(ctx, orgID, repID)
	if errors.Is(err, store.ErrNotFound) {
		return StartResult{}, ErrUnauthorized
	}
	if err != nil {
		return StartResult{}, fmt.Errorf("session: rep lookup: %w", err)
	}

	ctx, log := logger.Enrich(ctx, "rep_id", repID, "organization_id", orgID)

	sess, err := m.store.GetActiveSession(ctx, orgID, repID)
	created := false
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		sess, created, err = m.create(ctx, orgID, repID)
		if err != nil {
			return StartResult{}, err
		}
	default:
		return StartResult{}, fmt.Errorf("session: active lookup: %w", err)
	}

	res := StartResult{Session: sess, Created: created, Join: m.joinTarget(ctx, rep, sess)}
	if created {
		log.Info("turbo session started", "session_id", sess.ID, "conference", sess.ConferenceName)
		feed.Emit(ctx, m.feed, feed.KindSession, sess.ID, orgID, string(sess.Status), sess.StartedAt)
		if m.dispatcher != nil {
			m.dispatcher.SessionIdle(ctx, sess.ID)
		}
	}
	return res, nil
}

// create inserts a session under a fresh conference name, retrying the rare
// name collision with a new name.
func (m *Manager) create(ctx context.Context, orgID, repID string) (calls.TurboSession, bool, error) {
	var (
		out     calls.TurboSession
		created bool
	)
	backoff := retry.WithMaxRetries(3, retry.NewConstant(m.retryWait))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		out, created, err = m.store.CreateSession(ctx, calls.TurboSession{
			ID:             uuid.NewString(),
			RepID:          repID,
			OrganizationID: orgID,
			Status:         calls.SessionActive,
			ConferenceName: calls.TurboConferencePrefix + uuid.NewString(),
			StartedAt:      m.now(),
		})
		if errors.Is(err, store.ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return calls.TurboSession{}, false, fmt.Errorf("session: create: %w", err)
	}
	return out, created, nil
}

func (m *Manager) joinTarget(ctx context.Context, rep calls.Rep, sess calls.TurboSession) JoinTarget {
	identity := rep.ClientIdentity
	if identity == "" {
		identity = rep.ID
	}
	jt := JoinTarget{URL: m.callbacks.Join(sess.ID), Identity: identity}
	if m.gateway == nil {
		return jt
	}
	tok, err := m.gateway.JoinToken(ctx, telephony.JoinTokenRequest{
		Identity:       identity,
		SessionID:      sess.ID,
		ConferenceName: sess.ConferenceName,
	})
	if err != nil {
		logger.From(ctx).Warn("join token failed", "session_id", sess.ID, "err", err)
		return jt
	}
	jt.Token = tok
	return jt
}

// Stats summarizes a session at stop time.
type Stats struct {
	SessionID      string        `json:"session_id,omitempty"`
	CallsMade      int           `json:"calls_made"`
	CallsConnected int           `json:"calls_connected"`
	Cancelled      int           `json:"cancelled"`
	Duration       time.Duration `json:"-"`
}

// StopSession ends the rep's active session and cancels its calls that have
// not been answered. Stopping without an active session succeeds.
func (m *Manager) StopSession(ctx context.Context, orgID, repID string) (Stats, error) {
	if _, err := m.store.GetRep(ctx, orgID, repID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Stats{}, ErrUnauthorized
		}
		return Stats{}, fmt.Errorf("session: rep lookup: %w", err)
	}
	sess, err := m.store.GetActiveSession(ctx, orgID, repID)
	if errors.Is(err, store.ErrNotFound) {
		return Stats{}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("session: active lookup: %w", err)
	}

	ctx, log := logger.Enrich(ctx, "session_id", sess.ID, "rep_id", repID)

	ended, _, err := m.store.EndSession(ctx, sess.ID, m.now())
	if err != nil {
		return Stats{}, fmt.Errorf("session: end: %w", err)
	}
	feed.Emit(ctx, m.feed, feed.KindSession, ended.ID, orgID, string(ended.Status), m.now())

	cancelled, err := m.CancelCalls(ctx, ended.ID)
	if err != nil {
		// The reconciliation sweep finishes what was left.
		log.Warn("session cleanup incomplete", "err", err)
	}

	stats := Stats{
		SessionID:      ended.ID,
		CallsMade:      ended.CallsMade,
		CallsConnected: ended.CallsConnected,
		Cancelled:      cancelled,
	}
	if ended.EndedAt != nil {
		stats.Duration = ended.EndedAt.Sub(ended.StartedAt)
	}
	log.Info("turbo session stopped", "calls_made", stats.CallsMade, "calls_connected", stats.CallsConnected, "cancelled", cancelled)
	return stats, nil
}

// Terminate is the administrative stop of another rep's session.
func (m *Manager) Terminate(ctx context.Context, orgID, repID string, actor audit.Actor, reason string) (Stats, error) {
	stats, err := m.StopSession(ctx, orgID, repID)
	if err != nil {
		return Stats{}, err
	}
	if stats.SessionID != "" {
		if reason == "" {
			reason = "terminated by administrator"
		}
		if err := m.audit.LogSessionTerminated(ctx, orgID, stats.SessionID, actor, reason); err != nil {
			logger.From(ctx).Warn("audit session terminate failed", "session_id", stats.SessionID, "err", err)
		}
	}
	return stats, nil
}

var cancellable = []calls.CallStatus{calls.CallDialing, calls.CallRinging}

// CancelCalls completes the session's dialing and ringing calls as cancelled,
// hangs them up at the gateway and returns their leads to the queue. Answered
// calls are never touched.
func (m *Manager) CancelCalls(ctx context.Context, sessionID string) (int, error) {
	pending, err := m.store.ListSessionCalls(ctx, sessionID, cancellable)
	if err != nil {
		return 0, fmt.Errorf("session: list calls: %w", err)
	}
	var (
		n    int
		errs []error
	)
	for _, c := range pending {
		now := m.now()
		done := calls.CallCompleted
		reason := calls.EndCancelled
		out, applied, err := m.store.UpdateActiveCall(ctx, c.ID, cancellable, store.ActiveCallPatch{
			Status:    &done,
			EndedAt:   &now,
			EndReason: &reason,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !applied {
			continue
		}
		n++
		feed.Emit(ctx, m.feed, feed.KindCall, out.ID, out.OrganizationID, string(out.Status), now)

		if c.GatewayCallID != "" && m.gateway != nil {
			if err := m.gateway.CancelCall(ctx, c.GatewayCallID); err != nil {
				logger.From(ctx).Warn("gateway cancel failed", "active_call_id", c.ID, "gateway_call_id", c.GatewayCallID, "err", err)
			}
		}
		if c.QueueItemID != "" {
			if err := m.queue.Release(ctx, c.QueueItemID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return n, errors.Join(errs...)
}

// Active returns the rep's active session.
func (m *Manager) Active(ctx context.Context, orgID, repID string) (calls.TurboSession, error) {
	return m.store.GetActiveSession(ctx, orgID, repID)
}
