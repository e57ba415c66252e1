package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crm-dialer/internal/calls"
	"crm-dialer/internal/config"
	"crm-dialer/internal/feed"
	"crm-dialer/internal/observability"
	"crm-dialer/internal/queue"
	"crm-dialer/internal/store"
	"crm-dialer/internal/telephony"
	"crm-dialer/pkg/logger"
)

// SweepStore is the persistence the reconciler reads.
type SweepStore interface {
	ListActiveSessions(ctx context.Context) ([]calls.TurboSession, error)
	ListStaleCalls(ctx context.Context, statuses []calls.CallStatus, cutoff time.Time) ([]calls.ActiveCall, error)
	ListOrphanedSessionCalls(ctx context.Context) ([]calls.ActiveCall, error)
	UpdateActiveCall(ctx context.Context, id string, from []calls.CallStatus, patch store.ActiveCallPatch) (calls.ActiveCall, bool, error)
}

// SessionCleaner cancels the leftover calls of a session.
type SessionCleaner interface {
	CancelCalls(ctx context.Context, sessionID string) (int, error)
}

type Requeuer interface {
	Requeue(ctx context.Context, itemID, callID string, reason calls.EndReason) (queue.RequeueOutcome, error)
}

// Reconciler repairs what missed callbacks and partial cleanups leave behind.
type Reconciler struct {
	store      SweepStore
	sessions   SessionCleaner
	queue      Requeuer
	dispatcher *Dispatcher
	gateway    telephony.Gateway
	feed       feed.Publisher
	metrics    *observability.Metrics
	cfg        config.DialerConfig
	clock      func() time.Time
}

func NewReconciler(st SweepStore, sessions SessionCleaner, q Requeuer, dispatcher *Dispatcher, gateway telephony.Gateway, pub feed.Publisher, metrics *observability.Metrics, cfg config.DialerConfig) *Reconciler {
	return &Reconciler{
		store:      st,
		sessions:   sessions,
		queue:      q,
		dispatcher: dispatcher,
		gateway:    gateway,
		feed:       pub,
		metrics:    metrics,
		cfg:        cfg.WithDefaults(),
		clock:      time.Now,
	}
}

type SweepReport struct {
	Cancelled      int `json:"cancelled"`
	Orphaned       int `json:"orphaned"`
	ActiveSessions int `json:"active_sessions"`
	Dispatched     int `json:"dispatched"`
}

var stale = []calls.CallStatus{calls.CallDialing, calls.CallRinging}

// Sweep runs one reconciliation pass:
//  1. calls left ringing on ended sessions are cancelled and their leads released;
//  2. calls stuck in dialing/ringing past the orphan timeout fail and are retried;
//  3. every active session is offered its next call.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	log := logger.From(ctx)
	var (
		rep  SweepReport
		errs []error
	)

	leftovers, err := r.store.ListOrphanedSessionCalls(ctx)
	if err != nil {
		return rep, fmt.Errorf("sweep: ended session calls: %w", err)
	}
	seen := map[string]bool{}
	for _, c := range leftovers {
		if seen[c.SessionID] {
			continue
		}
		seen[c.SessionID] = true
		n, err := r.sessions.CancelCalls(ctx, c.SessionID)
		rep.Cancelled += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	now := r.clock().UTC()
	orphans, err := r.store.ListStaleCalls(ctx, stale, now.Add(-r.cfg.OrphanTimeout))
	if err != nil {
		return rep, fmt.Errorf("sweep: stale calls: %w", err)
	}
	for _, c := range orphans {
		reaped, err := r.reap(ctx, c, now)
		if err != nil {
			errs = append(errs, err)
		}
		if reaped {
			rep.Orphaned++
		}
	}

	active, err := r.store.ListActiveSessions(ctx)
	if err != nil {
		return rep, fmt.Errorf("sweep: active sessions: %w", err)
	}
	rep.ActiveSessions = len(active)
	r.metrics.SetActiveSessions(len(active))
	if r.dispatcher != nil {
		for _, s := range active {
			out, err := r.dispatcher.Dispatch(ctx, s.ID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if out == OutcomeDialing {
				rep.Dispatched++
			}
		}
	}

	log.Info("sweep finished", "cancelled", rep.Cancelled, "orphaned", rep.Orphaned, "active_sessions", rep.ActiveSessions, "dispatched", rep.Dispatched)
	return rep, errors.Join(errs...)
}

func (r *Reconciler) reap(ctx context.Context, c calls.ActiveCall, now time.Time) (bool, error) {
	log := logger.From(ctx).With("active_call_id", c.ID, "lead_id", c.LeadID, "status", c.Status)
	failed := calls.CallFailed
	reason := calls.EndOrphaned
	out, applied, err := r.store.UpdateActiveCall(ctx, c.ID, stale, store.ActiveCallPatch{
		Status:    &failed,
		EndedAt:   &now,
		EndReason: &reason,
	})
	if err != nil {
		return false, fmt.Errorf("sweep: reap %s: %w", c.ID, err)
	}
	if !applied {
		return false, nil
	}
	r.metrics.OrphanReaped()
	log.Warn("orphaned call reaped", "started_at", c.StartedAt)
	feed.Emit(ctx, r.feed, feed.KindCall, out.ID, out.OrganizationID, string(out.Status), now)

	if c.GatewayCallID != "" && r.gateway != nil {
		if err := r.gateway.CancelCall(ctx, c.GatewayCallID); err != nil {
			log.Debug("gateway cancel of orphan failed", "err", err)
		}
	}
	if c.QueueItemID != "" {
		if _, err := r.queue.Requeue(ctx, c.QueueItemID, c.ID, calls.EndOrphaned); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Run sweeps every SweepInterval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil {
				logger.From(ctx).Error("sweep failed", "err", err)
			}
		}
	}
}
