// Package queue owns QueueItem: the FIFO backlog of leads waiting for an
// outbound attempt and the atomic claim that hands one to a session.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crm-dialer/internal/audit"
	"crm-dialer/internal/calls"
	"crm-dialer/internal/config"
	"crm-dialer/internal/feed"
	"crm-dialer/internal/observability"
	"crm-dialer/internal/store"
	"crm-dialer/pkg/logger"
)

var ErrUnauthorized = errors.New("queue: lead not in organization")

// Store is the persistence the queue needs.
type Store interface {
	store.Queue
	FilterLeads(ctx context.Context, orgID string, leadIDs []string) ([]string, error)
}

type Manager struct {
	store   Store
	audit   *audit.Service
	feed    feed.Publisher
	metrics *observability.Metrics
	cfg     config.DialerConfig
	clock   func() time.Time
}

func NewManager(st Store, auditSvc *audit.Service, pub feed.Publisher, metrics *observability.Metrics, cfg config.DialerConfig) *Manager {
	return &Manager{
		store:   st,
		audit:   auditSvc,
		feed:    pub,
		metrics: metrics,
		cfg:     cfg.WithDefaults(),
		clock:   time.Now,
	}
}

func (m *Manager) now() time.Time { return m.clock().UTC() }

func (m *Manager) emit(ctx context.Context, it calls.QueueItem) {
	feed.Emit(ctx, m.feed, feed.KindQueueItem, it.ID, it.OrganizationID, string(it.Status), it.UpdatedAt)
}

// Enqueue adds queued items for leads without an open item and returns how
// many were created. Every lead must belong to orgID.
func (m *Manager) Enqueue(ctx context.Context, orgID string, leadIDs []string) (int, error) {
	if orgID == "" {
		return 0, ErrUnauthorized
	}
	seen := make(map[string]bool, len(leadIDs))
	unique := make([]string, 0, len(leadIDs))
	for _, id := range leadIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	if len(unique) == 0 {
		return 0, nil
	}

	owned, err := m.store.FilterLeads(ctx, orgID, unique)
	if err != nil {
		return 0, fmt.Errorf("queue: filter leads: %w", err)
	}
	if len(owned) != len(unique) {
		return 0, ErrUnauthorized
	}

	created, err := m.store.InsertQueueItems(ctx, orgID, unique, m.now())
	if err != nil {
		return 0, fmt.Errorf("queue: insert: %w", err)
	}
	for _, it := range created {
		m.emit(ctx, it)
	}
	logger.From(ctx).Info("leads enqueued", "organization_id", orgID, "requested", len(unique), "created", len(created))
	return len(created), nil
}

// Dequeue removes the lead's queued item. A claimed or missing item is left
// alone and the call still succeeds.
func (m *Manager) Dequeue(ctx context.Context, orgID, leadID string) error {
	it, err := m.store.FindOpenQueueItem(ctx, orgID, leadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: find: %w", err)
	}
	removed := calls.QueueRemoved
	out, applied, err := m.store.UpdateQueueItem(ctx, it.ID, []calls.QueueStatus{calls.QueueQueued}, store.QueueItemPatch{
		Status: &removed,
		At:     m.now(),
	})
	if err != nil {
		return fmt.Errorf("queue: dequeue: %w", err)
	}
	if applied {
		m.emit(ctx, out)
	} else {
		logger.From(ctx).Debug("dequeue skipped in-flight item", "queue_item_id", it.ID, "status", out.Status)
	}
	return nil
}

// ClaimNext moves the oldest queued item of orgID to dialing for sessionID.
// Losing a race moves on to the next candidate; ok=false means the queue is empty.
func (m *Manager) ClaimNext(ctx context.Context, orgID, sessionID string) (calls.QueueItem, bool, error) {
	batch := m.cfg.ClaimBatchSize
	for {
		if err := ctx.Err(); err != nil {
			return calls.QueueItem{}, false, err
		}
		candidates, err := m.store.ListQueuedCandidates(ctx, orgID, batch)
		if err != nil {
			return calls.QueueItem{}, false, fmt.Errorf("queue: candidates: %w", err)
		}
		if len(candidates) == 0 {
			m.metrics.Claim("empty")
			return calls.QueueItem{}, false, nil
		}
		for _, c := range candidates {
			claimed, err := m.store.ClaimQueueItem(ctx, c.ID, sessionID, m.now())
			if err != nil {
				return calls.QueueItem{}, false, fmt.Errorf("queue: claim: %w", err)
			}
			if !claimed {
				m.metrics.Claim("conflict")
				continue
			}
			m.metrics.Claim("claimed")
			it, err := m.store.GetQueueItem(ctx, c.ID)
			if err != nil {
				return calls.QueueItem{}, false, fmt.Errorf("queue: reload claimed: %w", err)
			}
			m.emit(ctx, it)
			return it, true, nil
		}
	}
}

func (m *Manager) List(ctx context.Context, orgID string, statuses []calls.QueueStatus) ([]calls.QueueItem, error) {
	return m.store.ListQueueItems(ctx, orgID, statuses)
}

type KillOutcome string

const (
	KillDequeued        KillOutcome = "dequeued"
	KillCancelRequested KillOutcome = "cancel_requested"
	KillNotQueued       KillOutcome = "not_queued"
)

type KillResult struct {
	Outcome     KillOutcome
	QueueItemID string
}

// Kill is the admin kill switch. A queued lead is removed; a lead being dialed
// is flagged so its call resolves to completed/cancelled instead of a retry.
func (m *Manager) Kill(ctx context.Context, orgID, leadID string, actor audit.Actor) (KillResult, error) {
	it, err := m.store.FindOpenQueueItem(ctx, orgID, leadID)
	if errors.Is(err, store.ErrNotFound) {
		return KillResult{Outcome: KillNotQueued}, nil
	}
	if err != nil {
		return KillResult{}, fmt.Errorf("queue: find: %w", err)
	}

	now := m.now()
	removed := calls.QueueRemoved
	note := calls.AnnotationCancelled
	out, applied, err := m.store.UpdateQueueItem(ctx, it.ID, []calls.QueueStatus{calls.QueueQueued}, store.QueueItemPatch{
		Status:     &removed,
		Annotation: &note,
		At:         now,
	})
	if err != nil {
		return KillResult{}, fmt.Errorf("queue: kill: %w", err)
	}
	res := KillResult{Outcome: KillDequeued, QueueItemID: it.ID}
	if !applied {
		yes := true
		out, applied, err = m.store.UpdateQueueItem(ctx, it.ID, []calls.QueueStatus{calls.QueueDialing, calls.QueueRinging}, store.QueueItemPatch{
			CancelRequested: &yes,
			At:              now,
		})
		if err != nil {
			return KillResult{}, fmt.Errorf("queue: kill: %w", err)
		}
		if !applied {
			return KillResult{Outcome: KillNotQueued, QueueItemID: it.ID}, nil
		}
		res.Outcome = KillCancelRequested
	}
	m.emit(ctx, out)

	if err := m.audit.LogLeadKilled(ctx, orgID, leadID, actor, string(res.Outcome)); err != nil {
		logger.From(ctx).Warn("audit lead kill failed", "lead_id", leadID, "err", err)
	}
	return res, nil
}

// Release hands an in-flight item back to the queue without counting an
// attempt, keeping its place. A kill requested meanwhile completes it instead.
func (m *Manager) Release(ctx context.Context, itemID string) error {
	it, err := m.store.GetQueueItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("queue: release: %w", err)
	}
	if it.CancelRequested {
		return m.Complete(ctx, itemID, calls.AnnotationCancelled)
	}
	queued := calls.QueueQueued
	out, applied, err := m.store.UpdateQueueItem(ctx, itemID, []calls.QueueStatus{calls.QueueDialing, calls.QueueRinging}, store.QueueItemPatch{
		Status:     &queued,
		ClearClaim: true,
		At:         m.now(),
	})
	if err != nil {
		return fmt.Errorf("queue: release: %w", err)
	}
	if applied {
		m.emit(ctx, out)
	}
	return nil
}

type RequeueOutcome string

const (
	Requeued         RequeueOutcome = "requeued"
	RequeueExhausted RequeueOutcome = "removed"
	RequeueCancelled RequeueOutcome = "cancelled"
	RequeueSkipped   RequeueOutcome = "skipped"
)

// Requeue applies the retry policy after a failed dial: the attempt is counted
// and the lead goes to the back of the queue, or is removed with a reason once
// it has failed MaxDialAttempts times.
func (m *Manager) Requeue(ctx context.Context, itemID, callID string, reason calls.EndReason) (RequeueOutcome, error) {
	it, err := m.store.GetQueueItem(ctx, itemID)
	if err != nil {
		return "", fmt.Errorf("queue: requeue: %w", err)
	}
	if !it.Status.InFlight() {
		return RequeueSkipped, nil
	}
	if it.CancelRequested {
		if err := m.Complete(ctx, itemID, calls.AnnotationCancelled); err != nil {
			return "", err
		}
		return RequeueCancelled, nil
	}

	now := m.now()
	from := []calls.QueueStatus{calls.QueueDialing, calls.QueueRinging}
	attempts := it.Attempts + 1
	note := string(reason)
	patch := store.QueueItemPatch{
		ClearClaim:    true,
		AttemptsDelta: 1,
		Annotation:    &note,
		At:            now,
	}
	outcome := Requeued
	if attempts >= m.cfg.MaxDialAttempts {
		removed := calls.QueueRemoved
		failure := calls.ReasonCouldNotReach
		patch.Status = &removed
		patch.FailureReason = &failure
		outcome = RequeueExhausted
	} else {
		queued := calls.QueueQueued
		patch.Status = &queued
		patch.EnqueuedAt = &now
	}

	out, applied, err := m.store.UpdateQueueItem(ctx, itemID, from, patch)
	if err != nil {
		return "", fmt.Errorf("queue: requeue: %w", err)
	}
	if !applied {
		return RequeueSkipped, nil
	}
	m.emit(ctx, out)

	log := logger.From(ctx).With("queue_item_id", itemID, "lead_id", it.LeadID, "attempts", out.Attempts)
	if outcome == RequeueExhausted {
		log.Info("lead removed after retry limit", "reason", reason)
		if err := m.audit.LogLeadExhausted(ctx, it.OrganizationID, it.LeadID, callID, out.Attempts); err != nil {
			log.Warn("audit lead exhausted failed", "err", err)
		}
	} else {
		log.Info("lead requeued", "reason", reason)
	}
	return outcome, nil
}

// MarkRinging follows the call from dialing to ringing.
func (m *Manager) MarkRinging(ctx context.Context, itemID string) error {
	ringing := calls.QueueRinging
	out, applied, err := m.store.UpdateQueueItem(ctx, itemID, []calls.QueueStatus{calls.QueueDialing}, store.QueueItemPatch{
		Status: &ringing,
		At:     m.now(),
	})
	if err != nil {
		return fmt.Errorf("queue: ringing: %w", err)
	}
	if applied {
		m.emit(ctx, out)
	}
	return nil
}

// Complete closes an in-flight item with annotation. An item killed while in
// flight is annotated cancelled whatever the call's outcome.
func (m *Manager) Complete(ctx context.Context, itemID, annotation string) error {
	if annotation != calls.AnnotationCancelled {
		it, err := m.store.GetQueueItem(ctx, itemID)
		if err != nil {
			return fmt.Errorf("queue: complete: %w", err)
		}
		if it.CancelRequested {
			annotation = calls.AnnotationCancelled
		}
	}
	done := calls.QueueCompleted
	patch := store.QueueItemPatch{Status: &done, At: m.now()}
	if annotation != "" {
		patch.Annotation = &annotation
	}
	out, applied, err := m.store.UpdateQueueItem(ctx, itemID, []calls.QueueStatus{calls.QueueDialing, calls.QueueRinging}, patch)
	if err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}
	if applied {
		m.emit(ctx, out)
	}
	return nil
}
