package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crm-dialer/internal/calls"
	"crm-dialer/pkg/utils"

	"github.com/google/uuid"
)

// PostgresStore implements Store on database/sql with the pgx stdlib driver.
// Invariants are carried by partial unique indexes (see migrations) and by
// UPDATE ... WHERE status = ANY($n) conditional writes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := utils.HealthCheck(ctx, p.db, 2*time.Second); err != nil {
		return fmt.Errorf("store: ping: %w: %w", ErrUnavailable, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// wrap classifies driver errors into the package sentinels.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case utils.IsUniqueViolation(err, ""):
		return fmt.Errorf("store: %s: %w", op, ErrConflict)
	case utils.IsConnectionError(err):
		return fmt.Errorf("store: %s: %w: %w", op, ErrUnavailable, err)
	default:
		return fmt.Errorf("store: %s: %w", op, err)
	}
}

func strs[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Directory

const repColumns = `id, organization_id, display_name, extension, client_identity, presence`

func scanRep(row rowScanner) (calls.Rep, error) {
	var r calls.Rep
	err := row.Scan(&r.ID, &r.OrganizationID, &r.DisplayName, &r.Extension, &r.ClientIdentity, &r.Presence)
	return r, err
}

func (p *PostgresStore) GetRep(ctx context.Context, orgID, repID string) (calls.Rep, error) {
	q := `SELECT ` + repColumns + ` FROM reps WHERE organization_id = $1 AND id = $2`
	r, err := scanRep(p.db.QueryRowContext(ctx, q, orgID, repID))
	if err != nil {
		return calls.Rep{}, wrap("get rep", err)
	}
	return r, nil
}

func (p *PostgresStore) FindRepByExtension(ctx context.Context, orgID, extension string) (calls.Rep, error) {
	q := `SELECT ` + repColumns + ` FROM reps WHERE organization_id = $1 AND extension = $2`
	r, err := scanRep(p.db.QueryRowContext(ctx, q, orgID, extension))
	if err != nil {
		return calls.Rep{}, wrap("find rep by extension", err)
	}
	return r, nil
}

func (p *PostgresStore) ListRingableReps(ctx context.Context, orgID string) ([]calls.Rep, error) {
	const q = `
SELECT r.id, r.organization_id, r.display_name, r.extension, r.client_identity, r.presence
FROM reps r
WHERE r.organization_id = $1
  AND r.presence = 'available'
  AND NOT EXISTS (
    SELECT 1 FROM turbo_sessions s WHERE s.rep_id = r.id AND s.status = 'active'
  )
ORDER BY r.id
`
	rows, err := p.db.QueryContext(ctx, q, orgID)
	if err != nil {
		return nil, wrap("list ringable reps", err)
	}
	defer rows.Close()
	var out []calls.Rep
	for rows.Next() {
		r, err := scanRep(rows)
		if err != nil {
			return nil, wrap("scan rep", err)
		}
		out = append(out, r)
	}
	return out, wrap("list ringable reps", rows.Err())
}

func (p *PostgresStore) SetRepPresence(ctx context.Context, orgID, repID string, presence calls.Presence) error {
	const q = `UPDATE reps SET presence = $3 WHERE organization_id = $1 AND id = $2`
	res, err := p.db.ExecContext(ctx, q, orgID, repID, string(presence))
	if err != nil {
		return wrap("set presence", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ResolveOrganizationByNumber(ctx context.Context, number string) (string, error) {
	var org string
	err := p.db.QueryRowContext(ctx, `SELECT organization_id FROM phone_numbers WHERE number = $1`, number).Scan(&org)
	if err != nil {
		return "", wrap("resolve number", err)
	}
	return org, nil
}

func (p *PostgresStore) OrganizationCallerID(ctx context.Context, orgID string) (string, error) {
	const q = `SELECT number FROM phone_numbers WHERE organization_id = $1 ORDER BY created_at, number LIMIT 1`
	var n string
	if err := p.db.QueryRowContext(ctx, q, orgID).Scan(&n); err != nil {
		return "", wrap("caller id", err)
	}
	return n, nil
}

func (p *PostgresStore) GetLead(ctx context.Context, orgID, leadID string) (calls.Lead, error) {
	const q = `SELECT id, organization_id, name, phone FROM leads WHERE organization_id = $1 AND id = $2`
	var l calls.Lead
	if err := p.db.QueryRowContext(ctx, q, orgID, leadID).Scan(&l.ID, &l.OrganizationID, &l.Name, &l.Phone); err != nil {
		return calls.Lead{}, wrap("get lead", err)
	}
	return l, nil
}

func (p *PostgresStore) FilterLeads(ctx context.Context, orgID string, leadIDs []string) ([]string, error) {
	if len(leadIDs) == 0 {
		return nil, nil
	}
	const q = `SELECT id FROM leads WHERE organization_id = $1 AND id = ANY($2)`
	rows, err := p.db.QueryContext(ctx, q, orgID, leadIDs)
	if err != nil {
		return nil, wrap("filter leads", err)
	}
	defer rows.Close()
	owned := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("scan lead id", err)
		}
		owned[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("filter leads", err)
	}
	out := make([]string, 0, len(owned))
	for _, id := range leadIDs {
		if owned[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// Sessions

const sessionColumns = `id, rep_id, organization_id, status, conference_name, started_at, ended_at, calls_made, calls_connected`

func scanSession(row rowScanner) (calls.TurboSession, error) {
	var s calls.TurboSession
	var ended sql.NullTime
	err := row.Scan(&s.ID, &s.RepID, &s.OrganizationID, &s.Status, &s.ConferenceName, &s.StartedAt, &ended, &s.CallsMade, &s.CallsConnected)
	s.EndedAt = timePtr(ended)
	return s, err
}

func (p *PostgresStore) CreateSession(ctx context.Context, s calls.TurboSession) (calls.TurboSession, bool, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	// ON CONFLICT without a target covers both the active-per-rep and the
	// conference name index; the follow-up read tells them apart.
	q := `
INSERT INTO turbo_sessions (id, rep_id, organization_id, status, conference_name, started_at)
VALUES ($1, $2, $3, 'active', $4, $5)
ON CONFLICT DO NOTHING
RETURNING ` + sessionColumns
	out, err := scanSession(p.db.QueryRowContext(ctx, q, s.ID, s.RepID, s.OrganizationID, s.ConferenceName, s.StartedAt))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return calls.TurboSession{}, false, wrap("create session", err)
	}
	existing, err := p.GetActiveSession(ctx, s.OrganizationID, s.RepID)
	if err == nil {
		return existing, false, nil
	}
	if errors.Is(err, ErrNotFound) {
		return calls.TurboSession{}, false, fmt.Errorf("store: conference name %q taken: %w", s.ConferenceName, ErrConflict)
	}
	return calls.TurboSession{}, false, err
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (calls.TurboSession, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM turbo_sessions WHERE id = $1`, id))
	if err != nil {
		return calls.TurboSession{}, wrap("get session", err)
	}
	return s, nil
}

func (p *PostgresStore) GetActiveSession(ctx context.Context, orgID, repID string) (calls.TurboSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM turbo_sessions WHERE organization_id = $1 AND rep_id = $2 AND status = 'active'`
	s, err := scanSession(p.db.QueryRowContext(ctx, q, orgID, repID))
	if err != nil {
		return calls.TurboSession{}, wrap("get active session", err)
	}
	return s, nil
}

func (p *PostgresStore) EndSession(ctx context.Context, id string, at time.Time) (calls.TurboSession, bool, error) {
	q := `
UPDATE turbo_sessions SET status = 'ended', ended_at = $2
WHERE id = $1 AND status = 'active'
RETURNING ` + sessionColumns
	s, err := scanSession(p.db.QueryRowContext(ctx, q, id, at))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return calls.TurboSession{}, false, wrap("end session", err)
	}
	s, err = p.GetSession(ctx, id)
	if err != nil {
		return calls.TurboSession{}, false, err
	}
	return s, false, nil
}

func (p *PostgresStore) querySessions(ctx context.Context, op, q string, args ...any) ([]calls.TurboSession, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []calls.TurboSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, s)
	}
	return out, wrap(op, rows.Err())
}

func (p *PostgresStore) ListActiveSessions(ctx context.Context) ([]calls.TurboSession, error) {
	return p.querySessions(ctx, "list active sessions",
		`SELECT `+sessionColumns+` FROM turbo_sessions WHERE status = 'active' ORDER BY started_at`)
}

func (p *PostgresStore) ListSessions(ctx context.Context, orgID string, from, to time.Time) ([]calls.TurboSession, error) {
	return p.querySessions(ctx, "list sessions",
		`SELECT `+sessionColumns+` FROM turbo_sessions
WHERE organization_id = $1 AND started_at >= $2 AND started_at < $3 ORDER BY started_at`, orgID, from, to)
}

func (p *PostgresStore) IncrementSessionCounters(ctx context.Context, id string, made, connected int) error {
	const q = `
UPDATE turbo_sessions
SET calls_made = calls_made + $2, calls_connected = calls_connected + $3
WHERE id = $1
`
	res, err := p.db.ExecContext(ctx, q, id, made, connected)
	if err != nil {
		return wrap("increment session counters", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Queue

const queueColumns = `id, seq, lead_id, organization_id, status, COALESCE(claimed_by_session_id, ''),
  enqueued_at, claimed_at, attempts, failure_reason, cancel_requested, annotation, updated_at`

func scanQueueItem(row rowScanner) (calls.QueueItem, error) {
	var it calls.QueueItem
	var claimedAt sql.NullTime
	err := row.Scan(&it.ID, &it.Seq, &it.LeadID, &it.OrganizationID, &it.Status, &it.ClaimedBySessionID,
		&it.EnqueuedAt, &claimedAt, &it.Attempts, &it.FailureReason, &it.CancelRequested, &it.Annotation, &it.UpdatedAt)
	it.ClaimedAt = timePtr(claimedAt)
	return it, err
}

func (p *PostgresStore) InsertQueueItems(ctx context.Context, orgID string, leadIDs []string, at time.Time) ([]calls.QueueItem, error) {
	var out []calls.QueueItem
	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		q := `
INSERT INTO queue_items (id, lead_id, organization_id, status, enqueued_at, updated_at)
VALUES ($1, $2, $3, 'queued', $4, $4)
ON CONFLICT (lead_id) WHERE status IN ('queued', 'dialing', 'ringing') DO NOTHING
RETURNING ` + queueColumns
		for _, leadID := range leadIDs {
			it, err := scanQueueItem(tx.QueryRowContext(ctx, q, uuid.NewString(), leadID, orgID, at))
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, it)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("insert queue items", err)
	}
	return out, nil
}

func (p *PostgresStore) queryQueue(ctx context.Context, op, q string, args ...any) ([]calls.QueueItem, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []calls.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, it)
	}
	return out, wrap(op, rows.Err())
}

func (p *PostgresStore) ListQueuedCandidates(ctx context.Context, orgID string, limit int) ([]calls.QueueItem, error) {
	return p.queryQueue(ctx, "list queued candidates", `
SELECT `+queueColumns+` FROM queue_items
WHERE organization_id = $1 AND status = 'queued'
ORDER BY enqueued_at, seq
LIMIT $2`, orgID, limit)
}

func (p *PostgresStore) ClaimQueueItem(ctx context.Context, itemID, sessionID string, at time.Time) (bool, error) {
	const q = `
UPDATE queue_items
SET status = 'dialing', claimed_by_session_id = $2, claimed_at = $3, updated_at = $3
WHERE id = $1 AND status = 'queued'
`
	res, err := p.db.ExecContext(ctx, q, itemID, sessionID, at)
	if err != nil {
		return false, wrap("claim queue item", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("claim queue item", err)
	}
	return n == 1, nil
}

func (p *PostgresStore) UpdateQueueItem(ctx context.Context, id string, from []calls.QueueStatus, patch QueueItemPatch) (calls.QueueItem, bool, error) {
	var status, reason, annotation sql.NullString
	var enqueuedAt sql.NullTime
	var cancel sql.NullBool
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}
	if patch.FailureReason != nil {
		reason = sql.NullString{String: *patch.FailureReason, Valid: true}
	}
	if patch.Annotation != nil {
		annotation = sql.NullString{String: *patch.Annotation, Valid: true}
	}
	if patch.EnqueuedAt != nil {
		enqueuedAt = sql.NullTime{Time: *patch.EnqueuedAt, Valid: true}
	}
	if patch.CancelRequested != nil {
		cancel = sql.NullBool{Bool: *patch.CancelRequested, Valid: true}
	}
	q := `
UPDATE queue_items SET
  status = COALESCE($3, status),
  claimed_by_session_id = CASE WHEN $4::boolean THEN NULL ELSE claimed_by_session_id END,
  claimed_at = CASE WHEN $4::boolean THEN NULL ELSE claimed_at END,
  enqueued_at = COALESCE($5, enqueued_at),
  attempts = attempts + $6,
  failure_reason = COALESCE($7, failure_reason),
  cancel_requested = COALESCE($8, cancel_requested),
  annotation = COALESCE($9, annotation),
  updated_at = $10
WHERE id = $1 AND status = ANY($2)
RETURNING ` + queueColumns
	it, err := scanQueueItem(p.db.QueryRowContext(ctx, q, id, strs(from), status, patch.ClearClaim,
		enqueuedAt, patch.AttemptsDelta, reason, cancel, annotation, patch.At))
	if err == nil {
		return it, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return calls.QueueItem{}, false, wrap("update queue item", err)
	}
	current, err := p.GetQueueItem(ctx, id)
	if err != nil {
		return calls.QueueItem{}, false, err
	}
	return current, false, nil
}

func (p *PostgresStore) GetQueueItem(ctx context.Context, id string) (calls.QueueItem, error) {
	it, err := scanQueueItem(p.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = $1`, id))
	if err != nil {
		return calls.QueueItem{}, wrap("get queue item", err)
	}
	return it, nil
}

func (p *PostgresStore) FindOpenQueueItem(ctx context.Context, orgID, leadID string) (calls.QueueItem, error) {
	q := `SELECT ` + queueColumns + ` FROM queue_items
WHERE organization_id = $1 AND lead_id = $2 AND status IN ('queued', 'dialing', 'ringing')`
	it, err := scanQueueItem(p.db.QueryRowContext(ctx, q, orgID, leadID))
	if err != nil {
		return calls.QueueItem{}, wrap("find open queue item", err)
	}
	return it, nil
}

func (p *PostgresStore) ListQueueItems(ctx context.Context, orgID string, statuses []calls.QueueStatus) ([]calls.QueueItem, error) {
	if len(statuses) == 0 {
		return p.queryQueue(ctx, "list queue items", `
SELECT `+queueColumns+` FROM queue_items WHERE organization_id = $1 ORDER BY enqueued_at, seq`, orgID)
	}
	return p.queryQueue(ctx, "list queue items", `
SELECT `+queueColumns+` FROM queue_items
WHERE organization_id = $1 AND status = ANY($2)
ORDER BY enqueued_at, seq`, orgID, strs(statuses))
}

func (p *PostgresStore) CountRemoved(ctx context.Context, orgID string, from, to time.Time) (int, error) {
	const q = `
SELECT count(*) FROM queue_items
WHERE organization_id = $1 AND status = 'removed' AND failure_reason <> ''
  AND updated_at >= $2 AND updated_at < $3
`
	var n int
	if err := p.db.QueryRowContext(ctx, q, orgID, from, to).Scan(&n); err != nil {
		return 0, wrap("count removed", err)
	}
	return n, nil
}

// Active calls

const callColumns = `id, organization_id, lead_id, queue_item_id, assigned_to, session_id, conference_name,
  status, started_at, answered_at, ended_at, COALESCE(gateway_call_id, ''), end_reason, last_event_seq`

func scanActiveCall(row rowScanner) (calls.ActiveCall, error) {
	var c calls.ActiveCall
	var answered, ended sql.NullTime
	err := row.Scan(&c.ID, &c.OrganizationID, &c.LeadID, &c.QueueItemID, &c.AssignedTo, &c.SessionID, &c.ConferenceName,
		&c.Status, &c.StartedAt, &answered, &ended, &c.GatewayCallID, &c.EndReason, &c.LastEventSeq)
	c.AnsweredAt = timePtr(answered)
	c.EndedAt = timePtr(ended)
	return c, err
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *PostgresStore) CreateActiveCall(ctx context.Context, c calls.ActiveCall) (calls.ActiveCall, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	q := `
INSERT INTO active_calls (id, organization_id, lead_id, queue_item_id, assigned_to, session_id, conference_name,
  status, started_at, gateway_call_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING ` + callColumns
	out, err := scanActiveCall(p.db.QueryRowContext(ctx, q, c.ID, c.OrganizationID, c.LeadID, c.QueueItemID, c.AssignedTo,
		c.SessionID, c.ConferenceName, string(c.Status), c.StartedAt, nullIfEmpty(c.GatewayCallID)))
	if err != nil {
		return calls.ActiveCall{}, wrap("create active call", err)
	}
	return out, nil
}

func (p *PostgresStore) GetActiveCall(ctx context.Context, id string) (calls.ActiveCall, error) {
	c, err := scanActiveCall(p.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM active_calls WHERE id = $1`, id))
	if err != nil {
		return calls.ActiveCall{}, wrap("get active call", err)
	}
	return c, nil
}

func (p *PostgresStore) FindActiveCallByGatewayID(ctx context.Context, gatewayCallID string) (calls.ActiveCall, error) {
	c, err := scanActiveCall(p.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM active_calls WHERE gateway_call_id = $1`, gatewayCallID))
	if err != nil {
		return calls.ActiveCall{}, wrap("find active call", err)
	}
	return c, nil
}

func (p *PostgresStore) UpdateActiveCall(ctx context.Context, id string, from []calls.CallStatus, patch ActiveCallPatch) (calls.ActiveCall, bool, error) {
	var status, gatewayID, reason sql.NullString
	var answered, ended sql.NullTime
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}
	if patch.GatewayCallID != nil {
		gatewayID = sql.NullString{String: *patch.GatewayCallID, Valid: true}
	}
	if patch.EndReason != nil {
		reason = sql.NullString{String: string(*patch.EndReason), Valid: true}
	}
	if patch.AnsweredAt != nil {
		answered = sql.NullTime{Time: *patch.AnsweredAt, Valid: true}
	}
	if patch.EndedAt != nil {
		ended = sql.NullTime{Time: *patch.EndedAt, Valid: true}
	}
	q := `
UPDATE active_calls SET
  status = COALESCE($3, status),
  gateway_call_id = COALESCE($4, gateway_call_id),
  answered_at = COALESCE($5, answered_at),
  ended_at = COALESCE($6, ended_at),
  end_reason = COALESCE($7, end_reason),
  last_event_seq = GREATEST(last_event_seq, $8::bigint)
WHERE id = $1 AND status = ANY($2) AND ($8::bigint = 0 OR last_event_seq < $8::bigint)
RETURNING ` + callColumns
	c, err := scanActiveCall(p.db.QueryRowContext(ctx, q, id, strs(from), status, gatewayID, answered, ended, reason, patch.EventSeq))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return calls.ActiveCall{}, false, wrap("update active call", err)
	}
	current, err := p.GetActiveCall(ctx, id)
	if err != nil {
		return calls.ActiveCall{}, false, err
	}
	return current, false, nil
}

func (p *PostgresStore) queryCalls(ctx context.Context, op, q string, args ...any) ([]calls.ActiveCall, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()
	var out []calls.ActiveCall
	for rows.Next() {
		c, err := scanActiveCall(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, c)
	}
	return out, wrap(op, rows.Err())
}

func (p *PostgresStore) ListSessionCalls(ctx context.Context, sessionID string, statuses []calls.CallStatus) ([]calls.ActiveCall, error) {
	if len(statuses) == 0 {
		return p.queryCalls(ctx, "list session calls",
			`SELECT `+callColumns+` FROM active_calls WHERE session_id = $1 ORDER BY started_at, id`, sessionID)
	}
	return p.queryCalls(ctx, "list session calls",
		`SELECT `+callColumns+` FROM active_calls WHERE session_id = $1 AND status = ANY($2) ORDER BY started_at, id`,
		sessionID, strs(statuses))
}

func (p *PostgresStore) ListStaleCalls(ctx context.Context, statuses []calls.CallStatus, cutoff time.Time) ([]calls.ActiveCall, error) {
	return p.queryCalls(ctx, "list stale calls",
		`SELECT `+callColumns+` FROM active_calls WHERE status = ANY($1) AND started_at < $2 ORDER BY started_at, id`,
		strs(statuses), cutoff)
}

func (p *PostgresStore) ListOrphanedSessionCalls(ctx context.Context) ([]calls.ActiveCall, error) {
	return p.queryCalls(ctx, "list orphaned session calls", `
SELECT `+callColumns+` FROM active_calls c
WHERE c.status IN ('dialing', 'ringing')
  AND EXISTS (SELECT 1 FROM turbo_sessions s WHERE s.id = c.session_id AND s.status = 'ended')
ORDER BY c.started_at, c.id`)
}

func (p *PostgresStore) ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]calls.ActiveCall, error) {
	return p.queryCalls(ctx, "list calls", `
SELECT `+callColumns+` FROM active_calls
WHERE organization_id = $1 AND started_at >= $2 AND started_at < $3
ORDER BY started_at, id`, orgID, from, to)
}

// Inbound

const recordColumns = `id, organization_id, gateway_call_id, from_number, to_number, state, conference_name,
  target_rep_id, answered_by_rep_id, ringing_legs, ended_legs, voicemail_url, transcription, created_at, updated_at`

func scanRecord(row rowScanner) (calls.CallRecord, error) {
	var r calls.CallRecord
	var legs, ended []byte
	err := row.Scan(&r.ID, &r.OrganizationID, &r.GatewayCallID, &r.From, &r.To, &r.State, &r.ConferenceName,
		&r.TargetRepID, &r.AnsweredByRepID, &legs, &ended, &r.VoicemailURL, &r.Transcription, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.RingingLegs = map[string]string{}
	if len(legs) > 0 {
		if err := json.Unmarshal(legs, &r.RingingLegs); err != nil {
			return r, fmt.Errorf("decode ringing legs: %w", err)
		}
	}
	if len(ended) > 0 {
		if err := json.Unmarshal(ended, &r.EndedLegs); err != nil {
			return r, fmt.Errorf("decode ended legs: %w", err)
		}
	}
	return r, nil
}

func (p *PostgresStore) CreateCallRecord(ctx context.Context, r calls.CallRecord) (calls.CallRecord, bool, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	legs, err := json.Marshal(nonNilLegs(r.RingingLegs))
	if err != nil {
		return calls.CallRecord{}, false, err
	}
	q := `
INSERT INTO call_records (id, organization_id, gateway_call_id, from_number, to_number, state, conference_name,
  target_rep_id, answered_by_rep_id, ringing_legs, voicemail_url, transcription, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (gateway_call_id) DO NOTHING
RETURNING ` + recordColumns
	out, err := scanRecord(p.db.QueryRowContext(ctx, q, r.ID, r.OrganizationID, r.GatewayCallID, r.From, r.To,
		string(r.State), r.ConferenceName, r.TargetRepID, r.AnsweredByRepID, string(legs), r.VoicemailURL,
		r.Transcription, r.CreatedAt, r.UpdatedAt))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return calls.CallRecord{}, false, wrap("create call record", err)
	}
	existing, err := p.GetCallRecordByGatewayID(ctx, r.GatewayCallID)
	if err != nil {
		return calls.CallRecord{}, false, err
	}
	return existing, false, nil
}

func nonNilLegs(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (p *PostgresStore) GetCallRecordByGatewayID(ctx context.Context, gatewayCallID string) (calls.CallRecord, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM call_records WHERE gateway_call_id = $1`, gatewayCallID))
	if err != nil {
		return calls.CallRecord{}, wrap("get call record", err)
	}
	return r, nil
}

func (p *PostgresStore) FindCallRecordByConference(ctx context.Context, conferenceName string) (calls.CallRecord, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM call_records WHERE conference_name = $1 AND conference_name <> ''`, conferenceName))
	if err != nil {
		return calls.CallRecord{}, wrap("find call record by conference", err)
	}
	return r, nil
}

func (p *PostgresStore) FindCallRecordByLeg(ctx context.Context, legCallID string) (calls.CallRecord, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM call_records WHERE ringing_legs ? $1 LIMIT 1`, legCallID))
	if err != nil {
		return calls.CallRecord{}, wrap("find call record by leg", err)
	}
	return r, nil
}

func (p *PostgresStore) UpdateCallRecord(ctx context.Context, id string, from []calls.InboundState, patch CallRecordPatch) (calls.CallRecord, bool, error) {
	var state, conf, target, answeredBy, vmURL, transcript sql.NullString
	if patch.State != nil {
		state = sql.NullString{String: string(*patch.State), Valid: true}
	}
	if patch.ConferenceName != nil {
		conf = sql.NullString{String: *patch.ConferenceName, Valid: true}
	}
	if patch.TargetRepID != nil {
		target = sql.NullString{String: *patch.TargetRepID, Valid: true}
	}
	if patch.AnsweredByRepID != nil {
		answeredBy = sql.NullString{String: *patch.AnsweredByRepID, Valid: true}
	}
	if patch.VoicemailURL != nil {
		vmURL = sql.NullString{String: *patch.VoicemailURL, Valid: true}
	}
	if patch.Transcription != nil {
		transcript = sql.NullString{String: *patch.Transcription, Valid: true}
	}
	addLegs, err := json.Marshal(nonNilLegs(patch.AddLegs))
	if err != nil {
		return calls.CallRecord{}, false, err
	}
	removeLegs := patch.RemoveLegs
	if removeLegs == nil {
		removeLegs = []string{}
	}
	q := `
UPDATE call_records SET
  state = COALESCE($3, state),
  conference_name = COALESCE($4, conference_name),
  target_rep_id = COALESCE($5, target_rep_id),
  answered_by_rep_id = COALESCE($6, answered_by_rep_id),
  ringing_legs = ((CASE WHEN $7::boolean THEN '{}'::jsonb ELSE ringing_legs END) ||
    (SELECT COALESCE(jsonb_object_agg(a.key, a.value), '{}'::jsonb)
       FROM jsonb_each($8::jsonb) a WHERE NOT ended_legs ? a.key)) - $9::text[],
  ended_legs = (SELECT COALESCE(jsonb_agg(DISTINCT e), '[]'::jsonb)
    FROM jsonb_array_elements_text(ended_legs || to_jsonb($9::text[])) e),
  voicemail_url = COALESCE($10, voicemail_url),
  transcription = COALESCE($11, transcription),
  updated_at = $12
WHERE id = $1 AND (cardinality($2::text[]) = 0 OR state = ANY($2))
RETURNING ` + recordColumns
	r, err := scanRecord(p.db.QueryRowContext(ctx, q, id, strs(from), state, conf, target, answeredBy,
		patch.ClearLegs, string(addLegs), removeLegs, vmURL, transcript, patch.At))
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return calls.CallRecord{}, false, wrap("update call record", err)
	}
	current, err := scanRecord(p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM call_records WHERE id = $1`, id))
	if err != nil {
		return calls.CallRecord{}, false, wrap("get call record", err)
	}
	return current, false, nil
}

// Events

func (p *PostgresStore) RecordGatewayEvent(ctx context.Context, ev GatewayEvent) (bool, error) {
	payload := ev.Payload
	if payload == "" {
		payload = "{}"
	}
	const q = `
INSERT INTO gateway_events (id, kind, gateway_call_id, payload, received_at)
VALUES ($1, $2, $3, $4::jsonb, $5)
ON CONFLICT (id) DO NOTHING
`
	res, err := p.db.ExecContext(ctx, q, ev.ID, ev.Kind, ev.GatewayCallID, payload, ev.ReceivedAt)
	if err != nil {
		return false, wrap("record gateway event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("record gateway event", err)
	}
	return n == 1, nil
}
