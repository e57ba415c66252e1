//go:build integration

package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"crm-dialer/internal/calls"
	"crm-dialer/pkg/utils"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
)

// Run with: DIALER_TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/store/
func openTestPostgres(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()
	dsn := os.Getenv("DIALER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("DIALER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	admin, err := utils.OpenPostgres(ctx, "pgx", dsn, utils.PostgresPoolConfig{})
	require.NoError(t, err)
	schema := "it_" + uuid.NewString()[:8]
	_, err = admin.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA %q`, schema))
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.ExecContext(context.Background(), fmt.Sprintf(`DROP SCHEMA %q CASCADE`, schema))
		admin.Close()
	})

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	db, err := utils.OpenPostgres(ctx, "pgx", u.String(), utils.PostgresPoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = Migrate(ctx, db)
	require.NoError(t, err)

	seed := []string{
		`INSERT INTO phone_numbers (number, organization_id) VALUES ('+15550000000', 'org')`,
		`INSERT INTO reps (id, organization_id, extension, client_identity, presence) VALUES ('rep-1', 'org', '101', 'rep-1', 'available')`,
		`INSERT INTO reps (id, organization_id, extension, client_identity, presence) VALUES ('rep-2', 'org', '102', 'rep-2', 'available')`,
		`INSERT INTO leads (id, organization_id, phone) VALUES ('a', 'org', '+1555a'), ('b', 'org', '+1555b')`,
	}
	for _, stmt := range seed {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	return NewPostgresStore(db), db
}

func TestPostgres_CreateSessionConflicts(t *testing.T) {
	p, _ := openTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s1, created, err := p.CreateSession(ctx, calls.TurboSession{RepID: "rep-1", OrganizationID: "org", ConferenceName: "turbo-a", StartedAt: now})
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := p.CreateSession(ctx, calls.TurboSession{RepID: "rep-1", OrganizationID: "org", ConferenceName: "turbo-b", StartedAt: now})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, s1.ID, again.ID, "the rep's active session is returned")

	_, _, err = p.CreateSession(ctx, calls.TurboSession{RepID: "rep-2", OrganizationID: "org", ConferenceName: "turbo-a", StartedAt: now})
	require.ErrorIs(t, err, ErrConflict)
}

func TestPostgres_QueueClaimIsExclusive(t *testing.T) {
	p, _ := openTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	items, err := p.InsertQueueItems(ctx, "org", []string{"a", "b"}, now)
	require.NoError(t, err)
	require.Len(t, items, 2)

	dup, err := p.InsertQueueItems(ctx, "org", []string{"a"}, now)
	require.NoError(t, err)
	require.Empty(t, dup, "an open item per lead")

	s1, _, err := p.CreateSession(ctx, calls.TurboSession{RepID: "rep-1", OrganizationID: "org", ConferenceName: "turbo-1", StartedAt: now})
	require.NoError(t, err)
	s2, _, err := p.CreateSession(ctx, calls.TurboSession{RepID: "rep-2", OrganizationID: "org", ConferenceName: "turbo-2", StartedAt: now})
	require.NoError(t, err)

	ok, err := p.ClaimQueueItem(ctx, items[0].ID, s1.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = p.ClaimQueueItem(ctx, items[0].ID, s2.ID, now)
	require.NoError(t, err)
	require.False(t, ok)

	it, err := p.GetQueueItem(ctx, items[0].ID)
	require.NoError(t, err)
	require.Equal(t, calls.QueueDialing, it.Status)
	require.Equal(t, s1.ID, it.ClaimedBySessionID)

	candidates, err := p.ListQueuedCandidates(ctx, "org", 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Equal(t, "b", candidates[0].LeadID)
}

func TestPostgres_ActiveCallSlotsAndEventOrder(t *testing.T) {
	p, _ := openTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	items, err := p.InsertQueueItems(ctx, "org", []string{"a", "b"}, now)
	require.NoError(t, err)
	s, _, err := p.CreateSession(ctx, calls.TurboSession{RepID: "rep-1", OrganizationID: "org", ConferenceName: "turbo-1", StartedAt: now})
	require.NoError(t, err)

	call := calls.ActiveCall{
		OrganizationID: "org", LeadID: "a", QueueItemID: items[0].ID, AssignedTo: "rep-1",
		SessionID: s.ID, ConferenceName: s.ConferenceName, Status: calls.CallDialing, StartedAt: now,
	}
	c, err := p.CreateActiveCall(ctx, call)
	require.NoError(t, err)

	second := call
	second.LeadID, second.QueueItemID = "b", items[1].ID
	_, err = p.CreateActiveCall(ctx, second)
	require.ErrorIs(t, err, ErrConflict, "one in-flight call per session")

	ringing, answered := calls.CallRinging, calls.CallAnswered
	inFlight := []calls.CallStatus{calls.CallDialing, calls.CallRinging}
	_, applied, err := p.UpdateActiveCall(ctx, c.ID, inFlight, ActiveCallPatch{Status: &answered, EventSeq: 3})
	require.NoError(t, err)
	require.True(t, applied)

	out, applied, err := p.UpdateActiveCall(ctx, c.ID, inFlight, ActiveCallPatch{Status: &ringing, EventSeq: 2})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, calls.CallAnswered, out.Status)
	require.EqualValues(t, 3, out.LastEventSeq)

	done := calls.CallCompleted
	out, applied, err = p.UpdateActiveCall(ctx, c.ID, []calls.CallStatus{calls.CallAnswered}, ActiveCallPatch{Status: &done, EventSeq: 2})
	require.NoError(t, err)
	require.False(t, applied, "an older sequence never applies")
	require.Equal(t, calls.CallAnswered, out.Status)
}

func TestPostgres_CallRecordLegs(t *testing.T) {
	p, _ := openTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	r, created, err := p.CreateCallRecord(ctx, calls.CallRecord{GatewayCallID: "CA1", OrganizationID: "org", State: calls.InboundExtensionLookup, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	require.True(t, created)

	out, applied, err := p.UpdateCallRecord(ctx, r.ID, []calls.InboundState{calls.InboundExtensionLookup}, CallRecordPatch{RemoveLegs: []string{"CL1"}, At: now})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, []string{"CL1"}, out.EndedLegs)

	ringAll := calls.InboundRingAll
	out, applied, err = p.UpdateCallRecord(ctx, r.ID, []calls.InboundState{calls.InboundExtensionLookup}, CallRecordPatch{
		State:   &ringAll,
		AddLegs: map[string]string{"CL1": "rep-1", "CL2": "rep-2"},
		At:      now,
	})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, map[string]string{"CL2": "rep-2"}, out.RingingLegs)

	found, err := p.FindCallRecordByLeg(ctx, "CL2")
	require.NoError(t, err)
	require.Equal(t, r.ID, found.ID)
}
