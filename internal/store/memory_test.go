package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"crm-dialer/internal/calls"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestMemoryStore_InsertQueueItemsSkipsOpenLeads(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.InsertQueueItems(ctx, "org", []string{"a", "b", "a"}, t0)
	require.NoError(t, err)
	require.Len(t, first, 2)

	again, err := s.InsertQueueItems(ctx, "org", []string{"a", "b", "c"}, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, "c", again[0].LeadID)

	done := calls.QueueCompleted
	_, applied, err := s.UpdateQueueItem(ctx, first[0].ID, []calls.QueueStatus{calls.QueueQueued}, QueueItemPatch{Status: &done, At: t0})
	require.NoError(t, err)
	require.True(t, applied)

	reopened, err := s.InsertQueueItems(ctx, "org", []string{"a"}, t0.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, reopened, 1, "a terminal item frees the lead")
}

func TestMemoryStore_CandidatesAreFIFOWithSeqTieBreak(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.InsertQueueItems(ctx, "org", []string{"c", "a", "b"}, t0)
	require.NoError(t, err)
	_, err = s.InsertQueueItems(ctx, "org", []string{"z"}, t0.Add(-time.Minute))
	require.NoError(t, err)

	got, err := s.ListQueuedCandidates(ctx, "org", 10)
	require.NoError(t, err)
	var order []string
	for _, it := range got {
		order = append(order, it.LeadID)
	}
	require.Equal(t, []string{"z", "c", "a", "b"}, order)

	limited, err := s.ListQueuedCandidates(ctx, "org", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestMemoryStore_ClaimIsConditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	items, err := s.InsertQueueItems(ctx, "org", []string{"a"}, t0)
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ClaimQueueItem(ctx, items[0].ID, "s"+string(rune('A'+i)), t0)
			if err == nil && ok {
				wins <- "won"
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	require.Len(t, wins, 1)

	it, err := s.GetQueueItem(ctx, items[0].ID)
	require.NoError(t, err)
	require.Equal(t, calls.QueueDialing, it.Status)
	require.NotEmpty(t, it.ClaimedBySessionID)
}

func TestMemoryStore_CreateSessionReturnsExistingActive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a, created, err := s.CreateSession(ctx, calls.TurboSession{RepID: "r1", OrganizationID: "org", ConferenceName: "turbo-1", StartedAt: t0})
	require.NoError(t, err)
	require.True(t, created)

	b, created, err := s.CreateSession(ctx, calls.TurboSession{RepID: "r1", OrganizationID: "org", ConferenceName: "turbo-2", StartedAt: t0})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, a.ID, b.ID)
	require.Equal(t, "turbo-1", b.ConferenceName)

	_, ended, err := s.EndSession(ctx, a.ID, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ended)

	_, _, err = s.CreateSession(ctx, calls.TurboSession{RepID: "r1", OrganizationID: "org", ConferenceName: "turbo-1", StartedAt: t0})
	require.ErrorIs(t, err, ErrConflict, "historical conference names are never reused")
}

func TestMemoryStore_ActiveCallSlots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c1, err := s.CreateActiveCall(ctx, calls.ActiveCall{LeadID: "a", SessionID: "s1", Status: calls.CallDialing, StartedAt: t0})
	require.NoError(t, err)

	_, err = s.CreateActiveCall(ctx, calls.ActiveCall{LeadID: "a", SessionID: "s2", Status: calls.CallDialing, StartedAt: t0})
	require.ErrorIs(t, err, ErrConflict)
	_, err = s.CreateActiveCall(ctx, calls.ActiveCall{LeadID: "b", SessionID: "s1", Status: calls.CallDialing, StartedAt: t0})
	require.ErrorIs(t, err, ErrConflict)

	failed := calls.CallFailed
	_, applied, err := s.UpdateActiveCall(ctx, c1.ID, []calls.CallStatus{calls.CallDialing}, ActiveCallPatch{Status: &failed})
	require.NoError(t, err)
	require.True(t, applied)

	_, err = s.CreateActiveCall(ctx, calls.ActiveCall{LeadID: "a", SessionID: "s1", Status: calls.CallDialing, StartedAt: t0})
	require.NoError(t, err)
}

func TestMemoryStore_UpdateActiveCallHonorsEventSequence(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	c, err := s.CreateActiveCall(ctx, calls.ActiveCall{LeadID: "a", SessionID: "s1", Status: calls.CallDialing, StartedAt: t0})
	require.NoError(t, err)

	ringing := calls.CallRinging
	_, applied, err := s.UpdateActiveCall(ctx, c.ID, []calls.CallStatus{calls.CallDialing}, ActiveCallPatch{Status: &ringing, EventSeq: 2})
	require.NoError(t, err)
	require.True(t, applied)

	answered := calls.CallAnswered
	_, applied, err = s.UpdateActiveCall(ctx, c.ID, []calls.CallStatus{calls.CallRinging}, ActiveCallPatch{Status: &answered, EventSeq: 1})
	require.NoError(t, err)
	require.False(t, applied, "older sequence must not apply")
}

func TestMemoryStore_RingableRepsExcludeTurboAndOffline(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutRep(calls.Rep{ID: "r1", OrganizationID: "org", Extension: "101"})
	s.PutRep(calls.Rep{ID: "r2", OrganizationID: "org", Extension: "102"})
	s.PutRep(calls.Rep{ID: "r3", OrganizationID: "org", Extension: "103", Presence: calls.PresenceOffline})
	s.PutRep(calls.Rep{ID: "r4", OrganizationID: "other", Extension: "101"})

	_, _, err := s.CreateSession(ctx, calls.TurboSession{RepID: "r1", OrganizationID: "org", ConferenceName: "turbo-x", StartedAt: t0})
	require.NoError(t, err)

	reps, err := s.ListRingableReps(ctx, "org")
	require.NoError(t, err)
	require.Len(t, reps, 1)
	require.Equal(t, "r2", reps[0].ID)
}

func TestMemoryStore_CallRecordLegs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r, created, err := s.CreateCallRecord(ctx, calls.CallRecord{GatewayCallID: "CA1", OrganizationID: "org", State: calls.InboundReceived})
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = s.CreateCallRecord(ctx, calls.CallRecord{GatewayCallID: "CA1", OrganizationID: "org", State: calls.InboundReceived})
	require.NoError(t, err)
	require.False(t, created)

	ringAll := calls.InboundRingAll
	_, applied, err := s.UpdateCallRecord(ctx, r.ID, []calls.InboundState{calls.InboundReceived}, CallRecordPatch{
		State:   &ringAll,
		AddLegs: map[string]string{"CAleg1": "r1", "CAleg2": "r2"},
	})
	require.NoError(t, err)
	require.True(t, applied)

	found, err := s.FindCallRecordByLeg(ctx, "CAleg2")
	require.NoError(t, err)
	require.Equal(t, r.ID, found.ID)

	out, _, err := s.UpdateCallRecord(ctx, r.ID, nil, CallRecordPatch{RemoveLegs: []string{"CAleg1"}})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"CAleg2": "r2"}, out.RingingLegs)
	require.Equal(t, []string{"CAleg1"}, out.EndedLegs)

	out, _, err = s.UpdateCallRecord(ctx, r.ID, nil, CallRecordPatch{AddLegs: map[string]string{"CAleg1": "r1", "CAleg3": "r3"}})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"CAleg2": "r2", "CAleg3": "r3"}, out.RingingLegs, "an ended leg is never added back")
}

func TestMemoryStore_RecordGatewayEventFirstWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first, err := s.RecordGatewayEvent(ctx, GatewayEvent{ID: "CA1:ringing:1"})
	require.NoError(t, err)
	require.True(t, first)
	first, err = s.RecordGatewayEvent(ctx, GatewayEvent{ID: "CA1:ringing:1"})
	require.NoError(t, err)
	require.False(t, first)
}
