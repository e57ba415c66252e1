package dispatch

import (
	"context"
	"testing"
	"time"

	"crm-dialer/internal/calls"
	"crm-dialer/internal/session"
	"crm-dialer/internal/telephony"

	"github.com/stretchr/testify/require"
)

func (f fixture) reconciler() *Reconciler {
	sessions := session.NewManager(session.Deps{
		Store:     f.st,
		Queue:     f.q,
		Gateway:   f.gw,
		Callbacks: telephony.Callbacks{BaseURL: "https://dialer.test"},
	})
	return NewReconciler(f.st, sessions, f.q, f.d, f.gw, nil, nil, f.cfg)
}

func TestSweep_ReapsOrphanedCallAndRedials(t *testing.T) {
	f := newFixture(t, nil, "a")
	ctx := context.Background()
	s := f.session(t, "rep-1")
	f.enqueue(t, "a")
	_, err := f.d.Dispatch(ctx, s.ID)
	require.NoError(t, err)
	first := f.gw.LastPlacedID()

	r := f.reconciler()
	r.clock = func() time.Time { return time.Now().Add(f.cfg.OrphanTimeout + time.Minute) }

	rep, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Orphaned)
	require.Equal(t, 1, rep.ActiveSessions)
	require.Equal(t, 1, rep.Dispatched)
	require.Contains(t, f.gw.CancelledIDs(), first)

	orphan, err := f.st.FindActiveCallByGatewayID(ctx, first)
	require.NoError(t, err)
	require.Equal(t, calls.CallFailed, orphan.Status)
	require.Equal(t, calls.EndOrphaned, orphan.EndReason)

	it, err := f.st.FindOpenQueueItem(ctx, "org", "a")
	require.NoError(t, err)
	require.Equal(t, calls.QueueDialing, it.Status)
	require.Equal(t, 1, it.Attempts, "the orphan counts as a failed attempt")
}

func TestSweep_CancelsLeftoversOfEndedSessions(t *testing.T) {
	f := newFixture(t, nil, "a")
	ctx := context.Background()
	s := f.session(t, "rep-1")
	f.enqueue(t, "a")
	_, err := f.d.Dispatch(ctx, s.ID)
	require.NoError(t, err)

	// The session ended but its cleanup never ran.
	_, _, err = f.st.EndSession(ctx, s.ID, time.Now())
	require.NoError(t, err)

	rep, err := f.reconciler().Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Cancelled)
	require.Zero(t, rep.Orphaned)
	require.Zero(t, rep.ActiveSessions)

	it, err := f.st.FindOpenQueueItem(ctx, "org", "a")
	require.NoError(t, err)
	require.Equal(t, calls.QueueQueued, it.Status)
	require.Zero(t, it.Attempts)
}

func TestSweep_LeavesFreshCallsAlone(t *testing.T) {
	f := newFixture(t, nil, "a")
	ctx := context.Background()
	s := f.session(t, "rep-1")
	f.enqueue(t, "a")
	_, err := f.d.Dispatch(ctx, s.ID)
	require.NoError(t, err)

	rep, err := f.reconciler().Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepReport{ActiveSessions: 1}, rep)
	require.Equal(t, 1, f.gw.PlacedCount())
}
