package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"crm-dialer/internal/calls"

	"github.com/google/uuid"
)

// MemoryStore implements Store in process memory. Conditional updates are
// evaluated under one mutex so they have the same all-or-nothing behavior as
// the SQL version. Intended for tests and local runs.
type MemoryStore struct {
	mu sync.Mutex

	reps         map[string]calls.Rep
	leads        map[string]calls.Lead
	numbers      map[string]string // number -> org
	callerIDs    map[string]string // org -> first number
	sessions     map[string]calls.TurboSession
	conferences  map[string]bool
	queue        map[string]calls.QueueItem
	queueSeq     int64
	activeCalls  map[string]calls.ActiveCall
	records      map[string]calls.CallRecord
	gatewayEvent map[string]GatewayEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reps:         map[string]calls.Rep{},
		leads:        map[string]calls.Lead{},
		numbers:      map[string]string{},
		callerIDs:    map[string]string{},
		sessions:     map[string]calls.TurboSession{},
		conferences:  map[string]bool{},
		queue:        map[string]calls.QueueItem{},
		activeCalls:  map[string]calls.ActiveCall{},
		records:      map[string]calls.CallRecord{},
		gatewayEvent: map[string]GatewayEvent{},
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Ping(context.Context) error { return nil }

// PutRep seeds or replaces a rep.
func (m *MemoryStore) PutRep(r calls.Rep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Presence == "" {
		r.Presence = calls.PresenceAvailable
	}
	m.reps[r.ID] = r
}

// PutLead seeds or replaces a lead.
func (m *MemoryStore) PutLead(l calls.Lead) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leads[l.ID] = l
}

// PutPhoneNumber assigns number to orgID. The first number of an org is its caller id.
func (m *MemoryStore) PutPhoneNumber(orgID, number string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.numbers[number] = orgID
	if _, ok := m.callerIDs[orgID]; !ok {
		m.callerIDs[orgID] = number
	}
}

// Directory

func (m *MemoryStore) GetRep(_ context.Context, orgID, repID string) (calls.Rep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reps[repID]
	if !ok || r.OrganizationID != orgID {
		return calls.Rep{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) FindRepByExtension(_ context.Context, orgID, extension string) (calls.Rep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reps {
		if r.OrganizationID == orgID && r.Extension == extension {
			return r, nil
		}
	}
	return calls.Rep{}, ErrNotFound
}

func (m *MemoryStore) ListRingableReps(_ context.Context, orgID string) ([]calls.Rep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	busy := map[string]bool{}
	for _, s := range m.sessions {
		if s.Status == calls.SessionActive {
			busy[s.RepID] = true
		}
	}
	var out []calls.Rep
	for _, r := range m.reps {
		if r.OrganizationID == orgID && r.Presence == calls.PresenceAvailable && !busy[r.ID] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetRepPresence(_ context.Context, orgID, repID string, p calls.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reps[repID]
	if !ok || r.OrganizationID != orgID {
		return ErrNotFound
	}
	r.Presence = p
	m.reps[repID] = r
	return nil
}

func (m *MemoryStore) ResolveOrganizationByNumber(_ context.Context, number string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	org, ok := m.numbers[number]
	if !ok {
		return "", ErrNotFound
	}
	return org, nil
}

func (m *MemoryStore) OrganizationCallerID(_ context.Context, orgID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.callerIDs[orgID]
	if !ok {
		return "", ErrNotFound
	}
	return n, nil
}

func (m *MemoryStore) GetLead(_ context.Context, orgID, leadID string) (calls.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[leadID]
	if !ok || l.OrganizationID != orgID {
		return calls.Lead{}, ErrNotFound
	}
	return l, nil
}

func (m *MemoryStore) FilterLeads(_ context.Context, orgID string, leadIDs []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(leadIDs))
	for _, id := range leadIDs {
		if l, ok := m.leads[id]; ok && l.OrganizationID == orgID {
			out = append(out, id)
		}
	}
	return out, nil
}

// Sessions

func (m *MemoryStore) CreateSession(_ context.Context, s calls.TurboSession) (calls.TurboSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.RepID == s.RepID && existing.Status == calls.SessionActive {
			return existing, false, nil
		}
	}
	if m.conferences[s.ConferenceName] {
		return calls.TurboSession{}, false, ErrConflict
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.Status = calls.SessionActive
	m.sessions[s.ID] = s
	m.conferences[s.ConferenceName] = true
	return s, true, nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (calls.TurboSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return calls.TurboSession{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) GetActiveSession(_ context.Context, orgID, repID string) (calls.TurboSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.RepID == repID && s.OrganizationID == orgID && s.Status == calls.SessionActive {
			return s, nil
		}
	}
	return calls.TurboSession{}, ErrNotFound
}

func (m *MemoryStore) EndSession(_ context.Context, id string, at time.Time) (calls.TurboSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return calls.TurboSession{}, false, ErrNotFound
	}
	if s.Status != calls.SessionActive {
		return s, false, nil
	}
	s.Status = calls.SessionEnded
	s.EndedAt = &at
	m.sessions[id] = s
	return s, true, nil
}

func (m *MemoryStore) ListActiveSessions(context.Context) ([]calls.TurboSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.TurboSession
	for _, s := range m.sessions {
		if s.Status == calls.SessionActive {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, orgID string, from, to time.Time) ([]calls.TurboSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.TurboSession
	for _, s := range m.sessions {
		if s.OrganizationID == orgID && !s.StartedAt.Before(from) && s.StartedAt.Before(to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) IncrementSessionCounters(_ context.Context, id string, made, connected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.CallsMade += made
	s.CallsConnected += connected
	m.sessions[id] = s
	return nil
}

// Queue

func (m *MemoryStore) InsertQueueItems(_ context.Context, orgID string, leadIDs []string, at time.Time) ([]calls.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := map[string]bool{}
	for _, it := range m.queue {
		if containsQueueStatus(OpenQueueStatuses, it.Status) {
			open[it.LeadID] = true
		}
	}
	var out []calls.QueueItem
	for _, leadID := range leadIDs {
		if open[leadID] {
			continue
		}
		open[leadID] = true
		m.queueSeq++
		it := calls.QueueItem{
			ID:             uuid.NewString(),
			Seq:            m.queueSeq,
			LeadID:         leadID,
			OrganizationID: orgID,
			Status:         calls.QueueQueued,
			EnqueuedAt:     at,
			UpdatedAt:      at,
		}
		m.queue[it.ID] = it
		out = append(out, it)
	}
	return out, nil
}

func fifoLess(a, b calls.QueueItem) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.Seq < b.Seq
}

func (m *MemoryStore) ListQueuedCandidates(_ context.Context, orgID string, limit int) ([]calls.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.QueueItem
	for _, it := range m.queue {
		if it.OrganizationID == orgID && it.Status == calls.QueueQueued {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return fifoLess(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimQueueItem(_ context.Context, itemID, sessionID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.queue[itemID]
	if !ok || it.Status != calls.QueueQueued {
		return false, nil
	}
	it.Status = calls.QueueDialing
	it.ClaimedBySessionID = sessionID
	it.ClaimedAt = &at
	it.UpdatedAt = at
	m.queue[itemID] = it
	return true, nil
}

func (m *MemoryStore) UpdateQueueItem(_ context.Context, id string, from []calls.QueueStatus, p QueueItemPatch) (calls.QueueItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.queue[id]
	if !ok {
		return calls.QueueItem{}, false, ErrNotFound
	}
	if !containsQueueStatus(from, it.Status) {
		return it, false, nil
	}
	if p.Status != nil {
		it.Status = *p.Status
	}
	if p.ClearClaim {
		it.ClaimedBySessionID = ""
		it.ClaimedAt = nil
	}
	if p.EnqueuedAt != nil {
		it.EnqueuedAt = *p.EnqueuedAt
	}
	it.Attempts += p.AttemptsDelta
	if p.FailureReason != nil {
		it.FailureReason = *p.FailureReason
	}
	if p.CancelRequested != nil {
		it.CancelRequested = *p.CancelRequested
	}
	if p.Annotation != nil {
		it.Annotation = *p.Annotation
	}
	it.UpdatedAt = p.At
	m.queue[id] = it
	return it, true, nil
}

func (m *MemoryStore) GetQueueItem(_ context.Context, id string) (calls.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.queue[id]
	if !ok {
		return calls.QueueItem{}, ErrNotFound
	}
	return it, nil
}

func (m *MemoryStore) FindOpenQueueItem(_ context.Context, orgID, leadID string) (calls.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.queue {
		if it.OrganizationID == orgID && it.LeadID == leadID && containsQueueStatus(OpenQueueStatuses, it.Status) {
			return it, nil
		}
	}
	return calls.QueueItem{}, ErrNotFound
}

func (m *MemoryStore) ListQueueItems(_ context.Context, orgID string, statuses []calls.QueueStatus) ([]calls.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.QueueItem
	for _, it := range m.queue {
		if it.OrganizationID != orgID {
			continue
		}
		if len(statuses) > 0 && !containsQueueStatus(statuses, it.Status) {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return fifoLess(out[i], out[j]) })
	return out, nil
}

func (m *MemoryStore) CountRemoved(_ context.Context, orgID string, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.queue {
		if it.OrganizationID == orgID && it.Status == calls.QueueRemoved && it.FailureReason != "" &&
			!it.UpdatedAt.Before(from) && it.UpdatedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

// Active calls

func (m *MemoryStore) CreateActiveCall(_ context.Context, c calls.ActiveCall) (calls.ActiveCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.activeCalls {
		if !containsCallStatus(calls.InFlightCallStatuses, existing.Status) {
			continue
		}
		if existing.LeadID == c.LeadID || existing.SessionID == c.SessionID {
			return calls.ActiveCall{}, ErrConflict
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.activeCalls[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetActiveCall(_ context.Context, id string) (calls.ActiveCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.activeCalls[id]
	if !ok {
		return calls.ActiveCall{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) FindActiveCallByGatewayID(_ context.Context, gatewayCallID string) (calls.ActiveCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.activeCalls {
		if gatewayCallID != "" && c.GatewayCallID == gatewayCallID {
			return c, nil
		}
	}
	return calls.ActiveCall{}, ErrNotFound
}

func (m *MemoryStore) UpdateActiveCall(_ context.Context, id string, from []calls.CallStatus, p ActiveCallPatch) (calls.ActiveCall, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.activeCalls[id]
	if !ok {
		return calls.ActiveCall{}, false, ErrNotFound
	}
	if !containsCallStatus(from, c.Status) {
		return c, false, nil
	}
	if p.EventSeq > 0 && p.EventSeq <= c.LastEventSeq {
		return c, false, nil
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.GatewayCallID != nil {
		c.GatewayCallID = *p.GatewayCallID
	}
	if p.AnsweredAt != nil {
		c.AnsweredAt = p.AnsweredAt
	}
	if p.EndedAt != nil {
		c.EndedAt = p.EndedAt
	}
	if p.EndReason != nil {
		c.EndReason = *p.EndReason
	}
	if p.EventSeq > 0 {
		c.LastEventSeq = p.EventSeq
	}
	m.activeCalls[id] = c
	return c, true, nil
}

func (m *MemoryStore) ListSessionCalls(_ context.Context, sessionID string, statuses []calls.CallStatus) ([]calls.ActiveCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.ActiveCall
	for _, c := range m.activeCalls {
		if c.SessionID == sessionID && (len(statuses) == 0 || containsCallStatus(statuses, c.Status)) {
			out = append(out, c)
		}
	}
	sortCalls(out)
	return out, nil
}

func (m *MemoryStore) ListStaleCalls(_ context.Context, statuses []calls.CallStatus, cutoff time.Time) ([]calls.ActiveCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.ActiveCall
	for _, c := range m.activeCalls {
		if containsCallStatus(statuses, c.Status) && c.StartedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	sortCalls(out)
	return out, nil
}

func (m *MemoryStore) ListOrphanedSessionCalls(context.Context) ([]calls.ActiveCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.ActiveCall
	for _, c := range m.activeCalls {
		if c.Status != calls.CallDialing && c.Status != calls.CallRinging {
			continue
		}
		if s, ok := m.sessions[c.SessionID]; ok && s.Status == calls.SessionEnded {
			out = append(out, c)
		}
	}
	sortCalls(out)
	return out, nil
}

func (m *MemoryStore) ListCalls(_ context.Context, orgID string, from, to time.Time) ([]calls.ActiveCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.ActiveCall
	for _, c := range m.activeCalls {
		if c.OrganizationID == orgID && !c.StartedAt.Before(from) && c.StartedAt.Before(to) {
			out = append(out, c)
		}
	}
	sortCalls(out)
	return out, nil
}

func sortCalls(cs []calls.ActiveCall) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].StartedAt.Equal(cs[j].StartedAt) {
			return cs[i].StartedAt.Before(cs[j].StartedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

// Inbound

func copyRecord(r calls.CallRecord) calls.CallRecord {
	legs := make(map[string]string, len(r.RingingLegs))
	for k, v := range r.RingingLegs {
		legs[k] = v
	}
	r.RingingLegs = legs
	r.EndedLegs = append([]string(nil), r.EndedLegs...)
	return r
}

func (m *MemoryStore) CreateCallRecord(_ context.Context, r calls.CallRecord) (calls.CallRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.GatewayCallID == r.GatewayCallID {
			return copyRecord(existing), false, nil
		}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r = copyRecord(r)
	m.records[r.ID] = r
	return copyRecord(r), true, nil
}

func (m *MemoryStore) GetCallRecordByGatewayID(_ context.Context, gatewayCallID string) (calls.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.GatewayCallID == gatewayCallID {
			return copyRecord(r), nil
		}
	}
	return calls.CallRecord{}, ErrNotFound
}

func (m *MemoryStore) FindCallRecordByConference(_ context.Context, conferenceName string) (calls.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if conferenceName != "" && r.ConferenceName == conferenceName {
			return copyRecord(r), nil
		}
	}
	return calls.CallRecord{}, ErrNotFound
}

func (m *MemoryStore) FindCallRecordByLeg(_ context.Context, legCallID string) (calls.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if _, ok := r.RingingLegs[legCallID]; ok {
			return copyRecord(r), nil
		}
	}
	return calls.CallRecord{}, ErrNotFound
}

func (m *MemoryStore) UpdateCallRecord(_ context.Context, id string, from []calls.InboundState, p CallRecordPatch) (calls.CallRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return calls.CallRecord{}, false, ErrNotFound
	}
	if len(from) > 0 && !containsInboundState(from, r.State) {
		return copyRecord(r), false, nil
	}
	r = copyRecord(r)
	if p.State != nil {
		r.State = *p.State
	}
	if p.ConferenceName != nil {
		r.ConferenceName = *p.ConferenceName
	}
	if p.TargetRepID != nil {
		r.TargetRepID = *p.TargetRepID
	}
	if p.AnsweredByRepID != nil {
		r.AnsweredByRepID = *p.AnsweredByRepID
	}
	if p.ClearLegs {
		r.RingingLegs = map[string]string{}
	}
	for _, k := range p.RemoveLegs {
		if !slices.Contains(r.EndedLegs, k) {
			r.EndedLegs = append(r.EndedLegs, k)
		}
	}
	for k, v := range p.AddLegs {
		if !slices.Contains(r.EndedLegs, k) {
			r.RingingLegs[k] = v
		}
	}
	for _, k := range p.RemoveLegs {
		delete(r.RingingLegs, k)
	}
	if p.VoicemailURL != nil {
		r.VoicemailURL = *p.VoicemailURL
	}
	if p.Transcription != nil {
		r.Transcription = *p.Transcription
	}
	r.UpdatedAt = p.At
	m.records[id] = r
	return copyRecord(r), true, nil
}

// Events

func (m *MemoryStore) RecordGatewayEvent(_ context.Context, ev GatewayEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gatewayEvent[ev.ID]; ok {
		return false, nil
	}
	m.gatewayEvent[ev.ID] = ev
	return true, nil
}
