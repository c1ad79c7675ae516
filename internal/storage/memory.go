package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rotabot/internal/rota"
)

// memoryStore keeps everything in process. It exists for tests and
// restricted environments; it honors the same append-only and unique-insert
// contracts as the sqlite backend.
type memoryStore struct {
	mu        sync.Mutex
	state     *rota.CurrentState
	snapshots []rota.Snapshot
	audits    map[string]rota.TriggerAudit
	auditSeq  []string
	overrides []rota.Override
	nextID    int64
}

func NewMemory() Store {
	return &memoryStore{audits: map[string]rota.TriggerAudit{}, nextID: 1}
}

// SeedOverrides loads approved overrides into an in-memory store.
// Test helper; the sqlite backend receives overrides out of band.
func SeedOverrides(s Store, overrides ...rota.Override) {
	m, ok := s.(*memoryStore)
	if !ok {
		return
	}
	m.mu.Lock()
	m.overrides = append(m.overrides, overrides...)
	m.mu.Unlock()
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) CurrentState(_ context.Context) (rota.CurrentState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return rota.CurrentState{}, false, nil
	}
	return rota.CurrentState{PeriodIndex: m.state.PeriodIndex, Assignment: m.state.Assignment.Clone()}, true, nil
}

func (m *memoryStore) SaveCurrentState(_ context.Context, st rota.CurrentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := rota.CurrentState{PeriodIndex: st.PeriodIndex, Assignment: st.Assignment.Clone()}
	m.state = &cp
	return nil
}

func (m *memoryStore) AppendSnapshot(_ context.Context, snap rota.Snapshot) (int64, error) {
	if snap.ID != 0 {
		return 0, ErrSnapshotImmutable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.ID = m.nextID
	m.nextID++
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now()
	}
	snap.Assignment = snap.Assignment.Clone()
	m.snapshots = append(m.snapshots, snap)
	return snap.ID, nil
}

func (m *memoryStore) LatestSnapshot(_ context.Context) (rota.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return rota.Snapshot{}, false, nil
	}
	snap := m.snapshots[len(m.snapshots)-1]
	snap.Assignment = snap.Assignment.Clone()
	return snap, true, nil
}

func (m *memoryStore) LatestDeliveredSnapshot(_ context.Context) (rota.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		if m.snapshots[i].Status == rota.StatusDelivered {
			snap := m.snapshots[i]
			snap.Assignment = snap.Assignment.Clone()
			return snap, true, nil
		}
	}
	return rota.Snapshot{}, false, nil
}

func (m *memoryStore) InsertPendingAudit(_ context.Context, a rota.TriggerAudit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.audits[a.TriggerID]; ok {
		return false, nil
	}
	if a.TriggeredAt.IsZero() {
		a.TriggeredAt = time.Now()
	}
	a.Result = rota.ResultPending
	m.audits[a.TriggerID] = a
	m.auditSeq = append(m.auditSeq, a.TriggerID)
	return true, nil
}

func (m *memoryStore) FinalizeAudit(_ context.Context, a rota.TriggerAudit) error {
	if !a.Result.Terminal() {
		return fmt.Errorf("finalize audit %s: %q is not a terminal result", a.TriggerID, a.Result)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.audits[a.TriggerID]
	if !ok || cur.Result != rota.ResultPending {
		return fmt.Errorf("finalize audit %s: no pending row", a.TriggerID)
	}
	cur.Result = a.Result
	cur.Details = a.Details
	cur.Notifications = a.Notifications
	cur.SnapshotID = a.SnapshotID
	m.audits[a.TriggerID] = cur
	return nil
}

func (m *memoryStore) GetAudit(_ context.Context, triggerID string) (rota.TriggerAudit, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.audits[triggerID]
	return a, ok, nil
}

func (m *memoryStore) RecentAudits(_ context.Context, limit int) ([]rota.TriggerAudit, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rota.TriggerAudit, 0, min(limit, len(m.auditSeq)))
	for i := len(m.auditSeq) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.audits[m.auditSeq[i]])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	return out, nil
}

func (m *memoryStore) ApprovedOverrides(_ context.Context, periodIndex int) ([]rota.Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []rota.Override
	for _, o := range m.overrides {
		if o.Approved && o.PeriodIndex == periodIndex {
			out = append(out, o)
		}
	}
	return out, nil
}
