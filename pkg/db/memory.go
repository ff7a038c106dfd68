package db

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/chainsafe/trichain-bridge/pkg/monitor"
	"github.com/chainsafe/trichain-bridge/pkg/relayqueue"
	"github.com/chainsafe/trichain-bridge/pkg/transfer"
)

// MemoryStore is an in-process Store. State is lost on restart, so it is
// meant for tests and one-shot CLI runs.
type MemoryStore struct {
	mu       sync.RWMutex
	outcomes map[string]*transfer.Outcome
	failures map[string]*relayqueue.Failure
	monitors map[string]*monitor.State
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		outcomes: make(map[string]*transfer.Outcome),
		failures: make(map[string]*relayqueue.Failure),
		monitors: make(map[string]*monitor.State),
	}
}

func (m *MemoryStore) SaveOutcome(_ context.Context, out *transfer.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := out.Clone()
	if prev, ok := m.outcomes[out.ID]; ok {
		c.ReconciledAt = prev.ReconciledAt
		c.ReconcileNote = prev.ReconcileNote
	}
	m.outcomes[out.ID] = c
	return nil
}

func (m *MemoryStore) GetOutcome(_ context.Context, id string) (*transfer.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out, ok := m.outcomes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return out.Clone(), nil
}

func (m *MemoryStore) ListOutcomes(_ context.Context, filter OutcomeFilter) ([]*transfer.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []*transfer.Outcome
	for _, out := range m.outcomes {
		if filter.Route != "" && out.Route != filter.Route {
			continue
		}
		if filter.Status != "" && out.Status != filter.Status {
			continue
		}
		list = append(list, out.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.After(list[j].StartedAt) })

	if limit := limitOrDefault(filter.Limit); len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *MemoryStore) ListUnreconciled(_ context.Context) ([]*transfer.Outcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var list []*transfer.Outcome
	for _, out := range m.outcomes {
		if out.NeedsReconciliation() {
			list = append(list, out.Clone())
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
	return list, nil
}

func (m *MemoryStore) MarkReconciled(_ context.Context, id, note string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, ok := m.outcomes[id]
	if !ok {
		return ErrNotFound
	}
	out.ReconciledAt = &at
	out.ReconcileNote = note
	return nil
}

func (m *MemoryStore) SaveRelayFailure(_ context.Context, f *relayqueue.Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *f
	if f.Job.AmountBase != nil {
		c.Job.AmountBase = new(big.Int).Set(f.Job.AmountBase)
	}
	m.failures[f.Job.ID] = &c
	return nil
}

func (m *MemoryStore) ListRelayFailures(_ context.Context, limit int) ([]*relayqueue.Failure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*relayqueue.Failure, 0, len(m.failures))
	for _, f := range m.failures {
		c := *f
		list = append(list, &c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].FailedAt.After(list[j].FailedAt) })

	if limit = limitOrDefault(limit); len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *MemoryStore) GetMonitorState(_ context.Context, name string) (*monitor.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.monitors[name]
	if !ok {
		return nil, nil
	}
	c := *st
	c.PreviousBalance = new(big.Int).Set(st.PreviousBalance)
	return &c, nil
}

func (m *MemoryStore) SaveMonitorState(_ context.Context, state *monitor.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *state
	c.PreviousBalance = new(big.Int)
	if state.PreviousBalance != nil {
		c.PreviousBalance.Set(state.PreviousBalance)
	}
	m.monitors[state.Name] = &c
	return nil
}
