// Package store provides in-memory implementations of the allocation collaborators.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/allocation-engine/allocation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	workspaces map[allocation.WorkspaceID]allocation.Workspace
	funds      map[allocation.WorkspaceID][]allocation.Fund
	actuals    map[allocation.WorkspaceID]map[allocation.MonthKey]allocation.MonthlyActuals
	overrides  map[overrideKey]allocation.Override
	failure    error

	// Now stamps CreatedAt/UpdatedAt. Defaults to allocation.SystemClock.
	Now allocation.Clock
}

type overrideKey struct {
	WorkspaceID allocation.WorkspaceID
	FundID      allocation.FundID
	Month       allocation.MonthKey
}

var _ allocation.Source = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{Now: allocation.SystemClock}
	m.resetLocked()
	return m
}

// Reset drops everything.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *Memory) resetLocked() {
	m.workspaces = make(map[allocation.WorkspaceID]allocation.Workspace)
	m.funds = make(map[allocation.WorkspaceID][]allocation.Fund)
	m.actuals = make(map[allocation.WorkspaceID]map[allocation.MonthKey]allocation.MonthlyActuals)
	m.overrides = make(map[overrideKey]allocation.Override)
	m.failure = nil
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) PutWorkspace(ws allocation.Workspace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces[ws.ID] = ws
}

// PutFund adds or replaces a fund. Funds are kept in SortOrder.
func (m *Memory) PutFund(f allocation.Fund) {
	m.mu.Lock()
	defer m.mu.Unlock()

	funds := m.funds[f.WorkspaceID]
	replaced := false
	for i := range funds {
		if funds[i].ID == f.ID {
			funds[i] = f
			replaced = true
			break
		}
	}
	if !replaced {
		funds = append(funds, f)
	}
	sort.SliceStable(funds, func(i, j int) bool {
		return funds[i].SortOrder < funds[j].SortOrder
	})
	m.funds[f.WorkspaceID] = funds
}

// PutActuals records one month of ledger figures.
func (m *Memory) PutActuals(ws allocation.WorkspaceID, a allocation.MonthlyActuals) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actuals[ws] == nil {
		m.actuals[ws] = make(map[allocation.MonthKey]allocation.MonthlyActuals)
	}
	m.actuals[ws][a.Month] = a
}

// =============================================================================
// READERS
// =============================================================================

func (m *Memory) Workspace(_ context.Context, id allocation.WorkspaceID) (allocation.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return allocation.Workspace{}, m.failure
	}
	ws, ok := m.workspaces[id]
	if !ok {
		return allocation.Workspace{}, &allocation.NotFoundError{Kind: "workspace", ID: string(id)}
	}
	return ws, nil
}

func (m *Memory) ListFunds(_ context.Context, id allocation.WorkspaceID) ([]allocation.Fund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return nil, m.failure
	}
	if _, ok := m.workspaces[id]; !ok {
		return nil, &allocation.NotFoundError{Kind: "workspace", ID: string(id)}
	}
	out := make([]allocation.Fund, len(m.funds[id]))
	copy(out, m.funds[id])
	return out, nil
}

func (m *Memory) MonthlyActuals(_ context.Context, id allocation.WorkspaceID, from, to allocation.MonthKey) (map[allocation.MonthKey]allocation.MonthlyActuals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return nil, m.failure
	}
	out := make(map[allocation.MonthKey]allocation.MonthlyActuals)
	for k, a := range m.actuals[id] {
		if k.Before(from) || k.After(to) {
			continue
		}
		out[k] = a
	}
	return out, nil
}

// =============================================================================
// OVERRIDES
// =============================================================================

// UpsertOverride replaces the whole row. ID and CreatedAt survive a replace.
func (m *Memory) UpsertOverride(_ context.Context, o allocation.Override) (allocation.Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return allocation.Override{}, m.failure
	}

	now := m.Now()
	k := overrideKey{WorkspaceID: o.WorkspaceID, FundID: o.FundID, Month: o.Month}
	if existing, ok := m.overrides[k]; ok {
		o.ID = existing.ID
		o.CreatedAt = existing.CreatedAt
	} else {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	o.OverrideFields = copyFields(o.OverrideFields)
	m.overrides[k] = o
	return o, nil
}

func (m *Memory) DeleteOverride(_ context.Context, ws allocation.WorkspaceID, fundID allocation.FundID, month allocation.MonthKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	delete(m.overrides, overrideKey{WorkspaceID: ws, FundID: fundID, Month: month})
	return nil
}

func (m *Memory) ListOverrides(_ context.Context, ws allocation.WorkspaceID, from, to allocation.MonthKey) ([]allocation.Override, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return nil, m.failure
	}

	var out []allocation.Override
	for k, o := range m.overrides {
		if k.WorkspaceID != ws || k.Month.Before(from) || k.Month.After(to) {
			continue
		}
		o.OverrideFields = copyFields(o.OverrideFields)
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Month.Equal(out[j].Month) {
			return out[i].Month.Before(out[j].Month)
		}
		return out[i].FundID < out[j].FundID
	})
	return out, nil
}

// copyFields detaches the pointers so callers can't mutate stored rows.
func copyFields(f allocation.OverrideFields) allocation.OverrideFields {
	var out allocation.OverrideFields
	if f.AllocationPercentage != nil {
		v := *f.AllocationPercentage
		out.AllocationPercentage = &v
	}
	if f.OverrideAmount != nil {
		v := *f.OverrideAmount
		out.OverrideAmount = &v
	}
	if f.Mode != nil {
		v := *f.Mode
		out.Mode = &v
	}
	return out
}
