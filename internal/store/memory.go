package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/hedge-engine/internal/model"
	"github.com/shopspring/decimal"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and paper runs. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	tenants   map[string]*model.TenantSnapshot
	drawdowns map[string]model.DrawdownState
	audit     []model.AuditEvent
	seeded    bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:   make(map[string]*model.TenantSnapshot),
		drawdowns: make(map[string]model.DrawdownState),
	}
}

func (s *MemoryStore) LoadTenant(_ context.Context, tenant string) (*model.TenantSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.tenants[tenant]
	if !ok {
		return nil, ErrNotFound
	}
	return copySnapshot(snap), nil
}

func (s *MemoryStore) CommitTenant(_ context.Context, c *Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.tenants[c.Tenant]
	if !ok || c.Replace {
		snap = &model.TenantSnapshot{
			Tenant:    c.Tenant,
			Balances:  make(map[string]decimal.Decimal),
			Positions: make(map[string]model.Position),
		}
		s.tenants[c.Tenant] = snap
	}
	snap.StartingCapital = c.StartingCapital
	for asset, amt := range c.Balances {
		snap.Balances[asset] = amt
	}
	for _, p := range c.Positions {
		snap.Positions[p.Market] = p
	}
	return nil
}

func (s *MemoryStore) ListTenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tenants))
	for name := range s.tenants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) LoadDrawdown(_ context.Context, tenant string) (*model.DrawdownState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.drawdowns[tenant]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

func (s *MemoryStore) SaveDrawdown(_ context.Context, st *model.DrawdownState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drawdowns[st.Tenant] = *st
	return nil
}

func (s *MemoryStore) ClaimSeed(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seeded {
		return false, nil
	}
	s.seeded = true
	return true, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, e *model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, *e)
	return nil
}

// ListAudit returns the newest events first.
func (s *MemoryStore) ListAudit(_ context.Context, tenant string, limit int) ([]model.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.AuditEvent
	for i := len(s.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		if tenant == "" || s.audit[i].Tenant == tenant {
			result = append(result, s.audit[i])
		}
	}
	return result, nil
}

// PutRaw stores a snapshot verbatim, bypassing Commit. Tests use it to
// plant corrupt state.
func (s *MemoryStore) PutRaw(snap *model.TenantSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[snap.Tenant] = copySnapshot(snap)
}

func copySnapshot(snap *model.TenantSnapshot) *model.TenantSnapshot {
	out := &model.TenantSnapshot{
		Tenant:          snap.Tenant,
		StartingCapital: snap.StartingCapital,
		Balances:        make(map[string]decimal.Decimal, len(snap.Balances)),
		Positions:       make(map[string]model.Position, len(snap.Positions)),
	}
	for k, v := range snap.Balances {
		out.Balances[k] = v
	}
	for k, v := range snap.Positions {
		out.Positions[k] = v
	}
	return out
}
