package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/hedge-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CommitTenant(ctx context.Context, c *Commit) error {
	if err := s.primary.CommitTenant(ctx, c); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, tenantKey(c.Tenant), tenantListKey)
	return nil
}

func (s *CachedStore) SaveDrawdown(ctx context.Context, st *model.DrawdownState) error {
	if err := s.primary.SaveDrawdown(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, drawdownKey(st.Tenant))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LoadTenant(ctx context.Context, tenant string) (*model.TenantSnapshot, error) {
	data, err := s.rdb.Get(ctx, tenantKey(tenant)).Bytes()
	if err == nil {
		var snap model.TenantSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	// Cache miss: read from primary.
	snap, err := s.primary.LoadTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, tenantKey(tenant), snap)
	return snap, nil
}

func (s *CachedStore) ListTenants(ctx context.Context) ([]string, error) {
	data, err := s.rdb.Get(ctx, tenantListKey).Bytes()
	if err == nil {
		var names []string
		if json.Unmarshal(data, &names) == nil {
			return names, nil
		}
	}

	names, err := s.primary.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, tenantListKey, names)
	return names, nil
}

func (s *CachedStore) LoadDrawdown(ctx context.Context, tenant string) (*model.DrawdownState, error) {
	data, err := s.rdb.Get(ctx, drawdownKey(tenant)).Bytes()
	if err == nil {
		var st model.DrawdownState
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.LoadDrawdown(ctx, tenant)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, drawdownKey(tenant), st)
	return st, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ClaimSeed(ctx context.Context) (bool, error) {
	return s.primary.ClaimSeed(ctx)
}

func (s *CachedStore) AppendAudit(ctx context.Context, e *model.AuditEvent) error {
	return s.primary.AppendAudit(ctx, e)
}

func (s *CachedStore) ListAudit(ctx context.Context, tenant string, limit int) ([]model.AuditEvent, error) {
	return s.primary.ListAudit(ctx, tenant, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const tenantListKey = "tenants"

func tenantKey(t string) string   { return fmt.Sprintf("tenant:%s", t) }
func drawdownKey(t string) string { return fmt.Sprintf("drawdown:%s", t) }
