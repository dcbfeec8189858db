// Package store defines the persistence interface for the hedge engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and paper runs).
package store

import (
	"context"
	"errors"

	"github.com/atmx/hedge-engine/internal/model"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a tenant or drawdown row does not exist.
var ErrNotFound = errors.New("store: not found")

// Commit is one tenant's durable state change. Balances hold the new
// absolute amount of every touched asset; Positions are upserts keyed by
// market. A Replace commit first drops every balance and position row of
// the tenant, which is how a full reset lands.
type Commit struct {
	Tenant          string
	StartingCapital decimal.Decimal
	Balances        map[string]decimal.Decimal
	Positions       []model.Position
	Replace         bool
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Tenant ledger ---

	// LoadTenant returns the persisted snapshot of a tenant, ErrNotFound if
	// it was never committed, or an error wrapping model.ErrCorruptSnapshot
	// if rows cannot be decoded.
	LoadTenant(ctx context.Context, tenant string) (*model.TenantSnapshot, error)

	// CommitTenant applies a Commit in a single transaction.
	CommitTenant(ctx context.Context, c *Commit) error

	// ListTenants returns every tenant that has committed state.
	ListTenants(ctx context.Context) ([]string, error)

	// --- Risk ---

	LoadDrawdown(ctx context.Context, tenant string) (*model.DrawdownState, error)
	SaveDrawdown(ctx context.Context, s *model.DrawdownState) error

	// ClaimSeed atomically sets the one-time seed marker. It returns false
	// if the marker was already set.
	ClaimSeed(ctx context.Context) (bool, error)

	// --- Audit trail ---

	AppendAudit(ctx context.Context, e *model.AuditEvent) error
	ListAudit(ctx context.Context, tenant string, limit int) ([]model.AuditEvent, error)
}
