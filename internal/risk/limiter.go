package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/model"
)

var (
	// ErrTenantShareExceeded is returned when a trade would push a tenant's
	// deployed notional beyond its allocation of the pool.
	ErrTenantShareExceeded = fmt.Errorf("risk: tenant share: %w", model.ErrCapitalShareExceed)

	// ErrPoolExposureExceeded is returned when a trade would push the
	// aggregate deployed notional of every allocated tenant beyond the pool
	// limit.
	ErrPoolExposureExceeded = fmt.Errorf("risk: pool exposure: %w", model.ErrCapitalShareExceed)
)

// ShareLimiter enforces capital-share limits across tenants that draw on
// one pool.
//
// Only tenants listed in Allocations are constrained; the pool is the
// combined equity of those tenants.
type ShareLimiter struct {
	// Allocations maps tenant to its fraction of the pool.
	Allocations map[string]decimal.Decimal

	// MaxPoolExposure caps total deployed notional as a multiple of the
	// pool. Zero disables the aggregate check.
	MaxPoolExposure decimal.Decimal
}

// NewShareLimiter creates a limiter with the given allocations.
func NewShareLimiter(allocations map[string]decimal.Decimal, maxPoolExposure decimal.Decimal) *ShareLimiter {
	if allocations == nil {
		allocations = map[string]decimal.Decimal{}
	}
	return &ShareLimiter{
		Allocations:     allocations,
		MaxPoolExposure: maxPoolExposure,
	}
}

// Constrains reports whether tenant has an allocation.
func (l *ShareLimiter) Constrains(tenant string) bool {
	_, ok := l.Allocations[tenant]
	return ok
}

// CheckShare validates whether deploying amount more of notional keeps
// tenant inside its share.
//
// Parameters:
//   - pool: combined equity of the allocated tenants
//   - deployed: map of tenant to its currently deployed notional
//
// Returns nil if the trade is within limits, or an error quoting the numbers.
func (l *ShareLimiter) CheckShare(
	tenant string,
	amount decimal.Decimal,
	pool decimal.Decimal,
	deployed map[string]decimal.Decimal,
) error {
	share, ok := l.Allocations[tenant]
	if !ok {
		return nil
	}

	// 1. Tenant share.
	limit := pool.Mul(share)
	next := deployed[tenant].Add(amount.Abs())
	if next.GreaterThan(limit) {
		return fmt.Errorf("%w: %s would deploy %s, share %s%% of pool %s allows %s",
			ErrTenantShareExceeded, tenant, next.StringFixed(2),
			share.Mul(decimal.NewFromInt(100)).StringFixed(1), pool.StringFixed(2), limit.StringFixed(2))
	}

	// 2. Aggregate across allocated tenants.
	if !l.MaxPoolExposure.IsPositive() {
		return nil
	}
	total := next
	for name, amt := range deployed {
		if name == tenant {
			continue // already counted via next above
		}
		if _, ok := l.Allocations[name]; ok {
			total = total.Add(amt.Abs())
		}
	}
	if poolLimit := pool.Mul(l.MaxPoolExposure); total.GreaterThan(poolLimit) {
		return fmt.Errorf("%w: pool would deploy %s of %s allowed",
			ErrPoolExposureExceeded, total.StringFixed(2), poolLimit.StringFixed(2))
	}
	return nil
}
