package store_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestMemoryStore_CommitAndLoad(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	_, err := s.LoadTenant(ctx, "alpha")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.CommitTenant(ctx, &store.Commit{
		Tenant:          "alpha",
		StartingCapital: d(1000),
		Balances:        map[string]decimal.Decimal{"USDC": d(1000)},
	}))
	require.NoError(t, s.CommitTenant(ctx, &store.Commit{
		Tenant:          "alpha",
		StartingCapital: d(1000),
		Balances:        map[string]decimal.Decimal{"SOL": d(2)},
		Positions:       []model.Position{{Market: "SOL-PERP", State: model.StateActive}},
	}))

	snap, err := s.LoadTenant(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, snap.Balances["USDC"].Equal(d(1000)), "untouched asset must survive a partial commit")
	assert.True(t, snap.Balances["SOL"].Equal(d(2)))
	assert.Equal(t, model.StateActive, snap.Positions["SOL-PERP"].State)
}

func TestMemoryStore_ReplaceDropsRows(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	require.NoError(t, s.CommitTenant(ctx, &store.Commit{
		Tenant:    "alpha",
		Balances:  map[string]decimal.Decimal{"USDC": d(10), "SOL": d(1)},
		Positions: []model.Position{{Market: "SOL-PERP", State: model.StateActive}},
	}))
	require.NoError(t, s.CommitTenant(ctx, &store.Commit{
		Tenant:          "alpha",
		StartingCapital: d(100),
		Balances:        map[string]decimal.Decimal{"USDC": d(100)},
		Replace:         true,
	}))

	snap, err := s.LoadTenant(ctx, "alpha")
	require.NoError(t, err)
	assert.Len(t, snap.Balances, 1)
	assert.Empty(t, snap.Positions)
	assert.True(t, snap.StartingCapital.Equal(d(100)))
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.CommitTenant(ctx, &store.Commit{
		Tenant:   "alpha",
		Balances: map[string]decimal.Decimal{"USDC": d(10)},
	}))

	snap, _ := s.LoadTenant(ctx, "alpha")
	snap.Balances["USDC"] = d(999)

	again, _ := s.LoadTenant(ctx, "alpha")
	assert.True(t, again.Balances["USDC"].Equal(d(10)))
}

func TestMemoryStore_ClaimSeedOnce(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	first, err := s.ClaimSeed(ctx)
	require.NoError(t, err)
	second, err := s.ClaimSeed(ctx)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestMemoryStore_AuditNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	for _, kind := range []string{"open", "close", "halt"} {
		require.NoError(t, s.AppendAudit(ctx, &model.AuditEvent{Tenant: "alpha", Kind: kind}))
	}
	require.NoError(t, s.AppendAudit(ctx, &model.AuditEvent{Tenant: "beta", Kind: "open"}))

	events, err := s.ListAudit(ctx, "alpha", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "halt", events[0].Kind)
	assert.Equal(t, "close", events[1].Kind)
}

func TestMemoryStore_Drawdown(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	_, err := s.LoadDrawdown(ctx, "alpha")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveDrawdown(ctx, &model.DrawdownState{Tenant: "alpha", Halted: true, HaltReason: "MAX DD"}))
	st, err := s.LoadDrawdown(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, st.Halted)
	assert.Equal(t, "MAX DD", st.HaltReason)
}
