package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

func newCachedStore(t *testing.T) (*miniredis.Miniredis, *store.MemoryStore, *store.CachedStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := store.NewMemoryStore()
	return mr, primary, store.NewCachedStore(primary, rdb, time.Minute)
}

func TestCachedStore_ReadThrough(t *testing.T) {
	ctx := context.Background()
	mr, primary, cs := newCachedStore(t)

	require.NoError(t, cs.CommitTenant(ctx, &store.Commit{
		Tenant:          "alpha",
		StartingCapital: d(1000),
		Balances:        map[string]decimal.Decimal{"USDC": d(1000)},
	}))
	assert.False(t, mr.Exists("tenant:alpha"))

	snap, err := cs.LoadTenant(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, snap.Balances["USDC"].Equal(d(1000)))
	assert.True(t, mr.Exists("tenant:alpha"))

	// Out-of-band change to the primary is hidden by the cache until a write
	// goes through the cached store.
	primary.PutRaw(&model.TenantSnapshot{
		Tenant:   "alpha",
		Balances: map[string]decimal.Decimal{"USDC": d(1)},
	})
	snap, err = cs.LoadTenant(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, snap.Balances["USDC"].Equal(d(1000)))
}

func TestCachedStore_WriteInvalidates(t *testing.T) {
	ctx := context.Background()
	mr, _, cs := newCachedStore(t)

	require.NoError(t, cs.CommitTenant(ctx, &store.Commit{
		Tenant:   "alpha",
		Balances: map[string]decimal.Decimal{"USDC": d(1000)},
	}))
	_, err := cs.LoadTenant(ctx, "alpha")
	require.NoError(t, err)
	_, err = cs.ListTenants(ctx)
	require.NoError(t, err)
	require.True(t, mr.Exists("tenants"))

	require.NoError(t, cs.CommitTenant(ctx, &store.Commit{
		Tenant:   "alpha",
		Balances: map[string]decimal.Decimal{"USDC": d(900)},
	}))
	assert.False(t, mr.Exists("tenant:alpha"))
	assert.False(t, mr.Exists("tenants"))

	snap, err := cs.LoadTenant(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, snap.Balances["USDC"].Equal(d(900)))
}

func TestCachedStore_DrawdownRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, _, cs := newCachedStore(t)

	require.NoError(t, cs.SaveDrawdown(ctx, &model.DrawdownState{Tenant: "alpha", PeakEquity: d(1000)}))
	st, err := cs.LoadDrawdown(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, st.PeakEquity.Equal(d(1000)))
	assert.True(t, mr.Exists("drawdown:alpha"))

	_, err = cs.LoadDrawdown(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
