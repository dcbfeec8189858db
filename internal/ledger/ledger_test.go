package ledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// flakyStore fails commits while failing is set.
type flakyStore struct {
	*store.MemoryStore
	failing atomic.Bool
}

var errStoreDown = errors.New("store down")

func (s *flakyStore) CommitTenant(ctx context.Context, c *store.Commit) error {
	if s.failing.Load() {
		return errStoreDown
	}
	return s.MemoryStore.CommitTenant(ctx, c)
}

func newVault(t *testing.T) (*ledger.Vault, *flakyStore) {
	t.Helper()
	s := &flakyStore{MemoryStore: store.NewMemoryStore()}
	v := ledger.New(s, ledger.Config{
		Quote:          "USDC",
		DefaultCapital: d(1000),
		Seeds:          map[string]decimal.Decimal{"scalper": d(300), "arbiter": d(700)},
	})
	return v, s
}

func balance(t *testing.T, v *ledger.Vault, tenant, asset string) decimal.Decimal {
	t.Helper()
	b, err := v.Balances(context.Background(), tenant)
	require.NoError(t, err)
	return b[asset]
}

func TestVault_LazySeed(t *testing.T) {
	v, s := newVault(t)
	ctx := context.Background()

	assert.True(t, balance(t, v, "scalper", "USDC").Equal(d(300)))
	assert.True(t, balance(t, v, "other", "USDC").Equal(d(1000)))

	snap, err := s.LoadTenant(ctx, "scalper")
	require.NoError(t, err)
	assert.True(t, snap.StartingCapital.Equal(d(300)))
}

func TestVault_CreditDebit(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()

	require.NoError(t, v.Credit(ctx, "arbiter", "SOL", d(2)))
	require.NoError(t, v.Debit(ctx, "arbiter", "USDC", d(200)))

	assert.True(t, balance(t, v, "arbiter", "SOL").Equal(d(2)))
	assert.True(t, balance(t, v, "arbiter", "USDC").Equal(d(500)))
}

func TestVault_DebitInsufficientNoMutation(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()
	require.NoError(t, v.Debit(ctx, "scalper", "USDC", d(200)))

	err := v.Debit(ctx, "scalper", "USDC", d(200))
	require.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.Contains(t, err.Error(), "requested 200, available 100")
	assert.True(t, balance(t, v, "scalper", "USDC").Equal(d(100)))
}

func TestVault_NegativeAmountsRejected(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()
	assert.ErrorIs(t, v.Credit(ctx, "scalper", "USDC", d(-1)), model.ErrInvalidAmount)
	assert.ErrorIs(t, v.Debit(ctx, "scalper", "USDC", d(-1)), model.ErrInvalidAmount)
}

func TestVault_LockReservesFunds(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()

	id, err := v.Lock(ctx, "scalper", "USDC", d(250))
	require.NoError(t, err)

	avail, err := v.Available(ctx, "scalper", "USDC")
	require.NoError(t, err)
	assert.True(t, avail.Equal(d(50)))

	err = v.Debit(ctx, "scalper", "USDC", d(100))
	require.ErrorIs(t, err, model.ErrInsufficientBalance)

	_, err = v.Lock(ctx, "scalper", "USDC", d(51))
	require.ErrorIs(t, err, model.ErrInsufficientBalance)

	require.NoError(t, v.Unlock(ctx, id))
	avail, _ = v.Available(ctx, "scalper", "USDC")
	assert.True(t, avail.Equal(d(300)))
}

func TestVault_LockConsumedExactlyOnce(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()

	id, err := v.Lock(ctx, "scalper", "USDC", d(100))
	require.NoError(t, err)
	require.NoError(t, v.Execute(ctx, id))
	assert.True(t, balance(t, v, "scalper", "USDC").Equal(d(200)))

	assert.ErrorIs(t, v.Execute(ctx, id), model.ErrLockConflict)
	assert.ErrorIs(t, v.Unlock(ctx, id), model.ErrLockConflict)
	assert.True(t, balance(t, v, "scalper", "USDC").Equal(d(200)))

	id2, err := v.Lock(ctx, "scalper", "USDC", d(50))
	require.NoError(t, err)
	require.NoError(t, v.Unlock(ctx, id2))
	assert.ErrorIs(t, v.Unlock(ctx, id2), model.ErrLockConflict)
	assert.ErrorIs(t, v.Execute(ctx, id2), model.ErrLockConflict)

	assert.ErrorIs(t, v.Unlock(ctx, "nope"), ledger.ErrLockNotFound)
}

func TestVault_ApplyAllOrNothing(t *testing.T) {
	v, s := newVault(t)
	ctx := context.Background()

	err := v.Apply(ctx, "scalper", ledger.Transaction{
		Entries: []ledger.Entry{
			{Asset: "SOL", Delta: d(3)},
			{Asset: "USDC", Delta: d(-400)},
		},
		Positions: []model.Position{{
			ID: "p1", Market: "SOL-PERP", State: model.StateActive,
			Spot:       model.Leg{Side: model.SideLong},
			Derivative: model.Leg{Side: model.SideShort},
		}},
	})
	require.ErrorIs(t, err, model.ErrInsufficientBalance)

	assert.True(t, balance(t, v, "scalper", "SOL").IsZero())
	assert.True(t, balance(t, v, "scalper", "USDC").Equal(d(300)))
	_, err = v.Position(ctx, "scalper", "SOL-PERP")
	assert.ErrorIs(t, err, model.ErrPositionNotFound)

	snap, _ := s.LoadTenant(ctx, "scalper")
	assert.Empty(t, snap.Positions)
}

func TestVault_ApplyExecutesLockWithLegs(t *testing.T) {
	v, s := newVault(t)
	ctx := context.Background()

	id, err := v.Lock(ctx, "arbiter", "USDC", d(201))
	require.NoError(t, err)

	pos := model.Position{
		ID: "p1", Market: "SOL-PERP", State: model.StateActive,
		Spot:       model.Leg{Kind: model.LegSpot, Side: model.SideLong, Size: d(2), EntryPrice: d(100)},
		Derivative: model.Leg{Kind: model.LegDerivative, Side: model.SideShort, Size: d(2), EntryPrice: d(100)},
	}
	require.NoError(t, v.Apply(ctx, "arbiter", ledger.Transaction{
		ExecuteLocks: []string{id},
		Entries:      []ledger.Entry{{Asset: "SOL", Delta: d(2)}},
		Positions:    []model.Position{pos},
	}))

	assert.True(t, balance(t, v, "arbiter", "USDC").Equal(d(499)))
	assert.True(t, balance(t, v, "arbiter", "SOL").Equal(d(2)))

	snap, err := s.LoadTenant(ctx, "arbiter")
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, snap.Positions["SOL-PERP"].State)
	assert.True(t, snap.Balances["USDC"].Equal(d(499)))

	locks, _ := v.OpenLocks(ctx, "arbiter")
	assert.Empty(t, locks)
}

func TestVault_ApplyRejectsSecondOpenPosition(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()
	mk := func(id string) model.Position {
		return model.Position{
			ID: id, Market: "SOL-PERP", State: model.StateActive,
			Spot:       model.Leg{Side: model.SideLong},
			Derivative: model.Leg{Side: model.SideShort},
		}
	}
	require.NoError(t, v.Apply(ctx, "arbiter", ledger.Transaction{Positions: []model.Position{mk("p1")}}))
	err := v.Apply(ctx, "arbiter", ledger.Transaction{Positions: []model.Position{mk("p2")}})
	assert.ErrorIs(t, err, model.ErrPositionExists)
}

func TestVault_ApplyRejectsSameSideLegs(t *testing.T) {
	v, _ := newVault(t)
	err := v.Apply(context.Background(), "arbiter", ledger.Transaction{Positions: []model.Position{{
		ID: "p1", Market: "SOL-PERP", State: model.StateActive,
		Spot:       model.Leg{Side: model.SideLong},
		Derivative: model.Leg{Side: model.SideLong},
	}}})
	assert.ErrorIs(t, err, ledger.ErrLegMismatch)
}

func TestVault_StoreFailureLeavesMemoryUntouched(t *testing.T) {
	v, s := newVault(t)
	ctx := context.Background()
	_ = balance(t, v, "scalper", "USDC")

	s.failing.Store(true)
	err := v.Credit(ctx, "scalper", "USDC", d(50))
	require.ErrorIs(t, err, errStoreDown)
	s.failing.Store(false)

	assert.True(t, balance(t, v, "scalper", "USDC").Equal(d(300)))
}

func TestVault_CorruptSnapshotReinitialisesOnlyThatTenant(t *testing.T) {
	v, s := newVault(t)
	ctx := context.Background()

	require.NoError(t, s.CommitTenant(ctx, &store.Commit{
		Tenant:          "arbiter",
		StartingCapital: d(700),
		Balances:        map[string]decimal.Decimal{"USDC": d(123)},
	}))
	s.PutRaw(&model.TenantSnapshot{
		Tenant:   "scalper",
		Balances: map[string]decimal.Decimal{"USDC": d(-5)},
	})

	assert.True(t, balance(t, v, "scalper", "USDC").Equal(d(300)))
	assert.True(t, balance(t, v, "arbiter", "USDC").Equal(d(123)))
}

func TestVault_ResetClearsEverything(t *testing.T) {
	v, s := newVault(t)
	ctx := context.Background()

	require.NoError(t, v.Credit(ctx, "arbiter", "SOL", d(3)))
	require.NoError(t, v.Apply(ctx, "arbiter", ledger.Transaction{Positions: []model.Position{{
		ID: "p1", Market: "SOL-PERP", State: model.StateActive,
		Spot:       model.Leg{Side: model.SideLong},
		Derivative: model.Leg{Side: model.SideShort},
	}}}))
	_, err := v.Lock(ctx, "arbiter", "USDC", d(10))
	require.NoError(t, err)

	require.NoError(t, v.Reset(ctx, "arbiter", d(100)))

	b, _ := v.Balances(ctx, "arbiter")
	assert.Len(t, b, 1)
	assert.True(t, b["USDC"].Equal(d(100)))
	open, _ := v.OpenPositions(ctx, "arbiter")
	assert.Empty(t, open)
	locks, _ := v.OpenLocks(ctx, "arbiter")
	assert.Empty(t, locks)

	snap, _ := s.LoadTenant(ctx, "arbiter")
	assert.Empty(t, snap.Positions)
	assert.True(t, snap.StartingCapital.Equal(d(100)))
}

func TestVault_SeedFromLiveOnce(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()
	live := map[string]decimal.Decimal{"USDC": d(500), "SOL": d(4)}
	prices := map[string]decimal.Decimal{"SOL": d(100)}

	seeded, err := v.SeedFromLive(ctx, live, prices, []string{"scalper", "arbiter"})
	require.NoError(t, err)
	assert.True(t, seeded)
	assert.True(t, balance(t, v, "scalper", "USDC").Equal(d(250)))
	assert.True(t, balance(t, v, "arbiter", "SOL").Equal(d(2)))

	eq, err := v.Equity(ctx, "scalper", prices)
	require.NoError(t, err)
	assert.True(t, eq.Equal(d(450)))

	require.NoError(t, v.Debit(ctx, "scalper", "USDC", d(50)))
	seeded, err = v.SeedFromLive(ctx, live, prices, []string{"scalper", "arbiter"})
	require.NoError(t, err)
	assert.False(t, seeded)
	assert.True(t, balance(t, v, "scalper", "USDC").Equal(d(200)))
}

func TestVault_EquityIncludesDerivativePnL(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()

	require.NoError(t, v.Apply(ctx, "arbiter", ledger.Transaction{
		Entries: []ledger.Entry{{Asset: "USDC", Delta: d(-200)}, {Asset: "SOL", Delta: d(2)}},
		Positions: []model.Position{{
			ID: "p1", Market: "SOL-PERP", State: model.StateActive,
			Spot:       model.Leg{Instrument: "SOL/USDC", Side: model.SideLong, Size: d(2), EntryPrice: d(100)},
			Derivative: model.Leg{Instrument: "SOL-PERP", Side: model.SideShort, Size: d(2), EntryPrice: d(100)},
		}},
	}))

	// Price rises 10: spot gains 20, short loses 20.
	eq, err := v.Equity(ctx, "arbiter", map[string]decimal.Decimal{"SOL": d(110), "SOL-PERP": d(110)})
	require.NoError(t, err)
	assert.True(t, eq.Equal(d(700)), "delta-neutral equity should not move, got %s", eq)
}

func TestVault_TenantIsolationUnderConcurrency(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()
	_ = balance(t, v, "scalper", "USDC")
	before, err := v.Snapshot(ctx, "arbiter")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.Credit(ctx, "scalper", "USDC", d(2)))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, v.Debit(ctx, "scalper", "USDC", d(1)))
		}()
		go func() {
			defer wg.Done()
			id, err := v.Lock(ctx, "scalper", "USDC", d(1))
			if assert.NoError(t, err) {
				assert.NoError(t, v.Unlock(ctx, id))
			}
		}()
	}
	wg.Wait()

	assert.True(t, balance(t, v, "scalper", "USDC").Equal(d(350)))
	after, err := v.Snapshot(ctx, "arbiter")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestVault_GlobalEquity(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()
	_ = balance(t, v, "scalper", "USDC")
	_ = balance(t, v, "arbiter", "USDC")

	total, err := v.GlobalEquity(ctx, nil)
	require.NoError(t, err)
	assert.True(t, total.Equal(d(1000)))
}
