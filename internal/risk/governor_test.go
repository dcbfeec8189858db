package risk_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/risk"
	"github.com/atmx/hedge-engine/internal/signal"
	"github.com/atmx/hedge-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type env struct {
	store *store.MemoryStore
	vault *ledger.Vault
	gov   *risk.Governor
	sink  *signal.Recorder
	clock *time.Time
}

func newEnv(t *testing.T, mutate func(*risk.Config)) *env {
	t.Helper()
	s := store.NewMemoryStore()
	v := ledger.New(s, ledger.Config{
		Quote:          "USDC",
		DefaultCapital: d(1000),
		Seeds:          map[string]decimal.Decimal{"scalper": d(300), "arbiter": d(700)},
	})
	cfg := risk.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &env{store: s, vault: v, sink: &signal.Recorder{}, clock: &now}
	e.gov = risk.NewGovernor(cfg, v, s,
		risk.WithSink(e.sink),
		risk.WithClock(func() time.Time { return *e.clock }),
	)
	return e
}

func TestGovernor_DrawdownScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(c *risk.Config) { c.MaxDrawdown = d(0.10) })

	st, err := e.gov.RecordTrade(ctx, "portfolio", d(-50), d(950))
	require.NoError(t, err)
	assert.False(t, st.Halted, "a 5%% loss sits exactly on the daily limit and must not halt")
	require.NoError(t, e.gov.CanExecute(ctx, "portfolio", d(10)))

	st, err = e.gov.RecordTrade(ctx, "portfolio", d(-60), d(890))
	require.NoError(t, err)
	require.True(t, st.Halted)
	assert.Equal(t, "MAX DD: -11.00% (Limit: 10.0%)", st.HaltReason)
	assert.True(t, st.DailyPnL.Equal(d(-110)))

	err = e.gov.CanExecute(ctx, "portfolio", d(1))
	require.ErrorIs(t, err, model.ErrAlreadyHalted)
	assert.Contains(t, err.Error(), "MAX DD")
	assert.Len(t, e.sink.OfType(signal.TypeHalt), 1)

	require.NoError(t, e.gov.ResetDaily(ctx))
	st, err = e.gov.State(ctx, "portfolio")
	require.NoError(t, err)
	assert.False(t, st.Halted)
	assert.Empty(t, st.HaltReason)
	assert.True(t, st.DailyPnL.IsZero())
	assert.True(t, st.DailyStartEquity.Equal(d(890)))
	assert.NoError(t, e.gov.CanExecute(ctx, "portfolio", d(1)))
}

func TestGovernor_DailyDrawdown(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	st, err := e.gov.RecordTrade(ctx, "portfolio", d(-60), d(940))
	require.NoError(t, err)
	require.True(t, st.Halted)
	assert.Equal(t, "DAILY DD: -6.00% (Limit: 5.0%)", st.HaltReason)
}

func TestGovernor_HaltKeepsFirstReason(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	_, err := e.gov.RecordTrade(ctx, "portfolio", d(-60), d(940))
	require.NoError(t, err)
	st, err := e.gov.RecordTrade(ctx, "portfolio", d(-200), d(740))
	require.NoError(t, err)
	assert.Contains(t, st.HaltReason, "DAILY DD")
	assert.Len(t, e.sink.OfType(signal.TypeHalt), 1)
}

func TestGovernor_PeakTracksGains(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(c *risk.Config) { c.DailyDrawdown = d(1) })

	_, err := e.gov.RecordTrade(ctx, "portfolio", d(200), d(1200))
	require.NoError(t, err)
	// 1200 -> 1010 is 15.83% off the peak even though equity is above start.
	st, err := e.gov.RecordTrade(ctx, "portfolio", d(-190), d(1010))
	require.NoError(t, err)
	assert.True(t, st.PeakEquity.Equal(d(1200)))
	assert.True(t, st.Halted)
	assert.Contains(t, st.HaltReason, "MAX DD: -15.83%")
}

func TestGovernor_RecordTradeUsesLedgerEquity(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	// the mark-to-market reading already carries the trade's funding
	_, err := e.gov.Observe(ctx, "portfolio", d(1270))
	require.NoError(t, err)
	st, err := e.gov.RecordTrade(ctx, "portfolio", d(262.8), d(1262.8))
	require.NoError(t, err)
	assert.True(t, st.CurrentEquity.Equal(d(1262.8)), "current %s", st.CurrentEquity)
	assert.True(t, st.PeakEquity.Equal(d(1270)))
	assert.True(t, st.DailyPnL.Equal(d(262.8)))
	assert.False(t, st.Halted)
}

func TestGovernor_StatePersisted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	_, err := e.gov.RecordTrade(ctx, "portfolio", d(-60), d(940))
	require.NoError(t, err)

	restarted := risk.NewGovernor(risk.DefaultConfig(), e.vault, e.store)
	err = restarted.CanExecute(ctx, "portfolio", d(1))
	assert.ErrorIs(t, err, model.ErrAlreadyHalted)
}

func TestGovernor_CapitalShare(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	require.NoError(t, e.gov.CanExecute(ctx, "scalper", d(300)))
	err := e.gov.CanExecute(ctx, "scalper", d(301))
	require.ErrorIs(t, err, model.ErrCapitalShareExceed)
	assert.Contains(t, err.Error(), "allows 300.00")

	// arbiter already deployed its whole share
	require.NoError(t, e.vault.Apply(ctx, "arbiter", ledger.Transaction{Positions: []model.Position{{
		ID: "p1", Market: "SOL-PERP", State: model.StateActive,
		Spot:       model.Leg{Side: model.SideLong, Size: d(3.5), EntryPrice: d(100)},
		Derivative: model.Leg{Side: model.SideShort, Size: d(3.5), EntryPrice: d(100)},
	}}}))
	assert.ErrorIs(t, e.gov.CanExecute(ctx, "arbiter", d(1)), model.ErrCapitalShareExceed)

	// unallocated tenants only face the halt check
	assert.NoError(t, e.gov.CanExecute(ctx, "portfolio", d(1e6)))
}

func TestGovernor_MaintainResetsDestroyedTenant(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	require.NoError(t, e.vault.Debit(ctx, "portfolio", "USDC", d(600)))
	require.NoError(t, e.vault.Apply(ctx, "portfolio", ledger.Transaction{Positions: []model.Position{{
		ID: "p1", Market: "SOL-PERP", State: model.StateActive,
		Spot:       model.Leg{Side: model.SideLong},
		Derivative: model.Leg{Side: model.SideShort},
	}}}))
	_, err := e.vault.Lock(ctx, "portfolio", "USDC", d(50))
	require.NoError(t, err)
	_, err = e.gov.RecordTrade(ctx, "portfolio", d(-600), d(400))
	require.NoError(t, err)

	reset, err := e.gov.Maintain(ctx, "portfolio", nil)
	require.NoError(t, err)
	require.True(t, reset)

	bal, _ := e.vault.Balances(ctx, "portfolio")
	assert.True(t, bal["USDC"].Equal(d(1000)))
	open, _ := e.vault.OpenPositions(ctx, "portfolio")
	assert.Empty(t, open)
	locks, _ := e.vault.OpenLocks(ctx, "portfolio")
	assert.Empty(t, locks)

	st, _ := e.gov.State(ctx, "portfolio")
	assert.False(t, st.Halted)
	assert.True(t, st.PeakEquity.Equal(d(1000)))

	events, _ := e.store.ListAudit(ctx, "portfolio", 10)
	require.NotEmpty(t, events)
	assert.Equal(t, "reset", events[0].Kind)
	assert.Contains(t, events[0].Detail, "destroyed")
	assert.Contains(t, events[0].Detail, "venue exposure left on SOL-PERP")
	assert.Len(t, e.sink.OfType(signal.TypeReset), 1)
}

func TestGovernor_MaintainInsolvent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	require.NoError(t, e.vault.Debit(ctx, "scalper", "USDC", d(299.5)))
	reset, err := e.gov.Maintain(ctx, "scalper", nil)
	require.NoError(t, err)
	assert.True(t, reset)

	events, _ := e.store.ListAudit(ctx, "scalper", 1)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Detail, "insolvent")

	bal, _ := e.vault.Balances(ctx, "scalper")
	assert.True(t, bal["USDC"].Equal(d(300)))
}

func TestGovernor_MaintainHealthyObserves(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	require.NoError(t, e.vault.Credit(ctx, "portfolio", "SOL", d(1)))
	reset, err := e.gov.Maintain(ctx, "portfolio", map[string]decimal.Decimal{"SOL": d(50)})
	require.NoError(t, err)
	assert.False(t, reset)

	st, _ := e.gov.State(ctx, "portfolio")
	assert.True(t, st.CurrentEquity.Equal(d(1050)))
	assert.True(t, st.PeakEquity.Equal(d(1050)))
}

func TestGovernor_WeightedResetPolicy(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	v := ledger.New(s, ledger.Config{Quote: "USDC", DefaultCapital: d(1000)})
	g := risk.NewGovernor(risk.DefaultConfig(), v, s, risk.WithResetPolicy(risk.DefaultScenarios(7)))

	require.NoError(t, v.Debit(ctx, "paper", "USDC", d(999.9)))
	reset, err := g.Maintain(ctx, "paper", nil)
	require.NoError(t, err)
	require.True(t, reset)

	bal, _ := v.Balances(ctx, "paper")
	tiers := []decimal.Decimal{d(25), d(100), d(1000), d(5000)}
	found := false
	for _, tier := range tiers {
		if bal["USDC"].Equal(tier) {
			found = true
		}
	}
	assert.True(t, found, "restart capital %s not one of the tiers", bal["USDC"])
}

func TestGovernor_DailyResetDue(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	assert.False(t, e.gov.DailyResetDue())
	*e.clock = e.clock.Add(13 * time.Hour)
	assert.True(t, e.gov.DailyResetDue())

	require.NoError(t, e.gov.ResetDaily(ctx))
	assert.False(t, e.gov.DailyResetDue())
}

func TestGovernor_ConcurrentRecordTrade(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(c *risk.Config) {
		c.MaxDrawdown = d(1)
		c.DailyDrawdown = d(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.gov.RecordTrade(ctx, "portfolio", d(-1), d(900))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := e.gov.State(ctx, "portfolio")
	require.NoError(t, err)
	assert.True(t, st.DailyPnL.Equal(d(-100)))
	assert.True(t, st.CurrentEquity.Equal(d(900)))
}

func TestGovernor_Headroom(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	h, err := e.gov.Headroom(ctx, "scalper")
	require.NoError(t, err)
	assert.True(t, h.Equal(d(300)), "got %s", h)

	h, err = e.gov.Headroom(ctx, "portfolio")
	require.NoError(t, err)
	assert.True(t, h.Equal(d(1000)))

	_, err = e.gov.RecordTrade(ctx, "portfolio", d(-60), d(940))
	require.NoError(t, err)
	h, err = e.gov.Headroom(ctx, "portfolio")
	require.NoError(t, err)
	assert.True(t, h.IsZero(), "halted tenants have no headroom")
}
