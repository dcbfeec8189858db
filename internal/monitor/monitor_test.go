package monitor_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/margin"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/monitor"
	"github.com/atmx/hedge-engine/internal/position"
	"github.com/atmx/hedge-engine/internal/risk"
	"github.com/atmx/hedge-engine/internal/signal"
	"github.com/atmx/hedge-engine/internal/store"
	"github.com/atmx/hedge-engine/internal/venue"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const sol = "SOL-PERP"

type env struct {
	vault *ledger.Vault
	gov   *risk.Governor
	paper *venue.Paper
	mgr   *position.Manager
	sink  *signal.Recorder
	clock *time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	v := ledger.New(st, ledger.Config{Quote: "USDC", DefaultCapital: d(1000)})
	sim, err := margin.NewSimulator(margin.DefaultConfig())
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &env{vault: v, sink: &signal.Recorder{}, clock: &now}
	clock := func() time.Time { return *e.clock }

	e.paper = venue.NewPaper(sim, "USDC")
	e.paper.SetSpot("SOL", d(100))
	e.paper.SetMark(sol, d(100))
	e.paper.SetFunding(sol, model.FundingRate{RatePeriod: d(0.01), RateAnnualized: d(20), IsPositive: true})

	cfg := risk.DefaultConfig()
	cfg.Allocations = nil
	e.gov = risk.NewGovernor(cfg, v, st, risk.WithSink(e.sink), risk.WithClock(clock))
	e.mgr = position.New(position.DefaultConfig(), position.Deps{
		Vault:      v,
		Governor:   e.gov,
		Simulator:  sim,
		Quotes:     e.paper,
		Submitter:  e.paper,
		Reconciler: e.paper,
		Store:      st,
		Sink:       e.sink,
		Clock:      clock,
	})
	return e
}

func (e *env) supervisor(cfg monitor.Config) *monitor.Supervisor {
	return monitor.New(cfg, e.mgr, e.gov, e.paper, nil)
}

func TestEvaluateExits_AutoExitClosesOnFlip(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.mgr.Open(ctx, "alpha", sol, d(200))
	require.NoError(t, err)
	_, err = e.mgr.Open(ctx, "beta", sol, d(200))
	require.NoError(t, err)

	s := e.supervisor(monitor.DefaultConfig())
	n, err := s.EvaluateExits(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "healthy positions stay open")

	e.paper.SetFunding(sol, model.FundingRate{RatePeriod: d(-0.01), RateAnnualized: d(-10)})
	n, err = s.EvaluateExits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, tenant := range []string{"alpha", "beta"} {
		p, err := e.vault.Position(ctx, tenant, sol)
		require.NoError(t, err)
		assert.Equal(t, model.StateClosed, p.State, tenant)
	}
	assert.NotEmpty(t, e.sink.OfType(signal.TypeExit))
}

func TestEvaluateExits_AdvisoryOnlyWithoutAutoExit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.mgr.Open(ctx, "alpha", sol, d(200))
	require.NoError(t, err)
	e.paper.SetFunding(sol, model.FundingRate{RatePeriod: d(-0.01), RateAnnualized: d(-10)})

	cfg := monitor.DefaultConfig()
	cfg.AutoExit = false
	n, err := e.supervisor(cfg).EvaluateExits(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	p, err := e.vault.Position(ctx, "alpha", sol)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, p.State)
	assert.Len(t, e.sink.OfType(signal.TypeExit), 2)
}

func TestMaintain_ResetsDestroyedTenant(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.mgr.Withdraw(ctx, "wrecked", "USDC", d(600))
	require.NoError(t, err)
	_, err = e.mgr.Open(ctx, "healthy", sol, d(200))
	require.NoError(t, err)

	n, err := e.supervisor(monitor.DefaultConfig()).Maintain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bal, err := e.vault.Balances(ctx, "wrecked")
	require.NoError(t, err)
	assert.True(t, bal["USDC"].Equal(d(1000)), "reset to seed capital, got %s", bal["USDC"])
	assert.Len(t, e.sink.OfType(signal.TypeReset), 1)

	p, err := e.vault.Position(ctx, "healthy", sol)
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, p.State, "healthy tenant untouched")
}

func TestMaintain_IsolatesQuoteFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.mgr.Open(ctx, "holder", sol, d(200))
	require.NoError(t, err)
	_, err = e.mgr.Withdraw(ctx, "wrecked", "USDC", d(600))
	require.NoError(t, err)
	e.paper.ClearQuotes(sol)

	n, err := e.supervisor(monitor.DefaultConfig()).Maintain(ctx)
	assert.Equal(t, 1, n)
	require.ErrorIs(t, err, model.ErrStaleOrMissingQuote)
	assert.Contains(t, err.Error(), "holder")
}

func TestMaintain_RollsDailyBaseline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.gov.RecordTrade(ctx, "alpha", d(-60), d(940))
	require.NoError(t, err)
	require.True(t, e.gov.Halted(ctx, "alpha"), "6% daily loss halts")

	s := e.supervisor(monitor.DefaultConfig())
	_, err = s.Maintain(ctx)
	require.NoError(t, err)
	assert.True(t, e.gov.Halted(ctx, "alpha"), "same accounting day keeps the halt")

	*e.clock = e.clock.Add(24 * time.Hour)
	require.True(t, e.gov.DailyResetDue())
	_, err = s.Maintain(ctx)
	require.NoError(t, err)
	assert.False(t, e.gov.Halted(ctx, "alpha"))
	assert.False(t, e.gov.DailyResetDue())
}

func TestAccrueFunding_BooksActivePositions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.mgr.Open(ctx, "alpha", sol, d(200))
	require.NoError(t, err)

	s := e.supervisor(monitor.DefaultConfig())
	require.NoError(t, s.AccrueFunding(ctx))
	require.NoError(t, s.AccrueFunding(ctx))

	p, err := e.vault.Position(ctx, "alpha", sol)
	require.NoError(t, err)
	assert.True(t, p.AccumulatedFunding.Equal(d(0.02)), "funding %s", p.AccumulatedFunding)
}

func TestAccrueFunding_MissingRate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	_, err := e.mgr.Open(ctx, "alpha", sol, d(200))
	require.NoError(t, err)
	e.paper.ClearQuotes(sol)

	err = e.supervisor(monitor.DefaultConfig()).AccrueFunding(ctx)
	assert.ErrorIs(t, err, model.ErrStaleOrMissingQuote)
}

type blockingRunner struct {
	started chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context) error {
	close(b.started)
	<-ctx.Done()
	return nil
}

func TestRun_StopsOnCancel(t *testing.T) {
	e := newEnv(t)
	r := &blockingRunner{started: make(chan struct{})}
	cfg := monitor.DefaultConfig()
	cfg.FundingInterval = time.Hour
	s := monitor.New(cfg, e.mgr, e.gov, e.paper, r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-r.started:
	case <-time.After(time.Second):
		t.Fatal("rebalancer never started")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}
