// Package position drives the hedged-position lifecycle: entry through the
// safety gate, rebalancing, exit, withdrawals and funding accrual.
//
// Every operation on a tenant holds that tenant's operation mutex from
// validation to the final ledger commit, so same-tenant operations are
// linearized while different tenants proceed in parallel.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/exit"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/margin"
	"github.com/atmx/hedge-engine/internal/market"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/rebalance"
	"github.com/atmx/hedge-engine/internal/risk"
	"github.com/atmx/hedge-engine/internal/signal"
	"github.com/atmx/hedge-engine/internal/store"
	"github.com/atmx/hedge-engine/internal/venue"
)

// Config holds the lifecycle parameters.
type Config struct {
	// Live enables simulate-before-submit and the live leverage cap.
	Live bool `yaml:"live"`
	// SpotShare is the fraction of an entry's notional bought as spot.
	SpotShare            decimal.Decimal `yaml:"spot_share"`
	MaxLeverageSimulated decimal.Decimal `yaml:"max_leverage_simulated"`
	MaxLeverageLive      decimal.Decimal `yaml:"max_leverage_live"`
	MinWithdrawHealth    decimal.Decimal `yaml:"min_withdraw_health"`
	// ResidualTolerance is the largest leg size in units a close may leave.
	ResidualTolerance decimal.Decimal `yaml:"residual_tolerance"`
	// EntryMinAPR is the funding APR in percent a BUY decision needs.
	EntryMinAPR      decimal.Decimal `yaml:"entry_min_apr"`
	MinEntryNotional decimal.Decimal `yaml:"min_entry_notional"`
	SubmitTimeout    time.Duration   `yaml:"submit_timeout"`
}

// DefaultConfig returns the simulated-mode defaults.
func DefaultConfig() Config {
	return Config{
		SpotShare:            decimal.NewFromFloat(0.5),
		MaxLeverageSimulated: decimal.NewFromInt(10),
		MaxLeverageLive:      decimal.NewFromInt(5),
		MinWithdrawHealth:    decimal.NewFromInt(80),
		ResidualTolerance:    decimal.NewFromFloat(0.0001),
		EntryMinAPR:          decimal.NewFromInt(10),
		MinEntryNotional:     decimal.NewFromInt(10),
		SubmitTimeout:        30 * time.Second,
	}
}

// MaxLeverage is the cap for the configured mode.
func (c Config) MaxLeverage() decimal.Decimal {
	if c.Live {
		return c.MaxLeverageLive
	}
	return c.MaxLeverageSimulated
}

// Deps are the collaborators a Manager drives. Sink and Clock are optional.
type Deps struct {
	Vault      *ledger.Vault
	Governor   *risk.Governor
	Simulator  *margin.Simulator
	Quotes     venue.QuoteProvider
	Submitter  venue.TransactionSubmitter
	Reconciler venue.Reconciler
	Exits      *exit.Evaluator
	Planner    *rebalance.Planner
	Store      store.Store
	Sink       signal.Sink
	Clock      func() time.Time
}

// Manager is the PositionLifecycle.
type Manager struct {
	cfg        Config
	vault      *ledger.Vault
	gov        *risk.Governor
	sim        *margin.Simulator
	quotes     venue.QuoteProvider
	submitter  venue.TransactionSubmitter
	reconciler venue.Reconciler
	exits      *exit.Evaluator
	planner    *rebalance.Planner
	store      store.Store
	sink       signal.Sink
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a manager.
func New(cfg Config, deps Deps) *Manager {
	m := &Manager{
		cfg:        cfg,
		vault:      deps.Vault,
		gov:        deps.Governor,
		sim:        deps.Simulator,
		quotes:     deps.Quotes,
		submitter:  deps.Submitter,
		reconciler: deps.Reconciler,
		exits:      deps.Exits,
		planner:    deps.Planner,
		store:      deps.Store,
		sink:       deps.Sink,
		now:        deps.Clock,
		locks:      make(map[string]*sync.Mutex),
	}
	if m.sink == nil {
		m.sink = signal.Discard{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.exits == nil {
		m.exits = exit.NewEvaluator(exit.DefaultConfig())
	}
	if m.planner == nil {
		m.planner = rebalance.NewPlanner(rebalance.DefaultConfig())
	}
	return m
}

// Config returns the manager's parameters.
func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) lockFor(tenant string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tenant]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tenant] = l
	}
	return l
}

// WithTenant runs fn while holding tenant's operation lock.
func (m *Manager) WithTenant(tenant string, fn func() error) error {
	l := m.lockFor(tenant)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// Exclusive runs fn while no operation is in flight for any tenant.
func (m *Manager) Exclusive(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.locks))
	for name := range m.locks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.locks[name].Lock()
	}
	defer func() {
		for _, name := range names {
			m.locks[name].Unlock()
		}
	}()
	return fn()
}

// Tenants lists every tenant the ledger knows.
func (m *Manager) Tenants(ctx context.Context) ([]string, error) {
	return m.vault.Tenants(ctx)
}

// OpenPositions lists the tenant's non-closed positions.
func (m *Manager) OpenPositions(ctx context.Context, tenant string) ([]model.Position, error) {
	return m.vault.OpenPositions(ctx, tenant)
}

func (m *Manager) quote() string {
	return m.vault.Quote()
}

// quotesFor fetches the spot and mark price of a market. A non-positive
// price counts as missing.
func (m *Manager) quotesFor(ctx context.Context, mk *market.Market) (decimal.Decimal, decimal.Decimal, error) {
	spot, ok := m.quotes.SpotPrice(ctx, mk.Base, m.quote())
	if !ok || !spot.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: spot %s/%s", model.ErrStaleOrMissingQuote, mk.Base, m.quote())
	}
	mark, ok := m.quotes.MarkPrice(ctx, mk.Symbol)
	if !ok || !mark.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: mark %s", model.ErrStaleOrMissingQuote, mk.Symbol)
	}
	return spot, mark, nil
}

// Prices quotes every asset and derivative the tenant holds, keyed the way
// ledger.Valuation expects.
func (m *Manager) Prices(ctx context.Context, tenant string) (map[string]decimal.Decimal, error) {
	snap, err := m.vault.Snapshot(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return m.pricesFor(ctx, snap)
}

func (m *Manager) pricesFor(ctx context.Context, snap *model.TenantSnapshot) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	need := make(map[string]bool)
	for asset, amt := range snap.Balances {
		if asset != m.quote() && !amt.IsZero() {
			need[asset] = true
		}
	}
	for _, p := range snap.Positions {
		if !p.IsOpen() {
			continue
		}
		if mk, err := market.Parse(p.Market); err == nil {
			need[mk.Base] = true
		}
		mark, ok := m.quotes.MarkPrice(ctx, p.Derivative.Instrument)
		if !ok || !mark.IsPositive() {
			return nil, fmt.Errorf("%w: mark %s", model.ErrStaleOrMissingQuote, p.Derivative.Instrument)
		}
		prices[p.Derivative.Instrument] = mark
	}
	for asset := range need {
		px, ok := m.quotes.SpotPrice(ctx, asset, m.quote())
		if !ok || !px.IsPositive() {
			return nil, fmt.Errorf("%w: spot %s/%s", model.ErrStaleOrMissingQuote, asset, m.quote())
		}
		prices[asset] = px
	}
	return prices, nil
}

// equity is the tenant's mark-to-market ledger valuation.
func (m *Manager) equity(ctx context.Context, tenant string) (decimal.Decimal, error) {
	snap, err := m.vault.Snapshot(ctx, tenant)
	if err != nil {
		return decimal.Zero, err
	}
	prices, err := m.pricesFor(ctx, snap)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.Valuation(snap, m.quote(), prices), nil
}

// exposure values both legs of every open position.
func exposure(snap *model.TenantSnapshot, prices map[string]decimal.Decimal) (total, hedge decimal.Decimal) {
	total, hedge = decimal.Zero, decimal.Zero
	for _, p := range snap.Positions {
		if !p.IsOpen() {
			continue
		}
		h := p.Derivative.Value(prices[p.Derivative.Instrument])
		s := decimal.Zero
		if mk, err := market.Parse(p.Market); err == nil {
			s = p.Spot.Value(prices[mk.Base])
		}
		total = total.Add(s).Add(h)
		hedge = hedge.Add(h)
	}
	return total, hedge
}

// save persists p on its own.
func (m *Manager) save(ctx context.Context, p model.Position) error {
	return m.vault.Apply(ctx, p.Tenant, ledger.Transaction{Positions: []model.Position{p}})
}

// reject counts a validation failure and returns err unchanged.
func reject(err error) error {
	metrics.Rejections.WithLabelValues(rejectReason(err)).Inc()
	return err
}

// rejectReason maps a validation error onto a metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, model.ErrAlreadyHalted):
		return "halted"
	case errors.Is(err, model.ErrCapitalShareExceed):
		return "capital_share"
	case errors.Is(err, model.ErrLeverageExceeded):
		return "leverage"
	case errors.Is(err, model.ErrSimulationFailed):
		return "simulation"
	case errors.Is(err, model.ErrInsufficientBalance):
		return "balance"
	case errors.Is(err, model.ErrStaleOrMissingQuote):
		return "quote"
	case errors.Is(err, model.ErrHealthBelowThreshold):
		return "health"
	case errors.Is(err, model.ErrPositionExists):
		return "exists"
	default:
		return "invalid"
	}
}

// record publishes a transition and appends it to the audit trail.
func (m *Manager) record(ctx context.Context, p model.Position, kind, detail string) {
	at := m.now()
	m.sink.Publish(signal.Event{
		Type:   signal.TypeTransition,
		Tenant: p.Tenant,
		Market: p.Market,
		Data:   map[string]any{"kind": kind, "state": p.State, "detail": detail},
		At:     at,
	})
	m.audit(ctx, p.Tenant, p.Market, kind, detail)
}

func (m *Manager) audit(ctx context.Context, tenant, mkt, kind, detail string) {
	if m.store == nil {
		return
	}
	err := m.store.AppendAudit(context.WithoutCancel(ctx), &model.AuditEvent{
		ID:        uuid.New().String(),
		Tenant:    tenant,
		Market:    mkt,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: m.now(),
	})
	if err != nil {
		slog.Warn("audit append failed", "tenant", tenant, "market", mkt, "kind", kind, "err", err)
	}
}
