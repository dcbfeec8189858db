// Package risk implements the cross-tenant risk governor: drawdown kill
// switches, capital-share enforcement and the maintenance pass that resets
// insolvent tenants.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/signal"
	"github.com/atmx/hedge-engine/internal/store"
)

// Halt reason prefixes.
const (
	ReasonMaxDD   = "MAX DD"
	ReasonDailyDD = "DAILY DD"
)

// Config holds the governor thresholds. Ratios are fractions.
type Config struct {
	MaxDrawdown      decimal.Decimal            `yaml:"max_drawdown"`
	DailyDrawdown    decimal.Decimal            `yaml:"daily_drawdown"`
	InsolventCash    decimal.Decimal            `yaml:"insolvent_cash"`
	InsolventEquity  decimal.Decimal            `yaml:"insolvent_equity"`
	DestructionRatio decimal.Decimal            `yaml:"destruction_ratio"`
	Allocations      map[string]decimal.Decimal `yaml:"allocations"`
	MaxPoolExposure  decimal.Decimal            `yaml:"max_pool_exposure"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxDrawdown:      decimal.NewFromFloat(0.15),
		DailyDrawdown:    decimal.NewFromFloat(0.05),
		InsolventCash:    decimal.NewFromInt(1),
		InsolventEquity:  decimal.NewFromInt(2),
		DestructionRatio: decimal.NewFromFloat(0.5),
		Allocations: map[string]decimal.Decimal{
			"scalper": decimal.NewFromFloat(0.30),
			"arbiter": decimal.NewFromFloat(0.70),
		},
		MaxPoolExposure: decimal.NewFromInt(1),
	}
}

// Ledger is the part of the ledger vault the governor reads and resets.
type Ledger interface {
	Snapshot(ctx context.Context, tenant string) (*model.TenantSnapshot, error)
	Reset(ctx context.Context, tenant string, capital decimal.Decimal) error
	SeedCapital(tenant string) decimal.Decimal
	Quote() string
}

type tenantRisk struct {
	mu sync.RWMutex
	st model.DrawdownState
}

// Governor is the RiskGovernor. Drawdown reads take a per-tenant read lock;
// writes for one tenant are serialized and persisted before they are
// published.
type Governor struct {
	cfg     Config
	limiter *ShareLimiter
	ledger  Ledger
	store   store.Store
	policy  ResetPolicy
	sink    signal.Sink
	now     func() time.Time

	mu        sync.RWMutex
	tenants   map[string]*tenantRisk
	lastReset time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithResetPolicy replaces the default FixedCapital policy.
func WithResetPolicy(p ResetPolicy) Option {
	return func(g *Governor) { g.policy = p }
}

// WithSink publishes halts and resets to s.
func WithSink(s signal.Sink) Option {
	return func(g *Governor) { g.sink = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// NewGovernor creates a governor over the given ledger and store.
func NewGovernor(cfg Config, l Ledger, s store.Store, opts ...Option) *Governor {
	g := &Governor{
		cfg:     cfg,
		limiter: NewShareLimiter(cfg.Allocations, cfg.MaxPoolExposure),
		ledger:  l,
		store:   s,
		policy:  FixedCapital{},
		sink:    signal.Discard{},
		now:     time.Now,
		tenants: make(map[string]*tenantRisk),
	}
	for _, o := range opts {
		o(g)
	}
	g.lastReset = accountingDay(g.now())
	return g
}

func accountingDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func (g *Governor) tenant(ctx context.Context, tenant string) (*tenantRisk, error) {
	g.mu.RLock()
	tr, ok := g.tenants[tenant]
	g.mu.RUnlock()
	if ok {
		return tr, nil
	}

	st, err := g.store.LoadDrawdown(ctx, tenant)
	if errors.Is(err, store.ErrNotFound) {
		snap, err := g.ledger.Snapshot(ctx, tenant)
		if err != nil {
			return nil, err
		}
		base := snap.StartingCapital
		if !base.IsPositive() {
			base = g.ledger.SeedCapital(tenant)
		}
		st = &model.DrawdownState{
			Tenant:           tenant,
			PeakEquity:       base,
			DailyStartEquity: base,
			CurrentEquity:    base,
			UpdatedAt:        g.now(),
		}
	} else if err != nil {
		return nil, fmt.Errorf("load drawdown %s: %w", tenant, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if tr, ok := g.tenants[tenant]; ok {
		return tr, nil
	}
	tr = &tenantRisk{st: *st}
	g.tenants[tenant] = tr
	return tr, nil
}

// State returns a copy of the tenant's drawdown state.
func (g *Governor) State(ctx context.Context, tenant string) (model.DrawdownState, error) {
	tr, err := g.tenant(ctx, tenant)
	if err != nil {
		return model.DrawdownState{}, err
	}
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.st, nil
}

// Halted reports whether the tenant is halted.
func (g *Governor) Halted(ctx context.Context, tenant string) bool {
	st, err := g.State(ctx, tenant)
	return err == nil && st.Halted
}

// CanExecute authorizes a trade of amount notional. A halted tenant is
// rejected with its halt reason; an allocated tenant is rejected if the
// trade would exceed its capital share.
func (g *Governor) CanExecute(ctx context.Context, tenant string, amount decimal.Decimal) error {
	st, err := g.State(ctx, tenant)
	if err != nil {
		return err
	}
	if st.Halted {
		return &model.HaltError{Tenant: tenant, Reason: st.HaltReason}
	}
	if !g.limiter.Constrains(tenant) {
		return nil
	}
	pool, deployed, err := g.exposure(ctx)
	if err != nil {
		return err
	}
	return g.limiter.CheckShare(tenant, amount, pool, deployed)
}

// Headroom is how much more notional tenant may deploy: the unused part of
// its capital share when allocated, otherwise its current equity. A halted
// tenant has none.
func (g *Governor) Headroom(ctx context.Context, tenant string) (decimal.Decimal, error) {
	st, err := g.State(ctx, tenant)
	if err != nil {
		return decimal.Zero, err
	}
	if st.Halted {
		return decimal.Zero, nil
	}
	share, ok := g.cfg.Allocations[tenant]
	if !ok {
		return decimal.Max(st.CurrentEquity, decimal.Zero), nil
	}
	pool, deployed, err := g.exposure(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Max(pool.Mul(share).Sub(deployed[tenant]), decimal.Zero), nil
}

// exposure returns the combined equity of the allocated tenants and the
// notional each one has deployed in open positions.
func (g *Governor) exposure(ctx context.Context) (decimal.Decimal, map[string]decimal.Decimal, error) {
	pool := decimal.Zero
	deployed := make(map[string]decimal.Decimal, len(g.cfg.Allocations))
	for name := range g.cfg.Allocations {
		ts, err := g.State(ctx, name)
		if err != nil {
			return decimal.Zero, nil, err
		}
		pool = pool.Add(ts.CurrentEquity)

		snap, err := g.ledger.Snapshot(ctx, name)
		if err != nil {
			return decimal.Zero, nil, err
		}
		for _, p := range snap.Positions {
			if p.IsOpen() {
				deployed[name] = deployed[name].Add(p.TotalNotional())
			}
		}
	}
	return pool, deployed, nil
}

// RecordTrade applies a realized PnL event and re-evaluates both drawdown
// breaches. equity is the tenant's ledger valuation after settlement; pnl
// only feeds DailyPnL so CurrentEquity never drifts from the ledger.
func (g *Governor) RecordTrade(ctx context.Context, tenant string, pnl, equity decimal.Decimal) (model.DrawdownState, error) {
	return g.update(ctx, tenant, true, func(st *model.DrawdownState) {
		st.CurrentEquity = equity
		st.DailyPnL = st.DailyPnL.Add(pnl)
	})
}

// Observe records a mark-to-market equity reading without a PnL event.
func (g *Governor) Observe(ctx context.Context, tenant string, equity decimal.Decimal) (model.DrawdownState, error) {
	return g.update(ctx, tenant, true, func(st *model.DrawdownState) {
		st.CurrentEquity = equity
	})
}

// update mutates and persists one tenant's state. With evaluate set, a
// tenant that is not yet halted is checked against both drawdown limits.
func (g *Governor) update(ctx context.Context, tenant string, evaluate bool, mutate func(*model.DrawdownState)) (model.DrawdownState, error) {
	tr, err := g.tenant(ctx, tenant)
	if err != nil {
		return model.DrawdownState{}, err
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()

	next := tr.st
	mutate(&next)
	if next.CurrentEquity.GreaterThan(next.PeakEquity) {
		next.PeakEquity = next.CurrentEquity
	}
	newlyHalted := false
	if evaluate && !next.Halted {
		if reason, kind := g.breach(next); reason != "" {
			next.Halted = true
			next.HaltReason = reason
			newlyHalted = true
			metrics.TenantHalts.WithLabelValues(tenant, kind).Inc()
		}
	}
	next.UpdatedAt = g.now()

	if err := g.store.SaveDrawdown(ctx, &next); err != nil {
		return tr.st, fmt.Errorf("save drawdown %s: %w", tenant, err)
	}
	tr.st = next

	if newlyHalted {
		slog.Error("tenant halted", "tenant", tenant, "reason", next.HaltReason)
		g.audit(ctx, tenant, "halt", next.HaltReason)
		g.sink.Publish(signal.Event{Type: signal.TypeHalt, Tenant: tenant, Data: next, At: next.UpdatedAt})
	}
	return next, nil
}

// breach returns the halt reason and kind, or "" if neither limit is hit.
func (g *Governor) breach(st model.DrawdownState) (string, string) {
	hundred := decimal.NewFromInt(100)
	if st.PeakEquity.IsPositive() {
		dd := st.PeakEquity.Sub(st.CurrentEquity).Div(st.PeakEquity)
		if dd.GreaterThan(g.cfg.MaxDrawdown) {
			return fmt.Sprintf("%s: -%s%% (Limit: %s%%)", ReasonMaxDD,
				dd.Mul(hundred).StringFixed(2), g.cfg.MaxDrawdown.Mul(hundred).StringFixed(1)), "MAX"
		}
	}
	if st.DailyStartEquity.IsPositive() {
		dd := st.DailyStartEquity.Sub(st.CurrentEquity).Div(st.DailyStartEquity)
		if dd.GreaterThan(g.cfg.DailyDrawdown) {
			return fmt.Sprintf("%s: -%s%% (Limit: %s%%)", ReasonDailyDD,
				dd.Mul(hundred).StringFixed(2), g.cfg.DailyDrawdown.Mul(hundred).StringFixed(1)), "DAILY"
		}
	}
	return "", ""
}

// ResetDaily re-baselines every known tenant: daily-start equity becomes
// current equity, daily PnL is zeroed and halts are cleared. Callers must
// ensure no trade is in flight.
func (g *Governor) ResetDaily(ctx context.Context) error {
	g.mu.Lock()
	g.lastReset = accountingDay(g.now())
	names := make([]string, 0, len(g.tenants))
	for name := range g.tenants {
		names = append(names, name)
	}
	g.mu.Unlock()
	sort.Strings(names)

	var errs error
	for _, name := range names {
		_, err := g.update(ctx, name, false, func(st *model.DrawdownState) {
			st.DailyStartEquity = st.CurrentEquity
			st.DailyPnL = decimal.Zero
			st.Halted = false
			st.HaltReason = ""
		})
		errs = multierr.Append(errs, err)
	}
	slog.Info("daily risk reset", "tenants", len(names))
	return errs
}

// DailyResetDue reports whether the accounting day rolled over since the
// last ResetDaily.
func (g *Governor) DailyResetDue() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return accountingDay(g.now()).After(g.lastReset)
}

// Maintain inspects one tenant. An insolvent tenant (cash and equity both
// near zero) or one whose equity fell below the destruction threshold is
// reset: positions, locks and balances are wiped in one ledger commit and
// restarted with capital picked by the reset policy. It reports whether a
// reset happened. Callers must ensure no trade is in flight for tenant.
func (g *Governor) Maintain(ctx context.Context, tenant string, prices map[string]decimal.Decimal) (bool, error) {
	snap, err := g.ledger.Snapshot(ctx, tenant)
	if err != nil {
		return false, err
	}
	equity := ledger.Valuation(snap, g.ledger.Quote(), prices)
	cash := snap.Balances[g.ledger.Quote()]

	cause := ""
	switch {
	case cash.LessThan(g.cfg.InsolventCash) && equity.LessThan(g.cfg.InsolventEquity):
		cause = "insolvent"
	case snap.StartingCapital.IsPositive() &&
		equity.LessThan(snap.StartingCapital.Mul(decimal.NewFromInt(1).Sub(g.cfg.DestructionRatio))):
		cause = "destroyed"
	}
	if cause == "" {
		_, err := g.Observe(ctx, tenant, equity)
		return false, err
	}

	capital := g.policy.Capital(tenant, g.ledger.SeedCapital(tenant))
	if err := g.ledger.Reset(ctx, tenant, capital); err != nil {
		return false, err
	}
	if _, err := g.update(ctx, tenant, false, func(st *model.DrawdownState) {
		*st = model.DrawdownState{
			Tenant:           tenant,
			PeakEquity:       capital,
			DailyStartEquity: capital,
			CurrentEquity:    capital,
		}
	}); err != nil {
		return true, err
	}

	// The reset only rewrites the ledger. Venue-side hedges of the dropped
	// positions stay open and are left to the operator.
	dropped := make([]string, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		if p.IsOpen() {
			dropped = append(dropped, p.Market)
		}
	}
	detail := fmt.Sprintf("%s: equity %s, cash %s, restarted with %s",
		cause, equity.StringFixed(2), cash.StringFixed(2), capital.StringFixed(2))
	if len(dropped) > 0 {
		detail += fmt.Sprintf(", venue exposure left on %s", strings.Join(dropped, ","))
	}
	slog.Warn("tenant reset", "tenant", tenant, "cause", cause,
		"equity", equity.StringFixed(2), "capital", capital.String(), "dropped_positions", dropped)
	metrics.TenantResets.WithLabelValues(tenant, cause).Inc()
	g.audit(ctx, tenant, "reset", detail)
	g.sink.Publish(signal.Event{Type: signal.TypeReset, Tenant: tenant, Data: detail, At: g.now()})
	return true, nil
}

func (g *Governor) audit(ctx context.Context, tenant, kind, detail string) {
	err := g.store.AppendAudit(ctx, &model.AuditEvent{
		ID:        uuid.New().String(),
		Tenant:    tenant,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: g.now(),
	})
	if err != nil {
		slog.Warn("audit append failed", "tenant", tenant, "kind", kind, "err", err)
	}
}
