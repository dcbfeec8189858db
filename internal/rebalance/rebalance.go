// Package rebalance keeps hedged positions near their target leg weights.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/atmx/hedge-engine/internal/margin"
	"github.com/atmx/hedge-engine/internal/market"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/signal"
	"github.com/atmx/hedge-engine/internal/venue"
)

var (
	// ErrFeeGuard is returned when a rebalance would cost more than allowed.
	ErrFeeGuard = errors.New("rebalance: estimated fee exceeds limit")

	// ErrNoPrice is returned when a leg cannot be valued.
	ErrNoPrice = errors.New("rebalance: missing price")
)

// Config holds the planner thresholds and the scheduler interval.
type Config struct {
	TargetSpotWeight decimal.Decimal `yaml:"target_spot_weight"`
	// Tolerance is the largest |spot weight - target| left alone.
	Tolerance decimal.Decimal `yaml:"tolerance"`
	// MinNotional is the smallest imbalance in quote units worth trading.
	MinNotional decimal.Decimal `yaml:"min_notional"`
	// FeeRate estimates the round-trip fee of a rebalance.
	FeeRate decimal.Decimal `yaml:"fee_rate"`
	// MaxFee skips rebalances whose estimated fee is higher. Zero disables.
	MaxFee   decimal.Decimal `yaml:"max_fee"`
	Interval time.Duration   `yaml:"interval"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		TargetSpotWeight: decimal.NewFromFloat(0.5),
		Tolerance:        decimal.NewFromFloat(0.05),
		MinNotional:      decimal.NewFromInt(5),
		FeeRate:          decimal.NewFromFloat(0.002),
		MaxFee:           decimal.Zero,
		Interval:         time.Hour,
	}
}

// Planner turns a position and current prices into a rebalance action.
type Planner struct {
	cfg Config
}

// NewPlanner creates a planner.
func NewPlanner(cfg Config) *Planner {
	return &Planner{cfg: cfg}
}

// Plan returns nil when the position is within tolerance or the imbalance
// is too small to trade.
func (p *Planner) Plan(pos model.Position, spotPrice, markPrice decimal.Decimal) (*model.RebalanceAction, error) {
	if !spotPrice.IsPositive() || !markPrice.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, pos.Market)
	}
	spotValue := pos.Spot.Value(spotPrice)
	hedgeValue := pos.Derivative.Value(markPrice)
	total := spotValue.Add(hedgeValue)
	if !total.IsPositive() {
		return nil, nil
	}

	weight := spotValue.Div(total)
	drift := weight.Sub(p.cfg.TargetSpotWeight).Abs()
	if drift.LessThanOrEqual(p.cfg.Tolerance) {
		return nil, nil
	}

	imbalance := weight.Sub(p.cfg.TargetSpotWeight).Mul(total)
	if imbalance.Abs().LessThan(p.cfg.MinNotional) {
		slog.Debug("rebalance below minimum", "tenant", pos.Tenant, "market", pos.Market,
			"imbalance", imbalance.StringFixed(2))
		return nil, nil
	}

	hundred := decimal.NewFromInt(100)
	action := &model.RebalanceAction{
		Tenant:        pos.Tenant,
		Market:        pos.Market,
		Notional:      imbalance.Abs().Round(margin.PriceScale),
		Drift:         drift.Round(margin.PriceScale),
		EstimatedFees: imbalance.Abs().Mul(p.cfg.FeeRate).Round(margin.PriceScale),
	}
	if imbalance.IsPositive() {
		action.Direction = model.SellSpotAddHedge
		action.Reason = fmt.Sprintf("spot heavy (%s%% vs %s%% target)",
			weight.Mul(hundred).StringFixed(1), p.cfg.TargetSpotWeight.Mul(hundred).StringFixed(0))
	} else {
		action.Direction = model.ReduceHedgeBuySpot
		action.Reason = fmt.Sprintf("hedge heavy (%s%% vs %s%% target)",
			hedgeValue.Div(total).Mul(hundred).StringFixed(1),
			decimal.NewFromInt(1).Sub(p.cfg.TargetSpotWeight).Mul(hundred).StringFixed(0))
	}

	if p.cfg.MaxFee.IsPositive() && action.EstimatedFees.GreaterThan(p.cfg.MaxFee) {
		return nil, fmt.Errorf("%w: %s %s fee %s > %s", ErrFeeGuard, pos.Tenant, pos.Market,
			action.EstimatedFees.StringFixed(4), p.cfg.MaxFee.StringFixed(4))
	}
	return action, nil
}

// Executor is the lifecycle surface the scheduler drives.
type Executor interface {
	Tenants(ctx context.Context) ([]string, error)
	OpenPositions(ctx context.Context, tenant string) ([]model.Position, error)
	Rebalance(ctx context.Context, tenant string, action model.RebalanceAction) error
}

// Scheduler periodically plans and applies rebalances for every ACTIVE
// position of every tenant.
type Scheduler struct {
	planner *Planner
	exec    Executor
	quotes  venue.QuoteProvider
	sink    signal.Sink
	quote   string
	every   time.Duration
}

// NewScheduler creates a scheduler pricing spot in quote. A nil sink
// discards events and an empty quote means market.DefaultQuote.
func NewScheduler(cfg Config, exec Executor, quotes venue.QuoteProvider, quote string, sink signal.Sink) *Scheduler {
	if sink == nil {
		sink = signal.Discard{}
	}
	if quote == "" {
		quote = market.DefaultQuote
	}
	every := cfg.Interval
	if every <= 0 {
		every = time.Hour
	}
	return &Scheduler{
		planner: NewPlanner(cfg),
		exec:    exec,
		quotes:  quotes,
		sink:    sink,
		quote:   quote,
		every:   every,
	}
}

// Run ticks until ctx is done. Errors from a pass are logged, never fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	slog.Info("rebalance scheduler started", "interval", s.every)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.RunOnce(ctx)
			if err != nil {
				slog.Error("rebalance pass had failures", "err", err)
			}
			if n > 0 {
				slog.Info("rebalance pass complete", "actions", n)
			}
		}
	}
}

// RunOnce plans every tenant once and applies the resulting actions. It
// returns how many actions were applied; per-tenant failures are combined
// and never stop other tenants.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	tenants, err := s.exec.Tenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}

	applied := 0
	var errs error
	for _, tenant := range tenants {
		n, err := s.tenant(ctx, tenant)
		applied += n
		errs = multierr.Append(errs, err)
	}
	return applied, errs
}

func (s *Scheduler) tenant(ctx context.Context, tenant string) (int, error) {
	positions, err := s.exec.OpenPositions(ctx, tenant)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", tenant, err)
	}

	applied := 0
	var errs error
	for _, pos := range positions {
		if pos.State != model.StateActive {
			continue
		}
		action, err := s.plan(ctx, pos)
		if errors.Is(err, ErrFeeGuard) {
			slog.Info("rebalance skipped", "tenant", tenant, "market", pos.Market, "err", err)
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s/%s: %w", tenant, pos.Market, err))
			continue
		}
		if action == nil {
			continue
		}
		if err := s.exec.Rebalance(ctx, tenant, *action); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s/%s: %w", tenant, pos.Market, err))
			continue
		}
		applied++
		s.sink.Publish(signal.Event{
			Type:   signal.TypeRebalance,
			Tenant: tenant,
			Market: pos.Market,
			Data:   action,
			At:     time.Now(),
		})
	}
	return applied, errs
}

func (s *Scheduler) plan(ctx context.Context, pos model.Position) (*model.RebalanceAction, error) {
	m, err := market.Parse(pos.Market)
	if err != nil {
		return nil, err
	}
	spot, ok := s.quotes.SpotPrice(ctx, m.Base, s.quote)
	if !ok || !spot.IsPositive() {
		return nil, fmt.Errorf("%w: spot %s/%s", model.ErrStaleOrMissingQuote, m.Base, s.quote)
	}
	mark, ok := s.quotes.MarkPrice(ctx, m.Symbol)
	if !ok || !mark.IsPositive() {
		return nil, fmt.Errorf("%w: mark %s", model.ErrStaleOrMissingQuote, m.Symbol)
	}
	return s.planner.Plan(pos, spot, mark)
}
