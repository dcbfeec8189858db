// Package exit evaluates open hedged positions against the exit rules and
// reports every rule that fires, most urgent first.
package exit

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/margin"
	"github.com/atmx/hedge-engine/internal/model"
)

// Config holds the exit thresholds. Funding rates are percentages, as the
// venue reports them.
type Config struct {
	// FlipThreshold is the per-period rate below which funding has flipped
	// against the short leg.
	FlipThreshold decimal.Decimal `yaml:"flip_threshold"`
	// MinAPR is the annualized rate below which holding is not worth it.
	MinAPR decimal.Decimal `yaml:"min_apr"`
	// TakeProfitMultiple of round-trip fees that net funding must reach.
	TakeProfitMultiple decimal.Decimal `yaml:"take_profit_multiple"`
	// FeePerSide is the fee estimate per side as a fraction of notional.
	FeePerSide decimal.Decimal `yaml:"fee_per_side"`
	// MaxDuration is how long a position may be held.
	MaxDuration time.Duration `yaml:"max_duration"`
	// DeltaTolerance is the largest |1 - spot/derivative| tolerated.
	DeltaTolerance decimal.Decimal `yaml:"delta_tolerance"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		FlipThreshold:      decimal.NewFromFloat(-0.001),
		MinAPR:             decimal.NewFromInt(5),
		TakeProfitMultiple: decimal.NewFromInt(3),
		FeePerSide:         decimal.NewFromFloat(0.002),
		MaxDuration:        168 * time.Hour,
		DeltaTolerance:     decimal.NewFromFloat(0.15),
	}
}

// Market is the market data an evaluation needs. A nil Funding means the
// rate could not be fetched.
type Market struct {
	Funding   *model.FundingRate
	SpotPrice decimal.Decimal
	MarkPrice decimal.Decimal
	Now       time.Time
}

// Evaluator is stateless and safe for concurrent use.
type Evaluator struct {
	cfg Config
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Config returns the evaluator's thresholds.
func (e *Evaluator) Config() Config {
	return e.cfg
}

// Evaluate checks p against every rule. Positions that are not ACTIVE or
// REBALANCING produce nothing.
func (e *Evaluator) Evaluate(p model.Position, m Market) []model.ExitSignal {
	if p.State != model.StateActive && p.State != model.StateRebalancing {
		return nil
	}

	total := p.TotalNotional()
	exitFees := total.Mul(e.cfg.FeePerSide)
	pnl := p.AccumulatedFunding.Add(p.UnrealizedPnL)
	signal := func(reason model.ExitReason, urgency model.Urgency, details string) model.ExitSignal {
		return model.ExitSignal{
			Tenant:     p.Tenant,
			Market:     p.Market,
			Reason:     reason,
			Urgency:    urgency,
			Details:    details,
			CurrentPnL: pnl,
		}
	}

	var out []model.ExitSignal

	if m.Funding == nil {
		out = append(out, signal(model.ExitEmergency, model.UrgencyHigh,
			"funding rate unavailable, cannot safely hold"))
	} else {
		rate := *m.Funding
		if rate.RatePeriod.LessThan(e.cfg.FlipThreshold) {
			out = append(out, signal(model.ExitFundingFlip, model.UrgencyCritical,
				fmt.Sprintf("funding flipped to %s%% per period (threshold %s%%)",
					rate.RatePeriod.String(), e.cfg.FlipThreshold.String())))
		}
		if rate.RateAnnualized.LessThan(e.cfg.MinAPR) {
			out = append(out, signal(model.ExitRateCollapse, model.UrgencyMedium,
				fmt.Sprintf("APR %s%% below minimum %s%%",
					rate.RateAnnualized.StringFixed(2), e.cfg.MinAPR.StringFixed(2))))
		}
	}

	roundTrip := margin.RoundTripFees(total, e.cfg.FeePerSide)
	target := roundTrip.Mul(e.cfg.TakeProfitMultiple)
	if net := p.AccumulatedFunding.Sub(exitFees); total.IsPositive() && net.GreaterThanOrEqual(target) {
		out = append(out, signal(model.ExitTakeProfit, model.UrgencyLow,
			fmt.Sprintf("net funding %s reached %s (%sx round-trip fees)",
				net.StringFixed(2), target.StringFixed(2), e.cfg.TakeProfitMultiple.String())))
	}

	if !p.OpenedAt.IsZero() && e.cfg.MaxDuration > 0 {
		if age := m.Now.Sub(p.OpenedAt); age >= e.cfg.MaxDuration {
			out = append(out, signal(model.ExitMaxDuration, model.UrgencyLow,
				fmt.Sprintf("held %s, limit %s", age.Truncate(time.Minute), e.cfg.MaxDuration)))
		}
	}

	spotValue := p.Spot.Value(m.SpotPrice)
	hedgeValue := p.Derivative.Value(m.MarkPrice)
	if spotValue.IsPositive() && hedgeValue.IsPositive() {
		drift := decimal.NewFromInt(1).Sub(spotValue.Div(hedgeValue)).Abs()
		if drift.GreaterThan(e.cfg.DeltaTolerance) {
			s := signal(model.ExitDeltaRunaway, model.UrgencyHigh,
				fmt.Sprintf("delta drift %s%% exceeds %s%%",
					drift.Mul(decimal.NewFromInt(100)).StringFixed(2),
					e.cfg.DeltaTolerance.Mul(decimal.NewFromInt(100)).StringFixed(1)))
			s.ProjectedLoss = total.Mul(drift).Mul(e.cfg.FeePerSide).Round(margin.PriceScale)
			out = append(out, s)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Urgency.Rank() < out[j].Urgency.Rank()
	})
	return out
}

// ShouldExit reports whether any signal is mandatory.
func ShouldExit(signals []model.ExitSignal) bool {
	for _, s := range signals {
		if s.Urgency.Mandatory() {
			return true
		}
	}
	return false
}
