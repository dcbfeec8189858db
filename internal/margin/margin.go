// Package margin implements the slippage, fee, leverage and health-ratio
// math used to validate a trade before anything is mutated.
//
// Everything here is stateless and computed on shopspring/decimal. Results
// are rounded to PriceScale places.
package margin

import (
	"errors"

	"github.com/atmx/hedge-engine/internal/model"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoCollateral is returned when leverage is asked of an account
	// that holds nothing to lever.
	ErrNoCollateral = errors.New("margin: collateral must be positive")

	// ErrInvalidSize is returned for non-positive fill sizes.
	ErrInvalidSize = errors.New("margin: size must be positive")

	// ErrInvalidPrice is returned for non-positive reference prices.
	ErrInvalidPrice = errors.New("margin: reference price must be positive")

	// ErrInvalidConfig is returned by NewSimulator for nonsensical settings.
	ErrInvalidConfig = errors.New("margin: invalid simulator config")

	// Epsilon is the tolerance under which collateral or margin counts as zero.
	Epsilon = decimal.New(1, -10)

	// PriceScale is the number of decimal places for prices and ratios.
	PriceScale int32 = 8

	hundred = decimal.NewFromInt(100)
)

// Config holds the slippage, fee and margin parameters.
type Config struct {
	// Liquidity-based slippage.
	BaseSpread           decimal.Decimal `yaml:"base_spread"`
	ImpactMultiplier     decimal.Decimal `yaml:"impact_multiplier"`
	VolatilityMultiplier decimal.Decimal `yaml:"volatility_multiplier"`
	MinLiquidity         decimal.Decimal `yaml:"min_liquidity"`
	MaxSlippage          decimal.Decimal `yaml:"max_slippage"`

	// Size-tiered slippage for simulated fills.
	TierMinSlippage decimal.Decimal `yaml:"tier_min_slippage"`
	TierMaxSlippage decimal.Decimal `yaml:"tier_max_slippage"`
	TierThreshold   decimal.Decimal `yaml:"tier_threshold"` // units

	FeeRate         decimal.Decimal `yaml:"fee_rate"`
	MaintenanceRate decimal.Decimal `yaml:"maintenance_rate"`
}

// DefaultConfig returns the paper-trading defaults.
func DefaultConfig() Config {
	return Config{
		BaseSpread:           decimal.NewFromFloat(0.003),
		ImpactMultiplier:     decimal.NewFromFloat(0.05),
		VolatilityMultiplier: decimal.NewFromInt(3),
		MinLiquidity:         decimal.NewFromInt(1000),
		MaxSlippage:          decimal.NewFromFloat(0.5),
		TierMinSlippage:      decimal.NewFromFloat(0.001),
		TierMaxSlippage:      decimal.NewFromFloat(0.003),
		TierThreshold:        decimal.NewFromInt(10),
		FeeRate:              decimal.NewFromFloat(0.001),
		MaintenanceRate:      decimal.NewFromFloat(0.05),
	}
}

// Simulator prices fills and margin requirements. It holds no state
// beyond its configuration and is safe for concurrent use.
type Simulator struct {
	cfg Config
}

// NewSimulator validates cfg and returns a simulator.
func NewSimulator(cfg Config) (*Simulator, error) {
	switch {
	case !cfg.MaxSlippage.IsPositive(),
		!cfg.MinLiquidity.IsPositive(),
		!cfg.TierThreshold.IsPositive(),
		cfg.TierMaxSlippage.LessThan(cfg.TierMinSlippage),
		cfg.FeeRate.IsNegative(),
		!cfg.MaintenanceRate.IsPositive(),
		cfg.MaintenanceRate.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return nil, ErrInvalidConfig
	}
	return &Simulator{cfg: cfg}, nil
}

// Config returns the simulator's parameters.
func (s *Simulator) Config() Config {
	return s.cfg
}

// Slippage estimates fractional slippage for a trade of notional against
// the available liquidity:
//
//	(base + impact × notional / max(liquidity, minLiquidity)) × (volMult if volatile)
//
// capped at MaxSlippage.
func (s *Simulator) Slippage(notional, liquidity decimal.Decimal, volatile bool) decimal.Decimal {
	safeLiquidity := decimal.Max(liquidity, s.cfg.MinLiquidity)
	impact := s.cfg.ImpactMultiplier.Mul(notional.Abs()).Div(safeLiquidity)
	slip := s.cfg.BaseSpread.Add(impact)
	if volatile {
		slip = slip.Mul(s.cfg.VolatilityMultiplier)
	}
	return decimal.Min(slip, s.cfg.MaxSlippage).Round(PriceScale)
}

// TieredSlippage returns the simulated slippage for a fill of size units.
// At or below TierThreshold it is TierMinSlippage; above, it rises linearly
// and reaches TierMaxSlippage at five times the threshold.
func (s *Simulator) TieredSlippage(size decimal.Decimal) decimal.Decimal {
	size = size.Abs()
	if size.LessThanOrEqual(s.cfg.TierThreshold) {
		return s.cfg.TierMinSlippage
	}
	ratio := decimal.Min(size.Div(s.cfg.TierThreshold.Mul(decimal.NewFromInt(5))), decimal.NewFromInt(1))
	spread := s.cfg.TierMaxSlippage.Sub(s.cfg.TierMinSlippage)
	return s.cfg.TierMinSlippage.Add(spread.Mul(ratio)).Round(PriceScale)
}

// FillPrice applies slippage in the adverse direction: buys fill above the
// reference price, sells below.
func FillPrice(ref, slippage decimal.Decimal, dir model.Direction) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if dir == model.Sell {
		return ref.Mul(one.Sub(slippage)).Round(PriceScale)
	}
	return ref.Mul(one.Add(slippage)).Round(PriceScale)
}

// Fill is the projected outcome of a simulated execution.
type Fill struct {
	Direction model.Direction `json:"direction"`
	Size      decimal.Decimal `json:"size"`
	Reference decimal.Decimal `json:"reference"`
	Price     decimal.Decimal `json:"price"`
	Slippage  decimal.Decimal `json:"slippage"`
	Notional  decimal.Decimal `json:"notional"`
	Fee       decimal.Decimal `json:"fee"`
}

// SimulateFill prices a fill of size units against ref using tiered slippage.
func (s *Simulator) SimulateFill(dir model.Direction, size, ref decimal.Decimal) (Fill, error) {
	if !size.IsPositive() {
		return Fill{}, ErrInvalidSize
	}
	if !ref.IsPositive() {
		return Fill{}, ErrInvalidPrice
	}
	slip := s.TieredSlippage(size)
	price := FillPrice(ref, slip, dir)
	notional := size.Mul(price).Round(PriceScale)
	return Fill{
		Direction: dir,
		Size:      size,
		Reference: ref,
		Price:     price,
		Slippage:  slip,
		Notional:  notional,
		Fee:       s.Fee(notional),
	}, nil
}

// Fee is the taker fee for a fill of the given notional.
func (s *Simulator) Fee(notional decimal.Decimal) decimal.Decimal {
	return notional.Abs().Mul(s.cfg.FeeRate).Round(PriceScale)
}

// MaintenanceMargin is the margin a derivative exposure of notional requires.
func (s *Simulator) MaintenanceMargin(notional decimal.Decimal) decimal.Decimal {
	return notional.Abs().Mul(s.cfg.MaintenanceRate).Round(PriceScale)
}

// HealthRatio maps collateral and maintenance margin onto [0, 100]:
//
//	clamp(0, 100, (collateral − maintenance) / collateral × 100)
//
// Collateral within Epsilon of zero yields 0; maintenance within Epsilon of
// zero yields 100.
func HealthRatio(collateral, maintenance decimal.Decimal) decimal.Decimal {
	if collateral.LessThanOrEqual(Epsilon) {
		return decimal.Zero
	}
	if maintenance.Abs().LessThanOrEqual(Epsilon) {
		return hundred
	}
	if maintenance.GreaterThanOrEqual(collateral) {
		return decimal.Zero
	}
	h := collateral.Sub(maintenance).Div(collateral).Mul(hundred)
	return clamp(h.Round(PriceScale), decimal.Zero, hundred)
}

// Leverage is total notional exposure over collateral.
func Leverage(notional, collateral decimal.Decimal) (decimal.Decimal, error) {
	if collateral.LessThanOrEqual(Epsilon) {
		return decimal.Zero, ErrNoCollateral
	}
	return notional.Abs().Div(collateral).Round(PriceScale), nil
}

// ProjectedLeverage is the leverage after adding newNotional of exposure:
//
//	((current × collateral) + newNotional) / collateral
func ProjectedLeverage(current, collateral, newNotional decimal.Decimal) (decimal.Decimal, error) {
	if collateral.LessThanOrEqual(Epsilon) {
		return decimal.Zero, ErrNoCollateral
	}
	exposure := current.Mul(collateral).Add(newNotional.Abs())
	return exposure.Div(collateral).Round(PriceScale), nil
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// RoundTripFees estimates the fees to enter and exit a position of
// notional at feePerSide on each side.
func RoundTripFees(notional, feePerSide decimal.Decimal) decimal.Decimal {
	return notional.Abs().Mul(feePerSide).Mul(decimal.NewFromInt(2)).Round(PriceScale)
}
