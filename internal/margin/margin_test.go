package margin

import (
	"errors"
	"testing"

	"github.com/atmx/hedge-engine/internal/model"
	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newSim(t *testing.T) *Simulator {
	t.Helper()
	s, err := NewSimulator(DefaultConfig())
	if err != nil {
		t.Fatalf("NewSimulator: %v", err)
	}
	return s
}

// --- Constructor tests ---

func TestNewSimulator_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaintenanceRate = d(1)
	if _, err := NewSimulator(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for maintenance rate 1, got %v", err)
	}

	cfg = DefaultConfig()
	cfg.TierMaxSlippage = d(0.0005)
	if _, err := NewSimulator(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for inverted tiers, got %v", err)
	}
}

// --- Slippage tests ---

func TestSlippage_Linear(t *testing.T) {
	s := newSim(t)
	got := s.Slippage(d(1000), d(100000), false)
	if !got.Equal(d(0.0035)) {
		t.Errorf("expected 0.0035, got %s", got)
	}
}

func TestSlippage_Volatile(t *testing.T) {
	s := newSim(t)
	got := s.Slippage(d(1000), d(100000), true)
	if !got.Equal(d(0.0105)) {
		t.Errorf("expected 0.0105, got %s", got)
	}
}

func TestSlippage_LiquidityFloor(t *testing.T) {
	s := newSim(t)
	// zero liquidity is treated as the 1000 floor
	got := s.Slippage(d(1000), d(0), false)
	if !got.Equal(d(0.053)) {
		t.Errorf("expected 0.053, got %s", got)
	}
}

func TestSlippage_Capped(t *testing.T) {
	s := newSim(t)
	got := s.Slippage(d(1_000_000), d(1000), true)
	if !got.Equal(d(0.5)) {
		t.Errorf("expected cap 0.5, got %s", got)
	}
}

func TestTieredSlippage(t *testing.T) {
	s := newSim(t)
	cases := []struct {
		size float64
		want float64
	}{
		{0.5, 0.001},
		{10, 0.001},
		{25, 0.002},
		{50, 0.003},
		{500, 0.003},
	}
	for _, c := range cases {
		if got := s.TieredSlippage(d(c.size)); !got.Equal(d(c.want)) {
			t.Errorf("size %v: expected %v, got %s", c.size, c.want, got)
		}
	}
}

func TestTieredSlippage_MonotoneAboveThreshold(t *testing.T) {
	s := newSim(t)
	prev := s.TieredSlippage(d(10))
	for size := 11.0; size <= 80; size++ {
		cur := s.TieredSlippage(d(size))
		if cur.LessThan(prev) {
			t.Fatalf("slippage decreased at size %v: %s < %s", size, cur, prev)
		}
		if cur.GreaterThan(d(0.003)) {
			t.Fatalf("slippage above max at size %v: %s", size, cur)
		}
		prev = cur
	}
}

// --- Fill tests ---

func TestFillPrice_AdverseDirection(t *testing.T) {
	buy := FillPrice(d(100), d(0.001), model.Buy)
	sell := FillPrice(d(100), d(0.001), model.Sell)
	if !buy.Equal(d(100.1)) {
		t.Errorf("buy fill: expected 100.1, got %s", buy)
	}
	if !sell.Equal(d(99.9)) {
		t.Errorf("sell fill: expected 99.9, got %s", sell)
	}
}

func TestSimulateFill_SmallSize(t *testing.T) {
	s := newSim(t)
	f, err := s.SimulateFill(model.Buy, d(5), d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Price.Equal(d(100.1)) {
		t.Errorf("expected price 100.1, got %s", f.Price)
	}
	if !f.Notional.Equal(d(500.5)) {
		t.Errorf("expected notional 500.5, got %s", f.Notional)
	}
	if !f.Fee.Equal(d(0.5005)) {
		t.Errorf("expected fee 0.5005, got %s", f.Fee)
	}
}

func TestSimulateFill_LargeSellScalesTowardMax(t *testing.T) {
	s := newSim(t)
	f, err := s.SimulateFill(model.Sell, d(25), d(200))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 0.2% below reference
	if !f.Price.Equal(d(199.6)) {
		t.Errorf("expected 199.6, got %s", f.Price)
	}
}

func TestSimulateFill_InvalidInput(t *testing.T) {
	s := newSim(t)
	if _, err := s.SimulateFill(model.Buy, d(0), d(100)); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("expected ErrInvalidSize, got %v", err)
	}
	if _, err := s.SimulateFill(model.Buy, d(1), d(0)); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestMaintenanceMargin(t *testing.T) {
	s := newSim(t)
	if got := s.MaintenanceMargin(d(-2000)); !got.Equal(d(100)) {
		t.Errorf("expected 100, got %s", got)
	}
}

// --- Health tests ---

func TestHealthRatio_EdgeCases(t *testing.T) {
	if got := HealthRatio(d(0), d(0)); !got.IsZero() {
		t.Errorf("zero collateral: expected 0, got %s", got)
	}
	if got := HealthRatio(d(0.00000000001), d(0)); !got.IsZero() {
		t.Errorf("dust collateral: expected 0, got %s", got)
	}
	if got := HealthRatio(d(1000), d(0)); !got.Equal(d(100)) {
		t.Errorf("no margin: expected 100, got %s", got)
	}
	if got := HealthRatio(d(100), d(200)); !got.IsZero() {
		t.Errorf("margin above collateral: expected 0, got %s", got)
	}
	if got := HealthRatio(d(100), d(100)); !got.IsZero() {
		t.Errorf("margin equal to collateral: expected 0, got %s", got)
	}
	if got := HealthRatio(d(1000), d(50)); !got.Equal(d(95)) {
		t.Errorf("expected 95, got %s", got)
	}
}

func TestHealthRatio_Bounded(t *testing.T) {
	values := []float64{0, 0.0000001, 0.5, 1, 10, 99.99, 100, 1234.5, 1e9}
	for _, c := range values {
		for _, m := range values {
			h := HealthRatio(d(c), d(m))
			if h.IsNegative() || h.GreaterThan(d(100)) {
				t.Fatalf("health(%v, %v) = %s out of [0,100]", c, m, h)
			}
		}
	}
}

// --- Leverage tests ---

func TestProjectedLeverage(t *testing.T) {
	got, err := ProjectedLeverage(d(2), d(1000), d(3000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(5)) {
		t.Errorf("expected 5, got %s", got)
	}
}

func TestProjectedLeverage_NoCollateral(t *testing.T) {
	if _, err := ProjectedLeverage(d(0), d(0), d(100)); !errors.Is(err, ErrNoCollateral) {
		t.Errorf("expected ErrNoCollateral, got %v", err)
	}
}

func TestLeverage(t *testing.T) {
	got, err := Leverage(d(-500), d(250))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(2)) {
		t.Errorf("expected 2, got %s", got)
	}
}

func TestRoundTripFees(t *testing.T) {
	if got := RoundTripFees(d(-1000), d(0.002)); !got.Equal(d(4)) {
		t.Errorf("expected 4, got %s", got)
	}
}
