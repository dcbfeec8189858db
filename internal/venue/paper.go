package venue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/margin"
	"github.com/atmx/hedge-engine/internal/market"
	"github.com/atmx/hedge-engine/internal/model"
)

// ErrUnavailable is returned when the venue cannot answer.
var ErrUnavailable = errors.New("venue: unavailable")

// WalletReader reads the balances of the live wallet the paper tenants are
// seeded from.
type WalletReader interface {
	WalletBalances(ctx context.Context) (map[string]decimal.Decimal, error)
}

// PaperOption configures a Paper venue.
type PaperOption func(*Paper)

// WithLatency delays every submission by d.
func WithLatency(d time.Duration) PaperOption {
	return func(p *Paper) { p.latency = d }
}

// WithMaxDeviation rejects simulations whose reference price strays more
// than frac from the current quote.
func WithMaxDeviation(frac decimal.Decimal) PaperOption {
	return func(p *Paper) { p.maxDeviation = frac }
}

// Paper is an in-process venue. Fills are priced by the margin simulator
// against the quotes set on it, and derivative positions are tracked per
// tenant so timeouts can be reconciled.
type Paper struct {
	sim          *margin.Simulator
	quote        string
	latency      time.Duration
	maxDeviation decimal.Decimal

	mu          sync.RWMutex
	spot        map[string]decimal.Decimal
	marks       map[string]decimal.Decimal
	funding     map[string]model.FundingRate
	positions   map[string]decimal.Decimal
	wallet      map[string]decimal.Decimal
	fillRatio   decimal.Decimal
	unreachable bool
}

// NewPaper creates a paper venue quoting in quote.
func NewPaper(sim *margin.Simulator, quote string, opts ...PaperOption) *Paper {
	p := &Paper{
		sim:          sim,
		quote:        quote,
		maxDeviation: decimal.NewFromFloat(0.05),
		spot:         make(map[string]decimal.Decimal),
		marks:        make(map[string]decimal.Decimal),
		funding:      make(map[string]model.FundingRate),
		positions:    make(map[string]decimal.Decimal),
		wallet:       make(map[string]decimal.Decimal),
		fillRatio:    decimal.NewFromInt(1),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetSpot sets the spot price of asset in the venue's quote asset.
func (p *Paper) SetSpot(asset string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spot[asset] = price
}

// SetMark sets the derivative mark price of market.
func (p *Paper) SetMark(market string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[market] = price
}

// SetFunding sets the funding quote of market.
func (p *Paper) SetFunding(market string, rate model.FundingRate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.funding[market] = rate
}

// ClearQuotes drops every quote for market and its base asset.
func (p *Paper) ClearQuotes(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.marks, symbol)
	delete(p.funding, symbol)
	if m, err := market.Parse(symbol); err == nil {
		delete(p.spot, m.Base)
	}
}

// SetWallet replaces the live wallet balances.
func (p *Paper) SetWallet(balances map[string]decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wallet = make(map[string]decimal.Decimal, len(balances))
	for k, v := range balances {
		p.wallet[k] = v
	}
}

// SetFillRatio makes every later fill execute ratio of the requested size.
func (p *Paper) SetFillRatio(ratio decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fillRatio = ratio
}

// SetReachable toggles whether position reads succeed.
func (p *Paper) SetReachable(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unreachable = !ok
}

func (p *Paper) SpotPrice(_ context.Context, asset, quote string) (decimal.Decimal, bool) {
	if asset == quote {
		return decimal.NewFromInt(1), true
	}
	if quote != p.quote {
		return decimal.Zero, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	px, ok := p.spot[asset]
	return px, ok && px.IsPositive()
}

func (p *Paper) MarkPrice(_ context.Context, market string) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	px, ok := p.marks[market]
	return px, ok && px.IsPositive()
}

func (p *Paper) FundingRate(_ context.Context, market string) (model.FundingRate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.funding[market]
	return r, ok
}

func (p *Paper) WalletBalances(context.Context) (map[string]decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(p.wallet))
	for k, v := range p.wallet {
		out[k] = v
	}
	return out, nil
}

// current returns the venue's own price for an order's instrument.
func (p *Paper) current(o Order) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if o.Leg == model.LegDerivative {
		px, ok := p.marks[o.Instrument]
		return px, ok
	}
	base, _, err := market.ParsePair(o.Instrument)
	if err != nil {
		return decimal.Zero, false
	}
	px, ok := p.spot[base]
	return px, ok
}

// Simulate dry-runs every order: sizes and prices must be positive, the
// instrument must be quoted and the reference must be near the quote.
func (p *Paper) Simulate(_ context.Context, in Intent) error {
	if len(in.Orders) == 0 {
		return fmt.Errorf("%w: intent %s has no orders", model.ErrSimulationFailed, in.ID)
	}
	for _, o := range in.Orders {
		if _, err := p.sim.SimulateFill(o.Direction, o.Size, o.Reference); err != nil {
			return fmt.Errorf("%w: %s %s: %v", model.ErrSimulationFailed, o.Direction, o.Instrument, err)
		}
		px, ok := p.current(o)
		if !ok || !px.IsPositive() {
			return fmt.Errorf("%w: no quote for %s", model.ErrSimulationFailed, o.Instrument)
		}
		if dev := o.Reference.Sub(px).Abs().Div(px); dev.GreaterThan(p.maxDeviation) {
			return fmt.Errorf("%w: %s reference %s deviates %s%% from %s", model.ErrSimulationFailed,
				o.Instrument, o.Reference.String(), dev.Mul(decimal.NewFromInt(100)).StringFixed(2), px.String())
		}
	}
	return nil
}

// Submit fills every order after the configured latency. A context that
// ends first aborts the submission with nothing executed.
func (p *Paper) Submit(ctx context.Context, in Intent) (Receipt, error) {
	if p.latency > 0 {
		t := time.NewTimer(p.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-t.C:
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fills := make([]Fill, 0, len(in.Orders))
	for _, o := range in.Orders {
		size := o.Size.Mul(p.fillRatio).Round(margin.PriceScale)
		f, err := p.sim.SimulateFill(o.Direction, size, o.Reference)
		if err != nil {
			return Receipt{}, fmt.Errorf("paper fill %s: %w", o.Instrument, err)
		}
		fills = append(fills, Fill{Leg: o.Leg, Instrument: o.Instrument, Fill: f})
	}
	for _, f := range fills {
		if f.Leg != model.LegDerivative {
			continue
		}
		key := positionKey(in.Tenant, f.Instrument)
		if f.Direction == model.Buy {
			p.positions[key] = p.positions[key].Add(f.Size)
		} else {
			p.positions[key] = p.positions[key].Sub(f.Size)
		}
	}
	return Receipt{
		IntentID:    in.ID,
		TxID:        uuid.New().String(),
		Fills:       fills,
		SubmittedAt: time.Now(),
	}, nil
}

func (p *Paper) PositionSize(_ context.Context, tenant, market string) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.unreachable {
		return decimal.Zero, ErrUnavailable
	}
	return p.positions[positionKey(tenant, market)], nil
}

func positionKey(tenant, market string) string {
	return tenant + "/" + market
}
