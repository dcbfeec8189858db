package position

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/exit"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/margin"
	"github.com/atmx/hedge-engine/internal/market"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/signal"
)

// Withdraw debits amount of asset if the tenant's health after the
// withdrawal stays at or above MinWithdrawHealth. It returns that projected
// health.
func (m *Manager) Withdraw(ctx context.Context, tenant, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, reject(fmt.Errorf("%w: withdraw %s", model.ErrInvalidAmount, amount.String()))
	}
	asset = strings.ToUpper(asset)

	l := m.lockFor(tenant)
	l.Lock()
	defer l.Unlock()

	avail, err := m.vault.Available(ctx, tenant, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if avail.LessThan(amount) {
		return decimal.Zero, reject(&model.InsufficientBalanceError{Asset: asset, Requested: amount, Available: avail})
	}

	snap, err := m.vault.Snapshot(ctx, tenant)
	if err != nil {
		return decimal.Zero, err
	}
	prices, err := m.pricesFor(ctx, snap)
	if err != nil {
		return decimal.Zero, reject(err)
	}
	px := decimal.NewFromInt(1)
	if asset != m.quote() {
		var ok bool
		if px, ok = prices[asset]; !ok {
			return decimal.Zero, reject(fmt.Errorf("%w: spot %s/%s", model.ErrStaleOrMissingQuote, asset, m.quote()))
		}
	}

	collateral := ledger.Valuation(snap, m.quote(), prices).Sub(amount.Mul(px))
	_, hedge := exposure(snap, prices)
	mm := m.sim.MaintenanceMargin(hedge)
	projected := margin.HealthRatio(collateral, mm)
	if projected.LessThan(m.cfg.MinWithdrawHealth) {
		return projected, reject(&model.HealthError{Projected: projected, Min: m.cfg.MinWithdrawHealth})
	}

	if err := m.vault.Debit(ctx, tenant, asset, amount); err != nil {
		return decimal.Zero, err
	}
	slog.Info("withdrawal", "tenant", tenant, "asset", asset,
		"amount", amount.String(), "projected_health", projected.StringFixed(2))
	m.audit(ctx, tenant, "", "withdraw", fmt.Sprintf("%s %s, projected health %s%%",
		amount.String(), asset, projected.StringFixed(2)))
	return projected, nil
}

// AccrueFunding books one funding period on the tenant's position in
// symbol. ratePeriod is a percentage; the short leg receives positive
// rates. It returns the payment credited in the quote asset.
func (m *Manager) AccrueFunding(ctx context.Context, tenant, symbol string, ratePeriod decimal.Decimal) (decimal.Decimal, error) {
	mk, err := market.Parse(symbol)
	if err != nil {
		return decimal.Zero, err
	}

	l := m.lockFor(tenant)
	l.Lock()
	defer l.Unlock()

	p, err := m.vault.Position(ctx, tenant, mk.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if p.State != model.StateActive && p.State != model.StateRebalancing {
		return decimal.Zero, fmt.Errorf("%w: %s/%s is %s", model.ErrPositionNotFound, tenant, mk.Symbol, p.State)
	}
	markPx, ok := m.quotes.MarkPrice(ctx, mk.Symbol)
	if !ok || !markPx.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: mark %s", model.ErrStaleOrMissingQuote, mk.Symbol)
	}

	payment := p.Derivative.Value(markPx).Mul(ratePeriod).Div(decimal.NewFromInt(100)).Round(margin.PriceScale)
	if p.Derivative.Side == model.SideLong {
		payment = payment.Neg()
	}
	p.AccumulatedFunding = p.AccumulatedFunding.Add(payment)
	p.UpdatedAt = m.now()

	err = m.vault.Apply(ctx, tenant, ledger.Transaction{
		Entries:   []ledger.Entry{{Asset: m.quote(), Delta: payment}},
		Positions: []model.Position{p},
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("accrue funding %s/%s: %w", tenant, mk.Symbol, err)
	}
	slog.Debug("funding accrued", "tenant", tenant, "market", mk.Symbol,
		"rate", ratePeriod.String(), "payment", payment.StringFixed(6))
	return payment, nil
}

// Health derives the tenant's HealthSnapshot at current prices.
func (m *Manager) Health(ctx context.Context, tenant string) (model.HealthSnapshot, error) {
	snap, err := m.vault.Snapshot(ctx, tenant)
	if err != nil {
		return model.HealthSnapshot{}, err
	}
	prices, err := m.pricesFor(ctx, snap)
	if err != nil {
		return model.HealthSnapshot{}, err
	}

	collateral := ledger.Valuation(snap, m.quote(), prices)
	total, hedge := exposure(snap, prices)
	mm := m.sim.MaintenanceMargin(hedge)
	lev, err := margin.Leverage(total, collateral)
	if err != nil {
		lev = decimal.Zero
	}
	hs := model.HealthSnapshot{
		Tenant:            tenant,
		TotalCollateral:   collateral,
		MaintenanceMargin: mm,
		HealthRatio:       margin.HealthRatio(collateral, mm),
		Leverage:          lev,
		Halted:            m.gov.Halted(ctx, tenant),
		TakenAt:           m.now(),
	}
	for _, p := range snap.Positions {
		if !p.IsOpen() {
			continue
		}
		ph := model.PositionHealth{
			Market:     p.Market,
			State:      p.State,
			HedgeValue: p.Derivative.Value(prices[p.Derivative.Instrument]),
			Funding:    p.AccumulatedFunding,
		}
		if mk, err := market.Parse(p.Market); err == nil {
			ph.SpotValue = p.Spot.Value(prices[mk.Base])
		}
		hs.Positions = append(hs.Positions, ph)
	}
	sort.Slice(hs.Positions, func(i, j int) bool { return hs.Positions[i].Market < hs.Positions[j].Market })

	ratio, _ := hs.HealthRatio.Float64()
	metrics.HealthRatio.WithLabelValues(tenant).Set(ratio)
	return hs, nil
}

// marketData gathers what the exit evaluator needs for one market. A
// missing funding rate is passed through as nil.
func (m *Manager) marketData(ctx context.Context, mk *market.Market) (exit.Market, error) {
	spotPx, markPx, err := m.quotesFor(ctx, mk)
	if err != nil {
		return exit.Market{}, err
	}
	md := exit.Market{SpotPrice: spotPx, MarkPrice: markPx, Now: m.now()}
	if fr, ok := m.quotes.FundingRate(ctx, mk.Symbol); ok {
		md.Funding = &fr
	}
	return md, nil
}

// EvaluateExits runs the exit rules over every open position of tenant and
// publishes what fires. Positions without quotes are skipped and logged.
func (m *Manager) EvaluateExits(ctx context.Context, tenant string) ([]model.ExitSignal, error) {
	positions, err := m.vault.OpenPositions(ctx, tenant)
	if err != nil {
		return nil, err
	}
	var out []model.ExitSignal
	for _, p := range positions {
		mk, err := market.Parse(p.Market)
		if err != nil {
			continue
		}
		md, err := m.marketData(ctx, mk)
		if err != nil {
			slog.Warn("exit evaluation skipped", "tenant", tenant, "market", p.Market, "err", err)
			continue
		}
		p.UnrealizedPnL = m.unrealized(p, md)
		for _, s := range m.exits.Evaluate(p, md) {
			metrics.ExitSignals.WithLabelValues(string(s.Urgency)).Inc()
			m.sink.Publish(signal.Event{Type: signal.TypeExit, Tenant: tenant, Market: p.Market, Data: s, At: md.Now})
			out = append(out, s)
		}
	}
	return out, nil
}

// unrealized marks both legs of p against their entry prices.
func (m *Manager) unrealized(p model.Position, md exit.Market) decimal.Decimal {
	spot := md.SpotPrice.Sub(p.Spot.EntryPrice).Mul(p.Spot.Size)
	return spot.Add(ledger.DerivativePnL(p.Derivative, md.MarkPrice))
}

var (
	confidenceCritical  = decimal.NewFromInt(1)
	confidenceHigh      = decimal.NewFromFloat(0.8)
	confidenceRebalance = decimal.NewFromFloat(0.6)
	confidenceAdvisory  = decimal.NewFromFloat(0.5)
)

// Decide answers what the tenant should do on symbol right now. An open
// position is judged by the exit rules, then the rebalance planner; with
// no position, positive funding above EntryMinAPR yields a BUY sized by
// the tenant's capital headroom.
func (m *Manager) Decide(ctx context.Context, tenant, symbol string) (model.Decision, error) {
	mk, err := market.Parse(symbol)
	if err != nil {
		return model.Decision{}, err
	}
	dec := model.Decision{Tenant: tenant, Market: mk.Symbol, Signal: model.SignalHold, Size: decimal.Zero, Confidence: decimal.Zero}

	p, err := m.vault.Position(ctx, tenant, mk.Symbol)
	if err == nil && p.IsOpen() {
		return m.decideOpen(ctx, dec, p, mk)
	}

	if st, err := m.gov.State(ctx, tenant); err == nil && st.Halted {
		dec.Reason = "halted: " + st.HaltReason
		return dec, nil
	}
	fr, ok := m.quotes.FundingRate(ctx, mk.Symbol)
	if !ok {
		dec.Reason = "funding rate unavailable"
		return dec, nil
	}
	if !fr.RatePeriod.IsPositive() || fr.RateAnnualized.LessThan(m.cfg.EntryMinAPR) {
		dec.Reason = fmt.Sprintf("funding %s%% APR below entry threshold %s%%",
			fr.RateAnnualized.StringFixed(2), m.cfg.EntryMinAPR.StringFixed(2))
		return dec, nil
	}

	size, err := m.entrySize(ctx, tenant)
	if err != nil {
		return model.Decision{}, err
	}
	if size.LessThan(m.cfg.MinEntryNotional) {
		dec.Reason = fmt.Sprintf("funding %s%% APR but capacity %s below minimum %s",
			fr.RateAnnualized.StringFixed(2), size.StringFixed(2), m.cfg.MinEntryNotional.StringFixed(2))
		return dec, nil
	}
	dec.Signal = model.SignalBuy
	dec.Size = size
	dec.Confidence = decimal.Min(decimal.NewFromInt(1),
		fr.RateAnnualized.Div(m.cfg.EntryMinAPR.Mul(decimal.NewFromInt(2)))).Round(2)
	dec.Reason = fmt.Sprintf("funding %s%% APR above entry threshold %s%%",
		fr.RateAnnualized.StringFixed(2), m.cfg.EntryMinAPR.StringFixed(2))
	return dec, nil
}

func (m *Manager) decideOpen(ctx context.Context, dec model.Decision, p model.Position, mk *market.Market) (model.Decision, error) {
	md, err := m.marketData(ctx, mk)
	if err != nil {
		return model.Decision{}, err
	}
	p.UnrealizedPnL = m.unrealized(p, md)
	signals := m.exits.Evaluate(p, md)
	if exit.ShouldExit(signals) {
		top := signals[0]
		dec.Signal = model.SignalClose
		dec.Size = p.TotalNotional()
		dec.Confidence = confidenceHigh
		if top.Urgency == model.UrgencyCritical {
			dec.Confidence = confidenceCritical
		}
		dec.Reason = fmt.Sprintf("%s: %s", top.Reason, top.Details)
		return dec, nil
	}

	if p.State == model.StateActive {
		action, err := m.planner.Plan(p, md.SpotPrice, md.MarkPrice)
		if err != nil {
			slog.Debug("rebalance plan skipped", "tenant", p.Tenant, "market", p.Market, "err", err)
		} else if action != nil {
			dec.Signal = model.SignalRebalance
			dec.Size = action.Notional
			dec.Confidence = confidenceRebalance
			dec.Reason = action.Reason
			return dec, nil
		}
	}

	if len(signals) > 0 {
		dec.Confidence = confidenceAdvisory
		dec.Reason = fmt.Sprintf("holding, advisory %s: %s", signals[0].Reason, signals[0].Details)
		return dec, nil
	}
	dec.Reason = fmt.Sprintf("holding %s position", p.State)
	return dec, nil
}

// entrySize is the largest notional the tenant could open now: bounded by
// its capital-share headroom, its free quote balance, and the leverage cap.
func (m *Manager) entrySize(ctx context.Context, tenant string) (decimal.Decimal, error) {
	headroom, err := m.gov.Headroom(ctx, tenant)
	if err != nil {
		return decimal.Zero, err
	}
	avail, err := m.vault.Available(ctx, tenant, m.quote())
	if err != nil {
		return decimal.Zero, err
	}
	// spot share is paid in full, fees on both legs
	perUnit := m.cfg.SpotShare.Add(m.sim.Config().FeeRate.Mul(decimal.NewFromInt(2)))
	size := decimal.Min(headroom, avail.Div(perUnit))

	snap, err := m.vault.Snapshot(ctx, tenant)
	if err != nil {
		return decimal.Zero, err
	}
	prices, err := m.pricesFor(ctx, snap)
	if err != nil {
		return decimal.Zero, err
	}
	collateral := ledger.Valuation(snap, m.quote(), prices)
	current, _ := exposure(snap, prices)
	room := collateral.Mul(m.cfg.MaxLeverage()).Sub(current)
	size = decimal.Min(size, room)
	if size.IsNegative() {
		return decimal.Zero, nil
	}
	return size.RoundDown(2), nil
}
