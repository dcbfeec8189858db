package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/margin"
	"github.com/atmx/hedge-engine/internal/market"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/venue"
)

// Open enters a hedged position of notional on symbol: SafetyGate, escrow,
// submission, then one ledger transaction moving the position to ACTIVE.
// Validation failures leave no trace.
func (m *Manager) Open(ctx context.Context, tenant, symbol string, notional decimal.Decimal) (model.Position, error) {
	if !notional.IsPositive() {
		return model.Position{}, reject(fmt.Errorf("%w: notional %s", model.ErrInvalidAmount, notional.String()))
	}
	mk, err := market.Parse(symbol)
	if err != nil {
		return model.Position{}, reject(err)
	}

	l := m.lockFor(tenant)
	l.Lock()
	defer l.Unlock()

	if err := m.gov.CanExecute(ctx, tenant, notional); err != nil {
		return model.Position{}, reject(err)
	}
	cur, err := m.vault.Position(ctx, tenant, mk.Symbol)
	switch {
	case err == nil && cur.IsOpen():
		return model.Position{}, reject(fmt.Errorf("%w: %s/%s is %s", model.ErrPositionExists, tenant, mk.Symbol, cur.State))
	case err != nil && !errors.Is(err, model.ErrPositionNotFound):
		return model.Position{}, err
	}

	spotPx, markPx, err := m.quotesFor(ctx, mk)
	if err != nil {
		return model.Position{}, reject(err)
	}
	spotNotional := notional.Mul(m.cfg.SpotShare)
	spotSize := spotNotional.Div(spotPx).Round(margin.PriceScale)
	hedgeSize := notional.Sub(spotNotional).Div(markPx).Round(margin.PriceScale)
	if !spotSize.IsPositive() || !hedgeSize.IsPositive() {
		return model.Position{}, reject(fmt.Errorf("%w: notional %s too small to split", model.ErrInvalidAmount, notional.String()))
	}

	in := venue.Intent{
		ID:     uuid.New().String(),
		Tenant: tenant,
		Market: mk.Symbol,
		Orders: []venue.Order{
			{Leg: model.LegSpot, Instrument: mk.SpotPair(), Direction: model.Buy, Size: spotSize, Reference: spotPx},
			{Leg: model.LegDerivative, Instrument: mk.Symbol, Direction: model.Sell, Size: hedgeSize, Reference: markPx},
		},
	}
	cost, err := m.gate(ctx, tenant, in, notional)
	if err != nil {
		return model.Position{}, reject(err)
	}
	lockID, err := m.vault.Lock(ctx, tenant, m.quote(), cost)
	if err != nil {
		return model.Position{}, reject(err)
	}

	now := m.now()
	p := model.Position{
		ID:     uuid.New().String(),
		Tenant: tenant,
		Market: mk.Symbol,
		Spot: model.Leg{
			Kind: model.LegSpot, Instrument: mk.SpotPair(), Side: model.SideLong, Size: spotSize, EntryPrice: spotPx,
		},
		Derivative: model.Leg{
			Kind: model.LegDerivative, Instrument: mk.Symbol, Side: model.SideShort, Size: hedgeSize, EntryPrice: markPx,
		},
		State:     model.StateIdle,
		OpenedAt:  now,
		UpdatedAt: now,
	}
	if err := transition(&p, model.StateEntering); err != nil {
		return model.Position{}, err
	}
	if err := m.save(ctx, p); err != nil {
		if uerr := m.vault.Unlock(ctx, lockID); uerr != nil {
			slog.Error("release escrow failed", "tenant", tenant, "lock", lockID, "err", uerr)
		}
		return model.Position{}, fmt.Errorf("persist pending %s/%s: %w", tenant, mk.Symbol, err)
	}

	base := m.baseline(ctx, in)
	rcpt, err := m.submit(ctx, in)
	bg := context.WithoutCancel(ctx)
	if errors.Is(err, model.ErrSubmissionTimeout) {
		switch out, rerr := m.reconcile(bg, in, base); out {
		case landed:
			slog.Warn("timed-out entry found at venue, adopting", "tenant", tenant, "market", mk.Symbol)
			rcpt, err = m.assumedReceipt(in)
		case notLanded:
			return model.Position{}, m.abortOpen(bg, p, lockID, fmt.Errorf("%w (venue shows no fill)", err))
		default:
			// Funds stay in escrow until an operator resolves the position.
			return p, m.markError(bg, p, errors.Join(err, rerr))
		}
	}
	if err != nil {
		return model.Position{}, m.abortOpen(bg, p, lockID, fmt.Errorf("submit entry %s/%s: %w", tenant, mk.Symbol, err))
	}

	spotFill, ok := rcpt.Leg(model.LegSpot)
	hedgeFill, ok2 := rcpt.Leg(model.LegDerivative)
	if !ok || !ok2 {
		return p, m.markError(bg, p, fmt.Errorf("receipt %s missing a leg", rcpt.TxID))
	}
	fees := rcpt.Fees()
	spent := spotFill.Notional.Add(fees)
	p.Spot.Size, p.Spot.EntryPrice = spotFill.Size, spotFill.Price
	p.Derivative.Size, p.Derivative.EntryPrice = hedgeFill.Size, hedgeFill.Price
	p.FeesPaid = fees
	p.RealizedPnL = fees.Neg()
	p.LastTxID = txID(rcpt, in)
	p.UpdatedAt = m.now()
	if err := transition(&p, model.StateActive); err != nil {
		return p, err
	}

	err = m.vault.Apply(bg, tenant, ledger.Transaction{
		ExecuteLocks: []string{lockID},
		Entries: []ledger.Entry{
			{Asset: m.quote(), Delta: cost.Sub(spent)},
			{Asset: mk.Base, Delta: spotFill.Size},
		},
		Positions: []model.Position{p},
	})
	if err != nil {
		p.State = model.StateEntering
		return p, m.markError(bg, p, fmt.Errorf("settle entry: %w", err))
	}

	metrics.PositionsOpened.WithLabelValues(tenant).Inc()
	slog.Info("position opened", "tenant", tenant, "market", mk.Symbol,
		"notional", notional.StringFixed(2), "spot_size", p.Spot.Size.String(),
		"hedge_size", p.Derivative.Size.String(), "fees", fees.StringFixed(4))
	m.record(bg, p, "open", fmt.Sprintf("notional %s, fees %s, tx %s",
		spotFill.Notional.Add(hedgeFill.Notional).StringFixed(2), fees.StringFixed(4), p.LastTxID))
	return p, nil
}

// gate is the SafetyGate: projected leverage against the mode cap, then a
// dry run in live mode. It returns the quote amount to escrow.
func (m *Manager) gate(ctx context.Context, tenant string, in venue.Intent, notional decimal.Decimal) (decimal.Decimal, error) {
	if err := m.checkLeverage(ctx, tenant, notional); err != nil {
		return decimal.Zero, err
	}

	cost := decimal.Zero
	for _, o := range in.Orders {
		f, err := m.sim.SimulateFill(o.Direction, o.Size, o.Reference)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %v", model.ErrInvalidAmount, err)
		}
		if o.Leg == model.LegSpot && o.Direction == model.Buy {
			cost = cost.Add(f.Notional)
		}
		cost = cost.Add(f.Fee)
	}

	if err := m.simulate(ctx, in); err != nil {
		return decimal.Zero, err
	}
	return cost, nil
}

// checkLeverage rejects added exposure that would lift the tenant's
// projected leverage above the mode cap.
func (m *Manager) checkLeverage(ctx context.Context, tenant string, added decimal.Decimal) error {
	snap, err := m.vault.Snapshot(ctx, tenant)
	if err != nil {
		return err
	}
	prices, err := m.pricesFor(ctx, snap)
	if err != nil {
		return err
	}
	collateral := ledger.Valuation(snap, m.quote(), prices)
	current, _ := exposure(snap, prices)
	lev, err := margin.Leverage(current, collateral)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrLeverageExceeded, err)
	}
	projected, err := margin.ProjectedLeverage(lev, collateral, added)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrLeverageExceeded, err)
	}
	if limit := m.cfg.MaxLeverage(); projected.GreaterThan(limit) {
		return &model.LeverageError{Projected: projected, Max: limit}
	}
	return nil
}

// simulate dry-runs in live mode. Nothing reaches Submit in live mode
// without passing here first.
func (m *Manager) simulate(ctx context.Context, in venue.Intent) error {
	if !m.cfg.Live {
		return nil
	}
	if err := m.submitter.Simulate(ctx, in); err != nil {
		if errors.Is(err, model.ErrSimulationFailed) {
			return err
		}
		return fmt.Errorf("%w: %v", model.ErrSimulationFailed, err)
	}
	return nil
}

func (m *Manager) submit(ctx context.Context, in venue.Intent) (venue.Receipt, error) {
	if m.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.SubmitTimeout)
		defer cancel()
	}
	rcpt, err := m.submitter.Submit(ctx, in)
	if err != nil && !errors.Is(err, model.ErrSubmissionTimeout) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = fmt.Errorf("%w: intent %s: %v", model.ErrSubmissionTimeout, in.ID, err)
	}
	return rcpt, err
}

type outcome int

const (
	unknown outcome = iota
	landed
	notLanded
)

// venueBaseline is the venue's signed derivative position read just
// before an intent is submitted.
type venueBaseline struct {
	size decimal.Decimal
	err  error
}

func (m *Manager) baseline(ctx context.Context, in venue.Intent) venueBaseline {
	size, err := m.venueSize(ctx, in)
	if err != nil {
		slog.Warn("venue baseline unavailable", "tenant", in.Tenant, "market", in.Market, "err", err)
	}
	return venueBaseline{size: size, err: err}
}

func (m *Manager) venueSize(ctx context.Context, in venue.Intent) (decimal.Decimal, error) {
	if m.reconciler == nil {
		return decimal.Zero, errors.New("no reconciler configured")
	}
	if m.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.SubmitTimeout)
		defer cancel()
	}
	return m.reconciler.PositionSize(ctx, in.Tenant, in.Market)
}

// derivativeDelta is the signed change the intent makes to the venue's
// derivative position: buys add, sells subtract.
func derivativeDelta(in venue.Intent) decimal.Decimal {
	delta := decimal.Zero
	for _, o := range in.Orders {
		if o.Leg != model.LegDerivative {
			continue
		}
		if o.Direction == model.Buy {
			delta = delta.Add(o.Size)
		} else {
			delta = delta.Sub(o.Size)
		}
	}
	return delta
}

// reconcile decides whether a timed-out intent landed by reading the
// venue's derivative position and comparing it with the baseline and the
// baseline moved by the intent.
func (m *Manager) reconcile(ctx context.Context, in venue.Intent, base venueBaseline) (outcome, error) {
	if base.err != nil {
		return unknown, fmt.Errorf("reconcile %s/%s: no baseline: %w", in.Tenant, in.Market, base.err)
	}
	size, err := m.venueSize(ctx, in)
	if err != nil {
		return unknown, fmt.Errorf("reconcile %s/%s: %w", in.Tenant, in.Market, err)
	}
	before := base.size
	after := before.Add(derivativeDelta(in))
	tol := m.cfg.ResidualTolerance
	switch {
	case size.Sub(after).Abs().LessThanOrEqual(tol):
		return landed, nil
	case size.Sub(before).Abs().LessThanOrEqual(tol):
		return notLanded, nil
	}
	return unknown, fmt.Errorf("reconcile %s/%s: venue size %s matches neither %s nor %s",
		in.Tenant, in.Market, size.String(), before.String(), after.String())
}

// assumedReceipt prices a reconciled intent at its reference prices.
func (m *Manager) assumedReceipt(in venue.Intent) (venue.Receipt, error) {
	rcpt := venue.Receipt{IntentID: in.ID, SubmittedAt: m.now()}
	for _, o := range in.Orders {
		f, err := m.sim.SimulateFill(o.Direction, o.Size, o.Reference)
		if err != nil {
			return venue.Receipt{}, err
		}
		rcpt.Fills = append(rcpt.Fills, venue.Fill{Leg: o.Leg, Instrument: o.Instrument, Fill: f})
	}
	return rcpt, nil
}

func txID(r venue.Receipt, in venue.Intent) string {
	if r.TxID != "" {
		return r.TxID
	}
	return "reconciled:" + in.ID
}

// abortOpen rolls ENTERING back to IDLE and releases the escrow.
func (m *Manager) abortOpen(ctx context.Context, p model.Position, lockID string, cause error) error {
	metrics.Rollbacks.WithLabelValues(string(model.StateEntering)).Inc()
	if err := transition(&p, model.StateIdle); err != nil {
		return errors.Join(cause, err)
	}
	p.UpdatedAt = m.now()
	err := m.vault.Apply(ctx, p.Tenant, ledger.Transaction{
		ReleaseLocks: []string{lockID},
		Positions:    []model.Position{p},
	})
	if err != nil {
		slog.Error("entry rollback failed", "tenant", p.Tenant, "market", p.Market, "err", err)
		return errors.Join(cause, err)
	}
	slog.Warn("entry rolled back", "tenant", p.Tenant, "market", p.Market, "err", cause)
	m.record(ctx, p, "rollback", cause.Error())
	return cause
}

// rollback returns a position to state after a failed exit or rebalance.
func (m *Manager) rollback(ctx context.Context, p model.Position, to model.PositionState, cause error) error {
	metrics.Rollbacks.WithLabelValues(string(p.State)).Inc()
	if err := transition(&p, to); err != nil {
		return errors.Join(cause, err)
	}
	p.UpdatedAt = m.now()
	if err := m.save(ctx, p); err != nil {
		slog.Error("rollback failed", "tenant", p.Tenant, "market", p.Market, "err", err)
		return errors.Join(cause, err)
	}
	slog.Warn("operation rolled back", "tenant", p.Tenant, "market", p.Market, "state", to, "err", cause)
	m.record(ctx, p, "rollback", cause.Error())
	return cause
}

// markError parks a position whose venue state is unknown.
func (m *Manager) markError(ctx context.Context, p model.Position, cause error) error {
	if err := transition(&p, model.StateError); err != nil {
		return errors.Join(cause, err)
	}
	p.UpdatedAt = m.now()
	if err := m.save(ctx, p); err != nil {
		slog.Error("persist error state failed", "tenant", p.Tenant, "market", p.Market, "err", err)
	}
	slog.Error("position moved to ERROR", "tenant", p.Tenant, "market", p.Market, "err", cause)
	m.record(ctx, p, "error", cause.Error())
	return fmt.Errorf("%s/%s needs manual resolution: %w", p.Tenant, p.Market, cause)
}

// Close unwinds both legs. Residual exposure above the tolerance on either
// leg fails the call: the filled part is settled and the position returns
// to ACTIVE with what remains.
func (m *Manager) Close(ctx context.Context, tenant, symbol string) (model.Position, error) {
	mk, err := market.Parse(symbol)
	if err != nil {
		return model.Position{}, reject(err)
	}

	l := m.lockFor(tenant)
	l.Lock()
	defer l.Unlock()

	p, err := m.vault.Position(ctx, tenant, mk.Symbol)
	if err != nil {
		return model.Position{}, err
	}
	if !p.IsOpen() {
		return model.Position{}, fmt.Errorf("%w: %s/%s is %s", model.ErrPositionNotFound, tenant, mk.Symbol, p.State)
	}
	if !CanTransition(p.State, model.StateExiting) {
		return model.Position{}, reject(fmt.Errorf("%w: cannot close %s/%s from %s",
			model.ErrInvalidTransition, tenant, mk.Symbol, p.State))
	}
	back := model.StateActive
	if p.State == model.StateError {
		back = model.StateError
	}

	spotPx, markPx, err := m.quotesFor(ctx, mk)
	if err != nil {
		return model.Position{}, reject(err)
	}
	in := venue.Intent{
		ID:     uuid.New().String(),
		Tenant: tenant,
		Market: mk.Symbol,
		Orders: []venue.Order{
			{Leg: model.LegSpot, Instrument: p.Spot.Instrument, Direction: model.Sell, Size: p.Spot.Size, Reference: spotPx},
			{Leg: model.LegDerivative, Instrument: p.Derivative.Instrument, Direction: model.Buy, Size: p.Derivative.Size, Reference: markPx},
		},
	}
	if err := m.simulate(ctx, in); err != nil {
		return model.Position{}, reject(err)
	}

	if err := transition(&p, model.StateExiting); err != nil {
		return model.Position{}, err
	}
	p.UpdatedAt = m.now()
	if err := m.save(ctx, p); err != nil {
		return model.Position{}, fmt.Errorf("persist exiting %s/%s: %w", tenant, mk.Symbol, err)
	}

	base := m.baseline(ctx, in)
	rcpt, err := m.submit(ctx, in)
	bg := context.WithoutCancel(ctx)
	if errors.Is(err, model.ErrSubmissionTimeout) {
		switch out, rerr := m.reconcile(bg, in, base); out {
		case landed:
			slog.Warn("timed-out exit found at venue, adopting", "tenant", tenant, "market", mk.Symbol)
			rcpt, err = m.assumedReceipt(in)
		case notLanded:
			return p, m.rollback(bg, p, back, fmt.Errorf("%w (venue shows no fill)", err))
		default:
			return p, m.markError(bg, p, errors.Join(err, rerr))
		}
	}
	if err != nil {
		return p, m.rollback(bg, p, back, fmt.Errorf("submit exit %s/%s: %w", tenant, mk.Symbol, err))
	}
	return m.settleClose(bg, p, mk, rcpt, in, back)
}

func (m *Manager) settleClose(ctx context.Context, p model.Position, mk *market.Market, rcpt venue.Receipt, in venue.Intent, back model.PositionState) (model.Position, error) {
	spotFill, ok := rcpt.Leg(model.LegSpot)
	hedgeFill, ok2 := rcpt.Leg(model.LegDerivative)
	if !ok || !ok2 {
		return p, m.markError(ctx, p, fmt.Errorf("receipt %s missing a leg", rcpt.TxID))
	}

	fees := rcpt.Fees()
	closed := model.Leg{Side: p.Derivative.Side, Size: hedgeFill.Size, EntryPrice: p.Derivative.EntryPrice}
	hedgePnL := ledger.DerivativePnL(closed, hedgeFill.Price)
	spotPnL := spotFill.Price.Sub(p.Spot.EntryPrice).Mul(spotFill.Size)

	p.FeesPaid = p.FeesPaid.Add(fees)
	p.RealizedPnL = p.RealizedPnL.Add(spotPnL).Add(hedgePnL).Sub(fees)
	p.UnrealizedPnL = decimal.Zero
	p.LastTxID = txID(rcpt, in)
	p.UpdatedAt = m.now()

	spotLeft := p.Spot.Size.Sub(spotFill.Size)
	hedgeLeft := p.Derivative.Size.Sub(hedgeFill.Size)
	tol := m.cfg.ResidualTolerance
	residual := spotLeft.Abs().GreaterThan(tol) || hedgeLeft.Abs().GreaterThan(tol)
	if residual {
		p.Spot.Size, p.Derivative.Size = spotLeft, hedgeLeft
		metrics.Rollbacks.WithLabelValues(string(model.StateExiting)).Inc()
		if err := transition(&p, back); err != nil {
			return p, err
		}
	} else if err := transition(&p, model.StateClosed); err != nil {
		return p, err
	}

	err := m.vault.Apply(ctx, p.Tenant, ledger.Transaction{
		Entries: []ledger.Entry{
			{Asset: m.quote(), Delta: spotFill.Notional.Sub(fees).Add(hedgePnL)},
			{Asset: mk.Base, Delta: spotFill.Size.Neg()},
		},
		Positions: []model.Position{p},
	})
	if err != nil {
		p.State = model.StateExiting
		return p, m.markError(ctx, p, fmt.Errorf("settle exit: %w", err))
	}

	if residual {
		err := fmt.Errorf("%w: %s/%s spot %s, derivative %s left open", model.ErrResidualExposure,
			p.Tenant, p.Market, spotLeft.String(), hedgeLeft.String())
		slog.Warn("partial exit", "tenant", p.Tenant, "market", p.Market, "err", err)
		m.record(ctx, p, "partial_close", err.Error())
		return p, err
	}

	pnl := p.RealizedPnL.Add(p.AccumulatedFunding)
	if equity, err := m.equity(ctx, p.Tenant); err != nil {
		slog.Error("value tenant after close", "tenant", p.Tenant, "market", p.Market, "err", err)
	} else if _, err := m.gov.RecordTrade(ctx, p.Tenant, pnl, equity); err != nil {
		slog.Error("record trade failed", "tenant", p.Tenant, "market", p.Market, "err", err)
	}
	metrics.PositionsClosed.WithLabelValues(p.Tenant).Inc()
	slog.Info("position closed", "tenant", p.Tenant, "market", p.Market,
		"pnl", pnl.StringFixed(4), "funding", p.AccumulatedFunding.StringFixed(4))
	m.record(ctx, p, "close", fmt.Sprintf("pnl %s (funding %s, fees %s), tx %s",
		pnl.StringFixed(4), p.AccumulatedFunding.StringFixed(4), p.FeesPaid.StringFixed(4), p.LastTxID))
	return p, nil
}

// Rebalance applies action: both legs move by its notional in opposite
// directions and the position returns to ACTIVE.
func (m *Manager) Rebalance(ctx context.Context, tenant string, action model.RebalanceAction) error {
	if !action.Notional.IsPositive() {
		return reject(fmt.Errorf("%w: rebalance notional %s", model.ErrInvalidAmount, action.Notional.String()))
	}
	mk, err := market.Parse(action.Market)
	if err != nil {
		return reject(err)
	}

	l := m.lockFor(tenant)
	l.Lock()
	defer l.Unlock()

	p, err := m.vault.Position(ctx, tenant, mk.Symbol)
	if err != nil {
		return err
	}
	if !CanTransition(p.State, model.StateRebalancing) {
		return reject(fmt.Errorf("%w: cannot rebalance %s/%s from %s",
			model.ErrInvalidTransition, tenant, mk.Symbol, p.State))
	}
	spotPx, markPx, err := m.quotesFor(ctx, mk)
	if err != nil {
		return reject(err)
	}
	spotUnits := action.Notional.Div(spotPx).Round(margin.PriceScale)
	hedgeUnits := action.Notional.Div(markPx).Round(margin.PriceScale)

	var spotDir, hedgeDir model.Direction
	switch action.Direction {
	case model.SellSpotAddHedge:
		if spotUnits.GreaterThanOrEqual(p.Spot.Size) {
			return reject(fmt.Errorf("%w: selling %s of %s spot", model.ErrInvalidAmount, spotUnits.String(), p.Spot.Size.String()))
		}
		avail, err := m.vault.Available(ctx, tenant, mk.Base)
		if err != nil {
			return err
		}
		if avail.LessThan(spotUnits) {
			return reject(&model.InsufficientBalanceError{Asset: mk.Base, Requested: spotUnits, Available: avail})
		}
		// The hedge grows, so it passes the same checks as an entry. The
		// spot sale is not netted against it.
		if err := m.gov.CanExecute(ctx, tenant, action.Notional); err != nil {
			return reject(err)
		}
		if err := m.checkLeverage(ctx, tenant, action.Notional); err != nil {
			return reject(err)
		}
		spotDir, hedgeDir = model.Sell, model.Sell
	case model.ReduceHedgeBuySpot:
		if hedgeUnits.GreaterThanOrEqual(p.Derivative.Size) {
			return reject(fmt.Errorf("%w: reducing %s of %s hedge", model.ErrInvalidAmount, hedgeUnits.String(), p.Derivative.Size.String()))
		}
		spotDir, hedgeDir = model.Buy, model.Buy
	default:
		return reject(fmt.Errorf("%w: rebalance direction %q", model.ErrInvalidAmount, action.Direction))
	}

	in := venue.Intent{
		ID:     uuid.New().String(),
		Tenant: tenant,
		Market: mk.Symbol,
		Orders: []venue.Order{
			{Leg: model.LegSpot, Instrument: p.Spot.Instrument, Direction: spotDir, Size: spotUnits, Reference: spotPx},
			{Leg: model.LegDerivative, Instrument: p.Derivative.Instrument, Direction: hedgeDir, Size: hedgeUnits, Reference: markPx},
		},
	}
	if err := m.simulate(ctx, in); err != nil {
		return reject(err)
	}

	// Buying spot spends quote, so it is escrowed like an entry.
	lockID := ""
	escrow := decimal.Zero
	if spotDir == model.Buy {
		for _, o := range in.Orders {
			f, err := m.sim.SimulateFill(o.Direction, o.Size, o.Reference)
			if err != nil {
				return reject(fmt.Errorf("%w: %v", model.ErrInvalidAmount, err))
			}
			if o.Leg == model.LegSpot {
				escrow = escrow.Add(f.Notional)
			}
			escrow = escrow.Add(f.Fee)
		}
		if lockID, err = m.vault.Lock(ctx, tenant, m.quote(), escrow); err != nil {
			return reject(err)
		}
	}
	release := func(bg context.Context) {
		if lockID == "" {
			return
		}
		if err := m.vault.Unlock(bg, lockID); err != nil {
			slog.Error("release escrow failed", "tenant", tenant, "lock", lockID, "err", err)
		}
	}

	if err := transition(&p, model.StateRebalancing); err != nil {
		release(ctx)
		return err
	}
	p.UpdatedAt = m.now()
	if err := m.save(ctx, p); err != nil {
		release(ctx)
		return fmt.Errorf("persist rebalancing %s/%s: %w", tenant, mk.Symbol, err)
	}

	base := m.baseline(ctx, in)
	rcpt, err := m.submit(ctx, in)
	bg := context.WithoutCancel(ctx)
	if errors.Is(err, model.ErrSubmissionTimeout) {
		switch out, rerr := m.reconcile(bg, in, base); out {
		case landed:
			rcpt, err = m.assumedReceipt(in)
		case notLanded:
			release(bg)
			return m.rollback(bg, p, model.StateActive, fmt.Errorf("%w (venue shows no fill)", err))
		default:
			return m.markError(bg, p, errors.Join(err, rerr))
		}
	}
	if err != nil {
		release(bg)
		return m.rollback(bg, p, model.StateActive, fmt.Errorf("submit rebalance %s/%s: %w", tenant, mk.Symbol, err))
	}

	spotFill, ok := rcpt.Leg(model.LegSpot)
	hedgeFill, ok2 := rcpt.Leg(model.LegDerivative)
	if !ok || !ok2 {
		return m.markError(bg, p, fmt.Errorf("receipt %s missing a leg", rcpt.TxID))
	}
	fees := rcpt.Fees()
	tx := ledger.Transaction{}
	quoteDelta := fees.Neg()

	if spotDir == model.Sell {
		quoteDelta = quoteDelta.Add(spotFill.Notional)
		p.RealizedPnL = p.RealizedPnL.Add(spotFill.Price.Sub(p.Spot.EntryPrice).Mul(spotFill.Size))
		p.Spot.Size = p.Spot.Size.Sub(spotFill.Size)
		p.Derivative = addToLeg(p.Derivative, hedgeFill.Size, hedgeFill.Price)
		tx.Entries = append(tx.Entries, ledger.Entry{Asset: mk.Base, Delta: spotFill.Size.Neg()})
	} else {
		tx.ExecuteLocks = []string{lockID}
		quoteDelta = quoteDelta.Add(escrow).Sub(spotFill.Notional)
		reduced := model.Leg{Side: p.Derivative.Side, Size: hedgeFill.Size, EntryPrice: p.Derivative.EntryPrice}
		realized := ledger.DerivativePnL(reduced, hedgeFill.Price)
		quoteDelta = quoteDelta.Add(realized)
		p.RealizedPnL = p.RealizedPnL.Add(realized)
		p.Derivative.Size = p.Derivative.Size.Sub(hedgeFill.Size)
		p.Spot = addToLeg(p.Spot, spotFill.Size, spotFill.Price)
		tx.Entries = append(tx.Entries, ledger.Entry{Asset: mk.Base, Delta: spotFill.Size})
	}
	tx.Entries = append(tx.Entries, ledger.Entry{Asset: m.quote(), Delta: quoteDelta})
	p.RealizedPnL = p.RealizedPnL.Sub(fees)
	p.FeesPaid = p.FeesPaid.Add(fees)
	p.LastTxID = txID(rcpt, in)
	p.UpdatedAt = m.now()
	if err := transition(&p, model.StateActive); err != nil {
		return err
	}
	tx.Positions = []model.Position{p}

	if err := m.vault.Apply(bg, tenant, tx); err != nil {
		p.State = model.StateRebalancing
		return m.markError(bg, p, fmt.Errorf("settle rebalance: %w", err))
	}

	metrics.Rebalances.WithLabelValues(string(action.Direction)).Inc()
	slog.Info("position rebalanced", "tenant", tenant, "market", mk.Symbol,
		"direction", action.Direction, "notional", action.Notional.StringFixed(2), "fees", fees.StringFixed(4))
	m.record(bg, p, "rebalance", fmt.Sprintf("%s %s (drift %s), fees %s",
		action.Direction, action.Notional.StringFixed(2), action.Drift.StringFixed(4), fees.StringFixed(4)))
	return nil
}

// addToLeg grows a leg and moves its entry price to the size-weighted
// average.
func addToLeg(l model.Leg, size, price decimal.Decimal) model.Leg {
	total := l.Size.Add(size)
	if total.IsPositive() {
		l.EntryPrice = l.Size.Mul(l.EntryPrice).Add(size.Mul(price)).Div(total).Round(margin.PriceScale)
	}
	l.Size = total
	return l
}
