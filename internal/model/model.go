// Package model defines the domain types shared across the hedge engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the exposure direction of a leg.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Inverse returns the opposite exposure. A derivative leg always carries
// the inverse of its spot leg.
func (s Side) Inverse() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Direction is the trade direction of a single fill.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// LegKind distinguishes the direct holding from the offsetting derivative.
type LegKind string

const (
	LegSpot       LegKind = "SPOT"
	LegDerivative LegKind = "DERIVATIVE"
)

// Leg is one side of a hedged position.
type Leg struct {
	Kind       LegKind         `json:"kind"`
	Instrument string          `json:"instrument"` // "SOL/USDC" or "SOL-PERP"
	Side       Side            `json:"side"`
	Size       decimal.Decimal `json:"size"` // units of the base asset, never negative
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// Value marks the leg to the given price.
func (l Leg) Value(price decimal.Decimal) decimal.Decimal {
	return l.Size.Mul(price)
}

// PositionState is a node in the position lifecycle.
type PositionState string

const (
	StateIdle        PositionState = "IDLE"
	StateEntering    PositionState = "ENTERING"
	StateActive      PositionState = "ACTIVE"
	StateRebalancing PositionState = "REBALANCING"
	StateExiting     PositionState = "EXITING"
	StateClosed      PositionState = "CLOSED"
	StateError       PositionState = "ERROR"
)

// Position is a two-leg hedged position held by one tenant on one market.
type Position struct {
	ID                 string          `json:"id"`
	Tenant             string          `json:"tenant"`
	Market             string          `json:"market"`
	Spot               Leg             `json:"spot"`
	Derivative         Leg             `json:"derivative"`
	State              PositionState   `json:"state"`
	OpenedAt           time.Time       `json:"opened_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	AccumulatedFunding decimal.Decimal `json:"accumulated_funding"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL      decimal.Decimal `json:"unrealized_pnl"`
	FeesPaid           decimal.Decimal `json:"fees_paid"`
	LastTxID           string          `json:"last_tx_id,omitempty"`
}

// IsOpen reports whether the position still occupies its (tenant, market)
// slot. IDLE records are entries that were rolled back.
func (p *Position) IsOpen() bool {
	return p.State != StateClosed && p.State != StateIdle
}

// TotalNotional is the combined entry value of both legs.
func (p *Position) TotalNotional() decimal.Decimal {
	return p.Spot.Value(p.Spot.EntryPrice).Add(p.Derivative.Value(p.Derivative.EntryPrice))
}

// LockStatus tracks an escrow reservation. OPEN moves to EXECUTED or
// RELEASED exactly once.
type LockStatus string

const (
	LockOpen     LockStatus = "OPEN"
	LockExecuted LockStatus = "EXECUTED"
	LockReleased LockStatus = "RELEASED"
)

// EscrowLock reserves part of a tenant balance for a pending trade.
type EscrowLock struct {
	ID        string          `json:"id"`
	Tenant    string          `json:"tenant"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Status    LockStatus      `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// AssetBalance is one persisted (tenant, asset) row.
type AssetBalance struct {
	Tenant string          `json:"tenant"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// TenantSnapshot is the durable state of one tenant: balances keyed by
// asset, positions keyed by market.
type TenantSnapshot struct {
	Tenant          string                     `json:"tenant"`
	StartingCapital decimal.Decimal            `json:"starting_capital"`
	Balances        map[string]decimal.Decimal `json:"balances"`
	Positions       map[string]Position        `json:"positions"`
}

// DrawdownState is the circuit-breaker state of one tenant.
type DrawdownState struct {
	Tenant           string          `json:"tenant"`
	PeakEquity       decimal.Decimal `json:"peak_equity"`
	DailyStartEquity decimal.Decimal `json:"daily_start_equity"`
	CurrentEquity    decimal.Decimal `json:"current_equity"`
	DailyPnL         decimal.Decimal `json:"daily_pnl"`
	Halted           bool            `json:"halted"`
	HaltReason       string          `json:"halt_reason,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// FundingRate is a perpetual funding quote. Both rates are percentages:
// RatePeriod per funding period, RateAnnualized as APR.
type FundingRate struct {
	RatePeriod     decimal.Decimal `json:"rate_period"`
	RateAnnualized decimal.Decimal `json:"rate_annualized"`
	IsPositive     bool            `json:"is_positive"`
}

// Urgency ranks exit signals. Lower rank is more urgent.
type Urgency string

const (
	UrgencyCritical Urgency = "CRITICAL"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyLow      Urgency = "LOW"
)

// Rank orders urgencies, CRITICAL first.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyCritical:
		return 0
	case UrgencyHigh:
		return 1
	case UrgencyMedium:
		return 2
	default:
		return 3
	}
}

// Mandatory reports whether the urgency demands an immediate exit.
func (u Urgency) Mandatory() bool {
	return u == UrgencyCritical || u == UrgencyHigh
}

// ExitReason names the rule that produced an exit signal.
type ExitReason string

const (
	ExitFundingFlip  ExitReason = "FUNDING_FLIP"
	ExitRateCollapse ExitReason = "RATE_COLLAPSE"
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitMaxDuration  ExitReason = "MAX_DURATION"
	ExitDeltaRunaway ExitReason = "DELTA_RUNAWAY"
	ExitEmergency    ExitReason = "EMERGENCY"
)

// ExitSignal recommends unwinding a position.
type ExitSignal struct {
	Tenant        string          `json:"tenant"`
	Market        string          `json:"market"`
	Reason        ExitReason      `json:"reason"`
	Urgency       Urgency         `json:"urgency"`
	Details       string          `json:"details"`
	CurrentPnL    decimal.Decimal `json:"current_pnl"`
	ProjectedLoss decimal.Decimal `json:"projected_loss"`
}

// RebalanceDirection says which way value moves between the legs.
type RebalanceDirection string

const (
	SellSpotAddHedge   RebalanceDirection = "SELL_SPOT_ADD_HEDGE"
	ReduceHedgeBuySpot RebalanceDirection = "REDUCE_HEDGE_BUY_SPOT"
)

// RebalanceAction moves Notional of value from the heavier leg to the lighter.
type RebalanceAction struct {
	Tenant        string             `json:"tenant"`
	Market        string             `json:"market"`
	Direction     RebalanceDirection `json:"direction"`
	Notional      decimal.Decimal    `json:"notional"`
	Drift         decimal.Decimal    `json:"drift"`
	EstimatedFees decimal.Decimal    `json:"estimated_fees"`
	Reason        string             `json:"reason"`
}

// PositionHealth is one entry of a health snapshot.
type PositionHealth struct {
	Market     string          `json:"market"`
	State      PositionState   `json:"state"`
	SpotValue  decimal.Decimal `json:"spot_value"`
	HedgeValue decimal.Decimal `json:"hedge_value"`
	Funding    decimal.Decimal `json:"accumulated_funding"`
}

// HealthSnapshot is derived on demand and never stored.
type HealthSnapshot struct {
	Tenant            string           `json:"tenant"`
	TotalCollateral   decimal.Decimal  `json:"total_collateral"`
	MaintenanceMargin decimal.Decimal  `json:"maintenance_margin"`
	HealthRatio       decimal.Decimal  `json:"health_ratio"`
	Leverage          decimal.Decimal  `json:"leverage"`
	Positions         []PositionHealth `json:"positions"`
	Halted            bool             `json:"halted"`
	TakenAt           time.Time        `json:"taken_at"`
}

// Signal is the action a decision recommends.
type Signal string

const (
	SignalBuy       Signal = "BUY"
	SignalSell      Signal = "SELL"
	SignalHold      Signal = "HOLD"
	SignalClose     Signal = "CLOSE"
	SignalRebalance Signal = "REBALANCE"
)

// Decision is the answer of the decision API.
type Decision struct {
	Tenant     string          `json:"tenant"`
	Market     string          `json:"market"`
	Signal     Signal          `json:"signal"`
	Size       decimal.Decimal `json:"size"`
	Confidence decimal.Decimal `json:"confidence"`
	Reason     string          `json:"reason"`
}

// AuditEvent is an append-only record of a signal, transition or reset.
type AuditEvent struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	Market    string    `json:"market,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}
