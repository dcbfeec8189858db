// Package venue defines the boundary between the engine and the trading
// venue: price and funding quotes, transaction simulation and submission,
// and authoritative position reads used after a submission timeout.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/hedge-engine/internal/margin"
	"github.com/atmx/hedge-engine/internal/model"
)

// QuoteProvider serves market data. A false second return means the quote
// is stale or unavailable and the engine must not act on it.
type QuoteProvider interface {
	SpotPrice(ctx context.Context, asset, quote string) (decimal.Decimal, bool)
	MarkPrice(ctx context.Context, market string) (decimal.Decimal, bool)
	FundingRate(ctx context.Context, market string) (model.FundingRate, bool)
}

// TransactionSubmitter executes intents. Live callers must Simulate an
// intent successfully before they Submit it.
type TransactionSubmitter interface {
	Simulate(ctx context.Context, in Intent) error
	Submit(ctx context.Context, in Intent) (Receipt, error)
}

// Reconciler reads the venue's authoritative derivative position. The
// size is signed: shorts are negative.
type Reconciler interface {
	PositionSize(ctx context.Context, tenant, market string) (decimal.Decimal, error)
}

// Order is one leg of an intent.
type Order struct {
	Leg        model.LegKind   `json:"leg"`
	Instrument string          `json:"instrument"`
	Direction  model.Direction `json:"direction"`
	Size       decimal.Decimal `json:"size"`
	Reference  decimal.Decimal `json:"reference"`
}

// Intent is the set of orders one lifecycle step submits together.
type Intent struct {
	ID     string  `json:"id"`
	Tenant string  `json:"tenant"`
	Market string  `json:"market"`
	Orders []Order `json:"orders"`
}

// Fill is the executed result of one order.
type Fill struct {
	Leg        model.LegKind `json:"leg"`
	Instrument string        `json:"instrument"`
	margin.Fill
}

// Receipt is what the venue returns for a landed intent.
type Receipt struct {
	IntentID    string    `json:"intent_id"`
	TxID        string    `json:"tx_id"`
	Fills       []Fill    `json:"fills"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Leg returns the fill for the given leg kind.
func (r Receipt) Leg(kind model.LegKind) (Fill, bool) {
	for _, f := range r.Fills {
		if f.Leg == kind {
			return f, true
		}
	}
	return Fill{}, false
}

// Fees sums the fees across every fill.
func (r Receipt) Fees() decimal.Decimal {
	total := decimal.Zero
	for _, f := range r.Fills {
		total = total.Add(f.Fee)
	}
	return total
}
