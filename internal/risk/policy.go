package risk

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"
)

// ResetPolicy picks the capital a tenant restarts with after a full reset.
type ResetPolicy interface {
	Capital(tenant string, base decimal.Decimal) decimal.Decimal
}

// FixedCapital restarts every tenant with its configured seed capital.
type FixedCapital struct{}

func (FixedCapital) Capital(_ string, base decimal.Decimal) decimal.Decimal {
	return base
}

// WeightedScenarios draws restart capital from fixed tiers. It exists for
// paper runs that want to exercise strategies at varied account sizes.
type WeightedScenarios struct {
	mu         sync.Mutex
	scenarios  []decimal.Decimal
	cumulative []float64
	rng        *rand.Rand
}

// DefaultScenarios returns the paper tiers: $25, $100, $1000, $5000 with
// weights 0.2, 0.2, 0.4, 0.2.
func DefaultScenarios(seed int64) *WeightedScenarios {
	w, _ := NewWeightedScenarios(
		[]decimal.Decimal{
			decimal.NewFromInt(25),
			decimal.NewFromInt(100),
			decimal.NewFromInt(1000),
			decimal.NewFromInt(5000),
		},
		[]float64{0.2, 0.2, 0.4, 0.2},
		seed,
	)
	return w
}

// NewWeightedScenarios validates the tiers and weights.
func NewWeightedScenarios(scenarios []decimal.Decimal, weights []float64, seed int64) (*WeightedScenarios, error) {
	if len(scenarios) == 0 || len(scenarios) != len(weights) {
		return nil, errors.New("risk: scenarios and weights must be non-empty and equal length")
	}
	cumulative := make([]float64, len(weights))
	var total float64
	for i, w := range weights {
		if w < 0 {
			return nil, errors.New("risk: negative scenario weight")
		}
		total += w
		cumulative[i] = total
	}
	if total <= 0 {
		return nil, errors.New("risk: scenario weights sum to zero")
	}
	return &WeightedScenarios{
		scenarios:  scenarios,
		cumulative: cumulative,
		rng:        rand.New(rand.NewSource(seed)),
	}, nil
}

func (w *WeightedScenarios) Capital(_ string, _ decimal.Decimal) decimal.Decimal {
	w.mu.Lock()
	r := w.rng.Float64() * w.cumulative[len(w.cumulative)-1]
	w.mu.Unlock()

	for i, c := range w.cumulative {
		if r < c {
			return w.scenarios[i]
		}
	}
	return w.scenarios[len(w.scenarios)-1]
}
