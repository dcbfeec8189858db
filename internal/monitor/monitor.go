// Package monitor runs the engine's background passes: exit evaluation,
// rebalancing, funding accrual, and the maintenance pass that resets
// bankrupt tenants and rolls the daily drawdown baseline.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/hedge-engine/internal/exit"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/venue"
)

// Config holds the loop intervals. A zero interval disables that loop.
type Config struct {
	ExitInterval        time.Duration `yaml:"exit_interval"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	// FundingInterval books one funding period per tick. Only paper
	// venues need it; a live venue settles funding itself.
	FundingInterval time.Duration `yaml:"funding_interval"`
	// AutoExit closes positions as soon as a mandatory exit signal fires.
	AutoExit bool `yaml:"auto_exit"`
	// Concurrency bounds how many tenants are maintained at once.
	Concurrency int `yaml:"concurrency"`
}

// DefaultConfig returns the production intervals.
func DefaultConfig() Config {
	return Config{
		ExitInterval:        time.Minute,
		MaintenanceInterval: 5 * time.Minute,
		AutoExit:            true,
		Concurrency:         4,
	}
}

// Lifecycle is the part of the position manager the supervisor drives.
type Lifecycle interface {
	Tenants(ctx context.Context) ([]string, error)
	OpenPositions(ctx context.Context, tenant string) ([]model.Position, error)
	EvaluateExits(ctx context.Context, tenant string) ([]model.ExitSignal, error)
	Close(ctx context.Context, tenant, symbol string) (model.Position, error)
	AccrueFunding(ctx context.Context, tenant, symbol string, ratePeriod decimal.Decimal) (decimal.Decimal, error)
	Prices(ctx context.Context, tenant string) (map[string]decimal.Decimal, error)
	WithTenant(tenant string, fn func() error) error
	Exclusive(fn func() error) error
}

// Risk is the part of the risk governor the maintenance pass needs.
type Risk interface {
	Maintain(ctx context.Context, tenant string, prices map[string]decimal.Decimal) (bool, error)
	ResetDaily(ctx context.Context) error
	DailyResetDue() bool
}

// Runner is a blocking loop such as the rebalance scheduler.
type Runner interface {
	Run(ctx context.Context) error
}

// Supervisor owns the background loops.
type Supervisor struct {
	cfg        Config
	life       Lifecycle
	risk       Risk
	quotes     venue.QuoteProvider
	rebalancer Runner
}

// New creates a supervisor. rebalancer may be nil.
func New(cfg Config, life Lifecycle, risk Risk, quotes venue.QuoteProvider, rebalancer Runner) *Supervisor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Supervisor{cfg: cfg, life: life, risk: risk, quotes: quotes, rebalancer: rebalancer}
}

// Run starts every enabled loop and blocks until ctx is done or a loop
// fails.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if s.cfg.ExitInterval > 0 {
		g.Go(func() error {
			return tick(ctx, "exits", s.cfg.ExitInterval, func(ctx context.Context) error {
				_, err := s.EvaluateExits(ctx)
				return err
			})
		})
	}
	if s.cfg.MaintenanceInterval > 0 {
		g.Go(func() error {
			return tick(ctx, "maintenance", s.cfg.MaintenanceInterval, func(ctx context.Context) error {
				_, err := s.Maintain(ctx)
				return err
			})
		})
	}
	if s.cfg.FundingInterval > 0 {
		g.Go(func() error {
			return tick(ctx, "funding", s.cfg.FundingInterval, s.AccrueFunding)
		})
	}
	if s.rebalancer != nil {
		g.Go(func() error { return s.rebalancer.Run(ctx) })
	}
	return g.Wait()
}

func tick(ctx context.Context, name string, every time.Duration, pass func(context.Context) error) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	slog.Info("monitor loop started", "loop", name, "interval", every)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := pass(ctx); err != nil {
				slog.Error("monitor pass had failures", "loop", name, "err", err)
			}
		}
	}
}

// EvaluateExits runs the exit rules for every tenant. With AutoExit set,
// markets with a mandatory signal are closed; it returns how many were.
func (s *Supervisor) EvaluateExits(ctx context.Context) (int, error) {
	tenants, err := s.life.Tenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}

	closed := 0
	var errs error
	for _, tenant := range tenants {
		signals, err := s.life.EvaluateExits(ctx, tenant)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", tenant, err))
			continue
		}
		if !s.cfg.AutoExit {
			continue
		}
		for _, mkt := range mandatory(signals) {
			if _, err := s.life.Close(ctx, tenant, mkt); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s/%s: close: %w", tenant, mkt, err))
				continue
			}
			slog.Info("position closed on exit signal", "tenant", tenant, "market", mkt)
			closed++
		}
	}
	return closed, errs
}

// mandatory lists, in first-seen order, the markets with a CRITICAL or HIGH
// signal.
func mandatory(signals []model.ExitSignal) []string {
	byMarket := make(map[string][]model.ExitSignal)
	var order []string
	for _, sig := range signals {
		if _, ok := byMarket[sig.Market]; !ok {
			order = append(order, sig.Market)
		}
		byMarket[sig.Market] = append(byMarket[sig.Market], sig)
	}
	var out []string
	for _, mkt := range order {
		if exit.ShouldExit(byMarket[mkt]) {
			out = append(out, mkt)
		}
	}
	return out
}

// Maintain rolls the daily baseline when a new accounting day has begun,
// then checks every tenant for insolvency. Tenants are maintained under
// their operation lock, at most Concurrency at a time. It returns how many
// tenants were reset.
func (s *Supervisor) Maintain(ctx context.Context) (int, error) {
	var errs error
	if s.risk.DailyResetDue() {
		if err := s.life.Exclusive(func() error { return s.risk.ResetDaily(ctx) }); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("daily reset: %w", err))
		} else {
			slog.Info("daily drawdown baseline reset")
		}
	}

	tenants, err := s.life.Tenants(ctx)
	if err != nil {
		return 0, multierr.Append(errs, fmt.Errorf("list tenants: %w", err))
	}

	var (
		mu     sync.Mutex
		resets int
		g      errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)
	for _, tenant := range tenants {
		g.Go(func() error {
			var reset bool
			err := s.life.WithTenant(tenant, func() error {
				prices, err := s.life.Prices(ctx, tenant)
				if err != nil {
					return err
				}
				reset, err = s.risk.Maintain(ctx, tenant, prices)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", tenant, err))
			}
			if reset {
				resets++
			}
			return nil
		})
	}
	_ = g.Wait()
	return resets, errs
}

// AccrueFunding books one funding period on every ACTIVE or REBALANCING
// position at the venue's current rate.
func (s *Supervisor) AccrueFunding(ctx context.Context) error {
	tenants, err := s.life.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	var errs error
	for _, tenant := range tenants {
		positions, err := s.life.OpenPositions(ctx, tenant)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", tenant, err))
			continue
		}
		for _, p := range positions {
			if p.State != model.StateActive && p.State != model.StateRebalancing {
				continue
			}
			fr, ok := s.quotes.FundingRate(ctx, p.Market)
			if !ok {
				errs = multierr.Append(errs, fmt.Errorf("%s/%s: %w: funding", tenant, p.Market, model.ErrStaleOrMissingQuote))
				continue
			}
			if _, err := s.life.AccrueFunding(ctx, tenant, p.Market, fr.RatePeriod); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s/%s: %w", tenant, p.Market, err))
			}
		}
	}
	return errs
}
