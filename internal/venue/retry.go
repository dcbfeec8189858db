package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/model"
)

// RetryConfig controls submission retries. The delay before attempt n+1 is
//
//	min(InitialDelay × Multiplier^n, MaxDelay) ± JitterFactor
type RetryConfig struct {
	// MaxRetries is the total number of attempts, the first included.
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	JitterFactor float64       `yaml:"jitter_factor"`
	// AttemptTimeout bounds a single attempt. Zero leaves only the
	// caller's deadline.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// RetryIf decides whether an error is worth another attempt.
	// Defaults to IsRetryable.
	RetryIf func(error) bool `yaml:"-"`
}

// DefaultRetryConfig returns 4 attempts at 100ms, 200ms, 400ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     4,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFactor:   0.1,
		AttemptTimeout: 30 * time.Second,
	}
}

func (c *RetryConfig) normalize() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	c.JitterFactor = math.Min(math.Max(c.JitterFactor, 0), 1)
	if c.RetryIf == nil {
		c.RetryIf = IsRetryable
	}
}

func (c *RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		d += d * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// PermanentError marks a venue rejection that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so it is never retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsRetryable rejects permanent errors, failed simulations and context
// errors. Everything else is assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	switch {
	case errors.As(err, &perm),
		errors.Is(err, model.ErrSimulationFailed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// RetryingSubmitter retries rejected submissions with exponential backoff.
// A submission that runs out of time is never retried: its outcome is
// unknown, so it surfaces as ErrSubmissionTimeout for reconciliation.
type RetryingSubmitter struct {
	next TransactionSubmitter
	cfg  RetryConfig
}

// NewRetryingSubmitter wraps next.
func NewRetryingSubmitter(next TransactionSubmitter, cfg RetryConfig) *RetryingSubmitter {
	cfg.normalize()
	return &RetryingSubmitter{next: next, cfg: cfg}
}

// Simulate is passed through once.
func (r *RetryingSubmitter) Simulate(ctx context.Context, in Intent) error {
	start := time.Now()
	err := r.next.Simulate(ctx, in)
	metrics.SubmissionLatency.WithLabelValues("simulate").Observe(time.Since(start).Seconds())
	return err
}

// Submit attempts in up to MaxRetries times.
func (r *RetryingSubmitter) Submit(ctx context.Context, in Intent) (Receipt, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return Receipt{}, lastErr
			}
			return Receipt{}, fmt.Errorf("%w: intent %s: %v", model.ErrSubmissionTimeout, in.ID, err)
		}

		rcpt, err := r.attempt(ctx, in)
		if err == nil {
			return rcpt, nil
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Receipt{}, fmt.Errorf("%w: intent %s: %v", model.ErrSubmissionTimeout, in.ID, err)
		}
		lastErr = err
		if !r.cfg.RetryIf(err) || attempt == r.cfg.MaxRetries-1 {
			break
		}

		wait := r.cfg.delay(attempt)
		slog.Warn("submission rejected, retrying",
			"intent", in.ID, "tenant", in.Tenant, "attempt", attempt+1, "delay", wait, "err", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return Receipt{}, lastErr
		case <-t.C:
		}
	}
	return Receipt{}, lastErr
}

func (r *RetryingSubmitter) attempt(ctx context.Context, in Intent) (Receipt, error) {
	if r.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
	}
	start := time.Now()
	rcpt, err := r.next.Submit(ctx, in)
	metrics.SubmissionLatency.WithLabelValues("submit").Observe(time.Since(start).Seconds())
	return rcpt, err
}
