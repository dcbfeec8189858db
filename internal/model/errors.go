package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error taxonomy shared by every component. Validation-class errors are
// returned before any mutation happens.
var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrLockConflict         = errors.New("lock already consumed")
	ErrLeverageExceeded     = errors.New("leverage exceeded")
	ErrSimulationFailed     = errors.New("simulation failed")
	ErrHealthBelowThreshold = errors.New("health below threshold")
	ErrStaleOrMissingQuote  = errors.New("stale or missing quote")
	ErrPositionNotFound     = errors.New("position not found")
	ErrAlreadyHalted        = errors.New("tenant halted")
	ErrSubmissionTimeout    = errors.New("submission timed out")

	ErrPositionExists     = errors.New("position already open")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrResidualExposure   = errors.New("residual exposure after close")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrCorruptSnapshot    = errors.New("corrupt tenant snapshot")
	ErrCapitalShareExceed = errors.New("capital share exceeded")
)

// InsufficientBalanceError quotes the requested and available amounts.
type InsufficientBalanceError struct {
	Asset     string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: requested %s, available %s",
		e.Asset, e.Requested.String(), e.Available.String())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// LeverageError names the projected and maximum leverage.
type LeverageError struct {
	Projected decimal.Decimal
	Max       decimal.Decimal
}

func (e *LeverageError) Error() string {
	return fmt.Sprintf("projected leverage %sx exceeds %sx",
		e.Projected.StringFixed(1), e.Max.StringFixed(1))
}

func (e *LeverageError) Unwrap() error { return ErrLeverageExceeded }

// HealthError cites the projected health after a withdrawal.
type HealthError struct {
	Projected decimal.Decimal
	Min       decimal.Decimal
}

func (e *HealthError) Error() string {
	return fmt.Sprintf("projected health %s%% below minimum %s%%",
		e.Projected.StringFixed(2), e.Min.StringFixed(2))
}

func (e *HealthError) Unwrap() error { return ErrHealthBelowThreshold }

// HaltError carries the reason recorded when the tenant was halted.
type HaltError struct {
	Tenant string
	Reason string
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("tenant %s halted: %s", e.Tenant, e.Reason)
}

func (e *HaltError) Unwrap() error { return ErrAlreadyHalted }
