package domain

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Callers classify with errors.Is.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrExchange          = errors.New("exchange error")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRiskViolation     = errors.New("risk violation")
	ErrPortfolio         = errors.New("portfolio error")
	ErrDatabase          = errors.New("database error")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrCancelRejected    = errors.New("cancel rejected")
)

// RiskViolationError reports which pre-trade check blocked a trade.
type RiskViolationError struct {
	Check  string
	Reason string
}

func (e *RiskViolationError) Error() string {
	return fmt.Sprintf("risk violation (%s): %s", e.Check, e.Reason)
}

func (e *RiskViolationError) Unwrap() error { return ErrRiskViolation }

// ExchangeError wraps a failure returned by an exchange adapter. Kind is one
// of ErrExchange, ErrInvalidOrder or ErrInsufficientFunds.
type ExchangeError struct {
	Op   string
	Code int64
	Kind error
	Err  error
}

func (e *ExchangeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() []error { return []error{e.Kind, e.Err} }

// IsRetryable reports whether err is a transient exchange or network
// failure worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrInvalidOrder),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrExchange), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
