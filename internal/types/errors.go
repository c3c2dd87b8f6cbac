package types

import (
	"context"
	"errors"
	"fmt"
)

// TransientError covers network failures and timeouts. The operation is
// retryable and the symbol stays eligible for entry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func NewTransient(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// CapitalError means the broker refused the order for funds/margin reasons.
// The symbol is consumed for the day and must not be retried immediately.
type CapitalError struct {
	Reason    string
	Required  float64
	Available float64
}

func (e *CapitalError) Error() string {
	if e.Required > 0 {
		return fmt.Sprintf("capital: %s (required %.2f, available %.2f)", e.Reason, e.Required, e.Available)
	}
	return "capital: " + e.Reason
}

// ValidationError means the request was malformed or the gateway is not in a
// usable state. Rejected immediately, no state is mutated.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	// A deadline on the hot path is a transient failure, never a
	// capital-classified rejection.
	return errors.Is(err, context.DeadlineExceeded)
}

func IsCapital(err error) bool {
	var ce *CapitalError
	return errors.As(err, &ce)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
