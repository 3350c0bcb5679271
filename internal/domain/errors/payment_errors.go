package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the payment core.
var (
	// ErrSignatureInvalid is returned when a webhook signature does not match.
	// The event is recorded as skipped and the ledger is never touched.
	ErrSignatureInvalid = errors.New("webhook signature verification failed")

	// ErrRefundNotRetryable is returned when RetryRefund is called on a refund
	// that is not in the failed status.
	ErrRefundNotRetryable = errors.New("refund is not in a retryable status")

	// ErrRefundTerminal is returned when mutating a completed or rejected refund.
	ErrRefundTerminal = errors.New("refund is in a terminal status")

	// ErrRefundNotFound is returned when a refund lookup misses.
	ErrRefundNotFound = errors.New("refund not found")

	// ErrPaymentNotRefundable is returned when a refund is requested against a
	// payment whose status does not allow cancellation.
	ErrPaymentNotRefundable = errors.New("payment is not in a refundable status")

	// ErrRefundExceedsBalance is returned when a requested or approved refund
	// amount exceeds the payment's remaining balance.
	ErrRefundExceedsBalance = errors.New("refund amount exceeds remaining payment balance")
)

// InvalidTransitionError is returned when a ledger transition is not legal
// from the payment's current status. It is never retried blindly.
type InvalidTransitionError struct {
	PaymentID int64
	From      string
	To        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid payment transition %s -> %s (payment %d)", e.From, e.To, e.PaymentID)
}

// PaymentNotFoundError is returned when an event references an unknown payment.
type PaymentNotFoundError struct {
	OrderID    string
	PaymentKey string
}

func (e *PaymentNotFoundError) Error() string {
	if e.PaymentKey != "" {
		return fmt.Sprintf("payment not found for payment key %s", e.PaymentKey)
	}
	return fmt.Sprintf("payment not found for order %s", e.OrderID)
}

// InvariantViolationError aborts the enclosing transaction; it is never
// partially committed or silently swallowed.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Invariant, e.Detail)
}

// GatewayError is an error returned by the external payment gateway.
// Transient errors (network failures, 5xx, 429) are retried up to a bound.
type GatewayError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("gateway error: %s", e.Message)
}

// RetryExhaustedError marks a terminal failure after the maximum number of
// attempts. It requires operator action.
type RetryExhaustedError struct {
	Operation string
	Attempts  int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts, operator action required", e.Operation, e.Attempts)
}

// IsTransient reports whether the error is a transient gateway failure that
// may be retried within its bound.
func IsTransient(err error) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Transient
	}
	return false
}

// IsInvalidTransition reports whether the error is a rejected ledger transition.
func IsInvalidTransition(err error) bool {
	var itErr *InvalidTransitionError
	return errors.As(err, &itErr)
}

// IsPaymentNotFound reports whether the error is a missing-payment lookup.
func IsPaymentNotFound(err error) bool {
	var nfErr *PaymentNotFoundError
	return errors.As(err, &nfErr)
}
