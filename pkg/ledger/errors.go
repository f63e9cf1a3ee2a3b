package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by the cache, the batch engine and the stream client.
// Every network-facing failure surfaces as one of these (possibly wrapped).
var (
	// ErrInvalidIntent marks a structurally invalid transfer intent. Never retried.
	ErrInvalidIntent = errors.New("ledger: invalid intent")

	// ErrLookup is returned when a balance or account read fails.
	ErrLookup = errors.New("ledger: lookup failed")

	// ErrAccountNotFound is a lookup failure for an account the ledger does not know.
	ErrAccountNotFound = fmt.Errorf("%w: account not found", ErrLookup)

	// ErrSubmission is the parent of every build/submit/status failure.
	ErrSubmission = errors.New("ledger: submission failed")

	// ErrRejected is a definitive submission failure (malformed transaction,
	// insufficient funds, invalid signature). Never retried.
	ErrRejected = errors.New("ledger: rejected")

	// ErrTransient is a retryable submission failure (timeout, congestion).
	ErrTransient = errors.New("ledger: transient failure")

	// ErrRetriesExhausted is recorded when a transaction ran out of attempts.
	ErrRetriesExhausted = errors.New("ledger: retries exhausted")

	// ErrExpired is recorded when a transaction missed the batch deadline.
	ErrExpired = errors.New("ledger: expired")

	// ErrTransport is returned when the update stream connection fails.
	ErrTransport = errors.New("ledger: transport error")

	// ErrOverflow marks queue saturation on the update stream.
	ErrOverflow = errors.New("ledger: event queue overflow")

	// ErrTimeout is returned when a single RPC call exceeded its time budget.
	ErrTimeout = errors.New("ledger: operation timeout")

	// ErrCircuitOpen is returned when the circuit breaker rejected a call.
	ErrCircuitOpen = errors.New("ledger: circuit breaker open")

	// ErrTxExpired means a signed transaction can no longer land, so the
	// intent needs a fresh signature.
	ErrTxExpired = errors.New("ledger: transaction expired")
)

// SubmissionError is a build, submit or status failure with its retry class.
type SubmissionError struct {
	Transient bool
	Err       error
}

// Rejected wraps err as a definitive submission failure.
func Rejected(err error) error {
	if err == nil {
		return nil
	}
	return &SubmissionError{Err: err}
}

// Transient wraps err as a retryable submission failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &SubmissionError{Transient: true, Err: err}
}

func (e *SubmissionError) Error() string {
	class := "rejected"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("ledger: submission %s: %v", class, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Is matches ErrSubmission and the error's class sentinel.
func (e *SubmissionError) Is(target error) bool {
	switch target {
	case ErrSubmission:
		return true
	case ErrTransient:
		return e.Transient
	case ErrRejected:
		return !e.Transient
	}
	return false
}

// IsTransient reports whether err is worth retrying.
// Timeouts and open circuits count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) {
		return false
	}
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsRejected reports whether err is a definitive rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// IsLookup reports whether err is a balance/account read failure.
func IsLookup(err error) bool {
	return errors.Is(err, ErrLookup)
}

// IsTransport reports whether err is a stream transport failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// ClassifyError returns a short label for metrics.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_breaker_open"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrInvalidIntent):
		return "invalid_intent"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrLookup):
		return "lookup"
	case errors.Is(err, ErrTxExpired):
		return "tx_expired"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "connect", "dial", "eof"):
		return "connection"
	case containsAny(msg, "marshal", "unmarshal", "encode", "decode"):
		return "serialization"
	default:
		return "other"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// WrapError adds the component and operation to err.
func WrapError(err error, component, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w", component, operation, err)
}
