package engine

import (
	"errors"
	"fmt"
	"time"

	"ledger-client/pkg/backoff"
)

// ErrInvalidPolicy is returned by SubmitBatch when the policy is unusable.
var ErrInvalidPolicy = errors.New("engine: invalid policy")

// Policy configures one batch run.
type Policy struct {
	// MaxInFlight bounds the number of transactions submitted and not yet
	// terminal at any moment.
	MaxInFlight int

	// MaxRetries is how many times a transaction may be re-submitted after
	// its first attempt fails transiently.
	MaxRetries int

	// Backoff is the delay before each re-submission. Nil retries immediately.
	Backoff backoff.Schedule

	// PollInterval is the wait between status checks of a submitted transaction.
	PollInterval time.Duration

	// Deadline bounds the whole run. Zero leaves only the caller's context.
	Deadline time.Duration

	// AttemptTimeout is how long a submitted transaction may stay
	// unconfirmed before it is sent again. The resend carries the same
	// signature. Zero waits until the deadline.
	AttemptTimeout time.Duration

	// Precheck enables the advisory source balance check.
	Precheck bool
}

// DefaultPolicy returns a policy tuned for a public RPC endpoint.
func DefaultPolicy() Policy {
	return Policy{
		MaxInFlight:    10,
		MaxRetries:     3,
		Backoff:        backoff.ExponentialSchedule{Base: 500 * time.Millisecond, Max: 8 * time.Second, Jitter: true},
		PollInterval:   500 * time.Millisecond,
		Deadline:       2 * time.Minute,
		AttemptTimeout: 30 * time.Second,
		Precheck:       true,
	}
}

// Validate checks if the policy is usable.
func (p Policy) Validate() error {
	if p.MaxInFlight < 1 {
		return fmt.Errorf("%w: max in-flight must be at least 1, got %d", ErrInvalidPolicy, p.MaxInFlight)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be non-negative, got %d", ErrInvalidPolicy, p.MaxRetries)
	}
	if p.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidPolicy)
	}
	if p.Deadline < 0 {
		return fmt.Errorf("%w: deadline must be non-negative", ErrInvalidPolicy)
	}
	if p.AttemptTimeout < 0 {
		return fmt.Errorf("%w: attempt timeout must be non-negative", ErrInvalidPolicy)
	}
	return nil
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff.Delay(attempt)
}
