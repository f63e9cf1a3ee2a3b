// Package resilience wraps a ledger client with a circuit breaker and
// per-call timeouts.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledger-client/pkg/ledger"
	"ledger-client/pkg/logging"
	"ledger-client/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ResilientClient wraps a ledger.Client with circuit breaker and timeout
// protection. Definitive answers from the ledger (rejections, unknown
// accounts) do not count against the breaker.
type ResilientClient struct {
	client  ledger.Client
	name    string
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

var _ ledger.Client = (*ResilientClient)(nil)

// NewResilientClient creates a resilient wrapper around the given client.
func NewResilientClient(client ledger.Client, config ResilientConfig) *ResilientClient {
	return NewResilientClientWithMetrics(client, config, metrics.NoOpCollector{})
}

// NewResilientClientWithMetrics creates a resilient wrapper with a custom metrics collector.
func NewResilientClientWithMetrics(client ledger.Client, config ResilientConfig, metricsCollector metrics.MetricsCollector) *ResilientClient {
	name := config.Name
	if name == "" {
		name = "ledger-rpc"
	}
	logger := logging.Global().Named("resilience").Named(name)

	rc := &ResilientClient{
		client:  client,
		name:    name,
		timeout: config.Timeout,
		metrics: metrics.OrNoOp(metricsCollector),
		logger:  logger,
	}

	logger.Info("resilient client initialized",
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreakerConfig.MaxRequests),
		zap.Duration("circuit_interval", config.CircuitBreakerConfig.Interval),
		zap.Duration("circuit_timeout", config.CircuitBreakerConfig.Timeout),
	)

	trip := config.CircuitBreakerConfig.ReadyToTrip
	if trip == nil {
		trip = TripAfterConsecutive(5)
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.CircuitBreakerConfig.MaxRequests,
		Interval:    config.CircuitBreakerConfig.Interval,
		Timeout:     config.CircuitBreakerConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return trip(Counts{
				Requests:             counts.Requests,
				TotalSuccesses:       counts.TotalSuccesses,
				TotalFailures:        counts.TotalFailures,
				ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
				ConsecutiveFailures:  counts.ConsecutiveFailures,
			})
		},
		IsSuccessful: isHealthy,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			rc.metrics.RecordCircuitState(name, circuitState(to))
		},
	}

	rc.cb = gobreaker.NewCircuitBreaker(settings)

	return rc
}

// isHealthy reports whether err says nothing bad about the endpoint itself.
func isHealthy(err error) bool {
	return err == nil ||
		ledger.IsRejected(err) ||
		errors.Is(err, ledger.ErrAccountNotFound) ||
		errors.Is(err, context.Canceled)
}

func circuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	default:
		return metrics.CircuitClosed
	}
}

// Name returns the breaker name.
func (rc *ResilientClient) Name() string {
	return rc.name
}

// State returns the current circuit breaker state.
func (rc *ResilientClient) State() metrics.CircuitState {
	return circuitState(rc.cb.State())
}

// execute runs fn through the breaker under the per-call timeout and maps
// breaker and deadline failures onto ledger errors.
func (rc *ResilientClient) execute(ctx context.Context, op string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	start := time.Now()

	callCtx := ctx
	if rc.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, rc.timeout)
		defer cancel()
	}

	result, err := rc.cb.Execute(func() (interface{}, error) {
		return fn(callCtx)
	})

	duration := time.Since(start)

	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		rc.logger.Warn("circuit breaker open - request rejected",
			zap.String("operation", op),
		)
		err = ledger.ErrCircuitOpen
	case ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		rc.logger.Warn("operation timeout",
			zap.String("operation", op),
			zap.Duration("timeout", rc.timeout),
			zap.Duration("elapsed", duration),
		)
		err = fmt.Errorf("%w: %s after %v", ledger.ErrTimeout, op, rc.timeout)
	case isHealthy(err):
		rc.logger.Debug("operation returned definitive error",
			zap.String("operation", op),
			zap.Error(err),
		)
	default:
		rc.logger.Error("operation failed",
			zap.String("operation", op),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	}

	rc.metrics.RecordRPC(op, ledger.ClassifyError(err), duration)
	return result, err
}

// GetBalance reads a balance with timeout and circuit breaker protection.
// Breaker and timeout failures are reported as lookup failures.
func (rc *ResilientClient) GetBalance(ctx context.Context, account ledger.AccountID) (ledger.Balance, error) {
	result, err := rc.execute(ctx, "get_balance", func(ctx context.Context) (interface{}, error) {
		return rc.client.GetBalance(ctx, account)
	})
	if err != nil {
		if !ledger.IsLookup(err) {
			err = fmt.Errorf("%w: %w", ledger.ErrLookup, err)
		}
		return ledger.Balance{}, err
	}
	return result.(ledger.Balance), nil
}

// SignAndBuild builds a signed transaction with timeout and circuit breaker protection.
func (rc *ResilientClient) SignAndBuild(ctx context.Context, intent ledger.TransferIntent) (ledger.SignedTx, error) {
	result, err := rc.execute(ctx, "sign_and_build", func(ctx context.Context) (interface{}, error) {
		return rc.client.SignAndBuild(ctx, intent)
	})
	if err != nil {
		return ledger.SignedTx{}, submissionError(err)
	}
	return result.(ledger.SignedTx), nil
}

// Submit sends a transaction with timeout and circuit breaker protection.
func (rc *ResilientClient) Submit(ctx context.Context, tx ledger.SignedTx) (ledger.Signature, error) {
	result, err := rc.execute(ctx, "submit", func(ctx context.Context) (interface{}, error) {
		return rc.client.Submit(ctx, tx)
	})
	if err != nil {
		return "", submissionError(err)
	}
	return result.(ledger.Signature), nil
}

// GetStatus polls a transaction status with timeout and circuit breaker protection.
func (rc *ResilientClient) GetStatus(ctx context.Context, sig ledger.Signature) (ledger.Status, error) {
	result, err := rc.execute(ctx, "get_status", func(ctx context.Context) (interface{}, error) {
		return rc.client.GetStatus(ctx, sig)
	})
	if err != nil {
		return ledger.Status{}, submissionError(err)
	}
	return result.(ledger.Status), nil
}

// Subscribe opens a feed through the circuit breaker. The timeout only
// applies to establishing the connection.
func (rc *ResilientClient) Subscribe(ctx context.Context, filter ledger.Filter) (ledger.Feed, error) {
	start := time.Now()

	result, err := rc.cb.Execute(func() (interface{}, error) {
		return rc.connect(ctx, filter)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %w", ledger.ErrTransport, ledger.ErrCircuitOpen)
	} else if err != nil && !ledger.IsTransport(err) {
		err = fmt.Errorf("%w: %w", ledger.ErrTransport, err)
	}

	rc.metrics.RecordRPC("subscribe", ledger.ClassifyError(err), time.Since(start))
	if err != nil {
		rc.logger.Warn("subscribe failed", zap.Error(err))
		return nil, err
	}
	return result.(ledger.Feed), nil
}

type subscribeResult struct {
	feed ledger.Feed
	err  error
}

func (rc *ResilientClient) connect(ctx context.Context, filter ledger.Filter) (ledger.Feed, error) {
	if rc.timeout <= 0 {
		return rc.client.Subscribe(ctx, filter)
	}

	done := make(chan subscribeResult, 1)
	go func() {
		feed, err := rc.client.Subscribe(ctx, filter)
		done <- subscribeResult{feed, err}
	}()

	timer := time.NewTimer(rc.timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.feed, r.err
	case <-ctx.Done():
		go closeLate(done)
		return nil, ctx.Err()
	case <-timer.C:
		go closeLate(done)
		return nil, fmt.Errorf("%w: subscribe after %v", ledger.ErrTimeout, rc.timeout)
	}
}

// closeLate releases a feed whose connection finished after we gave up on it.
func closeLate(done <-chan subscribeResult) {
	if r := <-done; r.feed != nil {
		_ = r.feed.Close()
	}
}

// submissionError keeps the retry class of err, treating breaker, timeout
// and unclassified failures as transient.
func submissionError(err error) error {
	var se *ledger.SubmissionError
	if errors.As(err, &se) {
		return err
	}
	return ledger.Transient(err)
}
