package resilience

import (
	"time"
)

// ResilientConfig configures the breaker and call timeout placed in front
// of a ledger node.
type ResilientConfig struct {
	// Name labels the breaker in logs and the circuit_state metric.
	Name string

	// Timeout bounds each request/response RPC. Subscriptions are only
	// bounded while connecting.
	Timeout time.Duration

	CircuitBreakerConfig CircuitBreakerConfig
}

// CircuitBreakerConfig mirrors the gobreaker settings we expose. Interval
// is how often the closed-state counts reset (0 keeps them forever) and
// Timeout is how long the breaker stays open before probing with up to
// MaxRequests calls.
type CircuitBreakerConfig struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration

	// ReadyToTrip defaults to TripAfterConsecutive(5).
	ReadyToTrip func(counts Counts) bool
}

// Counts is a snapshot of the breaker's closed-state counters.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// TripAfterConsecutive opens the breaker after n failures in a row.
func TripAfterConsecutive(n uint32) func(Counts) bool {
	return func(c Counts) bool {
		return c.ConsecutiveFailures >= n
	}
}

// TripOnFailureRate opens the breaker once at least minRequests calls
// were seen and the failure share reaches rate.
func TripOnFailureRate(minRequests uint32, rate float64) func(Counts) bool {
	return func(c Counts) bool {
		if c.Requests < minRequests {
			return false
		}
		return float64(c.TotalFailures)/float64(c.Requests) >= rate
	}
}

// DefaultResilientConfig suits a shared public RPC endpoint, where a few
// slow or failed calls are normal and only a sustained error rate should
// stop traffic.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Name:    "ledger-rpc",
		Timeout: 10 * time.Second,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 5,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: TripOnFailureRate(20, 0.25),
		},
	}
}

// WithTimeout returns a copy with the per-call timeout replaced.
func (c ResilientConfig) WithTimeout(timeout time.Duration) ResilientConfig {
	c.Timeout = timeout
	return c
}

// WithCircuitBreakerTimeout returns a copy with the open-state duration
// replaced.
func (c ResilientConfig) WithCircuitBreakerTimeout(timeout time.Duration) ResilientConfig {
	c.CircuitBreakerConfig.Timeout = timeout
	return c
}
