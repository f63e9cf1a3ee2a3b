package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting ledger client metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory, etc.).
type MetricsCollector interface {
	// Balance cache
	RecordCacheGet(hit bool, duration time.Duration)
	RecordCacheRefresh(success bool, duration time.Duration)
	RecordCacheObserve(accepted bool)

	// Ledger RPC (through the resilient client)
	RecordRPC(operation string, errorType string, duration time.Duration)
	RecordCircuitState(name string, state CircuitState)

	// Batch engine
	RecordSubmitAttempt(errorType string)
	RecordTransaction(state string, attempts int, duration time.Duration)
	RecordInFlight(count int)

	// Update stream
	RecordStreamState(state string)
	RecordStreamEvent(kind string)
	RecordReconnect()
	RecordOverflow(dropped int)
	RecordQueueDepth(queue string, depth int)

	// Report writer
	RecordReportWrite(sink string, success bool, duration time.Duration)
	RecordReportDropped(sink string)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the service has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is a no-op implementation of MetricsCollector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

func (NoOpCollector) RecordCacheGet(hit bool, duration time.Duration)                      {}
func (NoOpCollector) RecordCacheRefresh(success bool, duration time.Duration)              {}
func (NoOpCollector) RecordCacheObserve(accepted bool)                                     {}
func (NoOpCollector) RecordRPC(operation string, errorType string, duration time.Duration) {}
func (NoOpCollector) RecordCircuitState(name string, state CircuitState)                   {}
func (NoOpCollector) RecordSubmitAttempt(errorType string)                                 {}
func (NoOpCollector) RecordTransaction(state string, attempts int, duration time.Duration) {}
func (NoOpCollector) RecordInFlight(count int)                                             {}
func (NoOpCollector) RecordStreamState(state string)                                       {}
func (NoOpCollector) RecordStreamEvent(kind string)                                        {}
func (NoOpCollector) RecordReconnect()                                                     {}
func (NoOpCollector) RecordOverflow(dropped int)                                           {}
func (NoOpCollector) RecordQueueDepth(queue string, depth int)                             {}
func (NoOpCollector) RecordReportWrite(sink string, success bool, duration time.Duration)  {}
func (NoOpCollector) RecordReportDropped(sink string)                                      {}

// OrNoOp returns c, or a NoOpCollector when c is nil.
func OrNoOp(c MetricsCollector) MetricsCollector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
