package memory

import (
	"sync"
	"time"

	"ledger-client/pkg/metrics"
)

// MemoryCollector implements MetricsCollector for in-memory testing and the
// JSON metrics endpoint.
type MemoryCollector struct {
	mu sync.RWMutex
	s  Snapshot
}

// Snapshot is a copy of the collected metrics.
type Snapshot struct {
	// Balance cache
	CacheHits         int64
	CacheMisses       int64
	CacheRefreshes    int64
	CacheRefreshFails int64
	ObservesAccepted  int64
	ObservesRejected  int64

	// RPC calls by operation, and errors by operation/type
	RPCCalls      map[string]int64
	RPCErrors     map[string]map[string]int64
	CircuitStates map[string]metrics.CircuitState
	CircuitOpens  map[string]int64

	// Batch engine
	SubmitAttempts    int64
	SubmitErrors      map[string]int64
	Transactions      map[string]int64
	TotalAttempts     int64
	InFlight          int
	MaxInFlight       int
	TransactionTimes  []time.Duration

	// Update stream
	StreamState      string
	StateTransitions map[string]int64
	Events           map[string]int64
	Reconnects       int64
	Overflows        int64
	DroppedEvents    int64
	QueueDepth       map[string]int

	// Report writer
	ReportWrites   map[string]int64
	ReportErrors   map[string]int64
	ReportsDropped map[string]int64
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	mc := &MemoryCollector{}
	mc.Reset()
	return mc
}

// RecordCacheGet records a balance cache lookup.
func (mc *MemoryCollector) RecordCacheGet(hit bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if hit {
		mc.s.CacheHits++
	} else {
		mc.s.CacheMisses++
	}
}

// RecordCacheRefresh records a read-through refresh.
func (mc *MemoryCollector) RecordCacheRefresh(success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s.CacheRefreshes++
	if !success {
		mc.s.CacheRefreshFails++
	}
}

// RecordCacheObserve records an opportunistic cache update.
func (mc *MemoryCollector) RecordCacheObserve(accepted bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if accepted {
		mc.s.ObservesAccepted++
	} else {
		mc.s.ObservesRejected++
	}
}

// RecordRPC records a ledger RPC call.
func (mc *MemoryCollector) RecordRPC(operation string, errorType string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s.RPCCalls[operation]++
	if errorType != "none" {
		if mc.s.RPCErrors[operation] == nil {
			mc.s.RPCErrors[operation] = make(map[string]int64)
		}
		mc.s.RPCErrors[operation][errorType]++
	}
}

// RecordCircuitState records the current circuit breaker state.
func (mc *MemoryCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	old, seen := mc.s.CircuitStates[name]
	mc.s.CircuitStates[name] = state

	// Count transitions to open
	if (!seen || old != metrics.CircuitOpen) && state == metrics.CircuitOpen {
		mc.s.CircuitOpens[name]++
	}
}

// RecordSubmitAttempt records one build+submit attempt.
func (mc *MemoryCollector) RecordSubmitAttempt(errorType string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s.SubmitAttempts++
	if errorType != "none" {
		mc.s.SubmitErrors[errorType]++
	}
}

// RecordTransaction records a transaction reaching a terminal state.
func (mc *MemoryCollector) RecordTransaction(state string, attempts int, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s.Transactions[state]++
	mc.s.TotalAttempts += int64(attempts)
	mc.s.TransactionTimes = append(mc.s.TransactionTimes, duration)
}

// RecordInFlight records the current admission window occupancy.
func (mc *MemoryCollector) RecordInFlight(count int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s.InFlight = count
	if count > mc.s.MaxInFlight {
		mc.s.MaxInFlight = count
	}
}

// RecordStreamState records a stream state transition.
func (mc *MemoryCollector) RecordStreamState(state string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s.StreamState = state
	mc.s.StateTransitions[state]++
}

// RecordStreamEvent records a delivered stream event.
func (mc *MemoryCollector) RecordStreamEvent(kind string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s.Events[kind]++
}

// RecordReconnect records a stream reconnection attempt.
func (mc *MemoryCollector) RecordReconnect() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s.Reconnects++
}

// RecordOverflow records dropped events reported by an overflow marker.
func (mc *MemoryCollector) RecordOverflow(dropped int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s.Overflows++
	mc.s.DroppedEvents += int64(dropped)
}

// RecordQueueDepth records the current depth of a named queue.
func (mc *MemoryCollector) RecordQueueDepth(queue string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s.QueueDepth[queue] = depth
}

// RecordReportWrite records a report persistence write.
func (mc *MemoryCollector) RecordReportWrite(sink string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s.ReportWrites[sink]++
	if !success {
		mc.s.ReportErrors[sink]++
	}
}

// RecordReportDropped records a report write dropped due to backpressure.
func (mc *MemoryCollector) RecordReportDropped(sink string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s.ReportsDropped[sink]++
}

// Snapshot returns a deep copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	s := mc.s
	s.RPCCalls = copyMap(mc.s.RPCCalls)
	s.RPCErrors = make(map[string]map[string]int64, len(mc.s.RPCErrors))
	for op, byType := range mc.s.RPCErrors {
		s.RPCErrors[op] = copyMap(byType)
	}
	s.CircuitStates = copyMap(mc.s.CircuitStates)
	s.CircuitOpens = copyMap(mc.s.CircuitOpens)
	s.SubmitErrors = copyMap(mc.s.SubmitErrors)
	s.Transactions = copyMap(mc.s.Transactions)
	s.TransactionTimes = append([]time.Duration(nil), mc.s.TransactionTimes...)
	s.StateTransitions = copyMap(mc.s.StateTransitions)
	s.Events = copyMap(mc.s.Events)
	s.QueueDepth = copyMap(mc.s.QueueDepth)
	s.ReportWrites = copyMap(mc.s.ReportWrites)
	s.ReportErrors = copyMap(mc.s.ReportErrors)
	s.ReportsDropped = copyMap(mc.s.ReportsDropped)
	return s
}

// SnapshotAny returns Snapshot as an interface value for the JSON endpoint.
func (mc *MemoryCollector) SnapshotAny() interface{} {
	return mc.Snapshot()
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.s = Snapshot{
		RPCCalls:         make(map[string]int64),
		RPCErrors:        make(map[string]map[string]int64),
		CircuitStates:    make(map[string]metrics.CircuitState),
		CircuitOpens:     make(map[string]int64),
		SubmitErrors:     make(map[string]int64),
		Transactions:     make(map[string]int64),
		StateTransitions: make(map[string]int64),
		Events:           make(map[string]int64),
		QueueDepth:       make(map[string]int),
		ReportWrites:     make(map[string]int64),
		ReportErrors:     make(map[string]int64),
		ReportsDropped:   make(map[string]int64),
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
