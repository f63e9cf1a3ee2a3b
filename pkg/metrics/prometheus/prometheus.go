package prometheus

import (
	"time"

	"ledger-client/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Balance cache
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheRefreshes *prometheus.CounterVec
	refreshLatency prometheus.Histogram
	cacheObserves  *prometheus.CounterVec

	// RPC
	rpcCalls     *prometheus.CounterVec
	rpcLatency   *prometheus.HistogramVec
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Batch engine
	submitAttempts *prometheus.CounterVec
	transactions   *prometheus.CounterVec
	txAttempts     prometheus.Histogram
	txLatency      *prometheus.HistogramVec
	inFlight       prometheus.Gauge

	// Update stream
	streamState *prometheus.GaugeVec
	events      *prometheus.CounterVec
	reconnects  prometheus.Counter
	overflows   prometheus.Counter
	dropped     prometheus.Counter
	queueDepth  *prometheus.GaugeVec

	// Report writer
	reportWrites  *prometheus.CounterVec
	reportLatency *prometheus.HistogramVec
	reportDropped *prometheus.CounterVec
}

// streamStates are the label values of the stream_state gauge.
var streamStates = []string{"disconnected", "connecting", "streaming", "reconnecting", "draining"}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	latency := prometheus.ExponentialBuckets(0.0005, 2, 16) // 0.5ms to ~16s

	return &PrometheusCollector{
		namespace: namespace,
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_cache_hits_total",
			Help:      "Balance lookups served from the cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_cache_misses_total",
			Help:      "Balance lookups that required a network read",
		}),
		cacheRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_cache_refreshes_total",
			Help:      "Read-through refreshes by outcome",
		}, []string{"status"}),
		refreshLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "balance_cache_refresh_duration_seconds",
			Help:      "Read-through refresh latency",
			Buckets:   latency,
		}),
		cacheObserves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_cache_observes_total",
			Help:      "Opportunistic balance updates by outcome",
		}, []string{"result"}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Ledger RPC calls by operation and error type",
		}, []string{"operation", "error_type"}),
		rpcLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Ledger RPC latency",
			Buckets:   latency,
		}, []string{"operation"}),
		circuitOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_opens_total",
			Help:      "Total number of circuit breaker opens",
		}, []string{"name"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		submitAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_attempts_total",
			Help:      "Transaction build+submit attempts by error type",
		}, []string{"error_type"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions reaching a terminal state",
		}, []string{"state"}),
		txAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_attempts",
			Help:      "Submit attempts per finished transaction",
			Buckets:   prometheus.LinearBuckets(0, 1, 8),
		}),
		txLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Time from first submission to terminal state",
			Buckets:   latency,
		}, []string{"state"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transactions_in_flight",
			Help:      "Transactions currently holding an admission slot",
		}),
		streamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_state",
			Help:      "1 for the current update stream state, 0 otherwise",
		}, []string{"state"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Update events delivered to consumers by kind",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Update stream reconnection attempts",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_overflows_total",
			Help:      "Overflow markers delivered",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_events_total",
			Help:      "Events dropped under the drop-oldest policy",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current depth of bounded queues",
		}, []string{"queue"}),
		reportWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_writes_total",
			Help:      "Report record writes by sink and status",
		}, []string{"sink", "status"}),
		reportLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_write_duration_seconds",
			Help:      "Report record write latency",
			Buckets:   latency,
		}, []string{"sink"}),
		reportDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_dropped_total",
			Help:      "Report record writes dropped due to backpressure",
		}, []string{"sink"}),
	}
}

func (pc *PrometheusCollector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		pc.cacheHits,
		pc.cacheMisses,
		pc.cacheRefreshes,
		pc.refreshLatency,
		pc.cacheObserves,
		pc.rpcCalls,
		pc.rpcLatency,
		pc.circuitOpens,
		pc.circuitState,
		pc.submitAttempts,
		pc.transactions,
		pc.txAttempts,
		pc.txLatency,
		pc.inFlight,
		pc.streamState,
		pc.events,
		pc.reconnects,
		pc.overflows,
		pc.dropped,
		pc.queueDepth,
		pc.reportWrites,
		pc.reportLatency,
		pc.reportDropped,
	}
}

// Register registers all metrics with the given Prometheus registerer.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	for _, collector := range pc.collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Describe implements prometheus.Collector so the whole set can be registered at once.
func (pc *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range pc.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (pc *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, c := range pc.collectors() {
		c.Collect(ch)
	}
}

// RecordCacheGet records a balance cache lookup.
func (pc *PrometheusCollector) RecordCacheGet(hit bool, duration time.Duration) {
	if hit {
		pc.cacheHits.Inc()
	} else {
		pc.cacheMisses.Inc()
	}
}

// RecordCacheRefresh records a read-through refresh.
func (pc *PrometheusCollector) RecordCacheRefresh(success bool, duration time.Duration) {
	pc.cacheRefreshes.WithLabelValues(status(success)).Inc()
	pc.refreshLatency.Observe(duration.Seconds())
}

// RecordCacheObserve records an opportunistic cache update.
func (pc *PrometheusCollector) RecordCacheObserve(accepted bool) {
	result := "accepted"
	if !accepted {
		result = "stale"
	}
	pc.cacheObserves.WithLabelValues(result).Inc()
}

// RecordRPC records a ledger RPC call.
func (pc *PrometheusCollector) RecordRPC(operation string, errorType string, duration time.Duration) {
	pc.rpcCalls.WithLabelValues(operation, errorType).Inc()
	pc.rpcLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(name).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(name).Inc()
	}
}

// RecordSubmitAttempt records one build+submit attempt.
func (pc *PrometheusCollector) RecordSubmitAttempt(errorType string) {
	pc.submitAttempts.WithLabelValues(errorType).Inc()
}

// RecordTransaction records a transaction reaching a terminal state.
func (pc *PrometheusCollector) RecordTransaction(state string, attempts int, duration time.Duration) {
	pc.transactions.WithLabelValues(state).Inc()
	pc.txAttempts.Observe(float64(attempts))
	pc.txLatency.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordInFlight records the current admission window occupancy.
func (pc *PrometheusCollector) RecordInFlight(count int) {
	pc.inFlight.Set(float64(count))
}

// RecordStreamState records a stream state transition.
func (pc *PrometheusCollector) RecordStreamState(state string) {
	for _, s := range streamStates {
		v := 0.0
		if s == state {
			v = 1
		}
		pc.streamState.WithLabelValues(s).Set(v)
	}
}

// RecordStreamEvent records a delivered stream event.
func (pc *PrometheusCollector) RecordStreamEvent(kind string) {
	pc.events.WithLabelValues(kind).Inc()
}

// RecordReconnect records a stream reconnection attempt.
func (pc *PrometheusCollector) RecordReconnect() {
	pc.reconnects.Inc()
}

// RecordOverflow records dropped events reported by an overflow marker.
func (pc *PrometheusCollector) RecordOverflow(dropped int) {
	pc.overflows.Inc()
	pc.dropped.Add(float64(dropped))
}

// RecordQueueDepth records the current depth of a named queue.
func (pc *PrometheusCollector) RecordQueueDepth(queue string, depth int) {
	pc.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordReportWrite records a report persistence write.
func (pc *PrometheusCollector) RecordReportWrite(sink string, success bool, duration time.Duration) {
	pc.reportWrites.WithLabelValues(sink, status(success)).Inc()
	pc.reportLatency.WithLabelValues(sink).Observe(duration.Seconds())
}

// RecordReportDropped records a report write dropped due to backpressure.
func (pc *PrometheusCollector) RecordReportDropped(sink string) {
	pc.reportDropped.WithLabelValues(sink).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

