package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ledger-client/pkg/balance"
	"ledger-client/pkg/ledger"
	"ledger-client/pkg/logging"
	"ledger-client/pkg/metrics"
	"ledger-client/pkg/store"
	"ledger-client/pkg/stream"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Balances is the read side of the balance cache.
type Balances interface {
	Get(ctx context.Context, id ledger.AccountID) (ledger.Balance, error)
	Snapshot(id ledger.AccountID) (balance.Entry, bool)
	Height() uint64
	Len() int
}

// StreamStatus exposes the state of a running subscription.
type StreamStatus interface {
	State() stream.State
	Buffered() int
	FilterStats() stream.FilterStats
	Err() error
}

// Server provides HTTP endpoints for balance inspection and monitoring.
type Server struct {
	balances Balances
	runs     store.Store
	stream   StreamStatus
	metrics  metrics.MetricsCollector
	server   *http.Server
	router   *mux.Router
	config   ServerConfig
	logger   *logging.Logger
	started  time.Time

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration

	// LookupTimeout bounds a balance lookup that misses the cache
	LookupTimeout time.Duration

	// Registry, when set, is served on /metrics and receives the HTTP
	// request metrics. Otherwise the default gatherer is served.
	Registry *prometheus.Registry
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       ":8080",
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  10 * time.Second,
		LookupTimeout: 5 * time.Second,
	}
}

// NewServer creates the API server. runs may be nil, in which case the
// /runs endpoints answer 503.
func NewServer(balances Balances, runs store.Store, collector metrics.MetricsCollector, config ServerConfig) *Server {
	if config.LookupTimeout <= 0 {
		config.LookupTimeout = 5 * time.Second
	}

	s := &Server{
		balances: balances,
		runs:     runs,
		metrics:  metrics.OrNoOp(collector),
		config:   config,
		logger:   logging.Named("api"),
		started:  time.Now(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "api_http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if config.Registry != nil {
		config.Registry.MustRegister(s.requests, s.latency)
		gatherer = config.Registry
	}

	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/metrics/json", s.handleMetricsJSON).Methods(http.MethodGet)

	r.HandleFunc("/balances/{account}", s.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/runs/{id}", s.handleRun).Methods(http.MethodGet)
	r.HandleFunc("/stream/state", s.handleStreamState).Methods(http.MethodGet)

	s.router = r
	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// AttachStream makes a subscription visible on /stream/state.
// Call it before Start.
func (s *Server) AttachStream(st StreamStatus) {
	s.stream = st
}

// Handler returns the router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.config.Address))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":         "running",
		"timestamp":      time.Now().Unix(),
		"uptime":         time.Since(s.started).String(),
		"cache_height":   s.balances.Height(),
		"cache_accounts": s.balances.Len(),
	}
	if s.stream != nil {
		response["stream_state"] = s.stream.State().String()
	}

	writeJSON(w, http.StatusOK, response)
}

// handleMetricsJSON returns the in-memory snapshot when the collector keeps one.
func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if mc, ok := s.metrics.(interface{ SnapshotAny() interface{} }); ok {
		writeJSON(w, http.StatusOK, mc.SnapshotAny())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"error": "Metrics collector does not support JSON snapshot",
	})
}

// handleBalance serves a balance through the cache. With ?cached=true it
// only reports what the cache holds and never calls the ledger.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["account"]
	id, err := ledger.ParseAccountID(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   err.Error(),
			"account": raw,
		})
		return
	}

	if cachedOnly, _ := strconv.ParseBool(r.URL.Query().Get("cached")); cachedOnly {
		entry, ok := s.balances.Snapshot(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"error":   "account not cached",
				"account": id.String(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"account":      id.String(),
			"amount":       entry.Balance.Amount,
			"height":       entry.Balance.Height,
			"sol":          entry.Balance.SOL(),
			"valid":        entry.Valid,
			"refreshed_at": entry.RefreshedAt,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.LookupTimeout)
	defer cancel()

	bal, err := s.balances.Get(ctx, id)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ledger.ErrAccountNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]interface{}{
			"error":   err.Error(),
			"account": id.String(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": id.String(),
		"amount":  bal.Amount,
		"height":  bal.Height,
		"sol":     bal.SOL(),
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": "no report store configured",
		})
		return
	}

	id := mux.Vars(r)["id"]
	run, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":  "run not found",
			"run_id": id,
		})
		return
	}
	if err != nil {
		s.logger.Error("run lookup failed", logging.RunID(id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	records, err := s.runs.ListRecords(r.Context(), id)
	if err != nil {
		s.logger.Error("record listing failed", logging.RunID(id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if records == nil {
		records = []store.RecordDoc{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":     run,
		"records": records,
	})
}

func (s *Server) handleStreamState(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"state": "none",
		})
		return
	}

	fs := s.stream.FilterStats()
	response := map[string]interface{}{
		"state":        s.stream.State().String(),
		"buffered":     s.stream.Buffered(),
		"cache_height": s.balances.Height(),
		"filter": map[string]uint64{
			"total_queries":   fs.TotalQueries,
			"bloom_rejected":  fs.BloomRejected,
			"false_positives": fs.FalsePositives,
		},
	}
	if err := s.stream.Err(); err != nil {
		response["error"] = err.Error()
	}

	writeJSON(w, http.StatusOK, response)
}

// instrument records request counts and latencies per route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(srw, r)

		endpoint := routeTemplate(r)
		s.requests.WithLabelValues(r.Method, endpoint, http.StatusText(srw.statusCode)).Inc()
		s.latency.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// statusResponseWriter captures the status code
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unknown"
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
