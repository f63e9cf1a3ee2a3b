package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ledger-client/pkg/balance"
	"ledger-client/pkg/engine"
	"ledger-client/pkg/ledger"
	"ledger-client/pkg/ledger/ledgertest"
	memorycollector "ledger-client/pkg/metrics/memory"
	"ledger-client/pkg/store"
	"ledger-client/pkg/stream"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeStream struct {
	state stream.State
	err   error
}

func (f fakeStream) State() stream.State { return f.state }
func (f fakeStream) Buffered() int       { return 3 }
func (f fakeStream) FilterStats() stream.FilterStats {
	return stream.FilterStats{TotalQueries: 10, BloomRejected: 7}
}
func (f fakeStream) Err() error { return f.err }

type testEnv struct {
	server   *Server
	cache    *balance.Cache
	balances *ledgertest.Balances
	runs     *store.Memory
	client   *ledgertest.Client
}

func setupTestServer(t *testing.T) *testEnv {
	balances := ledgertest.NewBalances()
	client := &ledgertest.Client{GetBalanceFunc: balances.Get}

	cache, err := balance.New(client, balance.Config{})
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}

	runs := store.NewMemory()
	config := DefaultServerConfig()
	config.Registry = prometheus.NewRegistry()
	server := NewServer(cache, runs, memorycollector.NewMemoryCollector(), config)

	return &testEnv{server: server, cache: cache, balances: balances, runs: runs, client: client}
}

func (e *testEnv) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)

	var response map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return w, response
}

func TestServer_Health(t *testing.T) {
	env := setupTestServer(t)

	w, response := env.get(t, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %v", response["status"])
	}
}

func TestServer_Status(t *testing.T) {
	env := setupTestServer(t)
	env.cache.AdvanceHeight(12)
	env.server.AttachStream(fakeStream{state: stream.Streaming})

	w, response := env.get(t, "/status")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response["status"] != "running" {
		t.Errorf("Expected status running, got %v", response["status"])
	}
	if response["cache_height"] != float64(12) {
		t.Errorf("Expected cache height 12, got %v", response["cache_height"])
	}
	if response["stream_state"] != "streaming" {
		t.Errorf("Expected stream state streaming, got %v", response["stream_state"])
	}
}

func TestServer_Balance_ReadThrough(t *testing.T) {
	env := setupTestServer(t)
	acct := ledgertest.Account(1)
	env.balances.Set(acct, ledger.Balance{Amount: 2_500_000_000, Height: 40})

	w, response := env.get(t, "/balances/"+acct.String())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if response["amount"] != float64(2_500_000_000) {
		t.Errorf("Expected amount 2500000000, got %v", response["amount"])
	}
	if response["sol"] != 2.5 {
		t.Errorf("Expected 2.5 SOL, got %v", response["sol"])
	}

	// Second request is served from the cache.
	env.get(t, "/balances/"+acct.String())
	if calls := env.client.GetBalanceCalls(); calls != 1 {
		t.Errorf("Expected 1 ledger call, got %d", calls)
	}
}

func TestServer_Balance_CachedOnly(t *testing.T) {
	env := setupTestServer(t)
	acct := ledgertest.Account(2)

	w, _ := env.get(t, "/balances/"+acct.String()+"?cached=true")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 before observation, got %d", w.Code)
	}
	if calls := env.client.GetBalanceCalls(); calls != 0 {
		t.Errorf("Expected no ledger calls, got %d", calls)
	}

	env.cache.Observe(acct, ledger.Balance{Amount: 7, Height: 3})
	w, response := env.get(t, "/balances/"+acct.String()+"?cached=true")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if response["valid"] != true || response["height"] != float64(3) {
		t.Errorf("Unexpected cached entry: %v", response)
	}
}

func TestServer_Balance_NotFound(t *testing.T) {
	env := setupTestServer(t)

	w, response := env.get(t, "/balances/"+ledgertest.Account(9).String())
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if response["error"] == nil {
		t.Error("Expected error field")
	}
}

func TestServer_Balance_LedgerDown(t *testing.T) {
	env := setupTestServer(t)
	env.client.GetBalanceFunc = func(context.Context, ledger.AccountID) (ledger.Balance, error) {
		return ledger.Balance{}, errors.New("connection refused")
	}

	w, _ := env.get(t, "/balances/"+ledgertest.Account(1).String())
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", w.Code)
	}
}

func TestServer_Balance_Malformed(t *testing.T) {
	env := setupTestServer(t)

	w, response := env.get(t, "/balances/not-base58!")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if response["account"] != "not-base58!" {
		t.Errorf("Expected account echoed back, got %v", response["account"])
	}
}

func TestServer_Run(t *testing.T) {
	env := setupTestServer(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	report := &engine.Report{
		RunID:      "run-1",
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
		Records: []engine.Record{{
			Index:      0,
			Intent:     ledger.TransferIntent{Source: ledgertest.Account(1), Destination: ledgertest.Account(2), Amount: 5},
			Signature:  "sig",
			State:      engine.Confirmed,
			Attempts:   1,
			FinishedAt: start.Add(time.Second),
		}},
	}
	if err := store.SaveReport(context.Background(), env.runs, report); err != nil {
		t.Fatalf("Failed to save report: %v", err)
	}

	w, response := env.get(t, "/runs/run-1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	run, _ := response["run"].(map[string]interface{})
	if run["total"] != float64(1) || run["confirmed"] != float64(1) {
		t.Errorf("Unexpected run: %v", run)
	}
	records, _ := response["records"].([]interface{})
	if len(records) != 1 {
		t.Errorf("Expected 1 record, got %d", len(records))
	}

	w, _ = env.get(t, "/runs/missing")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_Run_NoStore(t *testing.T) {
	cache, _ := balance.New(&ledgertest.Client{}, balance.Config{})
	server := NewServer(cache, nil, nil, ServerConfig{Registry: prometheus.NewRegistry()})

	req := httptest.NewRequest(http.MethodGet, "/runs/x", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestServer_StreamState(t *testing.T) {
	env := setupTestServer(t)

	_, response := env.get(t, "/stream/state")
	if response["state"] != "none" {
		t.Errorf("Expected state none without a stream, got %v", response["state"])
	}

	env.server.AttachStream(fakeStream{state: stream.Disconnected, err: ledger.ErrTransport})
	_, response = env.get(t, "/stream/state")
	if response["state"] != "disconnected" {
		t.Errorf("Expected state disconnected, got %v", response["state"])
	}
	if response["buffered"] != float64(3) {
		t.Errorf("Expected 3 buffered, got %v", response["buffered"])
	}
	if response["error"] == nil {
		t.Error("Expected error field")
	}
	filter, _ := response["filter"].(map[string]interface{})
	if filter["bloom_rejected"] != float64(7) {
		t.Errorf("Expected 7 bloom rejections, got %v", filter["bloom_rejected"])
	}
}

func TestServer_MetricsJSON(t *testing.T) {
	env := setupTestServer(t)

	w, response := env.get(t, "/metrics/json")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response == nil {
		t.Error("Expected non-nil response")
	}
}

func TestServer_Metrics(t *testing.T) {
	env := setupTestServer(t)
	env.get(t, "/health")

	w, _ := env.get(t, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `api_http_requests_total{endpoint="/health",method="GET",status="OK"} 1`) {
		t.Errorf("Expected request counter in output, got:\n%s", w.Body.String())
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestServer_StartStop(t *testing.T) {
	env := setupTestServer(t)
	env.server.config.Address = "127.0.0.1:0"
	env.server.server.Addr = "127.0.0.1:0"

	if err := env.server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := env.server.Stop(ctx); err != nil {
		t.Errorf("Failed to stop server: %v", err)
	}
}

func TestDefaultServerConfig(t *testing.T) {
	config := DefaultServerConfig()

	if config.Address != ":8080" {
		t.Errorf("Expected address :8080, got %s", config.Address)
	}
	if config.ReadTimeout != 5*time.Second {
		t.Errorf("Expected read timeout 5s, got %v", config.ReadTimeout)
	}
	if config.WriteTimeout != 10*time.Second {
		t.Errorf("Expected write timeout 10s, got %v", config.WriteTimeout)
	}
	if config.LookupTimeout != 5*time.Second {
		t.Errorf("Expected lookup timeout 5s, got %v", config.LookupTimeout)
	}
}
