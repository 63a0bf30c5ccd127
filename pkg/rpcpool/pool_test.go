package rpcpool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockRPCServerDynamic creates a test server answering getSlot with a
// mutable slot value. A nil params callback is ignored.
func mockRPCServerDynamic(slot *atomic.Uint64, delay time.Duration, params func([]interface{})) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)

		var req jsonRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if params != nil {
			params(req.Params)
		}

		s := slot.Load()
		resp := jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  &s,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

// mockRPCServer creates a test server that responds to getSlot requests.
func mockRPCServer(slot uint64) *httptest.Server {
	var s atomic.Uint64
	s.Store(slot)
	return mockRPCServerDynamic(&s, 0, nil)
}

// mockRPCServerError creates a test server that returns an error.
func mockRPCServerError() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &jsonRPCError{
				Code:    -32005,
				Message: "Node is unhealthy",
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = time.Second
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return cfg
}

func healthyURLs(p *Pool) map[string]bool {
	out := make(map[string]bool)
	for _, info := range p.EndpointStatus() {
		if info.Healthy {
			out[info.URL] = true
		}
	}
	return out
}

// TestNew tests pool construction.
func TestNew(t *testing.T) {
	if _, err := New(nil, testConfig()); !errors.Is(err, ErrNoEndpoints) {
		t.Errorf("Expected ErrNoEndpoints, got %v", err)
	}

	p, err := New([]string{"http://a", "http://b", "http://a"}, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if p.TotalCount() != 2 {
		t.Errorf("Expected duplicates dropped, got %d endpoints", p.TotalCount())
	}
	if p.HealthyCount() != 2 {
		t.Errorf("Expected endpoints healthy before the first check, got %d", p.HealthyCount())
	}
	if p.config.SlotThreshold != DefaultSlotThreshold {
		t.Errorf("Expected default threshold, got %d", p.config.SlotThreshold)
	}
}

// TestCheck_MarksLaggingEndpoints tests exclusion of endpoints behind the
// highest slot.
func TestCheck_MarksLaggingEndpoints(t *testing.T) {
	fresh := mockRPCServer(1000)
	defer fresh.Close()
	near := mockRPCServer(960)
	defer near.Close()
	stale := mockRPCServer(900)
	defer stale.Close()

	var mu sync.Mutex
	changes := make(map[string]bool)
	cfg := testConfig()
	cfg.OnHealthChange = func(url string, healthy bool, slot uint64) {
		mu.Lock()
		changes[url] = healthy
		mu.Unlock()
	}

	p, err := New([]string{fresh.URL, near.URL, stale.URL}, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	if p.ReferenceSlot() != 1000 {
		t.Errorf("Expected reference slot 1000, got %d", p.ReferenceSlot())
	}
	healthy := healthyURLs(p)
	if !healthy[fresh.URL] || !healthy[near.URL] || healthy[stale.URL] {
		t.Errorf("Unexpected health: %v", healthy)
	}
	if len(changes) != 1 || changes[stale.URL] {
		t.Errorf("Expected one change marking the stale endpoint, got %v", changes)
	}
}

// TestCheck_FailingEndpoint tests that endpoints answering with an error
// are excluded.
func TestCheck_FailingEndpoint(t *testing.T) {
	ok := mockRPCServer(100)
	defer ok.Close()
	bad := mockRPCServerError()
	defer bad.Close()

	p, _ := New([]string{ok.URL, bad.URL}, testConfig())
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if p.HealthyCount() != 1 {
		t.Errorf("Expected 1 healthy endpoint, got %d", p.HealthyCount())
	}
	for _, info := range p.EndpointStatus() {
		if info.URL == bad.URL && info.FailCount != 1 {
			t.Errorf("Expected fail count 1, got %d", info.FailCount)
		}
	}
}

// TestCheck_AllFail tests the error when no endpoint answers.
func TestCheck_AllFail(t *testing.T) {
	bad := mockRPCServerError()
	defer bad.Close()

	p, _ := New([]string{bad.URL}, testConfig())
	if err := p.Check(context.Background()); !errors.Is(err, ErrNoHealthyEndpoints) {
		t.Errorf("Expected ErrNoHealthyEndpoints, got %v", err)
	}
	if _, err := p.GetEndpoint(context.Background()); !errors.Is(err, ErrNoHealthyEndpoints) {
		t.Errorf("Expected ErrNoHealthyEndpoints from GetEndpoint, got %v", err)
	}
}

// TestCheck_Timeout tests that slow endpoints are excluded.
func TestCheck_Timeout(t *testing.T) {
	var slot atomic.Uint64
	slot.Store(10)
	slow := mockRPCServerDynamic(&slot, 200*time.Millisecond, nil)
	defer slow.Close()
	fast := mockRPCServer(10)
	defer fast.Close()

	cfg := testConfig()
	cfg.RequestTimeout = 20 * time.Millisecond
	p, _ := New([]string{slow.URL, fast.URL}, cfg)
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if healthy := healthyURLs(p); healthy[slow.URL] || !healthy[fast.URL] {
		t.Errorf("Unexpected health: %v", healthy)
	}
}

// TestCheck_Recovery tests that a lagging endpoint returns once it
// catches up.
func TestCheck_Recovery(t *testing.T) {
	var lagging atomic.Uint64
	lagging.Store(100)
	slow := mockRPCServerDynamic(&lagging, 0, nil)
	defer slow.Close()
	ref := mockRPCServer(500)
	defer ref.Close()

	p, _ := New([]string{slow.URL, ref.URL}, testConfig())
	p.Check(context.Background())
	if p.HealthyCount() != 1 {
		t.Fatalf("Expected 1 healthy endpoint, got %d", p.HealthyCount())
	}

	lagging.Store(490)
	p.Check(context.Background())
	if p.HealthyCount() != 2 {
		t.Errorf("Expected recovered endpoint, got %d healthy", p.HealthyCount())
	}
}

// TestCheck_Commitment tests that the commitment is sent with getSlot.
func TestCheck_Commitment(t *testing.T) {
	var slot atomic.Uint64
	slot.Store(1)
	var got atomic.Value
	srv := mockRPCServerDynamic(&slot, 0, func(params []interface{}) {
		if len(params) == 1 {
			if m, ok := params[0].(map[string]interface{}); ok {
				got.Store(m["commitment"])
			}
		}
	})
	defer srv.Close()

	cfg := testConfig()
	cfg.Commitment = "finalized"
	p, _ := New([]string{srv.URL}, cfg)
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if got.Load() != "finalized" {
		t.Errorf("Expected commitment finalized, got %v", got.Load())
	}
}

// TestGetEndpoint_RoundRobin tests rotation over healthy endpoints.
func TestGetEndpoint_RoundRobin(t *testing.T) {
	p, _ := New([]string{"http://a", "http://b"}, testConfig())

	var got []string
	for i := 0; i < 4; i++ {
		ep, err := p.GetEndpoint(context.Background())
		if err != nil {
			t.Fatalf("GetEndpoint failed: %v", err)
		}
		got = append(got, ep.URL)
	}
	want := []string{"http://a", "http://b", "http://a", "http://b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.GetEndpoint(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// TestMarkUnhealthy tests exclusion after repeated request failures.
func TestMarkUnhealthy(t *testing.T) {
	p, _ := New([]string{"http://a", "http://b"}, testConfig())
	failure := errors.New("boom")

	p.MarkUnhealthy("http://a", failure)
	p.MarkUnhealthy("http://a", failure)
	if p.HealthyCount() != 2 {
		t.Fatalf("Expected endpoint kept before %d failures", maxFailures)
	}

	// A success in between resets the count.
	p.MarkHealthy("http://a", time.Millisecond)
	p.MarkUnhealthy("http://a", failure)
	p.MarkUnhealthy("http://a", failure)
	if p.HealthyCount() != 2 {
		t.Fatal("Expected fail count reset by MarkHealthy")
	}

	p.MarkUnhealthy("http://a", failure)
	if p.HealthyCount() != 1 {
		t.Fatalf("Expected 1 healthy endpoint, got %d", p.HealthyCount())
	}

	ep, err := p.GetEndpoint(context.Background())
	if err != nil || ep.URL != "http://b" {
		t.Errorf("Expected http://b, got %v, %v", ep, err)
	}

	// Unknown URLs are ignored.
	p.MarkUnhealthy("http://c", failure)
	p.MarkHealthy("http://c", 0)
}

// TestStartStop tests the background health check loop.
func TestStartStop(t *testing.T) {
	var lagging atomic.Uint64
	lagging.Store(0)
	slow := mockRPCServerDynamic(&lagging, 0, nil)
	defer slow.Close()
	ref := mockRPCServer(1000)
	defer ref.Close()

	cfg := testConfig()
	cfg.HealthCheckPeriod = 10 * time.Millisecond
	p, _ := New([]string{slow.URL, ref.URL}, cfg)

	p.Start(context.Background())
	p.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for p.HealthyCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.HealthyCount() != 1 {
		t.Fatalf("Expected loop to exclude the lagging endpoint, got %d healthy", p.HealthyCount())
	}

	p.Stop()
	p.Stop()
	if _, err := p.GetEndpoint(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}
	if err := p.Check(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed from Check, got %v", err)
	}
}
