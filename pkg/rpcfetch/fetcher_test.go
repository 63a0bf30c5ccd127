package rpcfetch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/svm/programs/bpfloader"
)

// mockRPCServer creates a mock RPC server for testing.
func mockRPCServer(t *testing.T, handler func(method string, params []interface{}) (interface{}, error)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string        `json:"jsonrpc"`
			ID      int           `json:"id"`
			Method  string        `json:"method"`
			Params  []interface{} `json:"params"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}

		result, err := handler(req.Method, req.Params)

		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
		}

		var rpcErr *RPCError
		switch {
		case errors.As(err, &rpcErr):
			resp["error"] = map[string]interface{}{"code": rpcErr.Code, "message": rpcErr.Message}
		case err != nil:
			resp["error"] = map[string]interface{}{"code": -32000, "message": err.Error()}
		default:
			resp["result"] = result
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

// accountStore serves getAccountInfo and getMultipleAccounts from a map.
type accountStore struct {
	mu       sync.Mutex
	accounts map[string]*accounts.Account
	calls    map[string]int
}

func newAccountStore(accts ...accounts.KeyedAccount) *accountStore {
	s := &accountStore{accounts: make(map[string]*accounts.Account), calls: make(map[string]int)}
	for _, ka := range accts {
		s.accounts[ka.Pubkey.String()] = ka.Account
	}
	return s
}

func (s *accountStore) encode(key string) interface{} {
	acc, ok := s.accounts[key]
	if !ok {
		return nil
	}
	return map[string]interface{}{
		"data":       []string{base64.StdEncoding.EncodeToString(acc.Data), "base64"},
		"executable": acc.Executable,
		"lamports":   acc.Lamports,
		"owner":      acc.Owner.String(),
		"rentEpoch":  acc.RentEpoch,
		"space":      len(acc.Data),
	}
}

func (s *accountStore) handle(method string, params []interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++

	ctx := map[string]interface{}{"slot": 42}
	switch method {
	case "getAccountInfo":
		return map[string]interface{}{"context": ctx, "value": s.encode(params[0].(string))}, nil
	case "getMultipleAccounts":
		keys := params[0].([]interface{})
		if len(keys) > MaxMultipleAccounts {
			return nil, &RPCError{Code: codeInvalidParams, Message: "too many inputs"}
		}
		values := make([]interface{}, len(keys))
		for i, k := range keys {
			values[i] = s.encode(k.(string))
		}
		return map[string]interface{}{"context": ctx, "value": values}, nil
	default:
		return nil, fmt.Errorf("unexpected method %s", method)
	}
}

func (s *accountStore) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func systemAccount(key types.Pubkey, lamports uint64) accounts.KeyedAccount {
	return accounts.KeyedAccount{Pubkey: key, Account: &accounts.Account{Lamports: lamports, Owner: types.SystemProgramAddr, Data: []byte{}}}
}

func testConfig() Config {
	return Config{
		RequestDelay:  -1,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 2 * time.Millisecond,
	}
}

func TestSimplePool(t *testing.T) {
	urls := []string{"http://localhost:8899", "http://localhost:8900"}
	pool := NewSimplePool(urls)

	// Test GetEndpoint returns endpoints
	ctx := context.Background()
	ep1, err := pool.GetEndpoint(ctx)
	if err != nil {
		t.Fatalf("GetEndpoint failed: %v", err)
	}
	if ep1.URL != urls[0] {
		t.Errorf("Expected first endpoint, got %s", ep1.URL)
	}

	ep2, err := pool.GetEndpoint(ctx)
	if err != nil {
		t.Fatalf("GetEndpoint failed: %v", err)
	}
	if ep2.URL != urls[1] {
		t.Errorf("Expected second endpoint, got %s", ep2.URL)
	}

	// Test MarkUnhealthy
	pool.MarkUnhealthy(urls[0], errors.New("connection refused"))
	if pool.HealthyCount() != 1 {
		t.Errorf("Expected 1 healthy endpoint, got %d", pool.HealthyCount())
	}
	for i := 0; i < 3; i++ {
		ep, err := pool.GetEndpoint(ctx)
		if err != nil {
			t.Fatalf("GetEndpoint failed: %v", err)
		}
		if ep.URL != urls[1] {
			t.Errorf("Expected healthy endpoint, got %s", ep.URL)
		}
	}

	// All unhealthy: keep rotating.
	pool.MarkUnhealthy(urls[1], errors.New("timeout"))
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		ep, err := pool.GetEndpoint(ctx)
		if err != nil {
			t.Fatalf("GetEndpoint failed: %v", err)
		}
		seen[ep.URL] = true
	}
	if len(seen) != 2 {
		t.Errorf("Expected rotation over unhealthy endpoints, got %v", seen)
	}

	// Test MarkHealthy
	pool.MarkHealthy(urls[0], 10*time.Millisecond)
	if pool.HealthyCount() != 1 {
		t.Errorf("Expected 1 healthy endpoint, got %d", pool.HealthyCount())
	}
	if eps := pool.Endpoints(); eps[0].Latency != 10*time.Millisecond || eps[0].LastError != nil {
		t.Errorf("Endpoint state not updated: %+v", eps[0])
	}

	if _, err := NewSimplePool(nil).GetEndpoint(ctx); !errors.Is(err, ErrNoEndpoints) {
		t.Errorf("Expected ErrNoEndpoints, got %v", err)
	}
}

func TestRPCClient_GetAccountInfo(t *testing.T) {
	key := types.Pubkey{1}
	store := newAccountStore(accounts.KeyedAccount{Pubkey: key, Account: &accounts.Account{
		Lamports:   99,
		Data:       []byte{1, 2, 3},
		Owner:      types.BPFLoaderUpgradeableAddr,
		Executable: true,
		RentEpoch:  18446744073709551615,
	}})
	server := mockRPCServer(t, store.handle)
	defer server.Close()

	client := NewRPCClient(NewSimplePool([]string{server.URL}), 10*time.Second)

	acc, slot, err := client.GetAccountInfo(context.Background(), key)
	if err != nil {
		t.Fatalf("GetAccountInfo failed: %v", err)
	}
	if slot != 42 {
		t.Errorf("Expected slot 42, got %d", slot)
	}
	if acc.Lamports != 99 || !acc.Executable || acc.Owner != types.BPFLoaderUpgradeableAddr || string(acc.Data) != "\x01\x02\x03" {
		t.Errorf("Unexpected account: %+v", acc)
	}
	if acc.RentEpoch != 18446744073709551615 {
		t.Errorf("Expected max rent epoch, got %d", acc.RentEpoch)
	}

	_, _, err = client.GetAccountInfo(context.Background(), types.Pubkey{2})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestRPCClient_GetMultipleAccounts(t *testing.T) {
	store := newAccountStore(systemAccount(types.Pubkey{1}, 10), systemAccount(types.Pubkey{3}, 30))
	server := mockRPCServer(t, store.handle)
	defer server.Close()

	client := NewRPCClient(NewSimplePool([]string{server.URL}), 10*time.Second)

	accts, _, err := client.GetMultipleAccounts(context.Background(), []types.Pubkey{{1}, {2}, {3}})
	if err != nil {
		t.Fatalf("GetMultipleAccounts failed: %v", err)
	}
	if len(accts) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(accts))
	}
	if accts[0].Lamports != 10 || accts[1] != nil || accts[2].Lamports != 30 {
		t.Errorf("Unexpected accounts: %v", accts)
	}

	tooMany := make([]types.Pubkey, MaxMultipleAccounts+1)
	if _, _, err := client.GetMultipleAccounts(context.Background(), tooMany); err == nil {
		t.Error("Expected error for oversized request")
	}
}

func TestSnapshotFetcher_Fetch(t *testing.T) {
	var keys []types.Pubkey
	var accts []accounts.KeyedAccount
	for i := 0; i < 250; i++ {
		key := types.Pubkey{byte(i), byte(i >> 8), 7}
		keys = append(keys, key)
		if i%50 != 0 {
			accts = append(accts, systemAccount(key, uint64(i)))
		}
	}
	store := newAccountStore(accts...)
	server := mockRPCServer(t, store.handle)
	defer server.Close()

	fetcher, err := NewSnapshotFetcher(NewSimplePool([]string{server.URL}), testConfig())
	if err != nil {
		t.Fatalf("NewSnapshotFetcher failed: %v", err)
	}

	got, err := fetcher.Fetch(context.Background(), append(keys, keys[1]))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(got) != len(accts) {
		t.Fatalf("Expected %d accounts, got %d", len(accts), len(got))
	}
	for i, ka := range got {
		if ka.Pubkey != accts[i].Pubkey || ka.Account.Lamports != accts[i].Account.Lamports {
			t.Errorf("Account %d out of order: %s", i, ka.Pubkey)
		}
	}
	if n := store.callCount("getMultipleAccounts"); n != 3 {
		t.Errorf("Expected 3 batches, got %d", n)
	}
}

func TestSnapshotFetcher_FollowProgramData(t *testing.T) {
	program := types.Pubkey{1}
	programData := types.Pubkey{2}
	state, err := bpfloader.State{Type: bpfloader.StateProgram, ProgramDataAddress: programData}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	store := newAccountStore(
		accounts.KeyedAccount{Pubkey: program, Account: &accounts.Account{Lamports: 1, Data: state, Owner: types.BPFLoaderUpgradeableAddr, Executable: true}},
		accounts.KeyedAccount{Pubkey: programData, Account: &accounts.Account{Lamports: 1, Data: make([]byte, bpfloader.ProgramDataMetadataSize), Owner: types.BPFLoaderUpgradeableAddr}},
	)
	server := mockRPCServer(t, store.handle)
	defer server.Close()

	config := testConfig()
	config.FollowProgramData = true
	fetcher, err := NewSnapshotFetcher(NewSimplePool([]string{server.URL}), config)
	if err != nil {
		t.Fatalf("NewSnapshotFetcher failed: %v", err)
	}

	got, err := fetcher.Fetch(context.Background(), []types.Pubkey{program})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(got) != 2 || got[0].Pubkey != program || got[1].Pubkey != programData {
		t.Fatalf("Expected program and programdata, got %v", got)
	}

	got, err = fetcher.Fetch(context.Background(), []types.Pubkey{program, programData})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected programdata once, got %d accounts", len(got))
	}
}

func TestSnapshotFetcher_Retry(t *testing.T) {
	store := newAccountStore(systemAccount(types.Pubkey{1}, 5))
	var failures atomic.Int32
	server := mockRPCServer(t, func(method string, params []interface{}) (interface{}, error) {
		if failures.Add(1) <= 2 {
			return nil, &RPCError{Code: -32005, Message: "node is behind"}
		}
		return store.handle(method, params)
	})
	defer server.Close()

	fetcher, err := NewSnapshotFetcher(NewSimplePool([]string{server.URL}), testConfig())
	if err != nil {
		t.Fatalf("NewSnapshotFetcher failed: %v", err)
	}
	got, err := fetcher.Fetch(context.Background(), []types.Pubkey{{1}})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected 1 account, got %d", len(got))
	}

	failures.Store(-100)
	_, err = fetcher.Fetch(context.Background(), []types.Pubkey{{1}})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Errorf("Expected RPCError after retries, got %v", err)
	}
}

func TestSnapshotFetcher_NoRetryOnInvalidParams(t *testing.T) {
	var calls atomic.Int32
	server := mockRPCServer(t, func(method string, params []interface{}) (interface{}, error) {
		calls.Add(1)
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid param"}
	})
	defer server.Close()

	fetcher, err := NewSnapshotFetcher(NewSimplePool([]string{server.URL}), testConfig())
	if err != nil {
		t.Fatalf("NewSnapshotFetcher failed: %v", err)
	}
	if _, err := fetcher.Fetch(context.Background(), []types.Pubkey{{1}}); err == nil {
		t.Fatal("Expected error")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("Expected 1 call, got %d", n)
	}
}

func TestNewSnapshotFetcher_NilPool(t *testing.T) {
	if _, err := NewSnapshotFetcher(nil, Config{}); !errors.Is(err, ErrNoEndpoints) {
		t.Errorf("Expected ErrNoEndpoints, got %v", err)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	config := Config{BatchSize: 500}
	config = config.WithDefaults()

	if config.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("Expected RequestTimeout %v, got %v", DefaultRequestTimeout, config.RequestTimeout)
	}
	if config.BatchSize != DefaultBatchSize {
		t.Errorf("Expected BatchSize %d, got %d", DefaultBatchSize, config.BatchSize)
	}
	if config.Concurrency != DefaultConcurrency {
		t.Errorf("Expected Concurrency %d, got %d", DefaultConcurrency, config.Concurrency)
	}
	if config.Commitment != "confirmed" {
		t.Errorf("Expected Commitment 'confirmed', got %s", config.Commitment)
	}
	if config.MaxRetries != DefaultMaxRetries {
		t.Errorf("Expected MaxRetries %d, got %d", DefaultMaxRetries, config.MaxRetries)
	}
	if config.Logger == nil {
		t.Error("Expected default logger")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"transport", errors.New("connection reset"), true},
		{"node behind", &RPCError{Code: -32005, Message: "node is behind"}, true},
		{"invalid params", &RPCError{Code: codeInvalidParams, Message: "bad"}, false},
		{"method not found", fmt.Errorf("call: %w", &RPCError{Code: codeMethodNotFound}), false},
		{"canceled", context.Canceled, false},
		{"no endpoints", ErrNoEndpoints, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}
