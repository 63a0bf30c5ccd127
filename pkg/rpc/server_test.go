package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mr-tron/base58"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/journal"
	"github.com/fortiblox/svmsim/pkg/simulator"
	"github.com/fortiblox/svmsim/pkg/svm/programs/system"
	"github.com/fortiblox/svmsim/pkg/svm/sysvar"
	"github.com/fortiblox/svmsim/pkg/txn"
)

var (
	payer     = types.Pubkey{0xa}
	recipient = types.Pubkey{0xb}
	tokenProg = types.Pubkey{0xc}
)

func testAccounts() []accounts.KeyedAccount {
	return []accounts.KeyedAccount{
		{Pubkey: payer, Account: &accounts.Account{Lamports: 1_000_000, Owner: types.SystemProgramAddr}},
		{Pubkey: recipient, Account: &accounts.Account{Lamports: 5, Owner: types.SystemProgramAddr}},
		{Pubkey: types.Pubkey{0xd}, Account: &accounts.Account{Lamports: 1, Data: []byte{1, 2, 3, 4}, Owner: tokenProg}},
		{Pubkey: types.Pubkey{0xe}, Account: &accounts.Account{Lamports: 1, Data: []byte{9, 9}, Owner: tokenProg}},
	}
}

// Helper function to create a test server over a small snapshot.
func newTestServer(t *testing.T, runs *journal.Store) *Server {
	t.Helper()
	sim := simulator.NewWithAccounts(testAccounts(), simulator.Config{
		Now: func() time.Time { return time.Unix(1_700_000_000, 0) },
	})

	config := DefaultConfig()
	config.Addr = "127.0.0.1:0"
	return New(config, sim, runs)
}

// Helper function to make an RPC request.
func makeRPCRequest(t *testing.T, server *Server, method string, params interface{}) *Response {
	t.Helper()

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			t.Fatalf("Failed to marshal params: %v", err)
		}
	}

	req := Request{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  method,
		Params:  paramsRaw,
	}

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.handleRPC(rr, httpReq)

	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}

	return &resp
}

// resultValue returns result.value of a context-wrapped response.
func resultValue(t *testing.T, resp *Response) interface{} {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected map result, got: %T", resp.Result)
	}
	ctx, ok := result["context"].(map[string]interface{})
	if !ok || ctx["slot"].(float64) != simulator.ExecutionSlot {
		t.Errorf("Unexpected context: %v", result["context"])
	}
	return result["value"]
}

func encodedTransfer(t *testing.T, lamports uint64, encode func([]byte) string) string {
	t.Helper()
	msg, err := txn.NewMessage(payer, []txn.Instruction{system.Transfer(payer, recipient, lamports)}, types.Hash{})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	wire, err := txn.NewUnsignedTransaction(*msg).MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	return encode(wire)
}

// TestSimulateTransaction tests a successful transfer in both encodings.
func TestSimulateTransaction(t *testing.T) {
	server := newTestServer(t, nil)

	tests := []struct {
		name   string
		tx     string
		config map[string]interface{}
	}{
		{"base58 default", encodedTransfer(t, 1000, base58.Encode), nil},
		{"base64", encodedTransfer(t, 1000, base64.StdEncoding.EncodeToString), map[string]interface{}{"encoding": "base64", "innerInstructions": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := []interface{}{tt.tx}
			if tt.config != nil {
				params = append(params, tt.config)
			}
			value, ok := resultValue(t, makeRPCRequest(t, server, "simulateTransaction", params)).(map[string]interface{})
			if !ok {
				t.Fatal("Expected simulation value object")
			}
			if value["err"] != nil {
				t.Errorf("Expected err null, got: %v", value["err"])
			}
			if value["unitsConsumed"].(float64) != 150 {
				t.Errorf("Expected 150 units, got: %v", value["unitsConsumed"])
			}
			if accts := value["accounts"].([]interface{}); len(accts) != 3 {
				t.Errorf("Expected 3 accounts, got: %d", len(accts))
			}
		})
	}

	// The snapshot served by getBalance is unchanged.
	value := resultValue(t, makeRPCRequest(t, server, "getBalance", []interface{}{recipient.String()}))
	if value.(float64) != 5 {
		t.Errorf("Expected snapshot balance 5, got: %v", value)
	}
}

// TestSimulateTransactionFailure tests that an instruction error is
// reported in the value, not as an RPC error.
func TestSimulateTransactionFailure(t *testing.T) {
	server := newTestServer(t, nil)

	tx := encodedTransfer(t, 5_000_000, base58.Encode)
	value := resultValue(t, makeRPCRequest(t, server, "simulateTransaction", []interface{}{tx})).(map[string]interface{})
	if value["err"] == nil {
		t.Fatal("Expected simulation error")
	}
	if logs := value["logs"].([]interface{}); len(logs) == 0 {
		t.Error("Expected logs for failed transaction")
	}
}

// TestSimulateTransactionErrors tests request validation.
func TestSimulateTransactionErrors(t *testing.T) {
	server := newTestServer(t, nil)
	tx := encodedTransfer(t, 1, base58.Encode)

	tests := []struct {
		name   string
		params []interface{}
		code   int
	}{
		{"missing tx", []interface{}{}, InvalidParams},
		{"bad base58", []interface{}{"0OIl"}, InvalidParams},
		{"bad encoding", []interface{}{tx, map[string]interface{}{"encoding": "hex"}}, InvalidParams},
		{"truncated", []interface{}{base58.Encode([]byte{1, 2, 3})}, InvalidParams},
		{"unsigned with sigVerify", []interface{}{tx, map[string]interface{}{"sigVerify": true}}, TransactionSignatureVerificationFailure},
		{"sigVerify and replace", []interface{}{tx, map[string]interface{}{"sigVerify": true, "replaceRecentBlockhash": true}}, InvalidParams},
		{"min context slot", []interface{}{tx, map[string]interface{}{"minContextSlot": 100}}, MinContextSlotNotReached},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := makeRPCRequest(t, server, "simulateTransaction", tt.params)
			if resp.Error == nil {
				t.Fatal("Expected error")
			}
			if resp.Error.Code != tt.code {
				t.Errorf("Expected code %d, got %d (%s)", tt.code, resp.Error.Code, resp.Error.Message)
			}
		})
	}
}

// TestSimulateTransactionJournal tests that runs are recorded.
func TestSimulateTransactionJournal(t *testing.T) {
	store, err := journal.Open(journal.DefaultConfig(filepath.Join(t.TempDir(), "runs.db")))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	server := newTestServer(t, store)
	makeRPCRequest(t, server, "simulateTransaction", []interface{}{encodedTransfer(t, 10, base58.Encode)})

	records, err := store.List(0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if !records[0].Succeeded() || records[0].UnitsConsumed != 150 {
		t.Errorf("Unexpected record: %+v", records[0])
	}
	if records[0].PreStateDigest == records[0].PostStateDigest {
		t.Error("Expected state digests to differ after a transfer")
	}
}

// Test getHealth
func TestGetHealth(t *testing.T) {
	server := newTestServer(t, nil)

	resp := makeRPCRequest(t, server, "getHealth", nil)
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	if result, ok := resp.Result.(string); !ok || result != "ok" {
		t.Errorf("Expected 'ok', got: %v", resp.Result)
	}

	server.SetHealthy(false)
	resp = makeRPCRequest(t, server, "getHealth", nil)
	if resp.Error == nil || resp.Error.Code != NodeUnhealthy {
		t.Errorf("Expected NodeUnhealthy, got: %v", resp.Error)
	}
}

// Test getVersion
func TestGetVersion(t *testing.T) {
	server := newTestServer(t, nil)

	resp := makeRPCRequest(t, server, "getVersion", nil)
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected map result, got: %T", resp.Result)
	}
	if result["solana-core"] != SolanaCore {
		t.Errorf("Expected solana-core %s, got: %v", SolanaCore, result["solana-core"])
	}
}

// Test getSlot
func TestGetSlot(t *testing.T) {
	server := newTestServer(t, nil)

	resp := makeRPCRequest(t, server, "getSlot", nil)
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	if slot, ok := resp.Result.(float64); !ok || slot != simulator.ExecutionSlot {
		t.Errorf("Expected slot %d, got: %v", simulator.ExecutionSlot, resp.Result)
	}
}

// Test getBalance for a missing account
func TestGetBalanceNotFound(t *testing.T) {
	server := newTestServer(t, nil)

	value := resultValue(t, makeRPCRequest(t, server, "getBalance", []interface{}{types.Pubkey{0x77}.String()}))
	if value.(float64) != 0 {
		t.Errorf("Expected balance 0, got: %v", value)
	}
}

// Test getAccountInfo
func TestGetAccountInfo(t *testing.T) {
	server := newTestServer(t, nil)

	value := resultValue(t, makeRPCRequest(t, server, "getAccountInfo", []interface{}{
		types.Pubkey{0xd}.String(),
		map[string]interface{}{"encoding": "base58", "dataSlice": map[string]interface{}{"offset": 1, "length": 2}},
	}))
	info, ok := value.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected account object, got: %T", value)
	}
	data := info["data"].([]interface{})
	if data[0] != base58.Encode([]byte{2, 3}) || data[1] != "base58" {
		t.Errorf("Unexpected data: %v", data)
	}
	if info["space"].(float64) != 4 || info["owner"] != tokenProg.String() {
		t.Errorf("Unexpected account: %v", info)
	}

	// base64 is the default encoding.
	value = resultValue(t, makeRPCRequest(t, server, "getAccountInfo", []interface{}{payer.String()}))
	if info, ok := value.(map[string]interface{}); !ok || info["data"].([]interface{})[1] != "base64" {
		t.Errorf("Expected base64 data, got: %v", value)
	}
}

// Test getAccountInfo for a missing account
func TestGetAccountInfoNotFound(t *testing.T) {
	server := newTestServer(t, nil)

	resp := makeRPCRequest(t, server, "getAccountInfo", []interface{}{types.Pubkey{0x77}.String()})
	if value := resultValue(t, resp); value != nil {
		t.Errorf("Expected null value, got: %v", value)
	}
}

// Test getMultipleAccounts
func TestGetMultipleAccounts(t *testing.T) {
	server := newTestServer(t, nil)

	value := resultValue(t, makeRPCRequest(t, server, "getMultipleAccounts", []interface{}{
		[]string{payer.String(), types.Pubkey{0x77}.String(), recipient.String()},
	}))
	list := value.([]interface{})
	if len(list) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(list))
	}
	if list[1] != nil {
		t.Errorf("Expected null for missing account, got: %v", list[1])
	}
	if list[2].(map[string]interface{})["lamports"].(float64) != 5 {
		t.Errorf("Unexpected recipient: %v", list[2])
	}

	tooMany := make([]string, maxMultipleAccounts+1)
	for i := range tooMany {
		tooMany[i] = payer.String()
	}
	resp := makeRPCRequest(t, server, "getMultipleAccounts", []interface{}{tooMany})
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("Expected InvalidParams, got: %v", resp.Error)
	}
}

// Test getProgramAccounts with filters
func TestGetProgramAccounts(t *testing.T) {
	server := newTestServer(t, nil)

	tests := []struct {
		name    string
		filters []map[string]interface{}
		want    int
	}{
		{"no filters", nil, 2},
		{"data size", []map[string]interface{}{{"dataSize": 4}}, 1},
		{"memcmp", []map[string]interface{}{{"memcmp": map[string]interface{}{"offset": 1, "bytes": base58.Encode([]byte{9})}}}, 1},
		{"memcmp past end", []map[string]interface{}{{"memcmp": map[string]interface{}{"offset": 3, "bytes": base58.Encode([]byte{4, 4})}}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := map[string]interface{}{}
			if tt.filters != nil {
				config["filters"] = tt.filters
			}
			resp := makeRPCRequest(t, server, "getProgramAccounts", []interface{}{tokenProg.String(), config})
			if resp.Error != nil {
				t.Fatalf("Expected no error, got: %v", resp.Error)
			}
			if got := len(resp.Result.([]interface{})); got != tt.want {
				t.Errorf("Expected %d accounts, got %d", tt.want, got)
			}
		})
	}
}

// Test getMinimumBalanceForRentExemption and getEpochSchedule
func TestInfoMethods(t *testing.T) {
	server := newTestServer(t, nil)

	resp := makeRPCRequest(t, server, "getMinimumBalanceForRentExemption", []interface{}{0})
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	if got := uint64(resp.Result.(float64)); got != sysvar.DefaultRent().MinimumBalance(0) {
		t.Errorf("Unexpected minimum balance %d", got)
	}

	resp = makeRPCRequest(t, server, "getEpochSchedule", nil)
	if resp.Error != nil {
		t.Fatalf("Expected no error, got: %v", resp.Error)
	}
	if resp.Result.(map[string]interface{})["slotsPerEpoch"].(float64) != 432_000 {
		t.Errorf("Unexpected schedule: %v", resp.Result)
	}
}

// Test method not found
func TestMethodNotFound(t *testing.T) {
	server := newTestServer(t, nil)

	resp := makeRPCRequest(t, server, "getBlock", []interface{}{1})
	if resp.Error == nil {
		t.Fatal("Expected error for unsupported method")
	}
	if resp.Error.Code != MethodNotFound {
		t.Errorf("Expected error code %d, got: %d", MethodNotFound, resp.Error.Code)
	}
}

// Test invalid params
func TestInvalidParams(t *testing.T) {
	server := newTestServer(t, nil)

	resp := makeRPCRequest(t, server, "getBalance", []interface{}{})
	if resp.Error == nil {
		t.Fatal("Expected error for missing params")
	}
	if resp.Error.Code != InvalidParams {
		t.Errorf("Expected error code %d, got: %d", InvalidParams, resp.Error.Code)
	}
}

// Test batch request
func TestBatchRequest(t *testing.T) {
	server := newTestServer(t, nil)

	requests := []Request{
		{JSONRPC: JSONRPCVersion, ID: 1, Method: "getHealth"},
		{JSONRPC: JSONRPCVersion, ID: 2, Method: "getVersion"},
		{JSONRPC: "1.0", ID: 3, Method: "getHealth"},
	}

	body, _ := json.Marshal(requests)
	httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.handleRPC(rr, httpReq)

	var responses []Response
	if err := json.Unmarshal(rr.Body.Bytes(), &responses); err != nil {
		t.Fatalf("Failed to unmarshal batch response: %v", err)
	}

	if len(responses) != 3 {
		t.Fatalf("Expected 3 responses, got: %d", len(responses))
	}
	for _, resp := range responses[:2] {
		if resp.Error != nil {
			t.Errorf("Unexpected error in batch response: %v", resp.Error)
		}
	}
	if responses[2].Error == nil || responses[2].Error.Code != InvalidRequest {
		t.Errorf("Expected InvalidRequest for bad version, got: %v", responses[2].Error)
	}
}

// Test CORS headers
func TestCORSHeaders(t *testing.T) {
	server := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://example.com")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status %d for OPTIONS, got: %d", http.StatusNoContent, rr.Code)
	}

	if rr.Header().Get("Access-Control-Allow-Origin") != "http://example.com" {
		t.Error("Expected CORS Allow-Origin header")
	}
}

// Test server lifecycle
func TestServerLifecycle(t *testing.T) {
	server := newTestServer(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ctx, ln)
	}()

	body := `{"jsonrpc":"2.0","id":1,"method":"getHealth"}`
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Post("http://"+ln.Addr().String(), "application/json", bytes.NewBufferString(body))
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Server did not stop in time")
	}
}

// Test data slice
func TestDataSlice(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	result := applyDataSlice(data, &DataSlice{Offset: 2, Length: 4})
	if expected := []byte{2, 3, 4, 5}; !bytes.Equal(result, expected) {
		t.Errorf("Expected %v, got: %v", expected, result)
	}

	if result := applyDataSlice(data, nil); !bytes.Equal(result, data) {
		t.Error("Expected original data when slice is nil")
	}

	if result := applyDataSlice(data, &DataSlice{Offset: 100, Length: 4}); len(result) != 0 {
		t.Errorf("Expected empty slice when offset beyond data, got: %v", result)
	}

	if result := applyDataSlice(data, &DataSlice{Offset: 8, Length: 10}); !bytes.Equal(result, []byte{8, 9}) {
		t.Errorf("Expected clamped slice, got: %v", result)
	}
}
