package rpcfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
)

// MaxMultipleAccounts is the most keys one getMultipleAccounts call may carry.
const MaxMultipleAccounts = 100

// RPCClient handles JSON-RPC requests to Solana endpoints.
type RPCClient struct {
	httpClient *http.Client
	pool       Pool
	commitment string
}

// NewRPCClient creates a new RPC client with the given pool.
func NewRPCClient(pool Pool, timeout time.Duration) *RPCClient {
	return &RPCClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		pool:       pool,
		commitment: "confirmed",
	}
}

// SetCommitment sets the commitment level of account queries.
func (c *RPCClient) SetCommitment(commitment string) {
	if commitment != "" {
		c.commitment = commitment
	}
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC error.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// call makes a JSON-RPC call to an endpoint from the pool.
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	endpoint, err := c.pool.GetEndpoint(ctx)
	if err != nil {
		return fmt.Errorf("get endpoint: %w", err)
	}

	start := time.Now()

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.pool.MarkUnhealthy(endpoint.URL, err)
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.pool.MarkUnhealthy(endpoint.URL, err)
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.pool.MarkUnhealthy(endpoint.URL, fmt.Errorf("status %d", resp.StatusCode))
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.pool.MarkUnhealthy(endpoint.URL, err)
		return fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		// RPC errors are not endpoint health issues
		return &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}

	c.pool.MarkHealthy(endpoint.URL, time.Since(start))
	return nil
}

// GetSlot fetches the current slot from the cluster.
func (c *RPCClient) GetSlot(ctx context.Context) (uint64, error) {
	params := []interface{}{
		map[string]interface{}{
			"commitment": c.commitment,
		},
	}

	var slot uint64
	if err := c.call(ctx, "getSlot", params, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// responseContext is the context object of account queries.
type responseContext struct {
	Slot uint64 `json:"slot"`
}

// accountInfo is an account as returned with base64 encoding.
type accountInfo struct {
	Data       []string `json:"data"`
	Executable bool     `json:"executable"`
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	RentEpoch  uint64   `json:"rentEpoch"`
	Space      uint64   `json:"space"`
}

// accountParams builds the parameters of an account query for one key or
// a list of keys.
func (c *RPCClient) accountParams(keys interface{}) []interface{} {
	return []interface{}{
		keys,
		map[string]interface{}{
			"encoding":   "base64",
			"commitment": c.commitment,
		},
	}
}

// GetAccountInfo fetches one account. A missing account returns
// ErrAccountNotFound.
func (c *RPCClient) GetAccountInfo(ctx context.Context, pubkey types.Pubkey) (*accounts.Account, uint64, error) {
	var resp struct {
		Context responseContext `json:"context"`
		Value   *accountInfo    `json:"value"`
	}
	if err := c.call(ctx, "getAccountInfo", c.accountParams(pubkey.String()), &resp); err != nil {
		return nil, 0, err
	}
	if resp.Value == nil {
		return nil, resp.Context.Slot, fmt.Errorf("%w: %s", ErrAccountNotFound, pubkey)
	}
	acc, err := convertAccount(resp.Value)
	if err != nil {
		return nil, 0, fmt.Errorf("account %s: %w", pubkey, err)
	}
	return acc, resp.Context.Slot, nil
}

// GetMultipleAccounts fetches up to MaxMultipleAccounts accounts in one
// request. Missing accounts are nil in the result.
func (c *RPCClient) GetMultipleAccounts(ctx context.Context, keys []types.Pubkey) ([]*accounts.Account, uint64, error) {
	if len(keys) > MaxMultipleAccounts {
		return nil, 0, fmt.Errorf("getMultipleAccounts: %d keys exceeds %d", len(keys), MaxMultipleAccounts)
	}
	strs := make([]string, len(keys))
	for i, k := range keys {
		strs[i] = k.String()
	}
	params := c.accountParams(strs)

	var resp struct {
		Context responseContext `json:"context"`
		Value   []*accountInfo  `json:"value"`
	}
	if err := c.call(ctx, "getMultipleAccounts", params, &resp); err != nil {
		return nil, 0, err
	}
	if len(resp.Value) != len(keys) {
		return nil, 0, fmt.Errorf("%w: got %d, want %d", ErrResultLength, len(resp.Value), len(keys))
	}

	out := make([]*accounts.Account, len(keys))
	for i, info := range resp.Value {
		if info == nil {
			continue
		}
		acc, err := convertAccount(info)
		if err != nil {
			return nil, 0, fmt.Errorf("account %s: %w", keys[i], err)
		}
		out[i] = acc
	}
	return out, resp.Context.Slot, nil
}

// convertAccount decodes an RPC account.
func convertAccount(info *accountInfo) (*accounts.Account, error) {
	owner, err := types.PubkeyFromBase58(info.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	acc := &accounts.Account{
		Lamports:   info.Lamports,
		Owner:      owner,
		Executable: info.Executable,
		RentEpoch:  info.RentEpoch,
	}
	if len(info.Data) > 0 {
		enc := accounts.EncodingBase64
		if len(info.Data) > 1 {
			if enc, err = accounts.ParseDataEncoding(info.Data[1]); err != nil {
				return nil, err
			}
		}
		if acc.Data, err = accounts.DecodeData(info.Data[0], enc); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
	}
	return acc, nil
}
