package rpc

import (
	"encoding/json"

	"github.com/fortiblox/svmsim/pkg/accounts"
)

// JSONRPCVersion is the protocol version the server speaks.
const JSONRPCVersion = "2.0"

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// Context is the slot context attached to account and simulation results.
type Context struct {
	Slot       uint64 `json:"slot"`
	APIVersion string `json:"apiVersion,omitempty"`
}

// ResponseWithContext wraps a value with its context.
type ResponseWithContext struct {
	Context Context     `json:"context"`
	Value   interface{} `json:"value"`
}

// Commitment is accepted for compatibility; a snapshot has one state.
type Commitment string

// DataSlice limits the returned account data.
type DataSlice struct {
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// AccountInfoConfig configures getAccountInfo.
type AccountInfoConfig struct {
	Encoding       accounts.DataEncoding `json:"encoding,omitempty"`
	Commitment     Commitment            `json:"commitment,omitempty"`
	DataSlice      *DataSlice            `json:"dataSlice,omitempty"`
	MinContextSlot *uint64               `json:"minContextSlot,omitempty"`
}

// BalanceConfig configures getBalance.
type BalanceConfig struct {
	Commitment     Commitment `json:"commitment,omitempty"`
	MinContextSlot *uint64    `json:"minContextSlot,omitempty"`
}

// ProgramAccountsConfig configures getProgramAccounts.
type ProgramAccountsConfig struct {
	Encoding       accounts.DataEncoding  `json:"encoding,omitempty"`
	Commitment     Commitment             `json:"commitment,omitempty"`
	DataSlice      *DataSlice             `json:"dataSlice,omitempty"`
	Filters        []ProgramAccountFilter `json:"filters,omitempty"`
	WithContext    bool                   `json:"withContext,omitempty"`
	MinContextSlot *uint64                `json:"minContextSlot,omitempty"`
}

// ProgramAccountFilter selects accounts for getProgramAccounts.
type ProgramAccountFilter struct {
	Memcmp   *MemcmpFilter `json:"memcmp,omitempty"`
	DataSize *uint64       `json:"dataSize,omitempty"`
}

// MemcmpFilter matches bytes at an offset. Bytes are base58 unless
// Encoding says otherwise.
type MemcmpFilter struct {
	Offset   uint64                `json:"offset"`
	Bytes    string                `json:"bytes"`
	Encoding accounts.DataEncoding `json:"encoding,omitempty"`
}

// SimulateTransactionConfig configures simulateTransaction.
type SimulateTransactionConfig struct {
	SigVerify              bool                  `json:"sigVerify,omitempty"`
	ReplaceRecentBlockhash bool                  `json:"replaceRecentBlockhash,omitempty"`
	Commitment             Commitment            `json:"commitment,omitempty"`
	Encoding               accounts.DataEncoding `json:"encoding,omitempty"`
	InnerInstructions      bool                  `json:"innerInstructions,omitempty"`
	MinContextSlot         *uint64               `json:"minContextSlot,omitempty"`
}

// AccountInfo is an account as returned by the account methods.
type AccountInfo struct {
	Data       []string `json:"data"`
	Executable bool     `json:"executable"`
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	RentEpoch  uint64   `json:"rentEpoch"`
	Space      uint64   `json:"space"`
}

// KeyedAccountInfo pairs an account with its address.
type KeyedAccountInfo struct {
	Pubkey  string       `json:"pubkey"`
	Account *AccountInfo `json:"account"`
}

// VersionInfo is the getVersion result.
type VersionInfo struct {
	SolanaCore string `json:"solana-core"`
	FeatureSet uint32 `json:"feature-set"`
}

// EpochSchedule is the getEpochSchedule result.
type EpochSchedule struct {
	SlotsPerEpoch            uint64 `json:"slotsPerEpoch"`
	LeaderScheduleSlotOffset uint64 `json:"leaderScheduleSlotOffset"`
	Warmup                   bool   `json:"warmup"`
	FirstNormalEpoch         uint64 `json:"firstNormalEpoch"`
	FirstNormalSlot          uint64 `json:"firstNormalSlot"`
}
