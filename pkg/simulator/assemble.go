package simulator

import (
	"encoding/json"

	"github.com/mr-tron/base58"

	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/processor"
	"github.com/fortiblox/svmsim/pkg/svm/runtime"
)

// SimulationResult is the outcome of one simulated transaction.
type SimulationResult struct {
	// Err is nil on success, the failing instruction's error for an
	// executed transaction or the load or check error otherwise.
	Err  error
	Logs []string

	// PostSimulationAccounts holds the message's accounts after execution.
	// It is empty unless the transaction executed.
	PostSimulationAccounts []accounts.KeyedAccount
	UnitsConsumed          uint64
	ReturnData             *processor.TransactionReturnData

	// InnerInstructions is set when CPI recording was enabled.
	InnerInstructions [][]runtime.InnerInstruction
}

// assembleResult shapes a processing result for the caller. numAccounts
// bounds the post-simulation accounts to the message's own keys.
func assembleResult(result processor.ProcessingResult, numAccounts int) *SimulationResult {
	res := &SimulationResult{Logs: []string{}, PostSimulationAccounts: []accounts.KeyedAccount{}}
	if result.Tx == nil {
		res.Err = result.Err
		return res
	}
	res.Err = result.Tx.Status()

	executed, ok := result.Tx.(*processor.ExecutedTransaction)
	if !ok {
		return res
	}
	details := executed.ExecutionDetails
	if details.LogMessages != nil {
		res.Logs = details.LogMessages
	}
	res.ReturnData = details.ReturnData
	res.InnerInstructions = details.InnerInstructions
	res.UnitsConsumed = details.ExecutedUnits

	loaded := executed.LoadedTransaction.Accounts
	n := min(numAccounts, len(loaded))
	res.PostSimulationAccounts = make([]accounts.KeyedAccount, n)
	for i := 0; i < n; i++ {
		res.PostSimulationAccounts[i] = loaded[i].Clone()
	}
	return res
}

type resultJSON struct {
	Err               *string                 `json:"err"`
	Logs              []string                `json:"logs"`
	Accounts          []accountJSON           `json:"accounts"`
	UnitsConsumed     uint64                  `json:"unitsConsumed"`
	ReturnData        *returnDataJSON         `json:"returnData"`
	InnerInstructions []innerInstructionsJSON `json:"innerInstructions,omitempty"`
}

type accountJSON struct {
	Pubkey     string   `json:"pubkey"`
	Data       []string `json:"data"`
	Executable bool     `json:"executable"`
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	RentEpoch  uint64   `json:"rentEpoch"`
	Space      int      `json:"space"`
}

type returnDataJSON struct {
	ProgramID string   `json:"programId"`
	Data      []string `json:"data"`
}

type innerInstructionsJSON struct {
	Index        int                    `json:"index"`
	Instructions []innerInstructionJSON `json:"instructions"`
}

type innerInstructionJSON struct {
	ProgramIDIndex int    `json:"programIdIndex"`
	Accounts       []int  `json:"accounts"`
	Data           string `json:"data"`
	StackHeight    int    `json:"stackHeight"`
}

// MarshalJSON renders the result in the shape of a simulateTransaction
// RPC response. Account and return data are base64, inner instruction data
// base58.
func (r *SimulationResult) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Logs:          r.Logs,
		Accounts:      make([]accountJSON, 0, len(r.PostSimulationAccounts)),
		UnitsConsumed: r.UnitsConsumed,
	}
	if out.Logs == nil {
		out.Logs = []string{}
	}
	if r.Err != nil {
		msg := r.Err.Error()
		out.Err = &msg
	}
	for _, ka := range r.PostSimulationAccounts {
		data, err := accounts.EncodeData(ka.Account.Data, accounts.EncodingBase64)
		if err != nil {
			return nil, err
		}
		out.Accounts = append(out.Accounts, accountJSON{
			Pubkey:     ka.Pubkey.String(),
			Data:       data,
			Executable: ka.Account.Executable,
			Lamports:   ka.Account.Lamports,
			Owner:      ka.Account.Owner.String(),
			RentEpoch:  ka.Account.RentEpoch,
			Space:      len(ka.Account.Data),
		})
	}
	if r.ReturnData != nil {
		data, err := accounts.EncodeData(r.ReturnData.Data, accounts.EncodingBase64)
		if err != nil {
			return nil, err
		}
		out.ReturnData = &returnDataJSON{ProgramID: r.ReturnData.ProgramID.String(), Data: data}
	}
	for i, group := range r.InnerInstructions {
		if len(group) == 0 {
			continue
		}
		entry := innerInstructionsJSON{Index: i, Instructions: make([]innerInstructionJSON, len(group))}
		for j, ix := range group {
			accts := make([]int, len(ix.Accounts))
			for k, a := range ix.Accounts {
				accts[k] = int(a)
			}
			entry.Instructions[j] = innerInstructionJSON{
				ProgramIDIndex: int(ix.ProgramIDIndex),
				Accounts:       accts,
				Data:           base58.Encode(ix.Data),
				StackHeight:    int(ix.StackHeight),
			}
		}
		out.InnerInstructions = append(out.InnerInstructions, entry)
	}
	return json.Marshal(out)
}
