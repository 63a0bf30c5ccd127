package processor

import (
	"time"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/runtime"
)

// FeeDetails is the fee charged to a transaction.
type FeeDetails struct {
	TransactionFee    uint64
	PrioritizationFee uint64
}

// Total returns the full fee.
func (f FeeDetails) Total() uint64 { return f.TransactionFee + f.PrioritizationFee }

// TransactionReturnData is the return data left by the last program that
// set any.
type TransactionReturnData struct {
	ProgramID types.Pubkey
	Data      []byte
}

// LoadedTransaction is a transaction with its accounts loaded.
type LoadedTransaction struct {
	// Accounts are in account key order and reflect execution.
	Accounts               []accounts.KeyedAccount
	ProgramIndices         []int
	FeeDetails             FeeDetails
	ComputeBudget          svm.ComputeBudgetLimits
	LoadedAccountsDataSize uint32
}

// ExecutionDetails describes how execution went.
type ExecutionDetails struct {
	// Status is nil on success or an *svm.InstructionError.
	Status            error
	LogMessages       []string
	InnerInstructions [][]runtime.InnerInstruction
	ReturnData        *TransactionReturnData
	ExecutedUnits     uint64
	AccountsTouched   int
}

// ProcessedTransaction is a transaction that paid its fee: either
// *ExecutedTransaction or *FeesOnlyTransaction.
type ProcessedTransaction interface {
	// Status is the error the transaction failed with, or nil.
	Status() error
	processed()
}

// ExecutedTransaction ran its instructions, successfully or not.
type ExecutedTransaction struct {
	LoadedTransaction LoadedTransaction
	ExecutionDetails  ExecutionDetails
}

func (t *ExecutedTransaction) Status() error { return t.ExecutionDetails.Status }
func (*ExecutedTransaction) processed()      {}

// FeesOnlyTransaction failed to load after its fee payer was validated.
type FeesOnlyTransaction struct {
	LoadError        error
	RollbackAccounts []accounts.KeyedAccount
	FeeDetails       FeeDetails
}

func (t *FeesOnlyTransaction) Status() error { return t.LoadError }
func (*FeesOnlyTransaction) processed()      {}

// ProcessingResult is the outcome of one transaction. Exactly one of Tx
// and Err is set.
type ProcessingResult struct {
	Tx  ProcessedTransaction
	Err error
}

// ExecuteTimings accumulates wall time per phase.
type ExecuteTimings struct {
	Check   time.Duration
	Load    time.Duration
	Execute time.Duration
}

// ErrorMetrics counts transactions by failure.
type ErrorMetrics struct {
	AccountNotFound            int
	InvalidAccountForFee       int
	InsufficientFundsForFee    int
	InvalidProgramForExecution int
	ProgramAccountNotFound     int
	TooManyAccountLocks        int
	InstructionError           int
}

// LoadAndExecuteOutput is what LoadAndExecuteSanitizedTransactions returns.
type LoadAndExecuteOutput struct {
	ProcessingResults []ProcessingResult
	ErrorMetrics      ErrorMetrics
	ExecuteTimings    ExecuteTimings
}
