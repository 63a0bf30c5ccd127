// Package svm holds the pieces of the Solana execution runtime shared by the
// interpreter, the builtin programs and the transaction processor: the
// error taxonomy, compute metering and compute budget limits.
package svm

import (
	"errors"
	"fmt"
)

// Transaction-level errors. Their messages match the cluster's so that
// simulation output can be compared with RPC simulateTransaction output.
var (
	ErrAccountInUse                       = errors.New("Account in use")
	ErrAccountLoadedTwice                 = errors.New("Account loaded twice")
	ErrAccountNotFound                    = errors.New("Attempt to debit an account but found no record of a prior credit.")
	ErrProgramAccountNotFound             = errors.New("Attempt to load a program that does not exist")
	ErrInsufficientFundsForFee            = errors.New("Insufficient funds for fee")
	ErrInvalidAccountForFee               = errors.New("This account may not be used to pay transaction fees")
	ErrInvalidAccountIndex                = errors.New("Transaction contains an invalid account reference")
	ErrInvalidProgramForExecution         = errors.New("This program may not be used for executing instructions")
	ErrSanitizeFailure                    = errors.New("Transaction failed to sanitize accounts offsets correctly")
	ErrTooManyAccountLocks                = errors.New("Transaction locked too many accounts")
	ErrUnsupportedVersion                 = errors.New("Transaction version is unsupported")
	ErrMaxLoadedAccountsDataSizeExceeded  = errors.New("Transaction exceeded max loaded accounts data size cap")
	ErrInvalidLoadedAccountsDataSizeLimit = errors.New("LoadedAccountsDataSizeLimit set for transaction must be greater than 0.")
)

// Instruction-level errors.
var (
	ErrGenericError                           = errors.New("generic instruction error")
	ErrInvalidArgument                        = errors.New("invalid program argument")
	ErrInvalidInstructionData                 = errors.New("invalid instruction data")
	ErrInvalidAccountData                     = errors.New("invalid account data for instruction")
	ErrAccountDataTooSmall                    = errors.New("account data too small for instruction")
	ErrInsufficientFunds                      = errors.New("insufficient funds for instruction")
	ErrIncorrectProgramID                     = errors.New("incorrect program id for instruction")
	ErrMissingRequiredSignature               = errors.New("missing required signature for instruction")
	ErrAccountAlreadyInitialized              = errors.New("instruction requires an uninitialized account")
	ErrUninitializedAccount                   = errors.New("instruction requires an initialized account")
	ErrUnbalancedInstruction                  = errors.New("sum of account balances before and after instruction do not match")
	ErrModifiedProgramID                      = errors.New("instruction illegally modified the program id of an account")
	ErrExternalAccountLamportSpend            = errors.New("instruction spent from the balance of an account it does not own")
	ErrExternalAccountDataModified            = errors.New("instruction modified data of an account it does not own")
	ErrReadonlyLamportChange                  = errors.New("instruction changed the balance of a read-only account")
	ErrReadonlyDataModified                   = errors.New("instruction modified data of a read-only account")
	ErrExecutableModified                     = errors.New("instruction changed executable bit of an account")
	ErrExecutableLamportChange                = errors.New("instruction changed the balance of an executable account")
	ErrExecutableDataModified                 = errors.New("instruction modified data of an executable account")
	ErrNotEnoughAccountKeys                   = errors.New("insufficient account keys for instruction")
	ErrAccountDataSizeChanged                 = errors.New("program other than the account's owner changed the size of the account data")
	ErrAccountNotExecutable                   = errors.New("instruction expected an executable account")
	ErrAccountBorrowFailed                    = errors.New("instruction tries to borrow reference for an account which is already borrowed")
	ErrUnsupportedProgramID                   = errors.New("Unsupported program id")
	ErrCallDepth                              = errors.New("Cross-program invocation call depth too deep")
	ErrMissingAccount                         = errors.New("An account required by the instruction is missing")
	ErrReentrancyNotAllowed                   = errors.New("Cross-program invocation reentrancy not allowed for this instruction")
	ErrMaxSeedLengthExceeded                  = errors.New("Length of the seed is too long for address generation")
	ErrInvalidSeeds                           = errors.New("Provided seeds do not result in a valid address")
	ErrInvalidRealloc                         = errors.New("Failed to reallocate account data")
	ErrComputationalBudgetExceeded            = errors.New("Computational budget exceeded")
	ErrPrivilegeEscalation                    = errors.New("Cross-program invocation with unauthorized signer or writable account")
	ErrProgramEnvironmentSetupFailure         = errors.New("Failed to create program execution environment")
	ErrProgramFailedToComplete                = errors.New("Program failed to complete")
	ErrProgramFailedToCompile                 = errors.New("Program failed to compile")
	ErrImmutable                              = errors.New("Account is immutable")
	ErrIncorrectAuthority                     = errors.New("Incorrect authority provided")
	ErrBorshIoError                           = errors.New("Failed to serialize or deserialize account data")
	ErrAccountNotRentExempt                   = errors.New("An account does not have enough lamports to be rent-exempt")
	ErrInvalidAccountOwner                    = errors.New("Invalid account owner")
	ErrArithmeticOverflow                     = errors.New("Program arithmetic overflowed")
	ErrUnsupportedSysvar                      = errors.New("Unsupported sysvar")
	ErrIllegalOwner                           = errors.New("Provided owner is not allowed")
	ErrMaxAccountsDataAllocationsExceeded     = errors.New("Accounts data allocations exceeded the maximum allowed per transaction")
	ErrMaxInstructionTraceLengthExceeded      = errors.New("Max instruction trace length exceeded")
	ErrBuiltinProgramsMustConsumeComputeUnits = errors.New("Builtin programs must consume compute units")
)

// CustomError is a program-defined error code.
type CustomError uint32

func (e CustomError) Error() string {
	return fmt.Sprintf("custom program error: 0x%x", uint32(e))
}

// InstructionError attributes an instruction failure to the top-level
// instruction at Index.
type InstructionError struct {
	Index uint8
	Err   error
}

func (e *InstructionError) Error() string {
	return fmt.Sprintf("Error processing Instruction %d: %v", e.Index, e.Err)
}

func (e *InstructionError) Unwrap() error { return e.Err }

// DuplicateInstructionError reports a compute budget instruction that
// appears more than once.
type DuplicateInstructionError struct {
	Index uint8
}

func (e *DuplicateInstructionError) Error() string {
	return fmt.Sprintf("Transaction contains a duplicate instruction (%d) that is not allowed", e.Index)
}

// builtinBitShift positions builtin program error codes in the upper half of
// a program's return value.
const builtinBitShift = 32

var programErrorCodes = []error{
	2:  ErrInvalidArgument,
	3:  ErrInvalidInstructionData,
	4:  ErrInvalidAccountData,
	5:  ErrAccountDataTooSmall,
	6:  ErrInsufficientFunds,
	7:  ErrIncorrectProgramID,
	8:  ErrMissingRequiredSignature,
	9:  ErrAccountAlreadyInitialized,
	10: ErrUninitializedAccount,
	11: ErrNotEnoughAccountKeys,
	12: ErrAccountBorrowFailed,
	13: ErrMaxSeedLengthExceeded,
	14: ErrInvalidSeeds,
	15: ErrBorshIoError,
	16: ErrAccountNotRentExempt,
	17: ErrUnsupportedSysvar,
	18: ErrIllegalOwner,
	19: ErrMaxAccountsDataAllocationsExceeded,
	20: ErrInvalidRealloc,
	21: ErrMaxInstructionTraceLengthExceeded,
	22: ErrBuiltinProgramsMustConsumeComputeUnits,
	23: ErrInvalidAccountOwner,
	24: ErrArithmeticOverflow,
	25: ErrImmutable,
	26: ErrIncorrectAuthority,
}

// ProgramReturnError converts the r0 value returned by an sBPF entrypoint
// into an instruction error. Zero means success.
func ProgramReturnError(r0 uint64) error {
	if r0 == 0 {
		return nil
	}
	code := r0 >> builtinBitShift
	if code == 0 {
		return CustomError(uint32(r0))
	}
	if code == 1 {
		return CustomError(0)
	}
	if code < uint64(len(programErrorCodes)) && programErrorCodes[code] != nil {
		return programErrorCodes[code]
	}
	return ErrInvalidArgument
}

// ProgramErrorCode is the inverse of ProgramReturnError for errors a
// nested invocation hands back to a calling program.
func ProgramErrorCode(err error) uint64 {
	var custom CustomError
	if errors.As(err, &custom) {
		if custom == 0 {
			return 1 << builtinBitShift
		}
		return uint64(custom)
	}
	for i, e := range programErrorCodes {
		if e != nil && errors.Is(err, e) {
			return uint64(i) << builtinBitShift
		}
	}
	return uint64(2) << builtinBitShift
}

var instructionErrors = []error{
	ErrGenericError,
	ErrInvalidArgument,
	ErrInvalidInstructionData,
	ErrInvalidAccountData,
	ErrAccountDataTooSmall,
	ErrInsufficientFunds,
	ErrIncorrectProgramID,
	ErrMissingRequiredSignature,
	ErrAccountAlreadyInitialized,
	ErrUninitializedAccount,
	ErrUnbalancedInstruction,
	ErrModifiedProgramID,
	ErrExternalAccountLamportSpend,
	ErrExternalAccountDataModified,
	ErrReadonlyLamportChange,
	ErrReadonlyDataModified,
	ErrExecutableModified,
	ErrExecutableLamportChange,
	ErrExecutableDataModified,
	ErrNotEnoughAccountKeys,
	ErrAccountDataSizeChanged,
	ErrAccountNotExecutable,
	ErrAccountBorrowFailed,
	ErrUnsupportedProgramID,
	ErrCallDepth,
	ErrMissingAccount,
	ErrReentrancyNotAllowed,
	ErrMaxSeedLengthExceeded,
	ErrInvalidSeeds,
	ErrInvalidRealloc,
	ErrComputationalBudgetExceeded,
	ErrPrivilegeEscalation,
	ErrProgramEnvironmentSetupFailure,
	ErrProgramFailedToComplete,
	ErrProgramFailedToCompile,
	ErrImmutable,
	ErrIncorrectAuthority,
	ErrBorshIoError,
	ErrAccountNotRentExempt,
	ErrInvalidAccountOwner,
	ErrArithmeticOverflow,
	ErrUnsupportedSysvar,
	ErrIllegalOwner,
	ErrMaxAccountsDataAllocationsExceeded,
	ErrMaxInstructionTraceLengthExceeded,
	ErrBuiltinProgramsMustConsumeComputeUnits,
}

// IsInstructionError reports whether err is, or wraps, an instruction-level
// error. Anything else surfacing from a program is reported as
// ErrProgramFailedToComplete.
func IsInstructionError(err error) bool {
	var custom CustomError
	if errors.As(err, &custom) {
		return true
	}
	for _, e := range instructionErrors {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
