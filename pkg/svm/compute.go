package svm

import (
	"sync/atomic"
)

// Compute unit cost constants.
// These match the Solana/Agave reference implementation.
const (
	CUDefault     = uint64(200_000)   // Default CU limit per instruction
	CUMax         = uint64(1_400_000) // Max CU limit per transaction
	CUSyscallBase = uint64(100)       // Base cost for syscalls
	CUInvokeBase  = uint64(1_000)     // Base cost for CPI

	CUSha256Base    = uint64(85)
	CUSha256PerByte = uint64(1)
	CUSha256Word    = uint64(1) // per 2 bytes hashed, rounded up

	CUMemoryOpBase = uint64(10)

	CULogPubkey       = uint64(100)
	CULog64           = uint64(100)
	CULogData         = uint64(100)
	CUSysvarBase      = uint64(100)
	CUCpiBytesPerUnit = uint64(250)

	CUCreateProgramAddress = uint64(1_500)

	CUHeapCostDefault = uint64(8) // Per 32KB heap page beyond the first

	CUSystemProgramDefault = uint64(150)
	CUComputeBudgetDefault = uint64(150)
	CUBPFLoaderDefault     = uint64(570)
	CUUpgradeableLoader    = uint64(2_370)
)

// Heap size constants.
const (
	HeapSizeDefault = uint32(32 * 1024)
	HeapSizeMax     = uint32(256 * 1024)
)

// Invocation limits.
const (
	MaxInvokeStackHeight      = 5  // Top-level instruction plus four nested invocations
	MaxInstructionTraceLength = 64 // Max recorded instructions per transaction
	MaxCPIAccountInfos        = 128
	MaxReturnData             = 1024
	MaxLoadedAccountsDataSize = uint32(64 * 1024 * 1024)
)

// ComputeMeter tracks compute unit consumption.
type ComputeMeter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
}

// NewComputeMeter creates a new compute meter with the specified limit.
func NewComputeMeter(limit uint64) *ComputeMeter {
	if limit > CUMax {
		limit = CUMax
	}
	return &ComputeMeter{
		remaining: limit,
		limit:     limit,
	}
}

// Consume attempts to consume the specified compute units.
// When insufficient units remain the meter drops to zero and
// ErrComputationalBudgetExceeded is returned.
func (cm *ComputeMeter) Consume(cost uint64) error {
	for {
		remaining := atomic.LoadUint64(&cm.remaining)
		if remaining < cost {
			if atomic.CompareAndSwapUint64(&cm.remaining, remaining, 0) {
				atomic.AddUint64(&cm.consumed, remaining)
				return ErrComputationalBudgetExceeded
			}
			continue
		}
		if atomic.CompareAndSwapUint64(&cm.remaining, remaining, remaining-cost) {
			atomic.AddUint64(&cm.consumed, cost)
			return nil
		}
	}
}

// Remaining returns the remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return atomic.LoadUint64(&cm.remaining)
}

// Consumed returns the total consumed compute units.
func (cm *ComputeMeter) Consumed() uint64 {
	return atomic.LoadUint64(&cm.consumed)
}

// Limit returns the compute unit limit.
func (cm *ComputeMeter) Limit() uint64 {
	return cm.limit
}

// SetRemaining overwrites the remaining units. The interpreter meters
// instructions locally and writes the result back when it yields.
func (cm *ComputeMeter) SetRemaining(remaining uint64) {
	for {
		old := atomic.LoadUint64(&cm.remaining)
		if remaining > old {
			remaining = old
		}
		if atomic.CompareAndSwapUint64(&cm.remaining, old, remaining) {
			atomic.AddUint64(&cm.consumed, old-remaining)
			return
		}
	}
}

// ComputeBudget holds the execution cost parameters a transaction runs with.
type ComputeBudget struct {
	// ComputeUnitLimit is the transaction-wide limit. Zero means "derive
	// from the instructions".
	ComputeUnitLimit uint64

	// HeapSize is the program heap size in bytes.
	HeapSize uint32

	// MaxInvokeStackHeight bounds instruction nesting.
	MaxInvokeStackHeight int

	// MaxInstructionTraceLength bounds the recorded instruction trace.
	MaxInstructionTraceLength int

	// LogMessagesBytesLimit truncates program logs. Zero means unlimited.
	LogMessagesBytesLimit int
}

// DefaultComputeBudget returns the cluster defaults.
func DefaultComputeBudget() ComputeBudget {
	return ComputeBudget{
		HeapSize:                  HeapSizeDefault,
		MaxInvokeStackHeight:      MaxInvokeStackHeight,
		MaxInstructionTraceLength: MaxInstructionTraceLength,
		LogMessagesBytesLimit:     10_000,
	}
}

// ComputeBudgetLimits contains the compute budget a transaction requested
// through compute budget instructions.
type ComputeBudgetLimits struct {
	ComputeUnitLimit    uint32
	ComputeUnitPrice    uint64
	HeapSize            uint32
	LoadedAccountsBytes uint32
}

// DefaultComputeBudgetLimits returns the limits used when a transaction
// requests nothing, given the number of non-compute-budget instructions.
func DefaultComputeBudgetLimits(numInstructions int) ComputeBudgetLimits {
	limit := CUDefault * uint64(numInstructions)
	if limit > CUMax {
		limit = CUMax
	}
	return ComputeBudgetLimits{
		ComputeUnitLimit:    uint32(limit),
		HeapSize:            HeapSizeDefault,
		LoadedAccountsBytes: MaxLoadedAccountsDataSize,
	}
}

// HeapCost returns the compute cost of a heap of the given size.
func HeapCost(heapSize uint32) uint64 {
	const page = 32 * 1024
	pages := (uint64(heapSize) + page - 1) / page
	if pages == 0 {
		return 0
	}
	return (pages - 1) * CUHeapCostDefault
}
