package processor

import (
	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/svm"
)

// DefaultAccountLockLimit is the account lock limit when the config sets
// none.
const DefaultAccountLockLimit = 64

// TransactionProcessingEnvironment is the chain state transactions run
// against. Runtime features are not part of it: they take effect when the
// program cache environments are built.
type TransactionProcessingEnvironment struct {
	Blockhash                     types.Hash
	BlockhashLamportsPerSignature uint64
	EpochTotalStake               uint64
}

// ExecutionRecordingConfig selects what execution records.
type ExecutionRecordingConfig struct {
	EnableLogRecording        bool
	EnableReturnDataRecording bool
	EnableCPIRecording        bool
}

// NewExecutionRecordingConfig records logs and return data, and inner
// instructions when cpi is set.
func NewExecutionRecordingConfig(cpi bool) ExecutionRecordingConfig {
	return ExecutionRecordingConfig{
		EnableLogRecording:        true,
		EnableReturnDataRecording: true,
		EnableCPIRecording:        cpi,
	}
}

// TransactionProcessingConfig tunes one LoadAndExecuteSanitizedTransactions
// call.
type TransactionProcessingConfig struct {
	// CheckProgramModificationSlot asks for programs deployed in the
	// current slot to be rejected. There is no slot history to check
	// against, so the check always passes.
	CheckProgramModificationSlot bool

	// ComputeBudget overrides the default runtime budget.
	ComputeBudget *svm.ComputeBudget

	// LimitToLoadPrograms restricts execution to programs already in the
	// program cache. When false, missing programs are loaded through the
	// callback first.
	LimitToLoadPrograms bool

	Recording ExecutionRecordingConfig

	// TransactionAccountLockLimit bounds the accounts one transaction may
	// lock. Zero means DefaultAccountLockLimit.
	TransactionAccountLockLimit int
}

func (c *TransactionProcessingConfig) lockLimit() int {
	if c.TransactionAccountLockLimit == 0 {
		return DefaultAccountLockLimit
	}
	return c.TransactionAccountLockLimit
}

func (c *TransactionProcessingConfig) budget() svm.ComputeBudget {
	if c.ComputeBudget != nil {
		return *c.ComputeBudget
	}
	return svm.DefaultComputeBudget()
}
