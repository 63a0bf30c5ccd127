// Package processor loads and executes batches of sanitized transactions
// against a Callback host. It owns the program cache and sysvar cache the
// runtime executes with.
package processor

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"slices"
	"sync"
	"time"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/programs/computebudget"
	"github.com/fortiblox/svmsim/pkg/svm/runtime"
	"github.com/fortiblox/svmsim/pkg/txn"
)

const microLamportsPerLamport = 1_000_000

// ErrNilBuiltin is returned by AddBuiltin for a builtin without an
// entrypoint.
var ErrNilBuiltin = errors.New("processor: builtin has no entrypoint")

// programOwners are the accounts allowed to own an invoked program.
var programOwners = []types.Pubkey{
	types.NativeLoaderAddr,
	types.BPFLoaderUpgradeableAddr,
	types.BPFLoader2Addr,
	types.BPFLoaderAddr,
	types.LoaderV4Addr,
}

// TransactionBatchProcessor executes transactions for one slot and epoch.
// It is safe for concurrent use; builtin registration excludes execution.
type TransactionBatchProcessor struct {
	mu         sync.RWMutex
	slot       uint64
	epoch      uint64
	programs   *runtime.ProgramCache
	sysvars    *runtime.SysvarCache
	builtinIDs []types.Pubkey
	logger     *slog.Logger
}

// NewUninitialized returns a processor with an empty program cache and
// sysvar cache. The caller sets the cache environments and builtins.
func NewUninitialized(slot, epoch uint64) *TransactionBatchProcessor {
	return &TransactionBatchProcessor{
		slot:     slot,
		epoch:    epoch,
		programs: runtime.NewProgramCache(slot, epoch),
		sysvars:  runtime.NewSysvarCache(),
		logger:   slog.Default(),
	}
}

// SetLogger replaces the logger.
func (p *TransactionBatchProcessor) SetLogger(l *slog.Logger) {
	if l != nil {
		p.logger = l
	}
}

// Slot returns the execution slot.
func (p *TransactionBatchProcessor) Slot() uint64 { return p.slot }

// Epoch returns the execution epoch.
func (p *TransactionBatchProcessor) Epoch() uint64 { return p.epoch }

// ProgramCache returns the program cache.
func (p *TransactionBatchProcessor) ProgramCache() *runtime.ProgramCache { return p.programs }

// SysvarCache returns the sysvar cache.
func (p *TransactionBatchProcessor) SysvarCache() *runtime.SysvarCache { return p.sysvars }

// BuiltinProgramIDs returns the addresses registered with AddBuiltin.
func (p *TransactionBatchProcessor) BuiltinProgramIDs() []types.Pubkey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]types.Pubkey(nil), p.builtinIDs...)
}

// AddBuiltin registers a native program: cb receives its placeholder
// account and the cache an entry for it.
func (p *TransactionBatchProcessor) AddBuiltin(cb Callback, programID types.Pubkey, name string, fn runtime.BuiltinFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrNilBuiltin, name)
	}
	err := p.programs.Update(func(w *runtime.CacheWriter) error {
		w.Replace(programID, runtime.NewBuiltinEntry(0, len(name), fn))
		return nil
	})
	if err != nil {
		return fmt.Errorf("add builtin %s: %w", name, err)
	}
	cb.AddBuiltinAccount(name, programID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !slices.Contains(p.builtinIDs, programID) {
		p.builtinIDs = append(p.builtinIDs, programID)
	}
	return nil
}

// FillMissingSysvarCacheEntries loads the sysvars the cache lacks from cb.
func (p *TransactionBatchProcessor) FillMissingSysvarCacheEntries(cb Callback) error {
	return p.sysvars.FillMissingEntries(cb.GetAccount)
}

// LoadAndExecuteSanitizedTransactions runs every transaction of batch
// whose check passed. checks must pair up with the batch.
func (p *TransactionBatchProcessor) LoadAndExecuteSanitizedTransactions(
	cb Callback,
	batch *TransactionBatch,
	checks []TransactionCheckResult,
	env *TransactionProcessingEnvironment,
	cfg *TransactionProcessingConfig,
) (LoadAndExecuteOutput, error) {
	var out LoadAndExecuteOutput
	if len(checks) != batch.Len() {
		return out, fmt.Errorf("%w: %d check results, %d transactions", ErrBatchLengthMismatch, len(checks), batch.Len())
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if !cfg.LimitToLoadPrograms {
		start := time.Now()
		if err := p.replenishProgramCache(cb, batch); err != nil {
			return out, err
		}
		out.ExecuteTimings.Load += time.Since(start)
	}

	for i, tx := range batch.transactions {
		start := time.Now()
		if err := checks[i].Err; err != nil {
			out.ProcessingResults = append(out.ProcessingResults, ProcessingResult{Err: err})
			out.ErrorMetrics.record(err)
			out.ExecuteTimings.Check += time.Since(start)
			continue
		}
		result := p.processTransaction(cb, tx, checks[i].Details, env, cfg, &out.ExecuteTimings)
		if err := result.Err; err != nil {
			out.ErrorMetrics.record(err)
		} else if err := result.Tx.Status(); err != nil {
			out.ErrorMetrics.record(err)
		}
		out.ProcessingResults = append(out.ProcessingResults, result)
		p.logger.Debug("transaction processed",
			"signature", tx.Signature(),
			"slot", p.slot,
			"accounts", len(tx.AccountKeys()),
			"err", statusOf(result),
			"elapsed", time.Since(start),
		)
	}
	return out, nil
}

// replenishProgramCache loads programs the batch invokes that the cache
// does not hold yet.
func (p *TransactionBatchProcessor) replenishProgramCache(cb Callback, batch *TransactionBatch) error {
	var missing []types.Pubkey
	seen := make(map[types.Pubkey]bool)
	for _, tx := range batch.transactions {
		for _, id := range tx.ProgramIDs() {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, ok := p.programs.Find(id); !ok {
				missing = append(missing, id)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return p.programs.Update(func(w *runtime.CacheWriter) error {
		return cb.PopulateProgramCache(w, missing)
	})
}

func (p *TransactionBatchProcessor) processTransaction(
	cb Callback,
	tx *txn.SanitizedTransaction,
	details CheckedTransactionDetails,
	env *TransactionProcessingEnvironment,
	cfg *TransactionProcessingConfig,
	timings *ExecuteTimings,
) ProcessingResult {
	start := time.Now()
	keys := tx.AccountKeys()
	if len(keys) > cfg.lockLimit() {
		return ProcessingResult{Err: svm.ErrTooManyAccountLocks}
	}
	limits, err := computebudget.ProcessInstructions(tx)
	if err != nil {
		return ProcessingResult{Err: err}
	}

	lamportsPerSignature := details.LamportsPerSignature
	if lamportsPerSignature == 0 {
		lamportsPerSignature = env.BlockhashLamportsPerSignature
	}
	fees := FeeDetails{
		TransactionFee:    lamportsPerSignature * uint64(tx.Message().Header.NumRequiredSignatures),
		PrioritizationFee: prioritizationFee(limits.ComputeUnitPrice, limits.ComputeUnitLimit),
	}
	payer, err := validateFeePayer(cb, tx.FeePayer(), fees.Total())
	if err != nil {
		timings.Check += time.Since(start)
		return ProcessingResult{Err: err}
	}
	timings.Check += time.Since(start)

	start = time.Now()
	loaded, err := p.loadTransaction(cb, tx, payer, limits)
	timings.Load += time.Since(start)
	if err != nil {
		return ProcessingResult{Tx: &FeesOnlyTransaction{
			LoadError:        err,
			RollbackAccounts: []accounts.KeyedAccount{{Pubkey: tx.FeePayer(), Account: payer.Clone()}},
			FeeDetails:       fees,
		}}
	}
	loaded.FeeDetails = fees

	start = time.Now()
	executed := p.executeLoadedTransaction(tx, loaded, cfg)
	timings.Execute += time.Since(start)
	return ProcessingResult{Tx: executed}
}

// validateFeePayer loads the fee payer and deducts fee from it.
func validateFeePayer(cb Callback, key types.Pubkey, fee uint64) (*accounts.Account, error) {
	payer, ok := cb.GetAccount(key)
	if !ok || payer.Lamports == 0 {
		return nil, svm.ErrAccountNotFound
	}
	if payer.Owner != types.SystemProgramAddr {
		return nil, svm.ErrInvalidAccountForFee
	}
	if payer.Lamports < fee {
		return nil, svm.ErrInsufficientFundsForFee
	}
	payer.Lamports -= fee
	return payer, nil
}

// loadTransaction gathers the transaction's accounts and resolves its
// programs against the cache.
func (p *TransactionBatchProcessor) loadTransaction(cb Callback, tx *txn.SanitizedTransaction, payer *accounts.Account, limits svm.ComputeBudgetLimits) (*LoadedTransaction, error) {
	keys := tx.AccountKeys()
	loaded := &LoadedTransaction{
		Accounts:      make([]accounts.KeyedAccount, len(keys)),
		ComputeBudget: limits,
	}
	found := make([]bool, len(keys))
	var size uint64
	for i, key := range keys {
		acct := payer
		found[i] = true
		if i != 0 {
			acct, found[i] = cb.GetAccount(key)
			if !found[i] {
				acct = &accounts.Account{Owner: types.SystemProgramAddr}
			}
		}
		size += uint64(len(acct.Data))
		if size > uint64(limits.LoadedAccountsBytes) {
			return nil, svm.ErrMaxLoadedAccountsDataSizeExceeded
		}
		loaded.Accounts[i] = accounts.KeyedAccount{Pubkey: key, Account: acct}
	}
	loaded.LoadedAccountsDataSize = uint32(size)

	for _, ix := range tx.Instructions() {
		idx := int(ix.ProgramIDIndex)
		key := keys[idx]
		if key == types.NativeLoaderAddr {
			loaded.ProgramIndices = append(loaded.ProgramIndices, -1)
			continue
		}
		if !found[idx] {
			return nil, svm.ErrProgramAccountNotFound
		}
		if _, ok := cb.AccountMatchesOwners(key, programOwners); !ok {
			return nil, svm.ErrInvalidProgramForExecution
		}
		if _, ok := p.programs.Find(key); !ok {
			return nil, svm.ErrInvalidProgramForExecution
		}
		loaded.ProgramIndices = append(loaded.ProgramIndices, idx)
	}
	return loaded, nil
}

// executeLoadedTransaction runs the instructions in order, stopping at
// the first failure. Account changes made before the failure stay in the
// loaded accounts.
func (p *TransactionBatchProcessor) executeLoadedTransaction(tx *txn.SanitizedTransaction, loaded *LoadedTransaction, cfg *TransactionProcessingConfig) *ExecutedTransaction {
	budget := cfg.budget()
	budget.HeapSize = loaded.ComputeBudget.HeapSize
	meter := svm.NewComputeMeter(uint64(loaded.ComputeBudget.ComputeUnitLimit))
	var logs *runtime.LogCollector
	if cfg.Recording.EnableLogRecording {
		logs = runtime.NewLogCollector(budget.LogMessagesBytesLimit)
	}

	keys := make([]types.Pubkey, len(loaded.Accounts))
	accts := make([]*accounts.Account, len(loaded.Accounts))
	for i, ka := range loaded.Accounts {
		keys[i] = ka.Pubkey
		accts[i] = ka.Account
	}
	tc := runtime.NewTransactionContext(keys, accts)
	ic := runtime.NewInvokeContext(tc, runtime.InvokeConfig{
		Programs: p.programs,
		Sysvars:  p.sysvars,
		Budget:   budget,
		Meter:    meter,
		Logs:     logs,
		Logger:   p.logger,
	})

	var status error
	for i, ix := range tx.Instructions() {
		ixAccounts := make([]runtime.InstructionAccount, len(ix.Accounts))
		for j, a := range ix.Accounts {
			ixAccounts[j] = runtime.InstructionAccount{
				IndexInTransaction: int(a),
				IndexInCaller:      int(a),
				IsSigner:           tx.IsSigner(int(a)),
				IsWritable:         tx.IsWritable(int(a)),
			}
		}
		if err := ic.ProcessInstruction(int(ix.ProgramIDIndex), ixAccounts, ix.Data); err != nil {
			status = &svm.InstructionError{Index: uint8(i), Err: err}
			break
		}
	}

	details := ExecutionDetails{
		Status:        status,
		LogMessages:   logs.Messages(),
		ExecutedUnits: meter.Consumed(),
	}
	for i := range keys {
		if tc.Touched(i) {
			details.AccountsTouched++
		}
	}
	if cfg.Recording.EnableCPIRecording {
		details.InnerInstructions = tc.InnerInstructions()
	}
	if cfg.Recording.EnableReturnDataRecording {
		if programID, data := tc.ReturnData(); len(data) > 0 {
			details.ReturnData = &TransactionReturnData{ProgramID: programID, Data: append([]byte(nil), data...)}
		}
	}
	loaded.Accounts = tc.Accounts()
	return &ExecutedTransaction{LoadedTransaction: *loaded, ExecutionDetails: details}
}

// prioritizationFee converts a micro-lamport unit price into lamports,
// rounding up.
func prioritizationFee(price uint64, limit uint32) uint64 {
	hi, lo := bits.Mul64(price, uint64(limit))
	if hi >= microLamportsPerLamport {
		return math.MaxUint64
	}
	q, r := bits.Div64(hi, lo, microLamportsPerLamport)
	if r != 0 && q < math.MaxUint64 {
		q++
	}
	return q
}

func statusOf(r ProcessingResult) error {
	if r.Err != nil {
		return r.Err
	}
	return r.Tx.Status()
}

func (m *ErrorMetrics) record(err error) {
	switch {
	case errors.Is(err, svm.ErrAccountNotFound):
		m.AccountNotFound++
	case errors.Is(err, svm.ErrInvalidAccountForFee):
		m.InvalidAccountForFee++
	case errors.Is(err, svm.ErrInsufficientFundsForFee):
		m.InsufficientFundsForFee++
	case errors.Is(err, svm.ErrInvalidProgramForExecution):
		m.InvalidProgramForExecution++
	case errors.Is(err, svm.ErrProgramAccountNotFound):
		m.ProgramAccountNotFound++
	case errors.Is(err, svm.ErrTooManyAccountLocks):
		m.TooManyAccountLocks++
	default:
		var ixErr *svm.InstructionError
		if errors.As(err, &ixErr) {
			m.InstructionError++
		}
	}
}
