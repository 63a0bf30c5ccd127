// Package simulator replays single transactions against a frozen account
// snapshot. Each call to Simulate starts from the same snapshot, so results
// do not depend on earlier calls.
package simulator

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/processor"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/loader"
	"github.com/fortiblox/svmsim/pkg/svm/programs/bpfloader"
	"github.com/fortiblox/svmsim/pkg/svm/programs/computebudget"
	"github.com/fortiblox/svmsim/pkg/svm/programs/system"
	"github.com/fortiblox/svmsim/pkg/svm/runtime"
	"github.com/fortiblox/svmsim/pkg/txn"
)

// Execution parameters of every simulation.
const (
	ExecutionSlot   = 5
	ExecutionEpoch  = 2
	DeploymentSlot  = 0
	DeploymentEpoch = 0

	// MaxTxAccountLocks bounds the accounts a transaction may lock.
	MaxTxAccountLocks = 128

	// AccountLockLimit is the limit the processor enforces on execution.
	AccountLockLimit = processor.DefaultAccountLockLimit
)

// Config configures a Simulator.
type Config struct {
	// AccountsPath is the snapshot file read by New.
	AccountsPath string

	// DisableDefaultBuiltins skips registering the system, loader and
	// compute budget programs.
	DisableDefaultBuiltins bool

	// Features overrides the active runtime features (default: all).
	Features *runtime.FeatureSet

	// ComputeBudget overrides the default compute budget.
	ComputeBudget *svm.ComputeBudget

	// Now returns the wall-clock time used for the clock sysvar.
	Now func() time.Time

	// Logger receives debug output (default: slog.Default()).
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	features := runtime.AllEnabled()
	budget := svm.DefaultComputeBudget()
	return Config{
		Features:      &features,
		ComputeBudget: &budget,
		Now:           time.Now,
		Logger:        slog.Default(),
	}
}

// WithDefaults returns a copy of c with unset fields filled from
// DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Features == nil {
		c.Features = d.Features
	}
	if c.ComputeBudget == nil {
		c.ComputeBudget = d.ComputeBudget
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}

type builtin struct {
	name string
	id   types.Pubkey
	fn   runtime.BuiltinFunc
}

// Simulator runs transactions against a snapshot. It is safe for
// concurrent use.
type Simulator struct {
	accounts  []accounts.KeyedAccount
	processor *processor.TransactionBatchProcessor
	features  runtime.FeatureSet
	budget    svm.ComputeBudget
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.RWMutex
	builtins []builtin

	execMu      sync.Mutex
	executables *loader.Cache
}

// New reads the snapshot at cfg.AccountsPath and returns a simulator over
// it.
func New(cfg Config) (*Simulator, error) {
	accts, err := accounts.ReadSnapshotFile(cfg.AccountsPath)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	return NewWithAccounts(accts, cfg), nil
}

// NewWithAccounts returns a simulator over accts. The list is copied.
func NewWithAccounts(accts []accounts.KeyedAccount, cfg Config) *Simulator {
	cfg = cfg.WithDefaults()
	snapshot := make([]accounts.KeyedAccount, len(accts))
	for i, ka := range accts {
		snapshot[i] = ka.Clone()
	}

	proc := processor.NewUninitialized(ExecutionSlot, ExecutionEpoch)
	proc.SetLogger(cfg.Logger)

	s := &Simulator{
		accounts:  snapshot,
		processor: proc,
		features:  *cfg.Features,
		budget:    *cfg.ComputeBudget,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
	if !cfg.DisableDefaultBuiltins {
		s.RegisterBuiltin(system.Name, types.SystemProgramAddr, system.Entrypoint)
		s.RegisterBuiltin(bpfloader.UpgradeableName, types.BPFLoaderUpgradeableAddr, bpfloader.UpgradeableEntrypoint)
		s.RegisterBuiltin(bpfloader.LegacyName, types.BPFLoader2Addr, bpfloader.LegacyEntrypoint)
		s.RegisterBuiltin(computebudget.Name, types.ComputeBudgetProgramAddr, computebudget.Entrypoint)
	}
	return s
}

// RegisterBuiltin adds a native program to every later simulation.
// Registering an address again replaces the earlier entry.
func (s *Simulator) RegisterBuiltin(name string, programID types.Pubkey, fn runtime.BuiltinFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.builtins {
		if s.builtins[i].id == programID {
			s.builtins[i] = builtin{name: name, id: programID, fn: fn}
			return
		}
	}
	s.builtins = append(s.builtins, builtin{name: name, id: programID, fn: fn})
}

// Accounts returns a copy of the snapshot.
func (s *Simulator) Accounts() []accounts.KeyedAccount {
	out := make([]accounts.KeyedAccount, len(s.accounts))
	for i, ka := range s.accounts {
		out[i] = ka.Clone()
	}
	return out
}

// Simulate executes tx against a fresh copy of the snapshot. The returned
// error reports setup failures only; execution failures are in the
// result's Err.
func (s *Simulator) Simulate(tx *txn.SanitizedTransaction, enableCPIRecording bool) (*SimulationResult, error) {
	start := time.Now()
	b := newBank(s.accounts, s.logger)
	keys := tx.AccountKeys()

	if err := s.createExecutableEnvironment(ForkGraph{}, keys, b, s.processor); err != nil {
		return nil, err
	}

	s.mu.RLock()
	builtins := slices.Clone(s.builtins)
	s.mu.RUnlock()
	for _, bi := range builtins {
		if err := s.processor.AddBuiltin(b, bi.id, bi.name, bi.fn); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBootstrap, err)
		}
	}

	if err := s.processor.FillMissingSysvarCacheEntries(b); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}

	batch, err := processor.PrepareUnlockedBatchFromSingleTx(tx, MaxTxAccountLocks)
	if err != nil {
		return nil, err
	}
	checks := b.CheckAge(batch)

	env := &processor.TransactionProcessingEnvironment{
		Blockhash:                     types.Hash{},
		BlockhashLamportsPerSignature: 0,
		EpochTotalStake:               0,
	}
	budget := s.budget
	cfg := &processor.TransactionProcessingConfig{
		CheckProgramModificationSlot: false,
		ComputeBudget:                &budget,
		LimitToLoadPrograms:          true,
		Recording:                    processor.NewExecutionRecordingConfig(enableCPIRecording),
		TransactionAccountLockLimit:  AccountLockLimit,
	}
	out, err := s.processor.LoadAndExecuteSanitizedTransactions(b, batch, checks, env, cfg)
	if err != nil {
		return nil, err
	}

	result := processor.ProcessingResult{Err: svm.ErrInvalidProgramForExecution}
	if n := len(out.ProcessingResults); n > 0 {
		result = out.ProcessingResults[n-1]
	}
	res := assembleResult(result, len(keys))
	s.logger.Debug("transaction simulated",
		"signature", tx.Signature().String(),
		"accounts", len(keys),
		"units", res.UnitsConsumed,
		"err", res.Err,
		"elapsed", time.Since(start))
	return res, nil
}
