// Package runtime executes instructions against a transaction's accounts.
//
// It owns the program cache, the instruction stack with its account rules,
// dispatch to builtin and sBPF programs, and cross-program invocation.
package runtime

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/executor"
	"github.com/fortiblox/svmsim/pkg/svm/sbpf"
	"github.com/fortiblox/svmsim/pkg/svm/syscall"
	"github.com/fortiblox/svmsim/pkg/svm/sysvar"
)

// InvokeConfig configures an InvokeContext.
type InvokeConfig struct {
	Programs *ProgramCache
	Sysvars  *SysvarCache
	Budget   svm.ComputeBudget

	// Meter is shared by every instruction of the transaction.
	Meter *svm.ComputeMeter

	// Logs receives program logs. Nil disables log recording.
	Logs *LogCollector

	Logger *slog.Logger
}

// InvokeContext runs the instructions of one transaction. It implements
// syscall.Context for the sBPF program at the top of the stack.
type InvokeContext struct {
	tx         *TransactionContext
	programs   *ProgramCache
	sysvars    *SysvarCache
	budget     svm.ComputeBudget
	meter      *svm.ComputeMeter
	logs       *LogCollector
	logger     *slog.Logger
	allocators []*syscall.BumpAllocator
}

var _ syscall.Context = (*InvokeContext)(nil)

// NewInvokeContext creates an invoke context over tx.
func NewInvokeContext(tx *TransactionContext, cfg InvokeConfig) *InvokeContext {
	if cfg.Meter == nil {
		cfg.Meter = svm.NewComputeMeter(svm.CUDefault)
	}
	if cfg.Sysvars == nil {
		cfg.Sysvars = NewSysvarCache()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Budget.MaxInvokeStackHeight == 0 {
		cfg.Budget.MaxInvokeStackHeight = svm.MaxInvokeStackHeight
	}
	if cfg.Budget.MaxInstructionTraceLength == 0 {
		cfg.Budget.MaxInstructionTraceLength = svm.MaxInstructionTraceLength
	}
	if cfg.Budget.HeapSize == 0 {
		cfg.Budget.HeapSize = svm.HeapSizeDefault
	}
	return &InvokeContext{
		tx:       tx,
		programs: cfg.Programs,
		sysvars:  cfg.Sysvars,
		budget:   cfg.Budget,
		meter:    cfg.Meter,
		logs:     cfg.Logs,
		logger:   cfg.Logger,
	}
}

// Transaction returns the transaction context.
func (ic *InvokeContext) Transaction() *TransactionContext { return ic.tx }

// Instruction returns the running instruction.
func (ic *InvokeContext) Instruction() *InstructionContext {
	frame, _ := ic.tx.Current()
	return frame
}

// Meter returns the transaction's compute meter.
func (ic *InvokeContext) Meter() *svm.ComputeMeter { return ic.meter }

// Sysvars returns the sysvar cache.
func (ic *InvokeContext) Sysvars() *SysvarCache { return ic.sysvars }

// ConsumeCU charges compute units.
func (ic *InvokeContext) ConsumeCU(units uint64) error { return ic.meter.Consume(units) }

// RemainingCU returns the units left in the meter.
func (ic *InvokeContext) RemainingCU() uint64 { return ic.meter.Remaining() }

// Log records a program log line.
func (ic *InvokeContext) Log(line string) { ic.logs.Log(line) }

// ProgramID returns the running program.
func (ic *InvokeContext) ProgramID() types.Pubkey {
	if frame, ok := ic.tx.Current(); ok {
		return frame.ProgramID()
	}
	return types.Pubkey{}
}

// StackHeight returns the depth of the running instruction.
func (ic *InvokeContext) StackHeight() int { return ic.tx.StackHeight() }

// SetReturnData records return data for programID.
func (ic *InvokeContext) SetReturnData(programID types.Pubkey, data []byte) error {
	if len(data) > svm.MaxReturnData {
		return &syscall.ReturnDataTooLargeError{Len: uint64(len(data)), Max: svm.MaxReturnData}
	}
	ic.tx.SetReturnData(programID, data)
	return nil
}

// ReturnData returns the last return data set.
func (ic *InvokeContext) ReturnData() (types.Pubkey, []byte) { return ic.tx.ReturnData() }

func (ic *InvokeContext) Clock() (sysvar.Clock, error)                 { return ic.sysvars.Clock() }
func (ic *InvokeContext) Rent() (sysvar.Rent, error)                   { return ic.sysvars.Rent() }
func (ic *InvokeContext) EpochSchedule() (sysvar.EpochSchedule, error) { return ic.sysvars.EpochSchedule() }

// Allocator returns the heap allocator of the running sBPF program.
func (ic *InvokeContext) Allocator() *syscall.BumpAllocator {
	if len(ic.allocators) == 0 {
		return syscall.NewBumpAllocator(0)
	}
	return ic.allocators[len(ic.allocators)-1]
}

// ProcessInstruction runs a top-level instruction.
func (ic *InvokeContext) ProcessInstruction(programIndex int, accts []InstructionAccount, data []byte) error {
	return ic.process(programIndex, accts, data)
}

// process pushes a frame, runs the program and pops the frame. An
// execution error takes precedence over a balance error on pop.
func (ic *InvokeContext) process(programIndex int, accts []InstructionAccount, data []byte) error {
	if err := ic.push(programIndex, accts, data); err != nil {
		return err
	}
	err := ic.execute()
	if popErr := ic.pop(); err == nil {
		err = popErr
	}
	return err
}

func (ic *InvokeContext) push(programIndex int, accts []InstructionAccount, data []byte) error {
	tx := ic.tx
	if len(tx.trace) >= ic.budget.MaxInstructionTraceLength {
		return svm.ErrMaxInstructionTraceLengthExceeded
	}
	if len(tx.stack) >= ic.budget.MaxInvokeStackHeight {
		return svm.ErrCallDepth
	}
	// A program may call itself directly but may not be re-entered through
	// another program.
	programID := tx.keys[programIndex]
	if n := len(tx.stack); n > 0 && tx.stack[n-1].ProgramID() != programID {
		for _, frame := range tx.stack[:n-1] {
			if frame.ProgramID() == programID {
				return svm.ErrReentrancyNotAllowed
			}
		}
	}

	frame := &InstructionContext{
		tx:           tx,
		programIndex: programIndex,
		accounts:     accts,
		data:         data,
		stackHeight:  len(tx.stack) + 1,
	}
	frame.lamportsLo, frame.lamportsHi = frame.lamportSum()
	tx.stack = append(tx.stack, frame)
	tx.trace = append(tx.trace, InstructionTraceEntry{
		ProgramIndex: programIndex,
		Accounts:     accts,
		Data:         data,
		StackHeight:  frame.stackHeight,
	})
	return nil
}

func (ic *InvokeContext) pop() error {
	tx := ic.tx
	frame := tx.stack[len(tx.stack)-1]
	tx.stack = tx.stack[:len(tx.stack)-1]
	lo, hi := frame.lamportSum()
	if lo != frame.lamportsLo || hi != frame.lamportsHi {
		return svm.ErrUnbalancedInstruction
	}
	return nil
}

// execute runs the program of the frame on top of the stack.
func (ic *InvokeContext) execute() error {
	frame := ic.Instruction()
	programID := frame.ProgramID()

	entry, ok := ic.programs.Find(programID)
	if !ok || (entry.Kind != KindLoaded && entry.Kind != KindBuiltin) {
		ic.Log("Program is not cached")
		return svm.ErrUnsupportedProgramID
	}

	logInvoke(ic.logs, programID, frame.stackHeight)
	var err error
	if entry.Kind == KindBuiltin {
		err = entry.Builtin(ic)
	} else {
		err = ic.executeBPF(entry, frame)
	}
	if err != nil {
		logFailure(ic.logs, programID, err)
		ic.logger.Debug("instruction failed", "program", programID, "height", frame.stackHeight, "err", err)
		return vmError(err)
	}
	logSuccess(ic.logs, programID)
	return nil
}

// executeBPF runs an sBPF program over clones of its accounts and applies
// the result through the account rules. Interpreter errors are returned
// unmapped so their message reaches the log.
func (ic *InvokeContext) executeBPF(entry *ProgramCacheEntry, frame *InstructionContext) error {
	programID := frame.ProgramID()
	budget := ic.meter.Remaining()

	heap := ic.budget.HeapSize
	if err := ic.meter.Consume(svm.HeapCost(heap)); err != nil {
		return err
	}

	clones := make(map[int]*accounts.Account, len(frame.accounts))
	infos := make([]*executor.AccountInfo, len(frame.accounts))
	for i, ia := range frame.accounts {
		clone, ok := clones[ia.IndexInTransaction]
		if !ok {
			clone = ic.tx.accounts[ia.IndexInTransaction].Clone()
			clones[ia.IndexInTransaction] = clone
		}
		infos[i] = &executor.AccountInfo{
			Key:        ic.tx.keys[ia.IndexInTransaction],
			Account:    clone,
			IsSigner:   ia.IsSigner,
			IsWritable: ia.IsWritable,
		}
	}

	ic.tx.SetReturnData(programID, nil)
	ic.allocators = append(ic.allocators, syscall.NewBumpAllocator(uint64(heap)))
	res, err := entry.Environment.Executor.Execute(executor.Request{
		Program:   entry.Executable,
		ProgramID: programID,
		Accounts:  infos,
		Data:      frame.data,
		Meter:     ic.meter,
		Context:   ic,
		HeapSize:  uint64(heap),
	})
	ic.allocators = ic.allocators[:len(ic.allocators)-1]

	logConsumed(ic.logs, programID, budget-ic.meter.Remaining(), budget)
	if rdProgram, rd := ic.tx.ReturnData(); len(rd) > 0 {
		logReturn(ic.logs, rdProgram, rd)
	}
	if err != nil {
		return err
	}
	if err := svm.ProgramReturnError(res.ReturnValue); err != nil {
		return err
	}

	for i, ia := range frame.accounts {
		if first, _ := frame.findAccount(ia.IndexInTransaction); first != i {
			continue
		}
		acct, err := frame.Account(i)
		if err != nil {
			return err
		}
		if err := acct.apply(clones[ia.IndexInTransaction]); err != nil {
			return err
		}
	}
	return nil
}

// vmError maps a program failure to the instruction error it causes.
func vmError(err error) error {
	if errors.Is(err, sbpf.ErrExceededMaxInstructions) {
		return svm.ErrComputationalBudgetExceeded
	}
	var se *sbpf.SyscallError
	if errors.As(err, &se) && svm.IsInstructionError(se.Err) {
		return se.Err
	}
	if svm.IsInstructionError(err) {
		return err
	}
	return svm.ErrProgramFailedToComplete
}

// Invoke performs a cross-program invocation for the running program.
func (ic *InvokeContext) Invoke(ix syscall.Instruction, signers []types.Pubkey, callers []*syscall.CallerAccount) error {
	caller, ok := ic.tx.Current()
	if !ok {
		return svm.ErrCallDepth
	}

	// One entry per distinct account, flags merged across duplicates.
	var deduped []InstructionAccount
	position := make([]int, len(ix.Accounts))
	for i, meta := range ix.Accounts {
		txIndex, ok := ic.tx.IndexOf(meta.Pubkey)
		if !ok {
			ic.Log(fmt.Sprintf("Instruction references an unknown account %s", meta.Pubkey))
			return svm.ErrMissingAccount
		}
		dup := -1
		for j := range deduped {
			if deduped[j].IndexInTransaction == txIndex {
				dup = j
				break
			}
		}
		if dup >= 0 {
			deduped[dup].IsSigner = deduped[dup].IsSigner || meta.IsSigner
			deduped[dup].IsWritable = deduped[dup].IsWritable || meta.IsWritable
			position[i] = dup
			continue
		}
		callerPos, ok := caller.findAccount(txIndex)
		if !ok {
			ic.Log(fmt.Sprintf("Instruction references an unknown account %s", meta.Pubkey))
			return svm.ErrMissingAccount
		}
		position[i] = len(deduped)
		deduped = append(deduped, InstructionAccount{
			IndexInTransaction: txIndex,
			IndexInCaller:      callerPos,
			IsSigner:           meta.IsSigner,
			IsWritable:         meta.IsWritable,
		})
	}

	for _, ia := range deduped {
		key := ic.tx.keys[ia.IndexInTransaction]
		granted := caller.accounts[ia.IndexInCaller]
		if ia.IsWritable && !granted.IsWritable {
			ic.Log(fmt.Sprintf("%s's writable privilege escalated", key))
			return svm.ErrPrivilegeEscalation
		}
		if ia.IsSigner && !granted.IsSigner && !containsKey(signers, key) {
			ic.Log(fmt.Sprintf("%s's signer privilege escalated", key))
			return svm.ErrPrivilegeEscalation
		}
	}

	programIndex, ok := ic.tx.IndexOf(ix.ProgramID)
	if ok {
		_, ok = caller.findAccount(programIndex)
	}
	if !ok {
		ic.Log(fmt.Sprintf("Unknown program %s", ix.ProgramID))
		return svm.ErrMissingAccount
	}
	if !ic.tx.accounts[programIndex].Executable {
		ic.Log(fmt.Sprintf("Account %s is not executable", ix.ProgramID))
		return svm.ErrAccountNotExecutable
	}

	// Pair each writable-capable callee account with the caller's view.
	views := make([]*syscall.CallerAccount, len(deduped))
	for i, ia := range deduped {
		acct := ic.tx.accounts[ia.IndexInTransaction]
		if err := ic.meter.Consume(uint64(len(acct.Data)) / svm.CUCpiBytesPerUnit); err != nil {
			return err
		}
		if acct.Executable {
			continue
		}
		key := ic.tx.keys[ia.IndexInTransaction]
		view := findCaller(callers, key)
		if view == nil {
			ic.Log(fmt.Sprintf("Instruction references an unknown account %s", key))
			return svm.ErrMissingAccount
		}
		views[i] = view

		state, err := view.Load()
		if err != nil {
			return err
		}
		borrowed, err := caller.Account(ia.IndexInCaller)
		if err != nil {
			return err
		}
		if err := borrowed.apply(state); err != nil {
			return err
		}
	}

	calleeAccounts := make([]InstructionAccount, len(ix.Accounts))
	for i := range ix.Accounts {
		calleeAccounts[i] = deduped[position[i]]
	}
	if err := ic.process(programIndex, calleeAccounts, ix.Data); err != nil {
		return err
	}

	for i, ia := range deduped {
		if views[i] == nil || !ia.IsWritable {
			continue
		}
		if err := views[i].Store(ic.tx.accounts[ia.IndexInTransaction]); err != nil {
			return err
		}
	}
	return nil
}

func findCaller(callers []*syscall.CallerAccount, key types.Pubkey) *syscall.CallerAccount {
	for _, c := range callers {
		if c.Key == key {
			return c
		}
	}
	return nil
}

func containsKey(keys []types.Pubkey, key types.Pubkey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// InnerInstruction is an instruction invoked by a program, indexed
// against the transaction's account keys.
type InnerInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
	StackHeight    uint8
}

// InnerInstructions groups the recorded trace by top-level instruction.
// Entry i lists the invocations made while instruction i ran.
func (tc *TransactionContext) InnerInstructions() [][]InnerInstruction {
	var out [][]InnerInstruction
	for _, entry := range tc.trace {
		if entry.StackHeight <= 1 {
			out = append(out, []InnerInstruction{})
			continue
		}
		if len(out) == 0 {
			continue
		}
		inner := InnerInstruction{
			ProgramIDIndex: uint8(entry.ProgramIndex),
			Accounts:       make([]uint8, len(entry.Accounts)),
			Data:           entry.Data,
			StackHeight:    uint8(entry.StackHeight),
		}
		for i, ia := range entry.Accounts {
			inner.Accounts[i] = uint8(ia.IndexInTransaction)
		}
		out[len(out)-1] = append(out[len(out)-1], inner)
	}
	return out
}
