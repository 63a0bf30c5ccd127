// Package computebudget implements the Compute Budget program. The
// builtin itself does nothing; its instructions are read before execution
// to size the transaction's budget.
package computebudget

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/runtime"
	"github.com/fortiblox/svmsim/pkg/txn"
)

// Name is the builtin account name.
const Name = "compute_budget_program"

// Instruction discriminants. Zero is the retired RequestUnits.
const (
	InstructionRequestHeapFrame uint8 = iota + 1
	InstructionSetComputeUnitLimit
	InstructionSetComputeUnitPrice
	InstructionSetLoadedAccountsDataSizeLimit
)

const heapFrameGranularity = 1024

// Entrypoint is the builtin entrypoint.
func Entrypoint(ic *runtime.InvokeContext) error {
	return ic.ConsumeCU(svm.CUComputeBudgetDefault)
}

// Instruction is a decoded Compute Budget instruction.
type Instruction struct {
	Kind  uint8
	Value uint64
}

// UnmarshalWithDecoder reads the borsh form.
func (ix *Instruction) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if ix.Kind, err = dec.ReadUint8(); err != nil {
		return err
	}
	switch ix.Kind {
	case InstructionRequestHeapFrame, InstructionSetComputeUnitLimit, InstructionSetLoadedAccountsDataSizeLimit:
		v, err := dec.ReadUint32(bin.LE)
		ix.Value = uint64(v)
		return err
	case InstructionSetComputeUnitPrice:
		ix.Value, err = dec.ReadUint64(bin.LE)
		return err
	default:
		return fmt.Errorf("computebudget: unknown instruction %d", ix.Kind)
	}
}

// Encode returns the borsh form.
func (ix Instruction) Encode() []byte {
	var buf bytes.Buffer
	enc := bin.NewBinEncoder(&buf)
	enc.WriteUint8(ix.Kind)
	if ix.Kind == InstructionSetComputeUnitPrice {
		enc.WriteUint64(ix.Value, bin.LE)
	} else {
		enc.WriteUint32(uint32(ix.Value), bin.LE)
	}
	return buf.Bytes()
}

func build(kind uint8, value uint64) txn.Instruction {
	return txn.Instruction{
		ProgramID: types.ComputeBudgetProgramAddr,
		Data:      Instruction{Kind: kind, Value: value}.Encode(),
	}
}

// SetComputeUnitLimit requests a transaction-wide compute unit limit.
func SetComputeUnitLimit(units uint32) txn.Instruction {
	return build(InstructionSetComputeUnitLimit, uint64(units))
}

// SetComputeUnitPrice sets the priority fee in micro-lamports per unit.
func SetComputeUnitPrice(microLamports uint64) txn.Instruction {
	return build(InstructionSetComputeUnitPrice, microLamports)
}

// RequestHeapFrame requests a larger program heap.
func RequestHeapFrame(size uint32) txn.Instruction {
	return build(InstructionRequestHeapFrame, uint64(size))
}

// SetLoadedAccountsDataSizeLimit caps the bytes of loaded account data.
func SetLoadedAccountsDataSizeLimit(size uint32) txn.Instruction {
	return build(InstructionSetLoadedAccountsDataSizeLimit, uint64(size))
}

// ProcessInstructions derives the budget a transaction requests. An
// instruction that does not decode fails with InvalidInstructionData at
// its index; one that repeats a kind fails with a
// *svm.DuplicateInstructionError.
func ProcessInstructions(tx *txn.SanitizedTransaction) (svm.ComputeBudgetLimits, error) {
	var (
		seen    [InstructionSetLoadedAccountsDataSizeLimit + 1]bool
		values  [InstructionSetLoadedAccountsDataSizeLimit + 1]uint64
		heapIdx uint8
		others  int
	)
	for i, programID := range tx.ProgramIDs() {
		if programID != types.ComputeBudgetProgramAddr {
			others++
			continue
		}
		var ix Instruction
		if err := ix.UnmarshalWithDecoder(bin.NewBinDecoder(tx.Instructions()[i].Data)); err != nil {
			return svm.ComputeBudgetLimits{}, &svm.InstructionError{Index: uint8(i), Err: svm.ErrInvalidInstructionData}
		}
		if seen[ix.Kind] {
			return svm.ComputeBudgetLimits{}, &svm.DuplicateInstructionError{Index: uint8(i)}
		}
		seen[ix.Kind] = true
		values[ix.Kind] = ix.Value
		if ix.Kind == InstructionRequestHeapFrame {
			heapIdx = uint8(i)
		}
	}

	limits := svm.DefaultComputeBudgetLimits(others)
	if seen[InstructionRequestHeapFrame] {
		heap := values[InstructionRequestHeapFrame]
		if heap < uint64(svm.HeapSizeDefault) || heap > uint64(svm.HeapSizeMax) || heap%heapFrameGranularity != 0 {
			return svm.ComputeBudgetLimits{}, &svm.InstructionError{Index: heapIdx, Err: svm.ErrInvalidInstructionData}
		}
		limits.HeapSize = uint32(heap)
	}
	if seen[InstructionSetComputeUnitLimit] {
		limits.ComputeUnitLimit = uint32(min(values[InstructionSetComputeUnitLimit], svm.CUMax))
	}
	if seen[InstructionSetComputeUnitPrice] {
		limits.ComputeUnitPrice = values[InstructionSetComputeUnitPrice]
	}
	if seen[InstructionSetLoadedAccountsDataSizeLimit] {
		size := values[InstructionSetLoadedAccountsDataSizeLimit]
		if size == 0 {
			return svm.ComputeBudgetLimits{}, svm.ErrInvalidLoadedAccountsDataSizeLimit
		}
		limits.LoadedAccountsBytes = uint32(min(size, uint64(svm.MaxLoadedAccountsDataSize)))
	}
	return limits, nil
}
