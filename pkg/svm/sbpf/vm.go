// Package sbpf implements the Solana Berkeley Packet Filter virtual machine.
//
// sBPF is a register-based virtual machine with 11 64-bit registers (R0-R10),
// where R10 is a read-only frame pointer. The instruction set is based on eBPF
// with Solana-specific extensions. This package implements the v1 dialect:
// 32-bit ALU results are zero-extended, callx names its target register in the
// immediate field and stack frames are fixed size with unmapped gaps.
//
// Memory is organized into four regions:
//   - Program (0x100000000): read-only ELF image
//   - Stack   (0x200000000): gapped stack frames
//   - Heap    (0x300000000): bump-allocated heap
//   - Input   (0x400000000): serialized instruction parameters
package sbpf

import (
	"errors"
	"fmt"
	"math/bits"
)

// Virtual memory region base addresses.
const (
	VaddrProgram = uint64(0x1_0000_0000)
	VaddrStack   = uint64(0x2_0000_0000)
	VaddrHeap    = uint64(0x3_0000_0000)
	VaddrInput   = uint64(0x4_0000_0000)
)

// Stack and heap constants.
const (
	StackFrameSize = 4096
	MaxCallDepth   = 64
	HeapDefault    = 32 * 1024
	HeapMax        = 256 * 1024
)

// Errors.
var (
	ErrExceededMaxInstructions = errors.New("exceeded maximum number of instructions")
	ErrAccessViolation         = errors.New("access violation")
	ErrInvalidInstruction      = errors.New("invalid instruction")
	ErrUnsupportedInstruction  = errors.New("unsupported instruction")
	ErrCallDepthExceeded       = errors.New("exceeded max BPF to BPF call depth")
	ErrDivideByZero            = errors.New("divide by zero")
	ErrCallOutsideTextSegment  = errors.New("callx attempted to call outside of the text segment")
	ErrExecutionOverrun        = errors.New("attempted to execute past the end of the text segment")
)

// SyscallError wraps an error returned by a host function.
type SyscallError struct {
	Err error
}

func (e *SyscallError) Error() string { return e.Err.Error() }
func (e *SyscallError) Unwrap() error { return e.Err }

// Meter is the compute meter the interpreter draws from. The interpreter
// counts instructions locally and synchronizes with the meter around
// syscalls and on exit.
type Meter interface {
	Remaining() uint64
	SetRemaining(remaining uint64)
}

// VM is the view of a running interpreter that syscalls receive.
type VM interface {
	// Context returns the value supplied in Config.Context.
	Context() any

	Translate(addr, size uint64, write bool) ([]byte, error)

	Read(addr uint64, p []byte) error
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)

	Write(addr uint64, p []byte) error
	Write8(addr uint64, x uint8) error
	Write16(addr uint64, x uint16) error
	Write32(addr uint64, x uint32) error
	Write64(addr uint64, x uint64) error

	// HeapSize returns the size of the heap region.
	HeapSize() uint64
}

// Syscall is a host function callable from sBPF programs.
// Arguments are passed in r1-r5, the return value goes in r0.
type Syscall interface {
	Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)
}

// SyscallFunc is a function that implements Syscall.
type SyscallFunc func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Invoke implements Syscall.
func (f SyscallFunc) Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return f(vm, r1, r2, r3, r4, r5)
}

// SyscallLookup resolves a syscall by the murmur3 hash of its name.
type SyscallLookup func(hash uint32) (Syscall, bool)

// Program is a loaded, relocated executable.
type Program struct {
	// Text holds the encoded instructions.
	Text []byte

	// TextVaddr is the virtual address of Text[0].
	TextVaddr uint64

	// RO is the read-only image mapped at VaddrProgram.
	RO []byte

	// Entry is the instruction index execution starts at.
	Entry int

	// Functions maps call hashes to instruction indexes.
	Functions map[uint32]int
}

// InstructionCount returns the number of instruction slots in the text.
func (p *Program) InstructionCount() int {
	return len(p.Text) / InstructionSize
}

// frame is a saved caller context.
type frame struct {
	nvRegs  [4]uint64
	fp      uint64
	retAddr int
}

// Config configures an interpreter.
type Config struct {
	HeapSize     uint64
	MaxCallDepth int
	Syscalls     SyscallLookup
	Meter        Meter
	Context      any
}

// Interpreter executes one sBPF program invocation.
type Interpreter struct {
	*Memory

	prog     *Program
	cfg      Config
	heapSize uint64
	frames   []frame
	executed uint64
}

// NewInterpreter maps the program, a fresh stack and heap, and input into
// a new address space. Input is mapped writable and is modified in place.
func NewInterpreter(prog *Program, input []byte, cfg Config) (*Interpreter, error) {
	if cfg.Meter == nil {
		return nil, errors.New("sbpf: compute meter required")
	}
	heapSize := cfg.HeapSize
	if heapSize == 0 {
		heapSize = HeapDefault
	}
	if heapSize > HeapMax {
		return nil, fmt.Errorf("sbpf: heap size %d exceeds %d", heapSize, HeapMax)
	}
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = MaxCallDepth
	}

	mem, err := NewMemory(
		&Region{Name: "program", Vaddr: VaddrProgram, Data: prog.RO},
		&Region{Name: "stack", Vaddr: VaddrStack, Data: make([]byte, StackFrameSize*cfg.MaxCallDepth), Writable: true, FrameSize: StackFrameSize},
		&Region{Name: "heap", Vaddr: VaddrHeap, Data: make([]byte, heapSize), Writable: true},
		&Region{Name: "input", Vaddr: VaddrInput, Data: input, Writable: true},
	)
	if err != nil {
		return nil, err
	}

	return &Interpreter{
		Memory:   mem,
		prog:     prog,
		cfg:      cfg,
		heapSize: heapSize,
		frames:   make([]frame, 0, cfg.MaxCallDepth),
	}, nil
}

// Context implements VM.
func (ip *Interpreter) Context() any { return ip.cfg.Context }

// HeapSize implements VM.
func (ip *Interpreter) HeapSize() uint64 { return ip.heapSize }

// Executed returns the number of instructions executed so far.
func (ip *Interpreter) Executed() uint64 { return ip.executed }

// Run executes the program until it exits or faults, returning r0.
func (ip *Interpreter) Run() (r0 uint64, err error) {
	var r [11]uint64
	r[1] = VaddrInput
	r[10] = VaddrStack + StackFrameSize

	remaining := ip.cfg.Meter.Remaining()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: vm panic: %v", ErrInvalidInstruction, rec)
		}
		ip.cfg.Meter.SetRemaining(remaining)
	}()

	text := ip.prog.Text
	n := ip.prog.InstructionCount()
	pc := ip.prog.Entry

	for {
		if pc < 0 || pc >= n {
			return 0, fmt.Errorf("%w: pc %d", ErrExecutionOverrun, pc)
		}
		if remaining == 0 {
			return 0, fmt.Errorf("%w at instruction %d", ErrExceededMaxInstructions, pc)
		}
		remaining--
		ip.executed++

		ins := DecodeAt(text, pc)
		op := ins.Op()
		dst, src := ins.Dst(), ins.Src()
		if dst > 10 || src > 10 {
			return 0, fmt.Errorf("%w: register out of range at pc %d", ErrInvalidInstruction, pc)
		}

		switch ins.Class() {
		case ClassAlu64:
			operand := uint64(int64(ins.Imm()))
			if op&SrcX != 0 {
				operand = r[src]
			}
			v, err := alu64(op&0xF0, r[dst], operand)
			if err != nil {
				return 0, fmt.Errorf("%w at instruction %d", err, pc)
			}
			r[dst] = v

		case ClassAlu:
			if op&0xF0 == AluEnd {
				v, err := endian(op, r[dst], ins.Imm())
				if err != nil {
					return 0, fmt.Errorf("%w at instruction %d", err, pc)
				}
				r[dst] = v
				break
			}
			operand := ins.Uimm()
			if op&SrcX != 0 {
				operand = uint32(r[src])
			}
			v, err := alu32(op&0xF0, uint32(r[dst]), operand)
			if err != nil {
				return 0, fmt.Errorf("%w at instruction %d", err, pc)
			}
			r[dst] = uint64(v)

		case ClassLd:
			if op != OpLddw || pc+1 >= n {
				return 0, fmt.Errorf("%w: %s at pc %d", ErrUnsupportedInstruction, ins, pc)
			}
			next := DecodeAt(text, pc+1)
			r[dst] = uint64(ins.Uimm()) | uint64(next.Uimm())<<32
			pc++

		case ClassLdx:
			addr := r[src] + uint64(int64(ins.Off()))
			var v uint64
			var err error
			switch op {
			case OpLdxb:
				var x uint8
				x, err = ip.Read8(addr)
				v = uint64(x)
			case OpLdxh:
				var x uint16
				x, err = ip.Read16(addr)
				v = uint64(x)
			case OpLdxw:
				var x uint32
				x, err = ip.Read32(addr)
				v = uint64(x)
			case OpLdxdw:
				v, err = ip.Read64(addr)
			default:
				return 0, fmt.Errorf("%w: %s at pc %d", ErrUnsupportedInstruction, ins, pc)
			}
			if err != nil {
				return 0, err
			}
			r[dst] = v

		case ClassSt, ClassStx:
			addr := r[dst] + uint64(int64(ins.Off()))
			v := uint64(int64(ins.Imm()))
			if ins.Class() == ClassStx {
				v = r[src]
			}
			var err error
			switch op & 0x18 {
			case SizeB:
				err = ip.Write8(addr, uint8(v))
			case SizeH:
				err = ip.Write16(addr, uint16(v))
			case SizeW:
				err = ip.Write32(addr, uint32(v))
			case SizeDW:
				err = ip.Write64(addr, v)
			}
			if err != nil {
				return 0, err
			}

		case ClassJmp:
			switch op {
			case OpJa:
				pc += int(ins.Off())

			case OpCall:
				hash := ins.Uimm()
				if sc, ok := ip.lookupSyscall(hash); ok {
					ip.cfg.Meter.SetRemaining(remaining)
					v, err := sc.Invoke(ip, r[1], r[2], r[3], r[4], r[5])
					remaining = ip.cfg.Meter.Remaining()
					if err != nil {
						return 0, &SyscallError{Err: err}
					}
					r[0] = v
					break
				}
				target, ok := ip.prog.Functions[hash]
				if !ok {
					return 0, fmt.Errorf("%w: call to unresolved function %#x at pc %d", ErrUnsupportedInstruction, hash, pc)
				}
				if err := ip.pushFrame(&r, pc+1); err != nil {
					return 0, err
				}
				pc = target
				continue

			case OpCallx:
				reg := ins.Uimm()
				if reg > 10 {
					return 0, fmt.Errorf("%w: callx register %d at pc %d", ErrInvalidInstruction, reg, pc)
				}
				addr := r[reg]
				end := ip.prog.TextVaddr + uint64(len(text))
				if addr < ip.prog.TextVaddr || addr >= end || (addr-ip.prog.TextVaddr)%InstructionSize != 0 {
					return 0, fmt.Errorf("%w: target %#x at pc %d", ErrCallOutsideTextSegment, addr, pc)
				}
				if err := ip.pushFrame(&r, pc+1); err != nil {
					return 0, err
				}
				pc = int((addr - ip.prog.TextVaddr) / InstructionSize)
				continue

			case OpExit:
				if len(ip.frames) == 0 {
					return r[0], nil
				}
				f := ip.frames[len(ip.frames)-1]
				ip.frames = ip.frames[:len(ip.frames)-1]
				copy(r[6:10], f.nvRegs[:])
				r[10] = f.fp
				pc = f.retAddr
				continue

			default:
				operand := uint64(int64(ins.Imm()))
				if op&SrcX != 0 {
					operand = r[src]
				}
				taken, ok := branch(op&0xF0, r[dst], operand)
				if !ok {
					return 0, fmt.Errorf("%w: %s at pc %d", ErrUnsupportedInstruction, ins, pc)
				}
				if taken {
					pc += int(ins.Off())
				}
			}

		default:
			return 0, fmt.Errorf("%w: %s at pc %d", ErrUnsupportedInstruction, ins, pc)
		}
		pc++
	}
}

func (ip *Interpreter) lookupSyscall(hash uint32) (Syscall, bool) {
	if ip.cfg.Syscalls == nil {
		return nil, false
	}
	return ip.cfg.Syscalls(hash)
}

func (ip *Interpreter) pushFrame(r *[11]uint64, retAddr int) error {
	if len(ip.frames)+1 >= ip.cfg.MaxCallDepth {
		return ErrCallDepthExceeded
	}
	f := frame{fp: r[10], retAddr: retAddr}
	copy(f.nvRegs[:], r[6:10])
	ip.frames = append(ip.frames, f)
	r[10] += 2 * StackFrameSize
	return nil
}

// Depth returns the current call depth.
func (ip *Interpreter) Depth() int {
	return len(ip.frames)
}

func alu64(op uint8, dst, operand uint64) (uint64, error) {
	switch op {
	case AluAdd:
		return dst + operand, nil
	case AluSub:
		return dst - operand, nil
	case AluMul:
		return dst * operand, nil
	case AluDiv:
		if operand == 0 {
			return 0, ErrDivideByZero
		}
		return dst / operand, nil
	case AluOr:
		return dst | operand, nil
	case AluAnd:
		return dst & operand, nil
	case AluLsh:
		return dst << (operand & 63), nil
	case AluRsh:
		return dst >> (operand & 63), nil
	case AluNeg:
		return uint64(-int64(dst)), nil
	case AluMod:
		if operand == 0 {
			return 0, ErrDivideByZero
		}
		return dst % operand, nil
	case AluXor:
		return dst ^ operand, nil
	case AluMov:
		return operand, nil
	case AluArsh:
		return uint64(int64(dst) >> (operand & 63)), nil
	}
	return 0, ErrUnsupportedInstruction
}

func alu32(op uint8, dst, operand uint32) (uint32, error) {
	switch op {
	case AluAdd:
		return dst + operand, nil
	case AluSub:
		return dst - operand, nil
	case AluMul:
		return dst * operand, nil
	case AluDiv:
		if operand == 0 {
			return 0, ErrDivideByZero
		}
		return dst / operand, nil
	case AluOr:
		return dst | operand, nil
	case AluAnd:
		return dst & operand, nil
	case AluLsh:
		return dst << (operand & 31), nil
	case AluRsh:
		return dst >> (operand & 31), nil
	case AluNeg:
		return uint32(-int32(dst)), nil
	case AluMod:
		if operand == 0 {
			return 0, ErrDivideByZero
		}
		return dst % operand, nil
	case AluXor:
		return dst ^ operand, nil
	case AluMov:
		return operand, nil
	case AluArsh:
		return uint32(int32(dst) >> (operand & 31)), nil
	}
	return 0, ErrUnsupportedInstruction
}

func endian(op uint8, v uint64, width int32) (uint64, error) {
	if op == OpLe {
		switch width {
		case 16:
			return v & 0xFFFF, nil
		case 32:
			return v & 0xFFFFFFFF, nil
		case 64:
			return v, nil
		}
		return 0, ErrInvalidInstruction
	}
	switch width {
	case 16:
		return uint64(bits.ReverseBytes16(uint16(v))), nil
	case 32:
		return uint64(bits.ReverseBytes32(uint32(v))), nil
	case 64:
		return bits.ReverseBytes64(v), nil
	}
	return 0, ErrInvalidInstruction
}

func branch(op uint8, dst, operand uint64) (taken, ok bool) {
	switch op {
	case JmpJeq:
		return dst == operand, true
	case JmpJne:
		return dst != operand, true
	case JmpJgt:
		return dst > operand, true
	case JmpJge:
		return dst >= operand, true
	case JmpJlt:
		return dst < operand, true
	case JmpJle:
		return dst <= operand, true
	case JmpJset:
		return dst&operand != 0, true
	case JmpJsgt:
		return int64(dst) > int64(operand), true
	case JmpJsge:
		return int64(dst) >= int64(operand), true
	case JmpJslt:
		return int64(dst) < int64(operand), true
	case JmpJsle:
		return int64(dst) <= int64(operand), true
	}
	return false, false
}
