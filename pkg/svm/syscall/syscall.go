// Package syscall implements Solana syscalls for the sBPF VM.
//
// Syscalls are host functions callable from sBPF programs. Each syscall
// is identified by the murmur3 hash of its name. Arguments are passed in
// registers r1-r5, and the return value is placed in r0.
//
// The registry is built once per runtime environment. Per-invocation state
// is reached through the Context the interpreter was configured with.
package syscall

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/sbpf"
	"github.com/fortiblox/svmsim/pkg/svm/sysvar"
)

// Syscall errors. Messages follow the cluster's wording.
var (
	ErrInvalidString       = errors.New("invalid UTF-8 string")
	ErrAbort               = errors.New("BPF program panicked")
	ErrCopyOverlapping     = errors.New("Overlapping copy")
	ErrTooManySlices       = errors.New("Hashing too many sequences")
	ErrInvalidLength       = errors.New("Invalid length")
	ErrUnalignedPointer    = errors.New("Unaligned pointer")
	ErrTooManySigners      = errors.New("Too many signers")
	ErrBadSeeds            = errors.New("Could not create program address with signer seeds")
	ErrInvalidContext      = errors.New("syscall invoked without a runtime context")
	ErrTooManyAccountInfos = errors.New("Too many account infos passed to inner instruction")
)

// PanicError is returned by sol_panic_.
type PanicError struct {
	File   string
	Line   uint64
	Column uint64
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("BPF program Panicked in %s at %d:%d", e.File, e.Line, e.Column)
}

// ReturnDataTooLargeError is returned when a program sets oversized return data.
type ReturnDataTooLargeError struct {
	Len uint64
	Max uint64
}

func (e *ReturnDataTooLargeError) Error() string {
	return fmt.Sprintf("Return data too large (%d > %d)", e.Len, e.Max)
}

// Limits.
const (
	MaxSignerSeeds   = 16
	MaxSigners       = 16
	MaxHashSlices    = 20_000
	MaxCPIDataLen    = 10 * 1024
	MaxCPIAccounts   = 255
	successReturn    = uint64(0)
	failureReturn    = uint64(1)
	pubkeyLen        = uint64(types.PubkeySize)
	vecDescriptorLen = 16 // (ptr, len) pair
)

// Context is the per-invocation runtime state syscalls operate on. It is
// implemented by the runtime's invoke context.
type Context interface {
	ConsumeCU(units uint64) error
	RemainingCU() uint64

	// Log appends a complete log line.
	Log(line string)

	ProgramID() types.Pubkey
	StackHeight() int

	SetReturnData(programID types.Pubkey, data []byte) error
	ReturnData() (types.Pubkey, []byte)

	Clock() (sysvar.Clock, error)
	Rent() (sysvar.Rent, error)
	EpochSchedule() (sysvar.EpochSchedule, error)

	// Allocator returns the heap allocator of the running program.
	Allocator() *BumpAllocator

	// Invoke performs a cross-program invocation on behalf of the running
	// program. accounts are the caller's account infos for the instruction.
	Invoke(ix Instruction, signers []types.Pubkey, accounts []*CallerAccount) error
}

// Registry holds the syscalls available to programs.
type Registry struct {
	syscalls map[uint32]sbpf.Syscall
	names    map[uint32]string
}

// NewRegistry returns a registry with every supported syscall.
func NewRegistry() *Registry {
	r := NewEmptyRegistry()
	r.registerLogging()
	r.registerMemory()
	r.registerCrypto()
	r.registerPDA()
	r.registerSysvars()
	r.registerMisc()
	r.registerCPI()
	return r
}

// NewEmptyRegistry returns a registry with no syscalls.
func NewEmptyRegistry() *Registry {
	return &Registry{
		syscalls: make(map[uint32]sbpf.Syscall),
		names:    make(map[uint32]string),
	}
}

// Get returns a syscall by its hash.
func (r *Registry) Get(hash uint32) (sbpf.Syscall, bool) {
	sc, ok := r.syscalls[hash]
	return sc, ok
}

// Name returns the name a hash was registered under.
func (r *Registry) Name(hash uint32) (string, bool) {
	name, ok := r.names[hash]
	return name, ok
}

// Len returns the number of registered syscalls.
func (r *Registry) Len() int { return len(r.syscalls) }

// Lookup returns the registry as an interpreter lookup function.
func (r *Registry) Lookup() sbpf.SyscallLookup {
	return r.Get
}

// Register adds a syscall under name.
func (r *Registry) Register(name string, fn func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error)) {
	hash := sbpf.SyscallHash(name)
	r.names[hash] = name
	r.syscalls[hash] = sbpf.SyscallFunc(func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		ctx, ok := vm.Context().(Context)
		if !ok {
			return 0, ErrInvalidContext
		}
		return fn(ctx, vm, r1, r2, r3, r4, r5)
	})
}

// Unregister removes a syscall. Programs referencing it no longer load.
func (r *Registry) Unregister(name string) {
	hash := sbpf.SyscallHash(name)
	delete(r.syscalls, hash)
	delete(r.names, hash)
}

func (r *Registry) registerLogging() {
	r.Register("sol_log_", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(max(svm.CUSyscallBase, r2)); err != nil {
			return 0, err
		}
		msg, err := vm.Translate(r1, r2, false)
		if err != nil {
			return 0, err
		}
		if !utf8.Valid(msg) {
			return 0, ErrInvalidString
		}
		ctx.Log("Program log: " + string(msg))
		return 0, nil
	})

	r.Register("sol_log_64_", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(svm.CULog64); err != nil {
			return 0, err
		}
		ctx.Log(fmt.Sprintf("Program log: %#x, %#x, %#x, %#x, %#x", r1, r2, r3, r4, r5))
		return 0, nil
	})

	r.Register("sol_log_pubkey", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(svm.CULogPubkey); err != nil {
			return 0, err
		}
		key, err := readPubkey(vm, r1)
		if err != nil {
			return 0, err
		}
		ctx.Log("Program log: " + key.String())
		return 0, nil
	})

	r.Register("sol_log_compute_units_", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(svm.CUSyscallBase); err != nil {
			return 0, err
		}
		ctx.Log(fmt.Sprintf("Program consumption: %d units remaining", ctx.RemainingCU()))
		return 0, nil
	})

	r.Register("sol_log_data", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(svm.CUSyscallBase); err != nil {
			return 0, err
		}
		slices, err := readSlices(vm, r1, r2)
		if err != nil {
			return 0, err
		}
		if err := ctx.ConsumeCU(svm.CUSyscallBase * uint64(len(slices))); err != nil {
			return 0, err
		}
		var total uint64
		for _, s := range slices {
			total += uint64(len(s))
		}
		if err := ctx.ConsumeCU(total); err != nil {
			return 0, err
		}
		ctx.Log("Program data: " + encodeLogData(slices))
		return 0, nil
	})
}

func (r *Registry) registerMisc() {
	r.Register("abort", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return 0, ErrAbort
	})

	r.Register("sol_panic_", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(r2); err != nil {
			return 0, err
		}
		file, err := vm.Translate(r1, r2, false)
		if err != nil {
			return 0, err
		}
		if !utf8.Valid(file) {
			return 0, ErrInvalidString
		}
		return 0, &PanicError{File: string(file), Line: r3, Column: r4}
	})

	r.Register("sol_set_return_data", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(r2/svm.CUCpiBytesPerUnit + svm.CUSyscallBase); err != nil {
			return 0, err
		}
		if r2 > svm.MaxReturnData {
			return 0, &ReturnDataTooLargeError{Len: r2, Max: svm.MaxReturnData}
		}
		var data []byte
		if r2 > 0 {
			mem, err := vm.Translate(r1, r2, false)
			if err != nil {
				return 0, err
			}
			data = append([]byte(nil), mem...)
		}
		return 0, ctx.SetReturnData(ctx.ProgramID(), data)
	})

	r.Register("sol_get_return_data", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(svm.CUSyscallBase); err != nil {
			return 0, err
		}
		programID, data := ctx.ReturnData()
		n := min(uint64(len(data)), r2)
		if n > 0 {
			if err := ctx.ConsumeCU((n + pubkeyLen) / svm.CUCpiBytesPerUnit); err != nil {
				return 0, err
			}
			if err := vm.Write(r1, data[:n]); err != nil {
				return 0, err
			}
			if err := vm.Write(r3, programID[:]); err != nil {
				return 0, err
			}
		}
		return uint64(len(data)), nil
	})

	r.Register("sol_get_stack_height", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(svm.CUSyscallBase); err != nil {
			return 0, err
		}
		return uint64(ctx.StackHeight()), nil
	})
}

func readPubkey(vm sbpf.VM, addr uint64) (types.Pubkey, error) {
	var key types.Pubkey
	err := vm.Read(addr, key[:])
	return key, err
}

// readSlices translates an array of (ptr, len) descriptors.
func readSlices(vm sbpf.VM, addr, count uint64) ([][]byte, error) {
	if count == 0 {
		return nil, nil
	}
	if count > MaxHashSlices {
		return nil, ErrTooManySlices
	}
	desc, err := vm.Translate(addr, count*vecDescriptorLen, false)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, count)
	for i := range out {
		ptr := binary.LittleEndian.Uint64(desc[i*vecDescriptorLen:])
		n := binary.LittleEndian.Uint64(desc[i*vecDescriptorLen+8:])
		if n == 0 {
			out[i] = []byte{}
			continue
		}
		out[i], err = vm.Translate(ptr, n, false)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func encodeLogData(slices [][]byte) string {
	parts := make([]string, len(slices))
	for i, s := range slices {
		parts[i] = base64.StdEncoding.EncodeToString(s)
	}
	return strings.Join(parts, " ")
}
