// Package executor runs sBPF programs against instruction accounts.
//
// It owns the program input ABI: accounts and instruction data are
// serialized into the aligned parameter layout the cluster uses, the
// program runs over that buffer, and the buffer is parsed back into the
// accounts afterwards.
package executor

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/sbpf"
	"github.com/fortiblox/svmsim/pkg/svm/syscall"
)

// Executor errors.
var (
	ErrInvalidParameters   = errors.New("invalid serialized parameters")
	ErrInstructionTooLarge = errors.New("instruction data too large")
)

// Layout constants of the aligned input.
const (
	MaxInstructionDataSize = 10 * 1024

	nonDupMarker   = 0xff
	alignment      = 8
	accountHeader  = 1 + 1 + 1 + 1 + 4 + 32 + 32 + 8 + 8
	dupEntrySize   = 8
	originalLenOff = 4
)

// AccountInfo is one instruction account as handed to a program. Account
// is shared with the caller and updated in place by Deserialize.
type AccountInfo struct {
	Key        types.Pubkey
	Account    *accounts.Account
	IsSigner   bool
	IsWritable bool
}

// serializedAccount records where an account was written.
type serializedAccount struct {
	dupOf       int
	offset      int
	originalLen int
}

// Parameters is a serialized program input.
type Parameters struct {
	Buffer   []byte
	accounts []serializedAccount
}

// Serialize writes the program input for an instruction.
//
// Layout:
//   - num_accounts (u64)
//   - per account, either a duplicate entry (index byte plus 7 bytes of
//     padding) or: 0xff, is_signer, is_writable, executable, original
//     data length (u32), key, owner, lamports (u64), data_len (u64),
//     data, 10 KiB of realloc space, padding to 8 bytes, rent_epoch (u64)
//   - instruction data length (u64) and bytes
//   - program id
func Serialize(programID types.Pubkey, infos []*AccountInfo, data []byte) (*Parameters, error) {
	if len(data) > MaxInstructionDataSize {
		return nil, ErrInstructionTooLarge
	}
	p := &Parameters{accounts: make([]serializedAccount, len(infos))}

	size := 8
	for i, info := range infos {
		p.accounts[i].dupOf = -1
		for j := 0; j < i; j++ {
			if infos[j].Key == info.Key {
				p.accounts[i].dupOf = j
				break
			}
		}
		if p.accounts[i].dupOf >= 0 {
			size += dupEntrySize
			continue
		}
		dataLen := len(info.Account.Data)
		size += accountHeader + dataLen + syscall.MaxPermittedDataIncrease + padding(dataLen) + 8
	}
	size += 8 + len(data) + types.PubkeySize

	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf, uint64(len(infos)))
	off := 8
	for i, info := range infos {
		sa := &p.accounts[i]
		if sa.dupOf >= 0 {
			buf[off] = byte(sa.dupOf)
			off += dupEntrySize
			continue
		}
		acct := info.Account
		sa.offset = off
		sa.originalLen = len(acct.Data)

		buf[off] = nonDupMarker
		buf[off+1] = boolByte(info.IsSigner)
		buf[off+2] = boolByte(info.IsWritable)
		buf[off+3] = boolByte(acct.Executable)
		binary.LittleEndian.PutUint32(buf[off+originalLenOff:], uint32(len(acct.Data)))
		off += 8
		off += copy(buf[off:], info.Key[:])
		off += copy(buf[off:], acct.Owner[:])
		binary.LittleEndian.PutUint64(buf[off:], acct.Lamports)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(len(acct.Data)))
		off += 8
		off += copy(buf[off:], acct.Data)
		off += syscall.MaxPermittedDataIncrease + padding(len(acct.Data))
		binary.LittleEndian.PutUint64(buf[off:], acct.RentEpoch)
		off += 8
	}

	binary.LittleEndian.PutUint64(buf[off:], uint64(len(data)))
	off += 8
	off += copy(buf[off:], data)
	copy(buf[off:], programID[:])

	p.Buffer = buf
	return p, nil
}

// Deserialize applies the program's changes in the buffer to the accounts.
// Changes are copied without validation; the caller checks them against
// the pre-instruction state.
func Deserialize(p *Parameters, infos []*AccountInfo) error {
	if len(infos) != len(p.accounts) {
		return fmt.Errorf("%w: %d accounts serialized, %d given", ErrInvalidParameters, len(p.accounts), len(infos))
	}
	buf := p.Buffer
	for i, info := range infos {
		sa := p.accounts[i]
		if sa.dupOf >= 0 {
			continue
		}
		off := sa.offset + 8 + types.PubkeySize
		var owner types.Pubkey
		copy(owner[:], buf[off:off+types.PubkeySize])
		off += types.PubkeySize
		lamports := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		dataLen := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		if dataLen > uint64(sa.originalLen+syscall.MaxPermittedDataIncrease) {
			return svm.ErrInvalidRealloc
		}

		acct := info.Account
		acct.Lamports = lamports
		acct.Owner = owner
		if int(dataLen) != len(acct.Data) {
			acct.Data = make([]byte, dataLen)
		}
		copy(acct.Data, buf[off:off+int(dataLen)])
	}
	return nil
}

// Request describes one program invocation.
type Request struct {
	Program   *sbpf.Program
	ProgramID types.Pubkey
	Accounts  []*AccountInfo
	Data      []byte
	Meter     sbpf.Meter

	// Context is handed to syscalls.
	Context  syscall.Context
	HeapSize uint64
}

// Result is the outcome of a completed run.
type Result struct {
	// ReturnValue is r0 at exit.
	ReturnValue uint64

	// Instructions is the number of sBPF instructions executed.
	Instructions uint64
}

// Executor runs programs with a fixed syscall registry.
type Executor struct {
	syscalls     *syscall.Registry
	maxCallDepth int
}

// NewExecutor creates an executor.
func NewExecutor(syscalls *syscall.Registry, maxCallDepth int) *Executor {
	return &Executor{syscalls: syscalls, maxCallDepth: maxCallDepth}
}

// Execute serializes the accounts, runs the program and, when it returns
// success, writes its changes back. The returned error is a VM error; a
// non-zero return value is reported in Result.
func (e *Executor) Execute(req Request) (*Result, error) {
	params, err := Serialize(req.ProgramID, req.Accounts, req.Data)
	if err != nil {
		return nil, err
	}
	ip, err := sbpf.NewInterpreter(req.Program, params.Buffer, sbpf.Config{
		HeapSize:     req.HeapSize,
		MaxCallDepth: e.maxCallDepth,
		Syscalls:     e.syscalls.Lookup(),
		Meter:        req.Meter,
		Context:      req.Context,
	})
	if err != nil {
		return nil, err
	}

	r0, err := ip.Run()
	res := &Result{ReturnValue: r0, Instructions: ip.Executed()}
	if err != nil || r0 != 0 {
		return res, err
	}
	if err := Deserialize(params, req.Accounts); err != nil {
		return res, err
	}
	return res, nil
}

func padding(n int) int {
	return (alignment - n%alignment) % alignment
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
