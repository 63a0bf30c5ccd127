package syscall

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/sbpf"
)

// MaxPermittedDataIncrease is how far an account may grow during one
// instruction.
const MaxPermittedDataIncrease = 10 * 1024

// AccountMeta describes one account of a cross-program instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction is an instruction issued by a program through CPI.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// CallerAccount is an account info a calling program passed to
// sol_invoke_signed. It points into the caller's serialized input so the
// callee's changes can be written back.
type CallerAccount struct {
	Key        types.Pubkey
	IsSigner   bool
	IsWritable bool
	Executable bool
	RentEpoch  uint64

	vm                sbpf.VM
	lamportsAddr      uint64
	ownerAddr         uint64
	dataAddr          uint64
	dataLen           uint64
	lenFieldAddr      uint64
	serializedLenAddr uint64
	originalLen       uint64
}

// DataLen returns the data length the caller currently sees.
func (c *CallerAccount) DataLen() uint64 { return c.dataLen }

// Load reads the caller's view of the account.
func (c *CallerAccount) Load() (*accounts.Account, error) {
	lamports, err := c.vm.Read64(c.lamportsAddr)
	if err != nil {
		return nil, err
	}
	var owner types.Pubkey
	if err := c.vm.Read(c.ownerAddr, owner[:]); err != nil {
		return nil, err
	}
	data := make([]byte, c.dataLen)
	if c.dataLen > 0 {
		if err := c.vm.Read(c.dataAddr, data); err != nil {
			return nil, err
		}
	}
	return &accounts.Account{
		Lamports:   lamports,
		Owner:      owner,
		Data:       data,
		Executable: c.Executable,
		RentEpoch:  c.RentEpoch,
	}, nil
}

// Store writes a callee's result back into the caller's memory.
func (c *CallerAccount) Store(acct *accounts.Account) error {
	if err := c.vm.Write64(c.lamportsAddr, acct.Lamports); err != nil {
		return err
	}
	if err := c.vm.Write(c.ownerAddr, acct.Owner[:]); err != nil {
		return err
	}
	newLen := uint64(len(acct.Data))
	if newLen != c.dataLen {
		if newLen > c.originalLen+MaxPermittedDataIncrease {
			return svm.ErrInvalidRealloc
		}
		if newLen < c.dataLen {
			tail, err := c.vm.Translate(c.dataAddr+newLen, c.dataLen-newLen, true)
			if err != nil {
				return err
			}
			clear(tail)
		}
		if err := c.vm.Write64(c.lenFieldAddr, newLen); err != nil {
			return err
		}
		if err := c.vm.Write64(c.serializedLenAddr, newLen); err != nil {
			return err
		}
		c.dataLen = newLen
	}
	if newLen > 0 {
		return c.vm.Write(c.dataAddr, acct.Data)
	}
	return nil
}

// newCallerAccount fills in the fields shared by both ABIs.
func newCallerAccount(vm sbpf.VM, key types.Pubkey, lamportsAddr, ownerAddr, dataAddr, dataLen, lenFieldAddr uint64) (*CallerAccount, error) {
	orig, err := vm.Read32(dataAddr - 84)
	if err != nil {
		return nil, err
	}
	return &CallerAccount{
		Key:               key,
		vm:                vm,
		lamportsAddr:      lamportsAddr,
		ownerAddr:         ownerAddr,
		dataAddr:          dataAddr,
		dataLen:           dataLen,
		lenFieldAddr:      lenFieldAddr,
		serializedLenAddr: dataAddr - 8,
		originalLen:       uint64(orig),
	}, nil
}

// Layouts of the C ABI structs.
const (
	cInstructionSize = 40
	cAccountMetaSize = 16
	cAccountInfoSize = 56
)

// Layouts of the Rust ABI structs.
const (
	rustInstructionSize = 80
	rustAccountMetaSize = 34
	rustAccountInfoSize = 48
	rcBoxValueOffset    = 24
)

type abi struct {
	readInstruction  func(vm sbpf.VM, addr uint64) (Instruction, error)
	readAccountInfos func(vm sbpf.VM, addr, n uint64) ([]*CallerAccount, error)
}

func (r *Registry) registerCPI() {
	c := abi{readInstruction: readInstructionC, readAccountInfos: readAccountInfosC}
	rust := abi{readInstruction: readInstructionRust, readAccountInfos: readAccountInfosRust}
	r.Register("sol_invoke_signed_c", invokeSigned(c))
	r.Register("sol_invoke_signed_rust", invokeSigned(rust))
}

func invokeSigned(a abi) func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(svm.CUInvokeBase); err != nil {
			return 0, err
		}
		ix, err := a.readInstruction(vm, r1)
		if err != nil {
			return 0, err
		}
		if err := ctx.ConsumeCU(uint64(len(ix.Data)) / svm.CUCpiBytesPerUnit); err != nil {
			return 0, err
		}
		signers, err := readSigners(vm, ctx.ProgramID(), r4, r5)
		if err != nil {
			return 0, err
		}
		if r3 > svm.MaxCPIAccountInfos {
			return 0, ErrTooManyAccountInfos
		}
		infos, err := a.readAccountInfos(vm, r2, r3)
		if err != nil {
			return 0, err
		}
		if err := ctx.Invoke(ix, signers, infos); err != nil {
			return 0, err
		}
		return 0, nil
	}
}

func checkInstructionSize(accounts, dataLen uint64) error {
	if dataLen > MaxCPIDataLen {
		return fmt.Errorf("Invoked an instruction with data that is too large (%d > %d)", dataLen, MaxCPIDataLen)
	}
	if accounts > MaxCPIAccounts {
		return fmt.Errorf("Invoked an instruction with too many accounts (%d > %d)", accounts, MaxCPIAccounts)
	}
	return nil
}

func readInstructionC(vm sbpf.VM, addr uint64) (Instruction, error) {
	raw, err := vm.Translate(addr, cInstructionSize, false)
	if err != nil {
		return Instruction{}, err
	}
	programIDAddr := binary.LittleEndian.Uint64(raw[0:])
	metasAddr := binary.LittleEndian.Uint64(raw[8:])
	metasLen := binary.LittleEndian.Uint64(raw[16:])
	dataAddr := binary.LittleEndian.Uint64(raw[24:])
	dataLen := binary.LittleEndian.Uint64(raw[32:])
	if err := checkInstructionSize(metasLen, dataLen); err != nil {
		return Instruction{}, err
	}

	var ix Instruction
	if ix.ProgramID, err = readPubkey(vm, programIDAddr); err != nil {
		return Instruction{}, err
	}
	if metasLen > 0 {
		metas, err := vm.Translate(metasAddr, metasLen*cAccountMetaSize, false)
		if err != nil {
			return Instruction{}, err
		}
		ix.Accounts = make([]AccountMeta, metasLen)
		for i := range ix.Accounts {
			m := metas[i*cAccountMetaSize:]
			key, err := readPubkey(vm, binary.LittleEndian.Uint64(m))
			if err != nil {
				return Instruction{}, err
			}
			ix.Accounts[i] = AccountMeta{Pubkey: key, IsWritable: m[8] != 0, IsSigner: m[9] != 0}
		}
	}
	ix.Data, err = copyBytes(vm, dataAddr, dataLen)
	return ix, err
}

func readInstructionRust(vm sbpf.VM, addr uint64) (Instruction, error) {
	raw, err := vm.Translate(addr, rustInstructionSize, false)
	if err != nil {
		return Instruction{}, err
	}
	metasAddr := binary.LittleEndian.Uint64(raw[0:])
	metasLen := binary.LittleEndian.Uint64(raw[16:])
	dataAddr := binary.LittleEndian.Uint64(raw[24:])
	dataLen := binary.LittleEndian.Uint64(raw[40:])
	if err := checkInstructionSize(metasLen, dataLen); err != nil {
		return Instruction{}, err
	}

	var ix Instruction
	copy(ix.ProgramID[:], raw[48:80])
	if metasLen > 0 {
		metas, err := vm.Translate(metasAddr, metasLen*rustAccountMetaSize, false)
		if err != nil {
			return Instruction{}, err
		}
		ix.Accounts = make([]AccountMeta, metasLen)
		for i := range ix.Accounts {
			m := metas[i*rustAccountMetaSize:]
			var key types.Pubkey
			copy(key[:], m[:32])
			ix.Accounts[i] = AccountMeta{Pubkey: key, IsSigner: m[32] != 0, IsWritable: m[33] != 0}
		}
	}
	ix.Data, err = copyBytes(vm, dataAddr, dataLen)
	return ix, err
}

func readAccountInfosC(vm sbpf.VM, addr, n uint64) ([]*CallerAccount, error) {
	if n == 0 {
		return nil, nil
	}
	raw, err := vm.Translate(addr, n*cAccountInfoSize, false)
	if err != nil {
		return nil, err
	}
	out := make([]*CallerAccount, n)
	for i := range out {
		info := raw[i*cAccountInfoSize:]
		infoAddr := addr + uint64(i)*cAccountInfoSize
		key, err := readPubkey(vm, binary.LittleEndian.Uint64(info[0:]))
		if err != nil {
			return nil, err
		}
		ca, err := newCallerAccount(vm, key,
			binary.LittleEndian.Uint64(info[8:]),
			binary.LittleEndian.Uint64(info[32:]),
			binary.LittleEndian.Uint64(info[24:]),
			binary.LittleEndian.Uint64(info[16:]),
			infoAddr+16,
		)
		if err != nil {
			return nil, err
		}
		ca.RentEpoch = binary.LittleEndian.Uint64(info[40:])
		ca.IsSigner = info[48] != 0
		ca.IsWritable = info[49] != 0
		ca.Executable = info[50] != 0
		out[i] = ca
	}
	return out, nil
}

func readAccountInfosRust(vm sbpf.VM, addr, n uint64) ([]*CallerAccount, error) {
	if n == 0 {
		return nil, nil
	}
	raw, err := vm.Translate(addr, n*rustAccountInfoSize, false)
	if err != nil {
		return nil, err
	}
	out := make([]*CallerAccount, n)
	for i := range out {
		info := raw[i*rustAccountInfoSize:]
		key, err := readPubkey(vm, binary.LittleEndian.Uint64(info[0:]))
		if err != nil {
			return nil, err
		}
		lamportsBox := binary.LittleEndian.Uint64(info[8:])
		lamportsAddr, err := vm.Read64(lamportsBox + rcBoxValueOffset)
		if err != nil {
			return nil, err
		}
		dataBox := binary.LittleEndian.Uint64(info[16:])
		dataAddr, err := vm.Read64(dataBox + rcBoxValueOffset)
		if err != nil {
			return nil, err
		}
		dataLen, err := vm.Read64(dataBox + rcBoxValueOffset + 8)
		if err != nil {
			return nil, err
		}
		ca, err := newCallerAccount(vm, key, lamportsAddr,
			binary.LittleEndian.Uint64(info[24:]),
			dataAddr, dataLen, dataBox+rcBoxValueOffset+8,
		)
		if err != nil {
			return nil, err
		}
		ca.RentEpoch = binary.LittleEndian.Uint64(info[32:])
		ca.IsSigner = info[40] != 0
		ca.IsWritable = info[41] != 0
		ca.Executable = info[42] != 0
		out[i] = ca
	}
	return out, nil
}

// readSigners derives the PDAs the calling program signs for.
func readSigners(vm sbpf.VM, programID types.Pubkey, addr, n uint64) ([]types.Pubkey, error) {
	if n == 0 {
		return nil, nil
	}
	if n > MaxSigners {
		return nil, ErrTooManySigners
	}
	groups, err := vm.Translate(addr, n*vecDescriptorLen, false)
	if err != nil {
		return nil, err
	}
	signers := make([]types.Pubkey, 0, n)
	for i := uint64(0); i < n; i++ {
		seedsAddr := binary.LittleEndian.Uint64(groups[i*vecDescriptorLen:])
		seedsLen := binary.LittleEndian.Uint64(groups[i*vecDescriptorLen+8:])
		if seedsLen > MaxSignerSeeds {
			return nil, fmt.Errorf("%w: %w", ErrBadSeeds, types.ErrMaxSeedLengthExceeded)
		}
		seeds, err := readSlices(vm, seedsAddr, seedsLen)
		if err != nil {
			return nil, err
		}
		pda, err := types.CreateProgramAddress(seeds, programID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadSeeds, err)
		}
		signers = append(signers, pda)
	}
	return signers, nil
}

func copyBytes(vm sbpf.VM, addr, n uint64) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	out := make([]byte, n)
	if err := vm.Read(addr, out); err != nil {
		return nil, err
	}
	return out, nil
}
