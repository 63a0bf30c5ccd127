// Package bpfloader implements the management instructions of the BPF
// loaders. Executing programs the loaders own is handled by the runtime
// through the program cache; these builtins only run when a transaction
// invokes a loader address directly.
package bpfloader

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/runtime"
)

// Builtin account names.
const (
	UpgradeableName = "solana_bpf_loader_upgradeable_program"
	LegacyName      = "solana_bpf_loader_program"
)

// Upgradeable loader instruction discriminants.
const (
	InstructionInitializeBuffer uint32 = iota
	InstructionWrite
	InstructionDeployWithMaxDataLen
	InstructionUpgrade
	InstructionSetAuthority
	InstructionClose
	InstructionExtendProgram
	InstructionSetAuthorityChecked
)

// Instruction is a decoded upgradeable loader instruction. Only the
// fields of Kind are set.
type Instruction struct {
	Kind   uint32
	Offset uint32
	Bytes  []byte
}

// UnmarshalWithDecoder reads the bincode form.
func (ix *Instruction) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if ix.Kind, err = dec.ReadUint32(bin.LE); err != nil {
		return err
	}
	if ix.Kind != InstructionWrite {
		return nil
	}
	if ix.Offset, err = dec.ReadUint32(bin.LE); err != nil {
		return err
	}
	n, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return err
	}
	if n > uint64(dec.Remaining()) {
		return fmt.Errorf("bpfloader: write of %d bytes exceeds instruction data", n)
	}
	ix.Bytes, err = dec.ReadNBytes(int(n))
	return err
}

// MarshalWithEncoder writes the bincode form.
func (ix Instruction) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint32(ix.Kind, bin.LE); err != nil {
		return err
	}
	if ix.Kind != InstructionWrite {
		return nil
	}
	if err := enc.WriteUint32(ix.Offset, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint64(uint64(len(ix.Bytes)), bin.LE); err != nil {
		return err
	}
	return enc.WriteBytes(ix.Bytes, false)
}

// Encode returns the bincode form.
func (ix Instruction) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := ix.MarshalWithEncoder(bin.NewBinEncoder(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LegacyEntrypoint is the builtin for the non-upgradeable loaders, whose
// management instructions are all retired.
func LegacyEntrypoint(ic *runtime.InvokeContext) error {
	if err := ic.ConsumeCU(svm.CUBPFLoaderDefault); err != nil {
		return err
	}
	ic.Log("Unsupported BPF Loader instruction")
	return svm.ErrUnsupportedProgramID
}

// UpgradeableEntrypoint is the builtin for the upgradeable loader.
// Buffer management is supported. Deploying, upgrading and extending
// programs is not.
func UpgradeableEntrypoint(ic *runtime.InvokeContext) error {
	if err := ic.ConsumeCU(svm.CUUpgradeableLoader); err != nil {
		return err
	}
	frame := ic.Instruction()
	var ix Instruction
	if err := ix.UnmarshalWithDecoder(bin.NewBinDecoder(frame.Data())); err != nil {
		return svm.ErrInvalidInstructionData
	}
	l := &loader{ic: ic, frame: frame}

	switch ix.Kind {
	case InstructionInitializeBuffer:
		return l.initializeBuffer()
	case InstructionWrite:
		return l.write(ix.Offset, ix.Bytes)
	case InstructionSetAuthority:
		return l.setAuthority()
	case InstructionClose:
		return l.close()
	case InstructionDeployWithMaxDataLen, InstructionUpgrade,
		InstructionExtendProgram, InstructionSetAuthorityChecked:
		ic.Log(fmt.Sprintf("Upgradeable loader instruction %d is not supported in simulation", ix.Kind))
		return svm.ErrUnsupportedProgramID
	default:
		return svm.ErrInvalidInstructionData
	}
}

type loader struct {
	ic    *runtime.InvokeContext
	frame *runtime.InstructionContext
}

func (l *loader) state(acct *runtime.BorrowedAccount) (State, error) {
	s, err := DecodeState(acct.Data())
	if err != nil {
		return State{}, svm.ErrInvalidAccountData
	}
	return s, nil
}

// storeState writes s over the start of the account data.
func (l *loader) storeState(acct *runtime.BorrowedAccount, s State) error {
	enc, err := s.Encode()
	if err != nil {
		return svm.ErrInvalidAccountData
	}
	if len(acct.Data()) < len(enc) {
		return svm.ErrAccountDataTooSmall
	}
	data := append([]byte(nil), acct.Data()...)
	copy(data, enc)
	return acct.SetData(data)
}

// checkAuthority verifies that instruction account i is the signing
// holder of authority.
func (l *loader) checkAuthority(authority *types.Pubkey, i int, what string) error {
	if authority == nil {
		l.ic.Log(what + " is immutable")
		return svm.ErrImmutable
	}
	key, err := l.frame.Key(i)
	if err != nil {
		return err
	}
	if *authority != key {
		l.ic.Log("Incorrect " + what + " provided")
		return svm.ErrIncorrectAuthority
	}
	if !l.frame.IsSigner(i) {
		l.ic.Log(what + " did not sign")
		return svm.ErrMissingRequiredSignature
	}
	return nil
}

func (l *loader) initializeBuffer() error {
	if err := l.frame.CheckNumAccounts(2); err != nil {
		return err
	}
	buffer, err := l.frame.Account(0)
	if err != nil {
		return err
	}
	s, err := l.state(buffer)
	if err != nil {
		return err
	}
	if s.Type != StateUninitialized {
		l.ic.Log("Buffer account already initialized")
		return svm.ErrAccountAlreadyInitialized
	}
	authority, _ := l.frame.Key(1)
	return l.storeState(buffer, State{Type: StateBuffer, Authority: &authority})
}

func (l *loader) write(offset uint32, payload []byte) error {
	if err := l.frame.CheckNumAccounts(2); err != nil {
		return err
	}
	buffer, err := l.frame.Account(0)
	if err != nil {
		return err
	}
	s, err := l.state(buffer)
	if err != nil {
		return err
	}
	if s.Type != StateBuffer {
		l.ic.Log("Invalid Buffer account")
		return svm.ErrInvalidAccountData
	}
	if err := l.checkAuthority(s.Authority, 1, "Buffer authority"); err != nil {
		return err
	}
	start := BufferMetadataSize + int(offset)
	end := start + len(payload)
	if end > len(buffer.Data()) {
		l.ic.Log(fmt.Sprintf("Write overflow: %d < %d", len(buffer.Data()), end))
		return svm.ErrAccountDataTooSmall
	}
	data := append([]byte(nil), buffer.Data()...)
	copy(data[start:end], payload)
	return buffer.SetData(data)
}

func (l *loader) setAuthority() error {
	if err := l.frame.CheckNumAccounts(2); err != nil {
		return err
	}
	acct, err := l.frame.Account(0)
	if err != nil {
		return err
	}
	var next *types.Pubkey
	if key, err := l.frame.Key(2); err == nil {
		next = &key
	}
	s, err := l.state(acct)
	if err != nil {
		return err
	}

	switch s.Type {
	case StateBuffer:
		if next == nil {
			l.ic.Log("Buffer authority is not optional")
			return svm.ErrIncorrectAuthority
		}
		if err := l.checkAuthority(s.Authority, 1, "Buffer authority"); err != nil {
			return err
		}
	case StateProgramData:
		if err := l.checkAuthority(s.Authority, 1, "Upgrade authority"); err != nil {
			return err
		}
	default:
		l.ic.Log("Account does not support authorities")
		return svm.ErrInvalidArgument
	}
	s.Authority = next
	if err := l.storeState(acct, s); err != nil {
		return err
	}
	if next == nil {
		l.ic.Log("New authority None")
	} else {
		l.ic.Log(fmt.Sprintf("New authority Some(%s)", *next))
	}
	return nil
}

func (l *loader) close() error {
	if err := l.frame.CheckNumAccounts(2); err != nil {
		return err
	}
	closeKey, _ := l.frame.Key(0)
	recipientKey, _ := l.frame.Key(1)
	if closeKey == recipientKey {
		l.ic.Log("Recipient is the same as the account being closed")
		return svm.ErrInvalidArgument
	}
	acct, err := l.frame.Account(0)
	if err != nil {
		return err
	}
	s, err := l.state(acct)
	if err != nil {
		return err
	}

	switch s.Type {
	case StateUninitialized:
	case StateBuffer:
		if err := l.frame.CheckNumAccounts(3); err != nil {
			return err
		}
		if err := l.checkAuthority(s.Authority, 2, "Buffer authority"); err != nil {
			return err
		}
	case StateProgramData:
		if err := l.frame.CheckNumAccounts(4); err != nil {
			return err
		}
		program, err := l.frame.Account(3)
		if err != nil {
			return err
		}
		if !program.IsWritable() {
			l.ic.Log("Program account is not writable")
			return svm.ErrInvalidArgument
		}
		if program.Owner() != l.frame.ProgramID() {
			l.ic.Log("Program account not owned by loader")
			return svm.ErrIncorrectProgramID
		}
		addr, err := ProgramDataAddress(program.Data())
		if err != nil || addr != closeKey {
			l.ic.Log("ProgramData account does not match ProgramData account")
			return svm.ErrInvalidArgument
		}
		if err := l.checkAuthority(s.Authority, 2, "Upgrade authority"); err != nil {
			return err
		}
	default:
		l.ic.Log("Account does not support closing")
		return svm.ErrInvalidArgument
	}

	recipient, err := l.frame.Account(1)
	if err != nil {
		return err
	}
	if err := recipient.CheckedAddLamports(acct.Lamports()); err != nil {
		return err
	}
	if err := acct.SetLamports(0); err != nil {
		return err
	}
	if s.Type != StateUninitialized {
		if err := acct.SetDataLength(UninitializedSize); err != nil {
			return err
		}
		if err := l.storeState(acct, State{Type: StateUninitialized}); err != nil {
			return err
		}
	}
	l.ic.Log(fmt.Sprintf("Closed %s", closeKey))
	return nil
}
