// Package system implements the System Program.
//
// The System Program is responsible for:
// - Creating new accounts
// - Transferring lamports
// - Assigning account ownership
// - Allocating account space
// - Deriving accounts from a base address and seed
package system

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/runtime"
)

// Name is the builtin account name the program is registered under.
const Name = "system_program"

// Instruction discriminants.
const (
	InstructionCreateAccount uint32 = iota
	InstructionAssign
	InstructionTransfer
	InstructionCreateAccountWithSeed
	InstructionAdvanceNonceAccount
	InstructionWithdrawNonceAccount
	InstructionInitializeNonceAccount
	InstructionAuthorizeNonceAccount
	InstructionAllocate
	InstructionAllocateWithSeed
	InstructionAssignWithSeed
	InstructionTransferWithSeed
	InstructionUpgradeNonceAccount
)

// Program errors, reported as custom error codes.
const (
	ErrAccountAlreadyInUse        = svm.CustomError(0)
	ErrResultWithNegativeLamports = svm.CustomError(1)
	ErrInvalidProgramID           = svm.CustomError(2)
	ErrInvalidAccountDataLength   = svm.CustomError(3)
	ErrMaxSeedLengthExceeded      = svm.CustomError(4)
	ErrAddressWithSeedMismatch    = svm.CustomError(5)
)

// ErrNonceUnsupported is returned for durable nonce instructions, which
// need the recent blockhashes sysvar a snapshot does not carry.
var ErrNonceUnsupported = errors.New("system: durable nonce instructions are not supported")

// Instruction is a decoded System Program instruction.
type Instruction struct {
	Kind     uint32
	Lamports uint64
	Space    uint64
	Owner    types.Pubkey
	Base     types.Pubkey
	Seed     string

	// FromSeed and FromOwner derive the source of TransferWithSeed.
	FromSeed  string
	FromOwner types.Pubkey
}

// UnmarshalWithDecoder decodes the bincode form of an instruction.
func (ix *Instruction) UnmarshalWithDecoder(dec *bin.Decoder) error {
	var err error
	if ix.Kind, err = dec.ReadUint32(bin.LE); err != nil {
		return err
	}
	switch ix.Kind {
	case InstructionCreateAccount:
		if ix.Lamports, err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
		if ix.Space, err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
		return readPubkey(dec, &ix.Owner)
	case InstructionAssign:
		return readPubkey(dec, &ix.Owner)
	case InstructionTransfer:
		ix.Lamports, err = dec.ReadUint64(bin.LE)
		return err
	case InstructionCreateAccountWithSeed:
		if err := readPubkey(dec, &ix.Base); err != nil {
			return err
		}
		if ix.Seed, err = dec.ReadRustString(); err != nil {
			return err
		}
		if ix.Lamports, err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
		if ix.Space, err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
		return readPubkey(dec, &ix.Owner)
	case InstructionAllocate:
		ix.Space, err = dec.ReadUint64(bin.LE)
		return err
	case InstructionAllocateWithSeed:
		if err := readPubkey(dec, &ix.Base); err != nil {
			return err
		}
		if ix.Seed, err = dec.ReadRustString(); err != nil {
			return err
		}
		if ix.Space, err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
		return readPubkey(dec, &ix.Owner)
	case InstructionAssignWithSeed:
		if err := readPubkey(dec, &ix.Base); err != nil {
			return err
		}
		if ix.Seed, err = dec.ReadRustString(); err != nil {
			return err
		}
		return readPubkey(dec, &ix.Owner)
	case InstructionTransferWithSeed:
		if ix.Lamports, err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
		if ix.FromSeed, err = dec.ReadRustString(); err != nil {
			return err
		}
		return readPubkey(dec, &ix.FromOwner)
	case InstructionAdvanceNonceAccount, InstructionWithdrawNonceAccount,
		InstructionInitializeNonceAccount, InstructionAuthorizeNonceAccount,
		InstructionUpgradeNonceAccount:
		return nil
	default:
		return fmt.Errorf("unknown system instruction %d", ix.Kind)
	}
}

// MarshalWithEncoder encodes the instruction in bincode form.
func (ix Instruction) MarshalWithEncoder(enc *bin.Encoder) error {
	var steps []func() error
	u64 := func(v uint64) func() error { return func() error { return enc.WriteUint64(v, bin.LE) } }
	key := func(k types.Pubkey) func() error { return func() error { return enc.WriteBytes(k[:], false) } }
	str := func(s string) func() error { return func() error { return enc.WriteRustString(s) } }

	switch ix.Kind {
	case InstructionCreateAccount:
		steps = append(steps, u64(ix.Lamports), u64(ix.Space), key(ix.Owner))
	case InstructionAssign:
		steps = append(steps, key(ix.Owner))
	case InstructionTransfer:
		steps = append(steps, u64(ix.Lamports))
	case InstructionCreateAccountWithSeed:
		steps = append(steps, key(ix.Base), str(ix.Seed), u64(ix.Lamports), u64(ix.Space), key(ix.Owner))
	case InstructionAllocate:
		steps = append(steps, u64(ix.Space))
	case InstructionAllocateWithSeed:
		steps = append(steps, key(ix.Base), str(ix.Seed), u64(ix.Space), key(ix.Owner))
	case InstructionAssignWithSeed:
		steps = append(steps, key(ix.Base), str(ix.Seed), key(ix.Owner))
	case InstructionTransferWithSeed:
		steps = append(steps, u64(ix.Lamports), str(ix.FromSeed), key(ix.FromOwner))
	default:
		return fmt.Errorf("cannot encode system instruction %d", ix.Kind)
	}
	if err := enc.WriteUint32(ix.Kind, bin.LE); err != nil {
		return err
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// Encode returns the instruction data.
func (ix Instruction) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := ix.MarshalWithEncoder(bin.NewBinEncoder(buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readPubkey(dec *bin.Decoder, out *types.Pubkey) error {
	b, err := dec.ReadNBytes(types.PubkeySize)
	if err != nil {
		return err
	}
	copy(out[:], b)
	return nil
}

// Entrypoint is the builtin entrypoint of the System Program.
func Entrypoint(ic *runtime.InvokeContext) error {
	if err := ic.ConsumeCU(svm.CUSystemProgramDefault); err != nil {
		return err
	}
	frame := ic.Instruction()

	var ix Instruction
	if err := ix.UnmarshalWithDecoder(bin.NewBinDecoder(frame.Data())); err != nil {
		return svm.ErrInvalidInstructionData
	}
	p := &processor{ic: ic, frame: frame, signers: signers(frame)}

	switch ix.Kind {
	case InstructionCreateAccount:
		if err := frame.CheckNumAccounts(2); err != nil {
			return err
		}
		to, _ := frame.Key(1)
		return p.createAccount(0, 1, to, ix.Lamports, ix.Space, ix.Owner)
	case InstructionCreateAccountWithSeed:
		if err := frame.CheckNumAccounts(2); err != nil {
			return err
		}
		to, _ := frame.Key(1)
		if err := p.verifySeedAddress(to, ix.Base, ix.Seed, ix.Owner); err != nil {
			return err
		}
		return p.createAccount(0, 1, ix.Base, ix.Lamports, ix.Space, ix.Owner)
	case InstructionAssign:
		if err := frame.CheckNumAccounts(1); err != nil {
			return err
		}
		key, _ := frame.Key(0)
		return p.assign(0, key, ix.Owner)
	case InstructionAssignWithSeed:
		if err := frame.CheckNumAccounts(1); err != nil {
			return err
		}
		key, _ := frame.Key(0)
		if err := p.verifySeedAddress(key, ix.Base, ix.Seed, ix.Owner); err != nil {
			return err
		}
		return p.assign(0, ix.Base, ix.Owner)
	case InstructionTransfer:
		if err := frame.CheckNumAccounts(2); err != nil {
			return err
		}
		return p.transfer(0, 1, ix.Lamports)
	case InstructionTransferWithSeed:
		return p.transferWithSeed(ix)
	case InstructionAllocate:
		if err := frame.CheckNumAccounts(1); err != nil {
			return err
		}
		key, _ := frame.Key(0)
		return p.allocate(0, key, ix.Space)
	case InstructionAllocateWithSeed:
		if err := frame.CheckNumAccounts(1); err != nil {
			return err
		}
		key, _ := frame.Key(0)
		if err := p.verifySeedAddress(key, ix.Base, ix.Seed, ix.Owner); err != nil {
			return err
		}
		if err := p.allocate(0, ix.Base, ix.Space); err != nil {
			return err
		}
		return p.assign(0, ix.Base, ix.Owner)
	default:
		ic.Log(ErrNonceUnsupported.Error())
		return svm.ErrInvalidInstructionData
	}
}

// signers returns the keys of the instruction's signing accounts.
func signers(frame *runtime.InstructionContext) map[types.Pubkey]bool {
	out := make(map[types.Pubkey]bool)
	for i := 0; i < frame.NumAccounts(); i++ {
		if frame.IsSigner(i) {
			key, _ := frame.Key(i)
			out[key] = true
		}
	}
	return out
}

type processor struct {
	ic      *runtime.InvokeContext
	frame   *runtime.InstructionContext
	signers map[types.Pubkey]bool
}

func (p *processor) log(format string, args ...any) {
	p.ic.Log(fmt.Sprintf(format, args...))
}

func (p *processor) verifySeedAddress(address, base types.Pubkey, seed string, owner types.Pubkey) error {
	if len(seed) > types.MaxSeedLen {
		return ErrMaxSeedLengthExceeded
	}
	derived, err := types.CreateWithSeed(base, seed, owner)
	if err != nil {
		return err
	}
	if derived != address {
		p.log("Create: address %s does not match derived address %s", address, derived)
		return ErrAddressWithSeedMismatch
	}
	return nil
}

// allocate sizes a fresh system account. authority must have signed.
func (p *processor) allocate(index int, authority types.Pubkey, space uint64) error {
	acct, err := p.frame.Account(index)
	if err != nil {
		return err
	}
	if !p.signers[authority] {
		p.log("Allocate: 'to' account %s must sign", authority)
		return svm.ErrMissingRequiredSignature
	}
	if len(acct.Data()) != 0 || acct.Owner() != types.SystemProgramAddr {
		p.log("Allocate: account %s already in use", authority)
		return ErrAccountAlreadyInUse
	}
	if space > runtime.MaxPermittedDataLength {
		p.log("Allocate: requested %d, max allowed %d", space, runtime.MaxPermittedDataLength)
		return ErrInvalidAccountDataLength
	}
	return acct.SetDataLength(int(space))
}

func (p *processor) assign(index int, authority, owner types.Pubkey) error {
	acct, err := p.frame.Account(index)
	if err != nil {
		return err
	}
	if acct.Owner() == owner {
		return nil
	}
	if !p.signers[authority] {
		p.log("Assign: account %s must sign", authority)
		return svm.ErrMissingRequiredSignature
	}
	return acct.SetOwner(owner)
}

func (p *processor) createAccount(from, to int, authority types.Pubkey, lamports, space uint64, owner types.Pubkey) error {
	acct, err := p.frame.Account(to)
	if err != nil {
		return err
	}
	if acct.Lamports() > 0 {
		p.log("Create Account: account %s already in use", acct.Key())
		return ErrAccountAlreadyInUse
	}
	if err := p.allocate(to, authority, space); err != nil {
		return err
	}
	if err := p.assign(to, authority, owner); err != nil {
		return err
	}
	return p.transfer(from, to, lamports)
}

func (p *processor) transfer(from, to int, lamports uint64) error {
	if !p.frame.IsSigner(from) {
		key, _ := p.frame.Key(from)
		p.log("Transfer: `from` account %s must sign", key)
		return svm.ErrMissingRequiredSignature
	}
	return p.transferVerified(from, to, lamports)
}

func (p *processor) transferVerified(from, to int, lamports uint64) error {
	src, err := p.frame.Account(from)
	if err != nil {
		return err
	}
	if len(src.Data()) != 0 {
		p.log("Transfer: `from` must not carry data")
		return svm.ErrInvalidArgument
	}
	if lamports > src.Lamports() {
		p.log("Transfer: insufficient lamports %d, need %d", src.Lamports(), lamports)
		return ErrResultWithNegativeLamports
	}
	if err := src.CheckedSubLamports(lamports); err != nil {
		return err
	}
	dst, err := p.frame.Account(to)
	if err != nil {
		return err
	}
	return dst.CheckedAddLamports(lamports)
}

// transferWithSeed moves lamports out of an address derived from the
// base account, which must sign.
func (p *processor) transferWithSeed(ix Instruction) error {
	if err := p.frame.CheckNumAccounts(3); err != nil {
		return err
	}
	base, _ := p.frame.Key(1)
	if !p.frame.IsSigner(1) {
		p.log("Transfer: `from` account %s must sign", base)
		return svm.ErrMissingRequiredSignature
	}
	from, _ := p.frame.Key(0)
	derived, err := types.CreateWithSeed(base, ix.FromSeed, ix.FromOwner)
	if err != nil {
		return ErrMaxSeedLengthExceeded
	}
	if derived != from {
		p.log("Transfer: 'from' address %s does not match derived address %s", from, derived)
		return ErrAddressWithSeedMismatch
	}
	return p.transferVerified(0, 2, ix.Lamports)
}
