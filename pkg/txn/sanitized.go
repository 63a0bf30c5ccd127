package txn

import (
	"fmt"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/svm"
)

// SanitizedTransaction is a transaction that passed Sanitize, with account
// roles resolved. It is not modified after construction.
type SanitizedTransaction struct {
	tx       *Transaction
	writable []bool
}

// AccountLocks lists the accounts a transaction locks.
type AccountLocks struct {
	Writable []types.Pubkey
	Readonly []types.Pubkey
}

// Sanitize checks the structural rules of a transaction: header counts
// against the key list, one signature per required signer, instruction
// indexes in range and no instruction invoking the fee payer.
func (tx *Transaction) Sanitize() error {
	m := &tx.Message
	h := m.Header
	n := len(m.AccountKeys)
	switch {
	case h.NumRequiredSignatures == 0:
		return fmt.Errorf("%w: no signers", svm.ErrSanitizeFailure)
	case int(h.NumRequiredSignatures)+int(h.NumReadonlyUnsignedAccounts) > n:
		return fmt.Errorf("%w: header exceeds %d account keys", svm.ErrSanitizeFailure, n)
	case h.NumReadonlySignedAccounts >= h.NumRequiredSignatures:
		return fmt.Errorf("%w: fee payer is readonly", svm.ErrSanitizeFailure)
	case len(tx.Signatures) != int(h.NumRequiredSignatures):
		return fmt.Errorf("%w: %d signatures for %d signers", svm.ErrSanitizeFailure, len(tx.Signatures), h.NumRequiredSignatures)
	case n > 256:
		return fmt.Errorf("%w: %d account keys", svm.ErrSanitizeFailure, n)
	}
	for i, ix := range m.Instructions {
		if ix.ProgramIDIndex == 0 {
			return fmt.Errorf("%w: instruction %d invokes the fee payer", svm.ErrSanitizeFailure, i)
		}
		if int(ix.ProgramIDIndex) >= n {
			return fmt.Errorf("%w: instruction %d program index %d", svm.ErrSanitizeFailure, i, ix.ProgramIDIndex)
		}
		for _, a := range ix.Accounts {
			if int(a) >= n {
				return fmt.Errorf("%w: instruction %d account index %d", svm.ErrSanitizeFailure, i, a)
			}
		}
	}
	return nil
}

// NewSanitizedTransaction sanitizes tx and resolves account roles.
func NewSanitizedTransaction(tx *Transaction) (*SanitizedTransaction, error) {
	if err := tx.Sanitize(); err != nil {
		return nil, err
	}
	m := &tx.Message
	invoked := make(map[uint8]bool, len(m.Instructions))
	for _, ix := range m.Instructions {
		invoked[ix.ProgramIDIndex] = true
	}
	upgradeable := false
	for _, key := range m.AccountKeys {
		if key == types.BPFLoaderUpgradeableAddr {
			upgradeable = true
			break
		}
	}
	st := &SanitizedTransaction{tx: tx, writable: make([]bool, len(m.AccountKeys))}
	for i, key := range m.AccountKeys {
		w := m.IsWritableIndex(i) && !types.IsReservedAccountKey(key)
		if w && invoked[uint8(i)] && !upgradeable {
			w = false
		}
		st.writable[i] = w
	}
	return st, nil
}

// Transaction returns the underlying transaction.
func (st *SanitizedTransaction) Transaction() *Transaction { return st.tx }

// Message returns the transaction message.
func (st *SanitizedTransaction) Message() *Message { return &st.tx.Message }

// Signature returns the first signature.
func (st *SanitizedTransaction) Signature() types.Signature { return st.tx.Signatures[0] }

// FeePayer returns the first account key.
func (st *SanitizedTransaction) FeePayer() types.Pubkey { return st.tx.Message.AccountKeys[0] }

// AccountKeys returns the static account keys.
func (st *SanitizedTransaction) AccountKeys() []types.Pubkey { return st.tx.Message.AccountKeys }

// Instructions returns the compiled instructions.
func (st *SanitizedTransaction) Instructions() []CompiledInstruction {
	return st.tx.Message.Instructions
}

// IsSigner reports whether account i signed.
func (st *SanitizedTransaction) IsSigner(i int) bool { return st.tx.Message.IsSigner(i) }

// IsWritable reports whether account i is locked for writing.
func (st *SanitizedTransaction) IsWritable(i int) bool {
	return i >= 0 && i < len(st.writable) && st.writable[i]
}

// IsInvoked reports whether account i is the program of some instruction.
func (st *SanitizedTransaction) IsInvoked(i int) bool {
	for _, ix := range st.tx.Message.Instructions {
		if int(ix.ProgramIDIndex) == i {
			return true
		}
	}
	return false
}

// ProgramIDs returns the program of each instruction, in order.
func (st *SanitizedTransaction) ProgramIDs() []types.Pubkey {
	out := make([]types.Pubkey, len(st.tx.Message.Instructions))
	for i, ix := range st.tx.Message.Instructions {
		out[i] = st.tx.Message.AccountKeys[ix.ProgramIDIndex]
	}
	return out
}

// GetAccountLocks validates the key list against limit and splits it by
// lock kind.
func (st *SanitizedTransaction) GetAccountLocks(limit int) (AccountLocks, error) {
	keys := st.tx.Message.AccountKeys
	if len(keys) > limit {
		return AccountLocks{}, svm.ErrTooManyAccountLocks
	}
	seen := make(map[types.Pubkey]struct{}, len(keys))
	var locks AccountLocks
	for i, key := range keys {
		if _, dup := seen[key]; dup {
			return AccountLocks{}, svm.ErrAccountLoadedTwice
		}
		seen[key] = struct{}{}
		if st.IsWritable(i) {
			locks.Writable = append(locks.Writable, key)
		} else {
			locks.Readonly = append(locks.Readonly, key)
		}
	}
	return locks, nil
}
