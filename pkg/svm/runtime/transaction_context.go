package runtime

import (
	"math/bits"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/svm"
)

// MaxPermittedDataLength is the largest account data size.
const MaxPermittedDataLength = 10 * 1024 * 1024

// InstructionAccount is one account of an instruction, resolved against
// the transaction's account list.
type InstructionAccount struct {
	IndexInTransaction int
	IndexInCaller      int
	IsSigner           bool
	IsWritable         bool
}

// InstructionContext is one frame of the instruction stack.
type InstructionContext struct {
	tx           *TransactionContext
	programIndex int
	accounts     []InstructionAccount
	data         []byte
	stackHeight  int
	lamportsLo   uint64
	lamportsHi   uint64
}

// ProgramID returns the address of the program being invoked.
func (ic *InstructionContext) ProgramID() types.Pubkey {
	return ic.tx.keys[ic.programIndex]
}

// ProgramIndex returns the transaction index of the program account.
func (ic *InstructionContext) ProgramIndex() int { return ic.programIndex }

// Data returns the instruction data.
func (ic *InstructionContext) Data() []byte { return ic.data }

// StackHeight returns the frame's depth, starting at 1.
func (ic *InstructionContext) StackHeight() int { return ic.stackHeight }

// NumAccounts returns the number of instruction accounts.
func (ic *InstructionContext) NumAccounts() int { return len(ic.accounts) }

// Accounts returns the instruction accounts.
func (ic *InstructionContext) Accounts() []InstructionAccount { return ic.accounts }

// Key returns the address of instruction account i.
func (ic *InstructionContext) Key(i int) (types.Pubkey, error) {
	if i < 0 || i >= len(ic.accounts) {
		return types.Pubkey{}, svm.ErrNotEnoughAccountKeys
	}
	return ic.tx.keys[ic.accounts[i].IndexInTransaction], nil
}

// IsSigner reports whether instruction account i signed.
func (ic *InstructionContext) IsSigner(i int) bool {
	return i >= 0 && i < len(ic.accounts) && ic.accounts[i].IsSigner
}

// IsWritable reports whether instruction account i is writable.
func (ic *InstructionContext) IsWritable(i int) bool {
	return i >= 0 && i < len(ic.accounts) && ic.accounts[i].IsWritable
}

// CheckNumAccounts returns ErrNotEnoughAccountKeys when fewer than n
// accounts were passed.
func (ic *InstructionContext) CheckNumAccounts(n int) error {
	if len(ic.accounts) < n {
		return svm.ErrNotEnoughAccountKeys
	}
	return nil
}

// Account borrows instruction account i.
func (ic *InstructionContext) Account(i int) (*BorrowedAccount, error) {
	if i < 0 || i >= len(ic.accounts) {
		return nil, svm.ErrNotEnoughAccountKeys
	}
	ia := ic.accounts[i]
	return &BorrowedAccount{
		ic:       ic,
		index:    ia.IndexInTransaction,
		key:      ic.tx.keys[ia.IndexInTransaction],
		account:  ic.tx.accounts[ia.IndexInTransaction],
		signer:   ia.IsSigner,
		writable: ia.IsWritable,
	}, nil
}

// findAccount returns the instruction position of a transaction account.
func (ic *InstructionContext) findAccount(txIndex int) (int, bool) {
	for i, ia := range ic.accounts {
		if ia.IndexInTransaction == txIndex {
			return i, true
		}
	}
	return 0, false
}

// lamportSum adds up the balances of the distinct instruction accounts.
func (ic *InstructionContext) lamportSum() (lo, hi uint64) {
	for i, ia := range ic.accounts {
		if first, _ := ic.findAccount(ia.IndexInTransaction); first != i {
			continue
		}
		var carry uint64
		lo, carry = bits.Add64(lo, ic.tx.accounts[ia.IndexInTransaction].Lamports, 0)
		hi += carry
	}
	return lo, hi
}

// InstructionTraceEntry records one executed instruction.
type InstructionTraceEntry struct {
	ProgramIndex int
	Accounts     []InstructionAccount
	Data         []byte
	StackHeight  int
}

// TransactionContext holds the loaded accounts of one transaction and the
// instruction stack running over them.
type TransactionContext struct {
	keys     []types.Pubkey
	accounts []*accounts.Account
	touched  []bool
	stack    []*InstructionContext
	trace    []InstructionTraceEntry

	returnDataProgram types.Pubkey
	returnData        []byte
}

// NewTransactionContext wraps the loaded accounts. The accounts are
// mutated in place by execution.
func NewTransactionContext(keys []types.Pubkey, accts []*accounts.Account) *TransactionContext {
	return &TransactionContext{
		keys:     keys,
		accounts: accts,
		touched:  make([]bool, len(keys)),
	}
}

// NumAccounts returns the number of loaded accounts.
func (tc *TransactionContext) NumAccounts() int { return len(tc.keys) }

// Key returns the address at index i.
func (tc *TransactionContext) Key(i int) types.Pubkey { return tc.keys[i] }

// Account returns the account at index i.
func (tc *TransactionContext) Account(i int) *accounts.Account { return tc.accounts[i] }

// IndexOf returns the index of key among the loaded accounts.
func (tc *TransactionContext) IndexOf(key types.Pubkey) (int, bool) {
	for i, k := range tc.keys {
		if k == key {
			return i, true
		}
	}
	return 0, false
}

// Touched reports whether the account at index i was modified.
func (tc *TransactionContext) Touched(i int) bool { return tc.touched[i] }

// Accounts returns the loaded accounts with their addresses.
func (tc *TransactionContext) Accounts() []accounts.KeyedAccount {
	out := make([]accounts.KeyedAccount, len(tc.keys))
	for i := range tc.keys {
		out[i] = accounts.KeyedAccount{Pubkey: tc.keys[i], Account: tc.accounts[i]}
	}
	return out
}

// ReturnData returns the last return data set.
func (tc *TransactionContext) ReturnData() (types.Pubkey, []byte) {
	return tc.returnDataProgram, tc.returnData
}

// SetReturnData records return data for programID.
func (tc *TransactionContext) SetReturnData(programID types.Pubkey, data []byte) {
	tc.returnDataProgram = programID
	tc.returnData = data
}

// Trace returns the recorded instructions.
func (tc *TransactionContext) Trace() []InstructionTraceEntry { return tc.trace }

// StackHeight returns the number of active frames.
func (tc *TransactionContext) StackHeight() int { return len(tc.stack) }

// Current returns the innermost frame.
func (tc *TransactionContext) Current() (*InstructionContext, bool) {
	if len(tc.stack) == 0 {
		return nil, false
	}
	return tc.stack[len(tc.stack)-1], true
}

// BorrowedAccount is an instruction account with the mutation rules of
// the running program applied to every change.
type BorrowedAccount struct {
	ic       *InstructionContext
	index    int
	key      types.Pubkey
	account  *accounts.Account
	signer   bool
	writable bool
}

func (b *BorrowedAccount) Key() types.Pubkey      { return b.key }
func (b *BorrowedAccount) Lamports() uint64       { return b.account.Lamports }
func (b *BorrowedAccount) Data() []byte           { return b.account.Data }
func (b *BorrowedAccount) Owner() types.Pubkey    { return b.account.Owner }
func (b *BorrowedAccount) Executable() bool       { return b.account.Executable }
func (b *BorrowedAccount) IsSigner() bool         { return b.signer }
func (b *BorrowedAccount) IsWritable() bool       { return b.writable }
func (b *BorrowedAccount) IndexInTransaction() int { return b.index }

// IsOwnedByCurrentProgram reports whether the running program owns the
// account.
func (b *BorrowedAccount) IsOwnedByCurrentProgram() bool {
	return b.account.Owner == b.ic.ProgramID()
}

func (b *BorrowedAccount) touch() { b.ic.tx.touched[b.index] = true }

// SetLamports changes the balance. Only the owner may debit, and
// read-only or executable accounts may not change.
func (b *BorrowedAccount) SetLamports(lamports uint64) error {
	if !b.IsOwnedByCurrentProgram() && lamports < b.account.Lamports {
		return svm.ErrExternalAccountLamportSpend
	}
	if !b.writable {
		return svm.ErrReadonlyLamportChange
	}
	if b.account.Executable {
		return svm.ErrExecutableLamportChange
	}
	if b.account.Lamports == lamports {
		return nil
	}
	b.touch()
	b.account.Lamports = lamports
	return nil
}

// CheckedAddLamports credits the account.
func (b *BorrowedAccount) CheckedAddLamports(n uint64) error {
	sum, carry := bits.Add64(b.account.Lamports, n, 0)
	if carry != 0 {
		return svm.ErrArithmeticOverflow
	}
	return b.SetLamports(sum)
}

// CheckedSubLamports debits the account.
func (b *BorrowedAccount) CheckedSubLamports(n uint64) error {
	if n > b.account.Lamports {
		return svm.ErrArithmeticOverflow
	}
	return b.SetLamports(b.account.Lamports - n)
}

// CanDataBeChanged reports why the running program may not modify the
// account's data, or nil.
func (b *BorrowedAccount) CanDataBeChanged() error {
	if b.account.Executable {
		return svm.ErrExecutableDataModified
	}
	if !b.writable {
		return svm.ErrReadonlyDataModified
	}
	if !b.IsOwnedByCurrentProgram() {
		return svm.ErrExternalAccountDataModified
	}
	return nil
}

// CanDataBeResized reports why the data may not take newLen, or nil.
func (b *BorrowedAccount) CanDataBeResized(newLen int) error {
	if newLen != len(b.account.Data) && !b.IsOwnedByCurrentProgram() {
		return svm.ErrAccountDataSizeChanged
	}
	if newLen > MaxPermittedDataLength {
		return svm.ErrInvalidRealloc
	}
	return nil
}

// SetData replaces the account data.
func (b *BorrowedAccount) SetData(data []byte) error {
	if err := b.CanDataBeResized(len(data)); err != nil {
		return err
	}
	if err := b.CanDataBeChanged(); err != nil {
		return err
	}
	b.touch()
	b.account.Data = append(b.account.Data[:0:0], data...)
	return nil
}

// SetDataLength resizes the data, zero-filling growth.
func (b *BorrowedAccount) SetDataLength(n int) error {
	if err := b.CanDataBeResized(n); err != nil {
		return err
	}
	if err := b.CanDataBeChanged(); err != nil {
		return err
	}
	if n == len(b.account.Data) {
		return nil
	}
	b.touch()
	if n < len(b.account.Data) {
		b.account.Data = b.account.Data[:n:n]
		return nil
	}
	grown := make([]byte, n)
	copy(grown, b.account.Data)
	b.account.Data = grown
	return nil
}

// SetOwner assigns the account to a new program. Only the current owner
// may do so, and only while the account is writable, not executable and
// its data is zeroed.
func (b *BorrowedAccount) SetOwner(owner types.Pubkey) error {
	if !b.IsOwnedByCurrentProgram() || !b.writable || b.account.Executable || !isZeroed(b.account.Data) {
		return svm.ErrModifiedProgramID
	}
	if b.account.Owner == owner {
		return nil
	}
	b.touch()
	b.account.Owner = owner
	return nil
}

// apply copies a program's view of the account back through the
// mutation rules, touching only what changed.
func (b *BorrowedAccount) apply(post *accounts.Account) error {
	if post.Lamports != b.account.Lamports {
		if err := b.SetLamports(post.Lamports); err != nil {
			return err
		}
	}
	if len(post.Data) != len(b.account.Data) {
		if err := b.SetDataLength(len(post.Data)); err != nil {
			return err
		}
	}
	if !bytesEqual(post.Data, b.account.Data) {
		if err := b.SetData(post.Data); err != nil {
			return err
		}
	}
	if post.Owner != b.account.Owner {
		if err := b.SetOwner(post.Owner); err != nil {
			return err
		}
	}
	return nil
}

func isZeroed(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
