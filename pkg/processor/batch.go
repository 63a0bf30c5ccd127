package processor

import (
	"errors"
	"fmt"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/txn"
)

// ErrBatchLengthMismatch is returned when lock results and transactions
// do not pair up.
var ErrBatchLengthMismatch = errors.New("processor: lock results and transactions differ in length")

// TransactionBatch pairs transactions with the outcome of locking their
// accounts. Both slices always have the same length.
type TransactionBatch struct {
	lockResults  []error
	transactions []*txn.SanitizedTransaction
}

// NewTransactionBatch builds a batch. A nil lock result means the locks
// were taken.
func NewTransactionBatch(lockResults []error, transactions []*txn.SanitizedTransaction) (*TransactionBatch, error) {
	if len(lockResults) != len(transactions) {
		return nil, fmt.Errorf("%w: %d lock results, %d transactions", ErrBatchLengthMismatch, len(lockResults), len(transactions))
	}
	return &TransactionBatch{lockResults: lockResults, transactions: transactions}, nil
}

// PrepareUnlockedBatchFromSingleTx builds a one-transaction batch whose
// lock result is the transaction's own lock validation against limit.
// Nothing is actually locked.
func PrepareUnlockedBatchFromSingleTx(tx *txn.SanitizedTransaction, limit int) (*TransactionBatch, error) {
	_, err := tx.GetAccountLocks(limit)
	return NewTransactionBatch([]error{err}, []*txn.SanitizedTransaction{tx})
}

// LockResults returns the per-transaction lock outcomes.
func (b *TransactionBatch) LockResults() []error { return b.lockResults }

// Transactions returns the batched transactions.
func (b *TransactionBatch) Transactions() []*txn.SanitizedTransaction { return b.transactions }

// Len returns the number of transactions.
func (b *TransactionBatch) Len() int { return len(b.transactions) }

// NonceInfo identifies the durable nonce a transaction advances.
type NonceInfo struct {
	Address  types.Pubkey
	Lamports uint64
}

// CheckedTransactionDetails is what an age check learned about a fresh
// transaction.
type CheckedTransactionDetails struct {
	Nonce                *NonceInfo
	LamportsPerSignature uint64
}

// TransactionCheckResult is the age check outcome of one transaction.
type TransactionCheckResult struct {
	Details CheckedTransactionDetails
	Err     error
}

// CheckAgeUnchecked reports every transaction of the batch as fresh,
// passing lock failures through. Blockhash expiry is not evaluated.
func CheckAgeUnchecked(batch *TransactionBatch) []TransactionCheckResult {
	out := make([]TransactionCheckResult, batch.Len())
	for i, err := range batch.lockResults {
		if err != nil {
			out[i] = TransactionCheckResult{Err: err}
			continue
		}
		out[i] = TransactionCheckResult{Details: CheckedTransactionDetails{Nonce: nil, LamportsPerSignature: 0}}
	}
	return out
}
