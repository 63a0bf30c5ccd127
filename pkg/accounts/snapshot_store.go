package accounts

import (
	"sync"

	"github.com/fortiblox/svmsim/internal/types"
)

// BuiltinAccountLamports is the balance given to builtin program accounts.
const BuiltinAccountLamports = 5000

// SnapshotStore is the in-memory account view one simulation reads from.
// Readers share the lock; builtin insertion, clock seeding and post-state
// replacement take it exclusively. Returned accounts are copies.
type SnapshotStore struct {
	mu       sync.RWMutex
	accounts map[types.Pubkey]*Account
}

// NewSnapshotStore copies accts into a new store.
func NewSnapshotStore(accts []KeyedAccount) *SnapshotStore {
	s := &SnapshotStore{accounts: make(map[types.Pubkey]*Account, len(accts))}
	for _, ka := range accts {
		s.accounts[ka.Pubkey] = ka.Account.Clone()
	}
	return s
}

// GetAccount returns a copy of the account stored at pubkey.
func (s *SnapshotStore) GetAccount(pubkey types.Pubkey) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[pubkey]
	if !ok {
		return nil, false
	}
	return acc.Clone(), true
}

// AccountMatchesOwners returns the index of the first entry in owners equal
// to the account's owner. Missing and zero-lamport accounts match nothing.
func (s *SnapshotStore) AccountMatchesOwners(pubkey types.Pubkey, owners []types.Pubkey) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[pubkey]
	if !ok || acc.Lamports == 0 {
		return 0, false
	}
	for i, owner := range owners {
		if acc.Owner == owner {
			return i, true
		}
	}
	return 0, false
}

// AddBuiltinAccount installs the executable placeholder account of a
// builtin program. The account data is the builtin's name.
func (s *SnapshotStore) AddBuiltinAccount(name string, pubkey types.Pubkey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[pubkey] = &Account{
		Lamports:   BuiltinAccountLamports,
		Data:       []byte(name),
		Owner:      types.NativeLoaderAddr,
		Executable: true,
		RentEpoch:  0,
	}
}

// SetAccount stores a copy of account at pubkey.
func (s *SnapshotStore) SetAccount(pubkey types.Pubkey, account *Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[pubkey] = account.Clone()
}

// StoreAccounts replaces the listed accounts. Simulation never writes back
// to the store it runs on; callers carrying post-state forward apply it to
// a separate store with this.
func (s *SnapshotStore) StoreAccounts(accts []KeyedAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ka := range accts {
		s.accounts[ka.Pubkey] = ka.Account.Clone()
	}
}

// Accounts exports every account, sorted by address.
func (s *SnapshotStore) Accounts() []KeyedAccount {
	s.mu.RLock()
	out := make([]KeyedAccount, 0, len(s.accounts))
	for k, v := range s.accounts {
		out = append(out, KeyedAccount{Pubkey: k, Account: v.Clone()})
	}
	s.mu.RUnlock()
	SortKeyedAccounts(out)
	return out
}

// Len returns the number of accounts held.
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts)
}
