// Package accounts holds account state for simulation.
//
// An account snapshot is a frozen list of (address, account) pairs captured
// from a live cluster. The package provides:
//   - the Account value type and its storage encoding
//   - SnapshotStore, the thread-safe in-memory view a simulation reads from
//   - the JSON snapshot file codec written by the fetcher
//   - BadgerDB, an optional on-disk cache of imported snapshots
//   - account hashing used to fingerprint pre and post state
package accounts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"github.com/fortiblox/svmsim/internal/types"
)

var (
	// ErrAccountNotFound is returned when an account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database closed")

	// ErrInvalidData is returned when stored account bytes are malformed.
	ErrInvalidData = errors.New("invalid account data")
)

// Account represents a single account in the state.
type Account struct {
	// Lamports is the account balance in lamports (1 SOL = 1e9 lamports).
	Lamports uint64

	// Data is the account data. For programdata accounts it embeds the ELF.
	Data []byte

	// Owner is the program that owns this account.
	Owner types.Pubkey

	// Executable indicates if this is a program account.
	Executable bool

	// RentEpoch is the epoch at which rent was last collected.
	RentEpoch uint64
}

// Clone creates a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	return &Account{
		Lamports:   a.Lamports,
		Data:       bytes.Clone(a.Data),
		Owner:      a.Owner,
		Executable: a.Executable,
		RentEpoch:  a.RentEpoch,
	}
}

// Equal reports whether two accounts hold identical state.
func (a *Account) Equal(b *Account) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Lamports == b.Lamports &&
		a.Owner == b.Owner &&
		a.Executable == b.Executable &&
		a.RentEpoch == b.RentEpoch &&
		string(a.Data) == string(b.Data)
}

// IsZero returns true if the account has no lamports and no data.
func (a *Account) IsZero() bool {
	return a.Lamports == 0 && len(a.Data) == 0
}

// Size returns the total serialized size of the account.
func (a *Account) Size() int {
	// 8 (lamports) + 8 (data_len) + data + 32 (owner) + 1 (executable) + 8 (rent_epoch)
	return 8 + 8 + len(a.Data) + 32 + 1 + 8
}

// Serialize encodes the account for storage.
// Format: lamports (8) + data_len (8) + data + owner (32) + executable (1) + rent_epoch (8)
func (a *Account) Serialize() []byte {
	buf := make([]byte, a.Size())
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], a.Lamports)
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(a.Data)))
	offset += 8

	copy(buf[offset:], a.Data)
	offset += len(a.Data)

	copy(buf[offset:], a.Owner[:])
	offset += 32

	if a.Executable {
		buf[offset] = 1
	}
	offset++

	binary.LittleEndian.PutUint64(buf[offset:], a.RentEpoch)
	return buf
}

// DeserializeAccount decodes an account produced by Serialize.
func DeserializeAccount(data []byte) (*Account, error) {
	if len(data) < 8+8+32+1+8 {
		return nil, ErrInvalidData
	}
	offset := 0
	acc := &Account{}

	acc.Lamports = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	dataLen := binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	if dataLen > uint64(len(data)-offset-41) {
		return nil, ErrInvalidData
	}

	acc.Data = make([]byte, dataLen)
	copy(acc.Data, data[offset:])
	offset += int(dataLen)

	copy(acc.Owner[:], data[offset:offset+32])
	offset += 32

	switch data[offset] {
	case 0:
	case 1:
		acc.Executable = true
	default:
		return nil, ErrInvalidData
	}
	offset++

	acc.RentEpoch = binary.LittleEndian.Uint64(data[offset:])
	return acc, nil
}

// KeyedAccount pairs an address with its account state.
type KeyedAccount struct {
	Pubkey  types.Pubkey
	Account *Account
}

// Clone deep-copies the pair.
func (k KeyedAccount) Clone() KeyedAccount {
	return KeyedAccount{Pubkey: k.Pubkey, Account: k.Account.Clone()}
}

// SortKeyedAccounts orders accounts by address.
func SortKeyedAccounts(accts []KeyedAccount) {
	sort.Slice(accts, func(i, j int) bool {
		return accts[i].Pubkey.Compare(accts[j].Pubkey) < 0
	})
}

// DB is a keyed account store.
type DB interface {
	// GetAccount retrieves an account by pubkey.
	// Returns nil, nil if the account doesn't exist.
	GetAccount(pubkey types.Pubkey) (*Account, error)

	// SetAccount stores an account.
	SetAccount(pubkey types.Pubkey, account *Account) error

	// DeleteAccount removes an account.
	DeleteAccount(pubkey types.Pubkey) error

	// AccountsCount returns the number of stored accounts.
	AccountsCount() (uint64, error)

	// IterateAccounts calls fn for every stored account until fn returns false.
	IterateAccounts(fn func(pubkey types.Pubkey, account *Account) bool) error

	// Close releases resources.
	Close() error
}

// MemoryDB is a map-backed DB used in tests and as the target of
// snapshot imports that never touch disk.
type MemoryDB struct {
	mu       sync.RWMutex
	accounts map[types.Pubkey]*Account
}

// NewMemoryDB creates an empty in-memory DB.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{accounts: make(map[types.Pubkey]*Account)}
}

// GetAccount retrieves an account.
func (m *MemoryDB) GetAccount(pubkey types.Pubkey) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accounts[pubkey].Clone(), nil
}

// SetAccount stores an account.
func (m *MemoryDB) SetAccount(pubkey types.Pubkey, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[pubkey] = account.Clone()
	return nil
}

// DeleteAccount removes an account.
func (m *MemoryDB) DeleteAccount(pubkey types.Pubkey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, pubkey)
	return nil
}

// AccountsCount returns the number of accounts.
func (m *MemoryDB) AccountsCount() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.accounts)), nil
}

// IterateAccounts visits accounts in address order.
func (m *MemoryDB) IterateAccounts(fn func(pubkey types.Pubkey, account *Account) bool) error {
	m.mu.RLock()
	keys := make([]types.Pubkey, 0, len(m.accounts))
	for k := range m.accounts {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	for _, k := range keys {
		acc, _ := m.GetAccount(k)
		if acc == nil {
			continue
		}
		if !fn(k, acc) {
			break
		}
	}
	return nil
}

// Close is a no-op.
func (m *MemoryDB) Close() error {
	return nil
}

// LoadAll reads every account of db into a keyed list sorted by address.
func LoadAll(db DB) ([]KeyedAccount, error) {
	var out []KeyedAccount
	err := db.IterateAccounts(func(pubkey types.Pubkey, account *Account) bool {
		out = append(out, KeyedAccount{Pubkey: pubkey, Account: account})
		return true
	})
	return out, err
}

// StoreAll writes every account of accts into db.
func StoreAll(db DB, accts []KeyedAccount) error {
	for _, ka := range accts {
		if err := db.SetAccount(ka.Pubkey, ka.Account); err != nil {
			return err
		}
	}
	return nil
}
