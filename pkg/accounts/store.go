package accounts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fortiblox/svmsim/internal/types"
)

// Keys are a one-byte namespace followed by the account address or the
// metadata name.
const (
	nsAccount byte = 0x01
	nsMeta    byte = 0x02
)

var (
	prefixAccount = []byte{nsAccount}

	metaAccountsCount = metaKey("count")
	metaSource        = metaKey("source")
	metaImportedAt    = metaKey("imported_at")
)

func metaKey(name string) []byte {
	return append([]byte{nsMeta}, name...)
}

func accountKey(pubkey types.Pubkey) []byte {
	return append([]byte{nsAccount}, pubkey[:]...)
}

func encodeCount(n uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, n)
}

// BadgerDBConfig contains configuration for BadgerDB.
type BadgerDBConfig struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64

	// Logger is an optional badger logger. Nil disables badger's own logging.
	Logger badger.Logger
}

// DefaultBadgerDBConfig returns default configuration.
func DefaultBadgerDBConfig(path string) BadgerDBConfig {
	return BadgerDBConfig{
		Path:             path,
		SyncWrites:       false,
		NumCompactors:    2,
		ValueLogFileSize: 64 << 20,
	}
}

// SnapshotInfo describes the snapshot held by a BadgerDB.
type SnapshotInfo struct {
	Source     string
	ImportedAt time.Time
	Accounts   uint64
}

// BadgerDB caches an imported account snapshot on disk so that large
// snapshots are decoded once and reopened quickly.
type BadgerDB struct {
	db *badger.DB

	accountsCount atomic.Uint64

	// mu serializes writers so the cached count stays exact.
	mu sync.Mutex

	closed atomic.Bool
}

// NewBadgerDB opens (or creates) a snapshot cache.
func NewBadgerDB(cfg BadgerDBConfig) (*BadgerDB, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)
	if cfg.NumCompactors > 0 {
		opts = opts.WithNumCompactors(cfg.NumCompactors)
	}
	if cfg.ValueLogFileSize > 0 && !cfg.InMemory {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	bdb := &BadgerDB{db: db}
	if err := bdb.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return bdb, nil
}

func (b *BadgerDB) loadMetadata() error {
	return b.db.View(func(txn *badger.Txn) error {
		val, err := readMeta(txn, metaAccountsCount)
		if err != nil {
			return err
		}
		var n uint64
		if len(val) >= 8 {
			n = binary.LittleEndian.Uint64(val)
		}
		b.accountsCount.Store(n)
		return nil
	})
}

// GetAccount retrieves an account by public key.
// Returns nil, nil if the account doesn't exist.
func (b *BadgerDB) GetAccount(pubkey types.Pubkey) (*Account, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	var account *Account
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(accountKey(pubkey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			acc, err := DeserializeAccount(val)
			if err != nil {
				return err
			}
			account = acc
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// SetAccount stores an account. Zero-lamport accounts are kept: a snapshot
// may legitimately reference closed accounts.
func (b *BadgerDB) SetAccount(pubkey types.Pubkey, account *Account) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	exists, err := b.hasAccount(pubkey)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(accountKey(pubkey), account.Serialize())
	})
	if err != nil {
		return err
	}
	if !exists {
		b.accountsCount.Add(1)
	}
	return nil
}

// DeleteAccount removes an account.
func (b *BadgerDB) DeleteAccount(pubkey types.Pubkey) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	exists, err := b.hasAccount(pubkey)
	if err != nil || !exists {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(accountKey(pubkey))
	})
	if err != nil {
		return err
	}
	b.accountsCount.Add(^uint64(0))
	return nil
}

func (b *BadgerDB) hasAccount(pubkey types.Pubkey) (bool, error) {
	var exists bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(accountKey(pubkey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// AccountsCount returns the total number of accounts.
func (b *BadgerDB) AccountsCount() (uint64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	return b.accountsCount.Load(), nil
}

// IterateAccounts iterates over all accounts in sorted pubkey order.
func (b *BadgerDB) IterateAccounts(fn func(pubkey types.Pubkey, account *Account) bool) error {
	if b.closed.Load() {
		return ErrClosed
	}

	errStop := errors.New("stop")
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixAccount
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != 1+types.PubkeySize {
				continue
			}
			var pubkey types.Pubkey
			copy(pubkey[:], key[1:])

			err := item.Value(func(val []byte) error {
				account, err := DeserializeAccount(val)
				if err != nil {
					return fmt.Errorf("account %s: %w", pubkey, err)
				}
				if !fn(pubkey, account) {
					return errStop
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

// ImportSnapshot replaces the cache contents with accts in a single batch
// and records where they came from.
func (b *BadgerDB) ImportSnapshot(source string, accts []KeyedAccount) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.db.DropPrefix(prefixAccount); err != nil {
		return fmt.Errorf("drop old snapshot: %w", err)
	}

	batch := b.db.NewWriteBatch()
	for _, ka := range accts {
		if err := batch.Set(accountKey(ka.Pubkey), ka.Account.Serialize()); err != nil {
			batch.Cancel()
			return fmt.Errorf("batch set %s: %w", ka.Pubkey, err)
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}

	b.accountsCount.Store(uint64(len(accts)))
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(metaAccountsCount, encodeCount(uint64(len(accts)))); err != nil {
			return err
		}
		if err := txn.Set(metaSource, []byte(source)); err != nil {
			return err
		}
		ts, _ := time.Now().UTC().MarshalBinary()
		return txn.Set(metaImportedAt, ts)
	})
}

// Info returns metadata about the cached snapshot. Fields never written
// by ImportSnapshot stay zero.
func (b *BadgerDB) Info() (SnapshotInfo, error) {
	if b.closed.Load() {
		return SnapshotInfo{}, ErrClosed
	}
	info := SnapshotInfo{Accounts: b.accountsCount.Load()}
	err := b.db.View(func(txn *badger.Txn) error {
		source, err := readMeta(txn, metaSource)
		if err != nil {
			return err
		}
		info.Source = string(source)

		stamp, err := readMeta(txn, metaImportedAt)
		if err != nil || stamp == nil {
			return err
		}
		return info.ImportedAt.UnmarshalBinary(stamp)
	})
	return info, err
}

// readMeta returns a copy of a metadata value, or nil when it is unset.
func readMeta(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// Commit persists the cached account count.
func (b *BadgerDB) Commit() error {
	if b.closed.Load() {
		return ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaAccountsCount, encodeCount(b.accountsCount.Load()))
	})
}

// Close commits metadata and closes the database.
func (b *BadgerDB) Close() error {
	if b.closed.Load() {
		return ErrClosed
	}
	commitErr := b.Commit()
	b.closed.Store(true)
	if err := b.db.Close(); err != nil {
		return err
	}
	return commitErr
}

// Verify that BadgerDB implements DB interface.
var _ DB = (*BadgerDB)(nil)
