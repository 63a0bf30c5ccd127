// Package journal records simulation runs in a BoltDB file so they can be
// listed and compared later.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/svmsim/internal/types"
)

var (
	// ErrRecordNotFound is returned when no record has the requested id.
	ErrRecordNotFound = errors.New("journal record not found")

	// ErrClosed is returned when operating on a closed journal.
	ErrClosed = errors.New("journal closed")
)

// Bucket names.
var (
	// bucketRuns stores gob records keyed by id.
	bucketRuns = []byte("runs")

	// bucketByTime indexes ids by creation time.
	bucketByTime = []byte("by_time")
)

// DefaultListLimit is used by List for non-positive limits.
const DefaultListLimit = 20

// Config configures a journal.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync skips fsync after each write.
	NoSync bool

	// ReadOnly opens the file without write access.
	ReadOnly bool

	// MaxRecords prunes the oldest records on Put once exceeded (0 keeps
	// everything).
	MaxRecords int
}

// DefaultConfig returns a configuration for the journal at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		MaxRecords: 10_000,
	}
}

// Record is one simulation run.
type Record struct {
	ID        uuid.UUID
	CreatedAt time.Time

	// Signature is the transaction's first signature in base58.
	Signature string

	// Err is the simulation error text, empty on success.
	Err           string
	Logs          []string
	UnitsConsumed uint64

	// Digests of the snapshot and of the post-simulation accounts.
	PreStateDigest  types.Hash
	PostStateDigest types.Hash
}

// Succeeded reports whether the run ended without error.
func (r *Record) Succeeded() bool { return r.Err == "" }

// Store is a BoltDB-backed journal.
type Store struct {
	db     *bolt.DB
	config Config

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens the journal at config.Path.
func Open(config Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	}
	db, err := bolt.Open(config.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, config: config}
	if !config.ReadOnly {
		if err := s.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	return s, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRuns, bucketByTime} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// timeKey orders records by creation time, breaking ties by id.
func timeKey(r *Record) []byte {
	key := make([]byte, 8+len(r.ID))
	binary.BigEndian.PutUint64(key, uint64(r.CreatedAt.UnixNano()))
	copy(key[8:], r.ID[:])
	return key
}

// Put stores r, assigning an id and creation time when unset.
func (s *Store) Put(r *Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRuns).Put(r.ID[:], buf.Bytes()); err != nil {
			return err
		}
		if err := tx.Bucket(bucketByTime).Put(timeKey(r), r.ID[:]); err != nil {
			return err
		}
		if s.config.MaxRecords > 0 {
			return prune(tx, s.config.MaxRecords)
		}
		return nil
	})
}

// prune deletes the oldest records beyond keep.
func prune(tx *bolt.Tx, keep int) error {
	runs := tx.Bucket(bucketRuns)
	byTime := tx.Bucket(bucketByTime)
	c := byTime.Cursor()
	n := 0
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	excess := n - keep
	if excess <= 0 {
		return nil
	}

	var stale [][]byte
	for k, v := c.First(); k != nil && len(stale) < excess; k, v = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
		if err := runs.Delete(v); err != nil {
			return err
		}
	}
	for _, k := range stale {
		if err := byTime.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the record with the given id.
func (s *Store) Get(id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var r Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		if b == nil {
			return ErrRecordNotFound
		}
		data := b.Get(id[:])
		if data == nil {
			return ErrRecordNotFound
		}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(&r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns up to limit records, newest first.
func (s *Store) List(limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var out []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		byTime := tx.Bucket(bucketByTime)
		if runs == nil || byTime == nil {
			return nil
		}
		c := byTime.Cursor()
		for k, id := c.Last(); k != nil && len(out) < limit; k, id = c.Prev() {
			data := runs.Get(id)
			if data == nil {
				continue
			}
			var r Record
			if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
				return fmt.Errorf("decode record %x: %w", id, err)
			}
			out = append(out, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketRuns); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
