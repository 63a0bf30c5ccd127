// Package snapshot extracts accounts from Solana validator snapshot
// archives, so a simulation snapshot can be cut from a validator's state
// without any RPC access.
//
// # Archive Format
//
// Validator snapshots are tar archives, usually zstd compressed:
//
//	snapshot-SLOT-HASH.tar.zst
//	├── version
//	├── status_cache
//	├── snapshots/SLOT/SLOT
//	└── accounts/
//	    └── SLOT.ID (append-vec files)
//
// Incremental snapshots (incremental-snapshot-BASE-SLOT-HASH.tar.zst) have
// the same layout and hold only accounts written after BASE.
//
// Each append-vec holds accounts back to back:
//   - StoredMeta: write_version (u64), data_len (u64), pubkey (32 bytes)
//   - AccountMeta: lamports (u64), rent_epoch (u64), owner (32 bytes),
//     executable (bool) padded to 8 bytes
//   - hash (32 bytes)
//   - data (data_len bytes, padded to 8-byte alignment)
//
// The same address may appear in many append-vecs; the copy from the
// highest slot, then the highest write version, is current. A current
// copy with zero lamports marks a deleted account.
package snapshot

import (
	"errors"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
)

// Errors returned by the snapshot package.
var (
	// ErrInvalidSnapshot indicates the archive name or layout is malformed.
	ErrInvalidSnapshot = errors.New("invalid snapshot")

	// ErrCorruptedData indicates an append-vec could not be parsed.
	ErrCorruptedData = errors.New("corrupted snapshot data")

	// ErrSnapshotNotFound indicates no snapshot was found at the path.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrDecompressionFailed indicates zstd decompression failed.
	ErrDecompressionFailed = errors.New("decompression failed")
)

// ArchiveInfo describes a snapshot archive from its file name.
type ArchiveInfo struct {
	// Path is the full path to the archive.
	Path string

	// Slot is the slot at which the snapshot was taken.
	Slot uint64

	// BaseSlot is the full snapshot slot an incremental builds on.
	BaseSlot uint64

	// Hash is the hash from the filename.
	Hash string

	// Incremental reports an incremental snapshot.
	Incremental bool

	// IsCompressed indicates if the archive is zstd compressed.
	IsCompressed bool

	// Size is the file size in bytes.
	Size int64
}

// StoredAccountMeta is one account copy in an append-vec.
type StoredAccountMeta struct {
	WriteVersion uint64
	Pubkey       types.Pubkey
	Lamports     uint64
	RentEpoch    uint64
	Owner        types.Pubkey
	Executable   bool
	Hash         types.Hash
	Data         []byte
}

// ToAccount converts StoredAccountMeta to an accounts.Account.
func (s *StoredAccountMeta) ToAccount() *accounts.Account {
	return &accounts.Account{
		Lamports:   s.Lamports,
		Data:       append([]byte(nil), s.Data...),
		Owner:      s.Owner,
		Executable: s.Executable,
		RentEpoch:  s.RentEpoch,
	}
}

// Filter selects the accounts to extract. An empty filter selects all.
type Filter struct {
	Keys   map[types.Pubkey]bool
	Owners map[types.Pubkey]bool
}

// NewFilter builds a filter from address and owner lists.
func NewFilter(keys, owners []types.Pubkey) Filter {
	f := Filter{}
	if len(keys) > 0 {
		f.Keys = make(map[types.Pubkey]bool, len(keys))
		for _, k := range keys {
			f.Keys[k] = true
		}
	}
	if len(owners) > 0 {
		f.Owners = make(map[types.Pubkey]bool, len(owners))
		for _, o := range owners {
			f.Owners[o] = true
		}
	}
	return f
}

// Empty reports whether the filter selects everything.
func (f Filter) Empty() bool { return len(f.Keys) == 0 && len(f.Owners) == 0 }

// match reports whether an account copy is selected. Deleted copies are
// always selected so they can shadow older live ones.
func (f Filter) match(pubkey, owner types.Pubkey, lamports uint64) bool {
	if f.Empty() || f.Keys[pubkey] || lamports == 0 {
		return true
	}
	return f.Owners[owner]
}

// Result is the outcome of an extraction.
type Result struct {
	// Slot is the highest archive slot read.
	Slot uint64

	// Accounts are the current live accounts selected, sorted by address.
	Accounts []accounts.KeyedAccount

	// Scanned counts every account copy read.
	Scanned uint64

	// AppendVecs counts the append-vec files read.
	AppendVecs int
}
