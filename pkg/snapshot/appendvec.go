package snapshot

import (
	"fmt"
	"io"

	bin "github.com/gagliardetto/binary"

	"github.com/fortiblox/svmsim/internal/types"
)

// AppendVec alignment requirement.
const appendVecAlignment = 8

// Account storage sizes.
const (
	// StoredMetaSize is the size of StoredMeta (write_version + data_len + pubkey).
	StoredMetaSize = 8 + 8 + 32

	// AccountMetaSize is the size of AccountMeta (lamports + rent_epoch +
	// owner + executable, padded).
	AccountMetaSize = 8 + 8 + 32 + 8

	// AccountHashSize is the size of the account hash.
	AccountHashSize = 32

	// StoredAccountOverhead is the size of an entry without its data.
	StoredAccountOverhead = StoredMetaSize + AccountMetaSize + AccountHashSize
)

// MaxAccountDataSize is the largest data length accepted (10 MB).
const MaxAccountDataSize = 10 * 1024 * 1024

// AppendVecReader reads accounts from the contents of one append-vec.
type AppendVecReader struct {
	dec  *bin.Decoder
	size int
}

// NewAppendVecReader creates a reader over an append-vec's bytes.
func NewAppendVecReader(data []byte) *AppendVecReader {
	return &AppendVecReader{
		dec:  bin.NewBinDecoder(data),
		size: len(data),
	}
}

// Size returns the total size of the append-vec.
func (r *AppendVecReader) Size() int { return r.size }

// Position returns the current read offset.
func (r *AppendVecReader) Position() int { return r.size - r.dec.Remaining() }

// ReadAccount reads the next account. It returns io.EOF at the end of the
// entries, which is either the end of the data or the zeroed space that
// follows the last entry in a preallocated file.
func (r *AppendVecReader) ReadAccount() (*StoredAccountMeta, error) {
	if r.dec.Remaining() < StoredAccountOverhead {
		return nil, io.EOF
	}
	start := r.Position()

	account := &StoredAccountMeta{}
	var err error
	if account.WriteVersion, err = r.dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("read write_version: %w", err)
	}
	dataLen, err := r.dec.ReadUint64(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("read data_len: %w", err)
	}
	if account.Pubkey, err = r.readPubkey(); err != nil {
		return nil, fmt.Errorf("read pubkey: %w", err)
	}
	if account.Lamports, err = r.dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("read lamports: %w", err)
	}
	if account.RentEpoch, err = r.dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("read rent_epoch: %w", err)
	}
	if account.Owner, err = r.readPubkey(); err != nil {
		return nil, fmt.Errorf("read owner: %w", err)
	}
	flags, err := r.dec.ReadNBytes(8)
	if err != nil {
		return nil, fmt.Errorf("read executable: %w", err)
	}
	account.Executable = flags[0] != 0

	hash, err := r.dec.ReadNBytes(AccountHashSize)
	if err != nil {
		return nil, fmt.Errorf("read hash: %w", err)
	}
	copy(account.Hash[:], hash)

	if isUnusedEntry(account, dataLen) {
		return nil, io.EOF
	}
	if dataLen > MaxAccountDataSize || dataLen > uint64(r.dec.Remaining()) {
		return nil, fmt.Errorf("%w: data_len %d at offset %d", ErrCorruptedData, dataLen, start)
	}

	if account.Data, err = r.dec.ReadNBytes(int(dataLen)); err != nil {
		return nil, fmt.Errorf("read data: %w", err)
	}

	// The final entry may end without padding.
	padding := min(int(alignUp(dataLen, appendVecAlignment)-dataLen), r.dec.Remaining())
	if padding > 0 {
		if _, err := r.dec.ReadNBytes(padding); err != nil {
			return nil, fmt.Errorf("skip padding: %w", err)
		}
	}
	return account, nil
}

func (r *AppendVecReader) readPubkey() (types.Pubkey, error) {
	var pubkey types.Pubkey
	b, err := r.dec.ReadNBytes(types.PubkeySize)
	if err != nil {
		return pubkey, err
	}
	copy(pubkey[:], b)
	return pubkey, nil
}

// isUnusedEntry reports an all-zero header.
func isUnusedEntry(a *StoredAccountMeta, dataLen uint64) bool {
	return dataLen == 0 && a.WriteVersion == 0 && a.Lamports == 0 &&
		a.Pubkey == types.Pubkey{} && a.Owner == types.Pubkey{}
}

// alignUp aligns n up to the given alignment.
func alignUp(n, alignment uint64) uint64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// IterateAppendVec calls fn for each account in an append-vec. If fn
// returns an error, iteration stops and the error is returned.
func IterateAppendVec(data []byte, fn func(*StoredAccountMeta) error) error {
	reader := NewAppendVecReader(data)
	for {
		account, err := reader.ReadAccount()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read account at offset %d: %w", reader.Position(), err)
		}
		if err := fn(account); err != nil {
			return err
		}
	}
}
