package accounts

import (
	"encoding/binary"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/zeebo/blake3"
)

// AccountHash computes the hash of a single account:
// BLAKE3(lamports || rent_epoch || data || executable || owner || pubkey)
//
// Accounts with zero lamports hash to the zero hash, as on chain.
func AccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	if account == nil || account.Lamports == 0 {
		return types.Hash{}
	}

	h := blake3.New()
	var u64 [8]byte

	binary.LittleEndian.PutUint64(u64[:], account.Lamports)
	h.Write(u64[:])

	binary.LittleEndian.PutUint64(u64[:], account.RentEpoch)
	h.Write(u64[:])

	h.Write(account.Data)

	if account.Executable {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}

	h.Write(account.Owner[:])
	h.Write(pubkey[:])

	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// StateDigest fingerprints a set of accounts: the Merkle root of their
// account hashes in address order. The input slice is not modified.
func StateDigest(accts []KeyedAccount) types.Hash {
	sorted := make([]KeyedAccount, len(accts))
	copy(sorted, accts)
	SortKeyedAccounts(sorted)

	hashes := make([]types.Hash, len(sorted))
	for i, ka := range sorted {
		hashes[i] = AccountHash(ka.Pubkey, ka.Account)
	}
	return ComputeMerkleRoot(hashes)
}

// ComputeMerkleRoot computes the Merkle root of a list of hashes.
//
// Tree structure:
// - Leaf: BLAKE3(0x00 || hash)
// - Node: BLAKE3(0x01 || left || right)
// - If odd number of nodes, last node is paired with zero hash
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}

	level := make([]types.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = computeLeafHash(h)
	}

	for len(level) > 1 {
		nextLevel := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			nextLevel[i/2] = computeNodeHash(left, right)
		}
		level = nextLevel
	}

	return level[0]
}

func computeLeafHash(data types.Hash) types.Hash {
	buf := make([]byte, 1+32)
	copy(buf[1:], data[:])
	return blake3.Sum256(buf)
}

func computeNodeHash(left, right types.Hash) types.Hash {
	buf := make([]byte, 1+32+32)
	buf[0] = 0x01
	copy(buf[1:], left[:])
	copy(buf[33:], right[:])
	return blake3.Sum256(buf)
}
