package accounts

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/klauspost/compress/zstd"
)

// ErrInvalidSnapshot is returned when a snapshot file cannot be decoded.
var ErrInvalidSnapshot = errors.New("invalid account snapshot")

// Snapshot file layout:
//
//	{"accounts":[{"pubkey":"<b58>","account":{"data":["<b64>","base64"],
//	  "executable":false,"lamports":1,"owner":"<b58>","rentEpoch":0,"space":0}}]}
type snapshotFile struct {
	Accounts []snapshotEntry `json:"accounts"`
}

type snapshotEntry struct {
	Pubkey  string          `json:"pubkey"`
	Account snapshotAccount `json:"account"`
}

// snapshotEntryIn also accepts "address" for the entry key.
type snapshotEntryIn struct {
	Pubkey  string          `json:"pubkey"`
	Address string          `json:"address"`
	Account snapshotAccount `json:"account"`
}

type snapshotAccount struct {
	Data       []string `json:"data"`
	Executable bool     `json:"executable"`
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	RentEpoch  uint64   `json:"rentEpoch"`
	Space      uint64   `json:"space"`
}

// DecodeSnapshot reads a JSON account snapshot. Entries keep file order.
func DecodeSnapshot(r io.Reader) ([]KeyedAccount, error) {
	var file struct {
		Accounts []snapshotEntryIn `json:"accounts"`
	}
	dec := json.NewDecoder(r)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	out := make([]KeyedAccount, 0, len(file.Accounts))
	seen := make(map[types.Pubkey]struct{}, len(file.Accounts))
	for i, e := range file.Accounts {
		addr := e.Pubkey
		if addr == "" {
			addr = e.Address
		}
		pubkey, err := types.PubkeyFromBase58(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: address: %v", ErrInvalidSnapshot, i, err)
		}
		if _, dup := seen[pubkey]; dup {
			return nil, fmt.Errorf("%w: entry %d: duplicate address %s", ErrInvalidSnapshot, i, pubkey)
		}
		seen[pubkey] = struct{}{}

		owner, err := types.PubkeyFromBase58(e.Account.Owner)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: owner: %v", ErrInvalidSnapshot, i, err)
		}
		data, err := decodeDataPair(e.Account.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: data: %v", ErrInvalidSnapshot, i, err)
		}

		out = append(out, KeyedAccount{
			Pubkey: pubkey,
			Account: &Account{
				Lamports:   e.Account.Lamports,
				Data:       data,
				Owner:      owner,
				Executable: e.Account.Executable,
				RentEpoch:  e.Account.RentEpoch,
			},
		})
	}
	return out, nil
}

// EncodeSnapshot writes accts in the snapshot JSON layout with base64 data.
func EncodeSnapshot(w io.Writer, accts []KeyedAccount) error {
	file := snapshotFile{Accounts: make([]snapshotEntry, 0, len(accts))}
	for _, ka := range accts {
		data, err := EncodeData(ka.Account.Data, EncodingBase64)
		if err != nil {
			return err
		}
		file.Accounts = append(file.Accounts, snapshotEntry{
			Pubkey: ka.Pubkey.String(),
			Account: snapshotAccount{
				Data:       data,
				Executable: ka.Account.Executable,
				Lamports:   ka.Account.Lamports,
				Owner:      ka.Account.Owner.String(),
				RentEpoch:  ka.Account.RentEpoch,
				Space:      uint64(len(ka.Account.Data)),
			},
		})
	}
	buf, err := json.Marshal(file)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadSnapshotFile loads a snapshot from disk. Paths ending in ".zst" are
// zstd-compressed.
func ReadSnapshotFile(path string) ([]KeyedAccount, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	accts, err := DecodeSnapshot(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return accts, nil
}

// WriteSnapshotFile writes accts to path atomically via a temp file.
func WriteSnapshotFile(path string, accts []KeyedAccount) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	var zw *zstd.Encoder
	if strings.HasSuffix(path, ".zst") {
		zw, err = zstd.NewWriter(tmp)
		if err != nil {
			tmp.Close()
			return err
		}
		w = zw
	}

	if err := EncodeSnapshot(w, accts); err != nil {
		tmp.Close()
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
