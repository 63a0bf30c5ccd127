package snapshot

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
)

// Snapshot filename patterns.
var (
	// Full snapshot: snapshot-SLOT-HASH.tar.zst or snapshot-SLOT-HASH.tar
	fullSnapshotPattern = regexp.MustCompile(`^snapshot-(\d+)-([a-zA-Z0-9]+)\.(tar\.zst|tar)$`)

	// Incremental snapshot: incremental-snapshot-BASESLOT-SLOT-HASH.tar.zst
	incrementalSnapshotPattern = regexp.MustCompile(`^incremental-snapshot-(\d+)-(\d+)-([a-zA-Z0-9]+)\.(tar\.zst|tar)$`)
)

// ParseArchiveName reads slot and hash from a snapshot archive name.
func ParseArchiveName(name string) (ArchiveInfo, error) {
	name = filepath.Base(name)
	if m := fullSnapshotPattern.FindStringSubmatch(name); m != nil {
		slot, _ := strconv.ParseUint(m[1], 10, 64)
		return ArchiveInfo{
			Slot:         slot,
			Hash:         m[2],
			IsCompressed: strings.HasSuffix(name, ".zst"),
		}, nil
	}
	if m := incrementalSnapshotPattern.FindStringSubmatch(name); m != nil {
		base, _ := strconv.ParseUint(m[1], 10, 64)
		slot, _ := strconv.ParseUint(m[2], 10, 64)
		return ArchiveInfo{
			Slot:         slot,
			BaseSlot:     base,
			Hash:         m[3],
			Incremental:  true,
			IsCompressed: strings.HasSuffix(name, ".zst"),
		}, nil
	}
	return ArchiveInfo{}, fmt.Errorf("%w: unrecognized filename %q", ErrInvalidSnapshot, name)
}

// FindArchives discovers snapshot archives in a directory.
// Returns archives sorted by slot (newest first).
func FindArchives(dir string) ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var archives []ArchiveInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := ParseArchiveName(entry.Name())
		if err != nil {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		info.Path = filepath.Join(dir, entry.Name())
		info.Size = fi.Size()
		archives = append(archives, info)
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Slot > archives[j].Slot
	})
	return archives, nil
}

// LatestArchives picks the newest full snapshot in dir and the newest
// incremental snapshot built on it, if any.
func LatestArchives(dir string) ([]ArchiveInfo, error) {
	archives, err := FindArchives(dir)
	if err != nil {
		return nil, err
	}

	var full *ArchiveInfo
	for i := range archives {
		if !archives[i].Incremental {
			full = &archives[i]
			break
		}
	}
	if full == nil {
		return nil, fmt.Errorf("%w in %s", ErrSnapshotNotFound, dir)
	}

	out := []ArchiveInfo{*full}
	for _, a := range archives {
		if a.Incremental && a.BaseSlot == full.Slot {
			out = append(out, a)
			break
		}
	}
	return out, nil
}

// version orders copies of one account.
type version struct {
	slot         uint64
	writeVersion uint64
}

func (v version) newer(o version) bool {
	if v.slot != o.slot {
		return v.slot > o.slot
	}
	return v.writeVersion > o.writeVersion
}

type pickedAccount struct {
	version version
	account *accounts.Account
}

// Extractor collects the current state of selected accounts across one or
// more archives. Archives may be added in any order.
type Extractor struct {
	filter Filter
	logger *slog.Logger

	// latest tracks every address when selecting by owner, since a newer
	// copy under another owner supersedes a selected one.
	latest map[types.Pubkey]version
	picked map[types.Pubkey]pickedAccount

	result Result
}

// NewExtractor creates an extractor. A nil logger uses slog.Default().
func NewExtractor(filter Filter, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{
		filter: filter,
		logger: logger,
		picked: make(map[types.Pubkey]pickedAccount),
	}
	if len(filter.Owners) > 0 {
		e.latest = make(map[types.Pubkey]version)
	}
	return e
}

// AddArchive reads every append-vec of the archive at path.
func (e *Extractor) AddArchive(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, path)
		}
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()

	if info, err := ParseArchiveName(path); err == nil {
		e.result.Slot = max(e.result.Slot, info.Slot)
	}

	var reader io.Reader = file
	if strings.HasSuffix(path, ".zst") {
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		defer decoder.Close()
		reader = decoder
	}

	before := e.result.AppendVecs
	if err := e.AddTar(reader); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	e.logger.Info("snapshot archive read",
		"path", path,
		"append_vecs", e.result.AppendVecs-before,
		"selected", len(e.picked))
	return nil
}

// AddTar reads the append-vecs of an uncompressed tar stream.
func (e *Extractor) AddTar(r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		slot, ok := appendVecSlot(header.Name)
		if !ok || header.Typeflag != tar.TypeReg {
			continue
		}

		data := make([]byte, header.Size)
		if _, err := io.ReadFull(tr, data); err != nil {
			return fmt.Errorf("read %s: %w", header.Name, err)
		}
		if err := e.AddAppendVec(slot, data); err != nil {
			return fmt.Errorf("%s: %w", header.Name, err)
		}
	}
}

// AddAppendVec reads the accounts of one append-vec written at slot.
func (e *Extractor) AddAppendVec(slot uint64, data []byte) error {
	e.result.AppendVecs++
	e.result.Slot = max(e.result.Slot, slot)
	return IterateAppendVec(data, func(stored *StoredAccountMeta) error {
		e.result.Scanned++
		v := version{slot: slot, writeVersion: stored.WriteVersion}

		if e.latest != nil {
			if cur, ok := e.latest[stored.Pubkey]; !ok || v.newer(cur) {
				e.latest[stored.Pubkey] = v
			}
		}
		if !e.filter.Empty() && !e.filter.Keys[stored.Pubkey] && !e.filter.Owners[stored.Owner] {
			return nil
		}
		if cur, ok := e.picked[stored.Pubkey]; ok && !v.newer(cur.version) {
			return nil
		}
		e.picked[stored.Pubkey] = pickedAccount{version: v, account: stored.ToAccount()}
		return nil
	})
}

// Result returns the selected live accounts, sorted by address.
func (e *Extractor) Result() *Result {
	res := e.result
	res.Accounts = make([]accounts.KeyedAccount, 0, len(e.picked))
	for key, p := range e.picked {
		if e.latest != nil && e.latest[key] != p.version {
			continue
		}
		if p.account.Lamports == 0 {
			continue
		}
		res.Accounts = append(res.Accounts, accounts.KeyedAccount{Pubkey: key, Account: p.account.Clone()})
	}
	sort.Slice(res.Accounts, func(i, j int) bool {
		return bytes.Compare(res.Accounts[i].Pubkey[:], res.Accounts[j].Pubkey[:]) < 0
	})
	return &res
}

// Extract reads the archives at paths, typically a full snapshot and an
// incremental one, and returns the selected accounts.
func Extract(paths []string, filter Filter, logger *slog.Logger) (*Result, error) {
	e := NewExtractor(filter, logger)
	for _, p := range paths {
		if err := e.AddArchive(p); err != nil {
			return nil, err
		}
	}
	return e.Result(), nil
}

// appendVecSlot parses the slot from an accounts/SLOT.ID entry name.
func appendVecSlot(name string) (uint64, bool) {
	dir, file := path.Split(strings.TrimPrefix(name, "./"))
	if path.Base(strings.TrimSuffix(dir, "/")) != "accounts" {
		return 0, false
	}
	parts := strings.Split(file, ".")
	if len(parts) != 2 {
		return 0, false
	}
	slot, err1 := strconv.ParseUint(parts[0], 10, 64)
	_, err2 := strconv.ParseUint(parts[1], 10, 64)
	return slot, err1 == nil && err2 == nil
}
