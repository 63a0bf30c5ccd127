package snapshot

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/svmsim/internal/types"
)

type testAccount struct {
	writeVersion uint64
	pubkey       types.Pubkey
	lamports     uint64
	owner        types.Pubkey
	executable   bool
	data         []byte
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// appendVec lays out accounts in append-vec format. The last entry is
// left unpadded when trimLast is set.
func appendVec(accts []testAccount, trimLast bool) []byte {
	buf := &bytes.Buffer{}
	for i, a := range accts {
		writeU64(buf, a.writeVersion)
		writeU64(buf, uint64(len(a.data)))
		buf.Write(a.pubkey[:])

		writeU64(buf, a.lamports)
		writeU64(buf, 7) // rent_epoch
		buf.Write(a.owner[:])
		flags := make([]byte, 8)
		if a.executable {
			flags[0] = 1
		}
		buf.Write(flags)

		buf.Write(bytes.Repeat([]byte{0xee}, AccountHashSize))
		buf.Write(a.data)

		if trimLast && i == len(accts)-1 {
			break
		}
		buf.Write(make([]byte, alignUp(uint64(len(a.data)), appendVecAlignment)-uint64(len(a.data))))
	}
	return buf.Bytes()
}

// TestAppendVecReader tests parsing of a single padded account.
func TestAppendVecReader(t *testing.T) {
	data := []byte("hello data")
	vec := appendVec([]testAccount{{
		writeVersion: 1,
		pubkey:       types.Pubkey{1},
		lamports:     1_000_000,
		owner:        types.Pubkey{2},
		data:         data,
	}}, false)

	if len(vec) != StoredAccountOverhead+16 {
		t.Fatalf("fixture size %d, want %d", len(vec), StoredAccountOverhead+16)
	}

	reader := NewAppendVecReader(vec)
	account, err := reader.ReadAccount()
	if err != nil {
		t.Fatalf("failed to read account: %v", err)
	}

	if account.WriteVersion != 1 {
		t.Errorf("expected write_version=1, got %d", account.WriteVersion)
	}
	if account.Lamports != 1_000_000 {
		t.Errorf("expected lamports=1000000, got %d", account.Lamports)
	}
	if account.RentEpoch != 7 {
		t.Errorf("expected rent_epoch=7, got %d", account.RentEpoch)
	}
	if account.Executable {
		t.Error("expected executable=false")
	}
	if account.Pubkey != (types.Pubkey{1}) || account.Owner != (types.Pubkey{2}) {
		t.Error("pubkey or owner mismatch")
	}
	if account.Hash[0] != 0xee {
		t.Error("hash mismatch")
	}
	if !bytes.Equal(account.Data, data) {
		t.Errorf("expected data=%q, got %q", data, account.Data)
	}
	if reader.Position() != reader.Size() {
		t.Errorf("expected position at end, got %d of %d", reader.Position(), reader.Size())
	}

	if _, err := reader.ReadAccount(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

// TestAppendVecMultipleAccounts tests parsing several accounts, the last
// one unpadded.
func TestAppendVecMultipleAccounts(t *testing.T) {
	accts := []testAccount{
		{writeVersion: 1, pubkey: types.Pubkey{1}, lamports: 100},
		{writeVersion: 2, pubkey: types.Pubkey{2}, lamports: 200, executable: true, data: make([]byte, 8)},
		{writeVersion: 3, pubkey: types.Pubkey{3}, lamports: 300, data: []byte{1, 2, 3}},
	}

	var got []*StoredAccountMeta
	err := IterateAppendVec(appendVec(accts, true), func(a *StoredAccountMeta) error {
		got = append(got, a)
		return nil
	})
	if err != nil {
		t.Fatalf("IterateAppendVec failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 accounts, got %d", len(got))
	}
	for i, a := range got {
		if a.Pubkey != accts[i].pubkey || a.Lamports != accts[i].lamports || a.Executable != accts[i].executable {
			t.Errorf("account %d mismatch: %+v", i, a)
		}
	}
	if !bytes.Equal(got[2].Data, []byte{1, 2, 3}) {
		t.Errorf("unexpected data %v", got[2].Data)
	}
}

// TestAppendVecZeroedTail tests that preallocated zero space ends the
// entries.
func TestAppendVecZeroedTail(t *testing.T) {
	vec := appendVec([]testAccount{{writeVersion: 1, pubkey: types.Pubkey{1}, lamports: 5}}, false)
	vec = append(vec, make([]byte, 4*StoredAccountOverhead)...)

	count := 0
	if err := IterateAppendVec(vec, func(*StoredAccountMeta) error { count++; return nil }); err != nil {
		t.Fatalf("IterateAppendVec failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 account, got %d", count)
	}
}

// TestAppendVecCorrupted tests rejection of impossible data lengths.
func TestAppendVecCorrupted(t *testing.T) {
	vec := appendVec([]testAccount{{writeVersion: 1, pubkey: types.Pubkey{1}, lamports: 5, data: make([]byte, 8)}}, false)
	binary.LittleEndian.PutUint64(vec[8:], 1<<40)

	_, err := NewAppendVecReader(vec).ReadAccount()
	if !errors.Is(err, ErrCorruptedData) {
		t.Errorf("expected ErrCorruptedData, got %v", err)
	}

	stop := errors.New("stop")
	err = IterateAppendVec(appendVec([]testAccount{{pubkey: types.Pubkey{1}, lamports: 1}}, false), func(*StoredAccountMeta) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("expected callback error, got %v", err)
	}
}

// TestParseArchiveName tests snapshot filename parsing.
func TestParseArchiveName(t *testing.T) {
	tests := []struct {
		name        string
		slot        uint64
		base        uint64
		incremental bool
		compressed  bool
		wantErr     bool
	}{
		{"snapshot-100-AbC.tar.zst", 100, 0, false, true, false},
		{"/data/snapshot-7-h.tar", 7, 0, false, false, false},
		{"incremental-snapshot-100-150-xyz.tar.zst", 150, 100, true, true, false},
		{"snapshot-100.tar.zst", 0, 0, false, false, true},
		{"accounts.json", 0, 0, false, false, true},
	}

	for _, tt := range tests {
		info, err := ParseArchiveName(tt.name)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidSnapshot) {
				t.Errorf("%s: expected ErrInvalidSnapshot, got %v", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
			continue
		}
		if info.Slot != tt.slot || info.BaseSlot != tt.base || info.Incremental != tt.incremental || info.IsCompressed != tt.compressed {
			t.Errorf("%s: unexpected info %+v", tt.name, info)
		}
	}
}

// TestLatestArchives tests discovery of the newest full and incremental
// pair.
func TestLatestArchives(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"snapshot-100-a.tar.zst",
		"snapshot-200-b.tar.zst",
		"incremental-snapshot-100-250-c.tar.zst",
		"incremental-snapshot-200-220-d.tar.zst",
		"incremental-snapshot-200-240-e.tar.zst",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	all, err := FindArchives(dir)
	if err != nil {
		t.Fatalf("FindArchives failed: %v", err)
	}
	if len(all) != 5 || all[0].Slot != 250 {
		t.Errorf("unexpected archives %+v", all)
	}

	latest, err := LatestArchives(dir)
	if err != nil {
		t.Fatalf("LatestArchives failed: %v", err)
	}
	if len(latest) != 2 || latest[0].Slot != 200 || latest[1].Slot != 240 {
		t.Errorf("unexpected latest pair %+v", latest)
	}

	if _, err := LatestArchives(t.TempDir()); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
}

// writeArchive writes a zstd tar archive holding the given append-vecs,
// keyed by entry name.
func writeArchive(t *testing.T, path string, vecs map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	write := func(name string, data []byte) {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(data)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	write("version", []byte("1.2.0"))
	for name, data := range vecs {
		write(name, data)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestExtract tests version resolution across a full and an incremental
// archive.
func TestExtract(t *testing.T) {
	var (
		alice    = types.Pubkey{0xa1}
		bob      = types.Pubkey{0xb0}
		carol    = types.Pubkey{0xc0}
		dave     = types.Pubkey{0xd0}
		program  = types.Pubkey{0x99}
		program2 = types.Pubkey{0x98}
	)

	dir := t.TempDir()
	full := filepath.Join(dir, "snapshot-100-h1.tar.zst")
	writeArchive(t, full, map[string][]byte{
		"accounts/90.1": appendVec([]testAccount{
			{writeVersion: 1, pubkey: alice, lamports: 10, owner: types.SystemProgramAddr},
			{writeVersion: 2, pubkey: bob, lamports: 20, owner: program, data: []byte{1}},
		}, false),
		"accounts/100.2": appendVec([]testAccount{
			{writeVersion: 5, pubkey: alice, lamports: 11, owner: types.SystemProgramAddr},
			{writeVersion: 6, pubkey: carol, lamports: 30, owner: program},
			{writeVersion: 7, pubkey: dave, lamports: 40, owner: program},
		}, false),
	})

	incremental := filepath.Join(dir, "incremental-snapshot-100-120-h2.tar.zst")
	writeArchive(t, incremental, map[string][]byte{
		"accounts/120.3": appendVec([]testAccount{
			{writeVersion: 8, pubkey: carol, lamports: 0},                  // closed
			{writeVersion: 9, pubkey: dave, lamports: 41, owner: program2}, // reassigned
			{writeVersion: 10, pubkey: bob, lamports: 25, owner: program, data: []byte{2}},
		}, false),
	})

	t.Run("all", func(t *testing.T) {
		// Incremental first: order of archives does not matter.
		res, err := Extract([]string{incremental, full}, Filter{}, nil)
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		if res.Slot != 120 || res.AppendVecs != 3 || res.Scanned != 8 {
			t.Errorf("unexpected totals %+v", res)
		}
		got := make(map[types.Pubkey]uint64)
		for _, ka := range res.Accounts {
			got[ka.Pubkey] = ka.Account.Lamports
		}
		want := map[types.Pubkey]uint64{alice: 11, bob: 25, dave: 41}
		if len(got) != len(want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
		for k, v := range want {
			if got[k] != v {
				t.Errorf("%s: expected %d lamports, got %d", k, v, got[k])
			}
		}
		if bytes.Compare(res.Accounts[0].Pubkey[:], res.Accounts[1].Pubkey[:]) >= 0 {
			t.Error("expected accounts sorted by address")
		}
	})

	t.Run("keys", func(t *testing.T) {
		res, err := Extract([]string{full, incremental}, NewFilter([]types.Pubkey{bob, carol}, nil), nil)
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		if len(res.Accounts) != 1 || res.Accounts[0].Pubkey != bob || !bytes.Equal(res.Accounts[0].Account.Data, []byte{2}) {
			t.Errorf("unexpected accounts %+v", res.Accounts)
		}
	})

	t.Run("owners", func(t *testing.T) {
		res, err := Extract([]string{full, incremental}, NewFilter(nil, []types.Pubkey{program}), nil)
		if err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
		// dave moved to program2 and carol was closed.
		if len(res.Accounts) != 1 || res.Accounts[0].Pubkey != bob {
			t.Errorf("unexpected accounts %+v", res.Accounts)
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, err := Extract([]string{filepath.Join(dir, "snapshot-1-x.tar.zst")}, Filter{}, nil)
		if !errors.Is(err, ErrSnapshotNotFound) {
			t.Errorf("expected ErrSnapshotNotFound, got %v", err)
		}
	})
}

// TestAppendVecSlot tests archive entry name parsing.
func TestAppendVecSlot(t *testing.T) {
	tests := []struct {
		name string
		slot uint64
		ok   bool
	}{
		{"accounts/123.4", 123, true},
		{"./accounts/5.0", 5, true},
		{"snapshot/accounts/9.9", 9, true},
		{"snapshots/123/123", 0, false},
		{"accounts/123", 0, false},
		{"accounts/a.b", 0, false},
		{"version", 0, false},
	}
	for _, tt := range tests {
		slot, ok := appendVecSlot(tt.name)
		if ok != tt.ok || slot != tt.slot {
			t.Errorf("%s: got (%d, %v), want (%d, %v)", tt.name, slot, ok, tt.slot, tt.ok)
		}
	}
}
