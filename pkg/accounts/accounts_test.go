package accounts

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/fortiblox/svmsim/internal/types"
)

func mustPubkey(t *testing.T, s string) types.Pubkey {
	t.Helper()
	p, err := types.PubkeyFromBase58(s)
	if err != nil {
		t.Fatalf("bad pubkey %q: %v", s, err)
	}
	return p
}

func TestAccountSerialization(t *testing.T) {
	account := &Account{
		Lamports:   1000000000,
		Data:       []byte("test data"),
		Owner:      types.SystemProgramAddr,
		Executable: true,
		RentEpoch:  100,
	}

	restored, err := DeserializeAccount(account.Serialize())
	if err != nil {
		t.Fatalf("Failed to deserialize: %v", err)
	}
	if !restored.Equal(account) {
		t.Errorf("round trip mismatch: got %+v, want %+v", restored, account)
	}

	if _, err := DeserializeAccount([]byte{1, 2, 3}); err != ErrInvalidData {
		t.Errorf("expected ErrInvalidData for short input, got %v", err)
	}
}

func TestAccountClone(t *testing.T) {
	orig := &Account{Lamports: 7, Data: []byte{1, 2, 3}}
	c := orig.Clone()
	c.Data[0] = 9
	c.Lamports = 8
	if orig.Data[0] != 1 || orig.Lamports != 7 {
		t.Error("clone shares state with original")
	}
	var nilAcc *Account
	if nilAcc.Clone() != nil {
		t.Error("clone of nil should be nil")
	}
}

func TestMemoryDB(t *testing.T) {
	db := NewMemoryDB()
	defer db.Close()

	pubkey := types.TokenProgramAddr
	account := &Account{Lamports: 500, Data: []byte("account data"), Owner: types.BPFLoader2Addr, Executable: true}

	if err := db.SetAccount(pubkey, account); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetAccount(pubkey)
	if err != nil || got == nil {
		t.Fatalf("GetAccount: %v %v", got, err)
	}
	if !got.Equal(account) {
		t.Error("stored account mismatch")
	}

	all, err := LoadAll(db)
	if err != nil || len(all) != 1 {
		t.Fatalf("LoadAll: %d %v", len(all), err)
	}

	if err := db.DeleteAccount(pubkey); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetAccount(pubkey); got != nil {
		t.Error("account should be deleted")
	}
}

func TestBadgerDBImport(t *testing.T) {
	db, err := NewBadgerDB(BadgerDBConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	accts := []KeyedAccount{
		{Pubkey: types.TokenProgramAddr, Account: &Account{Lamports: 1, Data: []byte{1}, Owner: types.BPFLoader2Addr, Executable: true}},
		{Pubkey: types.SysvarRentAddr, Account: &Account{Lamports: 0, Owner: types.SystemProgramAddr}},
	}
	if err := db.ImportSnapshot("test", accts); err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}

	count, _ := db.AccountsCount()
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	loaded, err := LoadAll(db)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d accounts, want 2", len(loaded))
	}
	if StateDigest(loaded) != StateDigest(accts) {
		t.Error("digest differs after import")
	}

	info, err := db.Info()
	if err != nil {
		t.Fatal(err)
	}
	if info.Source != "test" || info.ImportedAt.IsZero() {
		t.Errorf("unexpected info %+v", info)
	}

	missing, err := db.GetAccount(types.SysvarClockAddr)
	if err != nil || missing != nil {
		t.Errorf("missing account: %v %v", missing, err)
	}
}

func TestAccountHash(t *testing.T) {
	acc := &Account{Lamports: 10, Data: []byte("x"), Owner: types.SystemProgramAddr}
	h1 := AccountHash(types.TokenProgramAddr, acc)
	h2 := AccountHash(types.TokenProgramAddr, acc.Clone())
	if h1 != h2 {
		t.Error("hash not deterministic")
	}
	if h1 == AccountHash(types.SysvarRentAddr, acc) {
		t.Error("hash must depend on pubkey")
	}
	if !AccountHash(types.TokenProgramAddr, &Account{}).IsZero() {
		t.Error("zero-lamport account should hash to zero")
	}
}

func TestStateDigestOrderIndependent(t *testing.T) {
	a := KeyedAccount{Pubkey: types.TokenProgramAddr, Account: &Account{Lamports: 1}}
	b := KeyedAccount{Pubkey: types.SysvarRentAddr, Account: &Account{Lamports: 2}}
	if StateDigest([]KeyedAccount{a, b}) != StateDigest([]KeyedAccount{b, a}) {
		t.Error("digest depends on input order")
	}
	if StateDigest(nil) != (types.Hash{}) {
		t.Error("empty digest should be zero")
	}
}

const sampleSnapshot = `{"accounts":[` +
	`{"pubkey":"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA","account":{"data":["AQID","base64"],"executable":true,"lamports":1141440,"owner":"BPFLoader2111111111111111111111111111111111","rentEpoch":18446744073709551615,"space":3}},` +
	`{"pubkey":"SysvarRent111111111111111111111111111111111","account":{"data":["","base64"],"executable":false,"lamports":0,"owner":"11111111111111111111111111111111","rentEpoch":0,"space":0}}` +
	`]}`

func TestSnapshotRoundTrip(t *testing.T) {
	accts, err := DecodeSnapshot(strings.NewReader(sampleSnapshot))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(accts) != 2 {
		t.Fatalf("got %d accounts", len(accts))
	}
	if accts[0].Account.RentEpoch != ^uint64(0) {
		t.Errorf("rentEpoch = %d", accts[0].Account.RentEpoch)
	}
	if !bytes.Equal(accts[0].Account.Data, []byte{1, 2, 3}) {
		t.Errorf("data = %v", accts[0].Account.Data)
	}

	var buf bytes.Buffer
	if err := EncodeSnapshot(&buf, accts); err != nil {
		t.Fatal(err)
	}
	if buf.String() != sampleSnapshot {
		t.Errorf("re-encoded snapshot differs:\n got %s\nwant %s", buf.String(), sampleSnapshot)
	}
}

// TestSnapshotEmptyDataRoundTrip tests that accounts without data read back
// identical to what was written.
func TestSnapshotEmptyDataRoundTrip(t *testing.T) {
	key := mustPubkey(t, "SysvarRent111111111111111111111111111111111")
	in := []KeyedAccount{{Pubkey: key, Account: &Account{Lamports: 5, Owner: types.SystemProgramAddr}}}

	for _, name := range []string{"accounts.json", "accounts.json.zst"} {
		path := filepath.Join(t.TempDir(), name)
		if err := WriteSnapshotFile(path, in); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		out, err := ReadSnapshotFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !reflect.DeepEqual(out, in) {
			t.Errorf("%s: got %+v, want %+v", name, out[0].Account, in[0].Account)
		}
	}

	for _, data := range []string{`[]`, `[""]`, `["","base58"]`} {
		got, err := decodeDataPair(mustStrings(t, data))
		if err != nil || got != nil {
			t.Errorf("decodeDataPair(%s) = %v, %v; want nil", data, got, err)
		}
	}
}

func mustStrings(t *testing.T, s string) []string {
	t.Helper()
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestDecodeSnapshotVariants(t *testing.T) {
	zstdData, err := EncodeData([]byte("hello"), EncodingBase64Zstd)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		input   string
		wantErr bool
		want    []byte
	}{
		{
			name:  "address alias",
			input: `{"accounts":[{"address":"SysvarRent111111111111111111111111111111111","account":{"data":["aGk=","base64"],"lamports":1,"owner":"11111111111111111111111111111111"}}]}`,
			want:  []byte("hi"),
		},
		{
			name:  "base58 data",
			input: `{"accounts":[{"pubkey":"SysvarRent111111111111111111111111111111111","account":{"data":["8wr","base58"],"lamports":1,"owner":"11111111111111111111111111111111"}}]}`,
			want:  []byte("hi"),
		},
		{
			name:  "zstd data",
			input: `{"accounts":[{"pubkey":"SysvarRent111111111111111111111111111111111","account":{"data":["` + zstdData[0] + `","base64+zstd"],"lamports":1,"owner":"11111111111111111111111111111111"}}]}`,
			want:  []byte("hello"),
		},
		{
			name:    "bad address",
			input:   `{"accounts":[{"pubkey":"0000","account":{"data":["","base64"],"owner":"11111111111111111111111111111111"}}]}`,
			wantErr: true,
		},
		{
			name:    "bad base64",
			input:   `{"accounts":[{"pubkey":"SysvarRent111111111111111111111111111111111","account":{"data":["!!","base64"],"owner":"11111111111111111111111111111111"}}]}`,
			wantErr: true,
		},
		{
			name: "duplicate",
			input: `{"accounts":[{"pubkey":"SysvarRent111111111111111111111111111111111","account":{"owner":"11111111111111111111111111111111"}},` +
				`{"pubkey":"SysvarRent111111111111111111111111111111111","account":{"owner":"11111111111111111111111111111111"}}]}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			input:   `{"accounts":[`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accts, err := DecodeSnapshot(strings.NewReader(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !bytes.Equal(accts[0].Account.Data, tt.want) {
				t.Errorf("data = %q, want %q", accts[0].Account.Data, tt.want)
			}
		})
	}
}

func TestSnapshotFileCompressed(t *testing.T) {
	dir := t.TempDir()
	accts, err := DecodeSnapshot(strings.NewReader(sampleSnapshot))
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"accounts.json", "accounts.json.zst"} {
		path := filepath.Join(dir, name)
		if err := WriteSnapshotFile(path, accts); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		back, err := ReadSnapshotFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if StateDigest(back) != StateDigest(accts) {
			t.Errorf("%s: digest mismatch", name)
		}
	}
}

func TestSnapshotStoreReads(t *testing.T) {
	owner := types.BPFLoaderUpgradeableAddr
	funded := mustPubkey(t, "SysvarRent111111111111111111111111111111111")
	empty := types.TokenProgramAddr

	store := NewSnapshotStore([]KeyedAccount{
		{Pubkey: funded, Account: &Account{Lamports: 10, Owner: owner}},
		{Pubkey: empty, Account: &Account{Lamports: 0, Owner: owner}},
	})

	idx, ok := store.AccountMatchesOwners(funded, []types.Pubkey{types.SystemProgramAddr, owner})
	if !ok || idx != 1 {
		t.Errorf("AccountMatchesOwners = (%d, %v), want (1, true)", idx, ok)
	}
	if _, ok := store.AccountMatchesOwners(empty, []types.Pubkey{owner}); ok {
		t.Error("zero-lamport account must not match")
	}
	if _, ok := store.AccountMatchesOwners(types.SysvarClockAddr, []types.Pubkey{owner}); ok {
		t.Error("missing account must not match")
	}

	acc, ok := store.GetAccount(funded)
	if !ok {
		t.Fatal("account missing")
	}
	acc.Lamports = 99
	again, _ := store.GetAccount(funded)
	if again.Lamports != 10 {
		t.Error("GetAccount must return a copy")
	}
}

func TestSnapshotStoreBuiltinAccount(t *testing.T) {
	store := NewSnapshotStore(nil)
	store.AddBuiltinAccount("system_program", types.SystemProgramAddr)

	acc, ok := store.GetAccount(types.SystemProgramAddr)
	if !ok {
		t.Fatal("builtin account missing")
	}
	if acc.Lamports != 5000 || !acc.Executable || acc.Owner != types.NativeLoaderAddr || string(acc.Data) != "system_program" || acc.RentEpoch != 0 {
		t.Errorf("unexpected builtin account %+v", acc)
	}
}

func TestSnapshotStoreConcurrentAccess(t *testing.T) {
	store := NewSnapshotStore(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			var pk types.Pubkey
			pk[0] = byte(i)
			store.SetAccount(pk, &Account{Lamports: uint64(i)})
		}(i)
		go func() {
			defer wg.Done()
			store.GetAccount(types.SystemProgramAddr)
			store.Accounts()
		}()
	}
	wg.Wait()
	if store.Len() != 8 {
		t.Errorf("Len = %d, want 8", store.Len())
	}
	accts := store.Accounts()
	for i := 1; i < len(accts); i++ {
		if accts[i-1].Pubkey.Compare(accts[i].Pubkey) >= 0 {
			t.Fatal("Accounts not sorted")
		}
	}
}
