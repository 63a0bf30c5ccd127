package types

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"
)

// TestPubkeyBase58RoundTrip tests text encoding of well-known addresses.
func TestPubkeyBase58RoundTrip(t *testing.T) {
	for _, s := range []string{
		"11111111111111111111111111111111",
		"BPFLoaderUpgradeab1e11111111111111111111111",
		"SysvarC1ock11111111111111111111111111111111",
		"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA",
	} {
		p, err := PubkeyFromBase58(s)
		if err != nil {
			t.Fatalf("PubkeyFromBase58(%q): %v", s, err)
		}
		if p.String() != s {
			t.Errorf("round trip %q -> %q", s, p.String())
		}
	}

	if !SystemProgramAddr.IsZero() {
		t.Error("system program address should be all zeros")
	}
}

// TestPubkeyJSON tests that pubkeys marshal as base58 strings.
func TestPubkeyJSON(t *testing.T) {
	in := map[string]Pubkey{"owner": NativeLoaderAddr}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"owner":"NativeLoader1111111111111111111111111111111"}` {
		t.Fatalf("unexpected json: %s", data)
	}
	var out map[string]Pubkey
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out["owner"] != NativeLoaderAddr {
		t.Error("owner mismatch after round trip")
	}
}

// TestPubkeyFromBase58Invalid tests rejection of bad input.
func TestPubkeyFromBase58Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"invalid alphabet", "0OIl"},
		{"too short", "1111"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := PubkeyFromBase58(tt.input); err == nil {
				t.Errorf("expected error for %q", tt.input)
			}
		})
	}
}

// TestReservedAccountKeys tests the readonly demotion set.
func TestReservedAccountKeys(t *testing.T) {
	if !IsReservedAccountKey(SysvarClockAddr) {
		t.Error("clock sysvar should be reserved")
	}
	if !IsReservedAccountKey(SystemProgramAddr) {
		t.Error("system program should be reserved")
	}
	if IsReservedAccountKey(TokenProgramAddr) {
		t.Error("token program is not reserved")
	}
}

// TestIsOnCurve tests curve membership for real keys and PDAs.
func TestIsOnCurve(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !IsOnCurve(pub) {
		t.Error("ed25519 public key should be on curve")
	}

	pda, _, err := FindProgramAddress([][]byte{[]byte("vault")}, TokenProgramAddr, nil)
	if err != nil {
		t.Fatalf("FindProgramAddress: %v", err)
	}
	if IsOnCurve(pda[:]) {
		t.Error("derived program address must be off curve")
	}
}

// TestFindProgramAddressMatchesCreate tests the bump search against direct creation.
func TestFindProgramAddressMatchesCreate(t *testing.T) {
	seeds := [][]byte{[]byte("metadata"), TokenProgramAddr[:]}
	addr, bump, err := FindProgramAddress(seeds, SystemProgramAddr, nil)
	if err != nil {
		t.Fatal(err)
	}
	direct, err := CreateProgramAddress(append(seeds, []byte{bump}), SystemProgramAddr)
	if err != nil {
		t.Fatalf("CreateProgramAddress with found bump: %v", err)
	}
	if direct != addr {
		t.Error("addresses differ")
	}
}

// TestCreateProgramAddressSeedLimits tests seed validation.
func TestCreateProgramAddressSeedLimits(t *testing.T) {
	long := make([]byte, MaxSeedLen+1)
	if _, err := CreateProgramAddress([][]byte{long}, SystemProgramAddr); err != ErrMaxSeedLengthExceeded {
		t.Errorf("expected ErrMaxSeedLengthExceeded, got %v", err)
	}
	many := make([][]byte, MaxSeeds+1)
	if _, err := CreateProgramAddress(many, SystemProgramAddr); err != ErrMaxSeedLengthExceeded {
		t.Errorf("expected ErrMaxSeedLengthExceeded, got %v", err)
	}
}

// TestCreateWithSeed tests seeded address derivation.
func TestCreateWithSeed(t *testing.T) {
	a, err := CreateWithSeed(SystemProgramAddr, "seed", TokenProgramAddr)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := CreateWithSeed(SystemProgramAddr, "seed", TokenProgramAddr)
	if a != b {
		t.Error("derivation is not deterministic")
	}
	if _, err := CreateWithSeed(SystemProgramAddr, string(make([]byte, 33)), TokenProgramAddr); err == nil {
		t.Error("expected error for long seed")
	}
}

// TestSignatureAndHashText tests text decoding of signatures and hashes.
func TestSignatureAndHashText(t *testing.T) {
	var sig Signature
	sig[0], sig[63] = 7, 9
	var parsed Signature
	if err := parsed.UnmarshalText([]byte(sig.String())); err != nil {
		t.Fatal(err)
	}
	if parsed != sig {
		t.Error("signature mismatch after round trip")
	}
	if err := parsed.UnmarshalText([]byte(SystemProgramAddr.String())); err != ErrInvalidSignature {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}

	h := Hash{1, 2, 3}
	got, err := HashFromBase58(h.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != h || got.IsZero() {
		t.Error("hash mismatch after round trip")
	}
	if _, err := HashFromBase58(sig.String()); err != ErrInvalidHash {
		t.Errorf("expected ErrInvalidHash, got %v", err)
	}
}
