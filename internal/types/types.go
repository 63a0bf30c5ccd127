// Package types holds the fixed-size identifiers every simulator package
// passes around: account addresses, transaction signatures and hashes.
//
// All three render as base58, both on the command line and in JSON.
package types

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	PubkeySize    = 32
	SignatureSize = 64
	HashSize      = 32
)

var (
	ErrInvalidPubkey    = errors.New("invalid pubkey: must be 32 bytes")
	ErrInvalidSignature = errors.New("invalid signature: must be 64 bytes")
	ErrInvalidHash      = errors.New("invalid hash: must be 32 bytes")
)

// decodeFixed base58-decodes s into dst, which must be filled exactly.
func decodeFixed(dst []byte, s string, sizeErr error) error {
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("base58 decode %q: %w", s, err)
	}
	if len(raw) != len(dst) {
		return sizeErr
	}
	copy(dst, raw)
	return nil
}

// Pubkey is an account address.
type Pubkey [PubkeySize]byte

// PubkeyFromBase58 parses an address.
func PubkeyFromBase58(s string) (Pubkey, error) {
	var p Pubkey
	err := decodeFixed(p[:], s, ErrInvalidPubkey)
	return p, err
}

func (p Pubkey) String() string { return base58.Encode(p[:]) }
func (p Pubkey) IsZero() bool   { return p == Pubkey{} }
func (p Pubkey) Bytes() []byte  { return p[:] }

// Compare orders addresses bytewise, the order account lists are sorted in.
func (p Pubkey) Compare(other Pubkey) int {
	return bytes.Compare(p[:], other[:])
}

func (p Pubkey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pubkey) UnmarshalText(text []byte) error {
	return decodeFixed(p[:], string(text), ErrInvalidPubkey)
}

// Signature is an Ed25519 transaction signature.
type Signature [SignatureSize]byte

func (s Signature) String() string { return base58.Encode(s[:]) }
func (s Signature) IsZero() bool   { return s == Signature{} }

// Verify checks the signature over message for signer. Simulation skips
// it unless the caller asks for signature verification.
func (s Signature) Verify(signer Pubkey, message []byte) bool {
	return ed25519.Verify(signer[:], message, s[:])
}

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	return decodeFixed(s[:], string(text), ErrInvalidSignature)
}

// Hash is a blockhash or an account state digest.
type Hash [HashSize]byte

// HashFromBase58 parses a hash.
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	err := decodeFixed(h[:], s, ErrInvalidHash)
	return h, err
}

func (h Hash) String() string { return base58.Encode(h[:]) }
func (h Hash) IsZero() bool   { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	return decodeFixed(h[:], string(text), ErrInvalidHash)
}
