// Package txn models Solana transactions: wire decoding and encoding,
// message compilation and the sanitized form the processor executes.
package txn

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"

	"github.com/fortiblox/svmsim/internal/types"
)

// Errors.
var (
	ErrAddressLookupUnsupported = errors.New("txn: address table lookups are not supported")
	ErrTrailingBytes            = errors.New("txn: trailing bytes after transaction")
	ErrTooManyAccounts          = errors.New("txn: message references more than 256 accounts")
	ErrMissingSigner            = errors.New("txn: no private key for required signer")
	ErrSignatureFailure         = errors.New("txn: signature verification failed")
)

// MessageVersion distinguishes legacy and versioned messages.
type MessageVersion int

const (
	// VersionLegacy is a message without a version prefix.
	VersionLegacy MessageVersion = -1
	// Version0 is a v0 message.
	Version0 MessageVersion = 0
)

func (v MessageVersion) String() string {
	if v == VersionLegacy {
		return "legacy"
	}
	return fmt.Sprintf("%d", int(v))
}

// MessageHeader describes the account types in a transaction.
type MessageHeader struct {
	// NumRequiredSignatures is the number of signatures required.
	NumRequiredSignatures uint8

	// NumReadonlySignedAccounts is the number of readonly signer accounts.
	NumReadonlySignedAccounts uint8

	// NumReadonlyUnsignedAccounts is the number of readonly non-signer accounts.
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction is an instruction whose accounts are indexes into
// the message's account keys.
type CompiledInstruction struct {
	// ProgramIDIndex is the index of the program account in AccountKeys.
	ProgramIDIndex uint8

	// Accounts lists the account indexes this instruction uses.
	Accounts []uint8

	// Data is the instruction data passed to the program.
	Data []byte
}

// AddressTableLookup represents a lookup into an address lookup table.
type AddressTableLookup struct {
	AccountKey      types.Pubkey
	WritableIndexes []uint8
	ReadonlyIndexes []uint8
}

// Message is the signed part of a transaction.
type Message struct {
	Version             MessageVersion
	Header              MessageHeader
	AccountKeys         []types.Pubkey
	RecentBlockhash     types.Hash
	Instructions        []CompiledInstruction
	AddressTableLookups []AddressTableLookup
}

// Transaction is a message with its signatures.
type Transaction struct {
	Signatures []types.Signature
	Message    Message
}

// AccountMeta describes an account passed to an instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction is an instruction with its accounts spelled out.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// NewMessage compiles instructions into a legacy message. The payer comes
// first, then the remaining accounts ordered writable signers, readonly
// signers, writable non-signers and readonly non-signers. Program ids are
// readonly non-signers unless an instruction marks them otherwise.
func NewMessage(payer types.Pubkey, instructions []Instruction, blockhash types.Hash) (*Message, error) {
	type role struct {
		signer, writable bool
		order            int
	}
	roles := map[types.Pubkey]*role{payer: {signer: true, writable: true}}
	next := 1
	add := func(key types.Pubkey, signer, writable bool) {
		r, ok := roles[key]
		if !ok {
			r = &role{order: next}
			next++
			roles[key] = r
		}
		r.signer = r.signer || signer
		r.writable = r.writable || writable
	}
	for _, ix := range instructions {
		for _, meta := range ix.Accounts {
			add(meta.Pubkey, meta.IsSigner, meta.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}
	if len(roles) > 256 {
		return nil, ErrTooManyAccounts
	}

	keys := make([]types.Pubkey, 0, len(roles))
	for key := range roles {
		keys = append(keys, key)
	}
	class := func(r *role) int {
		switch {
		case r.signer && r.writable:
			return 0
		case r.signer:
			return 1
		case r.writable:
			return 2
		default:
			return 3
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := roles[keys[i]], roles[keys[j]]
		if ca, cb := class(a), class(b); ca != cb {
			return ca < cb
		}
		return a.order < b.order
	})

	msg := &Message{Version: VersionLegacy, AccountKeys: keys, RecentBlockhash: blockhash}
	index := make(map[types.Pubkey]uint8, len(keys))
	for i, key := range keys {
		index[key] = uint8(i)
		r := roles[key]
		switch class(r) {
		case 0:
			msg.Header.NumRequiredSignatures++
		case 1:
			msg.Header.NumRequiredSignatures++
			msg.Header.NumReadonlySignedAccounts++
		case 3:
			msg.Header.NumReadonlyUnsignedAccounts++
		}
	}
	for _, ix := range instructions {
		compiled := CompiledInstruction{
			ProgramIDIndex: index[ix.ProgramID],
			Accounts:       make([]uint8, len(ix.Accounts)),
			Data:           ix.Data,
		}
		for i, meta := range ix.Accounts {
			compiled.Accounts[i] = index[meta.Pubkey]
		}
		msg.Instructions = append(msg.Instructions, compiled)
	}
	return msg, nil
}

// IsSigner reports whether the account at index i must sign.
func (m *Message) IsSigner(i int) bool {
	return i < int(m.Header.NumRequiredSignatures)
}

// IsWritableIndex reports whether the header grants write access to the
// account at index i.
func (m *Message) IsWritableIndex(i int) bool {
	numSigners := int(m.Header.NumRequiredSignatures)
	if i < numSigners {
		return i < numSigners-int(m.Header.NumReadonlySignedAccounts)
	}
	return i < len(m.AccountKeys)-int(m.Header.NumReadonlyUnsignedAccounts)
}

// NewTransaction signs msg with the given keys. Every required signer
// must have a key.
func NewTransaction(msg Message, keys ...ed25519.PrivateKey) (*Transaction, error) {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return nil, err
	}
	byKey := make(map[types.Pubkey]ed25519.PrivateKey, len(keys))
	for _, k := range keys {
		var pub types.Pubkey
		copy(pub[:], k.Public().(ed25519.PublicKey))
		byKey[pub] = k
	}
	tx := &Transaction{Message: msg, Signatures: make([]types.Signature, msg.Header.NumRequiredSignatures)}
	for i := range tx.Signatures {
		priv, ok := byKey[msg.AccountKeys[i]]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingSigner, msg.AccountKeys[i])
		}
		copy(tx.Signatures[i][:], ed25519.Sign(priv, payload))
	}
	return tx, nil
}

// VerifySignatures checks every signature against the serialized message.
func (tx *Transaction) VerifySignatures() error {
	payload, err := tx.Message.MarshalBinary()
	if err != nil {
		return err
	}
	if len(tx.Signatures) > len(tx.Message.AccountKeys) {
		return fmt.Errorf("%w: more signatures than account keys", ErrSignatureFailure)
	}
	for i, sig := range tx.Signatures {
		if !sig.Verify(tx.Message.AccountKeys[i], payload) {
			return fmt.Errorf("%w: signer %s", ErrSignatureFailure, tx.Message.AccountKeys[i])
		}
	}
	return nil
}

// NewUnsignedTransaction wraps msg with zero signatures, as simulation
// accepts.
func NewUnsignedTransaction(msg Message) *Transaction {
	return &Transaction{Message: msg, Signatures: make([]types.Signature, msg.Header.NumRequiredSignatures)}
}
