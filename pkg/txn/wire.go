package txn

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/svm"
)

// versionPrefix marks a versioned message; the low seven bits carry the
// version number.
const versionPrefix = 0x80

// DecodeTransaction parses a transaction in wire format.
func DecodeTransaction(data []byte) (*Transaction, error) {
	dec := bin.NewBinDecoder(data)
	tx := new(Transaction)
	if err := tx.UnmarshalWithDecoder(dec); err != nil {
		return nil, err
	}
	if dec.Remaining() != 0 {
		return nil, ErrTrailingBytes
	}
	return tx, nil
}

// UnmarshalWithDecoder reads signatures then the message.
func (tx *Transaction) UnmarshalWithDecoder(dec *bin.Decoder) error {
	n, err := dec.ReadCompactU16()
	if err != nil {
		return fmt.Errorf("signature count: %w", err)
	}
	tx.Signatures = make([]types.Signature, n)
	for i := range tx.Signatures {
		b, err := dec.ReadNBytes(types.SignatureSize)
		if err != nil {
			return fmt.Errorf("signature %d: %w", i, err)
		}
		copy(tx.Signatures[i][:], b)
	}
	return tx.Message.UnmarshalWithDecoder(dec)
}

// MarshalBinary encodes the transaction in wire format.
func (tx *Transaction) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	enc := bin.NewBinEncoder(&buf)
	if err := writeShortVec(enc, len(tx.Signatures)); err != nil {
		return nil, err
	}
	for _, sig := range tx.Signatures {
		if err := enc.WriteBytes(sig[:], false); err != nil {
			return nil, err
		}
	}
	if err := tx.Message.MarshalWithEncoder(enc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalWithDecoder reads a legacy or v0 message. Versions above 0 are
// rejected with svm.ErrUnsupportedVersion and address table lookups with
// ErrAddressLookupUnsupported.
func (m *Message) UnmarshalWithDecoder(dec *bin.Decoder) error {
	first, err := dec.ReadUint8()
	if err != nil {
		return fmt.Errorf("message header: %w", err)
	}
	m.Version = VersionLegacy
	if first&versionPrefix != 0 {
		if v := first &^ versionPrefix; v != 0 {
			return fmt.Errorf("%w: version %d", svm.ErrUnsupportedVersion, v)
		}
		m.Version = Version0
		if first, err = dec.ReadUint8(); err != nil {
			return fmt.Errorf("message header: %w", err)
		}
	}
	m.Header.NumRequiredSignatures = first
	if m.Header.NumReadonlySignedAccounts, err = dec.ReadUint8(); err != nil {
		return fmt.Errorf("message header: %w", err)
	}
	if m.Header.NumReadonlyUnsignedAccounts, err = dec.ReadUint8(); err != nil {
		return fmt.Errorf("message header: %w", err)
	}

	n, err := dec.ReadCompactU16()
	if err != nil {
		return fmt.Errorf("account key count: %w", err)
	}
	m.AccountKeys = make([]types.Pubkey, n)
	for i := range m.AccountKeys {
		if m.AccountKeys[i], err = readPubkey(dec); err != nil {
			return fmt.Errorf("account key %d: %w", i, err)
		}
	}
	b, err := dec.ReadNBytes(types.HashSize)
	if err != nil {
		return fmt.Errorf("recent blockhash: %w", err)
	}
	copy(m.RecentBlockhash[:], b)

	if n, err = dec.ReadCompactU16(); err != nil {
		return fmt.Errorf("instruction count: %w", err)
	}
	m.Instructions = make([]CompiledInstruction, n)
	for i := range m.Instructions {
		ix := &m.Instructions[i]
		if ix.ProgramIDIndex, err = dec.ReadUint8(); err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
		if ix.Accounts, err = readShortVecBytes(dec); err != nil {
			return fmt.Errorf("instruction %d accounts: %w", i, err)
		}
		if ix.Data, err = readShortVecBytes(dec); err != nil {
			return fmt.Errorf("instruction %d data: %w", i, err)
		}
	}

	if m.Version == VersionLegacy {
		return nil
	}
	if n, err = dec.ReadCompactU16(); err != nil {
		return fmt.Errorf("lookup count: %w", err)
	}
	for i := 0; i < n; i++ {
		var lookup AddressTableLookup
		if lookup.AccountKey, err = readPubkey(dec); err != nil {
			return fmt.Errorf("lookup %d: %w", i, err)
		}
		if lookup.WritableIndexes, err = readShortVecBytes(dec); err != nil {
			return fmt.Errorf("lookup %d: %w", i, err)
		}
		if lookup.ReadonlyIndexes, err = readShortVecBytes(dec); err != nil {
			return fmt.Errorf("lookup %d: %w", i, err)
		}
		m.AddressTableLookups = append(m.AddressTableLookups, lookup)
	}
	if len(m.AddressTableLookups) > 0 {
		return ErrAddressLookupUnsupported
	}
	return nil
}

// MarshalBinary encodes the message; these are the bytes signers sign.
func (m *Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.MarshalWithEncoder(bin.NewBinEncoder(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalWithEncoder writes the message in wire format.
func (m *Message) MarshalWithEncoder(enc *bin.Encoder) error {
	if m.Version != VersionLegacy {
		if err := enc.WriteUint8(versionPrefix | uint8(m.Version)); err != nil {
			return err
		}
	}
	for _, b := range []uint8{
		m.Header.NumRequiredSignatures,
		m.Header.NumReadonlySignedAccounts,
		m.Header.NumReadonlyUnsignedAccounts,
	} {
		if err := enc.WriteUint8(b); err != nil {
			return err
		}
	}
	if err := writeShortVec(enc, len(m.AccountKeys)); err != nil {
		return err
	}
	for _, key := range m.AccountKeys {
		if err := enc.WriteBytes(key[:], false); err != nil {
			return err
		}
	}
	if err := enc.WriteBytes(m.RecentBlockhash[:], false); err != nil {
		return err
	}
	if err := writeShortVec(enc, len(m.Instructions)); err != nil {
		return err
	}
	for _, ix := range m.Instructions {
		if err := enc.WriteUint8(ix.ProgramIDIndex); err != nil {
			return err
		}
		if err := writeShortVecBytes(enc, ix.Accounts); err != nil {
			return err
		}
		if err := writeShortVecBytes(enc, ix.Data); err != nil {
			return err
		}
	}
	if m.Version == VersionLegacy {
		return nil
	}
	if err := writeShortVec(enc, len(m.AddressTableLookups)); err != nil {
		return err
	}
	for _, lookup := range m.AddressTableLookups {
		if err := enc.WriteBytes(lookup.AccountKey[:], false); err != nil {
			return err
		}
		if err := writeShortVecBytes(enc, lookup.WritableIndexes); err != nil {
			return err
		}
		if err := writeShortVecBytes(enc, lookup.ReadonlyIndexes); err != nil {
			return err
		}
	}
	return nil
}

func readPubkey(dec *bin.Decoder) (types.Pubkey, error) {
	var key types.Pubkey
	b, err := dec.ReadNBytes(types.PubkeySize)
	if err != nil {
		return key, err
	}
	copy(key[:], b)
	return key, nil
}

func readShortVecBytes(dec *bin.Decoder) ([]byte, error) {
	n, err := dec.ReadCompactU16()
	if err != nil {
		return nil, err
	}
	b, err := dec.ReadNBytes(n)
	if err != nil {
		return nil, err
	}
	return append([]byte{}, b...), nil
}

func writeShortVec(enc *bin.Encoder, n int) error {
	var prefix []byte
	bin.EncodeCompactU16Length(&prefix, n)
	return enc.WriteBytes(prefix, false)
}

func writeShortVecBytes(enc *bin.Encoder, b []byte) error {
	if err := writeShortVec(enc, len(b)); err != nil {
		return err
	}
	return enc.WriteBytes(b, false)
}
