package bpfloader

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/fortiblox/svmsim/internal/types"
)

// Upgradeable loader account states.
const (
	StateUninitialized uint32 = iota
	StateBuffer
	StateProgram
	StateProgramData
)

// Serialized sizes of the upgradeable loader account states.
const (
	UninitializedSize       = 4
	BufferMetadataSize      = 4 + 1 + types.PubkeySize
	ProgramSize             = 4 + types.PubkeySize
	ProgramDataMetadataSize = 4 + 8 + 1 + types.PubkeySize
)

// ErrNotProgramAccount is returned by ProgramDataAddress for data that
// does not hold a Program state.
var ErrNotProgramAccount = errors.New("bpfloader: not an upgradeable program account")

// State is the decoded header of an account owned by the upgradeable
// loader. Which fields are meaningful depends on Type.
type State struct {
	Type uint32

	// Authority is the buffer authority (StateBuffer) or the upgrade
	// authority (StateProgramData). Nil means immutable.
	Authority *types.Pubkey

	// ProgramDataAddress is set for StateProgram.
	ProgramDataAddress types.Pubkey

	// Slot is the deployment slot for StateProgramData.
	Slot uint64
}

// UnmarshalWithDecoder reads the bincode form.
func (s *State) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if s.Type, err = dec.ReadUint32(bin.LE); err != nil {
		return err
	}
	switch s.Type {
	case StateUninitialized:
		return nil
	case StateBuffer:
		s.Authority, err = readOptionalPubkey(dec)
		return err
	case StateProgram:
		b, err := dec.ReadNBytes(types.PubkeySize)
		if err != nil {
			return err
		}
		copy(s.ProgramDataAddress[:], b)
		return nil
	case StateProgramData:
		if s.Slot, err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
		s.Authority, err = readOptionalPubkey(dec)
		return err
	default:
		return fmt.Errorf("bpfloader: unknown account state %d", s.Type)
	}
}

// MarshalWithEncoder writes the bincode form.
func (s State) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint32(s.Type, bin.LE); err != nil {
		return err
	}
	switch s.Type {
	case StateUninitialized:
		return nil
	case StateBuffer:
		return writeOptionalPubkey(enc, s.Authority)
	case StateProgram:
		return enc.WriteBytes(s.ProgramDataAddress[:], false)
	case StateProgramData:
		if err := enc.WriteUint64(s.Slot, bin.LE); err != nil {
			return err
		}
		return writeOptionalPubkey(enc, s.Authority)
	default:
		return fmt.Errorf("bpfloader: unknown account state %d", s.Type)
	}
}

// Encode returns the bincode form.
func (s State) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.MarshalWithEncoder(bin.NewBinEncoder(&buf)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeState decodes the state header at the start of data.
func DecodeState(data []byte) (State, error) {
	var s State
	err := s.UnmarshalWithDecoder(bin.NewBinDecoder(data))
	return s, err
}

// ProgramDataAddress returns the programdata address recorded in an
// upgradeable program account.
func ProgramDataAddress(data []byte) (types.Pubkey, error) {
	if len(data) < ProgramSize {
		return types.Pubkey{}, ErrNotProgramAccount
	}
	s, err := DecodeState(data)
	if err != nil || s.Type != StateProgram {
		return types.Pubkey{}, ErrNotProgramAccount
	}
	return s.ProgramDataAddress, nil
}

func readOptionalPubkey(dec *bin.Decoder) (*types.Pubkey, error) {
	tag, err := dec.ReadUint8()
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	b, err := dec.ReadNBytes(types.PubkeySize)
	if err != nil {
		return nil, err
	}
	var key types.Pubkey
	copy(key[:], b)
	return &key, nil
}

// writeOptionalPubkey always writes the key bytes so the metadata keeps
// its fixed size.
func writeOptionalPubkey(enc *bin.Encoder, key *types.Pubkey) error {
	if key == nil {
		if err := enc.WriteUint8(0); err != nil {
			return err
		}
		return enc.WriteBytes(make([]byte, types.PubkeySize), false)
	}
	if err := enc.WriteUint8(1); err != nil {
		return err
	}
	return enc.WriteBytes(key[:], false)
}
