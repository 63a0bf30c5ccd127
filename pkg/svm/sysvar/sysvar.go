// Package sysvar encodes the sysvar accounts programs read at runtime.
//
// Sysvars are stored in bincode layout: fixed-width little-endian fields in
// declaration order.
package sysvar

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// Serialized sizes.
const (
	ClockSize         = 40
	RentSize          = 17
	EpochScheduleSize = 33
)

// Default rent parameters.
const (
	DefaultLamportsPerByteYear = uint64(3480)
	DefaultExemptionThreshold  = 2.0
	DefaultBurnPercent         = uint8(50)

	// AccountStorageOverhead is the per-account byte overhead rent is charged on.
	AccountStorageOverhead = uint64(128)
)

// Clock carries the slot and wall-clock time of the executing bank.
type Clock struct {
	Slot                uint64
	EpochStartTimestamp int64
	Epoch               uint64
	LeaderScheduleEpoch uint64
	UnixTimestamp       int64
}

// MarshalBinary encodes the clock.
func (c Clock) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	for _, err := range []error{
		enc.WriteUint64(c.Slot, bin.LE),
		enc.WriteInt64(c.EpochStartTimestamp, bin.LE),
		enc.WriteUint64(c.Epoch, bin.LE),
		enc.WriteUint64(c.LeaderScheduleEpoch, bin.LE),
		enc.WriteInt64(c.UnixTimestamp, bin.LE),
	} {
		if err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a clock.
func (c *Clock) UnmarshalBinary(data []byte) error {
	if len(data) < ClockSize {
		return fmt.Errorf("clock sysvar: need %d bytes, have %d", ClockSize, len(data))
	}
	dec := bin.NewBinDecoder(data)
	var err error
	if c.Slot, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	if c.EpochStartTimestamp, err = dec.ReadInt64(bin.LE); err != nil {
		return err
	}
	if c.Epoch, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	if c.LeaderScheduleEpoch, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	c.UnixTimestamp, err = dec.ReadInt64(bin.LE)
	return err
}

// Rent holds the rent parameters.
type Rent struct {
	LamportsPerByteYear uint64
	ExemptionThreshold  float64
	BurnPercent         uint8
}

// DefaultRent returns the cluster default rent.
func DefaultRent() Rent {
	return Rent{
		LamportsPerByteYear: DefaultLamportsPerByteYear,
		ExemptionThreshold:  DefaultExemptionThreshold,
		BurnPercent:         DefaultBurnPercent,
	}
}

// MinimumBalance returns the lamports needed for an account of dataLen
// bytes to be rent exempt.
func (r Rent) MinimumBalance(dataLen uint64) uint64 {
	bytesYear := (AccountStorageOverhead + dataLen) * r.LamportsPerByteYear
	return uint64(float64(bytesYear) * r.ExemptionThreshold)
}

// IsExempt reports whether balance covers the exemption minimum.
func (r Rent) IsExempt(balance, dataLen uint64) bool {
	return balance >= r.MinimumBalance(dataLen)
}

// MarshalBinary encodes the rent parameters.
func (r Rent) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint64(r.LamportsPerByteYear, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteFloat64(r.ExemptionThreshold, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(r.BurnPercent); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes rent parameters.
func (r *Rent) UnmarshalBinary(data []byte) error {
	if len(data) < RentSize {
		return fmt.Errorf("rent sysvar: need %d bytes, have %d", RentSize, len(data))
	}
	dec := bin.NewBinDecoder(data)
	var err error
	if r.LamportsPerByteYear, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	if r.ExemptionThreshold, err = dec.ReadFloat64(bin.LE); err != nil {
		return err
	}
	r.BurnPercent, err = dec.ReadUint8()
	return err
}

// EpochSchedule describes how slots map to epochs.
type EpochSchedule struct {
	SlotsPerEpoch            uint64
	LeaderScheduleSlotOffset uint64
	Warmup                   bool
	FirstNormalEpoch         uint64
	FirstNormalSlot          uint64
}

// DefaultEpochSchedule returns the mainnet schedule.
func DefaultEpochSchedule() EpochSchedule {
	return EpochSchedule{
		SlotsPerEpoch:            432_000,
		LeaderScheduleSlotOffset: 432_000,
		Warmup:                   true,
		FirstNormalEpoch:         14,
		FirstNormalSlot:          524_256,
	}
}

// MarshalBinary encodes the schedule.
func (e EpochSchedule) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteUint64(e.SlotsPerEpoch, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(e.LeaderScheduleSlotOffset, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteBool(e.Warmup); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(e.FirstNormalEpoch, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(e.FirstNormalSlot, bin.LE); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a schedule.
func (e *EpochSchedule) UnmarshalBinary(data []byte) error {
	if len(data) < EpochScheduleSize {
		return fmt.Errorf("epoch schedule sysvar: need %d bytes, have %d", EpochScheduleSize, len(data))
	}
	dec := bin.NewBinDecoder(data)
	var err error
	if e.SlotsPerEpoch, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	if e.LeaderScheduleSlotOffset, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	if e.Warmup, err = dec.ReadBool(); err != nil {
		return err
	}
	if e.FirstNormalEpoch, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	e.FirstNormalSlot, err = dec.ReadUint64(bin.LE)
	return err
}
