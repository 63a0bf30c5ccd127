package sbpf

import (
	"encoding/binary"
	"fmt"
)

// InstructionSize is the size of one encoded instruction slot.
const InstructionSize = 8

// Instruction classes (bits 0-2).
const (
	ClassLd    = 0x00
	ClassLdx   = 0x01
	ClassSt    = 0x02
	ClassStx   = 0x03
	ClassAlu   = 0x04
	ClassJmp   = 0x05
	ClassJmp32 = 0x06
	ClassAlu64 = 0x07
)

// Operand source (bit 3).
const (
	SrcK = 0x00
	SrcX = 0x08
)

// ALU operations (bits 4-7).
const (
	AluAdd  = 0x00
	AluSub  = 0x10
	AluMul  = 0x20
	AluDiv  = 0x30
	AluOr   = 0x40
	AluAnd  = 0x50
	AluLsh  = 0x60
	AluRsh  = 0x70
	AluNeg  = 0x80
	AluMod  = 0x90
	AluXor  = 0xa0
	AluMov  = 0xb0
	AluArsh = 0xc0
	AluEnd  = 0xd0
)

// Load/store sizes (bits 3-4) and modes (bits 5-7).
const (
	SizeW  = 0x00
	SizeH  = 0x08
	SizeB  = 0x10
	SizeDW = 0x18

	ModeImm = 0x00
	ModeMem = 0x60
)

// Jump operations (bits 4-7).
const (
	JmpJa   = 0x00
	JmpJeq  = 0x10
	JmpJgt  = 0x20
	JmpJge  = 0x30
	JmpJset = 0x40
	JmpJne  = 0x50
	JmpJsgt = 0x60
	JmpJsge = 0x70
	JmpCall = 0x80
	JmpExit = 0x90
	JmpJlt  = 0xa0
	JmpJle  = 0xb0
	JmpJslt = 0xc0
	JmpJsle = 0xd0
)

// Opcodes the interpreter dispatches on directly. ALU and conditional
// jumps are decoded from their class and operation bits instead.
const (
	OpLddw = ClassLd | ModeImm | SizeDW // 0x18

	OpLdxb  = ClassLdx | ModeMem | SizeB  // 0x71
	OpLdxh  = ClassLdx | ModeMem | SizeH  // 0x69
	OpLdxw  = ClassLdx | ModeMem | SizeW  // 0x61
	OpLdxdw = ClassLdx | ModeMem | SizeDW // 0x79

	OpStb  = ClassSt | ModeMem | SizeB  // 0x72
	OpSth  = ClassSt | ModeMem | SizeH  // 0x6a
	OpStw  = ClassSt | ModeMem | SizeW  // 0x62
	OpStdw = ClassSt | ModeMem | SizeDW // 0x7a

	OpStxb  = ClassStx | ModeMem | SizeB  // 0x73
	OpStxh  = ClassStx | ModeMem | SizeH  // 0x6b
	OpStxw  = ClassStx | ModeMem | SizeW  // 0x63
	OpStxdw = ClassStx | ModeMem | SizeDW // 0x7b

	OpLe = ClassAlu | SrcK | AluEnd // 0xd4
	OpBe = ClassAlu | SrcX | AluEnd // 0xdc

	OpJa    = ClassJmp | JmpJa          // 0x05
	OpCall  = ClassJmp | SrcK | JmpCall // 0x85
	OpCallx = ClassJmp | SrcX | JmpCall // 0x8d
	OpExit  = ClassJmp | JmpExit        // 0x95

	// Convenience encodings used by tests and the loader.
	OpMov64Imm = ClassAlu64 | SrcK | AluMov // 0xb7
	OpMov64Reg = ClassAlu64 | SrcX | AluMov // 0xbf
	OpAdd64Imm = ClassAlu64 | SrcK | AluAdd // 0x07
	OpAdd64Reg = ClassAlu64 | SrcX | AluAdd // 0x0f
	OpSub64Imm = ClassAlu64 | SrcK | AluSub // 0x17
	OpMul64Imm = ClassAlu64 | SrcK | AluMul // 0x27
	OpDiv64Reg = ClassAlu64 | SrcX | AluDiv // 0x3f
	OpMov32Imm = ClassAlu | SrcK | AluMov   // 0xb4
	OpAdd32Imm = ClassAlu | SrcK | AluAdd   // 0x04
	OpJeqImm   = ClassJmp | SrcK | JmpJeq   // 0x15
	OpJneImm   = ClassJmp | SrcK | JmpJne   // 0x55
	OpJgtReg   = ClassJmp | SrcX | JmpJgt   // 0x2d
)

// Instruction is one decoded 8-byte instruction slot.
type Instruction uint64

// DecodeAt reads the instruction in slot pc of text.
func DecodeAt(text []byte, pc int) Instruction {
	return Instruction(binary.LittleEndian.Uint64(text[pc*InstructionSize:]))
}

// Op returns the opcode (bits 0-7).
func (i Instruction) Op() uint8 { return uint8(i) }

// Class returns the instruction class.
func (i Instruction) Class() uint8 { return uint8(i) & 0x07 }

// Dst returns the destination register (bits 8-11).
func (i Instruction) Dst() uint8 { return uint8(i>>8) & 0x0F }

// Src returns the source register (bits 12-15).
func (i Instruction) Src() uint8 { return uint8(i>>12) & 0x0F }

// Off returns the signed offset (bits 16-31).
func (i Instruction) Off() int16 { return int16(i >> 16) }

// Imm returns the signed immediate (bits 32-63).
func (i Instruction) Imm() int32 { return int32(i >> 32) }

// Uimm returns the immediate value as unsigned.
func (i Instruction) Uimm() uint32 { return uint32(i >> 32) }

func (i Instruction) String() string {
	return fmt.Sprintf("op=0x%02x dst=r%d src=r%d off=%d imm=%d", i.Op(), i.Dst(), i.Src(), i.Off(), i.Imm())
}

// Encode creates an instruction from its components.
func Encode(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(op) |
		uint64(dst&0x0F)<<8 |
		uint64(src&0x0F)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}

// Assemble encodes instruction words into a text section.
func Assemble(words ...uint64) []byte {
	out := make([]byte, len(words)*InstructionSize)
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[i*InstructionSize:], w)
	}
	return out
}
