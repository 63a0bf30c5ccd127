package sbpf

import (
	"errors"
	"fmt"
)

// VerifierError describes why a program was rejected.
type VerifierError struct {
	PC  int
	Msg string
}

func (e *VerifierError) Error() string {
	return fmt.Sprintf("verifier: %s (insn #%d)", e.Msg, e.PC)
}

// ErrVerifier is matched by every *VerifierError.
var ErrVerifier = errors.New("verifier error")

// Is lets errors.Is match ErrVerifier.
func (e *VerifierError) Is(target error) bool { return target == ErrVerifier }

// Verify statically checks a program before it is cached. It rejects
// unknown opcodes, writes to r10, jumps outside the text or into the
// middle of an lddw, and immediate divisions by zero.
func Verify(p *Program) error {
	if len(p.Text) == 0 {
		return &VerifierError{Msg: "no program text"}
	}
	if len(p.Text)%InstructionSize != 0 {
		return &VerifierError{Msg: "text size is not a multiple of 8"}
	}
	n := p.InstructionCount()
	if p.Entry < 0 || p.Entry >= n {
		return &VerifierError{PC: p.Entry, Msg: "entrypoint outside text"}
	}

	// Second slots of lddw are not valid jump targets.
	lddwTail := make(map[int]bool)
	for pc := 0; pc < n; pc++ {
		if DecodeAt(p.Text, pc).Op() == OpLddw {
			lddwTail[pc+1] = true
			pc++
		}
	}

	for pc := 0; pc < n; pc++ {
		ins := DecodeAt(p.Text, pc)
		op := ins.Op()
		dst, src := ins.Dst(), ins.Src()
		if src > 10 || dst > 10 {
			return &VerifierError{PC: pc, Msg: "invalid register"}
		}
		writesDst := true

		switch ins.Class() {
		case ClassLd:
			if op != OpLddw {
				return &VerifierError{PC: pc, Msg: fmt.Sprintf("unknown opcode %#02x", op)}
			}
			if pc+1 >= n {
				return &VerifierError{PC: pc, Msg: "incomplete lddw"}
			}
			if DecodeAt(p.Text, pc+1).Op() != 0 {
				return &VerifierError{PC: pc + 1, Msg: "invalid lddw second slot"}
			}
			pc++

		case ClassLdx:
			switch op {
			case OpLdxb, OpLdxh, OpLdxw, OpLdxdw:
			default:
				return &VerifierError{PC: pc, Msg: fmt.Sprintf("unknown opcode %#02x", op)}
			}

		case ClassSt, ClassStx:
			if op&0xE0 != ModeMem {
				return &VerifierError{PC: pc, Msg: fmt.Sprintf("unknown opcode %#02x", op)}
			}
			writesDst = false

		case ClassAlu, ClassAlu64:
			aluOp := op & 0xF0
			if aluOp > AluEnd || (aluOp == AluEnd && ins.Class() == ClassAlu64) {
				return &VerifierError{PC: pc, Msg: fmt.Sprintf("unknown opcode %#02x", op)}
			}
			if op&SrcX == 0 {
				switch aluOp {
				case AluDiv, AluMod:
					if ins.Imm() == 0 {
						return &VerifierError{PC: pc, Msg: "division by zero"}
					}
				case AluLsh, AluRsh, AluArsh:
					limit := int32(64)
					if ins.Class() == ClassAlu {
						limit = 32
					}
					if ins.Imm() < 0 || ins.Imm() >= limit {
						return &VerifierError{PC: pc, Msg: "shift out of range"}
					}
				case AluEnd:
					if w := ins.Imm(); w != 16 && w != 32 && w != 64 {
						return &VerifierError{PC: pc, Msg: "invalid endian width"}
					}
				}
			} else if aluOp == AluEnd {
				if w := ins.Imm(); w != 16 && w != 32 && w != 64 {
					return &VerifierError{PC: pc, Msg: "invalid endian width"}
				}
			}

		case ClassJmp:
			writesDst = false
			switch op {
			case OpCall, OpExit:
			case OpCallx:
				if ins.Uimm() > 10 {
					return &VerifierError{PC: pc, Msg: "invalid callx register"}
				}
			default:
				if op&0xF0 > JmpJsle || op&0xF0 == JmpCall || op&0xF0 == JmpExit {
					return &VerifierError{PC: pc, Msg: fmt.Sprintf("unknown opcode %#02x", op)}
				}
				target := pc + 1 + int(ins.Off())
				if target < 0 || target >= n {
					return &VerifierError{PC: pc, Msg: "jump out of code"}
				}
				if lddwTail[target] {
					return &VerifierError{PC: pc, Msg: "jump into the middle of lddw"}
				}
			}

		default:
			return &VerifierError{PC: pc, Msg: fmt.Sprintf("unknown opcode %#02x", op)}
		}

		if writesDst && dst == 10 {
			return &VerifierError{PC: pc, Msg: "cannot write into register r10"}
		}
	}
	return nil
}
