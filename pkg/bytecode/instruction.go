package bytecode

import (
	"errors"
	"fmt"
)

// NumRegisters is the size of a register window. Register operands are
// window-relative and must be below this bound.
const NumRegisters = 32

// Decode failure classes. Every *DecodeError unwraps to one of these.
var (
	ErrUnassignedOpcode = errors.New("unassigned opcode")
	ErrRegisterOperand  = errors.New("register operand out of range")
	ErrUnusedOperand    = errors.New("unused operand is not zero")
	ErrUnknownTypeTag   = errors.New("unknown type tag")
	ErrUnknownKind      = errors.New("unknown kind")
	ErrImmediateRange   = errors.New("immediate out of range")
)

// Instruction is a decoded instruction word. The meaning of A, B and C
// depends on Op's Shape.
type Instruction struct {
	Op Opcode
	A  uint8
	B  uint8
	C  uint8
}

// DecodeError reports a word that does not decode to a well-formed
// instruction.
type DecodeError struct {
	Index  int    // Position in the code section, or -1
	Word   uint32 // The offending word
	Op     Opcode // The opcode byte of Word
	Reason error  // One of the Err* decode failure classes
	Detail string // Operand-specific context, may be empty
}

func (e *DecodeError) Error() string {
	msg := e.Reason.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Index >= 0 {
		return fmt.Sprintf("bytecode: instruction %d (0x%08X, %s): %s", e.Index, e.Word, e.Op, msg)
	}
	return fmt.Sprintf("bytecode: word 0x%08X (%s): %s", e.Word, e.Op, msg)
}

// Unwrap returns the failure class.
func (e *DecodeError) Unwrap() error {
	return e.Reason
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Make returns the instruction {op, a, b, c}.
func Make(op Opcode, a, b, c uint8) Instruction {
	return Instruction{Op: op, A: a, B: b, C: c}
}

// MakeBx returns an instruction with a 16-bit Bx operand.
func MakeBx(op Opcode, a uint8, bx uint16) Instruction {
	return Instruction{Op: op, A: a, B: uint8(bx >> 8), C: uint8(bx)}
}

// MakeSBx returns an instruction with a signed 16-bit Bx operand.
func MakeSBx(op Opcode, a uint8, sbx int16) Instruction {
	return MakeBx(op, a, uint16(sbx))
}

// Bx returns the 16-bit operand formed from B and C.
func (i Instruction) Bx() uint16 {
	return uint16(i.B)<<8 | uint16(i.C)
}

// SBx returns Bx interpreted as a two's-complement integer.
func (i Instruction) SBx() int16 {
	return int16(i.Bx())
}

// SC returns C interpreted as a two's-complement integer.
func (i Instruction) SC() int8 {
	return int8(i.C)
}

// ---------------------------------------------------------------------------
// Codec
// ---------------------------------------------------------------------------

// Encode packs an instruction into its 32-bit word. It never fails; use
// Validate or Decode to check well-formedness.
func Encode(i Instruction) uint32 {
	return uint32(i.Op)<<24 | uint32(i.A)<<16 | uint32(i.B)<<8 | uint32(i.C)
}

// Decode unpacks a 32-bit word. It fails if the opcode is unassigned or
// any operand does not fit the opcode's shape.
func Decode(word uint32) (Instruction, error) {
	inst := Instruction{
		Op: Opcode(word >> 24),
		A:  uint8(word >> 16),
		B:  uint8(word >> 8),
		C:  uint8(word),
	}
	if err := inst.Validate(); err != nil {
		return Instruction{}, err
	}
	return inst, nil
}

// Validate checks the instruction against its opcode's shape. The error,
// if any, is a *DecodeError with Index -1.
func (i Instruction) Validate() error {
	info, ok := opcodeInfoTable[i.Op]
	if !ok {
		return i.fail(ErrUnassignedOpcode, "")
	}

	reg := func(name string, v uint8) error {
		if v >= NumRegisters {
			return i.fail(ErrRegisterOperand, fmt.Sprintf("%s=%d", name, v))
		}
		return nil
	}
	zero := func(name string, v uint8) error {
		if v != 0 {
			return i.fail(ErrUnusedOperand, fmt.Sprintf("%s=%d", name, v))
		}
		return nil
	}
	imm := func(name string, v uint8) error {
		if info.MaxImm != 0 && v > info.MaxImm {
			return i.fail(ErrImmediateRange, fmt.Sprintf("%s=%d, max %d", name, v, info.MaxImm))
		}
		return nil
	}

	var checks []error
	switch info.Shape {
	case ShapeNone:
		checks = []error{zero("A", i.A), zero("B", i.B), zero("C", i.C)}
	case ShapeA:
		checks = []error{reg("A", i.A), zero("B", i.B), zero("C", i.C)}
	case ShapeAB:
		checks = []error{reg("A", i.A), reg("B", i.B), zero("C", i.C)}
	case ShapeABC:
		checks = []error{reg("A", i.A), reg("B", i.B), reg("C", i.C)}
	case ShapeABI:
		checks = []error{reg("A", i.A), reg("B", i.B), imm("C", i.C)}
	case ShapeAI:
		checks = []error{reg("A", i.A), imm("B", i.B), zero("C", i.C)}
	case ShapeAK:
		checks = []error{reg("A", i.A), zero("C", i.C)}
	case ShapeABx:
		checks = []error{reg("A", i.A)}
	case ShapeBx:
		checks = []error{zero("A", i.A)}
	case ShapeATI:
		checks = []error{reg("A", i.A)}
		if !TypeTag(i.B).Valid() {
			checks = append(checks, i.fail(ErrUnknownTypeTag, fmt.Sprintf("B=%d", i.B)))
		}
	case ShapeABKind:
		checks = []error{reg("A", i.A), reg("B", i.B)}
		if !Kind(i.C).Convertible() {
			checks = append(checks, i.fail(ErrUnknownKind, fmt.Sprintf("C=%d", i.C)))
		}
	case ShapeI:
		checks = []error{imm("A", i.A), zero("B", i.B), zero("C", i.C)}
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

func (i Instruction) fail(reason error, detail string) *DecodeError {
	return &DecodeError{Index: -1, Word: Encode(i), Op: i.Op, Reason: reason, Detail: detail}
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

// String renders the instruction in assembler syntax, for example
// "ADD R0, R1, R2" or "JMPF R3, @12".
func (i Instruction) String() string {
	info := GetOpcodeInfo(i.Op)
	switch info.Shape {
	case ShapeNone:
		return info.Name
	case ShapeA:
		return fmt.Sprintf("%s R%d", info.Name, i.A)
	case ShapeAB:
		return fmt.Sprintf("%s R%d, R%d", info.Name, i.A, i.B)
	case ShapeABC:
		return fmt.Sprintf("%s R%d, R%d, R%d", info.Name, i.A, i.B, i.C)
	case ShapeABI:
		if info.Signed {
			return fmt.Sprintf("%s R%d, R%d, %d", info.Name, i.A, i.B, i.SC())
		}
		return fmt.Sprintf("%s R%d, R%d, %d", info.Name, i.A, i.B, i.C)
	case ShapeAI:
		return fmt.Sprintf("%s R%d, %d", info.Name, i.A, i.B)
	case ShapeAK:
		return fmt.Sprintf("%s R%d, K%d", info.Name, i.A, i.B)
	case ShapeABx:
		if info.Target {
			return fmt.Sprintf("%s R%d, @%d", info.Name, i.A, i.Bx())
		}
		return fmt.Sprintf("%s R%d, %d", info.Name, i.A, i.SBx())
	case ShapeBx:
		return fmt.Sprintf("%s @%d", info.Name, i.Bx())
	case ShapeATI:
		return fmt.Sprintf("%s R%d, %s, %d", info.Name, i.A, TypeTag(i.B), i.C)
	case ShapeABKind:
		return fmt.Sprintf("%s R%d, R%d, %s", info.Name, i.A, i.B, Kind(i.C))
	case ShapeI:
		if i.Op == OpGC {
			if i.A == 1 {
				return "GC major"
			}
			return "GC minor"
		}
		return fmt.Sprintf("%s %d", info.Name, i.A)
	}
	return fmt.Sprintf("%s 0x%02X 0x%02X 0x%02X", info.Name, i.A, i.B, i.C)
}
