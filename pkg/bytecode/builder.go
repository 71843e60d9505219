package bytecode

import (
	"errors"
	"fmt"
	"math"
)

// Builder errors.
var (
	ErrUndefinedLabel = errors.New("undefined label")
	ErrDuplicateLabel = errors.New("duplicate label")
	ErrCodeTooLarge   = errors.New("code exceeds addressable range")
)

// Builder assembles a Program. Every emitted instruction is validated
// immediately; the first failure is sticky and returned by Build, so call
// sites can chain emits without checking each one.
//
//	b := bytecode.NewBuilder()
//	b.LoadInt(0, 10)
//	b.LoadInt(1, 5)
//	b.ABC(bytecode.OpAdd, 0, 0, 1)
//	b.Halt()
//	prog, err := b.Build()
type Builder struct {
	prog   *Program
	labels map[string]int
	fixups []fixup
	err    error
}

// fixup records an instruction whose Bx operand is a label target.
type fixup struct {
	index int
	label string
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		prog:   NewProgram(),
		labels: make(map[string]int),
	}
}

// Err returns the first error recorded by the builder.
func (b *Builder) Err() error {
	return b.err
}

// Len returns the index the next instruction will occupy.
func (b *Builder) Len() int {
	return len(b.prog.Code)
}

func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Emit validates and appends an instruction. Returns its index, or -1 if
// the builder has already failed or the instruction is malformed.
func (b *Builder) Emit(inst Instruction) int {
	if b.err != nil {
		return -1
	}
	if len(b.prog.Code) > math.MaxUint16 {
		b.setErr(fmt.Errorf("%w: %d instructions", ErrCodeTooLarge, len(b.prog.Code)))
		return -1
	}
	if err := inst.Validate(); err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.Index = len(b.prog.Code)
		}
		b.setErr(err)
		return -1
	}
	idx := len(b.prog.Code)
	b.prog.Code = append(b.prog.Code, inst)
	return idx
}

// Constant adds c to the pool and returns its index.
func (b *Builder) Constant(c Constant) uint8 {
	if b.err != nil {
		return 0
	}
	if err := c.Validate(); err != nil {
		b.setErr(err)
		return 0
	}
	idx, err := b.prog.AddConstant(c)
	if err != nil {
		b.setErr(err)
	}
	return idx
}

// Label binds name to the next instruction index.
func (b *Builder) Label(name string) {
	if _, ok := b.labels[name]; ok {
		b.setErr(fmt.Errorf("%w: %q", ErrDuplicateLabel, name))
		return
	}
	b.labels[name] = len(b.prog.Code)
}

// emitTarget emits a Bx-target instruction resolved at Build time.
func (b *Builder) emitTarget(op Opcode, a uint8, label string) int {
	idx := b.Emit(MakeBx(op, a, 0))
	if idx >= 0 {
		b.fixups = append(b.fixups, fixup{index: idx, label: label})
	}
	return idx
}

// Build resolves labels and returns the finished program.
func (b *Builder) Build() (*Program, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("%w: %q (instruction %d)", ErrUndefinedLabel, f.label, f.index)
		}
		inst := b.prog.Code[f.index]
		b.prog.Code[f.index] = MakeBx(inst.Op, inst.A, uint16(target))
	}
	b.fixups = nil
	if err := b.prog.Validate(); err != nil {
		return nil, err
	}
	return b.prog, nil
}

// ---------------------------------------------------------------------------
// Emit helpers
// ---------------------------------------------------------------------------

// ABC emits a three-operand instruction.
func (b *Builder) ABC(op Opcode, a, bb, c uint8) int { return b.Emit(Make(op, a, bb, c)) }

// AB emits a two-register instruction.
func (b *Builder) AB(op Opcode, a, bb uint8) int { return b.Emit(Make(op, a, bb, 0)) }

func (b *Builder) Nop() int  { return b.Emit(Make(OpNop, 0, 0, 0)) }
func (b *Builder) Halt() int { return b.Emit(Make(OpHalt, 0, 0, 0)) }

// Mov emits R(a) = R(src).
func (b *Builder) Mov(a, src uint8) int { return b.AB(OpMov, a, src) }

// LoadInt emits R(a) = i64(v).
func (b *Builder) LoadInt(a uint8, v int16) int { return b.Emit(MakeSBx(OpLoadI, a, v)) }

// LoadConst adds c to the pool and emits R(a) = c.
func (b *Builder) LoadConst(a uint8, c Constant) int {
	k := b.Constant(c)
	return b.Emit(Make(OpLoadK, a, k, 0))
}

// LoadNil emits R(a) = nil.
func (b *Builder) LoadNil(a uint8) int { return b.Emit(Make(OpLoadNil, a, 0, 0)) }

// LoadBool emits R(a) = v.
func (b *Builder) LoadBool(a uint8, v bool) int {
	var imm uint8
	if v {
		imm = 1
	}
	return b.Emit(Make(OpLoadBool, a, imm, 0))
}

// Conv emits R(a) = R(src) converted to kind.
func (b *Builder) Conv(a, src uint8, kind Kind) int {
	return b.Emit(Make(OpConv, a, src, uint8(kind)))
}

// AddI emits R(a) = R(src) + imm.
func (b *Builder) AddI(a, src uint8, imm int8) int {
	return b.Emit(Make(OpAddI, a, src, uint8(imm)))
}

// Jmp emits an unconditional jump to label.
func (b *Builder) Jmp(label string) int { return b.emitTarget(OpJmp, 0, label) }

// JmpIf emits a jump to label taken when R(a) is truthy.
func (b *Builder) JmpIf(a uint8, label string) int { return b.emitTarget(OpJmpT, a, label) }

// JmpIfNot emits a jump to label taken when R(a) is falsy.
func (b *Builder) JmpIfNot(a uint8, label string) int { return b.emitTarget(OpJmpF, a, label) }

// Call emits a call to label with the callee window starting at R(a).
// The callee sees its arguments from R1 and returns into R(a).
func (b *Builder) Call(a uint8, label string) int { return b.emitTarget(OpCall, a, label) }

// CallClosure emits a call of the closure in R(fn) with the callee
// window starting at R(a).
func (b *Builder) CallClosure(a, fn uint8) int { return b.AB(OpCallC, a, fn) }

// Closure emits R(a) = closure entering at label.
func (b *Builder) Closure(a uint8, label string) int { return b.emitTarget(OpClosure, a, label) }

// Ret emits a return of R(a).
func (b *Builder) Ret(a uint8) int { return b.Emit(Make(OpRet, a, 0, 0)) }

// New emits R(a) = new object of the given type with n slots.
func (b *Builder) New(a uint8, tag TypeTag, n uint8) int {
	return b.Emit(Make(OpNew, a, uint8(tag), n))
}

// GetFieldI emits R(a) = R(obj)[i].
func (b *Builder) GetFieldI(a, obj, i uint8) int { return b.Emit(Make(OpGetFI, a, obj, i)) }

// SetFieldI emits R(obj)[i] = R(src).
func (b *Builder) SetFieldI(obj, src, i uint8) int { return b.Emit(Make(OpSetFI, obj, src, i)) }

// GC emits an explicit collection.
func (b *Builder) GC(major bool) int {
	var a uint8
	if major {
		a = 1
	}
	return b.Emit(Make(OpGC, a, 0, 0))
}

// Print emits a write of R(a) to the VM output.
func (b *Builder) Print(a uint8) int { return b.Emit(Make(OpPrint, a, 0, 0)) }
