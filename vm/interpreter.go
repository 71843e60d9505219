package vm

import (
	"fmt"
	"math"

	"github.com/chazu/widow/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Run executes from the current program counter until HALT or the first
// instruction that fails. Instructions executed before a failure keep
// their effects. Run on a halted VM returns nil immediately.
func (vm *VM) Run() error {
	if vm.prog == nil {
		return ErrNoProgram
	}
	for !vm.halted {
		if err := vm.step(); err != nil {
			vmLog.Warningf("run aborted after %d steps: %v", vm.steps, err)
			return err
		}
	}
	vmLog.Infof("halted after %d steps", vm.steps)
	return nil
}

// Step executes exactly one instruction.
func (vm *VM) Step() error {
	if vm.prog == nil {
		return ErrNoProgram
	}
	if vm.halted {
		return ErrHalted
	}
	return vm.step()
}

func (vm *VM) step() error {
	pc := vm.pc
	if pc < 0 || pc >= len(vm.code) {
		return &RuntimeError{PC: pc, Op: bytecode.OpNop,
			Err: fmt.Errorf("%w: pc %d outside code of length %d", ErrInvalidTarget, pc, len(vm.code))}
	}
	in := vm.code[pc]
	if vm.Trace {
		vmLog.Infof("%04X  %-24s ; depth=%d base=%d", pc, in, vm.frames.depth(), vm.regs.base)
	}
	next, err := vm.exec(in, pc)
	if err != nil {
		return &RuntimeError{PC: pc, Op: in.Op, Err: err}
	}
	vm.pc = next
	vm.steps++
	return nil
}

// exec applies one instruction and returns the next program counter. An
// instruction that fails returns before changing any register, frame or
// heap state the program can observe.
func (vm *VM) exec(in bytecode.Instruction, pc int) (int, error) {
	r := vm.regs.get
	next := pc + 1

	switch in.Op {
	// --- Program control and data movement ---
	case bytecode.OpNop:

	case bytecode.OpHalt:
		vm.halted = true
		next = pc

	case bytecode.OpMov:
		vm.regs.set(in.A, r(in.B))

	case bytecode.OpLoadI:
		vm.regs.set(in.A, FromI64(int64(in.SBx())))

	case bytecode.OpLoadK:
		if int(in.B) >= len(vm.consts) {
			return 0, fmt.Errorf("%w: K%d of %d", ErrConstantIndex, in.B, len(vm.consts))
		}
		vm.regs.set(in.A, vm.consts[in.B])

	case bytecode.OpLoadNil:
		vm.regs.set(in.A, Nil)

	case bytecode.OpLoadBool:
		vm.regs.set(in.A, FromBool(in.B != 0))

	case bytecode.OpConv:
		v, err := convert(r(in.B), Kind(in.C))
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, v)

	// --- Arithmetic ---
	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
		bytecode.OpAddC, bytecode.OpSubC, bytecode.OpMulC:
		v, err := arith(in.Op, r(in.B), r(in.C))
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, v)

	case bytecode.OpNeg:
		v, err := negate(r(in.B))
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, v)

	case bytecode.OpAddI:
		v, err := addImmediate(r(in.B), in.SC())
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, v)

	// --- Bitwise and logical ---
	case bytecode.OpAnd, bytecode.OpOr, bytecode.OpXor:
		v, err := bitwise(in.Op, r(in.B), r(in.C))
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, v)

	case bytecode.OpShl, bytecode.OpShr:
		v, err := shift(in.Op, r(in.B), r(in.C))
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, v)

	case bytecode.OpNot:
		vm.regs.set(in.A, FromBool(!r(in.B).Truthy()))

	// --- Comparison ---
	case bytecode.OpEq:
		eq, err := vm.heap.Equal(r(in.B), r(in.C))
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, FromBool(eq))

	case bytecode.OpLt, bytecode.OpLe:
		b, err := ordered(in.Op, r(in.B), r(in.C))
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, FromBool(b))

	// --- Control flow ---
	case bytecode.OpJmp:
		return vm.target(int(in.Bx()))

	case bytecode.OpJmpT:
		if r(in.A).Truthy() {
			return vm.target(int(in.Bx()))
		}

	case bytecode.OpJmpF:
		if !r(in.A).Truthy() {
			return vm.target(int(in.Bx()))
		}

	case bytecode.OpCall:
		return vm.call(pc, in.A, int(in.Bx()), Nil)

	case bytecode.OpCallC:
		fn := r(in.B)
		entry, err := vm.heap.ClosureEntry(fn)
		if err != nil {
			return 0, err
		}
		return vm.call(pc, in.A, entry, fn)

	case bytecode.OpRet:
		return vm.ret(in.A)

	// --- Heap objects ---
	case bytecode.OpNew:
		v, err := vm.heap.Allocate(TypeTag(in.B), int(in.C))
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, v)

	case bytecode.OpNewArr:
		n, err := indexOf(r(in.B))
		if err != nil {
			return 0, err
		}
		v, err := vm.heap.Allocate(bytecode.TypeArray, n)
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, v)

	case bytecode.OpGetF:
		i, err := indexOf(r(in.C))
		if err != nil {
			return 0, err
		}
		return next, vm.getField(in.A, r(in.B), i)

	case bytecode.OpGetFI:
		return next, vm.getField(in.A, r(in.B), int(in.C))

	case bytecode.OpSetF:
		i, err := indexOf(r(in.B))
		if err != nil {
			return 0, err
		}
		return next, vm.setField(r(in.A), i, r(in.C))

	case bytecode.OpSetFI:
		return next, vm.setField(r(in.A), int(in.C), r(in.B))

	case bytecode.OpLen:
		n, err := vm.heap.Len(r(in.B))
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, FromI64(int64(n)))

	case bytecode.OpBox:
		if err := vm.heap.checkStorable(r(in.B)); err != nil {
			return 0, err
		}
		box, err := vm.heap.Allocate(bytecode.TypeBox, 1)
		if err != nil {
			return 0, err
		}
		// The allocation may have moved R(B)'s object; read it again.
		if err := vm.heap.WriteField(box, 0, r(in.B)); err != nil {
			return 0, err
		}
		vm.regs.set(in.A, box)

	case bytecode.OpUnbox:
		if err := vm.expectType(r(in.B), bytecode.TypeBox); err != nil {
			return 0, err
		}
		v, err := vm.heap.ReadField(r(in.B), 0)
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, v)

	case bytecode.OpClosure:
		entry := int(in.Bx())
		if entry >= len(vm.code) {
			return 0, fmt.Errorf("%w: closure entry %04X", ErrInvalidTarget, entry)
		}
		v, err := vm.heap.NewClosure(entry, 0)
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, v)

	case bytecode.OpMapGet:
		v, err := vm.heap.MapGet(r(in.B), r(in.C))
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, v)

	case bytecode.OpMapSet:
		if err := vm.heap.MapSet(r(in.A), r(in.B), r(in.C)); err != nil {
			return 0, err
		}

	case bytecode.OpConcat:
		left, err := vm.text(r(in.B))
		if err != nil {
			return 0, err
		}
		right, err := vm.text(r(in.C))
		if err != nil {
			return 0, err
		}
		v, err := vm.heap.NewString(left + right)
		if err != nil {
			return 0, err
		}
		vm.regs.set(in.A, v)

	// --- System ---
	case bytecode.OpGC:
		kind := Minor
		if in.A == 1 {
			kind = Major
		}
		vm.heap.Collect(kind)

	case bytecode.OpPrint:
		if _, err := fmt.Fprintln(vm.out, vm.Format(r(in.A))); err != nil {
			return 0, fmt.Errorf("print: %w", err)
		}

	default:
		return 0, fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, uint8(in.Op))
	}
	return next, nil
}

// ---------------------------------------------------------------------------
// Control flow helpers
// ---------------------------------------------------------------------------

func (vm *VM) target(t int) (int, error) {
	if t < 0 || t >= len(vm.code) {
		return 0, fmt.Errorf("%w: %04X (code length %d)", ErrInvalidTarget, t, len(vm.code))
	}
	return t, nil
}

// call enters target with the callee window starting at the caller's R(a).
// The caller's R(a+1)..R31 double as the callee's arguments and are saved
// so the return can put them back. For a closure call the callee's R0
// receives the closure itself.
func (vm *VM) call(pc int, a uint8, target int, closure Value) (int, error) {
	if _, err := vm.target(target); err != nil {
		return 0, err
	}
	base := vm.regs.base
	newBase := base + int(a)
	if !vm.regs.fits(newBase) {
		return 0, fmt.Errorf("%w: register file exhausted at base %d", ErrStackOverflow, newBase)
	}
	f := Frame{ReturnPC: pc + 1, Base: base, Result: a}
	if err := vm.frames.push(f, vm.regs.regs[newBase+1:base+bytecode.NumRegisters]); err != nil {
		return 0, err
	}
	vm.regs.base = newBase
	if closure.IsRef() {
		vm.regs.set(0, closure)
	}
	return target, nil
}

// ret places R(a) in the caller's R(Result), restores the caller registers
// above it, and clears the callee registers beyond the caller's window.
func (vm *VM) ret(a uint8) (int, error) {
	result := vm.regs.get(a)
	calleeBase := vm.regs.base
	f, err := vm.frames.pop(func(f Frame) []Value {
		return vm.regs.regs[calleeBase+1 : f.Base+bytecode.NumRegisters]
	})
	if err != nil {
		return 0, err
	}
	vm.regs.regs[calleeBase] = result
	vm.regs.clear(f.Base+bytecode.NumRegisters, calleeBase+bytecode.NumRegisters)
	vm.regs.base = f.Base
	return f.ReturnPC, nil
}

// ---------------------------------------------------------------------------
// Object helpers
// ---------------------------------------------------------------------------

// indexOf converts an integer register value to a field index or length.
func indexOf(v Value) (int, error) {
	switch {
	case v.kind.IsSigned():
		i := v.Int()
		if i < 0 || i > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %d", ErrFieldRange, i)
		}
		return int(i), nil
	case v.kind.IsUnsigned():
		u := v.Uint()
		if u > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %d", ErrFieldRange, u)
		}
		return int(u), nil
	}
	return 0, fmt.Errorf("%w: index must be an integer, got %s", ErrTypeMismatch, v.kind)
}

func (vm *VM) expectType(v Value, t TypeTag) error {
	hdr, err := vm.heap.Header(v)
	if err != nil {
		return err
	}
	if hdr.Type != t {
		return fmt.Errorf("%w: expected %s, got %s", ErrTypeMismatch, t, hdr.Type)
	}
	return nil
}

// notMap rejects positional field access to maps, whose slots are
// internal bookkeeping.
func (vm *VM) notMap(v Value) error {
	hdr, err := vm.heap.Header(v)
	if err != nil {
		return err
	}
	if hdr.Type == bytecode.TypeMap {
		return fmt.Errorf("%w: positional access to a map", ErrTypeMismatch)
	}
	return nil
}

func (vm *VM) getField(a uint8, obj Value, i int) error {
	if err := vm.notMap(obj); err != nil {
		return err
	}
	v, err := vm.heap.ReadField(obj, i)
	if err != nil {
		return err
	}
	vm.regs.set(a, v)
	return nil
}

func (vm *VM) setField(obj Value, i int, v Value) error {
	if err := vm.notMap(obj); err != nil {
		return err
	}
	return vm.heap.WriteField(obj, i, v)
}

// text returns the contents of a string, or the display form of any
// other value.
func (vm *VM) text(v Value) (string, error) {
	if !v.IsRef() {
		return vm.Format(v), nil
	}
	hdr, err := vm.heap.Header(v)
	if err != nil {
		return "", err
	}
	if hdr.Type == bytecode.TypeString {
		return vm.heap.StringOf(v)
	}
	return vm.Format(v), nil
}
