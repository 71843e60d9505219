package vm

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/chazu/widow/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func buildProgram(t testing.TB, emit func(b *bytecode.Builder)) *bytecode.Program {
	t.Helper()
	b := bytecode.NewBuilder()
	emit(b)
	prog, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return prog
}

func newTestVM(t testing.TB, prog *bytecode.Program) (*VM, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &out
	cfg.Heap.Verify = true
	vm := New(cfg)
	if err := vm.Load(prog); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return vm, &out
}

func runProgram(t testing.TB, emit func(b *bytecode.Builder)) (*VM, error) {
	t.Helper()
	vm, _ := newTestVM(t, buildProgram(t, emit))
	return vm, vm.Run()
}

func mustRun(t testing.TB, emit func(b *bytecode.Builder)) *VM {
	t.Helper()
	vm, err := runProgram(t, emit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return vm
}

func reg(t testing.TB, vm *VM, i int) Value {
	t.Helper()
	v, err := vm.Register(i)
	if err != nil {
		t.Fatalf("Register(%d) failed: %v", i, err)
	}
	return v
}

func expectRuntimeError(t testing.TB, err error, pc int, op bytecode.Opcode, want error) *RuntimeError {
	t.Helper()
	var re *RuntimeError
	if !errors.As(err, &re) {
		t.Fatalf("error = %v (%T), want *RuntimeError", err, err)
	}
	if re.PC != pc || re.Op != op {
		t.Errorf("RuntimeError at %04X (%s), want %04X (%s)", re.PC, re.Op, pc, op)
	}
	if !errors.Is(err, want) {
		t.Errorf("error = %v, want %v", err, want)
	}
	return re
}

// arithmeticScenario computes (10 + 5) * 3 into R0.
func arithmeticScenario(b *bytecode.Builder) {
	b.LoadInt(1, 10)
	b.LoadInt(2, 5)
	b.ABC(bytecode.OpAdd, 3, 1, 2)
	b.LoadInt(4, 3)
	b.ABC(bytecode.OpMul, 0, 3, 4)
	b.Halt()
}

// ===== Dispatch Tests =====

func TestArithmeticScenario(t *testing.T) {
	vm := mustRun(t, arithmeticScenario)
	if got := reg(t, vm, 0); got != FromI64(45) {
		t.Errorf("R0 = %#v, want 45:i64", got)
	}
	if !vm.Halted() {
		t.Error("VM not halted after HALT")
	}
	if vm.Steps() != 6 {
		t.Errorf("Steps() = %d, want 6", vm.Steps())
	}
}

func TestArithmeticScenarioFromBytes(t *testing.T) {
	data, err := buildProgram(t, arithmeticScenario).Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	vm := New(DefaultConfig())
	if err := vm.LoadProgram(data); err != nil {
		t.Fatalf("LoadProgram failed: %v", err)
	}
	if err := vm.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := reg(t, vm, 0); got.Int() != 45 {
		t.Errorf("R0 = %v, want 45", got)
	}
}

func TestDivideByZeroLeavesDestination(t *testing.T) {
	vm, err := runProgram(t, func(b *bytecode.Builder) {
		b.LoadInt(0, 99)
		b.LoadInt(1, 7)
		b.LoadInt(2, 0)
		b.ABC(bytecode.OpDiv, 0, 1, 2)
		b.Halt()
	})
	expectRuntimeError(t, err, 3, bytecode.OpDiv, ErrDivideByZero)

	for i, want := range []int64{99, 7, 0} {
		if got := reg(t, vm, i); got != FromI64(want) {
			t.Errorf("R%d = %#v, want %d", i, got, want)
		}
	}
	if vm.PC() != 3 {
		t.Errorf("PC() = %d, want 3 (the failing instruction)", vm.PC())
	}
	if vm.Halted() {
		t.Error("VM halted after a runtime error")
	}
}

func TestLoadConstants(t *testing.T) {
	vm := mustRun(t, func(b *bytecode.Builder) {
		b.LoadConst(0, bytecode.Float64Const(2.5))
		b.LoadConst(1, bytecode.UintConst(bytecode.KindU16, 65535))
		b.LoadConst(2, bytecode.CharConst('q'))
		b.LoadBool(3, true)
		b.LoadNil(4)
		b.LoadConst(5, bytecode.StringConst("hello"))
		b.Conv(6, 0, bytecode.KindI32)
		b.Halt()
	})
	want := []Value{FromF64(2.5), FromUint(bytecode.KindU16, 65535), FromChar('q'), FromBool(true), Nil}
	for i, w := range want {
		if got := reg(t, vm, i); got != w {
			t.Errorf("R%d = %#v, want %#v", i, got, w)
		}
	}
	if s, err := vm.Heap().StringOf(reg(t, vm, 5)); err != nil || s != "hello" {
		t.Errorf("R5 = %q, %v; want \"hello\"", s, err)
	}
	if got := reg(t, vm, 6); got != FromInt(bytecode.KindI32, 2) {
		t.Errorf("R6 = %#v, want 2:i32", got)
	}
}

func TestComparisonAndLogic(t *testing.T) {
	vm := mustRun(t, func(b *bytecode.Builder) {
		b.LoadInt(1, 3)
		b.LoadInt(2, 4)
		b.ABC(bytecode.OpLt, 3, 1, 2)
		b.ABC(bytecode.OpLe, 4, 2, 1)
		b.ABC(bytecode.OpEq, 5, 1, 1)
		b.AB(bytecode.OpNot, 6, 3)
		b.AB(bytecode.OpNeg, 7, 1)
		b.Halt()
	})
	want := map[int]Value{
		3: FromBool(true),
		4: FromBool(false),
		5: FromBool(true),
		6: FromBool(false),
		7: FromI64(-3),
	}
	for i, w := range want {
		if got := reg(t, vm, i); got != w {
			t.Errorf("R%d = %#v, want %#v", i, got, w)
		}
	}
}

// ===== Control Flow Tests =====

func TestLoopSumsToFiftyFive(t *testing.T) {
	vm := mustRun(t, func(b *bytecode.Builder) {
		b.LoadInt(0, 0)  // sum
		b.LoadInt(1, 10) // counter
		b.Label("loop")
		b.JmpIfNot(1, "done")
		b.ABC(bytecode.OpAdd, 0, 0, 1)
		b.AddI(1, 1, -1)
		b.Jmp("loop")
		b.Label("done")
		b.Halt()
	})
	if got := reg(t, vm, 0); got != FromI64(55) {
		t.Errorf("R0 = %#v, want 55", got)
	}
}

func TestJumpOutOfRange(t *testing.T) {
	prog := bytecode.NewProgram()
	prog.Code = []bytecode.Instruction{
		bytecode.MakeSBx(bytecode.OpLoadI, 0, 1),
		bytecode.MakeBx(bytecode.OpJmpT, 0, 500),
		bytecode.Make(bytecode.OpHalt, 0, 0, 0),
	}
	vm, _ := newTestVM(t, prog)
	err := vm.Run()
	expectRuntimeError(t, err, 1, bytecode.OpJmpT, ErrInvalidTarget)
	if vm.PC() != 1 {
		t.Errorf("PC() = %d, want 1", vm.PC())
	}
}

func TestUntakenBranchIgnoresTarget(t *testing.T) {
	prog := bytecode.NewProgram()
	prog.Code = []bytecode.Instruction{
		bytecode.MakeSBx(bytecode.OpLoadI, 0, 0),
		bytecode.MakeBx(bytecode.OpJmpT, 0, 500),
		bytecode.Make(bytecode.OpHalt, 0, 0, 0),
	}
	vm, _ := newTestVM(t, prog)
	if err := vm.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestFallingOffTheEnd(t *testing.T) {
	vm, err := runProgram(t, func(b *bytecode.Builder) {
		b.LoadInt(0, 1)
		b.Nop()
	})
	expectRuntimeError(t, err, 2, bytecode.OpNop, ErrInvalidTarget)
	if got := reg(t, vm, 0); got != FromI64(1) {
		t.Errorf("R0 = %#v, want 1 (earlier effects kept)", got)
	}
}

func TestCallAndReturn(t *testing.T) {
	vm := mustRun(t, func(b *bytecode.Builder) {
		b.LoadInt(1, 111)
		b.LoadInt(5, 20) // callee R1
		b.Call(4, "double")
		b.Halt()

		b.Label("double")
		b.ABC(bytecode.OpAdd, 0, 1, 1)
		b.LoadInt(9, 1)
		b.Ret(0)
	})
	if got := reg(t, vm, 4); got != FromI64(40) {
		t.Errorf("R4 = %#v, want 40", got)
	}
	if got := reg(t, vm, 1); got != FromI64(111) {
		t.Errorf("R1 = %#v, caller register clobbered", got)
	}
	if vm.Depth() != 0 {
		t.Errorf("Depth() = %d after return, want 0", vm.Depth())
	}
	if got := reg(t, vm, 5); got != FromI64(20) {
		t.Errorf("R5 = %#v, want the argument 20 restored", got)
	}
	if got := reg(t, vm, 4+9); !got.IsNil() {
		t.Errorf("R13 = %#v, want nil restored", got)
	}
}

func TestReturnRestoresCallerWindow(t *testing.T) {
	vm := mustRun(t, func(b *bytecode.Builder) {
		b.LoadInt(10, 111)
		b.LoadInt(31, 222)
		b.Call(1, "f")
		b.Halt()

		b.Label("f")
		b.LoadInt(9, 7)  // caller R10
		b.LoadInt(30, 8) // caller R31
		b.LoadInt(31, 9) // above the caller's window
		b.Ret(9)
	})
	want := map[int]Value{1: FromI64(7), 10: FromI64(111), 31: FromI64(222), 32: Nil}
	for i, w := range want {
		if got := reg(t, vm, i); got != w {
			t.Errorf("R%d = %#v, want %#v", i, got, w)
		}
	}
}

func TestNestedCallsRestoreEachWindow(t *testing.T) {
	vm := mustRun(t, func(b *bytecode.Builder) {
		b.LoadInt(5, 50)
		b.Call(2, "outer")
		b.Halt()

		// outer sees the caller's R5 as its R3.
		b.Label("outer")
		b.LoadInt(4, 40)
		b.Call(1, "inner")
		b.ABC(bytecode.OpAdd, 0, 3, 4) // 50 + 40, both restored
		b.ABC(bytecode.OpAdd, 0, 0, 1) // + inner's 3
		b.LoadInt(3, -1)
		b.Ret(0)

		b.Label("inner")
		b.LoadInt(2, -2) // outer's R3
		b.LoadInt(3, -3) // outer's R4
		b.LoadInt(0, 3)
		b.Ret(0)
	})
	if got := reg(t, vm, 2); got != FromI64(93) {
		t.Errorf("R2 = %#v, want 93", got)
	}
	if got := reg(t, vm, 5); got != FromI64(50) {
		t.Errorf("R5 = %#v, want 50", got)
	}
	if vm.Depth() != 0 || len(vm.frames.saved) != 0 {
		t.Errorf("call stack not empty: depth %d, %d saved", vm.Depth(), len(vm.frames.saved))
	}
}

func TestSavedRegistersAreRoots(t *testing.T) {
	vm := mustRun(t, func(b *bytecode.Builder) {
		b.New(10, bytecode.TypeArray, 1)
		b.LoadInt(11, 5)
		b.SetFieldI(10, 11, 0)
		b.Call(1, "f")
		b.Halt()

		// Overwrite the caller's R10 so its array is held only by the
		// saved copy, then collect and reuse the young space.
		b.Label("f")
		b.LoadNil(9)
		b.GC(false)
		b.New(9, bytecode.TypeArray, 4)
		b.GC(true)
		b.Ret(0)
	})
	arr := reg(t, vm, 10)
	if !vm.Heap().Contains(arr) {
		t.Fatalf("R10 = %#v no longer resolves after return", arr)
	}
	v, err := vm.Heap().ReadField(arr, 0)
	if err != nil || v != FromI64(5) {
		t.Errorf("R10[0] = %#v, %v; want 5", v, err)
	}
}

func TestReturnClearsRegistersAboveCallerWindow(t *testing.T) {
	vm := mustRun(t, func(b *bytecode.Builder) {
		b.Call(20, "f")
		b.Halt()
		b.Label("f")
		b.LoadInt(31, 7) // absolute register 51
		b.Ret(0)
	})
	if got := reg(t, vm, 51); !got.IsNil() {
		t.Errorf("register 51 = %#v after return, want nil", got)
	}
}

func TestRecursiveFactorial(t *testing.T) {
	vm := mustRun(t, func(b *bytecode.Builder) {
		b.LoadInt(5, 10)
		b.Call(4, "fact")
		b.Mov(0, 4)
		b.Halt()

		// fact(n): n in R1, result returned from RET.
		b.Label("fact")
		b.LoadInt(2, 1)
		b.ABC(bytecode.OpLe, 3, 1, 2)
		b.JmpIfNot(3, "recurse")
		b.Ret(2)
		b.Label("recurse")
		b.AddI(5, 1, -1)
		b.Call(4, "fact")
		b.ABC(bytecode.OpMul, 0, 1, 4)
		b.Ret(0)
	})
	if got := reg(t, vm, 0); got != FromI64(3628800) {
		t.Errorf("R0 = %#v, want 3628800", got)
	}
}

func TestClosureCall(t *testing.T) {
	vm := mustRun(t, func(b *bytecode.Builder) {
		b.Closure(1, "inc")
		b.LoadInt(6, 7)
		b.CallClosure(5, 1)
		b.Halt()

		// Callee R0 holds the closure, R1 the argument.
		b.Label("inc")
		b.AddI(2, 1, 1)
		b.Ret(2)
	})
	if got := reg(t, vm, 5); got != FromI64(8) {
		t.Errorf("R5 = %#v, want 8", got)
	}
	entry, err := vm.Heap().ClosureEntry(reg(t, vm, 1))
	if err != nil || entry != 4 {
		t.Errorf("closure entry = %d, %v; want 4", entry, err)
	}
}

func TestCallNonClosure(t *testing.T) {
	_, err := runProgram(t, func(b *bytecode.Builder) {
		b.LoadInt(1, 3)
		b.CallClosure(2, 1)
		b.Halt()
	})
	expectRuntimeError(t, err, 1, bytecode.OpCallC, ErrTypeMismatch)
}

func TestStackOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCallDepth = 16
	vm := New(cfg)
	if err := vm.Load(buildProgram(t, func(b *bytecode.Builder) {
		b.Label("f")
		b.Call(1, "f")
	})); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	err := vm.Run()
	expectRuntimeError(t, err, 0, bytecode.OpCall, ErrStackOverflow)
	if vm.Depth() != 16 {
		t.Errorf("Depth() = %d, want 16", vm.Depth())
	}
}

func TestRegisterFileExhaustion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RegisterFileSize = 64
	vm := New(cfg)
	if err := vm.Load(buildProgram(t, func(b *bytecode.Builder) {
		b.Label("f")
		b.Call(31, "f")
	})); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	err := vm.Run()
	expectRuntimeError(t, err, 0, bytecode.OpCall, ErrStackOverflow)
	if vm.Depth() != 1 {
		t.Errorf("Depth() = %d, want 1", vm.Depth())
	}
	if _, err := vm.Register(64); !errors.Is(err, ErrRegisterRange) {
		t.Errorf("Register(64) error = %v, want ErrRegisterRange", err)
	}
}

func TestReturnWithEmptyCallStack(t *testing.T) {
	_, err := runProgram(t, func(b *bytecode.Builder) {
		b.LoadInt(0, 1)
		b.Ret(0)
	})
	expectRuntimeError(t, err, 1, bytecode.OpRet, ErrEmptyCallStack)
}

// ===== Lifecycle Tests =====

func TestRunWithoutProgram(t *testing.T) {
	vm := New(DefaultConfig())
	if err := vm.Run(); !errors.Is(err, ErrNoProgram) {
		t.Errorf("Run() error = %v, want ErrNoProgram", err)
	}
	if err := vm.Step(); !errors.Is(err, ErrNoProgram) {
		t.Errorf("Step() error = %v, want ErrNoProgram", err)
	}
	if err := vm.Reset(); !errors.Is(err, ErrNoProgram) {
		t.Errorf("Reset() error = %v, want ErrNoProgram", err)
	}
}

func TestStepAndHalt(t *testing.T) {
	vm, _ := newTestVM(t, buildProgram(t, arithmeticScenario))
	for i := 0; i < 5; i++ {
		if err := vm.Step(); err != nil {
			t.Fatalf("Step %d failed: %v", i, err)
		}
	}
	if vm.Halted() {
		t.Fatal("halted before HALT executed")
	}
	if err := vm.Step(); err != nil {
		t.Fatalf("Step (HALT) failed: %v", err)
	}
	if !vm.Halted() {
		t.Fatal("not halted after HALT")
	}
	if err := vm.Step(); !errors.Is(err, ErrHalted) {
		t.Errorf("Step after halt error = %v, want ErrHalted", err)
	}
	if err := vm.Run(); err != nil {
		t.Errorf("Run after halt error = %v, want nil", err)
	}

	if err := vm.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if vm.Halted() || vm.PC() != 0 || vm.Steps() != 0 || !reg(t, vm, 0).IsNil() {
		t.Fatal("Reset did not restore the initial state")
	}
	if err := vm.Run(); err != nil {
		t.Fatalf("Run after Reset failed: %v", err)
	}
	if got := reg(t, vm, 0); got != FromI64(45) {
		t.Errorf("R0 = %#v after rerun, want 45", got)
	}
}

func TestDumpRegisters(t *testing.T) {
	vm := mustRun(t, arithmeticScenario)
	dump := vm.DumpRegisters()
	for _, want := range []string{"R0  = 45", "R1  = 10", "R4  = 3", "steps=6"} {
		if !strings.Contains(dump, want) {
			t.Errorf("DumpRegisters missing %q:\n%s", want, dump)
		}
	}
	if strings.Contains(dump, "R5 ") {
		t.Errorf("DumpRegisters lists trailing nil registers:\n%s", dump)
	}
}

func TestTraceDoesNotChangeResult(t *testing.T) {
	vm, _ := newTestVM(t, buildProgram(t, arithmeticScenario))
	vm.Trace = true
	if err := vm.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := reg(t, vm, 0); got != FromI64(45) {
		t.Errorf("R0 = %#v, want 45", got)
	}
}
