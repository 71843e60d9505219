package vm

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/chazu/widow/pkg/bytecode"
)

// ===== Load Tests =====

func serialized(t *testing.T, prog *bytecode.Program) []byte {
	t.Helper()
	data, err := prog.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	return data
}

func TestLoadProgramStages(t *testing.T) {
	good := serialized(t, buildProgram(t, arithmeticScenario))

	corrupt := func(f func(d []byte) []byte) []byte {
		d := append([]byte(nil), good...)
		return f(d)
	}
	badLoadK := serialized(t, &bytecode.Program{
		Version: bytecode.ProgramVersion,
		Code:    []bytecode.Instruction{{Op: bytecode.OpLoadK, A: 0, B: 3}},
	})
	var badPool []byte
	badPool = append(badPool, bytecode.ProgramMagic...)
	badPool = binary.BigEndian.AppendUint16(badPool, bytecode.ProgramVersion)
	badPool = binary.BigEndian.AppendUint16(badPool, 0)
	badPool = binary.BigEndian.AppendUint32(badPool, 0) // no code
	badPool = binary.BigEndian.AppendUint32(badPool, 1)
	badPool = append(badPool, 0xFF)

	tests := []struct {
		name  string
		data  []byte
		stage string
		want  error
	}{
		{"empty", nil, "header", bytecode.ErrTruncated},
		{"truncated header", good[:6], "header", bytecode.ErrTruncated},
		{"truncated code", good[:14], "header", bytecode.ErrTruncated},
		{"bad magic", corrupt(func(d []byte) []byte { d[0] = 'X'; return d }), "header", bytecode.ErrBadMagic},
		{"future version", corrupt(func(d []byte) []byte { d[5]++; return d }), "header", bytecode.ErrVersionMismatch},
		{"trailing data", corrupt(func(d []byte) []byte { return append(d, 0) }), "header", bytecode.ErrTrailingData},
		{"unassigned opcode", corrupt(func(d []byte) []byte { d[12] = 0xFF; return d }), "decode", bytecode.ErrUnassignedOpcode},
		{"register operand", corrupt(func(d []byte) []byte { d[13] = 0x40; return d }), "decode", bytecode.ErrRegisterOperand},
		{"constant index", badLoadK, "constants", bytecode.ErrConstantIndex},
		{"constant pool", badPool, "constants", bytecode.ErrConstantPool},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := New(DefaultConfig())
			err := vm.LoadProgram(tt.data)
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("LoadProgram error = %v (%T), want *LoadError", err, err)
			}
			if le.Stage != tt.stage {
				t.Errorf("Stage = %q, want %q (%v)", le.Stage, tt.stage, err)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if vm.Program() != nil {
				t.Error("failed load installed a program")
			}
		})
	}
}

func TestDecodeErrorCarriesIndex(t *testing.T) {
	data := serialized(t, buildProgram(t, arithmeticScenario))
	data[12+4*2] = 0xEE // third instruction

	err := New(DefaultConfig()).LoadProgram(data)
	var de *bytecode.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *bytecode.DecodeError", err)
	}
	if de.Index != 2 {
		t.Errorf("Index = %d, want 2", de.Index)
	}
}

func TestLoadRejectsInvalidProgramValue(t *testing.T) {
	tests := []struct {
		name  string
		prog  *bytecode.Program
		stage string
		want  error
	}{
		{"nil", nil, "header", ErrNoProgram},
		{"version", &bytecode.Program{Version: 9}, "header", ErrVersionMismatch},
		{"operand", &bytecode.Program{
			Version: bytecode.ProgramVersion,
			Code:    []bytecode.Instruction{{Op: bytecode.OpMov, A: 40, B: 1}},
		}, "decode", bytecode.ErrRegisterOperand},
		{"loadk", &bytecode.Program{
			Version:   bytecode.ProgramVersion,
			Code:      []bytecode.Instruction{{Op: bytecode.OpLoadK, A: 0, B: 1}},
			Constants: []bytecode.Constant{bytecode.Int64Const(1)},
		}, "constants", bytecode.ErrConstantIndex},
		{"constant kind", &bytecode.Program{
			Version:   bytecode.ProgramVersion,
			Constants: []bytecode.Constant{{Kind: bytecode.KindRef}},
		}, "constants", bytecode.ErrConstantPool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(DefaultConfig()).Load(tt.prog)
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("Load error = %v, want *LoadError", err)
			}
			if le.Stage != tt.stage {
				t.Errorf("Stage = %q, want %q", le.Stage, tt.stage)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadStringConstantTooLargeForHeap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Heap = HeapConfig{YoungSize: 256, OldSize: 128}
	vm := New(cfg)

	prog := bytecode.NewProgram()
	prog.Constants = append(prog.Constants, bytecode.StringConst(strings.Repeat("x", 200)))
	err := vm.Load(prog)
	var le *LoadError
	if !errors.As(err, &le) || le.Stage != "heap" {
		t.Fatalf("Load error = %v, want heap stage", err)
	}
	if !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("error = %v, want ErrOutOfMemory", err)
	}
}

func TestFailedLoadKeepsPreviousProgram(t *testing.T) {
	vm, _ := newTestVM(t, buildProgram(t, arithmeticScenario))
	if err := vm.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	prev := vm.Program()
	heap := vm.Heap()

	data := serialized(t, buildProgram(t, arithmeticScenario))
	data[12] = 0xFF
	if err := vm.LoadProgram(data); err == nil {
		t.Fatal("corrupted program loaded")
	}

	if vm.Program() != prev || vm.Heap() != heap {
		t.Fatal("failed load replaced VM state")
	}
	if !vm.Halted() || reg(t, vm, 0) != FromI64(45) {
		t.Errorf("failed load disturbed registers: halted=%v R0=%v", vm.Halted(), reg(t, vm, 0))
	}

	if err := vm.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if err := vm.Run(); err != nil {
		t.Fatalf("Run after failed load: %v", err)
	}
	if got := reg(t, vm, 0); got != FromI64(45) {
		t.Errorf("R0 = %v, want 45", got)
	}
}

func TestStringConstantsLiveInOldGeneration(t *testing.T) {
	vm, _ := newTestVM(t, buildProgram(t, func(b *bytecode.Builder) {
		b.LoadConst(0, bytecode.StringConst("pinned"))
		b.GC(false)
		b.GC(true)
		b.Halt()
	}))
	if err := vm.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	v := reg(t, vm, 0)
	hdr, err := vm.Heap().Header(v)
	if err != nil {
		t.Fatalf("Header failed: %v", err)
	}
	if hdr.Gen != Old {
		t.Errorf("string constant generation = %s, want old", hdr.Gen)
	}
	if s, _ := vm.Heap().StringOf(v); s != "pinned" {
		t.Errorf("string constant = %q", s)
	}
}

func TestNegativeZeroConstantSurvivesSerialization(t *testing.T) {
	data := serialized(t, buildProgram(t, func(b *bytecode.Builder) {
		b.LoadConst(0, bytecode.Float64Const(math.Copysign(0, -1)))
		b.LoadConst(1, bytecode.Float64Const(0))
		b.Halt()
	}))
	vm := New(DefaultConfig())
	if err := vm.LoadProgram(data); err != nil {
		t.Fatalf("LoadProgram failed: %v", err)
	}
	if err := vm.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if v := reg(t, vm, 0); v.Kind() != bytecode.KindF64 || !math.Signbit(v.Float()) {
		t.Errorf("R0 = %#v, want -0.0", v)
	}
	if v := reg(t, vm, 1); math.Signbit(v.Float()) {
		t.Errorf("R1 = %#v, want +0.0", v)
	}
}
