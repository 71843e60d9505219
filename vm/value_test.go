package vm

import (
	"math"
	"testing"

	"github.com/chazu/widow/pkg/bytecode"
)

// ===== Construction Tests =====

func TestFromIntNormalizes(t *testing.T) {
	tests := []struct {
		kind Kind
		in   int64
		want int64
	}{
		{bytecode.KindI8, 127, 127},
		{bytecode.KindI8, 128, -128},
		{bytecode.KindI8, -129, 127},
		{bytecode.KindI16, 40000, 40000 - 65536},
		{bytecode.KindI32, math.MaxInt32 + 1, math.MinInt32},
		{bytecode.KindI64, math.MinInt64, math.MinInt64},
	}
	for _, tt := range tests {
		v := FromInt(tt.kind, tt.in)
		if v.Kind() != tt.kind || v.Int() != tt.want {
			t.Errorf("FromInt(%s, %d) = %#v, want %d", tt.kind, tt.in, v, tt.want)
		}
	}
}

func TestFromUintNormalizes(t *testing.T) {
	tests := []struct {
		kind Kind
		in   uint64
		want uint64
	}{
		{bytecode.KindU8, 255, 255},
		{bytecode.KindU8, 256, 0},
		{bytecode.KindU16, 0x1_0001, 1},
		{bytecode.KindU32, math.MaxUint64, math.MaxUint32},
		{bytecode.KindU64, math.MaxUint64, math.MaxUint64},
	}
	for _, tt := range tests {
		v := FromUint(tt.kind, tt.in)
		if v.Kind() != tt.kind || v.Uint() != tt.want {
			t.Errorf("FromUint(%s, %d) = %#v, want %d", tt.kind, tt.in, v, tt.want)
		}
	}
}

func TestValuesAreComparable(t *testing.T) {
	if FromInt(bytecode.KindI8, 300) != FromInt(bytecode.KindI8, 44) {
		t.Error("equal i8 payloads compare unequal after wrapping")
	}
	if FromI64(1) == FromU64(1) {
		t.Error("values of different kinds compare equal")
	}
	if FromF32(1.5).Float() != 1.5 {
		t.Errorf("FromF32(1.5).Float() = %g", FromF32(1.5).Float())
	}
}

// ===== Truthiness Tests =====

func TestTruthy(t *testing.T) {
	tests := []struct {
		v    Value
		want bool
	}{
		{Nil, false},
		{FromBool(false), false},
		{FromBool(true), true},
		{FromI64(0), false},
		{FromI64(-1), true},
		{FromUint(bytecode.KindU8, 0), false},
		{FromF64(0), false},
		{FromF64(math.Copysign(0, -1)), false},
		{FromF64(math.NaN()), true},
		{FromF32(0.5), true},
		{FromChar(0), true},
		{FromChar('a'), true},
		{refValue(1, makeHandle(Young, 0, 0)), true},
	}
	for _, tt := range tests {
		if got := tt.v.Truthy(); got != tt.want {
			t.Errorf("%#v.Truthy() = %v, want %v", tt.v, got, tt.want)
		}
	}
}

// ===== Rendering Tests =====

func TestValueString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Nil, "nil"},
		{FromBool(true), "true"},
		{FromChar('x'), "'x'"},
		{FromI64(-42), "-42"},
		{FromUint(bytecode.KindU16, 65535), "65535"},
		{FromF64(2.5), "2.5"},
		{FromF32(0.1), "0.1"},
		{refValue(3, makeHandle(Young, 0, 3)), "ref(3:y3.0)"},
		{refValue(7, makeHandle(Old, 1, 2)), "ref(7:o2.1)"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
	if got := FromInt(bytecode.KindI8, 5).GoString(); got != "5:i8" {
		t.Errorf("GoString() = %q, want %q", got, "5:i8")
	}
}

// ===== Reference Encoding Tests =====

func TestRefCarriesHeapAndHandle(t *testing.T) {
	h := makeHandle(Old, 5, 1234)
	v := refValue(99, h)
	if !v.IsRef() {
		t.Fatal("refValue is not a ref")
	}
	if v.heapID() != 99 {
		t.Errorf("heapID = %d, want 99", v.heapID())
	}
	if v.handle() != h || !v.handle().old() || v.handle().stamp() != 5 || v.handle().slot() != 1234 {
		t.Errorf("handle = %s, want %s", v.handle(), h)
	}
}

func TestScalarFromConstant(t *testing.T) {
	tests := []struct {
		c    bytecode.Constant
		want Value
	}{
		{bytecode.NilConst(), Nil},
		{bytecode.BoolConst(true), FromBool(true)},
		{bytecode.CharConst('λ'), FromChar('λ')},
		{bytecode.IntConst(bytecode.KindI16, -300), FromInt(bytecode.KindI16, -300)},
		{bytecode.UintConst(bytecode.KindU32, 7), FromUint(bytecode.KindU32, 7)},
		{bytecode.Float32Const(1.25), FromF32(1.25)},
		{bytecode.Float64Const(-0.5), FromF64(-0.5)},
	}
	for _, tt := range tests {
		if got := scalarFromConstant(tt.c); got != tt.want {
			t.Errorf("scalarFromConstant(%s) = %#v, want %#v", tt.c, got, tt.want)
		}
	}
}
