package vm

import (
	"fmt"
	"math"
	"strconv"

	"github.com/chazu/widow/pkg/bytecode"
)

// Kind is the tag of a Value.
type Kind = bytecode.Kind

// Value is a tagged VM value. The payload is always normalized for the
// tag, so two Values are identical exactly when they compare equal with ==.
//
// Encoding of bits by kind:
//   - nil: 0
//   - bool: 0 or 1
//   - char: the code point
//   - signed integers: the value sign-extended to 64 bits
//   - unsigned integers: the value zero-extended to 64 bits
//   - f32: IEEE-754 single bits in the low word
//   - f64: IEEE-754 double bits
//   - ref: owning heap id in the high word, handle in the low word
type Value struct {
	kind Kind
	bits uint64
}

// Nil is the nil value.
var Nil = Value{}

// Kind returns the value's tag.
func (v Value) Kind() Kind { return v.kind }

// IsNil reports whether v is nil.
func (v Value) IsNil() bool { return v.kind == bytecode.KindNil }

// IsRef reports whether v is a heap reference.
func (v Value) IsRef() bool { return v.kind == bytecode.KindRef }

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// FromBool returns a bool value.
func FromBool(b bool) Value {
	if b {
		return Value{kind: bytecode.KindBool, bits: 1}
	}
	return Value{kind: bytecode.KindBool}
}

// FromChar returns a char value.
func FromChar(r rune) Value {
	return Value{kind: bytecode.KindChar, bits: uint64(uint32(r))}
}

// FromInt returns a signed integer of kind k, wrapping v to k's width.
// Unsigned kinds receive v's two's-complement bits.
func FromInt(k Kind, v int64) Value {
	return normalize(k, uint64(v))
}

// FromUint returns an integer of kind k, wrapping v to k's width.
func FromUint(k Kind, v uint64) Value {
	return normalize(k, v)
}

// FromI64 returns an i64 value.
func FromI64(v int64) Value { return Value{kind: bytecode.KindI64, bits: uint64(v)} }

// FromU64 returns a u64 value.
func FromU64(v uint64) Value { return Value{kind: bytecode.KindU64, bits: v} }

// FromF32 returns an f32 value.
func FromF32(f float32) Value {
	return Value{kind: bytecode.KindF32, bits: uint64(math.Float32bits(f))}
}

// FromF64 returns an f64 value.
func FromF64(f float64) Value {
	return Value{kind: bytecode.KindF64, bits: math.Float64bits(f)}
}

// FromFloat returns a float of kind k (f32 or f64).
func FromFloat(k Kind, f float64) Value {
	if k == bytecode.KindF32 {
		return FromF32(float32(f))
	}
	return FromF64(f)
}

// normalize truncates bits to k's width and re-extends them according to
// k's signedness.
func normalize(k Kind, bits uint64) Value {
	switch k {
	case bytecode.KindI8:
		bits = uint64(int64(int8(bits)))
	case bytecode.KindI16:
		bits = uint64(int64(int16(bits)))
	case bytecode.KindI32:
		bits = uint64(int64(int32(bits)))
	case bytecode.KindU8:
		bits = uint64(uint8(bits))
	case bytecode.KindU16:
		bits = uint64(uint16(bits))
	case bytecode.KindU32:
		bits = uint64(uint32(bits))
	}
	return Value{kind: k, bits: bits}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Int returns the value of a signed integer, the two's-complement
// reinterpretation of an unsigned one, or the code point of a char.
func (v Value) Int() int64 { return int64(v.bits) }

// Uint returns the raw integer payload.
func (v Value) Uint() uint64 { return v.bits }

// Float returns the value of a float kind as float64.
func (v Value) Float() float64 {
	if v.kind == bytecode.KindF32 {
		return float64(math.Float32frombits(uint32(v.bits)))
	}
	return math.Float64frombits(v.bits)
}

// Bool returns the payload of a bool value.
func (v Value) Bool() bool { return v.bits != 0 }

// Char returns the code point of a char value.
func (v Value) Char() rune { return rune(v.bits) }

// Truthy reports whether v counts as true in a conditional: nil, false and
// numeric zero are falsy, everything else is truthy.
func (v Value) Truthy() bool {
	switch {
	case v.kind == bytecode.KindNil:
		return false
	case v.kind == bytecode.KindBool:
		return v.bits != 0
	case v.kind.IsInteger():
		return v.bits != 0
	case v.kind.IsFloat():
		return v.Float() != 0
	}
	return true
}

// heapID returns the owning heap of a ref.
func (v Value) heapID() uint32 { return uint32(v.bits >> 32) }

// handle returns the generation-local handle of a ref.
func (v Value) handle() handle { return handle(uint32(v.bits)) }

func refValue(heapID uint32, h handle) Value {
	return Value{kind: bytecode.KindRef, bits: uint64(heapID)<<32 | uint64(h)}
}

// String renders scalars in a readable form. Refs render as their handle;
// use VM.Format to render heap contents.
func (v Value) String() string {
	switch {
	case v.kind == bytecode.KindNil:
		return "nil"
	case v.kind == bytecode.KindBool:
		return strconv.FormatBool(v.Bool())
	case v.kind == bytecode.KindChar:
		return strconv.QuoteRune(v.Char())
	case v.kind.IsSigned():
		return strconv.FormatInt(v.Int(), 10)
	case v.kind.IsUnsigned():
		return strconv.FormatUint(v.Uint(), 10)
	case v.kind == bytecode.KindF32:
		return strconv.FormatFloat(v.Float(), 'g', -1, 32)
	case v.kind == bytecode.KindF64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case v.kind == bytecode.KindRef:
		return fmt.Sprintf("ref(%d:%s)", v.heapID(), v.handle())
	}
	return fmt.Sprintf("Value(%d, 0x%X)", v.kind, v.bits)
}

// GoString renders the value with its kind, for test failures and traces.
func (v Value) GoString() string {
	if v.kind.IsNumeric() {
		return v.String() + ":" + v.kind.String()
	}
	return v.String()
}

// scalarFromConstant converts a non-string pool constant.
func scalarFromConstant(c bytecode.Constant) Value {
	switch {
	case c.Kind == bytecode.KindNil:
		return Nil
	case c.Kind == bytecode.KindBool:
		return FromBool(c.Int != 0)
	case c.Kind == bytecode.KindChar:
		return FromChar(rune(c.Int))
	case c.Kind.IsSigned():
		return FromInt(c.Kind, c.Int)
	case c.Kind.IsUnsigned():
		return FromUint(c.Kind, c.Uint)
	case c.Kind.IsFloat():
		return FromFloat(c.Kind, c.Float)
	}
	return Nil
}
