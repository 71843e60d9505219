package bytecode

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// MaxConstants is the largest pool a program may carry; LOADK addresses
// constants with an 8-bit index.
const MaxConstants = 256

// ErrConstantPool reports a malformed or oversized constant pool.
var ErrConstantPool = errors.New("invalid constant pool")

// Constant is an entry of the constant pool. Only the field matching Kind
// is meaningful; the others are zero. Float is always encoded so that
// -0.0 keeps its sign.
//
//   - bool, char and signed integers use Int
//   - unsigned integers use Uint
//   - f32 and f64 use Float
//   - string uses Str
type Constant struct {
	Kind  Kind    `cbor:"1,keyasint"`
	Int   int64   `cbor:"2,keyasint,omitempty"`
	Uint  uint64  `cbor:"3,keyasint,omitempty"`
	Float float64 `cbor:"4,keyasint"`
	Str   string  `cbor:"5,keyasint,omitempty"`
}

// Constant constructors.

func NilConst() Constant { return Constant{Kind: KindNil} }

func Int64Const(v int64) Constant { return Constant{Kind: KindI64, Int: v} }

func Uint64Const(v uint64) Constant { return Constant{Kind: KindU64, Uint: v} }

func Float64Const(v float64) Constant { return Constant{Kind: KindF64, Float: v} }

func StringConst(s string) Constant { return Constant{Kind: KindString, Str: s} }

func CharConst(r rune) Constant { return Constant{Kind: KindChar, Int: int64(r)} }

// BoolConst returns a boolean constant.
func BoolConst(b bool) Constant {
	c := Constant{Kind: KindBool}
	if b {
		c.Int = 1
	}
	return c
}

// IntConst returns a signed integer constant of the given kind.
func IntConst(k Kind, v int64) Constant { return Constant{Kind: k, Int: v} }

// UintConst returns an unsigned integer constant of the given kind.
func UintConst(k Kind, v uint64) Constant { return Constant{Kind: k, Uint: v} }

// Float32Const returns a single precision constant.
func Float32Const(v float32) Constant {
	return Constant{Kind: KindF32, Float: float64(v)}
}

// Validate checks that the payload is in range for the kind and that no
// field other than the kind's payload is set.
func (c Constant) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s constant: %s", ErrConstantPool, c.Kind, fmt.Sprintf(format, args...))
	}
	noFloat := math.Float64bits(c.Float) == 0
	intOnly := c.Uint == 0 && noFloat && c.Str == ""
	uintOnly := c.Int == 0 && noFloat && c.Str == ""
	floatOnly := c.Int == 0 && c.Uint == 0 && c.Str == ""

	switch c.Kind {
	case KindNil:
		if c.Int != 0 || c.Uint != 0 || !noFloat || c.Str != "" {
			return bad("payload on nil")
		}
	case KindBool:
		if !intOnly || (c.Int != 0 && c.Int != 1) {
			return bad("payload %d", c.Int)
		}
	case KindChar:
		if !intOnly || c.Int < 0 || c.Int > utf8.MaxRune || !utf8.ValidRune(rune(c.Int)) {
			return bad("invalid code point %d", c.Int)
		}
	case KindI8, KindI16, KindI32, KindI64:
		bits := c.Kind.Bits()
		lo, hi := int64(-1)<<(bits-1), int64(uint64(1)<<(bits-1)-1)
		if !intOnly || c.Int < lo || c.Int > hi {
			return bad("%d out of range", c.Int)
		}
	case KindU8, KindU16, KindU32, KindU64:
		bits := c.Kind.Bits()
		if !uintOnly || (bits < 64 && c.Uint >= uint64(1)<<bits) {
			return bad("%d out of range", c.Uint)
		}
	case KindF32:
		if !floatOnly {
			return bad("stray payload")
		}
		if !math.IsNaN(c.Float) && !math.IsInf(c.Float, 0) && float64(float32(c.Float)) != c.Float {
			return bad("%g is not representable", c.Float)
		}
	case KindF64:
		if !floatOnly {
			return bad("stray payload")
		}
	case KindString:
		if c.Int != 0 || c.Uint != 0 || !noFloat {
			return bad("stray payload")
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrConstantPool, c.Kind)
	}
	return nil
}

// Same reports whether c and o encode identically. Floats compare by bit
// pattern, so -0.0 and +0.0 differ and a NaN matches itself.
func (c Constant) Same(o Constant) bool {
	return c.Kind == o.Kind && c.Int == o.Int && c.Uint == o.Uint && c.Str == o.Str &&
		math.Float64bits(c.Float) == math.Float64bits(o.Float)
}

// String renders the constant for disassembly.
func (c Constant) String() string {
	switch c.Kind {
	case KindNil:
		return "nil"
	case KindBool:
		return fmt.Sprintf("%t", c.Int != 0)
	case KindChar:
		return fmt.Sprintf("%q", rune(c.Int))
	case KindI8, KindI16, KindI32, KindI64:
		return fmt.Sprintf("%d:%s", c.Int, c.Kind)
	case KindU8, KindU16, KindU32, KindU64:
		return fmt.Sprintf("%d:%s", c.Uint, c.Kind)
	case KindF32, KindF64:
		return fmt.Sprintf("%g:%s", c.Float, c.Kind)
	case KindString:
		s := c.Str
		if len(s) > 40 {
			s = s[:37] + "..."
		}
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("<%s>", c.Kind)
}

// ---------------------------------------------------------------------------
// Pool encoding
// ---------------------------------------------------------------------------

var cborEncMode cbor.EncMode

var cborDecMode cbor.DecMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: MaxConstants,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// MarshalConstants encodes a constant pool as a canonical CBOR array.
func MarshalConstants(pool []Constant) ([]byte, error) {
	if len(pool) > MaxConstants {
		return nil, fmt.Errorf("%w: %d constants, max %d", ErrConstantPool, len(pool), MaxConstants)
	}
	if pool == nil {
		pool = []Constant{}
	}
	return cborEncMode.Marshal(pool)
}

// UnmarshalConstants decodes and validates a constant pool.
func UnmarshalConstants(data []byte) ([]Constant, error) {
	var pool []Constant
	if err := cborDecMode.Unmarshal(data, &pool); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrConstantPool, err)
	}
	if len(pool) > MaxConstants {
		return nil, fmt.Errorf("%w: %d constants, max %d", ErrConstantPool, len(pool), MaxConstants)
	}
	for i, c := range pool {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
	}
	return pool, nil
}
