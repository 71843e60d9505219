package vm

import (
	"fmt"
	"math"
	"math/big"
	"unicode/utf8"

	"github.com/chazu/widow/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Numeric policy
//
//  1. Integers of different widths promote to the wider width. At equal
//     width with mixed signedness the signed kind wins.
//  2. An integer with a float promotes to the float's kind; f32 with f64
//     promotes to f64.
//  3. Integer results wrap at the result width. ADDC, SUBC and MULC fail
//     with ErrOverflow instead.
//  4. Integer DIV and MOD by zero fail with ErrDivideByZero. Division
//     truncates toward zero, the remainder takes the dividend's sign, and
//     MinInt / -1 wraps to MinInt.
//  5. Float arithmetic follows IEEE-754, including division by zero.
//  6. Arithmetic on nil, bool, char or ref is ErrTypeMismatch.
//  7. Shift counts are masked to the width of the shifted operand, whose
//     kind is the result kind. SHR is arithmetic for signed kinds and
//     logical for unsigned kinds.
// ---------------------------------------------------------------------------

// promote returns the kind a binary numeric operation on a and b
// computes in.
func promote(a, b Kind) (Kind, error) {
	if !a.IsNumeric() || !b.IsNumeric() {
		return 0, fmt.Errorf("%w: %s and %s", ErrTypeMismatch, a, b)
	}
	switch {
	case a.IsFloat() && b.IsFloat():
		if a == bytecode.KindF64 || b == bytecode.KindF64 {
			return bytecode.KindF64, nil
		}
		return bytecode.KindF32, nil
	case a.IsFloat():
		return a, nil
	case b.IsFloat():
		return b, nil
	}
	wa, wb := a.Bits(), b.Bits()
	switch {
	case wa > wb:
		return a, nil
	case wb > wa:
		return b, nil
	case a.IsSigned():
		return a, nil
	}
	return b, nil
}

// toKind converts a numeric value to a numeric kind reached by promotion.
// Integer to integer conversion wraps; integer to float rounds.
func toKind(v Value, k Kind) Value {
	if v.kind == k {
		return v
	}
	if k.IsFloat() {
		switch {
		case v.kind.IsSigned():
			return FromFloat(k, float64(v.Int()))
		case v.kind.IsUnsigned():
			return FromFloat(k, float64(v.Uint()))
		}
		return FromFloat(k, v.Float())
	}
	return normalize(k, v.bits)
}

// arith applies a binary arithmetic opcode.
func arith(op bytecode.Opcode, a, b Value) (Value, error) {
	k, err := promote(a.kind, b.kind)
	if err != nil {
		return Nil, err
	}
	x, y := toKind(a, k), toKind(b, k)

	if k.IsFloat() {
		fx, fy := x.Float(), y.Float()
		var r float64
		switch op {
		case bytecode.OpAdd, bytecode.OpAddC:
			r = fx + fy
		case bytecode.OpSub, bytecode.OpSubC:
			r = fx - fy
		case bytecode.OpMul, bytecode.OpMulC:
			r = fx * fy
		case bytecode.OpDiv:
			r = fx / fy
		case bytecode.OpMod:
			r = math.Mod(fx, fy)
		default:
			return Nil, fmt.Errorf("%w: %s", ErrUnknownOpcode, op)
		}
		return FromFloat(k, r), nil
	}

	switch op {
	case bytecode.OpAddC, bytecode.OpSubC, bytecode.OpMulC:
		return checkedArith(op, k, x, y)
	case bytecode.OpDiv, bytecode.OpMod:
		if y.bits == 0 {
			return Nil, ErrDivideByZero
		}
	}

	if k.IsSigned() {
		sx, sy := x.Int(), y.Int()
		var r int64
		switch op {
		case bytecode.OpAdd:
			r = sx + sy
		case bytecode.OpSub:
			r = sx - sy
		case bytecode.OpMul:
			r = sx * sy
		case bytecode.OpDiv:
			r = sx / sy
		case bytecode.OpMod:
			r = sx % sy
		default:
			return Nil, fmt.Errorf("%w: %s", ErrUnknownOpcode, op)
		}
		return normalize(k, uint64(r)), nil
	}

	ux, uy := x.Uint(), y.Uint()
	var r uint64
	switch op {
	case bytecode.OpAdd:
		r = ux + uy
	case bytecode.OpSub:
		r = ux - uy
	case bytecode.OpMul:
		r = ux * uy
	case bytecode.OpDiv:
		r = ux / uy
	case bytecode.OpMod:
		r = ux % uy
	default:
		return Nil, fmt.Errorf("%w: %s", ErrUnknownOpcode, op)
	}
	return normalize(k, r), nil
}

// checkedArith computes the exact result and fails if it does not fit k.
func checkedArith(op bytecode.Opcode, k Kind, x, y Value) (Value, error) {
	bx, by := bigOf(x), bigOf(y)
	r := new(big.Int)
	switch op {
	case bytecode.OpAddC:
		r.Add(bx, by)
	case bytecode.OpSubC:
		r.Sub(bx, by)
	case bytecode.OpMulC:
		r.Mul(bx, by)
	}
	lo, hi := kindRange(k)
	if r.Cmp(lo) < 0 || r.Cmp(hi) > 0 {
		return Nil, fmt.Errorf("%w: %s %s %s overflows %s", ErrOverflow, x, op, y, k)
	}
	if k.IsSigned() {
		return FromInt(k, r.Int64()), nil
	}
	return FromUint(k, r.Uint64()), nil
}

func bigOf(v Value) *big.Int {
	if v.kind.IsSigned() {
		return big.NewInt(v.Int())
	}
	return new(big.Int).SetUint64(v.Uint())
}

// kindRange returns the inclusive bounds of an integer kind.
func kindRange(k Kind) (lo, hi *big.Int) {
	w := k.Bits()
	one := big.NewInt(1)
	if k.IsSigned() {
		hi = new(big.Int).Lsh(one, w-1)
		lo = new(big.Int).Neg(hi)
		hi.Sub(hi, one)
		return lo, hi
	}
	hi = new(big.Int).Lsh(one, w)
	hi.Sub(hi, one)
	return new(big.Int), hi
}

// negate implements NEG: wrapping for integers, sign flip for floats.
func negate(v Value) (Value, error) {
	switch {
	case v.kind.IsFloat():
		return FromFloat(v.kind, -v.Float()), nil
	case v.kind.IsInteger():
		return normalize(v.kind, -v.bits), nil
	}
	return Nil, fmt.Errorf("%w: cannot negate %s", ErrTypeMismatch, v.kind)
}

// addImmediate implements ADDI: the immediate takes the operand's kind.
func addImmediate(v Value, imm int8) (Value, error) {
	switch {
	case v.kind.IsInteger():
		return normalize(v.kind, v.bits+uint64(int64(imm))), nil
	case v.kind.IsFloat():
		return FromFloat(v.kind, v.Float()+float64(imm)), nil
	}
	return Nil, fmt.Errorf("%w: cannot add to %s", ErrTypeMismatch, v.kind)
}

// bitwise applies AND, OR or XOR to promoted integer operands.
func bitwise(op bytecode.Opcode, a, b Value) (Value, error) {
	if !a.kind.IsInteger() || !b.kind.IsInteger() {
		return Nil, fmt.Errorf("%w: %s %s %s", ErrTypeMismatch, a.kind, op, b.kind)
	}
	k, _ := promote(a.kind, b.kind)
	x, y := toKind(a, k).bits, toKind(b, k).bits
	switch op {
	case bytecode.OpAnd:
		return normalize(k, x&y), nil
	case bytecode.OpOr:
		return normalize(k, x|y), nil
	case bytecode.OpXor:
		return normalize(k, x^y), nil
	}
	return Nil, fmt.Errorf("%w: %s", ErrUnknownOpcode, op)
}

// shift applies SHL or SHR. The result has the shifted operand's kind.
func shift(op bytecode.Opcode, a, b Value) (Value, error) {
	if !a.kind.IsInteger() || !b.kind.IsInteger() {
		return Nil, fmt.Errorf("%w: %s %s %s", ErrTypeMismatch, a.kind, op, b.kind)
	}
	n := b.bits & uint64(a.kind.Bits()-1)
	if op == bytecode.OpShl {
		return normalize(a.kind, a.bits<<n), nil
	}
	if a.kind.IsSigned() {
		return normalize(a.kind, uint64(a.Int()>>n)), nil
	}
	return normalize(a.kind, a.bits>>n), nil
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

// ordered implements LT and LE over numerics (after promotion) and chars.
func ordered(op bytecode.Opcode, a, b Value) (bool, error) {
	var c int
	switch {
	case a.kind.IsNumeric() && b.kind.IsNumeric():
		k, _ := promote(a.kind, b.kind)
		x, y := toKind(a, k), toKind(b, k)
		switch {
		case k.IsFloat():
			fx, fy := x.Float(), y.Float()
			if op == bytecode.OpLt {
				return fx < fy, nil
			}
			return fx <= fy, nil
		case k.IsSigned():
			c = cmp3(x.Int() < y.Int(), x.Int() > y.Int())
		default:
			c = cmp3(x.Uint() < y.Uint(), x.Uint() > y.Uint())
		}
	case a.kind == bytecode.KindChar && b.kind == bytecode.KindChar:
		c = cmp3(a.bits < b.bits, a.bits > b.bits)
	default:
		return false, fmt.Errorf("%w: cannot order %s and %s", ErrTypeMismatch, a.kind, b.kind)
	}
	if op == bytecode.OpLt {
		return c < 0, nil
	}
	return c <= 0, nil
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

// equalScalars implements EQ for everything except string contents:
// numerics compare after promotion, other kinds must match exactly.
func equalScalars(a, b Value) bool {
	if a.kind.IsNumeric() && b.kind.IsNumeric() {
		k, _ := promote(a.kind, b.kind)
		x, y := toKind(a, k), toKind(b, k)
		if k.IsFloat() {
			return x.Float() == y.Float()
		}
		return x.bits == y.bits
	}
	return a == b
}

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

// convert implements CONV. Narrowing integer conversions wrap; float to
// integer truncates toward zero and fails with ErrOverflow when the
// result does not fit or the float is NaN.
func convert(v Value, k Kind) (Value, error) {
	if v.kind == bytecode.KindNil || v.kind == bytecode.KindRef {
		return Nil, fmt.Errorf("%w: cannot convert %s to %s", ErrTypeMismatch, v.kind, k)
	}
	if k == bytecode.KindBool {
		return FromBool(v.Truthy()), nil
	}

	switch {
	case k == bytecode.KindChar:
		switch {
		case v.kind == bytecode.KindChar:
			return v, nil
		case v.kind.IsInteger():
			if (v.kind.IsSigned() && v.Int() < 0) || v.Uint() > utf8.MaxRune || !utf8.ValidRune(rune(v.Uint())) {
				return Nil, fmt.Errorf("%w: %s is not a code point", ErrOverflow, v)
			}
			return FromChar(rune(v.Uint())), nil
		}
		return Nil, fmt.Errorf("%w: cannot convert %s to char", ErrTypeMismatch, v.kind)

	case k.IsFloat():
		switch {
		case v.kind == bytecode.KindBool, v.kind == bytecode.KindChar:
			return FromFloat(k, float64(v.bits)), nil
		}
		return toKind(v, k), nil

	case k.IsInteger():
		switch {
		case v.kind == bytecode.KindBool, v.kind == bytecode.KindChar, v.kind.IsInteger():
			return normalize(k, v.bits), nil
		case v.kind.IsFloat():
			return floatToInt(v.Float(), k)
		}
	}
	return Nil, fmt.Errorf("%w: cannot convert %s to %s", ErrTypeMismatch, v.kind, k)
}

func floatToInt(f float64, k Kind) (Value, error) {
	t := math.Trunc(f)
	w := k.Bits()
	if k.IsSigned() {
		lim := math.Ldexp(1, int(w-1))
		if math.IsNaN(t) || t < -lim || t >= lim {
			return Nil, fmt.Errorf("%w: %g does not fit %s", ErrOverflow, f, k)
		}
		return FromInt(k, int64(t)), nil
	}
	lim := math.Ldexp(1, int(w))
	if math.IsNaN(t) || t < 0 || t >= lim {
		return Nil, fmt.Errorf("%w: %g does not fit %s", ErrOverflow, f, k)
	}
	return FromUint(k, uint64(t)), nil
}
