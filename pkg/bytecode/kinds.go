package bytecode

import "fmt"

// Kind is the tag of a VM value. The numeric codes are part of the wire
// format: CONV carries a Kind in its C operand and every constant record
// carries one.
type Kind uint8

const (
	KindNil  Kind = 0
	KindBool Kind = 1
	KindChar Kind = 2
	KindI8   Kind = 3
	KindI16  Kind = 4
	KindI32  Kind = 5
	KindI64  Kind = 6
	KindU8   Kind = 7
	KindU16  Kind = 8
	KindU32  Kind = 9
	KindU64  Kind = 10
	KindF32  Kind = 11
	KindF64  Kind = 12
	KindRef  Kind = 13

	// KindString only appears in the constant pool. Loading a string
	// constant yields a KindRef value pointing at a heap string.
	KindString Kind = 14
)

var kindNames = [...]string{
	KindNil:    "nil",
	KindBool:   "bool",
	KindChar:   "char",
	KindI8:     "i8",
	KindI16:    "i16",
	KindI32:    "i32",
	KindI64:    "i64",
	KindU8:     "u8",
	KindU16:    "u16",
	KindU32:    "u32",
	KindU64:    "u64",
	KindF32:    "f32",
	KindF64:    "f64",
	KindRef:    "ref",
	KindString: "string",
}

// String returns the kind's short name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Valid reports whether k is a known kind code.
func (k Kind) Valid() bool {
	return k <= KindString
}

// IsInteger reports whether k is a signed or unsigned integer kind.
func (k Kind) IsInteger() bool {
	return k >= KindI8 && k <= KindU64
}

// IsSigned reports whether k is a signed integer kind.
func (k Kind) IsSigned() bool {
	return k >= KindI8 && k <= KindI64
}

// IsUnsigned reports whether k is an unsigned integer kind.
func (k Kind) IsUnsigned() bool {
	return k >= KindU8 && k <= KindU64
}

// IsFloat reports whether k is a floating point kind.
func (k Kind) IsFloat() bool {
	return k == KindF32 || k == KindF64
}

// IsNumeric reports whether k is an integer or floating point kind.
func (k Kind) IsNumeric() bool {
	return k.IsInteger() || k.IsFloat()
}

// Convertible reports whether k may be the target of a CONV instruction.
func (k Kind) Convertible() bool {
	return k >= KindBool && k <= KindF64
}

// Bits returns the width in bits of a numeric kind, 0 otherwise.
func (k Kind) Bits() uint {
	switch k {
	case KindI8, KindU8:
		return 8
	case KindI16, KindU16:
		return 16
	case KindI32, KindU32, KindF32:
		return 32
	case KindI64, KindU64, KindF64:
		return 64
	}
	return 0
}

// KindByName looks up a kind by its short name.
func KindByName(name string) (Kind, bool) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), true
		}
	}
	return 0, false
}

// TypeTag identifies the layout of a heap object. The set is closed;
// NEW rejects any other tag at decode time.
type TypeTag uint8

const (
	TypeString  TypeTag = 1 // byte payload
	TypeArray   TypeTag = 2 // Value slots
	TypeMap     TypeTag = 3 // [count, backing array]
	TypeClosure TypeTag = 4 // entry point plus captured Values
	TypeBox     TypeTag = 5 // a single Value slot
)

var typeTagNames = map[TypeTag]string{
	TypeString:  "string",
	TypeArray:   "array",
	TypeMap:     "map",
	TypeClosure: "closure",
	TypeBox:     "box",
}

// String returns the type tag's name.
func (t TypeTag) String() string {
	if n, ok := typeTagNames[t]; ok {
		return n
	}
	return fmt.Sprintf("TypeTag(%d)", t)
}

// Valid reports whether t is a known type tag.
func (t TypeTag) Valid() bool {
	_, ok := typeTagNames[t]
	return ok
}

// TypeTagByName looks up a type tag by name.
func TypeTagByName(name string) (TypeTag, bool) {
	for t, n := range typeTagNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}
