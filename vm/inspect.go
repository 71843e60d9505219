package vm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chazu/widow/pkg/bytecode"
)

// maxFormatDepth bounds nested rendering of heap objects.
const maxFormatDepth = 8

// ---------------------------------------------------------------------------
// Display form
// ---------------------------------------------------------------------------

// Format renders v the way PRINT does. Strings and chars render as their
// text at the top level and quoted when nested; arrays as [a, b], maps as
// {k: v}, boxes as box(v) and closures as closure@XXXX. Cycles render as
// "...".
func (vm *VM) Format(v Value) string {
	var sb strings.Builder
	vm.format(&sb, v, 0, false, map[*object]bool{})
	return sb.String()
}

func (vm *VM) format(sb *strings.Builder, v Value, depth int, nested bool, active map[*object]bool) {
	switch v.kind {
	case bytecode.KindChar:
		if nested {
			sb.WriteString(strconv.QuoteRune(v.Char()))
		} else {
			sb.WriteRune(v.Char())
		}
		return
	case bytecode.KindRef:
	default:
		sb.WriteString(v.String())
		return
	}

	o, err := vm.heap.resolve(v)
	if err != nil {
		fmt.Fprintf(sb, "<%v>", err)
		return
	}
	if o.Type == bytecode.TypeString {
		if nested {
			sb.WriteString(strconv.Quote(string(o.bytes)))
		} else {
			sb.Write(o.bytes)
		}
		return
	}
	if active[o] || depth >= maxFormatDepth {
		sb.WriteString("...")
		return
	}
	active[o] = true
	defer delete(active, o)

	elem := func(e Value) { vm.format(sb, e, depth+1, true, active) }
	switch o.Type {
	case bytecode.TypeArray:
		sb.WriteByte('[')
		for i, e := range o.slots {
			if i > 0 {
				sb.WriteString(", ")
			}
			elem(e)
		}
		sb.WriteByte(']')
	case bytecode.TypeMap:
		sb.WriteByte('{')
		keys, _ := vm.heap.MapKeys(v)
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			val, _ := vm.heap.MapGet(v, k)
			elem(k)
			sb.WriteString(": ")
			elem(val)
		}
		sb.WriteByte('}')
	case bytecode.TypeBox:
		sb.WriteString("box(")
		elem(o.slots[0])
		sb.WriteByte(')')
	case bytecode.TypeClosure:
		fmt.Fprintf(sb, "closure@%04X", o.entry)
		if len(o.slots) > 0 {
			sb.WriteByte('[')
			for i, e := range o.slots {
				if i > 0 {
					sb.WriteString(", ")
				}
				elem(e)
			}
			sb.WriteByte(']')
		}
	}
}

// ---------------------------------------------------------------------------
// Go values
// ---------------------------------------------------------------------------

// Box is the Go form of a box object.
type Box struct {
	Value any
}

// Closure is the Go form of a closure object.
type Closure struct {
	Entry    int
	Captures []any
}

// MapEntry is one entry of an inspected map.
type MapEntry struct {
	Key   any
	Value any
}

// Inspect converts v to a plain Go value: nil, bool, rune, the Go integer
// or float type matching the kind, string, []any for arrays, []MapEntry
// for maps in insertion order, Box and Closure. A reference back into an
// object that is already being converted yields ErrCyclicValue.
func (vm *VM) Inspect(v Value) (any, error) {
	return vm.inspect(v, map[*object]bool{})
}

func (vm *VM) inspect(v Value, active map[*object]bool) (any, error) {
	switch v.kind {
	case bytecode.KindNil:
		return nil, nil
	case bytecode.KindBool:
		return v.Bool(), nil
	case bytecode.KindChar:
		return v.Char(), nil
	case bytecode.KindI8:
		return int8(v.Int()), nil
	case bytecode.KindI16:
		return int16(v.Int()), nil
	case bytecode.KindI32:
		return int32(v.Int()), nil
	case bytecode.KindI64:
		return v.Int(), nil
	case bytecode.KindU8:
		return uint8(v.Uint()), nil
	case bytecode.KindU16:
		return uint16(v.Uint()), nil
	case bytecode.KindU32:
		return uint32(v.Uint()), nil
	case bytecode.KindU64:
		return v.Uint(), nil
	case bytecode.KindF32:
		return float32(v.Float()), nil
	case bytecode.KindF64:
		return v.Float(), nil
	}

	o, err := vm.heap.resolve(v)
	if err != nil {
		return nil, err
	}
	if o.Type == bytecode.TypeString {
		return string(o.bytes), nil
	}
	if active[o] {
		return nil, fmt.Errorf("%w at %s", ErrCyclicValue, o.h)
	}
	active[o] = true
	defer delete(active, o)

	all := func(vs []Value) ([]any, error) {
		out := make([]any, len(vs))
		for i, e := range vs {
			x, err := vm.inspect(e, active)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	}

	switch o.Type {
	case bytecode.TypeArray:
		return all(o.slots)
	case bytecode.TypeBox:
		x, err := vm.inspect(o.slots[0], active)
		if err != nil {
			return nil, err
		}
		return Box{Value: x}, nil
	case bytecode.TypeClosure:
		caps, err := all(o.slots)
		if err != nil {
			return nil, err
		}
		return Closure{Entry: o.entry, Captures: caps}, nil
	case bytecode.TypeMap:
		keys, err := vm.heap.MapKeys(v)
		if err != nil {
			return nil, err
		}
		entries := make([]MapEntry, 0, len(keys))
		for _, k := range keys {
			val, err := vm.heap.MapGet(v, k)
			if err != nil {
				return nil, err
			}
			kx, err := vm.inspect(k, active)
			if err != nil {
				return nil, err
			}
			vx, err := vm.inspect(val, active)
			if err != nil {
				return nil, err
			}
			entries = append(entries, MapEntry{Key: kx, Value: vx})
		}
		return entries, nil
	}
	return nil, fmt.Errorf("%w: unknown object type %s", ErrTypeMismatch, o.Type)
}
