package vm

import (
	"fmt"

	"github.com/chazu/widow/pkg/bytecode"
)

// TypeTag identifies a heap object's layout.
type TypeTag = bytecode.TypeTag

// ---------------------------------------------------------------------------
// Handles
// ---------------------------------------------------------------------------

// handle is a generation-local object identity. Layout:
//
//	bit 31     generation (1 = old)
//	bits 24-30 stamp: young-space epoch, or old slot reuse count
//	bits 0-23  slot index
//
// The stamp makes a handle that outlived its object fail to resolve
// instead of aliasing whatever reused the slot.
type handle uint32

const (
	handleOldBit    handle = 1 << 31
	handleStampMask        = 0x7F
	handleSlotMask         = 1<<24 - 1

	// maxSlots bounds each generation's slot table.
	maxSlots = handleSlotMask + 1
)

func makeHandle(gen Generation, stamp uint8, slot int) handle {
	h := handle(stamp&handleStampMask)<<24 | handle(slot)&handleSlotMask
	if gen == Old {
		h |= handleOldBit
	}
	return h
}

func (h handle) old() bool    { return h&handleOldBit != 0 }
func (h handle) stamp() uint8 { return uint8(h>>24) & handleStampMask }
func (h handle) slot() int    { return int(h & handleSlotMask) }

func (h handle) String() string {
	gen := "y"
	if h.old() {
		gen = "o"
	}
	return fmt.Sprintf("%s%d.%d", gen, h.slot(), h.stamp())
}

// ---------------------------------------------------------------------------
// Headers
// ---------------------------------------------------------------------------

// Color is an object's tricolor marking state.
type Color uint8

const (
	White Color = iota // not yet reached this cycle
	Gray               // reached, fields not yet scanned
	Black              // reached and scanned
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Gray:
		return "gray"
	case Black:
		return "black"
	}
	return fmt.Sprintf("Color(%d)", c)
}

// Generation is the heap region an object lives in.
type Generation uint8

const (
	Young Generation = iota
	Old
)

func (g Generation) String() string {
	if g == Old {
		return "old"
	}
	return "young"
}

// Header is the per-object bookkeeping the collector works from.
type Header struct {
	Type  TypeTag
	Size  uint32 // bytes charged against the generation budget
	Color Color
	Gen   Generation
	Age   uint8 // collections survived in the young generation
}

// Object byte accounting.
const (
	headerBytes  = 16
	slotBytes    = 16
	closureBytes = 8
)

// objectSize returns the bytes charged for an object of type t with n
// slots (or n bytes for strings). Oversized requests saturate so they
// fail the budget check instead of wrapping.
func objectSize(t TypeTag, n int) uint64 {
	size := uint64(headerBytes)
	switch t {
	case bytecode.TypeString:
		size += uint64(n)
	case bytecode.TypeMap:
		size += 2 * slotBytes
	case bytecode.TypeBox:
		size += slotBytes
	case bytecode.TypeClosure:
		size += closureBytes + uint64(n)*slotBytes
	default:
		size += uint64(n) * slotBytes
	}
	return size
}

// object is a heap object. Which payload field is used depends on
// Header.Type: strings use bytes, everything else uses slots.
type object struct {
	Header
	slots []Value
	bytes []byte
	entry int // closure entry point

	// h is the object's current handle. It changes when a collection
	// evacuates or promotes the object.
	h handle

	// forwarded is set during a collection once the object has been
	// moved out of the young from-space.
	forwarded bool

	// remembered marks membership of an old object in the remembered set.
	remembered bool
}

// hasYoungRef reports whether any slot references a young object of the
// heap with the given id.
func (o *object) hasYoungRef(heapID uint32) bool {
	for _, s := range o.slots {
		if s.IsRef() && s.heapID() == heapID && !s.handle().old() {
			return true
		}
	}
	return false
}

// length returns the logical length used by LEN.
func (o *object) length() int {
	switch o.Type {
	case bytecode.TypeString:
		return len(o.bytes)
	case bytecode.TypeMap:
		return int(o.slots[mapCountSlot].Int())
	}
	return len(o.slots)
}

// Map layout: slot 0 holds the entry count as i64, slot 1 the backing
// array of alternating keys and values (nil until the first store).
const (
	mapCountSlot   = 0
	mapBackingSlot = 1
)
