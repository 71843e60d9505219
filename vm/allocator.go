package vm

import (
	"fmt"

	"github.com/chazu/widow/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Allocation
//
// The path for a request of size bytes with a young hint:
//
//	young bump -> minor collection, young bump -> old free list
//	-> major collection, young bump, old free list -> ErrOutOfMemory
//
// Requests larger than the young arena, and old-hinted requests, start at
// the old free list. Nothing else makes allocation fail. With
// ManualCollect set the collections are skipped.
// ---------------------------------------------------------------------------

// Allocate creates a young object of type t. n is the slot count for
// arrays and closures and the byte length for strings; maps and boxes
// ignore it.
func (h *Heap) Allocate(t TypeTag, n int) (Value, error) {
	return h.allocate(t, n, Young)
}

// AllocateOld creates an object directly in the old generation.
func (h *Heap) AllocateOld(t TypeTag, n int) (Value, error) {
	return h.allocate(t, n, Old)
}

// NewString allocates a young string holding s.
func (h *Heap) NewString(s string) (Value, error) {
	return h.newString(s, Young)
}

// NewClosure allocates a young closure entering at entry with n capture
// slots.
func (h *Heap) NewClosure(entry, n int) (Value, error) {
	v, err := h.allocate(bytecode.TypeClosure, n, Young)
	if err != nil {
		return Nil, err
	}
	h.lookup(v.handle()).entry = entry
	return v, nil
}

// pin keeps the given values rooted, and rewritten if their objects move,
// until the returned function is called.
func (h *Heap) pin(vs ...*Value) func() {
	n := len(h.pinned)
	h.pinned = append(h.pinned, vs...)
	return func() {
		clear(h.pinned[n:])
		h.pinned = h.pinned[:n]
	}
}

func (h *Heap) newString(s string, hint Generation) (Value, error) {
	v, err := h.allocate(bytecode.TypeString, len(s), hint)
	if err != nil {
		return Nil, err
	}
	o := h.lookup(v.handle())
	copy(o.bytes, s)
	return v, nil
}

func (h *Heap) allocate(t TypeTag, n int, hint Generation) (Value, error) {
	if !t.Valid() {
		return Nil, fmt.Errorf("%w: unknown type tag %d", ErrTypeMismatch, t)
	}
	if n < 0 {
		return Nil, fmt.Errorf("%w: negative length %d", ErrFieldRange, n)
	}
	if t == bytecode.TypeBox {
		n = 1
	}
	size := objectSize(t, n)
	o := &object{Header: Header{Type: t}}
	if err := h.reserve(o, size, hint); err != nil {
		return Nil, err
	}

	// The budget check passed, so the payload is bounded by the heap size.
	switch t {
	case bytecode.TypeString:
		o.bytes = make([]byte, n)
	case bytecode.TypeMap:
		o.slots = []Value{FromI64(0), Nil}
	default:
		o.slots = make([]Value, n)
	}
	v := refValue(h.id, o.h)
	h.checkMajorThreshold(&v)
	return v, nil
}

// checkMajorThreshold runs a major collection when old usage first reaches
// MajorThreshold. v is the object just allocated; it stays rooted.
func (h *Heap) checkMajorThreshold(v *Value) {
	over := h.overMajorThreshold()
	if over && !h.overThreshold {
		gcLog.Debugf("old generation at %d/%d bytes, collecting", h.oldUsed, h.cfg.OldSize)
		unpin := h.pin(v)
		h.Collect(Major)
		unpin()
		over = h.overMajorThreshold()
	}
	h.overThreshold = over
}

func (h *Heap) overMajorThreshold() bool {
	t := h.cfg.MajorThreshold
	return t > 0 && !h.cfg.ManualCollect && float64(h.oldUsed) >= t*float64(h.cfg.OldSize)
}

// reserve charges size bytes for o and installs it in a generation,
// collecting as needed.
func (h *Heap) reserve(o *object, size uint64, hint Generation) error {
	if h.collecting {
		panic("vm: allocation during collection")
	}
	o.Size = uint32(min(size, uint64(^uint32(0))))
	youngOK := hint == Young && size <= uint64(h.cfg.YoungSize)

	auto := !h.cfg.ManualCollect

	if youngOK {
		if h.bumpYoung(o, size) {
			return nil
		}
		if auto {
			h.Collect(Minor)
			if h.bumpYoung(o, size) {
				return nil
			}
		}
	}
	if h.takeOld(o, size) {
		return nil
	}

	if auto {
		h.Collect(Major)
		if youngOK && h.bumpYoung(o, size) {
			return nil
		}
		if h.takeOld(o, size) {
			return nil
		}
	}
	return fmt.Errorf("%w: %d bytes requested (young %d/%d, old %d/%d)",
		ErrOutOfMemory, size, h.youngUsed, h.cfg.YoungSize, h.oldUsed, h.cfg.OldSize)
}

// bumpYoung places o at the end of the young arena if it fits.
func (h *Heap) bumpYoung(o *object, size uint64) bool {
	if h.youngUsed+size > uint64(h.cfg.YoungSize) || len(h.young) >= maxSlots {
		return false
	}
	slot := len(h.young)
	h.young = append(h.young, o)
	h.youngUsed += size
	o.Gen = Young
	o.h = makeHandle(Young, h.youngStamp, slot)
	return true
}

// takeOld places o in the old generation if the budget allows, reusing a
// freed slot when one is available.
func (h *Heap) takeOld(o *object, size uint64) bool {
	if h.oldUsed+size > uint64(h.cfg.OldSize) {
		return false
	}
	var slot int
	if n := len(h.oldFree); n > 0 {
		slot = h.oldFree[n-1]
		h.oldFree = h.oldFree[:n-1]
		h.old[slot] = o
	} else {
		if len(h.old) >= maxSlots {
			return false
		}
		slot = len(h.old)
		h.old = append(h.old, o)
		h.oldStamp = append(h.oldStamp, 0)
	}
	h.oldUsed += size
	o.Gen = Old
	o.h = makeHandle(Old, h.oldStamp[slot], slot)
	return true
}

// freeOld returns an old slot to the free list. The slot's stamp advances
// so stale handles to the freed object stop resolving.
func (h *Heap) freeOld(slot int) {
	o := h.old[slot]
	h.old[slot] = nil
	h.oldStamp[slot] = (h.oldStamp[slot] + 1) & handleStampMask
	h.oldFree = append(h.oldFree, slot)
	h.oldUsed -= uint64(o.Size)
}
