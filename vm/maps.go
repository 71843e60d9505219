package vm

import (
	"bytes"
	"fmt"

	"github.com/chazu/widow/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Equality
// ---------------------------------------------------------------------------

// Equal implements EQ. Numerics compare after promotion, strings by
// content, other references by identity. Comparing a reference that does
// not resolve in this heap is an error.
func (h *Heap) Equal(a, b Value) (bool, error) {
	if !a.IsRef() || !b.IsRef() {
		return equalScalars(a, b), nil
	}
	oa, err := h.resolve(a)
	if err != nil {
		return false, err
	}
	ob, err := h.resolve(b)
	if err != nil {
		return false, err
	}
	if oa == ob {
		return true, nil
	}
	if oa.Type == bytecode.TypeString && ob.Type == bytecode.TypeString {
		return bytes.Equal(oa.bytes, ob.bytes), nil
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// Maps
//
// A map is an object with two slots: the entry count and a backing array
// of alternating keys and values. Lookup is a linear scan using Equal, so
// string keys match by content. A full backing array is replaced by one
// twice its size.
// ---------------------------------------------------------------------------

const minMapEntries = 4

func (h *Heap) mapOf(m Value) (*object, error) {
	o, err := h.resolve(m)
	if err != nil {
		return nil, err
	}
	if o.Type != bytecode.TypeMap {
		return nil, fmt.Errorf("%w: expected map, got %s", ErrTypeMismatch, o.Type)
	}
	return o, nil
}

// find returns the backing array of map o and the index of key's entry,
// or -1 when key is absent.
func (h *Heap) find(o *object, key Value) (*object, int, error) {
	bv := o.slots[mapBackingSlot]
	if bv.IsNil() {
		return nil, -1, nil
	}
	b, err := h.resolve(bv)
	if err != nil {
		return nil, -1, err
	}
	count := int(o.slots[mapCountSlot].Int())
	for i := 0; i < count; i++ {
		eq, err := h.Equal(b.slots[2*i], key)
		if err != nil {
			return nil, -1, err
		}
		if eq {
			return b, i, nil
		}
	}
	return b, -1, nil
}

// MapGet returns the value stored under key, or Nil when there is none.
func (h *Heap) MapGet(m, key Value) (Value, error) {
	o, err := h.mapOf(m)
	if err != nil {
		return Nil, err
	}
	if err := h.checkStorable(key); err != nil {
		return Nil, err
	}
	b, i, err := h.find(o, key)
	if err != nil || i < 0 {
		return Nil, err
	}
	return b.slots[2*i+1], nil
}

// MapSet stores val under key. Growing the backing array allocates and
// may therefore collect; m, key and val stay rooted while it does.
func (h *Heap) MapSet(m, key, val Value) error {
	o, err := h.mapOf(m)
	if err != nil {
		return err
	}
	if err := h.checkStorable(key); err != nil {
		return err
	}
	if err := h.checkStorable(val); err != nil {
		return err
	}
	b, i, err := h.find(o, key)
	if err != nil {
		return err
	}
	if i >= 0 {
		h.storeField(b, 2*i+1, val)
		return nil
	}

	count := int(o.slots[mapCountSlot].Int())
	if b == nil || 2*(count+1) > len(b.slots) {
		unpin := h.pin(&m, &key, &val)
		nv, err := h.allocate(bytecode.TypeArray, 2*max(minMapEntries, 2*count), Young)
		unpin()
		if err != nil {
			return err
		}
		// A collection may have moved everything; resolve again.
		o = h.lookup(m.handle())
		nb := h.lookup(nv.handle())
		if prev := o.slots[mapBackingSlot]; !prev.IsNil() {
			pb := h.lookup(prev.handle())
			for j := 0; j < 2*count; j++ {
				h.storeField(nb, j, pb.slots[j])
			}
		}
		h.storeField(o, mapBackingSlot, nv)
		b = nb
	}
	h.storeField(b, 2*count, key)
	h.storeField(b, 2*count+1, val)
	h.storeField(o, mapCountSlot, FromI64(int64(count+1)))
	return nil
}

// MapKeys returns the keys of m in insertion order.
func (h *Heap) MapKeys(m Value) ([]Value, error) {
	o, err := h.mapOf(m)
	if err != nil {
		return nil, err
	}
	bv := o.slots[mapBackingSlot]
	if bv.IsNil() {
		return nil, nil
	}
	b, err := h.resolve(bv)
	if err != nil {
		return nil, err
	}
	count := int(o.slots[mapCountSlot].Int())
	keys := make([]Value, count)
	for i := range keys {
		keys[i] = b.slots[2*i]
	}
	return keys, nil
}
