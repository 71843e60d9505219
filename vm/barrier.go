package vm

// ---------------------------------------------------------------------------
// Write barrier
//
// Every reference store runs writeBarrier after the slot is written. It
// keeps two invariants:
//
//   - tricolor: a Black writer never ends up referencing a White object;
//     the referent is shaded Gray instead
//   - generational: an old writer that now references a young object is
//     in the remembered set
// ---------------------------------------------------------------------------

// BarrierEvent describes one barrier invocation after it has run.
type BarrierEvent struct {
	Writer        Value // the object written to
	Field         int
	Prev          Value // the slot's previous contents
	Stored        Value
	WriterColor   Color
	WriterGen     Generation
	ReferentColor Color // color of the stored referent after the barrier
	ReferentGen   Generation
	IsRef         bool // Stored is a reference into this heap
	Shaded        bool // the barrier shaded the referent Gray
	Remembered    bool // the writer was added to the remembered set
	Collecting    bool // the store happened inside a collection
}

func (h *Heap) writeBarrier(w *object, field int, prev, stored Value) {
	ev := BarrierEvent{
		Writer:      refValue(h.id, w.h),
		Field:       field,
		Prev:        prev,
		Stored:      stored,
		WriterColor: w.Color,
		WriterGen:   w.Gen,
		Collecting:  h.collecting,
	}

	var r *object
	if stored.IsRef() && stored.heapID() == h.id {
		r = h.lookup(stored.handle())
	}
	if r != nil {
		ev.IsRef = true
		if w.Color == Black && r.Color == White {
			h.shade(r)
			ev.Shaded = true
		}
		if w.Gen == Old && r.Gen == Young && !w.remembered {
			h.remember(w)
			ev.Remembered = true
		}
		ev.ReferentColor = r.Color
		ev.ReferentGen = r.Gen
	}

	if h.BarrierHook != nil {
		h.BarrierHook(ev)
	}
}

// remember adds an old object to the remembered set.
func (h *Heap) remember(o *object) {
	o.remembered = true
	h.remset = append(h.remset, o)
}

// shade colors a White object Gray and queues it for scanning.
func (h *Heap) shade(o *object) {
	if o.Color != White {
		return
	}
	o.Color = Gray
	h.gray = append(h.gray, o)
	h.scanned = append(h.scanned, o)
}
