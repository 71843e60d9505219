package vm

import (
	"fmt"
	"time"
)

// CycleKind selects how much of the heap a collection covers.
type CycleKind uint8

const (
	// Minor collects the young generation. Old objects are treated as
	// live; the remembered set supplies the old-to-young edges.
	Minor CycleKind = iota
	// Major collects both generations.
	Major
)

func (k CycleKind) String() string {
	if k == Major {
		return "major"
	}
	return "minor"
}

// CycleStats describes one completed collection.
type CycleStats struct {
	Seq          uint64
	Kind         CycleKind
	RootsScanned int // root slots holding a reference into this heap
	YoungRoots   int // roots that referenced a young object
	RemsetRoots  int // remembered old objects used as roots
	Marked       int // objects blackened
	Survivors    int // young objects kept in the young generation
	Promoted     int
	Freed        int
	BytesFreed   uint64
	HeapBefore   uint64
	HeapAfter    uint64
	Pause        time.Duration
}

// Collect runs a stop-the-world collection of the given kind.
//
// Young objects are evacuated when first reached: into the to-space, or
// into the old generation once they have survived PromotionThreshold
// minor collections. Every root and field that referenced a moved object is
// rewritten during the same mark pass. The from-space is then reset
// wholesale; a major collection additionally sweeps unmarked old objects
// onto the free list.
func (h *Heap) Collect(kind CycleKind) CycleStats {
	if h.collecting {
		panic("vm: nested collection")
	}
	start := time.Now()
	h.collecting = true
	h.cycle = kind
	h.cur = CycleStats{
		Seq:        h.stats.Collections + 1,
		Kind:       kind,
		HeapBefore: h.youngUsed + h.oldUsed,
	}
	h.toSpace = make([]*object, 0, len(h.young))
	h.toUsed = 0

	h.markRoots()
	h.drain()
	if h.cfg.Verify {
		if err := h.verifyMarking(); err != nil {
			panic(fmt.Sprintf("vm: %s collection: %v", kind, err))
		}
	}
	h.sweepYoung()
	if kind == Major {
		h.sweepOld()
	}
	h.rebuildRemset()
	for _, o := range h.scanned {
		o.Color = White
		o.forwarded = false
	}
	h.scanned = h.scanned[:0]
	h.gray = h.gray[:0]
	h.grayHead = 0
	h.collecting = false

	h.cur.HeapAfter = h.youngUsed + h.oldUsed
	h.cur.Pause = time.Since(start)
	h.record(h.cur)

	if h.cfg.Verify {
		if err := h.Verify(); err != nil {
			panic(fmt.Sprintf("vm: after %s collection: %v", kind, err))
		}
	}
	gcLog.Debugf("%s collection #%d: roots %d (young %d, remembered %d), freed %d objects / %d bytes, promoted %d, pause %s",
		kind, h.cur.Seq, h.cur.RootsScanned, h.cur.YoungRoots, h.cur.RemsetRoots,
		h.cur.Freed, h.cur.BytesFreed, h.cur.Promoted, h.cur.Pause)
	if h.OnCollect != nil {
		h.OnCollect(h.cur)
	}
	return h.cur
}

func (h *Heap) record(c CycleStats) {
	h.stats.Collections++
	if c.Kind == Major {
		h.stats.Major++
	} else {
		h.stats.Minor++
	}
	h.stats.ObjectsFreed += uint64(c.Freed)
	h.stats.BytesFreed += c.BytesFreed
	h.stats.Promoted += uint64(c.Promoted)
	h.stats.TotalPause += c.Pause
	h.stats.LastPause = c.Pause
}

// ---------------------------------------------------------------------------
// Mark
// ---------------------------------------------------------------------------

// markRoots shades everything directly reachable from the mutator, and
// for a minor collection every remembered old object.
func (h *Heap) markRoots() {
	if h.roots != nil {
		h.roots.VisitRoots(func(v *Value) {
			if !v.IsRef() || v.heapID() != h.id {
				return
			}
			h.cur.RootsScanned++
			if !v.handle().old() {
				h.cur.YoungRoots++
			}
			*v = h.visit(*v)
		})
	}
	for _, v := range h.pinned {
		*v = h.visit(*v)
	}
	if h.cycle == Minor {
		for _, o := range h.remset {
			h.cur.RemsetRoots++
			h.shade(o)
		}
	}
}

// drain scans gray objects until none remain.
func (h *Heap) drain() {
	for h.grayHead < len(h.gray) {
		o := h.gray[h.grayHead]
		h.gray[h.grayHead] = nil
		h.grayHead++

		o.Color = Black
		h.cur.Marked++
		for i, f := range o.slots {
			if !f.IsRef() {
				continue
			}
			if nf := h.visit(f); nf != f {
				h.storeField(o, i, nf)
			}
		}
	}
}

// visit marks the object v references and returns v rewritten to the
// object's current handle.
func (h *Heap) visit(v Value) Value {
	if !v.IsRef() || v.heapID() != h.id {
		return v
	}
	o := h.lookup(v.handle())
	if o == nil {
		// Dangling; Verify reports it.
		return v
	}
	if o.forwarded {
		return refValue(h.id, o.h)
	}
	if o.Gen == Young {
		h.evacuate(o)
		return refValue(h.id, o.h)
	}
	if h.cycle == Major {
		h.shade(o)
	}
	return v
}

// evacuate moves a young object out of the from-space, promoting it when
// it has reached the threshold and the old generation has room. Only
// minor collections age an object.
func (h *Heap) evacuate(o *object) {
	if h.cycle == Minor && o.Age < 255 {
		o.Age++
	}
	if int(o.Age) >= h.cfg.PromotionThreshold && h.takeOld(o, uint64(o.Size)) {
		h.cur.Promoted++
	} else {
		slot := len(h.toSpace)
		h.toSpace = append(h.toSpace, o)
		h.toUsed += uint64(o.Size)
		o.Gen = Young
		o.h = makeHandle(Young, h.nextYoungStamp(), slot)
	}
	o.forwarded = true
	h.shade(o)
}

// ---------------------------------------------------------------------------
// Sweep
// ---------------------------------------------------------------------------

// sweepYoung releases the from-space. Objects never forwarded are dead.
func (h *Heap) sweepYoung() {
	for _, o := range h.young {
		if !o.forwarded {
			h.cur.Freed++
			h.cur.BytesFreed += uint64(o.Size)
		}
	}
	h.young, h.toSpace = h.toSpace, nil
	h.youngUsed, h.toUsed = h.toUsed, 0
	h.youngStamp = h.nextYoungStamp()
	h.cur.Survivors = len(h.young)
}

// sweepOld frees every old object left White by a major mark.
func (h *Heap) sweepOld() {
	for slot, o := range h.old {
		if o == nil || o.Color != White {
			continue
		}
		h.cur.Freed++
		h.cur.BytesFreed += uint64(o.Size)
		h.freeOld(slot)
	}
}

// rebuildRemset recomputes the remembered set from the old objects this
// cycle scanned. Old objects the cycle did not scan cannot reference the
// young generation: in a minor cycle every old object with a young edge
// was a remembered root, and a major cycle scans all live old objects.
func (h *Heap) rebuildRemset() {
	for _, o := range h.remset {
		o.remembered = false
	}
	h.remset = h.remset[:0]
	for _, o := range h.scanned {
		if o.Gen == Old && h.lookup(o.h) == o && o.hasYoungRef(h.id) {
			h.remember(o)
		}
	}
}

// ---------------------------------------------------------------------------
// Verification
// ---------------------------------------------------------------------------

// verifyMarking checks the tricolor invariant at the end of a mark: no
// Black object references a White object of the condemned region.
func (h *Heap) verifyMarking() error {
	for _, o := range h.scanned {
		if o.Color != Black {
			return fmt.Errorf("object %s left %s after mark", o.h, o.Color)
		}
		for i, f := range o.slots {
			if !f.IsRef() || f.heapID() != h.id {
				continue
			}
			r := h.lookup(f.handle())
			if r == nil {
				return fmt.Errorf("%w: %s field %d", ErrDanglingReference, o.h, i)
			}
			if r.Color == White && (h.cycle == Major || r.Gen == Young) {
				return fmt.Errorf("black %s field %d references white %s", o.h, i, r.h)
			}
		}
	}
	return nil
}

// Verify checks the heap's invariants between collections: every object
// is White and resolves through its own handle, generation budgets match
// the objects they hold, every reference resolves, and every old object
// that references a young object is remembered.
func (h *Heap) Verify() error {
	if h.collecting {
		return fmt.Errorf("verify during collection")
	}
	check := func(o *object) error {
		if o.Color != White || o.forwarded {
			return fmt.Errorf("object %s is %s between cycles", o.h, o.Color)
		}
		if h.lookup(o.h) != o {
			return fmt.Errorf("object %s does not resolve through its handle", o.h)
		}
		for i, f := range o.slots {
			if !f.IsRef() {
				continue
			}
			if f.heapID() != h.id {
				return fmt.Errorf("%w: %s field %d", ErrForeignReference, o.h, i)
			}
			r := h.lookup(f.handle())
			if r == nil {
				return fmt.Errorf("%w: %s field %d -> %s", ErrDanglingReference, o.h, i, f.handle())
			}
			if o.Gen == Old && r.Gen == Young && !o.remembered {
				return fmt.Errorf("old %s references young %s but is not remembered", o.h, r.h)
			}
		}
		return nil
	}

	var youngBytes uint64
	for _, o := range h.young {
		if o.Gen != Young {
			return fmt.Errorf("object %s in young space has generation %s", o.h, o.Gen)
		}
		youngBytes += uint64(o.Size)
		if err := check(o); err != nil {
			return err
		}
	}
	if youngBytes != h.youngUsed || youngBytes > uint64(h.cfg.YoungSize) {
		return fmt.Errorf("young accounting: objects hold %d bytes, arena records %d of %d", youngBytes, h.youngUsed, h.cfg.YoungSize)
	}

	var oldBytes uint64
	for _, o := range h.old {
		if o == nil {
			continue
		}
		if o.Gen != Old {
			return fmt.Errorf("object %s in old space has generation %s", o.h, o.Gen)
		}
		oldBytes += uint64(o.Size)
		if err := check(o); err != nil {
			return err
		}
	}
	if oldBytes != h.oldUsed || oldBytes > uint64(h.cfg.OldSize) {
		return fmt.Errorf("old accounting: objects hold %d bytes, budget records %d of %d", oldBytes, h.oldUsed, h.cfg.OldSize)
	}

	for _, o := range h.remset {
		if !o.remembered || h.lookup(o.h) != o {
			return fmt.Errorf("stale remembered set entry %s", o.h)
		}
	}

	var rootErr error
	if h.roots != nil {
		h.roots.VisitRoots(func(v *Value) {
			if rootErr != nil || !v.IsRef() || v.heapID() != h.id {
				return
			}
			if h.lookup(v.handle()) == nil {
				rootErr = fmt.Errorf("%w: root -> %s", ErrDanglingReference, v.handle())
			}
		})
	}
	return rootErr
}
