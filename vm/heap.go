package vm

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chazu/widow/pkg/bytecode"
	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("widow.gc")

// nextHeapID hands out process-unique heap identities. Every ref carries
// its heap's id, so a ref can never be resolved by another VM's heap.
var nextHeapID atomic.Uint32

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// HeapConfig sizes the generations and controls when collections run.
type HeapConfig struct {
	YoungSize          int  // bytes in the young arena (and its to-space twin)
	OldSize            int  // byte budget of the old generation
	PromotionThreshold int  // minor collections a young object survives before promotion
	Verify             bool // check heap invariants after every collection

	// ManualCollect turns off collections triggered by allocation. Only
	// Collect (and the GC opcode) reclaim memory; a full heap fails
	// allocation with ErrOutOfMemory.
	ManualCollect bool

	// MajorThreshold, when in (0, 1], runs a major collection as soon as
	// an allocation takes old-generation usage to that fraction of
	// OldSize. It fires again only after usage has dropped below it.
	MajorThreshold float64
}

// DefaultHeapConfig returns the default generation sizes.
func DefaultHeapConfig() HeapConfig {
	return HeapConfig{
		YoungSize:          64 << 10,
		OldSize:            4 << 20,
		PromotionThreshold: 2,
	}
}

// RootSet enumerates the mutator's roots. The collector may rewrite each
// visited Value in place when the object it references moves.
type RootSet interface {
	VisitRoots(visit func(*Value))
}

// ValueRoots is a RootSet over a plain slice of Values.
type ValueRoots []Value

// VisitRoots visits every element of r.
func (r ValueRoots) VisitRoots(visit func(*Value)) {
	for i := range r {
		visit(&r[i])
	}
}

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

// Heap owns every object of one VM. It is not safe for concurrent use;
// the owning VM serializes all access.
type Heap struct {
	id  uint32
	cfg HeapConfig

	// Young generation: from-space slot table with bump accounting.
	young      []*object
	youngUsed  uint64
	youngStamp uint8

	// To-space, populated only while a collection evacuates.
	toSpace []*object
	toUsed  uint64

	// Old generation: slot table with a free list.
	old      []*object
	oldStamp []uint8
	oldFree  []int
	oldUsed  uint64

	remset []*object
	roots  RootSet
	pinned []*Value // temporary roots held across an allocation

	overThreshold bool // old usage was at or above MajorThreshold

	// Collection state.
	collecting bool
	cycle      CycleKind
	gray       []*object
	grayHead   int
	scanned    []*object
	cur        CycleStats

	stats Stats

	// BarrierHook, if set, observes every write barrier invocation.
	BarrierHook func(BarrierEvent)

	// OnCollect, if set, receives the statistics of every completed cycle.
	OnCollect func(CycleStats)
}

// NewHeap creates an empty heap. roots may be nil and set later with
// SetRoots.
func NewHeap(cfg HeapConfig, roots RootSet) *Heap {
	def := DefaultHeapConfig()
	if cfg.YoungSize <= 0 {
		cfg.YoungSize = def.YoungSize
	}
	if cfg.OldSize <= 0 {
		cfg.OldSize = def.OldSize
	}
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = def.PromotionThreshold
	}
	if cfg.MajorThreshold < 0 || cfg.MajorThreshold > 1 {
		cfg.MajorThreshold = 0
	}
	return &Heap{
		id:    nextHeapID.Add(1),
		cfg:   cfg,
		roots: roots,
	}
}

// ID returns the heap's identity.
func (h *Heap) ID() uint32 { return h.id }

// Config returns the heap's configuration.
func (h *Heap) Config() HeapConfig { return h.cfg }

// SetRoots replaces the root set used by subsequent collections.
func (h *Heap) SetRoots(roots RootSet) { h.roots = roots }

// ---------------------------------------------------------------------------
// Resolution
// ---------------------------------------------------------------------------

// lookup returns the object a handle designates, or nil if the handle is
// stale or out of range.
func (h *Heap) lookup(hd handle) *object {
	slot := hd.slot()
	if hd.old() {
		if slot < len(h.old) && h.old[slot] != nil && h.oldStamp[slot] == hd.stamp() {
			return h.old[slot]
		}
		return nil
	}
	switch hd.stamp() {
	case h.youngStamp:
		if slot < len(h.young) {
			return h.young[slot]
		}
	case h.nextYoungStamp():
		if h.collecting && slot < len(h.toSpace) {
			return h.toSpace[slot]
		}
	}
	return nil
}

func (h *Heap) nextYoungStamp() uint8 {
	return (h.youngStamp + 1) & handleStampMask
}

// resolve returns the object v references.
func (h *Heap) resolve(v Value) (*object, error) {
	if !v.IsRef() {
		return nil, fmt.Errorf("%w: expected ref, got %s", ErrTypeMismatch, v.Kind())
	}
	if v.heapID() != h.id {
		return nil, fmt.Errorf("%w: heap %d, this heap %d", ErrForeignReference, v.heapID(), h.id)
	}
	o := h.lookup(v.handle())
	if o == nil {
		return nil, fmt.Errorf("%w: %s", ErrDanglingReference, v.handle())
	}
	return o, nil
}

// checkStorable verifies that v may be stored into this heap.
func (h *Heap) checkStorable(v Value) error {
	if !v.IsRef() {
		return nil
	}
	_, err := h.resolve(v)
	return err
}

// Header returns the header of the object v references.
func (h *Heap) Header(v Value) (Header, error) {
	o, err := h.resolve(v)
	if err != nil {
		return Header{}, err
	}
	return o.Header, nil
}

// Contains reports whether v is a live reference into this heap.
func (h *Heap) Contains(v Value) bool {
	_, err := h.resolve(v)
	return err == nil
}

// ---------------------------------------------------------------------------
// Field access
// ---------------------------------------------------------------------------

// Len returns the logical length of the object v references: slots for
// arrays, boxes and closures, bytes for strings, entries for maps.
func (h *Heap) Len(v Value) (int, error) {
	o, err := h.resolve(v)
	if err != nil {
		return 0, err
	}
	return o.length(), nil
}

// ReadField returns slot i of the object v references. Strings yield
// their bytes as u8 values.
func (h *Heap) ReadField(v Value, i int) (Value, error) {
	o, err := h.resolve(v)
	if err != nil {
		return Nil, err
	}
	if o.Type == bytecode.TypeString {
		if i < 0 || i >= len(o.bytes) {
			return Nil, fmt.Errorf("%w: byte %d of %d", ErrFieldRange, i, len(o.bytes))
		}
		return FromUint(bytecode.KindU8, uint64(o.bytes[i])), nil
	}
	if i < 0 || i >= len(o.slots) {
		return Nil, fmt.Errorf("%w: field %d of %d", ErrFieldRange, i, len(o.slots))
	}
	return o.slots[i], nil
}

// WriteField stores val into slot i of the object v references. It is
// the only mutator store path and always runs the write barrier.
func (h *Heap) WriteField(v Value, i int, val Value) error {
	o, err := h.resolve(v)
	if err != nil {
		return err
	}
	if o.Type == bytecode.TypeString {
		return fmt.Errorf("%w: strings are immutable", ErrTypeMismatch)
	}
	if i < 0 || i >= len(o.slots) {
		return fmt.Errorf("%w: field %d of %d", ErrFieldRange, i, len(o.slots))
	}
	if err := h.checkStorable(val); err != nil {
		return err
	}
	h.storeField(o, i, val)
	return nil
}

// storeField writes a slot and runs the barrier. The collector's own
// reference rewrites come through here too.
func (h *Heap) storeField(o *object, i int, val Value) {
	prev := o.slots[i]
	o.slots[i] = val
	h.writeBarrier(o, i, prev, val)
}

// StringOf returns the contents of the string v references.
func (h *Heap) StringOf(v Value) (string, error) {
	o, err := h.resolve(v)
	if err != nil {
		return "", err
	}
	if o.Type != bytecode.TypeString {
		return "", fmt.Errorf("%w: expected string, got %s", ErrTypeMismatch, o.Type)
	}
	return string(o.bytes), nil
}

// ClosureEntry returns the entry point of the closure v references.
func (h *Heap) ClosureEntry(v Value) (int, error) {
	o, err := h.resolve(v)
	if err != nil {
		return 0, err
	}
	if o.Type != bytecode.TypeClosure {
		return 0, fmt.Errorf("%w: expected closure, got %s", ErrTypeMismatch, o.Type)
	}
	return o.entry, nil
}

// ---------------------------------------------------------------------------
// Statistics and debugging
// ---------------------------------------------------------------------------

// Stats is a cumulative view of the heap.
type Stats struct {
	Collections  uint64
	Minor        uint64
	Major        uint64
	ObjectsFreed uint64
	BytesFreed   uint64
	Promoted     uint64
	TotalPause   time.Duration
	LastPause    time.Duration

	YoungObjects int
	YoungBytes   uint64
	YoungSize    uint64
	OldObjects   int
	OldBytes     uint64
	OldSize      uint64
	Remembered   int
}

// Stats returns cumulative collection counters and current occupancy.
func (h *Heap) Stats() Stats {
	s := h.stats
	s.YoungObjects = len(h.young)
	s.YoungBytes = h.youngUsed
	s.YoungSize = uint64(h.cfg.YoungSize)
	s.OldObjects = len(h.old) - len(h.oldFree)
	s.OldBytes = h.oldUsed
	s.OldSize = uint64(h.cfg.OldSize)
	s.Remembered = len(h.remset)
	return s
}

// Dump renders every object, the remembered set and the counters.
func (h *Heap) Dump() string {
	var sb strings.Builder
	s := h.Stats()
	sb.WriteString(fmt.Sprintf("; heap %d\n", h.id))
	sb.WriteString(fmt.Sprintf("; young: %d objects, %d/%d bytes, epoch %d\n", s.YoungObjects, s.YoungBytes, s.YoungSize, h.youngStamp))
	for _, o := range h.young {
		sb.WriteString(h.dumpObject(o))
	}
	sb.WriteString(fmt.Sprintf("; old: %d objects, %d/%d bytes, %d free slots\n", s.OldObjects, s.OldBytes, s.OldSize, len(h.oldFree)))
	for _, o := range h.old {
		if o != nil {
			sb.WriteString(h.dumpObject(o))
		}
	}
	handles := make([]string, 0, len(h.remset))
	for _, o := range h.remset {
		handles = append(handles, o.h.String())
	}
	sort.Strings(handles)
	sb.WriteString(fmt.Sprintf("; remembered: [%s]\n", strings.Join(handles, " ")))
	sb.WriteString(fmt.Sprintf("; collections: %d (minor %d, major %d), freed %d objects / %d bytes, promoted %d, pause %s\n",
		s.Collections, s.Minor, s.Major, s.ObjectsFreed, s.BytesFreed, s.Promoted, s.TotalPause))
	return sb.String()
}

func (h *Heap) dumpObject(o *object) string {
	var payload string
	if o.Type == bytecode.TypeString {
		payload = fmt.Sprintf("%q", truncate(string(o.bytes), 32))
	} else {
		parts := make([]string, len(o.slots))
		for i, s := range o.slots {
			parts[i] = s.GoString()
		}
		payload = "[" + strings.Join(parts, " ") + "]"
		if o.Type == bytecode.TypeClosure {
			payload = fmt.Sprintf("@%d %s", o.entry, payload)
		}
	}
	return fmt.Sprintf("  %-10s %-7s size=%-5d age=%d %s %s\n", o.h, o.Type, o.Size, o.Age, o.Color, payload)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
