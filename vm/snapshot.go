package vm

import (
	"fmt"

	"github.com/chazu/widow/pkg/bytecode"
	"github.com/fxamacker/cbor/v2"
)

// snapshotEncMode encodes snapshots canonically so equal machine states
// produce identical bytes.
var snapshotEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	snapshotEncMode = em
}

// ---------------------------------------------------------------------------
// Snapshot: a portable record of a VM's visible state
// ---------------------------------------------------------------------------

// Snapshot records the current register window and every object reachable
// from it. References are replaced by indices into Objects, so a snapshot
// carries no heap identity and equal states encode to equal bytes.
type Snapshot struct {
	PC        int              `cbor:"1,keyasint"`
	Halted    bool             `cbor:"2,keyasint,omitempty"`
	Steps     uint64           `cbor:"3,keyasint"`
	Depth     int              `cbor:"4,keyasint,omitempty"`
	Registers []SnapshotValue  `cbor:"5,keyasint"`
	Objects   []SnapshotObject `cbor:"6,keyasint,omitempty"`
	GC        SnapshotGC       `cbor:"7,keyasint"`
}

// SnapshotValue is one register or slot. Ref is the 1-based index of the
// referenced object; zero for scalars.
type SnapshotValue struct {
	Kind Kind   `cbor:"1,keyasint"`
	Bits uint64 `cbor:"2,keyasint,omitempty"`
	Ref  int    `cbor:"3,keyasint,omitempty"`
}

// SnapshotObject is one heap object.
type SnapshotObject struct {
	Type  TypeTag         `cbor:"1,keyasint"`
	Gen   Generation      `cbor:"2,keyasint,omitempty"`
	Age   uint8           `cbor:"3,keyasint,omitempty"`
	Slots []SnapshotValue `cbor:"4,keyasint,omitempty"`
	Bytes []byte          `cbor:"5,keyasint,omitempty"`
	Entry int             `cbor:"6,keyasint,omitempty"`
}

// SnapshotGC summarizes collector activity.
type SnapshotGC struct {
	Collections  uint64 `cbor:"1,keyasint"`
	Minor        uint64 `cbor:"2,keyasint"`
	Major        uint64 `cbor:"3,keyasint"`
	ObjectsFreed uint64 `cbor:"4,keyasint"`
	Promoted     uint64 `cbor:"5,keyasint"`
}

// TakeSnapshot captures the VM's current state.
func (vm *VM) TakeSnapshot() (*Snapshot, error) {
	s := &Snapshot{
		PC:     vm.pc,
		Halted: vm.halted,
		Steps:  vm.steps,
		Depth:  vm.frames.depth(),
	}
	index := map[*object]int{}
	var queue []*object

	conv := func(v Value) (SnapshotValue, error) {
		if !v.IsRef() {
			return SnapshotValue{Kind: v.kind, Bits: v.bits}, nil
		}
		o, err := vm.heap.resolve(v)
		if err != nil {
			return SnapshotValue{}, err
		}
		i, ok := index[o]
		if !ok {
			queue = append(queue, o)
			i = len(queue)
			index[o] = i
		}
		return SnapshotValue{Kind: bytecode.KindRef, Ref: i}, nil
	}

	for r := 0; r < bytecode.NumRegisters; r++ {
		sv, err := conv(vm.regs.get(uint8(r)))
		if err != nil {
			return nil, fmt.Errorf("snapshot R%d: %w", r, err)
		}
		s.Registers = append(s.Registers, sv)
	}
	for n := 0; n < len(queue); n++ {
		o := queue[n]
		so := SnapshotObject{Type: o.Type, Gen: o.Gen, Age: o.Age, Entry: o.entry}
		if o.Type == bytecode.TypeString {
			so.Bytes = append([]byte(nil), o.bytes...)
		}
		for i, f := range o.slots {
			sv, err := conv(f)
			if err != nil {
				return nil, fmt.Errorf("snapshot object %d field %d: %w", n+1, i, err)
			}
			so.Slots = append(so.Slots, sv)
		}
		s.Objects = append(s.Objects, so)
	}

	st := vm.heap.Stats()
	s.GC = SnapshotGC{
		Collections:  st.Collections,
		Minor:        st.Minor,
		Major:        st.Major,
		ObjectsFreed: st.ObjectsFreed,
		Promoted:     st.Promoted,
	}
	return s, nil
}

// Snapshot returns the canonical CBOR encoding of TakeSnapshot.
func (vm *VM) Snapshot() ([]byte, error) {
	s, err := vm.TakeSnapshot()
	if err != nil {
		return nil, err
	}
	return snapshotEncMode.Marshal(s)
}

// DecodeSnapshot parses bytes produced by Snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	for r, v := range s.Registers {
		if v.Ref < 0 || v.Ref > len(s.Objects) {
			return nil, fmt.Errorf("vm: snapshot R%d references missing object %d", r, v.Ref)
		}
	}
	for i, o := range s.Objects {
		for _, f := range o.Slots {
			if f.Ref < 0 || f.Ref > len(s.Objects) {
				return nil, fmt.Errorf("vm: snapshot object %d references missing object %d", i+1, f.Ref)
			}
		}
	}
	return &s, nil
}
