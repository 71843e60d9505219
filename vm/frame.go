package vm

import (
	"fmt"

	"github.com/chazu/widow/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Register windows
// ---------------------------------------------------------------------------

// registerFile is the VM's fixed-capacity register array. Instructions
// address it through the current window: register operand r names
// regs[base+r]. Calls only ever place a window where it fits, so window
// access is always in range.
type registerFile struct {
	regs []Value
	base int
}

func newRegisterFile(size int) registerFile {
	return registerFile{regs: make([]Value, size)}
}

func (rf *registerFile) get(r uint8) Value {
	return rf.regs[rf.base+int(r)]
}

func (rf *registerFile) set(r uint8, v Value) {
	rf.regs[rf.base+int(r)] = v
}

// top is one past the highest live register.
func (rf *registerFile) top() int {
	return rf.base + bytecode.NumRegisters
}

// fits reports whether a window starting at base lies inside the file.
func (rf *registerFile) fits(base int) bool {
	return base >= 0 && base+bytecode.NumRegisters <= len(rf.regs)
}

// at returns an absolute register for host inspection.
func (rf *registerFile) at(i int) (Value, error) {
	if i < 0 || i >= len(rf.regs) {
		return Nil, fmt.Errorf("%w: %d (capacity %d)", ErrRegisterRange, i, len(rf.regs))
	}
	return rf.regs[i], nil
}

// clear resets registers [from, to) to nil.
func (rf *registerFile) clear(from, to int) {
	to = min(to, len(rf.regs))
	for i := from; i < to; i++ {
		rf.regs[i] = Nil
	}
}

// ---------------------------------------------------------------------------
// Call frames
// ---------------------------------------------------------------------------

// Frame records what a return must restore. The callee window starts at
// the caller's R(Result), so the caller registers above it are saved on
// entry and written back on return.
type Frame struct {
	ReturnPC int   // instruction after the call
	Base     int   // caller's window base
	Result   uint8 // caller register that receives the result
	savedAt  int   // offset of the saved registers in callStack.saved
}

// callStack is a bounded stack of frames plus the registers each frame
// saved from its caller's window.
type callStack struct {
	frames []Frame
	saved  []Value
	max    int
}

// push records f and saves the caller registers in regs.
func (cs *callStack) push(f Frame, regs []Value) error {
	if len(cs.frames) >= cs.max {
		return fmt.Errorf("%w: depth %d", ErrStackOverflow, cs.max)
	}
	f.savedAt = len(cs.saved)
	cs.saved = append(cs.saved, regs...)
	cs.frames = append(cs.frames, f)
	return nil
}

// pop removes the top frame and copies its saved registers into regs.
func (cs *callStack) pop(regs func(Frame) []Value) (Frame, error) {
	n := len(cs.frames)
	if n == 0 {
		return Frame{}, ErrEmptyCallStack
	}
	f := cs.frames[n-1]
	cs.frames = cs.frames[:n-1]
	copy(regs(f), cs.saved[f.savedAt:])
	clear(cs.saved[f.savedAt:])
	cs.saved = cs.saved[:f.savedAt]
	return f, nil
}

func (cs *callStack) depth() int {
	return len(cs.frames)
}

func (cs *callStack) reset() {
	clear(cs.frames)
	cs.frames = cs.frames[:0]
	clear(cs.saved)
	cs.saved = cs.saved[:0]
}
