package vm

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chazu/widow/pkg/bytecode"
	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("widow.vm")

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config holds the limits a VM is constructed with.
type Config struct {
	RegisterFileSize int // total registers; at least one window
	MaxCallDepth     int // frames before ErrStackOverflow
	Heap             HeapConfig
	Trace            bool      // log every executed instruction
	Output           io.Writer // PRINT destination; os.Stdout if nil
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		RegisterFileSize: 4096,
		MaxCallDepth:     256,
		Heap:             DefaultHeapConfig(),
	}
}

// ---------------------------------------------------------------------------
// VM: one isolated execution context
// ---------------------------------------------------------------------------

// VM executes one loaded program. Each VM exclusively owns its register
// file, call stack, constant pool and heap; independent VMs share nothing
// and may run on separate goroutines.
type VM struct {
	cfg Config

	prog   *bytecode.Program
	code   []bytecode.Instruction
	consts []Value
	heap   *Heap

	regs   registerFile
	frames callStack
	pc     int
	halted bool
	steps  uint64

	// Trace logs each instruction before it executes.
	Trace bool

	out io.Writer

	// OnCollect, if set, receives the statistics of every collection.
	OnCollect func(CycleStats)
}

// New creates a VM with no program loaded.
func New(cfg Config) *VM {
	def := DefaultConfig()
	if cfg.RegisterFileSize < bytecode.NumRegisters {
		cfg.RegisterFileSize = def.RegisterFileSize
	}
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = def.MaxCallDepth
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	vm := &VM{
		cfg:    cfg,
		Trace:  cfg.Trace,
		out:    out,
		regs:   newRegisterFile(cfg.RegisterFileSize),
		frames: callStack{max: cfg.MaxCallDepth},
	}
	vm.heap = vm.newHeap()
	return vm
}

// Config returns the configuration the VM was built with.
func (vm *VM) Config() Config { return vm.cfg }

// Heap returns the VM's heap.
func (vm *VM) Heap() *Heap { return vm.heap }

// Program returns the loaded program, or nil.
func (vm *VM) Program() *bytecode.Program { return vm.prog }

// SetOutput redirects PRINT.
func (vm *VM) SetOutput(w io.Writer) { vm.out = w }

func (vm *VM) newHeap() *Heap {
	h := NewHeap(vm.cfg.Heap, vm)
	h.OnCollect = vm.forwardCollect
	return h
}

func (vm *VM) forwardCollect(c CycleStats) {
	if vm.OnCollect != nil {
		vm.OnCollect(c)
	}
}

// VisitRoots enumerates the live register region, the registers saved by
// every active frame, and the constant pool. Windows nest, so every
// frame's live registers lie below the current top.
func (vm *VM) VisitRoots(visit func(*Value)) {
	top := vm.regs.top()
	for i := 0; i < top; i++ {
		visit(&vm.regs.regs[i])
	}
	for i := range vm.frames.saved {
		visit(&vm.frames.saved[i])
	}
	for i := range vm.consts {
		visit(&vm.consts[i])
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LoadProgram decodes, validates and installs a serialized program. On
// failure the VM is left exactly as it was.
func (vm *VM) LoadProgram(data []byte) error {
	prog, err := bytecode.ReadProgram(data)
	if err != nil {
		return &LoadError{Stage: loadStage(err), Err: err}
	}
	return vm.Load(prog)
}

// Load validates and installs an already decoded program. A fresh heap is
// built with the program's string constants pinned in the old generation,
// and registers, frames and counters are reset. On failure the VM is left
// exactly as it was.
func (vm *VM) Load(prog *bytecode.Program) error {
	if prog == nil {
		return &LoadError{Stage: "header", Err: ErrNoProgram}
	}
	if prog.Version != bytecode.ProgramVersion {
		return &LoadError{Stage: "header", Err: fmt.Errorf("%w: version %d", ErrVersionMismatch, prog.Version)}
	}
	if err := prog.Validate(); err != nil {
		return &LoadError{Stage: loadStage(err), Err: err}
	}

	// Build the pool on a heap rooted only in the pool under construction.
	consts := make(ValueRoots, len(prog.Constants))
	heap := NewHeap(vm.cfg.Heap, consts)
	for i, c := range prog.Constants {
		if c.Kind != bytecode.KindString {
			consts[i] = scalarFromConstant(c)
			continue
		}
		v, err := heap.newString(c.Str, Old)
		if err != nil {
			return &LoadError{Stage: "heap", Err: fmt.Errorf("constant %d: %w", i, err)}
		}
		consts[i] = v
	}

	heap.SetRoots(vm)
	heap.OnCollect = vm.forwardCollect
	vm.prog = prog
	vm.code = prog.Code
	vm.consts = consts
	vm.heap = heap
	vm.resetState()
	vmLog.Infof("loaded program: %d instructions, %d constants, heap %d", len(vm.code), len(vm.consts), heap.ID())
	return nil
}

func (vm *VM) resetState() {
	vm.regs.clear(0, len(vm.regs.regs))
	vm.regs.base = 0
	vm.frames.reset()
	vm.pc = 0
	vm.halted = false
	vm.steps = 0
}

// Reset reloads the current program so it can run again from the start.
func (vm *VM) Reset() error {
	if vm.prog == nil {
		return ErrNoProgram
	}
	return vm.Load(vm.prog)
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// Register returns the register at absolute index i.
func (vm *VM) Register(i int) (Value, error) {
	return vm.regs.at(i)
}

// PC returns the index of the next instruction.
func (vm *VM) PC() int { return vm.pc }

// Halted reports whether the program has executed HALT.
func (vm *VM) Halted() bool { return vm.halted }

// Steps returns the number of instructions executed since the last load.
func (vm *VM) Steps() uint64 { return vm.steps }

// Depth returns the number of active call frames.
func (vm *VM) Depth() int { return vm.frames.depth() }

// DumpRegisters renders the current window, skipping trailing nils.
func (vm *VM) DumpRegisters() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("; pc=%04X depth=%d base=%d steps=%d\n", vm.pc, vm.frames.depth(), vm.regs.base, vm.steps))
	last := -1
	for r := 0; r < bytecode.NumRegisters; r++ {
		if !vm.regs.get(uint8(r)).IsNil() {
			last = r
		}
	}
	for r := 0; r <= last; r++ {
		v := vm.regs.get(uint8(r))
		sb.WriteString(fmt.Sprintf("R%-2d = %s\n", r, vm.Format(v)))
	}
	return sb.String()
}
