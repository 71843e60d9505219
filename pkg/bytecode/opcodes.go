package bytecode

import "fmt"

// Opcode identifies an instruction. It occupies the high byte of the
// instruction word. Opcodes are grouped into ranges by category.
type Opcode byte

const (
	// ========================================================================
	// Program control and data movement (0x00-0x0F)
	// ========================================================================

	OpNop      Opcode = 0x00 // No operation
	OpHalt     Opcode = 0x01 // Stop execution successfully
	OpMov      Opcode = 0x02 // R(A) = R(B)
	OpLoadI    Opcode = 0x03 // R(A) = i64(sBx)
	OpLoadK    Opcode = 0x04 // R(A) = K(B)
	OpLoadNil  Opcode = 0x05 // R(A) = nil
	OpLoadBool Opcode = 0x06 // R(A) = B != 0
	OpConv     Opcode = 0x07 // R(A) = R(B) converted to kind C

	// ========================================================================
	// Arithmetic (0x10-0x1F)
	// ========================================================================

	OpAdd  Opcode = 0x10 // R(A) = R(B) + R(C), wrapping
	OpSub  Opcode = 0x11 // R(A) = R(B) - R(C), wrapping
	OpMul  Opcode = 0x12 // R(A) = R(B) * R(C), wrapping
	OpDiv  Opcode = 0x13 // R(A) = R(B) / R(C)
	OpMod  Opcode = 0x14 // R(A) = R(B) % R(C)
	OpNeg  Opcode = 0x15 // R(A) = -R(B)
	OpAddI Opcode = 0x16 // R(A) = R(B) + int8(C)
	OpAddC Opcode = 0x18 // R(A) = R(B) + R(C), error on overflow
	OpSubC Opcode = 0x19 // R(A) = R(B) - R(C), error on overflow
	OpMulC Opcode = 0x1A // R(A) = R(B) * R(C), error on overflow

	// ========================================================================
	// Bitwise and logical (0x20-0x2F)
	// ========================================================================

	OpAnd Opcode = 0x20 // R(A) = R(B) & R(C)
	OpOr  Opcode = 0x21 // R(A) = R(B) | R(C)
	OpXor Opcode = 0x22 // R(A) = R(B) ^ R(C)
	OpShl Opcode = 0x23 // R(A) = R(B) << R(C)
	OpShr Opcode = 0x24 // R(A) = R(B) >> R(C)
	OpNot Opcode = 0x28 // R(A) = !truthy(R(B))

	// ========================================================================
	// Comparison (0x30-0x3F)
	// ========================================================================

	OpEq Opcode = 0x30 // R(A) = R(B) == R(C)
	OpLt Opcode = 0x31 // R(A) = R(B) < R(C)
	OpLe Opcode = 0x32 // R(A) = R(B) <= R(C)

	// ========================================================================
	// Control flow (0x40-0x4F)
	// ========================================================================

	OpJmp   Opcode = 0x40 // pc = Bx
	OpJmpT  Opcode = 0x41 // if truthy(R(A)) pc = Bx
	OpJmpF  Opcode = 0x42 // if !truthy(R(A)) pc = Bx
	OpCall  Opcode = 0x48 // call Bx with the callee window at R(A)
	OpCallC Opcode = 0x49 // call closure R(B) with the callee window at R(A)
	OpRet   Opcode = 0x4A // return R(A) in the callee's R0

	// ========================================================================
	// Heap objects (0x50-0x5F)
	// ========================================================================

	OpNew     Opcode = 0x50 // R(A) = new object of type B with C slots
	OpNewArr  Opcode = 0x51 // R(A) = new array of length R(B)
	OpGetF    Opcode = 0x52 // R(A) = R(B)[R(C)]
	OpSetF    Opcode = 0x53 // R(A)[R(B)] = R(C)
	OpGetFI   Opcode = 0x54 // R(A) = R(B)[C]
	OpSetFI   Opcode = 0x55 // R(A)[C] = R(B)
	OpLen     Opcode = 0x56 // R(A) = len(R(B))
	OpBox     Opcode = 0x57 // R(A) = box(R(B))
	OpUnbox   Opcode = 0x58 // R(A) = unbox(R(B))
	OpClosure Opcode = 0x59 // R(A) = closure entering at Bx
	OpMapGet  Opcode = 0x5A // R(A) = R(B)[R(C)] or nil
	OpMapSet  Opcode = 0x5B // R(A)[R(B)] = R(C)
	OpConcat  Opcode = 0x5C // R(A) = R(B) .. R(C)

	// ========================================================================
	// System (0x60-0x6F)
	// ========================================================================

	OpGC    Opcode = 0x60 // collect: A=0 minor, A=1 major
	OpPrint Opcode = 0x61 // write R(A) to the VM output
)

// Shape describes how an opcode uses the A, B and C operand fields.
type Shape uint8

const (
	ShapeNone  Shape = iota // no operands; A, B and C must be zero
	ShapeA                  // A register
	ShapeAB                 // A, B registers
	ShapeABC                // A, B, C registers
	ShapeABI                // A, B registers; C immediate
	ShapeAI                 // A register; B immediate
	ShapeAK                 // A register; B constant index
	ShapeABx                // A register; Bx 16-bit operand
	ShapeBx                 // Bx 16-bit operand; A must be zero
	ShapeATI                // A register; B type tag; C immediate
	ShapeABKind             // A, B registers; C value kind
	ShapeI                  // A immediate
)

var shapeNames = [...]string{
	ShapeNone:   "none",
	ShapeA:      "A",
	ShapeAB:     "AB",
	ShapeABC:    "ABC",
	ShapeABI:    "ABI",
	ShapeAI:     "AI",
	ShapeAK:     "AK",
	ShapeABx:    "ABx",
	ShapeBx:     "Bx",
	ShapeATI:    "ATI",
	ShapeABKind: "ABKind",
	ShapeI:      "I",
}

// String returns the shape mnemonic.
func (s Shape) String() string {
	if int(s) < len(shapeNames) {
		return shapeNames[s]
	}
	return fmt.Sprintf("Shape(%d)", s)
}

// OpcodeInfo provides metadata about each opcode for decoding,
// validation and disassembly.
type OpcodeInfo struct {
	Name  string // Human-readable mnemonic
	Shape Shape  // Operand layout
	// MaxImm bounds the immediate operand for shapes that carry one.
	// Zero means the full 8-bit range.
	MaxImm uint8
	// Signed marks immediates (C for ABI, Bx for ABx) that are
	// two's-complement.
	Signed bool
	// Target marks a Bx operand that is an instruction index.
	Target bool
}

// opcodeInfoTable maps opcodes to their metadata. An opcode is assigned
// if and only if it has an entry here.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Program control and data movement
	OpNop:      {Name: "NOP", Shape: ShapeNone},
	OpHalt:     {Name: "HALT", Shape: ShapeNone},
	OpMov:      {Name: "MOV", Shape: ShapeAB},
	OpLoadI:    {Name: "LOADI", Shape: ShapeABx, Signed: true},
	OpLoadK:    {Name: "LOADK", Shape: ShapeAK},
	OpLoadNil:  {Name: "LOADNIL", Shape: ShapeA},
	OpLoadBool: {Name: "LOADBOOL", Shape: ShapeAI, MaxImm: 1},
	OpConv:     {Name: "CONV", Shape: ShapeABKind},

	// Arithmetic
	OpAdd:  {Name: "ADD", Shape: ShapeABC},
	OpSub:  {Name: "SUB", Shape: ShapeABC},
	OpMul:  {Name: "MUL", Shape: ShapeABC},
	OpDiv:  {Name: "DIV", Shape: ShapeABC},
	OpMod:  {Name: "MOD", Shape: ShapeABC},
	OpNeg:  {Name: "NEG", Shape: ShapeAB},
	OpAddI: {Name: "ADDI", Shape: ShapeABI, Signed: true},
	OpAddC: {Name: "ADDC", Shape: ShapeABC},
	OpSubC: {Name: "SUBC", Shape: ShapeABC},
	OpMulC: {Name: "MULC", Shape: ShapeABC},

	// Bitwise and logical
	OpAnd: {Name: "AND", Shape: ShapeABC},
	OpOr:  {Name: "OR", Shape: ShapeABC},
	OpXor: {Name: "XOR", Shape: ShapeABC},
	OpShl: {Name: "SHL", Shape: ShapeABC},
	OpShr: {Name: "SHR", Shape: ShapeABC},
	OpNot: {Name: "NOT", Shape: ShapeAB},

	// Comparison
	OpEq: {Name: "EQ", Shape: ShapeABC},
	OpLt: {Name: "LT", Shape: ShapeABC},
	OpLe: {Name: "LE", Shape: ShapeABC},

	// Control flow
	OpJmp:   {Name: "JMP", Shape: ShapeBx, Target: true},
	OpJmpT:  {Name: "JMPT", Shape: ShapeABx, Target: true},
	OpJmpF:  {Name: "JMPF", Shape: ShapeABx, Target: true},
	OpCall:  {Name: "CALL", Shape: ShapeABx, Target: true},
	OpCallC: {Name: "CALLC", Shape: ShapeAB},
	OpRet:   {Name: "RET", Shape: ShapeA},

	// Heap objects
	OpNew:     {Name: "NEW", Shape: ShapeATI},
	OpNewArr:  {Name: "NEWARR", Shape: ShapeAB},
	OpGetF:    {Name: "GETF", Shape: ShapeABC},
	OpSetF:    {Name: "SETF", Shape: ShapeABC},
	OpGetFI:   {Name: "GETFI", Shape: ShapeABI},
	OpSetFI:   {Name: "SETFI", Shape: ShapeABI},
	OpLen:     {Name: "LEN", Shape: ShapeAB},
	OpBox:     {Name: "BOX", Shape: ShapeAB},
	OpUnbox:   {Name: "UNBOX", Shape: ShapeAB},
	OpClosure: {Name: "CLOSURE", Shape: ShapeABx, Target: true},
	OpMapGet:  {Name: "MAPGET", Shape: ShapeABC},
	OpMapSet:  {Name: "MAPSET", Shape: ShapeABC},
	OpConcat:  {Name: "CONCAT", Shape: ShapeABC},

	// System
	OpGC:    {Name: "GC", Shape: ShapeI, MaxImm: 1},
	OpPrint: {Name: "PRINT", Shape: ShapeA},
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns an info with Name "UNKNOWN(0xNN)" for unassigned opcodes.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// Valid reports whether op is an assigned opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// String returns the opcode mnemonic.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Shape returns the opcode's operand layout.
func (op Opcode) Shape() Shape {
	return GetOpcodeInfo(op).Shape
}

// IsJump returns true for opcodes that may transfer control within the
// current frame.
func (op Opcode) IsJump() bool {
	return op == OpJmp || op == OpJmpT || op == OpJmpF
}

// IsCall returns true for opcodes that push a call frame.
func (op Opcode) IsCall() bool {
	return op == OpCall || op == OpCallC
}

// IsTerminator returns true for opcodes after which control never falls
// through to the next instruction.
func (op Opcode) IsTerminator() bool {
	return op == OpHalt || op == OpRet || op == OpJmp
}

// Allocates returns true for opcodes that may allocate on the heap and
// therefore may trigger a collection.
func (op Opcode) Allocates() bool {
	switch op {
	case OpNew, OpNewArr, OpBox, OpClosure, OpMapSet, OpConcat, OpGC:
		return true
	}
	return false
}

// AllOpcodes returns all assigned opcodes in ascending order.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeInfoTable))
	for i := 0; i < 256; i++ {
		if Opcode(i).Valid() {
			ops = append(ops, Opcode(i))
		}
	}
	return ops
}

// OpcodeCount returns the number of assigned opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}

// OpcodeByName looks up an opcode by its mnemonic.
func OpcodeByName(name string) (Opcode, bool) {
	for op, info := range opcodeInfoTable {
		if info.Name == name {
			return op, true
		}
	}
	return 0, false
}
