// Package bytecode defines the Widow program format: the fixed-width
// register instruction encoding, the constant pool, and the serialized
// program container consumed by the VM.
//
// The format is designed for:
//   - Bit-exact encoding (every instruction is one 32-bit word)
//   - Eager validation (a word either decodes completely or is rejected)
//   - Deterministic serialization (same Program, same bytes)
//
// # Instruction Words
//
// Every instruction is a single big-endian 32-bit word:
//
//	 31      24 23      16 15       8 7        0
//	+----------+----------+----------+----------+
//	|  opcode  |    A     |    B     |    C     |
//	+----------+----------+----------+----------+
//
// How A, B and C are interpreted depends on the opcode's Shape. Register
// operands are window-relative and must be below NumRegisters. Shapes
// that need a wide operand fuse B and C into the 16-bit Bx field, used
// for jump targets (instruction indices) and signed immediates.
//
// # Two Layers
//
// The package keeps the wire contract and the convenience layer apart:
//
//   - Encode and Decode are the minimal codec. Encode is total over
//     instructions; Decode rejects any word whose opcode is unassigned or
//     whose operands do not fit the opcode's shape.
//
//   - Builder is a validating assembler for programmatic and test use. It
//     rejects malformed operands as they are emitted, resolves labels, and
//     deduplicates constants, but it produces plain Instructions that go
//     through the same codec as everything else.
//
// # Program Container
//
// A Program serializes as a "WDBC" header (magic, version, flags), the
// instruction words, and the constant pool encoded as a canonical CBOR
// array. ReadProgram validates the header and decodes every instruction
// before returning, so a Program obtained from bytes is always well formed.
package bytecode
