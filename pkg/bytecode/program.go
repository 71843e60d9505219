package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProgramVersion is the current program format version.
// Increment when making incompatible changes to the format.
const ProgramVersion uint16 = 1

// ProgramMagic is the leading bytes of a program file: "WDBC" (Widow ByteCode).
var ProgramMagic = []byte{'W', 'D', 'B', 'C'}

// Container errors.
var (
	ErrBadMagic        = errors.New("invalid program magic")
	ErrVersionMismatch = errors.New("program version mismatch")
	ErrTruncated       = errors.New("truncated program")
	ErrTrailingData    = errors.New("trailing data after program")
	ErrConstantIndex   = errors.New("constant index out of range")
)

// headerSize is magic + version + flags.
const headerSize = 8

// ProgramFlags carries producer-defined flags. The VM ignores them.
type ProgramFlags uint16

const (
	// ProgramFlagDebug marks a program built with extra checks enabled.
	ProgramFlagDebug ProgramFlags = 1 << 0
)

// Program is the unit of code the VM loads: an instruction sequence plus
// the constant pool it references. Execution starts at instruction 0.
type Program struct {
	Version   uint16
	Flags     ProgramFlags
	Code      []Instruction
	Constants []Constant
}

// NewProgram creates an empty program with the current version.
func NewProgram() *Program {
	return &Program{
		Version:   ProgramVersion,
		Code:      make([]Instruction, 0, 64),
		Constants: make([]Constant, 0, 8),
	}
}

// AddConstant adds a constant to the pool and returns its index.
// If an identical constant already exists, returns the existing index.
func (p *Program) AddConstant(c Constant) (uint8, error) {
	for i, existing := range p.Constants {
		if existing.Same(c) {
			return uint8(i), nil
		}
	}
	if len(p.Constants) >= MaxConstants {
		return 0, fmt.Errorf("%w: pool full (%d)", ErrConstantPool, MaxConstants)
	}
	idx := uint8(len(p.Constants))
	p.Constants = append(p.Constants, c)
	return idx, nil
}

// Validate checks every instruction against its shape and every LOADK
// index against the pool. Jump targets are checked when they execute.
func (p *Program) Validate() error {
	if len(p.Constants) > MaxConstants {
		return fmt.Errorf("%w: %d constants, max %d", ErrConstantPool, len(p.Constants), MaxConstants)
	}
	for i, c := range p.Constants {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("constant %d: %w", i, err)
		}
	}
	for idx, inst := range p.Code {
		if err := inst.Validate(); err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				de.Index = idx
			}
			return err
		}
		if inst.Op == OpLoadK && int(inst.B) >= len(p.Constants) {
			return fmt.Errorf("%w: instruction %d loads K%d, pool has %d", ErrConstantIndex, idx, inst.B, len(p.Constants))
		}
	}
	return nil
}

// Serialize encodes the program to bytes for storage or transport.
// Format:
//
//	[magic:4] [version:2] [flags:2]
//	[code_count:4] [code: code_count big-endian words]
//	[pool_len:4] [pool: canonical CBOR array of constants]
//
// The encoding is deterministic.
func (p *Program) Serialize() ([]byte, error) {
	pool, err := MarshalConstants(p.Constants)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, headerSize+4+4*len(p.Code)+4+len(pool))

	// Header
	buf = append(buf, ProgramMagic...)
	buf = binary.BigEndian.AppendUint16(buf, p.Version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(p.Flags))

	// Code section
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Code)))
	for _, inst := range p.Code {
		buf = binary.BigEndian.AppendUint32(buf, Encode(inst))
	}

	// Constant pool
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(pool)))
	buf = append(buf, pool...)

	return buf, nil
}

// ReadProgram decodes and validates a program. Every instruction is
// decoded before it returns, so the result never contains a malformed
// instruction.
func ReadProgram(data []byte) (*Program, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: need at least %d header bytes, got %d", ErrTruncated, headerSize, len(data))
	}
	if string(data[0:4]) != string(ProgramMagic) {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrBadMagic, ProgramMagic, data[0:4])
	}

	p := &Program{
		Version: binary.BigEndian.Uint16(data[4:6]),
		Flags:   ProgramFlags(binary.BigEndian.Uint16(data[6:8])),
	}
	if p.Version != ProgramVersion {
		return nil, fmt.Errorf("%w: file has version %d, supported version is %d", ErrVersionMismatch, p.Version, ProgramVersion)
	}

	pos := headerSize

	// Code section
	if pos+4 > len(data) {
		return nil, fmt.Errorf("%w: reading code count at pos %d", ErrTruncated, pos)
	}
	count := uint64(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if uint64(pos)+count*4 > uint64(len(data)) {
		return nil, fmt.Errorf("%w: code section needs %d words at pos %d", ErrTruncated, count, pos)
	}
	p.Code = make([]Instruction, count)
	for i := range p.Code {
		word := binary.BigEndian.Uint32(data[pos:])
		inst, err := Decode(word)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				de.Index = i
			}
			return nil, err
		}
		p.Code[i] = inst
		pos += 4
	}

	// Constant pool
	if pos+4 > len(data) {
		return nil, fmt.Errorf("%w: reading pool length at pos %d", ErrTruncated, pos)
	}
	poolLen := uint64(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if uint64(pos)+poolLen > uint64(len(data)) {
		return nil, fmt.Errorf("%w: pool needs %d bytes at pos %d", ErrTruncated, poolLen, pos)
	}
	pool, err := UnmarshalConstants(data[pos : pos+int(poolLen)])
	if err != nil {
		return nil, err
	}
	p.Constants = pool
	pos += int(poolLen)

	if pos != len(data) {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(data)-pos)
	}

	for idx, inst := range p.Code {
		if inst.Op == OpLoadK && int(inst.B) >= len(p.Constants) {
			return nil, fmt.Errorf("%w: instruction %d loads K%d, pool has %d", ErrConstantIndex, idx, inst.B, len(p.Constants))
		}
	}
	return p, nil
}

// Words returns the encoded instruction stream.
func (p *Program) Words() []uint32 {
	words := make([]uint32, len(p.Code))
	for i, inst := range p.Code {
		words[i] = Encode(inst)
	}
	return words
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.Code)
}
