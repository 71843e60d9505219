package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/widow/pkg/bytecode"
)

// Load failures. The container errors are shared with the bytecode
// package so errors.Is works on either name.
var (
	ErrBadMagic        = bytecode.ErrBadMagic
	ErrVersionMismatch = bytecode.ErrVersionMismatch
	ErrTruncated       = bytecode.ErrTruncated
	ErrConstantIndex   = bytecode.ErrConstantIndex
	ErrConstantPool    = bytecode.ErrConstantPool
)

// Runtime failures.
var (
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrDivideByZero      = errors.New("integer divide by zero")
	ErrInvalidTarget     = errors.New("invalid jump target")
	ErrStackOverflow     = errors.New("stack overflow")
	ErrRegisterRange     = errors.New("register index out of range")
	ErrEmptyCallStack    = errors.New("return with empty call stack")
	ErrOverflow          = errors.New("integer overflow")
	ErrUnknownOpcode     = errors.New("unknown opcode")
	ErrFieldRange        = errors.New("field index out of range")
	ErrForeignReference  = errors.New("reference belongs to another heap")
	ErrDanglingReference = errors.New("dangling reference")
	ErrOutOfMemory       = errors.New("out of memory")
	ErrNoProgram         = errors.New("no program loaded")
	ErrHalted            = errors.New("program has halted")
)

// ErrCyclicValue is returned by Inspect for self-referencing structures.
var ErrCyclicValue = errors.New("cyclic value")

// LoadError reports a program that could not be loaded. Nothing of the
// failed attempt is retained by the VM.
type LoadError struct {
	Stage string // "header", "decode", "constants" or "heap"
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// RuntimeError reports the instruction that aborted a run. Every
// instruction before it kept its effects.
type RuntimeError struct {
	PC  int
	Op  bytecode.Opcode
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error at %04X (%s): %v", e.PC, e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// loadStage classifies a bytecode.ReadProgram failure.
func loadStage(err error) string {
	var de *bytecode.DecodeError
	switch {
	case errors.As(err, &de):
		return "decode"
	case errors.Is(err, bytecode.ErrConstantPool), errors.Is(err, bytecode.ErrConstantIndex):
		return "constants"
	}
	return "header"
}
