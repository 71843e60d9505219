// Package vm implements the Widow virtual machine.
//
// This package contains:
//   - Tagged scalar and reference values
//   - The object heap with young and old generations
//   - The allocator and the generational tricolor collector
//   - The register-window interpreter for pkg/bytecode programs
//   - Display, inspection and snapshot helpers for embedding hosts
//
// A VM is an explicit context: construct it with New, install a program
// with LoadProgram or Load, then Run it. VMs share no state, so separate
// instances may run on separate goroutines. References carry the identity
// of the heap that created them and are rejected by every other heap.
package vm
