// Package bytecode benchmarks
//
// These benchmarks measure the performance of:
// - Instruction encoding and decoding
// - Program serialization and loading
//
// Run: go test -bench=. ./pkg/bytecode/...
// Run with memory stats: go test -bench=. -benchmem ./pkg/bytecode/...
package bytecode

import (
	"testing"
)

// ============================================================
// Codec Benchmarks
// ============================================================

func BenchmarkEncode(b *testing.B) {
	inst := Make(OpAdd, 1, 2, 3)
	var sink uint32
	for i := 0; i < b.N; i++ {
		sink ^= Encode(inst)
	}
	_ = sink
}

func BenchmarkDecode(b *testing.B) {
	words := sampleProgram(b).Words()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Decode(words[i%len(words)]); err != nil {
			b.Fatal(err)
		}
	}
}

// ============================================================
// Serialization Benchmarks
// ============================================================

func BenchmarkSerialize(b *testing.B) {
	prog := sampleProgram(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := prog.Serialize(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkReadProgram(b *testing.B) {
	data, err := sampleProgram(b).Serialize()
	if err != nil {
		b.Fatal(err)
	}
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ReadProgram(data); err != nil {
			b.Fatal(err)
		}
	}
}
