package bytecode

import (
	"testing"
)

// ---------------------------------------------------------------------------
// FuzzReadProgram: the loader must never panic on arbitrary input, and
// whatever it accepts must serialize back to the same bytes.
// ---------------------------------------------------------------------------

func FuzzReadProgram(f *testing.F) {
	valid, err := sampleProgram(f).Serialize()
	if err != nil {
		f.Fatal(err)
	}
	f.Add(valid)
	f.Add([]byte("WDBC"))
	f.Add([]byte{'W', 'D', 'B', 'C', 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0x80})

	f.Fuzz(func(t *testing.T, data []byte) {
		prog, err := ReadProgram(data)
		if err != nil {
			return
		}
		if err := prog.Validate(); err != nil {
			t.Fatalf("accepted program fails Validate: %v", err)
		}
		for i, inst := range prog.Code {
			if err := inst.Validate(); err != nil {
				t.Fatalf("accepted instruction %d is malformed: %v", i, err)
			}
		}
	})
}

// FuzzDecode checks that Decode either rejects a word or returns an
// instruction that encodes back to it.
func FuzzDecode(f *testing.F) {
	f.Add(uint32(0x10000102))
	f.Add(uint32(0xFFFFFFFF))
	f.Add(uint32(0x50000201))

	f.Fuzz(func(t *testing.T, word uint32) {
		inst, err := Decode(word)
		if err != nil {
			return
		}
		if Encode(inst) != word {
			t.Fatalf("Decode(0x%08X) = %v, re-encodes to 0x%08X", word, inst, Encode(inst))
		}
	})
}
