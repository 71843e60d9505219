package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the program.
func (p *Program) Disassemble() string {
	return p.DisassembleWithName("")
}

// DisassembleWithName returns a listing with a name header.
func (p *Program) DisassembleWithName(name string) string {
	var sb strings.Builder

	// Header
	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; Widow Bytecode v%d\n", p.Version))
	sb.WriteString(fmt.Sprintf("; Flags: 0x%04X", p.Flags))
	if p.Flags&ProgramFlagDebug != 0 {
		sb.WriteString(" [DEBUG]")
	}
	sb.WriteString("\n\n")

	// Constants
	if len(p.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, c := range p.Constants {
			display := c.String()
			display = strings.ReplaceAll(display, "\n", "\\n")
			display = strings.ReplaceAll(display, "\t", "\\t")
			sb.WriteString(fmt.Sprintf(";   [%3d] %s\n", i, display))
		}
		sb.WriteString("\n")
	}

	// Code
	targets := p.jumpTargets()
	sb.WriteString("; Code:\n")
	for i := range p.Code {
		marker := "  "
		if targets[i] {
			marker = "> "
		}
		sb.WriteString(fmt.Sprintf("%s%04X  %s\n", marker, i, p.DisassembleInstruction(i)))
	}

	return sb.String()
}

// DisassembleInstruction formats the instruction at index, annotating
// constant loads with the constant's value.
func (p *Program) DisassembleInstruction(index int) string {
	if index < 0 || index >= len(p.Code) {
		return "<end of code>"
	}
	inst := p.Code[index]
	line := inst.String()
	switch inst.Op {
	case OpLoadK:
		if int(inst.B) < len(p.Constants) {
			line = fmt.Sprintf("%-24s ; %s", line, p.Constants[inst.B])
		}
	case OpLoadI:
		line = fmt.Sprintf("%-24s ; 0x%04X", line, inst.Bx())
	}
	return line
}

// DisassembleToLines returns one formatted line per instruction.
func (p *Program) DisassembleToLines() []string {
	lines := make([]string, len(p.Code))
	for i := range p.Code {
		lines[i] = fmt.Sprintf("%04X  %s", i, p.DisassembleInstruction(i))
	}
	return lines
}

// jumpTargets returns the set of instruction indices that some jump,
// call or closure refers to.
func (p *Program) jumpTargets() map[int]bool {
	targets := make(map[int]bool)
	for _, inst := range p.Code {
		if GetOpcodeInfo(inst.Op).Target {
			targets[int(inst.Bx())] = true
		}
	}
	return targets
}
