package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/chazu/widow/pkg/bytecode"
	"github.com/spf13/cobra"
)

// demos are the built-in example programs.
var demos = map[string]func(b *bytecode.Builder){
	// (10 + 5) * 3 into R0.
	"arith": func(b *bytecode.Builder) {
		b.LoadInt(1, 10)
		b.LoadInt(2, 5)
		b.ABC(bytecode.OpAdd, 3, 1, 2)
		b.LoadInt(4, 3)
		b.ABC(bytecode.OpMul, 0, 3, 4)
		b.Halt()
	},
	// 10! by recursion.
	"factorial": func(b *bytecode.Builder) {
		b.LoadInt(1, 10)
		b.Call(0, "fact")
		b.Halt()

		b.Label("fact")
		b.LoadInt(2, 1)
		b.ABC(bytecode.OpLe, 3, 1, 2)
		b.JmpIfNot(3, "recurse")
		b.Ret(2)
		b.Label("recurse")
		b.AddI(5, 1, -1)
		b.Call(4, "fact")
		b.ABC(bytecode.OpMul, 0, 1, 4)
		b.Ret(0)
	},
	// A 1000-node list of strings built on a small young generation, then
	// its length in R0.
	"list": func(b *bytecode.Builder) {
		b.LoadNil(1)
		b.LoadInt(3, 1000)
		b.LoadConst(6, bytecode.StringConst("node-"))
		b.Label("build")
		b.JmpIfNot(3, "count")
		b.New(2, bytecode.TypeArray, 2)
		b.SetFieldI(2, 1, 0)
		b.ABC(bytecode.OpConcat, 4, 6, 3)
		b.SetFieldI(2, 4, 1)
		b.Mov(1, 2)
		b.AddI(3, 3, -1)
		b.Jmp("build")

		b.Label("count")
		b.LoadInt(0, 0)
		b.Mov(2, 1)
		b.Label("walk")
		b.JmpIfNot(2, "done")
		b.AddI(0, 0, 1)
		b.GetFieldI(2, 2, 0)
		b.Jmp("walk")
		b.Label("done")
		b.GetFieldI(5, 1, 1)
		b.Print(5)
		b.Halt()
	},
	// A map from integers to their squares, then m[12] into R0.
	"map": func(b *bytecode.Builder) {
		b.New(1, bytecode.TypeMap, 0)
		b.LoadInt(2, 20)
		b.Label("loop")
		b.JmpIfNot(2, "done")
		b.ABC(bytecode.OpMul, 3, 2, 2)
		b.ABC(bytecode.OpMapSet, 1, 2, 3)
		b.AddI(2, 2, -1)
		b.Jmp("loop")
		b.Label("done")
		b.LoadInt(4, 12)
		b.ABC(bytecode.OpMapGet, 0, 1, 4)
		b.ABC(bytecode.OpLen, 5, 1, 0)
		b.Print(5)
		b.Halt()
	},
}

func demoNames() []string {
	names := make([]string, 0, len(demos))
	for name := range demos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func buildDemo(name string) (*bytecode.Program, error) {
	emit, ok := demos[name]
	if !ok {
		return nil, fmt.Errorf("unknown demo %q (have %s)", name, strings.Join(demoNames(), ", "))
	}
	b := bytecode.NewBuilder()
	emit(b)
	return b.Build()
}

func newDemoCmd(g *globals) *cobra.Command {
	var (
		output string
		disasm bool
	)
	cmd := &cobra.Command{
		Use:   "demo [NAME]",
		Short: "Write a built-in example program",
		Long:  "Write a built-in example program. Available: " + strings.Join(demoNames(), ", ") + ".",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := g.loadConfig(0); err != nil {
				return err
			}
			name := "arith"
			if len(args) == 1 {
				name = args[0]
			}
			prog, err := buildDemo(name)
			if err != nil {
				return err
			}
			if disasm {
				fmt.Fprint(cmd.OutOrStdout(), prog.DisassembleWithName(name))
			}
			if output == "" {
				return nil
			}
			data, err := prog.Serialize()
			if err != nil {
				return err
			}
			return os.WriteFile(output, data, 0644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the program to this file")
	cmd.Flags().BoolVar(&disasm, "disasm", false, "Print the disassembly")
	return cmd
}
