package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/widow/vm"
	"github.com/spf13/cobra"
)

func newDisasmCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "disasm FILE",
		Short: "Print the disassembly of a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(0)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			// Loading validates the whole program, including string
			// constants against the configured heap.
			m := vm.New(cfg.VMConfig())
			if err := m.LoadProgram(data); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), m.Program().DisassembleWithName(filepath.Base(args[0])))
			return nil
		},
	}
}
