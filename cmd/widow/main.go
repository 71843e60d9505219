// Widow CLI - runs, disassembles and records Widow bytecode programs
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/chazu/widow/config"
	"github.com/chazu/widow/vm"
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var (
	Version = "dev"
	Commit  = "none"
)

var log = commonlog.GetLogger("widow.cmd")

// Exit statuses.
const (
	exitOK          = 0
	exitUsage       = 1
	exitLoadError   = 2
	exitRuntime     = 3
	exitOutOfMemory = 4
)

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var (
		le *vm.LoadError
		re *vm.RuntimeError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, vm.ErrOutOfMemory):
		return exitOutOfMemory
	case errors.As(err, &le):
		return exitLoadError
	case errors.As(err, &re):
		return exitRuntime
	}
	return exitUsage
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	verbose    int
}

// loadConfig reads --config if given, otherwise the nearest widow.toml,
// and configures logging from it.
func (g *globals) loadConfig(extraVerbosity int) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath != "" {
		cfg, err = config.LoadFile(g.configPath)
	} else {
		cfg, err = config.FindAndLoad(".")
	}
	if err != nil {
		return nil, err
	}
	commonlog.Configure(cfg.Log.Verbosity+g.verbose+extraVerbosity, cfg.LogFile())
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "widow",
		Short: "Widow register VM",
		Long: `Widow runs programs for a register bytecode virtual machine with a
generational garbage collector.

Exit status: 0 success, 1 usage or I/O error, 2 program failed to load,
3 runtime error, 4 out of memory.`,
		Version:       fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Configuration file (default: nearest widow.toml)")
	rootCmd.PersistentFlags().CountVarP(&g.verbose, "verbose", "v", "Increase log verbosity (repeatable)")

	rootCmd.AddCommand(
		newRunCmd(g),
		newDisasmCmd(g),
		newHistoryCmd(g),
		newDemoCmd(g),
	)
	return rootCmd
}

func main() {
	rootCmd := newRootCmd()
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "widow: %v\n", err)
	}
	os.Exit(exitCode(err))
}
