package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/chazu/widow/runlog"
	"github.com/chazu/widow/vm"
	"github.com/spf13/cobra"
)

type runOptions struct {
	trace     bool
	registers []int
	dump      bool
	stats     bool
	heap      bool
	record    string
	snapshot  string
}

func newRunCmd(g *globals) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Load and run a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProgram(cmd, g, opts, args[0])
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.trace, "trace", false, "Log every executed instruction")
	f.IntSliceVarP(&opts.registers, "registers", "r", []int{0}, "Registers to print after the run")
	f.BoolVar(&opts.dump, "dump", false, "Print the whole register window after the run")
	f.BoolVar(&opts.stats, "stats", false, "Print collector statistics after the run")
	f.BoolVar(&opts.heap, "heap", false, "Print a heap dump after the run")
	f.StringVar(&opts.record, "record", "", "Record the run in this SQLite database")
	f.StringVar(&opts.snapshot, "snapshot", "", "Write a CBOR snapshot of the final state to this file")
	return cmd
}

func runProgram(cmd *cobra.Command, g *globals, opts *runOptions, path string) error {
	extra := 0
	if opts.trace {
		// Trace lines are logged at info level.
		extra = 1
	}
	cfg, err := g.loadConfig(extra)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	vc := cfg.VMConfig()
	vc.Trace = vc.Trace || opts.trace
	vc.Output = cmd.OutOrStdout()
	m := vm.New(vc)

	var rec *runlog.Recorder
	if opts.record != "" {
		rec = runlog.NewRecorder(filepath.Base(path), m)
	}

	loaded := false
	runErr := m.LoadProgram(data)
	if runErr == nil {
		loaded = true
		runErr = m.Run()
	}

	var recordErr error
	if rec != nil {
		var ran *vm.VM
		if loaded {
			ran = m
		}
		if err := recordRun(opts.record, rec.Finish(ran, runErr)); err != nil {
			// The run's own failure decides the exit status.
			log.Errorf("recording run in %s: %v", opts.record, err)
			if runErr == nil {
				recordErr = err
			}
		}
	}
	if !loaded {
		return runErr
	}

	out := cmd.OutOrStdout()
	if runErr == nil {
		for _, r := range opts.registers {
			v, err := m.Register(r)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "R%d = %s\n", r, m.Format(v))
		}
	}
	if opts.dump || (runErr != nil && g.verbose > 0) {
		fmt.Fprint(out, m.DumpRegisters())
	}
	if opts.stats {
		printStats(cmd, m.Heap().Stats())
	}
	if opts.heap {
		fmt.Fprint(out, m.Heap().Dump())
	}
	if opts.snapshot != "" {
		snap, err := m.Snapshot()
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.snapshot, snap, 0644); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	return recordErr
}

func recordRun(dbPath string, run *runlog.Run) error {
	store, err := runlog.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	_, err = store.Record(run)
	return err
}

func printStats(cmd *cobra.Command, s vm.Stats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "collections: %d (minor %d, major %d)\n", s.Collections, s.Minor, s.Major)
	fmt.Fprintf(out, "freed:       %d objects, %d bytes\n", s.ObjectsFreed, s.BytesFreed)
	fmt.Fprintf(out, "promoted:    %d\n", s.Promoted)
	fmt.Fprintf(out, "pause:       %s total, %s last\n", s.TotalPause, s.LastPause)
	fmt.Fprintf(out, "young:       %d objects, %d/%d bytes\n", s.YoungObjects, s.YoungBytes, s.YoungSize)
	fmt.Fprintf(out, "old:         %d objects, %d/%d bytes\n", s.OldObjects, s.OldBytes, s.OldSize)
	fmt.Fprintf(out, "remembered:  %d\n", s.Remembered)
}
