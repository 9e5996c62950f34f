package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chazu/strata/malloc"
	"github.com/chazu/strata/vm"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

type runOptions struct {
	entry  string
	frames int
	dt     float64
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [package.spk...]",
		Short: "Load packages, call the entry function and tick frames",
		Long: `The run command loads the packages configured in engine.toml and any
package files given as arguments, spawns an object of the entry function's
class, calls the entry function and then ticks the VM and the allocator
for the requested number of frames.

Example:
  strata run --entry Game.Main
  strata run game.spk --entry Game.Main --frames 600 --dt 0.016`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.entry, "entry", "e", "", "Entry function as Class.Function (default: [script] entry)")
	cmd.Flags().IntVarP(&opts.frames, "frames", "n", 0, "Frames to tick after the entry function returns")
	cmd.Flags().Float64Var(&opts.dt, "dt", 1.0/60, "Seconds per frame")
	return cmd
}

// runResult is what run reports.
type runResult struct {
	Entry    string `json:"entry,omitempty"`
	Result   string `json:"result,omitempty"`
	Frames   int    `json:"frames"`
	Objects  int    `json:"objects"`
	Warnings int    `json:"warnings"`
}

func runRun(args []string, opts runOptions) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := newEngine(cfg, args)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(); err == nil {
			err = cerr
		}
	}()

	res := runResult{Entry: opts.entry}
	if res.Entry == "" {
		res.Entry = cfg.Script.Entry
	}
	if res.Entry != "" {
		v, err := callEntry(e.vm, res.Entry)
		if err != nil {
			return err
		}
		res.Result = vm.FormatValue(v)
	}

	for range opts.frames {
		if err := e.vm.Tick(float32(opts.dt)); err != nil {
			return fmt.Errorf("frame %d: %w", res.Frames, err)
		}
		malloc.Tick(opts.dt)
		res.Frames++
	}
	res.Objects = len(e.vm.Objects())
	res.Warnings = e.vm.Warnings()

	if jsonOut {
		return printJSON(res)
	}
	if res.Entry != "" {
		printInfo("%s returned %s\n", res.Entry, res.Result)
	}
	printInfo("%d frames, %d objects, %d script warnings\n", res.Frames, res.Objects, res.Warnings)
	return nil
}

// callEntry spawns an object of the entry function's class, enters the
// function's state when it belongs to one, and calls it.
func callEntry(v *vm.VM, entry string) (vm.Value, error) {
	fn, err := v.FindFunction(entry)
	if err != nil {
		return nil, err
	}
	class := fn.Class
	if class == nil && fn.State != nil {
		class = fn.State.Class
	}
	obj, err := v.NewObject(class, nil, "")
	if err != nil {
		return nil, err
	}
	if fn.State != nil {
		res, err := v.GotoState(obj, fn.State.Name, "")
		if err != nil {
			return nil, err
		}
		if res != vm.GotoSuccess {
			return nil, fmt.Errorf("%s: cannot enter state %s", entry, fn.State.Name)
		}
	}
	return v.ExecuteFunction(obj, fn)
}
