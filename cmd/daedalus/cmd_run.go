package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/scope"
	"github.com/wehubfusion/Daedalus/pkg/values"
	"github.com/wehubfusion/Daedalus/pkg/window"
)

var runFlags struct {
	batchPath  string
	windowSize int
	sequential bool
	timeout    time.Duration
	verbose    bool
}

var runCmd = &cobra.Command{
	Use:   "run <graph.hcl>",
	Short: "Execute an HCL graph definition locally",
	Long: `Run executes a graph definition in-process and prints the merged node
outputs as JSON.

Usage:
  daedalus run pipeline.hcl
  daedalus run pipeline.hcl --batch rows.json --window-size 100

Without --batch the graph runs once with no window, driven purely by node
configuration. With --batch the rows file (a JSON array of objects) is split
into windows and the graph runs once per window; the output is then an array
of per-window results.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.batchPath, "batch", "b", "", "Path to a JSON array of rows fed to the graph")
	f.IntVar(&runFlags.windowSize, "window-size", 0, "Rows per window (0 runs the whole batch as one window)")
	f.BoolVar(&runFlags.sequential, "sequential", false, "Run node bodies one at a time in plan order")
	f.DurationVar(&runFlags.timeout, "timeout", 5*time.Minute, "Overall run timeout")
	f.BoolVarP(&runFlags.verbose, "verbose", "v", false, "Log node execution to stderr")
}

// windowResult is the per-window output shape printed for batch runs.
type windowResult struct {
	WindowID string      `json:"windowId,omitempty"`
	Rows     int         `json:"rows"`
	Outputs  values.View `json:"outputs"`
}

func runRun(cmd *cobra.Command, args []string) error {
	def, err := graph.LoadFile(args[0])
	if err != nil {
		return err
	}

	reg, err := builtinRegistry()
	if err != nil {
		return err
	}
	nodes, err := engine.NodesFromDefinition(def, reg)
	if err != nil {
		return fmt.Errorf("building nodes: %w", err)
	}

	logger, err := cliLogger(runFlags.verbose)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	eng := engine.New(logger)
	if runFlags.sequential {
		eng = eng.WithMode(concurrency.EngineModeSequential)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), runFlags.timeout)
	defer cancel()

	tasked, err := loadWindows(def, logger)
	if err != nil {
		return err
	}

	results := make([]windowResult, 0, len(tasked))
	for _, tw := range tasked {
		state := scope.NewTaskState(tw.Task, tw.Window)
		view, err := eng.Run(ctx, state, nodes)
		if err != nil {
			if tw.Window != nil {
				return fmt.Errorf("window %s: %w", tw.Window.ID(), err)
			}
			return err
		}

		r := windowResult{Outputs: view}
		if tw.Window != nil {
			r.WindowID = tw.Window.ID()
			r.Rows = tw.Window.RowCount()
		}
		results = append(results, r)
	}

	return printResults(cmd, results)
}

// loadWindows partitions the batch file into tasked windows, or yields a
// single windowless run when no batch was given.
func loadWindows(def *graph.Definition, logger *zap.Logger) ([]window.TaskedWindow, error) {
	if runFlags.batchPath == "" {
		return []window.TaskedWindow{{Task: def.Task}}, nil
	}

	data, err := os.ReadFile(runFlags.batchPath)
	if err != nil {
		return nil, fmt.Errorf("reading batch file: %w", err)
	}
	b, err := batch.FromJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parsing batch file: %w", err)
	}

	producer := window.NewProducer(window.Config{MaxRows: runFlags.windowSize, Logger: logger})
	return producer.Partition(b, def.Task)
}

func printResults(cmd *cobra.Command, results []windowResult) error {
	var payload any
	if len(results) == 1 && results[0].WindowID == "" {
		payload = results[0].Outputs
	} else {
		payload = results
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding outputs: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
