// Package script provides a sandboxed JavaScript executor for graph nodes.
//
// Scripts run in a bare ECMAScript 5.1+ environment with three globals
// injected per execution:
//
//	inputs - resolved input bindings, keyed by binding name
//	params - the task descriptor's parameters
//	rows   - the window's rows, or null when the node runs without a window
//
// A script publishes results by assigning an object to the global "output";
// each key becomes a scope output. Scripts that evaluate to an object work
// the same way, so one-liners need no assignment:
//
//	output = {total: inputs.a + inputs.b}
//	({rows: rows.filter(function(r) { return r.active })})
//
// The program is compiled once when the node is built and shared across a
// small pool of runtimes, so per-window executions pay no parse cost.
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/scope"
)

// Type is the executor name used in graph definitions.
const Type = "script"

// Register installs the script executor factory into a registry.
func Register(r *engine.Registry) error {
	return r.Register(Type, New)
}

// Executor evaluates a compiled JavaScript program against a scope.
type Executor struct {
	prog    *goja.Program
	timeout time.Duration
	pool    chan *goja.Runtime
}

// New compiles the configured source and returns the executor. Compilation
// happens here so syntax errors surface when the graph is built, not when
// the first window runs.
func New(config json.RawMessage) (engine.Executor, error) {
	var cfg Config
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("parsing script config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	prog, err := goja.Compile("node.js", cfg.Source, false)
	if err != nil {
		return nil, fmt.Errorf("compiling script: %w", err)
	}

	return &Executor{
		prog:    prog,
		timeout: cfg.Timeout,
		pool:    make(chan *goja.Runtime, cfg.PoolSize),
	}, nil
}

// Execute runs the program with the scope's inputs, task params, and window
// rows bound as globals, then writes the script's output object back to the
// scope.
func (e *Executor) Execute(ctx context.Context, sc *scope.Scope) error {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	inputs, err := sc.Inputs(runCtx)
	if err != nil {
		return fmt.Errorf("resolving inputs: %w", err)
	}

	params := map[string]any{}
	if t := sc.Task(); t != nil {
		m, err := t.ParamsMap()
		if err != nil {
			return fmt.Errorf("decoding task params: %w", err)
		}
		params = m
	}

	var rows []any
	if w := sc.Window(); w != nil {
		data, err := w.JSON()
		if err != nil {
			return fmt.Errorf("rendering window rows: %w", err)
		}
		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("decoding window rows: %w", err)
		}
	}

	vm := e.acquire()
	for name, value := range map[string]any{"inputs": inputs, "params": params, "rows": rows} {
		if err := vm.Set(name, value); err != nil {
			return fmt.Errorf("binding %s: %w", name, err)
		}
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			vm.Interrupt("execution timeout")
		case <-done:
		}
	}()

	result, err := vm.RunProgram(e.prog)
	close(done)

	if err != nil {
		// Interrupted runtimes are dropped rather than returned to the pool.
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.DeadlineExceeded) {
				return fmt.Errorf("script interrupted: %w", cause)
			}
			return fmt.Errorf("script timed out after %s", e.timeout)
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return fmt.Errorf("script threw: %s", exc.Value().String())
		}
		return fmt.Errorf("script failed: %w", err)
	}

	outputs := exportOutputs(vm, result)
	e.release(vm)

	if len(outputs) == 0 {
		return nil
	}
	return sc.SetOutputs(outputs)
}

// exportOutputs reads the "output" global, falling back to the program's
// completion value when the script never assigned one.
func exportOutputs(vm *goja.Runtime, result goja.Value) map[string]any {
	if out := vm.Get("output"); out != nil && !goja.IsUndefined(out) && !goja.IsNull(out) {
		if m, ok := out.Export().(map[string]any); ok {
			return m
		}
		return map[string]any{"output": out.Export()}
	}
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if m, ok := result.Export().(map[string]any); ok {
			return m
		}
	}
	return nil
}

func (e *Executor) acquire() *goja.Runtime {
	select {
	case vm := <-e.pool:
		return vm
	default:
		return goja.New()
	}
}

// release clears the per-execution globals and returns the runtime to the
// pool. Runtimes that errored never reach here, so pooled ones are clean.
func (e *Executor) release(vm *goja.Runtime) {
	vm.ClearInterrupt()
	global := vm.GlobalObject()
	for _, name := range []string{"inputs", "params", "rows", "output"} {
		_ = global.Delete(name)
	}
	select {
	case e.pool <- vm:
	default:
	}
}
