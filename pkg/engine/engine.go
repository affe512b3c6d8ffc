// Package engine runs node graphs over scope trees. An Engine validates the
// graph, pushes one child scope per node under a fresh root, executes the
// node bodies, and folds every completed scope back into the root, returning
// the merged output view.
//
// In parallel mode all bodies start at once and the scope gates order them: a
// consumer blocks inside Input until its producer completes. In sequential
// mode bodies run one at a time in dependency order, so no body ever blocks.
//
//	eng := engine.New(logger)
//	view, err := eng.Run(ctx, state, []*engine.Node{
//		engine.NewNode("extract", extractBody),
//		engine.NewNode("clean", cleanBody).WithInput("rows", "extract.rows"),
//	})
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/scope"
	"github.com/wehubfusion/Daedalus/pkg/values"
)

// Engine executes node graphs.
type Engine struct {
	logger        *zap.Logger
	tracer        trace.Tracer
	metrics       *Metrics
	mode          concurrency.EngineMode
	sentryEnabled bool
}

// New creates an engine in parallel mode. A nil logger falls back to a no-op
// logger.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger:  logger,
		tracer:  otel.Tracer("daedalus/engine"),
		metrics: NewMetrics(),
		mode:    concurrency.EngineModeParallel,
	}
}

// WithMode sets the execution mode and returns the engine for chaining.
func (e *Engine) WithMode(mode concurrency.EngineMode) *Engine {
	if mode == concurrency.EngineModeParallel || mode == concurrency.EngineModeSequential {
		e.mode = mode
	}
	return e
}

// WithMetrics shares a metrics set, for callers aggregating across engines.
func (e *Engine) WithMetrics(m *Metrics) *Engine {
	if m != nil {
		e.metrics = m
	}
	return e
}

// WithSentry enables error capture to an initialized Sentry hub.
func (e *Engine) WithSentry() *Engine {
	e.sentryEnabled = true
	return e
}

// GetMetrics returns the engine's metrics set.
func (e *Engine) GetMetrics() *Metrics {
	return e.metrics
}

// Run executes nodes over the shared task state and returns the root view
// holding every merged output under qualified "node.key" names. The first
// node failure cancels outstanding work and is returned; the partial view is
// withheld on failure.
func (e *Engine) Run(ctx context.Context, state *scope.TaskState, nodes []*Node) (values.View, error) {
	plan, err := e.validate(nodes)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	runID := uuid.NewString()
	e.metrics.RecordRunStart()

	ctx, span := e.tracer.Start(ctx, "engine.Run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("run.nodes", len(nodes)),
			attribute.String("engine.mode", string(e.mode)),
		))
	defer span.End()

	logger := e.logger.With(zap.String("run_id", runID))
	if w := state.Window(); w != nil {
		logger = logger.With(zap.String("window_id", w.ID()))
	}

	root := scope.NewRoot(state)
	scopes := make([]*scope.Scope, len(nodes))
	for i, n := range nodes {
		sc, err := root.Push(n.Name, n.Bindings)
		if err != nil {
			e.metrics.RecordRunFailure()
			return nil, fmt.Errorf("pushing node %q: %w", n.Name, err)
		}
		if len(n.OutputNames) > 0 {
			if err := sc.SetOutputNames(n.OutputNames...); err != nil {
				e.metrics.RecordRunFailure()
				return nil, fmt.Errorf("projecting node %q: %w", n.Name, err)
			}
		}
		scopes[i] = sc
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	var firstErr error
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	if e.mode == concurrency.EngineModeSequential {
		e.runSequential(runCtx, logger, plan, nodes, scopes, fail)
	} else {
		e.runParallel(runCtx, logger, nodes, scopes, fail)
	}

	// Every gate is signaled by now, so pops never block. Pop with the
	// caller's context rather than runCtx, which a failure has cancelled.
	var popErr error
	for _, sc := range scopes {
		if err := sc.Pop(ctx); err != nil && popErr == nil {
			popErr = err
		}
	}

	if firstErr == nil {
		firstErr = popErr
	}

	duration := time.Since(start)
	span.SetAttributes(attribute.Int64("run.duration_ms", duration.Milliseconds()))

	if firstErr != nil {
		e.metrics.RecordRunFailure()
		span.RecordError(firstErr)
		span.SetStatus(codes.Error, firstErr.Error())
		logger.Error("run failed",
			zap.Int("nodes", len(nodes)),
			zap.Duration("duration", duration),
			zap.Error(firstErr))
		return nil, firstErr
	}

	view := root.Outputs()
	e.metrics.RecordRunSuccess()
	span.SetStatus(codes.Ok, "run completed")
	logger.Info("run completed",
		zap.Int("nodes", len(nodes)),
		zap.Int("outputs", len(view)),
		zap.Duration("duration", duration))
	return view, nil
}

// validate checks node bodies and graph structure before anything executes.
func (e *Engine) validate(nodes []*Node) (*graph.Plan, error) {
	specs := make([]graph.Spec, len(nodes))
	for i, n := range nodes {
		if n == nil {
			return nil, fmt.Errorf("node at position %d is nil", i)
		}
		if n.Body == nil {
			return nil, fmt.Errorf("node %q has no executor", n.Name)
		}
		specs[i] = graph.Spec{Name: n.Name, Sources: n.sources()}
	}
	return graph.BuildPlan(specs)
}

func (e *Engine) runParallel(ctx context.Context, logger *zap.Logger, nodes []*Node, scopes []*scope.Scope, fail func(error)) {
	var wg sync.WaitGroup
	for i := range nodes {
		wg.Add(1)
		go func(n *Node, sc *scope.Scope) {
			defer wg.Done()
			if err := e.executeNode(ctx, logger, n, sc); err != nil {
				fail(fmt.Errorf("node %q: %w", n.Name, err))
			}
		}(nodes[i], scopes[i])
	}
	wg.Wait()
}

func (e *Engine) runSequential(ctx context.Context, logger *zap.Logger, plan *graph.Plan, nodes []*Node, scopes []*scope.Scope, fail func(error)) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n.Name] = i
	}

	var failed error
	for _, name := range plan.Order() {
		i := index[name]
		if err := e.executeNode(ctx, logger, nodes[i], scopes[i]); err != nil {
			failed = fmt.Errorf("node %q: %w", name, err)
			fail(failed)
			break
		}
	}
	if failed == nil {
		return
	}

	// Release the scopes that never ran so pops observe a signaled gate.
	for i, sc := range scopes {
		if !sc.Completed() {
			e.metrics.RecordNodeSkipped()
			_ = sc.Fail(fmt.Errorf("node %q skipped: %w", nodes[i].Name, failed))
		}
	}
}

// executeNode runs one body inside its scope and settles the scope's gate:
// clean returns are completed, errors and panics fail the scope so waiting
// consumers release.
func (e *Engine) executeNode(ctx context.Context, logger *zap.Logger, n *Node, sc *scope.Scope) (err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "engine.executeNode",
		trace.WithAttributes(attribute.String("node.name", n.Name)))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		duration := time.Since(start)
		span.SetAttributes(attribute.Int64("node.duration_ms", duration.Milliseconds()))

		if err != nil {
			e.metrics.RecordNodeFailure()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.captureException(err)
			_ = sc.Fail(err)
			logger.Error("node failed",
				zap.String("node", n.Name),
				zap.Duration("duration", duration),
				zap.Error(err))
		} else {
			e.metrics.RecordNodeSuccess(duration.Nanoseconds())
			span.SetStatus(codes.Ok, "node completed")
			logger.Debug("node completed",
				zap.String("node", n.Name),
				zap.Duration("duration", duration))
		}
		span.End()
	}()

	if err = n.Body.Execute(ctx, sc); err != nil {
		return err
	}

	if !sc.Completed() {
		if cerr := sc.CompleteOutputs(); cerr != nil &&
			!errors.Is(cerr, scope.ErrOutputsComplete) && !errors.Is(cerr, scope.ErrGateSignaled) {
			return cerr
		}
	}
	return nil
}

func (e *Engine) captureException(err error) {
	if !e.sentryEnabled {
		return
	}
	sentry.CaptureException(err)
}
