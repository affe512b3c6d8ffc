// Package runner pulls run requests from a NATS JetStream consumer and drives
// them through a Processor on a bounded worker pool, with automatic result
// reporting, lifecycle callbacks, and per-message tracing.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/callback"
	"github.com/wehubfusion/Daedalus/pkg/client"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Processor turns one run request into a result. A nil error means the run
// succeeded and the returned result carries its outputs; on error the runner
// reports the failure and the result is ignored.
type Processor interface {
	Process(ctx context.Context, msg *message.Message) (*message.ResultMessage, error)
}

// Runner manages concurrent run processing from a NATS JetStream consumer.
// It pulls messages in batches and distributes them to worker goroutines,
// reporting success and failure through the client's message service.
type Runner struct {
	client          *client.Client
	processor       Processor
	stream          string
	consumer        string
	batchSize       int
	numWorkers      int
	logger          *zap.Logger
	processTimeout  time.Duration
	tracer          trace.Tracer
	tracingShutdown func(context.Context) error
	callbacks       *callback.CallbackHandler
}

// NewRunner creates a Runner on a connected client. The stream and consumer
// are created if they do not exist. batchSize bounds how many messages one
// fetch pulls, numWorkers the processing goroutines, and processTimeout the
// time allowed per message. tracingConfig is optional; when provided, tracing
// is set up here and shut down by Close.
func NewRunner(client *client.Client, processor Processor, stream, consumer string, batchSize int, numWorkers int, processTimeout time.Duration, logger *zap.Logger, tracingConfig *TracingConfig) (*Runner, error) {
	if client == nil {
		return nil, errors.New("client cannot be nil")
	}
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream name cannot be empty")
	}
	if consumer == "" {
		return nil, errors.New("consumer name cannot be empty")
	}
	if batchSize <= 0 {
		return nil, errors.New("batchSize must be greater than 0")
	}
	if numWorkers <= 0 {
		return nil, errors.New("numWorkers must be greater than 0")
	}
	if processTimeout <= 0 {
		return nil, errors.New("processTimeout must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if client.Messages == nil {
		return nil, errors.New("client is not connected")
	}

	ctx := context.Background()
	if err := client.Messages.EnsureStream(ctx, stream); err != nil {
		return nil, fmt.Errorf("failed to ensure stream %q exists: %w", stream, err)
	}
	if err := client.Messages.EnsureConsumer(ctx, stream, consumer); err != nil {
		return nil, fmt.Errorf("failed to ensure consumer %q exists: %w", consumer, err)
	}

	runner := &Runner{
		client:         client,
		processor:      processor,
		stream:         stream,
		consumer:       consumer,
		batchSize:      batchSize,
		numWorkers:     numWorkers,
		processTimeout: processTimeout,
		logger:         logger,
		tracer:         otel.Tracer("daedalus/runner"),
	}

	if tracingConfig != nil {
		shutdown, err := tracing.SetupTracing(ctx, tracingConfig.toInternalConfig(), logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			runner.tracingShutdown = shutdown
			logger.Info("Tracing setup complete",
				zap.String("service", tracingConfig.ServiceName),
				zap.String("endpoint", tracingConfig.OTLPEndpoint))
		}
	}

	return runner, nil
}

// WithCallbacks attaches a lifecycle callback handler. The runner then
// publishes run-started, run-completed, and run-failed events around each
// message. Event publish failures are logged, never fatal.
func (r *Runner) WithCallbacks(cb *callback.CallbackHandler) *Runner {
	r.callbacks = cb
	return r
}

// Close shuts down the runner's tracing provider if one was set up.
func (r *Runner) Close() error {
	if r.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.tracingShutdown(ctx); err != nil {
			r.logger.Error("Error shutting down tracing", zap.Error(err))
			return err
		}
		r.logger.Info("Tracing shutdown complete")
	}
	return nil
}

// Run starts the processing pipeline: a puller goroutine fetches batches and
// worker goroutines process them. Blocks until the context is cancelled and
// all workers have finished.
func (r *Runner) Run(ctx context.Context) error {
	messageChan := make(chan *message.Message, r.batchSize)

	var wg sync.WaitGroup

	for i := 0; i < r.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, messageChan)
		}(i)
	}

	go func() {
		defer close(messageChan)

		backoffDelay := 100 * time.Millisecond
		maxBackoff := 5 * time.Second

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Shutting down message puller")
				return
			default:
				messages, err := r.client.Messages.PullMessages(ctx, r.stream, r.consumer, r.batchSize)
				if err != nil {
					if ctx.Err() != nil {
						r.logger.Debug("Message pulling stopped due to context cancellation")
						return
					}
					r.logger.Error("Error pulling messages", zap.Error(err))
					select {
					case <-time.After(backoffDelay):
					case <-ctx.Done():
						return
					}
					if backoffDelay < maxBackoff {
						backoffDelay *= 2
					}
					continue
				}

				if len(messages) == 0 {
					// Idle stream, short wait to avoid busy polling.
					select {
					case <-time.After(500 * time.Millisecond):
					case <-ctx.Done():
						return
					}
					continue
				}

				backoffDelay = 100 * time.Millisecond

				for _, msg := range messages {
					select {
					case messageChan <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		r.logger.Info("Runner completed")
		return nil
	case <-ctx.Done():
		r.logger.Info("Runner stopped due to context cancellation")
		return ctx.Err()
	}
}

// worker processes messages from the channel until it closes.
func (r *Runner) worker(ctx context.Context, workerID int, messageChan <-chan *message.Message) {
	r.logger.Info("Worker started", zap.Int("worker_id", workerID))
	defer r.logger.Info("Worker stopped", zap.Int("worker_id", workerID))

	for {
		select {
		case msg, ok := <-messageChan:
			if !ok {
				return
			}
			r.processMessage(ctx, workerID, msg)
		case <-ctx.Done():
			return
		}
	}
}

// processMessage drives one run request through the processor and reports the
// outcome.
func (r *Runner) processMessage(ctx context.Context, workerID int, msg *message.Message) {
	var graphID, runID string
	if msg.Run != nil {
		graphID = msg.Run.GraphID
		runID = msg.Run.RunID
	}

	ctx, span := r.tracer.Start(ctx, "runner.processMessage",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("graph.id", graphID),
			attribute.String("run.id", runID),
			attribute.String("stream", r.stream),
			attribute.String("consumer", r.consumer),
		))
	defer span.End()

	processCtx, cancel := context.WithTimeout(ctx, r.processTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		r.logger.Info("Skipping run due to context cancellation",
			zap.Int("worker_id", workerID),
			zap.String("graph_id", graphID),
			zap.String("run_id", runID))
		span.SetStatus(codes.Error, "Context cancelled before processing")
		return
	default:
	}

	start := time.Now()
	r.logger.Info("Worker processing run request",
		zap.Int("worker_id", workerID),
		zap.String("graph_id", graphID),
		zap.String("run_id", runID))

	r.emitStarted(msg, graphID, runID)

	processCtx, processSpan := r.tracer.Start(processCtx, "processor.Process")
	if msg.Task != nil {
		processSpan.SetAttributes(attribute.String("task.type", msg.Task.Type))
	}
	processSpan.SetAttributes(
		attribute.Int("graph.nodes", len(msg.Nodes)),
		attribute.Bool("payload.blob", msg.Payload.HasBlobReference()),
		attribute.String("message.created_at", msg.CreatedAt),
	)
	defer processSpan.End()

	result, processErr := r.safeProcess(processCtx, msg)
	processingTime := time.Since(start)

	span.SetAttributes(attribute.Int64("processing.duration_ms", processingTime.Milliseconds()))
	processSpan.SetAttributes(attribute.Int64("processing.duration_ms", processingTime.Milliseconds()))

	if processErr == nil && result == nil {
		processErr = errors.New("processor returned no result")
	}

	if processErr != nil {
		span.RecordError(processErr)
		span.SetStatus(codes.Error, processErr.Error())
		processSpan.RecordError(processErr)
		processSpan.SetStatus(codes.Error, processErr.Error())

		r.logger.Error("Error processing run",
			zap.Int("worker_id", workerID),
			zap.Duration("processing_time", processingTime),
			zap.String("graph_id", graphID),
			zap.String("run_id", runID),
			zap.Error(processErr))

		// Report on a fresh context so shutdown does not lose the failure.
		if graphID != "" && runID != "" {
			reportCtx, reportCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if reportErr := r.client.Messages.ReportError(reportCtx, graphID, runID, "", msg.CorrelationID, processErr, msg.GetNATSMsg()); reportErr != nil {
				r.logger.Error("Error reporting failure",
					zap.Int("worker_id", workerID),
					zap.String("graph_id", graphID),
					zap.String("run_id", runID),
					zap.Error(reportErr))
			}
			reportCancel()
		} else {
			if nakErr := msg.Nak(); nakErr != nil {
				r.logger.Error("Error naking message after processing failure",
					zap.Int("worker_id", workerID),
					zap.Error(nakErr))
			}
		}

		r.emitFailed(msg, graphID, runID, processErr)
		return
	}

	span.SetStatus(codes.Ok, "Run processed")
	processSpan.SetStatus(codes.Ok, "Run processed")
	span.SetAttributes(
		attribute.String("result.status", string(result.Status)),
		attribute.Int("result.windows", result.Windows),
	)

	r.logger.Info("Run processed",
		zap.Int("worker_id", workerID),
		zap.String("graph_id", graphID),
		zap.String("run_id", runID),
		zap.Int("windows", result.Windows),
		zap.Duration("processing_time", processingTime))

	if result.CorrelationID == "" {
		result.CorrelationID = msg.CorrelationID
	}
	reportCtx, reportCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if reportErr := r.client.Messages.ReportSuccess(reportCtx, result, msg.GetNATSMsg()); reportErr != nil {
		r.logger.Error("Error reporting success",
			zap.Int("worker_id", workerID),
			zap.String("graph_id", graphID),
			zap.String("run_id", runID),
			zap.Error(reportErr))
	}
	reportCancel()

	r.emitCompleted(msg, graphID, runID, processingTime)
}

// safeProcess shields the worker from processor panics; a panic is captured
// to Sentry and surfaced as a processing error.
func (r *Runner) safeProcess(ctx context.Context, msg *message.Message) (result *message.ResultMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("processor panic: %v", rec)
			sentry.CaptureException(err)
			r.logger.Error("Processor panicked", zap.Any("panic", rec))
		}
	}()
	return r.processor.Process(ctx, msg)
}

func (r *Runner) emitStarted(msg *message.Message, graphID, runID string) {
	if r.callbacks == nil || graphID == "" || runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.callbacks.RunStarted(ctx, graphID, runID, msg.CorrelationID, 0); err != nil {
		r.logger.Warn("Failed to publish run-started event", zap.Error(err))
	}
}

func (r *Runner) emitCompleted(msg *message.Message, graphID, runID string, duration time.Duration) {
	if r.callbacks == nil || graphID == "" || runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.callbacks.RunCompleted(ctx, graphID, runID, msg.CorrelationID, duration); err != nil {
		r.logger.Warn("Failed to publish run-completed event", zap.Error(err))
	}
}

func (r *Runner) emitFailed(msg *message.Message, graphID, runID string, runErr error) {
	if r.callbacks == nil || graphID == "" || runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.callbacks.RunFailed(ctx, graphID, runID, msg.CorrelationID, runErr.Error()); err != nil {
		r.logger.Warn("Failed to publish run-failed event", zap.Error(err))
	}
}
