package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/iteration"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/schema"
	"github.com/wehubfusion/Daedalus/pkg/scope"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/values"
	"github.com/wehubfusion/Daedalus/pkg/window"
)

// GraphProcessor is the standard Processor: it turns a run request into
// engine runs, one per payload window. Rows arrive inline or behind a blob
// reference, get sliced into bounded windows, and each window executes the
// message's node graph over a fresh scope tree. Window outputs are combined
// into one result and optionally archived per window.
type GraphProcessor struct {
	registry  *engine.Registry
	service   *message.MessageService
	archive   *storage.RunArchiveClient
	validator *schema.Validator
	limiter   *concurrency.Limiter
	config    *concurrency.Config
	maxRows   int
	sentryOn  bool
	logger    *zap.Logger
	metrics   *engine.Metrics
}

// windowOutput is one window's merged root view inside the combined result.
type windowOutput struct {
	WindowID string      `json:"windowId,omitempty"`
	Rows     int         `json:"rows"`
	Outputs  values.View `json:"outputs"`
}

// NewGraphProcessor creates a processor executing graphs with the given
// executor registry. Concurrency settings load from the environment; override
// them with WithConcurrency.
func NewGraphProcessor(registry *engine.Registry, logger *zap.Logger) *GraphProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphProcessor{
		registry:  registry,
		validator: schema.NewValidator(),
		config:    concurrency.LoadConfig(),
		logger:    logger,
		metrics:   engine.NewMetrics(),
	}
}

// WithMessageService attaches the message service whose blob storage resolves
// payload references.
func (p *GraphProcessor) WithMessageService(svc *message.MessageService) *GraphProcessor {
	p.service = svc
	return p
}

// WithArchive attaches a run archive; every window's outcome is then recorded
// under runs/<graph>/<run>/windows.json. Archive failures are logged, never
// fatal.
func (p *GraphProcessor) WithArchive(archive *storage.RunArchiveClient) *GraphProcessor {
	p.archive = archive
	return p
}

// WithConcurrency overrides the environment-derived concurrency settings.
func (p *GraphProcessor) WithConcurrency(config *concurrency.Config) *GraphProcessor {
	if config != nil {
		p.config = config
	}
	return p
}

// WithLimiter bounds concurrent window executions across every in-flight
// message with a shared limiter.
func (p *GraphProcessor) WithLimiter(limiter *concurrency.Limiter) *GraphProcessor {
	p.limiter = limiter
	return p
}

// WithWindowSize bounds each window's row count. Zero or negative means one
// window covering the whole payload.
func (p *GraphProcessor) WithWindowSize(maxRows int) *GraphProcessor {
	p.maxRows = maxRows
	return p
}

// WithSentry enables node-failure capture to an initialized Sentry hub.
func (p *GraphProcessor) WithSentry() *GraphProcessor {
	p.sentryOn = true
	return p
}

// Metrics returns the engine metrics aggregated across every run this
// processor executed.
func (p *GraphProcessor) Metrics() *engine.Metrics {
	return p.metrics
}

// Process implements Processor.
func (p *GraphProcessor) Process(ctx context.Context, msg *message.Message) (*message.ResultMessage, error) {
	if msg == nil {
		return nil, sdkerrors.NewBadRequestError("message is nil", "invalid_message", nil)
	}
	if err := msg.Validate(); err != nil {
		return nil, sdkerrors.NewBadRequestError("invalid run request", "invalid_message", err)
	}

	graphID := msg.Run.GraphID
	runID := msg.Run.RunID
	logger := p.logger.With(zap.String("graph_id", graphID), zap.String("run_id", runID))
	start := time.Now()

	def, err := msg.GraphDefinition()
	if err != nil {
		return nil, sdkerrors.NewBadRequestError("invalid graph definition", "invalid_graph", err)
	}

	if err := p.validateTaskParams(msg); err != nil {
		return nil, err
	}

	nodes, err := engine.NodesFromDefinition(def, p.registry)
	if err != nil {
		return nil, sdkerrors.NewBadRequestError("cannot build graph nodes", "unknown_executor", err)
	}

	windows, err := p.produceWindows(ctx, msg, def, logger)
	if err != nil {
		return nil, err
	}

	eng := engine.New(logger).
		WithMode(p.config.EngineMode).
		WithMetrics(p.metrics)
	if p.sentryOn {
		eng = eng.WithSentry()
	}

	items := make([]any, len(windows))
	for i, tw := range windows {
		items[i] = tw
	}

	iterator := iteration.NewIterator(iteration.Config{
		Strategy:      p.windowStrategy(),
		MaxConcurrent: p.config.MaxConcurrent,
	})

	results, err := iterator.Process(ctx, items, func(ctx context.Context, item any, index int) (any, error) {
		return p.runWindow(ctx, eng, nodes, graphID, runID, item.(window.TaskedWindow))
	})
	if err != nil {
		return nil, err
	}

	outputs := make([]*windowOutput, len(results))
	for i, res := range results {
		outputs[i] = res.(*windowOutput)
	}

	combined, err := json.Marshal(outputs)
	if err != nil {
		return nil, sdkerrors.NewInternalError("failed to encode run outputs", "encode_failed", err)
	}

	result := message.NewResultMessage(graphID, runID, message.StatusSuccess).
		WithCorrelationID(msg.CorrelationID).
		WithOutputs(combined).
		WithWindows(len(outputs)).
		WithDuration(time.Since(start))
	if len(outputs) == 1 && outputs[0].WindowID != "" {
		result.WithWindowID(outputs[0].WindowID)
	}

	logger.Info("Run executed",
		zap.Int("windows", len(outputs)),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// runWindow executes the graph once over one window and archives the outcome.
func (p *GraphProcessor) runWindow(ctx context.Context, eng *engine.Engine, nodes []*engine.Node, graphID, runID string, tw window.TaskedWindow) (*windowOutput, error) {
	windowID := ""
	rows := 0
	if tw.Window != nil {
		windowID = tw.Window.ID()
		rows = tw.Window.RowCount()
	}

	windowStart := time.Now()
	state := scope.NewTaskState(tw.Task, tw.Window)

	var view values.View
	run := func() error {
		v, err := eng.Run(ctx, state, nodes)
		if err != nil {
			return err
		}
		view = v
		return nil
	}

	var runErr error
	if p.limiter != nil {
		runErr = p.limiter.GoSync(ctx, run)
	} else {
		runErr = run()
	}
	durationMs := time.Since(windowStart).Milliseconds()

	if runErr != nil {
		p.archiveWindow(ctx, graphID, runID, storage.NewWindowRecord(
			windowID, message.StatusFailed, rows, durationMs, nil,
			&storage.WindowError{
				Code:      "run_failed",
				Message:   runErr.Error(),
				Retryable: sdkerrors.IsTransient(runErr),
			}))
		if windowID != "" {
			return nil, fmt.Errorf("window %s: %w", windowID, runErr)
		}
		return nil, runErr
	}

	p.archiveWindow(ctx, graphID, runID, storage.NewWindowRecord(
		windowID, message.StatusSuccess, rows, durationMs, view, nil))

	return &windowOutput{WindowID: windowID, Rows: rows, Outputs: view}, nil
}

// produceWindows turns the message payload into tasked windows. A message
// without a payload runs the graph once with no rows, so config-driven graphs
// still execute. An empty payload yields no windows at all.
func (p *GraphProcessor) produceWindows(ctx context.Context, msg *message.Message, def *graph.Definition, logger *zap.Logger) ([]window.TaskedWindow, error) {
	if msg.Payload == nil {
		return []window.TaskedWindow{{Task: def.Task}}, nil
	}

	rows, err := p.payloadRows(ctx, msg.Payload)
	if err != nil {
		return nil, err
	}

	var opts []batch.Option
	if msg.Payload.IndexField != "" {
		opts = append(opts, batch.WithIndexField(msg.Payload.IndexField))
	}
	b, err := batch.FromJSON(rows, opts...)
	if err != nil {
		return nil, sdkerrors.NewBadRequestError("payload rows are not a JSON array", "invalid_payload", err)
	}

	producer := window.NewProducer(window.Config{MaxRows: p.maxRows, Logger: logger})
	tasked, err := producer.Partition(b, def.Task)
	if err != nil {
		return nil, sdkerrors.NewBadRequestError("failed to window payload", "invalid_payload", err)
	}
	return tasked, nil
}

// payloadRows resolves the payload's rows, downloading them when they live
// behind a blob reference.
func (p *GraphProcessor) payloadRows(ctx context.Context, payload *message.Payload) (json.RawMessage, error) {
	if payload.HasInlineRows() {
		return payload.Rows, nil
	}

	if payload.HasBlobReference() {
		if p.service == nil || p.service.BlobStorage() == nil {
			return nil, sdkerrors.NewInternalError("payload references blob storage but no blob client is configured", "blob_storage_missing", nil)
		}
		data, err := p.service.BlobStorage().DownloadJSON(ctx, payload.BlobReference.URL)
		if err != nil {
			return nil, sdkerrors.NewInternalError("failed to download payload", "payload_download_failed", err)
		}
		return data, nil
	}

	return nil, sdkerrors.NewBadRequestError("payload has neither rows nor a blob reference", "invalid_payload", nil)
}

// validateTaskParams enforces the optional JSON Schema a task spec carries.
func (p *GraphProcessor) validateTaskParams(msg *message.Message) error {
	if msg.Task == nil || len(msg.Task.ParamsSchema) == 0 {
		return nil
	}

	params := msg.Task.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	result, err := p.validator.Validate(msg.Task.ParamsSchema, params)
	if err != nil {
		return sdkerrors.NewBadRequestError("task schema is invalid", "invalid_schema", err)
	}
	if !result.Valid {
		return sdkerrors.NewValidationError(
			fmt.Sprintf("task params rejected: %s", strings.Join(result.Errors, "; ")),
			"schema_mismatch", nil)
	}
	return nil
}

func (p *GraphProcessor) archiveWindow(ctx context.Context, graphID, runID string, record *storage.WindowRecord) {
	if p.archive == nil || record.WindowID == "" {
		return
	}
	if _, err := p.archive.AppendWindow(ctx, graphID, runID, record); err != nil {
		p.logger.Warn("Failed to archive window outcome",
			zap.String("graph_id", graphID),
			zap.String("run_id", runID),
			zap.String("window_id", record.WindowID),
			zap.Error(err))
	}
}

func (p *GraphProcessor) windowStrategy() iteration.Strategy {
	if p.config.WindowMode == concurrency.WindowModeParallel {
		return iteration.StrategyParallel
	}
	return iteration.StrategySequential
}
