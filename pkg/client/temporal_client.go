package client

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/message"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// RunCompletedSignal is the signal name orchestrator workflows listen on for
// run results.
const RunCompletedSignal = "run-completed"

// TemporalClient wraps a Temporal client for signaling orchestrator workflows
// when runs finish.
type TemporalClient struct {
	client client.Client
	logger *zap.Logger
}

// NewTemporalClient creates a Temporal client for signaling. The namespace
// defaults to "default" when empty.
func NewTemporalClient(hostPort string, namespace string, logger *zap.Logger) (*TemporalClient, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if hostPort == "" {
		return nil, fmt.Errorf("hostPort is required")
	}

	if namespace == "" {
		namespace = "default"
	}

	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
	})
	if err != nil {
		logger.Error("Failed to create Temporal client for signaling",
			zap.String("host_port", hostPort),
			zap.String("namespace", namespace),
			zap.Error(err))
		return nil, fmt.Errorf("failed to dial Temporal: %w", err)
	}

	logger.Info("Created Temporal signaling client",
		zap.String("host_port", hostPort),
		zap.String("namespace", namespace))

	return &TemporalClient{
		client: c,
		logger: logger,
	}, nil
}

// SignalWorkflow sends a signal to a Temporal workflow.
func (t *TemporalClient) SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, data interface{}) error {
	err := t.client.SignalWorkflow(ctx, workflowID, runID, signalName, data)
	if err != nil {
		t.logger.Error("Failed to signal workflow",
			zap.String("workflow_id", workflowID),
			zap.String("run_id", runID),
			zap.String("signal_name", signalName),
			zap.Error(err))
		return fmt.Errorf("failed to signal workflow: %w", err)
	}

	t.logger.Debug("Signaled workflow",
		zap.String("workflow_id", workflowID),
		zap.String("run_id", runID),
		zap.String("signal_name", signalName))

	return nil
}

// SignalRunCompleted delivers a run result to the orchestrator workflow that
// is waiting on it.
func (t *TemporalClient) SignalRunCompleted(ctx context.Context, workflowID, runID string, result *message.ResultMessage) error {
	if result == nil {
		return fmt.Errorf("result is required")
	}
	return t.SignalWorkflow(ctx, workflowID, runID, RunCompletedSignal, result)
}

// Close closes the Temporal client.
func (t *TemporalClient) Close() {
	if t.client != nil {
		t.client.Close()
		t.logger.Info("Closed Temporal signaling client")
	}
}
