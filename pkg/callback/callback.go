// Package callback publishes run lifecycle events to JetStream so external
// systems can observe runs without consuming the result stream.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EventType identifies a run lifecycle transition.
type EventType string

const (
	EventRunStarted   EventType = "run-started"
	EventRunCompleted EventType = "run-completed"
	EventRunFailed    EventType = "run-failed"
)

// RunEvent is the wire format for lifecycle callbacks.
type RunEvent struct {
	Event         EventType         `json:"event"`
	GraphID       string            `json:"graphId"`
	RunID         string            `json:"runId"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Windows       int               `json:"windows,omitempty"`
	DurationMs    int64             `json:"durationMs,omitempty"`
	Error         string            `json:"error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	EmittedAt     string            `json:"emittedAt"`
}

// Publisher is the JetStream surface the handler needs. Both a raw
// nats.JetStreamContext and the message package's JSContext satisfy it.
type Publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Config holds configuration for the callback handler.
type Config struct {
	Subject       string        // Subject prefix for events (default: "events.runs")
	MaxRetries    int           // Maximum number of retry attempts (default: 3)
	RetryDelay    time.Duration // Delay between retries (default: 1s)
	EnableLogging bool          // Enable logging of operations (default: true)
	Logger        *zap.Logger   // Custom logger instance (optional, uses default if nil)
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	logger, _ := zap.NewProduction()
	return &Config{
		Subject:       "events.runs",
		MaxRetries:    3,
		RetryDelay:    time.Second,
		EnableLogging: true,
		Logger:        logger,
	}
}

// CallbackHandler publishes run lifecycle events with validation, retry, and
// structured logging.
type CallbackHandler struct {
	publisher Publisher
	config    *Config
	logger    *zap.Logger
}

// NewCallbackHandler creates a callback handler with the default config.
func NewCallbackHandler(publisher Publisher) *CallbackHandler {
	return NewCallbackHandlerWithConfig(publisher, DefaultConfig())
}

// NewCallbackHandlerWithConfig creates a callback handler with custom
// configuration. Pass your own zap logger via config.Logger to integrate with
// the host process logging.
func NewCallbackHandlerWithConfig(publisher Publisher, config *Config) *CallbackHandler {
	logger := config.Logger
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	return &CallbackHandler{
		publisher: publisher,
		config:    config,
		logger:    logger,
	}
}

func (c *CallbackHandler) validateEvent(event *RunEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	if event.Event == "" {
		return fmt.Errorf("event type is required")
	}

	if event.GraphID == "" {
		return fmt.Errorf("event GraphID is required")
	}

	if event.RunID == "" {
		return fmt.Errorf("event RunID is required")
	}

	return nil
}

func (c *CallbackHandler) logOperation(operation string, event *RunEvent, err error) {
	if !c.config.EnableLogging {
		return
	}

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("subject", c.config.Subject),
	}
	if event != nil {
		fields = append(fields,
			zap.String("event", string(event.Event)),
			zap.String("graph_id", event.GraphID),
			zap.String("run_id", event.RunID),
		)
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		c.logger.Error(fmt.Sprintf("Failed to %s event", operation), fields...)
	} else {
		c.logger.Info(fmt.Sprintf("Event %s succeeded", operation), fields...)
	}
}

func (c *CallbackHandler) publishWithRetry(ctx context.Context, subject string, data []byte) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.config.EnableLogging {
				c.logger.Info("Retrying event publish",
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", c.config.MaxRetries+1),
					zap.String("subject", subject),
					zap.Duration("retry_delay", c.config.RetryDelay),
				)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish cancelled during retry: %w", ctx.Err())
			case <-time.After(c.config.RetryDelay):
			}
		}

		_, err := c.publisher.Publish(subject, data)
		if err == nil {
			return nil
		}

		lastErr = err
		if c.config.EnableLogging {
			c.logger.Warn("Event publish attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", c.config.MaxRetries+1),
				zap.String("subject", subject),
				zap.Error(err),
			)
		}
	}

	return fmt.Errorf("publish failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// Callback publishes a lifecycle event to "<subject>.<graphID>". The event
// timestamp is stamped if missing. Returns an error if publishing fails after
// all retry attempts.
func (c *CallbackHandler) Callback(ctx context.Context, event *RunEvent) error {
	if err := c.validateEvent(event); err != nil {
		c.logOperation("validate", event, err)
		return fmt.Errorf("validation failed: %w", err)
	}

	if event.EmittedAt == "" {
		event.EmittedAt = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(event)
	if err != nil {
		c.logOperation("encode", event, err)
		return fmt.Errorf("failed to encode event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", c.config.Subject, event.GraphID)
	if err := c.publishWithRetry(ctx, subject, data); err != nil {
		c.logOperation("publish", event, err)
		return err
	}

	c.logOperation("publish", event, nil)
	return nil
}

// RunStarted reports that processing of a run began.
func (c *CallbackHandler) RunStarted(ctx context.Context, graphID, runID, correlationID string, windows int) error {
	return c.Callback(ctx, &RunEvent{
		Event:         EventRunStarted,
		GraphID:       graphID,
		RunID:         runID,
		CorrelationID: correlationID,
		Windows:       windows,
	})
}

// RunCompleted reports that a run finished successfully.
func (c *CallbackHandler) RunCompleted(ctx context.Context, graphID, runID, correlationID string, duration time.Duration) error {
	return c.Callback(ctx, &RunEvent{
		Event:         EventRunCompleted,
		GraphID:       graphID,
		RunID:         runID,
		CorrelationID: correlationID,
		DurationMs:    duration.Milliseconds(),
	})
}

// RunFailed reports that a run finished with an error.
func (c *CallbackHandler) RunFailed(ctx context.Context, graphID, runID, correlationID, errorMsg string) error {
	return c.Callback(ctx, &RunEvent{
		Event:         EventRunFailed,
		GraphID:       graphID,
		RunID:         runID,
		CorrelationID: correlationID,
		Error:         errorMsg,
	})
}

// GetConfig returns the current configuration.
func (c *CallbackHandler) GetConfig() *Config {
	return c.config
}

// Close flushes the logger. Call when the handler is no longer needed.
func (c *CallbackHandler) Close() error {
	if c.logger != nil {
		return c.logger.Sync()
	}
	return nil
}
