package client

import (
	"context"
	"fmt"

	natsclient "github.com/nats-io/nats.go"
	"github.com/wehubfusion/Daedalus/internal/nats"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"go.uber.org/zap"
)

// Client is the central JetStream client that manages the connection and
// provides access to the messaging services.
//
// The SDK uses JetStream exclusively. Standard NATS publish/subscribe is not
// supported.
//
// Example usage:
//
//	c := client.NewClient("nats://localhost:4222")
//	if err := c.Connect(ctx); err != nil {
//	    logger.Fatal("Failed to connect", zap.Error(err))
//	}
//	defer c.Close()
//
//	msg := message.NewRunMessage("graph-1", "run-1")
//	c.Messages.Publish(ctx, "runs.graph-1", msg)
type Client struct {
	conn   *natsclient.Conn
	js     natsclient.JetStreamContext
	config *nats.ConnectionConfig
	logger *zap.Logger

	// Messages provides run message publishing, pull consumption, and result
	// reporting over JetStream.
	Messages *message.MessageService
}

// ConnectionStats reports counters from the underlying NATS connection.
type ConnectionStats struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

// NewClient creates a client for the given NATS URL using default connection
// settings. Call Connect to establish the connection.
func NewClient(url string) *Client {
	return NewClientWithConfig(nats.DefaultConnectionConfig(url))
}

// NewClientWithConfig creates a client with explicit connection settings.
func NewClientWithConfig(config *nats.ConnectionConfig) *Client {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: config,
		logger: logger,
	}
}

// NewClientWithJSContext creates a client wired to a provided JSContext
// implementation. Useful for tests and for embedding into processes that
// already manage their own NATS connection. Connect must not be called on
// the result.
func NewClientWithJSContext(js message.JSContext) *Client {
	logger := zap.NewNop()
	config := nats.DefaultConnectionConfig("")
	return &Client{
		config: config,
		logger: logger,
		Messages: message.NewMessageService(js, logger).
			WithResultStream(config.ResultStream, config.ResultSubject),
	}
}

// SetLogger replaces the client logger. Call it before Connect so the
// connection handlers and services pick it up.
func (c *Client) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Connect establishes the NATS connection and initializes the JetStream
// context and the Messages service. Calling Connect on an already connected
// client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	conn, err := nats.Connect(ctx, c.config, c.logger)
	if err != nil {
		return sdkerrors.NewInternalError("failed to connect to NATS", "connection_failed", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return sdkerrors.NewInternalError("JetStream is not enabled on the server", "jetstream_not_enabled", err)
	}

	c.conn = conn
	c.js = js
	c.Messages = message.NewMessageService(message.WrapNATSJetStream(js), c.logger).
		WithResultStream(c.config.ResultStream, c.config.ResultSubject).
		WithMaxDeliver(c.config.MaxDeliver).
		WithPublishRetries(c.config.PublishMaxRetries)

	c.logger.Info("Client connected",
		zap.String("url", c.config.URL),
		zap.String("name", c.config.Name))
	return nil
}

// Close drains the connection and releases the client resources. Safe to call
// on a client that never connected.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	err := nats.Close(c.conn)
	c.conn = nil
	c.js = nil
	c.Messages = nil
	if err != nil {
		return sdkerrors.NewInternalError("failed to close NATS connection", "close_failed", err)
	}
	c.logger.Info("Client closed")
	return nil
}

// IsConnected reports whether the underlying connection is established.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Connection exposes the raw NATS connection for advanced use. Returns nil
// before Connect.
func (c *Client) Connection() *natsclient.Conn {
	return c.conn
}

// JetStream exposes the raw JetStream context for advanced use. Returns nil
// before Connect.
func (c *Client) JetStream() natsclient.JetStreamContext {
	return c.js
}

// Stats returns counters from the underlying connection.
func (c *Client) Stats() (ConnectionStats, error) {
	if err := c.ensureConnected(); err != nil {
		return ConnectionStats{}, err
	}
	stats := c.conn.Stats()
	return ConnectionStats{
		InMsgs:     stats.InMsgs,
		OutMsgs:    stats.OutMsgs,
		InBytes:    stats.InBytes,
		OutBytes:   stats.OutBytes,
		Reconnects: stats.Reconnects,
	}, nil
}

// Ping verifies the connection by flushing the outbound buffer and waiting
// for the server acknowledgment.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- c.conn.FlushTimeout(c.config.Timeout)
	}()

	select {
	case err := <-done:
		if err != nil {
			return sdkerrors.NewInternalError("ping failed", "ping_failed", err)
		}
		return nil
	case <-ctx.Done():
		return sdkerrors.NewInternalError("ping cancelled", "ping_failed", ctx.Err())
	}
}

func (c *Client) ensureConnected() error {
	if c.conn == nil || !c.conn.IsConnected() {
		return sdkerrors.NewInternalError(fmt.Sprintf("client is not connected to %s", c.config.URL), "not_connected", sdkerrors.ErrNotConnected)
	}
	return nil
}
