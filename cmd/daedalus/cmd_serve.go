package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/callback"
	"github.com/wehubfusion/Daedalus/pkg/client"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

var serveFlags struct {
	configPath string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume graph runs from NATS JetStream",
	Long: `Serve connects to NATS, provisions the work stream and durable consumer,
and processes run messages with a worker pool until interrupted.

Graph definitions arrive inside the run messages; the config file provides
the connection, stream, and integration settings. See the callbacks, storage,
tracing, and sentry sections for the optional integrations.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveFlags.configPath, "config", "c", "daedalus.yaml", "Path to the runner configuration file")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(serveFlags.configPath)
	if err != nil {
		return err
	}

	logger, err := serveLogger(cfg.Environment)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Environment,
			Release:     version,
		})
		if err != nil {
			return fmt.Errorf("initializing sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := client.NewClientWithConfig(cfg.connectionConfig())
	cli.SetLogger(logger)
	if err := cli.Connect(ctx); err != nil {
		return err
	}
	defer cli.Close()

	reg, err := builtinRegistry()
	if err != nil {
		return err
	}

	// One limiter shared across messages caps total in-flight windows.
	limiter := concurrency.NewLimiter(concurrency.LoadConfig().MaxConcurrent)

	processor := runner.NewGraphProcessor(reg, logger).
		WithMessageService(cli.Messages).
		WithLimiter(limiter)
	if cfg.Runner.WindowSize > 0 {
		processor = processor.WithWindowSize(cfg.Runner.WindowSize)
	}
	if cfg.Sentry.DSN != "" {
		processor = processor.WithSentry()
	}

	if cfg.Storage.ConnectionString != "" {
		blob, err := storage.NewAzureBlobClient(cfg.Storage.ConnectionString, cfg.Storage.Container, logger)
		if err != nil {
			return fmt.Errorf("building blob client: %w", err)
		}
		cli.Messages.WithBlobStorage(blob)
		processor = processor.WithArchive(storage.NewRunArchiveClient(blob, logger))
	}

	var tracing *runner.TracingConfig
	if cfg.Tracing.Enabled {
		tc := runner.EnvTracingConfig("daedalus-runner")
		tc.ServiceVersion = version
		if cfg.Environment != "" {
			tc.Environment = cfg.Environment
		}
		if cfg.Tracing.Endpoint != "" {
			tc.OTLPEndpoint = cfg.Tracing.Endpoint
		}
		if cfg.Tracing.SampleRatio > 0 {
			tc.SampleRatio = cfg.Tracing.SampleRatio
		}
		tracing = &tc
	}

	r, err := runner.NewRunner(cli, processor,
		cfg.Runner.Stream, cfg.Runner.Consumer,
		cfg.Runner.BatchSize, cfg.Runner.Workers,
		time.Duration(cfg.Runner.ProcessTimeout), logger, tracing)
	if err != nil {
		return err
	}
	defer r.Close()

	if cfg.Callbacks.Subject != "" {
		r = r.WithCallbacks(callback.NewCallbackHandlerWithConfig(cli.JetStream(), &callback.Config{
			Subject:       cfg.Callbacks.Subject,
			MaxRetries:    cfg.Callbacks.MaxRetries,
			RetryDelay:    time.Duration(cfg.Callbacks.RetryDelay),
			EnableLogging: true,
			Logger:        logger,
		}))
	}

	logger.Info("Runner starting",
		zap.String("stream", cfg.Runner.Stream),
		zap.String("consumer", cfg.Runner.Consumer),
		zap.Int("workers", cfg.Runner.Workers),
		zap.Int("batch_size", cfg.Runner.BatchSize))

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Runner stopped")
	return nil
}

// serveLogger builds the process logger. Production JSON output unless the
// environment is explicitly "development".
func serveLogger(environment string) (*zap.Logger, error) {
	if environment == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
