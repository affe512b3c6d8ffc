package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
)

// duration decodes YAML duration strings like "90s" or "2m".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// serveConfig is the YAML configuration consumed by `daedalus serve`.
type serveConfig struct {
	// Environment tags logs, traces, and Sentry events; "development"
	// switches to a console logger.
	Environment string `yaml:"environment,omitempty"`

	NATS      natsConfig     `yaml:"nats"`
	Runner    runnerConfig   `yaml:"runner"`
	Callbacks callbackConfig `yaml:"callbacks,omitempty"`
	Storage   storageConfig  `yaml:"storage,omitempty"`
	Tracing   tracingConfig  `yaml:"tracing,omitempty"`
	Sentry    sentryConfig   `yaml:"sentry,omitempty"`
}

type natsConfig struct {
	URL           string   `yaml:"url"`
	Name          string   `yaml:"name,omitempty"`
	Username      string   `yaml:"username,omitempty"`
	Password      string   `yaml:"password,omitempty"`
	Token         string   `yaml:"token,omitempty"`
	MaxDeliver    int      `yaml:"maxDeliver,omitempty"`
	ResultStream  string   `yaml:"resultStream,omitempty"`
	ResultSubject string   `yaml:"resultSubject,omitempty"`
	ReconnectWait duration `yaml:"reconnectWait,omitempty"`
}

type runnerConfig struct {
	Stream         string   `yaml:"stream"`
	Consumer       string   `yaml:"consumer"`
	BatchSize      int      `yaml:"batchSize,omitempty"`
	Workers        int      `yaml:"workers,omitempty"`
	ProcessTimeout duration `yaml:"processTimeout,omitempty"`
	WindowSize     int      `yaml:"windowSize,omitempty"`
}

type callbackConfig struct {
	Subject    string   `yaml:"subject,omitempty"`
	MaxRetries int      `yaml:"maxRetries,omitempty"`
	RetryDelay duration `yaml:"retryDelay,omitempty"`
}

type storageConfig struct {
	ConnectionString string `yaml:"connectionString,omitempty"`
	Container        string `yaml:"container,omitempty"`
}

type tracingConfig struct {
	Enabled     bool    `yaml:"enabled,omitempty"`
	Endpoint    string  `yaml:"endpoint,omitempty"`
	SampleRatio float64 `yaml:"sampleRatio,omitempty"`
}

type sentryConfig struct {
	DSN string `yaml:"dsn,omitempty"`
}

// loadServeConfig reads, decodes, and defaults the serve configuration.
func loadServeConfig(path string) (*serveConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg serveConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *serveConfig) applyDefaults() {
	if c.Runner.Stream == "" {
		c.Runner.Stream = "RUNS"
	}
	if c.Runner.Consumer == "" {
		c.Runner.Consumer = "daedalus-workers"
	}
	if c.Runner.BatchSize <= 0 {
		c.Runner.BatchSize = 16
	}
	if c.Runner.Workers <= 0 {
		// Auto-sized from the effective CPU count, cgroup-aware.
		c.Runner.Workers = concurrency.LoadConfig().RunnerWorkers
	}
	if c.Runner.ProcessTimeout <= 0 {
		c.Runner.ProcessTimeout = duration(2 * time.Minute)
	}
	if c.Callbacks.Subject != "" {
		if c.Callbacks.MaxRetries <= 0 {
			c.Callbacks.MaxRetries = 3
		}
		if c.Callbacks.RetryDelay <= 0 {
			c.Callbacks.RetryDelay = duration(time.Second)
		}
	}
	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = 1.0
	}
	if c.Storage.ConnectionString != "" && c.Storage.Container == "" {
		c.Storage.Container = "daedalus"
	}
}

func (c *serveConfig) validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	return nil
}

// connectionConfig maps the YAML settings onto the NATS connection config,
// keeping its defaults for anything unset.
func (c *serveConfig) connectionConfig() *nats.ConnectionConfig {
	cc := nats.DefaultConnectionConfig(c.NATS.URL)
	if c.NATS.Name != "" {
		cc.Name = c.NATS.Name
	}
	cc.Username = c.NATS.Username
	cc.Password = c.NATS.Password
	cc.Token = c.NATS.Token
	if c.NATS.MaxDeliver > 0 {
		cc.MaxDeliver = c.NATS.MaxDeliver
	}
	if c.NATS.ResultStream != "" {
		cc.ResultStream = c.NATS.ResultStream
	}
	if c.NATS.ResultSubject != "" {
		cc.ResultSubject = c.NATS.ResultSubject
	}
	if c.NATS.ReconnectWait > 0 {
		cc.ReconnectWait = time.Duration(c.NATS.ReconnectWait)
	}
	return cc
}
