// Package remote provides an executor that delegates node execution to an
// external gRPC service.
//
// Calls are encoded as JSON over unary gRPC, so the service side needs no
// protobuf definitions. The request carries the node name, resolved inputs,
// task parameters, and optionally the window rows; the response returns the
// outputs to merge into the scope:
//
//	{"node": "score", "inputs": {"rows": [...]}, "params": {"model": "m1"}}
//	{"outputs": {"scores": [0.2, 0.9]}}
//
// Connections are plaintext; run executor services behind mesh TLS when the
// network is untrusted.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/scope"
)

// Type is the executor name used in graph definitions.
const Type = "remote"

const (
	defaultMethod  = "/daedalus.v1.NodeExecutor/Execute"
	defaultTimeout = 30 * time.Second
)

// Register installs the remote executor factory into a registry.
func Register(r *engine.Registry) error {
	return r.Register(Type, New)
}

// Config holds the remote executor configuration.
type Config struct {
	// Target is the gRPC target, e.g. "executor.svc:9090".
	Target string `json:"target"`

	// Method is the full unary method name invoked for each execution.
	Method string `json:"method,omitempty"`

	// Timeout bounds a single call. Accepts Go duration strings.
	Timeout time.Duration `json:"-"`

	// SendRows includes the window rows in every request. Off by default
	// to keep requests small; services that need rows opt in.
	SendRows bool `json:"sendRows,omitempty"`

	// HealthService names the service queried by health checks. Empty
	// checks the server as a whole.
	HealthService string `json:"healthService,omitempty"`
}

// UnmarshalJSON parses the timeout from its string form.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		Timeout string `json:"timeout,omitempty"`
		*Alias
	}{Alias: (*Alias)(c)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.Timeout != "" {
		d, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", aux.Timeout, err)
		}
		c.Timeout = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Method == "" {
		c.Method = defaultMethod
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

func (c *Config) validate() error {
	if c.Target == "" {
		return fmt.Errorf("remote target cannot be empty")
	}
	return nil
}

type executeRequest struct {
	Node     string         `json:"node"`
	WindowID string         `json:"windowId,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Rows     []any          `json:"rows,omitempty"`
}

type executeResponse struct {
	Outputs map[string]any `json:"outputs,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Executor forwards node executions to a gRPC node executor service.
type Executor struct {
	conn          grpc.ClientConnInterface
	closer        io.Closer
	method        string
	timeout       time.Duration
	sendRows      bool
	healthService string
}

// New connects to the configured target and returns the executor. The
// connection is lazy, so New succeeds even when the service is down; the
// first call or health check surfaces connectivity problems.
func New(config json.RawMessage) (engine.Executor, error) {
	var cfg Config
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("parsing remote config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(cfg.Target,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Target, err)
	}

	return &Executor{
		conn:          conn,
		closer:        conn,
		method:        cfg.Method,
		timeout:       cfg.Timeout,
		sendRows:      cfg.SendRows,
		healthService: cfg.HealthService,
	}, nil
}

// Execute resolves the scope's inputs, invokes the remote method, and writes
// the returned outputs back to the scope.
func (e *Executor) Execute(ctx context.Context, sc *scope.Scope) error {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	inputs, err := sc.Inputs(callCtx)
	if err != nil {
		return fmt.Errorf("resolving inputs: %w", err)
	}

	req := executeRequest{
		Node:   sc.Name(),
		Inputs: inputs,
	}

	if t := sc.Task(); t != nil {
		params, err := t.ParamsMap()
		if err != nil {
			return fmt.Errorf("decoding task params: %w", err)
		}
		req.Params = params
	}

	if w := sc.Window(); w != nil {
		req.WindowID = w.ID()
		if e.sendRows {
			data, err := w.JSON()
			if err != nil {
				return fmt.Errorf("rendering window rows: %w", err)
			}
			if err := json.Unmarshal(data, &req.Rows); err != nil {
				return fmt.Errorf("decoding window rows: %w", err)
			}
		}
	}

	var resp executeResponse
	if err := e.conn.Invoke(callCtx, e.method, &req, &resp, grpc.CallContentSubtype(codecName)); err != nil {
		return fmt.Errorf("calling %s: %w", e.method, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("remote node failed: %s", resp.Error)
	}

	if len(resp.Outputs) == 0 {
		return nil
	}
	return sc.SetOutputs(resp.Outputs)
}

// Health checks the remote service over the standard gRPC health protocol.
func (e *Executor) Health(ctx context.Context) error {
	client := grpc_health_v1.NewHealthClient(e.conn)
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: e.healthService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("remote executor not serving: %s", resp.GetStatus())
	}
	return nil
}

// Close releases the underlying connection.
func (e *Executor) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer.Close()
}
