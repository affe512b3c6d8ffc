package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	natsclient "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/callback"
	"github.com/wehubfusion/Daedalus/pkg/client"
	"github.com/wehubfusion/Daedalus/pkg/message"
)

// fakeJS is an in-memory JetStream stand-in. Enqueued messages are handed out
// by Fetch and every publish is recorded by subject.
type fakeJS struct {
	mu        sync.Mutex
	pending   []*natsclient.Msg
	published map[string][][]byte
	streams   map[string]*natsclient.StreamConfig
	consumers map[string]*natsclient.ConsumerConfig
}

func newFakeJS() *fakeJS {
	return &fakeJS{
		published: make(map[string][][]byte),
		streams:   make(map[string]*natsclient.StreamConfig),
		consumers: make(map[string]*natsclient.ConsumerConfig),
	}
}

func (f *fakeJS) enqueue(t *testing.T, msg *message.Message) {
	t.Helper()
	data, err := msg.ToBytes()
	if err != nil {
		t.Fatalf("failed to serialize message: %v", err)
	}
	f.mu.Lock()
	f.pending = append(f.pending, &natsclient.Msg{Subject: "RUNS.test", Data: data})
	f.mu.Unlock()
}

func (f *fakeJS) publishedTo(subject string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.published[subject]))
	copy(out, f.published[subject])
	return out
}

func (f *fakeJS) Publish(subj string, data []byte, opts ...natsclient.PubOpt) (*natsclient.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[subj] = append(f.published[subj], data)
	return &natsclient.PubAck{Stream: "RESULTS", Sequence: uint64(len(f.published[subj]))}, nil
}

func (f *fakeJS) PullSubscribe(subj, durable string, opts ...natsclient.SubOpt) (message.JSSubscription, error) {
	return &fakeSub{js: f}, nil
}

func (f *fakeJS) StreamInfo(stream string, opts ...natsclient.JSOpt) (*natsclient.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.streams[stream]
	if !ok {
		return nil, natsclient.ErrStreamNotFound
	}
	return &natsclient.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJS) AddStream(cfg *natsclient.StreamConfig, opts ...natsclient.JSOpt) (*natsclient.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[cfg.Name] = cfg
	return &natsclient.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJS) UpdateStream(cfg *natsclient.StreamConfig, opts ...natsclient.JSOpt) (*natsclient.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[cfg.Name] = cfg
	return &natsclient.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJS) ConsumerInfo(stream, consumer string, opts ...natsclient.JSOpt) (*natsclient.ConsumerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.consumers[stream+"/"+consumer]; !ok {
		return nil, natsclient.ErrConsumerNotFound
	}
	return &natsclient.ConsumerInfo{Stream: stream, Name: consumer}, nil
}

func (f *fakeJS) AddConsumer(stream string, cfg *natsclient.ConsumerConfig, opts ...natsclient.JSOpt) (*natsclient.ConsumerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumers[stream+"/"+cfg.Durable] = cfg
	return &natsclient.ConsumerInfo{Stream: stream, Name: cfg.Durable}, nil
}

type fakeSub struct {
	js *fakeJS
}

func (s *fakeSub) Fetch(batch int, opts ...natsclient.PullOpt) ([]*natsclient.Msg, error) {
	s.js.mu.Lock()
	defer s.js.mu.Unlock()
	if len(s.js.pending) == 0 {
		return nil, natsclient.ErrTimeout
	}
	n := batch
	if n > len(s.js.pending) {
		n = len(s.js.pending)
	}
	out := s.js.pending[:n]
	s.js.pending = s.js.pending[n:]
	return out, nil
}

func (s *fakeSub) Unsubscribe() error { return nil }

// mockProcessor records the messages it sees and answers with a canned
// result, error, or panic.
type mockProcessor struct {
	mu        sync.Mutex
	processed []*message.Message
	result    *message.ResultMessage
	err       error
	panicMsg  string
}

func (p *mockProcessor) Process(ctx context.Context, msg *message.Message) (*message.ResultMessage, error) {
	p.mu.Lock()
	p.processed = append(p.processed, msg)
	p.mu.Unlock()

	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.result != nil {
		return p.result, nil
	}
	var graphID, runID string
	if msg.Run != nil {
		graphID = msg.Run.GraphID
		runID = msg.Run.RunID
	}
	return message.NewResultMessage(graphID, runID, message.StatusSuccess).WithWindows(1), nil
}

func (p *mockProcessor) processedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processed)
}

func (p *mockProcessor) getProcessed() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*message.Message, len(p.processed))
	copy(out, p.processed)
	return out
}

func newTestRunner(t *testing.T, js *fakeJS, processor Processor) *Runner {
	t.Helper()
	r, err := NewRunner(client.NewClientWithJSContext(js), processor, "RUNS", "workers", 4, 2, 5*time.Second, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}
	return r
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestNewRunnerValidation(t *testing.T) {
	js := newFakeJS()
	connected := client.NewClientWithJSContext(js)
	processor := &mockProcessor{}
	logger := zap.NewNop()

	tests := []struct {
		name    string
		client  *client.Client
		proc    Processor
		stream  string
		cons    string
		batch   int
		workers int
		timeout time.Duration
		logger  *zap.Logger
		wantErr string
	}{
		{"nil client", nil, processor, "RUNS", "workers", 1, 1, time.Second, logger, "client cannot be nil"},
		{"nil processor", connected, nil, "RUNS", "workers", 1, 1, time.Second, logger, "processor cannot be nil"},
		{"empty stream", connected, processor, "", "workers", 1, 1, time.Second, logger, "stream name cannot be empty"},
		{"empty consumer", connected, processor, "RUNS", "", 1, 1, time.Second, logger, "consumer name cannot be empty"},
		{"zero batch size", connected, processor, "RUNS", "workers", 0, 1, time.Second, logger, "batchSize must be greater than 0"},
		{"zero workers", connected, processor, "RUNS", "workers", 1, 0, time.Second, logger, "numWorkers must be greater than 0"},
		{"zero timeout", connected, processor, "RUNS", "workers", 1, 1, 0, logger, "processTimeout must be greater than 0"},
		{"nil logger", connected, processor, "RUNS", "workers", 1, 1, time.Second, nil, "logger cannot be nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.client, tt.proc, tt.stream, tt.cons, tt.batch, tt.workers, tt.timeout, tt.logger, nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}

	t.Run("disconnected client", func(t *testing.T) {
		c := client.NewClient("nats://localhost:4222")
		_, err := NewRunner(c, processor, "RUNS", "workers", 1, 1, time.Second, logger, nil)
		if err == nil || !strings.Contains(err.Error(), "client is not connected") {
			t.Errorf("expected not connected error, got %v", err)
		}
	})
}

func TestNewRunnerEnsuresStreamAndConsumer(t *testing.T) {
	js := newFakeJS()
	newTestRunner(t, js, &mockProcessor{})

	js.mu.Lock()
	defer js.mu.Unlock()

	stream, ok := js.streams["RUNS"]
	if !ok {
		t.Fatal("expected the RUNS stream to be created")
	}
	if len(stream.Subjects) != 1 || stream.Subjects[0] != "RUNS.*" {
		t.Errorf("unexpected stream subjects %v", stream.Subjects)
	}

	consumer, ok := js.consumers["RUNS/workers"]
	if !ok {
		t.Fatal("expected the workers consumer to be created")
	}
	if consumer.AckPolicy != natsclient.AckExplicitPolicy {
		t.Errorf("expected explicit ack policy, got %v", consumer.AckPolicy)
	}
	if consumer.MaxDeliver != 5 {
		t.Errorf("expected default max deliver 5, got %d", consumer.MaxDeliver)
	}
}

func TestRunnerProcessesMessages(t *testing.T) {
	js := newFakeJS()
	for _, runID := range []string{"run-a", "run-b", "run-c"} {
		js.enqueue(t, message.NewRunMessage("graph-1", runID).
			WithCorrelationID("corr-1").
			WithNodes(message.NodeSpec{Name: "extract", Executor: "builtin.passthrough"}))
	}

	processor := &mockProcessor{}
	r := newTestRunner(t, js, processor)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()

	if !waitFor(t, 5*time.Second, func() bool {
		return len(js.publishedTo("result.graph-1")) == 3
	}) {
		t.Fatalf("expected 3 published results, got %d", len(js.publishedTo("result.graph-1")))
	}
	cancel()

	select {
	case err := <-runDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}

	if got := processor.processedCount(); got != 3 {
		t.Errorf("expected 3 processed messages, got %d", got)
	}
	for _, msg := range processor.getProcessed() {
		if msg.Run == nil || msg.Run.GraphID != "graph-1" {
			t.Errorf("processed message lost its run identity: %+v", msg.Run)
		}
	}

	for _, data := range js.publishedTo("result.graph-1") {
		var result message.ResultMessage
		if err := json.Unmarshal(data, &result); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
		if result.Status != message.StatusSuccess {
			t.Errorf("expected success status, got %q", result.Status)
		}
		if result.CorrelationID != "corr-1" {
			t.Errorf("expected correlation carried onto the result, got %q", result.CorrelationID)
		}
	}
}

func TestRunnerReportsProcessorFailure(t *testing.T) {
	js := newFakeJS()
	js.enqueue(t, message.NewRunMessage("graph-err", "run-1").
		WithNodes(message.NodeSpec{Name: "extract", Executor: "builtin.passthrough"}))

	processor := &mockProcessor{err: errors.New("boom")}
	r := newTestRunner(t, js, processor)

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	if !waitFor(t, 5*time.Second, func() bool {
		return len(js.publishedTo("result.graph-err")) == 1
	}) {
		t.Fatal("expected a failure result to be published")
	}

	var result message.ResultMessage
	if err := json.Unmarshal(js.publishedTo("result.graph-err")[0], &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Status != message.StatusFailed {
		t.Errorf("expected failed status, got %q", result.Status)
	}
	if result.Error == nil {
		t.Fatal("expected the result to carry an error")
	}
	if result.Error.Code != "execution_failed" {
		t.Errorf("expected execution_failed code, got %q", result.Error.Code)
	}
	if !strings.Contains(result.Error.Message, "boom") {
		t.Errorf("expected the processor error message, got %q", result.Error.Message)
	}
	if !result.Error.Retryable {
		t.Error("expected an unclassified failure to be retryable")
	}
}

func TestRunnerRecoversFromProcessorPanic(t *testing.T) {
	js := newFakeJS()
	js.enqueue(t, message.NewRunMessage("graph-panic", "run-1").
		WithNodes(message.NodeSpec{Name: "extract", Executor: "builtin.passthrough"}))
	js.enqueue(t, message.NewRunMessage("graph-panic", "run-2").
		WithNodes(message.NodeSpec{Name: "extract", Executor: "builtin.passthrough"}))

	processor := &mockProcessor{panicMsg: "kaboom"}
	r := newTestRunner(t, js, processor)

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	// Both messages produce failure results, so the worker survived the
	// first panic.
	if !waitFor(t, 5*time.Second, func() bool {
		return len(js.publishedTo("result.graph-panic")) == 2
	}) {
		t.Fatalf("expected 2 failure results, got %d", len(js.publishedTo("result.graph-panic")))
	}

	var result message.ResultMessage
	if err := json.Unmarshal(js.publishedTo("result.graph-panic")[0], &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Error == nil || !strings.Contains(result.Error.Message, "processor panic: kaboom") {
		t.Errorf("expected the panic to surface in the result, got %+v", result.Error)
	}
}

type nilResultProcessor struct {
	calls int32
	mu    sync.Mutex
}

func (p *nilResultProcessor) Process(ctx context.Context, msg *message.Message) (*message.ResultMessage, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return nil, nil
}

func TestRunnerRejectsNilResult(t *testing.T) {
	js := newFakeJS()
	js.enqueue(t, message.NewRunMessage("graph-nil", "run-1").
		WithNodes(message.NodeSpec{Name: "extract", Executor: "builtin.passthrough"}))

	r := newTestRunner(t, js, &nilResultProcessor{})

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	if !waitFor(t, 5*time.Second, func() bool {
		return len(js.publishedTo("result.graph-nil")) == 1
	}) {
		t.Fatal("expected a failure result for the nil processor result")
	}

	var result message.ResultMessage
	if err := json.Unmarshal(js.publishedTo("result.graph-nil")[0], &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.Status != message.StatusFailed {
		t.Errorf("expected failed status, got %q", result.Status)
	}
	if result.Error == nil || !strings.Contains(result.Error.Message, "processor returned no result") {
		t.Errorf("unexpected result error %+v", result.Error)
	}
}

func TestRunnerEmitsLifecycleEvents(t *testing.T) {
	js := newFakeJS()
	js.enqueue(t, message.NewRunMessage("graph-ok", "run-1").
		WithNodes(message.NodeSpec{Name: "extract", Executor: "builtin.passthrough"}))

	cb := callback.NewCallbackHandlerWithConfig(js, &callback.Config{
		Subject:    "events.runs",
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		Logger:     zap.NewNop(),
	})
	r := newTestRunner(t, js, &mockProcessor{}).WithCallbacks(cb)

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	if !waitFor(t, 5*time.Second, func() bool {
		return len(js.publishedTo("events.runs.graph-ok")) == 2
	}) {
		t.Fatalf("expected started and completed events, got %d", len(js.publishedTo("events.runs.graph-ok")))
	}

	events := js.publishedTo("events.runs.graph-ok")
	var started, completed callback.RunEvent
	if err := json.Unmarshal(events[0], &started); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if err := json.Unmarshal(events[1], &completed); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if started.Event != callback.EventRunStarted {
		t.Errorf("expected run-started first, got %q", started.Event)
	}
	if completed.Event != callback.EventRunCompleted {
		t.Errorf("expected run-completed second, got %q", completed.Event)
	}
	if completed.RunID != "run-1" {
		t.Errorf("unexpected run id %q", completed.RunID)
	}
}

func TestRunnerEmitsFailedEvent(t *testing.T) {
	js := newFakeJS()
	js.enqueue(t, message.NewRunMessage("graph-ev", "run-1").
		WithNodes(message.NodeSpec{Name: "extract", Executor: "builtin.passthrough"}))

	cb := callback.NewCallbackHandlerWithConfig(js, &callback.Config{
		Subject:    "events.runs",
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
		Logger:     zap.NewNop(),
	})
	r := newTestRunner(t, js, &mockProcessor{err: errors.New("node exploded")}).WithCallbacks(cb)

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	if !waitFor(t, 5*time.Second, func() bool {
		return len(js.publishedTo("events.runs.graph-ev")) == 2
	}) {
		t.Fatalf("expected started and failed events, got %d", len(js.publishedTo("events.runs.graph-ev")))
	}

	var failed callback.RunEvent
	if err := json.Unmarshal(js.publishedTo("events.runs.graph-ev")[1], &failed); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if failed.Event != callback.EventRunFailed {
		t.Errorf("expected run-failed, got %q", failed.Event)
	}
	if !strings.Contains(failed.Error, "node exploded") {
		t.Errorf("expected the failure reason on the event, got %q", failed.Error)
	}
}

func TestRunnerStopsOnContextCancellation(t *testing.T) {
	js := newFakeJS()
	r := newTestRunner(t, js, &mockProcessor{})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

func TestRunnerCloseWithoutTracing(t *testing.T) {
	js := newFakeJS()
	r := newTestRunner(t, js, &mockProcessor{})
	if err := r.Close(); err != nil {
		t.Errorf("expected close to succeed, got %v", err)
	}
}

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig("runner-test")
	if cfg.ServiceName != "runner-test" {
		t.Errorf("expected service name to carry through, got %q", cfg.ServiceName)
	}
	if cfg.SampleRatio != 1.0 {
		t.Errorf("expected full sampling by default, got %f", cfg.SampleRatio)
	}
	if cfg.OTLPEndpoint == "" {
		t.Error("expected a default OTLP endpoint")
	}
}

func BenchmarkProcessMessage(b *testing.B) {
	js := newFakeJS()
	r, err := NewRunner(client.NewClientWithJSContext(js), &mockProcessor{}, "RUNS", "workers", 4, 2, 5*time.Second, zap.NewNop(), nil)
	if err != nil {
		b.Fatalf("failed to create runner: %v", err)
	}

	msg := message.NewRunMessage("bench-graph", "bench-run").
		WithNodes(message.NodeSpec{Name: "extract", Executor: "builtin.passthrough"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.processMessage(context.Background(), 0, msg)
	}
}
