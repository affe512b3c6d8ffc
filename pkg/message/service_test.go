package message

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// mockJSContext is an in-memory JSContext for tests without a NATS server.
type mockJSContext struct {
	mu                sync.Mutex
	published         map[string][][]byte
	streams           map[string]*nats.StreamInfo
	consumers         map[string]map[string]*nats.ConsumerInfo
	pending           []*nats.Msg
	publishDelay      time.Duration
	failPublishes     int
	addStreamCalls    int
	updateStreamCalls int
	addConsumerCalls  int
	seq               uint64
}

func newMockJS() *mockJSContext {
	return &mockJSContext{
		published: make(map[string][][]byte),
		streams:   make(map[string]*nats.StreamInfo),
		consumers: make(map[string]map[string]*nats.ConsumerInfo),
	}
}

func (m *mockJSContext) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if m.publishDelay > 0 {
		time.Sleep(m.publishDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPublishes > 0 {
		m.failPublishes--
		return nil, errors.New("publish refused")
	}
	m.published[subj] = append(m.published[subj], data)
	m.seq++
	return &nats.PubAck{Stream: "MOCK", Sequence: m.seq}, nil
}

func (m *mockJSContext) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	return &mockSubscription{owner: m}, nil
}

func (m *mockJSContext) StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	cp := *info
	return &cp, nil
}

func (m *mockJSContext) AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addStreamCalls++
	info := &nats.StreamInfo{Config: *cfg}
	m.streams[cfg.Name] = info
	return info, nil
}

func (m *mockJSContext) UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateStreamCalls++
	info := &nats.StreamInfo{Config: *cfg}
	m.streams[cfg.Name] = info
	return info, nil
}

func (m *mockJSContext) ConsumerInfo(stream, consumer string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if infos, ok := m.consumers[stream]; ok {
		if info, ok := infos[consumer]; ok {
			return info, nil
		}
	}
	return nil, nats.ErrConsumerNotFound
}

func (m *mockJSContext) AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addConsumerCalls++
	if m.consumers[stream] == nil {
		m.consumers[stream] = make(map[string]*nats.ConsumerInfo)
	}
	info := &nats.ConsumerInfo{Stream: stream, Name: cfg.Durable, Config: *cfg}
	m.consumers[stream][cfg.Durable] = info
	return info, nil
}

func (m *mockJSContext) lastPublished(subject string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.published[subject]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

type mockSubscription struct {
	owner *mockJSContext
}

func (s *mockSubscription) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if len(s.owner.pending) == 0 {
		return nil, nats.ErrTimeout
	}
	n := batch
	if n > len(s.owner.pending) {
		n = len(s.owner.pending)
	}
	msgs := s.owner.pending[:n]
	s.owner.pending = s.owner.pending[n:]
	return msgs, nil
}

func (s *mockSubscription) Unsubscribe() error { return nil }

// mockBlobClient records uploads in memory.
type mockBlobClient struct {
	mu        sync.Mutex
	uploads   map[string][]byte
	metadata  map[string]map[string]string
	uploadErr error
}

func newMockBlobClient() *mockBlobClient {
	return &mockBlobClient{
		uploads:  make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

func (m *mockBlobClient) UploadJSON(ctx context.Context, path string, data []byte, metadata map[string]string) (string, error) {
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[path] = append([]byte(nil), data...)
	m.metadata[path] = metadata
	return "https://blobs.example.net/" + path, nil
}

func (m *mockBlobClient) DownloadJSON(ctx context.Context, blobURL string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := strings.TrimPrefix(blobURL, "https://blobs.example.net/")
	data, ok := m.uploads[path]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", blobURL)
	}
	return data, nil
}

func TestEnsureStreamCreates(t *testing.T) {
	mock := newMockJS()
	svc := NewMessageService(mock, nil)

	if err := svc.EnsureStream(context.Background(), "RUNS"); err != nil {
		t.Fatalf("EnsureStream returned %v", err)
	}
	if mock.addStreamCalls != 1 {
		t.Fatalf("addStreamCalls = %d", mock.addStreamCalls)
	}
	cfg := mock.streams["RUNS"].Config
	if len(cfg.Subjects) != 1 || cfg.Subjects[0] != "RUNS.*" {
		t.Errorf("subjects = %v", cfg.Subjects)
	}
	if cfg.Storage != nats.FileStorage {
		t.Errorf("storage = %v", cfg.Storage)
	}
	if cfg.MaxAge != 24*time.Hour {
		t.Errorf("max age = %v", cfg.MaxAge)
	}
}

func TestEnsureStreamIdempotent(t *testing.T) {
	mock := newMockJS()
	svc := NewMessageService(mock, nil)
	ctx := context.Background()

	if err := svc.EnsureStream(ctx, "RUNS", "runs.>"); err != nil {
		t.Fatalf("first EnsureStream returned %v", err)
	}
	if err := svc.EnsureStream(ctx, "RUNS", "runs.>"); err != nil {
		t.Fatalf("second EnsureStream returned %v", err)
	}
	if mock.addStreamCalls != 1 || mock.updateStreamCalls != 0 {
		t.Errorf("addStreamCalls = %d, updateStreamCalls = %d", mock.addStreamCalls, mock.updateStreamCalls)
	}
}

func TestEnsureStreamExtendsSubjects(t *testing.T) {
	mock := newMockJS()
	svc := NewMessageService(mock, nil)
	ctx := context.Background()

	if err := svc.EnsureStream(ctx, "RUNS", "runs.a"); err != nil {
		t.Fatalf("EnsureStream returned %v", err)
	}
	if err := svc.EnsureStream(ctx, "RUNS", "runs.a", "runs.b"); err != nil {
		t.Fatalf("EnsureStream returned %v", err)
	}
	if mock.updateStreamCalls != 1 {
		t.Fatalf("updateStreamCalls = %d", mock.updateStreamCalls)
	}
	subjects := mock.streams["RUNS"].Config.Subjects
	if len(subjects) != 2 {
		t.Errorf("subjects = %v", subjects)
	}
}

func TestEnsureStreamRequiresName(t *testing.T) {
	svc := NewMessageService(newMockJS(), nil)
	if err := svc.EnsureStream(context.Background(), ""); err == nil {
		t.Error("expected error for empty stream name")
	}
}

func TestEnsureConsumer(t *testing.T) {
	mock := newMockJS()
	svc := NewMessageService(mock, nil)
	ctx := context.Background()

	if err := svc.EnsureConsumer(ctx, "RUNS", "workers"); err != nil {
		t.Fatalf("EnsureConsumer returned %v", err)
	}
	if err := svc.EnsureConsumer(ctx, "RUNS", "workers"); err != nil {
		t.Fatalf("second EnsureConsumer returned %v", err)
	}
	if mock.addConsumerCalls != 1 {
		t.Fatalf("addConsumerCalls = %d", mock.addConsumerCalls)
	}
	cfg := mock.consumers["RUNS"]["workers"].Config
	if cfg.AckPolicy != nats.AckExplicitPolicy {
		t.Errorf("ack policy = %v", cfg.AckPolicy)
	}
	if cfg.MaxDeliver != 5 {
		t.Errorf("max deliver = %d", cfg.MaxDeliver)
	}
	if cfg.MaxAckPending != 1000 {
		t.Errorf("max ack pending = %d", cfg.MaxAckPending)
	}
}

func TestEnsureConsumerRequiresNames(t *testing.T) {
	svc := NewMessageService(newMockJS(), nil)
	if err := svc.EnsureConsumer(context.Background(), "", "workers"); err == nil {
		t.Error("expected error for empty stream name")
	}
	if err := svc.EnsureConsumer(context.Background(), "RUNS", ""); err == nil {
		t.Error("expected error for empty consumer name")
	}
}

func TestPublishValidations(t *testing.T) {
	svc := NewMessageService(newMockJS(), nil)
	ctx := context.Background()

	if err := svc.Publish(ctx, "", validRunMessage()); err == nil {
		t.Error("expected error for empty subject")
	}
	if err := svc.Publish(ctx, "runs.graph-1", nil); err == nil {
		t.Error("expected error for nil message")
	}

	invalid := validRunMessage()
	invalid.Nodes = nil
	if err := svc.Publish(ctx, "runs.graph-1", invalid); err == nil {
		t.Error("expected error for invalid message")
	}
}

func TestPublishDeliversMessage(t *testing.T) {
	mock := newMockJS()
	svc := NewMessageService(mock, nil)

	if err := svc.Publish(context.Background(), "runs.graph-1", validRunMessage()); err != nil {
		t.Fatalf("Publish returned %v", err)
	}

	data := mock.lastPublished("runs.graph-1")
	if data == nil {
		t.Fatal("nothing published")
	}
	decoded, err := FromBytes(data)
	if err != nil {
		t.Fatalf("decoding published message: %v", err)
	}
	if decoded.Run.RunID != "run-1" {
		t.Errorf("RunID = %q", decoded.Run.RunID)
	}
}

func TestPublishCancelledContext(t *testing.T) {
	mock := newMockJS()
	mock.publishDelay = 50 * time.Millisecond
	svc := NewMessageService(mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Publish(ctx, "runs.graph-1", validRunMessage())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPullMessagesValidations(t *testing.T) {
	svc := NewMessageService(newMockJS(), nil)
	ctx := context.Background()

	if _, err := svc.PullMessages(ctx, "", "workers", 10); err == nil {
		t.Error("expected error for empty stream name")
	}
	if _, err := svc.PullMessages(ctx, "RUNS", "", 10); err == nil {
		t.Error("expected error for empty consumer name")
	}
}

func TestPullMessagesEmptyWhenNoneArrive(t *testing.T) {
	svc := NewMessageService(newMockJS(), nil)

	msgs, err := svc.PullMessages(context.Background(), "RUNS", "workers", 10)
	if err != nil {
		t.Fatalf("PullMessages returned %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected empty batch, got %d messages", len(msgs))
	}
}

func TestPullMessagesCancelledContext(t *testing.T) {
	svc := NewMessageService(newMockJS(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.PullMessages(ctx, "RUNS", "workers", 10); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPullMessagesDecodesAndSkipsMalformed(t *testing.T) {
	mock := newMockJS()
	data, err := validRunMessage().ToBytes()
	if err != nil {
		t.Fatalf("ToBytes returned %v", err)
	}
	raw := &nats.Msg{Subject: "runs.graph-1", Data: data}
	mock.pending = []*nats.Msg{
		raw,
		{Subject: "runs.graph-1", Data: []byte("not json")},
	}

	svc := NewMessageService(mock, nil)
	msgs, err := svc.PullMessages(context.Background(), "RUNS", "workers", 10)
	if err != nil {
		t.Fatalf("PullMessages returned %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Run.RunID != "run-1" {
		t.Errorf("RunID = %q", msgs[0].Run.RunID)
	}
	if msgs[0].GetNATSMsg() != raw {
		t.Error("expected the message to retain its NATS message")
	}
}

func TestPublishResultRetries(t *testing.T) {
	mock := newMockJS()
	mock.failPublishes = 2
	svc := NewMessageService(mock, nil)
	svc.publishBackoff = time.Millisecond

	result := NewResultMessage("graph-1", "run-1", StatusSuccess).
		WithOutputs(json.RawMessage(`{"a":1}`))
	if err := svc.PublishResult(context.Background(), result); err != nil {
		t.Fatalf("PublishResult returned %v", err)
	}
	if mock.lastPublished("result.graph-1") == nil {
		t.Error("result was not published")
	}
	if mock.addStreamCalls != 1 {
		t.Errorf("expected result stream to be ensured once, got %d", mock.addStreamCalls)
	}
}

func TestPublishResultExhaustsRetries(t *testing.T) {
	mock := newMockJS()
	mock.failPublishes = 3
	svc := NewMessageService(mock, nil)
	svc.publishBackoff = time.Millisecond

	result := NewResultMessage("graph-1", "run-1", StatusSuccess)
	err := svc.PublishResult(context.Background(), result)
	if err == nil {
		t.Fatal("expected publish to fail")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("error = %v", err)
	}
}

func TestPublishResultValidations(t *testing.T) {
	svc := NewMessageService(newMockJS(), nil)
	ctx := context.Background()

	if err := svc.PublishResult(ctx, nil); err == nil {
		t.Error("expected error for nil result")
	}
	if err := svc.PublishResult(ctx, NewResultMessage("", "run-1", StatusSuccess)); err == nil {
		t.Error("expected error for missing graph ID")
	}
}

func TestReportSuccessInline(t *testing.T) {
	mock := newMockJS()
	blob := newMockBlobClient()
	svc := NewMessageService(mock, nil).WithBlobStorage(blob)

	result := NewResultMessage("graph-1", "run-1", StatusSuccess).
		WithOutputs(json.RawMessage(`{"extract.rows":[1,2,3]}`))
	if err := svc.ReportSuccess(context.Background(), result, nil); err != nil {
		t.Fatalf("ReportSuccess returned %v", err)
	}

	decoded, err := ResultFromBytes(mock.lastPublished("result.graph-1"))
	if err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !decoded.HasInlineOutputs() || decoded.HasBlobReference() {
		t.Error("expected inline outputs")
	}
	if len(blob.uploads) != 0 {
		t.Errorf("expected no blob uploads, got %d", len(blob.uploads))
	}
}

func TestReportSuccessOffloadsLargeOutputs(t *testing.T) {
	mock := newMockJS()
	blob := newMockBlobClient()
	svc := NewMessageService(mock, nil).WithBlobStorage(blob)

	big := bytes.Repeat([]byte("x"), int(maxInlineResultSize)+1)
	result := NewResultMessage("graph-1", "run-1", StatusSuccess).
		WithOutputs(big)
	if err := svc.ReportSuccess(context.Background(), result, nil); err != nil {
		t.Fatalf("ReportSuccess returned %v", err)
	}

	wantPath := "runs/graph-1/run-1/combined.json"
	if _, ok := blob.uploads[wantPath]; !ok {
		t.Fatalf("expected upload at %s, got %v", wantPath, blobPaths(blob))
	}
	if blob.metadata[wantPath]["runId"] != "run-1" {
		t.Errorf("metadata = %v", blob.metadata[wantPath])
	}

	decoded, err := ResultFromBytes(mock.lastPublished("result.graph-1"))
	if err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if decoded.HasInlineOutputs() {
		t.Error("expected outputs to be cleared after offload")
	}
	if !decoded.HasBlobReference() {
		t.Fatal("expected a blob reference")
	}
	if decoded.BlobReference.SizeBytes != len(big) {
		t.Errorf("SizeBytes = %d, want %d", decoded.BlobReference.SizeBytes, len(big))
	}
	if decoded.OutputSize != len(big) {
		t.Errorf("OutputSize = %d, want %d", decoded.OutputSize, len(big))
	}
}

func blobPaths(b *mockBlobClient) []string {
	paths := make([]string, 0, len(b.uploads))
	for p := range b.uploads {
		paths = append(paths, p)
	}
	return paths
}

func TestReportSuccessOversizedWithoutBlobStorage(t *testing.T) {
	svc := NewMessageService(newMockJS(), nil)

	big := bytes.Repeat([]byte("x"), int(maxInlineResultSize)+1)
	result := NewResultMessage("graph-1", "run-1", StatusSuccess).WithOutputs(big)
	err := svc.ReportSuccess(context.Background(), result, nil)
	if err == nil {
		t.Fatal("expected error without blob storage")
	}
	if !strings.Contains(err.Error(), "blob storage") {
		t.Errorf("error = %v", err)
	}
}

func TestReportSuccessBlobUploadFails(t *testing.T) {
	blob := newMockBlobClient()
	blob.uploadErr = errors.New("storage offline")
	svc := NewMessageService(newMockJS(), nil).WithBlobStorage(blob)

	big := bytes.Repeat([]byte("x"), int(maxInlineResultSize)+1)
	result := NewResultMessage("graph-1", "run-1", StatusSuccess).WithOutputs(big)
	if err := svc.ReportSuccess(context.Background(), result, nil); err == nil {
		t.Error("expected error when upload fails")
	}
}

func TestReportErrorTransient(t *testing.T) {
	mock := newMockJS()
	svc := NewMessageService(mock, nil)

	runErr := fmt.Errorf("connection reset")
	if err := svc.ReportError(context.Background(), "graph-1", "run-1", "", "corr-1", runErr, nil); err != nil {
		t.Fatalf("ReportError returned %v", err)
	}

	decoded, err := ResultFromBytes(mock.lastPublished("result.graph-1"))
	if err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if !decoded.IsFailed() {
		t.Error("expected a failed result")
	}
	if decoded.Error == nil || !decoded.Error.Retryable {
		t.Errorf("expected a retryable error, got %+v", decoded.Error)
	}
	if decoded.Error.Type != string(sdkerrors.ErrorTypeInternal) {
		t.Errorf("error type = %q", decoded.Error.Type)
	}
	if decoded.CorrelationID != "corr-1" {
		t.Errorf("correlation = %q", decoded.CorrelationID)
	}
}

func TestReportErrorPermanent(t *testing.T) {
	mock := newMockJS()
	svc := NewMessageService(mock, nil)

	runErr := sdkerrors.NewValidationError("params do not match schema", "schema_mismatch", nil)
	if err := svc.ReportError(context.Background(), "graph-1", "run-1", "window-0", "", runErr, nil); err != nil {
		t.Fatalf("ReportError returned %v", err)
	}

	decoded, err := ResultFromBytes(mock.lastPublished("result.graph-1"))
	if err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Retryable {
		t.Errorf("expected a permanent error, got %+v", decoded.Error)
	}
	if decoded.Error.Code != "schema_mismatch" {
		t.Errorf("error code = %q", decoded.Error.Code)
	}
	if decoded.Error.Type != string(sdkerrors.ErrorTypeValidationFailed) {
		t.Errorf("error type = %q", decoded.Error.Type)
	}
	if decoded.WindowID != "window-0" {
		t.Errorf("window = %q", decoded.WindowID)
	}
}

func TestGetMessageIdentifier(t *testing.T) {
	withCorrelation := validRunMessage().WithCorrelationID("corr-1")
	if got := getMessageIdentifier(withCorrelation); got != "corr-1" {
		t.Errorf("identifier = %q", got)
	}

	withRun := validRunMessage()
	if got := getMessageIdentifier(withRun); got != "graph-1/run-1" {
		t.Errorf("identifier = %q", got)
	}

	taskOnly := NewMessage().WithTask("transform", nil)
	if got := getMessageIdentifier(taskOnly); got != "transform" {
		t.Errorf("identifier = %q", got)
	}

	bare := NewMessage()
	if got := getMessageIdentifier(bare); got != bare.CreatedAt {
		t.Errorf("identifier = %q", got)
	}
}
