package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// maxInlineResultSize is the largest output payload published inline. Larger
// outputs move to blob storage and the result carries a reference instead.
const maxInlineResultSize = 1.5 * 1024 * 1024

// Default result routing.
const (
	DefaultResultStream  = "RESULTS"
	DefaultResultSubject = "result"
)

// defaultFetchWait bounds a pull fetch when the caller's context carries no
// deadline.
const defaultFetchWait = 3 * time.Second

// JSContext is the subset of nats.JetStreamContext the service uses. Tests
// substitute their own implementation.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
}

// JSSubscription is the pull-subscription surface the service uses.
type JSSubscription interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// WrapNATSJetStream adapts a live JetStream context to the JSContext
// interface.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return &natsSubAdapter{sub: sub}, nil
}

func (a *natsJSAdapter) StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream, opts...)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg, opts...)
}

func (a *natsJSAdapter) UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	return a.js.UpdateStream(cfg, opts...)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer, opts...)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg, opts...)
}

type natsSubAdapter struct {
	sub *nats.Subscription
}

func (a *natsSubAdapter) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	return a.sub.Fetch(batch, opts...)
}

func (a *natsSubAdapter) Unsubscribe() error {
	return a.sub.Unsubscribe()
}

// BlobStorageClient stores JSON documents that are too large to travel
// inline. pkg/storage provides the Azure implementation.
type BlobStorageClient interface {
	// UploadJSON stores data under path and returns the blob URL.
	UploadJSON(ctx context.Context, path string, data []byte, metadata map[string]string) (string, error)

	// DownloadJSON fetches a blob by its URL.
	DownloadJSON(ctx context.Context, blobURL string) ([]byte, error)
}

// MessageService publishes run requests, pulls them for processing, and
// reports results over JetStream.
type MessageService struct {
	js                JSContext
	logger            *zap.Logger
	blobStorage       BlobStorageClient
	maxDeliver        int
	publishMaxRetries int
	publishBackoff    time.Duration
	resultStream      string
	resultSubject     string
}

// NewMessageService creates a message service on top of a JetStream context.
// A nil logger is replaced with a no-op logger.
func NewMessageService(js JSContext, logger *zap.Logger) *MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{
		js:                js,
		logger:            logger,
		maxDeliver:        5,
		publishMaxRetries: 3,
		publishBackoff:    time.Second,
		resultStream:      DefaultResultStream,
		resultSubject:     DefaultResultSubject,
	}
}

// WithBlobStorage attaches the blob client used to offload oversized payloads
// and results.
func (s *MessageService) WithBlobStorage(client BlobStorageClient) *MessageService {
	s.blobStorage = client
	return s
}

// WithResultStream overrides the stream and subject prefix results are
// published to.
func (s *MessageService) WithResultStream(stream, subject string) *MessageService {
	if stream != "" {
		s.resultStream = stream
	}
	if subject != "" {
		s.resultSubject = subject
	}
	return s
}

// WithMaxDeliver overrides how many times consumers created by EnsureConsumer
// redeliver a message.
func (s *MessageService) WithMaxDeliver(maxDeliver int) *MessageService {
	if maxDeliver > 0 {
		s.maxDeliver = maxDeliver
	}
	return s
}

// WithPublishRetries overrides how many attempts result publishing makes.
func (s *MessageService) WithPublishRetries(retries int) *MessageService {
	if retries > 0 {
		s.publishMaxRetries = retries
	}
	return s
}

// BlobStorage returns the attached blob client, nil when offloading is not
// configured.
func (s *MessageService) BlobStorage() BlobStorageClient {
	return s.blobStorage
}

// EnsureStream creates the stream if it does not exist and extends its
// subjects if it does. Without explicit subjects the stream covers
// "<stream>.*".
func (s *MessageService) EnsureStream(ctx context.Context, streamName string, subjects ...string) error {
	if streamName == "" {
		return sdkerrors.NewError("invalid_stream", "stream name is required", nil)
	}
	if len(subjects) == 0 {
		subjects = []string{streamName + ".*"}
	}

	info, err := s.js.StreamInfo(streamName)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return sdkerrors.NewError("stream_info_failed", fmt.Sprintf("failed to look up stream %s", streamName), err)
		}
		_, err = s.js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  subjects,
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			MaxMsgs:   100000,
			Replicas:  1,
		})
		if err != nil {
			return sdkerrors.NewError("stream_create_failed", fmt.Sprintf("failed to create stream %s", streamName), err)
		}
		s.logger.Info("Stream created",
			zap.String("stream", streamName),
			zap.Strings("subjects", subjects))
		return nil
	}

	existing := make(map[string]bool, len(info.Config.Subjects))
	for _, subj := range info.Config.Subjects {
		existing[subj] = true
	}
	changed := false
	for _, subj := range subjects {
		if !existing[subj] {
			info.Config.Subjects = append(info.Config.Subjects, subj)
			changed = true
		}
	}
	if changed {
		if _, err := s.js.UpdateStream(&info.Config); err != nil {
			return sdkerrors.NewError("stream_update_failed", fmt.Sprintf("failed to update stream %s", streamName), err)
		}
		s.logger.Info("Stream subjects extended",
			zap.String("stream", streamName),
			zap.Strings("subjects", info.Config.Subjects))
	}
	return nil
}

// EnsureConsumer creates a durable pull consumer on the stream if it does not
// exist. Messages are redelivered up to the service's max deliver count.
func (s *MessageService) EnsureConsumer(ctx context.Context, streamName, consumerName string) error {
	if streamName == "" || consumerName == "" {
		return sdkerrors.NewError("invalid_consumer", "stream and consumer names are required", nil)
	}

	_, err := s.js.ConsumerInfo(streamName, consumerName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return sdkerrors.NewError("consumer_info_failed", fmt.Sprintf("failed to look up consumer %s", consumerName), err)
	}

	_, err = s.js.AddConsumer(streamName, &nats.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxDeliver:    s.maxDeliver,
		MaxAckPending: 1000,
	})
	if err != nil {
		return sdkerrors.NewError("consumer_create_failed", fmt.Sprintf("failed to create consumer %s", consumerName), err)
	}
	s.logger.Info("Consumer created",
		zap.String("stream", streamName),
		zap.String("consumer", consumerName),
		zap.Int("max_deliver", s.maxDeliver))
	return nil
}

// Publish validates the message and publishes it to the subject. The publish
// is abandoned when the context ends first.
func (s *MessageService) Publish(ctx context.Context, subject string, msg *Message) error {
	if subject == "" {
		return sdkerrors.NewError("invalid_subject", "subject is required", sdkerrors.ErrInvalidSubject)
	}
	if msg == nil {
		return sdkerrors.NewError("invalid_message", "message is nil", sdkerrors.ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return sdkerrors.NewError("invalid_message", "message failed validation", err)
	}

	data, err := msg.ToBytes()
	if err != nil {
		return sdkerrors.NewError("marshal_failed", "failed to serialize message", err)
	}

	type publishResult struct {
		ack *nats.PubAck
		err error
	}
	resultCh := make(chan publishResult, 1)
	go func() {
		ack, err := s.js.Publish(subject, data)
		resultCh <- publishResult{ack: ack, err: err}
	}()

	select {
	case <-ctx.Done():
		return sdkerrors.NewError("publish_cancelled", "context ended before publish completed", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return sdkerrors.NewError("publish_failed", fmt.Sprintf("failed to publish to %s", subject), res.err)
		}
		s.logger.Info("Message published",
			zap.String("subject", subject),
			zap.String("message_id", getMessageIdentifier(msg)),
			zap.String("stream", res.ack.Stream),
			zap.Uint64("sequence", res.ack.Sequence))
		return nil
	}
}

// PullMessages fetches up to batchSize messages from a durable pull consumer.
// An empty batch is returned when no messages arrive before the wait expires.
// Messages that fail to decode are negatively acknowledged and skipped.
// Returned messages retain their NATS message so callers can Ack or Nak.
func (s *MessageService) PullMessages(ctx context.Context, streamName, consumerName string, batchSize int) ([]*Message, error) {
	if streamName == "" || consumerName == "" {
		return nil, sdkerrors.NewError("invalid_consumer", "stream and consumer names are required", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, sdkerrors.NewError("pull_cancelled", "context ended before fetch", err)
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	sub, err := s.js.PullSubscribe("", consumerName, nats.Bind(streamName, consumerName))
	if err != nil {
		return nil, sdkerrors.NewError("subscribe_failed", fmt.Sprintf("failed to bind consumer %s", consumerName), err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe pull consumer", zap.Error(err))
		}
	}()

	wait := defaultFetchWait
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
	}

	rawMsgs, err := sub.Fetch(batchSize, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return []*Message{}, nil
		}
		return nil, sdkerrors.NewError("fetch_failed", fmt.Sprintf("failed to fetch from %s", streamName), err)
	}

	messages := make([]*Message, 0, len(rawMsgs))
	for _, rawMsg := range rawMsgs {
		msg, err := FromNATSMsg(rawMsg)
		if err != nil {
			s.logger.Warn("Skipping malformed message",
				zap.String("subject", rawMsg.Subject),
				zap.Error(err))
			if nakErr := rawMsg.Nak(); nakErr != nil {
				s.logger.Warn("Failed to nak malformed message", zap.Error(nakErr))
			}
			continue
		}
		msg.natsMsg = rawMsg
		messages = append(messages, msg)
	}

	return messages, nil
}

// PublishResult publishes a result to "<subject prefix>.<graph ID>" on the
// result stream, retrying with linear backoff on failure.
func (s *MessageService) PublishResult(ctx context.Context, result *ResultMessage) error {
	if result == nil {
		return sdkerrors.NewError("invalid_result", "result is nil", nil)
	}
	if result.RunID == "" || result.GraphID == "" {
		return sdkerrors.NewError("invalid_result", "result is missing run identity", nil)
	}

	if err := s.EnsureStream(ctx, s.resultStream, s.resultSubject+".>"); err != nil {
		return err
	}

	data, err := result.ToBytes()
	if err != nil {
		return sdkerrors.NewError("marshal_failed", "failed to serialize result", err)
	}

	subject := fmt.Sprintf("%s.%s", s.resultSubject, result.GraphID)
	var lastErr error
	for attempt := 1; attempt <= s.publishMaxRetries; attempt++ {
		if _, err := s.js.Publish(subject, data); err != nil {
			lastErr = err
			s.logger.Warn("Result publish attempt failed",
				zap.String("subject", subject),
				zap.Int("attempt", attempt),
				zap.Error(err))
		} else {
			s.logger.Info("Result published",
				zap.String("subject", subject),
				zap.String("run_id", result.RunID),
				zap.String("status", result.Status),
				zap.Int("attempt", attempt))
			return nil
		}
		if attempt < s.publishMaxRetries {
			select {
			case <-ctx.Done():
				return sdkerrors.NewError("publish_cancelled", "context ended while retrying result publish", ctx.Err())
			case <-time.After(time.Duration(attempt) * s.publishBackoff):
			}
		}
	}
	return sdkerrors.NewError("publish_failed", fmt.Sprintf("failed to publish result after %d attempts", s.publishMaxRetries), lastErr)
}

// ReportSuccess publishes a successful result and acknowledges the request
// message. Outputs above the inline limit are uploaded to blob storage under
// runs/<graph>/<run>/ and replaced with a reference; without a blob client
// configured, oversized results fail and the request is redelivered.
func (s *MessageService) ReportSuccess(ctx context.Context, result *ResultMessage, msg *nats.Msg) error {
	if result == nil {
		return sdkerrors.NewError("invalid_result", "result is nil", nil)
	}
	if result.RunID == "" || result.GraphID == "" {
		return sdkerrors.NewError("invalid_result", "result is missing run identity", nil)
	}

	if size := len(result.Outputs); size > maxInlineResultSize {
		if s.blobStorage == nil {
			s.nak(msg)
			return sdkerrors.NewError("result_too_large",
				fmt.Sprintf("result is %d bytes and no blob storage is configured", size), nil)
		}

		name := result.WindowID
		if name == "" {
			name = "combined"
		}
		blobPath := fmt.Sprintf("runs/%s/%s/%s.json", result.GraphID, result.RunID, name)
		metadata := map[string]string{
			"graphId": result.GraphID,
			"runId":   result.RunID,
			"size":    fmt.Sprintf("%d", size),
		}

		blobURL, err := s.blobStorage.UploadJSON(ctx, blobPath, result.Outputs, metadata)
		if err != nil {
			s.nak(msg)
			return sdkerrors.NewError("blob_upload_failed", "failed to offload result to blob storage", err)
		}

		result.WithBlobReference(&BlobReference{URL: blobURL, SizeBytes: size})
		result.Outputs = nil
		s.logger.Info("Result offloaded to blob storage",
			zap.String("run_id", result.RunID),
			zap.String("blob_url", blobURL),
			zap.Int("size_bytes", size))
	}

	if err := s.PublishResult(ctx, result); err != nil {
		s.nak(msg)
		return err
	}

	if msg != nil {
		if err := msg.Ack(); err != nil {
			s.logger.Warn("Failed to ack message after reporting result",
				zap.String("run_id", result.RunID),
				zap.Error(err))
		}
	}
	return nil
}

// ReportError publishes a failure result and settles the request message
// according to the error's classification: transient errors are negatively
// acknowledged so JetStream redelivers the run, permanent errors are
// acknowledged so it is not retried.
func (s *MessageService) ReportError(ctx context.Context, graphID, runID, windowID, correlationID string, runErr error, msg *nats.Msg) error {
	if runErr == nil {
		return sdkerrors.NewError("invalid_error", "run error is nil", nil)
	}

	code := "execution_failed"
	errType := string(sdkerrors.ErrorTypeInternal)
	if appErr, ok := sdkerrors.AsAppError(runErr); ok {
		if appErr.Code != "" {
			code = appErr.Code
		}
		errType = string(appErr.Type)
	}
	transient := sdkerrors.IsTransient(runErr)

	result := NewResultMessage(graphID, runID, StatusFailed).
		WithCorrelationID(correlationID).
		WithWindowID(windowID)
	result.Error = &ResultError{
		Code:      code,
		Message:   runErr.Error(),
		Retryable: transient,
		Type:      errType,
	}

	if err := s.PublishResult(ctx, result); err != nil {
		s.logger.Error("Failed to publish failure result",
			zap.String("run_id", runID),
			zap.Error(err))
		s.nak(msg)
		return err
	}

	if transient {
		s.logger.Warn("Run failed with transient error, requesting redelivery",
			zap.String("run_id", runID),
			zap.String("error_type", errType),
			zap.Error(runErr))
		s.nak(msg)
		return nil
	}

	s.logger.Warn("Run failed with permanent error, not retrying",
		zap.String("run_id", runID),
		zap.String("error_type", errType),
		zap.Error(runErr))
	if msg != nil {
		if err := msg.Ack(); err != nil {
			s.logger.Warn("Failed to ack permanently failed message", zap.Error(err))
		}
	}
	return nil
}

func (s *MessageService) nak(msg *nats.Msg) {
	if msg == nil {
		return
	}
	if err := msg.Nak(); err != nil {
		s.logger.Warn("Failed to nak message", zap.Error(err))
	}
}

// getMessageIdentifier picks the most specific identifier available for logs.
func getMessageIdentifier(msg *Message) string {
	if msg.CorrelationID != "" {
		return msg.CorrelationID
	}
	if msg.Run != nil && msg.Run.RunID != "" {
		return fmt.Sprintf("%s/%s", msg.Run.GraphID, msg.Run.RunID)
	}
	if msg.Task != nil && msg.Task.Type != "" {
		return msg.Task.Type
	}
	return msg.CreatedAt
}
