package message

import (
	"encoding/json"
	"time"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ResultError describes why a run failed and whether retrying could help.
type ResultError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Type      string `json:"type,omitempty"`
}

// ResultMessage reports the outcome of one run. Small outputs travel inline;
// large ones are uploaded to blob storage and referenced.
type ResultMessage struct {
	// RunID and GraphID identify the run this result belongs to.
	RunID   string `json:"runId"`
	GraphID string `json:"graphId"`

	// WindowID identifies the window a failure occurred in, empty for
	// whole-run results.
	WindowID string `json:"windowId,omitempty"`

	// Status is success or failed.
	Status string `json:"status"`

	// Outputs holds the merged root outputs, one object per window.
	Outputs json.RawMessage `json:"outputs,omitempty"`

	// BlobReference points at outputs offloaded to blob storage.
	BlobReference *BlobReference `json:"blobReference,omitempty"`

	// Error describes the failure when Status is failed.
	Error *ResultError `json:"error,omitempty"`

	// Windows is the number of windows the run processed.
	Windows int `json:"windows,omitempty"`

	// DurationMs is the wall-clock run time in milliseconds.
	DurationMs int64 `json:"durationMs,omitempty"`

	// OutputSize is the serialized output size in bytes, set even when the
	// outputs moved to blob storage.
	OutputSize int `json:"outputSize,omitempty"`

	// CorrelationID carries over from the request message.
	CorrelationID string `json:"correlationId,omitempty"`

	// CompletedAt is when the run finished.
	CompletedAt time.Time `json:"completedAt"`
}

// NewResultMessage creates a result for a run with the given status.
func NewResultMessage(graphID, runID, status string) *ResultMessage {
	return &ResultMessage{
		RunID:       runID,
		GraphID:     graphID,
		Status:      status,
		CompletedAt: time.Now().UTC(),
	}
}

// WithCorrelationID sets the correlation ID.
func (r *ResultMessage) WithCorrelationID(correlationID string) *ResultMessage {
	r.CorrelationID = correlationID
	return r
}

// WithOutputs sets the inline outputs and records their size.
func (r *ResultMessage) WithOutputs(outputs json.RawMessage) *ResultMessage {
	r.Outputs = outputs
	r.OutputSize = len(outputs)
	return r
}

// WithBlobReference points the result at offloaded outputs.
func (r *ResultMessage) WithBlobReference(ref *BlobReference) *ResultMessage {
	r.BlobReference = ref
	if ref != nil {
		r.OutputSize = ref.SizeBytes
	}
	return r
}

// WithWindows records how many windows the run processed.
func (r *ResultMessage) WithWindows(n int) *ResultMessage {
	r.Windows = n
	return r
}

// WithDuration records the run's wall-clock time.
func (r *ResultMessage) WithDuration(d time.Duration) *ResultMessage {
	r.DurationMs = d.Milliseconds()
	return r
}

// WithError marks the result failed and attaches the error details.
func (r *ResultMessage) WithError(code, message string, retryable bool) *ResultMessage {
	r.Status = StatusFailed
	r.Error = &ResultError{Code: code, Message: message, Retryable: retryable}
	return r
}

// WithWindowID names the window a failure occurred in.
func (r *ResultMessage) WithWindowID(windowID string) *ResultMessage {
	r.WindowID = windowID
	return r
}

// IsSuccess reports whether the run succeeded.
func (r *ResultMessage) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// IsFailed reports whether the run failed.
func (r *ResultMessage) IsFailed() bool {
	return r.Status == StatusFailed
}

// IsRetryable reports whether the failure is worth redelivering.
func (r *ResultMessage) IsRetryable() bool {
	return r.Error != nil && r.Error.Retryable
}

// HasInlineOutputs reports whether the outputs travel inline.
func (r *ResultMessage) HasInlineOutputs() bool {
	return len(r.Outputs) > 0
}

// HasBlobReference reports whether the outputs live in blob storage.
func (r *ResultMessage) HasBlobReference() bool {
	return r.BlobReference != nil && r.BlobReference.URL != ""
}

// ToBytes serializes the result to JSON.
func (r *ResultMessage) ToBytes() ([]byte, error) {
	return json.Marshal(r)
}

// ResultFromBytes deserializes a result from JSON.
func ResultFromBytes(data []byte) (*ResultMessage, error) {
	var r ResultMessage
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
