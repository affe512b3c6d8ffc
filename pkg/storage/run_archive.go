package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WindowError describes why a window failed.
type WindowError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// WindowRecord is one window's outcome inside a run archive.
type WindowRecord struct {
	WindowID   string         `json:"windowId"`
	Status     string         `json:"status"`
	Rows       int            `json:"rows"`
	DurationMs int64          `json:"durationMs"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      *WindowError   `json:"error,omitempty"`
}

// RunArchive is the shared archive document for one run, keyed by window ID.
type RunArchive map[string]*WindowRecord

// RunArchiveClient maintains per-run archives of window outputs in blob
// storage. Appends are read-modify-write cycles serialized by a mutex, so one
// client instance must own a run's archive while the run executes.
type RunArchiveClient struct {
	blobClient BlobClient
	logger     *zap.Logger
	mu         sync.Mutex
}

// NewRunArchiveClient creates an archive client over a blob client. A nil
// logger is replaced with a no-op logger.
func NewRunArchiveClient(blobClient BlobClient, logger *zap.Logger) *RunArchiveClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunArchiveClient{
		blobClient: blobClient,
		logger:     logger,
	}
}

// ArchivePath returns the blob path of a run's window archive.
func ArchivePath(graphID, runID string) string {
	return fmt.Sprintf("runs/%s/%s/windows.json", graphID, runID)
}

// AppendWindow adds or replaces a window record in the run's archive and
// returns the archive's blob URL.
func (c *RunArchiveClient) AppendWindow(ctx context.Context, graphID, runID string, record *WindowRecord) (string, error) {
	if c.blobClient == nil {
		return "", fmt.Errorf("blob client not initialized")
	}
	if record == nil || record.WindowID == "" {
		return "", fmt.Errorf("window record with an ID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	blobPath := ArchivePath(graphID, runID)

	archive := make(RunArchive)
	if existing, err := c.blobClient.DownloadJSON(ctx, blobPath); err == nil {
		if err := json.Unmarshal(existing, &archive); err != nil {
			c.logger.Error("Failed to parse existing run archive, starting fresh",
				zap.String("blob_path", blobPath),
				zap.Error(err))
			archive = make(RunArchive)
		}
	}

	archive[record.WindowID] = record

	data, err := json.Marshal(archive)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run archive: %w", err)
	}

	blobURL, err := c.blobClient.UploadJSON(ctx, blobPath, data, map[string]string{
		"graphId":      graphID,
		"runId":        runID,
		"lastWindowId": record.WindowID,
		"windowCount":  fmt.Sprintf("%d", len(archive)),
		"lastModified": time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload run archive: %w", err)
	}

	c.logger.Info("Appended window to run archive",
		zap.String("graph_id", graphID),
		zap.String("run_id", runID),
		zap.String("window_id", record.WindowID),
		zap.Int("total_windows", len(archive)),
		zap.Int("archive_size_bytes", len(data)))

	return blobURL, nil
}

// GetArchive downloads and parses a run's full archive.
func (c *RunArchiveClient) GetArchive(ctx context.Context, graphID, runID string) (RunArchive, error) {
	if c.blobClient == nil {
		return nil, fmt.Errorf("blob client not initialized")
	}

	data, err := c.blobClient.DownloadJSON(ctx, ArchivePath(graphID, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to download run archive: %w", err)
	}

	var archive RunArchive
	if err := json.Unmarshal(data, &archive); err != nil {
		return nil, fmt.Errorf("failed to parse run archive: %w", err)
	}

	return archive, nil
}

// GetWindow retrieves one window's record from a run's archive.
func (c *RunArchiveClient) GetWindow(ctx context.Context, graphID, runID, windowID string) (*WindowRecord, error) {
	archive, err := c.GetArchive(ctx, graphID, runID)
	if err != nil {
		return nil, err
	}

	record, ok := archive[windowID]
	if !ok {
		return nil, fmt.Errorf("window record not found: %s", windowID)
	}

	return record, nil
}

// ArchiveSize returns the archive's size in bytes, 0 when it does not exist.
func (c *RunArchiveClient) ArchiveSize(ctx context.Context, graphID, runID string) (int, error) {
	if c.blobClient == nil {
		return 0, fmt.Errorf("blob client not initialized")
	}

	data, err := c.blobClient.DownloadJSON(ctx, ArchivePath(graphID, runID))
	if err != nil {
		return 0, nil
	}

	return len(data), nil
}

// NewWindowRecord builds a window record, attaching the error details only on
// failure.
func NewWindowRecord(windowID, status string, rows int, durationMs int64, outputs map[string]any, errInfo *WindowError) *WindowRecord {
	record := &WindowRecord{
		WindowID:   windowID,
		Status:     status,
		Rows:       rows,
		DurationMs: durationMs,
		Outputs:    outputs,
	}
	if status == "failed" {
		record.Error = errInfo
	}
	return record
}
