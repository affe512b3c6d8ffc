// Package window slices batches into the bounded windows an execution tree
// runs over. The producer guards the sliceable-index contract: a batch whose
// index field is broken is repaired with a warning rather than rejected, so
// one malformed upstream payload does not stall a stream.
package window

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/batch"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// ErrNilBatch indicates a nil batch was handed to the producer.
var ErrNilBatch = errors.New("batch cannot be nil")

// Config configures a Producer.
type Config struct {
	// MaxRows bounds each window's row count. Zero or negative means a
	// single window covering the whole batch.
	MaxRows int

	// Logger receives the non-fatal index-regeneration warning. Defaults to
	// a no-op logger.
	Logger *zap.Logger
}

// Producer slices batches into bounded windows.
type Producer struct {
	maxRows int
	logger  *zap.Logger
}

// NewProducer creates a producer from cfg.
func NewProducer(cfg Config) *Producer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		maxRows: cfg.MaxRows,
		logger:  logger,
	}
}

// Windows slices b into windows of at most MaxRows rows; the final window
// may be shorter. The batch's sliceable index is verified first and
// regenerated with a warning when broken. An empty batch yields no windows.
func (p *Producer) Windows(b *batch.Batch) ([]*batch.Window, error) {
	if b == nil {
		return nil, ErrNilBatch
	}

	n := b.RowCount()
	if n == 0 {
		return nil, nil
	}

	regenerated, err := b.EnsureSliceableIndex()
	if err != nil {
		return nil, fmt.Errorf("ensuring sliceable index: %w", err)
	}
	if regenerated {
		p.logger.Warn("batch index not sliceable, regenerated as row ordinal",
			zap.String("index_field", b.IndexField()),
			zap.Int("rows", n))
	}

	size := p.maxRows
	if size <= 0 {
		size = n
	}

	windows := make([]*batch.Window, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		stop := start + size
		if stop > n {
			stop = n
		}
		w, err := b.Window(start, stop)
		if err != nil {
			return nil, fmt.Errorf("slicing window [%d, %d): %w", start, stop, err)
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// TaskedWindow pairs a window with the task descriptor its run executes.
type TaskedWindow struct {
	Window *batch.Window
	Task   *task.Descriptor
}

// Partition slices b and attaches t to every window. The task may be nil for
// runs driven purely by node configuration.
func (p *Producer) Partition(b *batch.Batch, t *task.Descriptor) ([]TaskedWindow, error) {
	windows, err := p.Windows(b)
	if err != nil {
		return nil, err
	}

	tasked := make([]TaskedWindow, len(windows))
	for i, w := range windows {
		tasked[i] = TaskedWindow{Window: w, Task: t}
	}
	return tasked, nil
}
