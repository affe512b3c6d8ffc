// Package batch holds the row payloads an execution tree operates on. A
// Batch is an ordered set of JSON rows with a designated index field; a
// Window is a bounded half-open view over those rows. Scopes receive windows,
// never whole batches, so row masks and node bodies always work against a
// known row count.
package batch

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultIndexField is the row field consulted when no custom index field is
// configured.
const DefaultIndexField = "_index"

// Batch is an ordered collection of JSON rows.
type Batch struct {
	rows       []json.RawMessage
	indexField string
}

// Option configures a Batch.
type Option func(*Batch)

// WithIndexField sets the row field used as the sliceable index.
func WithIndexField(field string) Option {
	return func(b *Batch) {
		if field != "" {
			b.indexField = field
		}
	}
}

// New creates a batch over rows. The rows slice is copied; the row bytes are
// not.
func New(rows []json.RawMessage, opts ...Option) *Batch {
	b := &Batch{
		rows:       append([]json.RawMessage(nil), rows...),
		indexField: DefaultIndexField,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FromJSON parses a JSON array of objects into a batch.
func FromJSON(data []byte, opts ...Option) (*Batch, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing batch rows: %w", err)
	}
	return New(rows, opts...), nil
}

// RowCount returns the number of rows.
func (b *Batch) RowCount() int {
	return len(b.rows)
}

// Row returns the row at position i.
func (b *Batch) Row(i int) json.RawMessage {
	return b.rows[i]
}

// Rows returns the full row slice. Callers must treat rows as read-only.
func (b *Batch) Rows() []json.RawMessage {
	return append([]json.RawMessage(nil), b.rows...)
}

// IndexField returns the name of the sliceable index field.
func (b *Batch) IndexField() string {
	return b.indexField
}

// EnsureSliceableIndex verifies the index field holds a strictly increasing
// numeric value across rows, which windowing depends on. When any row is
// missing the field, holds a non-number, or breaks monotonicity, the index is
// regenerated as the row ordinal on every row. The returned bool reports
// whether a regeneration happened.
func (b *Batch) EnsureSliceableIndex() (bool, error) {
	if len(b.rows) == 0 {
		return false, nil
	}
	if b.sliceable() {
		return false, nil
	}

	for i, row := range b.rows {
		updated, err := sjson.SetBytes(row, b.indexField, i)
		if err != nil {
			return false, fmt.Errorf("regenerating index on row %d: %w", i, err)
		}
		b.rows[i] = updated
	}
	return true, nil
}

func (b *Batch) sliceable() bool {
	prev := float64(0)
	for i, row := range b.rows {
		res := gjson.GetBytes(row, b.indexField)
		if !res.Exists() || res.Type != gjson.Number {
			return false
		}
		if i > 0 && res.Num <= prev {
			return false
		}
		prev = res.Num
	}
	return true
}

// Window creates a half-open view over rows [start, stop).
func (b *Batch) Window(start, stop int) (*Window, error) {
	if start < 0 || stop > len(b.rows) || start >= stop {
		return nil, fmt.Errorf("invalid window bounds [%d, %d) over %d rows", start, stop, len(b.rows))
	}
	return newWindow(b, start, stop), nil
}
