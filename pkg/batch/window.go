package batch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Window is a bounded view over a batch's rows. Every window carries its own
// identity so results and archives can be keyed per window.
type Window struct {
	id    string
	batch *Batch
	start int
	stop  int
}

func newWindow(b *Batch, start, stop int) *Window {
	return &Window{
		id:    uuid.NewString(),
		batch: b,
		start: start,
		stop:  stop,
	}
}

// ID returns the window's unique identity.
func (w *Window) ID() string {
	return w.id
}

// RowCount returns the number of rows in the window.
func (w *Window) RowCount() int {
	return w.stop - w.start
}

// Bounds returns the half-open row range [start, stop) the window covers.
func (w *Window) Bounds() (start, stop int) {
	return w.start, w.stop
}

// Row returns the window-relative row at position i.
func (w *Window) Row(i int) json.RawMessage {
	return w.batch.rows[w.start+i]
}

// Rows returns the window's rows. Callers must treat rows as read-only.
func (w *Window) Rows() []json.RawMessage {
	return append([]json.RawMessage(nil), w.batch.rows[w.start:w.stop]...)
}

// RowIndex reads the sliceable index value of the window-relative row i.
func (w *Window) RowIndex(i int) (int64, bool) {
	res := gjson.GetBytes(w.Row(i), w.batch.indexField)
	if !res.Exists() || res.Type != gjson.Number {
		return 0, false
	}
	return res.Int(), true
}

// JSON renders the window's rows as a JSON array.
func (w *Window) JSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i := w.start; i < w.stop; i++ {
		if i > w.start {
			buf.WriteByte(',')
		}
		buf.Write(w.batch.rows[i])
	}
	buf.WriteByte(']')

	if !json.Valid(buf.Bytes()) {
		return nil, fmt.Errorf("window %s contains invalid row JSON", w.id)
	}
	return buf.Bytes(), nil
}
