package report

import (
	"encoding/json"
	"io"
	"sync"

	"example.com/siomule/internal/instrument"
)

type flusher interface {
	Flush() error
}

// NDJSONWriter streams newline-delimited JSON objects to the underlying
// writer. It is safe for concurrent use.
type NDJSONWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher flusher
	count   map[string]int
}

// NewNDJSONWriter wraps w. If w has a Flush() error method (bufio.Writer),
// it is called after every batch.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	nw := &NDJSONWriter{writer: w, count: make(map[string]int)}
	if f, ok := w.(flusher); ok {
		nw.flusher = f
	}
	return nw
}

// WriteRecords writes one line per record and counts them by stream.
func (w *NDJSONWriter) WriteRecords(recs []instrument.Record) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, rec := range recs {
		if err := w.writeLocked(rec); err != nil {
			return err
		}
		w.count[rec.Stream]++
	}
	return w.flushLocked()
}

// Counts returns the records written per stream.
func (w *NDJSONWriter) Counts() map[string]int {
	out := make(map[string]int)
	if w == nil {
		return out
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range w.count {
		out[k] = v
	}
	return out
}

func (w *NDJSONWriter) writeLocked(rec instrument.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.writer.Write(data)
	return err
}

func (w *NDJSONWriter) flushLocked() error {
	if w.flusher == nil {
		return nil
	}
	return w.flusher.Flush()
}
