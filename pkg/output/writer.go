package output

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
)

// Writer outputs batch records.
//
// Implementations must be safe for concurrent use from multiple
// goroutines.
type Writer interface {
	// WriteJob emits a job transition record.
	WriteJob(ctx context.Context, job *JobRecord) error

	// WriteValue emits an extracted-value record.
	WriteValue(ctx context.Context, v *ValueRecord) error

	// WriteSweepPoint emits a generated sweep point.
	WriteSweepPoint(ctx context.Context, p *SweepPointRecord) error

	// WriteError emits an error record.
	WriteError(ctx context.Context, err *ErrorRecord) error

	// WriteSummary emits a summary record.
	WriteSummary(ctx context.Context, sum *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w       io.Writer
	batchID string
	mu      sync.Mutex

	// closed indicates the writer has been closed.
	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
//
// Parameters:
//   - w: The underlying writer (stdout, file, etc.)
//   - batchID: Correlation ID stamped on every record
func NewJSONLWriter(w io.Writer, batchID string) *JSONLWriter {
	return &JSONLWriter{
		w:       w,
		batchID: batchID,
	}
}

// WriteJob emits a job transition record.
func (jw *JSONLWriter) WriteJob(ctx context.Context, job *JobRecord) error {
	return jw.writeRecord(ctx, TypeJob, job)
}

// WriteValue emits an extracted-value record.
func (jw *JSONLWriter) WriteValue(ctx context.Context, v *ValueRecord) error {
	return jw.writeRecord(ctx, TypeValue, v)
}

// WriteSweepPoint emits a generated sweep point.
func (jw *JSONLWriter) WriteSweepPoint(ctx context.Context, p *SweepPointRecord) error {
	return jw.writeRecord(ctx, TypeSweepPoint, p)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, sum)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line.
//
// This method holds the mutex for the entire write to ensure atomic
// line writes.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Marshal the data payload first (outside the lock for better concurrency)
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	record := Record{
		Type:    recordType,
		TS:      time.Now().UTC(),
		BatchID: jw.batchID,
		Data:    dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer is allowed to return n < len(p) with nil error, which
	// would silently truncate JSONL lines.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			// No progress made - avoid infinite loop
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Discard is a Writer that drops every record.
var Discard Writer = discard{}

type discard struct{}

func (discard) WriteJob(context.Context, *JobRecord) error               { return nil }
func (discard) WriteValue(context.Context, *ValueRecord) error           { return nil }
func (discard) WriteSweepPoint(context.Context, *SweepPointRecord) error { return nil }
func (discard) WriteError(context.Context, *ErrorRecord) error           { return nil }
func (discard) WriteSummary(context.Context, *SummaryRecord) error       { return nil }
func (discard) Close() error                                             { return nil }

// Multi fans every record out to all writers. Every writer is attempted;
// the errors are joined.
func Multi(writers ...Writer) Writer {
	flat := make([]Writer, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			flat = append(flat, w)
		}
	}
	return multiWriter(flat)
}

type multiWriter []Writer

func (m multiWriter) each(fn func(Writer) error) error {
	var errs []error
	for _, w := range m {
		if err := fn(w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiWriter) WriteJob(ctx context.Context, job *JobRecord) error {
	return m.each(func(w Writer) error { return w.WriteJob(ctx, job) })
}

func (m multiWriter) WriteValue(ctx context.Context, v *ValueRecord) error {
	return m.each(func(w Writer) error { return w.WriteValue(ctx, v) })
}

func (m multiWriter) WriteSweepPoint(ctx context.Context, p *SweepPointRecord) error {
	return m.each(func(w Writer) error { return w.WriteSweepPoint(ctx, p) })
}

func (m multiWriter) WriteError(ctx context.Context, e *ErrorRecord) error {
	return m.each(func(w Writer) error { return w.WriteError(ctx, e) })
}

func (m multiWriter) WriteSummary(ctx context.Context, sum *SummaryRecord) error {
	return m.each(func(w Writer) error { return w.WriteSummary(ctx, sum) })
}

func (m multiWriter) Close() error {
	return m.each(func(w Writer) error { return w.Close() })
}

// Compile-time checks.
var (
	_ Writer = (*JSONLWriter)(nil)
	_ Writer = multiWriter(nil)
)
