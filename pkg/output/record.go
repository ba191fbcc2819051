// Package output provides JSONL output for batch runs.
//
// Output is structured as typed record envelopes containing job
// transitions, extracted values, errors, and batch summaries. Each line
// is a self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: defcal.<type>.v<version>
const (
	// TypeJob identifies job transition records.
	TypeJob = "defcal.job.v1"

	// TypeValue identifies extracted-value records.
	TypeValue = "defcal.value.v1"

	// TypeSweepPoint identifies generated sweep points.
	TypeSweepPoint = "defcal.sweep_point.v1"

	// TypeError identifies error records.
	TypeError = "defcal.error.v1"

	// TypeSummary identifies final batch summary records.
	TypeSummary = "defcal.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "defcal.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// BatchID is the correlation ID for the batch.
	BatchID string `json:"batch_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// Job phases carried by JobRecord.
const (
	PhaseStarted  = "started"
	PhaseFinished = "finished"
	PhaseSkipped  = "skipped"
)

// JobRecord is the data payload for job transitions.
type JobRecord struct {
	Index int    `json:"index"`
	Dir   string `json:"dir"`
	Phase string `json:"phase"`

	// Status is set on finished and skipped records ("success", "failed", "skipped").
	Status     string   `json:"status,omitempty"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	CPUTimeSec *float64 `json:"cpu_time_sec,omitempty"`
	Error      string   `json:"error,omitempty"`

	// Duration is the wall-clock run time of a finished job.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// ValueRecord is the data payload for one extracted quantity.
type ValueRecord struct {
	Dir      string    `json:"dir"`
	Quantity string    `json:"quantity"`
	Atom     int       `json:"atom,omitempty"`
	Values   []float64 `json:"values,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// SweepPointRecord is the data payload for a generated sweep point.
type SweepPointRecord struct {
	Index     int     `json:"index"`
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	Dir       string  `json:"dir"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the entire batch,
// allowing partial results when some jobs fail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Index is the job index related to this error, if applicable.
	Index *int `json:"index,omitempty"`

	// Dir is the job directory related to this error, if applicable.
	Dir string `json:"dir,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeJobFailed = "JOB_FAILED"
	ErrCodeTimeout   = "TIMEOUT"
	ErrCodeCancelled = "CANCELLED"
	ErrCodeNotFound  = "NOT_FOUND"
	ErrCodeMalformed = "MALFORMED_REPORT"
	ErrCodeLedger    = "LEDGER"
	ErrCodeInternal  = "INTERNAL"
)

// SummaryRecord is the data payload for final batch summaries.
type SummaryRecord struct {
	Jobs      int `json:"jobs"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	// Duration is the total batch duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// CPUTimeSec sums the CPU time of jobs that reported one.
	CPUTimeSec float64 `json:"cpu_time_sec"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
