package runner

import (
	"errors"
	"fmt"
	"time"
)

// Status is the outcome of one job.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// ErrJobFailed is matched by every error stored on a failed Result.
var ErrJobFailed = errors.New("job failed")

// JobError describes a failed job.
//
// ExitCode is -1 when the process never produced one (start failure,
// timeout or cancellation). Err holds the cause, if any.
type JobError struct {
	Index    int
	ExitCode int
	Err      error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("job %d failed with exit code %d", e.Index, e.ExitCode)
	}
	return fmt.Sprintf("job %d failed with exit code %d: %v", e.Index, e.ExitCode, e.Err)
}

// Unwrap exposes both ErrJobFailed and the cause to errors.Is.
func (e *JobError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrJobFailed}
	}
	return []error{ErrJobFailed, e.Err}
}

// Result is the recorded outcome of one job.
type Result struct {
	Index  int
	Dir    string
	Status Status

	// ExitCode of the process; -1 when there was none.
	ExitCode int

	// CPUTime is read from the job's main report when obtainable.
	CPUTime *float64

	// Err is a *JobError for failed jobs and nil otherwise.
	Err error

	StartedAt time.Time
	EndedAt   time.Time
}

// Duration returns the wall-clock time the job ran.
func (r Result) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Summary contains aggregate statistics over a batch.
type Summary struct {
	Jobs      int
	Succeeded int
	Failed    int
	Skipped   int

	// CPUTime sums the CPU time of every result that reported one.
	CPUTime float64
}

// Summarize aggregates results.
func Summarize(results []Result) Summary {
	s := Summary{Jobs: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		}
		if r.CPUTime != nil {
			s.CPUTime += *r.CPUTime
		}
	}
	return s
}
