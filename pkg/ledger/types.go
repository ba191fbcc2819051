package ledger

import "time"

// State is the lifecycle state of a job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateSuccess  State = "success"
	StateFailed   State = "failed"
	StateSkipped  State = "skipped"
	StateUnknown  State = "unknown"
)

// Terminal reports whether no further transition is expected.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateStopped, StateSkipped:
		return true
	default:
		return false
	}
}

// SweepInfo ties a job to the sweep point it was generated for.
type SweepInfo struct {
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
}

// Record is the persistent record written to <job dir>/job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	Index   int      `json:"index"`
	Dir     string   `json:"dir"`
	BatchID string   `json:"batch_id,omitempty"`
	State   State    `json:"state"`
	Command []string `json:"command,omitempty"`
	PID     int      `json:"pid,omitempty"`

	ExitCode   *int     `json:"exit_code,omitempty"`
	CPUTimeSec *float64 `json:"cpu_time_sec,omitempty"`
	Error      string   `json:"error,omitempty"`

	Sweep *SweepInfo `json:"sweep,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	StdoutPath    string     `json:"stdout_path,omitempty"`
	StderrPath    string     `json:"stderr_path,omitempty"`
}

// Elapsed returns wall-clock run time, or zero while unfinished.
func (r *Record) Elapsed() time.Duration {
	if r == nil || r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}
