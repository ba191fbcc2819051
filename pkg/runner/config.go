package runner

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig indicates a runner configuration that cannot run.
var ErrInvalidConfig = errors.New("invalid runner config")

// ResumePolicy decides what happens to jobs that already ran.
type ResumePolicy string

const (
	// ResumeRerun runs every descriptor regardless of prior state.
	ResumeRerun ResumePolicy = "rerun"

	// ResumeSkipSucceeded skips jobs whose ledger record is success.
	ResumeSkipSucceeded ResumePolicy = "skip-succeeded"
)

// ParseResumePolicy maps a configuration string to a policy.
// The empty string selects ResumeRerun.
func ParseResumePolicy(s string) (ResumePolicy, error) {
	switch ResumePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ResumeRerun:
		return ResumeRerun, nil
	case ResumeSkipSucceeded, "skip":
		return ResumeSkipSucceeded, nil
	default:
		return "", fmt.Errorf("%w: unknown resume policy %q", ErrInvalidConfig, s)
	}
}

// Config configures runner behavior.
type Config struct {
	// Command is the simulation executable, resolved through PATH.
	Command string

	// Args are passed to Command unchanged.
	Args []string

	// Env is appended to the inherited environment of every job.
	Env []string

	// Parallelism is the maximum number of concurrently running jobs.
	// Default: 4
	Parallelism int

	// JobTimeout bounds the run time of each job. Zero means unlimited.
	// Default: 0
	JobTimeout time.Duration

	// KillGrace is how long a job may keep running after SIGTERM before
	// it is killed.
	// Default: 10s
	KillGrace time.Duration

	// LaunchRate is the maximum number of process starts per second.
	// Zero means unlimited.
	// Default: 0
	LaunchRate float64

	// Resume selects the policy for jobs that already ran.
	// Default: ResumeRerun
	Resume ResumePolicy

	// BatchID correlates ledger records and output of one run. A random
	// UUID is generated when empty.
	BatchID string
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		Parallelism: 4,
		KillGrace:   10 * time.Second,
		Resume:      ResumeRerun,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Parallelism <= 0 {
		c.Parallelism = def.Parallelism
	}
	if c.KillGrace <= 0 {
		c.KillGrace = def.KillGrace
	}
	if c.Resume == "" {
		c.Resume = def.Resume
	}
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidConfig)
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("%w: job timeout must not be negative", ErrInvalidConfig)
	}
	if c.LaunchRate < 0 {
		return fmt.Errorf("%w: launch rate must not be negative", ErrInvalidConfig)
	}
	switch c.Resume {
	case ResumeRerun, ResumeSkipSucceeded:
	default:
		return fmt.Errorf("%w: unknown resume policy %q", ErrInvalidConfig, c.Resume)
	}
	return nil
}
