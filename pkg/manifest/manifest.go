// Package manifest provides loading and validation of defcal run manifests.
//
// A run manifest is a YAML or JSON file describing one batch run: the
// executable to launch, how many jobs may run at once, and either a plain
// indexed batch or a parameter sweep to generate first.
//
// Manifests are validated against an embedded JSON Schema before use. The
// schema enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	run:
//	  command: vasp_std
//	  parallelism: 4
//	  job_timeout: 6h
//	  resume: skip-succeeded
//	sweep:
//	  base_deck: base
//	  out_dir: encut
//	  parameter: cutoff
//	  start: 0.8
//	  end: 1.3
//	  step: 0.1
package manifest

import (
	"fmt"
	"time"

	"github.com/3leaps/defcal/pkg/batch"
	"github.com/3leaps/defcal/pkg/runner"
	"github.com/3leaps/defcal/pkg/sweep"
)

// Manifest represents a validated run manifest.
//
// Exactly one of Batch and Sweep is set.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	Run    RunConfig    `json:"run" yaml:"run"`
	Batch  *BatchConfig `json:"batch,omitempty" yaml:"batch,omitempty"`
	Sweep  *SweepConfig `json:"sweep,omitempty" yaml:"sweep,omitempty"`
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// RunConfig configures process execution.
type RunConfig struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env     []string `json:"env,omitempty" yaml:"env,omitempty"`

	// Parallelism is the number of concurrent jobs. Range: 1-1024. Default: 4.
	Parallelism int `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`

	// JobTimeout is a Go duration string ("6h", "90m"). Empty or "0" means
	// unlimited.
	JobTimeout string `json:"job_timeout,omitempty" yaml:"job_timeout,omitempty"`

	// KillGrace is the SIGTERM-to-SIGKILL delay. Default: 10s.
	KillGrace string `json:"kill_grace,omitempty" yaml:"kill_grace,omitempty"`

	// LaunchRate is the maximum process starts per second (0 = unlimited).
	LaunchRate float64 `json:"launch_rate,omitempty" yaml:"launch_rate,omitempty"`

	// Resume is "rerun" or "skip-succeeded". Default: rerun.
	Resume string `json:"resume,omitempty" yaml:"resume,omitempty"`
}

// BatchConfig describes an indexed batch of pre-populated job directories.
type BatchConfig struct {
	Root   string `json:"root,omitempty" yaml:"root,omitempty"`
	Total  int    `json:"total" yaml:"total"`
	Start  int    `json:"start,omitempty" yaml:"start,omitempty"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Width  int    `json:"width,omitempty" yaml:"width,omitempty"`
}

// SweepConfig describes a parameter sweep to generate and run.
type SweepConfig struct {
	BaseDeck  string            `json:"base_deck" yaml:"base_deck"`
	OutDir    string            `json:"out_dir" yaml:"out_dir"`
	Parameter string            `json:"parameter" yaml:"parameter"`
	Start     float64           `json:"start" yaml:"start"`
	End       float64           `json:"end" yaml:"end"`
	Step      float64           `json:"step" yaml:"step"`
	Overrides map[string]string `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// OutputConfig configures where run records go.
type OutputConfig struct {
	// Destination is "stdout" or "file:<path>". Default: stdout.
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	// NATSURL enables publishing records to a NATS server when set.
	NATSURL string `json:"nats_url,omitempty" yaml:"nats_url,omitempty"`

	// NATSPrefix is the subject prefix. Default: defcal.
	NATSPrefix string `json:"nats_prefix,omitempty" yaml:"nats_prefix,omitempty"`
}

// Default values for optional manifest fields.
const (
	DefaultParallelism = 4
	DefaultKillGrace   = "10s"
	DefaultResume      = string(runner.ResumeRerun)
	DefaultDestination = "stdout"
	DefaultNATSPrefix  = "defcal"
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Run.Parallelism == 0 {
		m.Run.Parallelism = DefaultParallelism
	}
	if m.Run.KillGrace == "" {
		m.Run.KillGrace = DefaultKillGrace
	}
	if m.Run.Resume == "" {
		m.Run.Resume = DefaultResume
	}
	if m.Output.Destination == "" {
		m.Output.Destination = DefaultDestination
	}
	if m.Output.NATSPrefix == "" {
		m.Output.NATSPrefix = DefaultNATSPrefix
	}
}

// RunnerConfig converts the run section into a runner configuration.
func (m *Manifest) RunnerConfig() (runner.Config, error) {
	cfg := runner.DefaultConfig()
	cfg.Command = m.Run.Command
	cfg.Args = m.Run.Args
	cfg.Env = m.Run.Env
	if m.Run.Parallelism > 0 {
		cfg.Parallelism = m.Run.Parallelism
	}
	cfg.LaunchRate = m.Run.LaunchRate

	var err error
	if cfg.JobTimeout, err = parseDuration(m.Run.JobTimeout); err != nil {
		return cfg, fmt.Errorf("run.job_timeout: %w", err)
	}
	if m.Run.KillGrace != "" {
		if cfg.KillGrace, err = parseDuration(m.Run.KillGrace); err != nil {
			return cfg, fmt.Errorf("run.kill_grace: %w", err)
		}
	}
	if cfg.Resume, err = runner.ParseResumePolicy(m.Run.Resume); err != nil {
		return cfg, fmt.Errorf("run.resume: %w", err)
	}
	return cfg, nil
}

// Naming returns the directory naming of the batch section.
func (b *BatchConfig) Naming() batch.Naming {
	return batch.Naming{Root: b.Root, Prefix: b.Prefix, Width: b.Width}
}

// Options converts the sweep section into generator options.
func (s *SweepConfig) Options() sweep.Options {
	return sweep.Options{
		BaseDeck:  s.BaseDeck,
		OutDir:    s.OutDir,
		Parameter: s.Parameter,
		Start:     s.Start,
		End:       s.End,
		Step:      s.Step,
		Overrides: s.Overrides,
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
