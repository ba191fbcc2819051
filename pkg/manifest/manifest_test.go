package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/defcal/pkg/runner"
)

// batchManifestYAML returns a minimal valid batch manifest.
func batchManifestYAML() string {
	return `version: "1.0"
run:
  command: vasp_std
batch:
  total: 10
`
}

// sweepManifestJSON returns a valid sweep manifest in JSON format.
func sweepManifestJSON() string {
	return `{
  "version": "1.0",
  "run": {"command": "mpirun", "args": ["-np", "16", "vasp_std"], "parallelism": 2, "job_timeout": "6h"},
  "sweep": {
    "base_deck": "base",
    "out_dir": "encut",
    "parameter": "cutoff",
    "start": 0.8,
    "end": 1.3,
    "step": 0.1,
    "overrides": {"NSW": "0"}
  },
  "output": {"destination": "file:events.jsonl", "nats_url": "nats://localhost:4222"}
}`
}

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Batch(t *testing.T) {
	path := writeManifest(t, "run.yaml", batchManifestYAML())

	m, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, m.Batch)
	assert.Nil(t, m.Sweep)
	assert.Equal(t, 10, m.Batch.Total)
	assert.Equal(t, filepath.Dir(path), m.Batch.Root, "root defaults to the manifest directory")

	// defaults
	assert.Equal(t, DefaultParallelism, m.Run.Parallelism)
	assert.Equal(t, DefaultKillGrace, m.Run.KillGrace)
	assert.Equal(t, DefaultResume, m.Run.Resume)
	assert.Equal(t, DefaultDestination, m.Output.Destination)
	assert.Equal(t, DefaultNATSPrefix, m.Output.NATSPrefix)
}

func TestLoad_SweepJSON(t *testing.T) {
	path := writeManifest(t, "run.json", sweepManifestJSON())
	dir := filepath.Dir(path)

	m, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, m.Sweep)
	assert.Equal(t, filepath.Join(dir, "base"), m.Sweep.BaseDeck)
	assert.Equal(t, filepath.Join(dir, "encut"), m.Sweep.OutDir)
	assert.Equal(t, "file:"+filepath.Join(dir, "events.jsonl"), m.Output.Destination)
	assert.Equal(t, map[string]string{"NSW": "0"}, m.Sweep.Overrides)

	opts := m.Sweep.Options()
	assert.Equal(t, "cutoff", opts.Parameter)
	assert.InDelta(t, 0.1, opts.Step, 1e-12)
}

func TestRunnerConfig(t *testing.T) {
	m, err := LoadFromBytes([]byte(sweepManifestJSON()), "run.json")
	require.NoError(t, err)

	cfg, err := m.RunnerConfig()
	require.NoError(t, err)
	assert.Equal(t, "mpirun", cfg.Command)
	assert.Equal(t, []string{"-np", "16", "vasp_std"}, cfg.Args)
	assert.Equal(t, 2, cfg.Parallelism)
	assert.Equal(t, 6*time.Hour, cfg.JobTimeout)
	assert.Equal(t, 10*time.Second, cfg.KillGrace)
	assert.Equal(t, runner.ResumeRerun, cfg.Resume)
}

func TestRunnerConfig_SkipSucceeded(t *testing.T) {
	data := strings.Replace(batchManifestYAML(), "command: vasp_std", "command: vasp_std\n  resume: skip-succeeded\n  kill_grace: 1m", 1)
	m, err := LoadFromBytes([]byte(data), "run.yaml")
	require.NoError(t, err)

	cfg, err := m.RunnerConfig()
	require.NoError(t, err)
	assert.Equal(t, runner.ResumeSkipSucceeded, cfg.Resume)
	assert.Equal(t, time.Minute, cfg.KillGrace)
	assert.Zero(t, cfg.JobTimeout)
}

func TestBatchNaming(t *testing.T) {
	b := &BatchConfig{Root: "/runs", Prefix: "job_", Width: 3}
	assert.Equal(t, "/runs/job_007", b.Naming().Dir(7))
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantPath string
	}{
		{
			name:    "empty",
			content: "",
		},
		{
			name: "unknown field",
			content: `version: "1.0"
run:
  command: vasp_std
  threads: 8
batch:
  total: 10
`,
			wantPath: "/run",
		},
		{
			name: "missing command",
			content: `version: "1.0"
run: {}
batch:
  total: 10
`,
			wantPath: "/run",
		},
		{
			name: "parallelism zero",
			content: `version: "1.0"
run:
  command: vasp_std
  parallelism: 0
batch:
  total: 10
`,
			wantPath: "/run/parallelism",
		},
		{
			name: "bad duration",
			content: `version: "1.0"
run:
  command: vasp_std
  job_timeout: forever
batch:
  total: 10
`,
			wantPath: "/run/job_timeout",
		},
		{
			name: "both batch and sweep",
			content: `version: "1.0"
run:
  command: vasp_std
batch:
  total: 10
sweep:
  base_deck: b
  out_dir: o
  parameter: cutoff
  start: 0.8
  end: 1.3
  step: 0.1
`,
		},
		{
			name: "neither batch nor sweep",
			content: `version: "1.0"
run:
  command: vasp_std
`,
		},
		{
			name: "wrong version",
			content: `version: "2.0"
run:
  command: vasp_std
batch:
  total: 10
`,
			wantPath: "/version",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.content), "run.yaml")
			require.Error(t, err)
			if tt.content == "" {
				return
			}
			assert.True(t, errors.Is(err, ErrValidationFailed), "got %v", err)

			if tt.wantPath != "" {
				var verrs ValidationErrors
				require.True(t, errors.As(err, &verrs))
				found := false
				for _, v := range verrs {
					if v.Path == tt.wantPath {
						found = true
					}
				}
				assert.True(t, found, "expected an error at %s, got %v", tt.wantPath, verrs)
			}
		})
	}
}

func TestLoad_FileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadFromReader(t *testing.T) {
	m, err := LoadFromReader(strings.NewReader(batchManifestYAML()), "")
	require.NoError(t, err)
	assert.Equal(t, "vasp_std", m.Run.Command)
}

func TestValidate(t *testing.T) {
	m, err := LoadFromBytes([]byte(batchManifestYAML()), "run.yaml")
	require.NoError(t, err)
	assert.NoError(t, Validate(m))

	m.Run.Resume = "sometimes"
	assert.ErrorIs(t, Validate(m), ErrValidationFailed)
}

func TestValidationErrors_Error(t *testing.T) {
	assert.Equal(t, "validation failed", ValidationErrors{}.Error())
	assert.Equal(t, "/run: missing command", ValidationErrors{{Path: "/run", Message: "missing command"}}.Error())

	multi := ValidationErrors{{Path: "/a", Message: "x"}, {Message: "y"}}
	assert.Equal(t, "manifest validation failed with 2 errors:\n  - /a: x\n  - y", multi.Error())
}
