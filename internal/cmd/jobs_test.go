package cmd

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/defcal/pkg/ledger"
	"github.com/3leaps/defcal/pkg/runner"
)

func writeLedger(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	store := ledger.NewStore(root)

	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	zero, one := 0, 1
	cpu := 42.0

	records := []*ledger.Record{
		{Index: 0, Dir: filepath.Join(root, "0"), State: ledger.StateSuccess, ExitCode: &zero, CPUTimeSec: &cpu,
			StartedAt: &started, EndedAt: &ended, Command: []string{"vasp_std"}},
		{Index: 1, Dir: filepath.Join(root, "1"), State: ledger.StateFailed, ExitCode: &one,
			StartedAt: &started, EndedAt: &ended, Error: "exit status 1"},
		{Index: 2, Dir: filepath.Join(root, "2"), State: ledger.StateQueued},
	}
	for _, rec := range records {
		require.NoError(t, store.Write(rec))
	}
	writeFile(t, filepath.Join(root, "1", runner.StdoutLog), "line 1\nline 2\nline 3\n")
	writeFile(t, filepath.Join(root, "1", runner.StderrLog), "segfault\n")
	return root
}

func TestJobsList(t *testing.T) {
	root := writeLedger(t)

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "jobs", "list", "--root", root)
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 4)
		assert.True(t, strings.HasPrefix(lines[0], "INDEX"))
		assert.Contains(t, lines[1], "success")
		assert.Contains(t, lines[1], "42.0")
		assert.Contains(t, lines[1], "1m30s")
		assert.Contains(t, lines[2], "failed")
		assert.Contains(t, lines[3], "queued")
	})

	t.Run("state filter", func(t *testing.T) {
		out, err := execute(t, "jobs", "list", "--root", root, "--state", "FAILED", "--json")
		require.NoError(t, err)

		var jobs []ledger.Record
		require.NoError(t, json.Unmarshal([]byte(out), &jobs))
		require.Len(t, jobs, 1)
		assert.Equal(t, 1, jobs[0].Index)
	})

	t.Run("empty root", func(t *testing.T) {
		out, err := execute(t, "jobs", "list", "--root", t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, "No jobs found\n", out)
	})
}

func TestJobsStatus(t *testing.T) {
	root := writeLedger(t)

	t.Run("by index", func(t *testing.T) {
		out, err := execute(t, "jobs", "status", "1", "--root", root)
		require.NoError(t, err)
		assert.Contains(t, out, "index=1\n")
		assert.Contains(t, out, "state=failed\n")
		assert.Contains(t, out, "exit_code=1\n")
		assert.Contains(t, out, "error=exit status 1\n")
	})

	t.Run("by directory", func(t *testing.T) {
		out, err := execute(t, "jobs", "status", filepath.Join(root, "0"), "--root", root, "--json")
		require.NoError(t, err)

		var rec ledger.Record
		require.NoError(t, json.Unmarshal([]byte(out), &rec))
		assert.Equal(t, 0, rec.Index)
		assert.Equal(t, []string{"vasp_std"}, rec.Command)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := execute(t, "jobs", "status", "7", "--root", root)
		requireExitCode(t, err, foundry.ExitFileNotFound)
	})
}

func TestJobsStop(t *testing.T) {
	root := writeLedger(t)

	t.Run("job not running", func(t *testing.T) {
		_, err := execute(t, "jobs", "stop", "0", "--root", root)
		requireExitCode(t, err, foundry.ExitInvalidArgument)
	})

	t.Run("invalid signal", func(t *testing.T) {
		_, err := execute(t, "jobs", "stop", "0", "--root", root, "--signal", "hup")
		requireExitCode(t, err, foundry.ExitInvalidArgument)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := execute(t, "jobs", "stop", "9", "--root", root)
		requireExitCode(t, err, foundry.ExitFileNotFound)
	})
}

func TestJobsLogs(t *testing.T) {
	root := writeLedger(t)

	t.Run("tail", func(t *testing.T) {
		out, err := execute(t, "jobs", "logs", "1", "--root", root, "--tail", "2")
		require.NoError(t, err)
		assert.Equal(t, "line 2\nline 3\n", out)
	})

	t.Run("whole file", func(t *testing.T) {
		out, err := execute(t, "jobs", "logs", "1", "--root", root, "--tail", "0")
		require.NoError(t, err)
		assert.Equal(t, "line 1\nline 2\nline 3\n", out)
	})

	t.Run("both streams", func(t *testing.T) {
		out, err := execute(t, "jobs", "logs", "1", "--root", root, "--stream", "both")
		require.NoError(t, err)
		assert.Equal(t, "line 1\nline 2\nline 3\nsegfault\n", out)
	})

	t.Run("invalid stream", func(t *testing.T) {
		_, err := execute(t, "jobs", "logs", "1", "--root", root, "--stream", "stdin")
		requireExitCode(t, err, foundry.ExitInvalidArgument)
	})

	t.Run("no log yet", func(t *testing.T) {
		_, err := execute(t, "jobs", "logs", "2", "--root", root)
		requireExitCode(t, err, foundry.ExitFileReadError)
	})
}

func TestTailLines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		n     int
		want  []string
	}{
		{name: "fewer lines than n", input: "a\nb\n", n: 5, want: []string{"a", "b"}},
		{name: "last n", input: "a\nb\nc\nd\n", n: 2, want: []string{"c", "d"}},
		{name: "no trailing newline", input: "a\nb\nc", n: 1, want: []string{"c"}},
		{name: "zero", input: "a\n", n: 0, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tailLines(strings.NewReader(tt.input), tt.n)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
