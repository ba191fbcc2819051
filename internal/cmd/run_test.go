package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/defcal/pkg/ledger"
	"github.com/3leaps/defcal/pkg/orchestrator"
	"github.com/3leaps/defcal/pkg/output"
	"github.com/3leaps/defcal/pkg/runner"
)

func readRecords(t *testing.T, jsonl string) []output.Record {
	t.Helper()
	var records []output.Record
	sc := bufio.NewScanner(strings.NewReader(jsonl))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec output.Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		records = append(records, rec)
	}
	return records
}

func TestRunCommand(t *testing.T) {
	t.Run("runs every job and records success", func(t *testing.T) {
		root := t.TempDir()
		out, err := execute(t, "run", "--root", root, "--total", "3", "--prefix", "job_",
			"--", "/bin/sh", "-c", "echo done")
		require.NoError(t, err)

		store := ledger.NewStore(root)
		records, err := store.List()
		require.NoError(t, err)
		require.Len(t, records, 3)
		for i, rec := range records {
			assert.Equal(t, i, rec.Index)
			assert.Equal(t, ledger.StateSuccess, rec.State)
		}

		log, err := os.ReadFile(filepath.Join(root, "job_1", runner.StdoutLog))
		require.NoError(t, err)
		assert.Equal(t, "done\n", string(log))

		recs := readRecords(t, out)
		require.NotEmpty(t, recs)
		last := recs[len(recs)-1]
		assert.Equal(t, output.TypeSummary, last.Type)
		assert.NotEmpty(t, last.BatchID)
	})

	t.Run("failed job sets the exit code", func(t *testing.T) {
		root := t.TempDir()
		_, err := execute(t, "run", "--root", root, "--total", "2", "-o", "none",
			"--", "/bin/sh", "-c", `test "$DEFCAL_JOB_INDEX" = 0`)
		requireExitCode(t, err, exitJobsFailed)

		first, err := ledger.NewStore(root).Find(0)
		require.NoError(t, err)
		assert.Equal(t, ledger.StateSuccess, first.State)

		second, err := ledger.NewStore(root).Find(1)
		require.NoError(t, err)
		assert.Equal(t, ledger.StateFailed, second.State)
	})

	t.Run("start skips earlier indices", func(t *testing.T) {
		root := t.TempDir()
		_, err := execute(t, "run", "--root", root, "--total", "4", "--start", "2", "-o", "none",
			"--", "/bin/sh", "-c", "true")
		require.NoError(t, err)

		assert.NoDirExists(t, filepath.Join(root, "0"))
		assert.NoDirExists(t, filepath.Join(root, "1"))
		assert.FileExists(t, filepath.Join(root, "2", ledger.FileName))
		assert.FileExists(t, filepath.Join(root, "3", ledger.FileName))
	})

	t.Run("output file", func(t *testing.T) {
		root := t.TempDir()
		dest := filepath.Join(t.TempDir(), "batch.jsonl")
		out, err := execute(t, "run", "--root", root, "--total", "1", "-o", "file:"+dest,
			"--", "/bin/sh", "-c", "true")
		require.NoError(t, err)
		assert.Empty(t, out)

		b, err := os.ReadFile(dest)
		require.NoError(t, err)
		recs := readRecords(t, string(b))
		require.NotEmpty(t, recs)
		assert.Equal(t, output.TypeSummary, recs[len(recs)-1].Type)
	})

	t.Run("dry run writes nothing", func(t *testing.T) {
		root := t.TempDir()
		out, err := execute(t, "run", "--root", root, "--total", "5", "--start", "1", "--width", "3",
			"--dry-run", "--", "vasp_std")
		require.NoError(t, err)
		assert.Contains(t, out, "Jobs:         4 (indices 1..4)")
		assert.Contains(t, out, "Command:      vasp_std []")
		assert.Contains(t, out, filepath.Join(root, "004"))

		entries, err := os.ReadDir(root)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("batch size is required", func(t *testing.T) {
		_, err := execute(t, "run", "--", "/bin/sh", "-c", "true")
		requireExitCode(t, err, foundry.ExitInvalidArgument)
	})

	t.Run("command is required", func(t *testing.T) {
		_, err := execute(t, "run", "--root", t.TempDir(), "--total", "1", "-o", "none")
		requireExitCode(t, err, foundry.ExitInvalidArgument)
	})

	t.Run("invalid resume policy", func(t *testing.T) {
		_, err := execute(t, "run", "--root", t.TempDir(), "--total", "1", "--resume", "later",
			"--", "/bin/sh", "-c", "true")
		requireExitCode(t, err, foundry.ExitInvalidArgument)
	})
}

func TestRunCommand_Manifest(t *testing.T) {
	root := t.TempDir()
	manifestPath := filepath.Join(t.TempDir(), "batch.yaml")
	writeFile(t, manifestPath, `version: "1.0"
run:
  command: /bin/sh
  args: ["-c", "true"]
  parallelism: 2
batch:
  root: `+root+`
  total: 3
  prefix: run_
output:
  destination: none
`)

	_, err := execute(t, "run", "--manifest", manifestPath)
	require.NoError(t, err)

	records, err := ledger.NewStore(root).List()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, filepath.Join(root, "run_2"), records[2].Dir)
}

func TestCommandFromArgs(t *testing.T) {
	cmd := &cobra.Command{Use: "x"}

	var cfg runner.Config
	cmd.SetArgs([]string{"--", "mpirun", "-np", "4", "vasp_std"})
	cmd.RunE = func(c *cobra.Command, args []string) error {
		commandFromArgs(c, args, &cfg)
		return nil
	}
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "mpirun", cfg.Command)
	assert.Equal(t, []string{"-np", "4", "vasp_std"}, cfg.Args)

	kept := runner.Config{Command: "vasp_std"}
	cmd.SetArgs([]string{})
	cmd.RunE = func(c *cobra.Command, args []string) error {
		commandFromArgs(c, args, &kept)
		return nil
	}
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "vasp_std", kept.Command, "no dash keeps the configured command")
}

func TestReportOutcome(t *testing.T) {
	ctx := context.Background()

	ok := &orchestrator.Report{Summary: runner.Summary{Jobs: 2, Succeeded: 2}}
	assert.NoError(t, reportOutcome(ctx, ok, nil))

	failed := &orchestrator.Report{Summary: runner.Summary{Jobs: 2, Succeeded: 1, Failed: 1}}
	err := reportOutcome(ctx, failed, nil)
	assert.Equal(t, exitJobsFailed, exitCode(err))
	assert.ErrorIs(t, err, runner.ErrJobFailed)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, foundry.ExitSignalInt, exitCode(reportOutcome(cancelled, ok, context.Canceled)))

	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(reportOutcome(ctx, nil, runner.ErrInvalidConfig)))
}

func TestDurationOrNone(t *testing.T) {
	assert.Equal(t, "none", durationOrNone(0))
	assert.Equal(t, "6h0m0s", durationOrNone(6*time.Hour))
}
