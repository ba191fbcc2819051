package cmd

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/defcal/pkg/ledger"
)

func runJobsStop(cmd *cobra.Command, args []string) error {
	sigStr, _ := cmd.Flags().GetString("signal")
	sigStr = strings.TrimSpace(strings.ToLower(sigStr))
	if sigStr == "" {
		sigStr = "term"
	}
	if sigStr != "term" && sigStr != "kill" {
		return exitError(foundry.ExitInvalidArgument, "Invalid --signal", fmt.Errorf("expected term or kill, got %q", sigStr))
	}
	wait, _ := cmd.Flags().GetDuration("wait")

	store := ledger.NewStore(jobsRoot)
	rec, err := resolveJob(store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}
	if rec.PID <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Cannot stop job", fmt.Errorf("job has no pid recorded"))
	}
	if rec.State != ledger.StateRunning {
		return exitError(foundry.ExitInvalidArgument, "Cannot stop job", fmt.Errorf("job is not running (state=%s)", rec.State))
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}

	sig := syscall.SIGTERM
	if sigStr == "kill" {
		sig = syscall.SIGKILL
	}

	// The runner finalizes the record as stopped when it sees the
	// stopping state on exit.
	now := time.Now().UTC()
	rec.State = ledger.StateStopping
	rec.LastHeartbeat = &now
	_ = store.Write(rec)

	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("signal %s: %w", sigStr, err)
	}

	out := cmd.OutOrStdout()
	if sig == syscall.SIGTERM {
		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			if !ledger.IsProcessAlive(rec.PID) {
				markStopped(store, rec)
				_, _ = fmt.Fprintf(out, "sent=term\n")
				return nil
			}
			time.Sleep(250 * time.Millisecond)
		}

		_ = proc.Signal(syscall.SIGKILL)
		markStopped(store, rec)
		_, _ = fmt.Fprintf(out, "sent=term;forced=kill\n")
		return nil
	}

	markStopped(store, rec)
	_, _ = fmt.Fprintf(out, "sent=kill\n")
	return nil
}

// markStopped records the stop unless the runner already finalized the
// job.
func markStopped(store *ledger.Store, rec *ledger.Record) {
	if cur, err := store.Get(rec.Dir); err == nil && cur.State.Terminal() {
		return
	}
	now := time.Now().UTC()
	rec.State = ledger.StateStopped
	rec.EndedAt = &now
	rec.LastHeartbeat = &now
	_ = store.Write(rec)
}
