package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/defcal/pkg/ledger"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control the jobs of a batch",
	Long: `Read the job.json records in the job directories of a batch.

A job is addressed by its index or by its directory. Records that claim
to be running but whose process is gone are reported as unknown.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs under --root",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <index|dir>",
	Short: "Show the record of one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <index|dir>",
	Short: "Stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <index|dir>",
	Short: "Show the captured output of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsRoot string

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsLogsCmd)

	jobsCmd.PersistentFlags().StringVar(&jobsRoot, "root", ".", "Directory holding the job directories")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("state", "", "Only list jobs in this state")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
	jobsStopCmd.Flags().Duration("wait", 30*time.Second, "How long to wait after SIGTERM before SIGKILL")
	jobsLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole file)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	stateFilter, _ := cmd.Flags().GetString("state")
	stateFilter = strings.ToLower(strings.TrimSpace(stateFilter))

	store := ledger.NewStore(jobsRoot)
	all, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read job records", err)
	}

	jobs := make([]ledger.Record, 0, len(all))
	for _, j := range all {
		if stateFilter == "" || string(j.State) == stateFilter {
			jobs = append(jobs, j)
		}
	}

	if jsonOutput {
		return printJSON(cmd, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "INDEX\tSTATE\tEXIT\tCPU(s)\tSTARTED\tELAPSED\tDIR")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.Index,
			j.State,
			formatOptionalInt(j.ExitCode),
			formatOptionalFloat(j.CPUTimeSec),
			formatOptionalTime(j.StartedAt),
			formatElapsed(j.Elapsed()),
			j.Dir,
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store := ledger.NewStore(jobsRoot)
	rec, err := resolveJob(store, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}

	if jsonOutput {
		return printJSON(cmd, rec)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "index=%d\n", rec.Index)
	_, _ = fmt.Fprintf(out, "dir=%s\n", rec.Dir)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	if rec.BatchID != "" {
		_, _ = fmt.Fprintf(out, "batch_id=%s\n", rec.BatchID)
	}
	if len(rec.Command) > 0 {
		_, _ = fmt.Fprintf(out, "command=%s\n", strings.Join(rec.Command, " "))
	}
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(out, "pid=%d\n", rec.PID)
	}
	if rec.ExitCode != nil {
		_, _ = fmt.Fprintf(out, "exit_code=%d\n", *rec.ExitCode)
	}
	if rec.CPUTimeSec != nil {
		_, _ = fmt.Fprintf(out, "cpu_time_sec=%g\n", *rec.CPUTimeSec)
	}
	if rec.Sweep != nil {
		_, _ = fmt.Fprintf(out, "sweep=%s=%g\n", rec.Sweep.Parameter, rec.Sweep.Value)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	return nil
}

// resolveJob accepts a job index or a job directory.
func resolveJob(store *ledger.Store, ref string) (*ledger.Record, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("job index or directory is required")
	}
	if index, err := strconv.Atoi(ref); err == nil {
		return store.Find(index)
	}
	return store.Get(ref)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func formatOptionalFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 1, 64)
}

func formatElapsed(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}
