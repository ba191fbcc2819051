package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/defcal/internal/observability"
	"github.com/3leaps/defcal/pkg/batch"
	"github.com/3leaps/defcal/pkg/manifest"
	"github.com/3leaps/defcal/pkg/orchestrator"
	"github.com/3leaps/defcal/pkg/runner"
)

var runCmd = &cobra.Command{
	Use:   "run [flags] [-- command args...]",
	Short: "Run a batch of jobs in parallel",
	Long: `Run the simulation executable once per job directory, at most
--parallel at a time. Job i runs in <root>/<prefix><i>; stdout and stderr
are captured to stdout.log and stderr.log there, and job.json records its
state.

The batch is given either by flags or by a run manifest. A manifest with a
sweep section generates the sweep first (see 'defcal sweep').

A failing job does not stop the batch. The exit code is non-zero when any
job failed.

Examples:
  defcal run --total 40 -- vasp_std
  defcal run --total 40 --start 12 --resume skip-succeeded -- vasp_std
  defcal run --root runs --prefix job_ --width 3 --total 100 -p 8 -- mpirun -np 4 vasp_std
  defcal run --manifest batch.yaml --output file:batch.jsonl`,
	RunE: runRun,
}

var (
	runManifestPath string
	runRoot         string
	runTotal        int
	runStart        int
	runPrefix       string
	runWidth        int
	runDryRun       bool
	runExec         runFlags
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runManifestPath, "manifest", "m", "", "Run manifest (YAML or JSON)")
	runCmd.Flags().StringVar(&runRoot, "root", ".", "Directory holding the job directories")
	runCmd.Flags().IntVar(&runTotal, "total", 0, "Number of jobs; indices run from --start to total-1")
	runCmd.Flags().IntVar(&runStart, "start", 0, "First job index (skip earlier jobs)")
	runCmd.Flags().StringVar(&runPrefix, "prefix", "", "Job directory name prefix")
	runCmd.Flags().IntVar(&runWidth, "width", 0, "Zero-pad job indices to this many digits")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Show the plan without running anything")
	runExec.register(runCmd.Flags())
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := appConfig(ctx)

	rc := cfg.RunnerConfig()
	sink := configSink(cfg)
	var m *manifest.Manifest

	if runManifestPath != "" {
		var err error
		m, err = manifest.Load(runManifestPath)
		if err != nil {
			observability.CLILogger.Error("Failed to load manifest",
				zap.String("path", runManifestPath),
				zap.Error(err))
			return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
		}
		if rc, err = m.RunnerConfig(); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
		}
		sink = recordSink{
			Destination: m.Output.Destination,
			NATSURL:     m.Output.NATSURL,
			NATSPrefix:  m.Output.NATSPrefix,
		}
	} else if !cmd.Flags().Changed("total") {
		return exitError(foundry.ExitInvalidArgument, "Missing batch size",
			fmt.Errorf("--total or --manifest is required"))
	}

	commandFromArgs(cmd, args, &rc)
	if err := runExec.apply(cmd.Flags(), &rc); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid flag", err)
	}
	sink = runExec.sink(sink)
	rc.BatchID = newBatchID()

	if m != nil && m.Sweep != nil {
		return executeSweep(cmd, m.Sweep.Options(), rc, sink, runDryRun)
	}

	total, start := runTotal, runStart
	naming := batch.Naming{Root: runRoot, Prefix: runPrefix, Width: runWidth}
	if m != nil && m.Batch != nil {
		total, start = m.Batch.Total, m.Batch.Start
		naming = m.Batch.Naming()
		if cmd.Flags().Changed("start") {
			start = runStart
		}
	}

	if runDryRun {
		return showRunPlan(cmd, rc, naming, total, start)
	}

	w, cleanup, err := createWriter(cmd.OutOrStdout(), sink, rc.BatchID)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open output", err)
	}
	defer cleanup()

	observability.CLILogger.Info("Starting batch",
		zap.String("batch_id", rc.BatchID),
		zap.String("root", naming.Root),
		zap.Int("total", total),
		zap.Int("start", start),
		zap.Int("parallelism", rc.Parallelism))

	rep, err := orchestrator.RunBatch(ctx, orchestrator.BatchOptions{
		Runner: rc,
		Total:  total,
		Start:  start,
		Naming: naming,
		Writer: w,
		Logger: observability.CLILogger,
	})
	if rep == nil && err != nil && !isCancel(ctx, err) {
		return exitError(foundry.ExitInvalidArgument, "Cannot start batch", err)
	}
	return reportOutcome(ctx, rep, err)
}

func showRunPlan(cmd *cobra.Command, rc runner.Config, naming batch.Naming, total, start int) error {
	descs, err := batch.Partition(total, start, naming)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job range", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, "=== Run Plan (dry-run) ===")
	_, _ = fmt.Fprintf(out, "Command:      %s %v\n", rc.Command, rc.Args)
	_, _ = fmt.Fprintf(out, "Parallelism:  %d\n", rc.Parallelism)
	_, _ = fmt.Fprintf(out, "Job timeout:  %s\n", durationOrNone(rc.JobTimeout))
	_, _ = fmt.Fprintf(out, "Resume:       %s\n", rc.Resume)
	_, _ = fmt.Fprintf(out, "Jobs:         %d (indices %d..%d)\n", len(descs), descs[0].Index, descs[len(descs)-1].Index)
	root := naming.Root
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	_, _ = fmt.Fprintf(out, "Root:         %s\n", root)
	_, _ = fmt.Fprintf(out, "First dir:    %s\n", descs[0].Dir)
	_, _ = fmt.Fprintf(out, "Last dir:     %s\n", descs[len(descs)-1].Dir)
	return nil
}
