package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/3leaps/defcal/internal/config"
	"github.com/3leaps/defcal/internal/observability"
	"github.com/3leaps/defcal/pkg/orchestrator"
	"github.com/3leaps/defcal/pkg/runner"
)

// runFlags are the execution flags shared by run and sweep.
type runFlags struct {
	parallel   int
	timeout    time.Duration
	killGrace  time.Duration
	launchRate float64
	resume     string
	env        []string

	output     string
	natsURL    string
	natsPrefix string
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.IntVarP(&f.parallel, "parallel", "p", 0, "Maximum concurrent jobs (default: runner.parallelism, 4)")
	fs.DurationVar(&f.timeout, "timeout", 0, "Per-job time limit, e.g. 6h (0 = unlimited)")
	fs.DurationVar(&f.killGrace, "kill-grace", 0, "Delay between SIGTERM and SIGKILL (default: 10s)")
	fs.Float64Var(&f.launchRate, "launch-rate", 0, "Maximum process starts per second (0 = unlimited)")
	fs.StringVar(&f.resume, "resume", "", "Resume policy: rerun or skip-succeeded")
	fs.StringArrayVar(&f.env, "env", nil, "Extra KEY=VALUE for every job (repeatable)")
	fs.StringVarP(&f.output, "output", "o", "", "Record destination: stdout, none or file:<path>")
	fs.StringVar(&f.natsURL, "nats-url", "", "Also publish records to this NATS server")
	fs.StringVar(&f.natsPrefix, "nats-prefix", "", "NATS subject prefix (default: defcal)")
}

// apply overrides cfg with the flags the user set.
func (f *runFlags) apply(fs *pflag.FlagSet, cfg *runner.Config) error {
	if fs.Changed("parallel") {
		if f.parallel < 1 {
			return fmt.Errorf("--parallel must be >= 1")
		}
		cfg.Parallelism = f.parallel
	}
	if fs.Changed("timeout") {
		cfg.JobTimeout = f.timeout
	}
	if fs.Changed("kill-grace") {
		cfg.KillGrace = f.killGrace
	}
	if fs.Changed("launch-rate") {
		cfg.LaunchRate = f.launchRate
	}
	if fs.Changed("resume") {
		policy, err := runner.ParseResumePolicy(f.resume)
		if err != nil {
			return err
		}
		cfg.Resume = policy
	}
	cfg.Env = append(cfg.Env, f.env...)
	return nil
}

// sink merges the output flags over base.
func (f *runFlags) sink(base recordSink) recordSink {
	if f.output != "" {
		base.Destination = f.output
	}
	if f.natsURL != "" {
		base.NATSURL = f.natsURL
	}
	if f.natsPrefix != "" {
		base.NATSPrefix = f.natsPrefix
	}
	return base
}

// configSink is the record sink from the loaded configuration.
func configSink(cfg *config.Config) recordSink {
	return recordSink{
		Destination: cfg.Output.Destination,
		NATSURL:     cfg.Output.NATSURL,
		NATSPrefix:  cfg.Output.NATSPrefix,
	}
}

// commandFromArgs fills Command and Args from the words after "--".
func commandFromArgs(cmd *cobra.Command, args []string, cfg *runner.Config) {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 || dash >= len(args) {
		return
	}
	cfg.Command = args[dash]
	cfg.Args = append([]string(nil), args[dash+1:]...)
}

func newBatchID() string {
	return uuid.NewString()
}

// reportOutcome logs a batch report and converts failures into exit
// errors.
func reportOutcome(ctx context.Context, rep *orchestrator.Report, err error) error {
	if rep != nil {
		observability.CLILogger.Info("Batch finished",
			zap.String("batch_id", rep.BatchID),
			zap.Int("jobs", rep.Summary.Jobs),
			zap.Int("succeeded", rep.Summary.Succeeded),
			zap.Int("failed", rep.Summary.Failed),
			zap.Int("skipped", rep.Summary.Skipped),
			zap.Float64("cpu_time_sec", rep.Summary.CPUTime))
	}

	switch {
	case err == nil:
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, "Batch cancelled", err)
	case errors.Is(err, runner.ErrInvalidConfig):
		return exitError(foundry.ExitInvalidArgument, "Invalid run configuration", err)
	default:
		return exitError(foundry.ExitInvalidArgument, "Batch failed", err)
	}

	if rep != nil && rep.Summary.Failed > 0 {
		return exitError(exitJobsFailed,
			fmt.Sprintf("%d of %d jobs failed", rep.Summary.Failed, rep.Summary.Jobs),
			runner.ErrJobFailed)
	}
	return nil
}

func isCancel(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func durationOrNone(d time.Duration) string {
	if d <= 0 {
		return "none"
	}
	return d.String()
}
