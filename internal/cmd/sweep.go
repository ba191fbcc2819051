package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/defcal/internal/observability"
	"github.com/3leaps/defcal/pkg/batch"
	"github.com/3leaps/defcal/pkg/orchestrator"
	"github.com/3leaps/defcal/pkg/runner"
	"github.com/3leaps/defcal/pkg/sweep"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep [flags] [-- command args...]",
	Short: "Generate and run a convergence sweep",
	Long: `Copy a base input deck into one directory per parameter value and run
them all. Values are start, start+step, ... while below end.

Parameters:
  cutoff   scale factor on the largest POTCAR ENMAX, written as ENCUT
           (default range 0.8..1.3 step 0.1)
  kpoints  k-points per reciprocal atom, written as a Gamma-centred
           KPOINTS mesh (default range 2000..4000 step 300)
  <TAG>    any other INCAR tag, set to each value verbatim

Examples:
  defcal sweep --base bulk --out encut --param cutoff -- vasp_std
  defcal sweep --base bulk --out kpts --param kpoints --set ISMEAR=0 -- vasp_std
  defcal sweep --base bulk --out sigma --param SIGMA --start 0.01 --end 0.11 --step 0.02 --generate-only
  defcal sweep report encut --tolerance 0.001`,
	RunE: runSweep,
}

var sweepReportCmd = &cobra.Command{
	Use:   "report <out_dir>",
	Short: "Show how a finished sweep's energies converge",
	Args:  cobra.ExactArgs(1),
	RunE:  runSweepReport,
}

var (
	sweepBase         string
	sweepOut          string
	sweepParam        string
	sweepStart        float64
	sweepEnd          float64
	sweepStep         float64
	sweepSet          []string
	sweepPrefix       string
	sweepWidth        int
	sweepGenerateOnly bool
	sweepDryRun       bool
	sweepExec         runFlags

	sweepTolerance float64
	sweepReportRaw bool
)

// sweepRanges are the default ranges of the dedicated parameters.
var sweepRanges = map[string][3]float64{
	sweep.ParamCutoff:  {0.8, 1.3, 0.1},
	sweep.ParamKPoints: {2000, 4000, 300},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.AddCommand(sweepReportCmd)

	f := sweepCmd.Flags()
	f.StringVar(&sweepBase, "base", ".", "Directory holding the base input deck")
	f.StringVar(&sweepOut, "out", "", "Output directory for the sweep points (required)")
	f.StringVar(&sweepParam, "param", sweep.ParamCutoff, "Swept parameter: cutoff, kpoints or an INCAR tag")
	f.Float64Var(&sweepStart, "start", 0, "First value")
	f.Float64Var(&sweepEnd, "end", 0, "End value (excluded)")
	f.Float64Var(&sweepStep, "step", 0, "Increment")
	f.StringArrayVar(&sweepSet, "set", nil, "INCAR override TAG=VALUE applied to every point (repeatable)")
	f.StringVar(&sweepPrefix, "prefix", "", "Point directory name prefix")
	f.IntVar(&sweepWidth, "width", 0, "Zero-pad point indices to this many digits")
	f.BoolVar(&sweepGenerateOnly, "generate-only", false, "Write the point directories without running them")
	f.BoolVar(&sweepDryRun, "dry-run", false, "Show the sweep values without writing anything")
	sweepExec.register(f)
	_ = sweepCmd.MarkFlagRequired("out")

	sweepReportCmd.Flags().Float64Var(&sweepTolerance, "tolerance", 0.001, "Per-atom energy tolerance in eV")
	sweepReportCmd.Flags().BoolVar(&sweepReportRaw, "json", false, "Output as JSON")
}

func runSweep(cmd *cobra.Command, args []string) error {
	opts, err := sweepOptionsFromFlags(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid sweep", err)
	}

	cfg := appConfig(cmd.Context())
	rc := cfg.RunnerConfig()
	commandFromArgs(cmd, args, &rc)
	if err := sweepExec.apply(cmd.Flags(), &rc); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid flag", err)
	}
	rc.BatchID = newBatchID()

	if sweepGenerateOnly {
		points, err := sweep.GenerateWith(opts)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to generate sweep", err)
		}
		return printPoints(cmd, opts.Parameter, points)
	}
	return executeSweep(cmd, opts, rc, sweepExec.sink(configSink(cfg)), sweepDryRun)
}

func sweepOptionsFromFlags(cmd *cobra.Command) (sweep.Options, error) {
	param := strings.TrimSpace(sweepParam)
	start, end, step := sweepStart, sweepEnd, sweepStep
	if def, ok := sweepRanges[strings.ToLower(param)]; ok {
		fs := cmd.Flags()
		if !fs.Changed("start") {
			start = def[0]
		}
		if !fs.Changed("end") {
			end = def[1]
		}
		if !fs.Changed("step") {
			step = def[2]
		}
	}

	overrides, err := parseOverrides(sweepSet)
	if err != nil {
		return sweep.Options{}, err
	}
	return sweep.Options{
		BaseDeck:  sweepBase,
		OutDir:    sweepOut,
		Parameter: param,
		Start:     start,
		End:       end,
		Step:      step,
		Naming:    batch.Naming{Prefix: sweepPrefix, Width: sweepWidth},
		Overrides: overrides,
	}, nil
}

func parseOverrides(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		tag, val, ok := strings.Cut(p, "=")
		tag = strings.ToUpper(strings.TrimSpace(tag))
		if !ok || tag == "" {
			return nil, fmt.Errorf("override %q: expected TAG=VALUE", p)
		}
		out[tag] = strings.TrimSpace(val)
	}
	return out, nil
}

// executeSweep generates opts and runs the points with rc.
func executeSweep(cmd *cobra.Command, opts sweep.Options, rc runner.Config, sink recordSink, dryRun bool) error {
	ctx := cmd.Context()

	if dryRun {
		values, err := sweep.Values(opts.Start, opts.End, opts.Step)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid sweep", err)
		}
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintln(out, "=== Sweep Plan (dry-run) ===")
		_, _ = fmt.Fprintf(out, "Parameter:    %s\n", opts.Parameter)
		_, _ = fmt.Fprintf(out, "Base deck:    %s\n", opts.BaseDeck)
		_, _ = fmt.Fprintf(out, "Output:       %s\n", opts.OutDir)
		_, _ = fmt.Fprintf(out, "Values:       %s\n", formatValues(values))
		_, _ = fmt.Fprintf(out, "Command:      %s %v\n", rc.Command, rc.Args)
		_, _ = fmt.Fprintf(out, "Parallelism:  %d\n", rc.Parallelism)
		return nil
	}

	w, cleanup, err := createWriter(cmd.OutOrStdout(), sink, rc.BatchID)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open output", err)
	}
	defer cleanup()

	observability.CLILogger.Info("Starting sweep",
		zap.String("batch_id", rc.BatchID),
		zap.String("parameter", opts.Parameter),
		zap.String("out_dir", opts.OutDir),
		zap.Int("parallelism", rc.Parallelism))

	rep, err := orchestrator.Sweep(ctx, orchestrator.SweepOptions{
		Sweep:  opts,
		Runner: rc,
		Writer: w,
		Logger: observability.CLILogger,
	})
	if rep == nil {
		if err != nil && !isCancel(ctx, err) {
			return exitError(foundry.ExitInvalidArgument, "Cannot run sweep", err)
		}
		return reportOutcome(ctx, nil, err)
	}
	return reportOutcome(ctx, &rep.Report, err)
}

func printPoints(cmd *cobra.Command, param string, points []sweep.Point) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintf(w, "INDEX\t%s\tSETTING\tDIR\n", strings.ToUpper(param))
	for _, p := range points {
		_, _ = fmt.Fprintf(w, "%d\t%g\t%s\t%s\n", p.Index, p.Value, p.Setting, p.Dir)
	}
	return nil
}

func runSweepReport(cmd *cobra.Command, args []string) error {
	conv, err := orchestrator.Converge(args[0], sweepTolerance, nil)
	if err != nil {
		return extractExit(err)
	}
	if sweepReportRaw {
		return printJSON(cmd, conv)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VALUE\tENERGY\tΔPREV\tΔFINAL\tΔFINAL/ATOM")
	for _, r := range conv.Rows {
		_, _ = fmt.Fprintf(w, "%g\t%.6f\t%.6f\t%.6f\t%.6f\n",
			r.Value, r.Energy, r.DeltaPrev, r.DeltaFinal, r.DeltaFinalPerAtom)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if conv.Converged != nil {
		_, _ = fmt.Fprintf(out, "converged at %g (tolerance %g eV/atom, %d atoms)\n", *conv.Converged, conv.Tolerance, conv.Atoms)
	} else {
		_, _ = fmt.Fprintf(out, "not converged within %g eV/atom\n", conv.Tolerance)
	}
	return nil
}
