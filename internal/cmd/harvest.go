package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/defcal/internal/observability"
	"github.com/3leaps/defcal/pkg/harvest"
	"github.com/3leaps/defcal/pkg/match"
	"github.com/3leaps/defcal/pkg/output"
)

var harvestCmd = &cobra.Command{
	Use:   "harvest <root>",
	Short: "Collect quantities across many job directories",
	Long: `Walk <root> for job directories (those holding job.json or an OUTCAR)
selected by --include/--exclude globs and extract every --quantity from
each of them.

Results are printed as a table, or as JSONL value records with --json.
--db stores them in a SQLite database and --xlsx writes a workbook.

Examples:
  defcal harvest runs --quantity energy --quantity gap
  defcal harvest runs --include 'cutoff_*' --quantity energy --xlsx cutoff.xlsx
  defcal harvest . --quantity electrostatic-potential:12 --db results.db`,
	Args: cobra.ExactArgs(1),
	RunE: runHarvest,
}

func init() {
	rootCmd.AddCommand(harvestCmd)

	harvestCmd.Flags().StringArray("include", []string{"**"}, "Glob of job directories to include, relative to root (repeatable)")
	harvestCmd.Flags().StringArray("exclude", nil, "Glob of job directories to exclude (repeatable)")
	harvestCmd.Flags().Bool("include-hidden", false, "Descend into hidden directories")
	harvestCmd.Flags().StringArrayP("quantity", "q", []string{"energy"}, "Quantity to collect, quantity or quantity:atom (repeatable)")
	harvestCmd.Flags().String("db", "", "SQLite results database (default: harvest.database from config)")
	harvestCmd.Flags().String("xlsx", "", "Write an XLSX workbook to this path")
	harvestCmd.Flags().Bool("json", false, "Emit JSONL value records")
}

func runHarvest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	root := args[0]

	includes, _ := cmd.Flags().GetStringArray("include")
	excludes, _ := cmd.Flags().GetStringArray("exclude")
	hidden, _ := cmd.Flags().GetBool("include-hidden")
	quantities, _ := cmd.Flags().GetStringArray("quantity")
	dbPath, _ := cmd.Flags().GetString("db")
	xlsxPath, _ := cmd.Flags().GetString("xlsx")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if !cmd.Flags().Changed("db") {
		dbPath = appConfig(ctx).Harvest.Database
	}

	specs, err := harvest.ParseSpecs(quantities)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --quantity", err)
	}

	m, err := match.New(match.Config{Includes: includes, Excludes: excludes, IncludeHidden: hidden})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid pattern", err)
	}

	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", root)
		}
		return exitError(foundry.ExitFileNotFound, "Harvest root not found", err)
	}

	dirs, err := m.Walk(root)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to walk root", err)
	}
	observability.CLILogger.Debug("Harvest directories selected",
		zap.String("root", root),
		zap.Strings("includes", m.IncludePatterns()),
		zap.Int("dirs", len(dirs)))

	entries, err := harvest.Collect(ctx, root, dirs, specs)
	if err != nil {
		return exitError(foundry.ExitSignalInt, "Harvest interrupted", err)
	}

	if dbPath != "" {
		if err := saveHarvest(cmd, dbPath, root, specs, entries); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to store harvest", err)
		}
	}
	if xlsxPath != "" {
		if err := writeWorkbook(xlsxPath, specs, entries); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write workbook", err)
		}
		observability.CLILogger.Info("Workbook written", zap.String("path", xlsxPath))
	}

	if jsonOutput {
		return printHarvestJSONL(cmd, entries)
	}
	return printHarvestTable(cmd, specs, entries)
}

func saveHarvest(cmd *cobra.Command, path, root string, specs []harvest.Spec, entries []harvest.Entry) error {
	ctx := cmd.Context()
	store, err := harvest.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	id := uuid.NewString()
	if err := store.Save(ctx, id, root, specs, entries); err != nil {
		return err
	}
	observability.CLILogger.Info("Harvest stored",
		zap.String("db", path),
		zap.String("harvest_id", id),
		zap.Int("dirs", len(entries)))
	return nil
}

func writeWorkbook(path string, specs []harvest.Spec, entries []harvest.Entry) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return harvest.WriteXLSX(f, specs, entries)
}

func printHarvestJSONL(cmd *cobra.Command, entries []harvest.Entry) error {
	w := output.NewJSONLWriter(cmd.OutOrStdout(), "")
	defer func() { _ = w.Close() }()

	for _, e := range entries {
		for _, m := range e.Measurements {
			rec := &output.ValueRecord{
				Dir:      e.Rel,
				Quantity: m.Spec.Kind.String(),
				Atom:     m.Spec.Atom,
				Values:   m.Values,
			}
			if m.Err != nil {
				rec.Error = m.Err.Error()
			}
			if err := w.WriteValue(cmd.Context(), rec); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write record", err)
			}
		}
	}
	return nil
}

func printHarvestTable(cmd *cobra.Command, specs []harvest.Spec, entries []harvest.Entry) error {
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(out, "No job directories found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	header := []string{"DIR", "STATE"}
	for _, s := range specs {
		header = append(header, strings.ToUpper(s.String()))
	}
	_, _ = fmt.Fprintln(w, strings.Join(header, "\t"))

	for _, e := range entries {
		state := string(e.State)
		if state == "" {
			state = "-"
		}
		row := []string{e.Rel, state}
		for _, m := range e.Measurements {
			row = append(row, formatMeasurement(m))
		}
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return nil
}

func formatMeasurement(m harvest.Measurement) string {
	switch {
	case m.Err == nil:
		return formatValues(m.Values)
	case errors.Is(m.Err, os.ErrNotExist):
		return "missing"
	default:
		return "-"
	}
}
