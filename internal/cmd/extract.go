package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/defcal/internal/observability"
	"github.com/3leaps/defcal/pkg/extract"
	"github.com/3leaps/defcal/pkg/orchestrator"
	"github.com/3leaps/defcal/pkg/output"
)

var extractCmd = &cobra.Command{
	Use:   "extract <quantity> [dir...]",
	Short: "Read a quantity from job reports",
	Long: `Read one quantity from the reports (OUTCAR, OSZICAR) of each job
directory. Compressed reports (.gz, .zst) are read transparently.

Quantities:
  energy, gap, fermi, electrons, electrons-defect-free, image-energy,
  cpu-time, electrostatic-potential (needs --atom), magnetization

Examples:
  defcal extract energy
  defcal extract gap runs/0 runs/1
  defcal extract electrostatic-potential --atom 12 defect bulk
  defcal extract energy runs/* --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExtract,
}

var (
	extractAtom int
	extractJSON bool
)

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().IntVar(&extractAtom, "atom", 0, "1-based atom index for per-atom quantities")
	extractCmd.Flags().BoolVar(&extractJSON, "json", false, "Emit JSONL value records")
}

func runExtract(cmd *cobra.Command, args []string) error {
	kind, err := extract.ParseQuantity(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown quantity", err)
	}
	if kind.NeedsAtom() && extractAtom < 1 {
		return exitError(foundry.ExitInvalidArgument, "Missing --atom",
			fmt.Errorf("%s needs a 1-based --atom", kind))
	}

	dirs := args[1:]
	if len(dirs) == 0 {
		dirs = []string{"."}
	}

	out := cmd.OutOrStdout()
	var w output.Writer = output.Discard
	if extractJSON {
		jw := output.NewJSONLWriter(out, "")
		defer func() { _ = jw.Close() }()
		w = jw
	}

	var firstErr error
	for _, dir := range dirs {
		v, err := orchestrator.Extract(dir, kind.String(), extractAtom)
		rec := &output.ValueRecord{Dir: dir, Quantity: kind.String(), Atom: extractAtom, Values: v.Values}
		if err != nil {
			observability.CLILogger.Debug("Extraction failed",
				zap.String("dir", dir),
				zap.String("quantity", kind.String()),
				zap.Error(err))
			rec.Error = err.Error()
			if firstErr == nil {
				firstErr = err
			}
		}

		if extractJSON {
			if werr := w.WriteValue(cmd.Context(), rec); werr != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write record", werr)
			}
			continue
		}
		if err != nil {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", dir, err)
			continue
		}
		line := formatValues(v.Values)
		if len(dirs) > 1 {
			line = dir + "\t" + line
		}
		_, _ = fmt.Fprintln(out, line)
	}

	if firstErr != nil {
		return extractExit(firstErr)
	}
	return nil
}

// extractExit maps an extraction failure to an exit error.
func extractExit(err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist), extract.IsNotFound(err):
		return exitError(foundry.ExitFileNotFound, "Quantity not found", err)
	case extract.IsMalformed(err):
		return exitError(foundry.ExitFileReadError, "Malformed report", err)
	case errors.Is(err, extract.ErrInvalidAtomIndex):
		return exitError(foundry.ExitInvalidArgument, "Invalid atom index", err)
	default:
		return exitError(foundry.ExitFileReadError, "Extraction failed", err)
	}
}

func formatValues(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, " ")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
