package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/defcal/pkg/orchestrator"
)

var paCmd = &cobra.Command{
	Use:   "pa <defect_dir> <bulk_dir>",
	Short: "Compute the potential-alignment correction",
	Long: `Compare the core electrostatic potential of a reference atom in a
defect cell with the same atom in the defect-free cell. The scf/
subdirectory of each is used when it holds a report.

The correction is defect potential minus bulk potential, in eV.

Example:
  defcal pa V_Ga/q-1 bulk --defect-atom 17 --bulk-atom 17`,
	Args: cobra.ExactArgs(2),
	RunE: runPA,
}

var (
	paDefectAtom int
	paBulkAtom   int
	paJSON       bool
)

func init() {
	rootCmd.AddCommand(paCmd)

	paCmd.Flags().IntVar(&paDefectAtom, "defect-atom", 0, "1-based reference atom in the defect cell (required)")
	paCmd.Flags().IntVar(&paBulkAtom, "bulk-atom", 0, "1-based reference atom in the bulk cell (default: --defect-atom)")
	paCmd.Flags().BoolVar(&paJSON, "json", false, "Output as JSON")

	_ = paCmd.MarkFlagRequired("defect-atom")
}

func runPA(cmd *cobra.Command, args []string) error {
	bulkAtom := paBulkAtom
	if bulkAtom == 0 {
		bulkAtom = paDefectAtom
	}
	if paDefectAtom < 1 || bulkAtom < 1 {
		return exitError(foundry.ExitInvalidArgument, "Invalid atom index",
			fmt.Errorf("--defect-atom and --bulk-atom must be >= 1, got %d and %d", paDefectAtom, bulkAtom))
	}

	al, err := orchestrator.Align(args[0], args[1], paDefectAtom, bulkAtom)
	if err != nil {
		return extractExit(err)
	}

	if paJSON {
		return printJSON(cmd, al)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "defect_potential=%g\nbulk_potential=%g\ncorrection=%g\n",
		al.DefectPotential, al.BulkPotential, al.Correction)
	return nil
}
