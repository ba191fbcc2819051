package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3leaps/defcal/pkg/report"
)

// scfSubdir holds the static run whose potentials are compared.
const scfSubdir = "scf"

// Alignment is the potential-alignment correction between a defect
// cell and the defect-free reference, read at one reference atom in
// each.
type Alignment struct {
	DefectAtom      int     `json:"defect_atom"`
	BulkAtom        int     `json:"bulk_atom"`
	DefectPotential float64 `json:"defect_potential"`
	BulkPotential   float64 `json:"bulk_potential"`
	Correction      float64 `json:"correction"`
}

// PotentialAlignment compares the core potential of defectAtom in
// defectDir with that of bulkAtom in bulkDir. The scf/ subdirectory of
// each is preferred when it holds a report.
//
// Choosing the reference atoms (usually the ones farthest from the
// defect) needs structure analysis and is left to the caller.
func PotentialAlignment(defectDir, bulkDir string, defectAtom, bulkAtom int) (*Alignment, error) {
	defectReport, err := potentialReport(defectDir)
	if err != nil {
		return nil, fmt.Errorf("defect report: %w", err)
	}
	bulkReport, err := potentialReport(bulkDir)
	if err != nil {
		return nil, fmt.Errorf("bulk report: %w", err)
	}

	def, err := ElectrostaticPotential(defectReport, defectAtom)
	if err != nil {
		return nil, err
	}
	bulk, err := ElectrostaticPotential(bulkReport, bulkAtom)
	if err != nil {
		return nil, err
	}

	return &Alignment{
		DefectAtom:      defectAtom,
		BulkAtom:        bulkAtom,
		DefectPotential: def[1],
		BulkPotential:   bulk[1],
		Correction:      def[1] - bulk[1],
	}, nil
}

func potentialReport(dir string) (string, error) {
	path, err := report.Find(filepath.Join(dir, scfSubdir), string(MainReport))
	if err == nil {
		return path, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	return report.Find(dir, string(MainReport))
}
