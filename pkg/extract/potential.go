package extract

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/3leaps/defcal/pkg/report"
)

// TagElectrostaticPotential heads the per-atom potential table:
//
//	average (electrostatic) potential at core
//	  the test charge radii are     0.9748
//	  (the norm of the test charge is              1.0000)
//	      1 -83.3843      2 -83.3843      3 -83.3843      4 -83.3843      5 -83.3843
//	      6 -42.1234 ...
const TagElectrostaticPotential = "(electrostatic) potential at core"

const (
	potentialAtomsPerRow   = 5
	potentialTokensPerAtom = 2

	// potentialRowOffset is the distance from the tag line to the first
	// table row.
	potentialRowOffset = 3
)

// AtomCell maps a 1-based atom index to its 0-based (row, col) position
// in the potential table.
func AtomCell(atom int) (row, col int, err error) {
	if atom < 1 {
		return 0, 0, fmt.Errorf("%w: got %d", ErrInvalidAtomIndex, atom)
	}
	row, col = rawAtomCell(atom)
	if col == -1 {
		row--
		col = potentialAtomsPerRow - 1
	}
	return row, col, nil
}

// rawAtomCell is the uncorrected mapping; the last atom of each row
// comes out as (row+1, -1).
func rawAtomCell(atom int) (row, col int) {
	row = atom / potentialAtomsPerRow
	col = atom - row*potentialAtomsPerRow - 1
	return row, col
}

// DecodePotential reads the token pair of atom from a table whose tag is
// at tagLine. The pair is (atom label, potential).
func DecodePotential(lines []string, tagLine, atom int, reportPath string) ([2]float64, error) {
	var pair [2]float64

	row, col, err := AtomCell(atom)
	if err != nil {
		return pair, err
	}

	target := tagLine + row + potentialRowOffset
	if tagLine < 0 || target >= len(lines) {
		return pair, malformed(reportPath, TagElectrostaticPotential, tagLine,
			fmt.Sprintf("atom %d needs line %d but report has %d lines", atom, target+1, len(lines)))
	}

	tokens := strings.Fields(lines[target])
	lo := potentialTokensPerAtom * col
	hi := lo + potentialTokensPerAtom
	if len(tokens) < hi {
		return pair, malformed(reportPath, TagElectrostaticPotential, target,
			fmt.Sprintf("atom %d needs %d tokens, line has %d", atom, hi, len(tokens)))
	}

	for i, tok := range tokens[lo:hi] {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return pair, malformed(reportPath, TagElectrostaticPotential, target,
				fmt.Sprintf("token %q is not a number", tok))
		}
		pair[i] = v
	}
	return pair, nil
}

// ElectrostaticPotential decodes the potential table entry of a 1-based
// atom from the report at path. The first table in the report is used.
//
// A missing table is reported as ErrMalformedReport: a report that was
// asked for per-atom potentials must carry the table.
func ElectrostaticPotential(path string, atom int) ([2]float64, error) {
	if atom < 1 {
		return [2]float64{}, fmt.Errorf("%w: got %d", ErrInvalidAtomIndex, atom)
	}
	lines, err := report.ReadLines(path)
	if err != nil {
		return [2]float64{}, err
	}
	return potentialFromLines(lines, atom, path)
}

func potentialFromLines(lines []string, atom int, path string) ([2]float64, error) {
	matches := report.LocateLines(lines, TagElectrostaticPotential)
	if len(matches) == 0 {
		return [2]float64{}, malformed(path, TagElectrostaticPotential, -1, "potential table absent")
	}
	return DecodePotential(lines, matches[0], atom, path)
}
