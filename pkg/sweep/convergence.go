package sweep

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ConvergenceRow is one point of a convergence report. Energies are in
// eV; per-atom deltas divide by the atom count.
type ConvergenceRow struct {
	Index  int     `json:"index"`
	Value  float64 `json:"value"`
	Energy float64 `json:"energy"`

	// DeltaPrev is Energy minus the previous point's energy (0 for the first).
	DeltaPrev float64 `json:"delta_prev"`

	// DeltaFinal is Energy minus the last point's energy.
	DeltaFinal float64 `json:"delta_final"`

	// DeltaFinalPerAtom is DeltaFinal / atoms.
	DeltaFinalPerAtom float64 `json:"delta_final_per_atom"`
}

// Convergence summarizes how a sweep's energies settle.
type Convergence struct {
	Rows      []ConvergenceRow `json:"rows"`
	Atoms     int              `json:"atoms"`
	Tolerance float64          `json:"tolerance"`

	// Converged is the first value from which every later point lies
	// within Tolerance (per atom) of the final energy. Nil when the
	// sweep never converges before its last point.
	Converged *float64 `json:"converged,omitempty"`
}

// Analyze builds a convergence report for energies measured at values.
func Analyze(values, energies []float64, atoms int, tolerance float64) (*Convergence, error) {
	if len(values) != len(energies) {
		return nil, fmt.Errorf("%w: %d values but %d energies", ErrInvalidSweep, len(values), len(energies))
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no points", ErrInvalidSweep)
	}
	if atoms <= 0 {
		atoms = 1
	}

	final := energies[len(energies)-1]
	deltaFinal := make([]float64, len(energies))
	copy(deltaFinal, energies)
	floats.AddConst(-final, deltaFinal)

	perAtom := make([]float64, len(energies))
	floats.ScaleTo(perAtom, 1/float64(atoms), deltaFinal)

	c := &Convergence{Atoms: atoms, Tolerance: tolerance, Rows: make([]ConvergenceRow, len(values))}
	for i := range values {
		row := ConvergenceRow{
			Index:             i,
			Value:             values[i],
			Energy:            energies[i],
			DeltaFinal:        deltaFinal[i],
			DeltaFinalPerAtom: perAtom[i],
		}
		if i > 0 {
			row.DeltaPrev = energies[i] - energies[i-1]
		}
		c.Rows[i] = row
	}

	// Scan from the end for the longest tail within tolerance.
	first := len(values) - 1
	for i := len(values) - 2; i >= 0; i-- {
		if math.Abs(perAtom[i]) > tolerance {
			break
		}
		first = i
	}
	if first < len(values)-1 {
		v := values[first]
		c.Converged = &v
	}
	return c, nil
}
