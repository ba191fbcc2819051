// Package structure reads the parts of a crystal structure that batch
// generation needs: lattice vectors and atom counts per species.
//
// Full structure I/O is out of scope; callers needing more plug their own
// Reader.
package structure

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrMalformed indicates a structure file whose header cannot be decoded.
var ErrMalformed = errors.New("malformed structure file")

// Structure is a lattice plus per-species atom counts.
type Structure struct {
	// Lattice holds the lattice vectors as rows, in Angstrom.
	Lattice *mat.Dense

	// Species names, when the file carries them.
	Species []string

	// Counts is the number of atoms of each species.
	Counts []int
}

// Reader loads a structure from a file.
type Reader interface {
	Read(path string) (*Structure, error)
}

// NumAtoms returns the total atom count.
func (s *Structure) NumAtoms() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Lengths returns the norms of the three lattice vectors.
func (s *Structure) Lengths() [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = floats.Norm(mat.Row(nil, i, s.Lattice), 2)
	}
	return out
}

// Volume returns the cell volume.
func (s *Structure) Volume() float64 {
	return math.Abs(mat.Det(s.Lattice))
}

// POSCARHeader reads the header of a POSCAR file: scale, lattice, and
// the species and count lines. Coordinates are not read.
type POSCARHeader struct{}

// Read implements Reader.
func (POSCARHeader) Read(path string) (*Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() && len(lines) < 7 {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	s, err := ParsePOSCARHeader(lines)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParsePOSCARHeader decodes the leading lines of a POSCAR file.
//
// A negative scale is interpreted as the target cell volume. Files without
// a species line (the older format) yield no species names.
func ParsePOSCARHeader(lines []string) (*Structure, error) {
	if len(lines) < 6 {
		return nil, fmt.Errorf("%w: header needs at least 6 lines, got %d", ErrMalformed, len(lines))
	}

	scale, err := parseFloats(lines[1], 1)
	if err != nil {
		return nil, fmt.Errorf("%w: scale line: %v", ErrMalformed, err)
	}

	data := make([]float64, 0, 9)
	for i := 2; i < 5; i++ {
		row, err := parseFloats(lines[i], 3)
		if err != nil {
			return nil, fmt.Errorf("%w: lattice line %d: %v", ErrMalformed, i+1, err)
		}
		data = append(data, row...)
	}
	lattice := mat.NewDense(3, 3, data)

	switch f := scale[0]; {
	case f < 0:
		vol := math.Abs(mat.Det(lattice))
		if vol == 0 {
			return nil, fmt.Errorf("%w: singular lattice", ErrMalformed)
		}
		lattice.Scale(math.Cbrt(-f/vol), lattice)
	case f > 0:
		lattice.Scale(f, lattice)
	default:
		return nil, fmt.Errorf("%w: zero scale factor", ErrMalformed)
	}

	s := &Structure{Lattice: lattice}
	countLine := lines[5]
	if _, err := strconv.Atoi(firstField(countLine)); err != nil {
		s.Species = strings.Fields(countLine)
		if len(lines) < 7 {
			return nil, fmt.Errorf("%w: missing counts line", ErrMalformed)
		}
		countLine = lines[6]
	}
	for _, tok := range strings.Fields(countLine) {
		n, err := strconv.Atoi(tok)
		if err != nil {
			break
		}
		s.Counts = append(s.Counts, n)
	}
	if len(s.Counts) == 0 {
		return nil, fmt.Errorf("%w: no atom counts", ErrMalformed)
	}
	if s.Species != nil && len(s.Species) != len(s.Counts) {
		return nil, fmt.Errorf("%w: %d species but %d counts", ErrMalformed, len(s.Species), len(s.Counts))
	}
	return s, nil
}

func parseFloats(line string, n int) ([]float64, error) {
	fields := strings.Fields(line)
	if len(fields) < n {
		return nil, fmt.Errorf("want %d numbers, got %d fields", n, len(fields))
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func firstField(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

var _ Reader = POSCARHeader{}
