package sweep

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/3leaps/defcal/pkg/report"
	"github.com/3leaps/defcal/pkg/structure"
)

// Input deck file names.
const (
	FileINCAR   = "INCAR"
	FileKPOINTS = "KPOINTS"
	FilePOSCAR  = "POSCAR"
	FilePOTCAR  = "POTCAR"
)

// ErrMissingInput indicates a base deck that lacks what a parameter needs.
var ErrMissingInput = errors.New("missing sweep input")

// skipCopy lists run artifacts that never belong to an input deck.
var skipCopy = map[string]bool{
	"job.json":   true,
	"stdout.log": true,
	"stderr.log": true,
	"OUTCAR":     true,
	"OSZICAR":    true,
}

// copyDeck copies the regular files of src into dst.
func copyDeck(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("read base deck: %w", err)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("create point dir: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || skipCopy[e.Name()] {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}

// SetTag sets tag to value in INCAR content, replacing every existing
// assignment of the tag and appending one when there is none. Tags match
// case-insensitively; comments and other statements are preserved.
func SetTag(content, tag, value string) string {
	tag = strings.ToUpper(strings.TrimSpace(tag))
	assignment := tag + " = " + value

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	found := false
	for i, line := range lines {
		code, comment := splitComment(line)
		stmts := strings.Split(code, ";")
		changed := false
		for j, stmt := range stmts {
			key, _, ok := strings.Cut(stmt, "=")
			if ok && strings.EqualFold(strings.TrimSpace(key), tag) {
				stmts[j] = assignment
				changed = true
			}
		}
		if !changed {
			continue
		}
		found = true
		for j := range stmts {
			stmts[j] = strings.TrimSpace(stmts[j])
		}
		lines[i] = strings.Join(stmts, "; ")
		if comment != "" {
			lines[i] += " " + comment
		}
	}
	if !found {
		lines = append(lines, assignment)
	}
	return strings.Join(lines, "\n") + "\n"
}

// GetTag returns the last value assigned to tag in INCAR content.
func GetTag(content, tag string) (string, bool) {
	var (
		value string
		found bool
	)
	for _, line := range strings.Split(content, "\n") {
		code, _ := splitComment(line)
		for _, stmt := range strings.Split(code, ";") {
			key, v, ok := strings.Cut(stmt, "=")
			if ok && strings.EqualFold(strings.TrimSpace(key), tag) {
				value, found = strings.TrimSpace(v), true
			}
		}
	}
	return value, found
}

func splitComment(line string) (code, comment string) {
	if i := strings.IndexAny(line, "#!"); i >= 0 {
		return line[:i], line[i:]
	}
	return line, ""
}

// MaxENMAX returns the largest ENMAX over all species in a POTCAR.
func MaxENMAX(potcar string) (float64, error) {
	lines, err := report.ReadLines(potcar)
	if err != nil {
		return 0, err
	}
	best, found := 0.0, false
	for _, idx := range report.LocateLines(lines, "ENMAX") {
		_, rest, ok := strings.Cut(lines[idx], "=")
		if !ok {
			continue
		}
		fields := strings.FieldsFunc(rest, func(r rune) bool { return r == ';' || r == ' ' || r == '\t' })
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		if !found || v > best {
			best, found = v, true
		}
	}
	if !found {
		return 0, fmt.Errorf("%w: no ENMAX in %s", ErrMissingInput, potcar)
	}
	return best, nil
}

// referenceCutoff returns the cutoff a scale factor applies to: the
// largest POTCAR ENMAX, or the base INCAR ENCUT without a usable POTCAR.
func referenceCutoff(deck string) (float64, error) {
	enmax, err := MaxENMAX(filepath.Join(deck, FilePOTCAR))
	if err == nil {
		return enmax, nil
	}
	b, rerr := os.ReadFile(filepath.Join(deck, FileINCAR))
	if rerr == nil {
		if v, ok := GetTag(string(b), "ENCUT"); ok {
			if f, perr := strconv.ParseFloat(v, 64); perr == nil && f > 0 {
				return f, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: need POTCAR ENMAX or INCAR ENCUT: %v", ErrMissingInput, err)
}

// Mesh is a k-point subdivision along the three reciprocal axes.
type Mesh [3]int

// AutomaticMesh derives a mesh for a density of kppra k-points per
// reciprocal atom. Divisions scale inversely with the lattice lengths and
// are at least 1.
func AutomaticMesh(s *structure.Structure, kppra float64) (Mesh, error) {
	natoms := s.NumAtoms()
	if natoms == 0 {
		return Mesh{}, fmt.Errorf("%w: structure has no atoms", ErrMissingInput)
	}
	if kppra <= 0 {
		return Mesh{}, fmt.Errorf("%w: k-point density must be positive, got %v", ErrInvalidSweep, kppra)
	}
	lengths := s.Lengths()
	ngrid := kppra / float64(natoms)
	mult := math.Cbrt(ngrid * lengths[0] * lengths[1] * lengths[2])

	var m Mesh
	for i, l := range lengths {
		m[i] = int(math.Floor(math.Max(mult/l, 1)))
	}
	return m, nil
}

// KPOINTS renders a Gamma-centred automatic mesh file.
func (m Mesh) KPOINTS(comment string) string {
	return fmt.Sprintf("%s\n0\nGamma\n%d %d %d\n0 0 0\n", comment, m[0], m[1], m[2])
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
