// Package sweep generates parameter-convergence batches from a base input
// deck.
//
// A sweep expands a half-open range of values into one job directory per
// value. Every directory receives a copy of the base deck with the swept
// parameter rewritten:
//
//   - cutoff: a scale factor on the largest POTCAR ENMAX; writes ENCUT.
//   - kpoints: a k-point density per reciprocal atom; writes KPOINTS.
//   - anything else: an INCAR tag set to the value.
//
// The generated points are recorded in sweep.yaml next to the point
// directories.
package sweep

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/defcal/pkg/batch"
	"github.com/3leaps/defcal/pkg/structure"
)

// Swept parameters with dedicated handling.
const (
	ParamCutoff  = "cutoff"
	ParamKPoints = "kpoints"
)

// Point is one value of a sweep and the directory it was written to.
type Point struct {
	Index int     `yaml:"index" json:"index"`
	Value float64 `yaml:"value" json:"value"`
	Dir   string  `yaml:"dir" json:"dir"`

	// Setting describes what was written, e.g. "ENCUT = 520".
	Setting string `yaml:"setting,omitempty" json:"setting,omitempty"`
}

// Options configures a sweep.
type Options struct {
	// BaseDeck is the directory holding the input deck to copy.
	BaseDeck string

	// OutDir receives one directory per point and sweep.yaml.
	OutDir string

	// Parameter is cutoff, kpoints or an INCAR tag name.
	Parameter string

	Start float64
	End   float64
	Step  float64

	// Naming overrides the point directory names. Root is forced to OutDir.
	Naming batch.Naming

	// Overrides are INCAR tags applied to every point after the swept
	// parameter.
	Overrides map[string]string

	// Structure reads the base POSCAR for kpoints sweeps.
	// Default: structure.POSCARHeader
	Structure structure.Reader
}

// Generate writes one directory per value of param in [start, end) under
// outDir and returns the points in order.
func Generate(baseDeck, outDir, param string, start, end, step float64) ([]Point, error) {
	return GenerateWith(Options{
		BaseDeck:  baseDeck,
		OutDir:    outDir,
		Parameter: param,
		Start:     start,
		End:       end,
		Step:      step,
	})
}

// GenerateWith is Generate with full options.
func GenerateWith(opts Options) ([]Point, error) {
	param := strings.TrimSpace(opts.Parameter)
	if param == "" {
		return nil, fmt.Errorf("%w: parameter is required", ErrInvalidSweep)
	}
	if opts.OutDir == "" {
		return nil, fmt.Errorf("%w: output directory is required", ErrInvalidSweep)
	}
	values, err := Values(opts.Start, opts.End, opts.Step)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(opts.BaseDeck); err != nil {
		return nil, fmt.Errorf("base deck: %w", err)
	}

	apply, err := newApplier(opts, strings.ToLower(param))
	if err != nil {
		return nil, err
	}

	naming := opts.Naming
	naming.Root = opts.OutDir

	points := make([]Point, 0, len(values))
	for i, v := range values {
		dir := naming.Dir(i)
		if err := copyDeck(opts.BaseDeck, dir); err != nil {
			return nil, err
		}
		setting, err := apply(dir, v)
		if err != nil {
			return nil, fmt.Errorf("point %d (%v): %w", i, v, err)
		}
		for tag, val := range opts.Overrides {
			if err := editINCAR(dir, tag, val); err != nil {
				return nil, fmt.Errorf("point %d: %w", i, err)
			}
		}
		points = append(points, Point{Index: i, Value: v, Dir: dir, Setting: setting})
	}

	m := &Manifest{
		Parameter: param,
		BaseDeck:  opts.BaseDeck,
		Start:     opts.Start,
		End:       opts.End,
		Step:      opts.Step,
		Overrides: opts.Overrides,
		Points:    points,
	}
	if err := m.Write(opts.OutDir); err != nil {
		return nil, err
	}
	return points, nil
}

// applier rewrites one point directory for value v and describes the
// change.
type applier func(dir string, v float64) (string, error)

func newApplier(opts Options, param string) (applier, error) {
	switch param {
	case ParamCutoff:
		ref, err := referenceCutoff(opts.BaseDeck)
		if err != nil {
			return nil, err
		}
		return func(dir string, scale float64) (string, error) {
			encut := formatValue(math.Round(scale * ref))
			return "ENCUT = " + encut, editINCAR(dir, "ENCUT", encut)
		}, nil

	case ParamKPoints:
		reader := opts.Structure
		if reader == nil {
			reader = structure.POSCARHeader{}
		}
		s, err := reader.Read(filepath.Join(opts.BaseDeck, FilePOSCAR))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMissingInput, err)
		}
		return func(dir string, kppra float64) (string, error) {
			mesh, err := AutomaticMesh(s, kppra)
			if err != nil {
				return "", err
			}
			comment := fmt.Sprintf("Automatic mesh, %s k-points per reciprocal atom", formatValue(kppra))
			if err := os.WriteFile(filepath.Join(dir, FileKPOINTS), []byte(mesh.KPOINTS(comment)), 0644); err != nil {
				return "", fmt.Errorf("write %s: %w", FileKPOINTS, err)
			}
			return fmt.Sprintf("KPOINTS = %d %d %d", mesh[0], mesh[1], mesh[2]), nil
		}, nil

	default:
		tag := strings.ToUpper(param)
		return func(dir string, v float64) (string, error) {
			val := formatValue(v)
			return tag + " = " + val, editINCAR(dir, tag, val)
		}, nil
	}
}

// editINCAR sets one tag in dir/INCAR, creating the file if needed.
func editINCAR(dir, tag, value string) error {
	path := filepath.Join(dir, FileINCAR)
	b, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", FileINCAR, err)
	}
	if err := os.WriteFile(path, []byte(SetTag(string(b), tag, value)), 0644); err != nil {
		return fmt.Errorf("write %s: %w", FileINCAR, err)
	}
	return nil
}
