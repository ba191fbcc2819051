// Package extract decodes physical quantities from VASP text reports.
//
// An Extractor owns one working directory. The main report (OUTCAR) and
// the output listing (OSZICAR) are loaded lazily, on the first accessor
// that needs them, and cached for the lifetime of the Extractor.
// Decoding is pure: the same unmodified report always yields the same
// values.
package extract

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/3leaps/defcal/pkg/report"
)

// ReportFile names a report inside a working directory.
type ReportFile string

const (
	// MainReport is the detailed run report.
	MainReport ReportFile = "OUTCAR"

	// OutputListing is the condensed per-step listing.
	OutputListing ReportFile = "OSZICAR"
)

// Tags searched for by the scalar accessors.
const (
	TagEnergy        = "energy(sigma->0)"
	TagFermi         = "E-fermi"
	TagNelect        = "NELECT"
	TagIonicValence  = "Ionic Valenz"
	TagIonsPerType   = "ions per type"
	TagCPUTime       = "Total CPU time used (sec)"
	TagEwald         = "TEWEN"
	TagMagnetization = "mag="
)

// Extractor reads quantities from the reports in one working directory.
//
// Extractor is safe for concurrent use.
type Extractor struct {
	dir string

	mu      sync.Mutex
	paths   map[ReportFile]string
	reports map[ReportFile][]string
}

// New returns an Extractor for dir. No file is opened until an accessor
// is called.
func New(dir string) *Extractor {
	return &Extractor{
		dir:     dir,
		paths:   make(map[ReportFile]string),
		reports: make(map[ReportFile][]string),
	}
}

// Dir returns the working directory.
func (e *Extractor) Dir() string {
	return e.dir
}

// Reset drops cached reports so the next accessor re-reads them.
func (e *Extractor) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paths = make(map[ReportFile]string)
	e.reports = make(map[ReportFile][]string)
}

func (e *Extractor) load(f ReportFile) ([]string, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lines, ok := e.reports[f]; ok {
		return lines, e.paths[f], nil
	}

	path, err := report.Find(e.dir, string(f))
	if err != nil {
		return nil, "", err
	}
	lines, err := report.ReadLines(path)
	if err != nil {
		return nil, "", err
	}
	e.paths[f] = path
	e.reports[f] = lines
	return lines, path, nil
}

// lastTagged returns the last line of report f containing tag.
func (e *Extractor) lastTagged(f ReportFile, tag string) (string, int, string, error) {
	lines, path, err := e.load(f)
	if err != nil {
		return "", 0, "", err
	}
	matches := report.LocateLines(lines, tag)
	if len(matches) == 0 {
		return "", 0, path, notFound(path, tag)
	}
	idx := matches[len(matches)-1]
	return lines[idx], idx, path, nil
}

// Energy returns the last sigma->0 total energy in eV.
func (e *Extractor) Energy() (float64, error) {
	line, idx, path, err := e.lastTagged(MainReport, TagEnergy)
	if err != nil {
		return 0, err
	}
	v, ok := trailingFloat(line)
	if !ok {
		return 0, malformed(path, TagEnergy, idx, "no trailing number")
	}
	return v, nil
}

// Fermi returns the last Fermi level in eV.
func (e *Extractor) Fermi() (float64, error) {
	line, idx, path, err := e.lastTagged(MainReport, TagFermi)
	if err != nil {
		return 0, err
	}
	v, ok := valueAfter(line, ":")
	if !ok {
		return 0, malformed(path, TagFermi, idx, "no number after ':'")
	}
	return v, nil
}

// Gap returns the band edges after the last Fermi level. The result has
// one channel for non-spin runs and two for spin-polarized runs.
func (e *Extractor) Gap() (GapResult, error) {
	lines, path, err := e.load(MainReport)
	if err != nil {
		return GapResult{}, err
	}
	matches := report.LocateLines(lines, TagFermi)
	if len(matches) == 0 {
		return GapResult{}, notFound(path, TagFermi)
	}
	start := matches[len(matches)-1]

	channels := parseEigenvalues(lines, start)
	if len(channels) == 0 || len(channels) > 2 {
		return GapResult{}, malformed(path, TagFermi, start,
			fmt.Sprintf("expected 1 or 2 spin channels, found %d", len(channels)))
	}

	full := 2.0
	if len(channels) == 2 {
		full = 1.0
	}
	result := GapResult{Channels: make([]BandEdges, 0, len(channels))}
	for i, levels := range channels {
		edges, ok := bandEdges(levels, full)
		if !ok {
			return GapResult{}, malformed(path, TagFermi, start,
				fmt.Sprintf("channel %d has no occupied/unoccupied split", i+1))
		}
		result.Channels = append(result.Channels, edges)
	}
	return result, nil
}

// ElectronCount returns the number of valence electrons. With defect
// set it is the NELECT of this calculation (which carries any charge
// state); otherwise it is the neutral count of the same cell, summed
// from the ionic valences and the ions per type.
func (e *Extractor) ElectronCount(defect bool) (int, error) {
	if defect {
		line, idx, path, err := e.lastTagged(MainReport, TagNelect)
		if err != nil {
			return 0, err
		}
		v, ok := valueAfter(line, "=")
		if !ok {
			return 0, malformed(path, TagNelect, idx, "no number after '='")
		}
		return int(math.Round(v)), nil
	}
	return e.neutralElectronCount()
}

func (e *Extractor) neutralElectronCount() (int, error) {
	lines, path, err := e.load(MainReport)
	if err != nil {
		return 0, err
	}

	valenceHeads := report.LocateLines(lines, TagIonicValence)
	if len(valenceHeads) == 0 {
		return 0, notFound(path, TagIonicValence)
	}
	head := valenceHeads[len(valenceHeads)-1]
	if head+1 >= len(lines) || !strings.Contains(lines[head+1], "ZVAL") {
		return 0, malformed(path, TagIonicValence, head, "ZVAL line missing")
	}
	zval, ok := floatsAfter(lines[head+1], "=")
	if !ok {
		return 0, malformed(path, TagIonicValence, head+1, "unparsable ZVAL list")
	}

	countLines := report.LocateLines(lines, TagIonsPerType)
	if len(countLines) == 0 {
		return 0, notFound(path, TagIonsPerType)
	}
	ci := countLines[len(countLines)-1]
	counts, ok := floatsAfter(lines[ci], "=")
	if !ok {
		return 0, malformed(path, TagIonsPerType, ci, "unparsable ion counts")
	}
	if len(counts) != len(zval) {
		return 0, malformed(path, TagIonsPerType, ci,
			fmt.Sprintf("%d species counts for %d valences", len(counts), len(zval)))
	}

	total := 0.0
	for i := range zval {
		total += zval[i] * counts[i]
	}
	return int(math.Round(total)), nil
}

// CPUTime returns the total CPU time in seconds.
func (e *Extractor) CPUTime() (float64, error) {
	line, idx, path, err := e.lastTagged(MainReport, TagCPUTime)
	if err != nil {
		return 0, err
	}
	v, ok := valueAfter(line, ":")
	if !ok {
		return 0, malformed(path, TagCPUTime, idx, "no number after ':'")
	}
	return v, nil
}

// ImageEnergy returns the last Ewald (image-charge) energy in eV.
func (e *Extractor) ImageEnergy() (float64, error) {
	line, idx, path, err := e.lastTagged(MainReport, TagEwald)
	if err != nil {
		return 0, err
	}
	v, ok := valueAfter(line, "=")
	if !ok {
		return 0, malformed(path, TagEwald, idx, "no number after '='")
	}
	return v, nil
}

// Magnetization returns the total magnetic moment of the last ionic
// step in the output listing.
func (e *Extractor) Magnetization() (float64, error) {
	line, idx, path, err := e.lastTagged(OutputListing, TagMagnetization)
	if err != nil {
		return 0, err
	}
	v, ok := valueAfter(line, TagMagnetization)
	if !ok {
		return 0, malformed(path, TagMagnetization, idx, "no number after 'mag='")
	}
	return v, nil
}

// ElectrostaticPotential returns the (atom label, potential) pair of a
// 1-based atom from the main report.
func (e *Extractor) ElectrostaticPotential(atom int) ([2]float64, error) {
	if atom < 1 {
		return [2]float64{}, fmt.Errorf("%w: got %d", ErrInvalidAtomIndex, atom)
	}
	lines, path, err := e.load(MainReport)
	if err != nil {
		return [2]float64{}, err
	}
	return potentialFromLines(lines, atom, path)
}

// Extract decodes kind. atom is used only by per-atom quantities.
func (e *Extractor) Extract(kind Quantity, atom int) (Value, error) {
	switch kind {
	case QuantityEnergy:
		return scalar(kind, e.Energy)
	case QuantityFermi:
		return scalar(kind, e.Fermi)
	case QuantityCPUTime:
		return scalar(kind, e.CPUTime)
	case QuantityImageEnergy:
		return scalar(kind, e.ImageEnergy)
	case QuantityMagnetization:
		return scalar(kind, e.Magnetization)
	case QuantityGap:
		g, err := e.Gap()
		if err != nil {
			return Value{}, err
		}
		return newValue(kind, g.Flatten()...), nil
	case QuantityElectrons, QuantityElectronsDefectFree:
		n, err := e.ElectronCount(kind == QuantityElectrons)
		if err != nil {
			return Value{}, err
		}
		return newValue(kind, float64(n)), nil
	case QuantityElectrostaticPotential:
		pair, err := e.ElectrostaticPotential(atom)
		if err != nil {
			return Value{}, err
		}
		v := newValue(kind, pair[0], pair[1])
		v.Atom = atom
		return v, nil
	default:
		return Value{}, fmt.Errorf("%w: %s", ErrUnknownQuantity, kind)
	}
}

// Extract is a one-shot helper: decode kind from the reports in dir.
func Extract(dir string, kind Quantity, atom int) (Value, error) {
	return New(dir).Extract(kind, atom)
}

func scalar(kind Quantity, fn func() (float64, error)) (Value, error) {
	v, err := fn()
	if err != nil {
		return Value{}, err
	}
	return newValue(kind, v), nil
}

// trailingFloat parses the last whitespace-separated token that is a
// number, skipping trailing units such as "eV".
func trailingFloat(line string) (float64, bool) {
	fields := strings.Fields(line)
	for i := len(fields) - 1; i >= 0; i-- {
		if v, err := strconv.ParseFloat(fields[i], 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// valueAfter parses the first number following the first occurrence of
// sep in line.
func valueAfter(line, sep string) (float64, bool) {
	_, rest, found := strings.Cut(line, sep)
	if !found {
		return 0, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// floatsAfter parses every number following sep, stopping at the first
// non-numeric token.
func floatsAfter(line, sep string) ([]float64, bool) {
	_, rest, found := strings.Cut(line, sep)
	if !found {
		return nil, false
	}
	var out []float64
	for _, tok := range strings.Fields(rest) {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			break
		}
		out = append(out, v)
	}
	return out, len(out) > 0
}
