package extract

import (
	"math"
	"strconv"
	"strings"
)

// BandEdges holds the band-edge energies of one spin channel, in eV.
type BandEdges struct {
	VBM float64 `json:"vbm"`
	CBM float64 `json:"cbm"`
	Gap float64 `json:"gap"`
}

// GapResult is one BandEdges for a non-spin calculation and two (up,
// down) for a spin-polarized one.
type GapResult struct {
	Channels []BandEdges `json:"channels"`
}

// SpinPolarized reports whether the result has separate up and down
// channels.
func (g GapResult) SpinPolarized() bool {
	return len(g.Channels) == 2
}

// Flatten returns vbm, cbm, gap for every channel in order.
func (g GapResult) Flatten() []float64 {
	out := make([]float64, 0, 3*len(g.Channels))
	for _, ch := range g.Channels {
		out = append(out, ch.VBM, ch.CBM, ch.Gap)
	}
	return out
}

type bandLevel struct {
	energy     float64
	occupation float64
}

// parseEigenvalues collects band rows from the eigenvalue listing that
// follows the E-fermi line at start. Rows before the first "spin
// component" header land in a single implicit channel.
//
//	spin component 1
//
//	k-point     1 :       0.0000    0.0000    0.0000
//	 band No.  band energies     occupation
//	     1      -5.8015      1.00000
func parseEigenvalues(lines []string, start int) [][]bandLevel {
	var channels [][]bandLevel
	current := -1
	rows := 0

	for i := start + 1; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "spin component"):
			channels = append(channels, nil)
			current = len(channels) - 1
			continue
		case strings.HasPrefix(trimmed, "k-point"), strings.HasPrefix(trimmed, "band No."):
			if current < 0 {
				channels = append(channels, nil)
				current = 0
			}
			continue
		}

		level, ok := parseBandRow(trimmed)
		if !ok {
			if rows > 0 {
				break
			}
			continue
		}
		if current < 0 {
			channels = append(channels, nil)
			current = 0
		}
		channels[current] = append(channels[current], level)
		rows++
	}
	return channels
}

func parseBandRow(line string) (bandLevel, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return bandLevel{}, false
	}
	if _, err := strconv.Atoi(fields[0]); err != nil {
		return bandLevel{}, false
	}
	energy, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return bandLevel{}, false
	}
	occ, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return bandLevel{}, false
	}
	return bandLevel{energy: energy, occupation: occ}, true
}

// bandEdges finds the highest occupied and lowest unoccupied level of a
// channel. A level counts as occupied above half of fullOccupation.
func bandEdges(levels []bandLevel, fullOccupation float64) (BandEdges, bool) {
	vbm := math.Inf(-1)
	cbm := math.Inf(1)
	threshold := fullOccupation / 2
	for _, l := range levels {
		if l.occupation > threshold {
			vbm = math.Max(vbm, l.energy)
		} else {
			cbm = math.Min(cbm, l.energy)
		}
	}
	if math.IsInf(vbm, 0) || math.IsInf(cbm, 0) {
		return BandEdges{}, false
	}
	return BandEdges{VBM: vbm, CBM: cbm, Gap: math.Max(cbm-vbm, 0)}, true
}
