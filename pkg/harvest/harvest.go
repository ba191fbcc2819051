// Package harvest collects extracted quantities across many job
// directories into one table.
//
// A harvest is a list of entries, one per job directory, each holding a
// measurement per requested quantity. Entries can be persisted to SQLite
// and exported to an XLSX workbook.
package harvest

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/3leaps/defcal/pkg/extract"
	"github.com/3leaps/defcal/pkg/ledger"
)

// Spec selects one quantity to harvest. Atom is used only by per-atom
// quantities.
type Spec struct {
	Kind extract.Quantity
	Atom int
}

// String renders the spec the way ParseSpec accepts it.
func (s Spec) String() string {
	if s.Kind.NeedsAtom() {
		return s.Kind.String() + ":" + strconv.Itoa(s.Atom)
	}
	return s.Kind.String()
}

// ParseSpec parses "quantity" or "quantity:atom".
func ParseSpec(s string) (Spec, error) {
	name, atomStr, hasAtom := strings.Cut(strings.TrimSpace(s), ":")
	kind, err := extract.ParseQuantity(name)
	if err != nil {
		return Spec{}, err
	}
	spec := Spec{Kind: kind}
	if kind.NeedsAtom() {
		if !hasAtom {
			return Spec{}, fmt.Errorf("%w: %s needs an atom, e.g. %s:1", extract.ErrInvalidAtomIndex, kind, kind)
		}
		n, err := strconv.Atoi(atomStr)
		if err != nil || n < 1 {
			return Spec{}, fmt.Errorf("%w: %q", extract.ErrInvalidAtomIndex, atomStr)
		}
		spec.Atom = n
	}
	return spec, nil
}

// ParseSpecs parses every element of specs.
func ParseSpecs(specs []string) ([]Spec, error) {
	out := make([]Spec, 0, len(specs))
	for _, s := range specs {
		spec, err := ParseSpec(s)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

// Measurement is the outcome of one spec in one directory.
type Measurement struct {
	Spec   Spec
	Values []float64
	Err    error
}

// Entry is one harvested job directory.
type Entry struct {
	Dir string

	// Rel is Dir relative to the harvest root, slash-separated.
	Rel string

	// Index and State come from the ledger record, when there is one.
	Index *int
	State ledger.State

	Measurements []Measurement
}

// Collect extracts every spec from every directory. Extraction failures
// are recorded on the measurement; only cancellation aborts the harvest.
func Collect(ctx context.Context, root string, dirs []string, specs []Spec) ([]Entry, error) {
	store := ledger.NewStore(root)
	entries := make([]Entry, 0, len(dirs))

	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return entries, err
		}

		entry := Entry{Dir: dir, Rel: relPath(root, dir)}
		if rec, err := store.Get(dir); err == nil {
			idx := rec.Index
			entry.Index = &idx
			entry.State = rec.State
		}

		ex := extract.New(dir)
		for _, spec := range specs {
			v, err := ex.Extract(spec.Kind, spec.Atom)
			entry.Measurements = append(entry.Measurements, Measurement{Spec: spec, Values: v.Values, Err: err})
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func relPath(root, dir string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return filepath.ToSlash(dir)
	}
	return filepath.ToSlash(rel)
}

// Components names the numbers a quantity decodes to, given how many
// there are.
func Components(kind extract.Quantity, n int) []string {
	switch kind {
	case extract.QuantityGap:
		edges := []string{"vbm", "cbm", "gap"}
		if n <= len(edges) {
			return edges[:n]
		}
		out := make([]string, 0, n)
		for i := 0; i < n; i++ {
			channel := "up"
			if i >= len(edges) {
				channel = "down"
			}
			out = append(out, channel+"."+edges[i%len(edges)])
		}
		return out
	case extract.QuantityElectrostaticPotential:
		return []string{"atom", "potential"}[:min(n, 2)]
	default:
		out := make([]string, n)
		for i := range out {
			out[i] = "value"
			if n > 1 {
				out[i] = "value" + strconv.Itoa(i)
			}
		}
		return out
	}
}
