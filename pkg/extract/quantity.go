package extract

import (
	"fmt"
	"strings"
)

// Quantity identifies one decodable physical quantity.
type Quantity int

const (
	QuantityEnergy Quantity = iota + 1
	QuantityGap
	QuantityFermi
	QuantityElectrons
	QuantityElectronsDefectFree
	QuantityImageEnergy
	QuantityCPUTime
	QuantityElectrostaticPotential
	QuantityMagnetization
)

var quantityNames = map[Quantity]string{
	QuantityEnergy:                 "energy",
	QuantityGap:                    "gap",
	QuantityFermi:                  "fermi",
	QuantityElectrons:              "electrons",
	QuantityElectronsDefectFree:    "electrons-defect-free",
	QuantityImageEnergy:            "image-energy",
	QuantityCPUTime:                "cpu-time",
	QuantityElectrostaticPotential: "electrostatic-potential",
	QuantityMagnetization:          "magnetization",
}

// quantityAliases maps accepted spellings to kinds. Matching is exact
// after lower-casing; there is no substring fallback.
var quantityAliases = map[string]Quantity{
	"energy":                  QuantityEnergy,
	"total-energy":            QuantityEnergy,
	"gap":                     QuantityGap,
	"band-gap":                QuantityGap,
	"fermi":                   QuantityFermi,
	"electrons":               QuantityElectrons,
	"ele":                     QuantityElectrons,
	"nelect":                  QuantityElectrons,
	"electrons-defect-free":   QuantityElectronsDefectFree,
	"ele-free":                QuantityElectronsDefectFree,
	"image-energy":            QuantityImageEnergy,
	"ewald":                   QuantityImageEnergy,
	"cpu-time":                QuantityCPUTime,
	"cpu":                     QuantityCPUTime,
	"electrostatic-potential": QuantityElectrostaticPotential,
	"electrostatic":           QuantityElectrostaticPotential,
	"magnetization":           QuantityMagnetization,
	"mag":                     QuantityMagnetization,
}

// String returns the canonical name.
func (q Quantity) String() string {
	if name, ok := quantityNames[q]; ok {
		return name
	}
	return fmt.Sprintf("quantity(%d)", int(q))
}

// NeedsAtom reports whether the quantity is per-atom.
func (q Quantity) NeedsAtom() bool {
	return q == QuantityElectrostaticPotential
}

// ParseQuantity resolves a user-supplied quantity name.
func ParseQuantity(name string) (Quantity, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.ReplaceAll(key, "_", "-")
	if q, ok := quantityAliases[key]; ok {
		return q, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownQuantity, name)
}

// Quantities lists every kind in declaration order.
func Quantities() []Quantity {
	out := make([]Quantity, 0, len(quantityNames))
	for q := QuantityEnergy; q <= QuantityMagnetization; q++ {
		out = append(out, q)
	}
	return out
}

// Value is a decoded quantity.
//
// Values layout by kind:
//   - gap: [vbm, cbm, gap] per spin channel (3 or 6 numbers)
//   - electrostatic-potential: [atom label, potential]
//   - everything else: a single number
type Value struct {
	Kind   Quantity  `json:"-"`
	Name   string    `json:"quantity"`
	Atom   int       `json:"atom,omitempty"`
	Values []float64 `json:"values"`
}

func newValue(kind Quantity, values ...float64) Value {
	return Value{Kind: kind, Name: kind.String(), Values: values}
}

// Scalar returns the single number of a scalar quantity. For the
// electrostatic potential it returns the potential itself.
func (v Value) Scalar() (float64, bool) {
	switch {
	case v.Kind == QuantityElectrostaticPotential && len(v.Values) == 2:
		return v.Values[1], true
	case len(v.Values) == 1:
		return v.Values[0], true
	default:
		return 0, false
	}
}
