package sweep

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSweep indicates inconsistent sweep bounds or an unusable
// parameter.
var ErrInvalidSweep = errors.New("invalid sweep")

// valueDecimals is the precision sweep values are rounded to, so that
// accumulated float error never adds or drops a point.
const valueDecimals = 10

// maxPoints bounds the number of points of one sweep.
const maxPoints = 100000

// Values returns start + i*step for i = 0, 1, ... while the value is
// below end. Each value is computed from its index and rounded to 10
// decimals.
func Values(start, end, step float64) ([]float64, error) {
	if step <= 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return nil, fmt.Errorf("%w: step must be positive, got %v", ErrInvalidSweep, step)
	}
	if math.IsNaN(start) || math.IsNaN(end) || math.IsInf(start, 0) || math.IsInf(end, 0) {
		return nil, fmt.Errorf("%w: bounds must be finite", ErrInvalidSweep)
	}
	limit := round(end)
	if round(start) >= limit {
		return nil, fmt.Errorf("%w: start %v must be below end %v", ErrInvalidSweep, start, end)
	}

	var out []float64
	for i := 0; ; i++ {
		v := round(start + float64(i)*step)
		if v >= limit {
			break
		}
		if len(out) == maxPoints {
			return nil, fmt.Errorf("%w: more than %d points", ErrInvalidSweep, maxPoints)
		}
		out = append(out, v)
	}
	return out, nil
}

func round(v float64) float64 {
	p := math.Pow10(valueDecimals)
	return math.Round(v*p) / p
}
