package matrix

import (
	"fmt"
	"math"
)

// Smoother applies connectivity-based smoothing to per-fixel data: each
// output value is the weighted mean of the input values of the fixel's
// connected neighbors. The matrix should have been normalized with
// SelfConnectIsolated enabled, so that fixels without streamline
// connectivity preserve their own value instead of vanishing.
type Smoother struct {
	matrix NormMatrix
}

// NewSmoother wraps a normalized connectivity matrix for smoothing. The
// matrix is treated as read-only; a Smoother is safe for concurrent use.
func NewSmoother(m NormMatrix) *Smoother {
	return &Smoother{matrix: m}
}

// Apply smooths one per-fixel data vector. Non-finite input values are
// propagated as NaN and excluded from their neighbors' weighted means, with
// the remaining weights renormalized over the finite neighbors.
func (s *Smoother) Apply(in []float64) ([]float64, error) {
	if len(in) != len(s.matrix) {
		return nil, fmt.Errorf("fixel data length (%d) does not match connectivity matrix size (%d)",
			len(in), len(s.matrix))
	}
	out := make([]float64, len(in))
	for f := range s.matrix {
		if math.IsNaN(in[f]) || math.IsInf(in[f], 0) {
			out[f] = math.NaN()
			continue
		}
		var value, sumWeights float64
		for _, e := range s.matrix[f].Elements {
			v := in[e.Index]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			value += v * float64(e.Value)
			sumWeights += float64(e.Value)
		}
		if sumWeights > 0 {
			out[f] = value / sumWeights
		} else {
			out[f] = math.NaN()
		}
	}
	return out, nil
}
