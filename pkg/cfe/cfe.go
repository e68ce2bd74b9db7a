// Package cfe implements connectivity-based fixel enhancement: a
// spatial-statistic boosting transform analogous to cluster-based
// enhancement, but operating over the sparse fixel connectivity graph
// rather than a voxel grid.
package cfe

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/Comeylo/mrtrix3/pkg/matrix"
)

// Options are the exponents of the enhancement model.
type Options struct {
	// ExtentExponent (E) is applied to the accumulated neighborhood sum.
	ExtentExponent float64
	// HeightExponent (H) is applied to each neighbor's statistic.
	HeightExponent float64
	// Legacy disables the intrinsically normalized form of the equation:
	// when set, the per-fixel normalization multiplier is not applied.
	Legacy bool
}

// Precondition prepares a normalized connectivity matrix for enhancement:
// every edge weight is exponentiated by the connectivity exponent C exactly
// once, and (unless the legacy form is requested) each fixel's normalization
// multiplier is recomputed so the transformed rows stay row-stochastic.
// It returns the number of fixels with no connectivity at all; such fixels
// are deliberately not self-connected here, as that would interfere with
// both the normalized enhancement expression and the empirical
// non-stationarity correction, so they can never attain significance.
func Precondition(m matrix.NormMatrix, connectivityExponent float64, legacy bool) (unconnected int) {
	for f := range m {
		if len(m[f].Elements) == 0 {
			unconnected++
			continue
		}
		for i := range m[f].Elements {
			m[f].Elements[i].Value = matrix.Value(math.Pow(float64(m[f].Elements[i].Value), connectivityExponent))
		}
		if !legacy {
			m[f].Normalise()
		}
	}
	return unconnected
}

// Enhancer transforms a raw per-element statistic vector into the spatially
// enhanced statistic. The connectivity matrix is read-only after
// construction, so an Enhancer is safe for concurrent use.
type Enhancer struct {
	matrix        matrix.NormMatrix
	opts          Options
	useMultiplier bool
}

// NewEnhancer wraps a preconditioned connectivity matrix.
func NewEnhancer(m matrix.NormMatrix, opts Options) *Enhancer {
	return &Enhancer{matrix: m, opts: opts, useMultiplier: !opts.Legacy}
}

// NumElements returns the number of elements the enhancer operates over.
func (e *Enhancer) NumElements() int { return len(e.matrix) }

// Enhance computes, for every element, the connectivity-weighted sum of its
// neighbors' supra-zero statistics raised to the height exponent, then
// raises the accumulated sum to the extent exponent. Elements with an empty
// adjacency list stay at zero.
func (e *Enhancer) Enhance(stats []float64) ([]float64, error) {
	if len(stats) != len(e.matrix) {
		return nil, fmt.Errorf("statistic vector length (%d) does not match connectivity matrix size (%d)",
			len(stats), len(e.matrix))
	}
	out := make([]float64, len(stats))
	for f := range e.matrix {
		row := &e.matrix[f]
		if len(row.Elements) == 0 {
			continue
		}
		var sum float64
		for _, edge := range row.Elements {
			s := stats[edge.Index]
			if s <= 0 {
				continue
			}
			sum += float64(edge.Value) * math.Pow(s, e.opts.HeightExponent)
		}
		if e.useMultiplier {
			sum *= float64(row.NormMultiplier)
		}
		if sum > 0 {
			out[f] = math.Pow(sum, e.opts.ExtentExponent)
		}
	}
	return out, nil
}

// EnhanceColumns applies Enhance to every column of an elements x hypotheses
// statistic matrix.
func (e *Enhancer) EnhanceColumns(stats *mat.Dense) (*mat.Dense, error) {
	elements, hypotheses := stats.Dims()
	out := mat.NewDense(elements, hypotheses, nil)
	column := make([]float64, elements)
	for h := 0; h < hypotheses; h++ {
		mat.Col(column, h, stats)
		enhanced, err := e.Enhance(column)
		if err != nil {
			return nil, err
		}
		out.SetCol(h, enhanced)
	}
	return out, nil
}
