package glm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Test computes the per-element test statistic for one shuffling of the
// subject labels. Both strategies share this contract so that the
// permutation test driver is agnostic to which is in use: the returned
// matrix is elements x hypotheses, and any non-finite statistic is reported
// as 0 by definition.
//
// Implementations must be safe for concurrent Apply calls.
type Test interface {
	Apply(shuffling *mat.Dense) (*mat.Dense, error)
	NumElements() int
	NumOutputs() int
	NumSubjects() int
}

// TestFixed is the fast path for a design matrix that is identical for every
// element. The model partition of each hypothesis and the pseudo-inverse and
// residual-forming matrices of the full model are computed once at
// construction.
type TestFixed struct {
	y          *mat.Dense // elements x subjects
	design     *mat.Dense // subjects x factors
	hypotheses []Hypothesis
	pinvM      *mat.Dense
	rm         *mat.Dense // I - M pinv(M)
	partitions []*Partition
}

// NewTestFixed validates the input shapes and precomputes the per-hypothesis
// model partitions.
func NewTestFixed(measurements, design *mat.Dense, hypotheses []Hypothesis) (*TestFixed, error) {
	if err := checkShapes(measurements, design); err != nil {
		return nil, err
	}
	_, factors := design.Dims()
	for _, h := range hypotheses {
		if h.NumFactors() != factors {
			return nil, fmt.Errorf("%w: hypothesis %q spans %d factors, design matrix has %d columns",
				ErrShapeMismatch, h.Name(), h.NumFactors(), factors)
		}
		if rows, _ := h.Weights().Dims(); h.nonzeroColumns() != rows {
			return nil, fmt.Errorf("%w: hypothesis %q has %d weight rows but %d design columns of interest",
				ErrShapeMismatch, h.Name(), rows, h.nonzeroColumns())
		}
	}

	pinvM, err := pseudoInverse(design)
	if err != nil {
		return nil, fmt.Errorf("failed to invert design matrix: %w", err)
	}
	rm, err := residualFormer(design)
	if err != nil {
		return nil, fmt.Errorf("failed to compute residual-forming matrix: %w", err)
	}

	t := &TestFixed{
		y:          measurements,
		design:     design,
		hypotheses: hypotheses,
		pinvM:      pinvM,
		rm:         rm,
	}
	for _, h := range hypotheses {
		p, err := h.Partition(design)
		if err != nil {
			return nil, err
		}
		t.partitions = append(t.partitions, p)
	}
	return t, nil
}

// NumElements returns the number of elements tested.
func (t *TestFixed) NumElements() int { r, _ := t.y.Dims(); return r }

// NumOutputs returns the number of hypotheses tested.
func (t *TestFixed) NumOutputs() int { return len(t.hypotheses) }

// NumSubjects returns the number of subjects.
func (t *TestFixed) NumSubjects() int { _, c := t.y.Dims(); return c }

// Apply computes the test statistic for every element under one shuffling of
// the subjects, following the Freedman-Lane procedure: the measurements are
// residualized against the nuisance partition, shuffled, re-regressed
// against the full model, and an F statistic is formed from the
// contrast-restricted fit. t-type statistics are reported as
// sign(beta) * sqrt(F).
func (t *TestFixed) Apply(shuffling *mat.Dense) (*mat.Dense, error) {
	subjects := t.NumSubjects()
	elements := t.NumElements()
	if r, c := shuffling.Dims(); r != subjects || c != subjects {
		return nil, fmt.Errorf("%w: shuffling matrix is %dx%d, expected %dx%d",
			ErrShapeMismatch, r, c, subjects, subjects)
	}

	out := mat.NewDense(elements, len(t.hypotheses), nil)
	for ic, h := range t.hypotheses {
		part := t.partitions[ic]

		// Residualization against the nuisance variables and shuffling of
		// the residualized response collapse into one matrix product.
		var prz mat.Dense
		prz.Mul(shuffling, part.Rz)
		var sy mat.Dense
		sy.Mul(t.y, prz.T()) // elements x subjects; row e = PRz * y_e

		var beta mat.Dense
		beta.Mul(t.pinvM, sy.T()) // factors x elements
		var betahat mat.Dense
		betahat.Mul(h.Weights(), &beta) // rows x elements

		var xtx mat.Dense
		xtx.Mul(part.X.T(), part.X)
		dof := float64(subjects - part.RankX - part.RankZ)

		var residuals mat.Dense
		residuals.Mul(t.rm, sy.T()) // subjects x elements

		var scratch mat.VecDense
		for e := 0; e < elements; e++ {
			var rss float64
			for s := 0; s < subjects; s++ {
				r := residuals.At(s, e)
				rss += r * r
			}
			bh := betahat.ColView(e)
			scratch.MulVec(&xtx, bh)
			f := (mat.Dot(bh, &scratch) / float64(h.Rank())) / (rss / dof)
			out.Set(e, ic, statistic(f, h, betahat.At(0, e)))
		}
	}
	return out, nil
}

// statistic converts an F value into the reported statistic: F itself for
// F-type hypotheses, signed sqrt(F) for t-type, and 0 for any non-finite
// value (a defined contract for degenerate fits, not an error).
func statistic(f float64, h Hypothesis, firstBeta float64) float64 {
	if !isFinite(f) {
		return 0
	}
	if h.IsF() {
		return f
	}
	if firstBeta > 0 {
		return math.Sqrt(f)
	}
	return -math.Sqrt(f)
}
