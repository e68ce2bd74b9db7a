package glm

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// TestVariable is the general path, used when per-element covariate columns
// exist or any input contains missing values. The design matrix is
// re-assembled for every element, subjects with non-finite data are excluded
// from that element's regression, and all working matrices are local so that
// elements can be processed concurrently.
type TestVariable struct {
	importers     []CohortDataImport
	y             *mat.Dense // elements x subjects
	design        *mat.Dense // subjects x fixed factors
	hypotheses    []Hypothesis
	nansInData    bool
	nansInColumns bool
}

// NewTestVariable validates shapes; the hypotheses must span the fixed
// factors plus one factor per element-wise column.
func NewTestVariable(importers []CohortDataImport, measurements, design *mat.Dense, hypotheses []Hypothesis, nansInData, nansInColumns bool) (*TestVariable, error) {
	if err := checkShapes(measurements, design); err != nil {
		return nil, err
	}
	_, fixedFactors := design.Dims()
	factors := fixedFactors + len(importers)
	for _, h := range hypotheses {
		if h.NumFactors() != factors {
			return nil, fmt.Errorf("%w: hypothesis %q spans %d factors, expected %d (%d design + %d element-wise)",
				ErrShapeMismatch, h.Name(), h.NumFactors(), factors, fixedFactors, len(importers))
		}
		if rows, _ := h.Weights().Dims(); h.nonzeroColumns() != rows {
			return nil, fmt.Errorf("%w: hypothesis %q has %d weight rows but %d design columns of interest",
				ErrShapeMismatch, h.Name(), rows, h.nonzeroColumns())
		}
	}
	subjects, _ := design.Dims()
	for _, imp := range importers {
		if imp.NumSubjects() != subjects {
			return nil, fmt.Errorf("%w: element-wise column has %d subjects, design matrix has %d rows",
				ErrShapeMismatch, imp.NumSubjects(), subjects)
		}
	}
	return &TestVariable{
		importers:     importers,
		y:             measurements,
		design:        design,
		hypotheses:    hypotheses,
		nansInData:    nansInData,
		nansInColumns: nansInColumns,
	}, nil
}

// NumElements returns the number of elements tested.
func (t *TestVariable) NumElements() int { r, _ := t.y.Dims(); return r }

// NumOutputs returns the number of hypotheses tested.
func (t *TestVariable) NumOutputs() int { return len(t.hypotheses) }

// NumSubjects returns the number of subjects.
func (t *TestVariable) NumSubjects() int { _, c := t.y.Dims(); return c }

// Apply computes the test statistic for every element under one shuffling.
// Per element, the full design matrix is assembled, subjects with a
// non-finite response or non-finite covariates are excluded, the rows of the
// shuffling matrix that map to excluded subjects are dropped (not zeroed, so
// degrees of freedom remain correct), and the Freedman-Lane regression then
// proceeds as in the fixed path with local storage throughout.
func (t *TestVariable) Apply(shuffling *mat.Dense) (*mat.Dense, error) {
	subjects := t.NumSubjects()
	if r, c := shuffling.Dims(); r != subjects || c != subjects {
		return nil, fmt.Errorf("%w: shuffling matrix is %dx%d, expected %dx%d",
			ErrShapeMismatch, r, c, subjects, subjects)
	}
	elements := t.NumElements()
	out := mat.NewDense(elements, len(t.hypotheses), nil)

	for e := 0; e < elements; e++ {
		extra := mat.NewDense(subjects, max(len(t.importers), 1), nil)
		for col, imp := range t.importers {
			extra.SetCol(col, imp.Column(e))
		}

		include := make([]bool, subjects)
		finite := 0
		for s := 0; s < subjects; s++ {
			include[s] = true
			if t.nansInData && !isFinite(t.y.At(e, s)) {
				include[s] = false
			}
			if include[s] && t.nansInColumns {
				for col := range t.importers {
					if !isFinite(extra.At(s, col)) {
						include[s] = false
						break
					}
				}
			}
			if include[s] {
				finite++
			}
		}

		design, response, shuf := t.maskElement(e, extra, shuffling, include, finite)

		pinvM, err := pseudoInverse(design)
		if err != nil {
			return nil, fmt.Errorf("failed to invert design matrix for element %d: %w", e, err)
		}
		rm, err := residualFormer(design)
		if err != nil {
			return nil, fmt.Errorf("failed to compute residual-forming matrix for element %d: %w", e, err)
		}

		for ic, h := range t.hypotheses {
			part, err := h.Partition(design)
			if err != nil {
				return nil, err
			}

			// Freedman-Lane on the masked, element-specific model.
			var rzy mat.VecDense
			rzy.MulVec(part.Rz, response)
			var sy mat.VecDense
			sy.MulVec(shuf, &rzy)

			var beta mat.VecDense
			beta.MulVec(pinvM, &sy)
			var betahat mat.VecDense
			betahat.MulVec(h.Weights(), &beta)

			var xtx mat.Dense
			xtx.Mul(part.X.T(), part.X)
			var scratch mat.VecDense
			scratch.MulVec(&xtx, &betahat)

			var residuals mat.VecDense
			residuals.MulVec(rm, &sy)
			rss := mat.Dot(&residuals, &residuals)
			dof := float64(finite - part.RankX - part.RankZ)

			f := (mat.Dot(&betahat, &scratch) / float64(h.Rank())) / (rss / dof)
			out.Set(e, ic, statistic(f, h, betahat.AtVec(0)))
		}
	}
	return out, nil
}

// maskElement assembles the element's full design matrix, response vector
// and shuffling matrix, restricted to the included subjects. Shuffling rows
// whose nonzero entry addresses an excluded subject are dropped along with
// the excluded subject columns, leaving a square shuffling over the
// remaining subjects.
func (t *TestVariable) maskElement(element int, extra *mat.Dense, shuffling *mat.Dense, include []bool, finite int) (*mat.Dense, *mat.VecDense, *mat.Dense) {
	subjects := len(include)
	_, fixedFactors := t.design.Dims()
	factors := fixedFactors + len(t.importers)

	design := mat.NewDense(finite, factors, nil)
	response := mat.NewVecDense(finite, nil)
	row := 0
	for s := 0; s < subjects; s++ {
		if !include[s] {
			continue
		}
		for col := 0; col < fixedFactors; col++ {
			design.Set(row, col, t.design.At(s, col))
		}
		for col := range t.importers {
			design.Set(row, fixedFactors+col, extra.At(s, col))
		}
		response.SetVec(row, t.y.At(element, s))
		row++
	}

	if finite == subjects {
		return design, response, shuffling
	}

	// A shuffling row maps an output position to an input subject; rows
	// whose input subject is excluded are removed entirely.
	keepRow := make([]bool, subjects)
	for r := 0; r < subjects; r++ {
		keepRow[r] = true
		for s := 0; s < subjects; s++ {
			if shuffling.At(r, s) != 0 && !include[s] {
				keepRow[r] = false
				break
			}
		}
	}
	shuf := mat.NewDense(finite, finite, nil)
	outRow := 0
	for r := 0; r < subjects; r++ {
		if !keepRow[r] {
			continue
		}
		outCol := 0
		for s := 0; s < subjects; s++ {
			if include[s] {
				shuf.Set(outRow, outCol, shuffling.At(r, s))
				outCol++
			}
		}
		outRow++
	}
	return design, response, shuf
}
