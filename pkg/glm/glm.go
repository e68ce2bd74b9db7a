// Package glm implements the general linear model regression and
// permutation-testing machinery used for fixel-based statistical inference:
// beta/effect-size/standard-deviation estimation, Freedman-Lane shuffled
// statistics for fixed and element-varying design matrices, and
// shuffling-matrix generation.
package glm

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch indicates inconsistent dimensions between the design
// matrix, contrast weights, measurements or shuffling matrix. Shape errors
// are raised before any computation begins.
var ErrShapeMismatch = errors.New("glm: dimension mismatch")

// CohortDataImport supplies one additional design matrix column whose values
// vary per element: Column yields one value per subject at a given element.
// Implementations must be safe for concurrent readers.
type CohortDataImport interface {
	Column(element int) []float64
	AllFinite() bool
	NumSubjects() int
}

// SolveBetas regresses the measurements (elements x subjects) against the
// design matrix (subjects x factors), returning the beta coefficients as a
// factors x elements matrix.
func SolveBetas(measurements, design *mat.Dense) (*mat.Dense, error) {
	if err := checkShapes(measurements, design); err != nil {
		return nil, err
	}
	pinv, err := pseudoInverse(design)
	if err != nil {
		return nil, fmt.Errorf("failed to invert design matrix: %w", err)
	}
	var betas mat.Dense
	betas.Mul(pinv, measurements.T())
	return &betas, nil
}

// Stdev returns the residual standard deviation per element, with degrees of
// freedom equal to the number of subjects minus the rank of the design
// matrix.
func Stdev(measurements, design *mat.Dense) ([]float64, error) {
	betas, err := SolveBetas(measurements, design)
	if err != nil {
		return nil, err
	}
	return stdevFromBetas(measurements, design, betas)
}

func stdevFromBetas(measurements, design, betas *mat.Dense) ([]float64, error) {
	subjects, _ := design.Dims()
	elements, _ := measurements.Dims()

	var fitted mat.Dense
	fitted.Mul(design, betas) // subjects x elements
	designRank, err := rank(design)
	if err != nil {
		return nil, fmt.Errorf("failed to compute design matrix rank: %w", err)
	}
	dof := float64(subjects - designRank)

	stdev := make([]float64, elements)
	for e := 0; e < elements; e++ {
		var rss float64
		for s := 0; s < subjects; s++ {
			r := measurements.At(e, s) - fitted.At(s, e)
			rss += r * r
		}
		stdev[e] = math.Sqrt(rss / dof)
	}
	return stdev, nil
}

// Stats bundles the per-element descriptive outputs of the regression.
type Stats struct {
	Betas     *mat.Dense // factors x elements
	AbsEffect *mat.Dense // elements x hypotheses; NaN for F-type hypotheses
	StdEffect *mat.Dense // elements x hypotheses; NaN for F-type hypotheses
	Stdev     []float64
}

// AllStats computes betas, absolute and standardized effect sizes and the
// residual standard deviation for every element. When element-wise extra
// columns are present, the design matrix is re-assembled per element and the
// elements are processed concurrently with fully local working storage.
func AllStats(measurements, design *mat.Dense, extras []CohortDataImport, hypotheses []Hypothesis, workers int) (*Stats, error) {
	if len(extras) == 0 {
		return fixedStats(measurements, design, hypotheses)
	}
	return variableStats(measurements, design, extras, hypotheses, workers)
}

func fixedStats(measurements, design *mat.Dense, hypotheses []Hypothesis) (*Stats, error) {
	elements, _ := measurements.Dims()

	betas, err := SolveBetas(measurements, design)
	if err != nil {
		return nil, err
	}
	stdev, err := stdevFromBetas(measurements, design, betas)
	if err != nil {
		return nil, err
	}

	absEffect := mat.NewDense(elements, len(hypotheses), nil)
	stdEffect := mat.NewDense(elements, len(hypotheses), nil)
	for ic, h := range hypotheses {
		if h.IsF() {
			for e := 0; e < elements; e++ {
				absEffect.Set(e, ic, math.NaN())
				stdEffect.Set(e, ic, math.NaN())
			}
			continue
		}
		var effect mat.Dense
		effect.Mul(h.Weights(), betas) // 1 x elements
		for e := 0; e < elements; e++ {
			absEffect.Set(e, ic, effect.At(0, e))
			stdEffect.Set(e, ic, effect.At(0, e)/stdev[e])
		}
	}
	return &Stats{Betas: betas, AbsEffect: absEffect, StdEffect: stdEffect, Stdev: stdev}, nil
}

func variableStats(measurements, design *mat.Dense, extras []CohortDataImport, hypotheses []Hypothesis, workers int) (*Stats, error) {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	elements, subjects := measurements.Dims()
	_, fixedFactors := design.Dims()
	factors := fixedFactors + len(extras)

	out := &Stats{
		Betas:     mat.NewDense(factors, elements, nil),
		AbsEffect: mat.NewDense(elements, len(hypotheses), nil),
		StdEffect: mat.NewDense(elements, len(hypotheses), nil),
		Stdev:     make([]float64, elements),
	}

	var next atomic.Uint64
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e := int(next.Add(1) - 1)
				if e >= elements {
					return
				}
				elementDesign := assembleDesign(design, extras, e)
				elementData := mat.NewDense(1, subjects, nil)
				for s := 0; s < subjects; s++ {
					elementData.Set(0, s, measurements.At(e, s))
				}
				local, err := fixedStats(elementData, elementDesign, hypotheses)
				if err != nil {
					errs <- err
					return
				}
				for f := 0; f < factors; f++ {
					out.Betas.Set(f, e, local.Betas.At(f, 0))
				}
				for ic := range hypotheses {
					out.AbsEffect.Set(e, ic, local.AbsEffect.At(0, ic))
					out.StdEffect.Set(e, ic, local.StdEffect.At(0, ic))
				}
				out.Stdev[e] = local.Stdev[0]
			}
		}()
	}
	wg.Wait()
	select {
	case err := <-errs:
		return nil, err
	default:
	}
	return out, nil
}

// assembleDesign appends the element-wise extra columns to the fixed design
// matrix for one element.
func assembleDesign(design *mat.Dense, extras []CohortDataImport, element int) *mat.Dense {
	subjects, fixedFactors := design.Dims()
	full := mat.NewDense(subjects, fixedFactors+len(extras), nil)
	full.Slice(0, subjects, 0, fixedFactors).(*mat.Dense).Copy(design)
	for col, extra := range extras {
		full.SetCol(fixedFactors+col, extra.Column(element))
	}
	return full
}

func checkShapes(measurements, design *mat.Dense) error {
	_, subjects := measurements.Dims()
	designRows, _ := design.Dims()
	if subjects != designRows {
		return fmt.Errorf("%w: measurements have %d subjects, design matrix has %d rows",
			ErrShapeMismatch, subjects, designRows)
	}
	return nil
}
