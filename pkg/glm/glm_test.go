package glm

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// onesDesign returns an intercept-only design matrix over n subjects.
func onesDesign(n int) *mat.Dense {
	design := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		design.Set(i, 0, 1)
	}
	return design
}

// TestSolveBetasInterceptOnly verifies that regressing against an intercept
// recovers the per-element mean
func TestSolveBetasInterceptOnly(t *testing.T) {
	y := mat.NewDense(2, 4, []float64{
		1, 2, 3, 4,
		10, 10, 10, 10,
	})

	betas, err := SolveBetas(y, onesDesign(4))
	require.NoError(t, err)

	assert.InDelta(t, stat.Mean([]float64{1, 2, 3, 4}, nil), betas.At(0, 0), 1e-9)
	assert.InDelta(t, 10.0, betas.At(0, 1), 1e-9)
}

// TestStdevInterceptOnly verifies the unbiased residual standard deviation
// with dof equal to subjects minus design rank
func TestStdevInterceptOnly(t *testing.T) {
	y := mat.NewDense(1, 4, []float64{1, 2, 3, 4})

	stdev, err := Stdev(y, onesDesign(4))
	require.NoError(t, err)

	// An intercept-only model leaves the sample standard deviation (dof = 3)
	assert.InDelta(t, stat.StdDev([]float64{1, 2, 3, 4}, nil), stdev[0], 1e-9)
}

// TestAllStatsFixed verifies the descriptive outputs of the fixed-design path
func TestAllStatsFixed(t *testing.T) {
	y := mat.NewDense(1, 4, []float64{1, 2, 3, 4})
	hyp := NewTHypothesis("1", []float64{1})

	stats, err := AllStats(y, onesDesign(4), nil, []Hypothesis{hyp}, 1)
	require.NoError(t, err)

	assert.InDelta(t, 2.5, stats.Betas.At(0, 0), 1e-9)
	assert.InDelta(t, 2.5, stats.AbsEffect.At(0, 0), 1e-9)
	assert.InDelta(t, 2.5/math.Sqrt(5.0/3.0), stats.StdEffect.At(0, 0), 1e-9)
	assert.InDelta(t, math.Sqrt(5.0/3.0), stats.Stdev[0], 1e-9)
}

// TestAllStatsFType verifies that effect sizes are undefined for F-type
// hypotheses
func TestAllStatsFType(t *testing.T) {
	y := mat.NewDense(1, 4, []float64{1, 2, 3, 4})
	fhyp, err := NewFHypothesis("F", mat.NewDense(1, 1, []float64{1}))
	require.NoError(t, err)

	stats, err := AllStats(y, onesDesign(4), nil, []Hypothesis{fhyp}, 1)
	require.NoError(t, err)

	assert.True(t, math.IsNaN(stats.AbsEffect.At(0, 0)))
	assert.True(t, math.IsNaN(stats.StdEffect.At(0, 0)))
}

// TestTestFixedOneSample verifies the unshuffled t statistic against the
// closed-form one-sample t-test
func TestTestFixedOneSample(t *testing.T) {
	y := mat.NewDense(1, 4, []float64{1, 2, 3, 4})
	hyp := NewTHypothesis("1", []float64{1})

	test, err := NewTestFixed(y, onesDesign(4), []Hypothesis{hyp})
	require.NoError(t, err)

	out, err := test.Apply(IdentityShuffle(4))
	require.NoError(t, err)

	// t = mean / (s / sqrt(n))
	expected := 2.5 / (math.Sqrt(5.0/3.0) / 2)
	assert.InDelta(t, expected, out.At(0, 0), 1e-9)
}

// TestTestFixedGroupDifference verifies the two-group contrast with a
// nuisance intercept under the Freedman-Lane partition
func TestTestFixedGroupDifference(t *testing.T) {
	// Design: intercept and group indicator; contrast tests the group effect
	design := mat.NewDense(6, 2, []float64{
		1, 0,
		1, 0,
		1, 0,
		1, 1,
		1, 1,
		1, 1,
	})
	y := mat.NewDense(1, 6, []float64{1, 2, 3, 7, 8, 9})
	hyp := NewTHypothesis("1", []float64{0, 1})

	test, err := NewTestFixed(y, design, []Hypothesis{hyp})
	require.NoError(t, err)

	out, err := test.Apply(IdentityShuffle(6))
	require.NoError(t, err)

	// Hand-computed through the procedure: the nuisance-residualized response
	// is the centered y, the group effect estimate is 6 with X'X = 3, the
	// residual sum of squares is 4 over 4 degrees of freedom, so
	// F = 6*3*6 / (4/4) = 108 and t = sqrt(F)
	assert.InDelta(t, math.Sqrt(108), out.At(0, 0), 1e-6)
	assert.Positive(t, out.At(0, 0))
}

// TestTestFixedFStatistic verifies that the F-type variant of the same
// contrast reports the squared t value
func TestTestFixedFStatistic(t *testing.T) {
	design := mat.NewDense(6, 2, []float64{
		1, 0,
		1, 0,
		1, 0,
		1, 1,
		1, 1,
		1, 1,
	})
	y := mat.NewDense(1, 6, []float64{1, 2, 3, 7, 8, 9})
	thyp := NewTHypothesis("t", []float64{0, 1})
	fhyp, err := NewFHypothesis("F", mat.NewDense(1, 2, []float64{0, 1}))
	require.NoError(t, err)

	test, err := NewTestFixed(y, design, []Hypothesis{thyp, fhyp})
	require.NoError(t, err)
	out, err := test.Apply(IdentityShuffle(6))
	require.NoError(t, err)

	tval := out.At(0, 0)
	fval := out.At(0, 1)
	assert.InDelta(t, tval*tval, fval, 1e-9)
}

// TestContrastSpanningMultipleColumns verifies that a t-type contrast with
// weights on more than one design column is rejected at construction: the
// restricted fit is only defined when the weight rows match the columns of
// interest one-to-one
func TestContrastSpanningMultipleColumns(t *testing.T) {
	design := mat.NewDense(6, 2, []float64{
		1, 0,
		1, 0,
		1, 0,
		1, 1,
		1, 1,
		1, 1,
	})
	y := mat.NewDense(1, 6, []float64{1, 2, 3, 7, 8, 9})
	hyps := []Hypothesis{NewTHypothesis("1", []float64{1, -1})}

	_, err := NewTestFixed(y, design, hyps)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = NewTestVariable(nil, y, design, hyps, false, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

// TestTestVariableMatchesFixed verifies that the general path reproduces the
// fixed path when no element-wise columns or missing data are present
func TestTestVariableMatchesFixed(t *testing.T) {
	design := mat.NewDense(6, 2, []float64{
		1, 0,
		1, 0,
		1, 0,
		1, 1,
		1, 1,
		1, 1,
	})
	y := mat.NewDense(2, 6, []float64{
		1, 2, 3, 7, 8, 9,
		4, 4, 5, 5, 6, 6,
	})
	hyps := []Hypothesis{NewTHypothesis("1", []float64{0, 1})}

	fixed, err := NewTestFixed(y, design, hyps)
	require.NoError(t, err)
	variable, err := NewTestVariable(nil, y, design, hyps, false, false)
	require.NoError(t, err)

	shuffling := NewShuffler(6, ShufflePermute, 7).Next()
	outFixed, err := fixed.Apply(shuffling)
	require.NoError(t, err)
	outVariable, err := variable.Apply(shuffling)
	require.NoError(t, err)

	for e := 0; e < 2; e++ {
		assert.InDelta(t, outFixed.At(e, 0), outVariable.At(e, 0), 1e-9)
	}
}

// TestTestVariableExcludesNaNSubjects verifies that subjects with a
// non-finite response are dropped from the regression of that element, with
// degrees of freedom reduced accordingly
func TestTestVariableExcludesNaNSubjects(t *testing.T) {
	hyps := []Hypothesis{NewTHypothesis("1", []float64{1})}

	// Element 0 carries a NaN for the fifth subject; the remaining values
	// match the four-subject reference exactly
	y := mat.NewDense(1, 5, []float64{1, 2, 3, 4, math.NaN()})
	test, err := NewTestVariable(nil, y, onesDesign(5), hyps, true, false)
	require.NoError(t, err)
	out, err := test.Apply(IdentityShuffle(5))
	require.NoError(t, err)

	reference := mat.NewDense(1, 4, []float64{1, 2, 3, 4})
	refTest, err := NewTestFixed(reference, onesDesign(4), hyps)
	require.NoError(t, err)
	refOut, err := refTest.Apply(IdentityShuffle(4))
	require.NoError(t, err)

	assert.InDelta(t, refOut.At(0, 0), out.At(0, 0), 1e-9)
}

// TestStatisticNonFinite verifies the defined-zero contract for degenerate
// fits
func TestStatisticNonFinite(t *testing.T) {
	hyp := NewTHypothesis("1", []float64{1})
	assert.Zero(t, statistic(math.NaN(), hyp, 1))
	assert.Zero(t, statistic(math.Inf(1), hyp, 1))
	assert.InDelta(t, -2.0, statistic(4, hyp, -1), 1e-9)
}

// TestShufflerPermutationMatrix verifies that generated shuffling matrices
// are valid permutation matrices, with optional sign flips
func TestShufflerPermutationMatrix(t *testing.T) {
	for _, typ := range []ShuffleType{ShufflePermute, ShuffleSignFlip, ShuffleBoth} {
		s := NewShuffler(8, typ, 42)
		for draw := 0; draw < 10; draw++ {
			m := s.Next()
			for i := 0; i < 8; i++ {
				rowNonzero, colNonzero := 0, 0
				for j := 0; j < 8; j++ {
					if v := m.At(i, j); v != 0 {
						rowNonzero++
						assert.True(t, v == 1 || (v == -1 && typ != ShufflePermute),
							"unexpected entry %g for shuffle type %d", v, typ)
					}
					if m.At(j, i) != 0 {
						colNonzero++
					}
				}
				assert.Equal(t, 1, rowNonzero, "row %d", i)
				assert.Equal(t, 1, colNonzero, "column %d", i)
			}
		}
	}
}

// TestShufflerDeterminism verifies that the same seed reproduces the same
// shuffling sequence
func TestShufflerDeterminism(t *testing.T) {
	a := NewShuffler(6, ShuffleBoth, 123)
	b := NewShuffler(6, ShuffleBoth, 123)
	for i := 0; i < 5; i++ {
		assert.True(t, mat.Equal(a.Next(), b.Next()), "draw %d diverged", i)
	}
}

// TestHypothesisPartition verifies the column split induced by the contrast
// weights
func TestHypothesisPartition(t *testing.T) {
	design := mat.NewDense(4, 3, []float64{
		1, 0, 2,
		1, 1, 3,
		1, 0, 4,
		1, 1, 5,
	})

	h := NewTHypothesis("1", []float64{0, 1, 0})
	p, err := h.Partition(design)
	require.NoError(t, err)

	_, xCols := p.X.Dims()
	_, zCols := p.Z.Dims()
	assert.Equal(t, 1, xCols)
	assert.Equal(t, 2, zCols)
	assert.Equal(t, 1, p.RankX)
	assert.Equal(t, 2, p.RankZ)

	// Rz must annihilate the nuisance columns
	var rzz mat.Dense
	rzz.Mul(p.Rz, p.Z)
	assert.InDelta(t, 0, mat.Norm(&rzz, 2), 1e-9)

	// A hypothesis without any nonzero weight is rejected
	zero := NewTHypothesis("zero", []float64{0, 0, 0})
	_, err = zero.Partition(design)
	assert.Error(t, err)
}

// TestLoadMatrix verifies matrix file parsing, comment handling and the
// ragged row check
func TestLoadMatrix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "design.txt")
	content := "# design matrix\n1 0\n1 1\n\n1 0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	m, err := LoadMatrix(path)
	require.NoError(t, err)
	rows, cols := m.Dims()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 2, cols)
	assert.Equal(t, 1.0, m.At(1, 1))

	ragged := filepath.Join(dir, "ragged.txt")
	require.NoError(t, os.WriteFile(ragged, []byte("1 2\n3\n"), 0644))
	_, err = LoadMatrix(ragged)
	assert.Error(t, err)
}

// TestLoadHypotheses verifies that each contrast row becomes a t-type
// hypothesis named by row number
func TestLoadHypotheses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contrast.txt")
	require.NoError(t, os.WriteFile(path, []byte("1 0\n0 -1\n"), 0644))

	hyps, err := LoadHypotheses(path)
	require.NoError(t, err)
	require.Len(t, hyps, 2)
	assert.Equal(t, "1", hyps[0].Name())
	assert.Equal(t, "2", hyps[1].Name())
	assert.False(t, hyps[0].IsF())
	assert.Equal(t, 1, hyps[1].Rank())
	assert.Equal(t, 2, hyps[0].NumFactors())
}
