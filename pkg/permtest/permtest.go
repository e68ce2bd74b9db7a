// Package permtest orchestrates non-parametric permutation testing: it
// drives the GLM engine and the connectivity-based enhancement over many
// random relabelings of the subjects, accumulates the null distribution of
// the maximum statistic, and derives family-wise corrected and uncorrected
// p-values. An optional empirical phase estimates a baseline enhancement
// field used to correct for spatial non-stationarity of smoothness.
package permtest

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/Comeylo/mrtrix3/pkg/cfe"
	"github.com/Comeylo/mrtrix3/pkg/glm"
)

// Options controls the permutation phase.
type Options struct {
	// NumShuffles is the number of random relabelings drawn.
	NumShuffles int

	// Strong selects strong (joint across hypotheses) family-wise error
	// control: the null distribution tracks the maximum statistic across all
	// hypotheses rather than per hypothesis.
	Strong bool

	// Workers is the number of concurrent shuffling evaluations.
	// Defaults to runtime.NumCPU().
	Workers int
}

// Result bundles the outputs of the permutation phase.
type Result struct {
	// NullDistribution holds one row per shuffling: the per-hypothesis
	// maximum enhanced statistic, or a single column of joint maxima under
	// strong family-wise control.
	NullDistribution *mat.Dense

	// NullContributions counts, per element and hypothesis, how many
	// shufflings drew their null-distribution value from that element.
	NullContributions *mat.Dense

	// UncorrectedPvalues holds (1 + exceedances) / (1 + shufflings) per
	// element and hypothesis, where an exceedance is a shuffling whose
	// enhanced statistic at that element reached the observed one.
	UncorrectedPvalues *mat.Dense
}

// PrecomputeEmpirical estimates the empirical baseline enhancement per
// element and hypothesis from a modest number of shufflings: the mean of the
// strictly positive enhanced statistics observed at each element, adjusted
// by the configured skew factor. Elements that never produce a positive
// enhanced statistic receive a baseline of zero and are left uncorrected.
func PrecomputeEmpirical(test glm.Test, enhancer *cfe.Enhancer, shuffler *glm.Shuffler, numShuffles int, skew float64, workers int) (*mat.Dense, error) {
	if skew <= 0 {
		return nil, fmt.Errorf("non-stationarity skew must be positive, got %g", skew)
	}
	elements := test.NumElements()
	hypotheses := test.NumOutputs()
	sums := mat.NewDense(elements, hypotheses, nil)
	counts := mat.NewDense(elements, hypotheses, nil)

	err := forEachShuffle(test, enhancer, nil, shuffler, numShuffles, workers, func(_ int, enhanced *mat.Dense) {
		for e := 0; e < elements; e++ {
			for h := 0; h < hypotheses; h++ {
				if v := enhanced.At(e, h); v > 0 {
					sums.Set(e, h, sums.At(e, h)+v)
					counts.Set(e, h, counts.At(e, h)+1)
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}

	empirical := mat.NewDense(elements, hypotheses, nil)
	for e := 0; e < elements; e++ {
		for h := 0; h < hypotheses; h++ {
			if n := counts.At(e, h); n > 0 {
				empirical.Set(e, h, math.Pow(sums.At(e, h)/n, 1/skew))
			}
		}
	}
	return empirical, nil
}

// PrecomputeDefault evaluates the unshuffled design: the observed raw
// statistics and their enhanced counterparts, the anchor against which every
// permutation is compared. empirical may be nil when non-stationarity
// correction is disabled.
func PrecomputeDefault(test glm.Test, enhancer *cfe.Enhancer, empirical *mat.Dense) (enhanced, raw *mat.Dense, err error) {
	raw, err = test.Apply(glm.IdentityShuffle(test.NumSubjects()))
	if err != nil {
		return nil, nil, err
	}
	enhanced, err = enhancer.EnhanceColumns(raw)
	if err != nil {
		return nil, nil, err
	}
	applyEmpirical(enhanced, empirical)
	return enhanced, raw, nil
}

// Run executes the permutation phase: NumShuffles random relabelings, each
// evaluated through the GLM and the enhancer, accumulating the null
// distribution of maxima, per-element exceedance counts and the
// null-contribution diagnostic. Shufflings are evaluated concurrently; the
// accumulation is funnelled through a single goroutine so the reductions
// need no locking.
func Run(test glm.Test, enhancer *cfe.Enhancer, empirical, observed *mat.Dense, shuffler *glm.Shuffler, opts Options) (*Result, error) {
	if opts.NumShuffles < 1 {
		return nil, fmt.Errorf("permutation testing requires at least one shuffling")
	}
	elements := test.NumElements()
	hypotheses := test.NumOutputs()
	if r, c := observed.Dims(); r != elements || c != hypotheses {
		return nil, fmt.Errorf("observed statistic matrix is %dx%d, expected %dx%d", r, c, elements, hypotheses)
	}

	nullCols := hypotheses
	if opts.Strong {
		nullCols = 1
	}
	res := &Result{
		NullDistribution:   mat.NewDense(opts.NumShuffles, nullCols, nil),
		NullContributions:  mat.NewDense(elements, hypotheses, nil),
		UncorrectedPvalues: mat.NewDense(elements, hypotheses, nil),
	}
	exceedances := mat.NewDense(elements, hypotheses, nil)

	err := forEachShuffle(test, enhancer, empirical, shuffler, opts.NumShuffles, opts.Workers, func(shuffle int, enhanced *mat.Dense) {
		jointMax := math.Inf(-1)
		for h := 0; h < hypotheses; h++ {
			maxValue := math.Inf(-1)
			maxElement := 0
			for e := 0; e < elements; e++ {
				v := enhanced.At(e, h)
				if v > maxValue {
					maxValue = v
					maxElement = e
				}
				if v >= observed.At(e, h) {
					exceedances.Set(e, h, exceedances.At(e, h)+1)
				}
			}
			res.NullContributions.Set(maxElement, h, res.NullContributions.At(maxElement, h)+1)
			if opts.Strong {
				if maxValue > jointMax {
					jointMax = maxValue
				}
			} else {
				res.NullDistribution.Set(shuffle, h, maxValue)
			}
		}
		if opts.Strong {
			res.NullDistribution.Set(shuffle, 0, jointMax)
		}
	})
	if err != nil {
		return nil, err
	}

	for e := 0; e < elements; e++ {
		for h := 0; h < hypotheses; h++ {
			res.UncorrectedPvalues.Set(e, h, (1+exceedances.At(e, h))/float64(1+opts.NumShuffles))
		}
	}
	return res, nil
}

// FWEPvalue derives family-wise corrected p-values from the null
// distribution of maxima: (1 + count of null values >= observed) divided by
// (1 + number of shufflings). The estimator is monotone in rank, guarantees
// p in (0, 1], and is invariant to floating-point ties beyond count
// granularity. Under strong control the single joint null column is applied
// to every hypothesis.
func FWEPvalue(nullDistribution, observed *mat.Dense) *mat.Dense {
	shuffles, nullCols := nullDistribution.Dims()
	elements, hypotheses := observed.Dims()

	sorted := make([][]float64, nullCols)
	for c := 0; c < nullCols; c++ {
		col := make([]float64, shuffles)
		mat.Col(col, c, nullDistribution)
		sort.Float64s(col)
		sorted[c] = col
	}

	p := mat.NewDense(elements, hypotheses, nil)
	for h := 0; h < hypotheses; h++ {
		col := sorted[0]
		if nullCols > 1 {
			col = sorted[h]
		}
		for e := 0; e < elements; e++ {
			v := observed.At(e, h)
			greaterEqual := shuffles - sort.SearchFloat64s(col, v)
			p.Set(e, h, float64(1+greaterEqual)/float64(1+shuffles))
		}
	}
	return p
}

// forEachShuffle evaluates numShuffles shufflings through the test and the
// enhancer on a worker pool, delivering each enhanced statistic matrix to
// the accumulate callback from a single goroutine. The shuffler is drained
// serially, so shuffling sequences are reproducible for a given seed.
func forEachShuffle(test glm.Test, enhancer *cfe.Enhancer, empirical *mat.Dense, shuffler *glm.Shuffler, numShuffles, workers int, accumulate func(shuffle int, enhanced *mat.Dense)) error {
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	type job struct {
		index     int
		shuffling *mat.Dense
	}
	type outcome struct {
		index    int
		enhanced *mat.Dense
	}

	jobs := make(chan job, workers)
	outcomes := make(chan outcome, workers)
	errc := make(chan error, workers)
	quit := make(chan struct{})
	var abort sync.Once
	fail := func(err error) {
		errc <- err
		abort.Do(func() { close(quit) })
	}

	go func() {
		defer close(jobs)
		for i := 0; i < numShuffles; i++ {
			select {
			case jobs <- job{index: i, shuffling: shuffler.Next()}:
			case <-quit:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				raw, err := test.Apply(j.shuffling)
				if err != nil {
					fail(err)
					return
				}
				enhanced, err := enhancer.EnhanceColumns(raw)
				if err != nil {
					fail(err)
					return
				}
				applyEmpirical(enhanced, empirical)
				select {
				case outcomes <- outcome{index: j.index, enhanced: enhanced}:
				case <-quit:
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for o := range outcomes {
		accumulate(o.index, o.enhanced)
	}

	select {
	case err := <-errc:
		return err
	default:
	}
	return nil
}

// applyEmpirical divides enhanced statistics by the empirical baseline
// wherever the baseline is positive. A nil baseline disables the correction.
func applyEmpirical(enhanced, empirical *mat.Dense) {
	if empirical == nil {
		return
	}
	rows, cols := enhanced.Dims()
	for e := 0; e < rows; e++ {
		for h := 0; h < cols; h++ {
			if base := empirical.At(e, h); base > 0 {
				enhanced.Set(e, h, enhanced.At(e, h)/base)
			}
		}
	}
}
