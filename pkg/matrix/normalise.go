package matrix

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/Comeylo/mrtrix3/pkg/fixel"
)

// NormaliseOptions controls conversion of the initial matrix into the
// normalized matrix.
type NormaliseOptions struct {
	// Threshold is the minimum connectivity weight (streamline fraction) an
	// edge must reach to survive normalization.
	Threshold Value

	// SelfConnectIsolated inserts a synthetic self-edge of weight 1 for any
	// fixel whose adjacency list is empty after thresholding. A matrix used
	// for data smoothing wants this, so that isolated fixels preserve their
	// own value; a matrix used for statistical enhancement must not, since a
	// self-connected isolated fixel could otherwise enhance itself into
	// significance.
	SelfConnectIsolated bool

	// Workers is the number of concurrent normalization workers.
	// Defaults to runtime.NumCPU().
	Workers int
}

// Normalise converts the initial count-weighted matrix into a thresholded,
// probability-normalized matrix. Each edge count is divided by the owning
// fixel's total streamline count, edges below the threshold are discarded,
// and the per-fixel normalization factor is computed.
//
// The initial matrix is consumed: each fixel's adjacency list is released
// as soon as it has been converted, because the peak size of the two
// matrices together can dominate process memory.
//
// Fixels are independent, so the work is distributed over a counter-based
// work queue; results land in disjoint output slots and completion order is
// irrelevant.
func Normalise(initial InitMatrix, opts NormaliseOptions) NormMatrix {
	workers := opts.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}

	out := make(NormMatrix, len(initial))
	var next atomic.Uint64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := next.Add(1) - 1
				if i >= uint64(len(initial)) {
					return
				}
				normaliseFixel(&initial[i], &out[i], fixel.Index(i), opts)
			}
		}()
	}
	wg.Wait()
	return out
}

func normaliseFixel(in *InitFixel, out *NormFixel, index fixel.Index, opts NormaliseOptions) {
	total := Value(in.TrackCount)
	for _, e := range in.Elements {
		weight := Value(e.Count) / total
		if weight >= opts.Threshold {
			out.Elements = append(out.Elements, NormElement{Index: e.Index, Value: weight})
		}
	}
	if len(out.Elements) == 0 && opts.SelfConnectIsolated {
		out.Elements = append(out.Elements, NormElement{Index: index, Value: 1})
	}
	out.Normalise()

	// Release this fixel's share of the initial matrix immediately rather
	// than waiting for the whole matrix to go out of scope.
	in.Elements = nil
	in.TrackCount = 0
}
