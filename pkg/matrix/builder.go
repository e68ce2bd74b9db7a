package matrix

import (
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/Comeylo/mrtrix3/pkg/fixel"
)

// VoxelHit is one voxel traversed by a streamline, together with the local
// streamline tangent at that voxel.
type VoxelHit struct {
	X, Y, Z int
	Dir     [3]float64
}

// Streamline is the ordered sequence of voxel hits of one streamline.
type Streamline []VoxelHit

// StreamlineSource lazily yields streamlines. Next returns io.EOF once the
// source is exhausted. Implementations are read from a single goroutine.
type StreamlineSource interface {
	Next() (Streamline, error)
}

// BuildOptions controls construction of the initial connectivity matrix.
type BuildOptions struct {
	// AngularThreshold is the maximum angle, in degrees, between a
	// streamline tangent and a fixel direction for the streamline to be
	// assigned to that fixel.
	AngularThreshold float64

	// Mask optionally restricts assignment to fixels with a true entry,
	// indexed externally. nil disables masking.
	Mask []bool

	// Workers is the number of concurrent streamline-to-fixel resolution
	// workers. Defaults to runtime.NumCPU().
	Workers int
}

// Build consumes every streamline from the source and produces the initial
// fixel-fixel connectivity matrix. Each streamline is resolved to the
// sorted, duplicate-free set of fixels it traverses (matching each voxel
// tangent against the closest-direction fixel in that voxel); the set is
// then merged into the adjacency list of every fixel it contains, so that
// every pair of co-visited fixels gains one potential edge.
//
// Streamline resolution runs on a pool of workers; the per-fixel adjacency
// updates are funnelled through a single aggregation goroutine, which is
// what guarantees at most one writer per adjacency list without locks.
//
// A malformed streamline aborts the whole build: no partial matrix is
// returned.
func Build(source StreamlineSource, index fixel.IndexImage, directions fixel.DirectionsImage, opts BuildOptions) (InitMatrix, error) {
	workers := opts.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if opts.Mask != nil && fixel.Index(len(opts.Mask)) != index.NumFixels() {
		return nil, fmt.Errorf("fixel mask contains %d entries; template has %d fixels",
			len(opts.Mask), index.NumFixels())
	}
	// Dot-product threshold equivalent to the angular threshold.
	minDot := math.Cos(opts.AngularThreshold * math.Pi / 180)

	tracks := make(chan Streamline, 4*workers)
	assignments := make(chan []fixel.Index, 4*workers)
	errc := make(chan error, workers+1)
	quit := make(chan struct{})
	var abort sync.Once
	fail := func(err error) {
		errc <- err
		abort.Do(func() { close(quit) })
	}

	// Producer: drain the streamline source.
	go func() {
		defer close(tracks)
		for {
			track, err := source.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				fail(fmt.Errorf("failed to read streamline data: %w", err))
				return
			}
			select {
			case tracks <- track:
			case <-quit:
				return
			}
		}
	}()

	// Resolution workers: map each streamline to its fixel index set.
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for track := range tracks {
				set, err := assignFixels(track, index, directions, opts.Mask, minDot)
				if err != nil {
					fail(err)
					return
				}
				select {
				case assignments <- set:
				case <-quit:
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(assignments)
	}()

	// Aggregation: the only writer to the matrix.
	m := make(InitMatrix, index.NumFixels())
	for set := range assignments {
		for _, f := range set {
			m[f].Add(set)
		}
	}

	select {
	case err := <-errc:
		return nil, err
	default:
	}
	return m, nil
}

// assignFixels resolves one streamline to the sorted, duplicate-free set of
// fixels it traverses. Each voxel tangent is matched against the fixel in
// that voxel with the smallest angular deviation; the match is rejected if
// the deviation exceeds the angular threshold or the fixel is outside the
// mask.
func assignFixels(track Streamline, index fixel.IndexImage, directions fixel.DirectionsImage, mask []bool, minDot float64) ([]fixel.Index, error) {
	out := make([]fixel.Index, 0, len(track))
	for _, hit := range track {
		norm := math.Sqrt(hit.Dir[0]*hit.Dir[0] + hit.Dir[1]*hit.Dir[1] + hit.Dir[2]*hit.Dir[2])
		if norm == 0 || math.IsNaN(norm) {
			return nil, fmt.Errorf("malformed streamline: degenerate direction at voxel (%d,%d,%d)", hit.X, hit.Y, hit.Z)
		}
		offset, count := index.FixelsInVoxel(hit.X, hit.Y, hit.Z)
		if count == 0 {
			continue
		}
		closest := fixel.Invalid
		largest := 0.0
		for j := offset; j < offset+count; j++ {
			dir := directions.Direction(j)
			dot := math.Abs(hit.Dir[0]*dir[0]+hit.Dir[1]*dir[1]+hit.Dir[2]*dir[2]) / norm
			if dot > largest {
				largest = dot
				closest = j
			}
		}
		if closest == fixel.Invalid || largest < minDot {
			continue
		}
		if mask != nil && !mask[closest] {
			continue
		}
		out = append(out, closest)
	}

	// The merge in (*InitFixel).Add requires sorted, duplicate-free input.
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	dedup := out[:0]
	for i, f := range out {
		if i == 0 || f != out[i-1] {
			dedup = append(dedup, f)
		}
	}
	return dedup, nil
}
