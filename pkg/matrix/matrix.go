// Package matrix implements the fixel-fixel connectivity matrix: its
// incremental construction from streamline visitations, conversion into a
// thresholded probability-normalized form, and a line-oriented text codec
// for persisting either form to disk.
package matrix

import (
	"github.com/Comeylo/mrtrix3/pkg/fixel"
)

// Value is the storage type of normalized connectivity weights. float32
// halves the memory footprint of the matrix, which can carry tens of
// millions of edges.
type Value = float32

// InitElement is one edge of the matrix while it is being built: the target
// fixel index and the number of streamlines connecting the owning fixel to
// that target.
type InitElement struct {
	Index fixel.Index
	Count uint32
}

// InitFixel is the adjacency list of one fixel during matrix construction,
// sorted by target index and duplicate-free, together with the total number
// of streamlines that visited the owning fixel (the denominator used during
// normalization).
type InitFixel struct {
	Elements   []InitElement
	TrackCount uint32
}

// Add merges a sorted, duplicate-free set of fixel indices (the fixels
// traversed by a single streamline) into the adjacency list. Targets already
// present have their streamline count incremented; unseen targets are
// inserted at their sorted position. The owning fixel's total visit count is
// incremented exactly once per call, regardless of how many of the indices
// refer to it.
//
// The merge runs in O(existing + new): a forward pass increments matching
// entries and counts the overlap, then a backward in-place pass inserts the
// unseen targets while preserving order. This avoids re-sorting the list on
// every update, which matters for high-degree fixels whose adjacency can
// reach thousands of entries.
func (f *InitFixel) Add(indices []fixel.Index) {
	if len(f.Elements) == 0 {
		f.Elements = make([]InitElement, len(indices))
		for i, index := range indices {
			f.Elements[i] = InitElement{Index: index, Count: 1}
		}
		f.TrackCount = 1
		return
	}

	// Forward pass: increment targets already present, count the overlap.
	oldSize := len(f.Elements)
	intersection := 0
	self, in := 0, 0
	for self < oldSize && in < len(indices) {
		switch {
		case f.Elements[self].Index == indices[in]:
			f.Elements[self].Count++
			self++
			in++
			intersection++
		case f.Elements[self].Index > indices[in]:
			in++
		default:
			self++
		}
	}

	// Extend by the number of unseen targets, then merge from the back so
	// that existing entries move at most once.
	f.Elements = append(f.Elements, make([]InitElement, len(indices)-intersection)...)
	self = oldSize - 1
	in = len(indices) - 1
	out := len(f.Elements) - 1
	for out > self && self >= 0 && in >= 0 {
		switch {
		case f.Elements[self].Index == indices[in]:
			f.Elements[out] = f.Elements[self]
			self--
			in--
		case f.Elements[self].Index > indices[in]:
			f.Elements[out] = f.Elements[self]
			self--
		default:
			f.Elements[out] = InitElement{Index: indices[in], Count: 1}
			in--
		}
		out--
	}
	if self < 0 {
		for in >= 0 && out >= 0 {
			f.Elements[out] = InitElement{Index: indices[in], Count: 1}
			out--
			in--
		}
	}

	// Total number of streamlines intersecting this fixel, independent of
	// the extent of its connectivity.
	f.TrackCount++
}

// NormElement is one edge of the normalized matrix: the target fixel index
// and a connectivity weight in [0, 1].
type NormElement struct {
	Index fixel.Index
	Value Value
}

// NormFixel is the adjacency list of one fixel after normalization, sorted
// by target index, together with a multiplicative normalization factor.
type NormFixel struct {
	Elements       []NormElement
	NormMultiplier Value
}

// Normalise recomputes the normalization factor as the multiplicative
// inverse of the sum of edge weights, so that the row is stochastic when the
// factor is applied. Callers invoke this after any post-hoc transform of the
// weights, such as exponentiation by a connectivity exponent. A fixel with
// no edges keeps a factor of 1.
func (f *NormFixel) Normalise() {
	var sum Value
	for _, e := range f.Elements {
		sum += e.Value
	}
	if sum > 0 {
		f.NormMultiplier = 1 / sum
	} else {
		f.NormMultiplier = 1
	}
}

// InitMatrix is the count-weighted connectivity matrix under construction,
// one InitFixel per template fixel.
type InitMatrix []InitFixel

// NormMatrix is the thresholded, probability-normalized connectivity matrix,
// indexed by internal fixel position. Once built it is read-only and safe
// for unlimited concurrent readers.
type NormMatrix []NormFixel
