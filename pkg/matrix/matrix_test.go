package matrix

import (
	"math"
	"sort"
	"testing"

	"github.com/Comeylo/mrtrix3/pkg/fixel"
)

// TestInitFixelAddFirstStreamline verifies insertion into an empty adjacency
// list
func TestInitFixelAddFirstStreamline(t *testing.T) {
	var f InitFixel
	f.Add([]fixel.Index{1, 3, 7})

	if f.TrackCount != 1 {
		t.Errorf("Expected TrackCount 1, got %d", f.TrackCount)
	}
	if len(f.Elements) != 3 {
		t.Fatalf("Expected 3 elements, got %d", len(f.Elements))
	}
	for i, expected := range []fixel.Index{1, 3, 7} {
		if f.Elements[i].Index != expected || f.Elements[i].Count != 1 {
			t.Errorf("Element %d = {%d %d}, expected {%d 1}", i, f.Elements[i].Index, f.Elements[i].Count, expected)
		}
	}
}

// TestInitFixelAddMerge verifies the sorted merge: overlapping targets are
// incremented, unseen targets inserted at their sorted position, and the
// visit count incremented exactly once per call
func TestInitFixelAddMerge(t *testing.T) {
	var f InitFixel
	f.Add([]fixel.Index{2, 5, 9})
	f.Add([]fixel.Index{1, 5, 6, 9, 12})
	f.Add([]fixel.Index{5})

	if f.TrackCount != 3 {
		t.Errorf("Expected TrackCount 3, got %d", f.TrackCount)
	}

	expected := map[fixel.Index]uint32{1: 1, 2: 1, 5: 3, 6: 1, 9: 2, 12: 1}
	if len(f.Elements) != len(expected) {
		t.Fatalf("Expected %d elements, got %d", len(expected), len(f.Elements))
	}
	if !sort.SliceIsSorted(f.Elements, func(i, j int) bool { return f.Elements[i].Index < f.Elements[j].Index }) {
		t.Error("Adjacency list is not sorted by target index")
	}
	for _, e := range f.Elements {
		if expected[e.Index] != e.Count {
			t.Errorf("Target %d: expected count %d, got %d", e.Index, expected[e.Index], e.Count)
		}
	}
}

// TestInitFixelAddPrefixAndSuffix exercises insertions entirely before and
// entirely after the existing entries, the boundary cases of the backward
// merge
func TestInitFixelAddPrefixAndSuffix(t *testing.T) {
	var f InitFixel
	f.Add([]fixel.Index{10, 11})
	f.Add([]fixel.Index{1, 2})   // all before
	f.Add([]fixel.Index{20, 21}) // all after

	got := make([]fixel.Index, len(f.Elements))
	for i, e := range f.Elements {
		got[i] = e.Index
	}
	expected := []fixel.Index{1, 2, 10, 11, 20, 21}
	if len(got) != len(expected) {
		t.Fatalf("Expected %d elements, got %d (%v)", len(expected), len(got), got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Element %d = %d, expected %d", i, got[i], expected[i])
		}
	}
	for _, e := range f.Elements {
		if e.Count != 1 {
			t.Errorf("Target %d: expected count 1, got %d", e.Index, e.Count)
		}
	}
}

// TestInitFixelAllPairs verifies that merging one streamline's fixel set into
// every member produces the full set of pairwise connections, self edges
// included
func TestInitFixelAllPairs(t *testing.T) {
	set := []fixel.Index{0, 1, 2}
	m := make(InitMatrix, 3)
	for _, f := range set {
		m[f].Add(set)
	}

	for f := range m {
		if m[f].TrackCount != 1 {
			t.Errorf("Fixel %d: expected TrackCount 1, got %d", f, m[f].TrackCount)
		}
		if len(m[f].Elements) != 3 {
			t.Errorf("Fixel %d: expected 3 connections, got %d", f, len(m[f].Elements))
		}
	}
}

// TestNormFixelNormalise verifies the row normalization factor
func TestNormFixelNormalise(t *testing.T) {
	f := NormFixel{Elements: []NormElement{{Index: 0, Value: 0.2}, {Index: 1, Value: 0.3}}}
	f.Normalise()

	var sum float64
	for _, e := range f.Elements {
		sum += float64(e.Value)
	}
	if got := sum * float64(f.NormMultiplier); math.Abs(got-1) > 1e-6 {
		t.Errorf("Expected weights times multiplier to sum to 1, got %g", got)
	}

	// A fixel without edges keeps a factor of 1
	empty := NormFixel{}
	empty.Normalise()
	if empty.NormMultiplier != 1 {
		t.Errorf("Expected multiplier 1 for an empty fixel, got %g", empty.NormMultiplier)
	}
}

// TestNormalise verifies the conversion of streamline counts into thresholded
// probability weights
func TestNormalise(t *testing.T) {
	initial := InitMatrix{
		{Elements: []InitElement{{Index: 0, Count: 10}, {Index: 1, Count: 5}, {Index: 2, Count: 1}}, TrackCount: 10},
		{Elements: []InitElement{{Index: 1, Count: 4}}, TrackCount: 4},
		{Elements: []InitElement{{Index: 0, Count: 1}}, TrackCount: 100},
	}

	norm := Normalise(initial, NormaliseOptions{Threshold: 0.2, Workers: 2})
	if len(norm) != 3 {
		t.Fatalf("Expected 3 fixels, got %d", len(norm))
	}

	// Fixel 0: weights 1.0, 0.5, 0.1; the last falls below the threshold
	if len(norm[0].Elements) != 2 {
		t.Fatalf("Fixel 0: expected 2 surviving edges, got %d", len(norm[0].Elements))
	}
	if math.Abs(float64(norm[0].Elements[0].Value)-1.0) > 1e-6 || math.Abs(float64(norm[0].Elements[1].Value)-0.5) > 1e-6 {
		t.Errorf("Fixel 0: unexpected weights %v", norm[0].Elements)
	}
	if math.Abs(float64(norm[0].NormMultiplier)-1.0/1.5) > 1e-6 {
		t.Errorf("Fixel 0: expected multiplier %g, got %g", 1.0/1.5, norm[0].NormMultiplier)
	}

	// Fixel 2: its only edge (weight 0.01) is discarded, leaving it isolated
	if len(norm[2].Elements) != 0 {
		t.Errorf("Fixel 2: expected no surviving edges, got %d", len(norm[2].Elements))
	}

	// The initial matrix is consumed during normalization
	for i := range initial {
		if initial[i].Elements != nil || initial[i].TrackCount != 0 {
			t.Errorf("Fixel %d of the initial matrix was not released", i)
		}
	}
}

// TestNormaliseSelfConnectIsolated verifies that the smoothing variant keeps
// isolated fixels alive with a unit self-connection
func TestNormaliseSelfConnectIsolated(t *testing.T) {
	initial := InitMatrix{
		{Elements: []InitElement{{Index: 1, Count: 1}}, TrackCount: 100},
		{Elements: []InitElement{{Index: 1, Count: 3}}, TrackCount: 3},
	}

	norm := Normalise(initial, NormaliseOptions{Threshold: 0.5, SelfConnectIsolated: true, Workers: 1})

	if len(norm[0].Elements) != 1 {
		t.Fatalf("Fixel 0: expected a synthetic self-edge, got %d edges", len(norm[0].Elements))
	}
	if norm[0].Elements[0].Index != 0 || norm[0].Elements[0].Value != 1 {
		t.Errorf("Fixel 0: expected self-edge {0 1}, got {%d %g}", norm[0].Elements[0].Index, norm[0].Elements[0].Value)
	}
	// Fixel 1 keeps its real connectivity; no self-edge is added
	if len(norm[1].Elements) != 1 || norm[1].Elements[0].Index != 1 {
		t.Errorf("Fixel 1: unexpected adjacency %v", norm[1].Elements)
	}
}
