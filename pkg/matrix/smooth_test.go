package matrix

import (
	"math"
	"testing"
)

// smoothingMatrix builds a small normalized matrix for the smoothing tests:
// fixel 0 and 1 are mutually connected, fixel 2 only connects to itself.
func smoothingMatrix() NormMatrix {
	m := NormMatrix{
		{Elements: []NormElement{{Index: 0, Value: 0.5}, {Index: 1, Value: 0.5}}},
		{Elements: []NormElement{{Index: 0, Value: 0.25}, {Index: 1, Value: 0.75}}},
		{Elements: []NormElement{{Index: 2, Value: 1}}},
	}
	for i := range m {
		m[i].Normalise()
	}
	return m
}

// TestSmootherApply verifies the connectivity-weighted mean
func TestSmootherApply(t *testing.T) {
	s := NewSmoother(smoothingMatrix())

	out, err := s.Apply([]float64{2, 4, 10})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	expected := []float64{
		0.5*2 + 0.5*4,   // 3
		0.25*2 + 0.75*4, // 3.5
		10,              // self-connected only
	}
	for i := range expected {
		if math.Abs(out[i]-expected[i]) > 1e-9 {
			t.Errorf("Fixel %d: expected %g, got %g", i, expected[i], out[i])
		}
	}
}

// TestSmootherNaNHandling verifies that non-finite inputs propagate as NaN
// and are excluded from their neighbors' means with weight renormalization
func TestSmootherNaNHandling(t *testing.T) {
	s := NewSmoother(smoothingMatrix())

	out, err := s.Apply([]float64{2, math.NaN(), 10})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Fixel 0: its NaN neighbor is dropped and the remaining weight
	// renormalized, so the result is its own value
	if math.Abs(out[0]-2) > 1e-9 {
		t.Errorf("Fixel 0: expected 2 after dropping the NaN neighbor, got %g", out[0])
	}
	// Fixel 1: a NaN input stays NaN
	if !math.IsNaN(out[1]) {
		t.Errorf("Fixel 1: expected NaN to propagate, got %g", out[1])
	}
	if math.Abs(out[2]-10) > 1e-9 {
		t.Errorf("Fixel 2: expected 10, got %g", out[2])
	}
}

// TestSmootherLengthMismatch verifies the input length check
func TestSmootherLengthMismatch(t *testing.T) {
	s := NewSmoother(smoothingMatrix())
	if _, err := s.Apply([]float64{1, 2}); err == nil {
		t.Error("Expected an error for a data vector of the wrong length")
	}
}
