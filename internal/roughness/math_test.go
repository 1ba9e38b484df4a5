package roughness

import (
	"math"
	"testing"
)

func TestStdDevShortInput(t *testing.T) {
	if got := stdDev(nil); got != 0 {
		t.Errorf("stdDev(nil) = %v, want 0", got)
	}
	if got := stdDev([]float64{5}); got != 0 {
		t.Errorf("stdDev([5]) = %v, want 0", got)
	}
}

func TestStdDevKnownValues(t *testing.T) {
	// Population stddev of [2,4,4,4,5,5,7,9] is 2.0 exactly.
	xs := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	if got := stdDev(xs); got != 2.0 {
		t.Errorf("stdDev = %v, want 2.0", got)
	}
}

func TestStdDevBiasInvariance(t *testing.T) {
	// Adding a constant offset to every sample doesn't change the
	// standard deviation (within float rounding), since the gravity
	// bias on an accelerometer channel is exactly this kind of
	// constant offset.
	base := []float64{100, 2100, 2600, 3600, 2100, 0}
	offset := make([]float64, len(base))
	for i, x := range base {
		offset[i] = x + 1000
	}

	got1 := stdDev(base)
	got2 := stdDev(offset)
	if math.Abs(got1-got2) > 0.01 {
		t.Errorf("stdDev(base) = %v, stdDev(base+1000) = %v, want equal", got1, got2)
	}
}

func TestEstimateIriBelowSpeedFloor(t *testing.T) {
	th := DefaultThresholds()
	got := estimateIri([]float64{100, 2000, 3000}, 3, th)
	if got.IRI != 0 || got.Category != "good" {
		t.Errorf("estimateIri = %+v, want {0 good}", got)
	}
}

func TestEstimateIriMonotoneInStdDev(t *testing.T) {
	// For fixed speed >= 5, estimateIri is monotone non-decreasing in
	// stdDev(xs).
	th := DefaultThresholds()
	low := estimateIri([]float64{1000, 1000, 1000, 1000}, 30, th)
	mid := estimateIri([]float64{500, 1500, 500, 1500}, 30, th)
	high := estimateIri([]float64{0, 3000, 0, 3000}, 30, th)

	if !(low.IRI <= mid.IRI && mid.IRI <= high.IRI) {
		t.Errorf("not monotone: low=%v mid=%v high=%v", low.IRI, mid.IRI, high.IRI)
	}
}

func TestEstimateIriCategoryThresholds(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		iri  float64
		want string
	}{
		{0, "good"},
		{2.49, "good"},
		{2.5, "fair"},
		{3.99, "fair"},
		{4, "poor"},
		{5.99, "poor"},
		{6, "very_poor"},
		{20, "very_poor"},
	}
	for _, c := range cases {
		got := categorize(c.iri, th)
		if got != c.want {
			t.Errorf("categorize(%v) = %q, want %q", c.iri, got, c.want)
		}
	}
}

func TestEstimateIriClampedToTwenty(t *testing.T) {
	th := DefaultThresholds()
	// A huge stddev at a very low (but >=5) speed should clamp at 20,
	// not run away.
	got := estimateIri([]float64{-50000, 50000, -50000, 50000}, 5, th)
	if got.IRI != 20 {
		t.Errorf("IRI = %v, want 20 (clamped)", got.IRI)
	}
}
