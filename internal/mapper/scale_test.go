package mapper

import (
	"math"
	"testing"
)

func TestEstimateScaleMedian(t *testing.T) {
	d1 := []float64{2, 4, 6, 100}
	d2 := []float64{1, 2, 3, 1}
	w := []float64{1, 1, 1, 1}

	// Ratios are 2, 2, 2, 100; the median shrugs off the outlier.
	got, err := estimateScale(ScaleMethodMedian, d1, d2, w)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-2) > 1e-12 {
		t.Fatalf("median scale = %v, want 2", got)
	}
}

func TestEstimateScaleWeightedMean(t *testing.T) {
	d1 := []float64{2, 8}
	d2 := []float64{1, 2}
	w := []float64{3, 1}

	// (3*2 + 1*4) / 4
	got, err := estimateScale(ScaleMethodWeightedMean, d1, d2, w)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-2.5) > 1e-12 {
		t.Fatalf("weighted mean scale = %v, want 2.5", got)
	}
}

func TestEstimateScaleSkipsNonPositiveDepth(t *testing.T) {
	d1 := []float64{2, 5}
	d2 := []float64{1, 0}
	w := []float64{1, 1}

	got, err := estimateScale(ScaleMethodMedian, d1, d2, w)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-2) > 1e-12 {
		t.Fatalf("scale = %v, want 2", got)
	}
}

func TestEstimateScaleErrors(t *testing.T) {
	if _, err := estimateScale(ScaleMethodMedian, nil, nil, nil); err == nil {
		t.Fatal("expected error for empty samples")
	}
	if _, err := estimateScale("bogus", []float64{1}, []float64{1}, []float64{1}); err == nil {
		t.Fatal("expected error for unknown method")
	}
	if _, err := estimateScale(ScaleMethodWeightedMean, []float64{1}, []float64{0}, []float64{1}); err == nil {
		t.Fatal("expected error when no pair has positive depth")
	}
}
