package mapper

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// estimateScale pre-computes the scalar depth-scale ratio between the
// overlapping regions of two chunks for the scale+se3 alignment variant.
// d1 and d2 are index-aligned depth samples from the previous chunk's tail
// and the current chunk's head; w holds the per-sample weights.
func estimateScale(method string, d1, d2, w []float64) (float64, error) {
	if len(d1) == 0 || len(d1) != len(d2) || len(d1) != len(w) {
		return 0, fmt.Errorf("scale estimate needs aligned samples, got %d/%d/%d", len(d1), len(d2), len(w))
	}
	switch method {
	case ScaleMethodMedian:
		ratios := make([]float64, 0, len(d1))
		for i := range d1 {
			if d2[i] <= 0 {
				continue
			}
			ratios = append(ratios, d1[i]/d2[i])
		}
		if len(ratios) == 0 {
			return 0, fmt.Errorf("no positive depth pairs for scale estimate")
		}
		sort.Float64s(ratios)
		return stat.Quantile(0.5, stat.Empirical, ratios, nil), nil
	case ScaleMethodWeightedMean:
		var num, den float64
		for i := range d1 {
			if d2[i] <= 0 {
				continue
			}
			num += w[i] * d1[i] / d2[i]
			den += w[i]
		}
		if den == 0 {
			return 0, fmt.Errorf("zero total weight for scale estimate")
		}
		return num / den, nil
	default:
		return 0, fmt.Errorf("unknown scale method %q", method)
	}
}
