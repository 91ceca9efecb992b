package telemetry

import (
	"math"
	"sort"
)

// Percentile returns the p-th percentile of values using the nearest-rank
// method: sort ascending, index = ceil(p/100 * n) - 1, clamped to >= 0.
// Returns 0 for empty input.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ApproximatePercentiles derives p95 and p99 from an average latency when
// individual samples are unavailable. This is an explicit, documented
// approximation (p95 = avg*1.5, p99 = avg*2), not a substitute for the
// nearest-rank computation used when samples are on hand.
func ApproximatePercentiles(avg float64) (p95, p99 float64) {
	return avg * 1.5, avg * 2
}
