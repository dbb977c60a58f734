// Package stats holds the correlation used to score prediction skill.
package stats

import "math"

// Corrcoef returns the Pearson correlation of the first min(len(x), len(y))
// samples of x and y.
//
// Moments are accumulated in a single pass with Welford's update in
// float64, which stays accurate on long series where sum-of-squares
// formulations cancel badly. Fewer than two samples or a constant input
// yields NaN.
func Corrcoef(x, y []float32) float32 {
	n := min(len(x), len(y))
	if n < 2 {
		return float32(math.NaN())
	}

	var meanX, meanY, m2x, m2y, cxy float64
	for i := 0; i < n; i++ {
		xi, yi := float64(x[i]), float64(y[i])
		k := float64(i + 1)
		dx := xi - meanX
		dy := yi - meanY
		meanX += dx / k
		meanY += dy / k
		// Uses the pre-update deviation of one and the post-update of the other.
		m2x += dx * (xi - meanX)
		m2y += dy * (yi - meanY)
		cxy += dx * (yi - meanY)
	}

	if m2x == 0 || m2y == 0 {
		return float32(math.NaN())
	}
	return float32(cxy / math.Sqrt(m2x*m2y))
}
