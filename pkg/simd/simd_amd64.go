//go:build amd64 && !nosimd

package simd

import (
	"math"

	"golang.org/x/sys/cpu"
)

// x86/amd64 implementations.
// Uses loop unrolling that the Go compiler can auto-vectorize with AVX2/SSE.

// hasAVX2 checks if the CPU supports AVX2 at runtime
var hasAVX2 = cpu.X86.HasAVX2

func accumulateSquaredDiff(acc, a []float32, b float32) {
	n := len(acc)
	a = a[:n]

	// 8-way unrolling (256-bit = 8 float32s). The explicit float32
	// conversions keep the multiply and add separately rounded.
	j := 0
	for ; j <= n-8; j += 8 {
		d0 := a[j] - b
		d1 := a[j+1] - b
		d2 := a[j+2] - b
		d3 := a[j+3] - b
		d4 := a[j+4] - b
		d5 := a[j+5] - b
		d6 := a[j+6] - b
		d7 := a[j+7] - b

		acc[j] += float32(d0 * d0)
		acc[j+1] += float32(d1 * d1)
		acc[j+2] += float32(d2 * d2)
		acc[j+3] += float32(d3 * d3)
		acc[j+4] += float32(d4 * d4)
		acc[j+5] += float32(d5 * d5)
		acc[j+6] += float32(d6 * d6)
		acc[j+7] += float32(d7 * d7)
	}

	// Handle remaining elements
	for ; j < n; j++ {
		d := a[j] - b
		acc[j] += float32(d * d)
	}
}

func sqrtInPlace(v []float32) {
	for i, x := range v {
		v[i] = float32(math.Sqrt(float64(x)))
	}
}

func sum(v []float32) float32 {
	n := len(v)
	sum0, sum1, sum2, sum3 := float32(0), float32(0), float32(0), float32(0)

	i := 0
	for ; i <= n-4; i += 4 {
		sum0 += v[i]
		sum1 += v[i+1]
		sum2 += v[i+2]
		sum3 += v[i+3]
	}
	for ; i < n; i++ {
		sum0 += v[i]
	}
	return sum0 + sum1 + sum2 + sum3
}

func minimum(v []float32) float32 {
	m := v[0]
	for _, x := range v[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func scaleInPlace(v []float32, s float32) {
	for i := range v {
		v[i] *= s
	}
}

func runtimeInfo() RuntimeInfo {
	if hasAVX2 {
		return RuntimeInfo{
			Implementation: ImplAVX2,
			Features:       []string{"avx2", "auto-vectorized"},
			Accelerated:    true,
		}
	}
	return RuntimeInfo{
		Implementation: ImplGeneric,
		Features:       []string{"sse2"},
		Accelerated:    false,
	}
}
