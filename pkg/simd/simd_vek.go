//go:build !amd64 || nosimd

package simd

import "github.com/viterin/vek/vek32"

// Shared viterin/vek implementations for arm64 (NEON assembly) and the
// pure Go fallback. The squared difference goes through a fixed-size stack
// buffer so the hot path does not allocate.

const chunk = 256

func accumulateSquaredDiff(acc, a []float32, b float32) {
	var tmp [chunk]float32
	for off := 0; off < len(acc); off += chunk {
		end := off + chunk
		if end > len(acc) {
			end = len(acc)
		}
		d := tmp[:end-off]
		vek32.SubNumber_Into(d, a[off:end], b)
		vek32.Mul_Inplace(d, d)
		vek32.Add_Inplace(acc[off:end], d)
	}
}

func sqrtInPlace(v []float32) {
	vek32.Sqrt_Inplace(v)
}

func sum(v []float32) float32 {
	return vek32.Sum(v)
}

func minimum(v []float32) float32 {
	return vek32.Min(v)
}

func scaleInPlace(v []float32, s float32) {
	vek32.MulNumber_Inplace(v, s)
}
