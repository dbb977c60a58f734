package simd

import "math"

// Implementation represents the active SIMD implementation
type Implementation string

const (
	// ImplGeneric indicates pure Go fallback (no SIMD)
	ImplGeneric Implementation = "generic"
	// ImplAVX2 indicates x86 AVX2 auto-vectorized loops
	ImplAVX2 Implementation = "avx2"
	// ImplNEON indicates ARM NEON SIMD
	ImplNEON Implementation = "neon"
)

// RuntimeInfo contains information about the active SIMD implementation
type RuntimeInfo struct {
	// Implementation is the active SIMD backend
	Implementation Implementation
	// Features lists specific CPU features being used
	Features []string
	// Accelerated indicates whether SIMD acceleration is active
	Accelerated bool
}

// AccumulateSquaredDiff adds (a[j]-b)^2 to acc[j] for every j in
// [0, min(len(acc), len(a))).
//
// This is the per-lag step of the implicit delay-embedding distance: with
// a = library[k*tau:] and b = target[i+k*tau], calling it for k = 0..E-1
// leaves acc[j] holding the squared distance between library point j and
// query point i.
//
// Example:
//
//	acc := []float32{0, 0, 0}
//	simd.AccumulateSquaredDiff(acc, []float32{1, 2, 4}, 2)
//	// acc is now {1, 0, 4}
func AccumulateSquaredDiff(acc, a []float32, b float32) {
	n := len(acc)
	if len(a) < n {
		n = len(a)
	}
	if n == 0 {
		return
	}
	accumulateSquaredDiff(acc[:n], a[:n], b)
}

// SqrtInPlace replaces every element of v with its square root.
func SqrtInPlace(v []float32) {
	if len(v) == 0 {
		return
	}
	sqrtInPlace(v)
}

// Sum returns the sum of all elements of v. Returns 0 for an empty slice.
func Sum(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	return sum(v)
}

// Min returns the smallest element of v. Returns +Inf for an empty slice.
func Min(v []float32) float32 {
	if len(v) == 0 {
		return float32(math.Inf(1))
	}
	return minimum(v)
}

// ScaleInPlace multiplies every element of v by s.
func ScaleInPlace(v []float32, s float32) {
	if len(v) == 0 {
		return
	}
	scaleInPlace(v, s)
}

// Info returns information about the active SIMD implementation.
//
// Example:
//
//	info := simd.Info()
//	if info.Accelerated {
//	    fmt.Printf("Using %s SIMD\n", info.Implementation)
//	}
func Info() RuntimeInfo {
	return runtimeInfo()
}
