// Package simd provides the vectorized float32 loops used by the
// nearest-neighbour kernels and the lookup-table normalizer.
//
// Platform-specific implementations are selected at build time:
//
//   - x86/amd64: 8-way unrolled loops the compiler vectorizes (AVX2 detected at runtime)
//   - arm64: NEON via viterin/vek
//   - fallback: viterin/vek pure Go paths
//
// # Supported Operations
//
//   - AccumulateSquaredDiff: acc[j] += (a[j] - b)^2, the inner loop of the
//     lag-outer distance accumulation
//   - SqrtInPlace: element-wise square root
//   - Sum, Min: reductions over a row
//   - ScaleInPlace: multiply every element by a scalar
//
// Each element of AccumulateSquaredDiff is rounded to float32 after the
// multiply and again after the add on every platform, so two kernels that
// feed it the same operands in the same order get bit-identical sums.
//
// # Usage
//
//	acc := make([]float32, nLibrary)
//	for k := 0; k < E; k++ {
//		simd.AccumulateSquaredDiff(acc, library[k*tau:], target[i+k*tau])
//	}
//	simd.SqrtInPlace(acc[:topK])
//
// # Thread Safety
//
// All functions in this package are safe for concurrent use on disjoint
// slices. They do not modify any global state.
package simd
