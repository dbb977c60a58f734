package simd

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
)

// Library lengths typical for ecological and neural recordings
var benchmarkSizes = []int{256, 1024, 4096, 16384}

// generateTestVectors creates random float32 vectors for benchmarking
func generateTestVectors(size int) ([]float32, []float32) {
	a := make([]float32, size)
	b := make([]float32, size)
	for i := 0; i < size; i++ {
		a[i] = rand.Float32()*2 - 1 // [-1, 1]
		b[i] = rand.Float32()*2 - 1
	}
	return a, b
}

// Reference implementations for comparison (pure Go, no optimization)
func accumulateSquaredDiffReference(acc, a []float32, b float32) {
	for j := range acc {
		d := a[j] - b
		acc[j] += float32(d * d)
	}
}

func sqrtReference(v []float32) {
	for i := range v {
		v[i] = float32(math.Sqrt(float64(v[i])))
	}
}

// BenchmarkAccumulateSquaredDiff benchmarks the kNN inner loop at various library sizes
func BenchmarkAccumulateSquaredDiff(b *testing.B) {
	for _, size := range benchmarkSizes {
		a, acc := generateTestVectors(size)
		name := fmt.Sprintf("%d", size)

		b.Run("SIMD-"+name, func(b *testing.B) {
			b.SetBytes(int64(size * 4 * 2))
			for i := 0; i < b.N; i++ {
				AccumulateSquaredDiff(acc, a, 0.5)
			}
		})

		b.Run("Reference-"+name, func(b *testing.B) {
			b.SetBytes(int64(size * 4 * 2))
			for i := 0; i < b.N; i++ {
				accumulateSquaredDiffReference(acc, a, 0.5)
			}
		})
	}
}

// BenchmarkSqrtInPlace benchmarks element-wise sqrt
func BenchmarkSqrtInPlace(b *testing.B) {
	for _, size := range benchmarkSizes {
		v, _ := generateTestVectors(size)
		for i := range v {
			v[i] = v[i] * v[i]
		}
		name := fmt.Sprintf("%d", size)

		b.Run("SIMD-"+name, func(b *testing.B) {
			b.SetBytes(int64(size * 4))
			for i := 0; i < b.N; i++ {
				SqrtInPlace(v)
			}
		})

		b.Run("Reference-"+name, func(b *testing.B) {
			b.SetBytes(int64(size * 4))
			for i := 0; i < b.N; i++ {
				sqrtReference(v)
			}
		})
	}
}
