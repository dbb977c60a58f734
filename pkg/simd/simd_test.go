package simd

import (
	"math"
	"testing"
)

const epsilon = 1e-5

func approxEqual(a, b, eps float32) bool {
	return math.Abs(float64(a-b)) < float64(eps)
}

func TestAccumulateSquaredDiff(t *testing.T) {
	tests := []struct {
		name     string
		acc      []float32
		a        []float32
		b        float32
		expected []float32
	}{
		{
			name:     "simple",
			acc:      []float32{0, 0, 0},
			a:        []float32{1, 2, 4},
			b:        2,
			expected: []float32{1, 0, 4},
		},
		{
			name:     "accumulates onto existing",
			acc:      []float32{1, 1, 1},
			a:        []float32{0, 1, 2},
			b:        1,
			expected: []float32{2, 1, 2},
		},
		{
			name:     "a longer than acc",
			acc:      []float32{0, 0},
			a:        []float32{3, 4, 5, 6},
			b:        0,
			expected: []float32{9, 16},
		},
		{
			name:     "acc longer than a",
			acc:      []float32{0, 0, 7},
			a:        []float32{3, 4},
			b:        0,
			expected: []float32{9, 16, 7},
		},
		{
			name:     "empty",
			acc:      []float32{},
			a:        []float32{},
			b:        1,
			expected: []float32{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			AccumulateSquaredDiff(tt.acc, tt.a, tt.b)
			for i := range tt.expected {
				if !approxEqual(tt.acc[i], tt.expected[i], epsilon) {
					t.Errorf("acc[%d] = %v, want %v", i, tt.acc[i], tt.expected[i])
				}
			}
		})
	}
}

// The unrolled and chunked paths must agree bit for bit with the scalar loop.
func TestAccumulateSquaredDiffMatchesReference(t *testing.T) {
	for _, size := range []int{1, 7, 8, 9, 255, 256, 257, 1000} {
		a, _ := generateTestVectors(size)
		got := make([]float32, size)
		want := make([]float32, size)
		for k, b := range []float32{0.25, -0.5, 0.125} {
			AccumulateSquaredDiff(got, a, b)
			accumulateSquaredDiffReference(want, a, b)
			for j := range got {
				if got[j] != want[j] {
					t.Fatalf("size %d lag %d: acc[%d] = %v, want %v", size, k, j, got[j], want[j])
				}
			}
		}
	}
}

func TestAccumulateSquaredDiffInfinity(t *testing.T) {
	inf := float32(math.Inf(1))
	acc := []float32{0, 0}
	AccumulateSquaredDiff(acc, []float32{inf, 1}, 0)
	if !math.IsInf(float64(acc[0]), 1) {
		t.Errorf("acc[0] = %v, want +Inf", acc[0])
	}
	if acc[1] != 1 {
		t.Errorf("acc[1] = %v, want 1", acc[1])
	}
}

func TestSqrtInPlace(t *testing.T) {
	v := []float32{0, 1, 4, 9, 16, 25, 36, 49, 64, 81}
	SqrtInPlace(v)
	for i, x := range v {
		if !approxEqual(x, float32(i), epsilon) {
			t.Errorf("v[%d] = %v, want %v", i, x, i)
		}
	}
	SqrtInPlace(nil)
}

func TestSumAndMin(t *testing.T) {
	tests := []struct {
		name string
		v    []float32
		sum  float32
		min  float32
	}{
		{"single", []float32{3}, 3, 3},
		{"mixed", []float32{3, -1, 2, 5, 0.5}, 9.5, -1},
		{"nine", []float32{1, 2, 3, 4, 5, 6, 7, 8, 0}, 36, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sum(tt.v); !approxEqual(got, tt.sum, epsilon) {
				t.Errorf("Sum() = %v, want %v", got, tt.sum)
			}
			if got := Min(tt.v); got != tt.min {
				t.Errorf("Min() = %v, want %v", got, tt.min)
			}
		})
	}

	if Sum(nil) != 0 {
		t.Error("Sum(nil) should be 0")
	}
	if !math.IsInf(float64(Min(nil)), 1) {
		t.Error("Min(nil) should be +Inf")
	}
}

func TestScaleInPlace(t *testing.T) {
	v := []float32{1, 2, 3}
	ScaleInPlace(v, 0.5)
	expected := []float32{0.5, 1, 1.5}
	for i := range v {
		if !approxEqual(v[i], expected[i], epsilon) {
			t.Errorf("v[%d] = %v, want %v", i, v[i], expected[i])
		}
	}
}

func TestInfo(t *testing.T) {
	info := Info()

	switch info.Implementation {
	case ImplGeneric, ImplAVX2, ImplNEON:
	default:
		t.Errorf("unknown implementation: %v", info.Implementation)
	}
	t.Logf("SIMD Implementation: %s", info.Implementation)
	t.Logf("Features: %v", info.Features)
	t.Logf("Accelerated: %v", info.Accelerated)
}
