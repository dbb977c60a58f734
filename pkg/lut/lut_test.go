package lut

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeReferenceTable(t *testing.T) {
	l := New(6, 3)
	copy(l.Distances, []float32{
		0.74278091, 0.78794577, 1.20091218,
		0.73450598, 0.85545997, 1.19310228,
		0.78794577, 0.79144452, 1.17882891,
		0.78722765, 0.85545997, 1.15747635,
		0.74278091, 0.79144452, 0.80511738,
		0.73450598, 0.78722765, 0.80511738,
	})
	want := []float32{
		0.403114158, 0.379333097, 0.217552745,
		0.419502817, 0.355809796, 0.224687387,
		0.383953331, 0.382252226, 0.233794442,
		0.393425348, 0.360761525, 0.245813127,
		0.350129443, 0.327925843, 0.321944713,
		0.352226913, 0.327830661, 0.319942426,
	}

	NewNormalizer(0).Normalize(l)

	for i := range want {
		assert.InDelta(t, want[i], l.Distances[i], 1e-5, "entry %d", i)
	}
}

func TestNormalizeRowsSumToOne(t *testing.T) {
	l := New(3, 4)
	copy(l.Distances, []float32{
		0.1, 0.2, 5, 80,
		1, 1, 1, 1,
		0.001, 3, 3, 400,
	})
	n := NewNormalizer(DefaultMinWeight)
	n.Normalize(l)

	for i := 0; i < l.Rows; i++ {
		_, row := l.Row(i)
		var sum float64
		for _, w := range row {
			sum += float64(w)
			// Each raw weight is at most 1, so a floored weight stays above MinWeight/Cols.
			assert.GreaterOrEqual(t, w, n.MinWeight/float32(l.Cols), "row %d weight below floor", i)
		}
		assert.InDelta(t, 1.0, sum, 1e-5, "row %d", i)
	}

	_, uniform := l.Row(1)
	for _, w := range uniform {
		assert.InDelta(t, 0.25, w, 1e-6)
	}
}

func TestNormalizeExactDuplicate(t *testing.T) {
	l := New(1, 3)
	copy(l.Distances, []float32{0, 0.5, 2})
	NewNormalizer(1e-6).Normalize(l)

	// 1 / (1 + 2e-6) for the duplicate, floor / same sum for the rest.
	assert.InDelta(t, 1.0, l.Distances[0], 1e-5)
	assert.InDelta(t, 1e-6, l.Distances[1], 1e-9)
	assert.InDelta(t, 1e-6, l.Distances[2], 1e-9)
}

func TestNormalizeFloor(t *testing.T) {
	l := New(1, 2)
	copy(l.Distances, []float32{1, 1000})
	n := Normalizer{MinWeight: 0.01}
	n.Normalize(l)

	// exp(-1000) underflows, so the far neighbour takes the floor before scaling.
	e := float32(0.36787944)
	assert.InDelta(t, e/(e+0.01), l.Distances[0], 1e-6)
	assert.InDelta(t, 0.01/(e+0.01), l.Distances[1], 1e-6)
}

func TestResizeReusesStorage(t *testing.T) {
	l := New(10, 4)
	first := &l.Indices[0]

	l.Resize(5, 4)
	assert.Equal(t, 5, l.Rows)
	assert.Len(t, l.Indices, 20)
	assert.Same(t, first, &l.Indices[0])

	l.Resize(20, 5)
	assert.Len(t, l.Distances, 100)

	idx, dist := l.Row(19)
	require.Len(t, idx, 5)
	require.Len(t, dist, 5)
}

func TestClone(t *testing.T) {
	l := New(1, 2)
	copy(l.Distances, []float32{1, 2})
	c := l.Clone()
	c.Distances[0] = 9
	assert.Equal(t, float32(1), l.Distances[0])
}
