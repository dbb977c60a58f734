// Package lut holds the nearest-neighbour lookup table shared by the kNN
// kernels and the Simplex predictor.
package lut

import (
	"math"

	"github.com/orneryd/mpedm/pkg/simd"
)

// DefaultMinWeight floors every normalized weight so a row sum is never
// zero.
const DefaultMinWeight float32 = 1e-6

// LUT is a dense row-major table of Rows query points by Cols neighbours.
//
// Indices are absolute positions on the un-embedded time axis of the
// library series. Distances hold Euclidean distances, ascending within each
// row, until Normalize turns them into weights that sum to one per row.
type LUT struct {
	Rows      int
	Cols      int
	Indices   []uint32
	Distances []float32
}

// New allocates a table.
func New(rows, cols int) *LUT {
	l := &LUT{}
	l.Resize(rows, cols)
	return l
}

// Resize sets the shape, reusing the backing arrays when they are large
// enough. Contents are unspecified afterwards.
func (l *LUT) Resize(rows, cols int) {
	n := rows * cols
	if cap(l.Indices) < n {
		l.Indices = make([]uint32, n)
		l.Distances = make([]float32, n)
	}
	l.Indices = l.Indices[:n]
	l.Distances = l.Distances[:n]
	l.Rows = rows
	l.Cols = cols
}

// Row returns the indices and distances of row i.
func (l *LUT) Row(i int) ([]uint32, []float32) {
	off := i * l.Cols
	return l.Indices[off : off+l.Cols], l.Distances[off : off+l.Cols]
}

// Clone returns a deep copy.
func (l *LUT) Clone() *LUT {
	c := &LUT{Rows: l.Rows, Cols: l.Cols}
	c.Indices = append([]uint32(nil), l.Indices...)
	c.Distances = append([]float32(nil), l.Distances...)
	return c
}

// Normalizer converts distance rows into exponential kernel weights.
type Normalizer struct {
	MinWeight float32
}

// NewNormalizer returns a Normalizer with the given floor, or
// DefaultMinWeight when minWeight is not positive.
func NewNormalizer(minWeight float32) Normalizer {
	if minWeight <= 0 {
		minWeight = DefaultMinWeight
	}
	return Normalizer{MinWeight: minWeight}
}

// Normalize replaces every distance d in a row with
// max(exp(-d/dmin), MinWeight) and divides the row by its sum, dmin being
// the row minimum. With dmin == 0 exact duplicates get weight 1 and all
// other neighbours the floor.
//
// It must run once per fresh distance fill.
func (n Normalizer) Normalize(l *LUT) {
	for i := 0; i < l.Rows; i++ {
		_, row := l.Row(i)
		dmin := simd.Min(row)

		for j, d := range row {
			var w float32
			switch {
			case dmin > 0:
				w = float32(math.Exp(float64(-d / dmin)))
			case d == 0:
				w = 1
			}
			if w < n.MinWeight {
				w = n.MinWeight
			}
			row[j] = w
		}

		simd.ScaleInPlace(row, 1/simd.Sum(row))
	}
}
