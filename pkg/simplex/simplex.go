// Package simplex predicts a series as the weighted average of its nearest
// neighbours' values.
package simplex

import (
	"errors"
	"fmt"

	"github.com/orneryd/mpedm/pkg/lut"
	"github.com/orneryd/mpedm/pkg/series"
)

// ErrIndexRange is returned when a table references samples past the end of
// the series being predicted.
var ErrIndexRange = errors.New("simplex: neighbour index out of range")

// Simplex holds the embedding lag and horizon the tables were built with.
type Simplex struct {
	Tau int
	Tp  int
}

// Predict writes one prediction per table row into buf and returns it as a
// series:
//
//	pred[i] = sum_j src[idx[i][j]] * w[i][j]
//
// The table must already be normalized. buf is grown when too short.
func (s Simplex) Predict(buf []float32, l *lut.LUT, src series.Series) (series.Series, error) {
	if cap(buf) < l.Rows {
		buf = make([]float32, l.Rows)
	}
	buf = buf[:l.Rows]

	values := src.Values()
	n := uint32(len(values))
	for i := 0; i < l.Rows; i++ {
		idx, w := l.Row(i)
		var p float32
		for j, k := range idx {
			if k >= n {
				return series.Series{}, fmt.Errorf("%w: row %d references sample %d of %d", ErrIndexRange, i, k, n)
			}
			p += values[k] * w[j]
		}
		buf[i] = p
	}
	return series.New(buf), nil
}

// Offset is the time index of prediction row 0 for dimension E.
func (s Simplex) Offset(E int) int {
	return (E-1)*s.Tau + s.Tp
}

// ShiftTarget returns the part of target that lines up with the predictions
// made at dimension E: the suffix starting at (E-1)*tau + Tp.
func (s Simplex) ShiftTarget(target series.Series, E int) (series.Series, error) {
	return target.From(s.Offset(E))
}
