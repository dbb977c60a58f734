// Package series holds the time-series views and the columnar frame that
// every kernel reads from.
//
// A Series never owns its samples. It is a window onto a Frame's
// column-major buffer (or any caller-owned slice) and stays valid for as
// long as that buffer does. Slicing a Series produces a narrower window onto
// the same memory, which is what lets the nearest-neighbour kernels detect
// a query point that coincides with a library point by address.
package series

import (
	"errors"
	"fmt"
)

// ErrInvalidRange is returned by Slice for a malformed range.
var ErrInvalidRange = errors.New("invalid series range")

// Series is an immutable view over contiguous float32 samples.
type Series struct {
	data []float32
}

// New returns a Series viewing data. The slice is not copied.
func New(data []float32) Series {
	return Series{data: data}
}

// Len returns the number of samples.
func (s Series) Len() int { return len(s.data) }

// At returns sample i. It panics if i is out of range, like a slice index.
func (s Series) At(i int) float32 { return s.data[i] }

// Values returns the underlying samples. Callers must not modify them.
func (s Series) Values() []float32 { return s.data }

// Slice returns the view [start, end). It fails when the range is inverted
// or outside the series.
func (s Series) Slice(start, end int) (Series, error) {
	if start < 0 || end < start || end > len(s.data) {
		return Series{}, fmt.Errorf("%w: [%d, %d) of %d samples", ErrInvalidRange, start, end, len(s.data))
	}
	return Series{data: s.data[start:end:end]}, nil
}

// From returns the suffix view starting at start.
func (s Series) From(start int) (Series, error) {
	return s.Slice(start, len(s.data))
}
