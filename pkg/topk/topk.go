// Package topk selects the k smallest distances out of a row without
// sorting the row.
//
// Ordering is total and deterministic: NaN sorts as +Inf and equal values
// are ordered by ascending index. Every nearest-neighbour kernel goes
// through Selector so that all of them agree on ties.
package topk

import "math"

// Selector keeps the k smallest (value, index) pairs pushed into it, in
// ascending order. It is not safe for concurrent use; give each goroutine
// its own.
type Selector struct {
	k    int
	n    int
	vals []float32
	idx  []uint32
}

// New returns a Selector for k entries.
func New(k int) *Selector {
	return &Selector{
		k:    k,
		vals: make([]float32, k),
		idx:  make([]uint32, k),
	}
}

// Reset empties the selector, keeping its buffers.
func (s *Selector) Reset() { s.n = 0 }

// K returns the capacity the selector was created with.
func (s *Selector) K() int { return s.k }

// Len returns the number of entries held, at most k.
func (s *Selector) Len() int { return s.n }

// Values returns the selected values in ascending order.
func (s *Selector) Values() []float32 { return s.vals[:s.n] }

// Indices returns the indices matching Values.
func (s *Selector) Indices() []uint32 { return s.idx[:s.n] }

func key(v float32) float32 {
	if v != v {
		return float32(math.Inf(1))
	}
	return v
}

func less(a float32, ai uint32, b float32, bi uint32) bool {
	return a < b || (a == b && ai < bi)
}

// Push offers one candidate.
func (s *Selector) Push(v float32, i uint32) {
	if s.k == 0 {
		return
	}
	v = key(v)
	if s.n == s.k {
		if !less(v, i, s.vals[s.n-1], s.idx[s.n-1]) {
			return
		}
		s.n--
	}

	// Insertion from the back; k is small so this beats a heap.
	j := s.n
	for j > 0 && less(v, i, s.vals[j-1], s.idx[j-1]) {
		s.vals[j] = s.vals[j-1]
		s.idx[j] = s.idx[j-1]
		j--
	}
	s.vals[j] = v
	s.idx[j] = i
	s.n++
}

// Scan pushes every element of row with its position as index.
func (s *Selector) Scan(row []float32) {
	for j, v := range row {
		s.Push(v, uint32(j))
	}
}
