// Package results persists embedding dimensions and cross-mapping scores.
//
// Every Sink accepts score rows in any order and from concurrent writers, as
// long as no two writers emit the same library row.
package results

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/orneryd/mpedm/pkg/arraystore"
)

// Dataset paths in the array container.
const (
	EmbeddingDataset    = "/embedding"
	EmbeddingRhoDataset = "/embedding_rho"
	CorrcoefDataset     = "/corrcoef"
)

// Sink receives the outputs of a run.
type Sink interface {
	// WriteEmbedding stores the chosen dimension and its score per series.
	WriteEmbedding(ctx context.Context, bestE []int, rhos []float32) error
	// WriteRow stores the scores of predicting every series from library.
	WriteRow(ctx context.Context, library int, rhos []float32) error
	Close() error
}

func checkLen(what string, got, want int) error {
	if got != want {
		return fmt.Errorf("results: %s has %d entries, want %d", what, got, want)
	}
	return nil
}

// ArraySink writes into an array container.
type ArraySink struct {
	store *arraystore.Store
	n     int
	owned bool
}

// NewArraySink declares the result datasets for n series in store. With
// half set the score matrix is stored in half precision.
func NewArraySink(store *arraystore.Store, n int, half bool) (*ArraySink, error) {
	dtype := arraystore.Float32
	if half {
		dtype = arraystore.Float16
	}
	if err := store.Create(EmbeddingDataset, arraystore.Uint32, n); err != nil {
		return nil, err
	}
	if err := store.Create(EmbeddingRhoDataset, arraystore.Float32, n); err != nil {
		return nil, err
	}
	if err := store.Create(CorrcoefDataset, dtype, n, n); err != nil {
		return nil, err
	}
	return &ArraySink{store: store, n: n}, nil
}

// CreateArraySink opens the container at path and declares the datasets.
// Closing the sink closes the container.
func CreateArraySink(opts arraystore.Options, n int, half bool) (*ArraySink, error) {
	store, err := arraystore.Open(opts)
	if err != nil {
		return nil, err
	}
	s, err := NewArraySink(store, n, half)
	if err != nil {
		store.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// WriteEmbedding implements Sink.
func (s *ArraySink) WriteEmbedding(_ context.Context, bestE []int, rhos []float32) error {
	if err := checkLen("embedding", len(bestE), s.n); err != nil {
		return err
	}
	if err := checkLen("embedding rho", len(rhos), s.n); err != nil {
		return err
	}
	dims := make([]uint32, len(bestE))
	for i, e := range bestE {
		dims[i] = uint32(e)
	}
	if err := s.store.WriteUint32(EmbeddingDataset, dims); err != nil {
		return err
	}
	return s.store.WriteFloatRow(EmbeddingRhoDataset, 0, rhos)
}

// WriteRow implements Sink.
func (s *ArraySink) WriteRow(_ context.Context, library int, rhos []float32) error {
	return s.store.WriteFloatRow(CorrcoefDataset, library, rhos)
}

// Close implements Sink.
func (s *ArraySink) Close() error {
	if s.owned {
		return s.store.Close()
	}
	return nil
}

// MemorySink keeps results in memory.
type MemorySink struct {
	mu     sync.Mutex
	n      int
	bestE  []int
	rhos   []float32
	matrix []float32
	done   []bool
}

// NewMemorySink returns a sink for n series. Unwritten scores read as NaN.
func NewMemorySink(n int) *MemorySink {
	m := &MemorySink{
		n:      n,
		matrix: make([]float32, n*n),
		done:   make([]bool, n),
	}
	nan := float32(math.NaN())
	for i := range m.matrix {
		m.matrix[i] = nan
	}
	return m
}

// WriteEmbedding implements Sink.
func (m *MemorySink) WriteEmbedding(_ context.Context, bestE []int, rhos []float32) error {
	if err := checkLen("embedding", len(bestE), m.n); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bestE = append([]int(nil), bestE...)
	m.rhos = append([]float32(nil), rhos...)
	return nil
}

// WriteRow implements Sink.
func (m *MemorySink) WriteRow(_ context.Context, library int, rhos []float32) error {
	if library < 0 || library >= m.n {
		return fmt.Errorf("results: library %d out of range [0, %d)", library, m.n)
	}
	if err := checkLen("score row", len(rhos), m.n); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.matrix[library*m.n:], rhos)
	m.done[library] = true
	return nil
}

// Close implements Sink.
func (m *MemorySink) Close() error { return nil }

// Embedding returns the stored dimensions and scores.
func (m *MemorySink) Embedding() ([]int, []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.bestE...), append([]float32(nil), m.rhos...)
}

// Matrix returns a copy of the n x n score matrix, row-major.
func (m *MemorySink) Matrix() []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float32(nil), m.matrix...)
}

// Row returns a copy of one score row.
func (m *MemorySink) Row(library int) []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float32(nil), m.matrix[library*m.n:(library+1)*m.n]...)
}

// Complete reports whether every row has been written.
func (m *MemorySink) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.done {
		if !d {
			return false
		}
	}
	return true
}

// Multi fans every write out to several sinks in order.
type Multi []Sink

// WriteEmbedding implements Sink.
func (ms Multi) WriteEmbedding(ctx context.Context, bestE []int, rhos []float32) error {
	for _, s := range ms {
		if err := s.WriteEmbedding(ctx, bestE, rhos); err != nil {
			return err
		}
	}
	return nil
}

// WriteRow implements Sink.
func (ms Multi) WriteRow(ctx context.Context, library int, rhos []float32) error {
	for _, s := range ms {
		if err := s.WriteRow(ctx, library, rhos); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Sink.
func (ms Multi) Close() error {
	var first error
	for _, s := range ms {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
