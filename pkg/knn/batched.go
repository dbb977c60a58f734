package knn

import (
	"context"
	"fmt"
	"time"

	"github.com/orneryd/mpedm/pkg/errkind"
	"github.com/orneryd/mpedm/pkg/gpu"
	"github.com/orneryd/mpedm/pkg/lut"
	"github.com/orneryd/mpedm/pkg/metrics"
	"github.com/orneryd/mpedm/pkg/series"
	"github.com/orneryd/mpedm/pkg/simd"
)

// Batched runs the search through a device's generic nearest-neighbour
// primitive.
//
// Both blocks are padded to the full series length with +Inf rows, so for
// a given E the block shapes do not depend on the library or target being
// processed and the device arena serves repeated calls from the same
// buffers. The primitive cannot exclude a point, so one extra neighbour is
// requested and the coincident one dropped afterwards.
type Batched struct {
	opts Options
	dev  *gpu.Device

	library []float32
	query   []float32
	idx     []uint32
	ssd     []float32
}

// NewBatched returns a kernel bound to dev.
func NewBatched(dev *gpu.Device, opts Options) *Batched {
	return &Batched{opts: opts, dev: dev}
}

// Device returns the device the kernel is bound to.
func (b *Batched) Device() *gpu.Device { return b.dev }

func grow[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}

// fillBlock writes the column-major embedding of s into block: coordinate d
// of point r is s[r+d*tau] for r < valid and +Inf for the padding rows.
func fillBlock(block []float32, s []float32, rows, valid, E, tau int) {
	for d := 0; d < E; d++ {
		col := block[d*rows : (d+1)*rows]
		copy(col[:valid], s[d*tau:d*tau+valid])
		for r := valid; r < rows; r++ {
			col[r] = inf
		}
	}
}

// ComputeLUT implements NearestNeighbors.
func (b *Batched) ComputeLUT(ctx context.Context, out *lut.LUT, library, target series.Series, E, topK int) error {
	g, err := plan(library, target, E, topK, b.opts)
	if err != nil {
		return err
	}
	start := time.Now()

	lRows := library.Len()
	qRows := target.Len()
	req := min(topK+1, lRows)

	b.library = grow(b.library, E*lRows)
	b.query = grow(b.query, E*qRows)
	b.idx = grow(b.idx, qRows*req)
	b.ssd = grow(b.ssd, qRows*req)
	fillBlock(b.library, library.Values(), lRows, g.nLibrary, E, g.tau)
	fillBlock(b.query, target.Values(), qRows, g.nTarget, E, g.tau)

	err = b.dev.NearestNeighbour(ctx,
		gpu.Block{Data: b.query, Rows: qRows, Dims: E},
		gpu.Block{Data: b.library, Rows: lRows, Dims: E},
		req, b.idx, b.ssd)
	if err != nil {
		return errkind.New(errkind.Resource, "knn", err)
	}

	out.Resize(g.nTarget, topK)
	shift := uint32(g.shift)
	for i := 0; i < g.nTarget; i++ {
		skip, hasSkip := g.coincidentWith(i)
		cand := b.idx[i*req : (i+1)*req]
		dsq := b.ssd[i*req : (i+1)*req]
		idx, dist := out.Row(i)

		n := 0
		for c := 0; c < req && n < topK; c++ {
			j := int(cand[c])
			if j >= g.nLibrary || (hasSkip && j == skip) {
				continue
			}
			idx[n] = cand[c] + shift
			dist[n] = dsq[c]
			n++
		}
		if n < topK && hasSkip {
			idx[n] = uint32(skip) + shift
			dist[n] = inf
			n++
		}
		if n < topK {
			return errkind.New(errkind.Internal, "knn", fmt.Errorf("row %d: device returned %d usable neighbours, want %d", i, n, topK))
		}
		simd.SqrtInPlace(dist)
	}

	metrics.LUTDuration.WithLabelValues(string(KindGPU)).Observe(time.Since(start).Seconds())
	metrics.LUTRows.WithLabelValues(string(KindGPU)).Add(float64(g.nTarget))
	return nil
}
