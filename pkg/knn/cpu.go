package knn

import (
	"context"
	"time"

	"github.com/orneryd/mpedm/pkg/lut"
	"github.com/orneryd/mpedm/pkg/metrics"
	"github.com/orneryd/mpedm/pkg/parallel"
	"github.com/orneryd/mpedm/pkg/series"
	"github.com/orneryd/mpedm/pkg/simd"
	"github.com/orneryd/mpedm/pkg/topk"
)

// CPU is the shared-memory kernel. Query rows are split into contiguous
// chunks, one per worker, and every worker owns a scratch row of squared
// distances and a selector, so rows never share mutable state.
type CPU struct {
	opts      Options
	scratch   [][]float32
	selectors []*topk.Selector
}

// NewCPU returns a CPU kernel. A zero Parallel config runs on the calling
// goroutine.
func NewCPU(opts Options) *CPU {
	return &CPU{opts: opts}
}

func (c *CPU) prepare(workers, nLibrary, topK int) {
	for len(c.scratch) < workers {
		c.scratch = append(c.scratch, nil)
	}
	for w := 0; w < workers; w++ {
		if cap(c.scratch[w]) < nLibrary {
			c.scratch[w] = make([]float32, nLibrary)
		}
	}
	if len(c.selectors) > 0 && c.selectors[0].K() != topK {
		c.selectors = c.selectors[:0]
	}
	for len(c.selectors) < workers {
		c.selectors = append(c.selectors, topk.New(topK))
	}
}

// ComputeLUT implements NearestNeighbors.
func (c *CPU) ComputeLUT(ctx context.Context, out *lut.LUT, library, target series.Series, E, topK int) error {
	g, err := plan(library, target, E, topK, c.opts)
	if err != nil {
		return err
	}
	start := time.Now()

	out.Resize(g.nTarget, topK)
	workers := c.opts.Parallel.Workers(g.nTarget)
	c.prepare(workers, g.nLibrary, topK)

	lib := library.Values()
	tgt := target.Values()
	shift := uint32(g.shift)

	err = parallel.For(ctx, c.opts.Parallel, g.nTarget, func(w, from, to int) {
		acc := c.scratch[w][:g.nLibrary]
		sel := c.selectors[w]
		for i := from; i < to; i++ {
			clear(acc)
			for k := 0; k < g.E; k++ {
				off := k * g.tau
				simd.AccumulateSquaredDiff(acc, lib[off:off+g.nLibrary], tgt[i+off])
			}

			skip, hasSkip := g.coincidentWith(i)
			selectRow(sel, acc, skip, hasSkip)

			idx, dist := out.Row(i)
			copy(dist, sel.Values())
			for j, v := range sel.Indices() {
				idx[j] = v + shift
			}
			simd.SqrtInPlace(dist)
		}
	})
	if err != nil {
		return err
	}

	metrics.LUTDuration.WithLabelValues(string(KindCPU)).Observe(time.Since(start).Seconds())
	metrics.LUTRows.WithLabelValues(string(KindCPU)).Add(float64(g.nTarget))
	return nil
}
