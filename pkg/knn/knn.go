// Package knn computes nearest-neighbour lookup tables over delay
// embeddings.
//
// Point i of the E-dimensional embedding of s with lag tau is
//
//	(s[i], s[i+tau], ..., s[i+(E-1)*tau])
//
// The embedding is never materialized. Squared distances are accumulated one
// lag at a time over a contiguous run of the library, which keeps the inner
// loop a plain vector operation.
//
// Two kernels implement NearestNeighbors:
//
//   - CPU: parallel-for over query rows with per-worker scratch rows.
//   - Batched: hands padded column-major blocks to a gpu.Device and drops
//     the coincident neighbour from the returned candidates.
//
// Both produce bit-identical tables for the same input. An Engine resolves
// the kernel kind once at startup and fans work out over devices.
//
// Example:
//
//	engine, err := knn.NewEngine(knn.KindCPU, knn.Options{Tau: 1, Tp: 0}, nil)
//	if err != nil {
//		return err
//	}
//	table := &lut.LUT{}
//	err = engine.Kernel().ComputeLUT(ctx, table, s, s, 3, 4)
package knn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"unsafe"

	"github.com/orneryd/mpedm/pkg/errkind"
	"github.com/orneryd/mpedm/pkg/lut"
	"github.com/orneryd/mpedm/pkg/parallel"
	"github.com/orneryd/mpedm/pkg/series"
	"github.com/orneryd/mpedm/pkg/topk"
)

// Errors
var (
	ErrTooFewPoints = errors.New("knn: too few embedded points")
	ErrUnknownKind  = errors.New("knn: unknown kernel kind")
)

// Kind selects the kernel implementation.
type Kind string

const (
	KindCPU      Kind = "cpu"      // shared-memory CPU kernel
	KindGPU      Kind = "gpu"      // batched kernel on the first device
	KindMultiGPU Kind = "multigpu" // batched kernel on every device
)

// ParseKind parses a kernel selector.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindCPU, KindGPU, KindMultiGPU:
		return k, nil
	default:
		return "", errkind.New(errkind.Config, "knn", fmt.Errorf("%w: %q (want cpu, gpu or multigpu)", ErrUnknownKind, s))
	}
}

// Options configures a kernel.
type Options struct {
	// Tau is the embedding lag, at least 1.
	Tau int
	// Tp is the prediction horizon; indices are re-based by (E-1)*Tau+Tp.
	Tp int
	// Parallel controls the CPU kernel's parallel-for over query rows.
	Parallel parallel.Config
	Logger   *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// NearestNeighbors fills a lookup table with the topK nearest library points
// of every target point in an E-dimensional delay embedding.
//
// Row i of out covers target point i. Its indices are positions on the
// library's original time axis (embedded index plus (E-1)*tau+Tp) and its
// distances are Euclidean, ascending. A library point that is the same
// sample as the query point is never chosen while another candidate is
// left.
//
// Implementations keep scratch state and are not safe for concurrent use.
type NearestNeighbors interface {
	ComputeLUT(ctx context.Context, out *lut.LUT, library, target series.Series, E, topK int) error
}

// geometry is the shape of one ComputeLUT call.
type geometry struct {
	E, tau, topK int
	shift        int
	nLibrary     int
	nTarget      int

	// Target point i and library point i+offset start at the same sample.
	offset     int
	coincident bool
}

func plan(library, target series.Series, E, topK int, o Options) (geometry, error) {
	if E < 1 {
		return geometry{}, errkind.Configf("knn", "embedding dimension E=%d, want >= 1", E)
	}
	if o.Tau < 1 {
		return geometry{}, errkind.Configf("knn", "tau=%d, want >= 1", o.Tau)
	}
	if o.Tp < 0 {
		return geometry{}, errkind.Configf("knn", "Tp=%d, want >= 0", o.Tp)
	}
	if topK < 1 {
		return geometry{}, errkind.Configf("knn", "top_k=%d, want >= 1", topK)
	}

	g := geometry{E: E, tau: o.Tau, topK: topK}
	span := (E - 1) * o.Tau
	g.shift = span + o.Tp
	g.nLibrary = library.Len() - g.shift
	g.nTarget = target.Len() - span
	if g.nLibrary <= 0 || g.nTarget <= 0 || g.nLibrary < topK || g.nTarget < topK {
		return geometry{}, errkind.New(errkind.Config, "knn", fmt.Errorf(
			"%w: library %d, target %d embedded points for E=%d tau=%d Tp=%d, top_k=%d",
			ErrTooFewPoints, max(g.nLibrary, 0), max(g.nTarget, 0), E, o.Tau, o.Tp, topK))
	}
	g.offset, g.coincident = sampleOffset(library.Values(), target.Values())
	return g, nil
}

// sampleOffset returns d such that target[i] and library[i+d] are the same
// memory location, if the two views are aligned on a common float32 array.
// Views into different allocations yield an offset that never lands inside
// the valid library range.
func sampleOffset(library, target []float32) (int, bool) {
	l := uintptr(unsafe.Pointer(unsafe.SliceData(library)))
	t := uintptr(unsafe.Pointer(unsafe.SliceData(target)))
	const size = unsafe.Sizeof(float32(0))

	var diff int
	if t >= l {
		if (t-l)%size != 0 {
			return 0, false
		}
		diff = int((t - l) / size)
	} else {
		if (l-t)%size != 0 {
			return 0, false
		}
		diff = -int((l - t) / size)
	}
	return diff, true
}

// coincidentWith returns the library point that is the same sample as
// target point i.
func (g geometry) coincidentWith(i int) (int, bool) {
	if !g.coincident {
		return 0, false
	}
	j := i + g.offset
	if j < 0 || j >= g.nLibrary {
		return 0, false
	}
	return j, true
}

var inf = float32(math.Inf(1))

// selectRow runs the top-k selection over one row of squared distances,
// leaving out the coincident point unless it is needed to fill the row.
func selectRow(sel *topk.Selector, acc []float32, skip int, hasSkip bool) {
	sel.Reset()
	if !hasSkip {
		sel.Scan(acc)
		return
	}
	for j, v := range acc {
		if j != skip {
			sel.Push(v, uint32(j))
		}
	}
	if sel.Len() < sel.K() {
		sel.Push(inf, uint32(skip))
	}
}
