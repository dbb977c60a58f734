package gpu

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/mpedm/pkg/metrics"
	"github.com/orneryd/mpedm/pkg/parallel"
	"github.com/orneryd/mpedm/pkg/simd"
	"github.com/orneryd/mpedm/pkg/topk"
)

// Block is a column-major Rows x Dims matrix: coordinate d of row r is
// Data[d*Rows+r].
type Block struct {
	Data []float32
	Rows int
	Dims int
}

func (b Block) valid() bool {
	return b.Rows > 0 && b.Dims > 0 && len(b.Data) == b.Rows*b.Dims
}

// Device is one accelerator slot with its own buffer arena.
type Device struct {
	info     DeviceInfo
	maxBytes int64
	par      parallel.Config

	mu         sync.Mutex
	f32        map[string][]float32
	u32        map[string][]uint32
	arenaBytes int64
	selectors  []*topk.Selector
	selectK    int

	calls    atomic.Int64
	reuses   atomic.Int64
	allocs   atomic.Int64
	bytes    atomic.Int64
	kernelNs atomic.Int64
}

func newDevice(info DeviceInfo, maxMemoryMB, workers int) *Device {
	par := parallel.DefaultConfig()
	par.MaxWorkers = workers
	return &Device{
		info:     info,
		maxBytes: int64(maxMemoryMB) * 1024 * 1024,
		par:      par,
		f32:      make(map[string][]float32),
		u32:      make(map[string][]uint32),
	}
}

// NewHostDevice opens a standalone host slot, mainly for tests and tools.
func NewHostDevice(id, workers int) *Device {
	return newDevice(DeviceInfo{
		ID:        id,
		Name:      "host-" + strconv.Itoa(id),
		Backend:   BackendHost,
		Available: true,
	}, 0, workers)
}

// Info describes the device.
func (d *Device) Info() DeviceInfo { return d.info }

// Stats returns this device's counters.
func (d *Device) Stats() Stats {
	return Stats{
		Calls:            d.calls.Load(),
		BufferReuses:     d.reuses.Load(),
		BufferAllocs:     d.allocs.Load(),
		BytesTransferred: d.bytes.Load(),
		KernelTimeNs:     d.kernelNs.Load(),
	}
}

// Buffers are keyed by role and exact length. A call that repeats an
// earlier shape gets the earlier buffer back.
func bufferKey(role string, n int) string {
	return role + "/" + strconv.Itoa(n)
}

// reserve accounts for a new allocation, dropping the whole arena when the
// limit would be exceeded. Caller holds d.mu.
func (d *Device) reserve(bytes int64) error {
	if d.maxBytes <= 0 {
		d.arenaBytes += bytes
		return nil
	}
	if bytes > d.maxBytes {
		return fmt.Errorf("%w: %d bytes requested, limit %d", ErrOutOfMemory, bytes, d.maxBytes)
	}
	if d.arenaBytes+bytes > d.maxBytes {
		d.f32 = make(map[string][]float32)
		d.u32 = make(map[string][]uint32)
		d.arenaBytes = 0
		metrics.BufferEvents.WithLabelValues("evict").Inc()
	}
	d.arenaBytes += bytes
	return nil
}

func (d *Device) float32Buffer(role string, n int) ([]float32, error) {
	key := bufferKey(role, n)
	if b, ok := d.f32[key]; ok {
		d.reuses.Add(1)
		metrics.BufferEvents.WithLabelValues("reuse").Inc()
		return b, nil
	}
	if err := d.reserve(int64(n) * 4); err != nil {
		return nil, err
	}
	b := make([]float32, n)
	d.f32[key] = b
	d.allocs.Add(1)
	metrics.BufferEvents.WithLabelValues("alloc").Inc()
	return b, nil
}

func (d *Device) uint32Buffer(role string, n int) ([]uint32, error) {
	key := bufferKey(role, n)
	if b, ok := d.u32[key]; ok {
		d.reuses.Add(1)
		metrics.BufferEvents.WithLabelValues("reuse").Inc()
		return b, nil
	}
	if err := d.reserve(int64(n) * 4); err != nil {
		return nil, err
	}
	b := make([]uint32, n)
	d.u32[key] = b
	d.allocs.Add(1)
	metrics.BufferEvents.WithLabelValues("alloc").Inc()
	return b, nil
}

func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.f32 = make(map[string][]float32)
	d.u32 = make(map[string][]uint32)
	d.arenaBytes = 0
	d.selectors, d.selectK = nil, 0
}

// NearestNeighbour finds, for every row q of query, the k rows of library
// with the smallest sum of squared differences and writes them to
// idx[q*k:(q+1)*k] and ssd[q*k:(q+1)*k] in ascending order. Ties go to the
// lower library row and NaN sums rank as +Inf.
//
// The squared differences are accumulated one dimension at a time over
// contiguous library columns.
func (d *Device) NearestNeighbour(ctx context.Context, query, library Block, k int, idx []uint32, ssd []float32) error {
	if !query.valid() || !library.valid() || query.Dims != library.Dims {
		return fmt.Errorf("%w: query %dx%d, library %dx%d", ErrInvalidDimensions, query.Rows, query.Dims, library.Rows, library.Dims)
	}
	if k <= 0 || k > library.Rows {
		return fmt.Errorf("%w: k=%d, library rows=%d", ErrInvalidK, k, library.Rows)
	}
	if len(idx) < query.Rows*k || len(ssd) < query.Rows*k {
		return fmt.Errorf("%w: output holds %d entries, need %d", ErrInvalidDimensions, min(len(idx), len(ssd)), query.Rows*k)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	d.calls.Add(1)

	// Upload.
	q, err := d.float32Buffer("query", len(query.Data))
	if err != nil {
		return err
	}
	copy(q, query.Data)
	lib, err := d.float32Buffer("library", len(library.Data))
	if err != nil {
		return err
	}
	copy(lib, library.Data)
	d.bytes.Add(int64(len(query.Data)+len(library.Data)) * 4)

	outIdx, err := d.uint32Buffer("idx", query.Rows*k)
	if err != nil {
		return err
	}
	outSSD, err := d.float32Buffer("ssd", query.Rows*k)
	if err != nil {
		return err
	}

	workers := d.par.Workers(query.Rows)
	scratch := make([][]float32, workers)
	for w := range scratch {
		if scratch[w], err = d.float32Buffer("scratch/"+strconv.Itoa(w), library.Rows); err != nil {
			return err
		}
	}
	if d.selectK != k {
		d.selectors, d.selectK = nil, k
	}
	for len(d.selectors) < workers {
		d.selectors = append(d.selectors, topk.New(k))
	}

	err = parallel.For(ctx, d.par, query.Rows, func(w, from, to int) {
		acc := scratch[w]
		sel := d.selectors[w]
		for r := from; r < to; r++ {
			clear(acc)
			for dim := 0; dim < query.Dims; dim++ {
				col := lib[dim*library.Rows : (dim+1)*library.Rows]
				simd.AccumulateSquaredDiff(acc, col, q[dim*query.Rows+r])
			}
			sel.Reset()
			sel.Scan(acc)
			copy(outIdx[r*k:(r+1)*k], sel.Indices())
			copy(outSSD[r*k:(r+1)*k], sel.Values())
		}
	})
	if err != nil {
		return err
	}

	// Download.
	copy(idx, outIdx)
	copy(ssd, outSSD)
	d.bytes.Add(int64(query.Rows*k) * 8)
	d.kernelNs.Add(time.Since(start).Nanoseconds())
	return nil
}
