package gpu

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerDisabled(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)
	assert.False(t, m.IsEnabled())
	assert.Empty(t, m.Devices())
}

func TestNewManagerHostDevices(t *testing.T) {
	m, err := NewManager(&Config{
		Enabled:          true,
		PreferredBackend: BackendHost,
		DeviceID:         -1,
		HostDevices:      3,
	})
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, m.IsEnabled())
	require.Len(t, m.Devices(), 3)
	for i, d := range m.Devices() {
		assert.Equal(t, i, d.Info().ID)
		assert.Equal(t, BackendHost, d.Info().Backend)
	}

	m.Close()
	assert.False(t, m.IsEnabled())
	assert.Empty(t, m.Devices())
}

func TestNewManagerFallback(t *testing.T) {
	t.Run("unknown backend falls back to host", func(t *testing.T) {
		m, err := NewManager(&Config{
			Enabled:          true,
			PreferredBackend: "metal",
			FallbackOnError:  true,
			DeviceID:         -1,
			HostDevices:      2,
		})
		require.NoError(t, err)
		assert.Len(t, m.Devices(), 2)
	})

	t.Run("unknown backend without fallback", func(t *testing.T) {
		_, err := NewManager(&Config{
			Enabled:          true,
			PreferredBackend: "metal",
			DeviceID:         -1,
		})
		assert.ErrorIs(t, err, ErrGPUNotAvailable)
	})
}

func TestNewManagerDeviceID(t *testing.T) {
	m, err := NewManager(&Config{Enabled: true, PreferredBackend: BackendHost, DeviceID: 1, HostDevices: 3})
	require.NoError(t, err)
	require.Len(t, m.Devices(), 1)
	assert.Equal(t, 1, m.Devices()[0].Info().ID)

	_, err = NewManager(&Config{Enabled: true, PreferredBackend: BackendHost, DeviceID: 5, HostDevices: 3})
	assert.ErrorIs(t, err, ErrGPUNotAvailable)
}

func randomBlock(r *rand.Rand, rows, dims int) Block {
	data := make([]float32, rows*dims)
	for i := range data {
		data[i] = r.Float32()
	}
	return Block{Data: data, Rows: rows, Dims: dims}
}

type pair struct {
	ssd float32
	idx uint32
}

func bruteForce(query, library Block, k int) ([]uint32, []float32) {
	idx := make([]uint32, 0, query.Rows*k)
	ssd := make([]float32, 0, query.Rows*k)
	for q := 0; q < query.Rows; q++ {
		all := make([]pair, library.Rows)
		for l := 0; l < library.Rows; l++ {
			var s float32
			for d := 0; d < query.Dims; d++ {
				diff := library.Data[d*library.Rows+l] - query.Data[d*query.Rows+q]
				s += float32(diff * diff)
			}
			all[l] = pair{s, uint32(l)}
		}
		sort.SliceStable(all, func(a, b int) bool { return all[a].ssd < all[b].ssd })
		for _, p := range all[:k] {
			idx = append(idx, p.idx)
			ssd = append(ssd, p.ssd)
		}
	}
	return idx, ssd
}

func TestNearestNeighbour(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for _, tc := range []struct {
		name               string
		qRows, lRows, dims int
		k                  int
		workers            int
	}{
		{"single row", 1, 10, 1, 3, 1},
		{"small", 17, 40, 3, 4, 1},
		{"parallel", 300, 500, 5, 6, 4},
		{"k equals rows", 8, 6, 2, 6, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			query := randomBlock(r, tc.qRows, tc.dims)
			library := randomBlock(r, tc.lRows, tc.dims)
			dev := NewHostDevice(0, tc.workers)

			idx := make([]uint32, tc.qRows*tc.k)
			ssd := make([]float32, tc.qRows*tc.k)
			require.NoError(t, dev.NearestNeighbour(context.Background(), query, library, tc.k, idx, ssd))

			wantIdx, wantSSD := bruteForce(query, library, tc.k)
			assert.Equal(t, wantIdx, idx)
			assert.InDeltaSlice(t, wantSSD, ssd, 1e-6)
		})
	}
}

func TestNearestNeighbourTiesAndNaN(t *testing.T) {
	nan := float32(0)
	nan = nan / nan
	library := Block{Data: []float32{nan, 1, 1, 0, 1}, Rows: 5, Dims: 1}
	query := Block{Data: []float32{1}, Rows: 1, Dims: 1}

	dev := NewHostDevice(0, 1)
	idx := make([]uint32, 5)
	ssd := make([]float32, 5)
	require.NoError(t, dev.NearestNeighbour(context.Background(), query, library, 5, idx, ssd))

	assert.Equal(t, []uint32{1, 2, 4, 3, 0}, idx)
	assert.Equal(t, float32(0), ssd[0])
	assert.Equal(t, float32(1), ssd[3])
}

func TestNearestNeighbourErrors(t *testing.T) {
	dev := NewHostDevice(0, 1)
	ctx := context.Background()
	q := Block{Data: make([]float32, 4), Rows: 2, Dims: 2}
	l := Block{Data: make([]float32, 6), Rows: 3, Dims: 2}
	out := make([]uint32, 8)
	ssd := make([]float32, 8)

	err := dev.NearestNeighbour(ctx, q, Block{Data: make([]float32, 3), Rows: 3, Dims: 1}, 2, out, ssd)
	assert.ErrorIs(t, err, ErrInvalidDimensions)

	err = dev.NearestNeighbour(ctx, q, l, 4, out, ssd)
	assert.ErrorIs(t, err, ErrInvalidK)

	err = dev.NearestNeighbour(ctx, q, l, 0, out, ssd)
	assert.ErrorIs(t, err, ErrInvalidK)

	err = dev.NearestNeighbour(ctx, q, l, 3, out[:5], ssd)
	assert.ErrorIs(t, err, ErrInvalidDimensions)

	assert.Equal(t, int64(0), dev.Stats().Calls)
}

func TestArenaReuse(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	dev := NewHostDevice(0, 1)
	ctx := context.Background()
	query := randomBlock(r, 10, 3)
	library := randomBlock(r, 20, 3)
	idx := make([]uint32, 10*4)
	ssd := make([]float32, 10*4)

	require.NoError(t, dev.NearestNeighbour(ctx, query, library, 4, idx, ssd))
	first := dev.Stats()
	// query, library, idx, ssd and one scratch row
	assert.Equal(t, int64(5), first.BufferAllocs)
	assert.Equal(t, int64(0), first.BufferReuses)

	require.NoError(t, dev.NearestNeighbour(ctx, query, library, 4, idx, ssd))
	second := dev.Stats()
	assert.Equal(t, int64(5), second.BufferAllocs)
	assert.Equal(t, int64(5), second.BufferReuses)
	assert.Equal(t, int64(2), second.Calls)
	assert.Greater(t, second.BytesTransferred, first.BytesTransferred)

	// A different library length allocates a new library and scratch buffer.
	library2 := randomBlock(r, 21, 3)
	require.NoError(t, dev.NearestNeighbour(ctx, query, library2, 4, idx, ssd))
	assert.Equal(t, int64(7), dev.Stats().BufferAllocs)
}

func TestArenaMemoryLimit(t *testing.T) {
	dev := newDevice(DeviceInfo{ID: 0, Backend: BackendHost}, 1, 1)
	ctx := context.Background()

	big := Block{Data: make([]float32, 300_000), Rows: 300_000, Dims: 1}
	q := Block{Data: make([]float32, 1), Rows: 1, Dims: 1}
	err := dev.NearestNeighbour(ctx, q, big, 1, make([]uint32, 1), make([]float32, 1))
	assert.ErrorIs(t, err, ErrOutOfMemory)

	// Two 100k-row libraries do not fit together; the second call evicts.
	lib := Block{Data: make([]float32, 100_000), Rows: 100_000, Dims: 1}
	require.NoError(t, dev.NearestNeighbour(ctx, q, lib, 1, make([]uint32, 1), make([]float32, 1)))
	lib2 := Block{Data: make([]float32, 100_001), Rows: 100_001, Dims: 1}
	require.NoError(t, dev.NearestNeighbour(ctx, q, lib2, 1, make([]uint32, 1), make([]float32, 1)))

	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.LessOrEqual(t, dev.arenaBytes, dev.maxBytes)
}

func TestDispatch(t *testing.T) {
	devices := []*Device{NewHostDevice(0, 1), NewHostDevice(1, 1), NewHostDevice(2, 1)}

	var mu sync.Mutex
	seen := make(map[int]int)
	var slotsUsed [3]atomic.Int64
	err := Dispatch(context.Background(), devices, 100, func(ctx context.Context, slot, item int) error {
		mu.Lock()
		seen[item]++
		mu.Unlock()
		slotsUsed[slot].Add(1)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 100)
	for item, n := range seen {
		assert.Equal(t, 1, n, "item %d", item)
	}
	var total int64
	for i := range slotsUsed {
		total += slotsUsed[i].Load()
	}
	assert.Equal(t, int64(100), total)
}

func TestDispatchErrors(t *testing.T) {
	err := Dispatch(context.Background(), nil, 3, func(context.Context, int, int) error { return nil })
	assert.ErrorIs(t, err, ErrGPUNotAvailable)

	boom := errors.New("boom")
	devices := []*Device{NewHostDevice(0, 1), NewHostDevice(1, 1)}
	err = Dispatch(context.Background(), devices, 10, func(_ context.Context, _ int, item int) error {
		if item == 7 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "item 7")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Dispatch(ctx, devices, 10, func(context.Context, int, int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
