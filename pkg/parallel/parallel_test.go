package parallel

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForCoversEveryItemOnce(t *testing.T) {
	for _, n := range []int{1, 7, 63, 64, 1000, 1001} {
		hits := make([]int32, n)
		cfg := Config{Enabled: true, MaxWorkers: 8, MinBatchSize: 1}
		err := For(context.Background(), cfg, n, func(_, start, end int) {
			for i := start; i < end; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		require.NoError(t, err)
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("n=%d: item %d visited %d times", n, i, h)
			}
		}
	}
}

func TestForWorkerIDsAreDistinct(t *testing.T) {
	cfg := Config{Enabled: true, MaxWorkers: 4, MinBatchSize: 1}
	var seen [4]int32
	err := For(context.Background(), cfg, 100, func(worker, _, _ int) {
		atomic.AddInt32(&seen[worker], 1)
	})
	require.NoError(t, err)
	for w, c := range seen {
		assert.Equal(t, int32(1), c, "worker %d", w)
	}
}

func TestForSequentialFallback(t *testing.T) {
	cfg := Config{Enabled: true, MaxWorkers: 8, MinBatchSize: 100}
	assert.Equal(t, 1, cfg.Workers(50))
	assert.Equal(t, 1, Config{Enabled: false, MaxWorkers: 8}.Workers(1000))
	assert.Equal(t, 8, cfg.Workers(1000))

	calls := 0
	err := For(context.Background(), cfg, 50, func(worker, start, end int) {
		calls++
		assert.Equal(t, 0, worker)
		assert.Equal(t, 0, start)
		assert.Equal(t, 50, end)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestForCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := For(ctx, DefaultConfig(), 10, func(_, _, _ int) { called = true })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
