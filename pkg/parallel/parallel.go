// Package parallel provides the chunked parallel-for used by the kNN
// kernels to spread query rows across CPU cores.
//
// # Configuration
//
//	cfg := parallel.Config{
//	    Enabled:      true,
//	    MaxWorkers:   8,   // Use 8 cores max
//	    MinBatchSize: 64,  // Parallelize when >64 rows
//	}
//
// Each worker receives one contiguous chunk and its worker id, so callers
// can keep per-worker scratch buffers without locking.
package parallel

import (
	"context"
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	// Enabled enables/disables parallel execution
	Enabled bool

	// MaxWorkers is the maximum number of goroutines to use
	// Default: runtime.NumCPU()
	MaxWorkers int

	// MinBatchSize is the minimum number of items before parallelizing.
	// Below this threshold the loop runs on the calling goroutine.
	// Default: 64
	MinBatchSize int
}

// DefaultConfig returns the default parallel execution configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxWorkers:   runtime.NumCPU(),
		MinBatchSize: 64,
	}
}

// Workers returns the number of chunks For would split n items into.
func (c Config) Workers(n int) int {
	if !c.Enabled || n < c.MinBatchSize || n <= 1 {
		return 1
	}
	w := c.MaxWorkers
	if w <= 0 {
		w = runtime.NumCPU()
	}
	if w > n {
		w = n
	}
	return w
}

// ChunkFunc processes items [start, end) as worker id.
type ChunkFunc func(worker, start, end int)

// For splits [0, n) into at most c.Workers(n) contiguous chunks and runs
// fn on each concurrently, returning once all chunks finish. The context is
// checked before each chunk is started; a cancelled context skips the
// remaining chunks and its error is returned.
func For(ctx context.Context, c Config, n int, fn ChunkFunc) error {
	if n <= 0 {
		return ctx.Err()
	}
	numWorkers := c.Workers(n)
	if numWorkers == 1 {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(0, 0, n)
		return nil
	}

	chunkSize := (n + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if start >= n {
			break
		}
		if end > n {
			end = n
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(workerID, start, end int) {
			defer wg.Done()
			fn(workerID, start, end)
		}(i, start, end)
	}

	wg.Wait()
	return ctx.Err()
}
