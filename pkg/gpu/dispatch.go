package gpu

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Dispatch runs fn for items 0..n-1 across devices. One goroutine is bound
// to each device slot and pulls item indices from a shared queue, so a
// faster device takes more items. slot is the index into devices.
//
// The first error stops all slots; it is returned wrapped with the device
// and item that failed.
func Dispatch(ctx context.Context, devices []*Device, n int, fn func(ctx context.Context, slot, item int) error) error {
	if len(devices) == 0 {
		return ErrGPUNotAvailable
	}
	if n <= 0 {
		return ctx.Err()
	}

	queue := make(chan int, n)
	for i := 0; i < n; i++ {
		queue <- i
	}
	close(queue)

	g, ctx := errgroup.WithContext(ctx)
	for slot := range devices {
		g.Go(func() error {
			// Device contexts are thread-affine.
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for item := range queue {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := fn(ctx, slot, item); err != nil {
					return fmt.Errorf("device %d item %d: %w", devices[slot].info.ID, item, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
