package knn

import (
	"context"

	"github.com/orneryd/mpedm/pkg/errkind"
	"github.com/orneryd/mpedm/pkg/gpu"
)

// Engine holds the kernels for one kernel kind: a single CPU kernel, a
// batched kernel on the first device, or one batched kernel per device.
type Engine struct {
	kind    Kind
	kernels []NearestNeighbors
	devices []*gpu.Device
}

// NewEngine resolves kind into kernels. The gpu kinds need a manager with at
// least one open device; otherwise a resource error is returned.
func NewEngine(kind Kind, opts Options, manager *gpu.Manager) (*Engine, error) {
	e := &Engine{kind: kind}
	switch kind {
	case KindCPU:
		e.kernels = []NearestNeighbors{NewCPU(opts)}
	case KindGPU, KindMultiGPU:
		if manager == nil || !manager.IsEnabled() || len(manager.Devices()) == 0 {
			return nil, errkind.New(errkind.Resource, "knn", gpu.ErrGPUNotAvailable)
		}
		devices := manager.Devices()
		if kind == KindGPU {
			devices = devices[:1]
		}
		for _, dev := range devices {
			e.kernels = append(e.kernels, NewBatched(dev, opts))
		}
		e.devices = devices
	default:
		_, err := ParseKind(string(kind))
		return nil, err
	}
	opts.logger().Debug("knn engine ready", "component", "knn", "kernel", kind, "slots", len(e.kernels))
	return e, nil
}

// Kind returns the kernel kind.
func (e *Engine) Kind() Kind { return e.kind }

// Kernel returns the first kernel, for callers that run one call at a time.
func (e *Engine) Kernel() NearestNeighbors { return e.kernels[0] }

// Slots returns the number of kernels that can run at once.
func (e *Engine) Slots() int { return len(e.kernels) }

// ForEach calls fn for items 0..n-1. With several devices the items are
// drained from a shared queue by one device-bound goroutine per device and
// fn receives that device's kernel; otherwise the items run in order on the
// calling goroutine. fn must only write state owned by its item.
func (e *Engine) ForEach(ctx context.Context, n int, fn func(ctx context.Context, k NearestNeighbors, item int) error) error {
	if len(e.devices) > 1 {
		return gpu.Dispatch(ctx, e.devices, n, func(ctx context.Context, slot, item int) error {
			return fn(ctx, e.kernels[slot], item)
		})
	}
	k := e.kernels[0]
	for item := 0; item < n; item++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, k, item); err != nil {
			return err
		}
	}
	return nil
}
