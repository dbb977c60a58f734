package cluster

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/mpedm/pkg/errkind"
)

// RunLocal runs a master and n in-process workers over pipes until the job
// is drained. newExecutor is called once per worker so each can own its
// scratch state.
func RunLocal(ctx context.Context, job Job, n int, newExecutor func(worker int) (Executor, error), logger *slog.Logger) (*Master, error) {
	if n < 1 {
		return nil, errkind.Configf("cluster", "local pool needs at least one worker, got %d", n)
	}
	if logger == nil {
		logger = slog.Default()
	}
	execs := make([]Executor, n)
	for i := range execs {
		exec, err := newExecutor(i)
		if err != nil {
			return nil, err
		}
		execs[i] = exec
	}

	hub := NewHub()
	defer hub.Close()
	master := NewMaster(job, logger)

	conns := make([]Conn, n)
	for i := range conns {
		conns[i] = hub.Pipe()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := master.Run(ctx, hub.Inbox())
		// Workers that never got to ask see a closed pipe and stop.
		hub.Close()
		for _, conn := range conns {
			conn.Close()
		}
		return err
	})
	for i, exec := range execs {
		conn := conns[i]
		w := NewWorker(conn, exec, logger)
		g.Go(func() error {
			defer conn.Close()
			return w.Run(ctx)
		})
	}
	return master, g.Wait()
}
