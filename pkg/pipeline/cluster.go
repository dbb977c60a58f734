package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/orneryd/mpedm/pkg/cluster"
	"github.com/orneryd/mpedm/pkg/crossmap"
	"github.com/orneryd/mpedm/pkg/embedding"
	"github.com/orneryd/mpedm/pkg/errkind"
	"github.com/orneryd/mpedm/pkg/results"
	"github.com/orneryd/mpedm/pkg/series"
)

// Job feeds the two phases to a cluster master: embedding tasks over
// [0, n), then, once every dimension is known, cross-map tasks carrying
// them. Results go to the sink as they are applied.
type Job struct {
	n, chunk int
	sink     results.Sink

	phase    cluster.Phase
	cursor   int
	bestE    []int
	rhos     []float32
	embedded int
}

// NewJob returns a job over n series split in chunks of chunkSize.
func NewJob(n, chunkSize int, sink results.Sink) *Job {
	return &Job{
		n:     n,
		chunk: max(1, chunkSize),
		sink:  sink,
		phase: cluster.PhaseEmbedding,
		bestE: make([]int, n),
		rhos:  make([]float32, n),
	}
}

// BestE returns the embedding dimensions applied so far.
func (j *Job) BestE() []int { return j.bestE }

// Next implements cluster.Job.
func (j *Job) Next() (cluster.Task, cluster.Availability) {
	if j.phase == cluster.PhaseEmbedding && j.cursor >= j.n {
		if j.embedded < j.n {
			return cluster.Task{}, cluster.TaskWait
		}
		j.phase, j.cursor = cluster.PhaseCrossMap, 0
	}
	if j.cursor >= j.n {
		return cluster.Task{}, cluster.TaskNone
	}
	t := cluster.Task{Phase: j.phase, Start: j.cursor, Stop: min(j.cursor+j.chunk, j.n)}
	if j.phase == cluster.PhaseCrossMap {
		t.OptimalE = j.bestE
	}
	j.cursor = t.Stop
	return t, cluster.TaskReady
}

// Apply implements cluster.Job.
func (j *Job) Apply(ctx context.Context, r cluster.Result) error {
	if r.Start < 0 || r.Stop > j.n {
		return errkind.Protocolf("pipeline", "result range [%d, %d) of %d series", r.Start, r.Stop, j.n)
	}
	switch r.Phase {
	case cluster.PhaseEmbedding:
		copy(j.bestE[r.Start:r.Stop], r.BestE)
		copy(j.rhos[r.Start:r.Stop], r.Rhos)
		j.embedded += r.Stop - r.Start
		if j.embedded == j.n {
			if err := j.sink.WriteEmbedding(ctx, j.bestE, j.rhos); err != nil {
				return fmt.Errorf("write embedding: %w", err)
			}
		}
	case cluster.PhaseCrossMap:
		for i, row := range r.Rows {
			if len(row) != j.n {
				return errkind.Protocolf("pipeline", "score row %d holds %d values, want %d", r.Start+i, len(row), j.n)
			}
			if err := j.sink.WriteRow(ctx, r.Start+i, row); err != nil {
				return fmt.Errorf("write row %d: %w", r.Start+i, err)
			}
		}
	}
	return nil
}

// Executor runs cluster tasks against a worker's copy of the frame.
type Executor struct {
	frame   *series.Frame
	columns []series.Series
	embed   *embedding.EmbeddingDim
	xmap    *crossmap.CrossMapping
}

// NewExecutor builds the kernels for one worker.
func NewExecutor(frame *series.Frame, opts Options) (*Executor, error) {
	ed, err := embedding.New(opts.embeddingConfig())
	if err != nil {
		return nil, err
	}
	cm, err := crossmap.New(opts.crossmapConfig())
	if err != nil {
		return nil, err
	}
	return &Executor{frame: frame, columns: frame.Columns(), embed: ed, xmap: cm}, nil
}

// rowCollector keeps the rows of one task in library order.
type rowCollector struct {
	start int
	rows  []cluster.Floats
}

func (c *rowCollector) WriteRow(_ context.Context, library int, rhos []float32) error {
	c.rows[library-c.start] = append(cluster.Floats(nil), rhos...)
	return nil
}

// Execute implements cluster.Executor.
func (e *Executor) Execute(ctx context.Context, t cluster.Task) (cluster.Result, error) {
	n := len(e.columns)
	if t.Stop > n {
		return cluster.Result{}, errkind.Configf("pipeline", "task [%d, %d) beyond the %d local series; is the worker reading the same input?", t.Start, t.Stop, n)
	}
	r := cluster.Result{Phase: t.Phase, Start: t.Start, Stop: t.Stop}
	switch t.Phase {
	case cluster.PhaseEmbedding:
		for i := t.Start; i < t.Stop; i++ {
			res, err := e.embed.Run(ctx, e.columns[i])
			if err != nil {
				return cluster.Result{}, fmt.Errorf("series %q: %w", e.frame.Names()[i], err)
			}
			r.BestE = append(r.BestE, res.BestE)
			r.Rhos = append(r.Rhos, res.Rho)
		}
	case cluster.PhaseCrossMap:
		if len(t.OptimalE) != n {
			return cluster.Result{}, errkind.Protocolf("pipeline", "cross-map task carries %d optimal E values for %d series", len(t.OptimalE), n)
		}
		rows := &rowCollector{start: t.Start, rows: make([]cluster.Floats, t.Stop-t.Start)}
		if err := e.xmap.Range(ctx, e.columns, t.OptimalE, t.Start, t.Stop, rows); err != nil {
			return cluster.Result{}, err
		}
		r.Rows = rows.rows
	}
	return r, nil
}

// RunLocalCluster runs the job through an in-process master and workers
// workers over pipes.
func RunLocalCluster(ctx context.Context, frame *series.Frame, opts Options, workers int, sink results.Sink) (cluster.Status, error) {
	job := NewJob(frame.Cols(), opts.chunkSize(), sink)
	master, err := cluster.RunLocal(ctx, job, workers, func(int) (cluster.Executor, error) {
		return NewExecutor(frame, opts)
	}, opts.Logger)
	if err != nil {
		return cluster.Status{}, err
	}
	return master.Status(), nil
}

// RunMaster serves the cluster protocol on ln for a dataset of n series
// until every task is done, then shuts the listener down.
func RunMaster(ctx context.Context, ln net.Listener, n int, opts Options, sink results.Sink) (cluster.Status, error) {
	logger := opts.logger()
	hub := cluster.NewHub()
	defer hub.Close()
	master := cluster.NewMaster(NewJob(n, opts.chunkSize(), sink), logger)
	server := cluster.NewServer(hub, master.Status, cluster.ServerConfig{
		DisableMetrics: opts.DisableMetrics,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()
	logger.Info("master listening", "addr", ln.Addr().String(), "series", n, "chunk", opts.chunkSize())

	runErr := master.Run(ctx, hub.Inbox())
	server.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) && runErr == nil {
		runErr = fmt.Errorf("serve: %w", err)
	}
	return master.Status(), runErr
}

// RunWorker executes tasks from conn until the master stops it. It returns
// the number of tasks executed.
func RunWorker(ctx context.Context, conn cluster.Conn, frame *series.Frame, opts Options) (int64, error) {
	defer conn.Close()
	exec, err := NewExecutor(frame, opts)
	if err != nil {
		return 0, err
	}
	w := cluster.NewWorker(conn, exec, opts.Logger)
	err = w.Run(ctx)
	return w.Tasks(), err
}

var (
	_ cluster.Job        = (*Job)(nil)
	_ cluster.Executor   = (*Executor)(nil)
	_ crossmap.RowWriter = results.Sink(nil)
)
