// Package pipeline runs the full analysis over a frame: the embedding
// dimension of every column, then cross mapping of every column against all
// others. The same work runs in-process or through a cluster master with
// workers; both write identical results to a results.Sink.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/mpedm/pkg/crossmap"
	"github.com/orneryd/mpedm/pkg/embedding"
	"github.com/orneryd/mpedm/pkg/errkind"
	"github.com/orneryd/mpedm/pkg/gpu"
	"github.com/orneryd/mpedm/pkg/knn"
	"github.com/orneryd/mpedm/pkg/metrics"
	"github.com/orneryd/mpedm/pkg/parallel"
	"github.com/orneryd/mpedm/pkg/results"
	"github.com/orneryd/mpedm/pkg/series"
)

// Options shared by every execution mode.
type Options struct {
	MaxE int
	Tau  int
	// Tp is the horizon of the embedding phase; 0 means 1. Cross mapping
	// always predicts at horizon 0.
	Tp        int
	MinWeight float32
	Kernel    knn.Kind
	// Parallel spreads work inside one call (query rows, target loop).
	Parallel parallel.Config
	Devices  *gpu.Manager
	// Workers is the number of columns processed at once by Run; 0 means
	// one per CPU.
	Workers int
	// ChunkSize is the number of columns per cluster task; 0 means 1.
	ChunkSize int
	// DisableMetrics keeps the master from serving /metrics.
	DisableMetrics bool
	Logger         *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) workers(n int) int {
	w := o.Workers
	if w <= 0 {
		w = runtime.NumCPU()
	}
	return max(1, min(w, n))
}

func (o Options) chunkSize() int {
	return max(1, o.ChunkSize)
}

func (o Options) embeddingConfig() embedding.Config {
	return embedding.Config{
		MaxE:      o.MaxE,
		Tau:       o.Tau,
		Tp:        max(1, o.Tp),
		MinWeight: o.MinWeight,
		Kernel:    o.Kernel,
		Parallel:  o.Parallel,
		Devices:   o.Devices,
		Logger:    o.Logger,
	}
}

func (o Options) crossmapConfig() crossmap.Config {
	return crossmap.Config{
		MaxE:      o.MaxE,
		Tau:       o.Tau,
		Tp:        0,
		MinWeight: o.MinWeight,
		Kernel:    o.Kernel,
		Parallel:  o.Parallel,
		Devices:   o.Devices,
		Logger:    o.Logger,
	}
}

// Run executes both phases in-process and writes them to sink. It returns
// the per-column embedding dimensions.
func Run(ctx context.Context, frame *series.Frame, opts Options, sink results.Sink) ([]int, error) {
	began := time.Now()
	bestE, rhos, err := Embed(ctx, frame, opts)
	if err != nil {
		return nil, err
	}
	if err := sink.WriteEmbedding(ctx, bestE, rhos); err != nil {
		return nil, fmt.Errorf("write embedding: %w", err)
	}
	if err := CrossMap(ctx, frame, opts, bestE, sink); err != nil {
		return nil, err
	}
	opts.logger().Info("analysis done", "component", "pipeline", "series", frame.Cols(), "elapsed", time.Since(began))
	return bestE, nil
}

// Embed finds the embedding dimension of every column. Columns are spread
// over opts.Workers goroutines, each owning its own EmbeddingDim.
func Embed(ctx context.Context, frame *series.Frame, opts Options) ([]int, []float32, error) {
	columns := frame.Columns()
	n := len(columns)
	if n == 0 {
		return nil, nil, errkind.Configf("pipeline", "frame has no columns")
	}
	logger := opts.logger().With("component", "pipeline")

	bestE := make([]int, n)
	rhos := make([]float32, n)
	workers := opts.workers(n)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		ed, err := embedding.New(opts.embeddingConfig())
		if err != nil {
			return nil, nil, err
		}
		g.Go(func() error {
			for i := w; i < n; i += workers {
				res, err := ed.Run(ctx, columns[i])
				if err != nil {
					return fmt.Errorf("series %q: %w", frame.Names()[i], err)
				}
				bestE[i], rhos[i] = res.BestE, res.Rho
				metrics.SeriesDone.WithLabelValues("embedding").Inc()
				logger.Debug("embedding dimension", "library", i, "E", res.BestE, "rho", res.Rho)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return bestE, rhos, nil
}

// countingWriter records each finished row in the metrics.
type countingWriter struct {
	crossmap.RowWriter
}

func (c countingWriter) WriteRow(ctx context.Context, library int, rhos []float32) error {
	if err := c.RowWriter.WriteRow(ctx, library, rhos); err != nil {
		return err
	}
	metrics.SeriesDone.WithLabelValues("crossmap").Inc()
	return nil
}

// CrossMap runs every column as the library against all columns at the
// given dimensions. Rows reach out as they finish, from several goroutines.
func CrossMap(ctx context.Context, frame *series.Frame, opts Options, optimalE []int, out crossmap.RowWriter) error {
	columns := frame.Columns()
	n := len(columns)
	if len(optimalE) != n {
		return errkind.Configf("pipeline", "%d optimal E values for %d series", len(optimalE), n)
	}
	out = countingWriter{out}

	workers := opts.workers(n)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		cm, err := crossmap.New(opts.crossmapConfig())
		if err != nil {
			return err
		}
		g.Go(func() error {
			for i := w; i < n; i += workers {
				if err := cm.Range(ctx, columns, optimalE, i, i+1, out); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// OneToMany cross maps a single library column against all columns.
func OneToMany(ctx context.Context, frame *series.Frame, opts Options, library int, optimalE []int) ([]float32, error) {
	if library < 0 || library >= frame.Cols() {
		return nil, errkind.Configf("pipeline", "library %d out of range [0, %d)", library, frame.Cols())
	}
	cm, err := crossmap.New(opts.crossmapConfig())
	if err != nil {
		return nil, err
	}
	rhos := make([]float32, frame.Cols())
	if err := cm.Run(ctx, rhos, frame.Column(library), frame.Columns(), optimalE); err != nil {
		return nil, err
	}
	return rhos, nil
}
