// Package crossmap scores how well one series' delay embedding predicts
// other series.
//
// For a library series the nearest-neighbour tables of its own embedding
// are computed once for every E in 1..MaxE. Each target j is then predicted
// through the table of its own optimal dimension, and the correlation of
// prediction and truth is the score rho[library][j]. Scores are directional:
// rho[i][j] and rho[j][i] generally differ.
package crossmap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/mpedm/pkg/errkind"
	"github.com/orneryd/mpedm/pkg/gpu"
	"github.com/orneryd/mpedm/pkg/knn"
	"github.com/orneryd/mpedm/pkg/lut"
	"github.com/orneryd/mpedm/pkg/parallel"
	"github.com/orneryd/mpedm/pkg/series"
	"github.com/orneryd/mpedm/pkg/simplex"
	"github.com/orneryd/mpedm/pkg/stats"
)

// Config for CrossMapping.
type Config struct {
	MaxE int
	Tau  int
	// Tp is the prediction horizon, 0 for cross mapping.
	Tp        int
	MinWeight float32
	Kernel    knn.Kind
	// Parallel spreads the target loop and the CPU kernel's query rows.
	Parallel parallel.Config
	Devices  *gpu.Manager
	Logger   *slog.Logger
}

// RowWriter receives finished score rows.
type RowWriter interface {
	WriteRow(ctx context.Context, library int, rhos []float32) error
}

// CrossMapping runs cross mapping for one library at a time. The library
// tables are reused across calls; it is not safe for concurrent use.
type CrossMapping struct {
	cfg        Config
	engine     *knn.Engine
	normalizer lut.Normalizer
	simplex    simplex.Simplex
	logger     *slog.Logger

	luts []*lut.LUT
}

// New builds a CrossMapping and its kernel.
func New(cfg Config) (*CrossMapping, error) {
	if cfg.MaxE < 1 {
		return nil, errkind.Configf("crossmap", "max E=%d, want >= 1", cfg.MaxE)
	}
	if cfg.Kernel == "" {
		cfg.Kernel = knn.KindCPU
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engine, err := knn.NewEngine(cfg.Kernel, knn.Options{
		Tau:      cfg.Tau,
		Tp:       cfg.Tp,
		Parallel: cfg.Parallel,
		Logger:   logger,
	}, cfg.Devices)
	if err != nil {
		return nil, err
	}

	c := &CrossMapping{
		cfg:        cfg,
		engine:     engine,
		normalizer: lut.NewNormalizer(cfg.MinWeight),
		simplex:    simplex.Simplex{Tau: cfg.Tau, Tp: cfg.Tp},
		logger:     logger.With("component", "crossmap"),
		luts:       make([]*lut.LUT, cfg.MaxE),
	}
	for i := range c.luts {
		c.luts[i] = &lut.LUT{}
	}
	return c, nil
}

func (c *CrossMapping) checkE(optimalE []int) error {
	for j, E := range optimalE {
		if E < 1 || E > c.cfg.MaxE {
			return errkind.Configf("crossmap", "optimal E of series %d is %d, want 1..%d", j, E, c.cfg.MaxE)
		}
	}
	return nil
}

// Run fills rhos[j] with the skill of predicting targets[j] from library
// at dimension optimalE[j].
func (c *CrossMapping) Run(ctx context.Context, rhos []float32, library series.Series, targets []series.Series, optimalE []int) error {
	if len(optimalE) != len(targets) || len(rhos) < len(targets) {
		return errkind.Configf("crossmap", "%d targets, %d optimal E values, %d score slots", len(targets), len(optimalE), len(rhos))
	}
	if err := c.checkE(optimalE); err != nil {
		return err
	}

	// Library self tables for every E.
	err := c.engine.ForEach(ctx, c.cfg.MaxE, func(ctx context.Context, k knn.NearestNeighbors, item int) error {
		E := item + 1
		if err := k.ComputeLUT(ctx, c.luts[item], library, library, E, E+1); err != nil {
			return err
		}
		c.normalizer.Normalize(c.luts[item])
		return nil
	})
	if err != nil {
		return err
	}

	workers := c.cfg.Parallel.Workers(len(targets))
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			var buf []float32
			for j := w; j < len(targets); j += workers {
				if err := ctx.Err(); err != nil {
					return err
				}
				E := optimalE[j]
				pred, err := c.simplex.Predict(buf, c.luts[E-1], targets[j])
				if err != nil {
					return errkind.New(errkind.Config, "crossmap", fmt.Errorf("target %d: %w", j, err))
				}
				buf = pred.Values()

				truth, err := c.simplex.ShiftTarget(targets[j], E)
				if err != nil {
					return errkind.New(errkind.Config, "crossmap", fmt.Errorf("target %d: %w", j, err))
				}
				rhos[j] = stats.Corrcoef(pred.Values(), truth.Values())
			}
			return nil
		})
	}
	return g.Wait()
}

// Range runs every column in [start, stop) as the library against all
// columns and hands each finished row to out.
func (c *CrossMapping) Range(ctx context.Context, columns []series.Series, optimalE []int, start, stop int, out RowWriter) error {
	if start < 0 || stop > len(columns) || start > stop {
		return errkind.Configf("crossmap", "library range [%d, %d) of %d columns", start, stop, len(columns))
	}
	for i := start; i < stop; i++ {
		began := time.Now()
		rhos := make([]float32, len(columns))
		if err := c.Run(ctx, rhos, columns[i], columns, optimalE); err != nil {
			return fmt.Errorf("library %d: %w", i, err)
		}
		if err := out.WriteRow(ctx, i, rhos); err != nil {
			return err
		}
		c.logger.Debug("cross mapping done", "library", i, "elapsed", time.Since(began))
	}
	return nil
}

// AllToAll runs every column as the library, producing the full score
// matrix row by row.
func (c *CrossMapping) AllToAll(ctx context.Context, columns []series.Series, optimalE []int, out RowWriter) error {
	return c.Range(ctx, columns, optimalE, 0, len(columns), out)
}
