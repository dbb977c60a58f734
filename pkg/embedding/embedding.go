// Package embedding selects the delay-embedding dimension of a series by
// out-of-sample self prediction.
//
// The series is split into two equal halves. For every E in 1..MaxE the
// second half is predicted from the neighbours found in the first half and
// the prediction is scored against the truth; the E with the best score
// wins, the smallest E on ties.
package embedding

import (
	"context"
	"log/slog"
	"math"

	"github.com/orneryd/mpedm/pkg/errkind"
	"github.com/orneryd/mpedm/pkg/gpu"
	"github.com/orneryd/mpedm/pkg/knn"
	"github.com/orneryd/mpedm/pkg/lut"
	"github.com/orneryd/mpedm/pkg/parallel"
	"github.com/orneryd/mpedm/pkg/series"
	"github.com/orneryd/mpedm/pkg/simplex"
	"github.com/orneryd/mpedm/pkg/stats"
)

// Config for EmbeddingDim.
type Config struct {
	MaxE int
	Tau  int
	// Tp is the prediction horizon, 1 for self prediction.
	Tp        int
	MinWeight float32
	Kernel    knn.Kind
	Parallel  parallel.Config
	// Devices backs the gpu kernels; nil for the CPU kernel.
	Devices *gpu.Manager
	Logger  *slog.Logger
}

// Result is the outcome for one series.
type Result struct {
	BestE int
	Rho   float32
	// Rhos[E-1] is the score at dimension E.
	Rhos []float32
}

// EmbeddingDim runs the dimension search. It keeps one table and prediction
// buffer per E across calls and is not safe for concurrent use.
type EmbeddingDim struct {
	cfg        Config
	engine     *knn.Engine
	normalizer lut.Normalizer
	simplex    simplex.Simplex
	logger     *slog.Logger

	luts []*lut.LUT
	bufs [][]float32
}

// New builds an EmbeddingDim and its kernel.
func New(cfg Config) (*EmbeddingDim, error) {
	if cfg.MaxE < 1 {
		return nil, errkind.Configf("embedding", "max E=%d, want >= 1", cfg.MaxE)
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

	e := &EmbeddingDim{
		cfg:        cfg,
		engine:     engine,
		normalizer: lut.NewNormalizer(cfg.MinWeight),
		simplex:    simplex.Simplex{Tau: cfg.Tau, Tp: cfg.Tp},
		logger:     logger.With("component", "embedding"),
		luts:       make([]*lut.LUT, cfg.MaxE),
		bufs:       make([][]float32, cfg.MaxE),
	}
	for i := range e.luts {
		e.luts[i] = &lut.LUT{}
	}
	return e, nil
}

// Run scores every E for ts and returns the best one.
func (e *EmbeddingDim) Run(ctx context.Context, ts series.Series) (Result, error) {
	half := ts.Len() / 2
	library, err := ts.Slice(0, half)
	if err != nil {
		return Result{}, err
	}
	target, err := ts.Slice(half, 2*half)
	if err != nil {
		return Result{}, err
	}

	rhos := make([]float32, e.cfg.MaxE)
	err = e.engine.ForEach(ctx, e.cfg.MaxE, func(ctx context.Context, k knn.NearestNeighbors, item int) error {
		E := item + 1
		table := e.luts[item]
		if err := k.ComputeLUT(ctx, table, library, target, E, E+1); err != nil {
			return err
		}
		e.normalizer.Normalize(table)

		pred, err := e.simplex.Predict(e.bufs[item], table, library)
		if err != nil {
			return errkind.New(errkind.Internal, "embedding", err)
		}
		e.bufs[item] = pred.Values()

		truth, err := e.simplex.ShiftTarget(target, E)
		if err != nil {
			return errkind.New(errkind.Config, "embedding", err)
		}
		rhos[item] = stats.Corrcoef(pred.Values(), truth.Values())
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res := best(rhos)
	e.logger.Debug("embedding dimension selected", "E", res.BestE, "rho", res.Rho)
	return res, nil
}

// best picks the first maximum of rhos. NaN scores never win; when every
// score is NaN the result is E=1.
func best(rhos []float32) Result {
	res := Result{BestE: 1, Rho: float32(math.NaN()), Rhos: rhos}
	top := float32(math.Inf(-1))
	for i, r := range rhos {
		if r > top {
			top = r
			res.BestE = i + 1
			res.Rho = r
		}
	}
	return res
}
