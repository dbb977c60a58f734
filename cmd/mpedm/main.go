// Package main provides the mpedm CLI entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/orneryd/mpedm/pkg/config"
	"github.com/orneryd/mpedm/pkg/errkind"
	"github.com/orneryd/mpedm/pkg/gpu"
	"github.com/orneryd/mpedm/pkg/knn"
	"github.com/orneryd/mpedm/pkg/parallel"
	"github.com/orneryd/mpedm/pkg/pipeline"
	"github.com/orneryd/mpedm/pkg/series"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mpedm: %v\n", err)
		stop()
		os.Exit(errkind.ExitCode(err))
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mpedm",
		Short: "mpedm - convergent cross mapping over many time series",
		Long: `mpedm finds the optimal embedding dimension of every series in a dataset
and cross maps every series against all others, producing an n x n matrix
of causal skill scores.

Execution modes:
  • run     single process, CPU or accelerator kernels
  • local   master plus in-process workers
  • master  websocket master; start any number of workers against it`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default: search mpedm.yaml, ~/.mpedm/config.yaml)")
	flags.Int("tau", 1, "Lag between embedding coordinates")
	flags.Int("emax", 20, "Largest embedding dimension tried")
	flags.Int("tp", 1, "Prediction horizon of the embedding phase")
	flags.String("kernel", "cpu", "Nearest-neighbour kernel: cpu, gpu, multigpu")
	flags.Int("chunksize", 1, "Series per cluster task")
	flags.Int("workers", 0, "Columns processed at once (0 = all CPUs)")
	flags.Int("threads", 0, "Goroutines inside one kernel call (0 = all CPUs)")
	flags.String("gpu-backend", "", "Accelerator backend: vulkan, host (empty = auto-detect)")
	flags.String("log-format", "", "Log format: auto, text, json")
	flags.BoolP("verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mpedm v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run <input> <output>",
		Short: "Run embedding and all-to-all cross mapping in one process",
		Args:  exactArgs(2),
		RunE:  runRun,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "embedding <input>",
		Short: "Print the optimal embedding dimension of every series",
		Args:  exactArgs(1),
		RunE:  runEmbedding,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "xmap <input> <library>",
		Short: "Cross map one library series (name or index) against all series",
		Args:  exactArgs(2),
		RunE:  runXmap,
	})

	masterCmd := &cobra.Command{
		Use:   "master <input> <output>",
		Short: "Serve tasks to workers and write their results",
		Args:  exactArgs(2),
		RunE:  runMaster,
	}
	masterCmd.Flags().String("listen", "", "HTTP listen address (default from config, :7700)")
	rootCmd.AddCommand(masterCmd)

	workerCmd := &cobra.Command{
		Use:   "worker <input>",
		Short: "Execute tasks from a master",
		Args:  exactArgs(1),
		RunE:  runWorker,
	}
	workerCmd.Flags().String("master", "", "Master websocket URL, e.g. ws://host:7700/ws")
	rootCmd.AddCommand(workerCmd)

	localCmd := &cobra.Command{
		Use:   "local <input> <output>",
		Short: "Run the master/worker protocol in-process",
		Args:  exactArgs(2),
		RunE:  runLocal,
	}
	localCmd.Flags().Int("local-workers", 0, "In-process workers (default from config, 4)")
	rootCmd.AddCommand(localCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "bench <input>",
		Short: "Time nearest-neighbour table computation per E",
		Args:  exactArgs(1),
		RunE:  runBench,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "describe <input>",
		Short: "Print summary statistics of every series",
		Args:  exactArgs(1),
		RunE:  runDescribe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "convert <input> <output>",
		Short: "Write an input into an array container",
		Args:  exactArgs(2),
		RunE:  runConvert,
	})

	return rootCmd
}

// exactArgs is cobra.ExactArgs with the error classified as configuration.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return errkind.New(errkind.Config, cmd.Name(), err)
		}
		return nil
	}
}

// env is what every command needs: merged configuration and a logger.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
}

// loadEnv merges defaults, config file, environment and the flags the user
// set, in that order of precedence.
func loadEnv(cmd *cobra.Command) (*env, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, errkind.New(errkind.Config, "config", err)
	}

	if flags.Changed("tau") {
		cfg.Analysis.Tau, _ = flags.GetInt("tau")
	}
	if flags.Changed("emax") {
		cfg.Analysis.MaxE, _ = flags.GetInt("emax")
	}
	if flags.Changed("tp") {
		cfg.Analysis.Tp, _ = flags.GetInt("tp")
	}
	if flags.Changed("kernel") {
		cfg.Analysis.Kernel, _ = flags.GetString("kernel")
	}
	if flags.Changed("chunksize") {
		cfg.Cluster.ChunkSize, _ = flags.GetInt("chunksize")
	}
	if flags.Changed("workers") {
		cfg.Analysis.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("threads") {
		cfg.Analysis.Threads, _ = flags.GetInt("threads")
	}
	if flags.Changed("gpu-backend") {
		b, _ := flags.GetString("gpu-backend")
		cfg.GPU.PreferredBackend = gpu.Backend(strings.ToLower(b))
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	if v, _ := flags.GetBool("verbose"); v {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, errkind.New(errkind.Config, "config", err)
	}
	logger := newLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	logger.Debug("configuration loaded", "file", path, "config", cfg.String())
	return &env{cfg: cfg, logger: logger}, nil
}

// newLogger picks a text handler for terminals and JSON otherwise.
func newLogger(lc config.LoggingConfig, out *os.File) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	format := strings.ToLower(lc.Format)
	if format == "auto" || format == "" {
		format = "json"
		if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// openFrame loads the input named on the command line.
func (e *env) openFrame(ctx context.Context, uri string) (*series.Frame, error) {
	in := e.cfg.Input
	frame, err := series.Open(ctx, uri, series.OpenOptions{
		Dataset: in.Dataset,
		Sheet:   in.Sheet,
		S3: series.S3Options{
			Region:          in.S3.Region,
			Endpoint:        in.S3.Endpoint,
			UsePathStyle:    in.S3.UsePathStyle,
			AccessKeyID:     in.S3.AccessKeyID,
			SecretAccessKey: in.S3.SecretAccessKey,
		},
		Logger: e.logger,
	})
	if err != nil {
		return nil, errkind.New(errkind.Config, "input", err)
	}
	e.logger.Info("input loaded", "path", uri, "series", frame.Cols(), "samples", frame.Rows())
	return frame, nil
}

// devices opens the accelerators the kernel needs; nil for the CPU kernel.
func (e *env) devices() (*gpu.Manager, error) {
	kind, err := knn.ParseKind(e.cfg.Analysis.Kernel)
	if err != nil {
		return nil, err
	}
	if kind == knn.KindCPU {
		return nil, nil
	}
	gc := e.cfg.GPU
	gc.Enabled = true
	gc.Logger = e.logger
	if kind == knn.KindGPU && gc.DeviceID < 0 {
		gc.DeviceID = 0
	}
	m, err := gpu.NewManager(&gc)
	if err != nil {
		return nil, errkind.New(errkind.Resource, "gpu", err)
	}
	return m, nil
}

func (e *env) options(devices *gpu.Manager) pipeline.Options {
	a := e.cfg.Analysis
	par := parallel.DefaultConfig()
	if a.Threads > 0 {
		par.MaxWorkers = a.Threads
	}
	workers := a.Workers
	if workers == 0 && devices != nil {
		// One column in flight per device.
		workers = max(1, len(devices.Devices()))
	}
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	return pipeline.Options{
		MaxE:      a.MaxE,
		Tau:       a.Tau,
		Tp:        a.Tp,
		MinWeight: float32(a.MinWeight),
		Kernel:    knn.Kind(a.Kernel),
		Parallel:  par,
		Devices:   devices,
		Workers:   workers,
		ChunkSize: e.cfg.Cluster.ChunkSize,
		Logger:    e.logger,

		DisableMetrics: !e.cfg.Metrics.Enabled,
	}
}
