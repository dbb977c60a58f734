package main

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/spf13/cobra"

	"github.com/orneryd/mpedm/pkg/arraystore"
	"github.com/orneryd/mpedm/pkg/cluster"
	"github.com/orneryd/mpedm/pkg/config"
	"github.com/orneryd/mpedm/pkg/errkind"
	"github.com/orneryd/mpedm/pkg/gpu"
	"github.com/orneryd/mpedm/pkg/knn"
	"github.com/orneryd/mpedm/pkg/lut"
	"github.com/orneryd/mpedm/pkg/pipeline"
	"github.com/orneryd/mpedm/pkg/results"
	"github.com/orneryd/mpedm/pkg/series"
)

// openSink creates the output named on the command line in the configured
// format.
func (e *env) openSink(ctx context.Context, path string, frame *series.Frame) (results.Sink, error) {
	var (
		sink results.Sink
		err  error
	)
	switch e.cfg.Output.Format {
	case config.FormatSQLite:
		sink, err = results.OpenSQLite(ctx, path, frame.Names())
	default:
		sink, err = results.CreateArraySink(arraystore.Options{Path: path, Logger: e.logger}, frame.Cols(), e.cfg.Output.HalfPrecision)
	}
	if err != nil {
		return nil, errkind.New(errkind.Config, "output", fmt.Errorf("%s: %w", path, err))
	}
	return sink, nil
}

// prepare is the shared start of every analysis command.
func prepare(cmd *cobra.Command, input string) (*env, *series.Frame, *gpu.Manager, error) {
	e, err := loadEnv(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	frame, err := e.openFrame(cmd.Context(), input)
	if err != nil {
		return nil, nil, nil, err
	}
	devices, err := e.devices()
	if err != nil {
		return nil, nil, nil, err
	}
	return e, frame, devices, nil
}

func closeDevices(m *gpu.Manager) {
	if m != nil {
		m.Close()
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	e, frame, devices, err := prepare(cmd, args[0])
	if err != nil {
		return err
	}
	defer closeDevices(devices)

	sink, err := e.openSink(cmd.Context(), args[1], frame)
	if err != nil {
		return err
	}
	began := time.Now()
	if _, err := pipeline.Run(cmd.Context(), frame, e.options(devices), sink); err != nil {
		sink.Close()
		return err
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	e.logger.Info("results written", "path", args[1], "elapsed", time.Since(began))
	return nil
}

func runEmbedding(cmd *cobra.Command, args []string) error {
	e, frame, devices, err := prepare(cmd, args[0])
	if err != nil {
		return err
	}
	defer closeDevices(devices)

	bestE, rhos, err := pipeline.Embed(cmd.Context(), frame, e.options(devices))
	if err != nil {
		return err
	}
	fmt.Printf("%-24s %4s %10s\n", "series", "E", "rho")
	for i, name := range frame.Names() {
		fmt.Printf("%-24s %4d %10.6f\n", name, bestE[i], rhos[i])
	}
	return nil
}

func runXmap(cmd *cobra.Command, args []string) error {
	e, frame, devices, err := prepare(cmd, args[0])
	if err != nil {
		return err
	}
	defer closeDevices(devices)

	library, err := frame.Lookup(args[1])
	if err != nil {
		return errkind.New(errkind.Config, "xmap", err)
	}
	opts := e.options(devices)
	bestE, _, err := pipeline.Embed(cmd.Context(), frame, opts)
	if err != nil {
		return err
	}
	rhos, err := pipeline.OneToMany(cmd.Context(), frame, opts, library, bestE)
	if err != nil {
		return err
	}
	fmt.Printf("library %s (E=%d)\n", frame.Names()[library], bestE[library])
	fmt.Printf("%-24s %4s %10s\n", "target", "E", "rho")
	for j, name := range frame.Names() {
		fmt.Printf("%-24s %4d %10.6f\n", name, bestE[j], rhos[j])
	}
	return nil
}

func runMaster(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		e.cfg.Cluster.Listen = listen
	}
	// The master only needs the shape and names; workers load their own copy.
	frame, err := e.openFrame(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	sink, err := e.openSink(cmd.Context(), args[1], frame)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", e.cfg.Cluster.Listen)
	if err != nil {
		sink.Close()
		return errkind.New(errkind.Config, "master", err)
	}
	status, err := pipeline.RunMaster(cmd.Context(), ln, frame.Cols(), e.options(nil), sink)
	if err != nil {
		sink.Close()
		return err
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	e.logger.Info("results written", "path", args[1], "tasks", status.Done, "workers", status.Joined,
		"elapsed", time.Since(status.StartedAt))
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	e, frame, devices, err := prepare(cmd, args[0])
	if err != nil {
		return err
	}
	defer closeDevices(devices)

	url, _ := cmd.Flags().GetString("master")
	if url == "" {
		url = e.cfg.Cluster.Master
	}
	if url == "" {
		return errkind.Configf("worker", "no master URL; pass --master or set MPEDM_MASTER")
	}
	conn, err := cluster.Dial(cmd.Context(), url)
	if err != nil {
		return errkind.New(errkind.Resource, "worker", err)
	}
	tasks, err := pipeline.RunWorker(cmd.Context(), conn, frame, e.options(devices))
	e.logger.Info("worker finished", "tasks", tasks)
	return err
}

func runLocal(cmd *cobra.Command, args []string) error {
	e, frame, devices, err := prepare(cmd, args[0])
	if err != nil {
		return err
	}
	defer closeDevices(devices)

	workers := e.cfg.Cluster.LocalWorkers
	if n, _ := cmd.Flags().GetInt("local-workers"); n > 0 {
		workers = n
	}
	sink, err := e.openSink(cmd.Context(), args[1], frame)
	if err != nil {
		return err
	}
	opts := e.options(devices)
	// Each in-process worker handles one column at a time.
	opts.Workers = 1
	status, err := pipeline.RunLocalCluster(cmd.Context(), frame, opts, workers, sink)
	if err != nil {
		sink.Close()
		return err
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	e.logger.Info("results written", "path", args[1], "tasks", status.Done, "workers", workers,
		"elapsed", time.Since(status.StartedAt))
	return nil
}

func runBench(cmd *cobra.Command, args []string) error {
	e, frame, devices, err := prepare(cmd, args[0])
	if err != nil {
		return err
	}
	defer closeDevices(devices)

	opts := e.options(devices)
	engine, err := knn.NewEngine(opts.Kernel, knn.Options{
		Tau:      opts.Tau,
		Tp:       max(1, opts.Tp),
		Parallel: opts.Parallel,
		Logger:   e.logger,
	}, devices)
	if err != nil {
		return err
	}

	ts := frame.Column(0)
	half := ts.Len() / 2
	library, _ := ts.Slice(0, half)
	target, _ := ts.Slice(half, 2*half)

	const rounds = 3
	table := &lut.LUT{}
	fmt.Printf("kernel %s, series %q, %d samples per half\n", engine.Kind(), frame.Names()[0], half)
	fmt.Printf("%4s %12s %14s\n", "E", "ms/call", "rows/s")
	for E := 1; E <= opts.MaxE; E++ {
		began := time.Now()
		for r := 0; r < rounds; r++ {
			if err := engine.Kernel().ComputeLUT(cmd.Context(), table, library, target, E, E+1); err != nil {
				return err
			}
		}
		per := time.Since(began) / rounds
		fmt.Printf("%4d %12.3f %14.0f\n", E, float64(per.Microseconds())/1000, float64(table.Rows)/per.Seconds())
	}
	if devices != nil {
		st := devices.Stats()
		fmt.Printf("device calls %d, buffer reuses %d, allocations %d\n", st.Calls, st.BufferReuses, st.BufferAllocs)
	}
	return nil
}

func runDescribe(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	frame, err := e.openFrame(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%-24s %8s %12s %12s %12s %12s %12s\n", "series", "count", "mean", "std", "min", "median", "max")
	for i, name := range frame.Names() {
		data := make(stats.Float64Data, 0, frame.Rows())
		for _, v := range frame.Column(i).Values() {
			if !math.IsNaN(float64(v)) {
				data = append(data, float64(v))
			}
		}
		if data.Len() == 0 {
			fmt.Printf("%-24s %8d\n", name, 0)
			continue
		}
		mean, _ := data.Mean()
		std, _ := data.StandardDeviationSample()
		lo, _ := data.Min()
		med, _ := data.Median()
		hi, _ := data.Max()
		fmt.Printf("%-24s %8d %12.5g %12.5g %12.5g %12.5g %12.5g\n", name, data.Len(), mean, std, lo, med, hi)
	}
	return nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	frame, err := e.openFrame(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if strings.HasSuffix(args[1], ".csv") || strings.HasSuffix(args[1], ".xlsx") {
		return errkind.Configf("convert", "output %s must be an array container directory", args[1])
	}
	if _, err := os.Stat(args[1]); err == nil {
		return errkind.Configf("convert", "output %s already exists", args[1])
	}

	store, err := arraystore.Open(arraystore.Options{Path: args[1], Logger: e.logger})
	if err != nil {
		return errkind.New(errkind.Config, "convert", err)
	}
	if err := series.SaveArray(store, frame); err != nil {
		store.Close()
		return err
	}
	if err := store.Close(); err != nil {
		return err
	}
	e.logger.Info("array container written", "path", args[1], "series", frame.Cols(), "samples", frame.Rows())
	return nil
}
