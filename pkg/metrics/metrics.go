// Package metrics declares the Prometheus collectors shared by the kernels
// and the cluster master. Collectors register with the default registry;
// the master serves them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LUTDuration times one ComputeLUT call by kernel kind
	LUTDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mpedm_knn_lut_seconds",
		Help:    "Nearest-neighbour lookup table computation time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 0.1ms to ~3s
	}, []string{"kernel"})

	// LUTRows counts query rows processed by kernel kind
	LUTRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpedm_knn_lut_rows_total",
		Help: "Total lookup table rows computed",
	}, []string{"kernel"})

	// BufferEvents counts device arena hits and misses
	BufferEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpedm_gpu_buffer_total",
		Help: "Device buffer arena requests by outcome (reuse, alloc, evict)",
	}, []string{"outcome"})

	// Tasks counts cluster tasks by phase and state
	Tasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpedm_cluster_tasks_total",
		Help: "Cluster tasks by phase (embedding, crossmap) and state (issued, done)",
	}, []string{"phase", "state"})

	// BusyWorkers is the size of the master's busy set
	BusyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mpedm_cluster_busy_workers",
		Help: "Workers currently executing a task",
	})

	// TaskDuration times a task from issue to applied result
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mpedm_cluster_task_seconds",
		Help:    "Task round trip time from issue to applied result in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
	}, []string{"phase"})

	// SeriesDone counts series finished by phase in any execution mode
	SeriesDone = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpedm_series_done_total",
		Help: "Series processed by phase",
	}, []string{"phase"})
)
