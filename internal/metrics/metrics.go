// Package metrics defines the Prometheus collectors exported by the
// coordinator and worker processes.
//
// Every constructor accepts a nil Registerer, in which case the collectors
// work but are not registered anywhere. Components fall back to that mode
// so tests never touch the global registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kmelbow"

// Engine instruments clustering runs.
type Engine struct {
	Runs           prometheus.Counter
	Iterations     prometheus.Histogram
	Duration       prometheus.Histogram
	EmptyCentroids prometheus.Counter
}

// NewEngine creates the engine collectors.
func NewEngine(r prometheus.Registerer) *Engine {
	f := promauto.With(r)
	return &Engine{
		Runs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kmeans",
			Name:      "runs_total",
			Help:      "Completed clustering runs",
		}),
		Iterations: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kmeans",
			Name:      "iterations",
			Help:      "Iterations needed to converge",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kmeans",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a clustering run",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		EmptyCentroids: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kmeans",
			Name:      "empty_centroids_total",
			Help:      "Centroids left without members after an update pass",
		}),
	}
}

// Mux instruments the connection multiplexer.
type Mux struct {
	Messages *prometheus.CounterVec
	Errors   *prometheus.CounterVec
}

// NewMux creates the multiplexer collectors.
func NewMux(r prometheus.Registerer) *Mux {
	f := promauto.With(r)
	return &Mux{
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "messages_total",
			Help:      "Framed messages decoded, by command",
		}, []string{"command"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "errors_total",
			Help:      "Connections dropped, by reason",
		}, []string{"reason"}),
	}
}

// Coordinator instruments the dispatcher role.
type Coordinator struct {
	Workers    prometheus.Gauge
	Dispatched prometheus.Counter
	Results    prometheus.Counter
}

// NewCoordinator creates the coordinator collectors.
func NewCoordinator(r prometheus.Registerer) *Coordinator {
	f := promauto.With(r)
	return &Coordinator{
		Workers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "workers",
			Help:      "Registered workers",
		}),
		Dispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "k_dispatched_total",
			Help:      "K values handed to workers",
		}),
		Results: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "results_total",
			Help:      "Result records loaded",
		}),
	}
}

// Worker instruments the worker agent.
type Worker struct {
	Submitted prometheus.Counter
	Failed    *prometheus.CounterVec
}

// NewWorker creates the worker collectors.
func NewWorker(r prometheus.Registerer) *Worker {
	f := promauto.With(r)
	return &Worker{
		Submitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "results_submitted_total",
			Help:      "Results acknowledged by the coordinator",
		}),
		Failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "k_failed_total",
			Help:      "K values that failed, by stage",
		}, []string{"stage"}),
	}
}
