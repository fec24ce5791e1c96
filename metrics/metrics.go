// Package metrics contains the prometheus metrics exported by lantern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for general use, in the simulator, the metric estimators and the
// service.
var (
	ActiveComputations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lantern_active_computations",
			Help: "A gauge of metric computations currently in flight.",
		},
		[]string{"type"})
	SimulationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lantern_simulations_total",
			Help: "Number of graph simulations run, by estimate kind.",
		},
		[]string{"kind"},
	)
	SimulationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "lantern_simulation_duration_seconds",
			Help: "A histogram of wall-clock time spent simulating one graph.",
			Buckets: []float64{
				.0001, .00025, .0005, .001, .0025, .005,
				.01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"kind"},
	)
	SimulatedTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "lantern_simulated_time_seconds",
			Help: "A histogram of the simulated page load time of each graph.",
			Buckets: []float64{
				.1, .25, .5, 1, 1.5, 2, 3, 4, 5, 7.5,
				10, 15, 20, 30, 45, 60},
		},
		[]string{"kind"},
	)
	MetricErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lantern_metric_errors_total",
			Help: "Number of metric computations that failed, by metric and error code.",
		},
		[]string{"metric", "code"},
	)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lantern_cache_lookups_total",
			Help: "Number of computed artifact cache lookups, by artifact and result.",
		},
		[]string{"artifact", "result"},
	)
)
