// Package metrics holds the Prometheus instrumentation for the batch
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all pipeline metrics.
type Registry struct {
	registry *prometheus.Registry

	// Per-stage engine timing
	StageDuration *prometheus.HistogramVec

	// (portfolio, date) unit outcomes
	UnitsProcessed *prometheus.CounterVec

	// Exposure cache performance
	ExposureCacheHits   prometheus.Counter
	ExposureCacheMisses prometheus.Counter

	// Run lifecycle
	ActiveRuns prometheus.Gauge
	RunsTotal  *prometheus.CounterVec
}

// NewRegistry creates and registers all pipeline metrics on a private
// Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantfolio_stage_duration_seconds",
				Help:    "Duration of each calculation engine stage in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"stage", "result"},
		),

		UnitsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfolio_units_processed_total",
				Help: "Count of processed (portfolio, date) units by result",
			},
			[]string{"result"},
		),

		ExposureCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantfolio_exposure_cache_hits_total",
				Help: "Exposure cache hits",
			},
		),

		ExposureCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantfolio_exposure_cache_misses_total",
				Help: "Exposure cache misses",
			},
		),

		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quantfolio_active_runs",
				Help: "Number of batch runs currently executing",
			},
		),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantfolio_runs_total",
				Help: "Count of batch runs by terminal status",
			},
			[]string{"status"},
		),
	}

	r.registry.MustRegister(
		r.StageDuration,
		r.UnitsProcessed,
		r.ExposureCacheHits,
		r.ExposureCacheMisses,
		r.ActiveRuns,
		r.RunsTotal,
	)

	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
