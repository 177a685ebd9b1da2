// Package metrics exposes gate counters and histograms in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the rulegate collectors. Methods are safe on a nil *Registry,
// which records nothing.
type Registry struct {
	reg         *prometheus.Registry
	evaluations *prometheus.CounterVec
	ruleEvents  *prometheus.CounterVec
	checks      *prometheus.HistogramVec
	storageErrs *prometheus.CounterVec
	overrides   prometheus.Counter
}

// NewRegistry creates a registry with process and Go runtime collectors.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulegate",
			Name:      "evaluations_total",
			Help:      "Gate evaluations by decision.",
		}, []string{"decision"}),
		ruleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulegate",
			Name:      "rule_events_total",
			Help:      "Compliance events by verdict.",
		}, []string{"verdict"}),
		checks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rulegate",
			Name:      "check_duration_seconds",
			Help:      "Duration of rule checks by category.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"category"}),
		storageErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulegate",
			Name:      "storage_errors_total",
			Help:      "Storage failures by component.",
		}, []string{"component"}),
		overrides: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rulegate",
			Name:      "overrides_total",
			Help:      "Human overrides of blocked evaluations.",
		}),
	}
	r.reg.MustRegister(
		r.evaluations, r.ruleEvents, r.checks, r.storageErrs, r.overrides,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Evaluation counts one gate decision.
func (r *Registry) Evaluation(decision string) {
	if r == nil {
		return
	}
	r.evaluations.WithLabelValues(decision).Inc()
}

// RuleEvent counts one compliance event.
func (r *Registry) RuleEvent(verdict string) {
	if r == nil {
		return
	}
	r.ruleEvents.WithLabelValues(verdict).Inc()
}

// CheckDuration observes one check run.
func (r *Registry) CheckDuration(category string, d time.Duration) {
	if r == nil {
		return
	}
	r.checks.WithLabelValues(category).Observe(d.Seconds())
}

// StorageError counts one storage failure.
func (r *Registry) StorageError(component string) {
	if r == nil {
		return
	}
	r.storageErrs.WithLabelValues(component).Inc()
}

// Override counts one override.
func (r *Registry) Override() {
	if r == nil {
		return
	}
	r.overrides.Inc()
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
