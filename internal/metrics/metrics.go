// Package metrics exposes Prometheus counters for sync runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"poolsync/internal/reconcile"
)

const namespace = "poolsync"

// Metrics holds the collectors for one process. Each instance owns its
// registry so tests can create as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	lastSuccess prometheus.Gauge
	dates       *prometheus.CounterVec
	events      *prometheus.CounterVec
}

// New registers the sync collectors plus the Go and process collectors on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		// Labels: status (ok, error)
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Sync runs by outcome",
		}, []string{"status"}),

		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a full sync run",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),

		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that finished without error",
		}),

		// Labels: result (changed, unchanged, skipped)
		dates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "dates_total",
			Help:      "Dates processed by result",
		}, []string{"result"}),

		// Labels: op (created, deleted, protected)
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calendar",
			Name:      "events_total",
			Help:      "Calendar event operations issued by the reconciler",
		}, []string{"op"}),
	}
}

// RunFinished records one run.
func (m *Metrics) RunFinished(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
	if err != nil {
		m.runs.WithLabelValues("error").Inc()
		return
	}
	m.runs.WithLabelValues("ok").Inc()
	m.lastSuccess.SetToCurrentTime()
}

// DateReconciled records the outcome of one date; sum is nil when nothing
// structural changed.
func (m *Metrics) DateReconciled(sum *reconcile.Summary) {
	if m == nil {
		return
	}
	if sum == nil {
		m.dates.WithLabelValues("unchanged").Inc()
		return
	}
	m.dates.WithLabelValues("changed").Inc()
	m.events.WithLabelValues("created").Add(float64(sum.Created))
	m.events.WithLabelValues("deleted").Add(float64(sum.Deleted))
	m.events.WithLabelValues("protected").Add(float64(sum.Protected))
}

// DateSkipped records a date that could not be fetched or reconciled.
func (m *Metrics) DateSkipped() {
	if m == nil {
		return
	}
	m.dates.WithLabelValues("skipped").Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
