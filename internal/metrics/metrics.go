// Package metrics exposes Prometheus collectors for export runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ttexport/internal/export"
)

const namespace = "ttexport"

// Recorder implements scheduler.Recorder on a dedicated registry.
type Recorder struct {
	registry *prometheus.Registry

	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	events       *prometheus.GaugeVec
	skipped      *prometheus.CounterVec
	outputBytes  *prometheus.GaugeVec
	lastSuccess  *prometheus.GaugeVec
	droppedTicks *prometheus.CounterVec
}

// New creates a Recorder with its own registry, including the Go runtime
// and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Export runs by tenant and result (ok or the failure kind).",
		}, []string{"tenant", "result"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of export runs.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"tenant"}),
		events: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exported_events",
			Help:      "Events in the last successfully written document.",
		}, []string{"tenant"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_events_total",
			Help:      "Upstream events dropped because they could not be formatted.",
		}, []string{"tenant"}),
		outputBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_bytes",
			Help:      "Size of the last written document.",
		}, []string{"tenant"}),
		lastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}, []string{"tenant"}),
		droppedTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_ticks_total",
			Help:      "Timer ticks dropped because a run was still in flight.",
		}, []string{"tenant"}),
	}
}

func (r *Recorder) RunCompleted(tenantID string, res export.Result, err error, elapsed time.Duration) {
	r.runDuration.WithLabelValues(tenantID).Observe(elapsed.Seconds())
	if err != nil {
		r.runs.WithLabelValues(tenantID, string(export.KindOf(err))).Inc()
		return
	}
	r.runs.WithLabelValues(tenantID, "ok").Inc()
	r.events.WithLabelValues(tenantID).Set(float64(res.EventCount))
	r.skipped.WithLabelValues(tenantID).Add(float64(res.Skipped))
	r.outputBytes.WithLabelValues(tenantID).Set(float64(res.Bytes))
	r.lastSuccess.WithLabelValues(tenantID).SetToCurrentTime()
}

func (r *Recorder) TickDropped(tenantID string) {
	r.droppedTicks.WithLabelValues(tenantID).Inc()
}

// Forget drops the series of a removed tenant.
func (r *Recorder) Forget(tenantID string) {
	match := prometheus.Labels{"tenant": tenantID}
	r.runs.DeletePartialMatch(match)
	r.runDuration.DeleteLabelValues(tenantID)
	r.events.DeleteLabelValues(tenantID)
	r.skipped.DeleteLabelValues(tenantID)
	r.outputBytes.DeleteLabelValues(tenantID)
	r.lastSuccess.DeleteLabelValues(tenantID)
	r.droppedTicks.DeleteLabelValues(tenantID)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
