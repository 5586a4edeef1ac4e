package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/config"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

// Metrics collects driver metrics on a private registry. It implements
// pipeline.Observer. A disabled Metrics ignores every event.
type Metrics struct {
	runs        *prometheus.CounterVec
	actions     *prometheus.CounterVec
	actionTime  *prometheus.HistogramVec
	dispatches  prometheus.Histogram
	runDuration prometheus.Histogram
	activeRuns  prometheus.Gauge

	registry *prometheus.Registry
}

var _ pipeline.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors described by cfg.
func NewMetrics(cfg config.MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}
	ns := cfg.Namespace
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_total",
			Help:      "Recipe runs by terminal status.",
		}, []string{"status"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "actions_total",
			Help:      "Action dispatches by primitive and final state.",
		}, []string{"primitive", "state"}),
		actionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "action_duration_seconds",
			Help:      "Time spent dispatching one action.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"primitive"}),
		dispatches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_dispatches",
			Help:      "Actions dispatched per run.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a recipe run.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_runs",
			Help:      "Runs currently draining their queue.",
		}),
	}
	m.registry.MustRegister(m.runs, m.actions, m.actionTime, m.dispatches, m.runDuration, m.activeRuns)
	return m
}

// Enabled reports whether the collectors exist.
func (m *Metrics) Enabled() bool { return m.registry != nil }

// Registry returns the private registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RunStarted(_ context.Context, _ string, _ time.Time) {
	if m.registry == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) ActionFinished(_ context.Context, _ string, rec pipeline.ActionRecord) {
	if m.registry == nil {
		return
	}
	m.actions.WithLabelValues(rec.Primitive, string(rec.State)).Inc()
	m.actionTime.WithLabelValues(rec.Primitive).Observe(rec.Duration.Seconds())
}

func (m *Metrics) RunFinished(_ context.Context, rep *pipeline.Report) {
	if m.registry == nil {
		return
	}
	m.activeRuns.Dec()
	m.runs.WithLabelValues(string(rep.Status)).Inc()
	m.dispatches.Observe(float64(rep.Dispatched))
	m.runDuration.Observe(rep.Elapsed.Seconds())
}

// WriteTextfile writes the registry in text exposition format, for the node
// exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m.registry == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
