// Package metrics exposes Prometheus collectors for automation runs, steps,
// planner calls and surface connections.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "demopilot"

// Metrics owns a private registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted    *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	runActive      prometheus.Gauge
	steps          *prometheus.CounterVec
	continuations  prometheus.Counter
	plannerLatency *prometheus.HistogramVec
	connections    prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "runs_started_total",
			Help:      "Automation runs started, by mode.",
		}, []string{"mode"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "runs_finished_total",
			Help:      "Automation runs finished, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		runActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "run_active",
			Help:      "1 while an automation run is in progress.",
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "steps_completed_total",
			Help:      "Steps reported complete by the page context, by mode.",
		}, []string{"mode"}),
		continuations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "continuations_total",
			Help:      "Runs resumed after a page reload.",
		}),
		plannerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "planner",
			Name:      "request_duration_seconds",
			Help:      "Planning service call latency.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op", "status"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "surface",
			Name:      "connections",
			Help:      "Open surface websocket connections.",
		}),
	}
	m.registry.MustRegister(
		m.runsStarted, m.runsFinished, m.runActive, m.steps,
		m.continuations, m.plannerLatency, m.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RunStarted(mode string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.runActive.Set(1)
}

func (m *Metrics) RunFinished(mode, outcome string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(mode, outcome).Inc()
	m.runActive.Set(0)
}

func (m *Metrics) StepCompleted(mode string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(mode).Inc()
}

func (m *Metrics) Continued() {
	if m == nil {
		return
	}
	m.continuations.Inc()
}

// ObservePlanner records one planning call
func (m *Metrics) ObservePlanner(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.plannerLatency.WithLabelValues(op, status).Observe(d.Seconds())
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
