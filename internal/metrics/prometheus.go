// Package metrics exposes Prometheus metrics for tracking writes, metric
// classification, pivot signals and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns a private registry so tests and multiple servers do not collide on the
// global one.
type Manager struct {
	namespace        string
	histogramBuckets []float64
	registry         *prometheus.Registry

	syncAttempts  *prometheus.CounterVec
	syncRetries   *prometheus.CounterVec
	syncFailures  *prometheus.CounterVec
	syncRollbacks *prometheus.CounterVec

	classifications *prometheus.CounterVec
	activeTriggers  *prometheus.GaugeVec
	overallProgress *prometheus.GaugeVec
	progressDropped prometheus.Counter

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "leanline",
		histogramBuckets: prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.syncAttempts = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "sync",
		Name:      "attempts_total",
		Help:      "Persistence attempts made by the tracking writer.",
	}, []string{"op"})
	m.syncRetries = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "sync",
		Name:      "retries_total",
		Help:      "Failed attempts that were retried.",
	}, []string{"op"})
	m.syncFailures = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "sync",
		Name:      "failures_total",
		Help:      "Writes that failed after the retry ceiling.",
	}, []string{"op"})
	m.syncRollbacks = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "sync",
		Name:      "rollbacks_total",
		Help:      "Optimistic changes reverted after a failed write.",
	}, []string{"op"})

	m.classifications = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "metrics",
		Name:      "classifications_total",
		Help:      "Metric classifications by resulting status.",
	}, []string{"status"})
	m.activeTriggers = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "pivot",
		Name:      "active_triggers",
		Help:      "Pivot triggers whose metric is at risk, by project.",
	}, []string{"project"})
	m.overallProgress = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "tracking",
		Name:      "overall_percent",
		Help:      "Last published overall validation progress, by project.",
	}, []string{"project"})
	m.progressDropped = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "tracking",
		Name:      "notifications_dropped_total",
		Help:      "Progress notifications dropped for slow subscribers.",
	})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route, method and status code.",
	}, []string{"route", "method", "code"})
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   m.histogramBuckets,
	}, []string{"route", "method"})
}

func (m *Manager) SyncAttempt(op string)  { m.syncAttempts.WithLabelValues(op).Inc() }
func (m *Manager) SyncRetry(op string)    { m.syncRetries.WithLabelValues(op).Inc() }
func (m *Manager) SyncFailure(op string)  { m.syncFailures.WithLabelValues(op).Inc() }
func (m *Manager) SyncRollback(op string) { m.syncRollbacks.WithLabelValues(op).Inc() }

// RecordClassification counts one metric classification result.
func (m *Manager) RecordClassification(status string) {
	m.classifications.WithLabelValues(status).Inc()
}

func (m *Manager) SetActiveTriggers(projectID string, n int) {
	m.activeTriggers.WithLabelValues(projectID).Set(float64(n))
}

func (m *Manager) SetOverallProgress(projectID string, percent int) {
	m.overallProgress.WithLabelValues(projectID).Set(float64(percent))
}

// AddDropped adds notifications dropped since the last call.
func (m *Manager) AddDropped(n int64) {
	if n > 0 {
		m.progressDropped.Add(float64(n))
	}
}

func (m *Manager) ObserveHTTP(route, method string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// ForgetProject drops per-project series after a project is deleted.
func (m *Manager) ForgetProject(projectID string) {
	m.activeTriggers.DeleteLabelValues(projectID)
	m.overallProgress.DeleteLabelValues(projectID)
}

func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
