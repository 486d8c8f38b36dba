package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wtm"

// Metrics holds the prometheus collectors of one server instance.
type Metrics struct {
	Registry *prometheus.Registry

	Events        *prometheus.CounterVec
	StorageErrors *prometheus.CounterVec
	SyncRuns      *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	ActiveTasks   prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Task store events by type.",
		}, []string{"type"}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Failed backend operations by store operation.",
		}, []string{"op"}),
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "CRM sync runs by direction and result.",
		}, []string{"direction", "result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Active tasks held by the store.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Events, m.StorageErrors, m.SyncRuns, m.HTTPRequests, m.HTTPDuration, m.ActiveTasks,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Counting wraps a Recorder and counts every event it forwards.
type Counting struct {
	Next    Recorder
	Metrics *Metrics
}

func (c Counting) RecordEvent(eventType EventType, metadata EventMetadata) error {
	if c.Metrics != nil {
		c.Metrics.Events.WithLabelValues(string(eventType)).Inc()
		if eventType == EventSyncPush || eventType == EventSyncPull {
			result, _ := metadata["result"].(string)
			c.Metrics.SyncRuns.WithLabelValues(string(eventType), result).Inc()
		}
	}
	if c.Next == nil {
		return nil
	}
	return c.Next.RecordEvent(eventType, metadata)
}
