package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/fsserver/pkg/metrics"
)

// refreshMetrics is the Prometheus implementation of metrics.RefreshMetrics.
type refreshMetrics struct {
	passes        *prometheus.CounterVec
	passDuration  *prometheus.HistogramVec
	visited       *prometheus.CounterVec
	changes       *prometheus.CounterVec
	cacheFailures *prometheus.CounterVec
	coalesced     prometheus.Counter
	directories   prometheus.Gauge
}

// NewRefreshMetrics creates a Prometheus-backed RefreshMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewRefreshMetrics() metrics.RefreshMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &refreshMetrics{
		passes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsserver_refresh_passes_total",
				Help: "Total number of refresh passes by trigger",
			},
			[]string{"trigger"},
		),
		passDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fsserver_refresh_pass_duration_milliseconds",
				Help:    "Duration of refresh passes in milliseconds",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1ms .. ~16s
			},
			[]string{"trigger"},
		),
		visited: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsserver_refresh_directories_visited_total",
				Help: "Total number of directories compared against their cache",
			},
			[]string{"trigger"},
		),
		changes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsserver_refresh_changes_total",
				Help: "Total number of change notifications sent",
			},
			[]string{"trigger"},
		),
		cacheFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsserver_refresh_cache_failures_total",
				Help: "Total number of unusable cache files by reason",
			},
			[]string{"reason"},
		),
		coalesced: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "fsserver_refresh_coalesced_total",
				Help: "Total number of refresh requests folded into a running pass",
			},
		),
		directories: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "fsserver_directory_table_entries",
				Help: "Number of directories in the directory table",
			},
		),
	}
}

func (m *refreshMetrics) RecordPass(trigger string, duration time.Duration, visited, changed int) {
	m.passes.WithLabelValues(trigger).Inc()
	m.passDuration.WithLabelValues(trigger).Observe(float64(duration.Microseconds()) / 1000.0)
	m.visited.WithLabelValues(trigger).Add(float64(visited))
	m.changes.WithLabelValues(trigger).Add(float64(changed))
}

func (m *refreshMetrics) RecordCacheFailure(reason string) {
	m.cacheFailures.WithLabelValues(reason).Inc()
}

func (m *refreshMetrics) RecordCoalesced() {
	m.coalesced.Inc()
}

func (m *refreshMetrics) SetDirectories(n int) {
	m.directories.Set(float64(n))
}
