// Package prometheus implements the metrics interfaces on top of the
// shared Prometheus registry.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/fsserver/pkg/metrics"
)

// serverMetrics is the Prometheus implementation of metrics.ServerMetrics.
type serverMetrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	malformed   prometheus.Counter
	queueSize   prometheus.Gauge
	workers     prometheus.Gauge
	busyWorkers prometheus.Gauge
	copiedBytes prometheus.Counter
}

// NewServerMetrics creates a Prometheus-backed ServerMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewServerMetrics() metrics.ServerMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &serverMetrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsserver_requests_total",
				Help: "Total number of handled requests by kind and outcome",
			},
			[]string{"kind", "failed"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "fsserver_request_duration_milliseconds",
				Help: "Duration of request handlers in milliseconds",
				Buckets: []float64{
					0.1,   // 100us - stat
					1,     // 1ms
					5,     // 5ms - small listings
					25,    // 25ms
					100,   // 100ms
					500,   // 500ms - large listings
					2500,  // 2.5s - recursive listings
					10000, // 10s - big copies
				},
			},
			[]string{"kind"},
		),
		malformed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "fsserver_malformed_requests_total",
				Help: "Total number of request lines that failed to decode",
			},
		),
		queueSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "fsserver_queue_size",
				Help: "Current number of queued requests",
			},
		),
		workers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "fsserver_workers",
				Help: "Number of started workers",
			},
		),
		busyWorkers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "fsserver_busy_workers",
				Help: "Number of workers currently running a handler",
			},
		),
		copiedBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "fsserver_copied_bytes_total",
				Help: "Total number of bytes copied by copy and move requests",
			},
		),
	}
}

func (m *serverMetrics) RecordRequest(kind string, duration time.Duration, failed bool) {
	m.requests.WithLabelValues(kind, strconv.FormatBool(failed)).Inc()
	m.duration.WithLabelValues(kind).Observe(float64(duration.Microseconds()) / 1000.0)
}

func (m *serverMetrics) RecordMalformed() {
	m.malformed.Inc()
}

func (m *serverMetrics) SetQueueSize(n int) {
	m.queueSize.Set(float64(n))
}

func (m *serverMetrics) SetWorkers(n int) {
	m.workers.Set(float64(n))
}

func (m *serverMetrics) SetBusyWorkers(n int) {
	m.busyWorkers.Set(float64(n))
}

func (m *serverMetrics) RecordCopiedBytes(n int64) {
	m.copiedBytes.Add(float64(n))
}
