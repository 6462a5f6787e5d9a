// Package monitor exposes run metrics and progress over HTTP.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "redis_mirror"

// Metrics groups the collectors updated by sync, report and cleanup runs.
type Metrics struct {
	registry      *prometheus.Registry
	keys          *prometheus.CounterVec
	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	scanRetries   *prometheus.CounterVec
	deleted       prometheus.Counter
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		keys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_total",
			Help:      "Keys processed by outcome.",
		}, []string{"op", "outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Completed scan batches.",
		}, []string{"op"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time spent on one scan batch.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"op"}),
		scanRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_retries_total",
			Help:      "Scan calls retried after a connection error.",
		}, []string{"op"}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deleted_keys_total",
			Help:      "Keys removed by cleanup.",
		}),
	}
	m.registry.MustRegister(m.keys, m.batches, m.batchDuration, m.scanRetries, m.deleted)
	return m
}

// Registry is the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveKey(op, outcome string) {
	m.keys.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveBatch(op string, d time.Duration) {
	m.batches.WithLabelValues(op).Inc()
	m.batchDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) ObserveRetry(op string) {
	m.scanRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveDeleted(n int) {
	m.deleted.Add(float64(n))
}
