package chronos

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// engineMetrics instruments the write path, the optimizer, and the sweepers.
// All methods are nil-safe so subsystems can run without instrumentation in
// tests.
type engineMetrics struct {
	registry *prometheus.Registry

	writes        *prometheus.CounterVec
	conflicts     prometheus.Counter
	reads         *prometheus.CounterVec
	flushes       prometheus.Counter
	flushFailures prometheus.Counter
	flushDuration prometheus.Histogram
	bufferDepth   prometheus.Gauge
	counterFlush  prometheus.Counter
	prunedVersion prometheus.Counter
}

func newEngineMetrics() *engineMetrics {
	m := &engineMetrics{registry: prometheus.NewRegistry()}

	m.writes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronos",
		Name:      "writes_total",
		Help:      "Version appends by operation.",
	}, []string{"op"})
	m.conflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronos",
		Name:      "conflicts_total",
		Help:      "Optimistic-concurrency conflicts.",
	})
	m.reads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chronos",
		Name:      "reads_total",
		Help:      "Read operations by kind.",
	}, []string{"op"})
	m.flushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronos",
		Name:      "flush_batches_total",
		Help:      "Write-optimizer flush batches.",
	})
	m.flushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronos",
		Name:      "flush_failures_total",
		Help:      "Buffered writes that failed a flush attempt and were re-buffered.",
	})
	m.flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chronos",
		Name:      "flush_duration_seconds",
		Help:      "Write-optimizer flush batch duration.",
		Buckets:   prometheus.DefBuckets,
	})
	m.bufferDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chronos",
		Name:      "write_buffer_depth",
		Help:      "Payload writes currently buffered.",
	})
	m.counterFlush = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronos",
		Name:      "counter_flushes_total",
		Help:      "Debounced counter flushes.",
	})
	m.prunedVersion = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronos",
		Name:      "pruned_versions_total",
		Help:      "Versions removed by the retention sweeper.",
	})

	m.registry.MustRegister(m.writes, m.conflicts, m.reads, m.flushes,
		m.flushFailures, m.flushDuration, m.bufferDepth, m.counterFlush, m.prunedVersion)
	return m
}

func (m *engineMetrics) observeWrite(op EventType) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(string(op)).Inc()
}

func (m *engineMetrics) observeConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *engineMetrics) observeRead(op string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(op).Inc()
}

func (m *engineMetrics) observeFlush(d time.Duration, delivered, failed int) {
	if m == nil {
		return
	}
	m.flushes.Inc()
	m.flushDuration.Observe(d.Seconds())
	if failed > 0 {
		m.flushFailures.Add(float64(failed))
	}
}

func (m *engineMetrics) setBufferDepth(n int) {
	if m == nil {
		return
	}
	m.bufferDepth.Set(float64(n))
}

func (m *engineMetrics) observeCounterFlush() {
	if m == nil {
		return
	}
	m.counterFlush.Inc()
}

func (m *engineMetrics) observePruned(n int) {
	if m == nil {
		return
	}
	m.prunedVersion.Add(float64(n))
}

// MetricsHandler exposes the engine's Prometheus registry for scraping.
func (db *DB) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(db.metrics.registry, promhttp.HandlerOpts{})
}
