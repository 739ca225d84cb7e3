package engine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink abstracts the optional Prometheus backend so the hot path
// pays nothing when no registry was supplied.
type metricsSink interface {
	incWrite(shard uint16)
	incRead(shard uint16, hit bool)
	incDelete(shard uint16)
	incCacheHit(level string)
	incCacheMiss()
	incCacheBypass()
	observeCompanionFetch(seconds float64)
	setWALBytes(shard uint16, bytes int64)
	setDegraded(shard uint16, degraded bool)
}

type noopMetrics struct{}

func (noopMetrics) incWrite(uint16)               {}
func (noopMetrics) incRead(uint16, bool)          {}
func (noopMetrics) incDelete(uint16)              {}
func (noopMetrics) incCacheHit(string)            {}
func (noopMetrics) incCacheMiss()                 {}
func (noopMetrics) incCacheBypass()               {}
func (noopMetrics) observeCompanionFetch(float64) {}
func (noopMetrics) setWALBytes(uint16, int64)     {}
func (noopMetrics) setDegraded(uint16, bool)      {}

type promMetrics struct {
	writes         *prometheus.CounterVec
	reads          *prometheus.CounterVec
	deletes        *prometheus.CounterVec
	cacheHits      *prometheus.CounterVec
	cacheMisses    prometheus.Counter
	cacheBypasses  prometheus.Counter
	companionFetch prometheus.Histogram
	walBytes       *prometheus.GaugeVec
	degraded       *prometheus.GaugeVec
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	m := &promMetrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warp_engine", Name: "writes_total",
			Help: "Committed writes per shard.",
		}, []string{"shard"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warp_engine", Name: "reads_total",
			Help: "Shard reads per shard and outcome.",
		}, []string{"shard", "outcome"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warp_engine", Name: "deletes_total",
			Help: "Committed deletes per shard.",
		}, []string{"shard"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warp_engine", Name: "cache_hits_total",
			Help: "Cache hits per level.",
		}, []string{"level"}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warp_engine", Name: "cache_misses_total",
			Help: "Cache lookups that fell through every level.",
		}),
		cacheBypasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warp_engine", Name: "cache_bypasses_total",
			Help: "Operations that skipped a bypassed cache.",
		}),
		companionFetch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "warp_engine", Name: "companion_fetch_seconds",
			Help:    "Wall time of the companion fan-out phase.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		walBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warp_engine", Name: "wal_bytes",
			Help: "Bytes across all WAL generations per shard.",
		}, []string{"shard"}),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warp_engine", Name: "shard_degraded",
			Help: "1 when the shard's WAL has failed and writes are rejected.",
		}, []string{"shard"}),
	}
	reg.MustRegister(m.writes, m.reads, m.deletes, m.cacheHits, m.cacheMisses,
		m.cacheBypasses, m.companionFetch, m.walBytes, m.degraded)
	return m
}

func shardLabel(shard uint16) string { return strconv.Itoa(int(shard)) }

func (m *promMetrics) incWrite(shard uint16) {
	m.writes.WithLabelValues(shardLabel(shard)).Inc()
}

func (m *promMetrics) incRead(shard uint16, hit bool) {
	outcome := "hit"
	if !hit {
		outcome = "miss"
	}
	m.reads.WithLabelValues(shardLabel(shard), outcome).Inc()
}

func (m *promMetrics) incDelete(shard uint16) {
	m.deletes.WithLabelValues(shardLabel(shard)).Inc()
}

func (m *promMetrics) incCacheHit(level string) {
	m.cacheHits.WithLabelValues(level).Inc()
}

func (m *promMetrics) incCacheMiss() { m.cacheMisses.Inc() }

func (m *promMetrics) incCacheBypass() { m.cacheBypasses.Inc() }

func (m *promMetrics) observeCompanionFetch(seconds float64) {
	m.companionFetch.Observe(seconds)
}

func (m *promMetrics) setWALBytes(shard uint16, bytes int64) {
	m.walBytes.WithLabelValues(shardLabel(shard)).Set(float64(bytes))
}

func (m *promMetrics) setDegraded(shard uint16, degraded bool) {
	v := 0.0
	if degraded {
		v = 1.0
	}
	m.degraded.WithLabelValues(shardLabel(shard)).Set(v)
}
