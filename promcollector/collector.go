// Package promcollector exports vault metrics to Prometheus.
package promcollector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hupe1980/embedvault"
)

const namespace = "embedvault"

// Collector implements embedvault.MetricsCollector with Prometheus
// counters and histograms.
type Collector struct {
	Operations    *prometheus.CounterVec
	Latency       *prometheus.HistogramVec
	CacheLookups  *prometheus.CounterVec
	IndexEnsures  *prometheus.CounterVec
	UnchangedPuts prometheus.Counter
	ExactSearches prometheus.Counter
}

var _ embedvault.MetricsCollector = (*Collector)(nil)

// New registers the collector's metrics with reg.
func New(reg prometheus.Registerer) *Collector {
	return &Collector{
		Operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of vault operations",
			},
			[]string{"operation", "status"}, // operation: put/search/delete, status: success/error
		),
		Latency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_latency_seconds",
				Help:      "Latency of vault operations in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"operation"},
		),
		CacheLookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Query cache lookups by result",
			},
			[]string{"result"}, // hit/miss
		),
		IndexEnsures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "index_ensures_total",
				Help:      "Index reuse and build outcomes",
			},
			[]string{"outcome"}, // built/reused/error
		),
		UnchangedPuts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unchanged_puts_total",
				Help:      "Writes whose content the id already held",
			},
		),
		ExactSearches: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exact_searches_total",
				Help:      "Searches answered by a full scan",
			},
		),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *Collector) observe(op string, d time.Duration, err error) {
	c.Operations.WithLabelValues(op, status(err)).Inc()
	if err == nil {
		c.Latency.WithLabelValues(op).Observe(d.Seconds())
	}
}

// RecordPut implements embedvault.MetricsCollector.
func (c *Collector) RecordPut(d time.Duration, unchanged bool, err error) {
	c.observe("put", d, err)
	if unchanged {
		c.UnchangedPuts.Inc()
	}
}

// RecordSearch implements embedvault.MetricsCollector.
func (c *Collector) RecordSearch(_ int, d time.Duration, exact bool, err error) {
	c.observe("search", d, err)
	if exact && err == nil {
		c.ExactSearches.Inc()
	}
}

// RecordCacheLookup implements embedvault.MetricsCollector.
func (c *Collector) RecordCacheLookup(hit bool) {
	if hit {
		c.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		c.CacheLookups.WithLabelValues("miss").Inc()
	}
}

// RecordIndexEnsure implements embedvault.MetricsCollector.
func (c *Collector) RecordIndexEnsure(built bool, d time.Duration, err error) {
	switch {
	case err != nil:
		c.IndexEnsures.WithLabelValues("error").Inc()
		return
	case built:
		c.IndexEnsures.WithLabelValues("built").Inc()
	default:
		c.IndexEnsures.WithLabelValues("reused").Inc()
	}
	c.Latency.WithLabelValues("ensure_index").Observe(d.Seconds())
}

// RecordDelete implements embedvault.MetricsCollector.
func (c *Collector) RecordDelete(d time.Duration, err error) {
	c.observe("delete", d, err)
}

// RegisterStats exports gauges read from stats on every scrape.
func RegisterStats(reg prometheus.Registerer, stats func() embedvault.Stats) {
	gauge := func(name, help string, fn func(s embedvault.Stats) float64) {
		promauto.With(reg).NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return fn(stats()) },
		)
	}
	gauge("entries", "Stored embeddings", func(s embedvault.Stats) float64 { return float64(s.Store.Entries) })
	gauge("data_file_bytes", "Size of the data file", func(s embedvault.Stats) float64 { return float64(s.Store.FileBytes) })
	gauge("mapped_bytes", "Bytes of the data file currently mapped", func(s embedvault.Stats) float64 { return float64(s.Store.MappedBytes) })
	gauge("cache_entries", "Cached query results", func(s embedvault.Stats) float64 { return float64(s.Cache.Entries) })
	gauge("cache_hit_rate", "Query cache hit rate", func(s embedvault.Stats) float64 { return s.Cache.HitRate })
	gauge("index_rows", "Rows covered by the servable index", func(s embedvault.Stats) float64 { return float64(s.IndexRows) })
	gauge("version", "Newest snapshot version", func(s embedvault.Stats) float64 { return float64(s.Version) })
	gauge("compression_ratio", "Average compressed over raw bytes", func(s embedvault.Stats) float64 { return s.Compression.AvgRatio })
	gauge("update_latency_p95_seconds", "p95 update latency over the recent window", func(s embedvault.Stats) float64 { return s.Updates.P95.Seconds() })
}
