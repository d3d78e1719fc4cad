package embedvault

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// promcollector package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordPut is called after each write. unchanged is true when the
	// content already held by id made the write a no-op.
	RecordPut(duration time.Duration, unchanged bool, err error)

	// RecordSearch is called after each search operation.
	// limit is the number of results requested, exact is true when the
	// query fell back to a full scan.
	RecordSearch(limit int, duration time.Duration, exact bool, err error)

	// RecordCacheLookup is called for every query cache lookup.
	RecordCacheLookup(hit bool)

	// RecordIndexEnsure is called after each index reuse or build.
	RecordIndexEnsure(built bool, duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPut(time.Duration, bool, error)         {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, bool, error) {}
func (NoopMetricsCollector) RecordCacheLookup(bool)                       {}
func (NoopMetricsCollector) RecordIndexEnsure(bool, time.Duration, error) {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)            {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	PutCount         atomic.Int64
	PutUnchanged     atomic.Int64
	PutErrors        atomic.Int64
	PutTotalNanos    atomic.Int64
	SearchCount      atomic.Int64
	SearchExact      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	CacheHits        atomic.Int64
	CacheMisses      atomic.Int64
	IndexBuilds      atomic.Int64
	IndexReuses      atomic.Int64
	IndexErrors      atomic.Int64
	IndexTotalNanos  atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
}

// RecordPut implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPut(duration time.Duration, unchanged bool, err error) {
	b.PutCount.Add(1)
	b.PutTotalNanos.Add(duration.Nanoseconds())
	if unchanged {
		b.PutUnchanged.Add(1)
	}
	if err != nil {
		b.PutErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(limit int, duration time.Duration, exact bool, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if exact {
		b.SearchExact.Add(1)
	}
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordCacheLookup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCacheLookup(hit bool) {
	if hit {
		b.CacheHits.Add(1)
	} else {
		b.CacheMisses.Add(1)
	}
}

// RecordIndexEnsure implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIndexEnsure(built bool, duration time.Duration, err error) {
	if err != nil {
		b.IndexErrors.Add(1)
		return
	}
	b.IndexTotalNanos.Add(duration.Nanoseconds())
	if built {
		b.IndexBuilds.Add(1)
	} else {
		b.IndexReuses.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PutCount:       b.PutCount.Load(),
		PutUnchanged:   b.PutUnchanged.Load(),
		PutErrors:      b.PutErrors.Load(),
		PutAvgNanos:    avgNanos(b.PutTotalNanos.Load(), b.PutCount.Load()),
		SearchCount:    b.SearchCount.Load(),
		SearchExact:    b.SearchExact.Load(),
		SearchErrors:   b.SearchErrors.Load(),
		SearchAvgNanos: avgNanos(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		CacheHits:      b.CacheHits.Load(),
		CacheMisses:    b.CacheMisses.Load(),
		IndexBuilds:    b.IndexBuilds.Load(),
		IndexReuses:    b.IndexReuses.Load(),
		IndexErrors:    b.IndexErrors.Load(),
		DeleteCount:    b.DeleteCount.Load(),
		DeleteErrors:   b.DeleteErrors.Load(),
	}
}

func avgNanos(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PutCount       int64
	PutUnchanged   int64
	PutErrors      int64
	PutAvgNanos    int64
	SearchCount    int64
	SearchExact    int64
	SearchErrors   int64
	SearchAvgNanos int64
	CacheHits      int64
	CacheMisses    int64
	IndexBuilds    int64
	IndexReuses    int64
	IndexErrors    int64
	DeleteCount    int64
	DeleteErrors   int64
}
