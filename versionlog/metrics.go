package versionlog

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Metrics summarizes update latency and the unchanged-content fast path.
type Metrics struct {
	TotalUpdates uint64
	AvgLatency   time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	// CacheHits counts updates skipped because the content was unchanged.
	CacheHits   uint64
	CacheMisses uint64
}

// latencyWindow keeps the most recent samples for percentiles and running
// totals for the average.
type latencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
	count   uint64
	total   time.Duration
	hits    uint64
	misses  uint64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 1024
	}
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (w *latencyWindow) observe(d time.Duration, hit bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
	w.count++
	w.total += d
	if hit {
		w.hits++
	} else {
		w.misses++
	}
}

func (w *latencyWindow) snapshot() Metrics {
	w.mu.Lock()
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	sorted := slices.Clone(w.samples[:n])
	m := Metrics{TotalUpdates: w.count, CacheHits: w.hits, CacheMisses: w.misses}
	if w.count > 0 {
		m.AvgLatency = w.total / time.Duration(w.count)
	}
	w.mu.Unlock()

	if len(sorted) == 0 {
		return m
	}
	slices.Sort(sorted)
	m.P50 = percentile(sorted, 0.50)
	m.P95 = percentile(sorted, 0.95)
	m.P99 = percentile(sorted, 0.99)
	return m
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
