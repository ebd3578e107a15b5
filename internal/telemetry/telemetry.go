// Package telemetry provides the shared metrics plumbing: query timing
// aggregation, rolling performance snapshots, and the observer interface
// the optimization monitor publishes through. All data stays local; the
// external dashboard consumes it through the observer.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// maxSnapshotHistory bounds the rolling snapshot history.
const maxSnapshotHistory = 144

// PerformanceSnapshot is one point of aggregate search performance.
type PerformanceSnapshot struct {
	AvgResponseTime float64   `json:"avg_response_time_ms"`
	P95             float64   `json:"p95_ms"`
	P99             float64   `json:"p99_ms"`
	CacheHitRate    float64   `json:"cache_hit_rate"`
	QueryVolume     int       `json:"query_volume"`
	SlowQueryCount  int       `json:"slow_query_count"`
	Timestamp       time.Time `json:"timestamp"`
}

// RingBuffer is a fixed-capacity FIFO buffer.
type RingBuffer[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &RingBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends an item, evicting the oldest when full.
func (b *RingBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the buffer contents oldest first.
func (b *RingBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return []T{}
	}
	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current item count.
func (b *RingBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Clear empties the buffer.
func (b *RingBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.size = 0
}

// Recorder aggregates per-query timings into performance snapshots.
type Recorder struct {
	mu sync.RWMutex

	durations    *RingBuffer[float64]
	history      *RingBuffer[PerformanceSnapshot]
	slowMs       float64
	slowCount    int
	queryCount   int
	cacheHits    int
	cacheLookups int
}

// NewRecorder creates a recorder; slowThresholdMs classifies slow
// queries (default 500 when <= 0).
func NewRecorder(slowThresholdMs float64) *Recorder {
	if slowThresholdMs <= 0 {
		slowThresholdMs = 500
	}
	return &Recorder{
		durations: NewRingBuffer[float64](1024),
		history:   NewRingBuffer[PerformanceSnapshot](maxSnapshotHistory),
		slowMs:    slowThresholdMs,
	}
}

// RecordQuery captures one query execution.
func (r *Recorder) RecordQuery(duration time.Duration) {
	ms := float64(duration.Microseconds()) / 1000.0

	r.mu.Lock()
	defer r.mu.Unlock()

	r.durations.Add(ms)
	r.queryCount++
	if ms >= r.slowMs {
		r.slowCount++
	}
}

// RecordCacheLookup captures one cache lookup outcome.
func (r *Recorder) RecordCacheLookup(hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cacheLookups++
	if hit {
		r.cacheHits++
	}
}

// SlowThresholdMs returns the slow-query classification boundary.
func (r *Recorder) SlowThresholdMs() float64 {
	return r.slowMs
}

// Snapshot computes the current aggregate and appends it to the rolling
// history.
func (r *Recorder) Snapshot() PerformanceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	samples := r.durations.Items()
	snap := PerformanceSnapshot{
		QueryVolume:    r.queryCount,
		SlowQueryCount: r.slowCount,
		Timestamp:      time.Now(),
	}
	if len(samples) > 0 {
		sorted := append([]float64(nil), samples...)
		sort.Float64s(sorted)
		var sum float64
		for _, s := range sorted {
			sum += s
		}
		snap.AvgResponseTime = sum / float64(len(sorted))
		snap.P95 = percentile(sorted, 0.95)
		snap.P99 = percentile(sorted, 0.99)
	}
	if r.cacheLookups > 0 {
		snap.CacheHitRate = float64(r.cacheHits) / float64(r.cacheLookups)
	}

	r.history.Add(snap)
	return snap
}

// History returns the rolling snapshot history, oldest first.
func (r *Recorder) History() []PerformanceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.history.Items()
}

// RollingAvgResponseTime averages AvgResponseTime over the most recent
// n history points (all when n <= 0).
func (r *Recorder) RollingAvgResponseTime(n int) float64 {
	points := r.History()
	if len(points) == 0 {
		return 0
	}
	if n > 0 && len(points) > n {
		points = points[len(points)-n:]
	}
	var sum float64
	for _, p := range points {
		sum += p.AvgResponseTime
	}
	return sum / float64(len(points))
}

// percentile returns the value at rank q in sorted samples (nearest-rank).
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted))*q) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
