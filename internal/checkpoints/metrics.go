package checkpoints

import (
	"math"
	"sort"
	"sync"
	"time"
)

const defaultMetricsCapacity = 1024

// SeekSample is one observed seek.
type SeekSample struct {
	Latency     time.Duration
	Hit         bool
	MeetsTarget bool
}

// SeekMetrics summarizes recent seeks for observability overlays.
type SeekMetrics struct {
	Count         int     `json:"count"`
	TotalSeeks    uint64  `json:"totalSeeks"`
	AverageMs     float64 `json:"averageMs"`
	MedianMs      float64 `json:"medianMs"`
	P95Ms         float64 `json:"p95Ms"`
	P99Ms         float64 `json:"p99Ms"`
	HitRate       float64 `json:"checkpointHitRate"`
	TargetMetRate float64 `json:"targetMetRate"`
}

// MetricsRing keeps the most recent seek samples in a fixed-size ring.
type MetricsRing struct {
	mu      sync.Mutex
	samples []SeekSample
	next    int
	filled  bool
	total   uint64
}

// NewMetricsRing returns a ring holding up to capacity samples.
func NewMetricsRing(capacity int) *MetricsRing {
	if capacity <= 0 {
		capacity = defaultMetricsCapacity
	}
	return &MetricsRing{samples: make([]SeekSample, capacity)}
}

// Record appends a sample, overwriting the oldest when full.
func (ring *MetricsRing) Record(sample SeekSample) {
	ring.mu.Lock()
	defer ring.mu.Unlock()
	ring.samples[ring.next] = sample
	ring.next++
	if ring.next == len(ring.samples) {
		ring.next = 0
		ring.filled = true
	}
	ring.total++
}

// Reset discards every sample.
func (ring *MetricsRing) Reset() {
	ring.mu.Lock()
	defer ring.mu.Unlock()
	ring.next = 0
	ring.filled = false
	ring.total = 0
}

// Snapshot computes summary statistics over the retained samples.
func (ring *MetricsRing) Snapshot() SeekMetrics {
	ring.mu.Lock()
	count := ring.next
	if ring.filled {
		count = len(ring.samples)
	}
	retained := append([]SeekSample(nil), ring.samples[:count]...)
	total := ring.total
	ring.mu.Unlock()

	metrics := SeekMetrics{Count: count, TotalSeeks: total}
	if count == 0 {
		return metrics
	}
	latencies := make([]time.Duration, 0, count)
	var sum time.Duration
	hits, met := 0, 0
	for _, sample := range retained {
		latencies = append(latencies, sample.Latency)
		sum += sample.Latency
		if sample.Hit {
			hits++
		}
		if sample.MeetsTarget {
			met++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	metrics.AverageMs = milliseconds(sum / time.Duration(count))
	metrics.MedianMs = milliseconds(median(latencies))
	metrics.P95Ms = milliseconds(percentile(latencies, 0.95))
	metrics.P99Ms = milliseconds(percentile(latencies, 0.99))
	metrics.HitRate = float64(hits) / float64(count)
	metrics.TargetMetRate = float64(met) / float64(count)
	return metrics
}

func median(sorted []time.Duration) time.Duration {
	middle := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[middle]
	}
	return (sorted[middle-1] + sorted[middle]) / 2
}

// percentile uses the nearest-rank method on sorted latencies.
func percentile(sorted []time.Duration, fraction float64) time.Duration {
	rank := int(math.Ceil(fraction*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func milliseconds(duration time.Duration) float64 {
	return float64(duration) / float64(time.Millisecond)
}
