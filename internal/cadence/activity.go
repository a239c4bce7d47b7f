// Package cadence decides when a document should be snapshotted based on editing activity.
package cadence

import (
	"sort"
	"time"
)

const minimumEffectiveWindow = 100 * time.Millisecond

// ActivityMonitor estimates the current edit rate over a rolling window of event timestamps.
// It is not safe for concurrent use; Controller serializes access.
type ActivityMonitor struct {
	window     time.Duration
	timestamps []time.Time
}

// NewActivityMonitor returns a monitor retaining timestamps for window.
func NewActivityMonitor(window time.Duration) *ActivityMonitor {
	if window <= 0 {
		window = DefaultActivityWindow
	}
	return &ActivityMonitor{window: window}
}

// Record adds an event observed at the given instant and prunes expired timestamps.
// Timestamps that go backwards are clamped to the latest one seen.
func (monitor *ActivityMonitor) Record(at time.Time) {
	if count := len(monitor.timestamps); count > 0 && at.Before(monitor.timestamps[count-1]) {
		at = monitor.timestamps[count-1]
	}
	monitor.timestamps = append(monitor.timestamps, at)
	monitor.prune(at)
}

// EventsPerSecond returns the windowed event rate as of now.
// Spans shorter than 100ms use a 0.1s floor so that a tight burst reads as a high rate.
func (monitor *ActivityMonitor) EventsPerSecond(now time.Time) float64 {
	monitor.prune(now)
	count := len(monitor.timestamps)
	if count == 0 {
		return 0
	}
	span := now.Sub(monitor.timestamps[0])
	if span > monitor.window {
		span = monitor.window
	}
	if span < minimumEffectiveWindow {
		span = minimumEffectiveWindow
	}
	return float64(count) / span.Seconds()
}

// Count reports how many timestamps are currently retained.
func (monitor *ActivityMonitor) Count() int {
	return len(monitor.timestamps)
}

func (monitor *ActivityMonitor) prune(now time.Time) {
	cutoff := now.Add(-monitor.window)
	first := sort.Search(len(monitor.timestamps), func(index int) bool {
		return !monitor.timestamps[index].Before(cutoff)
	})
	if first == 0 {
		return
	}
	remaining := len(monitor.timestamps) - first
	if first > remaining {
		compacted := make([]time.Time, remaining, remaining*2+1)
		copy(compacted, monitor.timestamps[first:])
		monitor.timestamps = compacted
		return
	}
	monitor.timestamps = monitor.timestamps[first:]
}
