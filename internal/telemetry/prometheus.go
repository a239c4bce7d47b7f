package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wavetrace"

// PrometheusSink records observations into collectors registered on a caller-supplied registerer.
type PrometheusSink struct {
	seekDuration        prometheus.Histogram
	seekCheckpoint      *prometheus.CounterVec
	seekTargetMissed    prometheus.Counter
	replayDuration      *prometheus.HistogramVec
	replayEvents        prometheus.Counter
	snapshotWrites      *prometheus.CounterVec
	snapshotBytes       prometheus.Counter
	snapshotDuration    prometheus.Histogram
	snapshotSkipped     prometheus.Counter
	cadenceTransitions  *prometheus.CounterVec
	checkpointBytes     prometheus.Gauge
	checkpointEvictions prometheus.Counter
	recoveryDuration    prometheus.Histogram
	recoveryOutcomes    *prometheus.CounterVec
}

// NewPrometheusSink registers the wavetrace collectors on registerer.
func NewPrometheusSink(registerer prometheus.Registerer) *PrometheusSink {
	factory := promauto.With(registerer)
	return &PrometheusSink{
		seekDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "seek_duration_seconds",
			Help:      "Latency of timeline seeks.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),
		seekCheckpoint: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seek_checkpoint_total",
			Help:      "Seeks by checkpoint lookup result.",
		}, []string{"result"}),
		seekTargetMissed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seek_target_missed_total",
			Help:      "Seeks that exceeded the latency target.",
		}),
		replayDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_duration_seconds",
			Help:      "Duration of state reconstruction.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"base"}),
		replayEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_events_total",
			Help:      "Events folded through the dispatcher during replay.",
		}),
		snapshotWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "Snapshot writes by outcome.",
		}, []string{"outcome"}),
		snapshotBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes_total",
			Help:      "Encoded snapshot bytes written.",
		}),
		snapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_write_duration_seconds",
			Help:      "Duration of snapshot encode and durable write.",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshotSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_skipped_total",
			Help:      "Snapshot decisions dropped because the write queue was full.",
		}),
		cadenceTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cadence_transitions_total",
			Help:      "Activity mode transitions by target mode.",
		}, []string{"mode"}),
		checkpointBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_cache_bytes",
			Help:      "Estimated bytes held by checkpoint caches.",
		}),
		checkpointEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_evictions_total",
			Help:      "Checkpoints evicted under memory pressure.",
		}),
		recoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Duration of document open recovery.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 1, 5},
		}),
		recoveryOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_total",
			Help:      "Recoveries by outcome.",
		}, []string{"outcome"}),
	}
}

func (sink *PrometheusSink) ObserveSeek(latency time.Duration, checkpointHit bool, meetsTarget bool) {
	sink.seekDuration.Observe(latency.Seconds())
	if checkpointHit {
		sink.seekCheckpoint.WithLabelValues("hit").Inc()
	} else {
		sink.seekCheckpoint.WithLabelValues("miss").Inc()
	}
	if !meetsTarget {
		sink.seekTargetMissed.Inc()
	}
}

func (sink *PrometheusSink) ObserveReplay(elapsed time.Duration, eventsReplayed int, fromSnapshot bool) {
	base := "empty"
	if fromSnapshot {
		base = "snapshot"
	}
	sink.replayDuration.WithLabelValues(base).Observe(elapsed.Seconds())
	sink.replayEvents.Add(float64(eventsReplayed))
}

func (sink *PrometheusSink) ObserveSnapshotWrite(elapsed time.Duration, bytes int, err error) {
	if err != nil {
		sink.snapshotWrites.WithLabelValues("failed").Inc()
		return
	}
	sink.snapshotWrites.WithLabelValues("written").Inc()
	sink.snapshotBytes.Add(float64(bytes))
	sink.snapshotDuration.Observe(elapsed.Seconds())
}

func (sink *PrometheusSink) ObserveSnapshotSkipped() {
	sink.snapshotSkipped.Inc()
}

func (sink *PrometheusSink) ObserveCadenceTransition(mode string) {
	sink.cadenceTransitions.WithLabelValues(mode).Inc()
}

func (sink *PrometheusSink) AddCheckpointCacheBytes(delta int64) {
	sink.checkpointBytes.Add(float64(delta))
}

func (sink *PrometheusSink) ObserveCheckpointEvictions(count int) {
	sink.checkpointEvictions.Add(float64(count))
}

func (sink *PrometheusSink) ObserveRecovery(elapsed time.Duration, warnings int, failed bool) {
	sink.recoveryDuration.Observe(elapsed.Seconds())
	switch {
	case failed:
		sink.recoveryOutcomes.WithLabelValues("failed").Inc()
	case warnings > 0:
		sink.recoveryOutcomes.WithLabelValues("recovered").Inc()
	default:
		sink.recoveryOutcomes.WithLabelValues("clean").Inc()
	}
}
