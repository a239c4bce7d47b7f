// Package telemetry defines the metrics sink handed to persistence components.
package telemetry

import "time"

// Sink receives observations from the persistence core. Implementations must not block.
type Sink interface {
	ObserveSeek(latency time.Duration, checkpointHit bool, meetsTarget bool)
	ObserveReplay(elapsed time.Duration, eventsReplayed int, fromSnapshot bool)
	ObserveSnapshotWrite(elapsed time.Duration, bytes int, err error)
	ObserveSnapshotSkipped()
	ObserveCadenceTransition(mode string)
	AddCheckpointCacheBytes(delta int64)
	ObserveCheckpointEvictions(count int)
	ObserveRecovery(elapsed time.Duration, warnings int, failed bool)
}

// NopSink discards every observation.
type NopSink struct{}

func (NopSink) ObserveSeek(time.Duration, bool, bool)          {}
func (NopSink) ObserveReplay(time.Duration, int, bool)         {}
func (NopSink) ObserveSnapshotWrite(time.Duration, int, error) {}
func (NopSink) ObserveSnapshotSkipped()                        {}
func (NopSink) ObserveCadenceTransition(string)                {}
func (NopSink) AddCheckpointCacheBytes(int64)                  {}
func (NopSink) ObserveCheckpointEvictions(int)                 {}
func (NopSink) ObserveRecovery(time.Duration, int, bool)       {}

// OrNop returns sink, or a NopSink when sink is nil.
func OrNop(sink Sink) Sink {
	if sink == nil {
		return NopSink{}
	}
	return sink
}
