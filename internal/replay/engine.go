package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/telemetry"
	"go.uber.org/zap"
)

const (
	opReplay             = "replay.replay"
	opReplayFromSnapshot = "replay.replay_from_snapshot"
	opAdvance            = "replay.advance"
	reasonSequenceGap    = "sequence_gap"
	reasonQueryFailed    = "query_failed"
	reasonDispatchFailed = "dispatch_failed"
	reasonCancelled      = "cancelled"
	reasonSnapshotFailed = "snapshot_lookup_failed"
	cancellationStride   = 256
)

var errMissingDependency = errors.New("replay: event source, dispatcher, and state constructor are required")

// EventSource is the subset of the event log the engine reads.
type EventSource interface {
	Query(ctx context.Context, documentID eventlog.DocumentID, fromSequence uint64, toSequence *uint64) ([]eventlog.Record, error)
	MaxSequence(ctx context.Context, documentID eventlog.DocumentID) (uint64, bool, error)
}

// SnapshotSource is the subset of the snapshot store the engine reads.
type SnapshotSource interface {
	ListAtOrBelow(ctx context.Context, documentID eventlog.DocumentID, maxSequence uint64) ([]snapshots.Record, error)
	Load(ctx context.Context, snapshotID int64) (snapshots.Record, error)
}

// EngineConfig wires an Engine.
type EngineConfig[S any] struct {
	Events     EventSource
	Snapshots  SnapshotSource
	Codec      snapshots.Codec[S]
	Dispatcher *Dispatcher[S]
	NewState   func() S
	Logger     *zap.Logger
	Sink       telemetry.Sink
}

// Engine reconstructs document state from snapshots and event deltas.
type Engine[S any] struct {
	events     EventSource
	snapshots  SnapshotSource
	codec      snapshots.Codec[S]
	dispatcher *Dispatcher[S]
	newState   func() S
	logger     *zap.Logger
	sink       telemetry.Sink
}

// Warning describes a snapshot that was skipped because it could not be decoded.
type Warning struct {
	SnapshotID int64
	Sequence   uint64
	Err        error
}

func (warning Warning) String() string {
	return fmt.Sprintf("snapshot %d at sequence %d skipped: %v", warning.SnapshotID, warning.Sequence, warning.Err)
}

// Result is a reconstructed state plus how it was obtained.
// Empty is true when the document has no events; State is then the default state.
type Result[S any] struct {
	State            S
	Sequence         uint64
	Empty            bool
	SnapshotSequence *uint64
	EventsReplayed   int
	Warnings         []Warning
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine[S any](cfg EngineConfig[S]) (*Engine[S], error) {
	if cfg.Events == nil || cfg.Dispatcher == nil || cfg.NewState == nil {
		return nil, errMissingDependency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine[S]{
		events:     cfg.Events,
		snapshots:  cfg.Snapshots,
		codec:      cfg.Codec,
		dispatcher: cfg.Dispatcher,
		newState:   cfg.NewState,
		logger:     logger,
		sink:       telemetry.OrNop(cfg.Sink),
	}, nil
}

// NewState returns the default state.
func (engine *Engine[S]) NewState() S {
	return engine.newState()
}

// Dispatcher returns the engine's dispatcher.
func (engine *Engine[S]) Dispatcher() *Dispatcher[S] {
	return engine.dispatcher
}

// LatestSequence returns the highest durable sequence of the document.
func (engine *Engine[S]) LatestSequence(ctx context.Context, documentID eventlog.DocumentID) (uint64, bool, error) {
	return engine.events.MaxSequence(ctx, documentID)
}

// Replay folds events fromSequence..=toSequence over the default state.
// A nil toSequence, or one past the end of the log, means the latest durable sequence.
func (engine *Engine[S]) Replay(ctx context.Context, documentID eventlog.DocumentID, fromSequence uint64, toSequence *uint64) (Result[S], error) {
	started := time.Now()
	latest, found, err := engine.events.MaxSequence(ctx, documentID)
	if err != nil {
		return Result[S]{}, failure.New(opReplay, reasonQueryFailed, err)
	}
	if !found {
		return Result[S]{State: engine.newState(), Empty: true}, nil
	}
	target := latest
	if toSequence != nil && *toSequence < latest {
		target = *toSequence
	}
	if fromSequence > target {
		return Result[S]{State: engine.newState(), Sequence: target}, nil
	}

	state, applied, err := engine.advance(ctx, opReplay, documentID, engine.newState(), fromSequence, target)
	if err != nil {
		return Result[S]{}, err
	}
	engine.sink.ObserveReplay(time.Since(started), applied, false)
	return Result[S]{State: state, Sequence: target, EventsReplayed: applied}, nil
}

// ReplayFromSnapshot reconstructs the state after maxSequence starting from the newest decodable
// snapshot at or below it. Undecodable snapshots are skipped with a warning; with none left the
// whole log is replayed.
func (engine *Engine[S]) ReplayFromSnapshot(ctx context.Context, documentID eventlog.DocumentID, maxSequence uint64) (Result[S], error) {
	started := time.Now()
	latest, found, err := engine.events.MaxSequence(ctx, documentID)
	if err != nil {
		return Result[S]{}, failure.New(opReplayFromSnapshot, reasonQueryFailed, err)
	}
	if !found {
		return Result[S]{State: engine.newState(), Empty: true}, nil
	}
	target := maxSequence
	if target > latest {
		target = latest
	}

	base, baseSequence, warnings, err := engine.newestDecodableSnapshot(ctx, documentID, target)
	if err != nil {
		return Result[S]{}, err
	}
	result := Result[S]{Sequence: target, Warnings: warnings}
	fromSequence := uint64(0)
	state := engine.newState()
	if baseSequence != nil {
		result.SnapshotSequence = baseSequence
		state = base
		fromSequence = *baseSequence + 1
	}
	if baseSequence != nil && *baseSequence == target {
		result.State = state
		engine.sink.ObserveReplay(time.Since(started), 0, true)
		return result, nil
	}

	state, applied, err := engine.advance(ctx, opReplayFromSnapshot, documentID, state, fromSequence, target)
	if err != nil {
		return Result[S]{}, err
	}
	result.State = state
	result.EventsReplayed = applied
	engine.sink.ObserveReplay(time.Since(started), applied, baseSequence != nil)
	return result, nil
}

// Advance folds events fromSequence..=toSequence over state, requiring every sequence in the range.
func (engine *Engine[S]) Advance(ctx context.Context, documentID eventlog.DocumentID, state S, fromSequence, toSequence uint64) (S, int, error) {
	if fromSequence > toSequence {
		return state, 0, nil
	}
	return engine.advance(ctx, opAdvance, documentID, state, fromSequence, toSequence)
}

func (engine *Engine[S]) advance(ctx context.Context, operation string, documentID eventlog.DocumentID, state S, fromSequence, toSequence uint64) (S, int, error) {
	events, err := engine.events.Query(ctx, documentID, fromSequence, &toSequence)
	if err != nil {
		return state, 0, failure.New(operation, reasonQueryFailed, err)
	}
	accumulator := state
	expected := fromSequence
	for index, event := range events {
		if index%cancellationStride == 0 {
			if err := ctx.Err(); err != nil {
				return state, 0, failure.New(operation, reasonCancelled, err)
			}
		}
		if event.Sequence != expected {
			return state, 0, engine.gap(operation, documentID, expected, event.Sequence)
		}
		next, err := engine.dispatcher.Dispatch(accumulator, event)
		if err != nil {
			engine.logger.Error("event dispatch failed",
				zap.String("document_id", documentID.String()),
				zap.Uint64("sequence", event.Sequence),
				zap.Error(err))
			return state, 0, failure.New(operation, reasonDispatchFailed, err)
		}
		accumulator = next
		expected++
	}
	if expected != toSequence+1 {
		return state, 0, engine.gap(operation, documentID, expected, toSequence)
	}
	return accumulator, len(events), nil
}

func (engine *Engine[S]) gap(operation string, documentID eventlog.DocumentID, expected, found uint64) error {
	engine.logger.Error("event log sequence gap",
		zap.String("document_id", documentID.String()),
		zap.Uint64("expected", expected),
		zap.Uint64("found", found))
	return failure.New(operation, reasonSequenceGap,
		fmt.Errorf("%w: expected sequence %d, found %d", eventlog.ErrEventSequenceGap, expected, found))
}

func (engine *Engine[S]) newestDecodableSnapshot(ctx context.Context, documentID eventlog.DocumentID, maxSequence uint64) (S, *uint64, []Warning, error) {
	var zero S
	if engine.snapshots == nil {
		return zero, nil, nil, nil
	}
	headers, err := engine.snapshots.ListAtOrBelow(ctx, documentID, maxSequence)
	if err != nil {
		return zero, nil, nil, failure.New(opReplayFromSnapshot, reasonSnapshotFailed, err)
	}
	var warnings []Warning
	for _, header := range headers {
		record, err := engine.snapshots.Load(ctx, header.SnapshotID)
		if errors.Is(err, snapshots.ErrSnapshotNotFound) {
			continue
		}
		if err != nil {
			return zero, nil, nil, failure.New(opReplayFromSnapshot, reasonSnapshotFailed, err)
		}
		state, err := engine.codec.Deserialize(record.Data)
		if err != nil {
			if !IsSnapshotCorruption(err) {
				return zero, nil, nil, failure.New(opReplayFromSnapshot, reasonSnapshotFailed, err)
			}
			warning := Warning{SnapshotID: record.SnapshotID, Sequence: record.Sequence, Err: err}
			warnings = append(warnings, warning)
			engine.logger.Warn("skipping undecodable snapshot",
				zap.String("document_id", documentID.String()),
				zap.Int64("snapshot_id", record.SnapshotID),
				zap.Uint64("sequence", record.Sequence),
				zap.Error(err))
			continue
		}
		sequence := record.Sequence
		return state, &sequence, warnings, nil
	}
	return zero, nil, warnings, nil
}

// IsSnapshotCorruption reports whether err marks a snapshot that should be skipped rather than trusted.
func IsSnapshotCorruption(err error) bool {
	return errors.Is(err, snapshots.ErrChecksumMismatch) ||
		errors.Is(err, snapshots.ErrUnsupportedSnapshotVersion) ||
		errors.Is(err, snapshots.ErrMalformedSnapshot) ||
		errors.Is(err, snapshots.ErrLegacySnapshot)
}
