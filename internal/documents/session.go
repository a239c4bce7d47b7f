package documents

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/cadence"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/checkpoints"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/recovery"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/replay"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/snapshots"
	"go.uber.org/zap"
)

const (
	opRecordEvent        = "documents.record_event"
	opReplayFromSnapshot = "documents.replay_from_snapshot"
	opWarmCheckpoints    = "documents.warm_checkpoints"
	reasonSessionClosed  = "session_closed"
	reasonApplyFailed    = "apply_failed"
	reasonAppendFailed   = "append_failed"
	reasonReplayFailed   = "replay_failed"
)

// ErrSessionClosed indicates use of a session after Close.
var ErrSessionClosed = errors.New("documents: session closed")

// Recorded describes one event accepted by RecordEvent.
type Recorded[S any] struct {
	Event          eventlog.Record  `json:"-"`
	State          S                `json:"-"`
	Decision       cadence.Decision `json:"-"`
	SnapshotQueued bool             `json:"snapshotQueued"`
}

// Status is a point-in-time summary of a session.
type Status struct {
	DocumentID        eventlog.DocumentID `json:"documentId"`
	Sequence          uint64              `json:"sequence"`
	HasEvents         bool                `json:"hasEvents"`
	Position          uint64              `json:"position"`
	CadenceMode       cadence.Mode        `json:"cadenceMode"`
	SnapshotInterval  uint64              `json:"snapshotInterval"`
	PendingSnapshots  int                 `json:"pendingSnapshots"`
	CheckpointCount   int                 `json:"checkpointCount"`
	CheckpointBytes   int64               `json:"checkpointBytes"`
	CheckpointBudget  int64               `json:"checkpointBudget"`
	CheckpointSpacing uint64              `json:"checkpointInterval"`
}

// Session owns the live state of one open document.
// RecordEvent is the only path that advances the live state.
type Session[S any] struct {
	documentID eventlog.DocumentID
	events     *eventlog.Store
	engine     *replay.Engine[S]
	controller *cadence.Controller
	writer     *snapshots.Writer[S]
	timeline   *checkpoints.Timeline[S]
	notifier   *Notifier
	clock      func() time.Time
	logger     *zap.Logger
	report     recovery.Report[S]

	mu        sync.Mutex
	state     S
	sequence  uint64
	hasEvents bool
	closed    bool
}

// DocumentID returns the document this session serves.
func (session *Session[S]) DocumentID() eventlog.DocumentID {
	return session.documentID
}

// Report returns the recovery report produced when the session was opened.
func (session *Session[S]) Report() recovery.Report[S] {
	return session.report
}

// State returns the live state, its sequence, and whether any event has been applied.
func (session *Session[S]) State() (S, uint64, bool) {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.state, session.sequence, session.hasEvents
}

// RecordEvent applies draft to the live state, appends it durably, and schedules a snapshot when the cadence asks for one.
// A draft the domain handlers reject is never appended.
func (session *Session[S]) RecordEvent(ctx context.Context, draft eventlog.Draft) (Recorded[S], error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.closed {
		return Recorded[S]{}, failure.New(opRecordEvent, reasonSessionClosed, ErrSessionClosed)
	}

	next := uint64(0)
	if session.hasEvents {
		next = session.sequence + 1
	}
	now := session.clock()
	draft.Sequence = &next
	draft.Type = strings.TrimSpace(draft.Type)
	if len(draft.Payload) == 0 {
		draft.Payload = json.RawMessage(`{}`)
	}
	if draft.TimestampMs == 0 {
		draft.TimestampMs = now.UTC().UnixMilli()
	}

	provisional := eventlog.Record{
		DocumentID:  session.documentID,
		Sequence:    next,
		Type:        draft.Type,
		Payload:     draft.Payload,
		TimestampMs: draft.TimestampMs,
		UserID:      strings.TrimSpace(draft.UserID),
	}
	nextState, err := session.engine.Dispatcher().Dispatch(session.state, provisional)
	if err != nil {
		session.logger.Warn("event rejected by handler",
			zap.String("event_type", draft.Type),
			zap.Uint64("sequence", next),
			zap.Error(err))
		return Recorded[S]{}, failure.New(opRecordEvent, reasonApplyFailed, err)
	}

	record, err := session.events.Append(ctx, session.documentID, draft)
	if err != nil {
		return Recorded[S]{}, failure.New(opRecordEvent, reasonAppendFailed, err)
	}

	session.state = nextState
	session.sequence = record.Sequence
	session.hasEvents = true

	decision := session.controller.ObserveAt(record.Sequence, now)
	queued := false
	if decision.ShouldSnapshot {
		queued = session.writer.Submit(record.Sequence, nextState)
	}
	session.timeline.Observe(record.Sequence, nextState)
	session.notifier.Publish(Change{
		DocumentID: session.documentID,
		Sequence:   record.Sequence,
		Reason:     ChangeRecord,
		Timestamp:  now,
	})
	return Recorded[S]{Event: record, State: nextState, Decision: decision, SnapshotQueued: queued}, nil
}

// ReplayFromSnapshot rebuilds the state at maxSequence from the newest usable snapshot.
func (session *Session[S]) ReplayFromSnapshot(ctx context.Context, maxSequence uint64) (replay.Result[S], error) {
	result, err := session.engine.ReplayFromSnapshot(ctx, session.documentID, maxSequence)
	if err != nil {
		return replay.Result[S]{}, failure.New(opReplayFromSnapshot, reasonReplayFailed, err)
	}
	return result, nil
}

// Seek moves the history cursor to target, clamped to the document's bounds.
func (session *Session[S]) Seek(ctx context.Context, target int64) (checkpoints.SeekResult[S], error) {
	result, err := session.timeline.Seek(ctx, target)
	if err != nil {
		return result, err
	}
	session.publish(result.TargetSequence, ChangeSeek)
	return result, nil
}

// StepForward moves the history cursor one event later.
func (session *Session[S]) StepForward(ctx context.Context) (checkpoints.SeekResult[S], error) {
	result, err := session.timeline.StepForward(ctx)
	if err != nil {
		return result, err
	}
	session.publish(result.TargetSequence, ChangeStep)
	return result, nil
}

// StepBackward moves the history cursor one event earlier.
func (session *Session[S]) StepBackward(ctx context.Context) (checkpoints.SeekResult[S], error) {
	result, err := session.timeline.StepBackward(ctx)
	if err != nil {
		return result, err
	}
	session.publish(result.TargetSequence, ChangeStep)
	return result, nil
}

// WarmCheckpoints fills the checkpoint cache at every boundary up to the live sequence.
func (session *Session[S]) WarmCheckpoints(ctx context.Context) (int, error) {
	_, latest, hasEvents := session.State()
	if !hasEvents {
		return 0, checkpoints.ErrEmptyTimeline
	}
	provider := func(ctx context.Context, sequence uint64) (S, error) {
		result, err := session.engine.ReplayFromSnapshot(ctx, session.documentID, sequence)
		if err != nil {
			return result.State, failure.New(opWarmCheckpoints, reasonReplayFailed, err)
		}
		return result.State, nil
	}
	return session.timeline.GenerateCheckpoints(ctx, latest, provider)
}

// Metrics summarizes recent seek latency.
func (session *Session[S]) Metrics() checkpoints.SeekMetrics {
	return session.timeline.Metrics()
}

// Status reports cadence, snapshot, and checkpoint state.
func (session *Session[S]) Status() Status {
	_, sequence, hasEvents := session.State()
	cache := session.timeline.Cache()
	return Status{
		DocumentID:        session.documentID,
		Sequence:          sequence,
		HasEvents:         hasEvents,
		Position:          session.timeline.Position(),
		CadenceMode:       session.controller.Mode(),
		SnapshotInterval:  session.controller.EffectiveInterval(),
		PendingSnapshots:  session.writer.Pending(),
		CheckpointCount:   cache.Len(),
		CheckpointBytes:   cache.UsedBytes(),
		CheckpointBudget:  cache.Budget(),
		CheckpointSpacing: session.timeline.Interval(),
	}
}

// Close waits for queued snapshot writes until ctx ends and stops the writer.
func (session *Session[S]) Close(ctx context.Context) error {
	session.mu.Lock()
	if session.closed {
		session.mu.Unlock()
		return nil
	}
	session.closed = true
	session.mu.Unlock()

	flushErr := session.writer.Flush(ctx)
	session.writer.Close()
	session.timeline.Reset()
	if flushErr != nil {
		session.logger.Warn("snapshot flush interrupted on close", zap.Error(flushErr))
	}
	return flushErr
}

func (session *Session[S]) publish(sequence uint64, reason ChangeReason) {
	session.notifier.Publish(Change{
		DocumentID: session.documentID,
		Sequence:   sequence,
		Reason:     reason,
		Timestamp:  session.clock(),
	})
}
