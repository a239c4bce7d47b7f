package checkpoints

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/telemetry"
	"go.uber.org/zap"
)

const (
	// DefaultInterval is the default spacing of checkpoint boundaries, in events.
	DefaultInterval uint64 = 1000
	// DefaultLatencyTarget is the seek latency a single seek is expected to beat.
	DefaultLatencyTarget = 50 * time.Millisecond

	opSeek              = "checkpoints.seek"
	opGenerate          = "checkpoints.generate"
	opRefresh           = "checkpoints.refresh"
	reasonEmptyTimeline = "empty_timeline"
	reasonReplayFailed  = "replay_failed"
	reasonCancelled     = "cancelled"
)

var (
	// ErrEmptyTimeline indicates a seek or checkpoint build on a document without events.
	ErrEmptyTimeline = errors.New("checkpoints: document has no events")

	errMissingReplayer = errors.New("checkpoints: replayer is required")
)

// Replayer folds event ranges for a document.
type Replayer[S any] interface {
	NewState() S
	Advance(ctx context.Context, documentID eventlog.DocumentID, state S, fromSequence, toSequence uint64) (S, int, error)
	LatestSequence(ctx context.Context, documentID eventlog.DocumentID) (uint64, bool, error)
}

// SnapshotProvider returns the state after events 0..=sequence.
type SnapshotProvider[S any] func(ctx context.Context, sequence uint64) (S, error)

// TimelineConfig wires a Timeline for one document.
type TimelineConfig[S any] struct {
	DocumentID      eventlog.DocumentID
	Replayer        Replayer[S]
	Cache           *Cache[S]
	Interval        uint64
	LatencyTarget   time.Duration
	MetricsCapacity int
	Logger          *zap.Logger
	Sink            telemetry.Sink
}

// SeekResult reports where a seek landed and what it cost.
type SeekResult[S any] struct {
	State              S       `json:"-"`
	TargetSequence     uint64  `json:"targetSequence"`
	CheckpointSequence uint64  `json:"checkpointSequence"`
	EventsReplayed     int     `json:"eventsReplayed"`
	CheckpointHit      bool    `json:"checkpointHit"`
	LatencyMs          float64 `json:"latencyMs"`
	MeetsTarget        bool    `json:"meetsTarget"`
}

// Timeline seeks and steps through a document's history using the checkpoint cache.
type Timeline[S any] struct {
	documentID    eventlog.DocumentID
	replayer      Replayer[S]
	cache         *Cache[S]
	interval      uint64
	latencyTarget time.Duration
	metrics       *MetricsRing
	logger        *zap.Logger
	sink          telemetry.Sink

	mu          sync.Mutex
	maxSequence uint64
	hasEvents   bool
	position    uint64
}

// NewTimeline returns a Timeline. Call Refresh or Observe before seeking.
func NewTimeline[S any](cfg TimelineConfig[S]) (*Timeline[S], error) {
	if cfg.Replayer == nil {
		return nil, errMissingReplayer
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	latencyTarget := cfg.LatencyTarget
	if latencyTarget <= 0 {
		latencyTarget = DefaultLatencyTarget
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewCache(CacheConfig[S]{Logger: logger, Sink: cfg.Sink})
	}
	return &Timeline[S]{
		documentID:    cfg.DocumentID,
		replayer:      cfg.Replayer,
		cache:         cache,
		interval:      interval,
		latencyTarget: latencyTarget,
		metrics:       NewMetricsRing(cfg.MetricsCapacity),
		logger:        logger.With(zap.String("document_id", cfg.DocumentID.String())),
		sink:          telemetry.OrNop(cfg.Sink),
	}, nil
}

// Refresh reads the latest durable sequence and moves the cursor to it.
func (timeline *Timeline[S]) Refresh(ctx context.Context) error {
	latest, found, err := timeline.replayer.LatestSequence(ctx, timeline.documentID)
	if err != nil {
		return failure.New(opRefresh, reasonReplayFailed, err)
	}
	timeline.mu.Lock()
	defer timeline.mu.Unlock()
	timeline.maxSequence = latest
	timeline.hasEvents = found
	timeline.position = latest
	return nil
}

// Observe records that the live state advanced to sequence. Boundary states are cached.
func (timeline *Timeline[S]) Observe(sequence uint64, state S) {
	timeline.mu.Lock()
	if !timeline.hasEvents || sequence > timeline.maxSequence {
		timeline.maxSequence = sequence
	}
	timeline.hasEvents = true
	timeline.position = sequence
	timeline.mu.Unlock()

	if sequence%timeline.interval == 0 {
		timeline.cache.Insert(sequence, state)
	}
}

// Bounds returns the highest known sequence and whether the document has any events.
func (timeline *Timeline[S]) Bounds() (uint64, bool) {
	timeline.mu.Lock()
	defer timeline.mu.Unlock()
	return timeline.maxSequence, timeline.hasEvents
}

// Position returns the sequence of the most recent seek or observed event.
func (timeline *Timeline[S]) Position() uint64 {
	timeline.mu.Lock()
	defer timeline.mu.Unlock()
	return timeline.position
}

// Interval returns the checkpoint spacing.
func (timeline *Timeline[S]) Interval() uint64 {
	return timeline.interval
}

// Cache exposes the underlying checkpoint cache.
func (timeline *Timeline[S]) Cache() *Cache[S] {
	return timeline.cache
}

// GenerateCheckpoints materializes one checkpoint per interval boundary up to maxSequence.
// The first boundary comes from provider when given; later ones fold forward incrementally.
func (timeline *Timeline[S]) GenerateCheckpoints(ctx context.Context, maxSequence uint64, provider SnapshotProvider[S]) (int, error) {
	latest, hasEvents := timeline.Bounds()
	if !hasEvents {
		return 0, failure.New(opGenerate, reasonEmptyTimeline, ErrEmptyTimeline)
	}
	if maxSequence > latest {
		maxSequence = latest
	}

	var (
		state   S
		current uint64
		started bool
		built   int
	)
	for boundary := uint64(0); boundary <= maxSequence; boundary += timeline.interval {
		if err := ctx.Err(); err != nil {
			return built, failure.New(opGenerate, reasonCancelled, err)
		}
		var err error
		switch {
		case started:
			state, _, err = timeline.replayer.Advance(ctx, timeline.documentID, state, current+1, boundary)
		case provider != nil:
			state, err = provider(ctx, boundary)
		default:
			state, _, err = timeline.replayer.Advance(ctx, timeline.documentID, timeline.replayer.NewState(), 0, boundary)
		}
		if err != nil {
			timeline.logger.Error("checkpoint generation failed", zap.Uint64("boundary", boundary), zap.Error(err))
			return built, failure.New(opGenerate, reasonReplayFailed, err)
		}
		started = true
		current = boundary
		timeline.cache.Insert(boundary, state)
		built++
		if maxSequence-boundary < timeline.interval {
			break
		}
	}
	timeline.logger.Debug("checkpoints generated",
		zap.Int("count", built),
		zap.Uint64("max_sequence", maxSequence),
		zap.Int("cached", timeline.cache.Len()))
	return built, nil
}

// Seek reconstructs the state at target, clamped to [0, latest].
func (timeline *Timeline[S]) Seek(ctx context.Context, target int64) (SeekResult[S], error) {
	started := time.Now()
	latest, hasEvents := timeline.Bounds()
	if !hasEvents {
		return SeekResult[S]{}, failure.New(opSeek, reasonEmptyTimeline, ErrEmptyTimeline)
	}
	resolved := clampSequence(target, latest)

	checkpoint, hit := timeline.cache.FindNearest(resolved)
	state := timeline.replayer.NewState()
	fromSequence := uint64(0)
	if hit {
		state = checkpoint.State
		fromSequence = checkpoint.Sequence + 1
	}
	state, applied, err := timeline.replayer.Advance(ctx, timeline.documentID, state, fromSequence, resolved)
	if err != nil {
		return SeekResult[S]{}, failure.New(opSeek, reasonReplayFailed, err)
	}
	if resolved%timeline.interval == 0 && (!hit || checkpoint.Sequence != resolved) {
		timeline.cache.Insert(resolved, state)
	}

	latency := time.Since(started)
	meetsTarget := latency < timeline.latencyTarget
	timeline.metrics.Record(SeekSample{Latency: latency, Hit: hit, MeetsTarget: meetsTarget})
	timeline.sink.ObserveSeek(latency, hit, meetsTarget)
	if !meetsTarget {
		timeline.logger.Warn("seek exceeded latency target",
			zap.Uint64("target", resolved),
			zap.Duration("latency", latency),
			zap.Int("events_replayed", applied))
	}

	timeline.mu.Lock()
	timeline.position = resolved
	timeline.mu.Unlock()

	result := SeekResult[S]{
		State:          state,
		TargetSequence: resolved,
		EventsReplayed: applied,
		CheckpointHit:  hit,
		LatencyMs:      milliseconds(latency),
		MeetsTarget:    meetsTarget,
	}
	if hit {
		result.CheckpointSequence = checkpoint.Sequence
	}
	return result, nil
}

// StepForward seeks one sequence past the current position.
func (timeline *Timeline[S]) StepForward(ctx context.Context) (SeekResult[S], error) {
	position := timeline.Position()
	if position >= math.MaxInt64 {
		return timeline.Seek(ctx, math.MaxInt64)
	}
	return timeline.Seek(ctx, int64(position)+1)
}

// StepBackward seeks one sequence before the current position.
func (timeline *Timeline[S]) StepBackward(ctx context.Context) (SeekResult[S], error) {
	return timeline.Seek(ctx, int64(timeline.Position())-1)
}

// Metrics summarizes recent seeks.
func (timeline *Timeline[S]) Metrics() SeekMetrics {
	return timeline.metrics.Snapshot()
}

// Reset clears cached checkpoints and seek metrics.
func (timeline *Timeline[S]) Reset() {
	timeline.cache.Clear()
	timeline.metrics.Reset()
}

func clampSequence(target int64, latest uint64) uint64 {
	if target <= 0 {
		return 0
	}
	if uint64(target) > latest {
		return latest
	}
	return uint64(target)
}
