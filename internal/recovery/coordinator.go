// Package recovery opens documents by verifying the event log and rebuilding state with snapshot fallback.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/replay"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/telemetry"
	"go.uber.org/zap"
)

// DefaultBudget is the time a document open is expected to take.
const DefaultBudget = 100 * time.Millisecond

const (
	opRecover             = "recovery.recover"
	reasonCorruptLog      = "corrupt_event_log"
	reasonVerifyFailed    = "verify_failed"
	reasonMigrationFailed = "snapshot_migration_failed"
	reasonReplayFailed    = "replay_failed"
)

var errMissingDependency = errors.New("recovery: event verifier, snapshot store, and engine are required")

// Outcome distinguishes how a document open went.
type Outcome string

const (
	OutcomeClean     Outcome = "clean"
	OutcomeRecovered Outcome = "recovered"
	OutcomeFailed    Outcome = "failed"
)

// EventVerifier checks the event log for gaps and duplicates.
type EventVerifier interface {
	VerifyContiguity(ctx context.Context, documentID eventlog.DocumentID) error
}

// SnapshotMigrator finds and rewrites pre-envelope snapshots.
type SnapshotMigrator interface {
	ListLegacy(ctx context.Context, documentID eventlog.DocumentID) ([]snapshots.Record, error)
	Replace(ctx context.Context, snapshotID int64, data []byte) (snapshots.Record, error)
}

// CoordinatorConfig wires a Coordinator.
type CoordinatorConfig[S any] struct {
	Events    EventVerifier
	Snapshots SnapshotMigrator
	Engine    *replay.Engine[S]
	Compress  bool
	Budget    time.Duration
	Logger    *zap.Logger
	Sink      telemetry.Sink
}

// Report is the structured result of opening a document.
type Report[S any] struct {
	DocumentID        eventlog.DocumentID `json:"documentId"`
	Outcome           Outcome             `json:"outcome"`
	Reason            string              `json:"reason,omitempty"`
	State             S                   `json:"-"`
	Sequence          uint64              `json:"sequence"`
	Empty             bool                `json:"empty"`
	SnapshotSequence  *uint64             `json:"snapshotSequence,omitempty"`
	EventsReplayed    int                 `json:"eventsReplayed"`
	UpgradedSnapshots int                 `json:"upgradedSnapshots"`
	Warnings          []string            `json:"warnings"`
	HasIssues         bool                `json:"hasIssues"`
	ElapsedMs         float64             `json:"elapsedMs"`
	ExceededBudget    bool                `json:"exceededBudget"`
}

// Coordinator runs the open sequence for documents.
type Coordinator[S any] struct {
	events    EventVerifier
	snapshots SnapshotMigrator
	engine    *replay.Engine[S]
	compress  bool
	budget    time.Duration
	logger    *zap.Logger
	sink      telemetry.Sink
}

// NewCoordinator validates the configuration and returns a Coordinator.
func NewCoordinator[S any](cfg CoordinatorConfig[S]) (*Coordinator[S], error) {
	if cfg.Events == nil || cfg.Snapshots == nil || cfg.Engine == nil {
		return nil, errMissingDependency
	}
	budget := cfg.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator[S]{
		events:    cfg.Events,
		snapshots: cfg.Snapshots,
		engine:    cfg.Engine,
		compress:  cfg.Compress,
		budget:    budget,
		logger:    logger,
		sink:      telemetry.OrNop(cfg.Sink),
	}, nil
}

// Recover verifies the log, upgrades legacy snapshots, and rebuilds the latest state.
// Corruption of the event log fails the open; undecodable snapshots are skipped with warnings.
// A failed open returns both the report and the error.
func (coordinator *Coordinator[S]) Recover(ctx context.Context, documentID eventlog.DocumentID) (Report[S], error) {
	started := time.Now()
	report := Report[S]{DocumentID: documentID, Warnings: []string{}}
	logger := coordinator.logger.With(zap.String("document_id", documentID.String()))

	if err := coordinator.events.VerifyContiguity(ctx, documentID); err != nil {
		reason := reasonVerifyFailed
		if errors.Is(err, eventlog.ErrEventSequenceGap) {
			reason = reasonCorruptLog
		}
		return coordinator.fail(report, started, logger, reason, err)
	}

	upgraded, migrationWarnings, err := coordinator.upgradeLegacy(ctx, documentID, logger)
	if err != nil {
		return coordinator.fail(report, started, logger, reasonMigrationFailed, err)
	}
	report.UpgradedSnapshots = upgraded
	report.Warnings = append(report.Warnings, migrationWarnings...)

	result, err := coordinator.engine.ReplayFromSnapshot(ctx, documentID, math.MaxUint64)
	if err != nil {
		reason := reasonReplayFailed
		if errors.Is(err, eventlog.ErrEventSequenceGap) {
			reason = reasonCorruptLog
		}
		return coordinator.fail(report, started, logger, reason, err)
	}
	for _, warning := range result.Warnings {
		report.Warnings = append(report.Warnings, warning.String())
	}
	report.State = result.State
	report.Sequence = result.Sequence
	report.Empty = result.Empty
	report.SnapshotSequence = result.SnapshotSequence
	report.EventsReplayed = result.EventsReplayed
	report.HasIssues = len(report.Warnings) > 0
	report.Outcome = OutcomeClean
	if report.HasIssues {
		report.Outcome = OutcomeRecovered
	}

	elapsed := coordinator.finish(&report, started)
	fields := []zap.Field{
		zap.String("outcome", string(report.Outcome)),
		zap.Uint64("sequence", report.Sequence),
		zap.Int("events_replayed", report.EventsReplayed),
		zap.Int("upgraded_snapshots", report.UpgradedSnapshots),
		zap.Duration("elapsed", elapsed),
	}
	if report.HasIssues {
		logger.Warn("document recovered from snapshot corruption", append(fields, zap.Strings("warnings", report.Warnings))...)
	} else {
		logger.Info("document opened", fields...)
	}
	if report.ExceededBudget {
		logger.Warn("document open exceeded recovery budget", zap.Duration("elapsed", elapsed), zap.Duration("budget", coordinator.budget))
	}
	coordinator.sink.ObserveRecovery(elapsed, len(report.Warnings), false)
	return report, nil
}

func (coordinator *Coordinator[S]) upgradeLegacy(ctx context.Context, documentID eventlog.DocumentID, logger *zap.Logger) (int, []string, error) {
	legacyRecords, err := coordinator.snapshots.ListLegacy(ctx, documentID)
	if err != nil {
		return 0, nil, err
	}
	upgraded := 0
	var warnings []string
	for _, record := range legacyRecords {
		envelope, format, err := snapshots.UpgradeLegacy(record.Data, coordinator.compress)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("snapshot %d at sequence %d could not be upgraded: %v", record.SnapshotID, record.Sequence, err))
			logger.Warn("legacy snapshot upgrade failed",
				zap.Int64("snapshot_id", record.SnapshotID),
				zap.Uint64("sequence", record.Sequence),
				zap.Error(err))
			continue
		}
		if _, err := coordinator.snapshots.Replace(ctx, record.SnapshotID, envelope); err != nil {
			return upgraded, warnings, err
		}
		upgraded++
		logger.Info("legacy snapshot upgraded",
			zap.Int64("snapshot_id", record.SnapshotID),
			zap.Uint64("sequence", record.Sequence),
			zap.String("format", string(format)))
	}
	return upgraded, warnings, nil
}

func (coordinator *Coordinator[S]) fail(report Report[S], started time.Time, logger *zap.Logger, reason string, err error) (Report[S], error) {
	report.Outcome = OutcomeFailed
	report.Reason = err.Error()
	report.HasIssues = true
	elapsed := coordinator.finish(&report, started)
	logger.Error("document open failed", zap.String("reason", reason), zap.Error(err))
	coordinator.sink.ObserveRecovery(elapsed, len(report.Warnings), true)
	return report, failure.New(opRecover, reason, err)
}

func (coordinator *Coordinator[S]) finish(report *Report[S], started time.Time) time.Duration {
	elapsed := time.Since(started)
	report.ElapsedMs = float64(elapsed) / float64(time.Millisecond)
	report.ExceededBudget = elapsed > coordinator.budget
	return elapsed
}
