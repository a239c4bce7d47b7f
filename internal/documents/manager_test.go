package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/cadence"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/recovery"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/replay"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/snapshots"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSnapshotInterval = 10

type managerFixture struct {
	database  *gorm.DB
	events    *eventlog.Store
	snapshots *snapshots.Store
	manager   *Manager[canvas.State]
}

func TestRecordEventPersistsAndSnapshots(testContext *testing.T) {
	fixture := mustManagerFixture(testContext)
	documentID := mustCreateDocument(testContext, fixture, "Sketch")

	session, report, err := fixture.manager.Open(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	if report.Outcome != recovery.OutcomeClean || !report.Empty {
		testContext.Fatalf("expected clean empty open, got %+v", report)
	}

	queued := 0
	for index := 0; index < 25; index++ {
		recorded, err := session.RecordEvent(context.Background(), addPath(testContext, index))
		if err != nil {
			testContext.Fatalf("record %d failed: %v", index, err)
		}
		if recorded.Event.Sequence != uint64(index) {
			testContext.Fatalf("expected sequence %d, got %d", index, recorded.Event.Sequence)
		}
		if recorded.Decision.Mode != cadence.ModeNormal {
			testContext.Fatalf("expected normal cadence, got %s", recorded.Decision.Mode)
		}
		if recorded.SnapshotQueued {
			queued++
		}
	}
	if queued != 3 {
		testContext.Fatalf("expected snapshots at 0, 10 and 20, got %d", queued)
	}
	state, sequence, hasEvents := session.State()
	if !hasEvents || sequence != 24 || state.PathCount() != 25 {
		testContext.Fatalf("unexpected live state: %d paths at %d", state.PathCount(), sequence)
	}

	if err := fixture.manager.Close(context.Background(), documentID); err != nil {
		testContext.Fatalf("close failed: %v", err)
	}
	headers, err := fixture.snapshots.List(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("list snapshots failed: %v", err)
	}
	if len(headers) != 3 || headers[0].Sequence != 20 {
		testContext.Fatalf("expected three snapshots with 20 newest, got %+v", headers)
	}

	reopened, report, err := fixture.manager.Open(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("reopen failed: %v", err)
	}
	if report.SnapshotSequence == nil || *report.SnapshotSequence != 20 || report.EventsReplayed != 4 {
		testContext.Fatalf("expected reopen from snapshot 20, got %+v", report)
	}
	reopenedState, reopenedSequence, _ := reopened.State()
	if reopenedSequence != 24 || string(mustJSON(testContext, reopenedState)) != string(mustJSON(testContext, state)) {
		testContext.Fatalf("expected reopened state to match the live state")
	}
}

func TestRecordEventRejectsInvalidEventWithoutAppending(testContext *testing.T) {
	fixture := mustManagerFixture(testContext)
	documentID := mustCreateDocument(testContext, fixture, "")
	session := mustOpen(testContext, fixture, documentID)

	if _, err := session.RecordEvent(context.Background(), addPath(testContext, 0)); err != nil {
		testContext.Fatalf("record failed: %v", err)
	}
	_, err := session.RecordEvent(context.Background(), eventlog.Draft{
		Type:    canvas.EventPathMove,
		Payload: json.RawMessage(`{"id":"missing","dx":1}`),
	})
	if !errors.Is(err, canvas.ErrUnknownPath) {
		testContext.Fatalf("expected unknown path, got %v", err)
	}
	if failure.CodeOf(err) != "documents.record_event.apply_failed" {
		testContext.Fatalf("unexpected failure code %q", failure.CodeOf(err))
	}
	if _, err := session.RecordEvent(context.Background(), eventlog.Draft{Type: "shape.spin"}); !errors.Is(err, replay.ErrUnknownEventType) {
		testContext.Fatalf("expected unknown event type, got %v", err)
	}

	latest, found, err := fixture.events.MaxSequence(context.Background(), documentID)
	if err != nil || !found || latest != 0 {
		testContext.Fatalf("expected only the accepted event to be stored, got %d/%v (%v)", latest, found, err)
	}
	recorded, err := session.RecordEvent(context.Background(), addPath(testContext, 1))
	if err != nil || recorded.Event.Sequence != 1 {
		testContext.Fatalf("expected next accepted event at 1, got %+v (%v)", recorded.Event, err)
	}
}

func TestSessionSeekAndStep(testContext *testing.T) {
	fixture := mustManagerFixture(testContext)
	documentID := mustCreateDocument(testContext, fixture, "")
	session := mustOpen(testContext, fixture, documentID)
	for index := 0; index < 30; index++ {
		if _, err := session.RecordEvent(context.Background(), addPath(testContext, index)); err != nil {
			testContext.Fatalf("record failed: %v", err)
		}
	}

	result, err := session.Seek(context.Background(), 12)
	if err != nil {
		testContext.Fatalf("seek failed: %v", err)
	}
	if result.TargetSequence != 12 || result.State.PathCount() != 13 {
		testContext.Fatalf("unexpected seek result %+v", result)
	}
	if !result.CheckpointHit || result.CheckpointSequence != 10 {
		testContext.Fatalf("expected live checkpoint at 10 to serve the seek, got %+v", result)
	}

	back, err := session.StepBackward(context.Background())
	if err != nil || back.TargetSequence != 11 || back.State.PathCount() != 12 {
		testContext.Fatalf("unexpected step backward %+v (%v)", back, err)
	}
	forward, err := session.StepForward(context.Background())
	if err != nil || forward.TargetSequence != 12 {
		testContext.Fatalf("unexpected step forward %+v (%v)", forward, err)
	}
	clamped, err := session.Seek(context.Background(), 9999)
	if err != nil || clamped.TargetSequence != 29 {
		testContext.Fatalf("expected clamp to 29, got %+v (%v)", clamped, err)
	}

	if metrics := session.Metrics(); metrics.Count != 4 {
		testContext.Fatalf("expected four recorded seeks, got %+v", metrics)
	}
	status := session.Status()
	if status.Sequence != 29 || status.Position != 29 || status.CheckpointSpacing != testSnapshotInterval {
		testContext.Fatalf("unexpected status %+v", status)
	}

	replayed, err := session.ReplayFromSnapshot(context.Background(), 5)
	if err != nil || replayed.Sequence != 5 || replayed.State.PathCount() != 6 {
		testContext.Fatalf("unexpected replay %+v (%v)", replayed, err)
	}

	if err := fixture.manager.Close(context.Background(), documentID); err != nil {
		testContext.Fatalf("close failed: %v", err)
	}
	if metrics := session.Metrics(); metrics.Count != 0 || metrics.TotalSeeks != 0 {
		testContext.Fatalf("expected close to reset seek metrics, got %+v", metrics)
	}
	if status := session.Status(); status.CheckpointCount != 0 || status.CheckpointBytes != 0 {
		testContext.Fatalf("expected close to release checkpoints, got %+v", status)
	}
}

func TestWarmCheckpointsFillsBoundaries(testContext *testing.T) {
	fixture := mustManagerFixture(testContext)
	documentID := mustCreateDocument(testContext, fixture, "")
	drafts := make([]eventlog.Draft, 35)
	for index := range drafts {
		drafts[index] = addPath(testContext, index)
	}
	if _, err := fixture.events.AppendBatch(context.Background(), documentID, drafts); err != nil {
		testContext.Fatalf("append batch failed: %v", err)
	}

	session := mustOpen(testContext, fixture, documentID)
	built, err := session.WarmCheckpoints(context.Background())
	if err != nil {
		testContext.Fatalf("warm failed: %v", err)
	}
	if built != 4 {
		testContext.Fatalf("expected checkpoints at 0, 10, 20 and 30, got %d", built)
	}
	if status := session.Status(); status.CheckpointCount < 4 {
		testContext.Fatalf("expected cached checkpoints, got %+v", status)
	}
}

func TestNotifierReceivesSessionChanges(testContext *testing.T) {
	fixture := mustManagerFixture(testContext)
	documentID := mustCreateDocument(testContext, fixture, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, unsubscribe := fixture.manager.Notifier().Subscribe(ctx, documentID)
	defer unsubscribe()

	session := mustOpen(testContext, fixture, documentID)
	if _, err := session.RecordEvent(context.Background(), addPath(testContext, 0)); err != nil {
		testContext.Fatalf("record failed: %v", err)
	}
	if _, err := session.Seek(context.Background(), 0); err != nil {
		testContext.Fatalf("seek failed: %v", err)
	}

	for _, expected := range []ChangeReason{ChangeOpen, ChangeRecord, ChangeSeek} {
		select {
		case change := <-stream:
			if change.Reason != expected || change.DocumentID != documentID {
				testContext.Fatalf("expected %s change, got %+v", expected, change)
			}
		case <-time.After(time.Second):
			testContext.Fatalf("timed out waiting for %s change", expected)
		}
	}

	unsubscribe()
	if count := fixture.manager.Notifier().SubscriberCount(documentID); count != 0 {
		testContext.Fatalf("expected no subscribers after unsubscribe, got %d", count)
	}
}

func TestDeleteClosesSessionAndRemovesDocument(testContext *testing.T) {
	fixture := mustManagerFixture(testContext)
	documentID := mustCreateDocument(testContext, fixture, "")
	session := mustOpen(testContext, fixture, documentID)
	if _, err := session.RecordEvent(context.Background(), addPath(testContext, 0)); err != nil {
		testContext.Fatalf("record failed: %v", err)
	}

	if err := fixture.manager.Delete(context.Background(), documentID); err != nil {
		testContext.Fatalf("delete failed: %v", err)
	}
	if _, ok := fixture.manager.Session(documentID); ok {
		testContext.Fatalf("expected session to be closed")
	}
	if _, err := session.RecordEvent(context.Background(), addPath(testContext, 1)); !errors.Is(err, ErrSessionClosed) {
		testContext.Fatalf("expected closed session, got %v", err)
	}
	if _, _, err := fixture.manager.Open(context.Background(), documentID); !errors.Is(err, eventlog.ErrDocumentNotFound) {
		testContext.Fatalf("expected deleted document to be missing, got %v", err)
	}
	var remaining int64
	if err := fixture.database.Model(&eventlog.Event{}).Where("document_id = ?", documentID.String()).Count(&remaining).Error; err != nil {
		testContext.Fatalf("count events failed: %v", err)
	}
	if remaining != 0 {
		testContext.Fatalf("expected events to cascade, found %d", remaining)
	}
}

func TestOpenReturnsExistingSession(testContext *testing.T) {
	fixture := mustManagerFixture(testContext)
	documentID := mustCreateDocument(testContext, fixture, "")
	first := mustOpen(testContext, fixture, documentID)
	second := mustOpen(testContext, fixture, documentID)
	if first != second {
		testContext.Fatalf("expected the open session to be reused")
	}
	if err := fixture.manager.CloseAll(context.Background()); err != nil {
		testContext.Fatalf("close all failed: %v", err)
	}
	if err := fixture.manager.Close(context.Background(), documentID); !errors.Is(err, ErrSessionNotOpen) {
		testContext.Fatalf("expected no open session, got %v", err)
	}
}

func mustManagerFixture(testContext *testing.T) managerFixture {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "documents.db")
	database, err := gorm.Open(sqlite.Open(databasePath+"?_pragma=foreign_keys(1)"), &gorm.Config{TranslateError: true})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&eventlog.Document{}, &eventlog.Event{}, &snapshots.Snapshot{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	clock := func() time.Time { return time.UnixMilli(1700000000000).UTC() }
	events, err := eventlog.NewStore(eventlog.StoreConfig{Database: database, Clock: clock, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to create event store: %v", err)
	}
	snapshotStore, err := snapshots.NewStore(snapshots.StoreConfig{Database: database, Clock: clock, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to create snapshot store: %v", err)
	}
	dispatcher, err := canvas.NewDispatcher()
	if err != nil {
		testContext.Fatalf("failed to create dispatcher: %v", err)
	}

	cadenceConfig := cadence.DefaultConfig()
	cadenceConfig.BaseInterval = testSnapshotInterval
	cadenceConfig.BurstThreshold = 1e9
	cadenceConfig.IdleThreshold = 0

	manager, err := NewManager(ManagerConfig[canvas.State]{
		Events:             events,
		Snapshots:          snapshotStore,
		Dispatcher:         dispatcher,
		NewState:           canvas.NewState,
		Sizer:              canvas.Size,
		Cadence:            cadenceConfig,
		Compress:           true,
		Retention:          snapshots.RetentionPolicy{KeepLatest: 5},
		CheckpointInterval: testSnapshotInterval,
		RecoveryBudget:     time.Second,
		Clock:              clock,
		Logger:             zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to create manager: %v", err)
	}
	testContext.Cleanup(func() {
		_ = manager.CloseAll(context.Background())
	})
	return managerFixture{database: database, events: events, snapshots: snapshotStore, manager: manager}
}

func mustCreateDocument(testContext *testing.T, fixture managerFixture, title string) eventlog.DocumentID {
	testContext.Helper()
	info, err := fixture.manager.Create(context.Background(), title)
	if err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	return info.DocumentID
}

func mustOpen(testContext *testing.T, fixture managerFixture, documentID eventlog.DocumentID) *Session[canvas.State] {
	testContext.Helper()
	session, _, err := fixture.manager.Open(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	return session
}

func addPath(testContext *testing.T, index int) eventlog.Draft {
	testContext.Helper()
	payload := mustJSON(testContext, map[string]any{
		"id":     fmt.Sprintf("p%d", index),
		"points": []canvas.Point{{X: float64(index), Y: float64(index)}},
	})
	return eventlog.Draft{Type: canvas.EventPathAdd, Payload: payload}
}

func mustJSON(testContext *testing.T, value any) []byte {
	testContext.Helper()
	encoded, err := json.Marshal(value)
	if err != nil {
		testContext.Fatalf("marshal failed: %v", err)
	}
	return encoded
}
