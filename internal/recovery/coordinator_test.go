package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/replay"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/snapshots"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type journal struct {
	Lines []string `json:"lines"`
}

func appendLine(state journal, event eventlog.Record) (journal, error) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return state, err
	}
	lines := make([]string, len(state.Lines), len(state.Lines)+1)
	copy(lines, state.Lines)
	return journal{Lines: append(lines, payload.Text)}, nil
}

type recoveryFixture struct {
	database    *gorm.DB
	events      *eventlog.Store
	snapshots   *snapshots.Store
	engine      *replay.Engine[journal]
	coordinator *Coordinator[journal]
	codec       snapshots.Codec[journal]
}

func TestRecoverFallsBackPastCorruptedSnapshot(testContext *testing.T) {
	corrupted := mustRecoveryFixture(testContext)
	pristine := mustRecoveryFixture(testContext)
	documentID := mustDocument(testContext, "doc-recover")

	for _, fixture := range []recoveryFixture{corrupted, pristine} {
		mustJournalEvents(testContext, fixture, documentID, 0, 1000)
		mustJournalSnapshot(testContext, fixture, documentID, 999)
		mustJournalEvents(testContext, fixture, documentID, 1000, 1000)
	}
	mustCorruptLatestSnapshot(testContext, corrupted, documentID)

	expected, err := pristine.coordinator.Recover(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("pristine recovery failed: %v", err)
	}
	if expected.Outcome != OutcomeClean || expected.HasIssues || len(expected.Warnings) != 0 {
		testContext.Fatalf("expected clean pristine open, got %+v", expected)
	}

	report, err := corrupted.coordinator.Recover(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("recovery failed: %v", err)
	}
	if report.Outcome != OutcomeRecovered || !report.HasIssues || len(report.Warnings) == 0 {
		testContext.Fatalf("expected recovered outcome with warnings, got %+v", report)
	}
	if report.Sequence != 1999 || report.SnapshotSequence != nil || report.EventsReplayed != 2000 {
		testContext.Fatalf("expected full replay to 1999, got %+v", report)
	}
	if !bytes.Equal(mustJSON(testContext, report.State), mustJSON(testContext, expected.State)) {
		testContext.Fatalf("expected recovered state to match the uncorrupted run")
	}
	if len(report.State.Lines) != 2000 {
		testContext.Fatalf("expected 2000 lines, got %d", len(report.State.Lines))
	}
}

func TestRecoverFailsOnEventGap(testContext *testing.T) {
	fixture := mustRecoveryFixture(testContext)
	documentID := mustDocument(testContext, "doc-gap")
	mustJournalEvents(testContext, fixture, documentID, 0, 5)
	if err := fixture.database.Create(&eventlog.Event{
		DocumentID:    documentID.String(),
		EventSequence: 9,
		EventType:     "journal.line",
		EventPayload:  `{"text":"orphan"}`,
		TimestampMs:   1,
	}).Error; err != nil {
		testContext.Fatalf("insert orphan event failed: %v", err)
	}

	report, err := fixture.coordinator.Recover(context.Background(), documentID)
	if !errors.Is(err, eventlog.ErrEventSequenceGap) {
		testContext.Fatalf("expected sequence gap, got %v", err)
	}
	if failure.CodeOf(err) != "recovery.recover.corrupt_event_log" {
		testContext.Fatalf("unexpected failure code %q", failure.CodeOf(err))
	}
	if report.Outcome != OutcomeFailed || report.Reason == "" || !report.HasIssues {
		testContext.Fatalf("expected failed report with reason, got %+v", report)
	}
}

func TestRecoverUpgradesLegacySnapshots(testContext *testing.T) {
	fixture := mustRecoveryFixture(testContext)
	documentID := mustDocument(testContext, "doc-legacy")
	mustJournalEvents(testContext, fixture, documentID, 0, 20)

	replayed, err := fixture.engine.Replay(context.Background(), documentID, 0, eventlog.UpTo(9))
	if err != nil {
		testContext.Fatalf("replay failed: %v", err)
	}
	legacy, err := fixture.snapshots.Save(context.Background(), documentID, 9, mustJSON(testContext, replayed.State))
	if err != nil {
		testContext.Fatalf("save legacy failed: %v", err)
	}
	if _, err := fixture.snapshots.Save(context.Background(), documentID, 4, []byte(`{"lines": [broken`)); err != nil {
		testContext.Fatalf("save broken legacy failed: %v", err)
	}

	report, err := fixture.coordinator.Recover(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("recovery failed: %v", err)
	}
	if report.UpgradedSnapshots != 1 {
		testContext.Fatalf("expected one upgraded snapshot, got %d", report.UpgradedSnapshots)
	}
	if report.SnapshotSequence == nil || *report.SnapshotSequence != 9 || report.EventsReplayed != 10 {
		testContext.Fatalf("expected replay from upgraded snapshot 9, got %+v", report)
	}
	if len(report.Warnings) != 1 || report.Outcome != OutcomeRecovered {
		testContext.Fatalf("expected one warning for the broken legacy snapshot, got %+v", report)
	}

	headers, err := fixture.snapshots.List(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	for _, header := range headers {
		if header.Sequence != 9 {
			continue
		}
		if header.SnapshotID == legacy.SnapshotID {
			testContext.Fatalf("expected legacy row to be replaced")
		}
		stored, err := fixture.snapshots.Load(context.Background(), header.SnapshotID)
		if err != nil {
			testContext.Fatalf("load failed: %v", err)
		}
		if snapshots.DetectLegacy(stored.Data) != snapshots.LegacyNone {
			testContext.Fatalf("expected upgraded payload to carry the envelope")
		}
	}
}

func TestRecoverEmptyDocument(testContext *testing.T) {
	fixture := mustRecoveryFixture(testContext)
	report, err := fixture.coordinator.Recover(context.Background(), mustDocument(testContext, "doc-empty"))
	if err != nil {
		testContext.Fatalf("recovery failed: %v", err)
	}
	if report.Outcome != OutcomeClean || !report.Empty || report.HasIssues {
		testContext.Fatalf("expected clean empty open, got %+v", report)
	}
}

func mustRecoveryFixture(testContext *testing.T) recoveryFixture {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "recovery.db")
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
	dispatcher := replay.NewDispatcher[journal]()
	if err := dispatcher.Register("journal.line", appendLine); err != nil {
		testContext.Fatalf("register failed: %v", err)
	}
	codec := snapshots.NewCodec[journal]()
	engine, err := replay.NewEngine(replay.EngineConfig[journal]{
		Events:     events,
		Snapshots:  snapshotStore,
		Codec:      codec,
		Dispatcher: dispatcher,
		NewState:   func() journal { return journal{Lines: []string{}} },
	})
	if err != nil {
		testContext.Fatalf("failed to create engine: %v", err)
	}
	coordinator, err := NewCoordinator(CoordinatorConfig[journal]{
		Events:    events,
		Snapshots: snapshotStore,
		Engine:    engine,
		Compress:  true,
		Budget:    time.Second,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to create coordinator: %v", err)
	}
	return recoveryFixture{
		database:    database,
		events:      events,
		snapshots:   snapshotStore,
		engine:      engine,
		coordinator: coordinator,
		codec:       codec,
	}
}

func mustDocument(testContext *testing.T, value string) eventlog.DocumentID {
	testContext.Helper()
	documentID, err := eventlog.NewDocumentID(value)
	if err != nil {
		testContext.Fatalf("document id failed: %v", err)
	}
	return documentID
}

func mustJournalEvents(testContext *testing.T, fixture recoveryFixture, documentID eventlog.DocumentID, first, count int) {
	testContext.Helper()
	drafts := make([]eventlog.Draft, 0, count)
	for index := first; index < first+count; index++ {
		drafts = append(drafts, eventlog.Draft{
			Type:    "journal.line",
			Payload: json.RawMessage(fmt.Sprintf(`{"text":"line %d"}`, index)),
		})
	}
	if _, err := fixture.events.AppendBatch(context.Background(), documentID, drafts); err != nil {
		testContext.Fatalf("append batch failed: %v", err)
	}
}

func mustJournalSnapshot(testContext *testing.T, fixture recoveryFixture, documentID eventlog.DocumentID, sequence uint64) {
	testContext.Helper()
	result, err := fixture.engine.Replay(context.Background(), documentID, 0, eventlog.UpTo(sequence))
	if err != nil {
		testContext.Fatalf("replay failed: %v", err)
	}
	data, err := fixture.codec.Serialize(result.State, true)
	if err != nil {
		testContext.Fatalf("serialize failed: %v", err)
	}
	if _, err := fixture.snapshots.Save(context.Background(), documentID, sequence, data); err != nil {
		testContext.Fatalf("save snapshot failed: %v", err)
	}
}

func mustCorruptLatestSnapshot(testContext *testing.T, fixture recoveryFixture, documentID eventlog.DocumentID) {
	testContext.Helper()
	var model snapshots.Snapshot
	if err := fixture.database.Where("document_id = ?", documentID.String()).Order("event_sequence DESC").Take(&model).Error; err != nil {
		testContext.Fatalf("load snapshot failed: %v", err)
	}
	corrupted := append([]byte(nil), model.SnapshotData...)
	corrupted[snapshots.HeaderSize+len(corrupted[snapshots.HeaderSize:])/2] ^= 0xFF
	if err := fixture.database.Model(&snapshots.Snapshot{}).Where("snapshot_id = ?", model.SnapshotID).Update("snapshot_data", corrupted).Error; err != nil {
		testContext.Fatalf("corrupt snapshot failed: %v", err)
	}
}

func mustJSON(testContext *testing.T, value any) []byte {
	testContext.Helper()
	encoded, err := json.Marshal(value)
	if err != nil {
		testContext.Fatalf("marshal failed: %v", err)
	}
	return encoded
}
