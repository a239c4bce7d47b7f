package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/canvas"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/config"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/recovery"
	"github.com/spf13/viper"
)

const seededEvents = 20

func TestRecoverCommandPrintsReport(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "wavetrace.db")
	documentID := mustSeedDocument(testContext, databasePath)

	output, err := runCommand(testContext, "recover", "--document", documentID.String(), "--database-path", databasePath)
	if err != nil {
		testContext.Fatalf("recover failed: %v", err)
	}

	var report struct {
		DocumentID       string           `json:"documentId"`
		Outcome          recovery.Outcome `json:"outcome"`
		Sequence         uint64           `json:"sequence"`
		SnapshotSequence *uint64          `json:"snapshotSequence"`
	}
	if err := json.Unmarshal([]byte(output), &report); err != nil {
		testContext.Fatalf("invalid report %q: %v", output, err)
	}
	if report.DocumentID != documentID.String() || report.Outcome != recovery.OutcomeClean {
		testContext.Fatalf("unexpected report %+v", report)
	}
	if report.Sequence != seededEvents-1 {
		testContext.Fatalf("expected head sequence %d, got %d", seededEvents-1, report.Sequence)
	}
	if report.SnapshotSequence == nil {
		testContext.Fatal("expected recovery to start from a snapshot")
	}
}

func TestRecoverCommandRejectsUnknownDocument(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "wavetrace.db")
	output, err := runCommand(testContext, "recover", "--document", "missing", "--database-path", databasePath)
	if err == nil {
		testContext.Fatal("expected recover of an unknown document to fail")
	}
	if !strings.Contains(output, string(recovery.OutcomeFailed)) {
		testContext.Fatalf("expected a failed report, got %q", output)
	}
}

func TestPruneCommandKeepsLatestSnapshots(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "wavetrace.db")
	documentID := mustSeedDocument(testContext, databasePath)

	before := mustSnapshotCount(testContext, databasePath, documentID)
	if before < 2 {
		testContext.Fatalf("expected several snapshots before pruning, got %d", before)
	}

	output, err := runCommand(testContext, "prune", "--document", documentID.String(), "--keep", "1", "--database-path", databasePath)
	if err != nil {
		testContext.Fatalf("prune failed: %v", err)
	}
	if expected := fmt.Sprintf("removed %d snapshot(s)", before-1); !strings.Contains(output, expected) {
		testContext.Fatalf("expected %q in output, got %q", expected, output)
	}
	if after := mustSnapshotCount(testContext, databasePath, documentID); after != 1 {
		testContext.Fatalf("expected one snapshot after pruning, got %d", after)
	}
}

func runCommand(testContext *testing.T, args ...string) (string, error) {
	testContext.Helper()
	testContext.Cleanup(viper.Reset)
	command := newRootCommand()
	var output bytes.Buffer
	command.SetOut(&output)
	command.SetErr(&output)
	command.SetArgs(args)
	err := command.Execute()
	return output.String(), err
}

func mustRuntime(testContext *testing.T, databasePath string) *runtime {
	testContext.Helper()
	testContext.Cleanup(viper.Reset)
	newRootCommand()
	viper.Set(config.KeyDatabasePath, databasePath)
	viper.Set(config.KeyLogLevel, "error")
	viper.Set(config.KeySnapshotBaseInterval, 5)
	viper.Set(config.KeySnapshotBurstThreshold, 1e9)
	viper.Set(config.KeySnapshotIdleThreshold, 0)
	viper.Set(config.KeySnapshotRetainCount, 0)
	rt, err := openRuntime()
	if err != nil {
		testContext.Fatalf("failed to open runtime: %v", err)
	}
	return rt
}

func mustSeedDocument(testContext *testing.T, databasePath string) eventlog.DocumentID {
	testContext.Helper()
	rt := mustRuntime(testContext, databasePath)
	defer rt.close()
	defer viper.Reset()

	ctx := context.Background()
	info, err := rt.manager.Create(ctx, "Seeded")
	if err != nil {
		testContext.Fatalf("create failed: %v", err)
	}
	session, _, err := rt.manager.Open(ctx, info.DocumentID)
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	for index := 0; index < seededEvents; index++ {
		payload := fmt.Sprintf(`{"title":"revision %d"}`, index)
		if _, err := session.RecordEvent(ctx, eventlog.Draft{Type: canvas.EventDocumentRename, Payload: json.RawMessage(payload)}); err != nil {
			testContext.Fatalf("record %d failed: %v", index, err)
		}
	}
	if err := rt.manager.CloseAll(ctx); err != nil {
		testContext.Fatalf("close failed: %v", err)
	}
	return info.DocumentID
}

func mustSnapshotCount(testContext *testing.T, databasePath string, documentID eventlog.DocumentID) int {
	testContext.Helper()
	rt := mustRuntime(testContext, databasePath)
	defer rt.close()
	defer viper.Reset()

	headers, err := rt.snapshots.List(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("list failed: %v", err)
	}
	return len(headers)
}
