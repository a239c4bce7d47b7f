package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
)

func TestStreamRelaysStateChanges(t *testing.T) {
	fixture := mustRouter(t)
	created := mustCreateDocument(t, fixture, "")
	documentID := eventlog.DocumentID(created.DocumentID)

	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/documents/"+created.DocumentID+"/stream", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	response, err := server.Client().Do(request)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected stream to open, got %d", response.StatusCode)
	}
	if !strings.HasPrefix(response.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected content type %q", response.Header.Get("Content-Type"))
	}

	deadline := time.Now().Add(time.Second)
	for fixture.manager.Notifier().SubscriberCount(documentID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected stream subscription to register")
		}
		time.Sleep(5 * time.Millisecond)
	}

	recorded := performRequest(fixture.handler, http.MethodPost, "/documents/"+created.DocumentID+"/events", `{"type":"document.rename","payload":{"title":"live"}}`)
	if recorded.Code != http.StatusCreated {
		t.Fatalf("record failed with %d: %s", recorded.Code, recorded.Body.String())
	}

	reasons := map[documents.ChangeReason]bool{}
	heartbeats := 0
	scanner := bufio.NewScanner(response.Body)
	currentEvent := ""
	for scanner.Scan() && !(reasons[documents.ChangeOpen] && reasons[documents.ChangeRecord] && heartbeats > 0) {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:") && currentEvent == streamEventStateChanged:
			var change documents.Change
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &change); err != nil {
				t.Fatalf("invalid change payload %q: %v", line, err)
			}
			if change.DocumentID != documentID {
				t.Fatalf("unexpected document in change %+v", change)
			}
			reasons[change.Reason] = true
		case strings.HasPrefix(line, "data:") && currentEvent == streamEventHeartbeat:
			heartbeats++
		}
	}
	if !reasons[documents.ChangeOpen] || !reasons[documents.ChangeRecord] || heartbeats == 0 {
		t.Fatalf("expected open and record changes plus a heartbeat, got %v and %d heartbeats (%v)", reasons, heartbeats, scanner.Err())
	}
}

func TestStreamRejectsUnknownDocument(t *testing.T) {
	fixture := mustRouter(t)
	recorder := performRequest(fixture.handler, http.MethodGet, "/documents/missing/stream", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", recorder.Code)
	}
}
