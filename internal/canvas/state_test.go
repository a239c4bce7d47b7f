package canvas

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/replay"
)

func TestHandlersBuildDocument(testContext *testing.T) {
	dispatcher := mustDispatcher(testContext)
	events := []eventlog.Record{
		mustRecord(testContext, 0, EventDocumentRename, map[string]any{"title": "  Sketch  "}),
		mustRecord(testContext, 1, EventPathAdd, map[string]any{"id": "p1", "points": []Point{{X: 1, Y: 1}, {X: 2, Y: 3}}}),
		mustRecord(testContext, 2, EventPathAdd, map[string]any{"id": "p2", "stroke": "#ff0000", "width": 3}),
		mustRecord(testContext, 3, EventPathMove, map[string]any{"id": "p1", "dx": 10, "dy": -1}),
		mustRecord(testContext, 4, EventPathRestyle, map[string]any{"id": "p1", "width": 2.5}),
		mustRecord(testContext, 5, EventPathDelete, map[string]any{"id": "p2"}),
	}

	state, err := dispatcher.DispatchAll(NewState(), events)
	if err != nil {
		testContext.Fatalf("dispatch failed: %v", err)
	}
	if state.Title != "Sketch" || state.PathCount() != 1 {
		testContext.Fatalf("unexpected document %+v", state)
	}
	path := state.Paths[0]
	if path.ID != "p1" || path.Stroke != "#000000" || path.Width != 2.5 {
		testContext.Fatalf("unexpected path %+v", path)
	}
	if path.Points[0] != (Point{X: 11, Y: 0}) || path.Points[1] != (Point{X: 12, Y: 2}) {
		testContext.Fatalf("unexpected moved points %+v", path.Points)
	}
}

func TestHandlersDoNotMutateInput(testContext *testing.T) {
	dispatcher := mustDispatcher(testContext)
	original, err := dispatcher.Dispatch(NewState(), mustRecord(testContext, 0, EventPathAdd, map[string]any{
		"id":     "p1",
		"points": []Point{{X: 0, Y: 0}},
	}))
	if err != nil {
		testContext.Fatalf("add failed: %v", err)
	}
	before, _ := json.Marshal(original)

	mutations := []eventlog.Record{
		mustRecord(testContext, 1, EventPathMove, map[string]any{"id": "p1", "dx": 5, "dy": 5}),
		mustRecord(testContext, 1, EventPathRestyle, map[string]any{"id": "p1", "stroke": "#00ff00"}),
		mustRecord(testContext, 1, EventPathDelete, map[string]any{"id": "p1"}),
		mustRecord(testContext, 1, EventPathAdd, map[string]any{"id": "p2"}),
		mustRecord(testContext, 1, EventDocumentRename, map[string]any{"title": "renamed"}),
	}
	for _, event := range mutations {
		if _, err := dispatcher.Dispatch(original, event); err != nil {
			testContext.Fatalf("%s failed: %v", event.Type, err)
		}
		after, _ := json.Marshal(original)
		if string(before) != string(after) {
			testContext.Fatalf("%s mutated its input: %s -> %s", event.Type, before, after)
		}
	}
}

func TestHandlersRejectInvalidEvents(testContext *testing.T) {
	dispatcher := mustDispatcher(testContext)
	seeded, err := dispatcher.Dispatch(NewState(), mustRecord(testContext, 0, EventPathAdd, map[string]any{"id": "p1"}))
	if err != nil {
		testContext.Fatalf("seed failed: %v", err)
	}

	testCases := []struct {
		name     string
		event    eventlog.Record
		expected error
	}{
		{name: "duplicate path", event: mustRecord(testContext, 1, EventPathAdd, map[string]any{"id": "p1"}), expected: ErrDuplicatePath},
		{name: "blank path id", event: mustRecord(testContext, 1, EventPathAdd, map[string]any{"id": "  "}), expected: ErrInvalidPayload},
		{name: "move unknown path", event: mustRecord(testContext, 1, EventPathMove, map[string]any{"id": "p9"}), expected: ErrUnknownPath},
		{name: "delete unknown path", event: mustRecord(testContext, 1, EventPathDelete, map[string]any{"id": "p9"}), expected: ErrUnknownPath},
		{name: "non-positive width", event: mustRecord(testContext, 1, EventPathRestyle, map[string]any{"id": "p1", "width": 0}), expected: ErrInvalidPayload},
		{name: "malformed payload", event: eventlog.Record{Sequence: 1, Type: EventPathMove, Payload: json.RawMessage(`[1,2]`)}, expected: ErrInvalidPayload},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			result, err := dispatcher.Dispatch(seeded, testCase.event)
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
			if result.PathCount() != 1 {
				t.Fatalf("expected input state on failure, got %+v", result)
			}
		})
	}
}

func TestRegisterTwiceFails(testContext *testing.T) {
	dispatcher := mustDispatcher(testContext)
	if err := Register(dispatcher); !errors.Is(err, replay.ErrInvalidHandler) {
		testContext.Fatalf("expected duplicate registration to fail, got %v", err)
	}
}

func TestSizeGrowsWithContent(testContext *testing.T) {
	empty := Size(NewState())
	dispatcher := mustDispatcher(testContext)
	state, err := dispatcher.Dispatch(NewState(), mustRecord(testContext, 0, EventPathAdd, map[string]any{
		"id":     "p1",
		"points": []Point{{X: 1}, {X: 2}, {X: 3}},
	}))
	if err != nil {
		testContext.Fatalf("add failed: %v", err)
	}
	if Size(state) <= empty {
		testContext.Fatalf("expected size to grow, got %d <= %d", Size(state), empty)
	}
}

func mustDispatcher(testContext *testing.T) *replay.Dispatcher[State] {
	testContext.Helper()
	dispatcher, err := NewDispatcher()
	if err != nil {
		testContext.Fatalf("dispatcher failed: %v", err)
	}
	return dispatcher
}

func mustRecord(testContext *testing.T, sequence uint64, eventType string, payload any) eventlog.Record {
	testContext.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		testContext.Fatalf("marshal payload failed: %v", err)
	}
	return eventlog.Record{Sequence: sequence, Type: eventType, Payload: encoded}
}
