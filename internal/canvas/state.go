// Package canvas is the reference vector-document domain: a default state and pure event handlers.
package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/replay"
)

// Event types understood by the canvas domain.
const (
	EventPathAdd        = "path.add"
	EventPathMove       = "path.move"
	EventPathDelete     = "path.delete"
	EventPathRestyle    = "path.restyle"
	EventDocumentRename = "document.rename"

	maxTitleLength  = 512
	pointSizeBytes  = 16
	pathBaseBytes   = 64
	stateBaseBytes  = 64
	defaultStroke   = "#000000"
	defaultStrokeWd = 1.0
)

var (
	// ErrInvalidPayload indicates an event payload the domain cannot apply.
	ErrInvalidPayload = errors.New("canvas: invalid event payload")
	// ErrUnknownPath indicates an event that references a path not present in the document.
	ErrUnknownPath = errors.New("canvas: unknown path")
	// ErrDuplicatePath indicates an attempt to add a path whose identifier already exists.
	ErrDuplicatePath = errors.New("canvas: duplicate path")
)

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Path is one stroked polyline.
type Path struct {
	ID     string  `json:"id"`
	Points []Point `json:"points"`
	Stroke string  `json:"stroke"`
	Width  float64 `json:"width"`
}

// State is the full document. Values are treated as immutable once built.
type State struct {
	Title string `json:"title"`
	Paths []Path `json:"paths"`
}

// NewState returns the empty document.
func NewState() State {
	return State{Paths: []Path{}}
}

// PathCount returns the number of paths in the document.
func (state State) PathCount() int {
	return len(state.Paths)
}

// Size estimates the resident size of state for checkpoint budgeting.
func Size(state State) int64 {
	size := int64(stateBaseBytes + len(state.Title))
	for _, path := range state.Paths {
		size += int64(pathBaseBytes + len(path.ID) + len(path.Stroke) + len(path.Points)*pointSizeBytes)
	}
	return size
}

// Register installs every canvas handler on dispatcher.
func Register(dispatcher *replay.Dispatcher[State]) error {
	handlers := map[string]replay.Handler[State]{
		EventPathAdd:        applyPathAdd,
		EventPathMove:       applyPathMove,
		EventPathDelete:     applyPathDelete,
		EventPathRestyle:    applyPathRestyle,
		EventDocumentRename: applyDocumentRename,
	}
	for _, eventType := range []string{EventPathAdd, EventPathMove, EventPathDelete, EventPathRestyle, EventDocumentRename} {
		if err := dispatcher.Register(eventType, handlers[eventType]); err != nil {
			return err
		}
	}
	return nil
}

// NewDispatcher returns a dispatcher with the canvas handlers registered.
func NewDispatcher() (*replay.Dispatcher[State], error) {
	dispatcher := replay.NewDispatcher[State]()
	if err := Register(dispatcher); err != nil {
		return nil, err
	}
	return dispatcher, nil
}

type pathAddPayload struct {
	ID     string  `json:"id"`
	Points []Point `json:"points"`
	Stroke string  `json:"stroke"`
	Width  float64 `json:"width"`
}

type pathMovePayload struct {
	ID string  `json:"id"`
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

type pathRefPayload struct {
	ID string `json:"id"`
}

type pathRestylePayload struct {
	ID     string   `json:"id"`
	Stroke *string  `json:"stroke"`
	Width  *float64 `json:"width"`
}

type renamePayload struct {
	Title string `json:"title"`
}

func applyPathAdd(state State, event eventlog.Record) (State, error) {
	var payload pathAddPayload
	if err := decode(event, &payload); err != nil {
		return state, err
	}
	id := strings.TrimSpace(payload.ID)
	if id == "" {
		return state, fmt.Errorf("%w: path id is required", ErrInvalidPayload)
	}
	if state.indexOf(id) >= 0 {
		return state, fmt.Errorf("%w: %s", ErrDuplicatePath, id)
	}
	stroke := payload.Stroke
	if stroke == "" {
		stroke = defaultStroke
	}
	width := payload.Width
	if width <= 0 {
		width = defaultStrokeWd
	}
	points := append([]Point(nil), payload.Points...)
	if points == nil {
		points = []Point{}
	}

	paths := make([]Path, len(state.Paths), len(state.Paths)+1)
	copy(paths, state.Paths)
	paths = append(paths, Path{ID: id, Points: points, Stroke: stroke, Width: width})
	return State{Title: state.Title, Paths: paths}, nil
}

func applyPathMove(state State, event eventlog.Record) (State, error) {
	var payload pathMovePayload
	if err := decode(event, &payload); err != nil {
		return state, err
	}
	index := state.indexOf(payload.ID)
	if index < 0 {
		return state, fmt.Errorf("%w: %s", ErrUnknownPath, payload.ID)
	}
	original := state.Paths[index]
	moved := make([]Point, len(original.Points))
	for pointIndex, point := range original.Points {
		moved[pointIndex] = Point{X: point.X + payload.DX, Y: point.Y + payload.DY}
	}
	return state.withPath(index, Path{ID: original.ID, Points: moved, Stroke: original.Stroke, Width: original.Width}), nil
}

func applyPathDelete(state State, event eventlog.Record) (State, error) {
	var payload pathRefPayload
	if err := decode(event, &payload); err != nil {
		return state, err
	}
	index := state.indexOf(payload.ID)
	if index < 0 {
		return state, fmt.Errorf("%w: %s", ErrUnknownPath, payload.ID)
	}
	paths := make([]Path, 0, len(state.Paths)-1)
	paths = append(paths, state.Paths[:index]...)
	paths = append(paths, state.Paths[index+1:]...)
	return State{Title: state.Title, Paths: paths}, nil
}

func applyPathRestyle(state State, event eventlog.Record) (State, error) {
	var payload pathRestylePayload
	if err := decode(event, &payload); err != nil {
		return state, err
	}
	index := state.indexOf(payload.ID)
	if index < 0 {
		return state, fmt.Errorf("%w: %s", ErrUnknownPath, payload.ID)
	}
	updated := state.Paths[index]
	if payload.Stroke != nil {
		updated.Stroke = *payload.Stroke
	}
	if payload.Width != nil {
		if *payload.Width <= 0 {
			return state, fmt.Errorf("%w: width must be positive", ErrInvalidPayload)
		}
		updated.Width = *payload.Width
	}
	return state.withPath(index, updated), nil
}

func applyDocumentRename(state State, event eventlog.Record) (State, error) {
	var payload renamePayload
	if err := decode(event, &payload); err != nil {
		return state, err
	}
	title := strings.TrimSpace(payload.Title)
	if len(title) > maxTitleLength {
		return state, fmt.Errorf("%w: title exceeds %d characters", ErrInvalidPayload, maxTitleLength)
	}
	return State{Title: title, Paths: state.Paths}, nil
}

func (state State) indexOf(id string) int {
	for index, path := range state.Paths {
		if path.ID == id {
			return index
		}
	}
	return -1
}

func (state State) withPath(index int, path Path) State {
	paths := make([]Path, len(state.Paths))
	copy(paths, state.Paths)
	paths[index] = path
	return State{Title: state.Title, Paths: paths}
}

func decode(event eventlog.Record, target any) error {
	if err := json.Unmarshal(event.Payload, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, event.Type, err)
	}
	return nil
}
