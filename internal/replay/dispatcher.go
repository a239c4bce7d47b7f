// Package replay rebuilds document state by folding logged events through registered handlers.
package replay

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
)

var (
	// ErrUnknownEventType indicates an event whose type has no registered handler.
	ErrUnknownEventType = errors.New("replay: unknown event type")
	// ErrInvalidHandler indicates an empty type tag, a nil handler, or a duplicate registration.
	ErrInvalidHandler = errors.New("replay: invalid handler registration")
)

// Handler applies one event to state and returns the resulting state.
// Handlers must be pure and must not mutate the state they receive.
type Handler[S any] func(state S, event eventlog.Record) (S, error)

// Dispatcher maps event type tags to handlers.
type Dispatcher[S any] struct {
	mu       sync.RWMutex
	handlers map[string]Handler[S]
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher[S any]() *Dispatcher[S] {
	return &Dispatcher[S]{handlers: make(map[string]Handler[S])}
}

// Register binds handler to eventType. Registering a type twice is an error.
func (dispatcher *Dispatcher[S]) Register(eventType string, handler Handler[S]) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" || handler == nil {
		return fmt.Errorf("%w: type %q", ErrInvalidHandler, eventType)
	}
	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if _, exists := dispatcher.handlers[eventType]; exists {
		return fmt.Errorf("%w: duplicate handler for %q", ErrInvalidHandler, eventType)
	}
	dispatcher.handlers[eventType] = handler
	return nil
}

// Handles reports whether eventType has a registered handler.
func (dispatcher *Dispatcher[S]) Handles(eventType string) bool {
	dispatcher.mu.RLock()
	defer dispatcher.mu.RUnlock()
	_, ok := dispatcher.handlers[eventType]
	return ok
}

// Dispatch applies a single event.
func (dispatcher *Dispatcher[S]) Dispatch(state S, event eventlog.Record) (S, error) {
	dispatcher.mu.RLock()
	handler, ok := dispatcher.handlers[event.Type]
	dispatcher.mu.RUnlock()
	if !ok {
		return state, fmt.Errorf("%w: %q at sequence %d", ErrUnknownEventType, event.Type, event.Sequence)
	}
	next, err := handler(state, event)
	if err != nil {
		return state, fmt.Errorf("replay: apply %q at sequence %d: %w", event.Type, event.Sequence, err)
	}
	return next, nil
}

// DispatchAll folds events over state in order, stopping at the first failure.
func (dispatcher *Dispatcher[S]) DispatchAll(state S, events []eventlog.Record) (S, error) {
	current := state
	for _, event := range events {
		next, err := dispatcher.Dispatch(current, event)
		if err != nil {
			return state, err
		}
		current = next
	}
	return current, nil
}
