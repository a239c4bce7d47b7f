package documents

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
)

const defaultSubscriberBuffer = 16

// ChangeReason names what moved a document's visible state.
type ChangeReason string

const (
	ChangeOpen   ChangeReason = "open"
	ChangeRecord ChangeReason = "record"
	ChangeSeek   ChangeReason = "seek"
	ChangeStep   ChangeReason = "step"
)

// Change is one state-change notification.
type Change struct {
	DocumentID eventlog.DocumentID `json:"documentId"`
	Sequence   uint64              `json:"sequence"`
	Reason     ChangeReason        `json:"reason"`
	Timestamp  time.Time           `json:"timestamp"`
}

// Notifier fans state changes out to per-document subscribers.
// Publishing never blocks; a subscriber with a full buffer misses the change.
type Notifier struct {
	mu          sync.RWMutex
	subscribers map[eventlog.DocumentID]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Change
}

// NewNotifier returns a Notifier with the default per-subscriber buffer.
func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[eventlog.DocumentID]map[int64]*subscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers for changes of documentID until ctx ends or the returned cancel runs.
// The stream is closed once the subscription ends.
func (notifier *Notifier) Subscribe(ctx context.Context, documentID eventlog.DocumentID) (<-chan Change, func()) {
	if documentID == "" {
		stream := make(chan Change)
		close(stream)
		return stream, func() {}
	}
	entry := &subscriber{stream: make(chan Change, notifier.bufferSize)}
	notifier.register(documentID, entry)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			notifier.unregister(documentID, entry)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return entry.stream, cancel
}

// Publish delivers change to every current subscriber of its document.
func (notifier *Notifier) Publish(change Change) {
	if change.DocumentID == "" {
		return
	}
	notifier.mu.RLock()
	defer notifier.mu.RUnlock()
	for _, entry := range notifier.subscribers[change.DocumentID] {
		select {
		case entry.stream <- change:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscriptions for documentID.
func (notifier *Notifier) SubscriberCount(documentID eventlog.DocumentID) int {
	notifier.mu.RLock()
	defer notifier.mu.RUnlock()
	return len(notifier.subscribers[documentID])
}

func (notifier *Notifier) register(documentID eventlog.DocumentID, entry *subscriber) {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.nextID++
	entry.id = notifier.nextID
	if _, ok := notifier.subscribers[documentID]; !ok {
		notifier.subscribers[documentID] = make(map[int64]*subscriber)
	}
	notifier.subscribers[documentID][entry.id] = entry
}

func (notifier *Notifier) unregister(documentID eventlog.DocumentID, entry *subscriber) {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	close(entry.stream)
	entries := notifier.subscribers[documentID]
	if entries == nil {
		return
	}
	delete(entries, entry.id)
	if len(entries) == 0 {
		delete(notifier.subscribers, documentID)
	}
}
