package snapshots

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/telemetry"
	"go.uber.org/zap"
)

const (
	defaultQueueCapacity    = 4
	defaultWriteTimeout     = 30 * time.Second
	backlogWarningThreshold = 3
)

var errMissingStore = errors.New("snapshot store is required")

// WriterConfig describes a per-document asynchronous snapshot writer.
type WriterConfig[S any] struct {
	Store         *Store
	Codec         Codec[S]
	DocumentID    eventlog.DocumentID
	Compress      bool
	QueueCapacity int
	WriteTimeout  time.Duration
	Retention     RetentionPolicy
	Logger        *zap.Logger
	Sink          telemetry.Sink
}

// Writer encodes and stores snapshots off the edit path.
// A single worker per document keeps at most one write in flight.
type Writer[S any] struct {
	store        *Store
	codec        Codec[S]
	documentID   eventlog.DocumentID
	compress     bool
	writeTimeout time.Duration
	retention    RetentionPolicy
	logger       *zap.Logger
	sink         telemetry.Sink

	mu       sync.RWMutex
	closed   bool
	requests chan writeRequest[S]
	pending  atomic.Int64
	done     chan struct{}
}

type writeRequest[S any] struct {
	sequence uint64
	state    S
	flushed  chan struct{}
}

// NewWriter starts the writer's worker goroutine.
func NewWriter[S any](cfg WriterConfig[S]) (*Writer[S], error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	writer := &Writer[S]{
		store:        cfg.Store,
		codec:        cfg.Codec,
		documentID:   cfg.DocumentID,
		compress:     cfg.Compress,
		writeTimeout: writeTimeout,
		retention:    cfg.Retention,
		logger:       logger.With(zap.String(fieldDocumentID, cfg.DocumentID.String())),
		sink:         telemetry.OrNop(cfg.Sink),
		requests:     make(chan writeRequest[S], capacity),
		done:         make(chan struct{}),
	}
	go writer.run()
	return writer, nil
}

// Submit queues a snapshot of state after sequence without blocking.
// It reports false when the request was skipped because the queue is full or the writer is closed.
func (writer *Writer[S]) Submit(sequence uint64, state S) bool {
	writer.mu.RLock()
	defer writer.mu.RUnlock()
	if writer.closed {
		return false
	}

	pending := writer.pending.Add(1)
	select {
	case writer.requests <- writeRequest[S]{sequence: sequence, state: state}:
		if pending >= backlogWarningThreshold {
			writer.logger.Warn("snapshot backlog growing",
				zap.Uint64(fieldSequence, sequence),
				zap.Int64("pending", pending))
		}
		return true
	default:
		writer.pending.Add(-1)
		writer.logger.Warn("snapshot queue full; skipping snapshot", zap.Uint64(fieldSequence, sequence))
		writer.sink.ObserveSnapshotSkipped()
		return false
	}
}

// Pending reports queued plus in-flight snapshot writes.
func (writer *Writer[S]) Pending() int {
	return int(writer.pending.Load())
}

// Flush waits until every snapshot submitted before the call has been written.
func (writer *Writer[S]) Flush(ctx context.Context) error {
	writer.mu.RLock()
	if writer.closed {
		writer.mu.RUnlock()
		return nil
	}
	marker := make(chan struct{})
	select {
	case writer.requests <- writeRequest[S]{flushed: marker}:
	case <-ctx.Done():
		writer.mu.RUnlock()
		return ctx.Err()
	}
	writer.mu.RUnlock()

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting snapshots, drains the queue, and waits for the worker to exit.
func (writer *Writer[S]) Close() {
	writer.mu.Lock()
	if !writer.closed {
		writer.closed = true
		close(writer.requests)
	}
	writer.mu.Unlock()
	<-writer.done
}

func (writer *Writer[S]) run() {
	defer close(writer.done)
	for request := range writer.requests {
		if request.flushed != nil {
			close(request.flushed)
			continue
		}
		writer.write(request)
		writer.pending.Add(-1)
	}
}

func (writer *Writer[S]) write(request writeRequest[S]) {
	ctx, cancel := context.WithTimeout(context.Background(), writer.writeTimeout)
	defer cancel()

	started := time.Now()
	data, err := writer.codec.Serialize(request.state, writer.compress)
	if err == nil {
		_, err = writer.store.Save(ctx, writer.documentID, request.sequence, data)
	}
	writer.sink.ObserveSnapshotWrite(time.Since(started), len(data), err)
	if err != nil {
		writer.logger.Error("snapshot write failed", zap.Uint64(fieldSequence, request.sequence), zap.Error(err))
		return
	}
	writer.logger.Debug("snapshot written",
		zap.Uint64(fieldSequence, request.sequence),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(started)))

	removed, err := writer.store.Prune(ctx, writer.documentID, writer.retention)
	if err != nil {
		writer.logger.Warn("snapshot pruning failed", zap.Error(err))
		return
	}
	if removed > 0 {
		writer.logger.Debug("snapshots pruned", zap.Int("removed", removed))
	}
}
