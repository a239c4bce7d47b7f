// Package documents exposes open document sessions to the editing surface.
package documents

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/cadence"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/checkpoints"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/recovery"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/replay"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/snapshots"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/telemetry"
	"go.uber.org/zap"
)

const (
	opOpen             = "documents.open"
	opCreate           = "documents.create"
	opDelete           = "documents.delete"
	reasonLookupFailed = "lookup_failed"
	reasonSetupFailed  = "setup_failed"
	reasonCloseFailed  = "close_failed"
)

var (
	// ErrSessionNotOpen indicates a request for a document that has no open session.
	ErrSessionNotOpen = errors.New("documents: session not open")

	errMissingDependency = errors.New("documents: event store, snapshot store, dispatcher, and state constructor are required")
)

// ManagerConfig wires a Manager.
type ManagerConfig[S any] struct {
	Events                *eventlog.Store
	Snapshots             *snapshots.Store
	Dispatcher            *replay.Dispatcher[S]
	NewState              func() S
	Sizer                 checkpoints.Sizer[S]
	Cadence               cadence.Config
	Compress              bool
	SnapshotQueueCapacity int
	Retention             snapshots.RetentionPolicy
	CheckpointInterval    uint64
	CheckpointBudgetBytes int64
	RecoveryBudget        time.Duration
	Notifier              *Notifier
	Clock                 func() time.Time
	Logger                *zap.Logger
	Sink                  telemetry.Sink
}

// Manager opens, tracks, and closes document sessions. Documents are independent of each other.
type Manager[S any] struct {
	config      ManagerConfig[S]
	events      *eventlog.Store
	snapshots   *snapshots.Store
	engine      *replay.Engine[S]
	coordinator *recovery.Coordinator[S]
	codec       snapshots.Codec[S]
	notifier    *Notifier
	clock       func() time.Time
	logger      *zap.Logger
	sink        telemetry.Sink

	mu       sync.Mutex
	sessions map[eventlog.DocumentID]*Session[S]
}

// NewManager validates the configuration and returns a Manager.
func NewManager[S any](cfg ManagerConfig[S]) (*Manager[S], error) {
	if cfg.Events == nil || cfg.Snapshots == nil || cfg.Dispatcher == nil || cfg.NewState == nil {
		return nil, errMissingDependency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := telemetry.OrNop(cfg.Sink)
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewNotifier()
	}
	codec := snapshots.NewCodec[S]()

	engine, err := replay.NewEngine(replay.EngineConfig[S]{
		Events:     cfg.Events,
		Snapshots:  cfg.Snapshots,
		Codec:      codec,
		Dispatcher: cfg.Dispatcher,
		NewState:   cfg.NewState,
		Logger:     logger,
		Sink:       sink,
	})
	if err != nil {
		return nil, err
	}
	coordinator, err := recovery.NewCoordinator(recovery.CoordinatorConfig[S]{
		Events:    cfg.Events,
		Snapshots: cfg.Snapshots,
		Engine:    engine,
		Compress:  cfg.Compress,
		Budget:    cfg.RecoveryBudget,
		Logger:    logger,
		Sink:      sink,
	})
	if err != nil {
		return nil, err
	}
	return &Manager[S]{
		config:      cfg,
		events:      cfg.Events,
		snapshots:   cfg.Snapshots,
		engine:      engine,
		coordinator: coordinator,
		codec:       codec,
		notifier:    notifier,
		clock:       clock,
		logger:      logger,
		sink:        sink,
		sessions:    make(map[eventlog.DocumentID]*Session[S]),
	}, nil
}

// Notifier returns the state-change fan-out shared by every session.
func (manager *Manager[S]) Notifier() *Notifier {
	return manager.notifier
}

// Engine returns the replay engine shared by every session.
func (manager *Manager[S]) Engine() *replay.Engine[S] {
	return manager.engine
}

// Create registers a new, empty document.
func (manager *Manager[S]) Create(ctx context.Context, title string) (eventlog.DocumentInfo, error) {
	info, err := manager.events.CreateDocument(ctx, title)
	if err != nil {
		return eventlog.DocumentInfo{}, failure.New(opCreate, reasonSetupFailed, err)
	}
	manager.logger.Info("document created", zap.String("document_id", info.DocumentID.String()))
	return info, nil
}

// Get returns the metadata of a document.
func (manager *Manager[S]) Get(ctx context.Context, documentID eventlog.DocumentID) (eventlog.DocumentInfo, error) {
	return manager.events.GetDocument(ctx, documentID)
}

// Delete closes any open session and removes the document with its events and snapshots.
func (manager *Manager[S]) Delete(ctx context.Context, documentID eventlog.DocumentID) error {
	if err := manager.Close(ctx, documentID); err != nil && !errors.Is(err, ErrSessionNotOpen) {
		return failure.New(opDelete, reasonCloseFailed, err)
	}
	if err := manager.events.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	manager.logger.Info("document deleted", zap.String("document_id", documentID.String()))
	return nil
}

// Open recovers documentID and returns its session. An already open session is returned as is.
// A failed recovery returns the report alongside the error.
func (manager *Manager[S]) Open(ctx context.Context, documentID eventlog.DocumentID) (*Session[S], recovery.Report[S], error) {
	if existing, ok := manager.Session(documentID); ok {
		return existing, existing.Report(), nil
	}
	if _, err := manager.events.GetDocument(ctx, documentID); err != nil {
		return nil, recovery.Report[S]{DocumentID: documentID, Outcome: recovery.OutcomeFailed, Reason: err.Error(), HasIssues: true, Warnings: []string{}}, err
	}

	report, err := manager.coordinator.Recover(ctx, documentID)
	if err != nil {
		return nil, report, err
	}
	session, err := manager.newSession(ctx, documentID, report)
	if err != nil {
		return nil, report, failure.New(opOpen, reasonSetupFailed, err)
	}

	manager.mu.Lock()
	if existing, ok := manager.sessions[documentID]; ok {
		manager.mu.Unlock()
		session.writer.Close()
		return existing, existing.Report(), nil
	}
	manager.sessions[documentID] = session
	manager.mu.Unlock()

	session.publish(report.Sequence, ChangeOpen)
	return session, report, nil
}

// Session returns the open session of documentID.
func (manager *Manager[S]) Session(documentID eventlog.DocumentID) (*Session[S], bool) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	session, ok := manager.sessions[documentID]
	return session, ok
}

// Close flushes and closes the session of documentID.
func (manager *Manager[S]) Close(ctx context.Context, documentID eventlog.DocumentID) error {
	manager.mu.Lock()
	session, ok := manager.sessions[documentID]
	if ok {
		delete(manager.sessions, documentID)
	}
	manager.mu.Unlock()
	if !ok {
		return ErrSessionNotOpen
	}
	return session.Close(ctx)
}

// CloseAll closes every open session and returns the first flush error.
func (manager *Manager[S]) CloseAll(ctx context.Context) error {
	manager.mu.Lock()
	sessions := make([]*Session[S], 0, len(manager.sessions))
	for documentID, session := range manager.sessions {
		sessions = append(sessions, session)
		delete(manager.sessions, documentID)
	}
	manager.mu.Unlock()

	var firstErr error
	for _, session := range sessions {
		if err := session.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (manager *Manager[S]) newSession(ctx context.Context, documentID eventlog.DocumentID, report recovery.Report[S]) (*Session[S], error) {
	cfg := manager.config
	logger := manager.logger.With(zap.String("document_id", documentID.String()))

	cadenceConfig := cfg.Cadence
	if cadenceConfig.BaseInterval == 0 {
		cadenceConfig = cadence.DefaultConfig()
	}
	cadenceConfig.Clock = manager.clock
	cadenceConfig.Logger = logger
	cadenceConfig.Sink = manager.sink
	controller, err := cadence.NewController(cadenceConfig)
	if err != nil {
		return nil, err
	}

	cache := checkpoints.NewCache(checkpoints.CacheConfig[S]{
		MemoryBudgetBytes: cfg.CheckpointBudgetBytes,
		Sizer:             cfg.Sizer,
		Clock:             manager.clock,
		Logger:            logger,
		Sink:              manager.sink,
	})
	timeline, err := checkpoints.NewTimeline(checkpoints.TimelineConfig[S]{
		DocumentID: documentID,
		Replayer:   manager.engine,
		Cache:      cache,
		Interval:   cfg.CheckpointInterval,
		Logger:     manager.logger,
		Sink:       manager.sink,
	})
	if err != nil {
		return nil, err
	}
	if err := timeline.Refresh(ctx); err != nil {
		return nil, err
	}
	if !report.Empty {
		timeline.Observe(report.Sequence, report.State)
	}

	writer, err := snapshots.NewWriter(snapshots.WriterConfig[S]{
		Store:         manager.snapshots,
		Codec:         manager.codec,
		DocumentID:    documentID,
		Compress:      cfg.Compress,
		QueueCapacity: cfg.SnapshotQueueCapacity,
		Retention:     cfg.Retention,
		Logger:        manager.logger,
		Sink:          manager.sink,
	})
	if err != nil {
		return nil, err
	}

	return &Session[S]{
		documentID: documentID,
		events:     manager.events,
		engine:     manager.engine,
		controller: controller,
		writer:     writer,
		timeline:   timeline,
		notifier:   manager.notifier,
		clock:      manager.clock,
		logger:     logger,
		report:     report,
		state:      report.State,
		sequence:   report.Sequence,
		hasEvents:  !report.Empty,
	}, nil
}
