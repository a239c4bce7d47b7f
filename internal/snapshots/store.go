package snapshots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"
	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/failure"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew          = "snapshots.store.new"
	opSave              = "snapshots.save"
	opList              = "snapshots.list"
	opLoad              = "snapshots.load"
	opReplace           = "snapshots.replace"
	opPrune             = "snapshots.prune"
	fieldDocumentID     = "document_id"
	fieldSequence       = "sequence"
	fieldSnapshotID     = "snapshot_id"
	headerColumns       = "snapshot_id, document_id, event_sequence, created_at, compression"
	orderSequenceDesc   = "event_sequence DESC, snapshot_id DESC"
	queryDocument       = "document_id = ?"
	querySequenceAtMost = "event_sequence <= ?"
	querySnapshotID     = "snapshot_id = ?"
	queryNotEnveloped   = "substr(snapshot_data, 1, 4) <> ?"
	reasonMissingDB     = "missing_database"
	reasonEmptyPayload  = "empty_payload"
	reasonInsertFailed  = "insert_failed"
	reasonQueryFailed   = "query_failed"
	reasonNotFound      = "not_found"
	reasonDeleteFailed  = "delete_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errEmptyPayload    = errors.New("snapshot payload is empty")
	// ErrSnapshotNotFound indicates that the requested snapshot row does not exist.
	ErrSnapshotNotFound = errors.New("snapshots: snapshot not found")
	noOpLogger          = zap.NewNop()
)

// StoreConfig describes the dependencies of the snapshot store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists binary snapshots keyed by (document, sequence).
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// RetentionPolicy bounds how many superseded snapshots are kept.
// The most recent snapshot of a document is always retained.
type RetentionPolicy struct {
	KeepLatest int
	MaxAge     time.Duration
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, failure.New(opStoreNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Save durably stores an enveloped snapshot for the state after sequence.
func (store *Store) Save(ctx context.Context, documentID eventlog.DocumentID, sequence uint64, data []byte) (Record, error) {
	if len(data) == 0 {
		return Record{}, failure.New(opSave, reasonEmptyPayload, errEmptyPayload)
	}
	model := Snapshot{
		DocumentID:    documentID.String(),
		EventSequence: int64(sequence),
		SnapshotData:  data,
		CreatedAtMs:   store.clock().UTC().UnixMilli(),
		Compression:   string(CompressionOf(data)),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		store.logError(opSave, reasonInsertFailed, err,
			zap.String(fieldDocumentID, documentID.String()),
			zap.Uint64(fieldSequence, sequence))
		return Record{}, failure.New(opSave, reasonInsertFailed, err)
	}
	return model.record(), nil
}

// ListAtOrBelow returns snapshot headers with sequence <= maxSequence, newest first.
func (store *Store) ListAtOrBelow(ctx context.Context, documentID eventlog.DocumentID, maxSequence uint64) ([]Record, error) {
	statement := store.db.WithContext(ctx).
		Where(queryDocument, documentID.String()).
		Where(querySequenceAtMost, int64(maxSequence))
	return store.listHeaders(statement, documentID)
}

// List returns every snapshot header of a document, newest first.
func (store *Store) List(ctx context.Context, documentID eventlog.DocumentID) ([]Record, error) {
	statement := store.db.WithContext(ctx).Where(queryDocument, documentID.String())
	return store.listHeaders(statement, documentID)
}

func (store *Store) listHeaders(statement *gorm.DB, documentID eventlog.DocumentID) ([]Record, error) {
	var models []Snapshot
	if err := statement.Select(headerColumns).Order(orderSequenceDesc).Find(&models).Error; err != nil {
		store.logError(opList, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, failure.New(opList, reasonQueryFailed, err)
	}
	records := make([]Record, 0, len(models))
	for _, model := range models {
		records = append(records, model.record())
	}
	return records, nil
}

// ListLegacy returns full records of a document whose payload lacks the envelope magic, newest first.
func (store *Store) ListLegacy(ctx context.Context, documentID eventlog.DocumentID) ([]Record, error) {
	var models []Snapshot
	err := store.db.WithContext(ctx).
		Where(queryDocument, documentID.String()).
		Where(queryNotEnveloped, envelopeMagic[:]).
		Order(orderSequenceDesc).
		Find(&models).Error
	if err != nil {
		store.logError(opList, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, failure.New(opList, reasonQueryFailed, err)
	}
	records := make([]Record, 0, len(models))
	for _, model := range models {
		records = append(records, model.record())
	}
	return records, nil
}

// Load fetches a snapshot including its payload.
func (store *Store) Load(ctx context.Context, snapshotID int64) (Record, error) {
	var model Snapshot
	err := store.db.WithContext(ctx).Where(querySnapshotID, snapshotID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, failure.New(opLoad, reasonNotFound, fmt.Errorf("%w: %d", ErrSnapshotNotFound, snapshotID))
	}
	if err != nil {
		store.logError(opLoad, reasonQueryFailed, err, zap.Int64(fieldSnapshotID, snapshotID))
		return Record{}, failure.New(opLoad, reasonQueryFailed, err)
	}
	return model.record(), nil
}

// Replace swaps a snapshot's payload for data in one transaction, keeping its sequence and creation time.
func (store *Store) Replace(ctx context.Context, snapshotID int64, data []byte) (Record, error) {
	if len(data) == 0 {
		return Record{}, failure.New(opReplace, reasonEmptyPayload, errEmptyPayload)
	}
	var replacement Snapshot
	transactionError := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing Snapshot
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select(headerColumns).
			Where(querySnapshotID, snapshotID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failure.New(opReplace, reasonNotFound, fmt.Errorf("%w: %d", ErrSnapshotNotFound, snapshotID))
		}
		if err != nil {
			store.logError(opReplace, reasonQueryFailed, err, zap.Int64(fieldSnapshotID, snapshotID))
			return failure.New(opReplace, reasonQueryFailed, err)
		}
		if err := transaction.Where(querySnapshotID, snapshotID).Delete(&Snapshot{}).Error; err != nil {
			store.logError(opReplace, reasonDeleteFailed, err, zap.Int64(fieldSnapshotID, snapshotID))
			return failure.New(opReplace, reasonDeleteFailed, err)
		}
		replacement = Snapshot{
			DocumentID:    existing.DocumentID,
			EventSequence: existing.EventSequence,
			SnapshotData:  data,
			CreatedAtMs:   existing.CreatedAtMs,
			Compression:   string(CompressionOf(data)),
		}
		if err := transaction.Create(&replacement).Error; err != nil {
			store.logError(opReplace, reasonInsertFailed, err, zap.Int64(fieldSnapshotID, snapshotID))
			return failure.New(opReplace, reasonInsertFailed, err)
		}
		return nil
	})
	if transactionError != nil {
		return Record{}, transactionError
	}
	return replacement.record(), nil
}

// Prune deletes superseded snapshots outside policy and returns how many were removed.
func (store *Store) Prune(ctx context.Context, documentID eventlog.DocumentID, policy RetentionPolicy) (int, error) {
	if policy.KeepLatest <= 0 && policy.MaxAge <= 0 {
		return 0, nil
	}
	headers, err := store.List(ctx, documentID)
	if err != nil {
		return 0, err
	}
	nowMs := store.clock().UTC().UnixMilli()
	var doomed []int64
	for index, header := range headers {
		if index == 0 {
			continue
		}
		tooMany := policy.KeepLatest > 0 && index >= policy.KeepLatest
		tooOld := policy.MaxAge > 0 && nowMs-header.CreatedAtMs > policy.MaxAge.Milliseconds()
		if tooMany || tooOld {
			doomed = append(doomed, header.SnapshotID)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	result := store.db.WithContext(ctx).Where("snapshot_id IN ?", doomed).Delete(&Snapshot{})
	if result.Error != nil {
		store.logError(opPrune, reasonDeleteFailed, result.Error, zap.String(fieldDocumentID, documentID.String()))
		return 0, failure.New(opPrune, reasonDeleteFailed, result.Error)
	}
	return int(result.RowsAffected), nil
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.logger.Error("snapshot store error", attrs...)
}
