package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/failure"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew          = "eventlog.store.new"
	opCreateDocument    = "eventlog.create_document"
	opGetDocument       = "eventlog.get_document"
	opDeleteDocument    = "eventlog.delete_document"
	opAppend            = "eventlog.append"
	opAppendBatch       = "eventlog.append_batch"
	opQuery             = "eventlog.query"
	opMaxSequence       = "eventlog.max_sequence"
	opVerifyContiguity  = "eventlog.verify_contiguity"
	fieldDocumentID     = "document_id"
	columnSequence      = "event_sequence"
	orderSequenceAsc    = columnSequence + " ASC"
	queryDocument       = fieldDocumentID + " = ?"
	querySequenceFrom   = columnSequence + " >= ?"
	querySequenceTo     = columnSequence + " <= ?"
	insertBatchSize     = 500
	reasonMissingDB     = "missing_database"
	reasonInvalidID     = "invalid_document_id"
	reasonInvalidEvent  = "invalid_event"
	reasonIDFailed      = "id_generation_failed"
	reasonInsertFailed  = "insert_failed"
	reasonQueryFailed   = "query_failed"
	reasonDeleteFailed  = "delete_failed"
	reasonNotFound      = "not_found"
	reasonConflict      = "sequence_conflict"
	reasonSequenceGap   = "sequence_gap"
	reasonDocumentWrite = "document_write_failed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// StoreConfig describes the dependencies of the event log store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists per-document, gap-free event sequences.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
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
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// CreateDocument registers a new document with a generated identifier.
func (store *Store) CreateDocument(ctx context.Context, title string) (DocumentInfo, error) {
	if store.idProvider == nil {
		return DocumentInfo{}, failure.New(opCreateDocument, reasonIDFailed, errMissingIDProvider)
	}
	rawID, err := store.idProvider.NewID()
	if err != nil {
		store.logError(opCreateDocument, reasonIDFailed, err)
		return DocumentInfo{}, failure.New(opCreateDocument, reasonIDFailed, err)
	}
	documentID, err := NewDocumentID(rawID)
	if err != nil {
		return DocumentInfo{}, failure.New(opCreateDocument, reasonInvalidID, err)
	}
	nowMs := store.clock().UTC().UnixMilli()
	model := Document{
		DocumentID:    documentID.String(),
		Title:         strings.TrimSpace(title),
		FormatVersion: CurrentFormatVersion,
		CreatedAtMs:   nowMs,
		ModifiedAtMs:  nowMs,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		store.logError(opCreateDocument, reasonInsertFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return DocumentInfo{}, failure.New(opCreateDocument, reasonInsertFailed, err)
	}
	return model.info(), nil
}

// GetDocument loads the metadata row of a document.
func (store *Store) GetDocument(ctx context.Context, documentID DocumentID) (DocumentInfo, error) {
	var model Document
	err := store.db.WithContext(ctx).Where(queryDocument, documentID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentInfo{}, failure.New(opGetDocument, reasonNotFound, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID))
	}
	if err != nil {
		store.logError(opGetDocument, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return DocumentInfo{}, failure.New(opGetDocument, reasonQueryFailed, err)
	}
	return model.info(), nil
}

// DeleteDocument removes the metadata row; events and snapshots cascade with it.
func (store *Store) DeleteDocument(ctx context.Context, documentID DocumentID) error {
	result := store.db.WithContext(ctx).Where(queryDocument, documentID.String()).Delete(&Document{})
	if result.Error != nil {
		store.logError(opDeleteDocument, reasonDeleteFailed, result.Error, zap.String(fieldDocumentID, documentID.String()))
		return failure.New(opDeleteDocument, reasonDeleteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return failure.New(opDeleteDocument, reasonNotFound, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID))
	}
	return nil
}

// Append durably writes one event and returns it with its assigned sequence.
func (store *Store) Append(ctx context.Context, documentID DocumentID, draft Draft) (Record, error) {
	records, err := store.appendDrafts(ctx, opAppend, documentID, []Draft{draft})
	if err != nil {
		return Record{}, err
	}
	return records[0], nil
}

// AppendBatch durably writes all events or none of them.
func (store *Store) AppendBatch(ctx context.Context, documentID DocumentID, drafts []Draft) ([]Record, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	return store.appendDrafts(ctx, opAppendBatch, documentID, drafts)
}

func (store *Store) appendDrafts(ctx context.Context, operation string, documentID DocumentID, drafts []Draft) ([]Record, error) {
	if store.db == nil {
		return nil, failure.New(operation, reasonMissingDB, errMissingDatabase)
	}
	if _, err := NewDocumentID(documentID.String()); err != nil {
		return nil, failure.New(operation, reasonInvalidID, err)
	}

	normalized := make([]Draft, 0, len(drafts))
	for _, draft := range drafts {
		clean, err := normalizeDraft(draft)
		if err != nil {
			return nil, failure.New(operation, reasonInvalidEvent, err)
		}
		normalized = append(normalized, clean)
	}

	var records []Record
	transactionError := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		nowMs := store.clock().UTC().UnixMilli()
		if err := ensureDocument(transaction, documentID, nowMs); err != nil {
			store.logError(operation, reasonDocumentWrite, err, zap.String(fieldDocumentID, documentID.String()))
			return failure.New(operation, reasonDocumentWrite, err)
		}

		maxSequence, found, err := maxSequenceOf(transaction, documentID)
		if err != nil {
			store.logError(operation, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return failure.New(operation, reasonQueryFailed, err)
		}
		next := uint64(0)
		if found {
			next = maxSequence + 1
		}

		models := make([]Event, 0, len(normalized))
		for _, draft := range normalized {
			if draft.Sequence != nil && *draft.Sequence != next {
				conflict := fmt.Errorf("%w: expected %d, got %d", ErrSequenceConflict, next, *draft.Sequence)
				store.logger.Warn("event sequence conflict",
					zap.String(fieldDocumentID, documentID.String()),
					zap.Uint64("expected_sequence", next),
					zap.Uint64("supplied_sequence", *draft.Sequence))
				return failure.New(operation, reasonConflict, conflict)
			}
			timestampMs := draft.TimestampMs
			if timestampMs == 0 {
				timestampMs = nowMs
			}
			var userID *string
			if draft.UserID != "" {
				value := draft.UserID
				userID = &value
			}
			models = append(models, Event{
				DocumentID:    documentID.String(),
				EventSequence: int64(next),
				EventType:     draft.Type,
				EventPayload:  string(draft.Payload),
				TimestampMs:   timestampMs,
				UserID:        userID,
			})
			next++
		}

		if err := transaction.CreateInBatches(&models, insertBatchSize).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return failure.New(operation, reasonConflict, fmt.Errorf("%w: %v", ErrSequenceConflict, err))
			}
			store.logError(operation, reasonInsertFailed, err, zap.String(fieldDocumentID, documentID.String()))
			return failure.New(operation, reasonInsertFailed, err)
		}

		if err := transaction.Model(&Document{}).
			Where(queryDocument, documentID.String()).
			Update("modified_at", nowMs).Error; err != nil {
			store.logError(operation, reasonDocumentWrite, err, zap.String(fieldDocumentID, documentID.String()))
			return failure.New(operation, reasonDocumentWrite, err)
		}

		records = make([]Record, 0, len(models))
		for _, model := range models {
			records = append(records, model.record())
		}
		return nil
	})
	if transactionError != nil {
		return nil, transactionError
	}
	return records, nil
}

// Query returns events with fromSequence <= sequence <= toSequence in ascending order.
// A nil toSequence reads through the latest event.
func (store *Store) Query(ctx context.Context, documentID DocumentID, fromSequence uint64, toSequence *uint64) ([]Record, error) {
	if store.db == nil {
		return nil, failure.New(opQuery, reasonMissingDB, errMissingDatabase)
	}
	statement := store.db.WithContext(ctx).
		Where(queryDocument, documentID.String()).
		Where(querySequenceFrom, int64(fromSequence))
	if toSequence != nil {
		if *toSequence < fromSequence {
			return nil, nil
		}
		statement = statement.Where(querySequenceTo, int64(*toSequence))
	}

	var models []Event
	if err := statement.Order(orderSequenceAsc).Find(&models).Error; err != nil {
		store.logError(opQuery, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, failure.New(opQuery, reasonQueryFailed, err)
	}

	records := make([]Record, 0, len(models))
	for _, model := range models {
		records = append(records, model.record())
	}
	return records, nil
}

// MaxSequence returns the latest durable sequence and whether the log has any events.
func (store *Store) MaxSequence(ctx context.Context, documentID DocumentID) (uint64, bool, error) {
	if store.db == nil {
		return 0, false, failure.New(opMaxSequence, reasonMissingDB, errMissingDatabase)
	}
	maxSequence, found, err := maxSequenceOf(store.db.WithContext(ctx), documentID)
	if err != nil {
		store.logError(opMaxSequence, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return 0, false, failure.New(opMaxSequence, reasonQueryFailed, err)
	}
	return maxSequence, found, nil
}

type sequenceStats struct {
	Total       int64
	MinSequence sql.NullInt64
	MaxSequence sql.NullInt64
}

// VerifyContiguity checks that the stored sequences are exactly 0..max.
func (store *Store) VerifyContiguity(ctx context.Context, documentID DocumentID) error {
	if store.db == nil {
		return failure.New(opVerifyContiguity, reasonMissingDB, errMissingDatabase)
	}
	database := store.db.WithContext(ctx)

	var stats sequenceStats
	if err := database.Model(&Event{}).
		Select("COUNT(*) AS total, MIN(event_sequence) AS min_sequence, MAX(event_sequence) AS max_sequence").
		Where(queryDocument, documentID.String()).
		Scan(&stats).Error; err != nil {
		store.logError(opVerifyContiguity, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return failure.New(opVerifyContiguity, reasonQueryFailed, err)
	}
	if stats.Total == 0 {
		return nil
	}
	if stats.MinSequence.Int64 == 0 && stats.MaxSequence.Int64+1 == stats.Total {
		return nil
	}

	var sequences []int64
	if err := database.Model(&Event{}).
		Where(queryDocument, documentID.String()).
		Order(orderSequenceAsc).
		Pluck(columnSequence, &sequences).Error; err != nil {
		store.logError(opVerifyContiguity, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return failure.New(opVerifyContiguity, reasonQueryFailed, err)
	}
	gapErr := firstGap(sequences)
	if gapErr == nil {
		gapErr = fmt.Errorf("%w: %d events for max sequence %d", ErrEventSequenceGap, stats.Total, stats.MaxSequence.Int64)
	}
	store.logger.Error("event log corruption detected",
		zap.String(fieldDocumentID, documentID.String()),
		zap.Error(gapErr))
	return failure.New(opVerifyContiguity, reasonSequenceGap, gapErr)
}

func firstGap(sequences []int64) error {
	for index, sequence := range sequences {
		expected := int64(index)
		if sequence == expected {
			continue
		}
		if index > 0 && sequence == sequences[index-1] {
			return fmt.Errorf("%w: duplicate sequence %d", ErrEventSequenceGap, sequence)
		}
		return fmt.Errorf("%w: expected sequence %d, found %d", ErrEventSequenceGap, expected, sequence)
	}
	return nil
}

func ensureDocument(transaction *gorm.DB, documentID DocumentID, nowMs int64) error {
	return transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&Document{
		DocumentID:    documentID.String(),
		FormatVersion: CurrentFormatVersion,
		CreatedAtMs:   nowMs,
		ModifiedAtMs:  nowMs,
	}).Error
}

func maxSequenceOf(database *gorm.DB, documentID DocumentID) (uint64, bool, error) {
	var maxSequence sql.NullInt64
	err := database.Model(&Event{}).
		Select("MAX("+columnSequence+")").
		Where(queryDocument, documentID.String()).
		Row().
		Scan(&maxSequence)
	if err != nil {
		return 0, false, err
	}
	if !maxSequence.Valid {
		return 0, false, nil
	}
	return uint64(maxSequence.Int64), true, nil
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
	store.logger.Error("event log store error", attrs...)
}
