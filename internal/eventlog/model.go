package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	maxIdentifierLength = 190
	// CurrentFormatVersion is the logical document format recorded in the metadata table.
	CurrentFormatVersion = 1
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("eventlog: invalid document id")
	// ErrInvalidEvent indicates that an event draft is missing its type or carries a malformed payload.
	ErrInvalidEvent = errors.New("eventlog: invalid event")
	// ErrSequenceConflict indicates a non-monotonic or duplicate caller-supplied sequence.
	ErrSequenceConflict = errors.New("eventlog: sequence conflict")
	// ErrEventSequenceGap indicates a gap or duplicate in a document's stored sequence numbers.
	ErrEventSequenceGap = errors.New("eventlog: event sequence gap")
	// ErrDocumentNotFound indicates that no metadata row exists for the document.
	ErrDocumentNotFound = errors.New("eventlog: document not found")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// Document is the metadata row owning a document's events and snapshots.
type Document struct {
	DocumentID    string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Title         string `gorm:"column:title;size:512;not null;default:''"`
	FormatVersion int    `gorm:"column:format_version;not null;default:1"`
	CreatedAtMs   int64  `gorm:"column:created_at;not null"`
	ModifiedAtMs  int64  `gorm:"column:modified_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "metadata"
}

// Event stores one append-only, sequence-numbered edit event.
type Event struct {
	EventID       int64     `gorm:"column:event_id;primaryKey;autoIncrement"`
	DocumentID    string    `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_events_document_sequence,priority:1"`
	EventSequence int64     `gorm:"column:event_sequence;not null;uniqueIndex:idx_events_document_sequence,priority:2"`
	EventType     string    `gorm:"column:event_type;size:190;not null"`
	EventPayload  string    `gorm:"column:event_payload;type:text;not null"`
	TimestampMs   int64     `gorm:"column:timestamp;not null"`
	UserID        *string   `gorm:"column:user_id;size:190"`
	Document      *Document `gorm:"belongsTo:true;foreignKey:DocumentID;references:DocumentID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

// Record is an immutable event as seen by replay and dispatch.
type Record struct {
	DocumentID  DocumentID
	Sequence    uint64
	Type        string
	Payload     json.RawMessage
	TimestampMs int64
	UserID      string
}

// Draft describes an event the editing surface wants appended.
// Sequence is optional; when set it must equal the next sequence of the log.
type Draft struct {
	Sequence    *uint64
	Type        string
	Payload     json.RawMessage
	TimestampMs int64
	UserID      string
}

// DocumentInfo is the metadata view returned to callers.
type DocumentInfo struct {
	DocumentID    DocumentID
	Title         string
	FormatVersion int
	CreatedAtMs   int64
	ModifiedAtMs  int64
}

// UpTo returns an inclusive upper bound for Query.
func UpTo(sequence uint64) *uint64 {
	return &sequence
}

func (model Event) record() Record {
	userID := ""
	if model.UserID != nil {
		userID = *model.UserID
	}
	return Record{
		DocumentID:  DocumentID(model.DocumentID),
		Sequence:    uint64(model.EventSequence),
		Type:        model.EventType,
		Payload:     json.RawMessage(model.EventPayload),
		TimestampMs: model.TimestampMs,
		UserID:      userID,
	}
}

func (model Document) info() DocumentInfo {
	return DocumentInfo{
		DocumentID:    DocumentID(model.DocumentID),
		Title:         model.Title,
		FormatVersion: model.FormatVersion,
		CreatedAtMs:   model.CreatedAtMs,
		ModifiedAtMs:  model.ModifiedAtMs,
	}
}

func normalizeDraft(draft Draft) (Draft, error) {
	draft.Type = strings.TrimSpace(draft.Type)
	if draft.Type == "" {
		return Draft{}, fmt.Errorf("%w: empty event type", ErrInvalidEvent)
	}
	if len(draft.Type) > maxIdentifierLength {
		return Draft{}, fmt.Errorf("%w: event type exceeds %d characters", ErrInvalidEvent, maxIdentifierLength)
	}
	if len(draft.Payload) == 0 {
		draft.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(draft.Payload) {
		return Draft{}, fmt.Errorf("%w: payload is not valid json", ErrInvalidEvent)
	}
	draft.UserID = strings.TrimSpace(draft.UserID)
	return draft, nil
}
