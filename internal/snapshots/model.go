package snapshots

import "github.com/MarcoPoloResearchLab/wavetrace/backend/internal/eventlog"

// Snapshot stores an enveloped document state after events 0..=EventSequence.
type Snapshot struct {
	SnapshotID    int64              `gorm:"column:snapshot_id;primaryKey;autoIncrement"`
	DocumentID    string             `gorm:"column:document_id;size:190;not null;index:idx_snapshots_document_sequence,priority:1"`
	EventSequence int64              `gorm:"column:event_sequence;not null;index:idx_snapshots_document_sequence,priority:2,sort:desc"`
	SnapshotData  []byte             `gorm:"column:snapshot_data;type:blob;not null"`
	CreatedAtMs   int64              `gorm:"column:created_at;not null"`
	Compression   string             `gorm:"column:compression;size:16;not null;default:'none'"`
	Document      *eventlog.Document `gorm:"belongsTo:true;foreignKey:DocumentID;references:DocumentID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "snapshots"
}

// Record is the caller-facing view of a stored snapshot. Data is nil for listings.
type Record struct {
	SnapshotID  int64
	DocumentID  eventlog.DocumentID
	Sequence    uint64
	Data        []byte
	CreatedAtMs int64
	Compression Compression
}

func (model Snapshot) record() Record {
	return Record{
		SnapshotID:  model.SnapshotID,
		DocumentID:  eventlog.DocumentID(model.DocumentID),
		Sequence:    uint64(model.EventSequence),
		Data:        model.SnapshotData,
		CreatedAtMs: model.CreatedAtMs,
		Compression: Compression(model.Compression),
	}
}

// CompressionOf reports the compression label for an enveloped or legacy payload.
func CompressionOf(data []byte) Compression {
	if DetectLegacy(data) == LegacyGzip {
		return CompressionGzip
	}
	header, err := ReadHeader(data)
	if err != nil {
		return CompressionNone
	}
	return header.Compression
}
