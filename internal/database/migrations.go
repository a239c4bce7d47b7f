package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/wavetrace/backend/internal/snapshots"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeSnapshotCompression = "2026-09-14_normalize_snapshot_compression"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeSnapshotCompression, apply: normalizeSnapshotCompression},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeSnapshotCompression labels snapshots written before the compression column was populated.
func normalizeSnapshotCompression(db *gorm.DB) error {
	var unlabeled []snapshots.Snapshot
	if err := db.Select("snapshot_id", "snapshot_data").
		Where("compression IS NULL OR compression = ''").
		Find(&unlabeled).Error; err != nil {
		return err
	}
	for _, snapshot := range unlabeled {
		label := string(snapshots.CompressionOf(snapshot.SnapshotData))
		if err := db.Model(&snapshots.Snapshot{}).
			Where("snapshot_id = ?", snapshot.SnapshotID).
			Update("compression", label).Error; err != nil {
			return err
		}
	}
	return nil
}
