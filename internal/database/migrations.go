package database

import (
	"errors"
	"time"

	"github.com/courierlabs/courier/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPruneBlankUnreadMarkers = "2026-04-18_prune_blank_unread_markers"

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
		{name: migrationPruneBlankUnreadMarkers, apply: pruneBlankUnreadMarkers},
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
		if err := migration.apply(db); err != nil {
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

// Marker rows written before member validation existed can carry a blank
// owner; they are unreachable by any acknowledgment and only inflate counts.
func pruneBlankUnreadMarkers(db *gorm.DB) error {
	return db.Where("unread_by = ''").Delete(&chat.UnreadMarker{}).Error
}
