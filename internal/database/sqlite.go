package database

import (
	"fmt"

	"github.com/courierlabs/courier/backend/internal/chat"
	"github.com/courierlabs/courier/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&chat.Message{},
		&chat.RoomMember{},
		&chat.UnreadMarker{},
		&users.OnlineUser{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	// Nobody is connected right after a restart; stale roster rows would
	// claim otherwise.
	if err := resetOnlineRoster(db); err != nil && logger != nil {
		logger.Warn("online roster reset failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func resetOnlineRoster(db *gorm.DB) error {
	return db.Exec("DELETE FROM online_user;").Error
}
