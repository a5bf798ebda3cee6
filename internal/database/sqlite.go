package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/journal/backend/internal/consent"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/journal"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/offlinequeue"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ServerModels lists every table owned by the API server database.
func ServerModels() []any {
	models := append([]any{}, journal.Models()...)
	return append(models, &consent.Grant{}, &users.Identity{}, &migrationRecord{})
}

// OpenSQLite establishes the server SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(ServerModels()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// OpenQueue opens the device-side database that holds the offline sync queue.
func OpenQueue(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(offlinequeue.Models()...); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("queue database initialized", zap.String("path", path))
	}

	return db, nil
}

func open(path string) (*gorm.DB, error) {
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
	return db, nil
}
