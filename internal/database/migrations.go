package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/journal/backend/internal/consent"
	"github.com/MarcoPoloResearchLab/journal/backend/internal/journal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillEntrySyncStatus  = "2026-09-01_backfill_entry_sync_status"
	migrationStripOwnerProviderPrefix = "2026-09-15_strip_owner_provider_prefix"
	legacyOwnerProviderPrefix         = "google:"
)

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
		{name: migrationBackfillEntrySyncStatus, apply: backfillSyncStatus},
		{name: migrationStripOwnerProviderPrefix, apply: stripOwnerProviderPrefix},
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
			return fmt.Errorf("migration %s: %w", migration.name, err)
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

// backfillSyncStatus marks rows written before sync_status existed as synced.
func backfillSyncStatus(db *gorm.DB) error {
	for _, model := range []any{&journal.Entry{}, &journal.MediaAttachment{}} {
		err := db.Model(model).
			Where("sync_status = '' OR sync_status IS NULL").
			Update("sync_status", journal.SyncStatusSynced).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// stripOwnerProviderPrefix rewrites owner ids stored as "google:<sub>" to the bare subject.
func stripOwnerProviderPrefix(db *gorm.DB) error {
	start := len(legacyOwnerProviderPrefix) + 1
	models := []any{&journal.Entry{}, &journal.EntryRevision{}, &journal.MediaAttachment{}, &consent.Grant{}}
	for _, model := range models {
		err := db.Model(model).
			Where("owner_id LIKE ?", legacyOwnerProviderPrefix+"%").
			Update("owner_id", gorm.Expr("substr(owner_id, ?)", start)).Error
		if err != nil {
			return err
		}
	}
	return nil
}
