package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/collaboard/internal/board"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillPasswordFlag = "2026-05-20_backfill_password_protected_flag"

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
		{name: migrationBackfillPasswordFlag, apply: backfillPasswordProtectedFlag},
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

// backfillPasswordProtectedFlag repairs rooms written before the protection
// flag existed: the flag must mirror whether a password is stored.
func backfillPasswordProtectedFlag(db *gorm.DB) error {
	if err := db.Model(&board.RoomRecord{}).
		Where("password <> '' AND is_password_protected = ?", false).
		Update("is_password_protected", true).Error; err != nil {
		return err
	}
	return db.Model(&board.RoomRecord{}).
		Where("password = '' AND is_password_protected = ?", true).
		Update("is_password_protected", false).Error
}
