package database

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/notevault/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeUserEmails = "2026-10-19_normalize_user_emails"
	migrationRecomputeNoteVotes  = "2026-10-19_recompute_note_votes"
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

func defaultMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationNormalizeUserEmails, apply: normalizeUserEmails},
		{name: migrationRecomputeNoteVotes, apply: recomputeNoteVotes},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	return runMigrations(db, logger, defaultMigrations())
}

// runMigrations applies each pending migration together with its ledger row in one transaction.
func runMigrations(db *gorm.DB, logger *zap.Logger, migrations []migrationDefinition) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func normalizeUserEmails(db *gorm.DB) error {
	if err := db.Exec("UPDATE users SET email = LOWER(TRIM(email)) WHERE email <> LOWER(TRIM(email))").Error; err != nil {
		return err
	}
	return db.Exec("UPDATE user_identities SET user_email = LOWER(TRIM(user_email)) WHERE user_email <> LOWER(TRIM(user_email))").Error
}

func recomputeNoteVotes(db *gorm.DB) error {
	return notes.RepairScores(context.Background(), db)
}
