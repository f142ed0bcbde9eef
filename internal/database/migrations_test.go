package database

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/notevault/internal/notes"
	"github.com/MarcoPoloResearchLab/notevault/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestOpenRepairsDriftedScoresOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "notevault.db")

	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	note := notes.Note{UserID: "user-1", Title: "Graphs", FileName: "a.pdf", OriginalFilename: "a.pdf", Votes: 9}
	if err := database.Create(&note).Error; err != nil {
		testContext.Fatalf("failed to insert note: %v", err)
	}
	for _, vote := range []notes.Vote{
		{NoteID: note.ID, UserID: "user-1", VoteType: 1},
		{NoteID: note.ID, UserID: "user-2", VoteType: 1},
		{NoteID: note.ID, UserID: "user-3", VoteType: -1},
	} {
		if err := database.Create(&vote).Error; err != nil {
			testContext.Fatalf("failed to insert vote: %v", err)
		}
	}
	if err := database.Where("name = ?", migrationRecomputeNoteVotes).Delete(&migrationRecord{}).Error; err != nil {
		testContext.Fatalf("failed to reset ledger: %v", err)
	}
	if err := Close(database); err != nil {
		testContext.Fatalf("failed to close database: %v", err)
	}

	database, err = Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to reopen database: %v", err)
	}
	testContext.Cleanup(func() { _ = Close(database) })

	var stored notes.Note
	if err := database.Where("id = ?", note.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload note: %v", err)
	}
	if stored.Votes != 1 {
		testContext.Fatalf("expected repaired score 1, got %d", stored.Votes)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRecomputeNoteVotes).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := database.Model(&notes.Note{}).Where("id = ?", note.ID).Update("votes", 5).Error; err != nil {
		testContext.Fatalf("failed to drift score: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to reapply migrations: %v", err)
	}
	if err := database.Where("id = ?", note.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload note: %v", err)
	}
	if stored.Votes != 5 {
		testContext.Fatalf("expected recorded migration to be skipped, got score %d", stored.Votes)
	}
}

func TestNormalizeUserEmailsMigration(testContext *testing.T) {
	database, err := Open(DriverSQLite, filepath.Join(testContext.TempDir(), "emails.db"), nil)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	testContext.Cleanup(func() { _ = Close(database) })

	if err := database.Create(&users.User{ID: "user-1", Email: " Ada@Example.COM "}).Error; err != nil {
		testContext.Fatalf("failed to insert user: %v", err)
	}
	if err := normalizeUserEmails(database); err != nil {
		testContext.Fatalf("migration failed: %v", err)
	}

	var stored users.User
	if err := database.Where("id = ?", "user-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload user: %v", err)
	}
	if stored.Email != "ada@example.com" {
		testContext.Fatalf("expected normalized email, got %q", stored.Email)
	}
}

func TestRunMigrationsRollsBackFailedMigration(testContext *testing.T) {
	database, err := Open(DriverSQLite, filepath.Join(testContext.TempDir(), "rollback.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	testContext.Cleanup(func() { _ = Close(database) })

	failure := errors.New("boom")
	err = runMigrations(database, zap.NewNop(), []migrationDefinition{
		{name: "failing", apply: func(tx *gorm.DB) error {
			if err := tx.Create(&users.User{ID: "partial"}).Error; err != nil {
				return err
			}
			return failure
		}},
	})
	if !errors.Is(err, failure) {
		testContext.Fatalf("expected migration failure, got %v", err)
	}

	var partialRows int64
	database.Table("users").Where("id = ?", "partial").Count(&partialRows)
	if partialRows != 0 {
		testContext.Fatalf("expected partial migration to be rolled back")
	}
	var records int64
	database.Model(&migrationRecord{}).Where("name = ?", "failing").Count(&records)
	if records != 0 {
		testContext.Fatalf("expected no ledger row for a failed migration")
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open("postgres", "host=localhost", zap.NewNop()); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(DriverSQLite, " ", zap.NewNop()); !errors.Is(err, errMissingDSN) {
		testContext.Fatalf("expected missing dsn error, got %v", err)
	}
}
